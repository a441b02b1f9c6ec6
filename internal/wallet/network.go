package wallet

import (
	"context"
	"math/big"
	"time"
)

type ChainIDReader interface {
	ChainID(ctx context.Context) (*big.Int, error)
}

// WatchNetwork polls the chain id and reports when it moves away from
// current. Read errors are skipped; the channel closes with ctx.
func WatchNetwork(ctx context.Context, reader ChainIDReader, current *big.Int, interval time.Duration) <-chan Event {
	out := make(chan Event, 1)
	if interval <= 0 {
		interval = 15 * time.Second
	}
	known := new(big.Int)
	if current != nil {
		known.Set(current)
	}

	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			id, err := reader.ChainID(ctx)
			if err != nil || id == nil || id.Cmp(known) == 0 {
				continue
			}
			known.Set(id)
			select {
			case out <- Event{Kind: NetworkChanged, ChainID: new(big.Int).Set(id)}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
