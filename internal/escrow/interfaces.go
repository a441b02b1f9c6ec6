package escrow

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Contract is a callable binding to one deployed contract, signed by the
// session account.
type Contract interface {
	Address() common.Address
	Call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error)
	EstimateGas(ctx context.Context, method string, args ...interface{}) (uint64, error)
	Transact(ctx context.Context, gasLimit uint64, method string, args ...interface{}) (*types.Transaction, error)
}

// Confirmer blocks until a submitted transaction has a receipt.
type Confirmer interface {
	WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
}

// Connector builds a fresh Session from the wallet provider.
type Connector interface {
	Connect(ctx context.Context) (*Session, error)
}

// Observer receives action outcomes, typically for metrics.
type Observer interface {
	ActionCompleted(action Action, kind Kind)
	ApprovalSubmitted(token string)
	Confirmed(action Action, elapsed time.Duration)
	SessionReset(reason string)
}

type nopObserver struct{}

func (nopObserver) ActionCompleted(Action, Kind) {}
func (nopObserver) ApprovalSubmitted(string) {}
func (nopObserver) Confirmed(Action, time.Duration) {}
func (nopObserver) SessionReset(string) {}
