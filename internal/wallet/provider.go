// Package wallet is the boundary to whatever holds the user's key material.
// The orchestrator only asks a Provider for an Account and listens for
// changes that invalidate the current session.
package wallet

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrUnavailable = errors.New("no wallet provider available")
	ErrRejected    = errors.New("wallet access rejected")
)

type EventKind string

const (
	AccountChanged EventKind = "account_changed"
	// AccountDropped means the session's own account is gone from the
	// provider. Account carries the dropped address.
	AccountDropped EventKind = "account_dropped"
	NetworkChanged EventKind = "network_changed"
)

// Event signals that the signing identity or the network behind a session changed.
type Event struct {
	Kind    EventKind
	Account common.Address
	ChainID *big.Int
}

// Account is an authorized signing identity.
type Account interface {
	Address() common.Address
	Transactor(chainID *big.Int) (*bind.TransactOpts, error)
}

// Provider grants access to an Account.
type Provider interface {
	RequestAccount(ctx context.Context) (Account, error)
	// Events may return nil when the provider never changes accounts.
	Events() <-chan Event
}

// None is used when no wallet has been configured.
type None struct{}

func (None) RequestAccount(context.Context) (Account, error) { return nil, ErrUnavailable }

func (None) Events() <-chan Event { return nil }
