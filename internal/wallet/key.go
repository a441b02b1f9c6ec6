package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// KeyProvider signs with a raw hex private key.
type KeyProvider struct {
	key *ecdsa.PrivateKey
}

func NewKeyProvider(hexKey string) (*KeyProvider, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, ErrUnavailable
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &KeyProvider{key: key}, nil
}

func (p *KeyProvider) RequestAccount(ctx context.Context) (Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return keyAccount{key: p.key}, nil
}

func (p *KeyProvider) Events() <-chan Event { return nil }

type keyAccount struct {
	key *ecdsa.PrivateKey
}

func (a keyAccount) Address() common.Address {
	return crypto.PubkeyToAddress(a.key.PublicKey)
}

func (a keyAccount) Transactor(chainID *big.Int) (*bind.TransactOpts, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(a.key, chainID)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}
	return opts, nil
}
