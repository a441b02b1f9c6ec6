package escrow

import (
	"math/big"

	"merchantrails/internal/contracts"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Session is one authorized wallet connection with its contract bindings.
// It is replaced wholesale on reconnect and dropped when the wallet account
// or network changes.
type Session struct {
	Account   common.Address
	ChainID   *big.Int
	Payment   Contract
	Reward    Contract
	Confirmer Confirmer

	tokens func(common.Address) Contract
}

// NewSession assembles a session from existing bindings.
func NewSession(account common.Address, chainID *big.Int, payment, reward Contract, confirmer Confirmer, tokens func(common.Address) Contract) *Session {
	return &Session{
		Account:   account,
		ChainID:   chainID,
		Payment:   payment,
		Reward:    reward,
		Confirmer: confirmer,
		tokens:    tokens,
	}
}

// Token binds an ERC-20 payment token for this session.
func (s *Session) Token(addr common.Address) Contract {
	if addr == s.Reward.Address() {
		return s.Reward
	}
	return s.tokens(addr)
}

// decodeFundsSent scans receipt logs for a FundsSent event emitted by the
// payment contract. A receipt without one yields ok == false.
func decodeFundsSent(logs []*types.Log, payment common.Address) (TxID, bool) {
	event := contracts.Payment().Events[contracts.EventFundsSent]
	var indexed abi.Arguments
	for _, arg := range event.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	for _, lg := range logs {
		if lg == nil || lg.Address != payment || len(lg.Topics) != len(indexed)+1 || lg.Topics[0] != event.ID {
			continue
		}
		fields := make(map[string]interface{})
		if err := abi.ParseTopicsIntoMap(fields, indexed, lg.Topics[1:]); err != nil {
			continue
		}
		if id, ok := fields["txId"].(*big.Int); ok {
			return TxIDFromBig(id), true
		}
	}
	return "", false
}
