package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"merchantrails/internal/config"
	"merchantrails/internal/contracts"
	"merchantrails/internal/wallet"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// boundContract adapts bind.BoundContract to Contract. Transactions from one
// session share a lock so concurrent actions do not race on the nonce.
type boundContract struct {
	address common.Address
	abi     *abi.ABI
	backend bind.ContractBackend
	bound   *bind.BoundContract
	signer  *bind.TransactOpts
	sendMu  *sync.Mutex
}

func NewContract(address common.Address, parsed *abi.ABI, backend bind.ContractBackend, signer *bind.TransactOpts, sendMu *sync.Mutex) Contract {
	if sendMu == nil {
		sendMu = new(sync.Mutex)
	}
	return &boundContract{
		address: address,
		abi:     parsed,
		backend: backend,
		bound:   bind.NewBoundContract(address, *parsed, backend, backend, backend),
		signer:  signer,
		sendMu:  sendMu,
	}
}

func (c *boundContract) Address() common.Address { return c.address }

func (c *boundContract) from() common.Address {
	if c.signer == nil {
		return common.Address{}
	}
	return c.signer.From
}

func (c *boundContract) Call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	var out []interface{}
	if err := c.bound.Call(&bind.CallOpts{Context: ctx, From: c.from()}, &out, method, args...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *boundContract) EstimateGas(ctx context.Context, method string, args ...interface{}) (uint64, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return 0, fmt.Errorf("pack %s: %w", method, err)
	}
	to := c.address
	return c.backend.EstimateGas(ctx, ethereum.CallMsg{From: c.from(), To: &to, Data: data})
}

func (c *boundContract) Transact(ctx context.Context, gasLimit uint64, method string, args ...interface{}) (*types.Transaction, error) {
	if c.signer == nil {
		return nil, fmt.Errorf("contract %s is read-only", c.address.Hex())
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	opts := *c.signer
	opts.Context = ctx
	opts.GasLimit = gasLimit
	return c.bound.Transact(&opts, method, args...)
}

// ReceiptReader is the part of ethclient.Client the confirmer needs.
type ReceiptReader interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// PollingConfirmer polls for a receipt until the transaction is mined or the
// context is cancelled.
type PollingConfirmer struct {
	client   ReceiptReader
	interval time.Duration
}

func NewPollingConfirmer(client ReceiptReader, interval time.Duration) *PollingConfirmer {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &PollingConfirmer{client: client, interval: interval}
}

func (c *PollingConfirmer) WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		receipt, err := c.client.TransactionReceipt(ctx, tx.Hash())
		if receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// EthConnector builds sessions against a JSON-RPC endpoint. The RPC client is
// shared by every session it creates.
type EthConnector struct {
	client       *ethclient.Client
	provider     wallet.Provider
	payment      common.Address
	reward       common.Address
	pollInterval time.Duration
}

func DialConnector(ctx context.Context, rpcURL string, provider wallet.Provider, addrs config.ContractAddresses, pollInterval time.Duration) (*EthConnector, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	cli, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return &EthConnector{
		client:       cli,
		provider:     provider,
		payment:      common.HexToAddress(addrs.MerchantProtocol),
		reward:       common.HexToAddress(addrs.RewardToken),
		pollInterval: pollInterval,
	}, nil
}

func (c *EthConnector) Connect(ctx context.Context) (*Session, error) {
	account, err := c.provider.RequestAccount(ctx)
	if err != nil {
		return nil, err
	}
	chainID, err := c.client.ChainID(ctx)
	if err != nil {
		return nil, remoteErr("chainId", err)
	}
	signer, err := account.Transactor(chainID)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}
	signer.GasPrice = nil
	signer.Nonce = nil

	sendMu := new(sync.Mutex)
	bindTo := func(addr common.Address, parsed *abi.ABI) Contract {
		return NewContract(addr, parsed, c.client, signer, sendMu)
	}
	return &Session{
		Account:   account.Address(),
		ChainID:   chainID,
		Payment:   bindTo(c.payment, contracts.Payment()),
		Reward:    bindTo(c.reward, contracts.ERC20()),
		Confirmer: NewPollingConfirmer(c.client, c.pollInterval),
		tokens: func(addr common.Address) Contract {
			return bindTo(addr, contracts.ERC20())
		},
	}, nil
}

func (c *EthConnector) ChainID(ctx context.Context) (*big.Int, error) {
	return c.client.ChainID(ctx)
}

func (c *EthConnector) Ping(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := c.client.BlockNumber(ctx)
	return err
}

func (c *EthConnector) Close() {
	c.client.Close()
}
