package escrow

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"merchantrails/internal/contracts"
	"merchantrails/internal/notices"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	testAccount  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	testMerchant = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	paymentAddr  = common.HexToAddress("0x6B061bAe16E702c76C0D0537c8bf1928F2D7D2ec")
	rewardAddr   = common.HexToAddress("0xE66b3AA360bB78468c00Bebe163630269DB3324F")
	usdcAddr     = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
)

type stubFunc func(args ...interface{}) ([]interface{}, error)

func returns(vals ...interface{}) stubFunc {
	return func(...interface{}) ([]interface{}, error) { return vals, nil }
}

func fails(err error) stubFunc {
	return func(...interface{}) ([]interface{}, error) { return nil, err }
}

// fakeChain records every contract interaction in order and plays the role
// of the confirmer.
type fakeChain struct {
	mu       sync.Mutex
	log      []string
	sent     map[common.Hash]string
	nonce    uint64
	receipts map[string]func(tx *types.Transaction) *types.Receipt
	gate     chan struct{}
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		sent:     make(map[common.Hash]string),
		receipts: make(map[string]func(tx *types.Transaction) *types.Receipt),
	}
}

func (c *fakeChain) record(entry string) {
	c.mu.Lock()
	c.log = append(c.log, entry)
	c.mu.Unlock()
}

func (c *fakeChain) calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.log))
	copy(out, c.log)
	return out
}

func (c *fakeChain) index(entry string) int {
	for i, e := range c.calls() {
		if e == entry {
			return i
		}
	}
	return -1
}

func (c *fakeChain) WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	c.mu.Lock()
	name := c.sent[tx.Hash()]
	build := c.receipts[name]
	gate := c.gate
	c.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c.record("confirm:" + name)
	if build != nil {
		return build(tx), nil
	}
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: tx.Hash()}, nil
}

func (c *fakeChain) contract(name string, addr common.Address) *fakeContract {
	return &fakeContract{
		name:     name,
		addr:     addr,
		chain:    c,
		stubs:    make(map[string]stubFunc),
		estimate: make(map[string]error),
		args:     make(map[string][]interface{}),
	}
}

type fakeContract struct {
	name     string
	addr     common.Address
	chain    *fakeChain
	stubs    map[string]stubFunc
	estimate map[string]error

	mu   sync.Mutex
	args map[string][]interface{}
}

func (f *fakeContract) Address() common.Address { return f.addr }

func (f *fakeContract) lastArgs(method string) []interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.args[method]
}

func (f *fakeContract) Call(_ context.Context, method string, args ...interface{}) ([]interface{}, error) {
	f.chain.record(f.name + "." + method)
	stub, ok := f.stubs[method]
	if !ok {
		return nil, fmt.Errorf("no stub for %s.%s", f.name, method)
	}
	return stub(args...)
}

func (f *fakeContract) EstimateGas(_ context.Context, method string, args ...interface{}) (uint64, error) {
	f.chain.record(f.name + "." + method + ":estimate")
	if err := f.estimate[method]; err != nil {
		return 0, err
	}
	return 90_000, nil
}

func (f *fakeContract) Transact(_ context.Context, gasLimit uint64, method string, args ...interface{}) (*types.Transaction, error) {
	name := f.name + "." + method
	f.chain.record(name + ":send")
	f.mu.Lock()
	f.args[method] = args
	f.mu.Unlock()

	f.chain.mu.Lock()
	defer f.chain.mu.Unlock()
	f.chain.nonce++
	tx := types.NewTransaction(f.chain.nonce, f.addr, new(big.Int), gasLimit, new(big.Int), []byte(name))
	f.chain.sent[tx.Hash()] = name
	return tx, nil
}

type fakeConnector struct {
	mu      sync.Mutex
	session *Session
	err     error
	calls   int
}

func (c *fakeConnector) Connect(context.Context) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return c.session, nil
}

func (c *fakeConnector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type recordingObserver struct {
	mu        sync.Mutex
	outcomes  []string
	approvals []string
	resets    []string
}

func (r *recordingObserver) ActionCompleted(action Action, kind Kind) {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, string(action)+":"+string(kind))
	r.mu.Unlock()
}

func (r *recordingObserver) ApprovalSubmitted(token string) {
	r.mu.Lock()
	r.approvals = append(r.approvals, token)
	r.mu.Unlock()
}

func (r *recordingObserver) Confirmed(Action, time.Duration) {}

func (r *recordingObserver) SessionReset(reason string) {
	r.mu.Lock()
	r.resets = append(r.resets, reason)
	r.mu.Unlock()
}

func (r *recordingObserver) resetReasons() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.resets...)
}

// revertDataError mimics a JSON-RPC error carrying ABI-encoded revert data.
type revertDataError struct{ reason string }

func (e revertDataError) Error() string { return "execution reverted" }

func (e revertDataError) ErrorData() interface{} {
	strType, _ := abi.NewType("string", "", nil)
	packed, _ := abi.Arguments{{Type: strType}}.Pack(e.reason)
	return hexutil.Encode(append([]byte{0x08, 0xc3, 0x79, 0xa0}, packed...))
}

func fundsSentLog(emitter common.Address, id *big.Int) *types.Log {
	event := contracts.Payment().Events[contracts.EventFundsSent]
	data, _ := event.Inputs.NonIndexed().Pack(usdcAddr, big.NewInt(1))
	return &types.Log{
		Address: emitter,
		Topics: []common.Hash{
			event.ID,
			common.BigToHash(id),
			common.BytesToHash(testAccount.Bytes()),
			common.BytesToHash(testMerchant.Bytes()),
		},
		Data: data,
	}
}

type harness struct {
	chain     *fakeChain
	payment   *fakeContract
	reward    *fakeContract
	usdc      *fakeContract
	connector *fakeConnector
	notices   *notices.Recorder
	observer  *recordingObserver
	orch      *Orchestrator
}

func newHarness() *harness {
	chain := newFakeChain()
	h := &harness{
		chain:    chain,
		payment:  chain.contract("payment", paymentAddr),
		reward:   chain.contract("MTO", rewardAddr),
		usdc:     chain.contract("USDC", usdcAddr),
		notices:  &notices.Recorder{},
		observer: &recordingObserver{},
	}
	h.reward.stubs[contracts.MethodBalanceOf] = returns(big.NewInt(0))
	h.usdc.stubs[contracts.MethodDecimals] = returns(uint8(6))
	h.usdc.stubs[contracts.MethodAllowance] = returns(big.NewInt(0))

	sess := NewSession(testAccount, big.NewInt(1), h.payment, h.reward, chain, func(addr common.Address) Contract {
		if addr == usdcAddr {
			return h.usdc
		}
		return chain.contract("unknown", addr)
	})
	h.connector = &fakeConnector{session: sess}
	h.orch = New(Options{
		Connector:    h.connector,
		Tokens:       map[string]common.Address{"usdc": usdcAddr},
		RewardSymbol: "MTO",
		Notifier:     h.notices,
		Observer:     h.observer,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return h
}
