// Package escrow drives the wallet session and every user action against the
// payment escrow contract.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"merchantrails/internal/contracts"
	"merchantrails/internal/notices"
	"merchantrails/internal/wallet"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type Action string

const (
	ActionConnect       Action = "connect"
	ActionSendFunds     Action = "send_funds"
	ActionAddProtection Action = "add_protection"
	ActionCheckStatus   Action = "check_status"
	ActionReputation    Action = "get_reputation"
	ActionDispute       Action = "dispute"
	ActionWithdraw      Action = "withdraw"
)

var failurePrefix = map[Action]string{
	ActionConnect:       "Failed to connect wallet. ",
	ActionSendFunds:     "Failed to send funds. ",
	ActionAddProtection: "Failed to add protection. ",
	ActionCheckStatus:   "Failed to check transaction status. ",
	ActionReputation:    "Failed to get merchant reputation. ",
	ActionDispute:       "Failed to dispute transaction. ",
	ActionWithdraw:      "Failed to withdraw. ",
}

// TransferRequest is a payment as entered by the user.
type TransferRequest struct {
	Merchant string `json:"merchant"`
	Token    string `json:"token"`
	Amount   string `json:"amount"`
}

// SendResult reports a confirmed payment. TxID is empty when the receipt
// carried no FundsSent event: the funds moved but the id is unknown.
type SendResult struct {
	TxID   TxID   `json:"txId,omitempty"`
	TxHash string `json:"txHash"`
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

type WriteResult struct {
	TxID   TxID   `json:"txId"`
	TxHash string `json:"txHash"`
}

type StatusResult struct {
	TxID   TxID
	Status TxStatus
}

type ReputationView struct {
	Merchant common.Address `json:"merchant"`
	Score    string         `json:"score"`
	Valid    bool           `json:"valid"`
}

type SessionView struct {
	Connected     bool            `json:"connected"`
	Account       string          `json:"account,omitempty"`
	ChainID       string          `json:"chainId,omitempty"`
	RewardBalance string          `json:"rewardBalance,omitempty"`
	RewardSymbol  string          `json:"rewardSymbol"`
	TxID          TxID            `json:"txId,omitempty"`
	Reputation    *ReputationView `json:"reputation,omitempty"`
}

type Options struct {
	Connector       Connector
	// ChainID, when set, is the only chain a session may bind to.
	ChainID         *big.Int
	Network         string
	Tokens          map[string]common.Address
	DefaultDecimals uint8
	RewardDecimals  uint8
	RewardSymbol    string
	Notifier        notices.Notifier
	Observer        Observer
	Logger          *slog.Logger
}

// Orchestrator owns the wallet session and runs user actions against it.
// Different actions may run concurrently; a second trigger of an action that
// is already running is rejected with ErrBusy.
type Orchestrator struct {
	connector       Connector
	chainID         *big.Int
	network         string
	tokens          map[string]common.Address
	defaultDecimals uint8
	rewardDecimals  uint8
	rewardSymbol    string
	notifier        notices.Notifier
	observer        Observer
	logger          *slog.Logger

	flightMu sync.Mutex
	inFlight map[Action]struct{}

	mu            sync.RWMutex
	session       *Session
	rewardBalance *big.Int
	txID          TxID
	reputation    *ReputationView
}

func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		connector:       opts.Connector,
		chainID:         opts.ChainID,
		network:         opts.Network,
		tokens:          make(map[string]common.Address, len(opts.Tokens)),
		defaultDecimals: opts.DefaultDecimals,
		rewardDecimals:  opts.RewardDecimals,
		rewardSymbol:    opts.RewardSymbol,
		notifier:        opts.Notifier,
		observer:        opts.Observer,
		logger:          opts.Logger,
		inFlight:        make(map[Action]struct{}),
	}
	for symbol, addr := range opts.Tokens {
		o.tokens[strings.ToUpper(symbol)] = addr
	}
	if o.defaultDecimals == 0 {
		o.defaultDecimals = 6
	}
	if o.rewardDecimals == 0 {
		o.rewardDecimals = 18
	}
	if o.rewardSymbol == "" {
		o.rewardSymbol = "MTO"
	}
	if o.notifier == nil {
		o.notifier = notices.Discard{}
	}
	if o.observer == nil {
		o.observer = nopObserver{}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

func (o *Orchestrator) acquire(action Action) bool {
	o.flightMu.Lock()
	defer o.flightMu.Unlock()
	if _, busy := o.inFlight[action]; busy {
		return false
	}
	o.inFlight[action] = struct{}{}
	return true
}

func (o *Orchestrator) release(action Action) {
	o.flightMu.Lock()
	delete(o.inFlight, action)
	o.flightMu.Unlock()
}

// InFlight reports whether an action is currently running.
func (o *Orchestrator) InFlight(action Action) bool {
	o.flightMu.Lock()
	defer o.flightMu.Unlock()
	_, ok := o.inFlight[action]
	return ok
}

// run is the single failure boundary for every action.
func (o *Orchestrator) run(ctx context.Context, action Action, fn func(ctx context.Context) error) error {
	if !o.acquire(action) {
		o.observer.ActionCompleted(action, KindBusy)
		return fmt.Errorf("%s: %w", action, ErrBusy)
	}
	defer o.release(action)

	err := fn(ctx)
	kind := KindOf(err)
	o.observer.ActionCompleted(action, kind)
	if err == nil {
		return nil
	}

	o.logger.Warn("action failed", "action", string(action), "kind", string(kind), "error", err)
	o.notify(notices.LevelError, action, FailureMessage(action, err, o.rewardSymbol), "", "")
	return err
}

func (o *Orchestrator) notify(level notices.Level, action Action, msg string, txID TxID, txHash string) {
	o.notifier.Notify(notices.Notice{
		Level:   level,
		Action:  string(action),
		Message: msg,
		TxID:    string(txID),
		TxHash:  txHash,
		Time:    time.Now().UTC(),
	})
}

func (o *Orchestrator) current() (*Session, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.session == nil {
		return nil, ErrNotConnected
	}
	return o.session, nil
}

// Connect requests wallet access and replaces any existing session.
func (o *Orchestrator) Connect(ctx context.Context) (SessionView, error) {
	err := o.run(ctx, ActionConnect, func(ctx context.Context) error {
		sess, err := o.connector.Connect(ctx)
		switch {
		case errors.Is(err, wallet.ErrUnavailable):
			return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		case errors.Is(err, wallet.ErrRejected):
			return fmt.Errorf("%w: %v", ErrConnectionRejected, err)
		case err != nil:
			return err
		}
		if o.chainID != nil && (sess.ChainID == nil || sess.ChainID.Cmp(o.chainID) != 0) {
			return fmt.Errorf("%w: wallet chain %v, %s deployment expects chain %s", ErrWrongNetwork, sess.ChainID, o.network, o.chainID)
		}

		balance, err := o.balanceOf(ctx, sess)
		if err != nil {
			return err
		}

		o.mu.Lock()
		replaced := o.session != nil
		o.session = sess
		o.rewardBalance = balance
		o.mu.Unlock()
		if replaced {
			o.observer.SessionReset("reconnect")
		}

		o.logger.Info("wallet connected", "account", sess.Account.Hex(), "chain_id", sess.ChainID.String())
		o.notify(notices.LevelSuccess, ActionConnect, "Wallet connected: "+sess.Account.Hex(), "", "")
		return nil
	})
	return o.Snapshot(), err
}

// Invalidate drops the current session. It reports whether there was one.
func (o *Orchestrator) Invalidate(reason string) bool {
	o.mu.Lock()
	had := o.session != nil
	o.session = nil
	o.rewardBalance = nil
	o.mu.Unlock()
	if had {
		o.observer.SessionReset(reason)
		o.logger.Info("wallet session invalidated", "reason", reason)
	}
	return had
}

// Watch tears down and rebuilds the session whenever a source reports an
// account or network change, or that the session account was dropped. It
// returns when ctx is done.
func (o *Orchestrator) Watch(ctx context.Context, sources ...<-chan wallet.Event) {
	var wg sync.WaitGroup
	for _, src := range sources {
		if src == nil {
			continue
		}
		wg.Add(1)
		go func(src <-chan wallet.Event) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-src:
					if !ok {
						return
					}
					o.handleEvent(ctx, ev)
				}
			}
		}(src)
	}
	wg.Wait()
}

func (o *Orchestrator) handleEvent(ctx context.Context, ev wallet.Event) {
	o.mu.RLock()
	sess := o.session
	o.mu.RUnlock()
	if sess == nil {
		return
	}
	if ev.Kind == wallet.NetworkChanged && ev.ChainID != nil && sess.ChainID != nil && ev.ChainID.Cmp(sess.ChainID) == 0 {
		return
	}
	if ev.Kind == wallet.AccountChanged && ev.Account != (common.Address{}) && ev.Account == sess.Account {
		return
	}
	if !o.Invalidate(string(ev.Kind)) {
		return
	}
	o.notify(notices.LevelInfo, ActionConnect, "Wallet changed. Reconnecting...", "", "")
	if _, err := o.Connect(ctx); err != nil {
		o.logger.Warn("reconnect after wallet change failed", "event", string(ev.Kind), "error", err)
	}
}

// Snapshot returns the cached session state.
func (o *Orchestrator) Snapshot() SessionView {
	o.mu.RLock()
	defer o.mu.RUnlock()
	view := SessionView{RewardSymbol: o.rewardSymbol, TxID: o.txID}
	if o.reputation != nil {
		rep := *o.reputation
		view.Reputation = &rep
	}
	if o.session == nil {
		return view
	}
	view.Connected = true
	view.Account = o.session.Account.Hex()
	if o.session.ChainID != nil {
		view.ChainID = o.session.ChainID.String()
	}
	view.RewardBalance = FormatUnits(o.rewardBalance, o.rewardDecimals)
	return view
}

// Tokens returns the supported payment token symbols and addresses.
func (o *Orchestrator) Tokens() map[string]common.Address {
	out := make(map[string]common.Address, len(o.tokens))
	for k, v := range o.tokens {
		out[k] = v
	}
	return out
}

func (o *Orchestrator) balanceOf(ctx context.Context, sess *Session) (*big.Int, error) {
	out, err := sess.Reward.Call(ctx, contracts.MethodBalanceOf, sess.Account)
	if err != nil {
		return nil, remoteErr(contracts.MethodBalanceOf, err)
	}
	return bigResult(contracts.MethodBalanceOf, out)
}

func (o *Orchestrator) refreshBalance(ctx context.Context, sess *Session) {
	balance, err := o.balanceOf(ctx, sess)
	if err != nil {
		o.logger.Debug("reward balance refresh failed", "error", err)
		return
	}
	o.mu.Lock()
	if o.session == sess {
		o.rewardBalance = balance
	}
	o.mu.Unlock()
}

// tokenDecimals falls back to the configured default when the token does
// not answer decimals().
func (o *Orchestrator) tokenDecimals(ctx context.Context, token Contract) uint8 {
	out, err := token.Call(ctx, contracts.MethodDecimals)
	if err == nil && len(out) > 0 {
		if d, ok := out[0].(uint8); ok {
			return d
		}
	}
	o.logger.Debug("token decimals unavailable, using default", "token", token.Address().Hex(), "decimals", o.defaultDecimals, "error", err)
	return o.defaultDecimals
}

// ensureAllowance approves exactly required for the payment contract when
// the current allowance is lower, and waits for that approval to confirm.
func (o *Orchestrator) ensureAllowance(ctx context.Context, sess *Session, action Action, token Contract, symbol string, required *big.Int) error {
	spender := sess.Payment.Address()
	out, err := token.Call(ctx, contracts.MethodAllowance, sess.Account, spender)
	if err != nil {
		return remoteErr(contracts.MethodAllowance, err)
	}
	allowance, err := bigResult(contracts.MethodAllowance, out)
	if err != nil {
		return err
	}
	if allowance.Cmp(required) >= 0 {
		return nil
	}

	o.notify(notices.LevelInfo, action, "Insufficient token allowance. Requesting approval...", "", "")
	o.observer.ApprovalSubmitted(symbol)
	if _, err := o.submit(ctx, sess, action, token, contracts.MethodApprove, spender, required); err != nil {
		return err
	}
	o.notify(notices.LevelSuccess, action, "Token approval successful!", "", "")
	return nil
}

// submit estimates gas, sends the transaction and waits for a successful
// receipt.
func (o *Orchestrator) submit(ctx context.Context, sess *Session, action Action, c Contract, method string, args ...interface{}) (*types.Receipt, error) {
	gas, err := c.EstimateGas(ctx, method, args...)
	if err != nil {
		return nil, remoteErr(method, err)
	}
	tx, err := c.Transact(ctx, gas, method, args...)
	if err != nil {
		return nil, remoteErr(method, err)
	}
	o.logger.Info("transaction sent", "action", string(action), "method", method, "tx_hash", tx.Hash().Hex())
	o.notify(notices.LevelInfo, action, "Transaction sent. Waiting for confirmation...", "", tx.Hash().Hex())

	start := time.Now()
	receipt, err := sess.Confirmer.WaitMined(ctx, tx)
	if err != nil {
		return nil, remoteErr(method, err)
	}
	o.observer.Confirmed(action, time.Since(start))
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, &RevertError{Op: method, Reason: "transaction reverted on chain"}
	}
	return receipt, nil
}

// SendFunds pays a merchant in one of the supported tokens.
func (o *Orchestrator) SendFunds(ctx context.Context, req TransferRequest) (SendResult, error) {
	var res SendResult
	err := o.run(ctx, ActionSendFunds, func(ctx context.Context) error {
		if blank(req.Merchant) || blank(req.Token) || blank(req.Amount) {
			return ErrIncompleteInput
		}
		if !common.IsHexAddress(strings.TrimSpace(req.Merchant)) {
			return fmt.Errorf("%w: merchant %q is not an address", ErrInvalidInput, req.Merchant)
		}
		symbol := strings.ToUpper(strings.TrimSpace(req.Token))
		tokenAddr, ok := o.tokens[symbol]
		if !ok {
			return fmt.Errorf("%w: unsupported token %q", ErrInvalidInput, req.Token)
		}
		if err := checkAmount(req.Amount); err != nil {
			return err
		}
		sess, err := o.current()
		if err != nil {
			return err
		}

		token := sess.Token(tokenAddr)
		amount, err := ParseUnits(req.Amount, o.tokenDecimals(ctx, token))
		if err != nil {
			return err
		}
		if err := o.ensureAllowance(ctx, sess, ActionSendFunds, token, symbol, amount); err != nil {
			return err
		}

		merchant := common.HexToAddress(strings.TrimSpace(req.Merchant))
		receipt, err := o.submit(ctx, sess, ActionSendFunds, sess.Payment, contracts.MethodSendFunds, merchant, tokenAddr, amount)
		if err != nil {
			return err
		}

		res = SendResult{TxHash: receipt.TxHash.Hex(), Token: symbol, Amount: amount.String()}
		id, found := decodeFundsSent(receipt.Logs, sess.Payment.Address())
		if !found {
			o.logger.Warn("FundsSent event missing from receipt", "tx_hash", res.TxHash)
			o.notify(notices.LevelWarning, ActionSendFunds,
				"Funds sent, but could not fetch transaction ID. Please check your transaction history.", "", res.TxHash)
			return nil
		}
		res.TxID = id
		o.setTxID(id)
		o.notify(notices.LevelSuccess, ActionSendFunds, "Funds sent successfully! Transaction ID: "+string(id), id, res.TxHash)
		return nil
	})
	return res, err
}

// AddProtection pays the protection fee in the reward token for a
// transaction. An empty raw id means the held one.
func (o *Orchestrator) AddProtection(ctx context.Context, rawID string) (WriteResult, error) {
	var res WriteResult
	err := o.run(ctx, ActionAddProtection, func(ctx context.Context) error {
		id, err := o.resolveTxID(rawID)
		if err != nil {
			return err
		}
		sess, err := o.current()
		if err != nil {
			return err
		}

		out, err := sess.Payment.Call(ctx, contracts.MethodProtectionFee)
		if err != nil {
			return remoteErr(contracts.MethodProtectionFee, err)
		}
		fee, err := bigResult(contracts.MethodProtectionFee, out)
		if err != nil {
			return err
		}

		o.mu.RLock()
		balance := o.rewardBalance
		o.mu.RUnlock()
		if balance == nil || balance.Cmp(fee) < 0 {
			return fmt.Errorf("%w: fee %s, balance %s", ErrInsufficientBalance,
				FormatUnits(fee, o.rewardDecimals), FormatUnits(balance, o.rewardDecimals))
		}

		if err := o.ensureAllowance(ctx, sess, ActionAddProtection, sess.Reward, o.rewardSymbol, fee); err != nil {
			return err
		}
		receipt, err := o.submit(ctx, sess, ActionAddProtection, sess.Payment, contracts.MethodAddProtection, id.Big())
		if err != nil {
			return err
		}
		res = WriteResult{TxID: id, TxHash: receipt.TxHash.Hex()}
		o.notify(notices.LevelSuccess, ActionAddProtection, "Protection added successfully!", id, res.TxHash)
		o.refreshBalance(ctx, sess)
		return nil
	})
	return res, err
}

// CheckStatus reads the escrow status of a transaction. The result names the
// id that was actually queried.
func (o *Orchestrator) CheckStatus(ctx context.Context, rawID string) (StatusResult, error) {
	var res StatusResult
	err := o.run(ctx, ActionCheckStatus, func(ctx context.Context) error {
		id, err := o.resolveTxID(rawID)
		if err != nil {
			return err
		}
		sess, err := o.current()
		if err != nil {
			return err
		}
		out, err := sess.Payment.Call(ctx, contracts.MethodCheckTxStatus, id.Big())
		if err != nil {
			return remoteErr(contracts.MethodCheckTxStatus, err)
		}
		if len(out) == 0 {
			return remoteErr(contracts.MethodCheckTxStatus, errors.New("empty result"))
		}
		code, ok := out[0].(uint8)
		if !ok {
			return remoteErr(contracts.MethodCheckTxStatus, fmt.Errorf("unexpected result type %T", out[0]))
		}
		status := TxStatus(code)
		res = StatusResult{TxID: id, Status: status}
		if !status.Known() {
			o.logger.Warn("unknown transaction status code", "code", code, "tx_id", string(id))
		}
		o.notify(notices.LevelInfo, ActionCheckStatus, "Transaction status: "+status.String(), id, "")
		return nil
	})
	return res, err
}

// Reputation queries the contract's reputation score for a merchant.
func (o *Orchestrator) Reputation(ctx context.Context, merchant string) (ReputationView, error) {
	var view ReputationView
	err := o.run(ctx, ActionReputation, func(ctx context.Context) error {
		merchant = strings.TrimSpace(merchant)
		if merchant == "" {
			return ErrIncompleteInput
		}
		if !common.IsHexAddress(merchant) {
			return fmt.Errorf("%w: merchant %q is not an address", ErrInvalidInput, merchant)
		}
		sess, err := o.current()
		if err != nil {
			return err
		}
		addr := common.HexToAddress(merchant)
		out, err := sess.Payment.Call(ctx, contracts.MethodCalculateReputation, addr)
		if err != nil {
			return remoteErr(contracts.MethodCalculateReputation, err)
		}
		if len(out) < 2 {
			return remoteErr(contracts.MethodCalculateReputation, errors.New("short result"))
		}
		score, err := bigResult(contracts.MethodCalculateReputation, out[:1])
		if err != nil {
			return err
		}
		valid, _ := out[1].(bool)

		view = ReputationView{Merchant: addr, Score: score.String(), Valid: valid}
		o.mu.Lock()
		o.reputation = &view
		o.mu.Unlock()
		o.notify(notices.LevelInfo, ActionReputation, fmt.Sprintf("Merchant reputation: %s, Valid: %t", view.Score, valid), "", "")
		return nil
	})
	return view, err
}

func (o *Orchestrator) Dispute(ctx context.Context, rawID string) (WriteResult, error) {
	return o.simpleWrite(ctx, ActionDispute, contracts.MethodDispute, rawID, "Transaction disputed successfully!")
}

func (o *Orchestrator) Withdraw(ctx context.Context, rawID string) (WriteResult, error) {
	return o.simpleWrite(ctx, ActionWithdraw, contracts.MethodWithdraw, rawID, "Withdrawal successful!")
}

func (o *Orchestrator) simpleWrite(ctx context.Context, action Action, method, rawID, success string) (WriteResult, error) {
	var res WriteResult
	err := o.run(ctx, action, func(ctx context.Context) error {
		id, err := o.resolveTxID(rawID)
		if err != nil {
			return err
		}
		sess, err := o.current()
		if err != nil {
			return err
		}
		receipt, err := o.submit(ctx, sess, action, sess.Payment, method, id.Big())
		if err != nil {
			return err
		}
		res = WriteResult{TxID: id, TxHash: receipt.TxHash.Hex()}
		o.notify(notices.LevelSuccess, action, success, id, res.TxHash)
		return nil
	})
	return res, err
}

// resolveTxID parses a supplied id and makes it the held one, or falls back
// to the held id when none is supplied.
func (o *Orchestrator) resolveTxID(raw string) (TxID, error) {
	if blank(raw) {
		o.mu.RLock()
		held := o.txID
		o.mu.RUnlock()
		if held == "" {
			return "", ErrIncompleteInput
		}
		return held, nil
	}
	id, err := ParseTxID(raw)
	if err != nil {
		return "", err
	}
	o.setTxID(id)
	return id, nil
}

func (o *Orchestrator) setTxID(id TxID) {
	o.mu.Lock()
	o.txID = id
	o.mu.Unlock()
}

// HeldTxID is the transaction id follow-up actions use by default.
func (o *Orchestrator) HeldTxID() TxID {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.txID
}

func bigResult(method string, out []interface{}) (*big.Int, error) {
	if len(out) == 0 {
		return nil, remoteErr(method, errors.New("empty result"))
	}
	v, ok := out[0].(*big.Int)
	if !ok || v == nil {
		return nil, remoteErr(method, fmt.Errorf("unexpected result type %T", out[0]))
	}
	return v, nil
}

func blank(s string) bool { return strings.TrimSpace(s) == "" }
