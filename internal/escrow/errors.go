package escrow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

var (
	ErrProviderUnavailable = errors.New("no wallet provider available")
	ErrConnectionRejected  = errors.New("wallet connection rejected")
	ErrIncompleteInput     = errors.New("please fill out all fields")
	ErrInvalidInput        = errors.New("invalid input")
	ErrInsufficientBalance = errors.New("insufficient reward token balance")
	ErrRemoteCall          = errors.New("remote call failed")
	ErrNotConnected        = errors.New("wallet not connected")
	ErrBusy                = errors.New("action already in progress")
	ErrWrongNetwork        = errors.New("wallet is on the wrong network")
)

// RevertError is a contract call or transaction the chain rejected.
type RevertError struct {
	Op     string
	Reason string
	Err    error
}

func (e *RevertError) Error() string {
	return fmt.Sprintf("%s reverted: %s", e.Op, e.Reason)
}

func (e *RevertError) Unwrap() error { return e.Err }

// Kind classifies an action error.
type Kind string

const (
	KindNone                Kind = "success"
	KindProviderUnavailable Kind = "provider_unavailable"
	KindConnectionRejected  Kind = "connection_rejected"
	KindIncompleteInput     Kind = "incomplete_input"
	KindInvalidInput        Kind = "invalid_input"
	KindInsufficientBalance Kind = "insufficient_balance"
	KindNotConnected        Kind = "not_connected"
	KindBusy                Kind = "busy"
	KindWrongNetwork        Kind = "wrong_network"
	KindRevert              Kind = "revert"
	KindRemote              Kind = "remote_failure"
)

func KindOf(err error) Kind {
	var rev *RevertError
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrProviderUnavailable):
		return KindProviderUnavailable
	case errors.Is(err, ErrConnectionRejected):
		return KindConnectionRejected
	case errors.Is(err, ErrIncompleteInput):
		return KindIncompleteInput
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrInsufficientBalance):
		return KindInsufficientBalance
	case errors.Is(err, ErrNotConnected):
		return KindNotConnected
	case errors.Is(err, ErrBusy):
		return KindBusy
	case errors.Is(err, ErrWrongNetwork):
		return KindWrongNetwork
	case errors.As(err, &rev):
		return KindRevert
	default:
		return KindRemote
	}
}

// remoteErr classifies a failed call against the chain as a revert when a
// reason can be recovered, and as a plain remote failure otherwise.
func remoteErr(op string, err error) error {
	if reason, ok := revertReason(err); ok {
		return &RevertError{Op: op, Reason: reason, Err: err}
	}
	return &callError{op: op, err: err}
}

type callError struct {
	op  string
	err error
}

func (e *callError) Error() string { return fmt.Sprintf("%s: %v", e.op, e.err) }
func (e *callError) Unwrap() []error { return []error{ErrRemoteCall, e.err} }

func revertReason(err error) (string, bool) {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if encoded, ok := dataErr.ErrorData().(string); ok {
			if raw, decErr := hexutil.Decode(encoded); decErr == nil {
				if reason, unpackErr := abi.UnpackRevert(raw); unpackErr == nil {
					return reason, true
				}
			}
		}
	}
	msg := err.Error()
	idx := strings.Index(msg, "execution reverted")
	if idx < 0 {
		return "", false
	}
	reason := strings.TrimSpace(strings.TrimPrefix(msg[idx+len("execution reverted"):], ":"))
	if reason == "" {
		reason = "execution reverted"
	}
	return reason, true
}

// Reason is the human-readable part of an action failure: the revert reason
// when there is one, otherwise the error text.
func Reason(err error) string {
	var rev *RevertError
	if errors.As(err, &rev) {
		return rev.Reason
	}
	var call *callError
	if errors.As(err, &call) {
		return call.err.Error()
	}
	return err.Error()
}

// userMessage is the notice text for failures that are detected locally and
// therefore carry no "Failed to ..." prefix.
func userMessage(err error, rewardSymbol string) (string, bool) {
	switch KindOf(err) {
	case KindProviderUnavailable:
		return "No wallet provider available. Configure a private key or keystore.", true
	case KindConnectionRejected:
		return "Wallet connection rejected.", true
	case KindIncompleteInput:
		return "Please fill out all fields.", true
	case KindInsufficientBalance:
		return fmt.Sprintf("Insufficient %s balance. Please acquire more %s tokens.", rewardSymbol, rewardSymbol), true
	case KindNotConnected:
		return "Please connect your wallet first.", true
	case KindBusy:
		return "This action is already in progress. Please wait for it to finish.", true
	case KindWrongNetwork:
		return "Wrong network. Please switch your wallet to the configured network.", true
	}
	return "", false
}

// FailureMessage is the notice text for an action that failed with err.
func FailureMessage(action Action, err error, rewardSymbol string) string {
	if msg, ok := userMessage(err, rewardSymbol); ok {
		return msg
	}
	return failurePrefix[action] + Reason(err)
}
