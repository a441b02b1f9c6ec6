package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

func TestRemoteErrPrefersStructuredRevertReason(t *testing.T) {
	err := remoteErr("sendFunds", fmt.Errorf("estimate: %w", revertDataError{reason: "Merchant not registered"}))
	var rev *RevertError
	require.ErrorAs(t, err, &rev)
	require.Equal(t, "Merchant not registered", rev.Reason)
	require.Equal(t, "Merchant not registered", Reason(err))
}

func TestRemoteErrFallsBackToRevertText(t *testing.T) {
	err := remoteErr("withdraw", errors.New("execution reverted: Too early"))
	require.Equal(t, KindRevert, KindOf(err))
	require.Equal(t, "Too early", Reason(err))

	err = remoteErr("withdraw", errors.New("execution reverted"))
	require.Equal(t, "execution reverted", Reason(err))
}

func TestRemoteErrWithoutReasonIsCallFailure(t *testing.T) {
	err := remoteErr("balanceOf", errors.New("i/o timeout"))
	require.ErrorIs(t, err, ErrRemoteCall)
	require.Equal(t, KindRemote, KindOf(err))
	require.Equal(t, "i/o timeout", Reason(err))
	require.Equal(t, "balanceOf: i/o timeout", err.Error())
}

func TestKindOf(t *testing.T) {
	require.Equal(t, KindNone, KindOf(nil))
	require.Equal(t, KindIncompleteInput, KindOf(ErrIncompleteInput))
	require.Equal(t, KindInvalidInput, KindOf(fmt.Errorf("%w: bad", ErrInvalidInput)))
	require.Equal(t, KindInsufficientBalance, KindOf(ErrInsufficientBalance))
	require.Equal(t, KindBusy, KindOf(fmt.Errorf("send_funds: %w", ErrBusy)))
	require.Equal(t, KindNotConnected, KindOf(ErrNotConnected))
	require.Equal(t, KindProviderUnavailable, KindOf(ErrProviderUnavailable))
	require.Equal(t, KindConnectionRejected, KindOf(ErrConnectionRejected))
	require.Equal(t, KindWrongNetwork, KindOf(fmt.Errorf("%w: chain 5", ErrWrongNetwork)))
	require.Equal(t, KindRemote, KindOf(errors.New("boom")))
}

func TestDecodeFundsSent(t *testing.T) {
	other := &types.Log{Address: paymentAddr, Topics: []common.Hash{common.HexToHash("0x01")}}
	id, ok := decodeFundsSent([]*types.Log{nil, other, fundsSentLog(paymentAddr, big.NewInt(77))}, paymentAddr)
	require.True(t, ok)
	require.Equal(t, TxID("0x4d"), id)

	_, ok = decodeFundsSent([]*types.Log{other}, paymentAddr)
	require.False(t, ok)
}

type receiptSequence struct {
	mu      sync.Mutex
	misses  int
	receipt *types.Receipt
	err     error
}

func (r *receiptSequence) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	if r.misses > 0 {
		r.misses--
		return nil, ethereum.NotFound
	}
	return r.receipt, nil
}

func TestPollingConfirmerWaitsThroughNotFound(t *testing.T) {
	want := &types.Receipt{Status: types.ReceiptStatusSuccessful}
	reader := &receiptSequence{misses: 2, receipt: want}
	c := NewPollingConfirmer(reader, time.Millisecond)

	tx := types.NewTransaction(1, paymentAddr, new(big.Int), 21000, new(big.Int), nil)
	got, err := c.WaitMined(context.Background(), tx)
	require.NoError(t, err)
	require.Same(t, want, got)
}

func TestPollingConfirmerStopsOnErrorOrCancel(t *testing.T) {
	tx := types.NewTransaction(1, paymentAddr, new(big.Int), 21000, new(big.Int), nil)

	failing := NewPollingConfirmer(&receiptSequence{err: errors.New("rpc down")}, time.Millisecond)
	_, err := failing.WaitMined(context.Background(), tx)
	require.EqualError(t, err, "rpc down")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	pending := NewPollingConfirmer(&receiptSequence{misses: 1 << 30}, time.Millisecond)
	_, err = pending.WaitMined(ctx, tx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
