package settlement

import (
	"context"
	"errors"
	"testing"

	"github.com/ksred/klear-dex/internal/ledger"
	"github.com/ksred/klear-dex/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	maker = types.Address("maker")
	taker = types.Address("taker")
	dex   = types.Address("dex")
)

// flakyLedger wraps a token and fails TransferFrom or Revert on demand, for
// cases a consistent ledger cannot produce after validation passed
type flakyLedger struct {
	*ledger.Token
	transferErr error
	revertErr   error
	reverted    int
}

func (f *flakyLedger) TransferFrom(ctx context.Context, spender, owner, recipient types.Address, amount uint64) (*ledger.Transfer, error) {
	if f.transferErr != nil {
		return nil, f.transferErr
	}
	return f.Token.TransferFrom(ctx, spender, owner, recipient, amount)
}

func (f *flakyLedger) Revert(ctx context.Context, t *ledger.Transfer) error {
	f.reverted++
	if f.revertErr != nil {
		return f.revertErr
	}
	return f.Token.Revert(ctx, t)
}

func setup(t *testing.T) (t1, t2 *ledger.Token) {
	t.Helper()
	t1 = ledger.NewToken("T1", "T1", maker, 1000)
	t2 = ledger.NewToken("T2", "T2", taker, 100000)
	require.NoError(t, t1.Approve(maker, dex, 1000))
	require.NoError(t, t2.Approve(taker, dex, 100000))
	return t1, t2
}

func instruction(payment, delivery Ledger, amount, cost uint64) Instruction {
	return Instruction{
		Spender:  dex,
		Payment:  Leg{Ledger: payment, From: taker, To: maker, Amount: cost},
		Delivery: Leg{Ledger: delivery, From: maker, To: taker, Amount: amount},
	}
}

func TestSettleMovesBothLegs(t *testing.T) {
	t1, t2 := setup(t)

	receipt, err := NewSettler().Settle(context.Background(), instruction(t2, t1, 10, 500))
	require.NoError(t, err)
	require.NotNil(t, receipt.Payment)
	require.NotNil(t, receipt.Delivery)

	assert.Equal(t, uint64(500), t2.BalanceOf(maker))
	assert.Equal(t, uint64(99500), t2.BalanceOf(taker))
	assert.Equal(t, uint64(10), t1.BalanceOf(taker))
	assert.Equal(t, uint64(990), t1.BalanceOf(maker))
	assert.Equal(t, uint64(990), t1.Allowance(maker, dex))
	assert.Equal(t, uint64(99500), t2.Allowance(taker, dex))
}

func TestSettleValidationAttributesSide(t *testing.T) {
	tests := []struct {
		name     string
		prepare  func(t1, t2 *ledger.Token)
		wantSide Side
		wantErr  error
	}{
		{
			name:     "taker allowance",
			prepare:  func(t1, t2 *ledger.Token) { _ = t2.Approve(taker, dex, 499) },
			wantSide: SideTaker,
			wantErr:  ledger.ErrInsufficientAllowance,
		},
		{
			name: "taker balance",
			prepare: func(t1, t2 *ledger.Token) {
				_, _ = t2.Transfer(context.Background(), taker, "elsewhere", 99600)
			},
			wantSide: SideTaker,
			wantErr:  ledger.ErrInsufficientBalance,
		},
		{
			name:     "maker allowance",
			prepare:  func(t1, t2 *ledger.Token) { _ = t1.Approve(maker, dex, 9) },
			wantSide: SideMaker,
			wantErr:  ledger.ErrInsufficientAllowance,
		},
		{
			name: "maker balance",
			prepare: func(t1, t2 *ledger.Token) {
				_, _ = t1.Transfer(context.Background(), maker, "elsewhere", 995)
			},
			wantSide: SideMaker,
			wantErr:  ledger.ErrInsufficientBalance,
		},
		{
			name: "taker checked first",
			prepare: func(t1, t2 *ledger.Token) {
				_ = t2.Approve(taker, dex, 0)
				_ = t1.Approve(maker, dex, 0)
			},
			wantSide: SideTaker,
			wantErr:  ledger.ErrInsufficientAllowance,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t1, t2 := setup(t)
			tt.prepare(t1, t2)
			makerT1, takerT2 := t1.BalanceOf(maker), t2.BalanceOf(taker)

			_, err := NewSettler().Settle(context.Background(), instruction(t2, t1, 10, 500))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrTransferFailed)
			assert.ErrorIs(t, err, tt.wantErr)

			var legErr *LegError
			require.True(t, errors.As(err, &legErr))
			assert.Equal(t, tt.wantSide, legErr.Side)

			assert.Equal(t, makerT1, t1.BalanceOf(maker))
			assert.Equal(t, takerT2, t2.BalanceOf(taker))
			assert.Equal(t, uint64(0), t2.BalanceOf(maker))
			assert.Equal(t, uint64(0), t1.BalanceOf(taker))
		})
	}
}

func TestSettleRevertsPaymentWhenDeliveryFails(t *testing.T) {
	t1, t2 := setup(t)
	payment := &flakyLedger{Token: t2}
	delivery := &flakyLedger{Token: t1, transferErr: ledger.ErrInsufficientBalance}

	_, err := NewSettler().Settle(context.Background(), instruction(payment, delivery, 10, 500))
	require.Error(t, err)

	var legErr *LegError
	require.True(t, errors.As(err, &legErr))
	assert.Equal(t, SideMaker, legErr.Side)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	assert.NotErrorIs(t, err, ErrRollbackFailed)

	assert.Equal(t, 1, payment.reverted)
	assert.Equal(t, uint64(100000), t2.BalanceOf(taker))
	assert.Equal(t, uint64(0), t2.BalanceOf(maker))
	assert.Equal(t, uint64(100000), t2.Allowance(taker, dex))
	assert.Equal(t, uint64(1000), t1.BalanceOf(maker))
}

func TestSettleReportsFailedRollback(t *testing.T) {
	t1, t2 := setup(t)
	payment := &flakyLedger{Token: t2, revertErr: errors.New("ledger unavailable")}
	delivery := &flakyLedger{Token: t1, transferErr: ledger.ErrInsufficientAllowance}

	_, err := NewSettler().Settle(context.Background(), instruction(payment, delivery, 10, 500))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRollbackFailed)
	assert.Contains(t, err.Error(), "ledger unavailable")
	assert.Equal(t, 1, payment.reverted)
}

func TestSettlePaymentFailureMovesNothing(t *testing.T) {
	t1, t2 := setup(t)
	payment := &flakyLedger{Token: t2, transferErr: ledger.ErrInsufficientBalance}

	_, err := NewSettler().Settle(context.Background(), instruction(payment, t1, 10, 500))
	var legErr *LegError
	require.True(t, errors.As(err, &legErr))
	assert.Equal(t, SideTaker, legErr.Side)
	assert.Equal(t, 0, payment.reverted)
	assert.Equal(t, uint64(1000), t1.BalanceOf(maker))
}

func TestLegErrorMessage(t *testing.T) {
	err := &LegError{Side: SideMaker, Err: ledger.ErrInsufficientAllowance}
	assert.Equal(t, "maker transfer failed: insufficient allowance", err.Error())
}
