package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/ksred/klear-dex/internal/ledger"
	"github.com/ksred/klear-dex/internal/types"
	"github.com/rs/zerolog/log"
)

// Settler executes both legs of an exchange or neither of them
type Settler struct{}

func NewSettler() *Settler {
	return &Settler{}
}

// Settle validates both legs, then pulls the taker's payment before pushing
// the maker's asset. If the delivery leg fails after payment has moved, the
// payment is reverted so no partial settlement persists.
func (s *Settler) Settle(ctx context.Context, ins Instruction) (*Receipt, error) {
	logger := log.With().
		Str("service", "settlement").
		Str("taker", string(ins.Payment.From)).
		Str("maker", string(ins.Delivery.From)).
		Uint64("payment", ins.Payment.Amount).
		Uint64("delivery", ins.Delivery.Amount).
		Logger()

	if err := s.validate(ins); err != nil {
		logger.Info().Err(err).Msg("settlement rejected during validation")
		return nil, err
	}

	payment, err := ins.Payment.Ledger.TransferFrom(ctx, ins.Spender, ins.Payment.From, ins.Payment.To, ins.Payment.Amount)
	if err != nil {
		logger.Warn().Err(err).Msg("payment leg failed")
		return nil, &LegError{Side: SideTaker, Err: err}
	}

	delivery, err := ins.Delivery.Ledger.TransferFrom(ctx, ins.Spender, ins.Delivery.From, ins.Delivery.To, ins.Delivery.Amount)
	if err != nil {
		logger.Warn().Err(err).Str("payment_transfer_id", payment.ID).Msg("delivery leg failed, reverting payment")
		legErr := &LegError{Side: SideMaker, Err: err}
		if rerr := ins.Payment.Ledger.Revert(ctx, payment); rerr != nil {
			logger.Error().Err(rerr).Str("payment_transfer_id", payment.ID).Msg("failed to revert payment leg")
			return nil, fmt.Errorf("%w: %v (after %v)", ErrRollbackFailed, rerr, legErr)
		}
		return nil, legErr
	}

	logger.Debug().
		Str("payment_transfer_id", payment.ID).
		Str("delivery_transfer_id", delivery.ID).
		Msg("settlement completed")

	return &Receipt{Payment: payment, Delivery: delivery}, nil
}

// validate checks allowance then balance for each leg, taker first
func (s *Settler) validate(ins Instruction) error {
	if err := checkLeg(ins.Payment, ins.Spender); err != nil {
		return &LegError{Side: SideTaker, Err: err}
	}
	if err := checkLeg(ins.Delivery, ins.Spender); err != nil {
		return &LegError{Side: SideMaker, Err: err}
	}
	return nil
}

func checkLeg(leg Leg, spender types.Address) error {
	if leg.Ledger == nil {
		return errors.New("leg has no ledger")
	}
	if allowed := leg.Ledger.Allowance(leg.From, spender); allowed < leg.Amount {
		return fmt.Errorf("%w: %s allows %d, need %d", ledger.ErrInsufficientAllowance, leg.From, allowed, leg.Amount)
	}
	if balance := leg.Ledger.BalanceOf(leg.From); balance < leg.Amount {
		return fmt.Errorf("%w: %s holds %d, need %d", ledger.ErrInsufficientBalance, leg.From, balance, leg.Amount)
	}
	return nil
}
