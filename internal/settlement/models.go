package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/ksred/klear-dex/internal/ledger"
	"github.com/ksred/klear-dex/internal/types"
)

var (
	ErrTransferFailed = errors.New("transfer failed")
	ErrRollbackFailed = errors.New("settlement rollback failed")
)

// Ledger is the part of an asset ledger settlement needs
type Ledger interface {
	BalanceOf(owner types.Address) uint64
	Allowance(owner, spender types.Address) uint64
	TransferFrom(ctx context.Context, spender, owner, recipient types.Address, amount uint64) (*ledger.Transfer, error)
	Revert(ctx context.Context, t *ledger.Transfer) error
}

// Side identifies which counterparty a leg debits
type Side string

const (
	SideTaker Side = "taker"
	SideMaker Side = "maker"
)

// Leg is a single spender-initiated transfer on one ledger
type Leg struct {
	Ledger Ledger
	From   types.Address
	To     types.Address
	Amount uint64
}

// Instruction describes a two-party exchange. Payment debits the taker,
// Delivery debits the maker; both are pulled by Spender.
type Instruction struct {
	Spender  types.Address
	Payment  Leg
	Delivery Leg
}

// Receipt holds the ledger receipts of a completed settlement
type Receipt struct {
	Payment  *ledger.Transfer
	Delivery *ledger.Transfer
}

// LegError attributes a failed transfer to the side whose funds were short
type LegError struct {
	Side Side
	Err  error
}

func (e *LegError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Side, ErrTransferFailed, e.Err)
}

func (e *LegError) Unwrap() error { return e.Err }

// Is lets callers match any leg failure with errors.Is(err, ErrTransferFailed)
func (e *LegError) Is(target error) bool { return target == ErrTransferFailed }
