package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/ksred/klear-dex/internal/types"
)

var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrBalanceOverflow       = errors.New("balance overflow")
	ErrUnknownToken          = errors.New("unknown token")
	ErrInvalidTransfer       = errors.New("invalid transfer")
)

// TokenInfo describes a deployed token
type TokenInfo struct {
	Ref         types.AssetRef `json:"token"`
	Symbol      string         `json:"symbol"`
	Owner       types.Address  `json:"owner"`
	TotalSupply uint64         `json:"total_supply"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Transfer is the receipt of a completed balance movement. Receipts issued by
// TransferFrom can be handed back to Revert to undo the movement.
type Transfer struct {
	ID        string         `json:"transfer_id"`
	Token     types.AssetRef `json:"token"`
	Spender   types.Address  `json:"spender,omitempty"`
	From      types.Address  `json:"from"`
	To        types.Address  `json:"to"`
	Amount    uint64         `json:"amount"`
	Timestamp time.Time      `json:"timestamp"`
}

// TransferHook is invoked after every completed transfer, outside the token
// lock, with the context of the call that caused it. A hook that calls back
// into the exchange engine must pass that context on: the engine rejects a
// fill of an order that is mid-settlement only when it can see the marked
// context, and a fill made with a fresh context for that order waits on the
// order forever.
type TransferHook func(ctx context.Context, t Transfer)
