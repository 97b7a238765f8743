package ledger

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-dex/internal/types"
	"github.com/rs/zerolog/log"
)

// Token is an in-memory balance ledger for one fungible asset. The whole
// supply is minted to the deployer when the token is created.
type Token struct {
	mu         sync.Mutex
	info       TokenInfo
	balances   map[types.Address]uint64
	allowances map[types.Address]map[types.Address]uint64
	reverted   map[string]struct{}
	hooks      []TransferHook
}

// NewToken creates a token and credits the full supply to owner
func NewToken(ref types.AssetRef, symbol string, owner types.Address, supply uint64) *Token {
	return &Token{
		info: TokenInfo{
			Ref:         ref,
			Symbol:      symbol,
			Owner:       owner,
			TotalSupply: supply,
			CreatedAt:   time.Now(),
		},
		balances:   map[types.Address]uint64{owner: supply},
		allowances: make(map[types.Address]map[types.Address]uint64),
		reverted:   make(map[string]struct{}),
	}
}

func (t *Token) Ref() types.AssetRef { return t.info.Ref }

func (t *Token) Info() TokenInfo { return t.info }

func (t *Token) TotalSupply() uint64 { return t.info.TotalSupply }

// OnTransfer registers a hook called after each completed transfer
func (t *Token) OnTransfer(hook TransferHook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hooks = append(t.hooks, hook)
}

func (t *Token) BalanceOf(owner types.Address) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.balances[owner]
}

func (t *Token) Allowance(owner, spender types.Address) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allowances[owner][spender]
}

// Approve sets the amount spender may move on behalf of owner, replacing any
// previous allowance.
func (t *Token) Approve(owner, spender types.Address, amount uint64) error {
	if owner == "" || spender == "" {
		return fmt.Errorf("%w: owner and spender are required", ErrInvalidTransfer)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.setAllowance(owner, spender, amount)

	log.Debug().
		Str("token", string(t.info.Ref)).
		Str("owner", string(owner)).
		Str("spender", string(spender)).
		Uint64("amount", amount).
		Msg("allowance approved")
	return nil
}

// Transfer moves amount from the holder's own balance to recipient
func (t *Token) Transfer(ctx context.Context, from, to types.Address, amount uint64) (*Transfer, error) {
	t.mu.Lock()
	if err := t.move(from, to, amount); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	receipt := t.receipt("", from, to, amount)
	hooks := t.hooks
	t.mu.Unlock()

	t.fire(ctx, hooks, receipt)
	return &receipt, nil
}

// TransferFrom lets an approved spender move amount from owner to recipient,
// consuming the spender's allowance. The allowance is checked before the
// balance.
func (t *Token) TransferFrom(ctx context.Context, spender, owner, recipient types.Address, amount uint64) (*Transfer, error) {
	t.mu.Lock()
	allowed := t.allowances[owner][spender]
	if allowed < amount {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %s allows %s to spend %d, need %d",
			ErrInsufficientAllowance, owner, spender, allowed, amount)
	}
	if err := t.move(owner, recipient, amount); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	t.setAllowance(owner, spender, allowed-amount)
	receipt := t.receipt(spender, owner, recipient, amount)
	hooks := t.hooks
	t.mu.Unlock()

	t.fire(ctx, hooks, receipt)
	return &receipt, nil
}

// Revert undoes a transfer previously issued by TransferFrom on this token,
// restoring both balances and the consumed allowance. A receipt can only be
// reverted once.
func (t *Token) Revert(ctx context.Context, r *Transfer) error {
	if r == nil || r.Token != t.info.Ref || r.Spender == "" {
		return ErrInvalidTransfer
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, done := t.reverted[r.ID]; done {
		return fmt.Errorf("%w: transfer %s already reverted", ErrInvalidTransfer, r.ID)
	}
	allowed := t.allowances[r.From][r.Spender]
	if allowed > math.MaxUint64-r.Amount {
		return ErrBalanceOverflow
	}
	if err := t.move(r.To, r.From, r.Amount); err != nil {
		return fmt.Errorf("failed to revert transfer %s: %w", r.ID, err)
	}
	t.setAllowance(r.From, r.Spender, allowed+r.Amount)
	t.reverted[r.ID] = struct{}{}

	log.Warn().
		Str("token", string(t.info.Ref)).
		Str("transfer_id", r.ID).
		Uint64("amount", r.Amount).
		Msg("transfer reverted")
	return nil
}

// move must be called with t.mu held
func (t *Token) move(from, to types.Address, amount uint64) error {
	if from == "" || to == "" {
		return fmt.Errorf("%w: sender and recipient are required", ErrInvalidTransfer)
	}
	balance := t.balances[from]
	if balance < amount {
		return fmt.Errorf("%w: %s holds %d, need %d", ErrInsufficientBalance, from, balance, amount)
	}
	if from == to {
		return nil
	}
	if t.balances[to] > math.MaxUint64-amount {
		return ErrBalanceOverflow
	}
	t.balances[from] = balance - amount
	t.balances[to] += amount
	return nil
}

// setAllowance must be called with t.mu held
func (t *Token) setAllowance(owner, spender types.Address, amount uint64) {
	if t.allowances[owner] == nil {
		t.allowances[owner] = make(map[types.Address]uint64)
	}
	t.allowances[owner][spender] = amount
}

func (t *Token) receipt(spender, from, to types.Address, amount uint64) Transfer {
	return Transfer{
		ID:        uuid.New().String(),
		Token:     t.info.Ref,
		Spender:   spender,
		From:      from,
		To:        to,
		Amount:    amount,
		Timestamp: time.Now(),
	}
}

func (t *Token) fire(ctx context.Context, hooks []TransferHook, r Transfer) {
	for _, hook := range hooks {
		hook(ctx, r)
	}
}
