package dex

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-dex/internal/ledger"
	"github.com/ksred/klear-dex/internal/settlement"
	"github.com/ksred/klear-dex/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Ledgers resolves an asset reference to the ledger that settles it
type Ledgers interface {
	Lookup(ref types.AssetRef) (settlement.Ledger, error)
}

type registryLedgers struct {
	registry *ledger.Registry
}

func (r registryLedgers) Lookup(ref types.AssetRef) (settlement.Ledger, error) {
	token, err := r.registry.Get(ref)
	if err != nil {
		return nil, err
	}
	return token, nil
}

// FromRegistry exposes a token registry as engine ledgers
func FromRegistry(registry *ledger.Registry) Ledgers {
	return registryLedgers{registry: registry}
}

// orderSlot serializes mutations of one order. current always points at a
// committed snapshot, so readers never see a fill in progress.
type orderSlot struct {
	mu       sync.Mutex
	current  atomic.Pointer[Order]
	sequence uint64 // guarded by mu
}

// Engine owns the order table and settles fills against asset ledgers.
// Mutations are serialized per order; unrelated orders settle concurrently.
type Engine struct {
	address types.Address
	ledgers Ledgers
	settler *settlement.Settler
	clock   func() time.Time

	mu     sync.RWMutex
	orders map[uint64]*orderSlot
	nextID uint64

	observers []Observer
}

type Option func(*Engine)

// WithClock overrides the time source used for expiry checks
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithObservers registers observers notified after each committed event
func WithObservers(observers ...Observer) Option {
	return func(e *Engine) { e.observers = append(e.observers, observers...) }
}

// NewEngine creates an engine that pulls funds as spender address
func NewEngine(address types.Address, ledgers Ledgers, opts ...Option) *Engine {
	e := &Engine{
		address: address,
		ledgers: ledgers,
		settler: settlement.NewSettler(),
		clock:   time.Now,
		orders:  make(map[uint64]*orderSlot),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Address is the spender identity makers and takers must approve
func (e *Engine) Address() types.Address { return e.address }

// Now returns the engine clock's current time
func (e *Engine) Now() time.Time { return e.clock() }

// CreateOrder records a new order for maker and returns its id. No funds move
// and neither balance nor allowance is checked: both are verified when the
// order is filled.
func (e *Engine) CreateOrder(ctx context.Context, maker types.Address, req CreateOrderRequest) (uint64, error) {
	logger := log.With().
		Str("service", "dex").
		Str("maker", string(maker)).
		Str("sell_token", string(req.SellToken)).
		Str("buy_token", string(req.BuyToken)).
		Logger()

	if maker == "" {
		return 0, fmt.Errorf("%w: maker is required", ErrInvalidOrder)
	}
	if req.SellAmount == 0 {
		return 0, fmt.Errorf("%w: sell amount must be positive", ErrInvalidAmount)
	}
	if req.BuyPricePerUnit == 0 {
		return 0, fmt.Errorf("%w: buy price per unit must be positive", ErrInvalidAmount)
	}
	if _, ok := mulUint64(req.SellAmount, req.BuyPricePerUnit); !ok {
		return 0, fmt.Errorf("%w: %d * %d", ErrArithmeticOverflow, req.SellAmount, req.BuyPricePerUnit)
	}
	if req.SellToken == req.BuyToken {
		return 0, fmt.Errorf("%w: sell and buy token must differ", ErrInvalidAsset)
	}
	for _, ref := range []types.AssetRef{req.SellToken, req.BuyToken} {
		if _, err := e.ledgers.Lookup(ref); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidAsset, err)
		}
	}

	now := e.clock()
	order := &Order{
		Maker:           maker,
		SellAmount:      req.SellAmount,
		OriginalAmount:  req.SellAmount,
		SellToken:       req.SellToken,
		BuyPricePerUnit: req.BuyPricePerUnit,
		BuyToken:        req.BuyToken,
		Expiry:          req.Expiry,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	e.mu.Lock()
	order.ID = e.nextID
	e.nextID++
	e.mu.Unlock()

	logger.Info().
		Uint64("order_id", order.ID).
		Uint64("sell_amount", order.SellAmount).
		Uint64("buy_price_per_unit", order.BuyPricePerUnit).
		Time("expiry", order.Expiry).
		Msg("order created")

	// Observers see the creation before the order can be filled
	e.notify(ctx, Event{Type: EventOrderCreated, Order: *order, Timestamp: now})

	slot := &orderSlot{}
	slot.current.Store(order)
	e.mu.Lock()
	e.orders[order.ID] = slot
	e.mu.Unlock()

	return order.ID, nil
}

// ClaimOrder fills the entire remaining amount of an order for taker
func (e *Engine) ClaimOrder(ctx context.Context, taker types.Address, id uint64) (*Fill, error) {
	return e.fill(ctx, taker, id, 0, true)
}

// BuyOrderPartial fills amount units of an order for taker. Buying exactly the
// remaining amount is the same as ClaimOrder.
func (e *Engine) BuyOrderPartial(ctx context.Context, taker types.Address, id uint64, amount uint64) (*Fill, error) {
	return e.fill(ctx, taker, id, amount, false)
}

// GetOrder returns the last committed state of an order
func (e *Engine) GetOrder(id uint64) (Order, error) {
	slot := e.slot(id)
	if slot == nil {
		return Order{}, fmt.Errorf("%w: %d", ErrInvalidOrder, id)
	}
	return *slot.current.Load(), nil
}

// ListOrders returns committed orders matching filter, ordered by id
func (e *Engine) ListOrders(filter OrderFilter) []Order {
	e.mu.RLock()
	slots := make([]*orderSlot, 0, len(e.orders))
	for _, slot := range e.orders {
		slots = append(slots, slot)
	}
	e.mu.RUnlock()

	now := e.clock()
	out := make([]Order, 0, len(slots))
	for _, slot := range slots {
		o := *slot.current.Load()
		if filter.Maker != "" && o.Maker != filter.Maker {
			continue
		}
		if filter.Token != "" && o.SellToken != filter.Token && o.BuyToken != filter.Token {
			continue
		}
		if filter.OpenOnly && o.Status(now) != StatusOpen {
			continue
		}
		out = append(out, o)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *Engine) slot(id uint64) *orderSlot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.orders[id]
}

// fill is the single settlement path for claims and partial buys
func (e *Engine) fill(ctx context.Context, taker types.Address, id uint64, amount uint64, all bool) (*Fill, error) {
	logger := log.With().
		Str("service", "dex").
		Uint64("order_id", id).
		Str("taker", string(taker)).
		Logger()

	if isSettling(ctx, id) {
		logger.Warn().Msg("rejected reentrant call during settlement")
		return nil, fmt.Errorf("%w: %d", ErrReentrantCall, id)
	}
	if taker == "" {
		return nil, fmt.Errorf("%w: taker is required", ErrInvalidOrder)
	}

	slot := e.slot(id)
	if slot == nil {
		return nil, fmt.Errorf("%w: %d", ErrInvalidOrder, id)
	}

	fill, ev, err := e.settle(ctx, slot, taker, amount, all, logger)
	if err != nil {
		return nil, err
	}

	// The slot is already released here; Sequence orders the events of one order
	e.notify(ctx, ev)
	return fill, nil
}

// settle validates and settles one fill under the slot lock and commits the
// new snapshot
func (e *Engine) settle(ctx context.Context, slot *orderSlot, taker types.Address, amount uint64, all bool, logger zerolog.Logger) (*Fill, Event, error) {
	slot.mu.Lock()
	defer slot.mu.Unlock()

	order := *slot.current.Load()
	id := order.ID
	now := e.clock()

	if !now.Before(order.Expiry) {
		return nil, Event{}, fmt.Errorf("%w: order %d expired at %s", ErrOrderExpired, id, order.Expiry.Format(time.RFC3339))
	}
	if order.Filled() {
		return nil, Event{}, fmt.Errorf("%w: order %d has no remaining amount", ErrOrderClosed, id)
	}
	if all {
		amount = order.SellAmount
	}
	if amount == 0 || amount > order.SellAmount {
		return nil, Event{}, fmt.Errorf("%w: %d requested, %d remaining", ErrInvalidAmount, amount, order.SellAmount)
	}
	cost, ok := mulUint64(amount, order.BuyPricePerUnit)
	if !ok {
		return nil, Event{}, fmt.Errorf("%w: %d * %d", ErrArithmeticOverflow, amount, order.BuyPricePerUnit)
	}

	buyLedger, err := e.ledgers.Lookup(order.BuyToken)
	if err != nil {
		return nil, Event{}, fmt.Errorf("%w: %v", ErrInvalidAsset, err)
	}
	sellLedger, err := e.ledgers.Lookup(order.SellToken)
	if err != nil {
		return nil, Event{}, fmt.Errorf("%w: %v", ErrInvalidAsset, err)
	}

	_, err = e.settler.Settle(withSettling(ctx, id), settlement.Instruction{
		Spender: e.address,
		Payment: settlement.Leg{
			Ledger: buyLedger,
			From:   taker,
			To:     order.Maker,
			Amount: cost,
		},
		Delivery: settlement.Leg{
			Ledger: sellLedger,
			From:   order.Maker,
			To:     taker,
			Amount: amount,
		},
	})
	if err != nil {
		logger.Info().Err(err).Uint64("amount", amount).Uint64("cost", cost).Msg("fill failed")
		return nil, Event{}, err
	}

	next := order
	next.SellAmount -= amount
	next.UpdatedAt = now
	slot.current.Store(&next)
	slot.sequence++

	fill := &Fill{
		ID:        "FILL_" + uuid.New().String(),
		OrderID:   id,
		Maker:     order.Maker,
		Taker:     taker,
		SellToken: order.SellToken,
		BuyToken:  order.BuyToken,
		Amount:    amount,
		Cost:      cost,
		Remaining: next.SellAmount,
		Timestamp: now,
	}

	logger.Info().
		Str("fill_id", fill.ID).
		Uint64("amount", amount).
		Uint64("cost", cost).
		Uint64("remaining", next.SellAmount).
		Msg("order filled")

	return fill, Event{
		Type:      EventOrderFilled,
		Order:     next,
		Fill:      fill,
		Sequence:  slot.sequence,
		Timestamp: now,
	}, nil
}

func (e *Engine) notify(ctx context.Context, ev Event) {
	for _, obs := range e.observers {
		if err := obs.Observe(ctx, ev); err != nil {
			log.Error().
				Err(err).
				Str("event", string(ev.Type)).
				Uint64("order_id", ev.Order.ID).
				Msg("observer failed to handle event")
		}
	}
}
