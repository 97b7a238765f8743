package dex

import (
	"context"
	"time"

	"github.com/ksred/klear-dex/internal/types"
)

const (
	StatusOpen    = "OPEN"
	StatusFilled  = "FILLED"
	StatusExpired = "EXPIRED"
)

// Order is a standing offer to sell SellAmount of SellToken for
// BuyPricePerUnit of BuyToken per unit. Only SellAmount and UpdatedAt change
// after creation.
type Order struct {
	ID              uint64
	Maker           types.Address
	SellAmount      uint64 // remaining
	OriginalAmount  uint64
	SellToken       types.AssetRef
	BuyPricePerUnit uint64
	BuyToken        types.AssetRef
	Expiry          time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Filled reports whether the order has been fully consumed
func (o Order) Filled() bool { return o.SellAmount == 0 }

// Status derives the order status at instant now
func (o Order) Status(now time.Time) string {
	switch {
	case o.Filled():
		return StatusFilled
	case !now.Before(o.Expiry):
		return StatusExpired
	default:
		return StatusOpen
	}
}

// Response converts the order to its API view
func (o Order) Response(now time.Time) types.OrderResponse {
	return types.OrderResponse{
		OrderID:         o.ID,
		Maker:           o.Maker,
		SellToken:       o.SellToken,
		SellAmount:      o.SellAmount,
		OriginalAmount:  o.OriginalAmount,
		BuyToken:        o.BuyToken,
		BuyPricePerUnit: o.BuyPricePerUnit,
		Expiry:          o.Expiry.Unix(),
		Status:          o.Status(now),
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
}

// CreateOrderRequest holds the terms of a new order
type CreateOrderRequest struct {
	SellAmount      uint64
	SellToken       types.AssetRef
	BuyPricePerUnit uint64
	BuyToken        types.AssetRef
	Expiry          time.Time
}

// Fill is the outcome of a successful claim or partial buy
type Fill struct {
	ID        string
	OrderID   uint64
	Maker     types.Address
	Taker     types.Address
	SellToken types.AssetRef
	BuyToken  types.AssetRef
	Amount    uint64 // sell units delivered to the taker
	Cost      uint64 // buy units paid to the maker
	Remaining uint64
	Timestamp time.Time
}

func (f Fill) Response() types.FillResponse {
	return types.FillResponse{
		FillID:    f.ID,
		OrderID:   f.OrderID,
		Maker:     f.Maker,
		Taker:     f.Taker,
		SellToken: f.SellToken,
		BuyToken:  f.BuyToken,
		Amount:    f.Amount,
		Cost:      f.Cost,
		Remaining: f.Remaining,
		FilledAt:  f.Timestamp,
	}
}

// OrderFilter narrows ListOrders. Zero values match everything.
type OrderFilter struct {
	Maker    types.Address
	Token    types.AssetRef // matches either side
	OpenOnly bool
}

type EventType string

const (
	EventOrderCreated EventType = "order_created"
	EventOrderFilled  EventType = "order_filled"
)

// Event is emitted after a create or fill has been committed. Sequence is 0
// for the creation and counts fills of the order from 1; observers of the
// same order may be called concurrently and use it to discard stale updates.
type Event struct {
	Type      EventType
	Order     Order
	Fill      *Fill
	Sequence  uint64
	Timestamp time.Time
}

// Observer receives committed engine events on the caller's goroutine after
// the order has been released. Errors are logged by the engine and never
// undo the operation that produced the event.
type Observer interface {
	Observe(ctx context.Context, ev Event) error
}
