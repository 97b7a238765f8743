package types

import "time"

// OrderResponse is the API view of an order
type OrderResponse struct {
	OrderID         uint64    `json:"order_id"`
	Maker           Address   `json:"maker"`
	SellToken       AssetRef  `json:"sell_token"`
	SellAmount      uint64    `json:"sell_amount"`
	OriginalAmount  uint64    `json:"original_amount"`
	BuyToken        AssetRef  `json:"buy_token"`
	BuyPricePerUnit uint64    `json:"buy_price_per_unit"`
	Expiry          int64     `json:"expiry"`
	Status          string    `json:"status"` // OPEN, FILLED, EXPIRED
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// FillResponse is the API view of a settled fill
type FillResponse struct {
	FillID    string    `json:"fill_id"`
	OrderID   uint64    `json:"order_id"`
	Maker     Address   `json:"maker"`
	Taker     Address   `json:"taker"`
	SellToken AssetRef  `json:"sell_token"`
	BuyToken  AssetRef  `json:"buy_token"`
	Amount    uint64    `json:"amount"`
	Cost      uint64    `json:"cost"`
	Remaining uint64    `json:"remaining"`
	FilledAt  time.Time `json:"filled_at"`
}
