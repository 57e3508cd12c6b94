package entities

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderSide string

const (
	OrderBuy  OrderSide = "buy"
	OrderSell OrderSide = "sell"
)

// OrderStatus mirrors the exchange view of an order.
type OrderStatus struct {
	OrderID        string          `json:"orderId"`
	Open           bool            `json:"open"`
	Cancelled      bool            `json:"cancelled"`
	Side           OrderSide       `json:"side"`
	Price          decimal.Decimal `json:"price"`
	Quantity       uint64          `json:"quantity"`
	FilledQuantity uint64          `json:"filledQuantity"`
	LastUpdate     time.Time       `json:"lastUpdate"`
}

// PendingOrder is a sell order placed on an exchange that has not been
// matched against the ledger yet. It stays in the store until the exchange
// reports a fill (then it becomes a disposal) or a cancellation.
type PendingOrder struct {
	ClientOrderID string          `json:"clientOrderId"`
	OrderID       string          `json:"orderId"`
	Account       string          `json:"account"`
	Pair          string          `json:"pair"`
	Quantity      uint64          `json:"quantity"`
	LimitPrice    decimal.Decimal `json:"limitPrice"`
	PlacedAt      time.Time       `json:"placedAt"`
}
