package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type OrderSide string
type OrderType string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"

	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

type TradingContext struct {
	Venue      string `json:"venue"`
	Pair       string `json:"pair"`
	BaseAsset  string `json:"base_asset"`
	QuoteAsset string `json:"quote_asset"`
}

func (c TradingContext) String() string {
	return fmt.Sprintf("%s:%s", c.Venue, c.Pair)
}

type LimitOrder struct {
	ID         string          `json:"id"`
	Context    TradingContext  `json:"context"`
	Side       OrderSide       `json:"side"`
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"qty"`
	CreatedAt  time.Time       `json:"created_at"`
	Expiration time.Duration   `json:"expiration,omitempty"`
}

func (o LimitOrder) IsBuy() bool {
	return o.Side == OrderSideBuy
}

type MarketOrder struct {
	ID        string          `json:"id"`
	Context   TradingContext  `json:"context"`
	Side      OrderSide       `json:"side"`
	Quantity  decimal.Decimal `json:"qty"`
	CreatedAt time.Time       `json:"created_at"`
}

type PriceSize struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

type Fill struct {
	OrderID   string          `json:"order_id"`
	Context   TradingContext  `json:"context"`
	Side      OrderSide       `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"qty"`
	Timestamp time.Time       `json:"timestamp"`
}

type BookLevel struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
}

type OrderBookSnapshot struct {
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
	Timestamp time.Time   `json:"timestamp"`
}

func (s OrderBookSnapshot) MidPrice() decimal.Decimal {
	if len(s.Bids) == 0 || len(s.Asks) == 0 {
		return decimal.Zero
	}
	return s.Bids[0].Price.Add(s.Asks[0].Price).Div(decimal.NewFromInt(2))
}
