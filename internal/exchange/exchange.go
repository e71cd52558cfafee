package exchange

import (
	"time"

	"github.com/shopspring/decimal"

	"mmbot/internal/models"
)

type EventType string

const (
	EventTypeCreated   EventType = "Created"
	EventTypeFilled    EventType = "Filled"
	EventTypeCanceled  EventType = "Canceled"
	EventTypeExpired   EventType = "Expired"
	EventTypeFailed    EventType = "Failed"
	EventTypeCompleted EventType = "Completed"
)

type Event struct {
	Type      EventType
	OrderID   string
	Fill      *models.Fill
	Timestamp time.Time
}

type Balance struct {
	Asset     string
	Wallet    decimal.Decimal
	Available decimal.Decimal
}

type TradeFee struct {
	Percent  decimal.Decimal
	FlatFees []Balance
}

// Exchange — то, что ядро стратегии ожидает от коннектора биржи.
// Заказы ставятся синхронно (возвращается только id), подтверждения и
// исполнения приходят асинхронно через канал Events.
type Exchange interface {
	QueryPrice(ctx models.TradingContext, isBuy bool) (decimal.Decimal, error)
	GetPriceForVolume(ctx models.TradingContext, isBuy bool, volume decimal.Decimal) (decimal.Decimal, error)
	GetBalance(asset string) decimal.Decimal
	GetAvailableBalance(asset string) decimal.Decimal
	QuantizePrice(ctx models.TradingContext, price decimal.Decimal) decimal.Decimal
	QuantizeAmount(ctx models.TradingContext, amount decimal.Decimal) decimal.Decimal
	PriceQuantum(ctx models.TradingContext, price decimal.Decimal) decimal.Decimal
	GetFee(base, quote string, orderType models.OrderType, side models.OrderSide, amount, price decimal.Decimal) TradeFee
	PlaceOrder(ctx models.TradingContext, isBuy bool, amount decimal.Decimal, orderType models.OrderType, price decimal.Decimal, expiration time.Duration) (string, error)
	CancelOrder(ctx models.TradingContext, orderID string)
	OrderBookSnapshot(ctx models.TradingContext) (models.OrderBookSnapshot, error)
	Events() <-chan Event
}

// EventSink реализуется стратегией: события жизненного цикла ордеров
// доставляются строго между тиками, на одной логической горутине.
type EventSink interface {
	OnOrderCreated(orderID string)
	OnOrderFilled(fill models.Fill)
	OnOrderCanceled(orderID string)
	OnOrderExpired(orderID string)
	OnOrderFailed(orderID string)
	OnOrderCompleted(orderID string)
}
