// Package paper — биржа в памяти: детерминированная площадка для прогона
// стратегии без реальных ордеров (dry_run) и для тестов.
package paper

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"mmbot/internal/clock"
	"mmbot/internal/exchange"
	"mmbot/internal/models"
)

const eventBufferSize = 256

type Config struct {
	TickSize decimal.Decimal
	LotSize  decimal.Decimal
	FeePct   decimal.Decimal
}

type Exchange struct {
	cfg Config
	clk clock.Clock

	book     models.OrderBookSnapshot
	balances map[string]decimal.Decimal
	held     map[string]decimal.Decimal

	orders map[string]models.LimitOrder
	events chan exchange.Event
}

func New(cfg Config, clk clock.Clock) *Exchange {
	if cfg.TickSize.Sign() <= 0 {
		cfg.TickSize = decimal.New(1, -2)
	}
	if cfg.LotSize.Sign() <= 0 {
		cfg.LotSize = decimal.New(1, -8)
	}
	return &Exchange{
		cfg:      cfg,
		clk:      clk,
		balances: make(map[string]decimal.Decimal),
		held:     make(map[string]decimal.Decimal),
		orders:   make(map[string]models.LimitOrder),
		events:   make(chan exchange.Event, eventBufferSize),
	}
}

func (e *Exchange) SetBalance(asset string, amount decimal.Decimal) {
	e.balances[asset] = amount
}

func (e *Exchange) SetOrderBook(book models.OrderBookSnapshot) {
	e.book = book
}

func (e *Exchange) QueryPrice(_ models.TradingContext, isBuy bool) (decimal.Decimal, error) {
	if isBuy {
		if len(e.book.Asks) == 0 {
			return decimal.Zero, fmt.Errorf("бумажная биржа: книга пуста со стороны ask")
		}
		return e.book.Asks[0].Price, nil
	}
	if len(e.book.Bids) == 0 {
		return decimal.Zero, fmt.Errorf("бумажная биржа: книга пуста со стороны bid")
	}
	return e.book.Bids[0].Price, nil
}

// GetPriceForVolume — цена уровня, на котором накопленный объём покрывает
// запрошенный; при нехватке глубины отдаём последний уровень.
func (e *Exchange) GetPriceForVolume(_ models.TradingContext, isBuy bool, volume decimal.Decimal) (decimal.Decimal, error) {
	levels := e.book.Bids
	if isBuy {
		levels = e.book.Asks
	}
	if len(levels) == 0 {
		return decimal.Zero, fmt.Errorf("бумажная биржа: книга пуста")
	}
	cum := decimal.Zero
	for _, lvl := range levels {
		cum = cum.Add(lvl.Amount)
		if cum.GreaterThanOrEqual(volume) {
			return lvl.Price, nil
		}
	}
	return levels[len(levels)-1].Price, nil
}

func (e *Exchange) GetBalance(asset string) decimal.Decimal {
	return e.balances[asset]
}

func (e *Exchange) GetAvailableBalance(asset string) decimal.Decimal {
	avail := e.balances[asset].Sub(e.held[asset])
	if avail.Sign() < 0 {
		return decimal.Zero
	}
	return avail
}

func (e *Exchange) QuantizePrice(_ models.TradingContext, price decimal.Decimal) decimal.Decimal {
	return price.Div(e.cfg.TickSize).Floor().Mul(e.cfg.TickSize)
}

func (e *Exchange) QuantizeAmount(_ models.TradingContext, amount decimal.Decimal) decimal.Decimal {
	return amount.Div(e.cfg.LotSize).Floor().Mul(e.cfg.LotSize)
}

func (e *Exchange) PriceQuantum(_ models.TradingContext, _ decimal.Decimal) decimal.Decimal {
	return e.cfg.TickSize
}

func (e *Exchange) GetFee(_, _ string, _ models.OrderType, _ models.OrderSide, _, _ decimal.Decimal) exchange.TradeFee {
	return exchange.TradeFee{Percent: e.cfg.FeePct}
}

// PlaceOrder синхронно регистрирует ордер и асинхронно подтверждает его
// событием Created, как это делает настоящий коннектор.
func (e *Exchange) PlaceOrder(ctx models.TradingContext, isBuy bool, amount decimal.Decimal, _ models.OrderType, price decimal.Decimal, expiration time.Duration) (string, error) {
	if amount.Sign() <= 0 || price.Sign() <= 0 {
		return "", fmt.Errorf("бумажная биржа: нулевой объём или цена")
	}

	side := models.OrderSideSell
	tag := "s"
	if isBuy {
		side = models.OrderSideBuy
		tag = "b"
	}
	orderID := fmt.Sprintf("hbot-%s-%d-%s", tag, e.clk.Now().UnixNano(), shortUUID())

	order := models.LimitOrder{
		ID:         orderID,
		Context:    ctx,
		Side:       side,
		Price:      price,
		Quantity:   amount,
		CreatedAt:  e.clk.Now(),
		Expiration: expiration,
	}
	e.orders[orderID] = order

	if isBuy {
		e.held[ctx.QuoteAsset] = e.held[ctx.QuoteAsset].Add(price.Mul(amount))
	} else {
		e.held[ctx.BaseAsset] = e.held[ctx.BaseAsset].Add(amount)
	}

	e.emit(exchange.Event{Type: exchange.EventTypeCreated, OrderID: orderID, Timestamp: e.clk.Now()})
	return orderID, nil
}

// CancelOrder — fire-and-forget: подтверждение приходит событием Canceled.
func (e *Exchange) CancelOrder(_ models.TradingContext, orderID string) {
	order, ok := e.orders[orderID]
	if !ok {
		return
	}
	e.release(order)
	delete(e.orders, orderID)
	e.emit(exchange.Event{Type: exchange.EventTypeCanceled, OrderID: orderID, Timestamp: e.clk.Now()})
}

func (e *Exchange) OrderBookSnapshot(_ models.TradingContext) (models.OrderBookSnapshot, error) {
	if len(e.book.Bids) == 0 || len(e.book.Asks) == 0 {
		return models.OrderBookSnapshot{}, fmt.Errorf("бумажная биржа: книга пуста")
	}
	return e.book, nil
}

func (e *Exchange) Events() <-chan exchange.Event {
	return e.events
}

// FillOrder — тестовый/симуляционный хук: полностью исполняет ордер, двигает
// балансы и шлёт Filled + Completed.
func (e *Exchange) FillOrder(orderID string) bool {
	order, ok := e.orders[orderID]
	if !ok {
		return false
	}
	e.release(order)
	delete(e.orders, orderID)

	notional := order.Price.Mul(order.Quantity)
	base, quote := order.Context.BaseAsset, order.Context.QuoteAsset
	if order.IsBuy() {
		e.balances[base] = e.balances[base].Add(order.Quantity)
		e.balances[quote] = e.balances[quote].Sub(notional)
	} else {
		e.balances[base] = e.balances[base].Sub(order.Quantity)
		e.balances[quote] = e.balances[quote].Add(notional)
	}

	now := e.clk.Now()
	e.emit(exchange.Event{
		Type:    exchange.EventTypeFilled,
		OrderID: orderID,
		Fill: &models.Fill{
			OrderID:   orderID,
			Context:   order.Context,
			Side:      order.Side,
			Price:     order.Price,
			Quantity:  order.Quantity,
			Timestamp: now,
		},
		Timestamp: now,
	})
	e.emit(exchange.Event{Type: exchange.EventTypeCompleted, OrderID: orderID, Timestamp: now})
	return true
}

// ExpireStaleOrders снимает ордера, пережившие свой срок, событием Expired.
func (e *Exchange) ExpireStaleOrders() {
	now := e.clk.Now()
	for id, order := range e.orders {
		if order.Expiration <= 0 {
			continue
		}
		if now.Sub(order.CreatedAt) < order.Expiration {
			continue
		}
		e.release(order)
		delete(e.orders, id)
		e.emit(exchange.Event{Type: exchange.EventTypeExpired, OrderID: id, Timestamp: now})
	}
}

// RejectOrder — тестовый хук: биржа отвергает ордер событием Failed.
func (e *Exchange) RejectOrder(orderID string) {
	order, ok := e.orders[orderID]
	if !ok {
		return
	}
	e.release(order)
	delete(e.orders, orderID)
	e.emit(exchange.Event{Type: exchange.EventTypeFailed, OrderID: orderID, Timestamp: e.clk.Now()})
}

func (e *Exchange) OpenOrders() []models.LimitOrder {
	out := make([]models.LimitOrder, 0, len(e.orders))
	for _, order := range e.orders {
		out = append(out, order)
	}
	return out
}

func (e *Exchange) release(order models.LimitOrder) {
	if order.IsBuy() {
		e.held[order.Context.QuoteAsset] = e.held[order.Context.QuoteAsset].Sub(order.Price.Mul(order.Quantity))
	} else {
		e.held[order.Context.BaseAsset] = e.held[order.Context.BaseAsset].Sub(order.Quantity)
	}
}

func (e *Exchange) emit(ev exchange.Event) {
	select {
	case e.events <- ev:
	default:
		// Переполненный буфер событий — дефект потребителя, молча не теряем.
		panic("бумажная биржа: буфер событий переполнен")
	}
}

func shortUUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
