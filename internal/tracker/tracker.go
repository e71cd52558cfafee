package tracker

import (
	"time"

	"github.com/gammazero/deque"
	"github.com/shopspring/decimal"

	"mmbot/internal/clock"
	"mmbot/internal/models"
)

const (
	// Кансел считается "в полёте" не дольше этого окна, после — можно повторять.
	CancelExpiry = 60 * time.Second
	// Теневая запись живёт после снятия ордера, чтобы поздние события
	// исполнения ещё находили свой TradingContext.
	ShadowKeepAlive = 180 * time.Second
)

type shadowGCRequest struct {
	at      time.Time
	context models.TradingContext
	orderID string
}

// Tracker владеет всеми ордерами, поставленными стратегией.
// Все методы вызываются с одной логической горутины, блокировок нет.
type Tracker struct {
	clk clock.Clock

	active            map[models.TradingContext]map[string]models.LimitOrder
	shadow            map[models.TradingContext]map[string]models.LimitOrder
	idToContext       map[string]models.TradingContext
	shadowIDToContext map[string]models.TradingContext

	marketOrders map[string]models.MarketOrder

	inFlightCancels map[string]time.Time
	pendingCreated  map[string]struct{}

	// Задержка снятия постоянна, поэтому очередь упорядочена по времени сама собой.
	shadowGC deque.Deque[shadowGCRequest]
}

func New(clk clock.Clock) *Tracker {
	return &Tracker{
		clk:               clk,
		active:            make(map[models.TradingContext]map[string]models.LimitOrder),
		shadow:            make(map[models.TradingContext]map[string]models.LimitOrder),
		idToContext:       make(map[string]models.TradingContext),
		shadowIDToContext: make(map[string]models.TradingContext),
		marketOrders:      make(map[string]models.MarketOrder),
		inFlightCancels:   make(map[string]time.Time),
		pendingCreated:    make(map[string]struct{}),
	}
}

func (t *Tracker) StartTracking(ctx models.TradingContext, orderID string, side models.OrderSide, price, qty decimal.Decimal) {
	order := models.LimitOrder{
		ID:        orderID,
		Context:   ctx,
		Side:      side,
		Price:     price,
		Quantity:  qty,
		CreatedAt: t.clk.Now(),
	}
	if t.active[ctx] == nil {
		t.active[ctx] = make(map[string]models.LimitOrder)
	}
	if t.shadow[ctx] == nil {
		t.shadow[ctx] = make(map[string]models.LimitOrder)
	}
	t.active[ctx][orderID] = order
	t.shadow[ctx][orderID] = order
	t.idToContext[orderID] = ctx
	t.shadowIDToContext[orderID] = ctx
	t.pendingCreated[orderID] = struct{}{}
}

// StopTracking идемпотентен: повторный вызов по тому же id — no-op.
func (t *Tracker) StopTracking(ctx models.TradingContext, orderID string) {
	orders, ok := t.active[ctx]
	if !ok {
		return
	}
	if _, ok := orders[orderID]; !ok {
		return
	}
	delete(orders, orderID)
	delete(t.idToContext, orderID)
	delete(t.inFlightCancels, orderID)
	delete(t.pendingCreated, orderID)
	t.shadowGC.PushBack(shadowGCRequest{
		at:      t.clk.Now().Add(ShadowKeepAlive),
		context: ctx,
		orderID: orderID,
	})
}

func (t *Tracker) StartTrackingMarketOrder(ctx models.TradingContext, orderID string, side models.OrderSide, qty decimal.Decimal) {
	t.marketOrders[orderID] = models.MarketOrder{
		ID:        orderID,
		Context:   ctx,
		Side:      side,
		Quantity:  qty,
		CreatedAt: t.clk.Now(),
	}
}

func (t *Tracker) StopTrackingMarketOrder(orderID string) {
	delete(t.marketOrders, orderID)
}

func (t *Tracker) CheckAndCleanupShadowRecords() {
	now := t.clk.Now()
	for t.shadowGC.Len() > 0 {
		req := t.shadowGC.Front()
		if req.at.After(now) {
			break
		}
		t.shadowGC.PopFront()
		if orders, ok := t.shadow[req.context]; ok {
			delete(orders, req.orderID)
		}
		delete(t.shadowIDToContext, req.orderID)
	}
}

// OrderCreated — подтверждение постановки получено, кансел теперь допустим.
func (t *Tracker) OrderCreated(orderID string) {
	delete(t.pendingCreated, orderID)
}

func (t *Tracker) IsPendingCreate(orderID string) bool {
	_, ok := t.pendingCreated[orderID]
	return ok
}

func (t *Tracker) HasInFlightCancel(orderID string) bool {
	ts, ok := t.inFlightCancels[orderID]
	return ok && ts.Add(CancelExpiry).After(t.clk.Now())
}

// CheckAndTrackCancel — единственные ворота против дублей канселов и
// канселов до подтверждения постановки.
func (t *Tracker) CheckAndTrackCancel(orderID string) bool {
	now := t.clk.Now()
	if len(t.inFlightCancels) > 0 {
		for id, ts := range t.inFlightCancels {
			if !ts.Add(CancelExpiry).After(now) {
				delete(t.inFlightCancels, id)
			}
		}
	}
	if _, ok := t.pendingCreated[orderID]; ok {
		return false
	}
	if _, ok := t.inFlightCancels[orderID]; ok {
		return false
	}
	t.inFlightCancels[orderID] = now
	return true
}

func (t *Tracker) CancelConfirmed(orderID string) {
	delete(t.inFlightCancels, orderID)
}

func (t *Tracker) GetOrder(orderID string) (models.LimitOrder, bool) {
	ctx, ok := t.idToContext[orderID]
	if !ok {
		return models.LimitOrder{}, false
	}
	order, ok := t.active[ctx][orderID]
	return order, ok
}

func (t *Tracker) GetShadowOrder(orderID string) (models.LimitOrder, bool) {
	ctx, ok := t.shadowIDToContext[orderID]
	if !ok {
		return models.LimitOrder{}, false
	}
	order, ok := t.shadow[ctx][orderID]
	return order, ok
}

func (t *Tracker) GetMarketOrder(orderID string) (models.MarketOrder, bool) {
	order, ok := t.marketOrders[orderID]
	return order, ok
}

func (t *Tracker) ActiveOrders(ctx models.TradingContext) []models.LimitOrder {
	orders := make([]models.LimitOrder, 0, len(t.active[ctx]))
	for _, order := range t.active[ctx] {
		orders = append(orders, order)
	}
	return orders
}

func (t *Tracker) InFlightCancels() map[string]time.Time {
	out := make(map[string]time.Time, len(t.inFlightCancels))
	for id, ts := range t.inFlightCancels {
		out[id] = ts
	}
	return out
}
