package hanging

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"mmbot/internal/clock"
	"mmbot/internal/logger"
	"mmbot/internal/models"
)

// OrderOps — операции, которые менеджер висячих ордеров просит у стратегии.
type OrderOps interface {
	ReferencePrice() (decimal.Decimal, error)
	TryCancelOrder(orderID string) bool
	RenewHangingOrder(old models.LimitOrder) (string, error)
	MaxOrderAge() time.Duration
}

type pairOfOrders struct {
	buyOrderID  string
	sellOrderID string
	filledBuy   bool
	filledSell  bool
}

func (p *pairOfOrders) contains(orderID string) bool {
	return p.buyOrderID == orderID || p.sellOrderID == orderID
}

func (p *pairOfOrders) sibling(orderID string) string {
	if p.buyOrderID == orderID {
		return p.sellOrderID
	}
	return p.buyOrderID
}

// Manager решает, какие ордера-сироты (парный ордер которых уже исполнен)
// освобождаются от обычных отмен и обновлений.
type Manager struct {
	log       *logger.Logger
	clk       clock.Clock
	ops       OrderOps
	cancelPct decimal.Decimal

	originalOrders map[string]models.LimitOrder
	hangingOrders  map[string]models.LimitOrder
	completed      map[string]struct{}
	renewing       map[string]models.LimitOrder
	currentPairs   []*pairOfOrders
}

func New(log *logger.Logger, clk clock.Clock, ops OrderOps, cancelPct decimal.Decimal) *Manager {
	return &Manager{
		log:            log,
		clk:            clk,
		ops:            ops,
		cancelPct:      cancelPct,
		originalOrders: make(map[string]models.LimitOrder),
		hangingOrders:  make(map[string]models.LimitOrder),
		completed:      make(map[string]struct{}),
		renewing:       make(map[string]models.LimitOrder),
	}
}

func (m *Manager) logEntry() *logrus.Entry {
	return m.log.WithComponent("hanging")
}

// AddOrder регистрирует кандидата в висячие ордера.
func (m *Manager) AddOrder(order models.LimitOrder) {
	m.originalOrders[order.ID] = order
}

func (m *Manager) AddCurrentPairOfOrders(buyOrderID, sellOrderID string) {
	m.currentPairs = append(m.currentPairs, &pairOfOrders{
		buyOrderID:  buyOrderID,
		sellOrderID: sellOrderID,
	})
}

func (m *Manager) IsOrderIDInHangingOrders(orderID string) bool {
	_, ok := m.hangingOrders[orderID]
	return ok
}

func (m *Manager) IsIDInCompletedHangingOrders(orderID string) bool {
	_, ok := m.completed[orderID]
	return ok
}

func (m *Manager) IsPotentialHangingOrder(orderID string) bool {
	_, ok := m.originalOrders[orderID]
	return ok
}

func (m *Manager) HangingOrders() []models.LimitOrder {
	orders := make([]models.LimitOrder, 0, len(m.hangingOrders))
	for _, order := range m.hangingOrders {
		orders = append(orders, order)
	}
	return orders
}

// DidFillOrder отмечает исполнение стороны пары и возвращает id парного
// ордера, который становится кандидатом в висячие (пустая строка, если пары
// нет или обе стороны уже исполнены).
func (m *Manager) DidFillOrder(orderID string) string {
	for _, pair := range m.currentPairs {
		if !pair.contains(orderID) {
			continue
		}
		if pair.buyOrderID == orderID {
			pair.filledBuy = true
		} else {
			pair.filledSell = true
		}
		if m.pairFullyFilled(pair) {
			return ""
		}
		siblingID := pair.sibling(orderID)
		if siblingID != "" {
			m.logEntry().Info("Сторона пары исполнена, парный ордер — кандидат в висячие.")
		}
		return siblingID
	}
	return ""
}

func (m *Manager) pairFullyFilled(pair *pairOfOrders) bool {
	return pair.filledBuy && pair.filledSell
}

// SiblingFilled — исполнен ли парный ордер данного, при том что сам он ещё жив.
func (m *Manager) SiblingFilled(orderID string) bool {
	for _, pair := range m.currentPairs {
		if !pair.contains(orderID) {
			continue
		}
		if pair.buyOrderID == orderID {
			return pair.filledSell && !pair.filledBuy
		}
		return pair.filledBuy && !pair.filledSell
	}
	return false
}

// UpdateStrategyOrdersWithEquivalentOrders переводит кандидатов, чья пара
// подтверждённо исполнена, в действующее множество висячих ордеров.
func (m *Manager) UpdateStrategyOrdersWithEquivalentOrders() {
	for _, pair := range m.currentPairs {
		if pair.filledBuy == pair.filledSell {
			continue
		}
		survivorID := pair.buyOrderID
		if pair.filledBuy {
			survivorID = pair.sellOrderID
		}
		order, ok := m.originalOrders[survivorID]
		if !ok {
			continue
		}
		if _, already := m.hangingOrders[survivorID]; already {
			continue
		}
		m.hangingOrders[survivorID] = order
		m.log.WithOrderID(survivorID).WithField("component", "hanging").Info("Ордер переведён в висячие.")
	}
	m.currentPairs = nil
	for id := range m.originalOrders {
		if _, ok := m.hangingOrders[id]; !ok {
			delete(m.originalOrders, id)
		}
	}
}

// ProcessTick снимает висячие ордера, ушедшие от текущей цены дальше
// допустимого процента, и обновляет пережившие максимальный возраст.
// Неудавшиеся отмены остаются под наблюдением и повторяются на следующем тике.
func (m *Manager) ProcessTick() {
	refPrice, err := m.ops.ReferencePrice()
	if err != nil || refPrice.Sign() <= 0 {
		return
	}

	threshold := m.cancelPct.Div(decimal.NewFromInt(100))
	for id, order := range m.hangingOrders {
		if _, busy := m.renewing[id]; busy {
			continue
		}
		deviation := order.Price.Sub(refPrice).Abs().Div(refPrice)
		if deviation.GreaterThan(threshold) {
			if m.ops.TryCancelOrder(id) {
				m.log.WithOrderID(id).WithField("component", "hanging").Info("Висячий ордер слишком далеко от цены, снимаем.")
			}
			continue
		}
		if m.clk.Now().Sub(order.CreatedAt) > m.ops.MaxOrderAge() {
			if m.ops.TryCancelOrder(id) {
				m.renewing[id] = order
				m.log.WithOrderID(id).WithField("component", "hanging").Info("Висячий ордер пережил максимальный возраст, переставляем.")
			}
		}
	}
}

// DidCancelOrder обрабатывает подтверждение отмены: переставляемый ордер
// ставится заново, остальные просто покидают множество висячих.
func (m *Manager) DidCancelOrder(orderID string) {
	if old, ok := m.renewing[orderID]; ok {
		delete(m.renewing, orderID)
		delete(m.hangingOrders, orderID)
		delete(m.originalOrders, orderID)
		newID, err := m.ops.RenewHangingOrder(old)
		if err != nil {
			m.log.WithError(err).Warn("Не удалось переставить висячий ордер.")
			return
		}
		renewed := old
		renewed.ID = newID
		renewed.CreatedAt = m.clk.Now()
		m.hangingOrders[newID] = renewed
		m.originalOrders[newID] = renewed
		return
	}
	delete(m.hangingOrders, orderID)
	delete(m.originalOrders, orderID)
}

func (m *Manager) DidCompleteOrder(orderID string) {
	if _, ok := m.hangingOrders[orderID]; !ok {
		return
	}
	delete(m.hangingOrders, orderID)
	delete(m.originalOrders, orderID)
	delete(m.renewing, orderID)
	m.completed[orderID] = struct{}{}
}
