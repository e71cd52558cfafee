package strategy

import (
	"mmbot/internal/exchange"
	"mmbot/internal/metrics"
	"mmbot/internal/models"
)

func (s *Strategy) dispatch(ev exchange.Event) {
	switch ev.Type {
	case exchange.EventTypeCreated:
		s.OnOrderCreated(ev.OrderID)
	case exchange.EventTypeFilled:
		if ev.Fill != nil {
			s.OnOrderFilled(*ev.Fill)
		}
	case exchange.EventTypeCanceled:
		s.OnOrderCanceled(ev.OrderID)
	case exchange.EventTypeExpired:
		s.OnOrderExpired(ev.OrderID)
	case exchange.EventTypeFailed:
		s.OnOrderFailed(ev.OrderID)
	case exchange.EventTypeCompleted:
		s.OnOrderCompleted(ev.OrderID)
	}
}

func (s *Strategy) OnOrderCreated(orderID string) {
	s.tracker.OrderCreated(orderID)
}

// OnOrderFilled — частичное исполнение: ордер остаётся в книге, мы лишь
// отодвигаем следующую постановку, чтобы не гнаться за собственными сделками.
func (s *Strategy) OnOrderFilled(fill models.Fill) {
	metrics.OrdersFilled.WithLabelValues(s.tctx.Pair, sideLabel(fill.Side)).Inc()
	s.createTimestamp = s.clk.Now().Add(s.cfg.FilledOrderDelay)
	s.log.WithOrderID(fill.OrderID).WithField("component", "strategy").WithFields(map[string]interface{}{
		"price": fill.Price.String(),
		"qty":   fill.Quantity.String(),
	}).Info("Ордер исполнен (частично или полностью).")
}

// OnOrderCompleted — ордер исполнен целиком. Парный ордер, если он ещё жив,
// становится кандидатом в висячие до ближайшего тика.
func (s *Strategy) OnOrderCompleted(orderID string) {
	if s.cfg.HangingOrdersEnabled {
		if siblingID := s.hanging.DidFillOrder(orderID); siblingID != "" {
			if sibling, ok := s.tracker.GetOrder(siblingID); ok {
				s.hanging.AddOrder(sibling)
				metrics.HangingPromotions.WithLabelValues(s.tctx.Pair).Inc()
			}
		}
	}
	s.hanging.DidCompleteOrder(orderID)

	if order, ok := s.lookupOrder(orderID); ok {
		s.tracker.StopTracking(order.Context, orderID)
	}
	s.createTimestamp = s.clk.Now().Add(s.cfg.FilledOrderDelay)
}

func (s *Strategy) OnOrderCanceled(orderID string) {
	s.tracker.CancelConfirmed(orderID)
	if order, ok := s.lookupOrder(orderID); ok {
		s.tracker.StopTracking(order.Context, orderID)
	}
	s.hanging.DidCancelOrder(orderID)
	s.log.WithOrderID(orderID).WithField("component", "strategy").Debug("Отмена ордера подтверждена.")
}

func (s *Strategy) OnOrderExpired(orderID string) {
	s.tracker.CancelConfirmed(orderID)
	if order, ok := s.lookupOrder(orderID); ok {
		s.tracker.StopTracking(order.Context, orderID)
	}
	s.hanging.DidCancelOrder(orderID)
	s.log.WithOrderID(orderID).WithField("component", "strategy").Info("Ордер истёк на бирже.")
}

// OnOrderFailed — площадка отвергла ордер. Повторной постановки нет:
// следующий тик построит свежее предложение от актуальной цены.
func (s *Strategy) OnOrderFailed(orderID string) {
	metrics.OrdersFailed.WithLabelValues(s.tctx.Pair).Inc()
	if order, ok := s.lookupOrder(orderID); ok {
		s.tracker.StopTracking(order.Context, orderID)
	}
	s.log.WithOrderID(orderID).WithField("component", "strategy").Warn("Биржа отвергла ордер.")
}

// lookupOrder — сначала активные, затем теневые записи: поздние события по
// уже снятому ордеру ещё должны находить свой контекст.
func (s *Strategy) lookupOrder(orderID string) (models.LimitOrder, bool) {
	if order, ok := s.tracker.GetOrder(orderID); ok {
		return order, true
	}
	return s.tracker.GetShadowOrder(orderID)
}
