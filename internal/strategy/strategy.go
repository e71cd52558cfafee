package strategy

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"mmbot/internal/clock"
	"mmbot/internal/config"
	"mmbot/internal/exchange"
	"mmbot/internal/hanging"
	"mmbot/internal/logger"
	"mmbot/internal/metrics"
	"mmbot/internal/models"
	"mmbot/internal/pricing"
	"mmbot/internal/tracker"
)

type RunState string

const (
	StateNotReady RunState = "NOT_READY"
	StateSampling RunState = "SAMPLING"
	StateActive   RunState = "ACTIVE"
)

const notReadyWarnInterval = 30 * time.Second

// Strategy — потиковый оркестратор: замеры, рекалибровка, построение
// предложения, решения об отменах и постановка ордеров. Всё состояние
// принадлежит одной логической горутине (см. Run).
type Strategy struct {
	cfg  config.StrategyConfig
	log  *logger.Logger
	clk  clock.Clock
	ex   exchange.Exchange
	tctx models.TradingContext

	tracker *tracker.Tracker
	hanging *hanging.Manager
	model   *pricing.Model

	state             RunState
	createTimestamp   time.Time
	cancelTimestamp   time.Time
	nextRecalibration time.Time
	lastNotReadyWarn  time.Time
}

func New(cfg config.StrategyConfig, tctx models.TradingContext, ex exchange.Exchange, clk clock.Clock, log *logger.Logger) *Strategy {
	s := &Strategy{
		cfg:     cfg,
		log:     log,
		clk:     clk,
		ex:      ex,
		tctx:    tctx,
		tracker: tracker.New(clk),
		state:   StateNotReady,
	}
	s.hanging = hanging.New(log, clk, s, cfg.HangingOrdersCancelPct)

	mode := pricing.ModeSpread
	if cfg.CalibrationMode == config.CalibrationModeIntensity {
		mode = pricing.ModeIntensity
	}
	s.model = pricing.NewModel(pricing.Config{
		Mode:                 mode,
		MinSpreadPct:         cfg.MinSpreadPct,
		MaxSpreadPct:         cfg.MaxSpreadPct,
		RiskFactor:           cfg.RiskFactor,
		VolSensitivityPct:    cfg.VolSensitivityPct,
		VolatilityBufferSize: cfg.VolatilityBufferSize,
		IntensityBufferSize:  cfg.IntensityBufferSize,
		InfiniteHorizon:      cfg.ExecutionTimeframe == config.TimeframeInfinite,
		CycleDuration:        cfg.CycleDuration,
	}, clk)
	return s
}

func (s *Strategy) logEntry() *logrus.Entry {
	return s.log.WithComponent("strategy").WithField("pair", s.tctx.Pair)
}

func (s *Strategy) State() RunState { return s.state }

func (s *Strategy) Tracker() *tracker.Tracker { return s.tracker }

func (s *Strategy) Hanging() *hanging.Manager { return s.hanging }

func (s *Strategy) Model() *pricing.Model { return s.model }

// Run — продакшен-цикл: тики и биржевые события сериализуются одним select,
// поэтому внутри ни одного мьютекса. Тики приходят от инжектированных часов,
// так что цикл управляем и из тестов.
func (s *Strategy) Run(ctx context.Context, tickInterval time.Duration) error {
	tick := s.clk.After(tickInterval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick:
			s.Tick()
			tick = s.clk.After(tickInterval)
		case ev, ok := <-s.ex.Events():
			if !ok {
				s.logEntry().Warn("Канал событий биржи закрыт.")
				return nil
			}
			s.dispatch(ev)
		}
	}
}

// Tick выполняет один проход решающего цикла. Ошибки бирживого I/O не
// выбрасываются отсюда: постановки и отмены fire-and-forget, результаты
// приходят событиями.
func (s *Strategy) Tick() {
	now := s.clk.Now()

	midPrice, halfSpread, err := s.sampleMarket()
	if err != nil {
		s.state = StateNotReady
		if now.Sub(s.lastNotReadyWarn) >= notReadyWarnInterval {
			s.lastNotReadyWarn = now
			s.logEntry().WithError(err).Warn("Рынок не готов, тик пропущен.")
		}
		return
	}

	if !s.model.IsReady() {
		s.state = StateSampling
		s.logEntry().WithField("samples_left", s.model.SamplesToFill()).Debug("Заполняем буферы оценщиков.")
		return
	}
	s.state = StateActive

	if s.model.RollCycleIfNeeded() || now.After(s.nextRecalibration) || s.model.VolatilityDrifted() {
		s.model.RecalculateParameters(midPrice.InexactFloat64(), halfSpread)
		s.nextRecalibration = now.Add(s.cfg.RecalibrationInterval)
		s.logEntry().WithFields(map[string]interface{}{
			"gamma": s.model.Gamma(),
			"kappa": s.model.Kappa(),
			"alpha": s.model.Alpha(),
			"vol":   s.model.RawVolatility(),
		}).Debug("Параметры модели пересчитаны.")
	}

	q := s.inventorySkew(midPrice)
	s.model.CalculateReservedPriceAndOptimalSpread(midPrice, q)
	s.publishGauges(q)

	var proposal *Proposal
	if !now.Before(s.createTimestamp) {
		proposal = s.createBaseProposal(midPrice)
		if len(s.cfg.OrderOverride) == 0 {
			s.applyOrderAmountEtaTransformation(proposal, q)
		}
		s.applyPriceBand(proposal, midPrice)
		if s.cfg.OrderOptimization {
			s.applyOrderOptimization(proposal)
		}
		if s.cfg.AddTransactionCosts {
			s.applyAddTransactionCosts(proposal)
		}
	}

	s.hanging.ProcessTick()

	s.cancelOrdersPastMaxAge(now)

	if !now.Before(s.cancelTimestamp) {
		s.cancelActiveOrders(proposal, now)
	}

	if s.shouldCreateOrders(proposal, now) {
		s.applyBudgetConstraint(proposal)
		if s.cfg.FilterTakers {
			s.filterOutTakers(proposal)
		}
		s.executeOrdersProposal(proposal, now)
	}

	s.tracker.CheckAndCleanupShadowRecords()
}

func (s *Strategy) sampleMarket() (midPrice decimal.Decimal, halfSpread float64, err error) {
	topBid, err := s.ex.QueryPrice(s.tctx, false)
	if err != nil {
		return decimal.Zero, 0, err
	}
	topAsk, err := s.ex.QueryPrice(s.tctx, true)
	if err != nil {
		return decimal.Zero, 0, err
	}
	midPrice = topBid.Add(topAsk).Div(decimal.NewFromInt(2))
	halfSpread = topAsk.Sub(topBid).InexactFloat64() / 2

	s.model.AddSample(midPrice)
	if s.model.Intensity() != nil {
		snap, snapErr := s.ex.OrderBookSnapshot(s.tctx)
		if snapErr != nil {
			return decimal.Zero, 0, snapErr
		}
		s.model.AddSnapshot(snap)
	}
	return midPrice, halfSpread, nil
}

// inventorySkew — нормированный перекос запасов: доля отклонения базового
// актива от цели в общем портфеле, величина не зависит от его размера.
func (s *Strategy) inventorySkew(midPrice decimal.Decimal) float64 {
	base := s.ex.GetBalance(s.tctx.BaseAsset)
	quote := s.ex.GetBalance(s.tctx.QuoteAsset)
	if midPrice.Sign() <= 0 {
		return 0
	}
	totalInBase := base.Add(quote.Div(midPrice))
	if totalInBase.Sign() <= 0 {
		return 0
	}
	target := totalInBase.Mul(s.cfg.InventoryTargetBasePct).Div(hundred)
	return base.Sub(target).Div(totalInBase).InexactFloat64()
}

// activeNonHangingOrders — активные ордера за вычетом висячих и тех, по
// которым уже летит кансел.
func (s *Strategy) activeNonHangingOrders() []models.LimitOrder {
	var out []models.LimitOrder
	for _, order := range s.tracker.ActiveOrders(s.tctx) {
		if s.hanging.IsOrderIDInHangingOrders(order.ID) {
			continue
		}
		if s.tracker.HasInFlightCancel(order.ID) {
			continue
		}
		out = append(out, order)
	}
	return out
}

// Ордера старше максимального возраста снимаются безусловно, даже когда цена
// в допуске.
func (s *Strategy) cancelOrdersPastMaxAge(now time.Time) {
	for _, order := range s.activeNonHangingOrders() {
		if now.Sub(order.CreatedAt) > s.cfg.MaxOrderAge {
			if s.TryCancelOrder(order.ID) {
				s.log.WithOrderID(order.ID).WithField("component", "strategy").Info("Ордер пережил максимальный возраст, снимаем.")
			}
		}
	}
}

func (s *Strategy) cancelActiveOrders(proposal *Proposal, now time.Time) {
	active := s.activeNonHangingOrders()
	if len(active) == 0 {
		return
	}

	if proposal != nil && s.withinTolerance(active, proposal) {
		// Цены почти не сдвинулись: ордера не трогаем, только переводим таймеры.
		s.setTimers(now)
		return
	}

	// Ордера цикла распускаются, и только здесь: пары живут весь цикл
	// обновления, чтобы исполнение любой давности успело пометить сироту.
	if s.cfg.HangingOrdersEnabled {
		s.hanging.UpdateStrategyOrdersWithEquivalentOrders()
	}

	for _, order := range s.activeNonHangingOrders() {
		s.TryCancelOrder(order.ID)
	}
}

func (s *Strategy) withinTolerance(active []models.LimitOrder, proposal *Proposal) bool {
	if s.cfg.RefreshTolerancePct.Sign() < 0 {
		return false
	}
	proposalPrices := proposal.allPricesSorted()
	if len(active) != len(proposalPrices) {
		return false
	}
	activePrices := make([]decimal.Decimal, 0, len(active))
	for _, o := range active {
		activePrices = append(activePrices, o.Price)
	}
	for i := 1; i < len(activePrices); i++ {
		for j := i; j > 0 && activePrices[j].LessThan(activePrices[j-1]); j-- {
			activePrices[j], activePrices[j-1] = activePrices[j-1], activePrices[j]
		}
	}
	tolerance := s.cfg.RefreshTolerancePct.Div(hundred)
	for i := range activePrices {
		if activePrices[i].Sign() <= 0 {
			return false
		}
		deviation := proposalPrices[i].Sub(activePrices[i]).Abs().Div(activePrices[i])
		if deviation.GreaterThan(tolerance) {
			return false
		}
	}
	return true
}

func (s *Strategy) shouldCreateOrders(proposal *Proposal, now time.Time) bool {
	if proposal == nil || now.Before(s.createTimestamp) {
		return false
	}
	if len(proposal.Buys)+len(proposal.Sells) == 0 {
		return false
	}
	if len(s.activeNonHangingOrders()) > 0 {
		return false
	}
	if len(s.tracker.InFlightCancels()) > 0 {
		return false
	}
	return true
}

func (s *Strategy) executeOrdersProposal(proposal *Proposal, now time.Time) {
	expiration := s.cfg.MaxOrderAge

	var buyIDs, sellIDs []string
	for _, buy := range proposal.Buys {
		orderID, err := s.ex.PlaceOrder(s.tctx, true, buy.Size, models.OrderTypeLimit, buy.Price, expiration)
		if err != nil {
			// Отказ площадки не валит тик: остальные ордера своей судьбой.
			s.logEntry().WithError(err).Warn("Постановка бида не удалась.")
			continue
		}
		s.tracker.StartTracking(s.tctx, orderID, models.OrderSideBuy, buy.Price, buy.Size)
		buyIDs = append(buyIDs, orderID)
		metrics.OrdersPlaced.WithLabelValues(s.tctx.Pair, "buy").Inc()
		s.log.WithOrderID(orderID).WithField("component", "strategy").WithFields(map[string]interface{}{
			"price": buy.Price.String(),
			"qty":   buy.Size.String(),
		}).Info("Поставлен бид.")
	}
	for _, sell := range proposal.Sells {
		orderID, err := s.ex.PlaceOrder(s.tctx, false, sell.Size, models.OrderTypeLimit, sell.Price, expiration)
		if err != nil {
			s.logEntry().WithError(err).Warn("Постановка аска не удалась.")
			continue
		}
		s.tracker.StartTracking(s.tctx, orderID, models.OrderSideSell, sell.Price, sell.Size)
		sellIDs = append(sellIDs, orderID)
		metrics.OrdersPlaced.WithLabelValues(s.tctx.Pair, "sell").Inc()
		s.log.WithOrderID(orderID).WithField("component", "strategy").WithFields(map[string]interface{}{
			"price": sell.Price.String(),
			"qty":   sell.Size.String(),
		}).Info("Поставлен аск.")
	}

	if s.cfg.HangingOrdersEnabled {
		n := len(buyIDs)
		if len(sellIDs) < n {
			n = len(sellIDs)
		}
		for i := 0; i < n; i++ {
			s.hanging.AddCurrentPairOfOrders(buyIDs[i], sellIDs[i])
		}
	}

	if len(buyIDs)+len(sellIDs) > 0 {
		s.setTimers(now)
	}
}

func (s *Strategy) setTimers(now time.Time) {
	s.createTimestamp = now.Add(s.cfg.OrderRefreshTime)
	s.cancelTimestamp = now.Add(s.cfg.OrderRefreshTime)
}

func (s *Strategy) publishGauges(q float64) {
	metrics.ReservedPrice.WithLabelValues(s.tctx.Pair).Set(s.model.ReservedPrice().InexactFloat64())
	metrics.OptimalSpread.WithLabelValues(s.tctx.Pair).Set(s.model.OptimalSpread().InexactFloat64())
	metrics.InventorySkew.WithLabelValues(s.tctx.Pair).Set(q)
	metrics.Volatility.WithLabelValues(s.tctx.Pair).Set(s.model.RawVolatility())
}

// --- hanging.OrderOps ---

func (s *Strategy) ReferencePrice() (decimal.Decimal, error) {
	topBid, err := s.ex.QueryPrice(s.tctx, false)
	if err != nil {
		return decimal.Zero, err
	}
	topAsk, err := s.ex.QueryPrice(s.tctx, true)
	if err != nil {
		return decimal.Zero, err
	}
	return topBid.Add(topAsk).Div(decimal.NewFromInt(2)), nil
}

// TryCancelOrder — единая точка отправки канселов: ворота дедупликации
// пропускают ровно один запрос за окно ожидания.
func (s *Strategy) TryCancelOrder(orderID string) bool {
	if !s.tracker.CheckAndTrackCancel(orderID) {
		return false
	}
	s.ex.CancelOrder(s.tctx, orderID)
	metrics.OrdersCanceled.WithLabelValues(s.tctx.Pair).Inc()
	return true
}

func (s *Strategy) RenewHangingOrder(old models.LimitOrder) (string, error) {
	orderID, err := s.ex.PlaceOrder(s.tctx, old.IsBuy(), old.Quantity, models.OrderTypeLimit, old.Price, s.cfg.MaxOrderAge)
	if err != nil {
		return "", err
	}
	s.tracker.StartTracking(s.tctx, orderID, old.Side, old.Price, old.Quantity)
	metrics.OrdersPlaced.WithLabelValues(s.tctx.Pair, sideLabel(old.Side)).Inc()
	return orderID, nil
}

func (s *Strategy) MaxOrderAge() time.Duration {
	return s.cfg.MaxOrderAge
}

func sideLabel(side models.OrderSide) string {
	if side == models.OrderSideBuy {
		return "buy"
	}
	return "sell"
}
