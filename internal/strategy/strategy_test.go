package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mmbot/internal/clock"
	"mmbot/internal/config"
	"mmbot/internal/exchange/paper"
	"mmbot/internal/logger"
	"mmbot/internal/models"
)

var testCtx = models.TradingContext{
	Venue:      "paper",
	Pair:       "BTCUSDT",
	BaseAsset:  "BTC",
	QuoteAsset: "USDT",
}

func testStrategyConfig() config.StrategyConfig {
	return config.StrategyConfig{
		OrderAmount:            decimal.NewFromFloat(0.1),
		OrderLevels:            1,
		LevelDistances:         decimal.NewFromInt(1),
		MinSpreadPct:           decimal.NewFromFloat(0.1),
		MaxSpreadPct:           decimal.NewFromInt(1),
		RiskFactor:             decimal.NewFromInt(1),
		CalibrationMode:        config.CalibrationModeSpread,
		VolatilityBufferSize:   5,
		IntensityBufferSize:    5,
		ExecutionTimeframe:     config.TimeframeInfinite,
		RecalibrationInterval:  time.Minute,
		VolSensitivityPct:      decimal.NewFromInt(20),
		OrderRefreshTime:       30 * time.Second,
		MaxOrderAge:            time.Hour,
		RefreshTolerancePct:    decimal.NewFromFloat(0.2),
		FilledOrderDelay:       time.Minute,
		HangingOrdersEnabled:   true,
		HangingOrdersCancelPct: decimal.NewFromInt(10),
		InventoryTargetBasePct: decimal.NewFromInt(50),
		FilterTakers:           true,
	}
}

type harness struct {
	s   *Strategy
	ex  *paper.Exchange
	clk *clock.ManualClock
}

func newHarness(t *testing.T, cfg config.StrategyConfig) *harness {
	t.Helper()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	ex := paper.New(paper.Config{
		TickSize: decimal.New(1, -2),
		LotSize:  decimal.New(1, -6),
	}, clk)
	ex.SetBalance("BTC", decimal.NewFromInt(10))
	ex.SetBalance("USDT", decimal.NewFromInt(1_000_000))
	log := logger.New(logger.Config{Level: "error"})

	h := &harness{
		s:   New(cfg, testCtx, ex, clk, log),
		ex:  ex,
		clk: clk,
	}
	h.setBook(100)
	return h
}

func (h *harness) setBook(mid float64) {
	var bids, asks []models.BookLevel
	for i := 0; i < 5; i++ {
		step := 0.05 + 0.05*float64(i)
		bids = append(bids, models.BookLevel{
			Price:  decimal.NewFromFloat(mid - step),
			Amount: decimal.NewFromInt(5),
		})
		asks = append(asks, models.BookLevel{
			Price:  decimal.NewFromFloat(mid + step),
			Amount: decimal.NewFromInt(5),
		})
	}
	h.ex.SetOrderBook(models.OrderBookSnapshot{Bids: bids, Asks: asks, Timestamp: h.clk.Now()})
}

// drain доставляет накопившиеся события биржи, как это делает цикл Run.
func (h *harness) drain() {
	for {
		select {
		case ev := <-h.ex.Events():
			h.s.dispatch(ev)
		default:
			return
		}
	}
}

func (h *harness) tick() {
	h.s.Tick()
	h.drain()
}

// warmup прокручивает тики с дрожащей серединой, пока стратегия не выставит
// первую пару ордеров.
func (h *harness) warmup(t *testing.T) {
	t.Helper()
	mids := []float64{100, 100.1, 99.9, 100.2, 100, 100.1}
	for _, mid := range mids {
		h.setBook(mid)
		h.tick()
		h.clk.Advance(time.Second)
	}
	require.Equal(t, StateActive, h.s.State())
	require.Len(t, h.ex.OpenOrders(), 2, "после прогрева должна стоять пара bid+ask")
}

func TestNoOrdersWhileSampling(t *testing.T) {
	h := newHarness(t, testStrategyConfig())

	for i := 0; i < 4; i++ {
		h.tick()
		assert.Equal(t, StateSampling, h.s.State())
		assert.Empty(t, h.ex.OpenOrders())
		h.clk.Advance(time.Second)
	}
}

func TestNotReadyOnEmptyBook(t *testing.T) {
	h := newHarness(t, testStrategyConfig())
	h.ex.SetOrderBook(models.OrderBookSnapshot{})

	h.tick()
	assert.Equal(t, StateNotReady, h.s.State())
	assert.Empty(t, h.ex.OpenOrders())
}

func TestPlacesQuotesAroundMid(t *testing.T) {
	h := newHarness(t, testStrategyConfig())
	h.warmup(t)

	mid := decimal.NewFromInt(100)
	var sawBuy, sawSell bool
	for _, o := range h.ex.OpenOrders() {
		if o.IsBuy() {
			sawBuy = true
			assert.True(t, o.Price.LessThan(mid), "бид ниже середины: %s", o.Price)
		} else {
			sawSell = true
			assert.True(t, o.Price.GreaterThan(mid), "аск выше середины: %s", o.Price)
		}
	}
	assert.True(t, sawBuy)
	assert.True(t, sawSell)
}

func TestWithinToleranceOnlyReschedules(t *testing.T) {
	h := newHarness(t, testStrategyConfig())
	h.warmup(t)
	before := h.ex.OpenOrders()

	// таймер обновления истёк, но цена не сдвинулась
	h.clk.Advance(31 * time.Second)
	h.tick()

	after := h.ex.OpenOrders()
	require.Len(t, after, 2, "ордера в допуске не трогаем")
	ids := map[string]bool{}
	for _, o := range before {
		ids[o.ID] = true
	}
	for _, o := range after {
		assert.True(t, ids[o.ID], "ожидали те же самые ордера")
	}
}

func TestRefreshOnPriceMove(t *testing.T) {
	h := newHarness(t, testStrategyConfig())
	h.warmup(t)
	before := h.ex.OpenOrders()

	h.clk.Advance(31 * time.Second)
	h.setBook(103)
	h.tick() // отмены уходят, подтверждения приходят событиями
	h.tick() // чистый тик ставит свежую пару

	after := h.ex.OpenOrders()
	require.Len(t, after, 2)
	for _, o := range after {
		for _, old := range before {
			assert.NotEqual(t, old.ID, o.ID, "после сдвига цены ордера пересозданы")
		}
	}
}

func TestMaxOrderAgeOverridesTolerance(t *testing.T) {
	cfg := testStrategyConfig()
	cfg.MaxOrderAge = 2 * time.Minute
	h := newHarness(t, cfg)
	h.warmup(t)
	before := h.ex.OpenOrders()

	// цена в допуске, но возраст превышен
	h.clk.Advance(3 * time.Minute)
	h.tick()
	h.tick()

	after := h.ex.OpenOrders()
	require.Len(t, after, 2)
	for _, o := range after {
		for _, old := range before {
			assert.NotEqual(t, old.ID, o.ID)
		}
	}
}

func TestSiblingFillPromotesHangingOrder(t *testing.T) {
	h := newHarness(t, testStrategyConfig())
	h.warmup(t)

	var buyID, sellID string
	for _, o := range h.ex.OpenOrders() {
		if o.IsBuy() {
			buyID = o.ID
		} else {
			sellID = o.ID
		}
	}

	require.True(t, h.ex.FillOrder(buyID))
	h.drain()

	// до точки обновления сирота остаётся кандидатом, пары цикла живы
	h.tick()
	assert.False(t, h.s.Hanging().IsOrderIDInHangingOrders(sellID))
	assert.True(t, h.s.Hanging().SiblingFilled(sellID))

	// точка обновления: пары распускаются, сирота повисает и не снимается
	h.clk.Advance(31 * time.Second)
	h.tick()
	assert.True(t, h.s.Hanging().IsOrderIDInHangingOrders(sellID),
		"после исполнения бида парный аск повисает")
	_, stillTracked := h.s.Tracker().GetOrder(sellID)
	assert.True(t, stillTracked)
}

// Исполнение может прийти спустя много тиков после постановки пары: реестр
// пар обязан дожить до ближайшей точки обновления.
func TestLateSiblingFillStillPromotes(t *testing.T) {
	h := newHarness(t, testStrategyConfig())
	h.warmup(t)

	var buyID, sellID string
	for _, o := range h.ex.OpenOrders() {
		if o.IsBuy() {
			buyID = o.ID
		} else {
			sellID = o.ID
		}
	}

	for i := 0; i < 10; i++ {
		h.tick()
		h.clk.Advance(time.Second)
	}
	require.True(t, h.ex.FillOrder(buyID))
	h.drain()

	h.clk.Advance(31 * time.Second)
	h.tick()
	assert.True(t, h.s.Hanging().IsOrderIDInHangingOrders(sellID),
		"позднее исполнение всё равно оставляет сироту висеть")
	_, stillTracked := h.s.Tracker().GetOrder(sellID)
	require.True(t, stillTracked)

	// сирота переживает и следующее обновление с постановкой свежей пары
	h.clk.Advance(31 * time.Second)
	h.tick()
	assert.True(t, h.s.Hanging().IsOrderIDInHangingOrders(sellID))
	_, stillTracked = h.s.Tracker().GetOrder(sellID)
	assert.True(t, stillTracked)
	assert.Len(t, h.ex.OpenOrders(), 3, "свежая пара плюс висячий аск")
}

func TestHangingOrderCanceledBeyondDeviation(t *testing.T) {
	h := newHarness(t, testStrategyConfig())
	h.warmup(t)

	var buyID, sellID string
	for _, o := range h.ex.OpenOrders() {
		if o.IsBuy() {
			buyID = o.ID
		} else {
			sellID = o.ID
		}
	}
	require.True(t, h.ex.FillOrder(buyID))
	h.drain()
	h.clk.Advance(31 * time.Second)
	h.tick()
	require.True(t, h.s.Hanging().IsOrderIDInHangingOrders(sellID))

	// цена ушла сильно дальше 10% — висячий снимается
	h.setBook(150)
	h.tick()
	h.drain()

	assert.False(t, h.s.Hanging().IsOrderIDInHangingOrders(sellID))
	_, tracked := h.s.Tracker().GetOrder(sellID)
	assert.False(t, tracked)
}

func TestFilledOrderDelayDefersNextPlacement(t *testing.T) {
	h := newHarness(t, testStrategyConfig())
	h.warmup(t)

	var buyID string
	for _, o := range h.ex.OpenOrders() {
		if o.IsBuy() {
			buyID = o.ID
		}
	}
	require.True(t, h.ex.FillOrder(buyID))
	h.drain()

	// обновление наступило, но задержка после исполнения ещё держит
	h.clk.Advance(31 * time.Second)
	h.tick()
	h.tick()
	for _, o := range h.ex.OpenOrders() {
		assert.False(t, o.IsBuy(), "новый бид до истечения filled_order_delay не ставится")
	}
}

func TestEtaNoopAtZeroSkew(t *testing.T) {
	h := newHarness(t, testStrategyConfig())
	p := &Proposal{
		Buys:  []models.PriceSize{{Price: decimal.NewFromInt(99), Size: decimal.NewFromInt(1)}},
		Sells: []models.PriceSize{{Price: decimal.NewFromInt(101), Size: decimal.NewFromInt(1)}},
	}
	h.s.cfg.OrderAmountShapeEta = decimal.NewFromFloat(0.5)

	h.s.applyOrderAmountEtaTransformation(p, 0)
	assert.True(t, p.Buys[0].Size.Equal(decimal.NewFromInt(1)))
	assert.True(t, p.Sells[0].Size.Equal(decimal.NewFromInt(1)))
}

func TestEtaShrinksWorseningSide(t *testing.T) {
	h := newHarness(t, testStrategyConfig())
	p := &Proposal{
		Buys:  []models.PriceSize{{Price: decimal.NewFromInt(99), Size: decimal.NewFromInt(1)}},
		Sells: []models.PriceSize{{Price: decimal.NewFromInt(101), Size: decimal.NewFromInt(1)}},
	}
	h.s.cfg.OrderAmountShapeEta = decimal.NewFromFloat(0.5)

	// перевес базового актива: покупки ужимаются, продажи нет
	h.s.applyOrderAmountEtaTransformation(p, 0.8)
	assert.True(t, p.Buys[0].Size.LessThan(decimal.NewFromInt(1)))
	assert.True(t, p.Sells[0].Size.Equal(decimal.NewFromInt(1)))
}

func TestBudgetConstraintClipsToBalance(t *testing.T) {
	h := newHarness(t, testStrategyConfig())
	h.ex.SetBalance("USDT", decimal.NewFromInt(150))
	h.ex.SetBalance("BTC", decimal.NewFromFloat(0.5))

	p := &Proposal{
		Buys: []models.PriceSize{
			{Price: decimal.NewFromInt(100), Size: decimal.NewFromInt(1)},
			{Price: decimal.NewFromInt(99), Size: decimal.NewFromInt(1)},
		},
		Sells: []models.PriceSize{
			{Price: decimal.NewFromInt(101), Size: decimal.NewFromInt(1)},
		},
	}
	h.s.applyBudgetConstraint(p)

	require.Len(t, p.Buys, 2)
	assert.True(t, p.Buys[0].Size.Equal(decimal.NewFromInt(1)), "первой покупке хватает")
	assert.True(t, p.Buys[1].Size.LessThan(decimal.NewFromInt(1)), "вторая урезана остатком")

	totalNotional := decimal.Zero
	for _, b := range p.Buys {
		totalNotional = totalNotional.Add(b.Price.Mul(b.Size))
	}
	assert.True(t, totalNotional.LessThanOrEqual(decimal.NewFromInt(150)))

	require.Len(t, p.Sells, 1)
	assert.True(t, p.Sells[0].Size.Equal(decimal.NewFromFloat(0.5)))
}

func TestFilterOutTakers(t *testing.T) {
	h := newHarness(t, testStrategyConfig())
	// лучший бид 99.95, лучший аск 100.05
	p := &Proposal{
		Buys: []models.PriceSize{
			{Price: decimal.NewFromFloat(100.10), Size: decimal.NewFromInt(1)}, // пересёк бы книгу
			{Price: decimal.NewFromFloat(99.90), Size: decimal.NewFromInt(1)},
		},
		Sells: []models.PriceSize{
			{Price: decimal.NewFromFloat(99.90), Size: decimal.NewFromInt(1)}, // пересёк бы книгу
			{Price: decimal.NewFromFloat(100.10), Size: decimal.NewFromInt(1)},
		},
	}
	h.s.filterOutTakers(p)

	require.Len(t, p.Buys, 1)
	assert.True(t, p.Buys[0].Price.Equal(decimal.NewFromFloat(99.90)))
	require.Len(t, p.Sells, 1)
	assert.True(t, p.Sells[0].Price.Equal(decimal.NewFromFloat(100.10)))
}

func TestPriceBandSuppressesSides(t *testing.T) {
	h := newHarness(t, testStrategyConfig())
	p := &Proposal{
		Buys:  []models.PriceSize{{Price: decimal.NewFromInt(99), Size: decimal.NewFromInt(1)}},
		Sells: []models.PriceSize{{Price: decimal.NewFromInt(101), Size: decimal.NewFromInt(1)}},
	}
	h.s.cfg.PriceCeiling = decimal.NewFromInt(95)
	h.s.applyPriceBand(p, decimal.NewFromInt(100))
	assert.Empty(t, p.Buys, "выше потолка покупки не ставим")
	assert.Len(t, p.Sells, 1)

	p = &Proposal{
		Buys:  []models.PriceSize{{Price: decimal.NewFromInt(99), Size: decimal.NewFromInt(1)}},
		Sells: []models.PriceSize{{Price: decimal.NewFromInt(101), Size: decimal.NewFromInt(1)}},
	}
	h.s.cfg.PriceCeiling = decimal.Zero
	h.s.cfg.PriceFloor = decimal.NewFromInt(105)
	h.s.applyPriceBand(p, decimal.NewFromInt(100))
	assert.Empty(t, p.Sells, "ниже пола продажи не ставим")
	assert.Len(t, p.Buys, 1)
}

func TestTransactionCostsShiftPrices(t *testing.T) {
	cfg := testStrategyConfig()
	h := newHarness(t, cfg)
	h.ex = paper.New(paper.Config{
		TickSize: decimal.New(1, -2),
		LotSize:  decimal.New(1, -6),
		FeePct:   decimal.NewFromFloat(0.001),
	}, h.clk)
	h.s = New(cfg, testCtx, h.ex, h.clk, logger.New(logger.Config{Level: "error"}))

	p := &Proposal{
		Buys:  []models.PriceSize{{Price: decimal.NewFromInt(100), Size: decimal.NewFromInt(1)}},
		Sells: []models.PriceSize{{Price: decimal.NewFromInt(100), Size: decimal.NewFromInt(1)}},
	}
	h.s.applyAddTransactionCosts(p)

	assert.True(t, p.Buys[0].Price.Equal(decimal.NewFromFloat(99.9)), "бид сдвинут вниз на комиссию: %s", p.Buys[0].Price)
	assert.True(t, p.Sells[0].Price.Equal(decimal.NewFromFloat(100.1)), "аск сдвинут вверх на комиссию: %s", p.Sells[0].Price)
}

func TestOrderOverrideProposal(t *testing.T) {
	cfg := testStrategyConfig()
	cfg.OrderOverride = []config.OrderOverride{
		{Side: "buy", SpreadPct: decimal.NewFromInt(1), Size: decimal.NewFromFloat(0.2)},
		{Side: "sell", SpreadPct: decimal.NewFromInt(2), Size: decimal.NewFromFloat(0.3)},
	}
	h := newHarness(t, cfg)

	p := h.s.createBaseProposal(decimal.NewFromInt(100))
	require.Len(t, p.Buys, 1)
	require.Len(t, p.Sells, 1)
	assert.True(t, p.Buys[0].Price.Equal(decimal.NewFromInt(99)), "бид на 1%% ниже: %s", p.Buys[0].Price)
	assert.True(t, p.Sells[0].Price.Equal(decimal.NewFromInt(102)), "аск на 2%% выше: %s", p.Sells[0].Price)
	assert.True(t, p.Buys[0].Size.Equal(decimal.NewFromFloat(0.2)))
}

func TestLadderProposalLevels(t *testing.T) {
	cfg := testStrategyConfig()
	cfg.OrderLevels = 3
	cfg.LevelDistances = decimal.NewFromInt(100)
	h := newHarness(t, cfg)
	for _, mid := range []float64{100, 100.1, 99.9, 100.2, 100} {
		h.setBook(mid)
		h.tick()
		h.clk.Advance(time.Second)
	}
	require.Equal(t, StateActive, h.s.State())
	require.Len(t, h.ex.OpenOrders(), 6, "три уровня на каждую сторону")

	p := h.s.createBaseProposal(decimal.NewFromInt(100))
	require.Len(t, p.Buys, 3)
	require.Len(t, p.Sells, 3)
	for i := 1; i < 3; i++ {
		assert.True(t, p.Buys[i].Price.LessThan(p.Buys[i-1].Price), "биды уходят вниз лесенкой")
		assert.True(t, p.Sells[i].Price.GreaterThan(p.Sells[i-1].Price), "аски уходят вверх лесенкой")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	h := newHarness(t, testStrategyConfig())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.s.Run(ctx, time.Second) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run не завершился по отмене контекста")
	}
}

func TestFailedOrderIsNotResubmitted(t *testing.T) {
	h := newHarness(t, testStrategyConfig())
	h.warmup(t)

	orders := h.ex.OpenOrders()
	require.Len(t, orders, 2)
	h.ex.RejectOrder(orders[0].ID)
	h.drain()

	_, tracked := h.s.Tracker().GetOrder(orders[0].ID)
	assert.False(t, tracked, "отвергнутый ордер покидает трекер")
	// до срабатывания таймера обновления перепоставки нет
	h.tick()
	assert.Len(t, h.ex.OpenOrders(), 1)
}
