package pricing

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"mmbot/internal/clock"
	"mmbot/internal/models"
)

type Mode string

const (
	ModeSpread    Mode = "spread"
	ModeIntensity Mode = "intensity"
)

type State string

const (
	StateUninitialized State = "UNINITIALIZED"
	StateReady         State = "READY"
	StateRecalibrating State = "RECALIBRATING"
)

type Config struct {
	Mode                 Mode
	MinSpreadPct         decimal.Decimal
	MaxSpreadPct         decimal.Decimal
	RiskFactor           decimal.Decimal
	VolSensitivityPct    decimal.Decimal
	VolatilityBufferSize int
	IntensityBufferSize  int
	InfiniteHorizon      bool
	CycleDuration        time.Duration
}

// Model держит оценщики волатильности/ликвидности и выводит резервную цену
// с оптимальным спредом по формулам стохастического управления.
type Model struct {
	cfg Config
	clk clock.Clock

	vol       *VolatilityIndicator
	intensity *IntensityEstimator

	gamma float64
	kappa float64
	alpha float64

	calibrated         bool
	lastCalibrationVol float64

	cycleStart time.Time
	cycleEnd   time.Time

	reservedPrice decimal.Decimal
	optimalSpread decimal.Decimal
	optimalBid    decimal.Decimal
	optimalAsk    decimal.Decimal
}

func NewModel(cfg Config, clk clock.Clock) *Model {
	m := &Model{
		cfg:   cfg,
		clk:   clk,
		vol:   NewVolatilityIndicator(cfg.VolatilityBufferSize),
		alpha: 1,
		kappa: 1,
		gamma: cfg.RiskFactor.InexactFloat64(),
	}
	if m.gamma <= 0 {
		m.gamma = 1
	}
	if cfg.Mode == ModeIntensity {
		m.intensity = NewIntensityEstimator(cfg.IntensityBufferSize)
	}
	if !cfg.InfiniteHorizon {
		m.cycleStart = clk.Now()
		m.cycleEnd = m.cycleStart.Add(cfg.CycleDuration)
	}
	return m
}

func (m *Model) AddSample(midPrice decimal.Decimal) {
	m.vol.AddSample(midPrice.InexactFloat64())
}

func (m *Model) AddSnapshot(snap models.OrderBookSnapshot) {
	if m.intensity != nil {
		m.intensity.AddSnapshot(snap)
	}
}

func (m *Model) IsReady() bool {
	if !m.vol.IsReady() {
		return false
	}
	if m.intensity != nil && !m.intensity.IsReady() {
		return false
	}
	return true
}

func (m *Model) SamplesToFill() int {
	left := m.vol.SamplesToFill()
	if m.intensity != nil && m.intensity.SamplesToFill() > left {
		left = m.intensity.SamplesToFill()
	}
	return left
}

func (m *Model) Intensity() *IntensityEstimator {
	return m.intensity
}

// Volatility — текущая оценка; пока буфер не полон, откатываемся к
// половине наблюдаемого спреда лучших цен.
func (m *Model) Volatility(halfSpread float64) float64 {
	if !m.vol.IsReady() {
		return math.Max(halfSpread, 0)
	}
	return m.vol.Value()
}

func (m *Model) State() State {
	if !m.IsReady() {
		return StateUninitialized
	}
	if m.VolatilityDrifted() {
		return StateRecalibrating
	}
	return StateReady
}

// VolatilityDrifted — ушла ли волатильность от снимка последней калибровки
// дальше порога чувствительности.
func (m *Model) VolatilityDrifted() bool {
	if !m.calibrated {
		return true
	}
	if m.lastCalibrationVol <= 0 {
		return m.vol.Value() > 0
	}
	drift := math.Abs(m.vol.Value()-m.lastCalibrationVol) / m.lastCalibrationVol
	return drift > m.cfg.VolSensitivityPct.InexactFloat64()/100
}

// RollCycleIfNeeded переводит торговый цикл на следующий период.
func (m *Model) RollCycleIfNeeded() bool {
	if m.cfg.InfiniteHorizon {
		return false
	}
	now := m.clk.Now()
	if now.Before(m.cycleEnd) {
		return false
	}
	for !now.Before(m.cycleEnd) {
		m.cycleStart = m.cycleEnd
		m.cycleEnd = m.cycleEnd.Add(m.cfg.CycleDuration)
	}
	return true
}

// TimeLeftFraction — доля цикла, оставшаяся до его конца; 1 для
// бесконечного горизонта.
func (m *Model) TimeLeftFraction() float64 {
	if m.cfg.InfiniteHorizon || m.cfg.CycleDuration <= 0 {
		return 1
	}
	left := m.cycleEnd.Sub(m.clk.Now()).Seconds() / m.cfg.CycleDuration.Seconds()
	if left < 0 {
		return 0
	}
	if left > 1 {
		return 1
	}
	return left
}

// RecalculateParameters перевыводит gamma/kappa (и alpha в режиме intensity)
// из текущего состояния рынка.
func (m *Model) RecalculateParameters(midPrice float64, halfSpread float64) {
	sigma := m.Volatility(halfSpread)

	switch m.cfg.Mode {
	case ModeIntensity:
		if alpha, kappa, ok := m.intensity.Fit(); ok {
			m.alpha = alpha
			m.kappa = kappa
		}
		m.gamma = m.cfg.RiskFactor.InexactFloat64()
		if m.gamma <= 0 {
			m.gamma = 1
		}
	default:
		m.recalculateFromSpreadBounds(midPrice, sigma)
	}

	m.lastCalibrationVol = sigma
	m.calibrated = true
}

// Замкнутая форма: gamma и kappa подбираются так, чтобы при максимальном
// перекосе запасов (|q| = 1) оптимальный спред оставался в границах
// [min_spread, max_spread].
func (m *Model) recalculateFromSpreadBounds(midPrice, sigma float64) {
	minSpread := m.cfg.MinSpreadPct.InexactFloat64() / 100 * midPrice
	maxSpread := m.cfg.MaxSpreadPct.InexactFloat64() / 100 * midPrice

	variance := sigma * sigma
	if variance > 0 && maxSpread > minSpread {
		m.gamma = (maxSpread - minSpread) / (2 * variance)
	} else {
		m.gamma = m.cfg.RiskFactor.InexactFloat64()
	}
	if m.gamma <= 0 || math.IsInf(m.gamma, 0) {
		m.gamma = 1
	}

	base := minSpread - m.gamma*variance
	if base <= 0 {
		base = minSpread / 2
	}
	if base > 0 {
		denom := math.Expm1(m.gamma * base / 2)
		if denom > 0 {
			m.kappa = clampFloat(m.gamma/denom, 1e-10, 1e10)
		}
	}
	m.alpha = 1
}

// CalculateReservedPriceAndOptimalSpread — ядро модели. Возвращённые цены
// уже зажаты в границы спреда вокруг mid и неотрицательны.
func (m *Model) CalculateReservedPriceAndOptimalSpread(midPrice decimal.Decimal, q float64) {
	mid := midPrice.InexactFloat64()
	sigma := m.vol.Value()
	variance := sigma * sigma

	var reserved, ask, bid float64
	if m.cfg.InfiniteHorizon {
		reserved, bid, ask = m.infiniteHorizonQuotes(mid, q, variance)
	} else {
		t := m.TimeLeftFraction()
		reserved = mid - q*m.gamma*variance*t
		spread := m.gamma*variance*t + (2/m.gamma)*math.Log1p(m.gamma/m.kappa)
		if spread < 0 {
			spread = 0
		}
		ask = reserved + spread/2
		bid = reserved - spread/2
	}

	minSpread := m.cfg.MinSpreadPct.InexactFloat64() / 100 * mid
	maxSpread := m.cfg.MaxSpreadPct.InexactFloat64() / 100 * mid
	if maxSpread > 0 {
		ask = clampFloat(ask, mid+minSpread/2, mid+maxSpread/2)
		bid = clampFloat(bid, mid-maxSpread/2, mid-minSpread/2)
	}
	if bid < 0 {
		bid = 0
	}
	if ask < bid {
		ask = bid
	}
	reserved = clampFloat(reserved, bid, ask)

	m.reservedPrice = decimal.NewFromFloat(reserved)
	m.optimalAsk = decimal.NewFromFloat(ask)
	m.optimalBid = decimal.NewFromFloat(bid)
	m.optimalSpread = m.optimalAsk.Sub(m.optimalBid)
}

// Асимптотика бесконечного горизонта: отдельные смещения на сторону,
// численно независимые от формулы конечного цикла.
func (m *Model) infiniteHorizonQuotes(mid float64, q, variance float64) (reserved, bid, ask float64) {
	common := math.Log1p(m.gamma/m.kappa) / m.gamma
	inner := variance * m.gamma / (2 * m.kappa * m.alpha) * math.Pow(1+m.gamma/m.kappa, 1+m.kappa/m.gamma)
	term := 0.0
	if inner > 0 && !math.IsInf(inner, 0) {
		term = math.Sqrt(inner)
	}

	deltaAsk := common + (1-2*q)/2*term
	deltaBid := common + (1+2*q)/2*term
	if deltaAsk < 0 {
		deltaAsk = 0
	}
	if deltaBid < 0 {
		deltaBid = 0
	}
	ask = mid + deltaAsk
	bid = mid - deltaBid
	reserved = (ask + bid) / 2
	return reserved, bid, ask
}

func (m *Model) ReservedPrice() decimal.Decimal { return m.reservedPrice }
func (m *Model) OptimalSpread() decimal.Decimal { return m.optimalSpread }
func (m *Model) OptimalBid() decimal.Decimal    { return m.optimalBid }
func (m *Model) OptimalAsk() decimal.Decimal    { return m.optimalAsk }
func (m *Model) Gamma() float64                 { return m.gamma }
func (m *Model) Kappa() float64                 { return m.kappa }
func (m *Model) Alpha() float64                 { return m.alpha }
func (m *Model) RawVolatility() float64         { return m.vol.Value() }

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
