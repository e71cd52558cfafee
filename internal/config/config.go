package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	Exchange ExchangeConfig
	Strategy StrategyConfig
	Runtime  RuntimeConfig
}

type ExchangeConfig struct {
	Venue      string
	Pair       string
	BaseAsset  string
	QuoteAsset string
	ApiKey     string
	Secret     string
}

type OrderOverride struct {
	Side      string
	SpreadPct decimal.Decimal
	Size      decimal.Decimal
}

type StrategyConfig struct {
	OrderAmount            decimal.Decimal
	OrderLevels            int
	LevelDistances         decimal.Decimal
	MinSpreadPct           decimal.Decimal
	MaxSpreadPct           decimal.Decimal
	RiskFactor             decimal.Decimal
	OrderAmountShapeEta    decimal.Decimal
	CalibrationMode        string
	VolatilityBufferSize   int
	IntensityBufferSize    int
	ExecutionTimeframe     string
	CycleDuration          time.Duration
	RecalibrationInterval  time.Duration
	VolSensitivityPct      decimal.Decimal
	OrderRefreshTime       time.Duration
	MaxOrderAge            time.Duration
	RefreshTolerancePct    decimal.Decimal
	FilledOrderDelay       time.Duration
	HangingOrdersEnabled   bool
	HangingOrdersCancelPct decimal.Decimal
	InventoryTargetBasePct decimal.Decimal
	OrderOptimization      bool
	BidOptimizationDepth   decimal.Decimal
	AskOptimizationDepth   decimal.Decimal
	AddTransactionCosts    bool
	FilterTakers           bool
	PriceCeiling           decimal.Decimal
	PriceFloor             decimal.Decimal
	OrderOverride          []OrderOverride
}

type LogConfig struct {
	Level      string
	Format     string
	File       string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
}

type RuntimeConfig struct {
	DryRun       bool
	TickInterval time.Duration
	MetricsAddr  string
	Log          LogConfig
}

const (
	CalibrationModeSpread    = "spread"
	CalibrationModeIntensity = "intensity"

	TimeframeInfinite = "infinite"
	TimeframeCycle    = "cycle"
)

func Load() (*Config, error) {
	cfg := &Config{}
	viper.AddConfigPath("configs")
	viper.SetConfigName("config")
	viper.ReadInConfig()

	cfg.Exchange = ExchangeConfig{
		Venue:      viper.GetString("exchange.venue"),
		Pair:       viper.GetString("exchange.pair"),
		BaseAsset:  viper.GetString("exchange.base_asset"),
		QuoteAsset: viper.GetString("exchange.quote_asset"),
		ApiKey:     envSub("exchange.api_key"),
		Secret:     envSub("exchange.secret"),
	}

	cfg.Strategy = StrategyConfig{
		OrderAmount:            getDecimal("strategy.order_amount"),
		OrderLevels:            viper.GetInt("strategy.order_levels"),
		LevelDistances:         getDecimal("strategy.level_distances"),
		MinSpreadPct:           getDecimal("strategy.min_spread_pct"),
		MaxSpreadPct:           getDecimal("strategy.max_spread_pct"),
		RiskFactor:             getDecimal("strategy.risk_factor"),
		OrderAmountShapeEta:    getDecimal("strategy.order_amount_shape_eta"),
		CalibrationMode:        viper.GetString("strategy.calibration_mode"),
		VolatilityBufferSize:   viper.GetInt("strategy.volatility_buffer_size"),
		IntensityBufferSize:    viper.GetInt("strategy.intensity_buffer_size"),
		ExecutionTimeframe:     viper.GetString("strategy.execution_timeframe"),
		CycleDuration:          viper.GetDuration("strategy.cycle_duration"),
		RecalibrationInterval:  viper.GetDuration("strategy.recalibration_interval"),
		VolSensitivityPct:      getDecimal("strategy.vol_sensitivity_pct"),
		OrderRefreshTime:       viper.GetDuration("strategy.order_refresh_time"),
		MaxOrderAge:            viper.GetDuration("strategy.max_order_age"),
		RefreshTolerancePct:    getDecimal("strategy.refresh_tolerance_pct"),
		FilledOrderDelay:       viper.GetDuration("strategy.filled_order_delay"),
		HangingOrdersEnabled:   viper.GetBool("strategy.hanging_orders_enabled"),
		HangingOrdersCancelPct: getDecimal("strategy.hanging_orders_cancel_pct"),
		InventoryTargetBasePct: getDecimal("strategy.inventory_target_base_pct"),
		OrderOptimization:      viper.GetBool("strategy.order_optimization"),
		BidOptimizationDepth:   getDecimal("strategy.bid_optimization_depth"),
		AskOptimizationDepth:   getDecimal("strategy.ask_optimization_depth"),
		AddTransactionCosts:    viper.GetBool("strategy.add_transaction_costs"),
		FilterTakers:           viper.GetBool("strategy.filter_takers"),
		PriceCeiling:           getDecimal("strategy.price_ceiling"),
		PriceFloor:             getDecimal("strategy.price_floor"),
		OrderOverride:          loadOrderOverride(),
	}
	applyStrategyDefaults(&cfg.Strategy)

	cfg.Runtime = RuntimeConfig{
		DryRun:       viper.GetBool("runtime.dry_run"),
		TickInterval: viper.GetDuration("runtime.tick_interval"),
		MetricsAddr:  viper.GetString("runtime.metrics_addr"),
		Log: LogConfig{
			Level:      viper.GetString("runtime.log.level"),
			Format:     viper.GetString("runtime.log.format"),
			File:       viper.GetString("runtime.log.file"),
			MaxSize:    viper.GetInt("runtime.log.max_size"),
			MaxBackups: viper.GetInt("runtime.log.max_backups"),
			MaxAge:     viper.GetInt("runtime.log.max_age"),
			Compress:   viper.GetBool("runtime.log.compress"),
		},
	}
	if cfg.Runtime.TickInterval <= 0 {
		cfg.Runtime.TickInterval = time.Second
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyStrategyDefaults(s *StrategyConfig) {
	if s.OrderLevels <= 0 {
		s.OrderLevels = 1
	}
	if s.LevelDistances.IsZero() {
		s.LevelDistances = decimal.NewFromInt(1)
	}
	if s.CalibrationMode == "" {
		s.CalibrationMode = CalibrationModeSpread
	}
	if s.VolatilityBufferSize <= 0 {
		s.VolatilityBufferSize = 200
	}
	if s.IntensityBufferSize <= 0 {
		s.IntensityBufferSize = 200
	}
	if s.ExecutionTimeframe == "" {
		s.ExecutionTimeframe = TimeframeInfinite
	}
	if s.RecalibrationInterval <= 0 {
		s.RecalibrationInterval = time.Minute
	}
	if s.VolSensitivityPct.IsZero() {
		s.VolSensitivityPct = decimal.NewFromInt(20)
	}
	if s.OrderRefreshTime <= 0 {
		s.OrderRefreshTime = 30 * time.Second
	}
	if s.MaxOrderAge <= 0 {
		s.MaxOrderAge = 30 * time.Minute
	}
	if s.FilledOrderDelay <= 0 {
		s.FilledOrderDelay = time.Minute
	}
	if s.HangingOrdersCancelPct.IsZero() {
		s.HangingOrdersCancelPct = decimal.NewFromInt(10)
	}
	if s.InventoryTargetBasePct.IsZero() {
		s.InventoryTargetBasePct = decimal.NewFromInt(50)
	}
}

func Validate(cfg *Config) error {
	s := cfg.Strategy
	if s.OrderAmount.Sign() <= 0 {
		return fmt.Errorf("конфигурация: order_amount должен быть положительным")
	}
	if s.MinSpreadPct.GreaterThan(s.MaxSpreadPct) {
		return fmt.Errorf("конфигурация: min_spread_pct (%s) больше max_spread_pct (%s)", s.MinSpreadPct, s.MaxSpreadPct)
	}
	if s.PriceCeiling.Sign() > 0 && s.PriceFloor.Sign() > 0 && s.PriceCeiling.LessThan(s.PriceFloor) {
		return fmt.Errorf("конфигурация: price_ceiling (%s) ниже price_floor (%s)", s.PriceCeiling, s.PriceFloor)
	}
	if s.RiskFactor.Sign() < 0 || s.OrderAmountShapeEta.Sign() < 0 {
		return fmt.Errorf("конфигурация: risk_factor и order_amount_shape_eta не могут быть отрицательными")
	}
	if s.CalibrationMode != CalibrationModeSpread && s.CalibrationMode != CalibrationModeIntensity {
		return fmt.Errorf("конфигурация: неизвестный calibration_mode %q", s.CalibrationMode)
	}
	if s.ExecutionTimeframe != TimeframeInfinite && s.ExecutionTimeframe != TimeframeCycle {
		return fmt.Errorf("конфигурация: неизвестный execution_timeframe %q", s.ExecutionTimeframe)
	}
	if s.ExecutionTimeframe == TimeframeCycle && s.CycleDuration <= 0 {
		return fmt.Errorf("конфигурация: cycle_duration обязателен для execution_timeframe=cycle")
	}
	for _, o := range s.OrderOverride {
		side := strings.ToLower(o.Side)
		if side != "buy" && side != "sell" {
			return fmt.Errorf("конфигурация: order_override с неизвестной стороной %q", o.Side)
		}
	}
	return nil
}

func loadOrderOverride() []OrderOverride {
	var overrides []OrderOverride
	raw := viper.Get("strategy.order_override")
	items, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		o := OrderOverride{
			Side:      fmt.Sprintf("%v", m["side"]),
			SpreadPct: toDecimal(m["spread_pct"]),
			Size:      toDecimal(m["size"]),
		}
		overrides = append(overrides, o)
	}
	return overrides
}

func getDecimal(key string) decimal.Decimal {
	return toDecimal(viper.Get(key))
}

func toDecimal(val interface{}) decimal.Decimal {
	if val == nil {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(strings.TrimSpace(fmt.Sprintf("%v", val)))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func envSub(key string) string {
	val := viper.GetString(key)
	if val == "" {
		return ""
	}

	re := regexp.MustCompile(`\$\{(\w+)\}`)
	return re.ReplaceAllStringFunc(val, func(match string) string {
		envKey := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(envKey)
	})
}
