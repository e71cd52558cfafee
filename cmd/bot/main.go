package main

import (
	"context"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"mmbot/internal/clock"
	"mmbot/internal/config"
	"mmbot/internal/exchange/paper"
	"mmbot/internal/logger"
	"mmbot/internal/models"
	"mmbot/internal/strategy"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log := logger.New(logger.Config{Level: "info"})
		log.WithError(err).Fatal("Конфигурация не прошла проверку.")
	}

	log := logger.New(logger.Config{
		Level:      cfg.Runtime.Log.Level,
		Format:     cfg.Runtime.Log.Format,
		Output:     cfg.Runtime.Log.File,
		MaxSize:    cfg.Runtime.Log.MaxSize,
		MaxBackups: cfg.Runtime.Log.MaxBackups,
		MaxAge:     cfg.Runtime.Log.MaxAge,
		Compress:   cfg.Runtime.Log.Compress,
	})

	if !cfg.Runtime.DryRun {
		log.Fatal("Живой коннектор биржи не сконфигурирован, запустите с runtime.dry_run = true.")
	}

	tctx := models.TradingContext{
		Venue:      cfg.Exchange.Venue,
		Pair:       cfg.Exchange.Pair,
		BaseAsset:  cfg.Exchange.BaseAsset,
		QuoteAsset: cfg.Exchange.QuoteAsset,
	}

	clk := clock.RealClock{}
	ex := paper.New(paper.Config{
		TickSize: decimal.New(1, -2),
		LotSize:  decimal.New(1, -6),
		FeePct:   decimal.New(1, -3),
	}, clk)
	ex.SetBalance(tctx.BaseAsset, decimal.NewFromInt(10))
	ex.SetBalance(tctx.QuoteAsset, decimal.NewFromInt(100000))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if addr := cfg.Runtime.MetricsAddr; addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.WithError(err).Error("Сервер метрик остановился.")
			}
		}()
		log.WithComponent("main").WithField("addr", addr).Info("Метрики опубликованы.")
	}

	go simulateBook(ctx, ex, cfg.Runtime.TickInterval)

	s := strategy.New(cfg.Strategy, tctx, ex, clk, log)
	log.WithComponent("main").WithField("pair", tctx.Pair).Info("Бот запущен.")

	if err := s.Run(ctx, cfg.Runtime.TickInterval); err != nil && err != context.Canceled {
		log.WithError(err).Error("Цикл стратегии завершился с ошибкой.")
		os.Exit(1)
	}
	log.Info("Бот остановлен.")
}

// simulateBook кормит бумажную биржу случайным блужданием средней цены,
// чтобы dry_run давал осмысленные прогоны калибровки и котирования.
func simulateBook(ctx context.Context, ex *paper.Exchange, interval time.Duration) {
	mid := 100.0
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	feed := func() {
		mid *= 1 + (rand.Float64()-0.5)*0.002
		halfSpread := mid * 0.0005
		var bids, asks []models.BookLevel
		for i := 0; i < 10; i++ {
			step := float64(i) * halfSpread
			bids = append(bids, models.BookLevel{
				Price:  decimal.NewFromFloat(mid - halfSpread - step),
				Amount: decimal.NewFromFloat(1 + rand.Float64()*4),
			})
			asks = append(asks, models.BookLevel{
				Price:  decimal.NewFromFloat(mid + halfSpread + step),
				Amount: decimal.NewFromFloat(1 + rand.Float64()*4),
			})
		}
		ex.SetOrderBook(models.OrderBookSnapshot{Bids: bids, Asks: asks, Timestamp: time.Now()})
	}
	feed()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			feed()
			ex.ExpireStaleOrders()
		}
	}
}
