package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	OrdersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mm_orders_placed_total",
			Help: "Orders submitted to the venue",
		},
		[]string{"pair", "side"},
	)

	OrdersCanceled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mm_orders_canceled_total",
			Help: "Cancel requests submitted",
		},
		[]string{"pair"},
	)

	OrdersFilled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mm_orders_filled_total",
			Help: "Fill events received",
		},
		[]string{"pair", "side"},
	)

	OrdersFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mm_orders_failed_total",
			Help: "Order failure events received",
		},
		[]string{"pair"},
	)

	HangingPromotions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mm_hanging_promotions_total",
			Help: "Orders promoted to hanging after a sibling fill",
		},
		[]string{"pair"},
	)

	ReservedPrice = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mm_reserved_price",
			Help: "Current reservation price",
		},
		[]string{"pair"},
	)

	OptimalSpread = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mm_optimal_spread",
			Help: "Current optimal spread",
		},
		[]string{"pair"},
	)

	InventorySkew = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mm_inventory_skew",
			Help: "Normalized inventory skew q",
		},
		[]string{"pair"},
	)

	Volatility = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mm_volatility",
			Help: "Current volatility estimate",
		},
		[]string{"pair"},
	)
)

func init() {
	prometheus.MustRegister(
		OrdersPlaced,
		OrdersCanceled,
		OrdersFilled,
		OrdersFailed,
		HangingPromotions,
		ReservedPrice,
		OptimalSpread,
		InventorySkew,
		Volatility,
	)
}
