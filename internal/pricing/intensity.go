package pricing

import (
	"math"

	"github.com/gammazero/deque"

	"mmbot/internal/models"
)

type intensityPoint struct {
	distance float64
	volume   float64
}

// IntensityEstimator оценивает параметры интенсивности ликвидности
// lambda(d) = alpha * exp(-kappa*d) по срезам книги заявок: объём уровня
// против его удаления от середины книги.
type IntensityEstimator struct {
	window deque.Deque[[]intensityPoint]
	size   int
}

func NewIntensityEstimator(size int) *IntensityEstimator {
	if size < 2 {
		size = 2
	}
	return &IntensityEstimator{size: size}
}

func (e *IntensityEstimator) AddSnapshot(snap models.OrderBookSnapshot) {
	mid := snap.MidPrice()
	if mid.Sign() <= 0 {
		return
	}
	midF := mid.InexactFloat64()

	points := make([]intensityPoint, 0, len(snap.Bids)+len(snap.Asks))
	for _, lvl := range snap.Bids {
		amount := lvl.Amount.InexactFloat64()
		d := midF - lvl.Price.InexactFloat64()
		if d > 0 && amount > 0 {
			points = append(points, intensityPoint{distance: d, volume: amount})
		}
	}
	for _, lvl := range snap.Asks {
		amount := lvl.Amount.InexactFloat64()
		d := lvl.Price.InexactFloat64() - midF
		if d > 0 && amount > 0 {
			points = append(points, intensityPoint{distance: d, volume: amount})
		}
	}
	if len(points) < 2 {
		return
	}

	e.window.PushBack(points)
	for e.window.Len() > e.size {
		e.window.PopFront()
	}
}

func (e *IntensityEstimator) IsReady() bool {
	return e.window.Len() >= e.size
}

func (e *IntensityEstimator) SamplesToFill() int {
	left := e.size - e.window.Len()
	if left < 0 {
		return 0
	}
	return left
}

// Fit возвращает (alpha, kappa) из линейной регрессии ln(volume) на distance.
func (e *IntensityEstimator) Fit() (alpha, kappa float64, ok bool) {
	n := 0
	sumX, sumY, sumXX, sumXY := 0.0, 0.0, 0.0, 0.0
	for i := 0; i < e.window.Len(); i++ {
		for _, p := range e.window.At(i) {
			x := p.distance
			y := math.Log(p.volume)
			sumX += x
			sumY += y
			sumXX += x * x
			sumXY += x * y
			n++
		}
	}
	if n < 2 {
		return 0, 0, false
	}
	fn := float64(n)
	det := fn*sumXX - sumX*sumX
	if det == 0 {
		return 0, 0, false
	}
	slope := (fn*sumXY - sumX*sumY) / det
	intercept := (sumY - slope*sumX) / fn

	kappa = -slope
	alpha = math.Exp(intercept)
	if kappa <= 0 || math.IsNaN(kappa) || math.IsInf(kappa, 0) {
		return 0, 0, false
	}
	if alpha <= 0 || math.IsNaN(alpha) || math.IsInf(alpha, 0) {
		return 0, 0, false
	}
	return alpha, kappa, true
}
