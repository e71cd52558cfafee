package pricing

import (
	"math"

	"github.com/gammazero/deque"
)

// VolatilityIndicator — скользящая оценка разброса цен за фиксированное окно.
type VolatilityIndicator struct {
	samples deque.Deque[float64]
	size    int
}

func NewVolatilityIndicator(size int) *VolatilityIndicator {
	if size < 2 {
		size = 2
	}
	return &VolatilityIndicator{size: size}
}

func (v *VolatilityIndicator) AddSample(price float64) {
	if price <= 0 || math.IsNaN(price) {
		return
	}
	v.samples.PushBack(price)
	for v.samples.Len() > v.size {
		v.samples.PopFront()
	}
}

func (v *VolatilityIndicator) IsReady() bool {
	return v.samples.Len() >= v.size
}

// SamplesToFill — сколько замеров осталось до готовности буфера.
func (v *VolatilityIndicator) SamplesToFill() int {
	left := v.size - v.samples.Len()
	if left < 0 {
		return 0
	}
	return left
}

func (v *VolatilityIndicator) Value() float64 {
	n := v.samples.Len()
	if n < 2 {
		return 0
	}
	mean := 0.0
	for i := 0; i < n; i++ {
		mean += v.samples.At(i)
	}
	mean /= float64(n)

	variance := 0.0
	for i := 0; i < n; i++ {
		d := v.samples.At(i) - mean
		variance += d * d
	}
	variance /= float64(n)
	return math.Sqrt(variance)
}
