package kepler

import "sort"

// TerminalValue computes tv_sek_per_kwh per spec.md §4.C.4: the mean of the
// cheapest 25% of slot import prices over the horizon, clamped to
// [0, avg(import_price)]. Stored battery WAC must never enter this
// computation — using it would reward holding energy bought at a high
// historical price, the sunk-cost fallacy the spec calls out by name.
func TerminalValue(importPrice []float64) float64 {
	n := len(importPrice)
	if n == 0 {
		return 0
	}
	sorted := make([]float64, n)
	copy(sorted, importPrice)
	sort.Float64s(sorted)

	k := n / 4
	if k == 0 {
		k = 1
	}
	var sum float64
	for _, p := range sorted[:k] {
		sum += p
	}
	cheapest := sum / float64(k)

	var total float64
	for _, p := range importPrice {
		total += p
	}
	avg := total / float64(n)

	if cheapest < 0 {
		return 0
	}
	if cheapest > avg {
		return avg
	}
	return cheapest
}
