package kepler

import "testing"

func TestTerminalValue(t *testing.T) {
	cases := []struct {
		name  string
		price []float64
		want  float64
	}{
		{
			name:  "uniform prices clamp to that price",
			price: []float64{1, 1, 1, 1},
			want:  1,
		},
		{
			name:  "cheapest quartile below average",
			price: []float64{0.1, 0.2, 1.0, 2.0},
			want:  0.1,
		},
		{
			name:  "negative cheapest clamps to zero floor",
			price: []float64{-5, 1, 2, 3},
			want:  0,
		},
		{
			name:  "empty horizon",
			price: nil,
			want:  0,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := TerminalValue(c.price)
			if got != c.want {
				t.Errorf("TerminalValue(%v) = %v, want %v", c.price, got, c.want)
			}
		})
	}
}

func TestTerminalValueNeverExceedsAverage(t *testing.T) {
	price := []float64{0.5, 0.5, 0.5, 5.0, 5.0, 5.0, 5.0, 5.0}
	var sum float64
	for _, p := range price {
		sum += p
	}
	avg := sum / float64(len(price))
	got := TerminalValue(price)
	if got > avg {
		t.Errorf("TerminalValue = %v exceeds average %v", got, avg)
	}
}
