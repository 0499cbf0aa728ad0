package indicator

import (
	"math"
	"testing"
)

// wilderFixture is the 20-point close series from Wilder's worked RSI
// example. Expected values computed with seed averages over the first 14
// deltas and Wilder smoothing thereafter.
var wilderFixture = []float64{
	44.34, 44.09, 44.15, 43.61, 44.33, 44.83, 45.10, 45.42, 45.84, 46.08,
	45.89, 46.03, 45.61, 46.28, 46.28, 46.00, 46.03, 46.41, 46.22, 45.64,
}

func TestRSI14Fixture(t *testing.T) {
	got, ok := RSI14(wilderFixture)
	if !ok {
		t.Fatal("expected RSI for 20 closes")
	}
	if math.Abs(got-57.92) > 0.005 {
		t.Fatalf("RSI14 = %.4f, want 57.92", got)
	}
}

func TestRSI14SeedOnly(t *testing.T) {
	got, ok := RSI14(wilderFixture[:15])
	if !ok {
		t.Fatal("expected RSI for exactly 15 closes")
	}
	if math.Abs(got-70.46) > 0.005 {
		t.Fatalf("RSI14 = %.4f, want 70.46", got)
	}
}

func TestRSI14StrictlyIncreasing(t *testing.T) {
	closes := make([]float64, 25)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	got, ok := RSI14(closes)
	if !ok {
		t.Fatal("expected RSI for increasing series")
	}
	if got != 100 {
		t.Fatalf("RSI14 = %v, want exactly 100 for zero losses", got)
	}
}

func TestRSI14InsufficientData(t *testing.T) {
	if _, ok := RSI14(wilderFixture[:14]); ok {
		t.Fatal("expected no RSI for 14 closes")
	}
	if _, ok := RSI14(nil); ok {
		t.Fatal("expected no RSI for empty series")
	}
}

func TestRSI14Bounds(t *testing.T) {
	series := [][]float64{
		wilderFixture,
		{10, 9, 8, 7, 6, 5, 4, 3, 2, 1, 0.9, 0.8, 0.7, 0.6, 0.5, 0.4},
		{5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5, 5},
	}
	for _, closes := range series {
		got, ok := RSI14(closes)
		if !ok {
			t.Fatalf("expected RSI for series of %d closes", len(closes))
		}
		if got < 0 || got > 100 {
			t.Fatalf("RSI14 = %v, out of [0,100]", got)
		}
	}
}

func TestPeriodChange(t *testing.T) {
	cases := []struct {
		older, newer float64
		want         float64
		ok           bool
	}{
		{100, 110, 0.10, true},
		{100, 90, -0.10, true},
		{50, 50, 0, true},
		{0, 10, 0, false},
		{-5, 10, 0, false},
		{math.NaN(), 10, 0, false},
		{100, math.Inf(1), 0, false},
	}
	for _, c := range cases {
		got, ok := PeriodChange(c.older, c.newer)
		if ok != c.ok {
			t.Fatalf("PeriodChange(%v, %v) ok = %v, want %v", c.older, c.newer, ok, c.ok)
		}
		if ok && math.Abs(got-c.want) > 1e-12 {
			t.Fatalf("PeriodChange(%v, %v) = %v, want %v", c.older, c.newer, got, c.want)
		}
	}
}
