package broker

import (
	"math"
	"testing"
	"time"
)

func TestBackoff_DelayWithinJitterOfCappedBase(t *testing.T) {
	b := DefaultBackoff()

	// Extremes of the random source give the extremes of the jitter window.
	for _, r := range []float64{0, 0.25, 0.5, 0.75, 0.999999} {
		b.rand = func() float64 { return r }
		for n := 0; n < 40; n++ {
			want := math.Min(float64(b.Max), float64(b.Initial)*math.Pow(b.Factor, float64(n)))
			got := float64(b.Delay(n))

			if got > float64(b.Max) {
				t.Fatalf("Delay(%d) = %v exceeds max %v", n, time.Duration(got), b.Max)
			}
			lo := want * (1 - b.Jitter)
			hi := math.Min(want*(1+b.Jitter), float64(b.Max))
			if got < lo-1 || got > hi+1 {
				t.Errorf("Delay(%d) r=%v = %v, want in [%v, %v]",
					n, r, time.Duration(got), time.Duration(lo), time.Duration(hi))
			}
		}
	}
}

func TestBackoff_Base(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 10 * time.Second, Factor: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, time.Second},
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{5000, 10 * time.Second},
	}

	for _, tt := range tests {
		if got := b.Base(tt.attempt); got != tt.want {
			t.Errorf("Base(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoff_ZeroJitterIsExact(t *testing.T) {
	b := Backoff{Initial: 500 * time.Millisecond, Max: time.Minute, Factor: 1.513}
	if got, want := b.Delay(2), b.Base(2); got != want {
		t.Errorf("Delay(2) = %v, want %v", got, want)
	}
}

func TestUniform(t *testing.T) {
	lo, hi := 500*time.Millisecond, 8*time.Second

	if got := uniform(lo, hi, func() float64 { return 0 }); got != lo {
		t.Errorf("uniform(r=0) = %v, want %v", got, lo)
	}
	if got := uniform(lo, hi, func() float64 { return 0.5 }); got != lo+(hi-lo)/2 {
		t.Errorf("uniform(r=0.5) = %v", got)
	}
	if got := uniform(hi, lo, nil); got != hi {
		t.Errorf("uniform with inverted bounds = %v, want %v", got, hi)
	}
}
