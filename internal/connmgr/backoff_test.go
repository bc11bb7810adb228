package connmgr

import (
	"math/rand"
	"testing"
	"time"
)

func TestBackoffDelayGrowsAndClamps(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	base := 100 * time.Millisecond
	max := 2 * time.Second

	prevUnjittered := time.Duration(0)
	for attempt := 0; attempt <= 15; attempt++ {
		d := backoffDelay(attempt, base, max, 0, rng)
		if d < base {
			t.Fatalf("attempt %d: delay %v below base %v", attempt, d, base)
		}
		if d > max {
			t.Fatalf("attempt %d: delay %v above max %v", attempt, d, max)
		}
		if attempt <= 10 && d < prevUnjittered {
			t.Fatalf("attempt %d: delay %v should not shrink from %v", attempt, d, prevUnjittered)
		}
		prevUnjittered = d
	}
}

func TestBackoffDelayJitterStaysInBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	base := 1 * time.Second
	max := 30 * time.Second

	for i := 0; i < 100; i++ {
		d := backoffDelay(3, base, max, 0.5, rng)
		if d < 0 {
			t.Fatalf("jittered delay went negative: %v", d)
		}
		unjittered := base << 3
		lo := time.Duration(float64(unjittered) * 0.5)
		hi := time.Duration(float64(unjittered) * 1.5)
		if d < lo || d > hi {
			t.Fatalf("jittered delay %v outside [%v,%v]", d, lo, hi)
		}
	}
}
