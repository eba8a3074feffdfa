package admission

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestProperty_CurrentLimitStaysWithinBounds validates P8: current_limit
// stays within [min_limit, hard_cap] regardless of the latency sequence fed
// through Release.
func TestProperty_CurrentLimitStaysWithinBounds(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 60
	properties := gopter.NewProperties(parameters)

	properties.Property("current_limit never leaves [min_limit, hard_cap]", prop.ForAll(
		func(latenciesMs []int) bool {
			c := New(Config{TargetP99Ms: 50, HardCap: 32, MinLimit: 2, SampleWindow: 16, Tick: time.Hour, EvaluateEveryN: 1})
			defer c.Close()

			for _, ms := range latenciesMs {
				if ms < 0 {
					ms = -ms
				}
				c.Release(time.Duration(ms) * time.Millisecond)
				limit := c.CurrentLimit()
				if limit < 2 || limit > 32 {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(50, gen.IntRange(0, 500)),
	))

	properties.Property("sustained low latency at high demand ramps the limit up, never past hard_cap", prop.ForAll(
		func(rounds int) bool {
			if rounds < 1 {
				rounds = 1
			}
			if rounds > 40 {
				rounds = 40
			}
			c := New(Config{TargetP99Ms: 100, HardCap: 16, MinLimit: 1, SampleWindow: 8, Tick: time.Hour, EvaluateEveryN: 1})
			defer c.Close()

			prev := c.CurrentLimit()
			for i := 0; i < rounds; i++ {
				for j := 0; j < 8; j++ {
					// keep demand at the current limit so the ramp-up
					// condition (inFlight >= 0.9*current) can fire;
					// Release takes one off before it evaluates
					c.inFlight.Store(c.currentLimit.Load() + 1)
					c.Release(1 * time.Millisecond) // far below 0.7*target
				}
				cur := c.CurrentLimit()
				if cur < prev || cur > 16 {
					return false
				}
				prev = cur
			}
			return true
		},
		gen.IntRange(1, 40),
	))

	properties.Property("sustained high latency backs the limit off, never below min_limit", prop.ForAll(
		func(rounds int) bool {
			if rounds < 1 {
				rounds = 1
			}
			if rounds > 40 {
				rounds = 40
			}
			c := New(Config{TargetP99Ms: 10, HardCap: 16, MinLimit: 2, SampleWindow: 8, Tick: time.Hour, EvaluateEveryN: 1})
			defer c.Close()
			c.currentLimit.Store(16)

			for i := 0; i < rounds; i++ {
				for j := 0; j < 8; j++ {
					c.Release(50 * time.Millisecond) // far above 1.1*target
				}
				if c.CurrentLimit() < 2 {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 40),
	))

	properties.TestingRun(t)
}
