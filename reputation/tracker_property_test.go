package reputation

import (
	"math"
	"testing"

	"pgregory.net/rapid"
)

// Property: for any initial score and any sequence of success/failure
// operations, the stored score stays within [0,1], each step moves by exactly
// the configured delta (modulo clamping), and quarantine is equivalent to
// score < threshold.
func TestTracker_ScoreBoundsProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		cfg := DefaultConfig()
		tr := NewTracker(cfg, nil)

		initial := rapid.Float64Range(-0.5, 1.5).Draw(rt, "initial")
		tr.Initialize("agent", initial)

		expected := initial
		if expected < 0 {
			expected = 0
		}
		if expected > 1 {
			expected = 1
		}

		steps := rapid.SliceOfN(rapid.Bool(), 0, 64).Draw(rt, "steps")
		for _, success := range steps {
			if success {
				tr.RecordSuccess("agent")
				expected = math.Min(1, expected+cfg.SuccessDelta)
			} else {
				tr.RecordFailure("agent")
				expected = math.Max(0, expected-cfg.FailureDelta)
			}
		}

		score, ok := tr.Score("agent")
		if !ok {
			rt.Fatalf("record must exist after initialize")
		}
		if score < 0 || score > 1 {
			rt.Fatalf("score %v escaped [0,1]", score)
		}
		if math.Abs(score-expected) > 1e-9 {
			rt.Fatalf("score %v, expected %v after %d steps", score, expected, len(steps))
		}

		wantQuarantine := score < cfg.QuarantineThreshold
		if tr.ShouldQuarantine("agent") != wantQuarantine {
			rt.Fatalf("quarantine mismatch at score %v", score)
		}
	})
}

// Property: counters increase monotonically and match the operation counts.
func TestTracker_CounterMonotonicityProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		tr := NewTracker(DefaultConfig(), nil)

		var successes, failures int64
		steps := rapid.SliceOfN(rapid.Bool(), 1, 32).Draw(rt, "steps")
		for _, success := range steps {
			if success {
				tr.RecordSuccess("agent")
				successes++
			} else {
				tr.RecordFailure("agent")
				failures++
			}

			rec, ok := tr.Get("agent")
			if !ok {
				rt.Fatalf("record must exist after first operation")
			}
			if rec.SuccessCount != successes || rec.FailureCount != failures {
				rt.Fatalf("counters %d/%d, expected %d/%d",
					rec.SuccessCount, rec.FailureCount, successes, failures)
			}
		}
	})
}
