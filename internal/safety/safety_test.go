package safety

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests move time deterministically.
type fakeClock struct{ t time.Time }

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	clock := newFakeClock()
	r := NewBreakerRegistry(BreakerConfig{Threshold: 3, RecoveryTimeout: 100 * time.Millisecond})
	r.now = clock.Now

	failure := errors.New("command failed")
	for i := 0; i < 2; i++ {
		r.OnFailure("srv-1", failure)
		assert.True(t, r.CanExecute("srv-1"), "still closed below threshold")
	}
	r.OnFailure("srv-1", failure)

	assert.Equal(t, BreakerOpen, r.State("srv-1"))
	assert.False(t, r.CanExecute("srv-1"))
}

func TestBreaker_HalfOpenProbeThenClose(t *testing.T) {
	clock := newFakeClock()
	r := NewBreakerRegistry(BreakerConfig{Threshold: 3, RecoveryTimeout: 100 * time.Millisecond})
	r.now = clock.Now

	for i := 0; i < 3; i++ {
		r.OnFailure("srv-1", errors.New("boom"))
	}
	require.False(t, r.CanExecute("srv-1"))

	clock.Advance(100 * time.Millisecond)
	assert.True(t, r.CanExecute("srv-1"), "recovery timeout elapsed, probe allowed")
	assert.Equal(t, BreakerHalfOpen, r.State("srv-1"))

	r.OnSuccess("srv-1")
	assert.Equal(t, BreakerClosed, r.State("srv-1"))
	assert.True(t, r.CanExecute("srv-1"))
}

func TestBreaker_HalfOpenFailureReopensAndResetsTimer(t *testing.T) {
	clock := newFakeClock()
	r := NewBreakerRegistry(BreakerConfig{Threshold: 2, RecoveryTimeout: time.Minute})
	r.now = clock.Now

	r.OnFailure("srv-1", errors.New("a"))
	r.OnFailure("srv-1", errors.New("b"))
	clock.Advance(time.Minute)
	require.True(t, r.CanExecute("srv-1"))

	r.OnFailure("srv-1", errors.New("probe failed"))
	assert.Equal(t, BreakerOpen, r.State("srv-1"))
	assert.False(t, r.CanExecute("srv-1"))

	// Timer restarted: half a recovery period is not enough.
	clock.Advance(30 * time.Second)
	assert.False(t, r.CanExecute("srv-1"))
	clock.Advance(30 * time.Second)
	assert.True(t, r.CanExecute("srv-1"))
}

func TestBreaker_FailuresDecayOutsideMonitoringPeriod(t *testing.T) {
	clock := newFakeClock()
	r := NewBreakerRegistry(BreakerConfig{Threshold: 3, MonitoringPeriod: time.Minute})
	r.now = clock.Now

	r.OnFailure("srv-1", errors.New("a"))
	r.OnFailure("srv-1", errors.New("b"))

	// Old failures age out of the monitoring period.
	clock.Advance(2 * time.Minute)
	r.OnFailure("srv-1", errors.New("c"))
	r.OnFailure("srv-1", errors.New("d"))

	assert.Equal(t, BreakerClosed, r.State("srv-1"), "decayed failures do not accumulate to the threshold")
}

func TestBreaker_KeysAreIndependent(t *testing.T) {
	r := NewBreakerRegistry(BreakerConfig{Threshold: 1})
	r.OnFailure("srv-1", errors.New("x"))
	assert.False(t, r.CanExecute("srv-1"))
	assert.True(t, r.CanExecute("srv-2"))
}

func TestFlapping_WindowCap(t *testing.T) {
	clock := newFakeClock()
	f := NewFlappingController(FlappingConfig{CooldownWindow: time.Minute, MaxIncidents: 3})
	f.now = clock.Now

	admitted := 0
	for i := 0; i < 5; i++ {
		a := f.CanCreateIncident("site-1")
		if a.Allowed {
			admitted++
			f.RecordIncident("site-1", fmt.Sprintf("inc-%d", i))
		}
		clock.Advance(time.Second)
	}

	assert.Equal(t, 3, admitted, "first 3 admitted, last 2 refused")
	assert.True(t, f.IsFlapping("site-1"))

	a := f.CanCreateIncident("site-1")
	assert.False(t, a.Allowed)
	assert.NotEmpty(t, a.Reason)
}

func TestFlapping_WindowSlides(t *testing.T) {
	clock := newFakeClock()
	f := NewFlappingController(FlappingConfig{CooldownWindow: time.Minute, MaxIncidents: 2})
	f.now = clock.Now

	for i := 0; i < 2; i++ {
		require.True(t, f.CanCreateIncident("site-1").Allowed)
		f.RecordIncident("site-1", fmt.Sprintf("inc-%d", i))
	}
	assert.False(t, f.CanCreateIncident("site-1").Allowed)

	// After the window passes, admission resumes.
	clock.Advance(61 * time.Second)
	assert.False(t, f.IsFlapping("site-1"))
	assert.True(t, f.CanCreateIncident("site-1").Allowed)
}

func TestFlapping_EscalationThreshold(t *testing.T) {
	clock := newFakeClock()
	f := NewFlappingController(FlappingConfig{CooldownWindow: time.Minute, MaxIncidents: 2, EscalationThreshold: 4})
	f.now = clock.Now

	for i := 0; i < 4; i++ {
		a := f.CanCreateIncident("site-1")
		if a.Allowed {
			f.RecordIncident("site-1", fmt.Sprintf("inc-%d", i))
		}
		clock.Advance(time.Second)
	}
	assert.True(t, f.IsEscalated("site-1"))
	assert.False(t, f.IsEscalated("site-2"))
}

func TestFlapping_ResetSite(t *testing.T) {
	f := NewFlappingController(FlappingConfig{MaxIncidents: 1})
	require.True(t, f.CanCreateIncident("site-1").Allowed)
	f.RecordIncident("site-1", "inc-1")
	require.False(t, f.CanCreateIncident("site-1").Allowed)

	f.ResetSite("site-1")
	assert.True(t, f.CanCreateIncident("site-1").Allowed)
}

func TestLoopGuard_IterationBound(t *testing.T) {
	g := NewLoopGuard(LoopConfig{MaxIterations: 3})
	g.StartLoop("fix-loop", "fix_attempt")

	steps := 0
	for g.CanContinue("fix-loop").CanContinue {
		g.RecordIteration("fix-loop")
		steps++
		if steps > 100 {
			t.Fatal("loop guard did not bound the loop")
		}
	}
	assert.Equal(t, 3, steps)
	assert.Equal(t, BoundIterations, g.CanContinue("fix-loop").Bound)
	g.CompleteLoop("fix-loop", false)
}

func TestLoopGuard_RetryBound(t *testing.T) {
	g := NewLoopGuard(LoopConfig{MaxRetries: 2})
	g.StartLoop("retry-loop", "command_retry")

	g.RecordRetry("retry-loop")
	assert.True(t, g.CanContinue("retry-loop").CanContinue)
	g.RecordRetry("retry-loop")

	c := g.CanContinue("retry-loop")
	assert.False(t, c.CanContinue)
	assert.Equal(t, BoundRetries, c.Bound)
}

func TestLoopGuard_DurationBound(t *testing.T) {
	clock := newFakeClock()
	g := NewLoopGuard(LoopConfig{MaxDuration: time.Minute})
	g.now = clock.Now
	g.StartLoop("slow-loop", "verify")

	assert.True(t, g.CanContinue("slow-loop").CanContinue)
	clock.Advance(time.Minute)

	c := g.CanContinue("slow-loop")
	assert.False(t, c.CanContinue)
	assert.Equal(t, BoundDuration, c.Bound)
}

func TestLoopGuard_CompleteTearsDown(t *testing.T) {
	g := NewLoopGuard(LoopConfig{MaxIterations: 1})
	g.StartLoop("l", "t")
	g.RecordIteration("l")
	require.False(t, g.CanContinue("l").CanContinue)

	g.CompleteLoop("l", true)
	g.StartLoop("l", "t")
	assert.True(t, g.CanContinue("l").CanContinue, "completed loop restarts fresh")
}
