package connwatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func fast() Schedule {
	return Schedule{
		Backoff:    time.Millisecond,
		MaxBackoff: 4 * time.Millisecond,
		Factor:     2,
		Interval:   2 * time.Millisecond,
		Timeout:    time.Second,
	}
}

type recorder struct {
	mu   sync.Mutex
	seen []bool
}

func (r *recorder) SetServiceUp(_ string, up bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, up)
}

func (r *recorder) values() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.seen...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSchedule_Defaults(t *testing.T) {
	got := Schedule{}.withDefaults()
	if got != DefaultSchedule() {
		t.Errorf("withDefaults() = %+v, want %+v", got, DefaultSchedule())
	}

	s := Schedule{Backoff: 2 * time.Minute}.withDefaults()
	if s.MaxBackoff != 2*time.Minute {
		t.Errorf("MaxBackoff = %v, want it raised to Backoff", s.MaxBackoff)
	}
}

func TestSet_ReadyAfterProbe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	obs := &recorder{}
	s := NewSet(nil, obs)

	s.Watch(ctx, "ollama", func(context.Context) error { return nil }, fast())
	waitFor(t, "ready", func() bool { return s.Ready("ollama") })

	st := s.Status()["ollama"]
	if st.LastCheck.IsZero() || st.LastError != "" || st.Failures != 0 {
		t.Errorf("status = %+v", st)
	}
	if s.Ready("qdrant") {
		t.Error("unwatched service reported ready")
	}

	cancel()
	s.Wait()
	if v := obs.values(); len(v) == 0 || !v[0] {
		t.Errorf("observer saw %v, want first value true", v)
	}
}

func TestSet_RecoversAfterFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	probe := func(context.Context) error {
		if calls.Add(1) <= 3 {
			return errors.New("connection refused")
		}
		return nil
	}
	obs := &recorder{}
	s := NewSet(nil, obs)
	s.Watch(ctx, "qdrant", probe, fast())

	waitFor(t, "failure recorded", func() bool { return s.Status()["qdrant"].Failures > 0 })
	if st := s.Status()["qdrant"]; st.Ready || st.LastError != "connection refused" {
		t.Errorf("status while down = %+v", st)
	}

	waitFor(t, "recovery", func() bool { return s.Ready("qdrant") })
	if st := s.Status()["qdrant"]; st.Failures != 0 || st.LastError != "" {
		t.Errorf("status after recovery = %+v", st)
	}

	v := obs.values()
	if len(v) < 4 || v[0] || v[1] || v[2] || !v[3] {
		t.Errorf("observer saw %v, want false x3 then true", v)
	}

	cancel()
	s.Wait()
}

func TestSet_DetectsOutage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var down atomic.Bool
	probe := func(context.Context) error {
		if down.Load() {
			return errors.New("gone")
		}
		return nil
	}
	s := NewSet(nil, nil)
	s.Watch(ctx, "ollama", probe, fast())

	waitFor(t, "ready", func() bool { return s.Ready("ollama") })
	down.Store(true)
	waitFor(t, "outage", func() bool { return !s.Ready("ollama") })

	cancel()
	s.Wait()
}

func TestSet_ProbeTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := fast()
	sched.Timeout = 5 * time.Millisecond
	probe := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	s := NewSet(nil, nil)
	s.Watch(ctx, "slow", probe, sched)

	waitFor(t, "timeout recorded", func() bool { return s.Status()["slow"].Failures > 0 })
	if got := s.Status()["slow"].LastError; got != context.DeadlineExceeded.Error() {
		t.Errorf("LastError = %q", got)
	}

	cancel()
	s.Wait()
}

func TestSet_WatchTwicePanics(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewSet(nil, nil)
	s.Watch(ctx, "a", func(context.Context) error { return nil }, fast())
	defer func() {
		cancel()
		s.Wait()
		if recover() == nil {
			t.Error("second Watch did not panic")
		}
	}()
	s.Watch(ctx, "a", func(context.Context) error { return nil }, fast())
}

func TestSet_StatusIsSnapshot(t *testing.T) {
	s := NewSet(nil, nil)
	s.status["x"] = Status{Ready: true}
	snap := s.Status()
	snap["x"] = Status{}
	if !s.Ready("x") {
		t.Error("mutating snapshot changed the set")
	}
}
