// Package connwatch tracks whether the services the runtime depends on
// are reachable. A down service is re-probed with exponential backoff so
// a restarting Ollama or Qdrant is noticed within seconds; a healthy one
// is checked at a steady interval.
//
// This complements httpkit's transport retry, which only covers
// sub-second dial failures inside a single request.
package connwatch

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"
)

// Probe returns nil when the service is healthy.
type Probe func(ctx context.Context) error

// Schedule controls probe timing.
type Schedule struct {
	// Backoff is the first retry delay after a failed probe.
	Backoff time.Duration
	// MaxBackoff caps the retry delay.
	MaxBackoff time.Duration
	// Factor grows the retry delay after each consecutive failure.
	Factor float64
	// Interval separates probes while the service is healthy.
	Interval time.Duration
	// Timeout bounds a single probe.
	Timeout time.Duration
}

// DefaultSchedule retries after 2s, 4s, 8s ... up to a minute and checks
// a healthy service once a minute.
func DefaultSchedule() Schedule {
	return Schedule{
		Backoff:    2 * time.Second,
		MaxBackoff: time.Minute,
		Factor:     2,
		Interval:   time.Minute,
		Timeout:    10 * time.Second,
	}
}

func (s Schedule) withDefaults() Schedule {
	d := DefaultSchedule()
	if s.Backoff <= 0 {
		s.Backoff = d.Backoff
	}
	if s.MaxBackoff < s.Backoff {
		s.MaxBackoff = max(d.MaxBackoff, s.Backoff)
	}
	if s.Factor < 1 {
		s.Factor = d.Factor
	}
	if s.Interval <= 0 {
		s.Interval = d.Interval
	}
	if s.Timeout <= 0 {
		s.Timeout = d.Timeout
	}
	return s
}

// Observer is told about every probe result. *metrics.Metrics
// implements it.
type Observer interface {
	SetServiceUp(service string, up bool)
}

// Status is the last known state of one service.
type Status struct {
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
	Failures  int       `json:"consecutive_failures,omitempty"`
}

// Set watches a group of services. The zero value is not usable; call
// NewSet.
type Set struct {
	logger   *slog.Logger
	observer Observer

	mu     sync.RWMutex
	status map[string]Status
	wg     sync.WaitGroup
}

// NewSet creates an empty Set. observer may be nil.
func NewSet(logger *slog.Logger, observer Observer) *Set {
	if logger == nil {
		logger = slog.Default()
	}
	return &Set{logger: logger, observer: observer, status: make(map[string]Status)}
}

// Watch probes name in the background until ctx is cancelled. The first
// probe runs immediately; until it completes the service reports not
// ready. Watching a name twice panics.
func (s *Set) Watch(ctx context.Context, name string, probe Probe, sched Schedule) {
	s.mu.Lock()
	if _, dup := s.status[name]; dup {
		s.mu.Unlock()
		panic("connwatch: service " + name + " watched twice")
	}
	s.status[name] = Status{}
	s.mu.Unlock()

	sched = sched.withDefaults()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx, name, probe, sched)
	}()
}

// Wait blocks until every watcher has exited.
func (s *Set) Wait() { s.wg.Wait() }

// Status returns a snapshot of every watched service.
func (s *Set) Status() map[string]Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.status)
}

// Ready reports whether name answered its last probe. Unknown names are
// not ready.
func (s *Set) Ready(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status[name].Ready
}

func (s *Set) run(ctx context.Context, name string, probe Probe, sched Schedule) {
	log := s.logger.With("service", name)
	delay := sched.Backoff
	for {
		pctx, cancel := context.WithTimeout(ctx, sched.Timeout)
		err := probe(pctx)
		cancel()
		if ctx.Err() != nil {
			return
		}

		prev, cur := s.record(name, err)
		if s.observer != nil {
			s.observer.SetServiceUp(name, cur.Ready)
		}

		var wait time.Duration
		switch {
		case cur.Ready:
			if !prev.Ready && !prev.LastCheck.IsZero() {
				log.Info("service recovered", "after_failures", prev.Failures)
			} else if prev.LastCheck.IsZero() {
				log.Info("service connected")
			}
			delay = sched.Backoff
			wait = sched.Interval
		default:
			if prev.Ready {
				log.Warn("service became unreachable", "error", err)
			} else {
				log.Debug("service unreachable", "failures", cur.Failures, "retry_in", delay, "error", err)
			}
			wait = delay
			delay = min(time.Duration(float64(delay)*sched.Factor), sched.MaxBackoff)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *Set) record(name string, err error) (prev, cur Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev = s.status[name]
	cur = Status{Ready: err == nil, LastCheck: time.Now()}
	if err != nil {
		cur.LastError = err.Error()
		cur.Failures = prev.Failures + 1
	}
	s.status[name] = cur
	return prev, cur
}
