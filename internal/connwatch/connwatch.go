// Package connwatch tracks whether language model backends are
// reachable.
//
// Each watched backend is probed in two phases:
//  1. Startup: exponential backoff (2s, 4s, 8s, ... capped at 60s)
//  2. Background: periodic polling (every 60s)
//
// Transitions between reachable and unreachable are logged and
// published on the event bus; the latest status of every backend is
// available from [Monitor.Status] for the health endpoint.
package connwatch

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/nugget/chatrelay/internal/events"
)

// Prober is a backend that can be checked for reachability.
type Prober interface {
	Name() string
	Ping(ctx context.Context) error
}

// Schedule controls probe timing.
type Schedule struct {
	// InitialDelay is the delay before the first startup retry.
	InitialDelay time.Duration
	// MaxDelay caps startup backoff growth.
	MaxDelay time.Duration
	// Multiplier scales the delay after each failed startup probe.
	Multiplier float64
	// StartupAttempts is how many backoff probes run before falling
	// back to polling.
	StartupAttempts int
	// PollInterval is the background check interval.
	PollInterval time.Duration
	// ProbeTimeout limits each individual Ping.
	ProbeTimeout time.Duration
}

// DefaultSchedule returns 2s initial backoff doubling to 60s, ten
// startup attempts, and 60-second polling.
func DefaultSchedule() Schedule {
	return Schedule{
		InitialDelay:    2 * time.Second,
		MaxDelay:        60 * time.Second,
		Multiplier:      2.0,
		StartupAttempts: 10,
		PollInterval:    60 * time.Second,
		ProbeTimeout:    10 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultSchedule.
func (s Schedule) withDefaults() Schedule {
	d := DefaultSchedule()
	if s.InitialDelay <= 0 {
		s.InitialDelay = d.InitialDelay
	}
	if s.MaxDelay <= 0 {
		s.MaxDelay = d.MaxDelay
	}
	if s.Multiplier <= 0 {
		s.Multiplier = d.Multiplier
	}
	if s.StartupAttempts <= 0 {
		s.StartupAttempts = d.StartupAttempts
	}
	if s.PollInterval <= 0 {
		s.PollInterval = d.PollInterval
	}
	if s.ProbeTimeout <= 0 {
		s.ProbeTimeout = d.ProbeTimeout
	}
	return s
}

func (s Schedule) next(delay time.Duration) time.Duration {
	delay = time.Duration(float64(delay) * s.Multiplier)
	return min(delay, s.MaxDelay)
}

// Status is the health of one backend as served on /health.
type Status struct {
	Backend   string    `json:"backend"`
	Ready     bool      `json:"ready"`
	Failures  int       `json:"failures"` // consecutive
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

type watch struct {
	prober Prober
	cancel context.CancelFunc

	mu     sync.Mutex
	status Status
}

// Monitor probes a set of backends in the background.
type Monitor struct {
	sched  Schedule
	bus    *events.Bus
	logger *slog.Logger

	mu      sync.RWMutex
	watches map[string]*watch
	wg      sync.WaitGroup
}

// New creates a monitor. Zero Schedule fields take their defaults; a
// nil bus disables transition events.
func New(sched Schedule, bus *events.Bus, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		sched:   sched.withDefaults(),
		bus:     bus,
		logger:  logger.With("component", "connwatch"),
		watches: make(map[string]*watch),
	}
}

// Watch starts probing p until ctx is cancelled or Stop is called. A
// backend already being watched is left alone.
func (m *Monitor) Watch(ctx context.Context, p Prober) {
	name := p.Name()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.watches[name]; ok {
		return
	}
	watchCtx, cancel := context.WithCancel(ctx)
	w := &watch{prober: p, cancel: cancel, status: Status{Backend: name}}
	m.watches[name] = w

	m.wg.Add(1)
	go m.run(watchCtx, w)
}

// Status returns the current status of every watched backend.
func (m *Monitor) Status() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Status, len(m.watches))
	for name, w := range m.watches {
		w.mu.Lock()
		out[name] = w.status
		w.mu.Unlock()
	}
	return out
}

// Ready reports whether the named backend answered its latest probe.
func (m *Monitor) Ready(name string) bool {
	m.mu.RLock()
	w, ok := m.watches[name]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status.Ready
}

// Stop cancels every watch and waits for the probe goroutines to exit.
func (m *Monitor) Stop() {
	m.mu.RLock()
	watches := slices.Collect(maps.Values(m.watches))
	m.mu.RUnlock()

	for _, w := range watches {
		w.cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) run(ctx context.Context, w *watch) {
	defer m.wg.Done()
	name := w.prober.Name()

	delay := m.sched.InitialDelay
	for attempt := 1; ; attempt++ {
		ok, done := m.check(ctx, w)
		if done {
			return
		}
		if ok {
			break
		}
		if attempt >= m.sched.StartupAttempts {
			m.logger.Info("backend not reachable at startup, polling",
				"backend", name,
				"attempts", attempt,
			)
			break
		}
		if !sleepCtx(ctx, delay) {
			return
		}
		delay = m.sched.next(delay)
	}

	ticker := time.NewTicker(m.sched.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, done := m.check(ctx, w); done {
				return
			}
		}
	}
}

// check probes once and records the outcome. done reports that ctx
// ended, in which case nothing is recorded.
func (m *Monitor) check(ctx context.Context, w *watch) (ok, done bool) {
	probeCtx, cancel := context.WithTimeout(ctx, m.sched.ProbeTimeout)
	err := w.prober.Ping(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return false, true
	}

	w.mu.Lock()
	wasReady := w.status.Ready
	failures := w.status.Failures
	w.status.LastCheck = time.Now()
	w.status.Ready = err == nil
	if err != nil {
		w.status.Failures++
		w.status.LastError = err.Error()
	} else {
		w.status.Failures = 0
		w.status.LastError = ""
	}
	w.mu.Unlock()

	name := w.prober.Name()
	switch {
	case err == nil && !wasReady:
		m.logger.Info("backend reachable", "backend", name, "after_failures", failures)
		m.bus.Emit(events.SourceBackends, events.KindBackendReady, map[string]any{
			"backend":  name,
			"failures": failures,
		})
	case err != nil && wasReady:
		m.logger.Warn("backend unreachable", "backend", name, "error", err)
		m.bus.Emit(events.SourceBackends, events.KindBackendDown, map[string]any{
			"backend": name,
			"error":   err.Error(),
		})
	case err != nil:
		m.logger.Debug("backend still unreachable", "backend", name, "failures", failures+1, "error", err)
	}
	return err == nil, false
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
