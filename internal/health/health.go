// Package health watches the reachability of the model providers the
// agent depends on. Each provider gets its own Watcher that probes on a
// schedule: exponential backoff while the provider is down, a fixed poll
// interval while it is up. Transitions are logged and published on the
// event bus.
package health

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nugget/react-agent/internal/events"
)

// ProbeFunc checks whether a provider is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Schedule controls probe timing.
type Schedule struct {
	// InitialDelay is the first retry delay after a failed probe (default: 2s).
	InitialDelay time.Duration

	// MaxDelay caps backoff growth (default: 60s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each consecutive failure (default: 2.0).
	Multiplier float64

	// PollInterval is the delay between probes while healthy (default: 60s).
	PollInterval time.Duration

	// ProbeTimeout bounds a single probe (default: 10s).
	ProbeTimeout time.Duration
}

// DefaultSchedule returns 2s, 4s, 8s ... 60s backoff with 60-second
// polling and a 10-second probe timeout.
func DefaultSchedule() Schedule {
	return Schedule{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
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
	if s.Multiplier < 1 {
		s.Multiplier = d.Multiplier
	}
	if s.PollInterval <= 0 {
		s.PollInterval = d.PollInterval
	}
	if s.ProbeTimeout <= 0 {
		s.ProbeTimeout = d.ProbeTimeout
	}
	return s
}

// backoff returns the delay after the given number of consecutive
// failures (at least 1).
func (s Schedule) backoff(failures int) time.Duration {
	d := float64(s.InitialDelay)
	for i := 1; i < failures; i++ {
		d *= s.Multiplier
		if d >= float64(s.MaxDelay) {
			return s.MaxDelay
		}
	}
	return time.Duration(d)
}

// Status is the health of one provider, as served by /health.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Failures  int       `json:"consecutive_failures,omitempty"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher probes a single provider until its context ends.
type Watcher struct {
	name     string
	probe    ProbeFunc
	schedule Schedule
	bus      *events.Bus
	logger   *slog.Logger
	done     chan struct{}

	mu        sync.Mutex
	checked   bool
	ready     bool
	failures  int
	lastErr   error
	lastCheck time.Time
}

// Status returns the provider's current health.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Status{
		Name:      w.name,
		Ready:     w.ready,
		Failures:  w.failures,
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Ready reports whether the last probe succeeded.
func (w *Watcher) Ready() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ready
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	for {
		delay := w.check(ctx)
		if ctx.Err() != nil {
			return
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// check runs one probe, records the outcome and returns the delay
// before the next probe.
func (w *Watcher) check(ctx context.Context) time.Duration {
	probeCtx, cancel := context.WithTimeout(ctx, w.schedule.ProbeTimeout)
	err := w.probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return 0
	}

	w.mu.Lock()
	first := !w.checked
	wasReady := w.ready
	w.checked = true
	w.lastCheck = time.Now()
	w.lastErr = err
	if err == nil {
		w.ready = true
		w.failures = 0
	} else {
		w.ready = false
		w.failures++
	}
	failures := w.failures
	w.mu.Unlock()

	switch {
	case err == nil && (first || !wasReady):
		w.logger.Info("provider reachable", "provider", w.name)
		w.bus.Emit(events.SourceHealth, events.KindProviderReady, map[string]any{
			"provider": w.name,
		})
	case err != nil && (first || wasReady):
		w.logger.Warn("provider unreachable", "provider", w.name, "error", err)
		w.bus.Emit(events.SourceHealth, events.KindProviderDown, map[string]any{
			"provider": w.name,
			"error":    err.Error(),
		})
	case err != nil:
		w.logger.Debug("provider still unreachable",
			"provider", w.name,
			"failures", failures,
			"error", err,
		)
	}

	if err != nil {
		return w.schedule.backoff(failures)
	}
	return w.schedule.PollInterval
}

// Monitor owns the watchers for every configured provider.
type Monitor struct {
	bus    *events.Bus
	logger *slog.Logger

	mu       sync.RWMutex
	watchers map[string]*Watcher
	cancels  []context.CancelFunc
}

// NewMonitor creates a monitor. bus may be nil.
func NewMonitor(bus *events.Bus, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		bus:      bus,
		logger:   logger.With("component", "health"),
		watchers: make(map[string]*Watcher),
	}
}

// Watch starts probing the named provider in a background goroutine
// until ctx is cancelled or Stop is called. Watching a name twice
// returns the existing watcher.
func (m *Monitor) Watch(ctx context.Context, name string, probe ProbeFunc, schedule Schedule) *Watcher {
	if name == "" || probe == nil {
		panic("health: Watch requires a name and a probe")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.watchers[name]; ok {
		return w
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		name:     name,
		probe:    probe,
		schedule: schedule.withDefaults(),
		bus:      m.bus,
		logger:   m.logger,
		done:     make(chan struct{}),
	}
	m.watchers[name] = w
	m.cancels = append(m.cancels, cancel)

	go w.run(watchCtx)
	return w
}

// Status returns every watched provider's health, sorted by name.
func (m *Monitor) Status() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Status, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Ready reports whether every watched provider is reachable.
func (m *Monitor) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, w := range m.watchers {
		if !w.Ready() {
			return false
		}
	}
	return true
}

// Stop cancels every watcher and waits for them to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancels := m.cancels
	m.cancels = nil
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	for _, w := range watchers {
		<-w.done
	}
}
