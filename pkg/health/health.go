// Package health serves the /livez and /readyz probes of the API server.
//
// Every check runs on its own ticker. A check turns unhealthy after
// FailureThreshold consecutive failures and healthy again after
// SuccessThreshold consecutive successes, so one slow ping does not flap the
// probe.
package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/jx"
)

// CheckFunc reports the health of one dependency. A nil error is healthy.
type CheckFunc func(ctx context.Context) error

// Thresholds control how many consecutive results flip a check.
type Thresholds struct {
	Failure int
	Success int
}

// DefaultThresholds are applied to checks registered without explicit ones.
var DefaultThresholds = Thresholds{Failure: 3, Success: 1}

type check struct {
	name       string
	timeout    time.Duration
	fn         CheckFunc
	thresholds Thresholds

	healthy atomic.Bool
	lastErr atomic.Pointer[string]

	// Touched only by the check's own goroutine.
	fails int
	oks   int
}

func newCheck(name string, timeout time.Duration, fn CheckFunc, t Thresholds) *check {
	if t.Failure < 1 {
		t.Failure = DefaultThresholds.Failure
	}
	if t.Success < 1 {
		t.Success = DefaultThresholds.Success
	}
	c := &check{name: name, timeout: timeout, fn: fn, thresholds: t}
	c.healthy.Store(true)
	return c
}

func (c *check) run(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.fn(ctx); err != nil {
		msg := err.Error()
		c.lastErr.Store(&msg)
		c.oks = 0
		c.fails++
		if c.fails >= c.thresholds.Failure {
			c.healthy.Store(false)
		}
		return
	}
	c.lastErr.Store(nil)
	c.fails = 0
	c.oks++
	if c.oks >= c.thresholds.Success {
		c.healthy.Store(true)
	}
}

func (c *check) failure() (string, bool) {
	if c.healthy.Load() {
		return "", false
	}
	if msg := c.lastErr.Load(); msg != nil {
		return *msg, true
	}
	return "check is unhealthy", true
}

// Health holds the liveness and readiness checks of a process. A new Health
// is not ready until SetReady(true).
type Health struct {
	ready atomic.Bool

	mu        sync.RWMutex
	liveness  []*check
	readiness []*check
	cancel    context.CancelFunc
}

// New creates a Health with no checks.
func New() *Health {
	return &Health{}
}

// AddLivenessCheck registers a check that decides whether the process should
// be restarted.
func (h *Health) AddLivenessCheck(name string, timeout time.Duration, fn CheckFunc) {
	h.AddLivenessCheckWithThresholds(name, timeout, fn, DefaultThresholds)
}

// AddLivenessCheckWithThresholds is AddLivenessCheck with custom thresholds.
func (h *Health) AddLivenessCheckWithThresholds(name string, timeout time.Duration, fn CheckFunc, t Thresholds) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.liveness = append(h.liveness, newCheck(name, timeout, fn, t))
}

// AddReadinessCheck registers a check that decides whether the process
// should receive traffic.
func (h *Health) AddReadinessCheck(name string, timeout time.Duration, fn CheckFunc) {
	h.AddReadinessCheckWithThresholds(name, timeout, fn, DefaultThresholds)
}

// AddReadinessCheckWithThresholds is AddReadinessCheck with custom thresholds.
func (h *Health) AddReadinessCheckWithThresholds(name string, timeout time.Duration, fn CheckFunc, t Thresholds) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readiness = append(h.readiness, newCheck(name, timeout, fn, t))
}

// Start runs every registered check now and then every interval until ctx is
// done or Stop is called. Register all checks before calling Start.
func (h *Health) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)

	h.mu.Lock()
	h.cancel = cancel
	checks := append(append([]*check(nil), h.liveness...), h.readiness...)
	h.mu.Unlock()

	for _, c := range checks {
		go func(c *check) {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				c.run(ctx)
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			}
		}(c)
	}
}

// Stop halts the check goroutines. It is safe to call more than once.
func (h *Health) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
}

// SetReady marks the process ready or draining.
func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady reports whether the process is marked ready and every readiness
// check passes.
func (h *Health) IsReady() bool {
	return h.ready.Load() && len(failures(h.snapshot(&h.readiness))) == 0
}

// LiveEndpoint serves /livez: 200 when every liveness check passes, 503 with
// the failing checks otherwise.
func (h *Health) LiveEndpoint(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, failures(h.snapshot(&h.liveness)))
}

// ReadyEndpoint serves /readyz. Besides failing checks, a process not marked
// ready reports a "_readiness" failure.
func (h *Health) ReadyEndpoint(w http.ResponseWriter, _ *http.Request) {
	failed := failures(h.snapshot(&h.readiness))
	if !h.ready.Load() {
		failed["_readiness"] = "service is not ready"
	}
	writeStatus(w, failed)
}

func (h *Health) snapshot(list *[]*check) []*check {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]*check(nil), *list...)
}

func failures(checks []*check) map[string]string {
	out := make(map[string]string)
	for _, c := range checks {
		if msg, failed := c.failure(); failed {
			out[c.name] = msg
		}
	}
	return out
}

func writeStatus(w http.ResponseWriter, failed map[string]string) {
	status, label := http.StatusOK, "ok"
	if len(failed) > 0 {
		status, label = http.StatusServiceUnavailable, "unhealthy"
	}

	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("status")
	e.Str(label)
	if len(failed) > 0 {
		names := make([]string, 0, len(failed))
		for name := range failed {
			names = append(names, name)
		}
		sort.Strings(names)
		e.FieldStart("checks")
		e.ObjStart()
		for _, name := range names {
			e.FieldStart(name)
			e.Str(failed[name])
		}
		e.ObjEnd()
	}
	e.ObjEnd()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}
