package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type probeBody struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func probe(t *testing.T, endpoint http.HandlerFunc) (int, probeBody) {
	t.Helper()
	w := httptest.NewRecorder()
	endpoint(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body probeBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Code, body
}

func passing() CheckFunc { return func(context.Context) error { return nil } }

func failing(msg string) CheckFunc {
	return func(context.Context) error { return errors.New(msg) }
}

func runN(c *check, n int) {
	for range n {
		c.run(context.Background())
	}
}

func TestLiveEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		runs       int
		wantStatus int
		wantChecks map[string]string
	}{
		{"healthy before first run", 0, http.StatusOK, nil},
		{"below failure threshold", 2, http.StatusOK, nil},
		{"at failure threshold", 3, http.StatusServiceUnavailable, map[string]string{"postgres": "connection refused"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New()
			h.AddLivenessCheck("goroutines", time.Second, passing())
			h.AddLivenessCheck("postgres", time.Second, failing("connection refused"))
			runN(h.liveness[1], tt.runs)

			code, body := probe(t, h.LiveEndpoint)
			assert.Equal(t, tt.wantStatus, code)
			assert.Equal(t, tt.wantChecks, body.Checks)
		})
	}
}

func TestReadyEndpoint(t *testing.T) {
	h := New()
	h.AddReadinessCheck("postgres", time.Second, passing())
	h.AddReadinessCheck("redis", time.Second, failing("i/o timeout"))

	code, body := probe(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, map[string]string{"_readiness": "service is not ready"}, body.Checks)
	assert.False(t, h.IsReady())

	h.SetReady(true)
	code, body = probe(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body.Status)
	assert.True(t, h.IsReady())

	runN(h.readiness[1], 3)
	code, body = probe(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", body.Status)
	assert.Equal(t, map[string]string{"redis": "i/o timeout"}, body.Checks)
	assert.False(t, h.IsReady())

	h.SetReady(false)
	_, body = probe(t, h.ReadyEndpoint)
	assert.Len(t, body.Checks, 2)
}

func TestCheck_Recovers(t *testing.T) {
	down := true
	c := newCheck("flaky", time.Second, func(context.Context) error {
		if down {
			return errors.New("down")
		}
		return nil
	}, Thresholds{Failure: 2, Success: 2})

	runN(c, 2)
	msg, failed := c.failure()
	require.True(t, failed)
	assert.Equal(t, "down", msg)

	down = false
	runN(c, 1)
	_, failed = c.failure()
	assert.True(t, failed, "one success is below the success threshold")

	runN(c, 1)
	_, failed = c.failure()
	assert.False(t, failed)
	assert.Nil(t, c.lastErr.Load())
}

func TestCheck_DefaultThresholds(t *testing.T) {
	c := newCheck("x", time.Second, passing(), Thresholds{})
	assert.Equal(t, DefaultThresholds, c.thresholds)
}

func TestCheck_Timeout(t *testing.T) {
	c := newCheck("slow", 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, Thresholds{Failure: 1})

	runN(c, 1)
	msg, failed := c.failure()
	require.True(t, failed)
	assert.Contains(t, msg, "deadline exceeded")
}

func TestStartAndStop(t *testing.T) {
	h := New()
	h.AddReadinessCheckWithThresholds("postgres", time.Second, failing("down"), Thresholds{Failure: 1})
	h.SetReady(true)

	h.Start(context.Background(), 10*time.Millisecond)
	require.Eventually(t, func() bool { return !h.IsReady() }, time.Second, 5*time.Millisecond)
	h.Stop()
	h.Stop()
}

func TestConcurrentAccess(t *testing.T) {
	h := New()
	h.AddLivenessCheck("goroutines", time.Second, failing("err"))
	h.AddReadinessCheck("postgres", time.Second, passing())
	h.SetReady(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.Start(ctx, time.Millisecond)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				h.IsReady()
				h.LiveEndpoint(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/livez", nil))
				h.ReadyEndpoint(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/readyz", nil))
			}
		}()
	}
	wg.Wait()
	h.Stop()
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func TestPingCheck(t *testing.T) {
	assert.NoError(t, PingCheck("postgres", fakePinger{})(context.Background()))

	err := PingCheck("postgres", fakePinger{err: errors.New("refused")})(context.Background())
	require.Error(t, err)
	assert.Equal(t, "ping postgres: refused", err.Error())
}

func TestGoroutineCountCheck(t *testing.T) {
	assert.NoError(t, GoroutineCountCheck(100000)(context.Background()))
	assert.ErrorContains(t, GoroutineCountCheck(0)(context.Background()), "exceeds threshold")
}

func TestGCMaxPauseCheck(t *testing.T) {
	assert.NoError(t, GCMaxPauseCheck(time.Hour)(context.Background()))
}
