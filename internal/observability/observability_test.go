package observability

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestNewMetrics_OwnRegistry(t *testing.T) {
	a := NewMetrics()
	b := NewMetrics()

	a.SetChannelMetrics("persist", 3, 10)
	if got := testutil.ToFloat64(a.ChannelSize.WithLabelValues("persist")); got != 3 {
		t.Errorf("size = %v", got)
	}
	if got := testutil.ToFloat64(b.ChannelSize.WithLabelValues("persist")); got != 0 {
		t.Errorf("second registry saw %v", got)
	}
	if n := testutil.CollectAndCount(a.ChannelCapacity); n != 1 {
		t.Errorf("capacity series = %d", n)
	}
	if _, err := a.Registry.Gather(); err != nil {
		t.Fatalf("gather: %v", err)
	}
}

func TestHealthHandlers(t *testing.T) {
	h := NewHealthChecker()

	rec := httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("liveness = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readiness before ready = %d", rec.Code)
	}

	h.SetReady(true)
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK || !h.IsReady() {
		t.Errorf("readiness after ready = %d", rec.Code)
	}
}

func TestReadinessReportsFailedChecks(t *testing.T) {
	h := NewHealthChecker()
	h.SetReady(true)
	h.AddCheck("postgres", func(context.Context) error { return nil })
	h.AddCheck("nats", func(context.Context) error { return errors.New("nats RECONNECTING") })

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readiness = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "nats RECONNECTING") {
		t.Errorf("body = %s", rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "postgres") {
		t.Errorf("passing check listed: %s", rec.Body.String())
	}

	h.AddCheck("nats", func(context.Context) error { return nil })
	if failed := h.Check(context.Background()); len(failed) != 0 {
		t.Errorf("failed = %v", failed)
	}
}

func TestConsoleLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewConsoleLogger(&buf, "streampayctl", zerolog.WarnLevel)
	l.Info().Msg("hidden")
	l.Warn().Msg("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"":         zerolog.InfoLevel,
		"debug":    zerolog.DebugLevel,
		"warn":     zerolog.WarnLevel,
		"WARNING":  zerolog.WarnLevel,
		"off":      zerolog.Disabled,
		"disabled": zerolog.Disabled,
		"loud":     zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLogLevel(in); got != want {
			t.Errorf("parseLogLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
