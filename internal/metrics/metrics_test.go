package metrics

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMetricsHandler(t *testing.T) {
	m := New()
	m.MessagesSentTotal.WithLabelValues("camp-1").Inc()
	m.MessagesFailedTotal.WithLabelValues("camp-1", "send_failed").Inc()
	m.ActiveRunners.Set(2)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`blast_messages_sent_total{campaign="camp-1"} 1`,
		`blast_messages_failed_total{campaign="camp-1",error_code="send_failed"} 1`,
		`blast_active_runners 2`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("Metrics output missing %q", want)
		}
	}
}

func TestGlobalRegistration(t *testing.T) {
	SetGlobal(nil)
	if Global() != nil {
		t.Fatal("Expected nil global before registration")
	}

	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	if Global() != m {
		t.Error("Expected registered instance returned")
	}
}

func TestHTTPMiddleware(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	handler := HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/campaigns", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	out := httptest.NewRecorder()
	m.Handler().ServeHTTP(out, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(out.Body)
	if !strings.Contains(string(body), `blast_api_requests_total{method="POST",path="/api/v1/campaigns",status="201"} 1`) {
		t.Error("Expected request counter recorded by middleware")
	}
}

type staticHealth struct{ score int }

func (s staticHealth) HealthScore() (int, error) { return s.score, nil }

type staticRunners struct{ n int }

func (s staticRunners) ActiveCount() int { return s.n }

func TestCollectorUpdatesGauges(t *testing.T) {
	m := New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	c := NewCollector(m, staticHealth{score: 87}, staticRunners{n: 3}, time.Hour, logger)
	c.update()

	out := httptest.NewRecorder()
	m.Handler().ServeHTTP(out, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(out.Body)

	if !strings.Contains(string(body), "blast_account_health_score 87") {
		t.Error("Expected health score gauge set")
	}
	if !strings.Contains(string(body), "blast_active_runners 3") {
		t.Error("Expected active runners gauge set")
	}
}
