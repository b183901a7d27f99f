package ops

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/xscopehub/toolhost/internal/metrics"
)

func TestHealthz(t *testing.T) {
	s := New(":0", "http-host", nil, func() map[string]any {
		return map[string]any{"tools": 3}
	}, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["service"] != "http-host" || body["tools"] != float64(3) {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New("sql-host")
	m.CallStarted()
	m.CallFinished("query", "ok", time.Millisecond)
	s := New(":0", "sql-host", m, nil, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "toolhost_tool_calls_total") {
		t.Fatalf("metrics missing from exposition")
	}
}
