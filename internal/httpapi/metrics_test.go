package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsLabelRoutePattern(t *testing.T) {
	h := NewMux(&mockService{}, &mockChat{})
	c := httpRequestsTotal.WithLabelValues("/api/v1/chat/history/{conv_uid}", http.MethodDelete, "204")
	before := testutil.ToFloat64(c)

	for _, id := range []string{"a", "b"} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/v1/chat/history/"+id, nil))
		if w.Code != http.StatusNoContent {
			t.Fatalf("delete %s: %d", id, w.Code)
		}
	}
	if got := testutil.ToFloat64(c) - before; got != 2 {
		t.Fatalf("want 2 requests under the route pattern, got %v", got)
	}
}

func TestBackpressureAndChatCounters(t *testing.T) {
	bp := backpressureTotal.WithLabelValues("unspecified")
	before := testutil.ToFloat64(bp)
	IncrementBackpressure("")
	if got := testutil.ToFloat64(bp) - before; got != 1 {
		t.Fatalf("backpressure delta %v", got)
	}

	rounds := chatRoundsTotal.WithLabelValues("chat_normal", "true", "ok")
	before = testutil.ToFloat64(rounds)
	observeChatRound("chat_normal", true, "ok")
	if got := testutil.ToFloat64(rounds) - before; got != 1 {
		t.Fatalf("rounds delta %v", got)
	}
}

func TestMetricsEndpointExposesCollectors(t *testing.T) {
	h := NewMux(&mockService{}, nil)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("/metrics status=%d", w.Code)
	}
	for _, name := range []string{"modelworker_http_requests_total", "modelworker_http_request_duration_seconds"} {
		if !strings.Contains(w.Body.String(), name) {
			t.Fatalf("missing %s", name)
		}
	}
}
