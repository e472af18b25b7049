package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(refreshes.WithLabelValues("success"))
	Refresh(true)
	if got := testutil.ToFloat64(refreshes.WithLabelValues("success")); got != before+1 {
		t.Errorf("expected refresh counter to increase by one, got %v -> %v", before, got)
	}

	before = testutil.ToFloat64(mergeLines.WithLabelValues("failure"))
	MergeLine(false)
	if got := testutil.ToFloat64(mergeLines.WithLabelValues("failure")); got != before+1 {
		t.Errorf("expected merge failure counter to increase by one, got %v -> %v", before, got)
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	ObserveRequest(http.MethodGet, http.StatusOK, 10*time.Millisecond)
	AuthRetry()

	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := w.Body.String()
	for _, name := range []string{
		"storefront_backend_requests_total",
		"storefront_backend_request_duration_seconds",
		"storefront_backend_auth_retries_total",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("expected %s in metrics output", name)
		}
	}
}
