package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, m interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var out dto.Metric
	if err := m.Write(&out); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return out.GetCounter().GetValue()
}

func TestStatusBucket(t *testing.T) {
	tests := map[int]string{
		102: "1xx",
		200: "2xx",
		201: "2xx",
		301: "3xx",
		404: "4xx",
		422: "4xx",
		500: "5xx",
		502: "5xx",
	}
	for code, want := range tests {
		if got := statusBucket(code); got != want {
			t.Errorf("statusBucket(%d) = %q, want %q", code, got, want)
		}
	}
}

func TestMiddlewareCountsByRoutePattern(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(Middleware())
	router.GET("/escrows/:id", func(c *gin.Context) { c.Status(http.StatusOK) })

	counter, err := HTTPRequestsTotal.GetMetricWithLabelValues("GET", "/escrows/:id", "2xx")
	if err != nil {
		t.Fatalf("get counter: %v", err)
	}
	before := counterValue(t, counter)

	for _, path := range []string{"/escrows/1", "/escrows/2"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
	}

	// Both requests land on the route pattern, not the concrete paths.
	if got := counterValue(t, counter); got != before+2 {
		t.Errorf("counter = %v, want %v", got, before+2)
	}
}

func TestHandlerServesPrometheusText(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/metrics", Handler())

	BusyRejections.Inc()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body := w.Body.String(); !strings.Contains(body, "escrowd_busy_rejections_total") {
		t.Error("exposition missing escrowd_busy_rejections_total")
	}
}
