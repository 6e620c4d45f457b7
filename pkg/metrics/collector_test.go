package metrics

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestWriteTextIncludesState(t *testing.T) {
	c := NewCollector()
	c.SetStateSource(func() (map[string]int, map[string]int) {
		return map[string]int{"online": 2, "busy": 1}, map[string]int{"queued": 4}
	})
	c.JobSubmitted()
	c.JobFinished("completed")
	c.DispatchResult("least_loaded", "ok")
	c.EventDropped("ws-client-1")

	var buf bytes.Buffer
	if err := c.WriteText(&buf); err != nil {
		t.Fatalf("WriteText failed: %v", err)
	}
	out := buf.String()

	for _, want := range []string{
		`inference_scheduler_nodes{status="online"} 2`,
		`inference_scheduler_jobs{status="queued"} 4`,
		`inference_scheduler_jobs_submitted_total 1`,
		`inference_scheduler_jobs_finished_total{status="completed"} 1`,
		`inference_scheduler_dispatch_attempts_total{algorithm="least_loaded",result="ok"} 1`,
		`inference_scheduler_events_dropped_total{subscriber="ws-client-1"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestMiddlewareRecordsRoute(t *testing.T) {
	c := NewCollector()
	router := mux.NewRouter()
	router.Use(c.Middleware)
	router.HandleFunc("/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello"))
	})
	router.Handle("/metrics", c)

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/jobs/42", nil))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, `inference_scheduler_http_response_bytes_total{method="GET",route="/jobs/{id}",status="200"} 5`) {
		t.Errorf("route template not recorded:\n%s", body)
	}
	if !strings.Contains(body, "inference_scheduler_uptime_seconds") {
		t.Error("uptime missing")
	}
}

func TestRecoveryCounters(t *testing.T) {
	c := NewCollector()
	c.JobRequeued("node_lost")
	c.JobRequeued("node_lost")
	c.JobRequeued("dispatch_failed")
	c.NodeLost()

	if got := testutil.ToFloat64(c.requeues.WithLabelValues("node_lost")); got != 2 {
		t.Errorf("expected 2 node_lost requeues, got %v", got)
	}
	if got := testutil.ToFloat64(c.nodesLost); got != 1 {
		t.Errorf("expected 1 lost node, got %v", got)
	}
	if n := testutil.CollectAndCount(c.requeues); n != 2 {
		t.Errorf("expected 2 requeue series, got %d", n)
	}
}
