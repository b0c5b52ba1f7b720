package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserverCounters(t *testing.T) {
	m := New()
	m.JobEnqueued("resource.produce")
	m.JobClaimed("resource.produce")
	m.JobCompleted("resource.produce", 25*time.Millisecond)
	m.JobFailed("modifier.expire", false)
	m.JobFailed("modifier.expire", true)
	m.LocksReaped(3)

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"enqueued", testutil.ToFloat64(m.enqueued.WithLabelValues("resource.produce")), 1},
		{"claimed", testutil.ToFloat64(m.claimed.WithLabelValues("resource.produce")), 1},
		{"completed", testutil.ToFloat64(m.completed.WithLabelValues("resource.produce")), 1},
		{"failed", testutil.ToFloat64(m.failed.WithLabelValues("modifier.expire")), 2},
		{"dead", testutil.ToFloat64(m.dead.WithLabelValues("modifier.expire")), 1},
		{"reaped", testutil.ToFloat64(m.reaped), 3},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Fatalf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	m := New()
	m.JobEnqueued("resource.produce")
	m.JobCompleted("resource.produce", 10*time.Millisecond)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	text := string(body)
	for _, want := range []string{
		`empirecore_jobs_enqueued_total{kind="resource.produce"} 1`,
		"empirecore_jobs_duration_seconds_bucket",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("scrape output missing %q", want)
		}
	}
}

func TestIndependentRegistries(t *testing.T) {
	a := New()
	b := New()
	a.JobEnqueued("resource.produce")
	if got := testutil.ToFloat64(b.enqueued.WithLabelValues("resource.produce")); got != 0 {
		t.Fatalf("registries leak across instances: %v", got)
	}
}
