package metrics

import (
	"strings"
	"testing"
	"time"
)

func TestCounterAndGauge(t *testing.T) {
	r := New()
	c := r.Counter("requests_total", "Total requests")
	c.Inc()
	c.Add(2)
	if v := c.Value(); v != 3 {
		t.Fatalf("counter = %d, want 3", v)
	}

	g := r.Gauge("in_flight", "")
	g.Set(5)
	g.Dec()
	if v := g.Value(); v != 4 {
		t.Fatalf("gauge = %d, want 4", v)
	}
}

func TestSameNameReturnsSameMetric(t *testing.T) {
	r := New()
	a := r.Counter("hits", "")
	b := r.Counter("hits", "")
	if a != b {
		t.Fatal("same name should return the same counter")
	}
}

func TestWithLabels(t *testing.T) {
	got := WithLabels("errors_total", "stage", "embed")
	want := `errors_total{stage="embed"}`
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if got := WithLabels("plain"); got != "plain" {
		t.Fatalf("no labels should keep the name, got %q", got)
	}
	if got := WithLabels("odd", "k"); got != "odd" {
		t.Fatalf("odd kvs should keep the name, got %q", got)
	}
}

func TestRenderGroupsLabeledSeries(t *testing.T) {
	r := New()
	r.Counter(WithLabels("errors_total", "stage", "embed"), "Errors by stage").Inc()
	r.Counter(WithLabels("errors_total", "stage", "upsert"), "Errors by stage").Add(2)

	out := r.Render()
	if strings.Count(out, "# TYPE errors_total counter") != 1 {
		t.Fatalf("TYPE line should appear once:\n%s", out)
	}
	if !strings.Contains(out, `errors_total{stage="embed"} 1`) {
		t.Fatalf("missing embed series:\n%s", out)
	}
	if !strings.Contains(out, `errors_total{stage="upsert"} 2`) {
		t.Fatalf("missing upsert series:\n%s", out)
	}
}

func TestHistogramRender(t *testing.T) {
	r := New()
	h := r.Histogram("latency_seconds", "Latency", []float64{0.1, 1, 10})
	h.Observe(0.05)
	h.Observe(0.5)
	h.Observe(100)

	out := r.Render()
	for _, want := range []string{
		`latency_seconds_bucket{le="0.1"} 1`,
		`latency_seconds_bucket{le="1"} 2`,
		`latency_seconds_bucket{le="10"} 2`,
		`latency_seconds_bucket{le="+Inf"} 3`,
		`latency_seconds_count 3`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q:\n%s", want, out)
		}
	}
}

func TestHistogramSince(t *testing.T) {
	r := New()
	h := r.Histogram("dur_seconds", "", nil)
	h.Since(time.Now().Add(-time.Millisecond))
	_, _, sum, count := h.snapshot()
	if count != 1 || sum <= 0 {
		t.Fatalf("count=%d sum=%g", count, sum)
	}
}
