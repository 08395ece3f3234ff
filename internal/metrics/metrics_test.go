package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, r *Recorder, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := r.Gatherer().Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	metrics:
		for _, metric := range family.GetMetric() {
			for _, pair := range metric.GetLabel() {
				if labels[pair.GetName()] != pair.GetValue() {
					continue metrics
				}
			}
			if metric.GetCounter() != nil {
				return metric.GetCounter().GetValue()
			}
			if metric.GetGauge() != nil {
				return metric.GetGauge().GetValue()
			}
			return float64(metric.GetHistogram().GetSampleCount())
		}
	}
	return 0
}

func TestRecorderCounts(t *testing.T) {
	r := New()
	r.ObserveTool("finished_step", "needs_work")
	r.ObserveTool("finished_step", "needs_work")
	r.ObserveTool("start_workflow", "ok")
	r.ObserveReview("claude", "failed", 3*time.Second)
	r.QualityAttempt()
	r.SetStackDepth(2)

	assert.Equal(t, 2.0, counterValue(t, r, "waymark_tool_calls_total", map[string]string{"tool": "finished_step", "outcome": "needs_work"}))
	assert.Equal(t, 1.0, counterValue(t, r, "waymark_tool_calls_total", map[string]string{"tool": "start_workflow", "outcome": "ok"}))
	assert.Equal(t, 1.0, counterValue(t, r, "waymark_review_duration_seconds", map[string]string{"reviewer": "claude", "outcome": "failed"}))
	assert.Equal(t, 1.0, counterValue(t, r, "waymark_quality_attempts_total", nil))
	assert.Equal(t, 2.0, counterValue(t, r, "waymark_session_stack_depth", nil))
}

func TestNilRecorderIsInert(t *testing.T) {
	var r *Recorder
	r.ObserveTool("get_stack", "ok")
	r.ObserveReview("claude", "passed", time.Second)
	r.QualityAttempt()
	r.SetStackDepth(1)
}

func TestHandlerServesTextFormat(t *testing.T) {
	r := New()
	r.ObserveTool("abort_workflow", "ok")
	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `waymark_tool_calls_total{outcome="ok",tool="abort_workflow"} 1`), string(body))
}
