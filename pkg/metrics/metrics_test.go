package metrics_test

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jvs-project/replvol/pkg/metrics"
)

func TestRegistry_Counters(t *testing.T) {
	r := metrics.NewRegistry()
	r.RecordStateChange("success")
	r.RecordStateChange("success")
	r.RecordFence("peer-outdated")
	r.RecordResize("grew")
	r.RecordAdmin("attach", "101", 0.01)

	expected := `
# HELP replvol_state_changes_total State change requests by result.
# TYPE replvol_state_changes_total counter
replvol_state_changes_total{result="success"} 2
`
	require.NoError(t, testutil.GatherAndCompare(r.Gatherer(), strings.NewReader(expected), "replvol_state_changes_total"))

	n, err := testutil.GatherAndCount(r.Gatherer(), "replvol_fence_outcomes_total", "replvol_size_determinations_total", "replvol_admin_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestRegistry_NilIsNoop(t *testing.T) {
	var r *metrics.Registry
	assert.NotPanics(t, func() {
		r.RecordStateChange("success")
		r.RecordFence("x")
		r.RecordResize("x")
		r.RecordAdmin("x", "1", 0)
		r.SetVolumes(map[string]int{"UpToDate": 1})
	})
}

func TestRegistry_Handler(t *testing.T) {
	r := metrics.NewRegistry()
	r.SetVolumes(map[string]int{"UpToDate": 2, "Diskless": 1})

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `replvol_volumes{disk="UpToDate"} 2`)
}

func TestDefault_Singleton(t *testing.T) {
	assert.Same(t, metrics.Default(), metrics.Default())
}
