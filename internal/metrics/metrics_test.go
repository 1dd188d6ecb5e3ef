package metrics

import (
	"errors"
	"math"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordNotification(t *testing.T) {
	before := testutil.ToFloat64(NotificationsTotal.WithLabelValues("down", "error"))
	RecordNotification("down", false)
	assert.Equal(t, before+1, testutil.ToFloat64(NotificationsTotal.WithLabelValues("down", "error")))
}

func TestRecordTransition(t *testing.T) {
	before := testutil.ToFloat64(TransitionsTotal.WithLabelValues("open"))
	RecordTransition("open")
	assert.Equal(t, before+1, testutil.ToFloat64(TransitionsTotal.WithLabelValues("open")))
}

func TestJobsDownGauge_ReadsCountOnScrape(t *testing.T) {
	down := 3
	var fail error
	g := NewJobsDownGauge(func() (int, error) { return down, fail })

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(g))

	// state that existed before the process started is visible at once
	assert.Equal(t, 3.0, testutil.ToFloat64(g))
	down = 1
	assert.Equal(t, 1.0, testutil.ToFloat64(g))

	fail = errors.New("store unavailable")
	before := testutil.ToFloat64(ErrorsTotal.WithLabelValues("count_down"))
	assert.True(t, math.IsNaN(testutil.ToFloat64(g)))
	assert.Equal(t, before+1, testutil.ToFloat64(ErrorsTotal.WithLabelValues("count_down")))
}

func TestRecordProbe_EmptyClass(t *testing.T) {
	RecordProbe("", 0.01)
	assert.GreaterOrEqual(t, testutil.CollectAndCount(ProbeDuration, "sitewatch_probe_duration_seconds"), 1)
}
