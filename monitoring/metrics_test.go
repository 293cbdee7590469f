package monitoring

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestTrackOperation(t *testing.T) {
	m := &Monitor{}

	series := capacityOperations.WithLabelValues("reserve", "basico", "success")
	before := testutil.ToFloat64(series)

	m.TrackOperation("reserve", "basico", "success")
	m.TrackOperation("reserve", "basico", "success")

	assert.Equal(t, before+2, testutil.ToFloat64(series))
}

func TestTrackDuration(t *testing.T) {
	m := &Monitor{}

	m.TrackDuration("release", 5*time.Millisecond)

	count := testutil.CollectAndCount(operationDuration, "capacity_operation_duration_seconds")
	assert.GreaterOrEqual(t, count, 1)
}
