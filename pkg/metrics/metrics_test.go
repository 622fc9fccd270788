package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveCompilation(t *testing.T) {
	before := testutil.ToFloat64(CompilationsTotal.WithLabelValues("error"))
	ObserveCompilation(time.Millisecond, errors.New("unresolved"))
	assert.Equal(t, before+1, testutil.ToFloat64(CompilationsTotal.WithLabelValues("error")))

	before = testutil.ToFloat64(CompilationsTotal.WithLabelValues("success"))
	ObserveCompilation(time.Millisecond, nil)
	assert.Equal(t, before+1, testutil.ToFloat64(CompilationsTotal.WithLabelValues("success")))
}

func TestThroughputTracker(t *testing.T) {
	tr := NewThroughputTracker("orders")
	tr.Increment(10)
	time.Sleep(10 * time.Millisecond)

	rate := tr.GetAndReset()
	assert.Greater(t, rate, 0.0)
	assert.Equal(t, rate, testutil.ToFloat64(Throughput.WithLabelValues("orders")))

	assert.Equal(t, 0.0, tr.GetAndReset())
}

func TestTimer(t *testing.T) {
	timer := NewTimer()
	time.Sleep(time.Millisecond)
	assert.GreaterOrEqual(t, timer.Stop(), time.Millisecond)
}
