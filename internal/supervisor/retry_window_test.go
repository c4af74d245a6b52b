package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryWindowFlagsThresholdOnce(t *testing.T) {
	w := newRetryWindow(3, time.Minute)
	start := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	for i, wantCrossed := range []bool{false, false, true, false} {
		count, crossed := w.record("echo", start.Add(time.Duration(i)*time.Second))
		assert.Equal(t, i+1, count)
		assert.Equal(t, wantCrossed, crossed, "retry %d", i+1)
	}
	assert.Equal(t, 0, w.count("other", start))
}

func TestRetryWindowPrunesOldEntries(t *testing.T) {
	w := newRetryWindow(2, time.Minute)
	start := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	w.record("echo", start)
	assert.Equal(t, 1, w.count("echo", start.Add(59*time.Second)))
	assert.Equal(t, 0, w.count("echo", start.Add(61*time.Second)))

	count, crossed := w.record("echo", start.Add(2*time.Minute))
	assert.Equal(t, 1, count)
	assert.False(t, crossed)
}

func TestRetryWindowDisabledThreshold(t *testing.T) {
	w := newRetryWindow(0, time.Minute)
	_, crossed := w.record("echo", time.Now())
	assert.False(t, crossed)
}
