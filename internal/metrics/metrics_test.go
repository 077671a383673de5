package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.RotationAttempt("SCHEDULE", "succeeded")
	m.RotationAttempt("SCHEDULE", "succeeded")
	m.RotationAttempt("MANUAL", "failed")
	m.LeaseSkipped()
	m.MediaOperation("create", 3)
	m.ObserveReconcile(1500 * time.Millisecond)
	m.HistoryStreamed(false)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.attempts.WithLabelValues("SCHEDULE", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.leaseSkips))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.mediaOps.WithLabelValues("create")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.historySent.WithLabelValues("error")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `rotation_attempts_total{outcome="failed",trigger="MANUAL"} 1`)
	assert.Contains(t, string(body), "rotation_reconcile_seconds_count 1")
}
