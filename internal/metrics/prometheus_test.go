package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordTick(t *testing.T) {
	before := testutil.ToFloat64(ticksTotal.WithLabelValues("error"))
	RecordTick(errors.New("store unavailable"), 0.01)
	assert.Equal(t, before+1, testutil.ToFloat64(ticksTotal.WithLabelValues("error")))
}

func TestRecordGC(t *testing.T) {
	RecordGC("metrics-test", 4, 3, 1, 0.5)
	assert.Equal(t, float64(4), testutil.ToFloat64(gcLiveBlobs.WithLabelValues("metrics-test")))
	assert.Equal(t, float64(3), testutil.ToFloat64(gcBlobsDeleted.WithLabelValues("metrics-test")))
	assert.Equal(t, float64(1), testutil.ToFloat64(gcRefsExpired.WithLabelValues("metrics-test")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	RecordBatchScheduled("win-pool", false)
	SetQueueLength(2)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `horde_batches_scheduled_total{online="false",pool="win-pool"}`))
	assert.Contains(t, body, "horde_dispatch_queue_length 2")
}
