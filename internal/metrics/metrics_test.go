package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRegistryExposesCounters(t *testing.T) {
	r := NewRegistry()
	r.RecordsRead.Add(3)
	r.RecordsSkipped.WithLabelValues("blank_item_code").Inc()
	r.Runs.WithLabelValues("full", "Completed").Inc()

	require.Equal(t, 3.0, testutil.ToFloat64(r.RecordsRead))
	require.Equal(t, 1.0, testutil.ToFloat64(r.RecordsSkipped.WithLabelValues("blank_item_code")))

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	require.True(t, strings.Contains(body, "retailsync_records_read_total 3"), body)
	require.True(t, strings.Contains(body, `retailsync_runs_total{mode="full",state="Completed"} 1`), body)
}
