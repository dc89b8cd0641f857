package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFormatThroughputPicksLargestUnitUnder1000(t *testing.T) {
	require.Equal(t, "500.00 B/s", FormatThroughput(500, time.Second))
	require.Equal(t, "2.00 KiB/s", FormatThroughput(2048, time.Second))
	require.Equal(t, "1.00 MiB/s", FormatThroughput(1024*1024, time.Second))
	require.Equal(t, "1.00 GiB/s", FormatThroughput(1024*1024*1024, time.Second))
}

func TestFormatThroughputZeroElapsed(t *testing.T) {
	require.Equal(t, "0.00 B/s", FormatThroughput(100, 0))
}

func TestRecorderFinishBuildsEvent(t *testing.T) {
	r := NewRecorder()
	time.Sleep(time.Millisecond)
	ev := r.Finish(DirectionBackup, "data", "full", 1024, true)

	require.Equal(t, DirectionBackup, ev.Direction)
	require.Equal(t, "data", ev.Subvolume)
	require.Equal(t, "full", ev.Kind)
	require.Equal(t, int64(1024), ev.TotalBytes)
	require.True(t, ev.ElapsedSeconds > 0)
	require.True(t, ev.Success)
}

func TestPrometheusMetricsObserveAndServe(t *testing.T) {
	pm := NewPrometheusMetrics()
	pm.Observe(DirectionBackup, "data", "full", 4096, time.Second, true)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	pm.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	require.Contains(t, rec.Body.String(), "btrfs_to_s3_bytes_total")
}
