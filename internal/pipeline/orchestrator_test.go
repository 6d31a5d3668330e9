package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/minutelake/internal/audit"
	"github.com/sawpanic/minutelake/internal/config"
	"github.com/sawpanic/minutelake/internal/dq"
	"github.com/sawpanic/minutelake/internal/rest"
	"github.com/sawpanic/minutelake/internal/state"
	"github.com/sawpanic/minutelake/internal/transform"
	"github.com/sawpanic/minutelake/internal/vision"
	"github.com/sawpanic/minutelake/internal/writer"
)

func TestBandFor(t *testing.T) {
	target := time.Date(2026, 1, 15, 11, 58, 0, 0, time.UTC)

	tests := []struct {
		name string
		hour time.Time
		want Band
	}{
		{"hour holding the horizon", time.Date(2026, 1, 15, 11, 0, 0, 0, time.UTC), BandHot},
		{"forming hour", time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC), BandHot},
		{"previous closed hour", time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC), BandWarm},
		{"edge of warm window", time.Date(2026, 1, 13, 11, 0, 0, 0, time.UTC), BandWarm},
		{"older than warm window", time.Date(2026, 1, 13, 10, 0, 0, 0, time.UTC), BandCold},
		{"ancient history", time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC), BandCold},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BandFor(tt.hour, target, 2))
		})
	}
}

func TestIsTypedError(t *testing.T) {
	assert.True(t, IsTypedError(&dq.Violation{Check: "x", Message: "y"}))
	assert.True(t, IsTypedError(&rest.StatusError{Status: 500}))
	assert.True(t, IsTypedError(&vision.DownloadError{Status: 404}))
	assert.True(t, IsTypedError(&transform.GapError{}))
	assert.True(t, IsTypedError(fmt.Errorf("wrapped: %w", &rest.StatusError{Status: 429})))
	assert.False(t, IsTypedError(fmt.Errorf("disk on fire")))
	assert.False(t, IsTypedError(context.Canceled))
}

// fakeREST serves minute klines, price klines and funding for any requested
// window, mimicking the futures REST wire formats.
func fakeREST(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		start, _ := strconv.ParseInt(q.Get("startTime"), 10, 64)
		end, _ := strconv.ParseInt(q.Get("endTime"), 10, 64)

		switch {
		case strings.HasSuffix(r.URL.Path, "/fundingRate"):
			fmt.Fprint(w, "[]")
		case strings.HasSuffix(r.URL.Path, "Klines"), strings.HasSuffix(r.URL.Path, "/klines"):
			// shared layout for klines and the price-kline endpoints;
			// the extra fields are ignored by the price-kline parser
			var rows []string
			for ts := start; ts <= end; ts += 60_000 {
				rows = append(rows, fmt.Sprintf(
					`[%d,"100.0","101.0","99.0","100.5","2.0",%d,"200000.0",20,"1.2","120000.0","0"]`,
					ts, ts+59_999))
			}
			fmt.Fprint(w, "["+strings.Join(rows, ",")+"]")
		default:
			http.NotFound(w, r)
		}
	}))
}

// emptyVision answers every probe and download with 404.
func emptyVision(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
}

func newTestOrchestrator(t *testing.T, visionURL, restURL string, now time.Time) (*Orchestrator, *state.Store, config.Config) {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.RootDir = root
	cfg.StateDB = filepath.Join(root, "state.sqlite")
	cfg.VisionBaseURL = visionURL
	cfg.RESTBaseURL = restURL
	cfg.SafetyLagMinutes = 2
	cfg.BootstrapLookbackMinutes = 120
	cfg.HTTPTimeout = 5 * time.Second
	require.NoError(t, cfg.Validate())

	store, err := state.NewStore(cfg.StateDB)
	require.NoError(t, err)
	require.NoError(t, store.Initialize())

	visionClient := vision.NewClient(cfg.VisionBaseURL, cfg.HTTPTimeout, nil, zerolog.Nop())
	restClient := rest.NewClient(cfg.RESTBaseURL, cfg.RESTRetries, cfg.HTTPTimeout, nil, zerolog.Nop())

	orch := NewOrchestrator(cfg, store, visionClient, restClient, nil, zerolog.Nop())
	orch.SetClock(func() time.Time { return now })
	return orch, store, cfg
}

func TestRunOnceBootstrapsAndCommits(t *testing.T) {
	restServer := fakeREST(t)
	defer restServer.Close()
	visionServer := emptyVision(t)
	defer visionServer.Close()

	now := time.Date(2026, 1, 15, 12, 0, 30, 0, time.UTC)
	orch, store, _ := newTestOrchestrator(t, visionServer.URL, restServer.URL, now)

	summary, err := orch.RunOnce(context.Background(), 0)
	require.NoError(t, err)

	target := time.Date(2026, 1, 15, 11, 58, 0, 0, time.UTC)
	assert.Equal(t, target, summary.TargetHorizon)
	// bootstrap: W = 09:58, so hours 09 (1 minute), 10 (full), 11 (partial)
	assert.Equal(t, 3, summary.PartitionsCommitted)
	assert.Equal(t, 0, summary.HoursFailed)
	assert.True(t, summary.WatermarkBefore.IsZero())
	assert.Equal(t, target, summary.WatermarkAfter)

	watermark, found, err := store.GetWatermark("BTCUSDT")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, target, watermark)

	// committed partitions audit clean over their own windows
	hour10 := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	path := writer.PartitionPath(orch.cfg.RootDir, "BTCUSDT", hour10)
	report := audit.AuditPartition(path, hour10, hour10.Add(59*time.Minute))
	assert.True(t, report.Valid, report.Reason)
}

func TestRunOnceIsMonotone(t *testing.T) {
	restServer := fakeREST(t)
	defer restServer.Close()
	visionServer := emptyVision(t)
	defer visionServer.Close()

	now := time.Date(2026, 1, 15, 12, 0, 30, 0, time.UTC)
	orch, _, _ := newTestOrchestrator(t, visionServer.URL, restServer.URL, now)

	first, err := orch.RunOnce(context.Background(), 0)
	require.NoError(t, err)
	second, err := orch.RunOnce(context.Background(), 0)
	require.NoError(t, err)

	assert.Equal(t, 0, second.PartitionsCommitted)
	assert.False(t, second.WatermarkAfter.Before(first.WatermarkAfter))
}

func TestRunOnceRecordsFailuresAndHoldsWatermark(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer failing.Close()
	visionServer := emptyVision(t)
	defer visionServer.Close()

	now := time.Date(2026, 1, 15, 12, 0, 30, 0, time.UTC)
	orch, store, _ := newTestOrchestrator(t, visionServer.URL, failing.URL, now)

	summary, err := orch.RunOnce(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.PartitionsCommitted)
	assert.Equal(t, 3, summary.HoursFailed)

	_, found, err := store.GetWatermark("BTCUSDT")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRunOnceHonorsMaxHours(t *testing.T) {
	restServer := fakeREST(t)
	defer restServer.Close()
	visionServer := emptyVision(t)
	defer visionServer.Close()

	now := time.Date(2026, 1, 15, 12, 0, 30, 0, time.UTC)
	orch, _, _ := newTestOrchestrator(t, visionServer.URL, restServer.URL, now)

	summary, err := orch.RunOnce(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.PartitionsCommitted)
}

// klineZip builds an in-memory daily klines archive covering one hour.
func klineZip(t *testing.T, hour time.Time) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	member, err := zw.Create("BTCUSDT-1m-" + hour.Format("2006-01-02") + ".csv")
	require.NoError(t, err)

	var sb strings.Builder
	for i := 0; i < 60; i++ {
		ts := hour.Add(time.Duration(i) * time.Minute).UnixMilli()
		fmt.Fprintf(&sb, "%d,100.0,101.0,99.0,100.5,2.0,%d,200000.0,20,1.2,120000.0,0\n", ts, ts+59_999)
	}
	_, err = member.Write([]byte(sb.String()))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestConsistencyBackfillRepairsColdHour(t *testing.T) {
	hour := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	zipBytes := klineZip(t, hour)

	// the kline CSV layout doubles as the price-kline layout, so one archive
	// serves klines plus the mark/index/premium streams
	visionServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/BTCUSDT/1m/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Write(zipBytes)
	}))
	defer visionServer.Close()
	restServer := fakeREST(t)
	defer restServer.Close()

	// far enough in the future that the hour is COLD
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	orch, store, cfg := newTestOrchestrator(t, visionServer.URL, restServer.URL, now)

	summary, err := orch.RunConsistencyBackfill(context.Background(), hour, hour.Add(59*time.Minute), now, 0, -1)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.HoursScanned)
	assert.Equal(t, 1, summary.IssuesFound)
	assert.Equal(t, 1, summary.IssuesTargeted)
	assert.Equal(t, 1, summary.HoursRepaired)
	assert.Equal(t, 0, summary.HoursFailed)
	assert.Equal(t, 0, summary.IssuesRemaining)

	path := writer.PartitionPath(cfg.RootDir, "BTCUSDT", hour)
	report := audit.AuditPartition(path, hour, hour.Add(59*time.Minute))
	assert.True(t, report.Valid, report.Reason)

	entry, found, err := store.GetPartition("BTCUSDT", "2026-01-02", 10)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(60), entry.RowCount)
}

func TestConsistencyBackfillRespectsCap(t *testing.T) {
	visionServer := emptyVision(t)
	defer visionServer.Close()
	restServer := fakeREST(t)
	defer restServer.Close()

	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	orch, _, _ := newTestOrchestrator(t, visionServer.URL, restServer.URL, now)

	start := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	end := start.Add(3*time.Hour + 59*time.Minute)

	// nothing on disk: 4 issues, cap repairs at 0
	summary, err := orch.RunConsistencyBackfill(context.Background(), start, end, now, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, summary.HoursScanned)
	assert.Equal(t, 4, summary.IssuesFound)
	assert.Equal(t, 0, summary.IssuesTargeted)
	assert.Equal(t, 0, summary.HoursRepaired)
	assert.Equal(t, 4, summary.IssuesRemaining)
}
