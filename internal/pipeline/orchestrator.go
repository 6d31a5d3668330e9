// Package pipeline drives ingestion end to end: band-aware source selection,
// the incremental run-once loop, the polling daemon and the audit-driven
// consistency backfill. One hour is processed at a time; the writer and the
// ledger provide the only commit points.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/minutelake/internal/archive"
	"github.com/sawpanic/minutelake/internal/audit"
	"github.com/sawpanic/minutelake/internal/config"
	"github.com/sawpanic/minutelake/internal/dq"
	"github.com/sawpanic/minutelake/internal/lake"
	"github.com/sawpanic/minutelake/internal/metrics"
	"github.com/sawpanic/minutelake/internal/rest"
	"github.com/sawpanic/minutelake/internal/state"
	"github.com/sawpanic/minutelake/internal/timeutil"
	"github.com/sawpanic/minutelake/internal/transform"
	"github.com/sawpanic/minutelake/internal/vision"
	"github.com/sawpanic/minutelake/internal/writer"
)

// Band classifies an hour relative to the target horizon and selects sources.
type Band string

const (
	BandHot  Band = "HOT"
	BandWarm Band = "WARM"
	BandCold Band = "COLD"
)

// BandFor classifies hourStart against the target horizon. The hour holding
// the horizon (and anything after it) is HOT, closed hours within warmDays
// are WARM, everything older is COLD.
func BandFor(hourStart, targetHorizon time.Time, warmDays int) Band {
	hour := timeutil.FloorHour(hourStart)
	horizonHour := timeutil.FloorHour(targetHorizon)
	if !hour.Before(horizonHour) {
		return BandHot
	}
	if !hour.Before(horizonHour.AddDate(0, 0, -warmDays)) {
		return BandWarm
	}
	return BandCold
}

// RunSummary reports one run-once invocation.
type RunSummary struct {
	Symbol              string
	PartitionsCommitted int
	HoursFailed         int
	WatermarkBefore     time.Time
	WatermarkAfter      time.Time
	TargetHorizon       time.Time
}

// BackfillSummary reports one consistency backfill invocation.
type BackfillSummary struct {
	HoursScanned    int
	IssuesFound     int
	IssuesTargeted  int
	HoursRepaired   int
	HoursFailed     int
	IssuesRemaining int
}

// dayArchives holds the decoded daily archives for one UTC day, shared by the
// up-to-24 hour windows that day contains.
type dayArchives struct {
	hasKlines bool

	klines      []lake.Kline
	mark        []lake.PriceKline
	index       []lake.PriceKline
	premium     []lake.PriceKline
	aggTrades   []lake.AggTrade
	metrics     []lake.MetricsSample
	bookTickers []lake.BookTicker
	bookDepths  []lake.BookDepth
}

// Orchestrator owns the ingestion state machine for one symbol.
type Orchestrator struct {
	cfg    config.Config
	store  *state.Store
	vision *vision.Client
	rest   *rest.Client
	engine *transform.Engine
	writer *writer.Writer
	live   lake.LiveCollector
	log    zerolog.Logger

	now func() time.Time

	dayCache map[string]*dayArchives
}

// NewOrchestrator wires the pipeline. live may be nil; the live-only columns
// then stay null.
func NewOrchestrator(cfg config.Config, store *state.Store, visionClient *vision.Client, restClient *rest.Client, live lake.LiveCollector, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		store:    store,
		vision:   visionClient,
		rest:     restClient,
		engine:   transform.NewEngine(cfg.MaxFfillMinutes),
		writer:   writer.NewWriter(cfg.RootDir, store, logger),
		live:     live,
		log:      logger,
		now:      time.Now,
		dayCache: make(map[string]*dayArchives),
	}
}

// SetClock overrides the wall clock. Used by tests and by callers replaying
// history with a pinned horizon.
func (o *Orchestrator) SetClock(now func() time.Time) { o.now = now }

// targetHorizon is the newest minute eligible for ingestion.
func (o *Orchestrator) targetHorizon() time.Time {
	lag := time.Duration(o.cfg.SafetyLagMinutes) * time.Minute
	return timeutil.FloorMinute(o.now().UTC().Add(-lag))
}

// RunOnce advances the lake from the watermark to the target horizon, one
// hour partition at a time. Failed hours are recorded and skipped; the
// watermark never advances past the first failed hour. maxHours caps the
// number of hours processed when positive.
func (o *Orchestrator) RunOnce(ctx context.Context, maxHours int) (RunSummary, error) {
	symbol := o.cfg.Symbol
	target := o.targetHorizon()
	summary := RunSummary{Symbol: symbol, TargetHorizon: target}

	watermark, found, err := o.store.GetWatermark(symbol)
	if err != nil {
		return summary, err
	}
	if found {
		summary.WatermarkBefore = watermark
	} else {
		watermark = target.Add(-time.Duration(o.cfg.BootstrapLookbackMinutes) * time.Minute)
		o.log.Info().
			Str("symbol", symbol).
			Time("watermark", watermark).
			Msg("no watermark found, bootstrapping")
	}
	summary.WatermarkAfter = summary.WatermarkBefore

	hours := timeutil.IterHours(timeutil.FloorHour(watermark), timeutil.FloorHour(target))
	if maxHours > 0 && len(hours) > maxHours {
		hours = hours[:maxHours]
	}

	var advance time.Time
	failed := false
	for _, hour := range hours {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		windowStart := hour
		if wm := watermark.Add(time.Minute); wm.After(windowStart) {
			windowStart = wm
		}
		windowEnd := hour.Add(59 * time.Minute)
		if target.Before(windowEnd) {
			windowEnd = target
		}
		if windowEnd.Before(windowStart) {
			continue
		}

		entry, err := o.ingestHour(ctx, hour, windowStart, windowEnd, target)
		if err != nil {
			if !IsTypedError(err) {
				return summary, err
			}
			failed = true
			summary.HoursFailed++
			metrics.HourFailures.WithLabelValues(failureKind(err)).Inc()
			o.log.Warn().Err(err).
				Str("symbol", symbol).
				Time("hour", hour).
				Msg("hour ingestion failed, continuing")
			continue
		}
		summary.PartitionsCommitted++
		if !failed {
			maxTS, perr := time.Parse(time.RFC3339, entry.MaxTS)
			if perr != nil {
				return summary, fmt.Errorf("malformed max_ts %q in committed entry: %w", entry.MaxTS, perr)
			}
			if maxTS.After(advance) && !maxTS.After(target) {
				advance = maxTS.UTC()
			}
		}
	}

	if !advance.IsZero() && advance.After(summary.WatermarkBefore) {
		if err := o.store.UpsertWatermark(symbol, advance); err != nil {
			return summary, err
		}
		summary.WatermarkAfter = advance
	}
	return summary, nil
}

// RunDaemon loops RunOnce on the polling interval until ctx is cancelled.
// Typed errors are logged and the loop continues; unknown errors abort.
func (o *Orchestrator) RunDaemon(ctx context.Context, pollInterval time.Duration) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		summary, err := o.RunOnce(ctx, 0)
		switch {
		case err == nil:
			o.log.Info().
				Str("symbol", summary.Symbol).
				Int("committed", summary.PartitionsCommitted).
				Int("failed", summary.HoursFailed).
				Time("watermark", summary.WatermarkAfter).
				Msg("poll complete")
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil
		case IsTypedError(err):
			o.log.Error().Err(err).Msg("poll failed, will retry")
		default:
			return fmt.Errorf("daemon aborting on unexpected error: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunConsistencyBackfill audits every hour in [start, end] and repairs up to
// maxMissingHours failing hours in chronological order. A negative
// maxMissingHours means no cap.
func (o *Orchestrator) RunConsistencyBackfill(ctx context.Context, start, end, nowForBand time.Time, sleep time.Duration, maxMissingHours int) (BackfillSummary, error) {
	symbol := o.cfg.Symbol
	summary := BackfillSummary{}

	rangeStart := timeutil.FloorMinute(start)
	rangeEnd := timeutil.FloorMinute(end)
	lag := time.Duration(o.cfg.SafetyLagMinutes) * time.Minute
	target := timeutil.FloorMinute(nowForBand.UTC().Add(-lag))

	var failing []time.Time
	for _, hour := range timeutil.IterHours(timeutil.FloorHour(rangeStart), timeutil.FloorHour(rangeEnd)) {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		expectedStart := hour
		if rangeStart.After(expectedStart) {
			expectedStart = rangeStart
		}
		expectedEnd := hour.Add(59 * time.Minute)
		if rangeEnd.Before(expectedEnd) {
			expectedEnd = rangeEnd
		}

		summary.HoursScanned++
		path := writer.PartitionPath(o.cfg.RootDir, symbol, hour)
		report := audit.AuditPartition(path, expectedStart, expectedEnd)
		if !report.Valid {
			summary.IssuesFound++
			failing = append(failing, hour)
			o.log.Warn().
				Str("symbol", symbol).
				Time("hour", hour).
				Str("reason", report.Reason).
				Msg("audit failed")
		}
	}

	sort.Slice(failing, func(i, j int) bool { return failing[i].Before(failing[j]) })
	targeted := failing
	if maxMissingHours >= 0 && len(targeted) > maxMissingHours {
		targeted = targeted[:maxMissingHours]
	}
	summary.IssuesTargeted = len(targeted)

	for i, hour := range targeted {
		if i > 0 && sleep > 0 {
			timer := time.NewTimer(sleep)
			select {
			case <-ctx.Done():
				timer.Stop()
				return summary, ctx.Err()
			case <-timer.C:
			}
		}

		windowEnd := hour.Add(59 * time.Minute)
		if target.Before(windowEnd) {
			windowEnd = target
		}
		_, err := o.ingestHour(ctx, hour, hour, windowEnd, target)
		if err != nil {
			if !IsTypedError(err) {
				return summary, err
			}
			summary.HoursFailed++
			o.log.Warn().Err(err).
				Str("symbol", symbol).
				Time("hour", hour).
				Msg("repair failed")
			continue
		}
		summary.HoursRepaired++
		metrics.BackfillRepairs.Inc()
	}

	summary.IssuesRemaining = summary.IssuesFound - summary.HoursRepaired
	return summary, nil
}

// ingestHour runs fetch, decode, transform, validate and write for one hour
// window and returns the committed ledger entry.
func (o *Orchestrator) ingestHour(ctx context.Context, hour, windowStart, windowEnd, target time.Time) (state.PartitionEntry, error) {
	band := BandFor(hour, target, o.cfg.WarmDays)
	inputs, err := o.collectInputs(ctx, band, hour, windowStart, windowEnd)
	if err != nil {
		return state.PartitionEntry{}, err
	}
	if o.live != nil {
		for cursor := windowStart; !cursor.After(windowEnd); cursor = cursor.Add(time.Minute) {
			if snap, ok := o.live.SnapshotForMinute(cursor.UnixMilli()); ok {
				inputs.LiveSnapshots = append(inputs.LiveSnapshots, *snap)
			}
		}
	}
	frame, err := o.engine.BuildCanonicalFrame(windowStart, windowEnd, inputs)
	if err != nil {
		return state.PartitionEntry{}, err
	}
	return o.writer.WriteHourPartition(o.cfg.Symbol, hour, frame)
}

// collectInputs gathers the raw rows for one window from the band's sources.
func (o *Orchestrator) collectInputs(ctx context.Context, band Band, hour, windowStart, windowEnd time.Time) (transform.Inputs, error) {
	switch band {
	case BandCold:
		return o.archiveInputs(ctx, hour, windowStart, windowEnd)
	case BandWarm:
		day, err := o.dayFor(ctx, hour)
		if err != nil {
			return transform.Inputs{}, err
		}
		if day.hasKlines {
			return o.archiveInputs(ctx, hour, windowStart, windowEnd)
		}
		return o.restInputs(ctx, windowStart, windowEnd)
	default:
		return o.restInputs(ctx, windowStart, windowEnd)
	}
}

// archiveInputs serves a window from the decoded daily archives, filtered to
// the window, plus funding from REST (no daily funding archive exists).
func (o *Orchestrator) archiveInputs(ctx context.Context, hour, windowStart, windowEnd time.Time) (transform.Inputs, error) {
	day, err := o.dayFor(ctx, hour)
	if err != nil {
		return transform.Inputs{}, err
	}
	if !day.hasKlines {
		return transform.Inputs{}, &vision.DownloadError{
			URL:    "klines archive for " + hour.Format("2006-01-02"),
			Status: 404,
		}
	}

	startMS := windowStart.UnixMilli()
	endMS := windowEnd.UnixMilli()
	in := transform.Inputs{
		Klines:             filterKlines(day.klines, startMS, endMS),
		MarkPriceKlines:    filterPriceKlines(day.mark, startMS, endMS),
		IndexPriceKlines:   filterPriceKlines(day.index, startMS, endMS),
		PremiumIndexKlines: filterPriceKlines(day.premium, startMS, endMS),
	}
	for _, t := range day.aggTrades {
		if t.Timestamp >= startMS && t.Timestamp <= endMS+59_999 {
			in.AggTrades = append(in.AggTrades, t)
		}
	}
	for _, m := range day.metrics {
		if m.CreateTime >= startMS && m.CreateTime <= endMS {
			in.Metrics = append(in.Metrics, m)
		}
	}
	for _, b := range day.bookTickers {
		if b.Timestamp >= startMS && b.Timestamp <= endMS+59_999 {
			in.BookTickers = append(in.BookTickers, b)
		}
	}
	for _, b := range day.bookDepths {
		if b.Timestamp >= startMS && b.Timestamp <= endMS+59_999 {
			in.BookDepths = append(in.BookDepths, b)
		}
	}

	funding, err := o.rest.FundingRate(ctx, o.cfg.Symbol, startMS, endMS, 1000)
	if err != nil {
		return transform.Inputs{}, err
	}
	in.FundingRates = funding
	return in, nil
}

// restInputs serves a window from the REST minute klines endpoints.
func (o *Orchestrator) restInputs(ctx context.Context, windowStart, windowEnd time.Time) (transform.Inputs, error) {
	symbol := o.cfg.Symbol
	startMS := windowStart.UnixMilli()
	endMS := windowEnd.UnixMilli()
	limit := timeutil.MinutesBetween(windowStart, windowEnd)

	klines, err := o.rest.Klines(ctx, symbol, "1m", startMS, endMS, limit)
	if err != nil {
		return transform.Inputs{}, err
	}
	mark, err := o.rest.MarkPriceKlines(ctx, symbol, "1m", startMS, endMS, limit)
	if err != nil {
		return transform.Inputs{}, err
	}
	index, err := o.rest.IndexPriceKlines(ctx, symbol, "1m", startMS, endMS, limit)
	if err != nil {
		return transform.Inputs{}, err
	}
	premium, err := o.rest.PremiumIndexKlines(ctx, symbol, "1m", startMS, endMS, limit)
	if err != nil {
		return transform.Inputs{}, err
	}
	funding, err := o.rest.FundingRate(ctx, symbol, startMS, endMS, 1000)
	if err != nil {
		return transform.Inputs{}, err
	}

	return transform.Inputs{
		Klines:             klines,
		MarkPriceKlines:    mark,
		IndexPriceKlines:   index,
		PremiumIndexKlines: premium,
		FundingRates:       funding,
	}, nil
}

// dayFor returns the decoded daily archives for the UTC day containing hour,
// downloading and decoding on first use. The cache keeps a handful of recent
// days so a daemon does not grow without bound.
func (o *Orchestrator) dayFor(ctx context.Context, hour time.Time) (*dayArchives, error) {
	date := timeutil.FloorHour(hour).Format("2006-01-02")
	if day, ok := o.dayCache[date]; ok {
		return day, nil
	}

	day, err := o.loadDay(ctx, timeutil.FloorHour(hour))
	if err != nil {
		return nil, err
	}
	if len(o.dayCache) >= 4 {
		oldest := ""
		for k := range o.dayCache {
			if oldest == "" || k < oldest {
				oldest = k
			}
		}
		delete(o.dayCache, oldest)
	}
	o.dayCache[date] = day
	return day, nil
}

func (o *Orchestrator) loadDay(ctx context.Context, dayStart time.Time) (*dayArchives, error) {
	symbol := o.cfg.Symbol
	day := &dayArchives{}

	klinesZip, exists, err := o.fetchArchive(ctx, "klines", symbol, dayStart, "1m")
	if err != nil {
		return nil, err
	}
	if !exists {
		return day, nil
	}
	day.hasKlines = true
	if day.klines, err = archive.DecodeKlines(klinesZip); err != nil {
		return nil, err
	}

	for _, spec := range []struct {
		stream string
		into   *[]lake.PriceKline
	}{
		{"markPriceKlines", &day.mark},
		{"indexPriceKlines", &day.index},
		{"premiumIndexKlines", &day.premium},
	} {
		zipPath, exists, err := o.fetchArchive(ctx, spec.stream, symbol, dayStart, "1m")
		if err != nil {
			return nil, err
		}
		if !exists {
			continue
		}
		if *spec.into, err = archive.DecodePriceKlines(zipPath, spec.stream); err != nil {
			return nil, err
		}
	}

	if zipPath, exists, err := o.fetchArchive(ctx, "metrics", symbol, dayStart, ""); err != nil {
		return nil, err
	} else if exists {
		if day.metrics, err = archive.DecodeMetrics(zipPath); err != nil {
			return nil, err
		}
	}
	if zipPath, exists, err := o.fetchArchive(ctx, "bookTicker", symbol, dayStart, ""); err != nil {
		return nil, err
	} else if exists {
		if day.bookTickers, err = archive.DecodeBookTicker(zipPath); err != nil {
			return nil, err
		}
	}
	if zipPath, exists, err := o.fetchArchive(ctx, "bookDepth", symbol, dayStart, ""); err != nil {
		return nil, err
	} else if exists {
		if day.bookDepths, err = archive.DecodeBookDepth(zipPath); err != nil {
			return nil, err
		}
	}
	if o.cfg.IncludeAggTrades {
		if zipPath, exists, err := o.fetchArchive(ctx, "aggTrades", symbol, dayStart, ""); err != nil {
			return nil, err
		} else if exists {
			if day.aggTrades, err = archive.DecodeAggTrades(zipPath); err != nil {
				return nil, err
			}
		}
	}
	return day, nil
}

// fetchArchive probes one daily archive and downloads it into the local cache
// when present. Returns the local path and whether the archive exists.
func (o *Orchestrator) fetchArchive(ctx context.Context, stream, symbol string, dayStart time.Time, interval string) (string, bool, error) {
	status, err := o.vision.Status(ctx, stream, symbol, dayStart, interval)
	if err != nil {
		return "", false, err
	}
	if !status.Exists {
		return "", false, nil
	}

	filename, err := o.vision.ExpectedFilename(stream, symbol, dayStart, interval)
	if err != nil {
		return "", false, err
	}
	local := filepath.Join(o.cfg.RootDir, ".cache", "vision", stream, filename)
	if err := o.vision.DownloadZip(ctx, status.URL, local); err != nil {
		return "", false, err
	}
	return local, true, nil
}

func filterKlines(rows []lake.Kline, startMS, endMS int64) []lake.Kline {
	var out []lake.Kline
	for _, r := range rows {
		if r.OpenTime >= startMS && r.OpenTime <= endMS {
			out = append(out, r)
		}
	}
	return out
}

func filterPriceKlines(rows []lake.PriceKline, startMS, endMS int64) []lake.PriceKline {
	var out []lake.PriceKline
	for _, r := range rows {
		if r.OpenTime >= startMS && r.OpenTime <= endMS {
			out = append(out, r)
		}
	}
	return out
}

// IsTypedError reports whether err belongs to the known ingestion failure
// taxonomy. Typed errors are hour-level: the loop records them and moves on.
// Anything else is a programming or environment fault and aborts the run.
func IsTypedError(err error) bool {
	var (
		decodeErr   *archive.DecodeError
		gapErr      *transform.GapError
		rangeErr    *transform.RangeError
		violation   *dq.Violation
		statusErr   *rest.StatusError
		downloadErr *vision.DownloadError
		streamErr   *vision.UnknownStreamError
	)
	return errors.As(err, &decodeErr) ||
		errors.As(err, &gapErr) ||
		errors.As(err, &rangeErr) ||
		errors.As(err, &violation) ||
		errors.As(err, &statusErr) ||
		errors.As(err, &downloadErr) ||
		errors.As(err, &streamErr)
}

func failureKind(err error) string {
	var (
		decodeErr   *archive.DecodeError
		gapErr      *transform.GapError
		violation   *dq.Violation
		statusErr   *rest.StatusError
		downloadErr *vision.DownloadError
	)
	switch {
	case errors.As(err, &decodeErr):
		return "decode"
	case errors.As(err, &gapErr):
		return "gap"
	case errors.As(err, &violation):
		return "dq"
	case errors.As(err, &statusErr):
		return "rest"
	case errors.As(err, &downloadErr):
		return "download"
	default:
		return "other"
	}
}
