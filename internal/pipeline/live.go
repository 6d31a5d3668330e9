package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/minutelake/internal/lake"
	"github.com/sawpanic/minutelake/internal/rest"
)

// PremiumIndexCollector is a minimal live collector backed by the premium
// index snapshot endpoint. It only answers for the minute the exchange
// stamped on the snapshot; historical minutes stay null.
type PremiumIndexCollector struct {
	rest    *rest.Client
	symbol  string
	timeout time.Duration
	log     zerolog.Logger
}

// NewPremiumIndexCollector builds a collector polling client for symbol.
func NewPremiumIndexCollector(client *rest.Client, symbol string, timeout time.Duration, logger zerolog.Logger) *PremiumIndexCollector {
	return &PremiumIndexCollector{rest: client, symbol: symbol, timeout: timeout, log: logger}
}

// SnapshotForMinute fetches the live snapshot and reports it only when its
// exchange timestamp falls inside the requested minute.
func (c *PremiumIndexCollector) SnapshotForMinute(minuteMS int64) (*lake.LiveSnapshot, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	result, err := c.rest.PremiumIndex(ctx, c.symbol)
	if err != nil {
		c.log.Debug().Err(err).Str("symbol", c.symbol).Msg("live snapshot unavailable")
		return nil, false
	}
	if result.Time < minuteMS || result.Time >= minuteMS+60_000 {
		return nil, false
	}

	arrival := time.Now().UnixMilli()
	latency := arrival - result.Time
	snap := &lake.LiveSnapshot{
		TimestampMS:      minuteMS,
		EventTime:        lake.Int64(result.Time),
		ArrivalTime:      lake.Int64(arrival),
		LatencyNetworkMS: lake.Int64(latency),
		PredictedFunding: lake.Float64(result.PredictedFunding),
		NextFundingTime:  lake.Int64(result.NextFundingTime),
	}
	return snap, true
}
