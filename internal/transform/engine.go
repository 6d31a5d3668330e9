// Package transform builds canonical minute frames: it aligns the
// independently-sampled source streams onto a dense minute grid with bounded
// forward-fill and emits rows in canonical column order.
package transform

import (
	"fmt"
	"time"

	"github.com/sawpanic/minutelake/internal/lake"
	"github.com/sawpanic/minutelake/internal/timeutil"
)

// GapError reports a grid minute with no kline. The kline stream is the
// spine: an interior gap is an ingestion error, only trailing minutes of a
// forming hour may be absent (and are truncated instead).
type GapError struct {
	Minute time.Time
}

func (e *GapError) Error() string {
	return fmt.Sprintf("kline spine has no row for minute %s", e.Minute.Format(time.RFC3339))
}

// RangeError reports an inverted emission window.
type RangeError struct {
	Start, End time.Time
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("end minute %s precedes start minute %s",
		e.End.Format(time.RFC3339), e.Start.Format(time.RFC3339))
}

// Inputs carries the raw source row sets for one emission window. Slices may
// be nil; absent streams leave their columns null.
type Inputs struct {
	Klines              []lake.Kline
	MarkPriceKlines     []lake.PriceKline
	IndexPriceKlines    []lake.PriceKline
	PremiumIndexKlines  []lake.PriceKline
	AggTrades           []lake.AggTrade
	FundingRates        []lake.FundingRate
	Metrics             []lake.MetricsSample
	BookTickers         []lake.BookTicker
	BookDepths          []lake.BookDepth
	LiveSnapshots       []lake.LiveSnapshot
}

// Engine is the canonical minute builder.
type Engine struct {
	maxFfill int // minutes a forward-filled value may carry
}

// NewEngine builds an engine with the given forward-fill cap in minutes.
func NewEngine(maxFfillMinutes int) *Engine {
	return &Engine{maxFfill: maxFfillMinutes}
}

// ffillSeries forward-fills a minute-keyed series over the grid. The carry
// never crosses the start of the emission window and never exceeds the
// configured cap.
type ffillSeries struct {
	values   map[int64]lake.PriceKline
	maxFfill int

	lastMinute int64
	lastValue  lake.PriceKline
	seeded     bool
}

func newFfillSeries(klines []lake.PriceKline, maxFfill int) *ffillSeries {
	values := make(map[int64]lake.PriceKline, len(klines))
	for _, k := range klines {
		values[minuteKey(k.OpenTime)] = k
	}
	return &ffillSeries{values: values, maxFfill: maxFfill}
}

// at returns the series value for the grid minute, applying bounded carry.
func (s *ffillSeries) at(minuteMS int64) (lake.PriceKline, bool) {
	if v, ok := s.values[minuteMS]; ok {
		s.lastMinute = minuteMS
		s.lastValue = v
		s.seeded = true
		return v, true
	}
	if !s.seeded {
		return lake.PriceKline{}, false
	}
	ageMinutes := (minuteMS - s.lastMinute) / 60_000
	if ageMinutes > int64(s.maxFfill) {
		return lake.PriceKline{}, false
	}
	return s.lastValue, true
}

func minuteKey(epochMS int64) int64 {
	return epochMS - epochMS%60_000
}

// aggMinute is the per-minute aggregation of aggTrades.
type aggMinute struct {
	count       int64
	buyVolBTC   float64
	sellVolBTC  float64
	buyVolUSDT  float64
	sellVolUSDT float64
	totalQty    float64
}

// BuildCanonicalFrame joins the source streams onto the dense minute grid
// [startMinute, endMinute] inclusive and returns the canonical frame. Trailing
// grid minutes with no kline are truncated; an interior gap fails with a
// *GapError.
func (e *Engine) BuildCanonicalFrame(startMinute, endMinute time.Time, in Inputs) (*lake.Frame, error) {
	start := timeutil.FloorMinute(startMinute)
	end := timeutil.FloorMinute(endMinute)
	if end.Before(start) {
		return nil, &RangeError{Start: start, End: end}
	}

	klineByMinute := make(map[int64]lake.Kline, len(in.Klines))
	for _, k := range in.Klines {
		klineByMinute[minuteKey(k.OpenTime)] = k
	}

	// Truncate trailing minutes absent from the kline spine (forming hour).
	effectiveEnd := end
	for !effectiveEnd.Before(start) {
		if _, ok := klineByMinute[effectiveEnd.UnixMilli()]; ok {
			break
		}
		effectiveEnd = effectiveEnd.Add(-time.Minute)
	}
	if effectiveEnd.Before(start) {
		return nil, &GapError{Minute: start}
	}

	markSeries := newFfillSeries(in.MarkPriceKlines, e.maxFfill)
	indexSeries := newFfillSeries(in.IndexPriceKlines, e.maxFfill)
	premiumSeries := newFfillSeries(in.PremiumIndexKlines, e.maxFfill)
	metricsSeries := newMetricsSeries(in.Metrics, e.maxFfill)

	aggByMinute := aggregateTrades(in.AggTrades)
	fundingByMinute := make(map[int64]lake.FundingRate, len(in.FundingRates))
	for _, f := range in.FundingRates {
		fundingByMinute[minuteKey(f.FundingTime)] = f
	}
	tickerByMinute := lastTickerPerMinute(in.BookTickers)
	depthByMinute := lastDepthPerMinute(in.BookDepths)
	liveByMinute := make(map[int64]lake.LiveSnapshot, len(in.LiveSnapshots))
	for _, snap := range in.LiveSnapshots {
		liveByMinute[minuteKey(snap.TimestampMS)] = snap
	}

	gridLen := timeutil.MinutesBetween(start, effectiveEnd)
	rows := make([]lake.MinuteRow, 0, gridLen)

	for cursor := start; !cursor.After(effectiveEnd); cursor = cursor.Add(time.Minute) {
		minuteMS := cursor.UnixMilli()
		kline, ok := klineByMinute[minuteMS]
		if !ok {
			return nil, &GapError{Minute: cursor}
		}

		row := lake.MinuteRow{Timestamp: cursor}
		row.Open = lake.Float64(kline.Open)
		row.High = lake.Float64(kline.High)
		row.Low = lake.Float64(kline.Low)
		row.Close = lake.Float64(kline.Close)
		row.VolumeBTC = lake.Float64(kline.VolumeBTC)
		row.VolumeUSDT = lake.Float64(kline.VolumeUSDT)
		row.TradeCount = lake.Int64(kline.TradeCount)
		row.TakerBuyVolBTC = lake.Float64(kline.TakerBuyVolBTC)
		row.TakerBuyVolUSDT = lake.Float64(kline.TakerBuyVolUSDT)

		if kline.VolumeBTC > 0 {
			row.VWAP1M = lake.Float64(kline.VolumeUSDT / kline.VolumeBTC)
		} else {
			row.VWAP1M = lake.Float64(kline.Close)
		}

		if mark, ok := markSeries.at(minuteMS); ok {
			row.MarkPriceOpen = lake.Float64(mark.Open)
			row.MarkPriceHigh = lake.Float64(mark.High)
			row.MarkPriceLow = lake.Float64(mark.Low)
			row.MarkPriceClose = lake.Float64(mark.Close)
		}
		if index, ok := indexSeries.at(minuteMS); ok {
			row.IndexPriceOpen = lake.Float64(index.Open)
			row.IndexPriceHigh = lake.Float64(index.High)
			row.IndexPriceLow = lake.Float64(index.Low)
			row.IndexPriceClose = lake.Float64(index.Close)
		}
		if premium, ok := premiumSeries.at(minuteMS); ok {
			row.PremiumIndexOpen = lake.Float64(premium.Open)
			row.PremiumIndexHigh = lake.Float64(premium.High)
			row.PremiumIndexLow = lake.Float64(premium.Low)
			row.PremiumIndexClose = lake.Float64(premium.Close)
		}

		if funding, ok := fundingByMinute[minuteMS]; ok {
			row.FundingRate = lake.Float64(funding.Rate)
		}

		if agg, ok := aggByMinute[minuteMS]; ok {
			row.AggTradeCount = lake.Int64(agg.count)
			row.AggBuyVolBTC = lake.Float64(agg.buyVolBTC)
			row.AggSellVolBTC = lake.Float64(agg.sellVolBTC)
			row.AggBuyVolUSDT = lake.Float64(agg.buyVolUSDT)
			row.AggSellVolUSDT = lake.Float64(agg.sellVolUSDT)
			if agg.count > 0 {
				row.AggAvgTradeSize = lake.Float64(agg.totalQty / float64(agg.count))
			}
		}

		if sample, ok := metricsSeries.at(minuteMS); ok {
			row.OpenInterest = lake.Float64(sample.OpenInterest)
			row.OpenInterestValue = lake.Float64(sample.OpenInterestValue)
			row.TopTraderLSRatioAccounts = lake.Float64(sample.TopTraderLSRatioAccounts)
			row.TopTraderLSRatioPositions = lake.Float64(sample.TopTraderLSRatioPositions)
			row.GlobalLSRatioAccounts = lake.Float64(sample.GlobalLSRatioAccounts)
			row.TakerBuySellVolRatio = lake.Float64(sample.TakerBuySellVolRatio)
		}

		if ticker, ok := tickerByMinute[minuteMS]; ok {
			row.BestBidPrice = lake.Float64(ticker.BidPrice)
			row.BestBidQty = lake.Float64(ticker.BidQty)
			row.BestAskPrice = lake.Float64(ticker.AskPrice)
			row.BestAskQty = lake.Float64(ticker.AskQty)
			mid := (ticker.BidPrice + ticker.AskPrice) / 2
			row.MidPrice = lake.Float64(mid)
			if mid > 0 {
				row.SpreadBps = lake.Float64((ticker.AskPrice - ticker.BidPrice) / mid * 10_000)
			}
		}

		if depth, ok := depthByMinute[minuteMS]; ok {
			row.DepthBidQty1Pct = lake.Float64(depth.BidQty1Pct)
			row.DepthAskQty1Pct = lake.Float64(depth.AskQty1Pct)
			row.DepthBidQty5Pct = lake.Float64(depth.BidQty5Pct)
			row.DepthAskQty5Pct = lake.Float64(depth.AskQty5Pct)
			if total := depth.BidQty1Pct + depth.AskQty1Pct; total > 0 {
				row.DepthImbalance1Pct = lake.Float64((depth.BidQty1Pct - depth.AskQty1Pct) / total)
			}
			if total := depth.BidQty5Pct + depth.AskQty5Pct; total > 0 {
				row.DepthImbalance5Pct = lake.Float64((depth.BidQty5Pct - depth.AskQty5Pct) / total)
			}
		}

		if snap, ok := liveByMinute[minuteMS]; ok {
			row.EventTime = snap.EventTime
			row.ArrivalTime = snap.ArrivalTime
			row.LatencyEngineMS = snap.LatencyEngineMS
			row.LatencyNetworkMS = snap.LatencyNetworkMS
			row.UpdateIDStart = snap.UpdateIDStart
			row.UpdateIDEnd = snap.UpdateIDEnd
			row.PriceImpactBuy100K = snap.PriceImpactBuy100K
			row.PriceImpactSell100K = snap.PriceImpactSell100K
			row.PredictedFunding = snap.PredictedFunding
			row.NextFundingTime = snap.NextFundingTime
		}

		rows = append(rows, row)
	}

	return lake.NewFrame(rows), nil
}

func aggregateTrades(trades []lake.AggTrade) map[int64]*aggMinute {
	out := make(map[int64]*aggMinute)
	for _, trade := range trades {
		key := minuteKey(trade.Timestamp)
		agg, ok := out[key]
		if !ok {
			agg = &aggMinute{}
			out[key] = agg
		}
		agg.count++
		agg.totalQty += trade.Quantity
		notional := trade.Quantity * trade.Price
		// buyer-maker means the aggressor sold
		if trade.IsBuyerMaker {
			agg.sellVolBTC += trade.Quantity
			agg.sellVolUSDT += notional
		} else {
			agg.buyVolBTC += trade.Quantity
			agg.buyVolUSDT += notional
		}
	}
	return out
}

func lastTickerPerMinute(tickers []lake.BookTicker) map[int64]lake.BookTicker {
	out := make(map[int64]lake.BookTicker, len(tickers))
	for _, t := range tickers {
		key := minuteKey(t.Timestamp)
		if prev, ok := out[key]; !ok || t.Timestamp >= prev.Timestamp {
			out[key] = t
		}
	}
	return out
}

func lastDepthPerMinute(depths []lake.BookDepth) map[int64]lake.BookDepth {
	out := make(map[int64]lake.BookDepth, len(depths))
	for _, d := range depths {
		key := minuteKey(d.Timestamp)
		if prev, ok := out[key]; !ok || d.Timestamp >= prev.Timestamp {
			out[key] = d
		}
	}
	return out
}

// metricsSeries applies the same bounded forward-fill carry to the 5-minute
// sampled metrics stream.
type metricsSeries struct {
	values   map[int64]lake.MetricsSample
	maxFfill int

	lastMinute int64
	lastValue  lake.MetricsSample
	seeded     bool
}

func newMetricsSeries(samples []lake.MetricsSample, maxFfill int) *metricsSeries {
	values := make(map[int64]lake.MetricsSample, len(samples))
	for _, s := range samples {
		values[minuteKey(s.CreateTime)] = s
	}
	return &metricsSeries{values: values, maxFfill: maxFfill}
}

func (s *metricsSeries) at(minuteMS int64) (lake.MetricsSample, bool) {
	if v, ok := s.values[minuteMS]; ok {
		s.lastMinute = minuteMS
		s.lastValue = v
		s.seeded = true
		return v, true
	}
	if !s.seeded {
		return lake.MetricsSample{}, false
	}
	ageMinutes := (minuteMS - s.lastMinute) / 60_000
	if ageMinutes > int64(s.maxFfill) {
		return lake.MetricsSample{}, false
	}
	return s.lastValue, true
}
