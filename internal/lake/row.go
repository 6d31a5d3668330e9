package lake

import "time"

// MinuteRow is one canonical minute record. Field order mirrors the canonical
// column registry in internal/schema; every column except timestamp is
// nullable and serialized as an optional parquet column.
type MinuteRow struct {
	Timestamp time.Time `parquet:"timestamp,timestamp(millisecond)"`

	Open            *float64 `parquet:"open,optional"`
	High            *float64 `parquet:"high,optional"`
	Low             *float64 `parquet:"low,optional"`
	Close           *float64 `parquet:"close,optional"`
	VolumeBTC       *float64 `parquet:"volume_btc,optional"`
	VolumeUSDT      *float64 `parquet:"volume_usdt,optional"`
	TradeCount      *int64   `parquet:"trade_count,optional"`
	TakerBuyVolBTC  *float64 `parquet:"taker_buy_vol_btc,optional"`
	TakerBuyVolUSDT *float64 `parquet:"taker_buy_vol_usdt,optional"`
	VWAP1M          *float64 `parquet:"vwap_1m,optional"`

	MarkPriceOpen  *float64 `parquet:"mark_price_open,optional"`
	MarkPriceHigh  *float64 `parquet:"mark_price_high,optional"`
	MarkPriceLow   *float64 `parquet:"mark_price_low,optional"`
	MarkPriceClose *float64 `parquet:"mark_price_close,optional"`

	IndexPriceOpen  *float64 `parquet:"index_price_open,optional"`
	IndexPriceHigh  *float64 `parquet:"index_price_high,optional"`
	IndexPriceLow   *float64 `parquet:"index_price_low,optional"`
	IndexPriceClose *float64 `parquet:"index_price_close,optional"`

	PremiumIndexOpen  *float64 `parquet:"premium_index_open,optional"`
	PremiumIndexHigh  *float64 `parquet:"premium_index_high,optional"`
	PremiumIndexLow   *float64 `parquet:"premium_index_low,optional"`
	PremiumIndexClose *float64 `parquet:"premium_index_close,optional"`

	FundingRate      *float64 `parquet:"funding_rate,optional"`
	PredictedFunding *float64 `parquet:"predicted_funding,optional"`
	NextFundingTime  *int64   `parquet:"next_funding_time,optional"`

	AggTradeCount   *int64   `parquet:"agg_trade_count,optional"`
	AggBuyVolBTC    *float64 `parquet:"agg_buy_vol_btc,optional"`
	AggSellVolBTC   *float64 `parquet:"agg_sell_vol_btc,optional"`
	AggBuyVolUSDT   *float64 `parquet:"agg_buy_vol_usdt,optional"`
	AggSellVolUSDT  *float64 `parquet:"agg_sell_vol_usdt,optional"`
	AggAvgTradeSize *float64 `parquet:"agg_avg_trade_size,optional"`

	OpenInterest              *float64 `parquet:"open_interest,optional"`
	OpenInterestValue         *float64 `parquet:"open_interest_value,optional"`
	TopTraderLSRatioAccounts  *float64 `parquet:"top_trader_ls_ratio_accounts,optional"`
	TopTraderLSRatioPositions *float64 `parquet:"top_trader_ls_ratio_positions,optional"`
	GlobalLSRatioAccounts     *float64 `parquet:"global_ls_ratio_accounts,optional"`
	TakerBuySellVolRatio      *float64 `parquet:"taker_buy_sell_vol_ratio,optional"`

	BestBidPrice *float64 `parquet:"best_bid_price,optional"`
	BestBidQty   *float64 `parquet:"best_bid_qty,optional"`
	BestAskPrice *float64 `parquet:"best_ask_price,optional"`
	BestAskQty   *float64 `parquet:"best_ask_qty,optional"`
	MidPrice     *float64 `parquet:"mid_price,optional"`
	SpreadBps    *float64 `parquet:"spread_bps,optional"`

	DepthBidQty1Pct    *float64 `parquet:"depth_bid_qty_1pct,optional"`
	DepthAskQty1Pct    *float64 `parquet:"depth_ask_qty_1pct,optional"`
	DepthBidQty5Pct    *float64 `parquet:"depth_bid_qty_5pct,optional"`
	DepthAskQty5Pct    *float64 `parquet:"depth_ask_qty_5pct,optional"`
	DepthImbalance1Pct *float64 `parquet:"depth_imbalance_1pct,optional"`
	DepthImbalance5Pct *float64 `parquet:"depth_imbalance_5pct,optional"`

	EventTime           *int64   `parquet:"event_time,optional"`
	ArrivalTime         *int64   `parquet:"arrival_time,optional"`
	LatencyEngineMS     *int64   `parquet:"latency_engine_ms,optional"`
	LatencyNetworkMS    *int64   `parquet:"latency_network_ms,optional"`
	UpdateIDStart       *int64   `parquet:"update_id_start,optional"`
	UpdateIDEnd         *int64   `parquet:"update_id_end,optional"`
	PriceImpactBuy100K  *float64 `parquet:"price_impact_buy_100k,optional"`
	PriceImpactSell100K *float64 `parquet:"price_impact_sell_100k,optional"`
}

// IsNull reports whether the named canonical column is null in this row.
// Unknown names report true so callers treat them as violations.
func (r *MinuteRow) IsNull(name string) bool {
	switch name {
	case "timestamp":
		return r.Timestamp.IsZero()
	case "open":
		return r.Open == nil
	case "high":
		return r.High == nil
	case "low":
		return r.Low == nil
	case "close":
		return r.Close == nil
	case "volume_btc":
		return r.VolumeBTC == nil
	case "volume_usdt":
		return r.VolumeUSDT == nil
	case "trade_count":
		return r.TradeCount == nil
	case "taker_buy_vol_btc":
		return r.TakerBuyVolBTC == nil
	case "taker_buy_vol_usdt":
		return r.TakerBuyVolUSDT == nil
	case "vwap_1m":
		return r.VWAP1M == nil
	case "mark_price_open":
		return r.MarkPriceOpen == nil
	case "mark_price_high":
		return r.MarkPriceHigh == nil
	case "mark_price_low":
		return r.MarkPriceLow == nil
	case "mark_price_close":
		return r.MarkPriceClose == nil
	case "index_price_open":
		return r.IndexPriceOpen == nil
	case "index_price_high":
		return r.IndexPriceHigh == nil
	case "index_price_low":
		return r.IndexPriceLow == nil
	case "index_price_close":
		return r.IndexPriceClose == nil
	case "premium_index_open":
		return r.PremiumIndexOpen == nil
	case "premium_index_high":
		return r.PremiumIndexHigh == nil
	case "premium_index_low":
		return r.PremiumIndexLow == nil
	case "premium_index_close":
		return r.PremiumIndexClose == nil
	case "funding_rate":
		return r.FundingRate == nil
	case "predicted_funding":
		return r.PredictedFunding == nil
	case "next_funding_time":
		return r.NextFundingTime == nil
	case "agg_trade_count":
		return r.AggTradeCount == nil
	case "agg_buy_vol_btc":
		return r.AggBuyVolBTC == nil
	case "agg_sell_vol_btc":
		return r.AggSellVolBTC == nil
	case "agg_buy_vol_usdt":
		return r.AggBuyVolUSDT == nil
	case "agg_sell_vol_usdt":
		return r.AggSellVolUSDT == nil
	case "agg_avg_trade_size":
		return r.AggAvgTradeSize == nil
	case "open_interest":
		return r.OpenInterest == nil
	case "open_interest_value":
		return r.OpenInterestValue == nil
	case "top_trader_ls_ratio_accounts":
		return r.TopTraderLSRatioAccounts == nil
	case "top_trader_ls_ratio_positions":
		return r.TopTraderLSRatioPositions == nil
	case "global_ls_ratio_accounts":
		return r.GlobalLSRatioAccounts == nil
	case "taker_buy_sell_vol_ratio":
		return r.TakerBuySellVolRatio == nil
	case "best_bid_price":
		return r.BestBidPrice == nil
	case "best_bid_qty":
		return r.BestBidQty == nil
	case "best_ask_price":
		return r.BestAskPrice == nil
	case "best_ask_qty":
		return r.BestAskQty == nil
	case "mid_price":
		return r.MidPrice == nil
	case "spread_bps":
		return r.SpreadBps == nil
	case "depth_bid_qty_1pct":
		return r.DepthBidQty1Pct == nil
	case "depth_ask_qty_1pct":
		return r.DepthAskQty1Pct == nil
	case "depth_bid_qty_5pct":
		return r.DepthBidQty5Pct == nil
	case "depth_ask_qty_5pct":
		return r.DepthAskQty5Pct == nil
	case "depth_imbalance_1pct":
		return r.DepthImbalance1Pct == nil
	case "depth_imbalance_5pct":
		return r.DepthImbalance5Pct == nil
	case "event_time":
		return r.EventTime == nil
	case "arrival_time":
		return r.ArrivalTime == nil
	case "latency_engine_ms":
		return r.LatencyEngineMS == nil
	case "latency_network_ms":
		return r.LatencyNetworkMS == nil
	case "update_id_start":
		return r.UpdateIDStart == nil
	case "update_id_end":
		return r.UpdateIDEnd == nil
	case "price_impact_buy_100k":
		return r.PriceImpactBuy100K == nil
	case "price_impact_sell_100k":
		return r.PriceImpactSell100K == nil
	default:
		return true
	}
}

// Float64 boxes a float for nullable columns.
func Float64(v float64) *float64 { return &v }

// Int64 boxes an int for nullable columns.
func Int64(v int64) *int64 { return &v }
