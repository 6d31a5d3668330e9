// Package lake holds the shared data model of the minute lake: the canonical
// minute row and frame, the raw source row types produced by decoders and the
// REST client, and the optional live collector contract.
package lake

// Kline is one raw kline row keyed by canonical source names. OpenTime is
// epoch milliseconds and must be minute aligned.
type Kline struct {
	OpenTime        int64
	Open            float64
	High            float64
	Low             float64
	Close           float64
	VolumeBTC       float64
	VolumeUSDT      float64
	TradeCount      int64
	TakerBuyVolBTC  float64
	TakerBuyVolUSDT float64
}

// PriceKline is one raw mark-price, index-price or premium-index kline row.
// The three streams share the kline wire layout; only OHLC carries signal.
type PriceKline struct {
	OpenTime int64
	Open     float64
	High     float64
	Low      float64
	Close    float64
}

// AggTrade is one raw aggregated trade.
type AggTrade struct {
	ID           int64
	Price        float64
	Quantity     float64
	FirstTradeID int64
	LastTradeID  int64
	Timestamp    int64
	IsBuyerMaker bool
}

// FundingRate is one funding event, joined onto the minute of FundingTime.
type FundingRate struct {
	FundingTime int64
	Rate        float64
}

// MetricsSample is one row of the daily metrics archive (5-minute sampling).
type MetricsSample struct {
	CreateTime                int64
	OpenInterest              float64
	OpenInterestValue         float64
	TopTraderLSRatioAccounts  float64
	TopTraderLSRatioPositions float64
	GlobalLSRatioAccounts     float64
	TakerBuySellVolRatio      float64
}

// BookTicker is one best-bid/ask sample from the bookTicker archive.
type BookTicker struct {
	Timestamp int64
	BidPrice  float64
	BidQty    float64
	AskPrice  float64
	AskQty    float64
}

// BookDepth is one depth snapshot from the bookDepth archive, reduced to the
// 1% and 5% notional bands.
type BookDepth struct {
	Timestamp  int64
	BidQty1Pct float64
	AskQty1Pct float64
	BidQty5Pct float64
	AskQty5Pct float64
}

// LiveSnapshot carries the live-only per-minute features. All fields besides
// TimestampMS are optional; absent values stay null in the canonical frame.
type LiveSnapshot struct {
	TimestampMS         int64
	EventTime           *int64
	ArrivalTime         *int64
	LatencyEngineMS     *int64
	LatencyNetworkMS    *int64
	UpdateIDStart       *int64
	UpdateIDEnd         *int64
	PriceImpactBuy100K  *float64
	PriceImpactSell100K *float64
	PredictedFunding    *float64
	NextFundingTime     *int64
}

// LiveCollector is the optional live data source. Baseline deployments run
// without one; live-only columns then remain null by schema contract.
type LiveCollector interface {
	SnapshotForMinute(minuteMS int64) (*LiveSnapshot, bool)
}
