// Package rest is the retry-aware client for the exchange's futures REST
// endpoints. Payloads are parsed and normalized at the client edge into typed
// per-endpoint results so the orchestrator never sees raw JSON maps.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/sawpanic/minutelake/internal/lake"
	"github.com/sawpanic/minutelake/internal/metrics"
)

// StatusError is the typed HTTP failure surfaced when retries are exhausted
// or the status is a non-retryable 4xx.
type StatusError struct {
	Status int
	Body   string
	URL    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d from %s: %s", e.Status, e.URL, e.Body)
}

// PremiumIndexResult is the normalized /fapi/v1/premiumIndex payload.
type PremiumIndexResult struct {
	MarkPrice        float64
	IndexPrice       float64
	LastFunding      float64
	PredictedFunding float64
	NextFundingTime  int64
	Time             int64
}

// OpenInterestResult is the normalized /fapi/v1/openInterest payload.
type OpenInterestResult struct {
	Symbol       string
	OpenInterest float64
	Time         int64
}

// Client issues retry-bounded requests against the futures REST API. Retries
// apply only to 429 and 5xx; Retry-After is honored when present. The
// configured retry count is the total attempt budget.
type Client struct {
	baseURL string
	retries int
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger
}

// NewClient builds a REST client. transport may be nil for the default; tests
// inject a deterministic http.RoundTripper.
func NewClient(baseURL string, retries int, timeout time.Duration, transport http.RoundTripper, logger zerolog.Logger) *Client {
	if retries < 1 {
		retries = 1
	}
	return &Client{
		baseURL: baseURL,
		retries: retries,
		http: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: "futures-rest",
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 12
			},
		}),
		log: logger,
	}
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// getJSON runs the bounded retry loop for one endpoint and decodes the body
// of the first successful response into out.
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	fullURL := c.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	body, err := c.breaker.Execute(func() (any, error) {
		return c.fetchWithRetry(ctx, fullURL)
	})
	if err != nil {
		// An open breaker is the same transient upstream failure the tripping
		// statuses were; surface it as one so callers skip the hour and retry
		// later instead of aborting.
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return &StatusError{Status: http.StatusServiceUnavailable, Body: err.Error(), URL: fullURL}
		}
		return err
	}
	if err := json.Unmarshal(body.([]byte), out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", fullURL, err)
	}
	return nil
}

func (c *Client) fetchWithRetry(ctx context.Context, fullURL string) ([]byte, error) {
	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = 250 * time.Millisecond
	schedule.MaxInterval = 5 * time.Second

	var lastStatus int
	var lastBody []byte

	for attempt := 1; attempt <= c.retries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("GET %s failed: %w", fullURL, err)
		}
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return nil, fmt.Errorf("failed to read response from %s: %w", fullURL, readErr)
		}

		if resp.StatusCode == http.StatusOK {
			return body, nil
		}

		lastStatus = resp.StatusCode
		lastBody = body

		if !retryableStatus(resp.StatusCode) {
			return nil, &StatusError{Status: resp.StatusCode, Body: string(body), URL: fullURL}
		}
		if attempt == c.retries {
			break
		}

		metrics.RESTRetries.Inc()
		wait := schedule.NextBackOff()
		if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
			if seconds, err := strconv.Atoi(retryAfter); err == nil {
				wait = time.Duration(seconds) * time.Second
			}
		}
		c.log.Debug().
			Int("status", resp.StatusCode).
			Int("attempt", attempt).
			Dur("wait", wait).
			Str("url", fullURL).
			Msg("retrying REST request")

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, &StatusError{Status: lastStatus, Body: string(lastBody), URL: fullURL}
}

func parseFloat(raw string) (float64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseFloat(raw, 64)
}

// PremiumIndex fetches the live mark/index/funding snapshot for one symbol.
func (c *Client) PremiumIndex(ctx context.Context, symbol string) (PremiumIndexResult, error) {
	var payload struct {
		MarkPrice            string `json:"markPrice"`
		IndexPrice           string `json:"indexPrice"`
		LastFundingRate      string `json:"lastFundingRate"`
		PredictedFundingRate string `json:"predictedFundingRate"`
		NextFundingTime      int64  `json:"nextFundingTime"`
		Time                 int64  `json:"time"`
	}
	query := url.Values{"symbol": {symbol}}
	if err := c.getJSON(ctx, "/fapi/v1/premiumIndex", query, &payload); err != nil {
		return PremiumIndexResult{}, err
	}

	mark, err := parseFloat(payload.MarkPrice)
	if err != nil {
		return PremiumIndexResult{}, fmt.Errorf("malformed markPrice %q: %w", payload.MarkPrice, err)
	}
	index, err := parseFloat(payload.IndexPrice)
	if err != nil {
		return PremiumIndexResult{}, fmt.Errorf("malformed indexPrice %q: %w", payload.IndexPrice, err)
	}
	lastFunding, err := parseFloat(payload.LastFundingRate)
	if err != nil {
		return PremiumIndexResult{}, fmt.Errorf("malformed lastFundingRate %q: %w", payload.LastFundingRate, err)
	}
	predicted, err := parseFloat(payload.PredictedFundingRate)
	if err != nil {
		return PremiumIndexResult{}, fmt.Errorf("malformed predictedFundingRate %q: %w", payload.PredictedFundingRate, err)
	}

	return PremiumIndexResult{
		MarkPrice:        mark,
		IndexPrice:       index,
		LastFunding:      lastFunding,
		PredictedFunding: predicted,
		NextFundingTime:  payload.NextFundingTime,
		Time:             payload.Time,
	}, nil
}

// OpenInterest fetches the live open interest for one symbol.
func (c *Client) OpenInterest(ctx context.Context, symbol string) (OpenInterestResult, error) {
	var payload struct {
		Symbol       string `json:"symbol"`
		OpenInterest string `json:"openInterest"`
		Time         int64  `json:"time"`
	}
	query := url.Values{"symbol": {symbol}}
	if err := c.getJSON(ctx, "/fapi/v1/openInterest", query, &payload); err != nil {
		return OpenInterestResult{}, err
	}
	oi, err := parseFloat(payload.OpenInterest)
	if err != nil {
		return OpenInterestResult{}, fmt.Errorf("malformed openInterest %q: %w", payload.OpenInterest, err)
	}
	return OpenInterestResult{Symbol: payload.Symbol, OpenInterest: oi, Time: payload.Time}, nil
}

func klineQuery(symbol, interval string, startMS, endMS int64, limit int) url.Values {
	query := url.Values{
		"symbol":   {symbol},
		"interval": {interval},
	}
	if startMS > 0 {
		query.Set("startTime", strconv.FormatInt(startMS, 10))
	}
	if endMS > 0 {
		query.Set("endTime", strconv.FormatInt(endMS, 10))
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	return query
}

// rawKlines decodes the array-of-arrays kline wire format.
func (c *Client) rawKlines(ctx context.Context, path, symbol, interval string, startMS, endMS int64, limit int) ([][]any, error) {
	var rows [][]any
	if err := c.getJSON(ctx, path, klineQuery(symbol, interval, startMS, endMS, limit), &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func fieldFloat(row []any, idx int) (float64, error) {
	if idx >= len(row) {
		return 0, fmt.Errorf("kline row has %d fields, want index %d", len(row), idx)
	}
	switch v := row[idx].(type) {
	case string:
		return strconv.ParseFloat(v, 64)
	case float64:
		return v, nil
	default:
		return 0, fmt.Errorf("kline field %d has unexpected type %T", idx, row[idx])
	}
}

func fieldInt(row []any, idx int) (int64, error) {
	f, err := fieldFloat(row, idx)
	if err != nil {
		return 0, err
	}
	return int64(f), nil
}

// Klines fetches live klines for the HOT band.
func (c *Client) Klines(ctx context.Context, symbol, interval string, startMS, endMS int64, limit int) ([]lake.Kline, error) {
	rows, err := c.rawKlines(ctx, "/fapi/v1/klines", symbol, interval, startMS, endMS, limit)
	if err != nil {
		return nil, err
	}
	out := make([]lake.Kline, 0, len(rows))
	for i, row := range rows {
		openTime, err := fieldInt(row, 0)
		if err != nil {
			return nil, fmt.Errorf("kline row %d: %w", i, err)
		}
		open, err := fieldFloat(row, 1)
		if err != nil {
			return nil, fmt.Errorf("kline row %d: %w", i, err)
		}
		high, err := fieldFloat(row, 2)
		if err != nil {
			return nil, fmt.Errorf("kline row %d: %w", i, err)
		}
		low, err := fieldFloat(row, 3)
		if err != nil {
			return nil, fmt.Errorf("kline row %d: %w", i, err)
		}
		closePx, err := fieldFloat(row, 4)
		if err != nil {
			return nil, fmt.Errorf("kline row %d: %w", i, err)
		}
		volBase, err := fieldFloat(row, 5)
		if err != nil {
			return nil, fmt.Errorf("kline row %d: %w", i, err)
		}
		volQuote, err := fieldFloat(row, 7)
		if err != nil {
			return nil, fmt.Errorf("kline row %d: %w", i, err)
		}
		trades, err := fieldInt(row, 8)
		if err != nil {
			return nil, fmt.Errorf("kline row %d: %w", i, err)
		}
		takerBase, err := fieldFloat(row, 9)
		if err != nil {
			return nil, fmt.Errorf("kline row %d: %w", i, err)
		}
		takerQuote, err := fieldFloat(row, 10)
		if err != nil {
			return nil, fmt.Errorf("kline row %d: %w", i, err)
		}
		out = append(out, lake.Kline{
			OpenTime:        openTime,
			Open:            open,
			High:            high,
			Low:             low,
			Close:           closePx,
			VolumeBTC:       volBase,
			VolumeUSDT:      volQuote,
			TradeCount:      trades,
			TakerBuyVolBTC:  takerBase,
			TakerBuyVolUSDT: takerQuote,
		})
	}
	return out, nil
}

func (c *Client) priceKlines(ctx context.Context, path, symbol, interval string, startMS, endMS int64, limit int) ([]lake.PriceKline, error) {
	rows, err := c.rawKlines(ctx, path, symbol, interval, startMS, endMS, limit)
	if err != nil {
		return nil, err
	}
	out := make([]lake.PriceKline, 0, len(rows))
	for i, row := range rows {
		kline, err := parsePriceKlineRow(row)
		if err != nil {
			return nil, fmt.Errorf("price kline row %d: %w", i, err)
		}
		out = append(out, kline)
	}
	return out, nil
}

// MarkPriceKlines fetches live mark-price klines.
func (c *Client) MarkPriceKlines(ctx context.Context, symbol, interval string, startMS, endMS int64, limit int) ([]lake.PriceKline, error) {
	return c.priceKlines(ctx, "/fapi/v1/markPriceKlines", symbol, interval, startMS, endMS, limit)
}

// IndexPriceKlines fetches live index-price klines. The endpoint keys on the
// pair rather than the symbol; UM perps use the symbol as the pair name.
func (c *Client) IndexPriceKlines(ctx context.Context, symbol, interval string, startMS, endMS int64, limit int) ([]lake.PriceKline, error) {
	query := klineQuery("", interval, startMS, endMS, limit)
	query.Del("symbol")
	query.Set("pair", symbol)
	var raw [][]any
	if err := c.getJSON(ctx, "/fapi/v1/indexPriceKlines", query, &raw); err != nil {
		return nil, err
	}
	out := make([]lake.PriceKline, 0, len(raw))
	for i, row := range raw {
		kline, err := parsePriceKlineRow(row)
		if err != nil {
			return nil, fmt.Errorf("index price kline row %d: %w", i, err)
		}
		out = append(out, kline)
	}
	return out, nil
}

func parsePriceKlineRow(row []any) (lake.PriceKline, error) {
	openTime, err := fieldInt(row, 0)
	if err != nil {
		return lake.PriceKline{}, err
	}
	open, err := fieldFloat(row, 1)
	if err != nil {
		return lake.PriceKline{}, err
	}
	high, err := fieldFloat(row, 2)
	if err != nil {
		return lake.PriceKline{}, err
	}
	low, err := fieldFloat(row, 3)
	if err != nil {
		return lake.PriceKline{}, err
	}
	closePx, err := fieldFloat(row, 4)
	if err != nil {
		return lake.PriceKline{}, err
	}
	return lake.PriceKline{OpenTime: openTime, Open: open, High: high, Low: low, Close: closePx}, nil
}

// PremiumIndexKlines fetches live premium-index klines.
func (c *Client) PremiumIndexKlines(ctx context.Context, symbol, interval string, startMS, endMS int64, limit int) ([]lake.PriceKline, error) {
	return c.priceKlines(ctx, "/fapi/v1/premiumIndexKlines", symbol, interval, startMS, endMS, limit)
}

// FundingRate fetches historical funding events in [startMS, endMS].
func (c *Client) FundingRate(ctx context.Context, symbol string, startMS, endMS int64, limit int) ([]lake.FundingRate, error) {
	var payload []struct {
		FundingTime int64  `json:"fundingTime"`
		FundingRate string `json:"fundingRate"`
	}
	query := url.Values{"symbol": {symbol}}
	if startMS > 0 {
		query.Set("startTime", strconv.FormatInt(startMS, 10))
	}
	if endMS > 0 {
		query.Set("endTime", strconv.FormatInt(endMS, 10))
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if err := c.getJSON(ctx, "/fapi/v1/fundingRate", query, &payload); err != nil {
		return nil, err
	}
	out := make([]lake.FundingRate, 0, len(payload))
	for i, row := range payload {
		fundingRate, err := parseFloat(row.FundingRate)
		if err != nil {
			return nil, fmt.Errorf("funding row %d has malformed rate %q: %w", i, row.FundingRate, err)
		}
		out = append(out, lake.FundingRate{FundingTime: row.FundingTime, Rate: fundingRate})
	}
	return out, nil
}
