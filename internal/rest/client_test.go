package rest

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedTransport plays back a fixed response sequence and counts calls.
type scriptedTransport struct {
	responses []*http.Response
	calls     int
}

func (t *scriptedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	idx := t.calls
	if idx >= len(t.responses) {
		idx = len(t.responses) - 1
	}
	t.calls++
	resp := t.responses[idx]
	resp.Request = req
	return resp, nil
}

func response(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header: http.Header{
			// keep retry waits out of the test clock
			"Retry-After": {"0"},
		},
		Body: io.NopCloser(strings.NewReader(body)),
	}
}

func newTestClient(retries int, transport http.RoundTripper) *Client {
	return NewClient("https://fapi.test", retries, 5*time.Second, transport, zerolog.Nop())
}

func TestPremiumIndexRetriesThenSucceeds(t *testing.T) {
	transport := &scriptedTransport{responses: []*http.Response{
		response(http.StatusTooManyRequests, `{"code":-1003}`),
		response(http.StatusTooManyRequests, `{"code":-1003}`),
		response(http.StatusOK, `{"markPrice":"100.0","indexPrice":"99.0","lastFundingRate":"0.0001","predictedFundingRate":"0.0002","nextFundingTime":1700000000000,"time":1699999990000}`),
	}}
	c := newTestClient(3, transport)

	result, err := c.PremiumIndex(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 3, transport.calls)
	assert.Equal(t, 100.0, result.MarkPrice)
	assert.Equal(t, 99.0, result.IndexPrice)
	assert.Equal(t, 0.0002, result.PredictedFunding)
	assert.Equal(t, int64(1700000000000), result.NextFundingTime)
}

func TestRetriesAreTotalAttemptBudget(t *testing.T) {
	transport := &scriptedTransport{responses: []*http.Response{
		response(http.StatusServiceUnavailable, "down"),
		response(http.StatusServiceUnavailable, "down"),
		response(http.StatusServiceUnavailable, "down"),
	}}
	c := newTestClient(3, transport)

	_, err := c.PremiumIndex(context.Background(), "BTCUSDT")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.Status)
	assert.Equal(t, 3, transport.calls)
}

func TestOpenInterestNoRetryOn400(t *testing.T) {
	transport := &scriptedTransport{responses: []*http.Response{
		response(http.StatusBadRequest, `{"code":-1121,"msg":"Invalid symbol."}`),
	}}
	c := newTestClient(5, transport)

	_, err := c.OpenInterest(context.Background(), "NOPE")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadRequest, statusErr.Status)
	assert.Equal(t, 1, transport.calls)
}

func TestBreakerOpenSurfacesAsStatusError(t *testing.T) {
	transport := &scriptedTransport{responses: []*http.Response{
		response(http.StatusBadRequest, `{"code":-1121,"msg":"Invalid symbol."}`),
	}}
	c := newTestClient(1, transport)

	var lastErr error
	for i := 0; i < 13; i++ {
		_, lastErr = c.OpenInterest(context.Background(), "NOPE")
		require.Error(t, lastErr)
	}

	// breaker trips on the 12th consecutive failure; the 13th call never
	// reaches the transport and still reports a StatusError
	assert.Equal(t, 12, transport.calls)
	var statusErr *StatusError
	require.ErrorAs(t, lastErr, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.Status)
}

func TestKlinesParsing(t *testing.T) {
	body := `[
		[1767225600000,"100.0","101.0","99.0","100.5","2.0",1767225659999,"200000.0",20,"1.2","120000.0","0"],
		[1767225660000,"100.5","102.0","100.0","101.5","3.0",1767225719999,"300000.0",30,"1.5","150000.0","0"]
	]`
	transport := &scriptedTransport{responses: []*http.Response{response(http.StatusOK, body)}}
	c := newTestClient(3, transport)

	klines, err := c.Klines(context.Background(), "BTCUSDT", "1m", 0, 0, 2)
	require.NoError(t, err)
	require.Len(t, klines, 2)

	first := klines[0]
	assert.Equal(t, int64(1767225600000), first.OpenTime)
	assert.Equal(t, 100.0, first.Open)
	assert.Equal(t, 101.0, first.High)
	assert.Equal(t, 99.0, first.Low)
	assert.Equal(t, 100.5, first.Close)
	assert.Equal(t, 2.0, first.VolumeBTC)
	assert.Equal(t, 200000.0, first.VolumeUSDT)
	assert.Equal(t, int64(20), first.TradeCount)
	assert.Equal(t, 1.2, first.TakerBuyVolBTC)
	assert.Equal(t, 120000.0, first.TakerBuyVolUSDT)
}

func TestIndexPriceKlinesUsesPairQuery(t *testing.T) {
	var gotQuery string
	transport := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		gotQuery = req.URL.RawQuery
		return response(http.StatusOK, `[[1767225600000,"99.0","99.5","98.5","99.2"]]`), nil
	})
	c := newTestClient(3, transport)

	klines, err := c.IndexPriceKlines(context.Background(), "BTCUSDT", "1m", 0, 0, 1)
	require.NoError(t, err)
	require.Len(t, klines, 1)
	assert.Equal(t, 99.2, klines[0].Close)
	assert.Contains(t, gotQuery, "pair=BTCUSDT")
	assert.NotContains(t, gotQuery, "symbol=")
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func TestFundingRateParsing(t *testing.T) {
	body := `[
		{"symbol":"BTCUSDT","fundingTime":1767225600000,"fundingRate":"0.00010000"},
		{"symbol":"BTCUSDT","fundingTime":1767254400000,"fundingRate":"-0.00005000"}
	]`
	transport := &scriptedTransport{responses: []*http.Response{response(http.StatusOK, body)}}
	c := newTestClient(3, transport)

	rates, err := c.FundingRate(context.Background(), "BTCUSDT", 0, 0, 1000)
	require.NoError(t, err)
	require.Len(t, rates, 2)
	assert.Equal(t, int64(1767225600000), rates[0].FundingTime)
	assert.Equal(t, 0.0001, rates[0].Rate)
	assert.Equal(t, -0.00005, rates[1].Rate)
}
