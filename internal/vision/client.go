// Package vision resolves and fetches the daily ZIP archives published by the
// exchange's archival object store. Stream URL patterns live in a closed,
// immutable registry queried through pure lookups.
package vision

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/sawpanic/minutelake/internal/metrics"
)

// streamPattern fixes the folder and filename layout for one archive stream.
type streamPattern struct {
	folder           string // placeholders: {symbol}, {interval}
	file             string // placeholders: {symbol}, {interval}, {date}
	requiresInterval bool
}

// registry is the closed set of supported streams. Never mutated after init.
var registry = map[string]streamPattern{
	"klines":             {"klines/{symbol}/{interval}/", "{symbol}-{interval}-{date}.zip", true},
	"markPriceKlines":    {"markPriceKlines/{symbol}/{interval}/", "{symbol}-markPriceKlines-{interval}-{date}.zip", true},
	"indexPriceKlines":   {"indexPriceKlines/{symbol}/{interval}/", "{symbol}-indexPriceKlines-{interval}-{date}.zip", true},
	"premiumIndexKlines": {"premiumIndexKlines/{symbol}/{interval}/", "{symbol}-premiumIndexKlines-{interval}-{date}.zip", true},
	"aggTrades":          {"aggTrades/{symbol}/", "{symbol}-aggTrades-{date}.zip", false},
	"bookTicker":         {"bookTicker/{symbol}/", "{symbol}-bookTicker-{date}.zip", false},
	"bookDepth":          {"bookDepth/{symbol}/", "{symbol}-bookDepth-{date}.zip", false},
	"metrics":            {"metrics/{symbol}/", "{symbol}-metrics-{date}.zip", false},
	"trades":             {"trades/{symbol}/", "{symbol}-trades-{date}.zip", false},
}

// UnknownStreamError identifies a stream name outside the supported set.
type UnknownStreamError struct {
	Stream    string
	Supported []string
}

func (e *UnknownStreamError) Error() string {
	return fmt.Sprintf("unsupported vision stream %q, supported: %s", e.Stream, strings.Join(e.Supported, ", "))
}

// SupportedStreams returns the stream names in the registry, sorted.
func SupportedStreams() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RequiresInterval reports whether the stream's URL pattern takes an interval.
func RequiresInterval(stream string) bool {
	pattern, ok := registry[stream]
	return ok && pattern.requiresInterval
}

func lookup(stream string) (streamPattern, error) {
	pattern, ok := registry[stream]
	if !ok {
		return streamPattern{}, &UnknownStreamError{Stream: stream, Supported: SupportedStreams()}
	}
	return pattern, nil
}

// ObjectStatus is the result of an existence probe against one daily archive.
type ObjectStatus struct {
	Stream    string
	Symbol    string
	TradeDate time.Time
	URL       string
	Exists    bool
}

// Client probes and downloads daily archives.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger
}

// NewClient builds a vision client. transport may be nil for the default.
func NewClient(baseURL string, timeout time.Duration, transport http.RoundTripper, logger zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		limiter: rate.NewLimiter(rate.Limit(8), 16),
		log:     logger,
	}
}

func expand(pattern, symbol, interval string, tradeDate time.Time) string {
	out := strings.ReplaceAll(pattern, "{symbol}", strings.ToUpper(symbol))
	out = strings.ReplaceAll(out, "{interval}", interval)
	out = strings.ReplaceAll(out, "{date}", tradeDate.UTC().Format("2006-01-02"))
	return out
}

// ExpectedFilename returns the archive filename for one stream and day.
func (c *Client) ExpectedFilename(stream, symbol string, tradeDate time.Time, interval string) (string, error) {
	pattern, err := lookup(stream)
	if err != nil {
		return "", err
	}
	return expand(pattern.file, symbol, interval, tradeDate), nil
}

// BuildDailyZipURL resolves the full URL of one stream's daily archive.
func (c *Client) BuildDailyZipURL(stream, symbol string, tradeDate time.Time, interval string) (string, error) {
	pattern, err := lookup(stream)
	if err != nil {
		return "", err
	}
	folder := expand(pattern.folder, symbol, interval, tradeDate)
	file := expand(pattern.file, symbol, interval, tradeDate)
	return c.baseURL + "/" + folder + file, nil
}

// Status resolves the URL for one daily archive and probes its existence.
func (c *Client) Status(ctx context.Context, stream, symbol string, tradeDate time.Time, interval string) (ObjectStatus, error) {
	url, err := c.BuildDailyZipURL(stream, symbol, tradeDate, interval)
	if err != nil {
		return ObjectStatus{}, err
	}
	exists, err := c.Exists(ctx, url)
	if err != nil {
		return ObjectStatus{}, err
	}
	return ObjectStatus{
		Stream:    stream,
		Symbol:    strings.ToUpper(symbol),
		TradeDate: tradeDate.UTC(),
		URL:       url,
		Exists:    exists,
	}, nil
}

// Exists probes a URL with HEAD. Object stores that reject HEAD (403/405)
// get a one-byte ranged GET fallback; 200 and 206 both count as present.
// Every other status means not-exists.
func (c *Client) Exists(ctx context.Context, url string) (bool, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false, fmt.Errorf("failed to build HEAD request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("HEAD %s failed: %w", url, err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusForbidden, http.StatusMethodNotAllowed:
		return c.existsByRangedGet(ctx, url)
	default:
		return false, nil
	}
}

func (c *Client) existsByRangedGet(ctx context.Context, url string) (bool, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("failed to build ranged GET request: %w", err)
	}
	req.Header.Set("Range", "bytes=0-0")
	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("ranged GET %s failed: %w", url, err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent, nil
}

// DownloadZip streams a GET into a temp file next to destination and renames
// it into place, creating parent directories on demand.
func (c *Client) DownloadZip(ctx context.Context, url, destination string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return fmt.Errorf("failed to create download directory: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build GET request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return &DownloadError{URL: url, Status: resp.StatusCode}
	}

	tmpPath := filepath.Join(filepath.Dir(destination), "."+uuid.NewString()+".partial")
	out, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create temp download file: %w", err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to stream %s: %w", url, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp download file: %w", err)
	}
	if err := os.Rename(tmpPath, destination); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to finalize download: %w", err)
	}

	metrics.VisionDownloads.Inc()
	c.log.Info().Str("url", url).Str("path", destination).Msg("downloaded vision object")
	return nil
}

// DownloadError is a non-200 response to an archive download. 404 on a day
// where an archive is expected is a permanent upstream failure; no retry.
type DownloadError struct {
	URL    string
	Status int
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download %s returned status %d", e.URL, e.Status)
}
