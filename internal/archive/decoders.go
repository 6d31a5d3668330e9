// Package archive parses the daily ZIP-CSV archives into raw row sets. Some
// streams ship without a header row, so every decoder works off a fixed
// positional schema and tolerates extra trailing columns. Empty archives
// decode to empty row sets.
package archive

import (
	"archive/zip"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/sawpanic/minutelake/internal/lake"
)

// DecodeError is a typed decode failure naming the offending row.
type DecodeError struct {
	Stream string
	Row    int
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s row %d: %s", e.Stream, e.Row, e.Reason)
}

const minuteMS = 60_000

// forEachCSVRecord walks every CSV record in every .csv member of the
// archive, in order, calling fn with a running row index. A leading header
// row (first field not numeric) is skipped per member.
func forEachCSVRecord(zipPath, stream string, fn func(row int, record []string) error) error {
	reader, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("failed to open archive %s: %w", zipPath, err)
	}
	defer reader.Close()

	row := 0
	for _, member := range reader.File {
		if !strings.HasSuffix(member.Name, ".csv") {
			continue
		}
		handle, err := member.Open()
		if err != nil {
			return fmt.Errorf("failed to open %s in %s: %w", member.Name, zipPath, err)
		}
		csvReader := csv.NewReader(handle)
		csvReader.FieldsPerRecord = -1

		first := true
		for {
			record, err := csvReader.Read()
			if err == io.EOF {
				break
			}
			if err != nil {
				handle.Close()
				return &DecodeError{Stream: stream, Row: row, Reason: fmt.Sprintf("malformed csv: %v", err)}
			}
			if first {
				first = false
				if len(record) > 0 {
					if _, numErr := strconv.ParseFloat(record[0], 64); numErr != nil {
						// header row
						continue
					}
				}
			}
			if err := fn(row, record); err != nil {
				handle.Close()
				return err
			}
			row++
		}
		handle.Close()
	}
	return nil
}

func recordFloat(stream string, row int, record []string, idx int) (float64, error) {
	if idx >= len(record) {
		return 0, &DecodeError{Stream: stream, Row: row, Reason: fmt.Sprintf("missing column %d", idx)}
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(record[idx]), 64)
	if err != nil {
		return 0, &DecodeError{Stream: stream, Row: row, Reason: fmt.Sprintf("column %d is not numeric: %q", idx, record[idx])}
	}
	return value, nil
}

func recordInt(stream string, row int, record []string, idx int) (int64, error) {
	f, err := recordFloat(stream, row, record, idx)
	if err != nil {
		return 0, err
	}
	return int64(f), nil
}

func checkMinuteAligned(stream string, row int, openTime int64) error {
	if openTime%minuteMS != 0 {
		return &DecodeError{
			Stream: stream,
			Row:    row,
			Reason: fmt.Sprintf("open_time %d is not minute aligned", openTime),
		}
	}
	return nil
}

// DecodeKlines parses one day of the klines stream.
// Positional layout: open_time, open, high, low, close, volume, close_time,
// quote_volume, count, taker_buy_volume, taker_buy_quote_volume, [ignore...].
func DecodeKlines(zipPath string) ([]lake.Kline, error) {
	var out []lake.Kline
	err := forEachCSVRecord(zipPath, "klines", func(row int, record []string) error {
		openTime, err := recordInt("klines", row, record, 0)
		if err != nil {
			return err
		}
		if err := checkMinuteAligned("klines", row, openTime); err != nil {
			return err
		}
		open, err := recordFloat("klines", row, record, 1)
		if err != nil {
			return err
		}
		high, err := recordFloat("klines", row, record, 2)
		if err != nil {
			return err
		}
		low, err := recordFloat("klines", row, record, 3)
		if err != nil {
			return err
		}
		closePx, err := recordFloat("klines", row, record, 4)
		if err != nil {
			return err
		}
		volume, err := recordFloat("klines", row, record, 5)
		if err != nil {
			return err
		}
		quoteVolume, err := recordFloat("klines", row, record, 7)
		if err != nil {
			return err
		}
		count, err := recordInt("klines", row, record, 8)
		if err != nil {
			return err
		}
		takerBuy, err := recordFloat("klines", row, record, 9)
		if err != nil {
			return err
		}
		takerBuyQuote, err := recordFloat("klines", row, record, 10)
		if err != nil {
			return err
		}
		out = append(out, lake.Kline{
			OpenTime:        openTime,
			Open:            open,
			High:            high,
			Low:             low,
			Close:           closePx,
			VolumeBTC:       volume,
			VolumeUSDT:      quoteVolume,
			TradeCount:      count,
			TakerBuyVolBTC:  takerBuy,
			TakerBuyVolUSDT: takerBuyQuote,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DecodePriceKlines parses one day of a mark-price, index-price or
// premium-index kline stream; all three share the kline wire layout.
func DecodePriceKlines(zipPath, stream string) ([]lake.PriceKline, error) {
	var out []lake.PriceKline
	err := forEachCSVRecord(zipPath, stream, func(row int, record []string) error {
		openTime, err := recordInt(stream, row, record, 0)
		if err != nil {
			return err
		}
		if err := checkMinuteAligned(stream, row, openTime); err != nil {
			return err
		}
		open, err := recordFloat(stream, row, record, 1)
		if err != nil {
			return err
		}
		high, err := recordFloat(stream, row, record, 2)
		if err != nil {
			return err
		}
		low, err := recordFloat(stream, row, record, 3)
		if err != nil {
			return err
		}
		closePx, err := recordFloat(stream, row, record, 4)
		if err != nil {
			return err
		}
		out = append(out, lake.PriceKline{OpenTime: openTime, Open: open, High: high, Low: low, Close: closePx})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeAggTrades parses one day of the aggTrades stream.
// Positional layout: agg_trade_id, price, quantity, first_trade_id,
// last_trade_id, transact_time, is_buyer_maker.
func DecodeAggTrades(zipPath string) ([]lake.AggTrade, error) {
	var out []lake.AggTrade
	err := forEachCSVRecord(zipPath, "aggTrades", func(row int, record []string) error {
		id, err := recordInt("aggTrades", row, record, 0)
		if err != nil {
			return err
		}
		price, err := recordFloat("aggTrades", row, record, 1)
		if err != nil {
			return err
		}
		qty, err := recordFloat("aggTrades", row, record, 2)
		if err != nil {
			return err
		}
		firstID, err := recordInt("aggTrades", row, record, 3)
		if err != nil {
			return err
		}
		lastID, err := recordInt("aggTrades", row, record, 4)
		if err != nil {
			return err
		}
		transactTime, err := recordInt("aggTrades", row, record, 5)
		if err != nil {
			return err
		}
		if len(record) < 7 {
			return &DecodeError{Stream: "aggTrades", Row: row, Reason: "missing is_buyer_maker column"}
		}
		isBuyerMaker := strings.EqualFold(strings.TrimSpace(record[6]), "true")
		out = append(out, lake.AggTrade{
			ID:           id,
			Price:        price,
			Quantity:     qty,
			FirstTradeID: firstID,
			LastTradeID:  lastID,
			Timestamp:    transactTime,
			IsBuyerMaker: isBuyerMaker,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// metricsTimeLayout is the create_time format of the metrics archive.
const metricsTimeLayout = "2006-01-02 15:04:05"

// DecodeMetrics parses one day of the metrics stream.
// Positional layout: create_time, symbol, sum_open_interest,
// sum_open_interest_value, count_toptrader_long_short_ratio,
// sum_toptrader_long_short_ratio, count_long_short_ratio,
// sum_taker_long_short_vol_ratio.
func DecodeMetrics(zipPath string) ([]lake.MetricsSample, error) {
	var out []lake.MetricsSample
	err := forEachCSVRecord(zipPath, "metrics", func(row int, record []string) error {
		if len(record) < 8 {
			return &DecodeError{Stream: "metrics", Row: row, Reason: fmt.Sprintf("want 8 columns, got %d", len(record))}
		}
		createTime, err := parseArchiveTime(record[0])
		if err != nil {
			return &DecodeError{Stream: "metrics", Row: row, Reason: fmt.Sprintf("malformed create_time %q", record[0])}
		}
		openInterest, err := recordFloat("metrics", row, record, 2)
		if err != nil {
			return err
		}
		openInterestValue, err := recordFloat("metrics", row, record, 3)
		if err != nil {
			return err
		}
		topAccounts, err := recordFloat("metrics", row, record, 4)
		if err != nil {
			return err
		}
		topPositions, err := recordFloat("metrics", row, record, 5)
		if err != nil {
			return err
		}
		globalAccounts, err := recordFloat("metrics", row, record, 6)
		if err != nil {
			return err
		}
		takerRatio, err := recordFloat("metrics", row, record, 7)
		if err != nil {
			return err
		}
		out = append(out, lake.MetricsSample{
			CreateTime:                createTime,
			OpenInterest:              openInterest,
			OpenInterestValue:         openInterestValue,
			TopTraderLSRatioAccounts:  topAccounts,
			TopTraderLSRatioPositions: topPositions,
			GlobalLSRatioAccounts:     globalAccounts,
			TakerBuySellVolRatio:      takerRatio,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// parseArchiveTime accepts either epoch milliseconds or the human-readable
// datetime layout some archive streams use.
func parseArchiveTime(raw string) (int64, error) {
	trimmed := strings.TrimSpace(raw)
	if ms, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return ms, nil
	}
	parsed, err := time.ParseInLocation(metricsTimeLayout, trimmed, time.UTC)
	if err != nil {
		return 0, err
	}
	return parsed.UnixMilli(), nil
}

// DecodeBookTicker parses one day of the bookTicker stream.
// Positional layout: update_id, best_bid_price, best_bid_qty,
// best_ask_price, best_ask_qty, transaction_time, event_time.
func DecodeBookTicker(zipPath string) ([]lake.BookTicker, error) {
	var out []lake.BookTicker
	err := forEachCSVRecord(zipPath, "bookTicker", func(row int, record []string) error {
		bidPrice, err := recordFloat("bookTicker", row, record, 1)
		if err != nil {
			return err
		}
		bidQty, err := recordFloat("bookTicker", row, record, 2)
		if err != nil {
			return err
		}
		askPrice, err := recordFloat("bookTicker", row, record, 3)
		if err != nil {
			return err
		}
		askQty, err := recordFloat("bookTicker", row, record, 4)
		if err != nil {
			return err
		}
		transactionTime, err := recordInt("bookTicker", row, record, 5)
		if err != nil {
			return err
		}
		out = append(out, lake.BookTicker{
			Timestamp: transactionTime,
			BidPrice:  bidPrice,
			BidQty:    bidQty,
			AskPrice:  askPrice,
			AskQty:    askQty,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeBookDepth parses one day of the bookDepth stream and reduces the
// percentage bands to the 1% and 5% rows per snapshot.
// Positional layout: timestamp, percentage, depth, notional. Negative
// percentages are the bid side.
func DecodeBookDepth(zipPath string) ([]lake.BookDepth, error) {
	snapshots := make(map[int64]*lake.BookDepth)
	var order []int64

	err := forEachCSVRecord(zipPath, "bookDepth", func(row int, record []string) error {
		if len(record) < 3 {
			return &DecodeError{Stream: "bookDepth", Row: row, Reason: fmt.Sprintf("want 3+ columns, got %d", len(record))}
		}
		ts, err := parseArchiveTime(record[0])
		if err != nil {
			return &DecodeError{Stream: "bookDepth", Row: row, Reason: fmt.Sprintf("malformed timestamp %q", record[0])}
		}
		pct, err := recordFloat("bookDepth", row, record, 1)
		if err != nil {
			return err
		}
		depth, err := recordFloat("bookDepth", row, record, 2)
		if err != nil {
			return err
		}
		snap, ok := snapshots[ts]
		if !ok {
			snap = &lake.BookDepth{Timestamp: ts}
			snapshots[ts] = snap
			order = append(order, ts)
		}
		switch pct {
		case 1:
			snap.AskQty1Pct = depth
		case 5:
			snap.AskQty5Pct = depth
		case -1:
			snap.BidQty1Pct = depth
		case -5:
			snap.BidQty5Pct = depth
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]lake.BookDepth, 0, len(order))
	for _, ts := range order {
		out = append(out, *snapshots[ts])
	}
	return out, nil
}

// MetricsColumns returns the header row of the first CSV member, for the
// inspect-metrics-columns maintenance command.
func MetricsColumns(zipPath string) ([]string, error) {
	reader, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive %s: %w", zipPath, err)
	}
	defer reader.Close()

	for _, member := range reader.File {
		if !strings.HasSuffix(member.Name, ".csv") {
			continue
		}
		handle, err := member.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open %s in %s: %w", member.Name, zipPath, err)
		}
		csvReader := csv.NewReader(handle)
		csvReader.FieldsPerRecord = -1
		record, err := csvReader.Read()
		handle.Close()
		if err == io.EOF {
			return nil, fmt.Errorf("csv in %s is empty", zipPath)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read header from %s: %w", zipPath, err)
		}
		return record, nil
	}
	return nil, fmt.Errorf("no csv file found inside %s", zipPath)
}
