// Package schema defines the closed, ordered canonical column registry for
// the minute lake. The registry is immutable; callers query it through pure
// lookups and never mutate pattern or column state.
package schema

import "strings"

// SupportClass labels how a canonical column is populated.
type SupportClass string

const (
	// HardRequired columns must be non-null in every committed row.
	HardRequired SupportClass = "HARD_REQUIRED"
	// BackfillAvailable columns can be reconstructed from daily archives.
	BackfillAvailable SupportClass = "BACKFILL_AVAILABLE"
	// LiveOnly columns are populated only when a live collector runs.
	LiveOnly SupportClass = "LIVE_ONLY"
	// Optional columns are best-effort support data.
	Optional SupportClass = "OPTIONAL"
)

// Column is one entry of the canonical minute schema.
type Column struct {
	Name  string
	Class SupportClass
}

// canonical is the closed column list, in canonical order. The width and
// ordering are load-bearing: partitions are reprojected to exactly this list
// before every write.
var canonical = []Column{
	{"timestamp", HardRequired},

	{"open", HardRequired},
	{"high", HardRequired},
	{"low", HardRequired},
	{"close", HardRequired},
	{"volume_btc", HardRequired},
	{"volume_usdt", HardRequired},
	{"trade_count", HardRequired},
	{"taker_buy_vol_btc", BackfillAvailable},
	{"taker_buy_vol_usdt", BackfillAvailable},
	{"vwap_1m", BackfillAvailable},

	{"mark_price_open", HardRequired},
	{"mark_price_high", BackfillAvailable},
	{"mark_price_low", BackfillAvailable},
	{"mark_price_close", HardRequired},

	{"index_price_open", HardRequired},
	{"index_price_high", BackfillAvailable},
	{"index_price_low", BackfillAvailable},
	{"index_price_close", HardRequired},

	{"premium_index_open", BackfillAvailable},
	{"premium_index_high", BackfillAvailable},
	{"premium_index_low", BackfillAvailable},
	{"premium_index_close", BackfillAvailable},

	{"funding_rate", BackfillAvailable},
	{"predicted_funding", LiveOnly},
	{"next_funding_time", LiveOnly},

	{"agg_trade_count", BackfillAvailable},
	{"agg_buy_vol_btc", BackfillAvailable},
	{"agg_sell_vol_btc", BackfillAvailable},
	{"agg_buy_vol_usdt", BackfillAvailable},
	{"agg_sell_vol_usdt", BackfillAvailable},
	{"agg_avg_trade_size", BackfillAvailable},

	{"open_interest", BackfillAvailable},
	{"open_interest_value", BackfillAvailable},
	{"top_trader_ls_ratio_accounts", BackfillAvailable},
	{"top_trader_ls_ratio_positions", BackfillAvailable},
	{"global_ls_ratio_accounts", BackfillAvailable},
	{"taker_buy_sell_vol_ratio", BackfillAvailable},

	{"best_bid_price", Optional},
	{"best_bid_qty", Optional},
	{"best_ask_price", Optional},
	{"best_ask_qty", Optional},
	{"mid_price", Optional},
	{"spread_bps", Optional},

	{"depth_bid_qty_1pct", Optional},
	{"depth_ask_qty_1pct", Optional},
	{"depth_bid_qty_5pct", Optional},
	{"depth_ask_qty_5pct", Optional},
	{"depth_imbalance_1pct", Optional},
	{"depth_imbalance_5pct", Optional},

	{"event_time", LiveOnly},
	{"arrival_time", LiveOnly},
	{"latency_engine_ms", LiveOnly},
	{"latency_network_ms", LiveOnly},
	{"update_id_start", LiveOnly},
	{"update_id_end", LiveOnly},
	{"price_impact_buy_100k", LiveOnly},
	{"price_impact_sell_100k", LiveOnly},
}

// Columns returns a copy of the canonical column registry.
func Columns() []Column {
	out := make([]Column, len(canonical))
	copy(out, canonical)
	return out
}

// CanonicalColumnNames returns the canonical column names in canonical order.
func CanonicalColumnNames() []string {
	names := make([]string, len(canonical))
	for i, col := range canonical {
		names[i] = col.Name
	}
	return names
}

// HardRequiredColumns returns the names of columns that must be non-null in
// every committed row, in canonical order.
func HardRequiredColumns() []string {
	var names []string
	for _, col := range canonical {
		if col.Class == HardRequired {
			names = append(names, col.Name)
		}
	}
	return names
}

// Width is the canonical frame width.
func Width() int {
	return len(canonical)
}

// ClassOf returns the support class for a canonical column name.
func ClassOf(name string) (SupportClass, bool) {
	for _, col := range canonical {
		if col.Name == name {
			return col.Class, true
		}
	}
	return "", false
}

// HashInput returns the deterministic schema descriptor string whose sha-256
// is recorded as schema_hash in the partition ledger.
func HashInput() string {
	parts := make([]string, len(canonical))
	for i, col := range canonical {
		parts[i] = col.Name + ":" + string(col.Class)
	}
	return strings.Join(parts, "|")
}
