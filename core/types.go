package core

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Category is the top-level shard partition.
type Category string

const (
	Indices Category = "indices"
	Options Category = "options"
	ETFs    Category = "etfs"
	Stocks  Category = "stocks"
)

func ParseCategory(s string) (Category, error) {
	switch Category(strings.ToLower(strings.TrimSpace(s))) {
	case Indices:
		return Indices, nil
	case Options:
		return Options, nil
	case ETFs:
		return ETFs, nil
	case Stocks:
		return Stocks, nil
	}
	return "", fmt.Errorf("unknown category %q", s)
}

// Granularity is a bar width. Stored as a duration; parsed from the compact
// form used in query requests ("1m", "5m", "1h", "1d").
type Granularity time.Duration

func ParseGranularity(s string) (Granularity, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid granularity %q", s)
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid granularity %q", s)
	}
	var unit time.Duration
	switch s[len(s)-1] {
	case 's':
		unit = time.Second
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	default:
		return 0, fmt.Errorf("invalid granularity unit %q", s)
	}
	return Granularity(time.Duration(n) * unit), nil
}

func (g Granularity) String() string {
	d := time.Duration(g)
	switch {
	case d >= 24*time.Hour && d%(24*time.Hour) == 0:
		return fmt.Sprintf("%dd", d/(24*time.Hour))
	case d >= time.Hour && d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d >= time.Minute && d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	default:
		return fmt.Sprintf("%ds", d/time.Second)
	}
}

// Millis is the bucket width in epoch milliseconds.
func (g Granularity) Millis() int64 {
	return time.Duration(g).Milliseconds()
}

// DividesInto reports whether target is an even multiple of g.
func (g Granularity) DividesInto(target Granularity) bool {
	if g <= 0 || target < g {
		return false
	}
	return target%g == 0
}

// TimeRange is an inclusive [Start, End] span in epoch milliseconds (UTC).
type TimeRange struct {
	Start int64
	End   int64
}

// NewTimeRange fails fast on an empty or inverted span.
func NewTimeRange(start, end time.Time) (TimeRange, error) {
	s, e := start.UnixMilli(), end.UnixMilli()
	if start.IsZero() || end.IsZero() || e < s {
		return TimeRange{}, ErrInvalidRange
	}
	return TimeRange{Start: s, End: e}, nil
}

func (r TimeRange) Overlaps(o TimeRange) bool {
	return r.Start <= o.End && o.Start <= r.End
}

// Clip returns the intersection of r and o. Caller must ensure overlap.
func (r TimeRange) Clip(o TimeRange) TimeRange {
	c := r
	if o.Start > c.Start {
		c.Start = o.Start
	}
	if o.End < c.End {
		c.End = o.End
	}
	return c
}

// ShardDescriptor identifies one shard file and the coverage it is
// authoritative for. Immutable; replaced wholesale on catalog refresh.
type ShardDescriptor struct {
	Category    Category
	Symbol      string
	Granularity Granularity
	Coverage    TimeRange
	Location    string
	Rows        int64
	SizeBytes   int64
}

// Bar is the canonical OHLCV record produced at the shard boundary.
type Bar struct {
	Symbol string
	TS     int64 // epoch ms, UTC
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume int64
	Trades int64
	VWAP   decimal.Decimal
}

// Validate enforces low <= open,close <= high and volume >= 0.
func (b Bar) Validate() error {
	if b.Low.GreaterThan(b.Open) || b.Open.GreaterThan(b.High) {
		return fmt.Errorf("bar %s@%d: open %s outside [%s, %s]", b.Symbol, b.TS, b.Open, b.Low, b.High)
	}
	if b.Low.GreaterThan(b.Close) || b.Close.GreaterThan(b.High) {
		return fmt.Errorf("bar %s@%d: close %s outside [%s, %s]", b.Symbol, b.TS, b.Close, b.Low, b.High)
	}
	if b.Volume < 0 {
		return fmt.Errorf("bar %s@%d: negative volume %d", b.Symbol, b.TS, b.Volume)
	}
	return nil
}

// OptionRight is the contract type.
type OptionRight string

const (
	Call OptionRight = "C"
	Put  OptionRight = "P"
)

// OptionContract is one listed contract. The ID uniquely determines
// underlying, expiry, right and strike (OCC-style encoding).
type OptionContract struct {
	ID         string
	Underlying string
	Expiry     time.Time
	Strike     decimal.Decimal
	Right      OptionRight
	Multiplier int
	Style      string
}

// FormatContractID builds the OCC-style identifier:
// <UNDERLYING><YYMMDD><C|P><strike*1000, 8 digits>.
func FormatContractID(underlying string, expiry time.Time, right OptionRight, strike decimal.Decimal) string {
	milli := strike.Mul(decimal.NewFromInt(1000)).IntPart()
	return fmt.Sprintf("%s%s%s%08d",
		strings.ToUpper(underlying), expiry.UTC().Format("060102"), right, milli)
}

// OptionQuote is the latest observed market for a contract. A zero Bid and
// Ask together mean no two-sided market was observed.
type OptionQuote struct {
	ContractID   string
	TS           int64
	Bid          decimal.Decimal
	Ask          decimal.Decimal
	Last         decimal.Decimal
	Volume       int64
	OpenInterest int64
}

// HasMarket reports whether both sides are present and non-zero.
func (q OptionQuote) HasMarket() bool {
	return q.Bid.IsPositive() && q.Ask.IsPositive()
}

func (q OptionQuote) Mid() decimal.Decimal {
	return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
}

func (q OptionQuote) Spread() decimal.Decimal {
	return q.Ask.Sub(q.Bid)
}

// Greeks are derived per query, never persisted by the engine.
type Greeks struct {
	ContractID string
	TS         int64
	IV         float64
	Delta      float64
	Gamma      float64
	Theta      float64
	Vega       float64
	RefPrice   decimal.Decimal
}

// ChainEntry is one contract in a resolved chain. Quote and Greeks are nil
// when unavailable; Err carries a per-contract failure (the chain as a whole
// still resolves).
type ChainEntry struct {
	Contract       OptionContract
	Quote          *OptionQuote
	Greeks         *Greeks
	BelowIntrinsic bool
	Err            string
}

// ChainResult is the output of an options chain query.
type ChainResult struct {
	Underlying string
	Date       time.Time
	Spot       decimal.Decimal
	Entries    []ChainEntry
	Meta       Metadata
}

// Metadata reports which shards contributed to a result and whether coverage
// was partial.
type Metadata struct {
	Partial bool
	Shards  []string
	Missing []string
}

// BarIter iterates a merged bar stream, sql.Rows style. Close releases any
// borrowed connections and is safe to call more than once.
type BarIter interface {
	Next() bool
	Bar() Bar
	Err() error
	Close() error
}
