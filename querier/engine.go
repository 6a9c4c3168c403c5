// Package querier exposes the query engine to the surrounding CLI/HTTP
// layer: request validation, fingerprinting, cache wrapping, and the
// catalog → pool → planner → rollup/chain control flow.
package querier

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/afero"

	"github.com/tickvault/shardquery/cache"
	"github.com/tickvault/shardquery/catalog"
	"github.com/tickvault/shardquery/chain"
	"github.com/tickvault/shardquery/core"
	"github.com/tickvault/shardquery/engine"
	"github.com/tickvault/shardquery/pool"
	"github.com/tickvault/shardquery/rollup"
)

// Config assembles the engine. Credential is pre-resolved by the caller;
// the engine never reads environment variables or config files itself.
type Config struct {
	DataDir    string
	Credential string

	CacheSize int
	BarTTL    time.Duration
	ChainTTL  time.Duration

	// RiskFreeRate is the annualized rate for the pricing model.
	RiskFreeRate float64

	Pool pool.Config
}

func (c Config) withDefaults() Config {
	if c.CacheSize <= 0 {
		c.CacheSize = 512
	}
	if c.BarTTL <= 0 {
		c.BarTTL = 5 * time.Minute
	}
	if c.ChainTTL <= 0 {
		c.ChainTTL = time.Minute
	}
	if c.RiskFreeRate == 0 {
		c.RiskFreeRate = 0.045
	}
	return c
}

// Engine is the top-level query facade.
type Engine struct {
	cfg     Config
	catalog *catalog.Catalog
	pool    *pool.Pool
	cache   *cache.Cache
	chains  *chain.Resolver
}

// NewEngine scans the shard root and wires the components together.
func NewEngine(ctx context.Context, fs afero.Fs, cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()
	cfg.Pool.Credential = cfg.Credential

	e := &Engine{
		cfg:     cfg,
		catalog: catalog.New(fs, cfg.DataDir),
		pool:    pool.New(cfg.Pool),
		cache:   cache.New(cfg.CacheSize),
	}
	e.chains = &chain.Resolver{
		Catalog: e.catalog,
		Pool:    e.pool,
		Spot:    e.spot,
		Rate:    cfg.RiskFreeRate,
	}
	if err := e.catalog.Refresh(ctx); err != nil {
		e.pool.Close()
		return nil, err
	}
	return e, nil
}

// Refresh rescans the shard root and swaps in a new catalog snapshot.
func (e *Engine) Refresh(ctx context.Context) error {
	return e.catalog.Refresh(ctx)
}

// Close releases the pool. In-flight borrowers close on release.
func (e *Engine) Close() error {
	return e.pool.Close()
}

// BarRequest is the query input contract for bar queries.
type BarRequest struct {
	Category    string
	Symbol      string
	Start       time.Time
	End         time.Time
	Granularity string
}

// BarResponse carries the ordered bars plus coverage metadata.
type BarResponse struct {
	Bars []core.Bar
	Meta core.Metadata
}

// QueryBars serves a logical bar query: cache first, shards only on a miss.
func (e *Engine) QueryBars(ctx context.Context, req BarRequest) (*BarResponse, error) {
	// a malformed category is rejected before the catalog is consulted;
	// NotFound is reserved for well-formed queries nothing covers
	category, err := core.ParseCategory(req.Category)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, core.ErrInvalidRange)
	}
	gran, err := core.ParseGranularity(req.Granularity)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, core.ErrUnsupportedGranularity)
	}
	rng, err := core.NewTimeRange(req.Start, req.End)
	if err != nil {
		return nil, err
	}
	symbol := strings.ToUpper(req.Symbol)

	fp := fmt.Sprintf("bars|%s|%s|%d-%d|%s", category, symbol, rng.Start, rng.End, gran)
	v, err := e.cache.GetOrCompute(fp, e.cfg.BarTTL, func() (any, error) {
		return e.computeBars(ctx, category, symbol, gran, rng)
	})
	if err != nil {
		return nil, err
	}
	// every caller gets its own slice; the cached entry must survive a
	// consumer that sorts, trims or overwrites the bars it was handed
	cached := v.(*BarResponse)
	out := *cached
	out.Bars = append([]core.Bar(nil), cached.Bars...)
	return &out, nil
}

func (e *Engine) computeBars(ctx context.Context, category core.Category, symbol string, gran core.Granularity, rng core.TimeRange) (*BarResponse, error) {
	stored := e.catalog.Granularities(category, symbol)
	if len(stored) == 0 {
		return nil, fmt.Errorf("%s/%s: %w", category, symbol, core.ErrNotFound)
	}
	src, err := rollup.SelectSource(stored, gran)
	if err != nil {
		return nil, err
	}

	descs, err := e.catalog.Resolve(category, symbol, src, rng)
	if err != nil {
		return nil, err
	}
	plan, err := engine.Build(descs, symbol, rng)
	if err != nil {
		return nil, err
	}
	rows, err := engine.Execute(ctx, e.pool, plan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var it core.BarIter = rows
	if src != gran {
		it = rollup.Roll(rows, gran)
	}

	resp := &BarResponse{}
	for it.Next() {
		resp.Bars = append(resp.Bars, it.Bar())
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	resp.Meta = rows.Meta()
	core.Debugf(ctx, "bars %s/%s %s: %d bars from %d shards (partial=%v)",
		category, symbol, gran, len(resp.Bars), len(resp.Meta.Shards), resp.Meta.Partial)
	return resp, nil
}

// ChainRequest is the query input contract for option chain queries.
type ChainRequest struct {
	Underlying   string
	Date         time.Time
	StrikeWindow int
}

// QueryChain serves an options chain query through the cache.
func (e *Engine) QueryChain(ctx context.Context, req ChainRequest) (*core.ChainResult, error) {
	if req.Date.IsZero() {
		return nil, core.ErrInvalidRange
	}
	if req.StrikeWindow <= 0 {
		req.StrikeWindow = 10
	}
	underlying := strings.ToUpper(req.Underlying)
	day := req.Date.UTC().Truncate(24 * time.Hour)

	fp := fmt.Sprintf("chain|%s|%s|%d", underlying, day.Format("2006-01-02"), req.StrikeWindow)
	v, err := e.cache.GetOrCompute(fp, e.cfg.ChainTTL, func() (any, error) {
		return e.chains.Resolve(ctx, underlying, day, req.StrikeWindow)
	})
	if err != nil {
		return nil, err
	}
	// own entries slice per caller; the Quote/Greeks pointers inside stay
	// shared and are read-only for consumers
	cached := v.(*core.ChainResult)
	out := *cached
	out.Entries = append([]core.ChainEntry(nil), cached.Entries...)
	return &out, nil
}

// spotLookback bounds how far back the reference-price search reaches; a
// week covers weekends and long holidays.
const spotLookback = 7 * 24 * time.Hour

// spot finds the underlying's latest close at or before the query time from
// the equity/index bar path.
func (e *Engine) spot(ctx context.Context, underlying string, at time.Time) (decimal.Decimal, error) {
	end := at.UTC().Truncate(24 * time.Hour).Add(24*time.Hour - time.Millisecond)
	rng := core.TimeRange{Start: end.Add(-spotLookback).UnixMilli(), End: end.UnixMilli()}

	for _, category := range []core.Category{core.Indices, core.ETFs, core.Stocks} {
		stored := e.catalog.Granularities(category, underlying)
		if len(stored) == 0 {
			continue
		}
		// coarsest stored granularity is enough for a reference price
		src := stored[len(stored)-1]
		descs, err := e.catalog.Resolve(category, underlying, src, rng)
		if err != nil {
			continue
		}
		plan, err := engine.Build(descs, strings.ToUpper(underlying), rng)
		if err != nil {
			continue
		}
		rows, err := engine.Execute(ctx, e.pool, plan)
		if err != nil {
			continue
		}
		var last *core.Bar
		for rows.Next() {
			b := rows.Bar()
			last = &b
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return decimal.Zero, err
		}
		if last != nil {
			return last.Close, nil
		}
	}
	return decimal.Zero, fmt.Errorf("no reference price for %s: %w", underlying, core.ErrNotFound)
}
