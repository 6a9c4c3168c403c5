package chain

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tickvault/shardquery/catalog"
	"github.com/tickvault/shardquery/core"
	"github.com/tickvault/shardquery/pool"
)

// SpotFunc supplies the underlying's reference price at or near a point in
// time, from the equity/index bar query path.
type SpotFunc func(ctx context.Context, underlying string, at time.Time) (decimal.Decimal, error)

// Resolver locates the monthly option shard(s) for a date, narrows the
// chain to an at-the-money strike window and computes Greeks per contract.
type Resolver struct {
	Catalog *catalog.Catalog
	Pool    *pool.Pool
	Spot    SpotFunc
	// Rate is the annualized risk-free rate fed to the pricing model.
	Rate float64
}

const contractQuery = `SELECT contract_id, underlying, expiry, strike, "right", multiplier, style
FROM shard.contracts WHERE underlying = ? AND expiry >= ? AND strike BETWEEN ? AND ?`

const strikeQuery = `SELECT DISTINCT strike FROM shard.contracts
WHERE underlying = ? AND expiry >= ? ORDER BY strike`

const latestQuoteQuery = `SELECT q.contract_id, q.ts, q.bid, q.ask, q.last, q.volume, q.open_interest, q.iv
FROM shard.quotes q
JOIN (SELECT contract_id, max(ts) AS ts FROM shard.quotes WHERE ts <= ? GROUP BY contract_id) m
  ON m.contract_id = q.contract_id AND m.ts = q.ts`

// Resolve builds the chain for underlying as of date. window is measured in
// listed strikes each side of at-the-money. Per-contract failures land on
// the entry, never abort the chain.
func (r *Resolver) Resolve(ctx context.Context, underlying string, date time.Time, window int) (*core.ChainResult, error) {
	spot, err := r.Spot(ctx, underlying, date)
	if err != nil {
		return nil, fmt.Errorf("resolve spot for %s: %w", underlying, err)
	}

	day := date.UTC().Truncate(24 * time.Hour)
	rng := core.TimeRange{Start: day.UnixMilli(), End: day.Add(24 * time.Hour).UnixMilli() - 1}
	descs, err := r.Catalog.Resolve(core.Options, underlying, 0, rng)
	if err != nil {
		return nil, err
	}

	res := &core.ChainResult{Underlying: underlying, Date: day, Spot: spot}

	var conns []*pool.Conn
	defer func() {
		for _, c := range conns {
			c.Release()
		}
	}()
	for _, d := range descs {
		conn, err := r.Pool.Acquire(ctx, d)
		if err != nil {
			if errors.Is(err, core.ErrShardUnavailable) {
				res.Meta.Partial = true
				res.Meta.Missing = append(res.Meta.Missing, d.Location)
				continue
			}
			return nil, err
		}
		conns = append(conns, conn)
		res.Meta.Shards = append(res.Meta.Shards, d.Location)
	}
	if len(conns) == 0 {
		return nil, fmt.Errorf("chain %s on %s: %w", underlying, day.Format("2006-01-02"), core.ErrNoDataSource)
	}

	expiryFloor := rng.Start // contracts already expired before the date are out
	strikes, err := r.listedStrikes(ctx, conns, underlying, expiryFloor)
	if err != nil {
		return nil, err
	}
	if len(strikes) == 0 {
		return res, nil
	}

	loStrike, hiStrike := atmWindow(strikes, spot.InexactFloat64(), window)
	contracts, err := r.contracts(ctx, conns, underlying, expiryFloor, loStrike, hiStrike)
	if err != nil {
		return nil, err
	}
	quotes, err := r.latestQuotes(ctx, conns, rng.End)
	if err != nil {
		return nil, err
	}

	for _, c := range contracts {
		entry := core.ChainEntry{Contract: c}
		if q, ok := quotes[c.ID]; ok {
			entry.Quote = &q.OptionQuote
			r.price(&entry, spot, q, day)
		}
		res.Entries = append(res.Entries, entry)
	}
	sort.Slice(res.Entries, func(i, j int) bool {
		a, b := res.Entries[i].Contract, res.Entries[j].Contract
		if !a.Expiry.Equal(b.Expiry) {
			return a.Expiry.Before(b.Expiry)
		}
		if !a.Strike.Equal(b.Strike) {
			return a.Strike.LessThan(b.Strike)
		}
		return a.Right < b.Right
	})
	return res, nil
}

// price fills Greeks for one entry: stored IV when the shard precomputed it,
// numeric inversion of the observed mid otherwise. A failed inversion marks
// the entry and flags mid-below-intrinsic, which makes the IV unattainable.
func (r *Resolver) price(entry *core.ChainEntry, spot decimal.Decimal, q storedQuote, asOf time.Time) {
	c := entry.Contract
	spotF := spot.InexactFloat64()
	strikeF := c.Strike.InexactFloat64()

	var mid float64
	if q.HasMarket() {
		mid = q.Mid().InexactFloat64()
		entry.BelowIntrinsic = mid < Intrinsic(spotF, strikeF, c.Right)
	}

	days := int64(c.Expiry.Sub(asOf).Hours() / 24)
	if days < 1 {
		days = 1 // epsilon floor, avoids the zero-duration singularity
	}
	in := PricingInput{
		Spot:   spotF,
		Strike: strikeF,
		T:      float64(days) / 365,
		Rate:   r.Rate,
		Right:  c.Right,
	}

	switch {
	case q.IV.Valid && q.IV.Float64 > 0:
		in.Vol = q.IV.Float64
	case q.HasMarket():
		iv, err := ImpliedVol(mid, in)
		if err != nil {
			entry.Err = err.Error()
			return
		}
		in.Vol = iv
	default:
		return // no market and no stored IV, nothing to price from
	}

	delta, gamma, theta, vega := Sensitivities(in)
	entry.Greeks = &core.Greeks{
		ContractID: c.ID,
		TS:         q.TS,
		IV:         in.Vol,
		Delta:      delta,
		Gamma:      gamma,
		Theta:      theta,
		Vega:       vega,
		RefPrice:   spot,
	}
}

func (r *Resolver) listedStrikes(ctx context.Context, conns []*pool.Conn, underlying string, expiryFloor int64) ([]float64, error) {
	seen := map[float64]struct{}{}
	var strikes []float64
	for _, conn := range conns {
		rows, err := conn.DB().QueryContext(ctx, strikeQuery, underlying, expiryFloor)
		if err != nil {
			return nil, fmt.Errorf("list strikes: %w", err)
		}
		for rows.Next() {
			var s float64
			if err := rows.Scan(&s); err != nil {
				rows.Close()
				return nil, err
			}
			if _, ok := seen[s]; !ok {
				seen[s] = struct{}{}
				strikes = append(strikes, s)
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	sort.Float64s(strikes)
	return strikes, nil
}

// atmWindow clips the sorted strike ladder to window strikes each side of
// the strike nearest spot.
func atmWindow(strikes []float64, spot float64, window int) (lo, hi float64) {
	atm := 0
	for i := 1; i < len(strikes); i++ {
		if absF(strikes[i]-spot) < absF(strikes[atm]-spot) {
			atm = i
		}
	}
	loIdx, hiIdx := atm-window, atm+window
	if loIdx < 0 {
		loIdx = 0
	}
	if hiIdx > len(strikes)-1 {
		hiIdx = len(strikes) - 1
	}
	return strikes[loIdx], strikes[hiIdx]
}

func absF(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

func (r *Resolver) contracts(ctx context.Context, conns []*pool.Conn, underlying string, expiryFloor int64, lo, hi float64) ([]core.OptionContract, error) {
	byID := map[string]struct{}{}
	var out []core.OptionContract
	for _, conn := range conns {
		rows, err := conn.DB().QueryContext(ctx, contractQuery, underlying, expiryFloor, lo, hi)
		if err != nil {
			return nil, fmt.Errorf("enumerate contracts: %w", err)
		}
		for rows.Next() {
			var (
				c      core.OptionContract
				expiry int64
				strike float64
				right  string
			)
			if err := rows.Scan(&c.ID, &c.Underlying, &expiry, &strike, &right, &c.Multiplier, &c.Style); err != nil {
				rows.Close()
				return nil, err
			}
			if _, ok := byID[c.ID]; ok {
				continue // same contract listed in both boundary shards
			}
			byID[c.ID] = struct{}{}
			c.Expiry = time.UnixMilli(expiry).UTC()
			c.Strike = decimal.NewFromFloat(strike)
			c.Right = core.OptionRight(right)
			out = append(out, c)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

type storedQuote struct {
	core.OptionQuote
	IV sql.NullFloat64
}

func (r *Resolver) latestQuotes(ctx context.Context, conns []*pool.Conn, cutoff int64) (map[string]storedQuote, error) {
	out := map[string]storedQuote{}
	for _, conn := range conns {
		rows, err := conn.DB().QueryContext(ctx, latestQuoteQuery, cutoff)
		if err != nil {
			return nil, fmt.Errorf("fetch quotes: %w", err)
		}
		for rows.Next() {
			var (
				q             storedQuote
				bid, ask, lst sql.NullFloat64
			)
			if err := rows.Scan(&q.ContractID, &q.TS, &bid, &ask, &lst, &q.Volume, &q.OpenInterest, &q.IV); err != nil {
				rows.Close()
				return nil, err
			}
			if bid.Valid {
				q.Bid = decimal.NewFromFloat(bid.Float64)
			}
			if ask.Valid {
				q.Ask = decimal.NewFromFloat(ask.Float64)
			}
			if lst.Valid {
				q.Last = decimal.NewFromFloat(lst.Float64)
			}
			if prev, ok := out[q.ContractID]; !ok || q.TS > prev.TS {
				out[q.ContractID] = q
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}
