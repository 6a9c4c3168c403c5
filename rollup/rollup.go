// Package rollup derives coarser bars from finer ones in a single forward
// pass: one bucket accumulator, no buffering of the input, which may span
// years of minute bars.
package rollup

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/tickvault/shardquery/core"
)

// SelectSource picks the granularity to read from the shards. An exact
// native match needs no rollup; otherwise the finest stored granularity that
// evenly divides the target is chosen. stored must be sorted finest first
// (the catalog's order).
func SelectSource(stored []core.Granularity, target core.Granularity) (core.Granularity, error) {
	for _, g := range stored {
		if g == target {
			return g, nil
		}
	}
	for _, g := range stored {
		if g.DividesInto(target) {
			return g, nil
		}
	}
	return 0, fmt.Errorf("no stored granularity divides %s: %w", target, core.ErrUnsupportedGranularity)
}

// Iter buckets an ordered bar stream into fixed-width windows aligned to
// epoch time. Buckets with no input bars are omitted, never emitted as
// zero-volume synthetic bars.
type Iter struct {
	src     core.BarIter
	width   int64 // ms
	cur     core.Bar
	pending *core.Bar
	err     error
	done    bool
}

// Roll wraps src. The source must be non-decreasing by timestamp.
func Roll(src core.BarIter, target core.Granularity) *Iter {
	return &Iter{src: src, width: target.Millis()}
}

func (it *Iter) Next() bool {
	if it.done || it.err != nil {
		return false
	}

	first, ok := it.pull()
	if !ok {
		it.finish()
		return false
	}

	bucket := first.TS - mod(first.TS, it.width)
	acc := core.Bar{
		Symbol: first.Symbol,
		TS:     bucket,
		Open:   first.Open,
		High:   first.High,
		Low:    first.Low,
		Close:  first.Close,
		Volume: first.Volume,
		Trades: first.Trades,
	}
	// bars without a VWAP contribute nothing to the weighted average, so
	// their volume must not inflate the divisor either
	var notional decimal.Decimal
	var vwapVolume int64
	if first.VWAP.IsPositive() {
		notional = first.VWAP.Mul(decimal.NewFromInt(first.Volume))
		vwapVolume = first.Volume
	}

	for {
		b, ok := it.pull()
		if !ok {
			break
		}
		if b.TS >= bucket+it.width {
			it.pending = &b // first bar of the next bucket
			break
		}
		if b.High.GreaterThan(acc.High) {
			acc.High = b.High
		}
		if b.Low.LessThan(acc.Low) {
			acc.Low = b.Low
		}
		acc.Close = b.Close // latest bar in the bucket
		acc.Volume += b.Volume
		acc.Trades += b.Trades
		if b.VWAP.IsPositive() {
			notional = notional.Add(b.VWAP.Mul(decimal.NewFromInt(b.Volume)))
			vwapVolume += b.Volume
		}
	}

	if vwapVolume > 0 {
		acc.VWAP = notional.Div(decimal.NewFromInt(vwapVolume))
	}
	it.cur = acc
	if it.err != nil {
		return false
	}
	return true
}

// pull returns the read-ahead bar when one is stashed, else the next source
// bar.
func (it *Iter) pull() (core.Bar, bool) {
	if it.pending != nil {
		b := *it.pending
		it.pending = nil
		return b, true
	}
	if !it.src.Next() {
		it.err = it.src.Err()
		return core.Bar{}, false
	}
	return it.src.Bar(), true
}

func (it *Iter) finish() {
	it.done = true
	if it.err == nil {
		it.err = it.src.Err()
	}
}

func (it *Iter) Bar() core.Bar { return it.cur }

func (it *Iter) Err() error { return it.err }

func (it *Iter) Close() error { return it.src.Close() }

// mod is a floored modulus so pre-1970 timestamps still align to bucket
// starts.
func mod(ts, width int64) int64 {
	m := ts % width
	if m < 0 {
		m += width
	}
	return m
}
