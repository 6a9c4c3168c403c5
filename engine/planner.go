// Package engine builds and executes cross-shard query plans. The first
// planned shard is the primary; every auxiliary shard gets its own pooled
// connection and the per-shard result sets are merged as a streaming union,
// never copied.
package engine

import (
	"fmt"

	"github.com/tickvault/shardquery/core"
)

// ShardQuery is one shard's slice of a plan: the descriptor, the time range
// pushed down into that shard (clipped to its coverage, so no shard scans
// rows outside the overlap), and its seam precedence.
type ShardQuery struct {
	Desc core.ShardDescriptor
	// Range is the requested range intersected with the shard's coverage.
	Range core.TimeRange
	// Precedence resolves duplicate timestamps at coverage seams: the shard
	// with the later coverage start wins. Derived from plan order, never
	// from connection scheduling, so merges are reproducible.
	Precedence int
}

// Plan is a disposable per-query value. Only its result is ever cached.
type Plan struct {
	Symbol string
	Range  core.TimeRange
	Shards []ShardQuery
}

// Build lays out the union plan over descriptors already ordered by coverage
// start (the catalog's resolve order).
func Build(descs []core.ShardDescriptor, symbol string, rng core.TimeRange) (*Plan, error) {
	if len(descs) == 0 {
		return nil, fmt.Errorf("plan %s: %w", symbol, core.ErrNotFound)
	}
	if rng.End < rng.Start {
		return nil, core.ErrInvalidRange
	}
	p := &Plan{Symbol: symbol, Range: rng, Shards: make([]ShardQuery, 0, len(descs))}
	for i, d := range descs {
		if !d.Coverage.Overlaps(rng) {
			continue
		}
		p.Shards = append(p.Shards, ShardQuery{
			Desc:       d,
			Range:      rng.Clip(d.Coverage),
			Precedence: i,
		})
	}
	if len(p.Shards) == 0 {
		return nil, fmt.Errorf("plan %s: no coverage overlap: %w", symbol, core.ErrNotFound)
	}
	return p, nil
}

// covered reports whether the planned shards' coverage, taken together,
// contains the whole requested range. Gaps are legal (they mean "no data")
// but are surfaced as partial coverage.
func (p *Plan) covered() bool {
	next := p.Range.Start
	for _, sq := range p.Shards {
		if sq.Desc.Coverage.Start > next {
			return false
		}
		if sq.Desc.Coverage.End >= next {
			next = sq.Desc.Coverage.End + 1
		}
		if next > p.Range.End {
			return true
		}
	}
	return next > p.Range.End
}
