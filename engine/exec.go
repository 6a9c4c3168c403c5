package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/tickvault/shardquery/core"
	"github.com/tickvault/shardquery/pool"
)

const barQuery = `SELECT ts, open, high, low, close, volume, trades, vwap
FROM shard.bars WHERE symbol = ? AND ts >= ? AND ts <= ? ORDER BY ts`

// Execute borrows one connection per planned shard and returns the merged,
// timestamp-ordered stream. Unreachable shards degrade the plan to the
// reachable subset and set the partial flag; when no shard is reachable the
// query fails with core.ErrNoDataSource.
func Execute(ctx context.Context, p *pool.Pool, plan *Plan) (*Rows, error) {
	r := &Rows{ctx: ctx}
	r.meta.Partial = !plan.covered()

	for _, sq := range plan.Shards {
		conn, err := p.Acquire(ctx, sq.Desc)
		if err != nil {
			if errors.Is(err, core.ErrShardUnavailable) {
				core.Debugf(ctx, "degrading plan, shard unreachable: %v", err)
				r.meta.Partial = true
				r.meta.Missing = append(r.meta.Missing, sq.Desc.Location)
				continue
			}
			r.Close()
			return nil, err
		}

		rows, err := conn.DB().QueryContext(ctx, barQuery, plan.Symbol, sq.Range.Start, sq.Range.End)
		if err != nil {
			core.Errorf(ctx, "query shard %s: %v", sq.Desc.Location, err)
			conn.Release()
			r.meta.Partial = true
			r.meta.Missing = append(r.meta.Missing, sq.Desc.Location)
			continue
		}

		s := &stream{conn: conn, rows: rows, symbol: plan.Symbol, prec: sq.Precedence}
		if err := s.advance(); err != nil {
			s.close()
			r.Close()
			return nil, err
		}
		r.streams = append(r.streams, s)
		r.meta.Shards = append(r.meta.Shards, sq.Desc.Location)
	}

	if len(r.streams) == 0 && len(r.meta.Missing) > 0 {
		return nil, fmt.Errorf("all %d shards unreachable: %w", len(r.meta.Missing), core.ErrNoDataSource)
	}
	return r, nil
}

type stream struct {
	conn   *pool.Conn
	rows   *sql.Rows
	symbol string
	prec   int
	cur    core.Bar
	done   bool
}

// advance pulls the stream's next row, releasing the connection when the
// shard is exhausted.
func (s *stream) advance() error {
	if s.done {
		return nil
	}
	if !s.rows.Next() {
		err := s.rows.Err()
		s.close()
		return err
	}
	var (
		o, h, l, c float64
		trades     sql.NullInt64
		vwap       sql.NullFloat64
	)
	b := core.Bar{Symbol: s.symbol}
	if err := s.rows.Scan(&b.TS, &o, &h, &l, &c, &b.Volume, &trades, &vwap); err != nil {
		s.close()
		return err
	}
	b.Open = decimal.NewFromFloat(o)
	b.High = decimal.NewFromFloat(h)
	b.Low = decimal.NewFromFloat(l)
	b.Close = decimal.NewFromFloat(c)
	if trades.Valid {
		b.Trades = trades.Int64
	}
	if vwap.Valid {
		b.VWAP = decimal.NewFromFloat(vwap.Float64)
	}
	s.cur = b
	return nil
}

func (s *stream) close() {
	if s.done {
		return
	}
	s.done = true
	s.rows.Close()
	s.conn.Release()
}

// Rows merges per-shard streams into one sequence, strictly non-decreasing
// by timestamp. A timestamp reported by two shards at a coverage seam
// resolves to exactly one bar, from the higher-precedence shard.
type Rows struct {
	ctx     context.Context
	streams []*stream
	meta    core.Metadata
	cur     core.Bar
	err     error
	closed  bool
}

func (r *Rows) Next() bool {
	if r.err != nil || r.closed {
		return false
	}
	if err := r.ctx.Err(); err != nil {
		r.err = err
		r.Close()
		return false
	}

	var winner *stream
	for _, s := range r.streams {
		if s.done {
			continue
		}
		if winner == nil || s.cur.TS < winner.cur.TS ||
			(s.cur.TS == winner.cur.TS && s.prec > winner.prec) {
			winner = s
		}
	}
	if winner == nil {
		r.Close()
		return false
	}

	r.cur = winner.cur
	ts := winner.cur.TS
	// Advance every stream sitting on this timestamp; losers are dropped so
	// a seam duplicate yields one bar, never zero, never two.
	for _, s := range r.streams {
		if s.done || s.cur.TS != ts {
			continue
		}
		if err := s.advance(); err != nil {
			r.err = err
			r.Close()
			return false
		}
	}
	return true
}

func (r *Rows) Bar() core.Bar { return r.cur }

func (r *Rows) Err() error { return r.err }

// Meta reports contributing shards and the partial-coverage flag.
func (r *Rows) Meta() core.Metadata { return r.meta }

// Close releases every borrowed connection. Idempotent; called automatically
// when the stream drains, and must be called on cancellation paths.
func (r *Rows) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	for _, s := range r.streams {
		s.close()
	}
	return nil
}
