// Package pool owns the live DuckDB connections to shard files. Each pooled
// connection is an in-memory DuckDB instance with one shard attached
// read-only. The pool mutex only marks ownership; all file I/O happens
// outside the critical section.
package pool

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/tickvault/shardquery/core"
)

// Config bounds the pool. Credential is the pre-resolved encryption key for
// shards encrypted at rest; the pool never reads the environment itself.
type Config struct {
	// MaxPerShard is the live-connection bound per shard. Default 1.
	MaxPerShard int
	// Limits raises the bound for hot shards, keyed by shard location.
	Limits map[string]int
	// IdleTimeout closes warm connections that sit unused this long.
	IdleTimeout time.Duration
	// Cooldown is how long a shard stays degraded after an open failure.
	Cooldown time.Duration
	// Credential is the at-rest encryption key, empty for plain shards.
	Credential string
}

func (c Config) withDefaults() Config {
	if c.MaxPerShard <= 0 {
		c.MaxPerShard = 1
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	return c
}

func (c Config) limit(location string) int {
	if n, ok := c.Limits[location]; ok && n > 0 {
		return n
	}
	return c.MaxPerShard
}

// Conn is a borrowed connection to one shard. Exactly one borrower at a
// time; Release is idempotent and must be called on every exit path.
type Conn struct {
	db       *sql.DB
	shard    core.ShardDescriptor
	pool     *Pool
	idleAt   time.Time
	released bool // guarded by pool.mu
}

// DB exposes the underlying handle. The shard's tables are qualified as
// shard.<table>.
func (c *Conn) DB() *sql.DB { return c.db }

// Shard returns the descriptor this connection is bound to.
func (c *Conn) Shard() core.ShardDescriptor { return c.shard }

// Release returns the connection to the idle set. Safe to call twice; the
// second call is a no-op.
func (c *Conn) Release() {
	if c == nil {
		return
	}
	c.pool.release(c)
}

type entry struct {
	idle          []*Conn
	live          int // open connections, borrowed plus idle
	degradedUntil time.Time
	notify        chan struct{} // closed and replaced on every release
}

// Pool hands out scoped shard connections.
type Pool struct {
	cfg Config

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool

	reaperStop chan struct{}
	reaperDone chan struct{}
}

// New starts a pool and its idle reaper.
func New(cfg Config) *Pool {
	p := &Pool{
		cfg:        cfg.withDefaults(),
		entries:    make(map[string]*entry),
		reaperStop: make(chan struct{}),
		reaperDone: make(chan struct{}),
	}
	go p.reap()
	return p
}

func (p *Pool) entryLocked(location string) *entry {
	e, ok := p.entries[location]
	if !ok {
		e = &entry{notify: make(chan struct{})}
		p.entries[location] = e
	}
	return e
}

// Acquire borrows a connection for desc, opening one lazily when no warm
// connection exists. Blocks when the shard's live bound is reached, until a
// release or ctx cancellation. Open failures mark the shard degraded for the
// cool-down window and surface core.ErrShardUnavailable.
func (p *Pool) Acquire(ctx context.Context, desc core.ShardDescriptor) (*Conn, error) {
	loc := desc.Location
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("pool closed: %w", core.ErrShardUnavailable)
		}
		e := p.entryLocked(loc)

		if until := e.degradedUntil; time.Now().Before(until) {
			p.mu.Unlock()
			return nil, fmt.Errorf("shard %s degraded until %s: %w",
				loc, until.Format(time.RFC3339), core.ErrShardUnavailable)
		}

		if n := len(e.idle); n > 0 {
			c := e.idle[n-1]
			e.idle = e.idle[:n-1]
			c.released = false
			p.mu.Unlock()
			return c, nil
		}

		if e.live < p.cfg.limit(loc) {
			e.live++ // reserve the slot before any I/O
			p.mu.Unlock()

			db, err := open(ctx, loc, p.cfg.Credential)
			if err != nil {
				p.mu.Lock()
				e.live--
				e.degradedUntil = time.Now().Add(p.cfg.Cooldown)
				p.notifyLocked(e)
				p.mu.Unlock()
				core.Errorf(ctx, "open shard %s: %v", loc, err)
				return nil, fmt.Errorf("open shard %s: %v: %w", loc, err, core.ErrShardUnavailable)
			}
			return &Conn{db: db, shard: desc, pool: p}, nil
		}

		wait := e.notify
		p.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

// open attaches the shard file to a fresh in-memory DuckDB instance.
func open(ctx context.Context, location, credential string) (*sql.DB, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	attach := fmt.Sprintf("ATTACH %s AS shard (READ_ONLY)", quote(location))
	if credential != "" {
		attach = fmt.Sprintf("ATTACH %s AS shard (READ_ONLY, ENCRYPTION_KEY %s)",
			quote(location), quote(credential))
	}
	if _, err := db.ExecContext(ctx, attach); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func (p *Pool) release(c *Conn) {
	p.mu.Lock()
	if c.released {
		p.mu.Unlock()
		return
	}
	c.released = true
	e := p.entryLocked(c.shard.Location)

	if p.closed {
		e.live--
		p.notifyLocked(e) // parked waiters must observe the shutdown
		p.mu.Unlock()
		c.db.Close()
		return
	}
	c.idleAt = time.Now()
	e.idle = append(e.idle, c)
	p.notifyLocked(e)
	p.mu.Unlock()
}

func (p *Pool) notifyLocked(e *entry) {
	close(e.notify)
	e.notify = make(chan struct{})
}

// reap closes idle connections past the idle timeout.
func (p *Pool) reap() {
	defer close(p.reaperDone)
	tick := time.NewTicker(p.cfg.IdleTimeout / 2)
	defer tick.Stop()
	for {
		select {
		case <-p.reaperStop:
			return
		case now := <-tick.C:
			var stale []*Conn
			p.mu.Lock()
			for _, e := range p.entries {
				kept := e.idle[:0]
				for _, c := range e.idle {
					if now.Sub(c.idleAt) >= p.cfg.IdleTimeout {
						stale = append(stale, c)
						e.live--
					} else {
						kept = append(kept, c)
					}
				}
				e.idle = kept
			}
			p.mu.Unlock()
			for _, c := range stale {
				c.db.Close()
			}
		}
	}
}

// Stats reports live and idle connection counts, for tests and health checks.
func (p *Pool) Stats() (live, idle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		live += e.live
		idle += len(e.idle)
	}
	return live, idle
}

// Close shuts the pool down. Idle connections close immediately; borrowed
// connections close when released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var all []*Conn
	for _, e := range p.entries {
		all = append(all, e.idle...)
		e.live -= len(e.idle)
		e.idle = nil
		// wake every waiter parked on this entry; they re-check closed and
		// fail instead of blocking forever
		p.notifyLocked(e)
	}
	p.mu.Unlock()

	close(p.reaperStop)
	<-p.reaperDone
	for _, c := range all {
		c.db.Close()
	}
	return nil
}
