// Package shardtest builds throwaway DuckDB shard files for tests.
package shardtest

import (
	"database/sql"
	"testing"

	_ "github.com/marcboeker/go-duckdb/v2"
)

// Bar is a compact fixture row for the bars table.
type Bar struct {
	TS         int64
	O, H, L, C float64
	V          int64
}

// Contract is a fixture row for the contracts table.
type Contract struct {
	ID         string
	Underlying string
	Expiry     int64 // epoch ms
	Strike     float64
	Right      string
	Multiplier int
	Style      string
}

// Quote is a fixture row for the quotes table. Nil price pointers become
// NULLs; IV nil means not precomputed.
type Quote struct {
	ContractID   string
	TS           int64
	Bid          *float64
	Ask          *float64
	Last         *float64
	Volume       int64
	OpenInterest int64
	IV           *float64
}

func F(v float64) *float64 { return &v }

// CreateBarShard writes a bar shard file at path.
func CreateBarShard(t *testing.T, path, symbol string, bars []Bar) {
	t.Helper()
	db := open(t, path)
	defer db.Close()

	mustExec(t, db, `CREATE TABLE bars (
		symbol VARCHAR, ts BIGINT,
		open DOUBLE, high DOUBLE, low DOUBLE, close DOUBLE,
		volume BIGINT, trades BIGINT, vwap DOUBLE,
		PRIMARY KEY (symbol, ts))`)
	for _, b := range bars {
		mustExec(t, db, `INSERT INTO bars VALUES (?, ?, ?, ?, ?, ?, ?, NULL, NULL)`,
			symbol, b.TS, b.O, b.H, b.L, b.C, b.V)
	}
}

// CreateOptionShard writes an option shard file at path.
func CreateOptionShard(t *testing.T, path string, contracts []Contract, quotes []Quote) {
	t.Helper()
	db := open(t, path)
	defer db.Close()

	mustExec(t, db, `CREATE TABLE contracts (
		contract_id VARCHAR PRIMARY KEY, underlying VARCHAR, expiry BIGINT,
		strike DOUBLE, "right" VARCHAR, multiplier INTEGER, style VARCHAR)`)
	mustExec(t, db, `CREATE TABLE quotes (
		contract_id VARCHAR, ts BIGINT,
		bid DOUBLE, ask DOUBLE, last DOUBLE,
		volume BIGINT, open_interest BIGINT, iv DOUBLE,
		PRIMARY KEY (contract_id, ts))`)

	for _, c := range contracts {
		mustExec(t, db, `INSERT INTO contracts VALUES (?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.Underlying, c.Expiry, c.Strike, c.Right, c.Multiplier, c.Style)
	}
	for _, q := range quotes {
		mustExec(t, db, `INSERT INTO quotes VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			q.ContractID, q.TS, q.Bid, q.Ask, q.Last, q.Volume, q.OpenInterest, q.IV)
	}
}

func open(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := sql.Open("duckdb", path)
	if err != nil {
		t.Fatalf("open shard %s: %v", path, err)
	}
	return db
}

func mustExec(t *testing.T, db *sql.DB, query string, args ...any) {
	t.Helper()
	if _, err := db.Exec(query, args...); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}
