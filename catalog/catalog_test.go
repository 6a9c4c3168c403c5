package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/tickvault/shardquery/core"
)

func ms(s string) int64 {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t.UnixMilli()
}

func writeManifest(t *testing.T, fs afero.Fs, dir string, shards []manifestShard) {
	t.Helper()
	data, err := json.Marshal(manifestFile{Shards: shards})
	require.NoError(t, err)
	require.NoError(t, fs.MkdirAll(dir, 0o755))
	require.NoError(t, afero.WriteFile(fs, dir+"/manifest.json", data, 0o644))
	for _, s := range shards {
		require.NoError(t, afero.WriteFile(fs, dir+"/"+s.Path, []byte("duckdb"), 0o644))
	}
}

func newTestCatalog(t *testing.T) (*Catalog, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	writeManifest(t, fs, "/data/indices/SPX", []manifestShard{
		{Path: "2023.duckdb", Symbol: "SPX", Granularity: "1m", Start: ms("2023-01-01"), End: ms("2024-01-01") - 1},
		{Path: "2024.duckdb", Symbol: "SPX", Granularity: "1m", Start: ms("2024-01-01"), End: ms("2025-01-01") - 1},
		{Path: "2024_1d.duckdb", Symbol: "SPX", Granularity: "1d", Start: ms("2024-01-01"), End: ms("2025-01-01") - 1},
	})
	writeManifest(t, fs, "/data/options/SPX", []manifestShard{
		{Path: "2024-01.duckdb", Symbol: "SPX", Start: ms("2024-01-01"), End: ms("2024-02-01") - 1},
		{Path: "2024-02.duckdb", Symbol: "SPX", Start: ms("2024-02-01"), End: ms("2024-03-01") - 1},
	})

	c := New(fs, "/data")
	require.NoError(t, c.Refresh(context.Background()))
	return c, fs
}

func TestResolveOrdersByCoverageStart(t *testing.T) {
	c, _ := newTestCatalog(t)
	gran, _ := core.ParseGranularity("1m")

	descs, err := c.Resolve(core.Indices, "SPX", gran, core.TimeRange{Start: ms("2023-06-01"), End: ms("2024-06-01")})
	require.NoError(t, err)
	require.Len(t, descs, 2)
	require.True(t, descs[0].Coverage.Start < descs[1].Coverage.Start)
	for _, d := range descs {
		require.Equal(t, core.Indices, d.Category)
		require.Equal(t, "SPX", d.Symbol)
		require.Equal(t, gran, d.Granularity)
	}
}

func TestResolveFiltersByOverlap(t *testing.T) {
	c, _ := newTestCatalog(t)
	gran, _ := core.ParseGranularity("1m")

	descs, err := c.Resolve(core.Indices, "SPX", gran, core.TimeRange{Start: ms("2024-03-01"), End: ms("2024-03-31")})
	require.NoError(t, err)
	require.Len(t, descs, 1)
	require.Equal(t, ms("2024-01-01"), descs[0].Coverage.Start)
}

func TestResolveNotFound(t *testing.T) {
	c, _ := newTestCatalog(t)
	gran, _ := core.ParseGranularity("1m")

	_, err := c.Resolve(core.Indices, "NDX", gran, core.TimeRange{Start: ms("2024-01-01"), End: ms("2024-01-31")})
	require.ErrorIs(t, err, core.ErrNotFound)

	// known symbol, range entirely outside coverage
	_, err = c.Resolve(core.Indices, "SPX", gran, core.TimeRange{Start: ms("2030-01-01"), End: ms("2030-02-01")})
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestResolveOptionsMonthBoundary(t *testing.T) {
	c, _ := newTestCatalog(t)

	// span crossing from January into February yields both month shards
	descs, err := c.Resolve(core.Options, "SPX", 0, core.TimeRange{Start: ms("2024-01-30"), End: ms("2024-02-02")})
	require.NoError(t, err)
	require.Len(t, descs, 2)

	descs, err = c.Resolve(core.Options, "SPX", 0, core.TimeRange{Start: ms("2024-01-15"), End: ms("2024-01-15")})
	require.NoError(t, err)
	require.Len(t, descs, 1)
}

func TestGranularities(t *testing.T) {
	c, _ := newTestCatalog(t)

	grans := c.Granularities(core.Indices, "SPX")
	require.Len(t, grans, 2)
	require.True(t, grans[0] < grans[1], "finest first")
	require.Equal(t, "1m", grans[0].String())
	require.Equal(t, "1d", grans[1].String())

	require.Empty(t, c.Granularities(core.Stocks, "SPX"))
}

func TestBareLayoutInference(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/data/etfs/SPY/5m/2024-03.duckdb", []byte("duckdb"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/data/options/SPY/2024-03.duckdb", []byte("duckdb"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/data/etfs/SPY/5m/notes.txt", []byte("x"), 0o644))

	c := New(fs, "/data")
	require.NoError(t, c.Refresh(context.Background()))
	require.Equal(t, 2, c.Len())

	gran, _ := core.ParseGranularity("5m")
	descs, err := c.Resolve(core.ETFs, "SPY", gran, core.TimeRange{Start: ms("2024-03-10"), End: ms("2024-03-11")})
	require.NoError(t, err)
	require.Len(t, descs, 1)
	require.Equal(t, ms("2024-03-01"), descs[0].Coverage.Start)
	require.Equal(t, ms("2024-04-01")-1, descs[0].Coverage.End)

	descs, err = c.Resolve(core.Options, "SPY", 0, core.TimeRange{Start: ms("2024-03-10"), End: ms("2024-03-10")})
	require.NoError(t, err)
	require.Len(t, descs, 1)
}

func TestRefreshSwapsSnapshot(t *testing.T) {
	c, fs := newTestCatalog(t)
	before := c.Len()

	require.NoError(t, afero.WriteFile(fs, "/data/stocks/AAPL/1m/2024-01.duckdb", []byte("duckdb"), 0o644))
	require.NoError(t, c.Refresh(context.Background()))
	require.Equal(t, before+1, c.Len())

	gran, _ := core.ParseGranularity("1m")
	_, err := c.Resolve(core.Stocks, "AAPL", gran, core.TimeRange{Start: ms("2024-01-05"), End: ms("2024-01-06")})
	require.NoError(t, err)
}

func TestResolveInvalidRange(t *testing.T) {
	c, _ := newTestCatalog(t)
	_, err := c.Resolve(core.Indices, "SPX", 0, core.TimeRange{Start: 10, End: 5})
	require.True(t, errors.Is(err, core.ErrInvalidRange))
}
