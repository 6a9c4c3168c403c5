package chain

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/tickvault/shardquery/catalog"
	"github.com/tickvault/shardquery/core"
	"github.com/tickvault/shardquery/internal/shardtest"
	"github.com/tickvault/shardquery/pool"
)

var (
	chainDate = time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	expiry    = time.Date(2024, 2, 16, 0, 0, 0, 0, time.UTC)
)

func fixedSpot(v float64) SpotFunc {
	return func(context.Context, string, time.Time) (decimal.Decimal, error) {
		return decimal.NewFromFloat(v), nil
	}
}

func contract(strike float64, right core.OptionRight) shardtest.Contract {
	return shardtest.Contract{
		ID:         core.FormatContractID("SPX", expiry, right, decimal.NewFromFloat(strike)),
		Underlying: "SPX",
		Expiry:     expiry.UnixMilli(),
		Strike:     strike,
		Right:      string(right),
		Multiplier: 100,
		Style:      "european",
	}
}

func writeChainManifest(t *testing.T, dir string, shards ...string) {
	t.Helper()
	manifest := `{"shards":[`
	for i, s := range shards {
		if i > 0 {
			manifest += ","
		}
		manifest += s
	}
	manifest += `]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), []byte(manifest), 0o644))
}

func shardEntry(path string, start, end int64) string {
	return fmt.Sprintf(`{"path":%q,"symbol":"SPX","start":%d,"end":%d}`, path, start, end)
}

func monthMS(year int, month time.Month) (int64, int64) {
	start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	return start.UnixMilli(), start.AddDate(0, 1, 0).UnixMilli() - 1
}

func newResolver(t *testing.T, root string, spot SpotFunc) (*Resolver, *pool.Pool) {
	t.Helper()
	c := catalog.New(afero.NewOsFs(), root)
	require.NoError(t, c.Refresh(context.Background()))
	p := pool.New(pool.Config{})
	t.Cleanup(func() { p.Close() })
	return &Resolver{Catalog: c, Pool: p, Spot: spot, Rate: 0.045}, p
}

func entryByID(res *core.ChainResult, id string) *core.ChainEntry {
	for i := range res.Entries {
		if res.Entries[i].Contract.ID == id {
			return &res.Entries[i]
		}
	}
	return nil
}

func TestResolveChain(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "options", "SPX")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	strikes := []float64{4900, 4925, 4950, 4975, 5000, 5025, 5050, 5075, 5100}
	var contracts []shardtest.Contract
	for _, s := range strikes {
		contracts = append(contracts, contract(s, core.Call))
	}
	atmPut := contract(5000, core.Put)
	contracts = append(contracts, atmPut)
	// expired before the query date, must be excluded
	expired := contract(5000, core.Call)
	expired.ID = "SPX240110C05000000"
	expired.Expiry = time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC).UnixMilli()
	contracts = append(contracts, expired)

	noonTS := chainDate.Add(12 * time.Hour).UnixMilli()
	fairVol := 0.25
	fair := Price(PricingInput{Spot: 5000, Strike: 5000, T: 32.0 / 365, Rate: 0.045, Vol: fairVol, Right: core.Call})
	quotes := []shardtest.Quote{
		// at-the-money call quoted at its model value: IV must invert back
		{ContractID: contracts[4].ID, TS: noonTS, Bid: shardtest.F(fair), Ask: shardtest.F(fair), Volume: 120, OpenInterest: 800},
		// precomputed IV on the shard wins over inversion
		{ContractID: contracts[3].ID, TS: noonTS, Bid: shardtest.F(60), Ask: shardtest.F(62), IV: shardtest.F(0.3)},
		// one-sided market: quote surfaces, Greeks stay empty
		{ContractID: contracts[6].ID, TS: noonTS, Bid: shardtest.F(20)},
		// deep ITM call quoted below intrinsic
		{ContractID: contracts[2].ID, TS: noonTS, Bid: shardtest.F(10), Ask: shardtest.F(10)},
		// stale then fresh quote for the same contract
		{ContractID: contracts[5].ID, TS: noonTS - 1000, Bid: shardtest.F(30), Ask: shardtest.F(31)},
		{ContractID: contracts[5].ID, TS: noonTS, Bid: shardtest.F(33), Ask: shardtest.F(34)},
		// quoted after end of day, out of scope
		{ContractID: atmPut.ID, TS: chainDate.Add(25 * time.Hour).UnixMilli(), Bid: shardtest.F(40), Ask: shardtest.F(41)},
	}

	janStart, janEnd := monthMS(2024, time.January)
	shardtest.CreateOptionShard(t, filepath.Join(dir, "2024-01.duckdb"), contracts, quotes)
	writeChainManifest(t, dir, shardEntry("2024-01.duckdb", janStart, janEnd))

	r, _ := newResolver(t, root, fixedSpot(5000))
	res, err := r.Resolve(context.Background(), "SPX", chainDate, 2)
	require.NoError(t, err)

	// two strikes each side of ATM: calls 4950..5050 plus the 5000 put
	require.Len(t, res.Entries, 6)
	require.False(t, res.Meta.Partial)
	for _, e := range res.Entries {
		require.GreaterOrEqual(t, e.Contract.Strike.InexactFloat64(), 4950.0)
		require.LessOrEqual(t, e.Contract.Strike.InexactFloat64(), 5050.0)
		require.True(t, e.Contract.Expiry.After(chainDate))
	}
	// sorted by expiry, strike, right: the put sorts after the call at 5000
	require.Equal(t, core.Call, res.Entries[2].Contract.Right)
	require.Equal(t, core.Put, res.Entries[3].Contract.Right)

	atm := entryByID(res, contracts[4].ID)
	require.NotNil(t, atm)
	require.NotNil(t, atm.Quote)
	require.NotNil(t, atm.Greeks)
	require.InDelta(t, fairVol, atm.Greeks.IV, 1e-3)
	require.Greater(t, atm.Greeks.Delta, 0.0)
	require.Less(t, atm.Greeks.Theta, 0.0)
	require.Empty(t, atm.Err)

	stored := entryByID(res, contracts[3].ID)
	require.NotNil(t, stored.Greeks)
	require.Equal(t, 0.3, stored.Greeks.IV)

	oneSided := entryByID(res, contracts[6].ID)
	require.NotNil(t, oneSided.Quote)
	require.Nil(t, oneSided.Greeks)
	require.Empty(t, oneSided.Err)

	belowIntrinsic := entryByID(res, contracts[2].ID)
	require.True(t, belowIntrinsic.BelowIntrinsic)
	require.NotEmpty(t, belowIntrinsic.Err)
	require.Nil(t, belowIntrinsic.Greeks)

	fresh := entryByID(res, contracts[5].ID)
	require.NotNil(t, fresh.Quote)
	require.True(t, fresh.Quote.Bid.Equal(decimal.NewFromInt(33)), "latest quote must win")

	put := entryByID(res, atmPut.ID)
	require.NotNil(t, put)
	require.Nil(t, put.Quote, "quote past the cutoff must not surface")
}

func TestResolveChainBoundaryDedup(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "options", "SPX")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	c := contract(5000, core.Call)
	noonTS := chainDate.Add(12 * time.Hour).UnixMilli()
	shardtest.CreateOptionShard(t, filepath.Join(dir, "jan.duckdb"),
		[]shardtest.Contract{c},
		[]shardtest.Quote{{ContractID: c.ID, TS: noonTS - 5000, Bid: shardtest.F(50), Ask: shardtest.F(51)}})
	shardtest.CreateOptionShard(t, filepath.Join(dir, "feb.duckdb"),
		[]shardtest.Contract{c},
		[]shardtest.Quote{{ContractID: c.ID, TS: noonTS, Bid: shardtest.F(52), Ask: shardtest.F(53)}})

	janStart, janEnd := monthMS(2024, time.January)
	_, febEnd := monthMS(2024, time.February)
	writeChainManifest(t, dir,
		shardEntry("jan.duckdb", janStart, janEnd),
		shardEntry("feb.duckdb", chainDate.UnixMilli(), febEnd))

	r, _ := newResolver(t, root, fixedSpot(5000))
	res, err := r.Resolve(context.Background(), "SPX", chainDate, 5)
	require.NoError(t, err)

	// the contract sits in both overlapping shards but appears once, with
	// the freshest quote across them
	require.Len(t, res.Entries, 1)
	require.Len(t, res.Meta.Shards, 2)
	require.True(t, res.Entries[0].Quote.Bid.Equal(decimal.NewFromInt(52)))
}

func TestResolveChainPartialOnMissingShard(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "options", "SPX")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	c := contract(5000, core.Call)
	shardtest.CreateOptionShard(t, filepath.Join(dir, "healthy.duckdb"),
		[]shardtest.Contract{c},
		[]shardtest.Quote{{ContractID: c.ID, TS: chainDate.UnixMilli(), Bid: shardtest.F(50), Ask: shardtest.F(51)}})
	// present in the catalog but not attachable
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ghost.duckdb"), []byte("corrupt"), 0o644))

	janStart, janEnd := monthMS(2024, time.January)
	writeChainManifest(t, dir,
		shardEntry("healthy.duckdb", janStart, janEnd),
		shardEntry("ghost.duckdb", janStart, janEnd))

	r, _ := newResolver(t, root, fixedSpot(5000))
	res, err := r.Resolve(context.Background(), "SPX", chainDate, 5)
	require.NoError(t, err)
	require.True(t, res.Meta.Partial)
	require.Len(t, res.Meta.Missing, 1)
	require.Len(t, res.Entries, 1)
}

func TestResolveChainNoDataSource(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "options", "SPX")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "ghost.duckdb"), []byte("corrupt"), 0o644))
	janStart, janEnd := monthMS(2024, time.January)
	writeChainManifest(t, dir, shardEntry("ghost.duckdb", janStart, janEnd))

	r, _ := newResolver(t, root, fixedSpot(5000))
	_, err := r.Resolve(context.Background(), "SPX", chainDate, 5)
	require.ErrorIs(t, err, core.ErrNoDataSource)
}

func TestResolveChainSpotFailure(t *testing.T) {
	root := t.TempDir()
	failing := func(context.Context, string, time.Time) (decimal.Decimal, error) {
		return decimal.Zero, errors.New("no reference bars")
	}
	r, _ := newResolver(t, root, failing)
	_, err := r.Resolve(context.Background(), "SPX", chainDate, 5)
	require.Error(t, err)
	require.Contains(t, err.Error(), "resolve spot")
}

func TestResolveChainConnectionsReturned(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "options", "SPX")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	c := contract(5000, core.Call)
	shardtest.CreateOptionShard(t, filepath.Join(dir, "2024-01.duckdb"), []shardtest.Contract{c}, nil)
	janStart, janEnd := monthMS(2024, time.January)
	writeChainManifest(t, dir, shardEntry("2024-01.duckdb", janStart, janEnd))

	r, p := newResolver(t, root, fixedSpot(5000))
	_, err := r.Resolve(context.Background(), "SPX", chainDate, 5)
	require.NoError(t, err)

	live, idle := p.Stats()
	require.Equal(t, live, idle, "every borrowed connection must be back in the pool")
}
