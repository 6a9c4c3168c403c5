// Package catalog maintains the process-wide shard inventory: a scan of the
// configured root directory, kept as an immutable snapshot that Refresh
// atomically replaces. Resolve never blocks and never mutates shared state.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"

	"github.com/tickvault/shardquery/core"
)

const manifestName = "manifest.json"

// Catalog maps (category, symbol, granularity, range) to the ordered shard
// descriptors that must be visited.
type Catalog struct {
	fs   afero.Fs
	root string
	snap atomic.Pointer[snapshot]
}

type snapshot struct {
	shards []core.ShardDescriptor
}

// New builds an empty catalog over root. Call Refresh before resolving.
func New(fs afero.Fs, root string) *Catalog {
	c := &Catalog{fs: fs, root: root}
	c.snap.Store(&snapshot{})
	return c
}

// manifestShard is one entry of a per-directory manifest.json. Paths are
// relative to the manifest's directory; start/end are epoch milliseconds.
type manifestShard struct {
	Path        string `json:"path"`
	Symbol      string `json:"symbol"`
	Granularity string `json:"granularity,omitempty"`
	Start       int64  `json:"start"`
	End         int64  `json:"end"`
	Rows        int64  `json:"rows,omitempty"`
	SizeBytes   int64  `json:"size_bytes,omitempty"`
}

type manifestFile struct {
	Shards []manifestShard `json:"shards"`
}

// Refresh rescans the root and swaps in a new snapshot. Concurrent Resolve
// calls keep reading the previous snapshot until the swap completes.
func (c *Catalog) Refresh(ctx context.Context) error {
	start := time.Now()
	var shards []core.ShardDescriptor

	err := afero.Walk(c.fs, c.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if info.IsDir() {
			if info.Name() == "tmp" {
				// may hold half-written shard files
				return filepath.SkipDir
			}
			return nil
		}
		if info.Name() == manifestName {
			descs, err := c.readManifest(path)
			if err != nil {
				core.Errorf(ctx, "skipping manifest %s: %v", path, err)
				return nil
			}
			shards = append(shards, descs...)
			return nil
		}
		if strings.HasSuffix(info.Name(), ".duckdb") {
			// Only used when the directory carries no manifest.
			if ok, _ := afero.Exists(c.fs, filepath.Join(filepath.Dir(path), manifestName)); ok {
				return nil
			}
			if desc, ok := c.inferFromLayout(path, info.Size()); ok {
				shards = append(shards, desc)
			}
			return nil
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan %s: %w", c.root, err)
	}

	sortShards(shards)
	c.snap.Store(&snapshot{shards: shards})
	core.Infof(ctx, "catalog refreshed: %d shards in %v", len(shards), time.Since(start))
	return nil
}

func (c *Catalog) readManifest(path string) ([]core.ShardDescriptor, error) {
	data, err := afero.ReadFile(c.fs, path)
	if err != nil {
		return nil, err
	}
	var mf manifestFile
	if err := json.Unmarshal(data, &mf); err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	category, ok := c.categoryOf(dir)
	if !ok {
		return nil, fmt.Errorf("manifest outside a category directory: %s", path)
	}

	descs := make([]core.ShardDescriptor, 0, len(mf.Shards))
	for _, s := range mf.Shards {
		loc := filepath.Join(dir, s.Path)
		if ok, _ := afero.Exists(c.fs, loc); !ok {
			continue
		}
		var gran core.Granularity
		if s.Granularity != "" {
			gran, err = core.ParseGranularity(s.Granularity)
			if err != nil {
				return nil, fmt.Errorf("shard %s: %w", s.Path, err)
			}
		}
		if s.End < s.Start {
			return nil, fmt.Errorf("shard %s: inverted coverage", s.Path)
		}
		descs = append(descs, core.ShardDescriptor{
			Category:    category,
			Symbol:      strings.ToUpper(s.Symbol),
			Granularity: gran,
			Coverage:    core.TimeRange{Start: s.Start, End: s.End},
			Location:    loc,
			Rows:        s.Rows,
			SizeBytes:   s.SizeBytes,
		})
	}
	return descs, nil
}

// inferFromLayout derives a descriptor from the bare directory convention:
// <root>/<category>/<symbol>/<granularity>/<YYYY-MM>.duckdb for bars and
// <root>/options/<underlying>/<YYYY-MM>.duckdb for chains. Coverage is the
// named calendar month.
func (c *Catalog) inferFromLayout(path string, size int64) (core.ShardDescriptor, bool) {
	rel, err := filepath.Rel(c.root, path)
	if err != nil {
		return core.ShardDescriptor{}, false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")

	month, err := time.Parse("2006-01", strings.TrimSuffix(parts[len(parts)-1], ".duckdb"))
	if err != nil {
		return core.ShardDescriptor{}, false
	}
	coverage := monthRange(month)

	switch len(parts) {
	case 3: // options/<underlying>/<YYYY-MM>.duckdb
		if parts[0] != string(core.Options) {
			return core.ShardDescriptor{}, false
		}
		return core.ShardDescriptor{
			Category:  core.Options,
			Symbol:    strings.ToUpper(parts[1]),
			Coverage:  coverage,
			Location:  path,
			SizeBytes: size,
		}, true
	case 4: // <category>/<symbol>/<granularity>/<YYYY-MM>.duckdb
		category, err := core.ParseCategory(parts[0])
		if err != nil {
			return core.ShardDescriptor{}, false
		}
		gran, err := core.ParseGranularity(parts[2])
		if err != nil {
			return core.ShardDescriptor{}, false
		}
		return core.ShardDescriptor{
			Category:    category,
			Symbol:      strings.ToUpper(parts[1]),
			Granularity: gran,
			Coverage:    coverage,
			Location:    path,
			SizeBytes:   size,
		}, true
	}
	return core.ShardDescriptor{}, false
}

func (c *Catalog) categoryOf(dir string) (core.Category, bool) {
	rel, err := filepath.Rel(c.root, dir)
	if err != nil || rel == "." {
		return "", false
	}
	first := strings.Split(filepath.ToSlash(rel), "/")[0]
	category, err := core.ParseCategory(first)
	if err != nil {
		return "", false
	}
	return category, true
}

func monthRange(month time.Time) core.TimeRange {
	start := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0).Add(-time.Millisecond)
	return core.TimeRange{Start: start.UnixMilli(), End: end.UnixMilli()}
}

func sortShards(shards []core.ShardDescriptor) {
	sort.Slice(shards, func(i, j int) bool {
		if shards[i].Coverage.Start != shards[j].Coverage.Start {
			return shards[i].Coverage.Start < shards[j].Coverage.Start
		}
		return shards[i].Location < shards[j].Location
	})
}

// Resolve returns the shards to visit for one logical query, ascending by
// coverage start. Granularity 0 matches any stored granularity (used for
// option shards, which carry none). Fails with core.ErrNotFound when no
// shard's coverage intersects the range; a partially covering list is not an
// error, missing sub-ranges mean "no data".
func (c *Catalog) Resolve(category core.Category, symbol string, gran core.Granularity, rng core.TimeRange) ([]core.ShardDescriptor, error) {
	if rng.End < rng.Start {
		return nil, core.ErrInvalidRange
	}
	symbol = strings.ToUpper(symbol)
	snap := c.snap.Load()

	var out []core.ShardDescriptor
	for _, s := range snap.shards {
		if s.Category != category || s.Symbol != symbol {
			continue
		}
		if gran != 0 && s.Granularity != gran {
			continue
		}
		if !s.Coverage.Overlaps(rng) {
			continue
		}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s/%s %s in [%d, %d]: %w",
			category, symbol, gran, rng.Start, rng.End, core.ErrNotFound)
	}
	return out, nil // already sorted: snapshot order is coverage-start ascending
}

// Granularities lists the distinct native granularities stored for a symbol,
// finest first. Used to pick a rollup source.
func (c *Catalog) Granularities(category core.Category, symbol string) []core.Granularity {
	symbol = strings.ToUpper(symbol)
	snap := c.snap.Load()

	seen := map[core.Granularity]struct{}{}
	var out []core.Granularity
	for _, s := range snap.shards {
		if s.Category != category || s.Symbol != symbol || s.Granularity == 0 {
			continue
		}
		if _, ok := seen[s.Granularity]; ok {
			continue
		}
		seen[s.Granularity] = struct{}{}
		out = append(out, s.Granularity)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len reports the number of shards in the current snapshot.
func (c *Catalog) Len() int {
	return len(c.snap.Load().shards)
}
