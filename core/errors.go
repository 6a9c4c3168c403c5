package core

import "errors"

// Error taxonomy for the query engine. Per-shard failures are absorbed into
// partial-coverage metadata wherever at least one shard succeeds; only total
// failure reaches the caller.
var (
	// ErrNotFound means no shard covers the symbol/category at all.
	ErrNotFound = errors.New("no shard covers symbol")

	// ErrInvalidRange means the range is empty or inverted. Distinct from
	// ErrNotFound: the caller should reject the request, not treat it as
	// legitimately empty data.
	ErrInvalidRange = errors.New("invalid time range")

	// ErrShardUnavailable means one specific shard could not be opened.
	// Transient; the pool retries after a cool-down.
	ErrShardUnavailable = errors.New("shard unavailable")

	// ErrNoDataSource means every required shard was unavailable.
	ErrNoDataSource = errors.New("no data source reachable")

	// ErrUnsupportedGranularity means the requested granularity is neither
	// stored natively nor derivable from any stored granularity.
	ErrUnsupportedGranularity = errors.New("unsupported granularity")

	// ErrIVConvergenceFailed is per-contract; other contracts in the same
	// chain still resolve.
	ErrIVConvergenceFailed = errors.New("implied volatility inversion did not converge")
)
