// Package poolerr defines the error taxonomy shared by every component of
// the address pool: the route controller, the pool service, and the
// session adapter all return and check these sentinels with errors.Is,
// and the RPC handlers translate them to HTTP status codes (see
// pkg/wire.StatusFor).
package poolerr

import "errors"

var (
	// ErrNoInterface means the named network interface does not exist.
	ErrNoInterface = errors.New("no such interface")

	// ErrNoGlobalAddress means the interface has no usable global IPv6 address.
	ErrNoGlobalAddress = errors.New("no global address on interface")

	// ErrNoPrefix means no prefix is currently known (spawning cannot proceed).
	ErrNoPrefix = errors.New("no prefix available")

	// ErrNoAddress means a mirror has no idle address to hand out.
	ErrNoAddress = errors.New("no address available")

	// ErrNoMirror means the requested dbname has no mirror.
	ErrNoMirror = errors.New("no such mirror")

	// ErrCheckFailed means a usability probe did not succeed. It is never
	// surfaced past the Checker boundary; Checker.Check collapses it to a
	// bool, but Spawner and tests reason about it internally.
	ErrCheckFailed = errors.New("address check failed")

	// ErrProxyRestart means the neighbor-discovery proxy daemon could not
	// be restarted after exhausting retries.
	ErrProxyRestart = errors.New("failed to restart ndp proxy")

	// ErrPoolExhausted means a session's adapt retries were exhausted
	// without acquiring an address.
	ErrPoolExhausted = errors.New("pool exhausted")

	// ErrTimeout means an operation exceeded its deadline.
	ErrTimeout = errors.New("timeout")

	// ErrBusy means an RPC handler could not acquire a lock within its
	// contention ceiling.
	ErrBusy = errors.New("busy")

	// ErrCancelled means the caller's context was cancelled.
	ErrCancelled = errors.New("cancelled")

	// ErrMalformed means a request could not be parsed.
	ErrMalformed = errors.New("malformed request")

	// ErrInternal indicates a broken invariant. Background loops log it
	// like any other error; nothing aborts the process on it.
	ErrInternal = errors.New("internal error")
)
