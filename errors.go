package talon

import "errors"

// Error kinds for the engine. Every failure that crosses a component
// boundary wraps exactly one of these so the orchestrator can branch
// with errors.Is instead of string matching.
var (
	// ErrRPC covers transport timeouts and 5xx responses. Handled by
	// local retry and endpoint failover; never rejects a decision.
	ErrRPC = errors.New("rpc error")

	// ErrSimulation covers eth_call reverts, zero-profit simulations
	// and gas-estimate failures. Drops the current opportunity only.
	ErrSimulation = errors.New("simulation error")

	// ErrCache means the key-value store is unreachable. The cache
	// switches to its in-process layer and schedules a rebuild.
	ErrCache = errors.New("cache error")

	// ErrDatabase means the durable store is unreachable. Rows are
	// queued in memory and flushed on recovery.
	ErrDatabase = errors.New("database error")

	// ErrState covers reconciliation divergence and sequencer
	// anomalies. Always halts the system.
	ErrState = errors.New("state error")

	// ErrSafety is a limit violation. Rejects the candidate bundle.
	ErrSafety = errors.New("safety limit violation")

	// ErrConfiguration is only produced at boot and exits the process.
	ErrConfiguration = errors.New("configuration error")
)
