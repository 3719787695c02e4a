package planner

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"talon"

	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

// defaultInclusionRate is assumed for a path with no history.
var defaultInclusionRate = decimal.RequireFromString("0.70")

type submitFunc func(ctx context.Context, tx *gethtypes.Transaction) error

// adapter is one submission path with lifetime statistics.
type adapter struct {
	path   talon.SubmissionPath
	submit submitFunc

	mu              sync.Mutex
	submissionCount int64
	successCount    int64
}

func (a *adapter) recordSubmission() {
	a.mu.Lock()
	a.submissionCount++
	a.mu.Unlock()
}

func (a *adapter) recordOutcome(success bool) {
	if !success {
		return
	}
	a.mu.Lock()
	a.successCount++
	a.mu.Unlock()
}

// inclusionRate is successes over submissions; paths with no history
// report the 0.70 prior.
func (a *adapter) inclusionRate() decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.submissionCount == 0 {
		return defaultInclusionRate
	}
	return decimal.NewFromInt(a.successCount).Div(decimal.NewFromInt(a.submissionCount))
}

// Broadcaster is the planner's transaction outlet. The mempool and
// builder adapters use the active endpoint; private_rpc submits
// through the backup lane only.
type Broadcaster interface {
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	SendTransactionBackup(ctx context.Context, tx *gethtypes.Transaction) error
}

// newAdapters wires the three paths in tie-break order.
func newAdapters(b Broadcaster) map[talon.SubmissionPath]*adapter {
	return map[talon.SubmissionPath]*adapter{
		talon.PathMempool: {
			path:   talon.PathMempool,
			submit: b.SendTransaction,
		},
		// No standalone builder endpoint exists on this rollup yet;
		// builder submissions ride the public lane while keeping their
		// own inclusion statistics and bribe accounting.
		talon.PathBuilder: {
			path:   talon.PathBuilder,
			submit: b.SendTransaction,
		},
		talon.PathPrivateRPC: {
			path:   talon.PathPrivateRPC,
			submit: b.SendTransactionBackup,
		},
	}
}
