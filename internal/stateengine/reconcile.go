package stateengine

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"talon"
)

// divergenceBps computes |cached − canonical| × 10000 / canonical.
func divergenceBps(cached, canonical *big.Int) uint64 {
	if canonical.Sign() == 0 {
		return 0
	}
	diff := new(big.Int).Sub(cached, canonical)
	diff.Abs(diff)
	diff.Mul(diff, big.NewInt(10000))
	diff.Div(diff, canonical)
	if !diff.IsUint64() {
		return ^uint64(0)
	}
	return diff.Uint64()
}

// Reconcile verifies every cached position against canonical state at
// the given block via the archive endpoint. A divergence above the
// halt threshold on either field records a StateDivergence and halts
// the system; smaller mismatches are logged, counted, and overwritten
// with the canonical values.
func (e *Engine) Reconcile(ctx context.Context, block uint64) error {
	positions := e.cache.ListAll(ctx)
	if len(positions) == 0 {
		return nil
	}

	for i := range positions {
		pos := positions[i]
		proto, ok := e.byName[pos.Protocol]
		if !ok {
			continue
		}

		_, canonicalCollateral, _, canonicalDebt, err := e.queryLens(ctx, proto, pos.User, block)
		if err != nil {
			e.log.Event(map[string]interface{}{
				"position": pos.Key(), "block": block, "error": err.Error(),
			}).Warn("reconcile_query_failed")
			continue
		}

		fields := []struct {
			name      string
			cached    *big.Int
			canonical *big.Int
		}{
			{"collateral_amount", pos.CollateralAmount, canonicalCollateral},
			{"debt_amount", pos.DebtAmount, canonicalDebt},
		}

		for _, f := range fields {
			bps := divergenceBps(f.cached, f.canonical)
			if bps == 0 {
				continue
			}

			d := talon.StateDivergence{
				Timestamp:      time.Now().UTC(),
				BlockNumber:    block,
				Protocol:       pos.Protocol,
				User:           pos.User,
				Field:          f.name,
				CachedValue:    new(big.Int).Set(f.cached),
				CanonicalValue: new(big.Int).Set(f.canonical),
				DivergenceBps:  bps,
			}

			if bps > divergenceHaltBps {
				e.sink.RecordDivergence(d)
				e.log.Event(map[string]interface{}{
					"position":       pos.Key(),
					"field":          f.name,
					"cached":         f.cached.String(),
					"canonical":      f.canonical.String(),
					"divergence_bps": bps,
				}).Error("state_divergence")
				e.halt(fmt.Sprintf("state divergence of %d bps on %s for %s", bps, f.name, pos.Key()))
				return fmt.Errorf("%w: divergence %d bps on %s for %s", talon.ErrState, bps, f.name, pos.Key())
			}

			// Sub-threshold drift still points at event-decode bugs;
			// count it so a rising trend is visible before it halts.
			if e.onDivergenceWarn != nil {
				e.onDivergenceWarn()
			}
			e.log.Event(map[string]interface{}{
				"position":       pos.Key(),
				"field":          f.name,
				"divergence_bps": bps,
			}).Warn("state_divergence_minor")
		}

		pos.CollateralAmount = canonicalCollateral
		pos.DebtAmount = canonicalDebt
		if block > pos.LastUpdateBlock {
			pos.LastUpdateBlock = block
		}
		if err := e.cache.Upsert(ctx, &pos); err != nil {
			e.log.Event(map[string]interface{}{"position": pos.Key(), "error": err.Error()}).
				Warn("reconcile_update_failed")
		}
	}
	return nil
}
