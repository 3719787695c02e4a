package stateengine

import "fmt"

// GuardVerdict classifies a sequencer-health observation.
type GuardVerdict int

const (
	GuardProceed GuardVerdict = iota
	GuardWarn
	GuardHalt
)

// GuardResult carries the verdict and a human-readable reason for
// anything other than a clean proceed.
type GuardResult struct {
	Verdict GuardVerdict
	Reason  string
}

const (
	maxBlockGap      = 3
	maxReorgDepth    = 3
	maxTimestampJump = 20
)

// CheckSequencer applies the sequencer guard rules to a new block
// given the previous observation. prevBlock==0 means no prior block.
func CheckSequencer(prevBlock, prevTS, block, ts uint64) GuardResult {
	if prevBlock > 0 {
		switch {
		case block == prevBlock+1:
			// sequential, fall through to timestamp checks
		case block > prevBlock:
			gap := block - prevBlock
			if gap > maxBlockGap {
				return GuardResult{GuardHalt, fmt.Sprintf("block gap of %d exceeds %d", gap, maxBlockGap)}
			}
			return guardTimestamp(prevTS, ts, GuardResult{GuardWarn, fmt.Sprintf("block gap of %d", gap)})
		default:
			depth := prevBlock - block + 1
			if depth > maxReorgDepth {
				return GuardResult{GuardHalt, fmt.Sprintf("reorg depth %d exceeds %d", depth, maxReorgDepth)}
			}
			return guardTimestamp(prevTS, ts, GuardResult{GuardWarn, fmt.Sprintf("reorg depth %d", depth)})
		}
	}
	return guardTimestamp(prevTS, ts, GuardResult{Verdict: GuardProceed})
}

// guardTimestamp layers the timestamp rules on top of the block-number
// verdict; a timestamp halt always wins.
func guardTimestamp(prevTS, ts uint64, soFar GuardResult) GuardResult {
	if prevTS > 0 {
		if ts < prevTS {
			return GuardResult{GuardHalt, fmt.Sprintf("timestamp went backwards by %d seconds", prevTS-ts)}
		}
		if ts-prevTS > maxTimestampJump {
			return GuardResult{GuardHalt, fmt.Sprintf("timestamp jump of %d seconds exceeds %d", ts-prevTS, maxTimestampJump)}
		}
	}
	return soFar
}
