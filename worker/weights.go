package worker

import "github.com/wopa-project/wopa/wire"

// minArtifactWeight is the floor applied when a content step's remainder is
// split across many artifacts.
const minArtifactWeight = 1e-4

// Renormalize rebalances check weights in place after failures so that the
// weights of all successful checks sum to exactly 1. A failed check keeps
// its recorded weight for the report, but its contribution moves first to
// its surviving step siblings (proportionally) and, when a whole step
// failed, across all surviving checks.
func Renormalize(steps map[string][]wire.Check) {
	// Per-step redistribution.
	for _, checks := range steps {
		var total, survived float64
		for _, c := range checks {
			total += c.Weight
			if !c.Failed() {
				survived += c.Weight
			}
		}
		if survived == 0 || survived == total {
			continue
		}
		scale := total / survived
		for i := range checks {
			if !checks[i].Failed() {
				checks[i].Weight *= scale
			}
		}
	}

	// Global pass: absorbs fully failed steps and float drift.
	var survivorTotal float64
	for _, checks := range steps {
		for _, c := range checks {
			if !c.Failed() {
				survivorTotal += c.Weight
			}
		}
	}
	if survivorTotal == 0 {
		return
	}
	for _, checks := range steps {
		for i := range checks {
			if !checks[i].Failed() {
				checks[i].Weight /= survivorTotal
			}
		}
	}
}

// splitContentWeight divides a content step's weight between the primary
// document and its scripts: the document takes htmlShare of the step, the
// scripts split the remainder equally with a floor of minArtifactWeight.
func splitContentWeight(stepWeight, htmlShare float64, scriptCount int) (htmlWeight float64, scriptWeight float64) {
	htmlWeight = stepWeight * htmlShare
	if scriptCount == 0 {
		return stepWeight, 0
	}
	scriptWeight = stepWeight * (1 - htmlShare) / float64(scriptCount)
	if scriptWeight < minArtifactWeight {
		scriptWeight = minArtifactWeight
	}
	return htmlWeight, scriptWeight
}
