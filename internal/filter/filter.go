// Package filter implements the pure, deterministic proposal filter that
// two peer sidecars use to independently compute the same dispatch mode from
// the same two proposals.
package filter

import (
	"fmt"
	"strings"

	"github.com/bizmatters/agent-builder/coord-sidecar/internal/models"
)

// Thresholds holds the tunable cutoffs the routing rules compare against.
// Zero-value Thresholds is invalid; use DefaultThresholds.
type Thresholds struct {
	Gap     float64
	Overlap float64
	High    float64
	Low     float64
	Synth   float64
	Epsilon float64
}

// DefaultThresholds matches the recognized configuration surface's defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Gap:     0.3,
		Overlap: 0.5,
		High:    0.5,
		Low:     0.3,
		Synth:   0.7,
		Epsilon: 0.01,
	}
}

// Resolve computes the FilterResult for two proposals and their owners'
// names. It reads no register state, no timers, and performs no I/O: given
// the same four inputs it always returns the same result, and swapping the
// two (proposal, name) pairs yields the same mode and the same winner and
// runner-up names.
func Resolve(myProposal, otherProposal models.MicroProposal, myName, otherName string, th Thresholds) models.FilterResult {
	sim := similarity(myProposal, otherProposal)
	delta := myProposal.Confidence - otherProposal.Confidence
	absDelta := delta
	if absDelta < 0 {
		absDelta = -absDelta
	}

	winner, runnerUp, winnerConf, runnerConf := pickWinner(myProposal, otherProposal, myName, otherName, th.Epsilon)

	mode, reason := route(myProposal, otherProposal, absDelta, sim, th, winner, runnerUp, winnerConf, runnerConf)

	return models.FilterResult{
		Mode:     mode,
		Winner:   winner,
		RunnerUp: runnerUp,
		Reason:   reason,
		Proposals: map[string]models.MicroProposal{
			myName:    myProposal,
			otherName: otherProposal,
		},
	}
}

// pickWinner applies the confidence-then-lexicographic tiebreak.
func pickWinner(my, other models.MicroProposal, myName, otherName string, epsilon float64) (winner, runnerUp string, winnerConf, runnerConf float64) {
	delta := my.Confidence - other.Confidence
	if delta < 0 {
		delta = -delta
	}
	if delta < epsilon {
		// Tie: lexicographically smaller name wins.
		if myName < otherName {
			return myName, otherName, my.Confidence, other.Confidence
		}
		return otherName, myName, other.Confidence, my.Confidence
	}
	if my.Confidence > other.Confidence {
		return myName, otherName, my.Confidence, other.Confidence
	}
	return otherName, myName, other.Confidence, my.Confidence
}

func route(my, other models.MicroProposal, absDelta, sim float64, th Thresholds, winner, runnerUp string, winnerConf, runnerConf float64) (models.Mode, string) {
	buildsOn := my.BuildsOnOther || other.BuildsOnOther

	switch {
	case absDelta > th.Gap:
		return models.ModeSolo, fmt.Sprintf("confidence gap %.2f exceeds %.2f; %s leads", absDelta, th.Gap, winner)
	case my.Confidence > th.High && other.Confidence > th.High && sim < th.Overlap:
		return models.ModeParallel, fmt.Sprintf("both confident (%.2f, %.2f) with low overlap %.2f", my.Confidence, other.Confidence, sim)
	case my.Confidence > th.Synth && other.Confidence > th.Synth && sim >= th.Overlap && buildsOn:
		return models.ModeSynthesis, fmt.Sprintf("both highly confident (%.2f, %.2f), overlap %.2f, build-on set", my.Confidence, other.Confidence, sim)
	case my.Confidence > th.High && other.Confidence > th.High && sim >= th.Overlap:
		return models.ModeSolo, fmt.Sprintf("both confident (%.2f, %.2f) but overlap %.2f; %s wins tiebreak", my.Confidence, other.Confidence, sim, winner)
	case my.Confidence < th.Low && other.Confidence < th.Low:
		return models.ModeSolo, fmt.Sprintf("both low confidence (%.2f, %.2f); %s wins tiebreak", my.Confidence, other.Confidence, winner)
	default:
		return models.ModeSolo, fmt.Sprintf("default routing; %s wins on confidence %.2f vs %.2f", winner, winnerConf, runnerConf)
	}
}

// similarity computes the Jaccard overlap between two proposals' token sets.
func similarity(a, b models.MicroProposal) float64 {
	setA := tokenize(a)
	setB := tokenize(b)

	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	intersection := 0
	for tok := range setA {
		if setB[tok] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 1
	}
	return float64(intersection) / float64(union)
}

func tokenize(p models.MicroProposal) map[string]bool {
	text := p.Angle + " " + strings.Join(p.Covers, " ")
	fields := strings.Fields(strings.ToLower(text))
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		if len(f) > 2 {
			set[f] = true
		}
	}
	return set
}
