package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bizmatters/agent-builder/coord-sidecar/internal/models"
)

func TestResolve_ClearSolo(t *testing.T) {
	a := models.MicroProposal{Angle: "perf", Confidence: 0.85, Covers: []string{"latency"}}
	b := models.MicroProposal{Angle: "perf", Confidence: 0.40, Covers: []string{"latency"}}

	result := Resolve(a, b, "A", "B", DefaultThresholds())

	assert.Equal(t, models.ModeSolo, result.Mode)
	assert.Equal(t, "A", result.Winner)
	assert.Equal(t, "B", result.RunnerUp)
}

func TestResolve_TieBreaksLexicographically(t *testing.T) {
	a := models.MicroProposal{Angle: "x", Confidence: 0.70}
	b := models.MicroProposal{Angle: "y", Confidence: 0.705}

	result := Resolve(a, b, "A", "B", DefaultThresholds())

	assert.Equal(t, "A", result.Winner)
	assert.Equal(t, "B", result.RunnerUp)
}

func TestResolve_TieBreaksLexicographicallyReversedNames(t *testing.T) {
	a := models.MicroProposal{Angle: "x", Confidence: 0.70}
	b := models.MicroProposal{Angle: "y", Confidence: 0.705}

	result := Resolve(a, b, "Zebra", "Alpha", DefaultThresholds())

	assert.Equal(t, "Alpha", result.Winner)
}

func TestResolve_Parallel(t *testing.T) {
	a := models.MicroProposal{Angle: "security review", Confidence: 0.80, Covers: []string{"auth"}}
	b := models.MicroProposal{Angle: "perf tuning", Confidence: 0.75, Covers: []string{"latency"}}

	result := Resolve(a, b, "A", "B", DefaultThresholds())

	assert.Equal(t, models.ModeParallel, result.Mode)
}

func TestResolve_SynthesisWithBuildsOn(t *testing.T) {
	a := models.MicroProposal{Angle: "caching strategy", Confidence: 0.82, BuildsOnOther: true}
	b := models.MicroProposal{Angle: "caching strategy", Confidence: 0.78}

	result := Resolve(a, b, "A", "B", DefaultThresholds())

	assert.Equal(t, models.ModeSynthesis, result.Mode)
	assert.Equal(t, "A", result.Winner)
}

func TestResolve_BothLowConfidenceIsSolo(t *testing.T) {
	a := models.MicroProposal{Angle: "x", Confidence: 0.10}
	b := models.MicroProposal{Angle: "y", Confidence: 0.20}

	result := Resolve(a, b, "A", "B", DefaultThresholds())

	assert.Equal(t, models.ModeSolo, result.Mode)
}

func TestResolve_IsSymmetricUnderNameSwap(t *testing.T) {
	a := models.MicroProposal{Angle: "caching strategy", Confidence: 0.82, BuildsOnOther: true}
	b := models.MicroProposal{Angle: "caching strategy", Confidence: 0.78}

	forward := Resolve(a, b, "Alice", "Bob", DefaultThresholds())
	backward := Resolve(b, a, "Bob", "Alice", DefaultThresholds())

	assert.Equal(t, forward.Mode, backward.Mode)
	assert.Equal(t, forward.Winner, backward.Winner)
	assert.Equal(t, forward.RunnerUp, backward.RunnerUp)
}

func TestResolve_PeerAgreementGivenSameInputs(t *testing.T) {
	a := models.MicroProposal{Angle: "security review", Confidence: 0.80}
	b := models.MicroProposal{Angle: "perf tuning", Confidence: 0.75}

	seenByA := Resolve(a, b, "A", "B", DefaultThresholds())
	seenByB := Resolve(a, b, "A", "B", DefaultThresholds())

	assert.Equal(t, seenByA.Mode, seenByB.Mode)
	assert.Equal(t, seenByA.Winner, seenByB.Winner)
	assert.Equal(t, seenByA.RunnerUp, seenByB.RunnerUp)
}

func TestSimilarity_BothEmptyIsOne(t *testing.T) {
	a := models.MicroProposal{}
	b := models.MicroProposal{}
	assert.Equal(t, float64(1), similarity(a, b))
}

func TestSimilarity_OneEmptyIsZero(t *testing.T) {
	a := models.MicroProposal{Angle: "caching"}
	b := models.MicroProposal{}
	assert.Equal(t, float64(0), similarity(a, b))
}

func TestSimilarity_IdenticalIsOne(t *testing.T) {
	a := models.MicroProposal{Angle: "caching strategy"}
	b := models.MicroProposal{Angle: "caching strategy"}
	assert.Equal(t, float64(1), similarity(a, b))
}
