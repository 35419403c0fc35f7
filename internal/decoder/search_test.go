package decoder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argakon/mmt/internal/features"
	"github.com/argakon/mmt/pkg/models"
)

func testWeightsSnapshot() features.Snapshot {
	registry := features.NewRegistry(
		[]models.Feature{
			{Name: FeatTranslationModel, Tunable: true},
			{Name: FeatUnknownWord, Tunable: false},
		},
		map[string][]float32{
			FeatTranslationModel: {0.5},
		},
	)
	return registry.Snapshot()
}

func TestScorerWeightOf(t *testing.T) {
	s := newScorer(testWeightsSnapshot(), nil)

	w, ok := s.weightOf(FeatTranslationModel)
	require.True(t, ok)
	assert.InDelta(t, 0.5, w, 1e-9)

	// The untunable sentinel scores as weight one
	w, ok = s.weightOf(FeatUnknownWord)
	require.True(t, ok)
	assert.InDelta(t, 1.0, w, 1e-9)

	_, ok = s.weightOf("Nope0")
	assert.False(t, ok)
}

func TestScorerOverlayScalesContribution(t *testing.T) {
	overlay := map[string]float32{FeatTranslationModel: 2.0}
	s := newScorer(testWeightsSnapshot(), overlay)

	w, ok := s.weightOf(FeatTranslationModel)
	require.True(t, ok)
	assert.InDelta(t, 1.0, w, 1e-9)

	plain := newScorer(testWeightsSnapshot(), nil)
	scores := map[string]float64{FeatTranslationModel: -2.0}
	assert.InDelta(t, 2*plain.total(scores), s.total(scores), 1e-9)
}

func TestScorerIgnoresUnregisteredScores(t *testing.T) {
	s := newScorer(testWeightsSnapshot(), nil)

	total := s.total(map[string]float64{
		FeatTranslationModel: -1.0,
		"SomethingElse0":     -1000.0,
	})
	assert.InDelta(t, -0.5, total, 1e-9)
}

func TestScorerTotalIsReproducible(t *testing.T) {
	registry := features.NewRegistry(
		[]models.Feature{
			{Name: FeatTranslationModel, Tunable: true},
			{Name: FeatLanguageModel, Tunable: true},
			{Name: FeatWordPenalty, Tunable: true},
			{Name: FeatPhrasePenalty, Tunable: true},
			{Name: FeatUnknownWord, Tunable: false},
		},
		map[string][]float32{
			FeatTranslationModel: {0.9},
			FeatLanguageModel:    {0.4},
			FeatWordPenalty:      {0.1},
			FeatPhrasePenalty:    {0.1},
		},
	)
	s := newScorer(registry.Snapshot(), nil)

	// Values chosen so that summing in a different order rounds differently
	scores := map[string]float64{
		FeatTranslationModel: -0.30102999566398114,
		FeatLanguageModel:    -3.0,
		FeatWordPenalty:      -2.0,
		FeatPhrasePenalty:    -1.0,
		FeatUnknownWord:      -100.0,
	}

	first := s.total(scores)
	for i := 0; i < 20000; i++ {
		require.Equal(t, first, s.total(scores),
			"identical score maps must always produce bit-identical totals")
	}
}

func TestSortHypothesesDeterministicTieBreak(t *testing.T) {
	hyps := []SearchHypothesis{
		{Tokens: []string{"b"}, Total: 1.0, discovery: 0},
		{Tokens: []string{"a"}, Total: 1.0, discovery: 1},
		{Tokens: []string{"c"}, Total: 2.0, discovery: 2},
	}
	sortHypotheses(hyps)

	assert.Equal(t, "c", hyps[0].Text())
	assert.Equal(t, "a", hyps[1].Text(), "equal scores break ties by text")
	assert.Equal(t, "b", hyps[2].Text())
}

func TestDedupeKeepsBestPerSurfaceForm(t *testing.T) {
	hyps := []SearchHypothesis{
		{Tokens: []string{"x"}, Total: 1.0},
		{Tokens: []string{"x"}, Total: 3.0},
		{Tokens: []string{"y"}, Total: 2.0},
	}
	out := dedupe(hyps)

	require.Len(t, out, 2)
	assert.InDelta(t, 3.0, out[0].Total, 1e-9)
	assert.Equal(t, "y", out[1].Text())
}
