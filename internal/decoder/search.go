package decoder

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/argakon/mmt/internal/features"
	"github.com/argakon/mmt/pkg/models"
)

// Conventional feature names of the phrase-based engine. The search scores
// whichever of these the loaded model registers.
const (
	FeatTranslationModel = "TranslationModel0"
	FeatLanguageModel    = "LM0"
	FeatWordPenalty      = "WordPenalty0"
	FeatPhrasePenalty    = "PhrasePenalty0"
	FeatDistortion       = "Distortion0"
	FeatUnknownWord      = "UnknownWordPenalty0"
)

// Language model stand-in costs: a known target token is cheap, an
// out-of-vocabulary one expensive.
const (
	lmKnownCost   = -1.0
	lmUnknownCost = -3.0

	unknownWordCost = -100.0
)

// SearchHypothesis is one ranked output of the search, carrying the raw
// per-feature score values before weighting is folded into a total.
type SearchHypothesis struct {
	Tokens    []string
	Scores    map[string]float64
	Alignment models.Alignment
	Total     float64

	discovery int
}

// Text returns the surface form of the hypothesis.
func (h *SearchHypothesis) Text() string {
	return strings.Join(h.Tokens, " ")
}

// Searcher is the scoring/search collaborator invoked per request against a
// pinned model snapshot and weight snapshot. Implementations must be
// deterministic for identical inputs.
type Searcher interface {
	Search(ctx context.Context, source []string, snap *MemorySnapshot, weights features.Snapshot, overlay map[string]float32, nbest int) ([]SearchHypothesis, error)
}

// beamSearcher is the built-in monotone beam search over per-token
// candidates plus full-sentence memory matches.
type beamSearcher struct {
	vocab *Vocabulary
}

// NewBeamSearcher creates the built-in searcher for the given vocabulary.
func NewBeamSearcher(vocab *Vocabulary) Searcher {
	return &beamSearcher{vocab: vocab}
}

func (b *beamSearcher) Search(ctx context.Context, source []string, snap *MemorySnapshot, weights features.Snapshot, overlay map[string]float32, nbest int) ([]SearchHypothesis, error) {
	width := nbest + 1
	if width < 1 {
		width = 1
	}

	scorer := newScorer(weights, overlay)

	beams := []SearchHypothesis{{Scores: make(map[string]float64)}}
	for i, tok := range source {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		options := snap.Words[strings.ToLower(tok)]
		var next []SearchHypothesis
		for _, hyp := range beams {
			if len(options) == 0 {
				// Vocabulary miss: the token copies through.
				next = append(next, b.extend(hyp, i, tok, 0, true))
				continue
			}
			for _, opt := range options {
				next = append(next, b.extend(hyp, i, opt.Target, math.Log10(opt.Prob), false))
			}
		}
		for j := range next {
			next[j].Total = scorer.total(next[j].Scores)
		}
		sortHypotheses(next)
		if len(next) > width {
			next = next[:width]
		}
		beams = next
	}

	for _, cand := range snap.Sentences {
		beams = append(beams, b.sentenceHypothesis(source, cand))
	}
	for j := range beams {
		beams[j].Total = scorer.total(beams[j].Scores)
		beams[j].discovery = j
	}

	beams = dedupe(beams)
	sortHypotheses(beams)
	if len(beams) > width {
		beams = beams[:width]
	}
	return beams, nil
}

// extend grows one hypothesis by one target token.
func (b *beamSearcher) extend(hyp SearchHypothesis, srcIndex int, target string, tmScore float64, passthrough bool) SearchHypothesis {
	scores := make(map[string]float64, len(hyp.Scores)+4)
	for k, v := range hyp.Scores {
		scores[k] = v
	}

	known := b.vocab.Contains(target)
	if !passthrough {
		scores[FeatTranslationModel] += tmScore
	}
	if known {
		scores[FeatLanguageModel] += lmKnownCost
	} else {
		scores[FeatLanguageModel] += lmUnknownCost
	}
	if passthrough && !known {
		scores[FeatUnknownWord] += unknownWordCost
	}
	scores[FeatWordPenalty] -= 1
	scores[FeatPhrasePenalty] -= 1
	// Monotone decoder: distortion is always zero but stays in the
	// breakdown so every registered feature is accounted for.
	scores[FeatDistortion] += 0

	alignment := append(append(models.Alignment(nil), hyp.Alignment...), models.AlignmentPoint{
		Source: srcIndex,
		Target: len(hyp.Tokens),
	})

	return SearchHypothesis{
		Tokens:    append(append([]string(nil), hyp.Tokens...), target),
		Scores:    scores,
		Alignment: alignment,
	}
}

// sentenceHypothesis scores a full-sentence translation memory match.
func (b *beamSearcher) sentenceHypothesis(source []string, cand SentenceCandidate) SearchHypothesis {
	tokens := strings.Fields(cand.Target)
	scores := map[string]float64{
		FeatTranslationModel: math.Log10(cand.Prob),
		FeatPhrasePenalty:    -1,
		FeatWordPenalty:      -float64(len(tokens)),
		FeatDistortion:       0,
	}
	for _, tok := range tokens {
		if b.vocab.Contains(tok) {
			scores[FeatLanguageModel] += lmKnownCost
		} else {
			scores[FeatLanguageModel] += lmUnknownCost
		}
	}

	alignment := cand.Alignment
	if len(alignment) == 0 {
		// No stored alignment: assume monotone up to the shorter side.
		n := len(source)
		if len(tokens) < n {
			n = len(tokens)
		}
		for i := 0; i < n; i++ {
			alignment = append(alignment, models.AlignmentPoint{Source: i, Target: i})
		}
	}

	return SearchHypothesis{
		Tokens:    tokens,
		Scores:    scores,
		Alignment: alignment,
	}
}

// scorer folds the live weight snapshot and the per-request overlay into
// hypothesis totals. The overlay scales a feature's contribution
// multiplicatively and never touches the registry.
type scorer struct {
	weights features.Snapshot
	overlay map[string]float32
}

func newScorer(weights features.Snapshot, overlay map[string]float32) *scorer {
	return &scorer{weights: weights, overlay: overlay}
}

// weightOf resolves the effective scalar weight of a feature. Multi-weight
// vectors contribute their first component; the untunable sentinel scores
// as weight one.
func (s *scorer) weightOf(name string) (float64, bool) {
	w, ok := s.weights.Weights(name)
	if !ok || len(w) == 0 {
		return 0, false
	}
	weight := float64(w[0])
	if w[0] == models.UntunableComponent {
		weight = 1
	}
	if scale, ok := s.overlay[name]; ok {
		weight *= float64(scale)
	}
	return weight, true
}

func (s *scorer) total(scores map[string]float64) float64 {
	// Sum in sorted name order. Float addition is not associative, so map
	// iteration order would make equal hypotheses score unequally across
	// calls and break ranking reproducibility.
	names := make([]string, 0, len(scores))
	for name := range scores {
		names = append(names, name)
	}
	sort.Strings(names)

	total := 0.0
	for _, name := range names {
		if weight, ok := s.weightOf(name); ok {
			total += weight * scores[name]
		}
	}
	return total
}

// sortHypotheses orders by descending total score, ties by text, then by
// discovery order. The ordering is total: identical inputs always produce
// identical rankings.
func sortHypotheses(hyps []SearchHypothesis) {
	sort.SliceStable(hyps, func(i, j int) bool {
		if hyps[i].Total != hyps[j].Total {
			return hyps[i].Total > hyps[j].Total
		}
		ti, tj := hyps[i].Text(), hyps[j].Text()
		if ti != tj {
			return ti < tj
		}
		return hyps[i].discovery < hyps[j].discovery
	})
}

// dedupe keeps the best-scoring hypothesis per surface form.
func dedupe(hyps []SearchHypothesis) []SearchHypothesis {
	best := make(map[string]int, len(hyps))
	out := hyps[:0]
	for _, h := range hyps {
		text := h.Text()
		if idx, ok := best[text]; ok {
			if h.Total > out[idx].Total {
				out[idx] = h
			}
			continue
		}
		best[text] = len(out)
		out = append(out, h)
	}
	return out
}
