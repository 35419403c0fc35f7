package models

import "math"

// UntunableComponent is the sentinel weight marking a feature component
// whose value cannot be changed at runtime.
const UntunableComponent float32 = math.MaxFloat32

// Feature describes one scoring component of the decoder.
type Feature struct {
	Name string `json:"name"`
	// Stateless features are pure functions of their input.
	Stateless bool `json:"stateless"`
	// Tunable features accept runtime weight changes.
	Tunable bool `json:"tunable"`
}

// Hypothesis is one ranked translation candidate. FeatureScores carries the
// serialized per-feature score breakdown ("name= v1 v2 ...").
type Hypothesis struct {
	Text          string  `json:"text"`
	Score         float32 `json:"score"`
	FeatureScores string  `json:"feature_scores,omitempty"`
}

// Translation is the result of a translate call. Hypotheses is never empty
// for non-empty input; Hypotheses[0] is the top hypothesis and Alignment
// belongs to it.
type Translation struct {
	Text       string       `json:"text"`
	Session    string       `json:"session,omitempty"`
	Hypotheses []Hypothesis `json:"hypotheses"`
	Alignment  Alignment    `json:"alignment,omitempty"`
}

// Top returns the best hypothesis text, or "" for an empty result.
func (t *Translation) Top() string {
	if len(t.Hypotheses) == 0 {
		return ""
	}
	return t.Hypotheses[0].Text
}

// TranslationRequest carries one translate call. ContextWeights is an
// optional per-request overlay applied for the duration of the call only;
// NBestSize of zero requests the best hypothesis only.
type TranslationRequest struct {
	Text           string             `json:"text"`
	ContextWeights map[string]float32 `json:"context_weights,omitempty"`
	NBestSize      int                `json:"nbest_size,omitempty"`
	Session        string             `json:"session,omitempty"`
}
