package decoder

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/argakon/mmt/internal/datastream"
	"github.com/argakon/mmt/internal/db/sqlite"
	"github.com/argakon/mmt/internal/features"
	"github.com/argakon/mmt/internal/sessions"
	"github.com/argakon/mmt/pkg/models"
)

// Engine is the adaptive in-memory decoder variant. It owns the feature
// weight registry, the translation memory, the update applier with its
// durable channel cursor, and the session registry.
type Engine struct {
	model    *ModelConfig
	registry *features.Registry
	memory   *TranslationMemory
	cursor   *datastream.CursorRegistry
	applier  *datastream.Applier
	sessions *sessions.Manager
	searcher Searcher
	store    *sqlite.Store
}

var _ Decoder = (*Engine)(nil)

// NewEngine builds an engine around a loaded model handle and the database
// holding the durable channel cursor. The store is borrowed, not owned.
func NewEngine(ctx context.Context, model *ModelConfig, store *sqlite.Store) (*Engine, error) {
	cursor, err := datastream.NewCursorRegistry(ctx, store)
	if err != nil {
		return nil, fmt.Errorf("restore channel cursor: %w", err)
	}

	memory := NewTranslationMemory()
	e := &Engine{
		model:    model,
		registry: features.NewRegistry(model.Features, model.Weights),
		memory:   memory,
		cursor:   cursor,
		applier:  datastream.NewApplier(memory, cursor),
		sessions: sessions.NewManager(),
		searcher: NewBeamSearcher(model.Vocabulary),
		store:    store,
	}

	log.Info().
		Int("channels", len(cursor.Positions())).
		Msg("Engine ready")
	return e, nil
}

// SetSearcher swaps the scoring/search collaborator. Meant for alternative
// engine variants and tests; not safe to call while requests are in flight.
func (e *Engine) SetSearcher(s Searcher) {
	e.searcher = s
}

// Sessions exposes the session registry for external supervision.
func (e *Engine) Sessions() *sessions.Manager {
	return e.sessions
}

// Memory exposes the underlying model for inspection.
func (e *Engine) Memory() *TranslationMemory {
	return e.memory
}

// Features enumerates the model's scoring components.
func (e *Engine) Features() []models.Feature {
	return e.registry.Features()
}

// FeatureWeights returns the live weight vector of one feature.
func (e *Engine) FeatureWeights(name string) ([]float32, error) {
	return e.registry.Weights(name)
}

// SetDefaultFeatureWeights publishes a new default weight set atomically.
// In-flight translations finish under their captured snapshot; the on-disk
// model configuration is never modified. A publication audit row is written
// best-effort.
func (e *Engine) SetDefaultFeatureWeights(weights map[string][]float32) error {
	if err := e.registry.Publish(weights); err != nil {
		return err
	}

	payload, err := json.Marshal(weights)
	if err == nil {
		_, err = e.store.ExecContext(context.Background(),
			"INSERT INTO weight_publications (version, payload, published_at) VALUES (?, ?, ?)",
			e.registry.Snapshot().Version(), string(payload), time.Now().Format(time.RFC3339))
	}
	if err != nil {
		log.Warn().Err(err).Msg("Failed to record weight publication")
	}
	return nil
}

// DeliverUpdates applies one update batch as a unit.
func (e *Engine) DeliverUpdates(ctx context.Context, units []models.TranslationUnit, deletions []models.Deletion, positions map[models.Channel]models.SeqID) error {
	_, err := e.Deliver(ctx, units, deletions, positions)
	return err
}

// Deliver is DeliverUpdates with the applier's statistics, for callers that
// report them.
func (e *Engine) Deliver(ctx context.Context, units []models.TranslationUnit, deletions []models.Deletion, positions map[models.Channel]models.SeqID) (datastream.ApplyStats, error) {
	return e.applier.Deliver(ctx, units, deletions, positions)
}

// WeightsVersion returns the version of the live weight set. It increments
// on every publication.
func (e *Engine) WeightsVersion() int64 {
	return e.registry.Snapshot().Version()
}

// LatestUpdatesIdentifiers returns the resumption cursor per channel.
func (e *Engine) LatestUpdatesIdentifiers() map[models.Channel]models.SeqID {
	return e.cursor.Positions()
}

// Translate runs one request against a point-in-time snapshot of model and
// weights. An empty source yields an empty result, not an error. A session
// id, when present, serializes the call with others on the same session and
// folds the request's context overlay into the session's adaptive state;
// the session is created on first use.
func (e *Engine) Translate(ctx context.Context, req *models.TranslationRequest) (*models.Translation, error) {
	tokens := strings.Fields(req.Text)
	result := &models.Translation{
		Text:       req.Text,
		Session:    req.Session,
		Hypotheses: []models.Hypothesis{},
	}
	if len(tokens) == 0 {
		return result, nil
	}

	overlay := req.ContextWeights
	if req.Session != "" {
		session, release := e.sessions.Acquire(req.Session)
		defer release()

		session.FoldContext(req.ContextWeights)
		overlay = session.ContextWeights()
		result.Session = session.ID
	}

	// The snapshot pair below is the consistency boundary: everything the
	// request observes is captured here, before any scoring work starts.
	weights := e.registry.Snapshot()
	snap := e.memory.Snapshot(tokens)

	hyps, err := e.searcher.Search(ctx, tokens, snap, weights, overlay, req.NBestSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if len(hyps) == 0 {
		return nil, fmt.Errorf("%w: search produced no hypothesis", ErrDecode)
	}

	registered := make(map[string]struct{}, len(e.model.Features))
	for _, f := range e.model.Features {
		registered[f.Name] = struct{}{}
	}

	for i := range hyps {
		result.Hypotheses = append(result.Hypotheses, models.Hypothesis{
			Text:          hyps[i].Text(),
			Score:         float32(hyps[i].Total),
			FeatureScores: formatFeatureScores(hyps[i].Scores, registered),
		})
	}
	result.Alignment = hyps[0].Alignment

	return result, nil
}

// Close drops all sessions. The database store is owned by the caller.
func (e *Engine) Close() error {
	purged := e.sessions.PurgeIdle(0)
	log.Debug().Int("sessions", purged).Msg("Engine closed")
	return nil
}

// formatFeatureScores serializes a breakdown in the conventional
// "name= value" form, restricted to registered features and sorted by name
// for reproducible output.
func formatFeatureScores(scores map[string]float64, registered map[string]struct{}) string {
	names := make([]string, 0, len(scores))
	for name := range scores {
		if _, ok := registered[name]; ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var sb strings.Builder
	for i, name := range names {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%s= %.4f", name, scores[name])
	}
	return sb.String()
}
