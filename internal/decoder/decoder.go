// Package decoder exposes the adaptive translation engine: a decoder
// interface implemented by concrete engine variants, the model loader, and
// the request processor that scores source text against a consistent
// snapshot of model and feature weights.
package decoder

import (
	"context"
	"errors"

	"github.com/argakon/mmt/pkg/models"
)

// ErrDecode wraps failures of the scoring/search engine for one request.
// Decode failures never corrupt shared state.
var ErrDecode = errors.New("decode failed")

// Decoder is the engine handle callers depend on. Concrete variants
// implement it; the adaptive in-memory engine in this package is one.
type Decoder interface {
	// Features enumerates the scoring components of the loaded model.
	Features() []models.Feature

	// FeatureWeights returns the live weight vector for one feature.
	FeatureWeights(name string) ([]float32, error)

	// SetDefaultFeatureWeights atomically publishes a new default weight
	// set. Translations already in progress finish under the set they
	// started with; every request beginning after this call returns
	// observes the new set. The model's on-disk configuration is not
	// touched.
	SetDefaultFeatureWeights(weights map[string][]float32) error

	// Translate scores a space-tokenized source sentence against a
	// point-in-time snapshot of model and weights. The request's context
	// overlay applies to this call only.
	Translate(ctx context.Context, req *models.TranslationRequest) (*models.Translation, error)

	// DeliverUpdates applies a batch of training updates (deletions before
	// additions) and advances the channel cursor, as a unit.
	DeliverUpdates(ctx context.Context, units []models.TranslationUnit, deletions []models.Deletion, positions map[models.Channel]models.SeqID) error

	// LatestUpdatesIdentifiers returns the resumption cursor: the highest
	// applied position per channel.
	LatestUpdatesIdentifiers() map[models.Channel]models.SeqID

	// Close releases engine resources.
	Close() error
}
