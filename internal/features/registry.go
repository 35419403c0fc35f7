// Package features holds the live feature weight registry. Weight sets are
// immutable once built; publishing swaps an atomic pointer so a request that
// captured a snapshot keeps it to completion while every later request sees
// the new set.
package features

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/argakon/mmt/pkg/models"
)

// ErrUnknownFeature is returned when an operation references a feature name
// the registry does not recognize.
var ErrUnknownFeature = errors.New("unknown feature")

// weightSet is one immutable generation of the live weights. The maps and
// slices inside are never mutated after construction.
type weightSet struct {
	version int64
	weights map[string][]float32
}

// Snapshot is a read-only view of one weight generation, captured at the
// start of a request and valid for its whole duration.
type Snapshot struct {
	set *weightSet
}

// Version identifies the generation this snapshot belongs to. Versions are
// strictly increasing across publishes.
func (s Snapshot) Version() int64 {
	return s.set.version
}

// Weights returns the weight vector for a feature, or false if the feature
// is not part of this snapshot. The returned slice must not be modified.
func (s Snapshot) Weights(name string) ([]float32, bool) {
	w, ok := s.set.weights[name]
	return w, ok
}

// Registry owns the feature set and the live weight mapping. The feature
// set is fixed at construction; only weights of tunable features change.
type Registry struct {
	features []models.Feature
	byName   map[string]models.Feature

	live      atomic.Pointer[weightSet]
	publishMu sync.Mutex
}

// NewRegistry builds a registry from the model's feature set and its initial
// weight vectors. Untunable features are pinned to the sentinel weight.
func NewRegistry(feats []models.Feature, initial map[string][]float32) *Registry {
	r := &Registry{
		features: append([]models.Feature(nil), feats...),
		byName:   make(map[string]models.Feature, len(feats)),
	}
	weights := make(map[string][]float32, len(feats))
	for _, f := range feats {
		r.byName[f.Name] = f
		w := initial[f.Name]
		if !f.Tunable {
			w = []float32{models.UntunableComponent}
		}
		weights[f.Name] = append([]float32(nil), w...)
	}
	r.live.Store(&weightSet{version: 1, weights: weights})
	return r
}

// Features enumerates all known features. Side-effect free.
func (r *Registry) Features() []models.Feature {
	return append([]models.Feature(nil), r.features...)
}

// Weights returns the live weight vector for one feature.
func (r *Registry) Weights(name string) ([]float32, error) {
	if _, ok := r.byName[name]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFeature, name)
	}
	w := r.live.Load().weights[name]
	return append([]float32(nil), w...), nil
}

// Snapshot captures the current live weight set. The call is a single
// pointer load; it never blocks publishers for longer than that.
func (r *Registry) Snapshot() Snapshot {
	return Snapshot{set: r.live.Load()}
}

// Publish atomically replaces the live weight set with a new one built by
// overlaying the given entries onto the previous set. Any unknown feature
// name fails the whole call with no mutation; entries for untunable
// features are skipped. Publishers serialize with each other, readers are
// never blocked beyond the pointer swap.
func (r *Registry) Publish(update map[string][]float32) error {
	for name := range update {
		if _, ok := r.byName[name]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownFeature, name)
		}
	}

	r.publishMu.Lock()
	defer r.publishMu.Unlock()

	prev := r.live.Load()
	next := &weightSet{
		version: prev.version + 1,
		weights: make(map[string][]float32, len(prev.weights)),
	}
	for name, w := range prev.weights {
		next.weights[name] = w
	}
	applied := 0
	for name, w := range update {
		if !r.byName[name].Tunable {
			log.Debug().Str("feature", name).Msg("Skipping weight update for untunable feature")
			continue
		}
		next.weights[name] = append([]float32(nil), w...)
		applied++
	}
	r.live.Store(next)

	log.Info().
		Int64("version", next.version).
		Int("features", applied).
		Msg("Published default feature weights")
	return nil
}
