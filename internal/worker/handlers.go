// Package worker provides the HTTP worker service for the decoder.
package worker

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/argakon/mmt/internal/datastream"
	"github.com/argakon/mmt/internal/decoder"
	"github.com/argakon/mmt/internal/features"
	"github.com/argakon/mmt/pkg/models"
)

// writeJSON writes a JSON response with proper error handling.
func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// handleHealth handles health check requests.
// Returns 200 OK immediately (even during init) so supervisors can connect.
// Use /api/ready for the full readiness check.
func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "starting"
	if s.ready.Load() {
		status = "ready"
	} else if err := s.GetInitError(); err != nil {
		status = "error"
	}
	writeJSON(w, map[string]interface{}{
		"status":  status,
		"version": s.version,
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
	})
}

// handleVersion returns the worker version.
func (s *Service) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"version": s.version,
	})
}

// handleReady handles readiness check requests.
// Returns 200 only when the engine is loaded, 503 otherwise.
func (s *Service) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		if err := s.GetInitError(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		http.Error(w, "service initializing", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]string{"status": "ready"})
}

// requireReady is middleware that returns 503 if the engine isn't ready.
func (s *Service) requireReady(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			if err := s.GetInitError(); err != nil {
				http.Error(w, "service initialization failed: "+err.Error(), http.StatusInternalServerError)
				return
			}
			http.Error(w, "service initializing", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleGetFeatures lists the model's scoring components.
func (s *Service) handleGetFeatures(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"features": s.engine.Features(),
	})
}

// FeatureWeightsResponse is the response for a single feature's weights.
type FeatureWeightsResponse struct {
	Name    string    `json:"name"`
	Weights []float32 `json:"weights"`
}

// handleGetFeatureWeights returns the live weight vector of one feature.
// Untunable components carry the sentinel value.
func (s *Service) handleGetFeatureWeights(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	weights, err := s.engine.FeatureWeights(name)
	if err != nil {
		if errors.Is(err, features.ErrUnknownFeature) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, FeatureWeightsResponse{Name: name, Weights: weights})
}

// handleSetWeights publishes a new default weight set. The whole request is
// rejected if any feature name is unknown; nothing is partially applied.
func (s *Service) handleSetWeights(w http.ResponseWriter, r *http.Request) {
	var weights map[string][]float32
	if err := json.NewDecoder(r.Body).Decode(&weights); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(weights) == 0 {
		http.Error(w, "empty weight set", http.StatusBadRequest)
		return
	}

	if err := s.engine.SetDefaultFeatureWeights(weights); err != nil {
		if errors.Is(err, features.ErrUnknownFeature) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]string{"status": "published"})
}

// handleTranslate runs one translation request against the engine.
func (s *Service) handleTranslate(w http.ResponseWriter, r *http.Request) {
	var req models.TranslationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.NBestSize < 0 {
		http.Error(w, "nbest_size must be non-negative", http.StatusBadRequest)
		return
	}
	if req.NBestSize > s.config.NBestCap {
		req.NBestSize = s.config.NBestCap
	}

	start := time.Now()
	result, err := s.engine.Translate(r.Context(), &req)
	if err != nil {
		recordTranslate(r.Context(), time.Since(start), 0, false)
		status := http.StatusInternalServerError
		if !errors.Is(err, decoder.ErrDecode) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}
	recordTranslate(r.Context(), time.Since(start), len(result.Hypotheses), true)

	writeJSON(w, result)
}

// UpdateBatchRequest is one data stream batch: deletions and additions plus
// the channel positions the batch advances the cursor to.
type UpdateBatchRequest struct {
	Units     []models.TranslationUnit        `json:"units"`
	Deletions []models.Deletion               `json:"deletions"`
	Positions map[models.Channel]models.SeqID `json:"channel_positions"`
}

// UpdateBatchResponse reports what a delivered batch did, with the cursor
// after the commit.
type UpdateBatchResponse struct {
	Stats     datastream.ApplyStats           `json:"stats"`
	Positions map[models.Channel]models.SeqID `json:"channel_positions"`
}

// handleDeliverUpdates applies one update batch as a unit. A batch racing
// another on a shared channel is rejected with 409 and can be retried; a
// model failure returns 500 with the cursor left where it was.
func (s *Service) handleDeliverUpdates(w http.ResponseWriter, r *http.Request) {
	var req UpdateBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.Units) == 0 && len(req.Deletions) == 0 && len(req.Positions) == 0 {
		http.Error(w, "empty update batch", http.StatusBadRequest)
		return
	}

	stats, err := s.engine.Deliver(r.Context(), req.Units, req.Deletions, req.Positions)
	recordUpdateBatch(r.Context(), stats, err == nil)
	if err != nil {
		switch {
		case errors.Is(err, datastream.ErrChannelBusy):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, datastream.ErrUpdateApply):
			http.Error(w, err.Error(), http.StatusInternalServerError)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, UpdateBatchResponse{
		Stats:     stats,
		Positions: s.engine.LatestUpdatesIdentifiers(),
	})
}

// handleGetPositions returns the per-channel resumption cursor. The upstream
// feed resumes from the position after each channel's value.
func (s *Service) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"channel_positions": s.engine.LatestUpdatesIdentifiers(),
	})
}

// handleDeleteSession closes one translation session.
func (s *Service) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if !s.engine.Sessions().Delete(id) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]string{"status": "deleted"})
}

// handleGetStats returns worker statistics.
func (s *Service) handleGetStats(w http.ResponseWriter, r *http.Request) {
	memory := s.engine.Memory()
	writeJSON(w, map[string]interface{}{
		"version":         s.version,
		"uptime":          time.Since(s.startTime).Round(time.Second).String(),
		"memories":        memory.Memories(),
		"examples":        memory.Examples(),
		"sessions":        s.engine.Sessions().Count(),
		"channels":        len(s.engine.LatestUpdatesIdentifiers()),
		"weights_version": s.engine.WeightsVersion(),
	})
}
