package decoder

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/argakon/mmt/pkg/models"
)

// wordEntry accumulates how often a source token was aligned to one target
// token, per contributing memory. Per-memory counts make deletion exact.
type wordEntry struct {
	counts map[models.MemoryID]int
}

func (e *wordEntry) total() int {
	n := 0
	for _, c := range e.counts {
		n += c
	}
	return n
}

// sentEntry records a full-sentence pairing and which memories vouch for it.
type sentEntry struct {
	alignment models.Alignment
	memories  map[models.MemoryID]struct{}
}

// TranslationMemory is the underlying adaptive model: an in-memory phrase
// store fed by the data stream. Add is an upsert keyed by (memory, source
// sentence) and Delete retracts every contribution of a memory, so batch
// replay is idempotent. Readers pin a consistent view per request through
// Snapshot.
type TranslationMemory struct {
	mu sync.RWMutex

	// units holds each memory's examples keyed by source sentence, so an
	// upsert can first retract the contributions of the replaced example.
	units map[models.MemoryID]map[string]*models.TranslationUnit

	words     map[string]map[string]*wordEntry // src token -> tgt token
	srcTotals map[string]int
	sents     map[string]map[string]*sentEntry // src sentence -> tgt sentence
}

// NewTranslationMemory creates an empty translation memory.
func NewTranslationMemory() *TranslationMemory {
	return &TranslationMemory{
		units:     make(map[models.MemoryID]map[string]*models.TranslationUnit),
		words:     make(map[string]map[string]*wordEntry),
		srcTotals: make(map[string]int),
		sents:     make(map[string]map[string]*sentEntry),
	}
}

// Add upserts one training example. A re-delivery of the same (memory,
// source) pair replaces the earlier contribution instead of double
// counting it.
func (m *TranslationMemory) Add(ctx context.Context, unit *models.TranslationUnit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bySource, ok := m.units[unit.Memory]
	if !ok {
		bySource = make(map[string]*models.TranslationUnit)
		m.units[unit.Memory] = bySource
	}

	key := normalize(unit.Source)
	if prev, ok := bySource[key]; ok {
		m.retract(prev)
	}

	stored := *unit
	bySource[key] = &stored
	m.contribute(&stored)
	return nil
}

// Delete retracts every example of a memory. Deleting an absent memory is a
// no-op, which keeps batch replay safe.
func (m *TranslationMemory) Delete(ctx context.Context, memory models.MemoryID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bySource, ok := m.units[memory]
	if !ok {
		return nil
	}
	for _, unit := range bySource {
		m.retract(unit)
	}
	delete(m.units, memory)

	log.Debug().Int64("memory", int64(memory)).Msg("Memory retracted from model")
	return nil
}

// Memories returns the number of distinct memories in the model.
func (m *TranslationMemory) Memories() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.units)
}

// Examples returns the number of stored training examples.
func (m *TranslationMemory) Examples() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, bySource := range m.units {
		n += len(bySource)
	}
	return n
}

// HasMemory reports whether a memory currently contributes to the model.
func (m *TranslationMemory) HasMemory(memory models.MemoryID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.units[memory]
	return ok
}

// WordCandidate is one target-token option for a source token.
type WordCandidate struct {
	Target string
	Prob   float64
}

// SentenceCandidate is a full-sentence translation memory match.
type SentenceCandidate struct {
	Target    string
	Prob      float64
	Alignment models.Alignment
}

// MemorySnapshot is the consistent point-in-time view of the model pinned
// for one translate call. Candidate slices are sorted by descending
// probability with ties broken by target text; slice order is the
// discovery order the search relies on for determinism.
type MemorySnapshot struct {
	Words     map[string][]WordCandidate
	Sentences []SentenceCandidate
}

// Snapshot copies the candidates relevant to one source sentence out of the
// model. The read lock is held only for the duration of the copy; updates
// never stall translation beyond that.
func (m *TranslationMemory) Snapshot(sourceTokens []string) *MemorySnapshot {
	snap := &MemorySnapshot{Words: make(map[string][]WordCandidate, len(sourceTokens))}
	source := normalize(strings.Join(sourceTokens, " "))

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, tok := range sourceTokens {
		key := strings.ToLower(tok)
		if _, done := snap.Words[key]; done {
			continue
		}
		entries, ok := m.words[key]
		if !ok {
			continue
		}
		total := m.srcTotals[key]
		candidates := make([]WordCandidate, 0, len(entries))
		for target, entry := range entries {
			count := entry.total()
			if count == 0 || total == 0 {
				continue
			}
			candidates = append(candidates, WordCandidate{
				Target: target,
				Prob:   float64(count) / float64(total),
			})
		}
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].Prob != candidates[j].Prob {
				return candidates[i].Prob > candidates[j].Prob
			}
			return candidates[i].Target < candidates[j].Target
		})
		snap.Words[key] = candidates
	}

	if targets, ok := m.sents[source]; ok {
		total := 0
		for _, entry := range targets {
			total += len(entry.memories)
		}
		for target, entry := range targets {
			if len(entry.memories) == 0 || total == 0 {
				continue
			}
			snap.Sentences = append(snap.Sentences, SentenceCandidate{
				Target:    target,
				Prob:      float64(len(entry.memories)) / float64(total),
				Alignment: append(models.Alignment(nil), entry.alignment...),
			})
		}
		sort.Slice(snap.Sentences, func(i, j int) bool {
			if snap.Sentences[i].Prob != snap.Sentences[j].Prob {
				return snap.Sentences[i].Prob > snap.Sentences[j].Prob
			}
			return snap.Sentences[i].Target < snap.Sentences[j].Target
		})
	}

	return snap
}

// contribute indexes one example. Caller holds the write lock.
func (m *TranslationMemory) contribute(unit *models.TranslationUnit) {
	src := strings.Fields(normalize(unit.Source))
	tgt := strings.Fields(normalize(unit.Target))

	for _, p := range unit.Alignment {
		if p.Source < 0 || p.Source >= len(src) || p.Target < 0 || p.Target >= len(tgt) {
			continue
		}
		srcTok, tgtTok := src[p.Source], tgt[p.Target]
		entries, ok := m.words[srcTok]
		if !ok {
			entries = make(map[string]*wordEntry)
			m.words[srcTok] = entries
		}
		entry, ok := entries[tgtTok]
		if !ok {
			entry = &wordEntry{counts: make(map[models.MemoryID]int)}
			entries[tgtTok] = entry
		}
		entry.counts[unit.Memory]++
		m.srcTotals[srcTok]++
	}

	source, target := normalize(unit.Source), normalize(unit.Target)
	targets, ok := m.sents[source]
	if !ok {
		targets = make(map[string]*sentEntry)
		m.sents[source] = targets
	}
	entry, ok := targets[target]
	if !ok {
		entry = &sentEntry{memories: make(map[models.MemoryID]struct{})}
		targets[target] = entry
	}
	entry.memories[unit.Memory] = struct{}{}
	entry.alignment = append(models.Alignment(nil), unit.Alignment...)
}

// retract removes one example's contributions. Caller holds the write lock.
func (m *TranslationMemory) retract(unit *models.TranslationUnit) {
	src := strings.Fields(normalize(unit.Source))
	tgt := strings.Fields(normalize(unit.Target))

	for _, p := range unit.Alignment {
		if p.Source < 0 || p.Source >= len(src) || p.Target < 0 || p.Target >= len(tgt) {
			continue
		}
		srcTok, tgtTok := src[p.Source], tgt[p.Target]
		entries, ok := m.words[srcTok]
		if !ok {
			continue
		}
		entry, ok := entries[tgtTok]
		if !ok {
			continue
		}
		if entry.counts[unit.Memory] > 0 {
			entry.counts[unit.Memory]--
			m.srcTotals[srcTok]--
		}
		if entry.counts[unit.Memory] == 0 {
			delete(entry.counts, unit.Memory)
		}
		if len(entry.counts) == 0 {
			delete(entries, tgtTok)
		}
		if len(entries) == 0 {
			delete(m.words, srcTok)
			delete(m.srcTotals, srcTok)
		}
	}

	source, target := normalize(unit.Source), normalize(unit.Target)
	if targets, ok := m.sents[source]; ok {
		if entry, ok := targets[target]; ok {
			delete(entry.memories, unit.Memory)
			if len(entry.memories) == 0 {
				delete(targets, target)
			}
		}
		if len(targets) == 0 {
			delete(m.sents, source)
		}
	}
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
