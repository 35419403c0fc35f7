package datastream

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/argakon/mmt/pkg/models"
)

// IncrementalModel is the mutable side of the underlying translation model.
// Add is an upsert keyed by (memory, source) and Delete is a no-op on
// absent memories, so reapplying a batch after a failed cursor commit is
// harmless.
type IncrementalModel interface {
	Add(ctx context.Context, unit *models.TranslationUnit) error
	Delete(ctx context.Context, memory models.MemoryID) error
}

// ApplyStats summarizes what one Deliver call did.
type ApplyStats struct {
	UnitsApplied     int `json:"units_applied"`
	UnitsSkipped     int `json:"units_skipped"`
	UnitsMalformed   int `json:"units_malformed"`
	DeletionsApplied int `json:"deletions_applied"`
	DeletionsSkipped int `json:"deletions_skipped"`
	DeletionsDropped int `json:"deletions_dropped"`
	ChannelsAdvanced int `json:"channels_advanced"`
}

// Applier consumes batches of raw update records and channel position
// advances. A batch is applied as a unit: records first, cursor commit
// last, so a failure anywhere leaves the cursor where it was and the batch
// can be retried.
type Applier struct {
	model  IncrementalModel
	cursor *CursorRegistry

	chanMu   sync.Mutex
	chanLock map[models.Channel]*sync.Mutex
}

// NewApplier creates an applier feeding the given model and cursor registry.
func NewApplier(model IncrementalModel, cursor *CursorRegistry) *Applier {
	return &Applier{
		model:    model,
		cursor:   cursor,
		chanLock: make(map[models.Channel]*sync.Mutex),
	}
}

// Deliver applies a batch of updates. Deletions are applied before
// additions so a same-batch add+delete of one memory leaves no stale entry.
// Records whose position the cursor has already passed are skipped
// (idempotent replay); structurally invalid records are dropped per-record
// without failing the batch. Only a model failure is fatal, and it leaves
// the cursor un-advanced.
func (a *Applier) Deliver(ctx context.Context, units []models.TranslationUnit, deletions []models.Deletion, positions map[models.Channel]models.SeqID) (ApplyStats, error) {
	var stats ApplyStats

	channels := a.batchChannels(units, deletions, positions)
	release, err := a.lockChannels(channels)
	if err != nil {
		return stats, err
	}
	defer release()

	current := a.cursor.Positions()

	applied := func(ch models.Channel, pos models.SeqID) bool {
		cur, ok := current[ch]
		return ok && pos <= cur
	}

	// Validate additions up front, in parallel. Index-addressed results
	// keep the original batch order for application.
	valid := make([]bool, len(units))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range units {
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			if err := units[i].Validate(); err != nil {
				log.Warn().
					Err(err).
					Int16("channel", int16(units[i].Channel)).
					Int64("position", int64(units[i].Position)).
					Int64("memory", int64(units[i].Memory)).
					Msg("Dropping malformed translation unit")
				return nil
			}
			valid[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, fmt.Errorf("validate batch: %w", err)
	}

	for i := range deletions {
		d := &deletions[i]
		if applied(d.Channel, d.Position) {
			stats.DeletionsSkipped++
			continue
		}
		if err := d.Validate(); err != nil {
			log.Warn().Err(err).Msg("Dropping malformed deletion")
			stats.DeletionsDropped++
			continue
		}
		if err := a.model.Delete(ctx, d.Memory); err != nil {
			return stats, fmt.Errorf("%w: delete memory %d: %v", ErrUpdateApply, d.Memory, err)
		}
		stats.DeletionsApplied++
	}

	for i := range units {
		u := &units[i]
		if applied(u.Channel, u.Position) {
			stats.UnitsSkipped++
			continue
		}
		if !valid[i] {
			stats.UnitsMalformed++
			continue
		}
		if err := a.model.Add(ctx, u); err != nil {
			return stats, fmt.Errorf("%w: add memory %d: %v", ErrUpdateApply, u.Memory, err)
		}
		stats.UnitsApplied++
	}

	// Records are in; committing the cursor makes the batch visible as
	// applied. A crash between the two re-delivers the batch, which the
	// idempotent model absorbs.
	if err := a.cursor.Commit(ctx, positions); err != nil {
		return stats, fmt.Errorf("%w: %v", ErrUpdateApply, err)
	}
	for ch, pos := range positions {
		if old, had := current[ch]; !had || pos > old {
			stats.ChannelsAdvanced++
		}
	}

	log.Info().
		Int("units_applied", stats.UnitsApplied).
		Int("units_skipped", stats.UnitsSkipped).
		Int("units_malformed", stats.UnitsMalformed).
		Int("deletions_applied", stats.DeletionsApplied).
		Int("channels_advanced", stats.ChannelsAdvanced).
		Msg("Update batch applied")

	return stats, nil
}

// Positions exposes the resumption cursor for the upstream feed.
func (a *Applier) Positions() map[models.Channel]models.SeqID {
	return a.cursor.Positions()
}

// batchChannels collects every channel the batch touches.
func (a *Applier) batchChannels(units []models.TranslationUnit, deletions []models.Deletion, positions map[models.Channel]models.SeqID) []models.Channel {
	seen := make(map[models.Channel]struct{}, len(positions))
	for ch := range positions {
		seen[ch] = struct{}{}
	}
	for i := range units {
		seen[units[i].Channel] = struct{}{}
	}
	for i := range deletions {
		seen[deletions[i].Channel] = struct{}{}
	}

	channels := make([]models.Channel, 0, len(seen))
	for ch := range seen {
		channels = append(channels, ch)
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i] < channels[j] })
	return channels
}

// lockChannels acquires the per-channel locks in sorted order. TryLock
// keeps batches for disjoint channel sets running in parallel while a
// second batch on an overlapping channel fails fast with ErrChannelBusy.
func (a *Applier) lockChannels(channels []models.Channel) (func(), error) {
	locked := make([]*sync.Mutex, 0, len(channels))
	release := func() {
		for i := len(locked) - 1; i >= 0; i-- {
			locked[i].Unlock()
		}
	}

	for _, ch := range channels {
		mu := a.channelLock(ch)
		if !mu.TryLock() {
			release()
			return nil, fmt.Errorf("%w: channel %d", ErrChannelBusy, ch)
		}
		locked = append(locked, mu)
	}
	return release, nil
}

func (a *Applier) channelLock(ch models.Channel) *sync.Mutex {
	a.chanMu.Lock()
	defer a.chanMu.Unlock()

	mu, ok := a.chanLock[ch]
	if !ok {
		mu = &sync.Mutex{}
		a.chanLock[ch] = mu
	}
	return mu
}
