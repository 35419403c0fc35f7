// Package datastream applies incremental training updates to the model and
// tracks, per channel, how far the stream has been applied. The cursor is
// the durable identity an at-least-once upstream feed resumes from; the
// applier turns at-least-once delivery into effectively-once application.
package datastream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/argakon/mmt/internal/db/sqlite"
	"github.com/argakon/mmt/pkg/models"
)

var (
	// ErrCursorRegression signals an Advance call with a position not
	// strictly greater than the recorded one. The applier filters
	// duplicates before advancing, so hitting this is a contract violation.
	ErrCursorRegression = errors.New("channel position regression")

	// ErrChannelBusy is returned when a batch overlaps a channel that
	// another batch is currently applying. Concurrent batches for the same
	// channel are not supported; the caller retries or queues.
	ErrChannelBusy = errors.New("channel has a batch in flight")

	// ErrUpdateApply wraps fatal model failures during batch application.
	// The cursor is left untouched so the whole batch can be retried.
	ErrUpdateApply = errors.New("update batch apply failed")
)

// CursorRegistry tracks the highest applied update position per channel.
// The registry is write-through: positions live in memory for lock-free-ish
// reads and are persisted to sqlite before the in-memory map advances.
type CursorRegistry struct {
	store *sqlite.Store

	mu        sync.RWMutex
	positions map[models.Channel]models.SeqID
}

// NewCursorRegistry loads the persisted cursor state into memory.
func NewCursorRegistry(ctx context.Context, store *sqlite.Store) (*CursorRegistry, error) {
	r := &CursorRegistry{
		store:     store,
		positions: make(map[models.Channel]models.SeqID),
	}

	rows, err := store.QueryContext(ctx, "SELECT channel, position FROM channel_positions")
	if err != nil {
		return nil, fmt.Errorf("load channel positions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var channel int16
		var position int64
		if err := rows.Scan(&channel, &position); err != nil {
			return nil, fmt.Errorf("scan channel position: %w", err)
		}
		r.positions[models.Channel(channel)] = models.SeqID(position)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channel positions: %w", err)
	}

	return r, nil
}

// Positions returns a copy of the latest applied position per channel.
func (r *CursorRegistry) Positions() map[models.Channel]models.SeqID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[models.Channel]models.SeqID, len(r.positions))
	for ch, pos := range r.positions {
		out[ch] = pos
	}
	return out
}

// Position returns the latest applied position for one channel.
func (r *CursorRegistry) Position(channel models.Channel) (models.SeqID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pos, ok := r.positions[channel]
	return pos, ok
}

// Advance moves one channel's cursor forward. The position must be strictly
// greater than the recorded one; anything else is a duplicate or
// out-of-order delivery the caller should have filtered already.
func (r *CursorRegistry) Advance(ctx context.Context, channel models.Channel, position models.SeqID) error {
	return r.commit(ctx, map[models.Channel]models.SeqID{channel: position}, true)
}

// Commit persists a batch's channel positions and then advances the
// in-memory map. Channels whose new position is not greater than the stored
// one are skipped silently, which makes replay of an already-applied batch
// a no-op.
func (r *CursorRegistry) Commit(ctx context.Context, positions map[models.Channel]models.SeqID) error {
	return r.commit(ctx, positions, false)
}

func (r *CursorRegistry) commit(ctx context.Context, positions map[models.Channel]models.SeqID, strict bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	advanced := make(map[models.Channel]models.SeqID, len(positions))
	for ch, pos := range positions {
		current, ok := r.positions[ch]
		if ok && pos <= current {
			if strict {
				return fmt.Errorf("%w: channel %d at %d, got %d", ErrCursorRegression, ch, current, pos)
			}
			continue
		}
		advanced[ch] = pos
	}
	if len(advanced) == 0 {
		return nil
	}

	tx, err := r.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin cursor commit: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Format(time.RFC3339)
	for ch, pos := range advanced {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO channel_positions (channel, position, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(channel) DO UPDATE SET
				position = excluded.position,
				updated_at = excluded.updated_at
			WHERE excluded.position > channel_positions.position
		`, int16(ch), int64(pos), now); err != nil {
			return fmt.Errorf("persist channel %d position: %w", ch, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cursor advance: %w", err)
	}

	// Durable state is committed; only now does the visible cursor move.
	for ch, pos := range advanced {
		r.positions[ch] = pos
	}
	return nil
}
