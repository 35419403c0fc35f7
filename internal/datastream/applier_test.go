package datastream

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argakon/mmt/pkg/models"
)

// fakeModel records applied operations in order and can fail on demand.
type fakeModel struct {
	mu     sync.Mutex
	ops    []string
	adds   []models.TranslationUnit
	addErr error
	delErr error
}

func (m *fakeModel) Add(ctx context.Context, unit *models.TranslationUnit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.addErr != nil {
		return m.addErr
	}
	m.ops = append(m.ops, "add")
	m.adds = append(m.adds, *unit)
	return nil
}

func (m *fakeModel) Delete(ctx context.Context, memory models.MemoryID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.delErr != nil {
		return m.delErr
	}
	m.ops = append(m.ops, "delete")
	return nil
}

func testApplier(t *testing.T) (*Applier, *fakeModel, *CursorRegistry) {
	t.Helper()

	registry, _ := testCursor(t)
	model := &fakeModel{}
	return NewApplier(model, registry), model, registry
}

func unit(ch models.Channel, pos models.SeqID, mem models.MemoryID) models.TranslationUnit {
	return models.TranslationUnit{
		Channel:  ch,
		Position: pos,
		Memory:   mem,
		Source:   "hello world",
		Target:   "hallo welt",
		Alignment: models.Alignment{
			{Source: 0, Target: 0},
			{Source: 1, Target: 1},
		},
	}
}

func TestDeliverAppliesBatchAndCommitsCursor(t *testing.T) {
	applier, model, registry := testApplier(t)
	ctx := context.Background()

	stats, err := applier.Deliver(ctx,
		[]models.TranslationUnit{unit(0, 1, 10), unit(0, 2, 11)},
		nil,
		map[models.Channel]models.SeqID{0: 2},
	)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.UnitsApplied)
	assert.Equal(t, 1, stats.ChannelsAdvanced)
	assert.Len(t, model.adds, 2)

	pos, ok := registry.Position(0)
	require.True(t, ok)
	assert.Equal(t, models.SeqID(2), pos)
}

func TestDeliverReplayIsIdempotent(t *testing.T) {
	applier, model, _ := testApplier(t)
	ctx := context.Background()

	units := []models.TranslationUnit{unit(0, 1, 10)}
	positions := map[models.Channel]models.SeqID{0: 1}

	_, err := applier.Deliver(ctx, units, nil, positions)
	require.NoError(t, err)

	// The upstream feed re-delivers the same batch after a lost ack
	stats, err := applier.Deliver(ctx, units, nil, positions)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.UnitsApplied)
	assert.Equal(t, 1, stats.UnitsSkipped)
	assert.Equal(t, 0, stats.ChannelsAdvanced)
	assert.Len(t, model.adds, 1)
}

func TestDeliverDeletionsBeforeAdditions(t *testing.T) {
	applier, model, _ := testApplier(t)
	ctx := context.Background()

	stats, err := applier.Deliver(ctx,
		[]models.TranslationUnit{unit(0, 2, 5)},
		[]models.Deletion{{Channel: 0, Position: 1, Memory: 5}},
		map[models.Channel]models.SeqID{0: 2},
	)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DeletionsApplied)
	assert.Equal(t, 1, stats.UnitsApplied)

	// Deletion of memory 5 ran before the addition, so the added example
	// survives the batch.
	assert.Equal(t, []string{"delete", "add"}, model.ops)
}

func TestDeliverDropsMalformedRecordsButAdvancesCursor(t *testing.T) {
	applier, model, registry := testApplier(t)
	ctx := context.Background()

	bad := unit(0, 2, 10)
	bad.Source = "   "

	stats, err := applier.Deliver(ctx,
		[]models.TranslationUnit{unit(0, 1, 10), bad},
		[]models.Deletion{{Channel: 0, Position: 3, Memory: 0}},
		map[models.Channel]models.SeqID{0: 3},
	)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.UnitsApplied)
	assert.Equal(t, 1, stats.UnitsMalformed)
	assert.Equal(t, 1, stats.DeletionsDropped)
	assert.Len(t, model.adds, 1)

	// Malformed records are dropped, not retried; the cursor moves past them
	pos, _ := registry.Position(0)
	assert.Equal(t, models.SeqID(3), pos)
}

func TestDeliverModelFailureLeavesCursorUntouched(t *testing.T) {
	applier, model, registry := testApplier(t)
	ctx := context.Background()

	model.addErr = errors.New("model out of space")

	_, err := applier.Deliver(ctx,
		[]models.TranslationUnit{unit(0, 1, 10)},
		nil,
		map[models.Channel]models.SeqID{0: 1},
	)
	require.ErrorIs(t, err, ErrUpdateApply)

	_, ok := registry.Position(0)
	assert.False(t, ok, "cursor must not advance on a failed batch")

	// The batch is retryable once the model recovers
	model.addErr = nil
	stats, err := applier.Deliver(ctx,
		[]models.TranslationUnit{unit(0, 1, 10)},
		nil,
		map[models.Channel]models.SeqID{0: 1},
	)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.UnitsApplied)
}

func TestDeliverRejectsConcurrentBatchOnSameChannel(t *testing.T) {
	applier, _, _ := testApplier(t)
	ctx := context.Background()

	// Simulate a batch in flight on channel 3
	applier.channelLock(3).Lock()
	defer applier.channelLock(3).Unlock()

	_, err := applier.Deliver(ctx,
		[]models.TranslationUnit{unit(3, 1, 10)},
		nil,
		map[models.Channel]models.SeqID{3: 1},
	)
	assert.ErrorIs(t, err, ErrChannelBusy)

	// A batch on a disjoint channel is unaffected
	_, err = applier.Deliver(ctx,
		[]models.TranslationUnit{unit(4, 1, 10)},
		nil,
		map[models.Channel]models.SeqID{4: 1},
	)
	assert.NoError(t, err)
}

func TestDeliverSkipsOnlyAppliedChannels(t *testing.T) {
	applier, model, registry := testApplier(t)
	ctx := context.Background()

	require.NoError(t, registry.Commit(ctx, map[models.Channel]models.SeqID{0: 5}))

	stats, err := applier.Deliver(ctx,
		[]models.TranslationUnit{
			unit(0, 4, 10), // behind channel 0's cursor
			unit(1, 4, 11), // fresh on channel 1
		},
		nil,
		map[models.Channel]models.SeqID{0: 5, 1: 4},
	)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.UnitsApplied)
	assert.Equal(t, 1, stats.UnitsSkipped)
	assert.Equal(t, 1, stats.ChannelsAdvanced)
	require.Len(t, model.adds, 1)
	assert.Equal(t, models.Channel(1), model.adds[0].Channel)
}

func TestDeliverPositionsOnlyBatch(t *testing.T) {
	applier, _, registry := testApplier(t)
	ctx := context.Background()

	// A keepalive batch carries no records, just cursor advances
	stats, err := applier.Deliver(ctx, nil, nil, map[models.Channel]models.SeqID{0: 9})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ChannelsAdvanced)

	pos, _ := registry.Position(0)
	assert.Equal(t, models.SeqID(9), pos)
}
