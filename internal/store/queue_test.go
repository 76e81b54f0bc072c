package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueue_Coalesces(t *testing.T) {
	tests := []struct {
		name     string
		ops      []Operation
		expected Operation
	}{
		{"create then update", []Operation{OpCreate, OpUpdate}, OpCreate},
		{"update then update", []Operation{OpUpdate, OpUpdate}, OpUpdate},
		{"create then delete", []Operation{OpCreate, OpDelete}, OpDelete},
		{"update then delete", []Operation{OpUpdate, OpDelete}, OpDelete},
		{"delete then create", []Operation{OpDelete, OpCreate}, OpUpdate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := createTestStore(t)
			ctx := context.Background()

			var e QueueEntry
			for i, op := range tt.ops {
				var err error
				e, err = s.Enqueue(ctx, "clients", "c-1", op, 2, int64(100+i))
				require.NoError(t, err)
			}
			assert.Equal(t, tt.expected, e.Operation)
			assert.Equal(t, int64(len(tt.ops)), e.Revision)

			size, err := s.QueueSize(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, size, "one pending entry per record")
		})
	}
}

func TestEnqueue_KeepsMostUrgentPriority(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, "payments", "p-1", OpCreate, 3, 1)
	require.NoError(t, err)
	e, err := s.Enqueue(ctx, "payments", "p-1", OpUpdate, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, e.Priority)

	e, err = s.Enqueue(ctx, "payments", "p-1", OpUpdate, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 0, e.Priority)
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, StatePending, e.State)
	assert.False(t, e.Synced())
}

func TestEnqueue_RejectsUnknownOperation(t *testing.T) {
	s := createTestStore(t)
	_, err := s.Enqueue(context.Background(), "clients", "c-1", Operation("upsert"), 2, 1)
	assert.Error(t, err)
}

func TestReadyEntries_PriorityThenFIFO(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	enqueue := func(table, id string, prio int) {
		t.Helper()
		_, err := s.Enqueue(ctx, table, id, OpCreate, prio, 10)
		require.NoError(t, err)
	}
	enqueue("clients", "c-1", 2)
	enqueue("payments", "p-1", 0)
	enqueue("clients", "c-2", 2)
	enqueue("credits", "k-1", 1)
	enqueue("payments", "p-2", 0)

	entries, err := s.ReadyEntries(ctx, 10, 0)
	require.NoError(t, err)

	var order []string
	for _, e := range entries {
		order = append(order, e.RecordID)
	}
	assert.Equal(t, []string{"p-1", "p-2", "k-1", "c-1", "c-2"}, order)

	limited, err := s.ReadyEntries(ctx, 10, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestReadyEntries_RespectsNextRetryAt(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	e, err := s.Enqueue(ctx, "clients", "c-1", OpCreate, 2, 10)
	require.NoError(t, err)
	require.NoError(t, s.RecordFailure(ctx, e.ID, 1, 2010, "timeout", false, 10))

	ready, err := s.ReadyEntries(ctx, 2009, 0)
	require.NoError(t, err)
	assert.Empty(t, ready)

	ready, err = s.ReadyEntries(ctx, 2010, 0)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, 1, ready[0].RetryCount)
	assert.Equal(t, "timeout", ready[0].LastError)
}

func TestMarkSynced_RevisionGuard(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	e, err := s.Enqueue(ctx, "clients", "c-1", OpCreate, 2, 10)
	require.NoError(t, err)

	// A later edit coalesces while the upload is in flight.
	_, err = s.Enqueue(ctx, "clients", "c-1", OpUpdate, 2, 11)
	require.NoError(t, err)

	ok, err := s.MarkSynced(ctx, e.ID, e.Revision, 12)
	require.NoError(t, err)
	assert.False(t, ok, "stale acknowledgement must not retire a newer mutation")

	current, err := s.PendingEntry(ctx, "clients", "c-1")
	require.NoError(t, err)
	ok, err = s.MarkSynced(ctx, current.ID, current.Revision, 13)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.PendingEntry(ctx, "clients", "c-1")
	assert.True(t, errors.Is(err, ErrNotFound))

	size, err := s.QueueSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, size)
}

func TestRecordFailure_ExhaustedAndRequeue(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	e, err := s.Enqueue(ctx, "payments", "p-1", OpCreate, 0, 10)
	require.NoError(t, err)
	require.NoError(t, s.RecordFailure(ctx, e.ID, 5, 0, "backend down", true, 20))

	counts, err := s.QueueCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[StateFailed])
	assert.Equal(t, 0, counts[StatePending])

	failed, err := s.FailedEntries(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "backend down", failed[0].LastError)

	// A new mutation gets its own pending entry next to the failed one.
	_, err = s.Enqueue(ctx, "payments", "p-2", OpCreate, 0, 30)
	require.NoError(t, err)

	require.NoError(t, s.Requeue(ctx, e.ID, 40))
	requeued, err := s.PendingEntry(ctx, "payments", "p-1")
	require.NoError(t, err)
	assert.Equal(t, 0, requeued.RetryCount)
	assert.Equal(t, int64(40), requeued.NextRetryAt)

	assert.True(t, errors.Is(s.Requeue(ctx, e.ID, 50), ErrNotFound), "no longer failed")
}

func TestRequeue_DropsWhenPendingExists(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	e, err := s.Enqueue(ctx, "payments", "p-1", OpCreate, 0, 10)
	require.NoError(t, err)
	require.NoError(t, s.RecordFailure(ctx, e.ID, 5, 0, "x", true, 20))
	_, err = s.Enqueue(ctx, "payments", "p-1", OpUpdate, 0, 30)
	require.NoError(t, err)

	require.NoError(t, s.Requeue(ctx, e.ID, 40))

	counts, err := s.QueueCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, counts[StateFailed])
	assert.Equal(t, 1, counts[StatePending])
}

func TestDropPendingAndPrune(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, "clients", "c-1", OpUpdate, 2, 10)
	require.NoError(t, err)
	require.NoError(t, s.DropPending(ctx, "clients", "c-1"))
	size, err := s.QueueSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, size)

	e, err := s.Enqueue(ctx, "clients", "c-2", OpUpdate, 2, 10)
	require.NoError(t, err)
	_, err = s.MarkSynced(ctx, e.ID, e.Revision, 100)
	require.NoError(t, err)

	n, err := s.PruneSynced(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "cutoff is exclusive")

	n, err = s.PruneSynced(ctx, 101)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
