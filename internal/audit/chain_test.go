package audit

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/layered"
	"github.com/roach88/fieldsync/internal/store"
	"github.com/roach88/fieldsync/internal/testutil"
)

func newTestChain(t *testing.T) (*Chain, *layered.Store) {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	kv, err := layered.OpenKVFile(filepath.Join(dir, "backup.json"), 0)
	require.NoError(t, err)
	ls := layered.New(db, kv, nil)

	clk := testutil.NewFakeClock(time.Time{})
	return New(ls, clk), ls
}

func appendN(t *testing.T, c *Chain, n int) []Event {
	t.Helper()
	var out []Event
	for i := 0; i < n; i++ {
		e, err := c.Append(context.Background(), Event{
			Actor:      "cobrador-1",
			Action:     "payment.create",
			EntityType: "payments",
			EntityID:   "p-" + string(rune('a'+i)),
			Payload:    map[string]any{"monto": 1500.5, "cuota": i},
		})
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func TestAppend_LinksEvents(t *testing.T) {
	c, _ := newTestChain(t)
	events := appendN(t, c, 3)

	assert.Equal(t, GenesisHash, events[0].PrevHash)
	assert.Len(t, GenesisHash, 64)
	for i, e := range events {
		assert.Equal(t, int64(i), e.ID)
		assert.Len(t, e.Hash, 64)
		if i > 0 {
			assert.Equal(t, events[i-1].Hash, e.PrevHash)
		}
		hash, err := ContentHash(e)
		require.NoError(t, err)
		assert.Equal(t, e.Hash, hash)
	}
	assert.NotZero(t, events[0].Timestamp)
}

func TestAppend_StaysOutOfBackupLayers(t *testing.T) {
	c, ls := newTestChain(t)
	ctx := context.Background()
	appendN(t, c, 3)

	for _, l := range ls.Backups() {
		for i := int64(0); i < 3; i++ {
			_, err := l.Get(ctx, store.AuditTable, eventKey(i))
			assert.True(t, errors.Is(err, layered.ErrRecordNotFound), "%s holds event %d", l.Name(), i)
		}
	}
	stats := ls.GetStorageStats(ctx)
	assert.Equal(t, 0, stats.Layers[1].Records)

	v, err := c.VerifyChain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, v.Length)
}

func TestVerifyChain_Valid(t *testing.T) {
	c, _ := newTestChain(t)
	appendN(t, c, 4)

	v, err := c.VerifyChain(context.Background())
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Equal(t, 4, v.Length)
	assert.Equal(t, int64(-1), v.BrokenAt)
	assert.False(t, c.Broken())
}

func TestVerifyChain_EmptyIsValid(t *testing.T) {
	c, _ := newTestChain(t)
	v, err := c.VerifyChain(context.Background())
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Equal(t, 0, v.Length)
}

func TestVerifyChain_DetectsPayloadTampering(t *testing.T) {
	c, ls := newTestChain(t)
	ctx := context.Background()
	events := appendN(t, c, 4)

	tampered := events[2]
	tampered.Payload = map[string]any{"monto": 1, "cuota": 2}
	data, err := json.Marshal(tampered)
	require.NoError(t, err)
	require.NoError(t, ls.Primary().Put(ctx, store.AuditTable, eventKey(2), data))

	v, err := c.VerifyChain(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuditChainBroken))
	assert.False(t, v.Valid)
	assert.Equal(t, int64(2), v.BrokenAt)
	assert.True(t, c.Broken())

	_, err = c.Append(ctx, Event{Action: "payment.create"})
	assert.True(t, errors.Is(err, ErrAuditChainBroken), "broken chain halts appends")
}

func TestVerifyChain_DetectsRemovedEvent(t *testing.T) {
	c, ls := newTestChain(t)
	ctx := context.Background()
	appendN(t, c, 4)

	require.NoError(t, ls.Primary().Delete(ctx, store.AuditTable, eventKey(1)))

	v, err := c.VerifyChain(ctx)
	require.Error(t, err)
	assert.Equal(t, int64(1), v.BrokenAt)
}

func TestVerifyChain_DetectsRelinkedHash(t *testing.T) {
	c, ls := newTestChain(t)
	ctx := context.Background()
	events := appendN(t, c, 3)

	// Rewriting an event and recomputing its own hash still breaks the
	// next link.
	forged := events[1]
	forged.Actor = "intruso"
	hash, err := ContentHash(forged)
	require.NoError(t, err)
	forged.Hash = hash
	data, err := json.Marshal(forged)
	require.NoError(t, err)
	require.NoError(t, ls.Primary().Put(ctx, store.AuditTable, eventKey(1), data))

	v, err := c.VerifyChain(ctx)
	require.Error(t, err)
	assert.Equal(t, int64(2), v.BrokenAt)
}

func TestAppend_ResumesAfterRestart(t *testing.T) {
	c, ls := newTestChain(t)
	ctx := context.Background()
	events := appendN(t, c, 2)

	resumed := New(ls, testutil.NewFakeClock(time.Time{}))
	e, err := resumed.Append(ctx, Event{Action: "session.unlock", Actor: "cobrador-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), e.ID)
	assert.Equal(t, events[1].Hash, e.PrevHash)

	all, err := resumed.Events(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	v, err := resumed.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, v.Valid)
}
