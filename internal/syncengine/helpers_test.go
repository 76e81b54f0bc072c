package syncengine

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/audit"
	"github.com/roach88/fieldsync/internal/encryption"
	"github.com/roach88/fieldsync/internal/identity"
	"github.com/roach88/fieldsync/internal/layered"
	"github.com/roach88/fieldsync/internal/record"
	"github.com/roach88/fieldsync/internal/repository"
	"github.com/roach88/fieldsync/internal/schema"
	"github.com/roach88/fieldsync/internal/store"
	"github.com/roach88/fieldsync/internal/testutil"
)

// fakeTransport records calls and replays scripted responses.
type fakeTransport struct {
	mu        sync.Mutex
	uploads   [][]Change
	sinces    []string
	uploadErr error
	pullErr   error
	reject    map[string]string // record id -> rejection reason
	pages     []PullResult

	// pullGate, when set, blocks PullChanges until closed. pullEntered is
	// signaled on entry.
	pullGate    chan struct{}
	pullEntered chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{reject: map[string]string{}}
}

func (f *fakeTransport) Upload(ctx context.Context, changes []Change) ([]Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, changes)
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	acks := make([]Ack, 0, len(changes))
	for _, c := range changes {
		if reason, ok := f.reject[c.RecordID]; ok {
			acks = append(acks, Ack{EntryID: c.EntryID, Error: reason})
			continue
		}
		acks = append(acks, Ack{EntryID: c.EntryID, Accepted: true})
	}
	return acks, nil
}

func (f *fakeTransport) PullChanges(ctx context.Context, since string) (PullResult, error) {
	if f.pullEntered != nil {
		select {
		case f.pullEntered <- struct{}{}:
		default:
		}
	}
	if f.pullGate != nil {
		select {
		case <-f.pullGate:
		case <-ctx.Done():
			return PullResult{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinces = append(f.sinces, since)
	if f.pullErr != nil {
		return PullResult{}, f.pullErr
	}
	if len(f.pages) == 0 {
		return PullResult{Checkpoint: since}, nil
	}
	page := f.pages[0]
	f.pages = f.pages[1:]
	return page, nil
}

func (f *fakeTransport) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads)
}

func (f *fakeTransport) pullCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sinces)
}

func (f *fakeTransport) set(fn func(f *fakeTransport)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

type testEnv struct {
	engine    *Engine
	transport *fakeTransport
	repo      *repository.Repository
	ls        *layered.Store
	db        *store.Store
	chain     *audit.Chain
	clock     *testutil.FakeClock
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	db, err := store.Open(filepath.Join(dir, "fieldsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg, err := schema.Default()
	require.NoError(t, err)
	require.NoError(t, repository.Prepare(ctx, db, reg))

	kv, err := layered.OpenKVFile(filepath.Join(dir, "backup.json"), 0)
	require.NoError(t, err)
	ls := layered.New(db, kv, nil)

	clk := testutil.NewFakeClock(time.Time{})
	gate := encryption.New(db, reg, encryption.WithIterations(1000))
	require.NoError(t, gate.InitializeWithPin(ctx, "2468"))
	chain := audit.New(ls, clk)
	ident := identity.Static{Device: "dev-A", User: "cobrador-1", BearerKey: "t"}
	repo := repository.New(ls, reg, gate, chain, ident, repository.WithClock(clk))

	tr := newFakeTransport()
	eng := New(ls, reg, tr,
		WithConfig(cfg),
		WithClock(clk),
		WithAuditChain(chain, "sync:dev-A"))

	return &testEnv{engine: eng, transport: tr, repo: repo, ls: ls, db: db, chain: chain, clock: clk}
}

// remoteRecord builds a sealed record as the backend would send it.
func remoteRecord(t *testing.T, id, tenant string, vv record.VersionVector, fields map[string]any, fvs map[string]record.FieldVersion, updatedAt int64) json.RawMessage {
	t.Helper()
	r := record.New(id, tenant, fields)
	r.VersionVector = vv
	if fvs != nil {
		r.FieldVersions = fvs
	}
	r.CreatedAt = updatedAt
	r.UpdatedAt = updatedAt
	r.Synced = true
	require.NoError(t, r.Seal())
	data, err := r.Encode()
	require.NoError(t, err)
	return data
}

func loadRecord(t *testing.T, db *store.Store, table, id string) *record.Record {
	t.Helper()
	data, err := db.GetDoc(context.Background(), table, id)
	require.NoError(t, err)
	r, err := record.Decode(data)
	require.NoError(t, err)
	return r
}
