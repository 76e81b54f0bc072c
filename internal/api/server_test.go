package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/audit"
	"github.com/roach88/fieldsync/internal/encryption"
	"github.com/roach88/fieldsync/internal/layered"
	"github.com/roach88/fieldsync/internal/schema"
	"github.com/roach88/fieldsync/internal/store"
	"github.com/roach88/fieldsync/internal/syncengine"
)

type fakeEngine struct {
	mu     sync.Mutex
	forced []bool
	err    error
}

func (f *fakeEngine) PerformSync(ctx context.Context) syncengine.Response {
	return syncengine.NewResponse(f.Sync(ctx, syncengine.SyncOptions{Force: true}))
}

func (f *fakeEngine) Sync(_ context.Context, opts syncengine.SyncOptions) (syncengine.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forced = append(f.forced, opts.Force)
	return syncengine.Result{Uploaded: 2, Downloaded: 1}, f.err
}

func (f *fakeEngine) Status(context.Context) (syncengine.Status, error) {
	return syncengine.Status{State: syncengine.StateIdle, PendingCount: 3}, nil
}

type fakeStorage struct {
	cleared int
}

func (f *fakeStorage) GetStorageStats(context.Context) layered.StorageStats {
	return layered.StorageStats{Layers: []layered.LayerStats{{Name: layered.LayerPrimary, Available: true, Records: 4}}}
}

func (f *fakeStorage) ClearBackups(context.Context) error {
	f.cleared++
	return nil
}

type fakeNetwork struct {
	online     bool
	activities int
}

func (f *fakeNetwork) Activity()         { f.activities++ }
func (f *fakeNetwork) SetOnline(on bool) { f.online = on }
func (f *fakeNetwork) Online() bool      { return f.online }

type fakeAuditor struct {
	v   audit.Verification
	err error
}

func (f fakeAuditor) VerifyChain(context.Context) (audit.Verification, error) { return f.v, f.err }

type fakeRecorder struct {
	actions []string
	err     error
}

func (f *fakeRecorder) RecordAuthentication(_ context.Context, action string) (audit.Event, error) {
	if f.err != nil {
		return audit.Event{}, f.err
	}
	f.actions = append(f.actions, action)
	return audit.Event{Action: "session." + action}, nil
}

type testEnv struct {
	server   *Server
	engine   *fakeEngine
	storage  *fakeStorage
	network  *fakeNetwork
	recorder *fakeRecorder
	gate     *encryption.Gate
	db       *store.Store
}

func newTestEnv(t *testing.T, token string, auditor Auditor) *testEnv {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "fieldsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg, err := schema.Default()
	require.NoError(t, err)
	gate := encryption.New(db, reg, encryption.WithIterations(1000))

	env := &testEnv{
		engine:   &fakeEngine{},
		storage:  &fakeStorage{},
		network:  &fakeNetwork{online: true},
		recorder: &fakeRecorder{},
		gate:     gate,
		db:       db,
	}
	if auditor == nil {
		auditor = fakeAuditor{v: audit.Verification{Valid: true, Length: 2, BrokenAt: -1}}
	}
	env.server = NewServer(Deps{
		Engine:  env.engine,
		Storage: env.storage,
		Session: NewKeySession(gate, env.recorder),
		Auditor: auditor,
		Network: env.network,
		Outbox:  db,
		Token:   token,
		Now:     func() time.Time { return time.UnixMilli(5000) },
	})
	return env
}

func (env *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestSync_ForcedByDefault(t *testing.T) {
	env := newTestEnv(t, "", nil)

	rec := env.do(t, http.MethodPost, "/sync", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[syncengine.Response](t, rec)
	assert.True(t, resp.Success)
	assert.Equal(t, 2, resp.Uploaded)
	assert.Equal(t, 1, resp.Downloaded)

	rec = env.do(t, http.MethodPost, "/sync?force=false", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []bool{true, false}, env.engine.forced)

	rec = env.do(t, http.MethodPost, "/sync?force=maybe", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSync_FailureIsReported(t *testing.T) {
	env := newTestEnv(t, "", nil)
	env.engine.err = errors.New("backend unreachable")

	rec := env.do(t, http.MethodPost, "/sync", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[syncengine.Response](t, rec)
	assert.False(t, resp.Success)
	assert.Equal(t, "backend unreachable", resp.Error)
}

func TestStatusAndStats(t *testing.T) {
	env := newTestEnv(t, "", nil)

	rec := env.do(t, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[syncengine.Status](t, rec)
	assert.Equal(t, syncengine.StateIdle, st.State)
	assert.Equal(t, 3, st.PendingCount)

	rec = env.do(t, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[layered.StorageStats](t, rec)
	require.Len(t, stats.Layers, 1)
	assert.Equal(t, layered.LayerPrimary, stats.Layers[0].Name)

	rec = env.do(t, http.MethodPost, "/backups/clear", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, env.storage.cleared)
}

func TestSession_UnlockAndLock(t *testing.T) {
	env := newTestEnv(t, "", nil)

	rec := env.do(t, http.MethodPost, "/session/unlock", `{"pin":"2468"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.gate.Initialized())

	rec = env.do(t, http.MethodGet, "/session", "")
	assert.Equal(t, map[string]bool{"unlocked": true}, decode[map[string]bool](t, rec))

	rec = env.do(t, http.MethodPost, "/session/lock", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, env.gate.Initialized())
	assert.Equal(t, []string{"unlock", "lock"}, env.recorder.actions)
}

func TestSession_UnlockValidation(t *testing.T) {
	env := newTestEnv(t, "", nil)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/session/unlock", `not json`).Code)
	rec := env.do(t, http.MethodPost, "/session/unlock", `{"pin":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", decode[ErrorResponse](t, rec).Code)
	assert.False(t, env.gate.Initialized())
}

func TestSession_UnauditedUnlockIsRolledBack(t *testing.T) {
	env := newTestEnv(t, "", nil)
	env.recorder.err = audit.ErrAuditChainBroken

	rec := env.do(t, http.MethodPost, "/session/unlock", `{"pin":"2468"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "AUDIT_CHAIN_BROKEN", decode[ErrorResponse](t, rec).Code)
	assert.False(t, env.gate.Initialized())
}

func TestAuditVerify(t *testing.T) {
	env := newTestEnv(t, "", nil)
	rec := env.do(t, http.MethodGet, "/audit/verify", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[audit.Verification](t, rec).Valid)

	broken := fakeAuditor{
		v:   audit.Verification{Length: 4, BrokenAt: 2, Reason: "hash does not match content"},
		err: audit.ErrAuditChainBroken,
	}
	env = newTestEnv(t, "", broken)
	rec = env.do(t, http.MethodGet, "/audit/verify", "")
	require.Equal(t, http.StatusOK, rec.Code)
	v := decode[audit.Verification](t, rec)
	assert.False(t, v.Valid)
	assert.Equal(t, int64(2), v.BrokenAt)

	env = newTestEnv(t, "", fakeAuditor{err: errors.New("disk gone")})
	assert.Equal(t, http.StatusInternalServerError, env.do(t, http.MethodGet, "/audit/verify", "").Code)
}

func TestActivityAndNetwork(t *testing.T) {
	env := newTestEnv(t, "", nil)

	assert.Equal(t, http.StatusNoContent, env.do(t, http.MethodPost, "/activity", "").Code)
	assert.Equal(t, 1, env.network.activities)

	rec := env.do(t, http.MethodPost, "/network/offline", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, env.network.online)

	rec = env.do(t, http.MethodPost, "/network/online", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]bool{"online": true}, decode[map[string]bool](t, rec))

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/network/sideways", "").Code)
}

func TestQueueAndReviews(t *testing.T) {
	env := newTestEnv(t, "", nil)
	ctx := context.Background()
	require.NoError(t, env.db.EnsureTable(ctx, "payments", nil))

	entry, err := env.db.Enqueue(ctx, "payments", "p-1", store.OpCreate, 0, 1000)
	require.NoError(t, err)
	require.NoError(t, env.db.RecordFailure(ctx, entry.ID, 5, 0, "rejected", true, 2000))

	rec := env.do(t, http.MethodGet, "/queue/failed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	failed := decode[[]QueueEntryView](t, rec)
	require.Len(t, failed, 1)
	assert.Equal(t, "p-1", failed[0].RecordID)
	assert.Equal(t, "rejected", failed[0].LastError)

	rec = env.do(t, http.MethodPost, "/queue/"+entry.ID+"/requeue", "")
	require.Equal(t, http.StatusOK, rec.Code)
	pending, err := env.db.PendingEntry(ctx, "payments", "p-1")
	require.NoError(t, err)
	assert.Equal(t, 0, pending.RetryCount)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/queue/"+entry.ID+"/requeue", "").Code)

	seq, err := env.db.AddReview(ctx, store.Review{
		Table:     "payments",
		RecordID:  "p-2",
		Reason:    "remote: checksum mismatch",
		Remote:    json.RawMessage(`{"id":"p-2"}`),
		CreatedAt: 3000,
	})
	require.NoError(t, err)

	rec = env.do(t, http.MethodGet, "/reviews", "")
	require.Equal(t, http.StatusOK, rec.Code)
	reviews := decode[[]ReviewView](t, rec)
	require.Len(t, reviews, 1)
	assert.Equal(t, "p-2", reviews[0].RecordID)

	path := "/reviews/" + strconv.FormatInt(seq, 10) + "/resolve"
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, path, "").Code)
	assert.Empty(t, decode[[]ReviewView](t, env.do(t, http.MethodGet, "/reviews", "")))
	assert.Len(t, decode[[]ReviewView](t, env.do(t, http.MethodGet, "/reviews?all=true", "")), 1)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/reviews/abc/resolve", "").Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/reviews/999/resolve", "").Code)
}

func TestToken(t *testing.T) {
	env := newTestEnv(t, "local-secret", nil)

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/status", "").Code)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer local-secret")
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
