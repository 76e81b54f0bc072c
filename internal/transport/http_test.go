package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fieldsync/internal/identity"
	"github.com/roach88/fieldsync/internal/record"
	"github.com/roach88/fieldsync/internal/syncengine"
)

// rotatingProvider hands out a stale token until refreshed.
type rotatingProvider struct {
	mu        sync.Mutex
	current   string
	next      string
	refreshes int
}

func (p *rotatingProvider) DeviceID() string { return "dev-A" }
func (p *rotatingProvider) Actor() string    { return "cobrador-1" }

func (p *rotatingProvider) Token(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current, nil
}

func (p *rotatingProvider) Refresh(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshes++
	p.current = p.next
	return p.current, nil
}

func newBackend(t *testing.T) (*Memory, *httptest.Server) {
	t.Helper()
	peer := NewMemory()
	srv := httptest.NewServer(Handler(peer, "secret"))
	t.Cleanup(srv.Close)
	return peer, srv
}

func TestHTTP_UploadAndPull(t *testing.T) {
	ctx := context.Background()
	backend := Handler(NewMemory(), "secret")

	var (
		mu      sync.Mutex
		devices []string
	)
	wrapped := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		devices = append(devices, r.Header.Get(DeviceHeader))
		mu.Unlock()
		backend.ServeHTTP(w, r)
	}))
	t.Cleanup(wrapped.Close)

	tr, err := NewHTTP(wrapped.URL+"/", identity.Static{Device: "dev-A", BearerKey: "secret"})
	require.NoError(t, err)

	acks, err := tr.Upload(ctx, []syncengine.Change{
		change(t, "1", "payments", sealed(t, "p-1", record.VersionVector{"dev-A": 1}, map[string]any{"monto": 100})),
	})
	require.NoError(t, err)
	require.Len(t, acks, 1)
	assert.True(t, acks[0].Accepted)
	assert.Equal(t, "1", acks[0].EntryID)

	res, err := tr.PullChanges(ctx, "")
	require.NoError(t, err)
	require.Len(t, res.Changes, 1)
	assert.Equal(t, "payments", res.Changes[0].Table)
	assert.Equal(t, "1", res.Checkpoint)

	got, err := record.Decode(res.Changes[0].Record)
	require.NoError(t, err)
	require.NoError(t, got.Verify())
	assert.Equal(t, "p-1", got.ID)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"dev-A", "dev-A"}, devices)
}

func TestHTTP_RefreshesOnceOnUnauthorized(t *testing.T) {
	ctx := context.Background()
	_, srv := newBackend(t)

	p := &rotatingProvider{current: "expired", next: "secret"}
	tr, err := NewHTTP(srv.URL, p)
	require.NoError(t, err)

	_, err = tr.PullChanges(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, p.refreshes)

	// The refreshed token keeps working without another refresh.
	_, err = tr.PullChanges(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, p.refreshes)
}

func TestHTTP_UnauthorizedAfterRefresh(t *testing.T) {
	_, srv := newBackend(t)

	p := &rotatingProvider{current: "expired", next: "also-expired"}
	tr, err := NewHTTP(srv.URL, p)
	require.NoError(t, err)

	_, err = tr.Upload(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))
	assert.Equal(t, 1, p.refreshes)
}

func TestHTTP_StatusError(t *testing.T) {
	peer, srv := newBackend(t)
	peer.SetOffline(true)

	tr, err := NewHTTP(srv.URL, identity.Static{Device: "dev-A", BearerKey: "secret"})
	require.NoError(t, err)

	_, err = tr.PullChanges(context.Background(), "")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.Status)
	assert.Contains(t, se.Body, "backend offline")
	assert.False(t, IsUnauthorized(err))
}

func TestHTTP_NoCredential(t *testing.T) {
	_, srv := newBackend(t)
	tr, err := NewHTTP(srv.URL, identity.Static{Device: "dev-A"})
	require.NoError(t, err)

	_, err = tr.PullChanges(context.Background(), "")
	assert.ErrorIs(t, err, identity.ErrNoCredential)
}

func TestNewHTTP_RejectsScheme(t *testing.T) {
	_, err := NewHTTP("ftp://backend", identity.Static{})
	assert.Error(t, err)
	_, err = NewHTTP("://", identity.Static{})
	assert.Error(t, err)
}

func TestHandler_RejectsBadBody(t *testing.T) {
	h := Handler(NewMemory(), "secret")
	req := httptest.NewRequest(http.MethodPost, UploadPath, nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
