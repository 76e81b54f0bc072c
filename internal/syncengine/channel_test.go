package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestPerformSync(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	_, err := env.repo.Create(ctx, "clients", "tenant-1", "c-1", map[string]any{"estado": "activo"})
	require.NoError(t, err)

	resp := env.engine.PerformSync(ctx)
	assert.Equal(t, Response{Success: true, Uploaded: 1}, resp)

	env.transport.set(func(f *fakeTransport) { f.pullErr = errors.New("offline") })
	resp = env.engine.PerformSync(ctx)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "SYNC_NETWORK")
}

func TestListen(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	reqs := make(chan Request)
	done := make(chan error, 1)
	go func() { done <- env.engine.Listen(ctx, reqs) }()

	reply := make(chan Response, 1)
	reqs <- Request{Force: true, Reply: reply}
	resp := <-reply
	assert.True(t, resp.Success)

	// Fire-and-forget requests are allowed.
	reqs <- Request{}

	close(reqs)
	assert.NoError(t, <-done)
	assert.Equal(t, 2, env.transport.pullCount())
}

func TestListen_ContextCancel(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := env.engine.Listen(ctx, make(chan Request))
	assert.True(t, errors.Is(err, context.Canceled))
}
