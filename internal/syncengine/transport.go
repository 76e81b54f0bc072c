package syncengine

import (
	"context"
	"encoding/json"

	"github.com/roach88/fieldsync/internal/store"
)

// Transport is the network boundary to the backend. Implementations must be
// safe for concurrent use and honor ctx cancellation.
type Transport interface {
	// Upload sends local changes and returns one Ack per accepted or
	// rejected change. A returned error fails the whole batch.
	Upload(ctx context.Context, changes []Change) ([]Ack, error)

	// PullChanges returns backend records changed since the checkpoint.
	// An empty since means from the beginning.
	PullChanges(ctx context.Context, since string) (PullResult, error)
}

// Change is one outbox entry as uploaded.
type Change struct {
	EntryID   string          `json:"entry_id"`
	Table     string          `json:"table"`
	RecordID  string          `json:"record_id"`
	Operation store.Operation `json:"operation"`
	Revision  int64           `json:"revision"`
	Record    json.RawMessage `json:"record"`
}

// Ack is the backend's verdict on one change.
type Ack struct {
	EntryID  string `json:"entry_id"`
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// RemoteChange is one backend record returned by PullChanges.
type RemoteChange struct {
	Table  string          `json:"table"`
	Record json.RawMessage `json:"record"`
}

// PullResult is one page of remote changes. More asks the caller to pull
// again from Checkpoint.
type PullResult struct {
	Changes    []RemoteChange `json:"changes"`
	Checkpoint string         `json:"checkpoint"`
	More       bool           `json:"more,omitempty"`
}
