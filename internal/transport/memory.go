package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/roach88/fieldsync/internal/conflict"
	"github.com/roach88/fieldsync/internal/record"
	"github.com/roach88/fieldsync/internal/syncengine"
)

// DefaultPageSize is the number of changes Memory returns per pull.
const DefaultPageSize = 100

// Memory is an in-process backend peer. It merges uploaded records with the
// conflict resolver, keeps the latest state per record and serves changes
// by a numeric checkpoint (the log sequence). Several engines sharing one
// Memory converge the way devices sharing a backend do.
type Memory struct {
	mu       sync.Mutex
	records  map[string]*record.Record // "table/id"
	tables   map[string]string         // "table/id" -> table
	log      []string                  // keys in change order, one entry per change
	pageSize int
	offline  bool
}

// NewMemory creates an empty peer.
func NewMemory() *Memory {
	return &Memory{
		records:  make(map[string]*record.Record),
		tables:   make(map[string]string),
		pageSize: DefaultPageSize,
	}
}

// SetPageSize changes the pull page size.
func (m *Memory) SetPageSize(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > 0 {
		m.pageSize = n
	}
}

// SetOffline makes every call fail like an unreachable backend.
func (m *Memory) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

// Upload implements syncengine.Transport. Changes whose record is corrupt or
// conflicts unresolvably are rejected individually.
func (m *Memory) Upload(ctx context.Context, changes []syncengine.Change) ([]syncengine.Ack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return nil, errOffline
	}

	acks := make([]syncengine.Ack, 0, len(changes))
	for _, c := range changes {
		ack := syncengine.Ack{EntryID: c.EntryID}
		if err := m.acceptLocked(c); err != nil {
			ack.Error = err.Error()
			slog.Debug("memory backend rejected change", "table", c.Table, "id", c.RecordID, "error", err)
		} else {
			ack.Accepted = true
		}
		acks = append(acks, ack)
	}
	return acks, nil
}

func (m *Memory) acceptLocked(c syncengine.Change) error {
	incoming, err := record.Decode(c.Record)
	if err != nil {
		return err
	}
	if incoming.ID != c.RecordID {
		return fmt.Errorf("record id %q does not match change %q", incoming.ID, c.RecordID)
	}

	key := c.Table + "/" + c.RecordID
	res := conflict.Merge(m.records[key], incoming)
	if err := res.Err(); err != nil {
		return err
	}
	if res.Winner == conflict.WinnerLocal {
		// The stored state already dominates; nothing new to publish.
		return nil
	}
	res.Record.Synced = true
	m.records[key] = res.Record
	m.tables[key] = c.Table
	m.log = append(m.log, key)
	return nil
}

// PullChanges implements syncengine.Transport. since is the log sequence
// returned by the previous pull; "" starts from the beginning.
func (m *Memory) PullChanges(ctx context.Context, since string) (syncengine.PullResult, error) {
	if err := ctx.Err(); err != nil {
		return syncengine.PullResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return syncengine.PullResult{}, errOffline
	}

	start := 0
	if since != "" {
		n, err := strconv.Atoi(since)
		if err != nil || n < 0 {
			return syncengine.PullResult{}, fmt.Errorf("invalid checkpoint %q", since)
		}
		start = min(n, len(m.log))
	}
	end := min(start+m.pageSize, len(m.log))

	out := syncengine.PullResult{Checkpoint: strconv.Itoa(end), More: end < len(m.log)}
	seen := make(map[string]bool)
	// Later log entries for the same record carry the same latest state.
	for _, key := range m.log[start:end] {
		if seen[key] {
			continue
		}
		seen[key] = true
		data, err := m.records[key].Encode()
		if err != nil {
			return syncengine.PullResult{}, err
		}
		out.Changes = append(out.Changes, syncengine.RemoteChange{Table: m.tables[key], Record: json.RawMessage(data)})
	}
	return out, nil
}

// Put seeds the peer with a record as if another device uploaded it.
func (m *Memory) Put(table string, r *record.Record) error {
	data, err := r.Encode()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acceptLocked(syncengine.Change{Table: table, RecordID: r.ID, Record: data})
}

// Get returns a copy of the stored record.
func (m *Memory) Get(table, id string) (*record.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[table+"/"+id]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// Len returns the number of distinct records held.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
