// Package audit maintains the append-only, hash-chained audit log.
//
// Each event's hash is SHA-256 over the canonical JSON of its content plus
// the previous event's hash, so editing, dropping or reordering a stored
// event is detectable by VerifyChain. There is no update or delete.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/roach88/fieldsync/internal/clock"
	"github.com/roach88/fieldsync/internal/layered"
	"github.com/roach88/fieldsync/internal/record"
	"github.com/roach88/fieldsync/internal/store"
)

// GenesisHash is the prev_hash of the first event.
var GenesisHash = strings.Repeat("0", 64)

// ErrAuditChainBroken means stored events no longer form a valid chain.
var ErrAuditChainBroken = errors.New("audit chain broken")

// Event is one immutable audit entry.
type Event struct {
	ID         int64          `json:"id"`
	Timestamp  int64          `json:"timestamp"`
	Actor      string         `json:"actor"`
	Action     string         `json:"action"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload"`
	PrevHash   string         `json:"prev_hash"`
	Hash       string         `json:"hash"`
}

// ContentHash computes the hash of e from its content and PrevHash.
// ID and Hash are not part of the content.
func ContentHash(e Event) (string, error) {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return record.HashCanonical(map[string]any{
		"timestamp":   e.Timestamp,
		"actor":       e.Actor,
		"action":      e.Action,
		"entity_type": e.EntityType,
		"entity_id":   e.EntityID,
		"payload":     payload,
		"prev_hash":   e.PrevHash,
	})
}

// Verification is the result of VerifyChain. BrokenAt is -1 for a valid
// chain.
type Verification struct {
	Valid    bool   `json:"valid"`
	Length   int    `json:"length"`
	BrokenAt int64  `json:"broken_at"`
	Reason   string `json:"reason,omitempty"`
}

// Chain appends and verifies audit events stored in the layered store.
// Appends are serialized.
type Chain struct {
	ls    *layered.Store
	clock clock.Clock

	mu       sync.Mutex
	seq      *clock.Seq
	lastHash string
	loaded   bool
	broken   bool
}

// New creates a chain over ls. The tail is loaded lazily on first use.
func New(ls *layered.Store, c clock.Clock) *Chain {
	if c == nil {
		c = clock.System{}
	}
	return &Chain{ls: ls, clock: c}
}

func eventKey(id int64) string {
	return fmt.Sprintf("%020d", id)
}

// Append stamps e with the next id, the current time (when e.Timestamp is
// zero) and its hash, then stores it. Appending to a chain known to be
// broken is refused.
func (c *Chain) Append(ctx context.Context, e Event) (Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.loadLocked(ctx); err != nil {
		return Event{}, err
	}
	if c.broken {
		return Event{}, fmt.Errorf("append: %w", ErrAuditChainBroken)
	}

	e.ID = c.seq.Current()
	if e.Timestamp == 0 {
		e.Timestamp = clock.Millis(c.clock)
	}
	if e.Payload == nil {
		e.Payload = map[string]any{}
	}
	e.PrevHash = c.lastHash
	hash, err := ContentHash(e)
	if err != nil {
		return Event{}, fmt.Errorf("append: %w", err)
	}
	e.Hash = hash

	// Events are read from Layer 1 only; mirroring them would fill the
	// backup quota and rewrite the backup file on every append.
	if _, err := c.ls.WriteAtomic(ctx, store.AuditTable, eventKey(e.ID), e, layered.WriteOptions{SkipBackup: true}); err != nil {
		return Event{}, fmt.Errorf("append: %w", err)
	}
	c.seq.Next()
	c.lastHash = e.Hash

	slog.Debug("audit event appended",
		"id", e.ID,
		"action", e.Action,
		"entity_type", e.EntityType,
		"entity_id", e.EntityID)
	return e, nil
}

// loadLocked resumes the sequence and last hash from storage.
func (c *Chain) loadLocked(ctx context.Context) error {
	if c.loaded {
		return nil
	}
	events, err := c.events(ctx)
	if err != nil {
		return fmt.Errorf("load audit tail: %w", err)
	}
	c.seq = clock.NewSeqAt(int64(len(events)))
	c.lastHash = GenesisHash
	if n := len(events); n > 0 {
		last := events[n-1]
		if last.ID != int64(n-1) {
			c.broken = true
		}
		c.lastHash = last.Hash
	}
	c.loaded = true
	return nil
}

// Events returns every stored event in order.
func (c *Chain) Events(ctx context.Context) ([]Event, error) {
	return c.events(ctx)
}

func (c *Chain) events(ctx context.Context) ([]Event, error) {
	docs, err := c.ls.List(ctx, store.AuditTable)
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(docs))
	for _, d := range docs {
		var e Event
		dec := json.NewDecoder(bytes.NewReader(d.Data))
		dec.UseNumber()
		if err := dec.Decode(&e); err != nil {
			return nil, fmt.Errorf("decode audit event %s: %w", d.ID, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// VerifyChain walks the events in order, recomputing every hash and checking
// every link. On a break it returns the index of the first bad event and an
// error wrapping ErrAuditChainBroken; afterwards Append refuses new events.
func (c *Chain) VerifyChain(ctx context.Context) (Verification, error) {
	events, err := c.events(ctx)
	if err != nil {
		return Verification{}, fmt.Errorf("verify chain: %w", err)
	}

	v := verify(events)

	c.mu.Lock()
	c.broken = !v.Valid
	c.mu.Unlock()

	if !v.Valid {
		slog.Error("audit chain broken",
			"index", v.BrokenAt,
			"reason", v.Reason,
			"length", v.Length)
		return v, fmt.Errorf("%w at index %d: %s", ErrAuditChainBroken, v.BrokenAt, v.Reason)
	}
	return v, nil
}

// Broken reports whether the last verification (or load) found a break.
func (c *Chain) Broken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broken
}

func verify(events []Event) Verification {
	prev := GenesisHash
	for i, e := range events {
		idx := int64(i)
		fail := func(reason string) Verification {
			return Verification{Length: len(events), BrokenAt: idx, Reason: reason}
		}
		if e.ID != idx {
			return fail(fmt.Sprintf("sequence gap: expected id %d, found %d", idx, e.ID))
		}
		if e.PrevHash != prev {
			return fail("prev_hash does not match previous event")
		}
		hash, err := ContentHash(e)
		if err != nil {
			return fail(err.Error())
		}
		if hash != e.Hash {
			return fail("hash does not match content")
		}
		prev = e.Hash
	}
	return Verification{Valid: true, Length: len(events), BrokenAt: -1}
}
