package harness

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/roach88/fieldsync/internal/audit"
	"github.com/roach88/fieldsync/internal/encryption"
	"github.com/roach88/fieldsync/internal/identity"
	"github.com/roach88/fieldsync/internal/layered"
	"github.com/roach88/fieldsync/internal/record"
	"github.com/roach88/fieldsync/internal/repository"
	"github.com/roach88/fieldsync/internal/schema"
	"github.com/roach88/fieldsync/internal/store"
	"github.com/roach88/fieldsync/internal/syncengine"
	"github.com/roach88/fieldsync/internal/testutil"
	"github.com/roach88/fieldsync/internal/transport"
)

// scenarioEpoch is the start of every device clock.
var scenarioEpoch = time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)

// keyIterations keeps PIN derivation fast; scenarios do not test key strength.
const keyIterations = 1000

// device is one simulated installation.
type device struct {
	id     string
	db     *store.Store
	ls     *layered.Store
	gate   *encryption.Gate
	chain  *audit.Chain
	repo   *repository.Repository
	engine *syncengine.Engine
	clock  *testutil.FakeClock
}

// Harness holds the devices and peer of one scenario run.
type Harness struct {
	scenario *Scenario
	registry *schema.Registry
	peer     *transport.Memory
	devices  map[string]*device
	order    []string
	touched  map[string]recordKey
	dir      string
}

type recordKey struct {
	table, id string
}

func (k recordKey) String() string { return k.table + "/" + k.id }

// Run executes a scenario in a fresh temporary directory and returns the
// result. Errors are reserved for setup failures; failed steps and
// assertions are reported in the Result.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	h, err := newHarness(ctx, scenario)
	if err != nil {
		return nil, err
	}
	defer h.close()

	result := NewResult(scenario.Name)
	for i, step := range scenario.Steps {
		if !h.runStep(ctx, i, step, result) {
			// Later steps and assertions are meaningless after an
			// unexpected failure.
			return result, nil
		}
		result.Steps++
	}

	for i, a := range scenario.Assertions {
		if err := h.check(ctx, a); err != nil {
			result.AddError(fmt.Sprintf("assertions[%d] (%s): %v", i, a.Type, err))
		}
	}

	snapshot, err := h.snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	result.Snapshot = snapshot
	return result, nil
}

func newHarness(ctx context.Context, scenario *Scenario) (*Harness, error) {
	registry, err := schema.Default()
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	dir, err := os.MkdirTemp("", "fieldsync-scenario-*")
	if err != nil {
		return nil, fmt.Errorf("create scenario dir: %w", err)
	}

	peer := transport.NewMemory()
	if scenario.PageSize > 0 {
		peer.SetPageSize(scenario.PageSize)
	}
	h := &Harness{
		scenario: scenario,
		registry: registry,
		peer:     peer,
		devices:  make(map[string]*device, len(scenario.Devices)),
		touched:  make(map[string]recordKey),
		dir:      dir,
	}
	for _, id := range scenario.Devices {
		d, err := h.newDevice(ctx, id)
		if err != nil {
			h.close()
			return nil, fmt.Errorf("device %s: %w", id, err)
		}
		h.devices[id] = d
		h.order = append(h.order, id)
	}
	return h, nil
}

func (h *Harness) newDevice(ctx context.Context, id string) (*device, error) {
	db, err := store.Open(filepath.Join(h.dir, id+".db"))
	if err != nil {
		return nil, err
	}
	if err := repository.Prepare(ctx, db, h.registry); err != nil {
		db.Close()
		return nil, err
	}

	clk := testutil.NewFakeClock(scenarioEpoch)
	ls := layered.New(db, nil, nil)
	gate := encryption.New(db, h.registry, encryption.WithIterations(keyIterations))
	if err := gate.InitializeWithPin(ctx, h.scenario.PIN); err != nil {
		db.Close()
		return nil, err
	}
	chain := audit.New(ls, clk)
	ident := identity.Static{Device: id, User: "cobrador-" + id, BearerKey: "scenario"}

	return &device{
		id:     id,
		db:     db,
		ls:     ls,
		gate:   gate,
		chain:  chain,
		repo:   repository.New(ls, h.registry, gate, chain, ident, repository.WithClock(clk)),
		engine: syncengine.New(ls, h.registry, h.peer, syncengine.WithClock(clk), syncengine.WithAuditChain(chain, "sync:"+id)),
		clock:  clk,
	}, nil
}

func (h *Harness) close() {
	for _, id := range h.order {
		d := h.devices[id]
		d.gate.ClearEncryptionKey()
		d.db.Close()
	}
	os.RemoveAll(h.dir)
}

// runStep executes one step and records a failure when the outcome does not
// match ExpectError. It reports whether the run may continue.
func (h *Harness) runStep(ctx context.Context, i int, step Step, result *Result) bool {
	err := h.apply(ctx, step)
	switch {
	case step.ExpectError && err == nil:
		result.AddError(fmt.Sprintf("steps[%d] (%s): expected an error, got none", i, step.kind()))
		return false
	case !step.ExpectError && err != nil:
		result.AddError(fmt.Sprintf("steps[%d] (%s): %v", i, step.kind(), err))
		return false
	}
	return true
}

func (h *Harness) apply(ctx context.Context, step Step) error {
	switch step.kind() {
	case "advance":
		for _, id := range h.order {
			h.devices[id].clock.Advance(step.Advance)
		}
		return nil
	case "backend":
		h.peer.SetOffline(step.Backend == "offline")
		return nil
	}

	d := h.devices[step.Device]
	switch {
	case step.Create != nil:
		w := step.Create
		h.touch(w)
		tenant := w.Tenant
		if tenant == "" {
			tenant = h.scenario.Tenant
		}
		_, err := d.repo.Create(ctx, w.Table, tenant, w.ID, w.Fields)
		return err
	case step.Update != nil:
		w := step.Update
		h.touch(w)
		_, err := d.repo.Update(ctx, w.Table, w.ID, w.Fields)
		return err
	case step.Delete != nil:
		w := step.Delete
		h.touch(w)
		return d.repo.Delete(ctx, w.Table, w.ID)
	case step.Sync != nil:
		_, err := d.engine.Sync(ctx, syncengine.SyncOptions{Force: step.Sync.Force})
		return err
	}
	return fmt.Errorf("empty step")
}

func (h *Harness) touch(w *WriteStep) {
	k := recordKey{table: w.Table, id: w.ID}
	h.touched[k.String()] = k
}

// raw reads a record, tombstones included, from a device or the peer.
func (h *Harness) raw(ctx context.Context, where string, k recordKey) (*record.Record, error) {
	if where == BackendDevice {
		rec, ok := h.peer.Get(k.table, k.id)
		if !ok {
			return nil, layered.ErrRecordNotFound
		}
		return rec, nil
	}
	res := h.devices[where].ls.ReadWithFallback(ctx, k.table, k.id)
	if !res.Success {
		return nil, res.Err
	}
	return record.Decode(res.Data)
}

func (h *Harness) check(ctx context.Context, a Assertion) error {
	switch a.Type {
	case AssertRecord:
		return h.checkRecord(ctx, a)
	case AssertConverged:
		return h.checkConverged(ctx, recordKey{table: a.Table, id: a.ID})
	case AssertQueueSize:
		n, err := h.devices[a.Device].engine.QueueSize(ctx)
		if err != nil {
			return err
		}
		if n != *a.Count {
			return fmt.Errorf("%s: queue size %d, expected %d", a.Device, n, *a.Count)
		}
	case AssertReviews:
		reviews, err := h.devices[a.Device].db.Reviews(ctx, false)
		if err != nil {
			return err
		}
		if len(reviews) != *a.Count {
			return fmt.Errorf("%s: %d open reviews, expected %d", a.Device, len(reviews), *a.Count)
		}
	case AssertAuditValid:
		if _, err := h.devices[a.Device].chain.VerifyChain(ctx); err != nil {
			return fmt.Errorf("%s: %w", a.Device, err)
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

func (h *Harness) checkRecord(ctx context.Context, a Assertion) error {
	k := recordKey{table: a.Table, id: a.ID}
	rec, err := h.raw(ctx, a.Device, k)
	if err != nil {
		return fmt.Errorf("%s: %s: %w", a.Device, k, err)
	}
	if a.Deleted != nil && rec.Deleted != *a.Deleted {
		return fmt.Errorf("%s: %s deleted=%t, expected %t", a.Device, k, rec.Deleted, *a.Deleted)
	}
	if len(a.Expect) == 0 {
		return nil
	}

	fields := rec.Fields
	if a.Device != BackendDevice {
		fields, err = h.devices[a.Device].gate.DecryptSensitiveFields(k.table, rec.Fields)
		if err != nil {
			return fmt.Errorf("%s: %w", a.Device, err)
		}
	}
	for _, name := range record.SortedKeys(a.Expect) {
		want := a.Expect[name]
		got, ok := fields[name]
		if !ok {
			return fmt.Errorf("%s: %s has no field %q", a.Device, k, name)
		}
		same, err := record.Equal(got, want)
		if err != nil {
			return fmt.Errorf("%s: %s.%s: %w", a.Device, k, name, err)
		}
		if !same {
			return fmt.Errorf("%s: %s.%s = %v, expected %v", a.Device, k, name, got, want)
		}
	}
	return nil
}

// checkConverged requires every device and the peer to hold the record with
// the same checksum, vector and tombstone flag.
func (h *Harness) checkConverged(ctx context.Context, k recordKey) error {
	ref, err := h.raw(ctx, BackendDevice, k)
	if err != nil {
		return fmt.Errorf("%s: %s: %w", BackendDevice, k, err)
	}
	for _, id := range h.order {
		rec, err := h.raw(ctx, id, k)
		if err != nil {
			return fmt.Errorf("%s: %s: %w", id, k, err)
		}
		switch {
		case rec.Checksum != ref.Checksum:
			return fmt.Errorf("%s: %s checksum %s differs from backend %s", id, k, short(rec.Checksum), short(ref.Checksum))
		case rec.VersionVector.Compare(ref.VersionVector) != record.OrderEqual:
			return fmt.Errorf("%s: %s vector %v differs from backend %v", id, k, rec.VersionVector, ref.VersionVector)
		case rec.Deleted != ref.Deleted:
			return fmt.Errorf("%s: %s deleted=%t, backend deleted=%t", id, k, rec.Deleted, ref.Deleted)
		}
	}
	return nil
}

func short(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}

// encryptedMarker stands in for ciphertext, which differs on every run.
const encryptedMarker = "<encrypted>"

// snapshot captures every touched record on every device and the peer.
func (h *Harness) snapshot(ctx context.Context) (map[string]any, error) {
	keys := record.SortedKeys(h.touched)

	capture := func(where string) (map[string]any, error) {
		out := make(map[string]any, len(keys))
		for _, name := range keys {
			k := h.touched[name]
			rec, err := h.raw(ctx, where, k)
			if errors.Is(err, layered.ErrRecordNotFound) {
				out[name] = map[string]any{"missing": true}
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("%s: %s: %w", where, name, err)
			}
			out[name] = h.recordState(k.table, rec)
		}
		return out, nil
	}

	backend, err := capture(BackendDevice)
	if err != nil {
		return nil, err
	}
	devices := make(map[string]any, len(h.order))
	for _, id := range h.order {
		state, err := capture(id)
		if err != nil {
			return nil, err
		}
		devices[id] = state
	}
	return map[string]any{
		"scenario": h.scenario.Name,
		"backend":  backend,
		"devices":  devices,
	}, nil
}

func (h *Harness) recordState(table string, rec *record.Record) map[string]any {
	entity, _ := h.registry.Entity(table)
	fields := make(map[string]any, len(rec.Fields))
	for name, v := range rec.Fields {
		if entity.IsSensitive(name) && v != nil {
			v = encryptedMarker
		}
		fields[name] = v
	}
	return map[string]any{
		"deleted":        rec.Deleted,
		"fields":         fields,
		"version_vector": rec.VersionVector,
	}
}

