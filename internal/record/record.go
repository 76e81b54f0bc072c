package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
)

// FieldVersion records who last changed a field and at which per-field version.
type FieldVersion struct {
	Version   int64  `json:"version"`
	Device    string `json:"device"`
	Timestamp int64  `json:"timestamp"` // epoch millis
}

// Record is a tenant-scoped business entity as stored in every layer.
//
// Metadata lives at the top level; business values live under Fields and are
// the only input to the checksum.
type Record struct {
	ID            string                  `json:"id"`
	TenantID      string                  `json:"tenant_id"`
	CreatedAt     int64                   `json:"created_at"`
	UpdatedAt     int64                   `json:"updated_at"`
	VersionVector VersionVector           `json:"version_vector"`
	FieldVersions map[string]FieldVersion `json:"field_versions,omitempty"`
	Synced        bool                    `json:"synced"`
	Deleted       bool                    `json:"deleted,omitempty"`
	Checksum      string                  `json:"checksum"`
	Fields        map[string]any          `json:"fields"`
}

// New creates an unsealed record with empty vectors.
func New(id, tenantID string, fields map[string]any) *Record {
	if fields == nil {
		fields = map[string]any{}
	}
	return &Record{
		ID:            id,
		TenantID:      tenantID,
		VersionVector: VersionVector{},
		FieldVersions: map[string]FieldVersion{},
		Fields:        fields,
	}
}

// Decode parses a stored record. Numbers inside Fields are kept as
// json.Number so checksums are stable across round-trips.
func Decode(data []byte) (*Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var r Record
	if err := dec.Decode(&r); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	if r.VersionVector == nil {
		r.VersionVector = VersionVector{}
	}
	if r.FieldVersions == nil {
		r.FieldVersions = map[string]FieldVersion{}
	}
	if r.Fields == nil {
		r.Fields = map[string]any{}
	}
	return &r, nil
}

// Encode serializes the record for storage.
func (r *Record) Encode() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return data, nil
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	data, err := r.Encode()
	if err != nil {
		// Fields that cannot be encoded cannot have been stored either; fall
		// back to a shallow copy of the containers.
		c := *r
		c.VersionVector = r.VersionVector.Clone()
		c.FieldVersions = maps.Clone(r.FieldVersions)
		c.Fields = maps.Clone(r.Fields)
		return &c
	}
	c, err := Decode(data)
	if err != nil {
		panic(fmt.Sprintf("record: clone round-trip failed: %v", err))
	}
	return c
}

// Seal recomputes and stores the checksum.
func (r *Record) Seal() error {
	sum, err := ComputeChecksum(r.Fields)
	if err != nil {
		return err
	}
	r.Checksum = sum
	return nil
}

// Verify checks the stored checksum against a fresh recomputation.
// Returns an error wrapping ErrChecksumMismatch on corruption.
func (r *Record) Verify() error {
	sum, err := ComputeChecksum(r.Fields)
	if err != nil {
		return err
	}
	if sum != r.Checksum {
		return fmt.Errorf("%w: record %s has %q, computed %q", ErrChecksumMismatch, r.ID, r.Checksum, sum)
	}
	return nil
}

// ApplyChanges stamps a local mutation made by device at now (epoch millis).
//
// Only fields whose canonical value actually changes are touched. The
// device's own vector component is bumped once per call and per-field
// versions advance for fields that isMutable accepts. Returns the names of
// changed fields in canonical order. The checksum is resealed when anything
// changed.
func (r *Record) ApplyChanges(device string, now int64, changes map[string]any, isMutable func(string) bool) ([]string, error) {
	var changed []string
	for _, name := range SortedKeys(changes) {
		next := changes[name]
		if prev, ok := r.Fields[name]; ok {
			same, err := Equal(prev, next)
			if err != nil {
				return nil, fmt.Errorf("compare field %q: %w", name, err)
			}
			if same {
				continue
			}
		}
		r.Fields[name] = next
		changed = append(changed, name)
		if isMutable != nil && isMutable(name) {
			fv := r.FieldVersions[name]
			r.FieldVersions[name] = FieldVersion{
				Version:   fv.Version + 1,
				Device:    device,
				Timestamp: now,
			}
		}
	}
	if len(changed) == 0 {
		return nil, nil
	}
	r.touch(device, now)
	return changed, r.Seal()
}

// MarkDeleted turns the record into a tombstone owned by device.
func (r *Record) MarkDeleted(device string, now int64) error {
	if r.Deleted {
		return nil
	}
	r.Deleted = true
	r.touch(device, now)
	return r.Seal()
}

func (r *Record) touch(device string, now int64) {
	if r.VersionVector == nil {
		r.VersionVector = VersionVector{}
	}
	r.VersionVector.Increment(device)
	if r.CreatedAt == 0 {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	r.Synced = false
}

// Equal reports whether two field values have the same canonical encoding.
func Equal(a, b any) (bool, error) {
	ab, err := MarshalCanonical(a)
	if err != nil {
		return false, err
	}
	bb, err := MarshalCanonical(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ab, bb), nil
}
