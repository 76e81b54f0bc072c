// Package conflict merges two replicas of a record deterministically.
//
// Merge is pure: it never touches storage. Callers persist the result
// through the layered store and treat RequiresReview as a reported
// condition, not a failure.
package conflict

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/roach88/fieldsync/internal/record"
)

// ErrRequiresReview marks a pair that must be inspected by a person.
var ErrRequiresReview = errors.New("conflict requires review")

// deletedKey is the virtual field carrying the tombstone flag during a
// field-level merge.
const deletedKey = "_deleted"

// Winner names the side whose state the merge result carries.
type Winner string

const (
	WinnerLocal  Winner = "local"
	WinnerRemote Winner = "remote"
	WinnerMerged Winner = "merged"
	WinnerNone   Winner = "none"
)

// Result is the outcome of Merge. Record is nil when RequiresReview is set.
type Result struct {
	Record         *record.Record
	Winner         Winner
	RequiresReview bool
	Reason         string
}

// Err returns an error wrapping ErrRequiresReview for review results, nil
// otherwise.
func (r Result) Err() error {
	if !r.RequiresReview {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrRequiresReview, r.Reason)
}

func review(format string, args ...any) Result {
	return Result{Winner: WinnerNone, RequiresReview: true, Reason: fmt.Sprintf(format, args...)}
}

// Merge reconciles local and remote. Either may be nil (record unknown on
// that side). The inputs are not modified.
//
// A side whose checksum does not match its own fields is never merged. A
// dominating (or equal) vector wins outright; concurrent vectors are merged
// field by field.
func Merge(local, remote *record.Record) Result {
	switch {
	case local == nil && remote == nil:
		return review("nothing to merge")
	case remote == nil:
		if err := local.Verify(); err != nil {
			return review("local: %v", err)
		}
		return Result{Record: local.Clone(), Winner: WinnerLocal}
	case local == nil:
		if err := remote.Verify(); err != nil {
			return review("remote: %v", err)
		}
		return Result{Record: remote.Clone(), Winner: WinnerRemote}
	}

	if err := local.Verify(); err != nil {
		return review("local: %v", err)
	}
	if err := remote.Verify(); err != nil {
		return review("remote: %v", err)
	}
	if local.ID != remote.ID {
		return review("id mismatch: local %q, remote %q", local.ID, remote.ID)
	}
	if local.TenantID != remote.TenantID {
		return review("tenant mismatch on %s: local %q, remote %q", local.ID, local.TenantID, remote.TenantID)
	}

	switch local.VersionVector.Compare(remote.VersionVector) {
	case record.OrderEqual, record.OrderAfter:
		return Result{Record: local.Clone(), Winner: WinnerLocal}
	case record.OrderBefore:
		return Result{Record: remote.Clone(), Winner: WinnerRemote}
	}
	return mergeFields(local, remote)
}

// side is one input of a field-level merge.
type side struct {
	rec     *record.Record
	fields  map[string]any
	version map[string]record.FieldVersion
}

func mergeFields(local, remote *record.Record) Result {
	l := side{rec: local, fields: withDeleted(local), version: local.FieldVersions}
	r := side{rec: remote, fields: withDeleted(remote), version: remote.FieldVersions}

	merged := record.New(local.ID, local.TenantID, map[string]any{})
	merged.VersionVector = local.VersionVector.Merge(remote.VersionVector)
	merged.CreatedAt = minNonZero(local.CreatedAt, remote.CreatedAt)
	merged.UpdatedAt = max(local.UpdatedAt, remote.UpdatedAt)

	for _, name := range unionKeys(&l, &r) {
		lv, lok := l.version[name]
		rv, rok := r.version[name]

		var (
			winner *side
			fv     record.FieldVersion
			err    error
		)
		switch {
		case lok && rok:
			winner, fv, err = pickVersioned(name, &l, &r, lv, rv)
		case lok:
			winner, fv = &l, lv
		case rok:
			winner, fv = &r, rv
		default:
			winner, err = pickUnversioned(name, &l, &r)
		}
		if err != nil {
			return review("%s/%s: %v", local.ID, name, err)
		}

		if lok || rok {
			merged.FieldVersions[name] = fv
		}
		if v, ok := winner.fields[name]; ok {
			merged.Fields[name] = v
		}
	}

	if d, ok := merged.Fields[deletedKey].(bool); ok {
		merged.Deleted = d
	}
	delete(merged.Fields, deletedKey)
	merged = merged.Clone() // detach values shared with the inputs
	if err := merged.Seal(); err != nil {
		return review("%s: reseal: %v", local.ID, err)
	}
	return Result{Record: merged, Winner: WinnerMerged}
}

// pickVersioned applies higher version, then later timestamp, then greater
// device. A full tie with different values cannot be broken.
func pickVersioned(name string, l, r *side, lv, rv record.FieldVersion) (*side, record.FieldVersion, error) {
	switch {
	case lv.Version != rv.Version:
		if lv.Version > rv.Version {
			return l, lv, nil
		}
		return r, rv, nil
	case lv.Timestamp != rv.Timestamp:
		if lv.Timestamp > rv.Timestamp {
			return l, lv, nil
		}
		return r, rv, nil
	case lv.Device != rv.Device:
		if lv.Device > rv.Device {
			return l, lv, nil
		}
		return r, rv, nil
	}

	lval, lok := l.fields[name]
	rval, rok := r.fields[name]
	if lok != rok {
		return nil, record.FieldVersion{}, fmt.Errorf("identical field version %+v, value present on one side only", lv)
	}
	same, err := record.Equal(lval, rval)
	if err != nil {
		return nil, record.FieldVersion{}, err
	}
	if !same {
		return nil, record.FieldVersion{}, fmt.Errorf("identical field version %+v with different values", lv)
	}
	return l, lv, nil
}

// pickUnversioned resolves fields without field versions: a one-sided value
// is kept, disagreement goes to the side updated later, then to the greater
// canonical encoding. The tombstone wins an exact tie.
func pickUnversioned(name string, l, r *side) (*side, error) {
	lval, lok := l.fields[name]
	rval, rok := r.fields[name]
	switch {
	case !rok:
		return l, nil
	case !lok:
		return r, nil
	}

	lb, err := record.MarshalCanonical(lval)
	if err != nil {
		return nil, err
	}
	rb, err := record.MarshalCanonical(rval)
	if err != nil {
		return nil, err
	}
	if bytes.Equal(lb, rb) {
		return l, nil
	}

	switch {
	case l.rec.UpdatedAt > r.rec.UpdatedAt:
		return l, nil
	case r.rec.UpdatedAt > l.rec.UpdatedAt:
		return r, nil
	case name == deletedKey:
		if lval == true {
			return l, nil
		}
		return r, nil
	case bytes.Compare(lb, rb) > 0:
		return l, nil
	default:
		return r, nil
	}
}

// withDeleted returns the record's fields plus the virtual tombstone flag.
func withDeleted(r *record.Record) map[string]any {
	out := make(map[string]any, len(r.Fields)+1)
	for k, v := range r.Fields {
		out[k] = v
	}
	out[deletedKey] = r.Deleted
	return out
}

// unionKeys lists every field name known to either side, versioned or not.
func unionKeys(l, r *side) []string {
	u := make(map[string]struct{})
	for _, s := range []*side{l, r} {
		for k := range s.fields {
			u[k] = struct{}{}
		}
		for k := range s.version {
			u[k] = struct{}{}
		}
	}
	return record.SortedKeys(u)
}

func minNonZero(a, b int64) int64 {
	switch {
	case a == 0:
		return b
	case b == 0:
		return a
	default:
		return min(a, b)
	}
}
