package schema

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"slices"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

//go:embed entities.cue
var entitiesCUE []byte

// ErrUnknownEntity is returned when a table name is not in the registry.
var ErrUnknownEntity = errors.New("unknown entity")

// identPattern restricts table and field names to what can be interpolated
// into SQL and JSON paths without quoting.
var identPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// reserved table names belong to the system tables of the primary store.
var reserved = map[string]bool{
	"audit_log":        true,
	"sync_queue":       true,
	"conflict_reviews": true,
	"meta":             true,
}

// Priority is the outbox tier of an entity. Lower drains first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority maps a tier name to its Priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "normal", "":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// AuditActions lists which mutations of an entity append to the audit chain.
type AuditActions struct {
	Create bool `json:"create"`
	Update bool `json:"update"`
	Delete bool `json:"delete"`
}

// Entity describes one business table.
type Entity struct {
	Table     string
	Priority  Priority
	Mutable   []string
	Sensitive []string
	Indexes   []string
	Audit     AuditActions
}

// IsMutable reports whether field carries a field version.
func (e Entity) IsMutable(field string) bool {
	return slices.Contains(e.Mutable, field)
}

// IsSensitive reports whether field is on the encryption allow-list.
func (e Entity) IsSensitive(field string) bool {
	return slices.Contains(e.Sensitive, field)
}

// IsIndexed reports whether field has an expression index.
func (e Entity) IsIndexed(field string) bool {
	return slices.Contains(e.Indexes, field)
}

// Audited reports whether the given operation (create, update, delete) is
// recorded in the audit chain.
func (e Entity) Audited(op string) bool {
	switch op {
	case "create":
		return e.Audit.Create
	case "update":
		return e.Audit.Update
	case "delete":
		return e.Audit.Delete
	}
	return false
}

// Registry is the immutable set of known entities.
type Registry struct {
	entities map[string]Entity
	tables   []string
}

// rawEntity mirrors #Entity for decoding.
type rawEntity struct {
	Table     string       `json:"table"`
	Priority  string       `json:"priority"`
	Mutable   []string     `json:"mutable"`
	Sensitive []string     `json:"sensitive"`
	Indexes   []string     `json:"indexes"`
	Audit     AuditActions `json:"audit"`
}

// Default returns the built-in registry.
func Default() (*Registry, error) {
	return Parse(entitiesCUE)
}

// Load returns the built-in registry unified with the CUE file at
// overridePath. An empty path returns the built-in registry.
func Load(overridePath string) (*Registry, error) {
	if overridePath == "" {
		return Default()
	}
	data, err := os.ReadFile(overridePath)
	if err != nil {
		return nil, fmt.Errorf("read schema override: %w", err)
	}
	return Parse(entitiesCUE, data)
}

// Parse compiles src and unifies each override on top of it. Overrides may
// add entities or narrow defaults; conflicting values are errors.
func Parse(src []byte, overrides ...[]byte) (*Registry, error) {
	ctx := cuecontext.New()

	v := ctx.CompileBytes(src, cue.Filename("entities.cue"))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	for i, o := range overrides {
		ov := ctx.CompileBytes(o, cue.Filename(fmt.Sprintf("override-%d.cue", i)))
		if err := ov.Err(); err != nil {
			return nil, formatCUEError(err)
		}
		v = v.Unify(ov)
	}

	entitiesVal := v.LookupPath(cue.ParsePath("entities"))
	if !entitiesVal.Exists() {
		return nil, &Error{Field: "entities", Message: "entities is required", Pos: v.Pos()}
	}
	if err := entitiesVal.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	var raw map[string]rawEntity
	if err := entitiesVal.Decode(&raw); err != nil {
		return nil, formatCUEError(err)
	}
	if len(raw) == 0 {
		return nil, &Error{Field: "entities", Message: "at least one entity is required", Pos: entitiesVal.Pos()}
	}

	r := &Registry{entities: make(map[string]Entity, len(raw))}
	for name, re := range raw {
		e, err := buildEntity(name, re)
		if err != nil {
			return nil, err
		}
		r.entities[name] = e
		r.tables = append(r.tables, name)
	}
	sort.Strings(r.tables)
	return r, nil
}

func buildEntity(name string, re rawEntity) (Entity, error) {
	field := "entities." + name
	if !identPattern.MatchString(name) {
		return Entity{}, &Error{Field: field, Message: "table name must match " + identPattern.String()}
	}
	if reserved[name] {
		return Entity{}, &Error{Field: field, Message: "table name is reserved"}
	}
	prio, err := ParsePriority(re.Priority)
	if err != nil {
		return Entity{}, &Error{Field: field + ".priority", Message: err.Error()}
	}

	for _, group := range [][]string{re.Mutable, re.Sensitive, re.Indexes} {
		for _, f := range group {
			if !identPattern.MatchString(f) {
				return Entity{}, &Error{Field: field, Message: fmt.Sprintf("field name %q must match %s", f, identPattern)}
			}
		}
	}
	for _, f := range re.Indexes {
		if slices.Contains(re.Sensitive, f) {
			return Entity{}, &Error{Field: field + ".indexes", Message: fmt.Sprintf("sensitive field %q cannot be indexed", f)}
		}
	}

	return Entity{
		Table:     name,
		Priority:  prio,
		Mutable:   slices.Clone(re.Mutable),
		Sensitive: slices.Clone(re.Sensitive),
		Indexes:   slices.Clone(re.Indexes),
		Audit:     re.Audit,
	}, nil
}

// Entity returns the entity for table.
func (r *Registry) Entity(table string) (Entity, bool) {
	e, ok := r.entities[table]
	return e, ok
}

// Lookup is like Entity but returns an error wrapping ErrUnknownEntity.
func (r *Registry) Lookup(table string) (Entity, error) {
	e, ok := r.entities[table]
	if !ok {
		return Entity{}, fmt.Errorf("%w: %q", ErrUnknownEntity, table)
	}
	return e, nil
}

// Tables returns entity table names in sorted order.
func (r *Registry) Tables() []string {
	return slices.Clone(r.tables)
}

// Error is a registry error with an optional CUE source position.
type Error struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *Error) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		return &Error{Field: "cue", Message: first.Error(), Pos: positions[0]}
	}
	return err
}
