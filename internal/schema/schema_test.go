package schema

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_LoadsBuiltInEntities(t *testing.T) {
	r, err := Default()
	require.NoError(t, err)

	assert.Equal(t, []string{
		"clients", "credit_products", "credits", "installments",
		"payments", "routes", "tenants", "users",
	}, r.Tables())

	payments, ok := r.Entity("payments")
	require.True(t, ok)
	assert.Equal(t, PriorityCritical, payments.Priority)
	assert.True(t, payments.Audited("create"))
	assert.True(t, payments.Audited("delete"))
	assert.True(t, payments.IsIndexed("credit_id"))

	clients, ok := r.Entity("clients")
	require.True(t, ok)
	assert.Equal(t, PriorityNormal, clients.Priority, "default tier")
	assert.True(t, clients.IsSensitive("documento"))
	assert.False(t, clients.IsSensitive("nombre"))
	assert.True(t, clients.IsMutable("estado"))
	assert.False(t, clients.Audited("create"))

	credits, err := r.Lookup("credits")
	require.NoError(t, err)
	assert.Equal(t, PriorityHigh, credits.Priority)
	assert.True(t, credits.Audited("create"), "disbursements are audited")
	assert.False(t, credits.Audited("delete"))
}

func TestLookup_UnknownEntity(t *testing.T) {
	r, err := Default()
	require.NoError(t, err)

	_, err = r.Lookup("invoices")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownEntity))
}

func TestParse_Override(t *testing.T) {
	override := []byte(`
entities: visits: {
	mutable: ["resultado"]
	indexes: ["cobrador_id"]
}
`)
	r, err := Parse(entitiesCUE, override)
	require.NoError(t, err)

	visits, ok := r.Entity("visits")
	require.True(t, ok)
	assert.Equal(t, "visits", visits.Table)
	assert.Equal(t, PriorityNormal, visits.Priority)
	assert.Equal(t, []string{"resultado"}, visits.Mutable)
	assert.Empty(t, visits.Sensitive)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"unknown priority", `entities: x: {table: "x", priority: "urgent"}`},
		{"sensitive index", `entities: x: {table: "x", sensitive: ["doc"], indexes: ["doc"]}`},
		{"bad field name", `entities: x: {table: "x", indexes: ["a-b"]}`},
		{"bad table name", `entities: "X y": {table: "X y"}`},
		{"reserved table", `entities: meta: {table: "meta"}`},
		{"no entities", `other: 1`},
		{"syntax", `entities: {`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.src))
			assert.Error(t, err)
		})
	}
}

func TestParse_ConflictingOverride(t *testing.T) {
	_, err := Parse(entitiesCUE, []byte(`entities: payments: priority: "low"`))
	assert.Error(t, err)
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "extra.cue")
	require.NoError(t, os.WriteFile(path, []byte(`entities: notes: {}`), 0o644))

	r, err := Load(path)
	require.NoError(t, err)
	_, ok := r.Entity("notes")
	assert.True(t, ok)

	_, err = Load(filepath.Join(t.TempDir(), "missing.cue"))
	assert.Error(t, err)
}

func TestParsePriority(t *testing.T) {
	for _, p := range []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow} {
		got, err := ParsePriority(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	_, err := ParsePriority("urgent")
	assert.Error(t, err)
}
