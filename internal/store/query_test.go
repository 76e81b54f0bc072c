package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileQuery(t *testing.T) {
	tests := []struct {
		name   string
		query  Query
		sql    string
		params []any
	}{
		{
			name:  "table only",
			query: Query{Table: "clients"},
			sql: "SELECT id, tenant_id, doc, checksum, synced, updated_at FROM clients" +
				" WHERE COALESCE(json_extract(doc, '$.deleted'), 0) = 0 ORDER BY id ASC COLLATE BINARY",
		},
		{
			name:  "tenant and field",
			query: Query{Table: "clients", TenantID: "tenant-1", Filter: Eq{Field: "estado", Value: "activo"}, IncludeDeleted: true},
			sql: "SELECT id, tenant_id, doc, checksum, synced, updated_at FROM clients" +
				" WHERE tenant_id = ? AND json_extract(doc, '$.fields.estado') = ? ORDER BY id ASC COLLATE BINARY",
			params: []any{"tenant-1", "activo"},
		},
		{
			name: "and with in, header column and limit",
			query: Query{
				Table: "credits",
				Filter: And{Predicates: []Predicate{
					In{Field: "estado", Values: []any{"activo", "mora"}},
					Eq{Field: "synced", Value: false},
					Eq{Field: "saldo", Value: json.Number("10")},
				}},
				IncludeDeleted: true,
				Limit:          5,
			},
			sql: "SELECT id, tenant_id, doc, checksum, synced, updated_at FROM credits" +
				" WHERE (json_extract(doc, '$.fields.estado') IN (?, ?)) AND (synced = ?)" +
				" AND (json_extract(doc, '$.fields.saldo') = ?) ORDER BY id ASC COLLATE BINARY LIMIT ?",
			params: []any{"activo", "mora", 0, int64(10), 5},
		},
		{
			name:  "null and empty in",
			query: Query{Table: "clients", Filter: And{Predicates: []Predicate{Eq{Field: "notas"}, In{Field: "ruta_id"}}}, IncludeDeleted: true},
			sql: "SELECT id, tenant_id, doc, checksum, synced, updated_at FROM clients" +
				" WHERE (json_extract(doc, '$.fields.notas') IS NULL) AND (1 = 0) ORDER BY id ASC COLLATE BINARY",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, params, err := CompileQuery(tt.query)
			require.NoError(t, err)
			assert.Equal(t, tt.sql, sql)
			assert.Equal(t, tt.params, params)
		})
	}
}

func TestCompileQuery_Errors(t *testing.T) {
	_, _, err := CompileQuery(Query{Table: "clients x"})
	assert.Error(t, err)

	_, _, err = CompileQuery(Query{Table: "clients", Filter: Eq{Field: "a'b", Value: 1}})
	assert.Error(t, err)

	_, _, err = CompileQuery(Query{Table: "clients", Filter: Eq{Field: "a", Value: []any{1}}})
	assert.Error(t, err)
}

func TestQueryDocs_CompoundTenantQuery(t *testing.T) {
	s := createTestStore(t, "clients")
	ctx := context.Background()

	require.NoError(t, s.PutDoc(ctx, "clients", "c-1", clientDoc("c-1", "tenant-1", "activo")))
	require.NoError(t, s.PutDoc(ctx, "clients", "c-2", clientDoc("c-2", "tenant-1", "inactivo")))
	require.NoError(t, s.PutDoc(ctx, "clients", "c-3", clientDoc("c-3", "tenant-2", "activo")))

	docs, err := s.QueryDocs(ctx, Query{
		Table:    "clients",
		TenantID: "tenant-1",
		Filter:   Eq{Field: "estado", Value: "activo"},
	})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "c-1", docs[0].ID)
}

func TestQueryDocs_UsesExpressionIndex(t *testing.T) {
	s := createTestStore(t, "clients")

	sql, params, err := CompileQuery(Query{Table: "clients", TenantID: "tenant-1", Filter: Eq{Field: "estado", Value: "activo"}})
	require.NoError(t, err)

	rows, err := s.db.Query("EXPLAIN QUERY PLAN "+sql, params...)
	require.NoError(t, err)
	defer rows.Close()

	var plan string
	for rows.Next() {
		var id, parent, unused int
		var detail string
		require.NoError(t, rows.Scan(&id, &parent, &unused, &detail))
		plan += detail + "\n"
	}
	assert.Contains(t, plan, "idx_clients_estado")
}

func TestQueryDocs_ExcludesTombstones(t *testing.T) {
	s := createTestStore(t, "clients")
	ctx := context.Background()

	require.NoError(t, s.PutDoc(ctx, "clients", "c-1", clientDoc("c-1", "tenant-1", "activo")))
	require.NoError(t, s.PutDoc(ctx, "clients", "c-2",
		[]byte(`{"id":"c-2","tenant_id":"tenant-1","deleted":true,"fields":{"estado":"activo"}}`)))

	docs, err := s.QueryDocs(ctx, Query{Table: "clients", TenantID: "tenant-1"})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "c-1", docs[0].ID)

	docs, err = s.QueryDocs(ctx, Query{Table: "clients", TenantID: "tenant-1", IncludeDeleted: true})
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}
