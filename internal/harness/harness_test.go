package harness

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runFile(t *testing.T, name string) *Result {
	t.Helper()
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", name))
	require.NoError(t, err)
	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	return result
}

func runYAML(t *testing.T, src string) *Result {
	t.Helper()
	s, err := ParseScenario([]byte(src))
	require.NoError(t, err)
	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	return result
}

func TestRun_Testdata(t *testing.T) {
	for _, name := range []string{
		"concurrent_field_edits.yaml",
		"offline_outbox.yaml",
		"delete_propagates.yaml",
	} {
		t.Run(name, func(t *testing.T) {
			result := runFile(t, name)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
			assert.Empty(t, result.Errors)
			assert.NotNil(t, result.Snapshot)
		})
	}
}

func TestRun_FailedAssertionIsReported(t *testing.T) {
	result := runYAML(t, `
name: wrong_expectation
description: "Expects a value nobody wrote"
devices: [dev-A]
steps:
  - device: dev-A
    create: {table: installments, id: i-1, fields: {estado: pendiente}}
assertions:
  - type: record
    device: dev-A
    table: installments
    id: i-1
    expect: {estado: pagada}
  - type: queue_size
    device: dev-A
    count: 1
`)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "assertions[0] (record)")
	assert.Contains(t, result.Errors[0], "estado")
	assert.Equal(t, 1, result.Steps)
}

func TestRun_UnexpectedStepErrorStops(t *testing.T) {
	result := runYAML(t, `
name: update_missing
description: "Updating an unknown record fails"
devices: [dev-A]
steps:
  - device: dev-A
    update: {table: installments, id: nope, fields: {estado: pagada}}
  - device: dev-A
    sync: {}
assertions:
  - type: queue_size
    device: dev-A
    count: 0
`)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "steps[0] (update)")
	assert.Zero(t, result.Steps)
	assert.Nil(t, result.Snapshot)
}

func TestRun_ExpectedErrorThatDoesNotHappen(t *testing.T) {
	result := runYAML(t, `
name: sync_online
description: "A sync against a reachable backend succeeds"
devices: [dev-A]
steps:
  - device: dev-A
    sync: {}
    expect_error: true
assertions:
  - type: audit_valid
    device: dev-A
`)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "expected an error")
}

func TestRun_NotConvergedWithoutSync(t *testing.T) {
	result := runYAML(t, `
name: never_synced
description: "A record that never left its device"
devices: [dev-A]
steps:
  - device: dev-A
    create: {table: installments, id: i-1, fields: {estado: pendiente}}
assertions:
  - type: converged
    table: installments
    id: i-1
`)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "backend")
}

func TestRun_SnapshotMasksSensitiveFields(t *testing.T) {
	result := runYAML(t, `
name: client_snapshot
description: "Sensitive client fields never appear in clear"
devices: [dev-A, dev-B]
steps:
  - device: dev-A
    create:
      table: clients
      id: cl-1
      fields: {nombre: Ana, documento: "1234567", estado: activo}
  - device: dev-A
    sync: {}
assertions:
  - type: record
    device: dev-A
    table: clients
    id: cl-1
    expect: {documento: "1234567", nombre: Ana}
`)
	require.True(t, result.Pass, "errors: %v", result.Errors)

	backend := result.Snapshot["backend"].(map[string]any)["clients/cl-1"].(map[string]any)
	fields := backend["fields"].(map[string]any)
	assert.Equal(t, encryptedMarker, fields["documento"])
	assert.Equal(t, "Ana", fields["nombre"])

	devices := result.Snapshot["devices"].(map[string]any)
	missing := devices["dev-B"].(map[string]any)["clients/cl-1"].(map[string]any)
	assert.Equal(t, true, missing["missing"])
}
