package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunWithGolden_ConcurrentFieldEdits(t *testing.T) {
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", "concurrent_field_edits.yaml"))
	require.NoError(t, err)

	result, err := RunWithGolden(t, s)
	require.NoError(t, err)
	require.True(t, result.Pass)
}

func TestAssertGolden_NoSnapshot(t *testing.T) {
	err := AssertGolden(t, "missing", NewResult("missing"))
	require.Error(t, err)
}
