package record

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeChecksum_EmptyFields(t *testing.T) {
	// sha256("{}")
	const emptyObject = "44136fa355b3678a1146ad16f7e8649e94fb4fc21fe77e8310c060f61caaff8a"
	assert.Equal(t, emptyObject, MustChecksum(nil))
	assert.Equal(t, emptyObject, MustChecksum(map[string]any{}))
}

func TestRecord_SealAndVerify(t *testing.T) {
	r := New("client-1", "tenant-1", map[string]any{"estado": "activo"})
	require.NoError(t, r.Seal())
	require.NoError(t, r.Verify())

	r.Fields["estado"] = "inactivo"
	err := r.Verify()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrChecksumMismatch))
}

func TestRecord_ApplyChanges(t *testing.T) {
	mutable := func(name string) bool { return name != "documento" }

	r := New("client-1", "tenant-1", map[string]any{})
	changed, err := r.ApplyChanges("dev-A", 1000, map[string]any{
		"nombre":    "Ana",
		"documento": "123",
	}, mutable)
	require.NoError(t, err)

	assert.Equal(t, []string{"documento", "nombre"}, changed)
	assert.Equal(t, VersionVector{"dev-A": 1}, r.VersionVector)
	assert.Equal(t, FieldVersion{Version: 1, Device: "dev-A", Timestamp: 1000}, r.FieldVersions["nombre"])
	_, versioned := r.FieldVersions["documento"]
	assert.False(t, versioned, "immutable fields carry no field version")
	assert.Equal(t, int64(1000), r.CreatedAt)
	assert.Equal(t, int64(1000), r.UpdatedAt)
	assert.False(t, r.Synced)
	require.NoError(t, r.Verify())

	// Second device edits one field.
	changed, err = r.ApplyChanges("dev-B", 2000, map[string]any{"nombre": "Ana Mar\u00eda", "documento": "123"}, mutable)
	require.NoError(t, err)
	assert.Equal(t, []string{"nombre"}, changed)
	assert.Equal(t, VersionVector{"dev-A": 1, "dev-B": 1}, r.VersionVector)
	assert.Equal(t, FieldVersion{Version: 2, Device: "dev-B", Timestamp: 2000}, r.FieldVersions["nombre"])
	assert.Equal(t, int64(1000), r.CreatedAt)
}

func TestRecord_ApplyChanges_NoopLeavesVectorAlone(t *testing.T) {
	r := New("client-1", "tenant-1", map[string]any{"cuotas": 12})
	r.VersionVector = VersionVector{"dev-A": 3}
	require.NoError(t, r.Seal())

	changed, err := r.ApplyChanges("dev-A", 5000, map[string]any{"cuotas": 12.0}, nil)
	require.NoError(t, err)
	assert.Empty(t, changed)
	assert.Equal(t, VersionVector{"dev-A": 3}, r.VersionVector)
}

func TestRecord_MarkDeleted(t *testing.T) {
	r := New("pay-1", "tenant-1", map[string]any{"monto": 10})
	require.NoError(t, r.MarkDeleted("dev-A", 10))
	assert.True(t, r.Deleted)
	assert.Equal(t, int64(1), r.VersionVector["dev-A"])

	// Idempotent
	require.NoError(t, r.MarkDeleted("dev-A", 20))
	assert.Equal(t, int64(1), r.VersionVector["dev-A"])
}

func TestRecord_EncodeDecodeClone(t *testing.T) {
	r := New("credit-1", "tenant-1", map[string]any{"monto": 250000, "tasa": 2.5})
	r.VersionVector = VersionVector{"dev-A": 2}
	r.FieldVersions["monto"] = FieldVersion{Version: 2, Device: "dev-A", Timestamp: 99}
	require.NoError(t, r.Seal())

	c := r.Clone()
	require.NoError(t, c.Verify())
	assert.Equal(t, r.ID, c.ID)
	assert.Equal(t, r.VersionVector, c.VersionVector)
	assert.Equal(t, r.FieldVersions, c.FieldVersions)

	c.VersionVector.Increment("dev-B")
	assert.NotEqual(t, r.VersionVector, c.VersionVector, "clone must not share maps")
}

func TestDecode_Invalid(t *testing.T) {
	_, err := Decode([]byte("{not json"))
	assert.Error(t, err)
}
