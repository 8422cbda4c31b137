package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ble-bridge/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteDeviceStore {
	t.Helper()
	s, err := NewSQLiteDeviceStore(filepath.Join(t.TempDir(), "devices.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveListDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, domain.Device{
		ID:           "D1",
		Name:         "Polar H10",
		ServiceUUIDs: []string{"0000180D-0000-1000-8000-00805F9B34FB"},
	}))
	require.NoError(t, s.Save(ctx, domain.Device{ID: "D2", Name: "Thermo"}))

	devices, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "D1", devices[0].ID)
	assert.Equal(t, []string{"0000180D-0000-1000-8000-00805F9B34FB"}, devices[0].ServiceUUIDs)
	assert.False(t, devices[0].Connected, "connection state is never persisted")

	require.NoError(t, s.Delete(ctx, "D1"))
	devices, err = s.List(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "D2", devices[0].ID)

	// Deleting an absent row is a no-op.
	require.NoError(t, s.Delete(ctx, "D1"))
}

func TestSaveUpserts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, domain.Device{ID: "D1", Name: "Old Name"}))
	require.NoError(t, s.Save(ctx, domain.Device{ID: "D1", Name: "New Name", ServiceUUIDs: []string{"180d"}}))

	devices, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "New Name", devices[0].Name)
	assert.Equal(t, []string{"180d"}, devices[0].ServiceUUIDs)
}

func TestEmptyStore(t *testing.T) {
	s := newTestStore(t)
	devices, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, devices)
}
