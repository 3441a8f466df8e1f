package storage

import (
	"io"
	"strings"
	"testing"

	"github.com/plotline/plotline/internal/config"
	datasetdomain "github.com/plotline/plotline/internal/dataset/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(Params{
		Config: config.Config{DataDir: t.TempDir()},
		Log:    zap.NewNop(),
	})
	require.NoError(t, err)
	return store
}

func TestSaveAndOpenRoundTrip(t *testing.T) {
	store := newTestStore(t)
	payload := strings.Repeat("name,lat,lng\nQuake,52.52,13.405\n", 100)

	key, size, err := store.Save(strings.NewReader(payload), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), size)

	rc, err := store.Open(key)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, payload, string(got))
}

func TestSaveEnforcesMaxBytes(t *testing.T) {
	store := newTestStore(t)

	_, _, err := store.Save(strings.NewReader("0123456789"), 5)
	assert.ErrorIs(t, err, datasetdomain.ErrFileTooLarge)

	// Exactly at the cap still passes.
	key, size, err := store.Save(strings.NewReader("01234"), 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)
	assert.NotEmpty(t, key)
}

func TestDeleteIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	key, _, err := store.Save(strings.NewReader("x"), 0)
	require.NoError(t, err)

	require.NoError(t, store.Delete(key))
	require.NoError(t, store.Delete(key))

	_, err = store.Open(key)
	assert.Error(t, err)
}
