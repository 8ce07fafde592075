package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tazhate/repobot/internal/storage"
	"github.com/tazhate/repobot/internal/storage/storagetest"
)

func TestStorage(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		s, err := New(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestStorage_FileReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "repobot.db")

	s, err := New(path)
	require.NoError(t, err)
	_, err = s.EnsureUser(t.Context(), 77)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = New(path)
	require.NoError(t, err)
	defer s.Close()

	u, err := s.GetUser(t.Context(), 77)
	require.NoError(t, err)
	require.Equal(t, int64(77), u.ID)
}
