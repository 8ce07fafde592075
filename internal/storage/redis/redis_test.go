package redis

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tazhate/repobot/internal/storage"
	"github.com/tazhate/repobot/internal/storage/storagetest"
)

// Integration tests run only when TEST_REDIS_ADDR points at a disposable server.
// Database 15 is flushed before every subtest.
func TestStore(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}

	storagetest.Run(t, func(t *testing.T) storage.Store {
		s, err := Open(context.Background(), addr, os.Getenv("TEST_REDIS_PASSWORD"), 15)
		require.NoError(t, err)
		require.NoError(t, s.client.FlushDB(context.Background()).Err())
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}
