package mongo

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tazhate/repobot/internal/storage"
	"github.com/tazhate/repobot/internal/storage/storagetest"
)

// Integration tests run only when TEST_MONGO_URI points at a disposable server.
func TestStore(t *testing.T) {
	uri := os.Getenv("TEST_MONGO_URI")
	if uri == "" {
		t.Skip("TEST_MONGO_URI not set")
	}

	n := 0
	storagetest.Run(t, func(t *testing.T) storage.Store {
		n++
		s, err := Open(context.Background(), uri, fmt.Sprintf("repobot_test_%d_%d", time.Now().UnixNano(), n))
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = s.Drop(context.Background())
			_ = s.Close()
		})
		return s
	})
}
