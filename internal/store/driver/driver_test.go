package driver

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/internal/config"
)

func TestOpenSQLite(t *testing.T) {
	s, err := Open(context.Background(), config.StoreConfig{Driver: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "r.db")})
	require.NoError(t, err)
	defer s.Close()
	assert.NoError(t, s.Ping(context.Background()))
}

func TestOpenRejectsUnknownAndIncomplete(t *testing.T) {
	_, err := Open(context.Background(), config.StoreConfig{Driver: "mongo"})
	assert.Error(t, err)

	_, err = Open(context.Background(), config.StoreConfig{Driver: "postgres"})
	assert.Error(t, err)
}
