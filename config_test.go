package demagnetize

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingFile(t *testing.T) {
	c, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig, *c)
}

func TestLoadConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"port: 7000\nfetch_timeout: 90s\nmax_peer_sessions: 5\ndatabase: \"\"\n"), 0o600))

	c, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 7000, c.Port)
	assert.Equal(t, 90*time.Second, c.FetchTimeout.Duration)
	assert.Equal(t, 5, c.MaxPeerSessions)
	assert.Equal(t, "", c.Database)
	// Unset fields keep their defaults.
	assert.Equal(t, DefaultConfig.NumWant, c.NumWant)
}

func TestLoadConfigBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("fetch_timeout: soon\n"), 0o600))
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestDatabasePathExpansion(t *testing.T) {
	c := DefaultConfig
	c.Database = "~/cache/infos.db"
	p, err := c.DatabasePath()
	require.NoError(t, err)
	assert.NotContains(t, p, "~")

	c.Database = ""
	p, err = c.DatabasePath()
	require.NoError(t, err)
	assert.Equal(t, "", p)
}
