package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("ROLLBOOK_HOME", home)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, "queue.db"), cfg.DBPath)
	assert.Equal(t, filepath.Join(home, "remote.json"), cfg.StorePath)
	assert.Equal(t, filepath.Join(home, "calendar"), cfg.CalendarPath)
	assert.Equal(t, 10*time.Second, cfg.RemoteTimeout)
	assert.False(t, cfg.Offline)
	assert.False(t, cfg.Verbose)
}

func TestLoadFile(t *testing.T) {
	t.Setenv("ROLLBOOK_HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "rollbook.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
db_path: /tmp/custom/queue.db
owner_id: teacher-7
remote_timeout: 2s
offline: true
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/custom/queue.db", cfg.DBPath)
	assert.Equal(t, "teacher-7", cfg.OwnerID)
	assert.Equal(t, 2*time.Second, cfg.RemoteTimeout)
	assert.True(t, cfg.Offline)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv("ROLLBOOK_HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "rollbook.yaml")
	require.NoError(t, os.WriteFile(path, []byte("owner_id: from-file\n"), 0o644))

	t.Setenv("ROLLBOOK_OWNER_ID", "from-env")
	t.Setenv("ROLLBOOK_VERBOSE", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.OwnerID, "environment beats the config file")
	assert.True(t, cfg.Verbose)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	t.Setenv("ROLLBOOK_HOME", t.TempDir())

	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadBadYAML(t *testing.T) {
	t.Setenv("ROLLBOOK_HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "rollbook.yaml")
	require.NoError(t, os.WriteFile(path, []byte("owner_id: [unclosed\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestEnsureDirs(t *testing.T) {
	base := t.TempDir()
	cfg := Config{
		DBPath:    filepath.Join(base, "data", "queue.db"),
		StorePath: filepath.Join(base, "remote", "remote.json"),
	}

	require.NoError(t, cfg.EnsureDirs())

	for _, dir := range []string{filepath.Join(base, "data"), filepath.Join(base, "remote")} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
