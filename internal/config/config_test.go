package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "arbor.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	require.Equal(t, "foundation.cluster", cfg.FDB.ClusterFile)
	require.Equal(t, 730, cfg.FDB.APIVersion)
	require.Equal(t, "0.0.0.0:2470", cfg.Firehose.Addr)
	require.Nil(t, cfg.Snapshots)
}

func TestLoadFull(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, `
[fdb]
cluster_file = "/etc/arbor/fdb.cluster"
api_version = 740

[snapshots]
endpoint = "garage.internal:3900"
bucket = "arbor-snapshots"
region = "garage"
access_key = "AKIA"
secret_key = "SECRET"

[firehose]
addr = "127.0.0.1:9000"
`))
	require.NoError(t, err)
	require.Equal(t, "/etc/arbor/fdb.cluster", cfg.FDB.ClusterFile)
	require.Equal(t, 740, cfg.FDB.APIVersion)
	require.Equal(t, "127.0.0.1:9000", cfg.Firehose.Addr)
	require.NotNil(t, cfg.Snapshots)
	require.Equal(t, "arbor-snapshots", cfg.Snapshots.Bucket)
}

func TestLoadRejectsIncompleteSnapshots(t *testing.T) {
	t.Parallel()

	_, err := Load(writeConfig(t, `
[snapshots]
endpoint = "garage.internal:3900"
`))
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}
