// pkg/backup/tarball_test.go
// TEST TYPE: Unit Test
// DEPENDENCIES: Real filesystem (temp dirs)
// PURPOSE: Test tar.gz backup and restore round-trip

package backup_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/fabsync/fabsync/pkg/backup"
	"github.com/fabsync/fabsync/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	serverDir := filepath.Join(t.TempDir(), "server")
	backupDir := t.TempDir()

	writeFile(t, filepath.Join(serverDir, "mods", "fabric-api_0.92.0.jar"), "api bytes")
	writeFile(t, filepath.Join(serverDir, "world", "datapacks", "terralith_2.4.5.zip"), "terra")
	writeFile(t, filepath.Join(serverDir, "server.properties"), "motd=hello")

	store := backup.NewTarball(backupDir, serverDir)
	id, err := store.Backup(context.Background(), serverDir)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	// Wreck the live tree the way a failed apply would.
	require.NoError(t, os.Remove(filepath.Join(serverDir, "mods", "fabric-api_0.92.0.jar")))
	writeFile(t, filepath.Join(serverDir, "mods", "lithium_0.11.2.jar"), "should vanish")
	writeFile(t, filepath.Join(serverDir, "server.properties"), "motd=corrupted")

	require.NoError(t, store.Restore(context.Background(), id))

	got, err := os.ReadFile(filepath.Join(serverDir, "mods", "fabric-api_0.92.0.jar"))
	require.NoError(t, err)
	assert.Equal(t, "api bytes", string(got))

	got, err = os.ReadFile(filepath.Join(serverDir, "server.properties"))
	require.NoError(t, err)
	assert.Equal(t, "motd=hello", string(got))

	_, err = os.Stat(filepath.Join(serverDir, "mods", "lithium_0.11.2.jar"))
	assert.True(t, os.IsNotExist(err), "files not in the snapshot must be cleared")
}

func TestBackupExcludesStaging(t *testing.T) {
	serverDir := filepath.Join(t.TempDir(), "server")
	backupDir := t.TempDir()

	writeFile(t, filepath.Join(serverDir, "mods", "fabric-api_0.92.0.jar"), "api")
	writeFile(t, filepath.Join(serverDir, ".fabsync-staging", "mods", "pending.jar"), "scratch")

	store := backup.NewTarball(backupDir, serverDir)
	id, err := store.Backup(context.Background(), serverDir)
	require.NoError(t, err)

	// Staging survives restore untouched, and the snapshot does not
	// resurrect scratch files.
	require.NoError(t, os.RemoveAll(filepath.Join(serverDir, ".fabsync-staging")))
	require.NoError(t, store.Restore(context.Background(), id))

	_, err = os.Stat(filepath.Join(serverDir, ".fabsync-staging"))
	assert.True(t, os.IsNotExist(err))
}

func TestBackupCapturesBackupDirSiblings(t *testing.T) {
	serverDir := filepath.Join(t.TempDir(), "server")
	backupDir := filepath.Join(serverDir, "backups")

	// "backups-old" shares the backup dir's name as a prefix but is live
	// server data and must be snapshotted and cleared like any other dir.
	writeFile(t, filepath.Join(serverDir, "mods", "fabric-api_0.92.0.jar"), "api")
	writeFile(t, filepath.Join(serverDir, "backups-old", "keep.txt"), "precious")

	store := backup.NewTarball(backupDir, serverDir)
	id, err := store.Backup(context.Background(), serverDir)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(serverDir, "backups-old", "keep.txt")))
	writeFile(t, filepath.Join(serverDir, "backups-old", "stray.txt"), "should vanish")

	require.NoError(t, store.Restore(context.Background(), id))

	got, err := os.ReadFile(filepath.Join(serverDir, "backups-old", "keep.txt"))
	require.NoError(t, err)
	assert.Equal(t, "precious", string(got))

	_, err = os.Stat(filepath.Join(serverDir, "backups-old", "stray.txt"))
	assert.True(t, os.IsNotExist(err))

	// The nested backup dir itself stays excluded.
	_, err = os.Stat(filepath.Join(backupDir, id))
	assert.NoError(t, err)
}

func TestRestoreUnknownID(t *testing.T) {
	serverDir := t.TempDir()
	store := backup.NewTarball(t.TempDir(), serverDir)

	err := store.Restore(context.Background(), "fabsync-never-existed.tar.gz")
	require.Error(t, err)
	assert.True(t, errors.IsErrorCode(err, errors.ErrRestoreFailed))
}
