package cryptofs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/atinyakov/GophSSO/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var cheapKDF = KDFParams{Time: 1, MemoryKiB: 1024, Threads: 1}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	m := New(filepath.Join(dir, "signon.vol"), WithKDFParams(cheapKDF))
	m.SetEncryptionKey(models.Key("key-one"))
	require.NoError(t, m.SetupFileSystem())
	return m
}

func TestSetupRequiresKey(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "v"), WithKDFParams(cheapKDF))
	assert.ErrorIs(t, m.SetupFileSystem(), ErrNoKey)
	assert.False(t, m.FileSystemIsSetup())
}

func TestSetupTwiceFails(t *testing.T) {
	m := newTestManager(t)
	assert.True(t, m.FileSystemIsSetup())
	assert.ErrorIs(t, m.SetupFileSystem(), ErrAlreadySetup)
}

func TestMountRoundTrip(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.MountFileSystem())
	require.True(t, m.FileSystemMounted())
	assert.False(t, m.FileSystemContainsFile("signon.db"))

	dbPath := filepath.Join(m.FileSystemMountPath(), "signon.db")
	require.NoError(t, os.WriteFile(dbPath, []byte("payload"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(m.FileSystemMountPath(), "sub"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(m.FileSystemMountPath(), "sub", "x"), []byte("nested"), 0o600))
	assert.True(t, m.FileSystemContainsFile("signon.db"))

	require.NoError(t, m.UnmountFileSystem())
	assert.False(t, m.FileSystemMounted())
	_, err := os.Stat(m.FileSystemMountPath())
	assert.True(t, os.IsNotExist(err), "mount directory must be removed")

	raw, err := os.ReadFile(m.path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "payload")

	require.NoError(t, m.MountFileSystem())
	got, err := os.ReadFile(dbPath)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
	got, err = os.ReadFile(filepath.Join(m.FileSystemMountPath(), "sub", "x"))
	require.NoError(t, err)
	assert.Equal(t, "nested", string(got))
	require.NoError(t, m.UnmountFileSystem())
}

func TestMountWrongKey(t *testing.T) {
	m := newTestManager(t)
	m.SetEncryptionKey(models.Key("other"))

	assert.ErrorIs(t, m.MountFileSystem(), ErrKeyRejected)
	assert.False(t, m.FileSystemMounted())
}

func TestMountStates(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "v"), WithKDFParams(cheapKDF))
	m.SetEncryptionKey(models.Key("k"))
	assert.ErrorIs(t, m.MountFileSystem(), ErrNotSetup)
	assert.ErrorIs(t, m.UnmountFileSystem(), ErrNotMounted)

	require.NoError(t, m.SetupFileSystem())
	require.NoError(t, m.MountFileSystem())
	assert.ErrorIs(t, m.MountFileSystem(), ErrMounted)
	require.NoError(t, m.UnmountFileSystem())
}

func TestAddEncryptionKey(t *testing.T) {
	m := newTestManager(t)
	one, two := models.Key("key-one"), models.Key("key-two")

	assert.True(t, m.EncryptionKeyInUse(one))
	assert.False(t, m.EncryptionKeyInUse(two))

	require.NoError(t, m.AddEncryptionKey(two, one))
	assert.True(t, m.EncryptionKeyInUse(two))

	require.NoError(t, m.AddEncryptionKey(two, one))
	v, err := readVolume(m.path)
	require.NoError(t, err)
	assert.Len(t, v.Slots, 2, "adding a key already in use is a no-op")

	m.SetEncryptionKey(two)
	require.NoError(t, m.MountFileSystem())
	require.NoError(t, m.UnmountFileSystem())
}

func TestAddEncryptionKeyBadExistingKey(t *testing.T) {
	m := newTestManager(t)

	err := m.AddEncryptionKey(models.Key("new"), models.Key("wrong"))
	assert.ErrorIs(t, err, ErrKeyRejected)
	assert.False(t, m.EncryptionKeyInUse(models.Key("new")))
	assert.True(t, m.EncryptionKeyInUse(models.Key("key-one")))
}

func TestRemoveEncryptionKey(t *testing.T) {
	m := newTestManager(t)
	one, two := models.Key("key-one"), models.Key("key-two")
	require.NoError(t, m.AddEncryptionKey(two, one))

	assert.ErrorIs(t, m.RemoveEncryptionKey(one, one), ErrLastKey)
	assert.True(t, m.EncryptionKeyInUse(one))

	require.NoError(t, m.RemoveEncryptionKey(one, two))
	assert.False(t, m.EncryptionKeyInUse(one))
	assert.True(t, m.EncryptionKeyInUse(two))

	assert.ErrorIs(t, m.RemoveEncryptionKey(one, two), ErrKeyRejected)
}

func TestUnmountSizeLimit(t *testing.T) {
	m := newTestManager(t)
	m.SetFileSystemSize(1)
	require.NoError(t, m.MountFileSystem())

	big := make([]byte, 1<<20+1)
	require.NoError(t, os.WriteFile(filepath.Join(m.FileSystemMountPath(), "big"), big, 0o600))

	assert.ErrorIs(t, m.UnmountFileSystem(), ErrVolumeFull)
	assert.True(t, m.FileSystemMounted())

	require.NoError(t, os.Remove(filepath.Join(m.FileSystemMountPath(), "big")))
	require.NoError(t, m.UnmountFileSystem())
}

func TestDeleteFileSystem(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.MountFileSystem())
	require.NoError(t, os.WriteFile(filepath.Join(m.FileSystemMountPath(), "f"), []byte("x"), 0o600))

	require.NoError(t, m.DeleteFileSystem())
	assert.False(t, m.FileSystemIsSetup())
	assert.False(t, m.FileSystemMounted())
	_, err := os.Stat(m.FileSystemMountPath())
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, m.DeleteFileSystem(), "deleting a missing volume is not an error")
}

func TestTamperedVolumeIsRejected(t *testing.T) {
	m := newTestManager(t)
	v, err := readVolume(m.path)
	require.NoError(t, err)
	v.Slots[0].Wrapped[len(v.Slots[0].Wrapped)-1] ^= 0xff
	require.NoError(t, writeVolume(m.path, v))

	assert.ErrorIs(t, m.MountFileSystem(), ErrKeyRejected)
}

func TestMountRecoversFilesAfterCrash(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.MountFileSystem())
	dbPath := filepath.Join(m.FileSystemMountPath(), "signon.db")
	require.NoError(t, os.WriteFile(dbPath, []byte("unsaved"), 0o600))

	// A new process starts without the previous one unmounting.
	restarted := New(m.path, WithKDFParams(cheapKDF))
	restarted.SetEncryptionKey(models.Key("key-one"))
	require.NoError(t, restarted.MountFileSystem())
	got, err := os.ReadFile(dbPath)
	require.NoError(t, err)
	assert.Equal(t, "unsaved", string(got))

	// The recovered files are sealed into the volume at once.
	require.NoError(t, os.RemoveAll(restarted.FileSystemMountPath()))
	again := New(m.path, WithKDFParams(cheapKDF))
	again.SetEncryptionKey(models.Key("key-one"))
	require.NoError(t, again.MountFileSystem())
	got, err = os.ReadFile(dbPath)
	require.NoError(t, err)
	assert.Equal(t, "unsaved", string(got))
}

func TestDeleteFileSystemWipesLeftoverFiles(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.MountFileSystem())
	require.NoError(t, os.WriteFile(filepath.Join(m.FileSystemMountPath(), "signon.db"), []byte("x"), 0o600))

	other := New(m.path, WithKDFParams(cheapKDF))
	require.NoError(t, other.DeleteFileSystem())
	_, err := os.Stat(other.FileSystemMountPath())
	assert.True(t, os.IsNotExist(err))
}
