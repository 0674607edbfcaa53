// Package cryptofs is a file-backed encrypted volume for the credentials
// database.
//
// A volume is a single file holding key slots and a sealed image of a
// directory. Each slot wraps the random volume master key under a key
// encryption key derived from one user key with argon2id, so several keys
// can unlock the same volume. Mounting decrypts the image into a private
// directory; unmounting seals that directory back into the volume and wipes
// it.
package cryptofs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/atinyakov/GophSSO/internal/models"
	"go.uber.org/zap"
)

var (
	// ErrKeyRejected is returned when no key slot opens with the key.
	ErrKeyRejected = errors.New("key does not unlock the volume")
	// ErrNotSetup is returned when the volume file does not exist.
	ErrNotSetup = errors.New("volume is not set up")
	// ErrAlreadySetup is returned by SetupFileSystem for an existing volume.
	ErrAlreadySetup = errors.New("volume already exists")
	// ErrNotMounted is returned by operations that need a mounted volume.
	ErrNotMounted = errors.New("volume is not mounted")
	// ErrMounted is returned by operations that need an unmounted volume.
	ErrMounted = errors.New("volume is mounted")
	// ErrNoKey is returned when no encryption key was set.
	ErrNoKey = errors.New("no encryption key set")
	// ErrVolumeFull is returned when the mounted files exceed the volume size.
	ErrVolumeFull = errors.New("volume size exceeded")
	// ErrLastKey is returned when removing a key would leave no usable key.
	ErrLastKey = errors.New("remaining key does not unlock the volume")
)

// TypeName is the only supported file system type.
const TypeName = "cryptofs"

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithKDFParams overrides DefaultKDFParams for new key slots.
func WithKDFParams(p KDFParams) Option {
	return func(m *Manager) { m.kdf = p }
}

// WithMountPath overrides the default mount directory, which is the
// volume path with a ".mnt" suffix.
func WithMountPath(path string) Option {
	return func(m *Manager) { m.mountPath = path }
}

// Manager manages one volume.
type Manager struct {
	mu        sync.Mutex
	path      string
	mountPath string
	sizeMiB   uint32
	fsType    string
	key       models.Key
	kdf       KDFParams

	mounted bool
	master  []byte

	log *zap.Logger
}

// New returns a Manager for the volume at path.
func New(path string, opts ...Option) *Manager {
	m := &Manager{
		path:   path,
		fsType: TypeName,
		kdf:    DefaultKDFParams,
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetFileSystemPath sets the volume file path.
func (m *Manager) SetFileSystemPath(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.path = path
}

// SetFileSystemSize sets the maximum size of the mounted files in MiB.
// Zero means unlimited.
func (m *Manager) SetFileSystemSize(mib uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sizeMiB = mib
}

// SetFileSystemType sets the file system type recorded in new volumes.
func (m *Manager) SetFileSystemType(t string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t != "" {
		m.fsType = t
	}
}

// SetEncryptionKey sets the key used by Setup and Mount.
func (m *Manager) SetEncryptionKey(key models.Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.key = append(models.Key(nil), key...)
}

// EncryptionKey returns the key set with SetEncryptionKey.
func (m *Manager) EncryptionKey() models.Key {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.key
}

// FileSystemMountPath returns the directory the volume is mounted on.
func (m *Manager) FileSystemMountPath() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mountPathLocked()
}

func (m *Manager) mountPathLocked() string {
	if m.mountPath != "" {
		return m.mountPath
	}
	return m.path + ".mnt"
}

// FileSystemIsSetup reports whether the volume file exists.
func (m *Manager) FileSystemIsSetup() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := os.Stat(m.path)
	return err == nil
}

// FileSystemMounted reports whether the volume is mounted.
func (m *Manager) FileSystemMounted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mounted
}

// FileSystemContainsFile reports whether the mounted volume holds name.
func (m *Manager) FileSystemContainsFile(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.mounted {
		return false
	}
	_, err := os.Stat(filepath.Join(m.mountPathLocked(), filepath.Clean("/"+name)))
	return err == nil
}

// SetupFileSystem creates a new empty volume unlocked by the current key.
func (m *Manager) SetupFileSystem() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.key.IsEmpty() {
		return ErrNoKey
	}
	if _, err := os.Stat(m.path); err == nil {
		return ErrAlreadySetup
	}

	master, err := randomBytes(masterKeySize)
	if err != nil {
		return err
	}
	defer zero(master)

	slot, err := newSlot(master, m.key, m.kdf)
	if err != nil {
		return fmt.Errorf("create key slot: %w", err)
	}
	image, err := sealImage(master, map[string][]byte{})
	if err != nil {
		return err
	}
	v := &volume{
		Version: formatVersion,
		Type:    m.fsType,
		SizeMiB: m.sizeMiB,
		Slots:   []keySlot{slot},
		Image:   image,
	}
	if err := writeVolume(m.path, v); err != nil {
		return err
	}
	m.log.Info("volume created", zap.String("path", m.path), zap.String("slot", slot.ID))
	return nil
}

// MountFileSystem unlocks the volume with the current key and extracts
// its files into the mount directory.
func (m *Manager) MountFileSystem() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mounted {
		return ErrMounted
	}
	if m.key.IsEmpty() {
		return ErrNoKey
	}
	v, err := m.readLocked()
	if err != nil {
		return err
	}
	master, slot, err := v.unlock(m.key)
	if err != nil {
		return err
	}
	dir := m.mountPathLocked()
	files, err := m.recoverLocked(v, master, dir)
	if err != nil {
		zero(master)
		return err
	}
	if files == nil {
		files, err = openImage(master, v.Image)
		if err != nil {
			zero(master)
			return err
		}
	}

	if err := wipeDir(dir); err != nil {
		zero(master)
		return fmt.Errorf("clean mount directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		zero(master)
		return fmt.Errorf("create mount directory: %w", err)
	}
	for name, data := range files {
		target := filepath.Join(dir, filepath.Clean("/"+name))
		if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
			zero(master)
			return fmt.Errorf("create %s: %w", name, err)
		}
		if err := os.WriteFile(target, data, 0o600); err != nil {
			zero(master)
			return fmt.Errorf("extract %s: %w", name, err)
		}
	}

	m.master = master
	m.mounted = true
	m.log.Info("volume mounted",
		zap.String("mount_path", dir),
		zap.String("slot", v.Slots[slot].ID),
		zap.Int("files", len(files)),
	)
	return nil
}

// recoverLocked seals files left in dir by a session that ended without
// unmounting into the volume and returns them. It returns nil when dir
// holds no files.
func (m *Manager) recoverLocked(v *volume, master []byte, dir string) (map[string][]byte, error) {
	files, _, err := collectFiles(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, nil
	}
	image, err := sealImage(master, files)
	if err != nil {
		return nil, err
	}
	v.Image = image
	if err := writeVolume(m.path, v); err != nil {
		return nil, err
	}
	m.log.Warn("recovered files from unclean unmount", zap.String("mount_path", dir), zap.Int("files", len(files)))
	return files, nil
}

// UnmountFileSystem seals the mount directory back into the volume and
// wipes it. On error the volume stays mounted.
func (m *Manager) UnmountFileSystem() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.mounted {
		return ErrNotMounted
	}
	dir := m.mountPathLocked()
	files, total, err := collectFiles(dir)
	if err != nil {
		return err
	}
	if m.sizeMiB > 0 && total > int64(m.sizeMiB)<<20 {
		return fmt.Errorf("%w: %d bytes", ErrVolumeFull, total)
	}

	v, err := m.readLocked()
	if err != nil {
		return err
	}
	image, err := sealImage(m.master, files)
	if err != nil {
		return err
	}
	v.Image = image
	if err := writeVolume(m.path, v); err != nil {
		return err
	}
	if err := wipeDir(dir); err != nil {
		m.log.Warn("failed to wipe mount directory", zap.String("mount_path", dir), zap.Error(err))
	}

	zero(m.master)
	m.master = nil
	m.mounted = false
	m.log.Info("volume unmounted", zap.String("mount_path", dir), zap.Int("files", len(files)))
	return nil
}

// DeleteFileSystem destroys the volume. Mounted or leftover files are
// discarded without saving.
func (m *Manager) DeleteFileSystem() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := wipeDir(m.mountPathLocked()); err != nil {
		return fmt.Errorf("wipe mount directory: %w", err)
	}
	if m.mounted {
		zero(m.master)
		m.master = nil
		m.mounted = false
	}
	if err := os.Remove(m.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove volume: %w", err)
	}
	m.log.Info("volume deleted", zap.String("path", m.path))
	return nil
}

// EncryptionKeyInUse reports whether key unlocks the volume.
func (m *Manager) EncryptionKeyInUse(key models.Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, err := m.readLocked()
	if err != nil {
		return false
	}
	master, _, err := v.unlock(key)
	if err != nil {
		return false
	}
	zero(master)
	return true
}

// AddEncryptionKey adds a slot for newKey. existingKey must already unlock
// the volume. Adding a key that is already in use is a no-op.
func (m *Manager) AddEncryptionKey(newKey, existingKey models.Key) error {
	if newKey.IsEmpty() {
		return ErrNoKey
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	v, err := m.readLocked()
	if err != nil {
		return err
	}
	master, _, err := v.unlock(existingKey)
	if err != nil {
		return fmt.Errorf("existing key: %w", err)
	}
	defer zero(master)

	if other, _, err := v.unlock(newKey); err == nil {
		zero(other)
		return nil
	}

	slot, err := newSlot(master, newKey, m.kdf)
	if err != nil {
		return fmt.Errorf("create key slot: %w", err)
	}
	v.Slots = append(v.Slots, slot)
	if err := writeVolume(m.path, v); err != nil {
		return err
	}
	m.log.Info("key slot added", zap.String("slot", slot.ID), zap.Int("slots", len(v.Slots)))
	return nil
}

// RemoveEncryptionKey removes every slot key opens. remaining must unlock
// the volume through another slot, so a volume never loses its last key.
func (m *Manager) RemoveEncryptionKey(key, remaining models.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, err := m.readLocked()
	if err != nil {
		return err
	}

	var kept []keySlot
	removed := 0
	for _, s := range v.Slots {
		master, err := s.unwrap(key)
		if err == nil {
			zero(master)
			removed++
			continue
		}
		kept = append(kept, s)
	}
	if removed == 0 {
		return fmt.Errorf("key to remove: %w", ErrKeyRejected)
	}

	rest := &volume{Slots: kept}
	master, _, err := rest.unlock(remaining)
	if err != nil {
		return ErrLastKey
	}
	zero(master)

	v.Slots = kept
	if err := writeVolume(m.path, v); err != nil {
		return err
	}
	m.log.Info("key slot removed", zap.Int("removed", removed), zap.Int("slots", len(kept)))
	return nil
}

func (m *Manager) readLocked() (*volume, error) {
	v, err := readVolume(m.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotSetup
	}
	if err != nil {
		return nil, fmt.Errorf("read volume: %w", err)
	}
	return v, nil
}

// collectFiles reads every regular file below dir keyed by its slash
// separated relative path.
func collectFiles(dir string) (map[string][]byte, int64, error) {
	files := map[string][]byte{}
	var total int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = data
		total += int64(len(data))
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("collect mounted files: %w", err)
	}
	return files, total, nil
}

// wipeDir overwrites every regular file below dir with zeros and removes
// the directory.
func wipeDir(dir string) error {
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return os.WriteFile(path, make([]byte, info.Size()), 0o600)
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.RemoveAll(dir)
}
