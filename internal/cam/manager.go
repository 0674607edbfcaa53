// Package cam is the credentials access manager. It owns the credentials
// database and, when encryption is enabled, the encrypted volume holding it
// together with the key handler deciding which keys may unlock that volume.
package cam

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/atinyakov/GophSSO/internal/cryptofs"
	"github.com/atinyakov/GophSSO/internal/db"
	"github.com/atinyakov/GophSSO/internal/keyauth"
	"github.com/atinyakov/GophSSO/internal/keyhandler"
	"github.com/atinyakov/GophSSO/internal/metrics"
	"github.com/atinyakov/GophSSO/internal/models"
	"github.com/atinyakov/GophSSO/internal/repository"
	"github.com/atinyakov/GophSSO/internal/ui"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// CryptoManager sets up, mounts and rekeys the encrypted volume.
// *cryptofs.Manager implements it.
type CryptoManager interface {
	SetFileSystemPath(path string)
	SetFileSystemSize(mib uint32)
	SetFileSystemType(t string)
	SetEncryptionKey(key models.Key)
	EncryptionKey() models.Key
	SetupFileSystem() error
	MountFileSystem() error
	UnmountFileSystem() error
	DeleteFileSystem() error
	FileSystemIsSetup() bool
	FileSystemMounted() bool
	FileSystemMountPath() string
	FileSystemContainsFile(name string) bool
	EncryptionKeyInUse(key models.Key) bool
	AddEncryptionKey(newKey, existingKey models.Key) error
	RemoveEncryptionKey(key, remaining models.Key) error
}

// StoreOpener opens the database handle behind the credentials store.
type StoreOpener func(ctx context.Context, d db.Dialect, dsn string) (*sql.DB, error)

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

// WithUI sets the secure storage UI used by the key authorizer.
func WithUI(u ui.SecureStorageUI) Option {
	return func(m *Manager) { m.ui = u }
}

// WithKeyManagers sets the key managers in query order.
func WithKeyManagers(managers ...keyhandler.KeyManager) Option {
	return func(m *Manager) { m.managers = managers }
}

// WithStoreOpener replaces db.Open.
func WithStoreOpener(open StoreOpener) Option {
	return func(m *Manager) {
		if open != nil {
			m.openStore = open
		}
	}
}

// Status summarizes the manager state.
type Status struct {
	Initialized     bool   `json:"initialized"`
	Opened          bool   `json:"opened"`
	Encrypted       bool   `json:"encrypted"`
	FileSystemSetup bool   `json:"file_system_setup"`
	Mounted         bool   `json:"mounted"`
	InsertedKeys    int    `json:"inserted_keys"`
	AuthorizedKeys  int    `json:"authorized_keys"`
	LastError       string `json:"last_error"`
}

// Manager is the credentials access manager.
type Manager struct {
	mu          sync.Mutex
	cfg         Configuration
	dialect     db.Dialect
	initialized bool
	opened      bool
	lastError   ErrorCode

	crypto    CryptoManager
	store     *repository.CredentialsDB
	openStore StoreOpener
	stopClean context.CancelFunc

	ui       ui.SecureStorageUI
	managers []keyhandler.KeyManager
	auth     *keyauth.Authorizer
	keys     *keyhandler.Handler

	ready     chan struct{}
	readyOnce sync.Once

	registry *Registry
	log      *zap.Logger
}

// New returns an uninitialized Manager. crypto may be nil when encryption
// is not used. Prefer Registry.NewManager in programs.
func New(crypto CryptoManager, opts ...Option) *Manager {
	m := &Manager{
		crypto:    crypto,
		openStore: db.Open,
		ready:     make(chan struct{}),
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// fail records code as the last error and returns it wrapped.
func (m *Manager) fail(code ErrorCode, err error) error {
	m.lastError = code
	metrics.StorageErrors.WithLabelValues(code.String()).Inc()
	m.log.Error("credentials access failure", zap.Stringer("code", code), zap.Error(err))
	return &Error{Code: code, Err: err}
}

func (m *Manager) succeed() error {
	m.lastError = NoError
	return nil
}

// Init configures the manager. With encryption enabled it starts the key
// handler: a configured passphrase opens the storage at once, otherwise the
// key managers are queried and the first trusted key opens it.
func (m *Manager) Init(ctx context.Context, cfg Configuration) error {
	m.mu.Lock()
	if m.initialized {
		err := m.fail(AlreadyInitialized, errors.New("init called twice"))
		m.mu.Unlock()
		return err
	}
	cfg = cfg.withDefaults()
	dialect, err := cfg.dialect()
	if err != nil {
		err = m.fail(CredentialsDbSetupFailure, err)
		m.mu.Unlock()
		return err
	}
	if cfg.UseEncryption {
		if m.crypto == nil {
			err = m.fail(AccessCodeHandlerInvalid, errors.New("encryption enabled without a crypto manager"))
			m.mu.Unlock()
			return err
		}
		if dialect != db.SQLite {
			err = m.fail(CredentialsDbSetupFailure, fmt.Errorf("encrypted storage requires sqlite, got %s", dialect))
			m.mu.Unlock()
			return err
		}
		if cfg.passphraseKey().IsEmpty() && len(m.managers) == 0 {
			err = m.fail(AccessCodeHandlerInvalid, errors.New("no passphrase and no key manager configured"))
			m.mu.Unlock()
			return err
		}
		m.crypto.SetFileSystemPath(cfg.FileSystemPath())
		m.crypto.SetFileSystemSize(cfg.FileSystemSize)
		m.crypto.SetFileSystemType(cfg.FileSystemType)

		timeout := cfg.AuthorizationTimeout
		if timeout == 0 {
			timeout = keyauth.DefaultTimeout
		}
		m.auth = keyauth.New(m.ui, keyauth.WithLogger(m.log.Named("keyauth")), keyauth.WithTimeout(timeout))
		m.keys = keyhandler.New(m.crypto, m.auth, m.log.Named("keyhandler"))
		m.keys.SetListener(m)
	}
	m.cfg = cfg
	m.dialect = dialect
	m.initialized = true
	_ = m.succeed()
	m.mu.Unlock()

	m.log.Info("credentials access manager initialized",
		zap.Bool("encryption", cfg.UseEncryption),
		zap.Stringer("driver", dialect),
		zap.String("storage_path", cfg.StoragePath),
	)

	if !cfg.UseEncryption {
		return m.OpenCredentialsSystem(ctx)
	}

	if key := cfg.passphraseKey(); !key.IsEmpty() {
		m.crypto.SetEncryptionKey(key)
		m.keys.SetUnlockKey(key)
		return m.OpenCredentialsSystem(ctx)
	}

	if err := m.keys.Initialize(ctx, m.managers...); err != nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.fail(FailedToFetchAccessCode, err)
	}
	qctx, cancel := context.WithTimeout(ctx, cfg.KeyQueryTimeout)
	defer cancel()
	if err := m.keys.QueryKeys(qctx); err != nil {
		m.log.Warn("key query failed", zap.Error(err))
	}
	return nil
}

// OpenCredentialsSystem mounts the volume, creating it first if needed, and
// opens the credentials database. It fails with AccessCodeNotReady while no
// key is available; the user is then asked for an authorized key.
func (m *Manager) OpenCredentialsSystem(ctx context.Context) error {
	err := m.open(ctx)
	if CodeOf(err) == AccessCodeNotReady {
		if keys := m.KeyHandler(); keys != nil {
			keys.RequestStorageAccess(ctx)
		}
	}
	return err
}

func (m *Manager) open(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return m.fail(NotInitialized, errors.New("open before init"))
	}
	if m.opened {
		return m.succeed()
	}

	var dsn string
	mountedHere := false
	switch {
	case m.cfg.UseEncryption:
		key := m.crypto.EncryptionKey()
		if key.IsEmpty() {
			return m.fail(AccessCodeNotReady, errors.New("no encryption key available"))
		}
		if !m.crypto.FileSystemIsSetup() {
			if err := m.crypto.SetupFileSystem(); err != nil {
				return m.fail(FileSystemSetupFailure, err)
			}
		}
		if !m.crypto.FileSystemMounted() {
			if err := m.crypto.MountFileSystem(); err != nil {
				if errors.Is(err, cryptofs.ErrKeyRejected) {
					return m.fail(AccessCodeInvalid, err)
				}
				return m.fail(FileSystemMountFailure, err)
			}
			mountedHere = true
		}
		dsn = db.SQLiteDSN(filepath.Join(m.crypto.FileSystemMountPath(), m.cfg.DatabaseName))

	case m.dialect == db.Postgres:
		dsn = m.cfg.DSN

	default:
		if err := os.MkdirAll(m.cfg.StoragePath, 0o700); err != nil {
			return m.fail(CredentialsDbSetupFailure, err)
		}
		dsn = db.SQLiteDSN(m.cfg.PlainDatabasePath())
	}

	conn, err := m.openStore(ctx, m.dialect, dsn)
	if err != nil {
		if mountedHere {
			if uerr := m.crypto.UnmountFileSystem(); uerr != nil {
				m.log.Error("failed to unmount after database failure", zap.Error(uerr))
			}
		}
		return m.fail(CredentialsDbConnectionError, err)
	}
	m.store = repository.NewCredentialsDB(conn, m.dialect, repository.WithLogger(m.log.Named("repository")))

	if m.cfg.CleanupInterval > 0 {
		cctx, cancel := context.WithCancel(context.Background())
		m.stopClean = cancel
		db.StartDictionaryCleaner(cctx, m.store, m.cfg.CleanupInterval, m.log.Named("cleaner"))
	}

	m.opened = true
	metrics.StorageOpened.Set(1)
	m.readyOnce.Do(func() { close(m.ready) })
	m.log.Info("credentials system opened")
	return m.succeed()
}

// CloseCredentialsSystem closes the database, then unmounts the volume. When
// either step fails the storage stays open and the call may be retried.
func (m *Manager) CloseCredentialsSystem() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeLocked()
}

func (m *Manager) closeLocked() error {
	if !m.initialized {
		return m.fail(NotInitialized, errors.New("close before init"))
	}
	if !m.opened {
		return m.succeed()
	}

	if m.stopClean != nil {
		m.stopClean()
		m.stopClean = nil
	}
	if err := m.store.Close(); err != nil {
		return m.fail(CredentialsDbCloseFailure, err)
	}
	if m.cfg.UseEncryption && m.crypto.FileSystemMounted() {
		if err := m.crypto.UnmountFileSystem(); err != nil {
			return m.fail(CredentialsDbUnmountFailure, err)
		}
	}

	m.store = nil
	m.opened = false
	metrics.StorageOpened.Set(0)
	m.log.Info("credentials system closed")
	return m.succeed()
}

// DeleteCredentialsSystem closes the storage and destroys it. Every stored
// identity is lost; this cannot be undone.
func (m *Manager) DeleteCredentialsSystem(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.closeLocked(); err != nil {
		return err
	}

	switch {
	case m.cfg.UseEncryption:
		if err := m.crypto.DeleteFileSystem(); err != nil {
			return m.fail(CredentialsDbDeletionFailure, err)
		}
	case m.dialect == db.Postgres:
		return m.fail(CredentialsDbDeletionFailure, errors.New("deleting a postgres database is not supported"))
	default:
		err := os.Remove(m.cfg.PlainDatabasePath())
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return m.fail(CredentialsDbDeletionFailure, err)
		}
	}
	m.log.Warn("credentials system deleted")
	return m.succeed()
}

// SetMasterEncryptionKey replaces existingKey with newKey. newKey is added
// before existingKey is removed, so a failed add leaves existingKey usable.
func (m *Manager) SetMasterEncryptionKey(newKey, existingKey models.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return m.fail(NotInitialized, errors.New("set key before init"))
	}
	if !m.cfg.UseEncryption {
		return m.fail(AccessCodeHandlerInvalid, errors.New("storage is not encrypted"))
	}
	if newKey.IsEmpty() {
		return m.fail(AccessCodeInvalid, errors.New("empty key"))
	}
	if !m.crypto.EncryptionKeyInUse(existingKey) {
		return m.fail(AccessCodeInvalid, errors.New("existing key does not unlock the storage"))
	}
	if err := m.crypto.AddEncryptionKey(newKey, existingKey); err != nil {
		return m.fail(FileSystemSetupFailure, fmt.Errorf("add key: %w", err))
	}
	if !newKey.Equal(existingKey) {
		if err := m.crypto.RemoveEncryptionKey(existingKey, newKey); err != nil {
			return m.fail(FileSystemSetupFailure, fmt.Errorf("remove key: %w", err))
		}
	}
	m.crypto.SetEncryptionKey(newKey)
	m.keys.SetUnlockKey(newKey)
	m.log.Info("master encryption key replaced", zap.String("key", newKey.Fingerprint()))
	return m.succeed()
}

// CredentialsSystem returns the open credentials store.
func (m *Manager) CredentialsSystem() (*repository.CredentialsDB, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.opened {
		return nil, ErrNotOpened
	}
	return m.store, nil
}

// Opened reports whether the credentials system is open.
func (m *Manager) Opened() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened
}

// LastError returns the code of the last fallible call.
func (m *Manager) LastError() ErrorCode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastError
}

// Ready is closed the first time the credentials system opens.
func (m *Manager) Ready() <-chan struct{} { return m.ready }

// KeyHandler returns the key handler, nil without encryption.
func (m *Manager) KeyHandler() *keyhandler.Handler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keys
}

// StorageStatus reports the current state.
func (m *Manager) StorageStatus() Status {
	m.mu.Lock()
	s := Status{
		Initialized: m.initialized,
		Opened:      m.opened,
		Encrypted:   m.cfg.UseEncryption,
		LastError:   m.lastError.String(),
	}
	keys := m.keys
	crypto := m.crypto
	m.mu.Unlock()

	if s.Encrypted && crypto != nil {
		s.FileSystemSetup = crypto.FileSystemIsSetup()
		s.Mounted = crypto.FileSystemMounted()
	}
	if keys != nil {
		s.InsertedKeys = len(keys.InsertedKeys())
		s.AuthorizedKeys = len(keys.AuthorizedKeys())
	}
	return s
}

// Finalize closes the storage, stops the key handler and releases the
// registry slot.
func (m *Manager) Finalize() error {
	m.mu.Lock()
	var err error
	if m.initialized {
		err = m.closeLocked()
	}
	keys, auth := m.keys, m.auth
	m.keys, m.auth = nil, nil
	m.initialized = false
	m.mu.Unlock()

	if keys != nil {
		err = multierr.Append(err, keys.Close())
	}
	if auth != nil {
		auth.Close()
	}
	if m.registry != nil {
		m.registry.Release(m)
	}
	return err
}

// KeyInserted implements keyhandler.Listener.
func (m *Manager) KeyInserted(key models.Key, authorized bool) {
	if authorized && !m.Opened() {
		m.unlockWith(key)
	}
}

// KeyRemoved implements keyhandler.Listener. The storage stays open when its
// unlock key goes away.
func (m *Manager) KeyRemoved(key models.Key) {
	if m.crypto != nil && key.Equal(m.crypto.EncryptionKey()) {
		m.log.Info("unlock key removed, storage stays open", zap.String("key", key.Fingerprint()))
	}
}

// KeyAuthorized implements keyhandler.Listener. An exclusive key wipes the
// storage and reformats it for that key.
func (m *Manager) KeyAuthorized(key models.Key, exclusive bool) {
	if exclusive {
		m.reformat(key)
		return
	}
	if !m.Opened() {
		m.unlockWith(key)
	}
}

func (m *Manager) unlockWith(key models.Key) {
	m.mu.Lock()
	keys := m.keys
	m.mu.Unlock()
	if keys == nil {
		return
	}
	m.crypto.SetEncryptionKey(key)
	keys.SetUnlockKey(key)
	if err := m.open(context.Background()); err != nil {
		m.log.Warn("failed to open storage with key", zap.String("key", key.Fingerprint()), zap.Error(err))
	}
}

func (m *Manager) reformat(key models.Key) {
	m.log.Warn("clearing credentials storage for new key", zap.String("key", key.Fingerprint()))

	m.mu.Lock()
	if m.keys == nil {
		m.mu.Unlock()
		return
	}
	if err := m.closeLocked(); err != nil {
		m.mu.Unlock()
		return
	}
	if err := m.crypto.DeleteFileSystem(); err != nil {
		_ = m.fail(CredentialsDbDeletionFailure, err)
		m.mu.Unlock()
		return
	}
	m.crypto.SetEncryptionKey(key)
	m.keys.SetUnlockKey(key)
	m.mu.Unlock()

	if err := m.open(context.Background()); err != nil {
		m.log.Error("failed to reopen cleared storage", zap.Error(err))
	}
}
