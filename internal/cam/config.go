package cam

import (
	"path/filepath"
	"time"

	"github.com/atinyakov/GophSSO/internal/db"
	"github.com/atinyakov/GophSSO/internal/models"
)

const (
	DefaultDatabaseName    = "signon.db"
	DefaultFileSystemName  = "signonfs"
	DefaultFileSystemType  = "cryptofs"
	DefaultFileSystemSize  = 8
	DefaultKeyQueryTimeout = 30 * time.Second
	DefaultCleanupInterval = time.Hour
)

// Configuration describes where and how credentials are stored. It must not
// change after Init.
type Configuration struct {
	StoragePath    string
	DatabaseName   string
	UseEncryption  bool
	FileSystemName string
	FileSystemType string
	// FileSystemSize is the volume capacity in MiB.
	FileSystemSize uint32
	// EncryptionPassphrase unlocks the volume without any key manager.
	EncryptionPassphrase string

	// Driver is "sqlite" or "postgres". DSN is used by postgres only.
	Driver string
	DSN    string

	// KeyManagers lists key manager names in query order.
	KeyManagers          []string
	KeyQueryTimeout      time.Duration
	AuthorizationTimeout time.Duration
	CleanupInterval      time.Duration
}

// DefaultConfiguration returns an encrypted SQLite configuration rooted at
// storagePath.
func DefaultConfiguration(storagePath string) Configuration {
	return Configuration{
		StoragePath:     storagePath,
		DatabaseName:    DefaultDatabaseName,
		UseEncryption:   true,
		FileSystemName:  DefaultFileSystemName,
		FileSystemType:  DefaultFileSystemType,
		FileSystemSize:  DefaultFileSystemSize,
		Driver:          "sqlite",
		KeyQueryTimeout: DefaultKeyQueryTimeout,
		CleanupInterval: DefaultCleanupInterval,
	}
}

func (c Configuration) withDefaults() Configuration {
	if c.DatabaseName == "" {
		c.DatabaseName = DefaultDatabaseName
	}
	if c.FileSystemName == "" {
		c.FileSystemName = DefaultFileSystemName
	}
	if c.FileSystemType == "" {
		c.FileSystemType = DefaultFileSystemType
	}
	if c.KeyQueryTimeout <= 0 {
		c.KeyQueryTimeout = DefaultKeyQueryTimeout
	}
	return c
}

// FileSystemPath is the volume file location.
func (c Configuration) FileSystemPath() string {
	return filepath.Join(c.StoragePath, c.FileSystemName)
}

// PlainDatabasePath is the database file used without encryption.
func (c Configuration) PlainDatabasePath() string {
	return filepath.Join(c.StoragePath, c.DatabaseName)
}

func (c Configuration) passphraseKey() models.Key {
	if c.EncryptionPassphrase == "" {
		return nil
	}
	return models.Key(c.EncryptionPassphrase)
}

func (c Configuration) dialect() (db.Dialect, error) {
	return db.ParseDialect(c.Driver)
}
