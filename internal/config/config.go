// Package config provides functionality for managing configuration options
// for the daemon using command-line flags, environment variables and an
// optional configuration file.
//
// Sources are applied in increasing priority: built-in defaults, the
// configuration file (JSON with comments, or YAML by extension), SSO_*
// environment variables, and finally flags given on the command line.
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/atinyakov/GophSSO/internal/cam"
	"github.com/spf13/pflag"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Access control modes.
const (
	AccessControlContext = "context"
	AccessControlNone    = "none"
)

// Duration is a time.Duration read from configuration files as "30s", "5m".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Options holds the configuration values for the daemon.
type Options struct {
	// Address defines the server's listening address (ip:port).
	Address string `json:"address" yaml:"address"`

	// TLS material. The CA verifies application certificates.
	TLSCert string `json:"tlsCert" yaml:"tlsCert"`
	TLSKey  string `json:"tlsKey" yaml:"tlsKey"`
	TLSCA   string `json:"tlsCA" yaml:"tlsCA"`
	// CAKey enables application registration when set.
	CAKey string `json:"caKey" yaml:"caKey"`

	LogLevel string `json:"logLevel" yaml:"logLevel"`
	Metrics  bool   `json:"metrics" yaml:"metrics"`

	// StoragePath is the directory holding the credentials volume or database.
	StoragePath    string `json:"storagePath" yaml:"storagePath"`
	Encryption     bool   `json:"encryption" yaml:"encryption"`
	FileSystemSize uint32 `json:"fileSystemSize" yaml:"fileSystemSize"`
	// Passphrase unlocks the volume without a key manager.
	Passphrase string `json:"passphrase" yaml:"passphrase"`

	// DatabaseDriver is "sqlite" or "postgres"; DatabaseDSN is used by postgres.
	DatabaseDriver string `json:"databaseDriver" yaml:"databaseDriver"`
	DatabaseDSN    string `json:"databaseDSN" yaml:"databaseDSN"`

	// KeyManagers lists key manager names ("static", "dir") in query order.
	KeyManagers []string `json:"keyManagers" yaml:"keyManagers"`
	// KeyDir is watched by the "dir" key manager.
	KeyDir string `json:"keyDir" yaml:"keyDir"`
	// StaticKey is the key reported by the "static" key manager.
	StaticKey string `json:"staticKey" yaml:"staticKey"`
	// AutoApprove makes the "static" key manager approve authorization requests.
	AutoApprove bool `json:"autoApprove" yaml:"autoApprove"`

	AccessControl string `json:"accessControl" yaml:"accessControl"`
	KeychainAppID string `json:"keychainAppId" yaml:"keychainAppId"`

	AuthorizationTimeout Duration `json:"authorizationTimeout" yaml:"authorizationTimeout"`
	KeyQueryTimeout      Duration `json:"keyQueryTimeout" yaml:"keyQueryTimeout"`
	CleanupInterval      Duration `json:"cleanupInterval" yaml:"cleanupInterval"`
	ShutdownTimeout      Duration `json:"shutdownTimeout" yaml:"shutdownTimeout"`

	// Config is the path to the config file.
	Config string `json:"-" yaml:"-"`
}

// Default returns the built-in configuration.
func Default() Options {
	return Options{
		Address:              "localhost:8443",
		TLSCert:              "certs/server.crt",
		TLSKey:               "certs/server.key",
		TLSCA:                "certs/ca.crt",
		LogLevel:             "info",
		Metrics:              true,
		StoragePath:          "data",
		Encryption:           true,
		FileSystemSize:       cam.DefaultFileSystemSize,
		DatabaseDriver:       "sqlite",
		KeyManagers:          []string{"dir"},
		KeyDir:               "keys",
		AccessControl:        AccessControlContext,
		KeychainAppID:        "AID::keychain",
		AuthorizationTimeout: Duration(5 * time.Minute),
		KeyQueryTimeout:      Duration(cam.DefaultKeyQueryTimeout),
		CleanupInterval:      Duration(cam.DefaultCleanupInterval),
		ShutdownTimeout:      Duration(10 * time.Second),
		Config:               "config.json",
	}
}

// bindFlags registers every flag on fs with the current values of o as
// defaults, so that only flags given on the command line change o.
func bindFlags(fs *pflag.FlagSet, o *Options) {
	fs.StringVarP(&o.Address, "address", "a", o.Address, "run on ip:port server")
	fs.StringVar(&o.TLSCert, "tls-cert", o.TLSCert, "server certificate")
	fs.StringVar(&o.TLSKey, "tls-key", o.TLSKey, "server private key")
	fs.StringVar(&o.TLSCA, "tls-ca", o.TLSCA, "CA verifying application certificates")
	fs.StringVar(&o.CAKey, "ca-key", o.CAKey, "CA private key, enables application registration")
	fs.StringVarP(&o.LogLevel, "log-level", "l", o.LogLevel, "log level (debug, info, warn, error)")
	fs.BoolVar(&o.Metrics, "metrics", o.Metrics, "serve Prometheus metrics on /metrics")
	fs.StringVarP(&o.StoragePath, "storage", "s", o.StoragePath, "credentials storage directory")
	fs.BoolVar(&o.Encryption, "encryption", o.Encryption, "keep credentials in an encrypted volume")
	fs.Uint32Var(&o.FileSystemSize, "fs-size", o.FileSystemSize, "encrypted volume capacity in MiB, 0 for unlimited")
	fs.StringVar(&o.Passphrase, "passphrase", o.Passphrase, "volume passphrase (prefer SSO_PASSPHRASE)")
	fs.StringVar(&o.DatabaseDriver, "db-driver", o.DatabaseDriver, "database driver (sqlite, postgres)")
	fs.StringVarP(&o.DatabaseDSN, "dsn", "d", o.DatabaseDSN, "postgres connection string")
	fs.StringSliceVar(&o.KeyManagers, "key-manager", o.KeyManagers, "key managers in query order (static, dir)")
	fs.StringVar(&o.KeyDir, "key-dir", o.KeyDir, "directory watched by the dir key manager")
	fs.StringVar(&o.StaticKey, "static-key", o.StaticKey, "key of the static key manager (prefer SSO_STATIC_KEY)")
	fs.BoolVar(&o.AutoApprove, "auto-approve", o.AutoApprove, "static key manager approves key authorization")
	fs.StringVar(&o.AccessControl, "access-control", o.AccessControl, "access control mode (context, none)")
	fs.StringVar(&o.KeychainAppID, "keychain-app-id", o.KeychainAppID, "application id of the keychain widget")
	fs.DurationVar((*time.Duration)(&o.AuthorizationTimeout), "auth-timeout", time.Duration(o.AuthorizationTimeout), "key authorization timeout")
	fs.DurationVar((*time.Duration)(&o.KeyQueryTimeout), "key-query-timeout", time.Duration(o.KeyQueryTimeout), "initial key query timeout")
	fs.DurationVar((*time.Duration)(&o.CleanupInterval), "cleanup-interval", time.Duration(o.CleanupInterval), "dictionary cleanup interval, 0 disables")
	fs.DurationVar((*time.Duration)(&o.ShutdownTimeout), "shutdown-timeout", time.Duration(o.ShutdownTimeout), "graceful shutdown timeout")
	fs.StringVarP(&o.Config, "config", "c", o.Config, "path to config file")
}

// Load builds Options from args and the environment. getenv is usually
// os.Getenv.
func Load(args []string, getenv func(string) string) (*Options, error) {
	// First pass only locates the config file.
	scratch := Default()
	pre := pflag.NewFlagSet("gophsso", pflag.ContinueOnError)
	pre.Usage = func() {}
	bindFlags(pre, &scratch)
	if err := pre.Parse(args); err != nil {
		return nil, err
	}
	path := scratch.Config
	if env := getenv("CONFIG"); env != "" && !pre.Changed("config") {
		path = env
	}

	opts := Default()
	opts.Config = path
	if err := loadFile(path, &opts, pre.Changed("config") || getenv("CONFIG") != ""); err != nil {
		return nil, err
	}
	if err := applyEnv(&opts, getenv); err != nil {
		return nil, err
	}

	fs := pflag.NewFlagSet("gophsso", pflag.ContinueOnError)
	bindFlags(fs, &opts)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &opts, nil
}

// Parse loads the configuration of the running process. It exits on error.
func Parse() *Options {
	opts, err := Load(os.Args[1:], os.Getenv)
	if err != nil {
		log.Fatalf("error while loading configuration: %v", err)
	}
	return opts
}

// loadFile merges the file at path into o. A missing file is an error only
// when it was named explicitly.
func loadFile(path string, o *Options, explicit bool) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return nil
		}
		return fmt.Errorf("error while reading config file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, o)
	default:
		err = json.Unmarshal(jsonc.ToJSON(data), o)
	}
	if err != nil {
		return fmt.Errorf("error while parsing config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(o *Options, getenv func(string) string) error {
	str := map[string]*string{
		"SERVER_ADDRESS":      &o.Address,
		"SSO_ADDRESS":         &o.Address,
		"SSO_TLS_CERT":        &o.TLSCert,
		"SSO_TLS_KEY":         &o.TLSKey,
		"SSO_TLS_CA":          &o.TLSCA,
		"SSO_CA_KEY":          &o.CAKey,
		"SSO_LOG_LEVEL":       &o.LogLevel,
		"SSO_STORAGE_PATH":    &o.StoragePath,
		"SSO_PASSPHRASE":      &o.Passphrase,
		"SSO_DATABASE_DRIVER": &o.DatabaseDriver,
		"SSO_DATABASE_DSN":    &o.DatabaseDSN,
		"SSO_KEY_DIR":         &o.KeyDir,
		"SSO_STATIC_KEY":      &o.StaticKey,
		"SSO_ACCESS_CONTROL":  &o.AccessControl,
		"SSO_KEYCHAIN_APP_ID": &o.KeychainAppID,
	}
	// SERVER_ADDRESS first so that SSO_ADDRESS wins.
	for _, name := range []string{
		"SERVER_ADDRESS", "SSO_ADDRESS", "SSO_TLS_CERT", "SSO_TLS_KEY", "SSO_TLS_CA", "SSO_CA_KEY",
		"SSO_LOG_LEVEL", "SSO_STORAGE_PATH", "SSO_PASSPHRASE", "SSO_DATABASE_DRIVER",
		"SSO_DATABASE_DSN", "SSO_KEY_DIR", "SSO_STATIC_KEY", "SSO_ACCESS_CONTROL", "SSO_KEYCHAIN_APP_ID",
	} {
		if v := getenv(name); v != "" {
			*str[name] = v
		}
	}

	if v := getenv("SSO_KEY_MANAGERS"); v != "" {
		o.KeyManagers = splitList(v)
	}
	for name, dst := range map[string]*bool{
		"SSO_ENCRYPTION":   &o.Encryption,
		"SSO_METRICS":      &o.Metrics,
		"SSO_AUTO_APPROVE": &o.AutoApprove,
	} {
		if v := getenv(name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*dst = b
		}
	}
	if v := getenv("SSO_AUTH_TIMEOUT"); v != "" {
		if err := o.AuthorizationTimeout.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("SSO_AUTH_TIMEOUT: %w", err)
		}
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks values that would otherwise fail late.
func (o *Options) Validate() error {
	switch o.AccessControl {
	case AccessControlContext, AccessControlNone:
	default:
		return fmt.Errorf("unknown access control mode %q", o.AccessControl)
	}
	switch o.DatabaseDriver {
	case "sqlite":
	case "postgres":
		if o.DatabaseDSN == "" {
			return fmt.Errorf("postgres requires a DSN")
		}
		if o.Encryption {
			return fmt.Errorf("encryption requires the sqlite driver")
		}
	default:
		return fmt.Errorf("unknown database driver %q", o.DatabaseDriver)
	}
	if o.StoragePath == "" {
		return fmt.Errorf("storage path is empty")
	}
	return nil
}

// CAMConfiguration returns the credentials access manager configuration.
// The key managers are not listed there; main wires them directly.
func (o *Options) CAMConfiguration() cam.Configuration {
	c := cam.DefaultConfiguration(o.StoragePath)
	c.UseEncryption = o.Encryption
	c.FileSystemSize = o.FileSystemSize
	c.EncryptionPassphrase = o.Passphrase
	c.Driver = o.DatabaseDriver
	c.DSN = o.DatabaseDSN
	c.KeyManagers = append([]string(nil), o.KeyManagers...)
	c.KeyQueryTimeout = time.Duration(o.KeyQueryTimeout)
	c.AuthorizationTimeout = time.Duration(o.AuthorizationTimeout)
	c.CleanupInterval = time.Duration(o.CleanupInterval)
	return c
}
