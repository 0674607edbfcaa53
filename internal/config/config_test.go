package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func TestLoad_Defaults(t *testing.T) {
	opts, err := Load(nil, env(nil))
	require.NoError(t, err)

	want := Default()
	assert.Equal(t, &want, opts)
}

func TestLoad_Precedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sso.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(`{
		// daemon settings
		"address": "file:1",
		"logLevel": "debug",
		"keyManagers": ["static"],
		"authorizationTimeout": "2m",
	}`), 0o600))

	opts, err := Load([]string{"--config", path, "-a", "flag:3"}, env(map[string]string{
		"SSO_ADDRESS":   "env:2",
		"SSO_LOG_LEVEL": "warn",
		"SSO_METRICS":   "false",
	}))
	require.NoError(t, err)

	assert.Equal(t, "flag:3", opts.Address, "flags beat everything")
	assert.Equal(t, "warn", opts.LogLevel, "environment beats the file")
	assert.False(t, opts.Metrics)
	assert.Equal(t, []string{"static"}, opts.KeyManagers)
	assert.Equal(t, Duration(2*time.Minute), opts.AuthorizationTimeout)
	assert.Equal(t, path, opts.Config)
}

func TestLoad_YAMLFromEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sso.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storagePath: /var/lib/sso
encryption: false
keyQueryTimeout: 10s
accessControl: none
`), 0o600))

	opts, err := Load(nil, env(map[string]string{"CONFIG": path, "SSO_KEY_MANAGERS": "dir, static"}))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/sso", opts.StoragePath)
	assert.False(t, opts.Encryption)
	assert.Equal(t, Duration(10*time.Second), opts.KeyQueryTimeout)
	assert.Equal(t, AccessControlNone, opts.AccessControl)
	assert.Equal(t, []string{"dir", "static"}, opts.KeyManagers)
}

func TestLoad_Errors(t *testing.T) {
	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"address": `), 0o600))

	tests := []struct {
		name string
		args []string
		env  map[string]string
	}{
		{"missing explicit file", []string{"-c", "/no/such/config.json"}, nil},
		{"malformed file", []string{"-c", bad}, nil},
		{"unknown flag", []string{"--bogus"}, nil},
		{"bad bool", nil, map[string]string{"SSO_ENCRYPTION": "maybe"}},
		{"unknown access control", []string{"--access-control", "acl"}, nil},
		{"postgres without dsn", []string{"--db-driver", "postgres", "--encryption=false"}, nil},
		{"encrypted postgres", []string{"--db-driver", "postgres", "-d", "postgres://x"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.args, env(tt.env))
			assert.Error(t, err)
		})
	}
}

func TestCAMConfiguration(t *testing.T) {
	opts := Default()
	opts.StoragePath = "/srv/sso"
	opts.Passphrase = "secret"
	opts.CleanupInterval = 0

	c := opts.CAMConfiguration()
	assert.Equal(t, "/srv/sso", c.StoragePath)
	assert.True(t, c.UseEncryption)
	assert.Equal(t, "secret", c.EncryptionPassphrase)
	assert.Equal(t, "sqlite", c.Driver)
	assert.Equal(t, 5*time.Minute, c.AuthorizationTimeout)
	assert.Zero(t, c.CleanupInterval)
	assert.Equal(t, []string{"dir"}, c.KeyManagers)
}
