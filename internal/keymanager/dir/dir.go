// Package dir is a key manager backed by a directory of key files.
//
// Every "<name>.key" file is an inserted key holding the key bytes. Renaming
// it to "<name>.key.disabled" disables the key and deleting it removes the
// key. Authorization requests are answered by creating an empty
// "<fingerprint>.approve" or "<fingerprint>.deny" file.
package dir

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/atinyakov/GophSSO/internal/keyhandler"
	"github.com/atinyakov/GophSSO/internal/models"
	"go.uber.org/zap"
)

const (
	// Name is the configuration name of this manager.
	Name = "dir"

	DefaultInterval = 2 * time.Second

	keySuffix      = ".key"
	disabledSuffix = ".key.disabled"
	approveSuffix  = ".approve"
	denySuffix     = ".deny"
)

// ErrNotSetUp is returned before Setup.
var ErrNotSetUp = errors.New("directory key manager is not set up")

// Option configures a Manager.
type Option func(*Manager)

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

type keyFile struct {
	key      models.Key
	disabled bool
}

// Manager polls a key directory.
type Manager struct {
	dir      string
	interval time.Duration
	log      *zap.Logger

	mu      sync.Mutex
	sink    keyhandler.Sink
	known   map[string]keyFile
	pending map[string]models.Key
	cancel  context.CancelFunc
	done    chan struct{}
}

// New returns a Manager watching path.
func New(path string, opts ...Option) *Manager {
	m := &Manager{
		dir:      path,
		interval: DefaultInterval,
		log:      zap.NewNop(),
		known:    map[string]keyFile{},
		pending:  map[string]models.Key{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Name() string { return Name }

// Setup creates the directory and starts polling it.
func (m *Manager) Setup(_ context.Context, sink keyhandler.Sink) error {
	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sink != nil {
		return errors.New("directory key manager already set up")
	}
	m.sink = sink

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.poll(ctx, m.done)
	return nil
}

func (m *Manager) poll(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.scan(false); err != nil {
				m.log.Warn("failed to scan key directory", zap.String("dir", m.dir), zap.Error(err))
			}
		}
	}
}

// QueryKeys reports every active key again.
func (m *Manager) QueryKeys(context.Context) error {
	return m.scan(true)
}

// AuthorizeKey records a pending request. The answer is picked up by the
// next scan.
func (m *Manager) AuthorizeKey(_ context.Context, key models.Key, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sink == nil {
		return ErrNotSetUp
	}
	fp := key.Fingerprint()
	m.pending[fp] = key
	m.log.Info("key authorization requested",
		zap.String("key", fp),
		zap.String("message", message),
		zap.String("approve_file", filepath.Join(m.dir, fp+approveSuffix)),
	)
	return nil
}

// Close stops polling.
func (m *Manager) Close() error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.sink = nil
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

type answer struct {
	key      models.Key
	approved bool
}

// scan diffs the directory against the known keys and reports changes. With
// force set every active key is reported as inserted.
func (m *Manager) scan(force bool) error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return err
	}

	current := map[string]keyFile{}
	answers := map[string]bool{}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		name := e.Name()
		switch {
		case strings.HasSuffix(name, disabledSuffix):
			if k, err := m.readKey(name); err == nil && !k.IsEmpty() {
				current[strings.TrimSuffix(name, disabledSuffix)] = keyFile{key: k, disabled: true}
			}
		case strings.HasSuffix(name, keySuffix):
			if k, err := m.readKey(name); err == nil && !k.IsEmpty() {
				current[strings.TrimSuffix(name, keySuffix)] = keyFile{key: k}
			}
		case strings.HasSuffix(name, approveSuffix):
			answers[strings.TrimSuffix(name, approveSuffix)] = true
		case strings.HasSuffix(name, denySuffix):
			answers[strings.TrimSuffix(name, denySuffix)] = false
		}
	}

	m.mu.Lock()
	sink := m.sink
	if sink == nil {
		m.mu.Unlock()
		return ErrNotSetUp
	}
	var inserted, removed, disabled []models.Key
	for id, kf := range current {
		prev, seen := m.known[id]
		switch {
		case kf.disabled && seen && !prev.disabled:
			disabled = append(disabled, kf.key)
		case !kf.disabled && (!seen || prev.disabled || force || !prev.key.Equal(kf.key)):
			inserted = append(inserted, kf.key)
		}
	}
	for id, kf := range m.known {
		if _, ok := current[id]; !ok {
			removed = append(removed, kf.key)
		}
	}
	m.known = current

	var replies []answer
	for fp, approved := range answers {
		key, ok := m.pending[fp]
		if !ok {
			continue
		}
		delete(m.pending, fp)
		replies = append(replies, answer{key: key, approved: approved})
		suffix := denySuffix
		if approved {
			suffix = approveSuffix
		}
		if err := os.Remove(filepath.Join(m.dir, fp+suffix)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			m.log.Warn("failed to remove answer file", zap.Error(err))
		}
	}
	m.mu.Unlock()

	for _, k := range removed {
		sink.KeyRemoved(k)
	}
	for _, k := range disabled {
		sink.KeyDisabled(k)
	}
	for _, k := range inserted {
		sink.KeyInserted(k)
	}
	for _, r := range replies {
		sink.KeyAuthorized(r.key, r.approved)
	}
	return nil
}

func (m *Manager) readKey(name string) (models.Key, error) {
	data, err := os.ReadFile(filepath.Join(m.dir, name))
	if err != nil {
		return nil, err
	}
	return models.Key(bytes.TrimSpace(data)), nil
}
