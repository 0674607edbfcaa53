// Package static is a key manager reporting one fixed key, such as a
// passphrase from the configuration.
package static

import (
	"context"
	"errors"
	"sync"

	"github.com/atinyakov/GophSSO/internal/keyhandler"
	"github.com/atinyakov/GophSSO/internal/models"
	"go.uber.org/zap"
)

// Name is the configuration name of this manager.
const Name = "static"

// ErrNotSetUp is returned before Setup.
var ErrNotSetUp = errors.New("static key manager is not set up")

// Manager reports its key on every query.
type Manager struct {
	key         models.Key
	autoApprove bool
	log         *zap.Logger

	mu   sync.Mutex
	sink keyhandler.Sink
}

// New returns a Manager for key. With autoApprove set every authorization
// request is granted, otherwise every request is refused.
func New(key models.Key, autoApprove bool, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{key: key, autoApprove: autoApprove, log: log}
}

func (m *Manager) Name() string { return Name }

func (m *Manager) Setup(_ context.Context, sink keyhandler.Sink) error {
	if m.key.IsEmpty() {
		return errors.New("static key manager has no key")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = sink
	return nil
}

func (m *Manager) QueryKeys(context.Context) error {
	sink, err := m.current()
	if err != nil {
		return err
	}
	sink.KeyInserted(m.key)
	return nil
}

func (m *Manager) AuthorizeKey(_ context.Context, key models.Key, message string) error {
	sink, err := m.current()
	if err != nil {
		return err
	}
	m.log.Info("authorization requested",
		zap.String("key", key.Fingerprint()),
		zap.String("message", message),
		zap.Bool("approved", m.autoApprove),
	)
	sink.KeyAuthorized(key, m.autoApprove)
	return nil
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = nil
	return nil
}

func (m *Manager) current() (keyhandler.Sink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sink == nil {
		return nil, ErrNotSetUp
	}
	return m.sink, nil
}
