// Package keyhandler tracks the keys reported by key managers and decides,
// together with the key authorizer, which of them may unlock storage.
package keyhandler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/atinyakov/GophSSO/internal/keyauth"
	"github.com/atinyakov/GophSSO/internal/metrics"
	"github.com/atinyakov/GophSSO/internal/models"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrNoKeyManager is returned by Initialize when every manager failed.
var ErrNoKeyManager = errors.New("no key manager could be set up")

// Sink receives key events from a KeyManager.
type Sink interface {
	KeyInserted(key models.Key)
	KeyRemoved(key models.Key)
	KeyDisabled(key models.Key)
	// KeyAuthorized answers a previous KeyManager.AuthorizeKey call.
	KeyAuthorized(key models.Key, approved bool)
}

// KeyManager is a source of keys, such as a SIM card or a device lock code.
type KeyManager interface {
	Name() string
	// Setup starts the manager. Events may be delivered to sink from any
	// goroutine until Close returns.
	Setup(ctx context.Context, sink Sink) error
	// QueryKeys asks the manager to report its current keys again.
	QueryKeys(ctx context.Context) error
	// AuthorizeKey asks the manager to confirm key with the user. The
	// answer arrives later through Sink.KeyAuthorized.
	AuthorizeKey(ctx context.Context, key models.Key, message string) error
	Close() error
}

// KeyChecker is the part of the crypto manager the handler needs.
type KeyChecker interface {
	EncryptionKeyInUse(key models.Key) bool
	AddEncryptionKey(newKey, existingKey models.Key) error
	FileSystemIsSetup() bool
}

// Authorizer is implemented by *keyauth.Authorizer.
type Authorizer interface {
	QueryKeyAuthorization(ctx context.Context, key models.Key, reason keyauth.Reason) keyauth.Decision
	Handle(ev keyauth.Event)
	Bind(env keyauth.EnvSource, l keyauth.Listener)
}

// Listener is notified about key changes, normally by the credentials
// access manager.
type Listener interface {
	KeyInserted(key models.Key, authorized bool)
	KeyRemoved(key models.Key)
	// KeyAuthorized reports a newly trusted key. When exclusive is set the
	// storage must be wiped and reformatted with key.
	KeyAuthorized(key models.Key, exclusive bool)
}

const authorizeMessage = "Key is not authorized to unlock the credentials storage"

// Handler implements Sink for every configured key manager.
type Handler struct {
	crypto KeyChecker
	auth   Authorizer
	log    *zap.Logger

	mu         sync.Mutex
	listener   Listener
	managers   []KeyManager
	inserted   models.KeySet
	authorized models.KeySet
	unlockKey  models.Key

	ready     chan struct{}
	readyOnce sync.Once
}

// New returns a Handler and binds it to auth.
func New(crypto KeyChecker, auth Authorizer, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Handler{
		crypto:     crypto,
		auth:       auth,
		log:        log,
		inserted:   models.KeySet{},
		authorized: models.KeySet{},
		ready:      make(chan struct{}),
	}
	auth.Bind(h, authListener{h})
	return h
}

// SetListener sets the receiver of key notifications.
func (h *Handler) SetListener(l Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listener = l
}

// Initialize sets up every manager concurrently. Managers whose Setup fails
// are logged and dropped; the others are kept in the given order.
func (h *Handler) Initialize(ctx context.Context, managers ...KeyManager) error {
	ok := make([]bool, len(managers))

	var g errgroup.Group
	for i, m := range managers {
		g.Go(func() error {
			if err := m.Setup(ctx, h); err != nil {
				h.log.Error("failed to set up key manager",
					zap.String("manager", m.Name()),
					zap.Error(err),
				)
				return nil
			}
			ok[i] = true
			return nil
		})
	}
	_ = g.Wait()

	var active []KeyManager
	for i, m := range managers {
		if ok[i] {
			active = append(active, m)
		}
	}

	h.mu.Lock()
	h.managers = active
	h.mu.Unlock()
	h.readyOnce.Do(func() { close(h.ready) })

	if len(managers) > 0 && len(active) == 0 {
		return ErrNoKeyManager
	}
	h.log.Info("key managers ready", zap.Int("active", len(active)), zap.Int("configured", len(managers)))
	return nil
}

// Ready is closed once Initialize returned.
func (h *Handler) Ready() <-chan struct{} { return h.ready }

// QueryKeys asks every manager, in configured order, to report its keys.
func (h *Handler) QueryKeys(ctx context.Context) error {
	h.mu.Lock()
	managers := append([]KeyManager(nil), h.managers...)
	h.mu.Unlock()

	var errs error
	for _, m := range managers {
		if err := m.QueryKeys(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("query keys from %s: %w", m.Name(), err))
		}
	}
	return errs
}

// Close closes every manager.
func (h *Handler) Close() error {
	h.mu.Lock()
	managers := h.managers
	h.managers = nil
	h.mu.Unlock()

	var errs error
	for _, m := range managers {
		if err := m.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close %s: %w", m.Name(), err))
		}
	}
	return errs
}

// SetUnlockKey records the key currently unlocking the storage. It is
// trusted from then on.
func (h *Handler) SetUnlockKey(key models.Key) {
	h.mu.Lock()
	h.unlockKey = key
	if !key.IsEmpty() {
		h.authorized.Add(key)
	}
	h.mu.Unlock()
	h.updateGauges()
}

// UnlockKey returns the key set with SetUnlockKey.
func (h *Handler) UnlockKey() models.Key {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.unlockKey
}

// InsertedKeys returns every key currently reported by a manager.
func (h *Handler) InsertedKeys() []models.Key {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inserted.Keys()
}

// AuthorizedKeys returns the trusted keys.
func (h *Handler) AuthorizedKeys() []models.Key {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.authorized.Keys()
}

// IsKeyAuthorized reports whether key is trusted.
func (h *Handler) IsKeyAuthorized(key models.Key) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.authorized.Has(key)
}

// StorageFormatted reports whether the encrypted volume exists.
func (h *Handler) StorageFormatted() bool { return h.crypto.FileSystemIsSetup() }

// UnauthorizedKeyCount returns the number of inserted keys that are not
// trusted.
func (h *Handler) UnauthorizedKeyCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, k := range h.inserted {
		if !h.authorized.Has(k) {
			n++
		}
	}
	return n
}

// KeyInserted implements Sink.
func (h *Handler) KeyInserted(key models.Key) {
	if key.IsEmpty() {
		return
	}
	authorized := h.IsKeyAuthorized(key) || h.crypto.EncryptionKeyInUse(key)

	h.mu.Lock()
	h.inserted.Add(key)
	if authorized {
		h.authorized.Add(key)
	}
	listener := h.listener
	h.mu.Unlock()
	h.updateGauges()

	h.log.Info("key inserted", zap.String("key", key.Fingerprint()), zap.Bool("authorized", authorized))
	if listener != nil {
		listener.KeyInserted(key, authorized)
	}
	h.auth.Handle(keyauth.KeyInserted{Key: key, Authorized: authorized})
	if authorized {
		return
	}

	ctx := context.Background()
	if h.crypto.FileSystemIsSetup() && h.existingKey().IsEmpty() {
		// Nothing can add the key to a locked volume. The authorizer keeps
		// it pending so the user may still choose to clear the storage.
		h.requestAuthorization(ctx, key)
		return
	}
	d := h.auth.QueryKeyAuthorization(ctx, key, keyauth.ReasonKeyInserted)
	if d == keyauth.Denied {
		h.requestAuthorization(ctx, key)
		return
	}
	h.decided(key, d)
}

// KeyRemoved implements Sink.
func (h *Handler) KeyRemoved(key models.Key) {
	h.mu.Lock()
	h.inserted.Remove(key)
	wasAuthorized := h.authorized.Remove(key)
	lastGone := wasAuthorized && len(h.authorized) == 0 && len(h.inserted) > 0
	listener := h.listener
	h.mu.Unlock()
	h.updateGauges()

	h.log.Info("key removed", zap.String("key", key.Fingerprint()))
	if listener != nil {
		listener.KeyRemoved(key)
	}
	if lastGone {
		h.auth.Handle(keyauth.LastAuthorizedKeyRemoved{})
	}
}

// KeyDisabled implements Sink. A disabled key is physically gone, so it
// stops counting as inserted.
func (h *Handler) KeyDisabled(key models.Key) {
	h.mu.Lock()
	h.inserted.Remove(key)
	wasAuthorized := h.authorized.Remove(key)
	lastGone := wasAuthorized && len(h.authorized) == 0 && len(h.inserted) > 0
	h.mu.Unlock()
	h.updateGauges()

	h.log.Info("key disabled", zap.String("key", key.Fingerprint()))
	h.auth.Handle(keyauth.KeyDisabled{Key: key})
	if lastGone {
		h.auth.Handle(keyauth.LastAuthorizedKeyRemoved{})
	}
}

// KeyAuthorized implements Sink.
func (h *Handler) KeyAuthorized(key models.Key, approved bool) {
	if !approved {
		h.log.Info("key manager refused key", zap.String("key", key.Fingerprint()))
		return
	}
	h.decided(key, keyauth.Approved)
}

// RequestStorageAccess asks the authorizer for access when storage must be
// opened but no trusted key is present.
func (h *Handler) RequestStorageAccess(ctx context.Context) keyauth.Decision {
	return h.auth.QueryKeyAuthorization(ctx, nil, keyauth.ReasonStorageNeeded)
}

func (h *Handler) requestAuthorization(ctx context.Context, key models.Key) {
	h.mu.Lock()
	managers := append([]KeyManager(nil), h.managers...)
	h.mu.Unlock()

	for _, m := range managers {
		if err := m.AuthorizeKey(ctx, key, authorizeMessage); err != nil {
			h.log.Warn("key manager cannot authorize key",
				zap.String("manager", m.Name()),
				zap.String("key", key.Fingerprint()),
				zap.Error(err),
			)
		}
	}
}

// decided acts on a positive decision. An approved key is added to the
// volume key slots when the volume exists; an exclusive key replaces every
// trusted key.
func (h *Handler) decided(key models.Key, d keyauth.Decision) {
	switch d {
	case keyauth.Approved:
		if h.IsKeyAuthorized(key) {
			return
		}
		if h.crypto.FileSystemIsSetup() {
			unlock := h.existingKey()
			if unlock.IsEmpty() {
				h.log.Warn("cannot authorize key while storage is locked", zap.String("key", key.Fingerprint()))
				return
			}
			if err := h.crypto.AddEncryptionKey(key, unlock); err != nil {
				h.log.Error("failed to add encryption key", zap.String("key", key.Fingerprint()), zap.Error(err))
				return
			}
		}
		h.mu.Lock()
		h.authorized.Add(key)
		listener := h.listener
		h.mu.Unlock()
		h.updateGauges()
		if listener != nil {
			listener.KeyAuthorized(key, false)
		}

	case keyauth.Exclusive:
		h.mu.Lock()
		h.authorized = models.KeySet{}
		h.authorized.Add(key)
		listener := h.listener
		h.mu.Unlock()
		h.updateGauges()
		if listener != nil {
			listener.KeyAuthorized(key, true)
		}
	}
}

// existingKey returns the unlock key, or any trusted key when the storage
// was not unlocked through this handler yet.
func (h *Handler) existingKey() models.Key {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.unlockKey.IsEmpty() {
		return h.unlockKey
	}
	for _, k := range h.authorized {
		return k
	}
	return nil
}

func (h *Handler) updateGauges() {
	h.mu.Lock()
	inserted, authorized := len(h.inserted), len(h.authorized)
	h.mu.Unlock()
	metrics.KeysTracked.WithLabelValues("inserted").Set(float64(inserted))
	metrics.KeysTracked.WithLabelValues("authorized").Set(float64(authorized))
}

// authListener adapts Handler to keyauth.Listener.
type authListener struct{ h *Handler }

func (l authListener) KeyAuthorized(key models.Key, d keyauth.Decision) { l.h.decided(key, d) }
