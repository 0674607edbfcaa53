// Package ui defines the secure-storage user interface contract used while
// recovering access to the encrypted credentials volume.
package ui

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventKind identifies a user reply.
type EventKind int

const (
	// NoKeyPresentAccepted is sent when the user dismisses the no-key notice.
	NoKeyPresentAccepted EventKind = iota + 1
	// ClearPasswordsStorage is sent when the user agrees to wipe storage.
	ClearPasswordsStorage
	// Rejected is sent when the user cancels a prompt.
	Rejected
	// Error is sent when the UI service fails.
	Error
)

func (k EventKind) String() string {
	switch k {
	case NoKeyPresentAccepted:
		return "no-key-present-accepted"
	case ClearPasswordsStorage:
		return "clear-passwords-storage"
	case Rejected:
		return "rejected"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a reply from the UI service.
type Event struct {
	Kind EventKind
	// PromptID is the id of the notification this event answers, if known.
	PromptID string
	// Err is set for Error events.
	Err error
}

// Handler receives UI events.
type Handler func(Event)

// SecureStorageUI shows one-shot notifications about the state of the
// encrypted storage. Replies arrive asynchronously on the registered Handler.
type SecureStorageUI interface {
	NotifyNoKeyPresent()
	NotifyNoAuthorizedKeyPresent()
	NotifyKeyAuthorized()
	NotifyStorageCleared()
	CloseUI()
	SetHandler(h Handler)
}

// LogUI is a headless SecureStorageUI. It logs every notification and
// only replies when Reply is called, for example from the control API.
type LogUI struct {
	log *zap.Logger

	mu      sync.Mutex
	handler Handler
	prompt  string
	visible bool
}

// NewLogUI returns a LogUI writing to log.
func NewLogUI(log *zap.Logger) *LogUI {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogUI{log: log}
}

func (u *LogUI) show(kind string) {
	u.mu.Lock()
	u.prompt = uuid.NewString()
	u.visible = true
	id := u.prompt
	u.mu.Unlock()
	u.log.Info("secure storage notification", zap.String("kind", kind), zap.String("prompt_id", id))
}

// NotifyNoKeyPresent implements SecureStorageUI.
func (u *LogUI) NotifyNoKeyPresent() { u.show("no-key-present") }

// NotifyNoAuthorizedKeyPresent implements SecureStorageUI.
func (u *LogUI) NotifyNoAuthorizedKeyPresent() { u.show("no-authorized-key-present") }

// NotifyKeyAuthorized implements SecureStorageUI.
func (u *LogUI) NotifyKeyAuthorized() { u.show("key-authorized") }

// NotifyStorageCleared implements SecureStorageUI.
func (u *LogUI) NotifyStorageCleared() { u.show("storage-cleared") }

// CloseUI implements SecureStorageUI.
func (u *LogUI) CloseUI() {
	u.mu.Lock()
	wasVisible := u.visible
	u.visible = false
	u.mu.Unlock()
	if wasVisible {
		u.log.Info("secure storage notification closed")
	}
}

// SetHandler implements SecureStorageUI.
func (u *LogUI) SetHandler(h Handler) {
	u.mu.Lock()
	u.handler = h
	u.mu.Unlock()
}

// Visible reports whether a notification is currently shown, and its id.
func (u *LogUI) Visible() (string, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.prompt, u.visible
}

// Reply delivers a user reply to the registered handler.
func (u *LogUI) Reply(kind EventKind) {
	u.mu.Lock()
	h := u.handler
	id := u.prompt
	u.mu.Unlock()
	if h == nil {
		u.log.Warn("dropping ui reply without handler", zap.Stringer("kind", kind))
		return
	}
	h(Event{Kind: kind, PromptID: id})
}
