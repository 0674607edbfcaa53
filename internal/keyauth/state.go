// Package keyauth decides whether a key observed by a key manager may be
// trusted to unlock the credentials volume.
//
// The decision logic is the pure function Transition. Authorizer wraps it
// with a mutex, executes the resulting effects against the UI and a
// Listener, and arms timeouts so that no waiting state is permanent.
package keyauth

import (
	"fmt"

	"github.com/atinyakov/GophSSO/internal/models"
)

// Decision is the outcome of an authorization query.
type Decision int

const (
	// Denied is the default outcome.
	Denied Decision = iota
	// Approved allows the key to unlock storage.
	Approved
	// Exclusive allows the key, but storage must be wiped and reformatted
	// with it instead of unlocked.
	Exclusive
)

func (d Decision) String() string {
	switch d {
	case Approved:
		return "approved"
	case Exclusive:
		return "exclusive"
	default:
		return "denied"
	}
}

// Reason explains why a key is being queried.
type Reason int

const (
	// ReasonAny is an unqualified query.
	ReasonAny Reason = iota
	// ReasonKeyInserted is sent when a key manager reports a new key.
	ReasonKeyInserted
	// ReasonStorageNeeded is sent when storage must be opened and no
	// authorized key is available.
	ReasonStorageNeeded
)

func (r Reason) String() string {
	switch r {
	case ReasonKeyInserted:
		return "key-inserted"
	case ReasonStorageNeeded:
		return "storage-needed"
	default:
		return "any"
	}
}

// State is one of Idle, AuthorizeNext, WaitingQuery, SwapWithAuthorized
// and WaitingAuthorized.
type State interface {
	isState()
	fmt.Stringer
}

// Idle waits for queries.
type Idle struct{}

// AuthorizeNext waits for an unauthorized key to be inserted after the
// last authorized key went away.
type AuthorizeNext struct{}

// WaitingQuery holds the inserted key that the next matching query approves.
type WaitingQuery struct{ Key models.Key }

// SwapWithAuthorized waits for the unauthorized key to be removed so that
// an authorized one can take its place.
type SwapWithAuthorized struct{}

// WaitingAuthorized holds the removed key while waiting for an authorized
// key to be inserted.
type WaitingAuthorized struct{ Key models.Key }

func (Idle) isState()               {}
func (AuthorizeNext) isState()      {}
func (WaitingQuery) isState()       {}
func (SwapWithAuthorized) isState() {}
func (WaitingAuthorized) isState()  {}

func (Idle) String() string               { return "Idle" }
func (AuthorizeNext) String() string      { return "AuthorizeNext" }
func (WaitingQuery) String() string       { return "WaitingQuery" }
func (SwapWithAuthorized) String() string { return "SwapWithAuthorized" }
func (WaitingAuthorized) String() string  { return "WaitingAuthorized" }

// Event is an input to Transition.
type Event interface{ isEvent() }

// Query asks whether Key may be used.
type Query struct {
	Key    models.Key
	Reason Reason
}

// KeyInserted reports a key that appeared. Authorized tells whether it is
// already in the authorized set.
type KeyInserted struct {
	Key        models.Key
	Authorized bool
}

// KeyDisabled reports that an unauthorized key was removed or replaced.
type KeyDisabled struct{ Key models.Key }

// LastAuthorizedKeyRemoved reports that the authorized set became empty
// while other keys are still present.
type LastAuthorizedKeyRemoved struct{}

// NoKeyPresentAccepted is the user dismissing the no-key notice.
type NoKeyPresentAccepted struct{}

// ClearStorage is the user agreeing to wipe the storage.
type ClearStorage struct{}

// UIRejected is the user cancelling a prompt.
type UIRejected struct{}

// UIError is a UI service failure.
type UIError struct{ Err error }

// Timeout fires when a waiting state armed with Generation expires.
type Timeout struct{ Generation uint64 }

func (Query) isEvent()                    {}
func (KeyInserted) isEvent()              {}
func (KeyDisabled) isEvent()              {}
func (LastAuthorizedKeyRemoved) isEvent() {}
func (NoKeyPresentAccepted) isEvent()     {}
func (ClearStorage) isEvent()             {}
func (UIRejected) isEvent()               {}
func (UIError) isEvent()                  {}
func (Timeout) isEvent()                  {}

// Effect is a command produced by Transition.
type Effect interface{ isEffect() }

// Decide reports a decision about Key.
type Decide struct {
	Key      models.Key
	Decision Decision
}

// NotifyNoKeyPresent asks the UI to tell the user no key is present.
type NotifyNoKeyPresent struct{}

// NotifyNoAuthorizedKeyPresent asks the UI to tell the user that only
// unauthorized keys are present.
type NotifyNoAuthorizedKeyPresent struct{}

// NotifyKeyAuthorized asks the UI to confirm that a key was authorized.
type NotifyKeyAuthorized struct{}

// NotifyStorageCleared asks the UI to tell the user storage was wiped.
type NotifyStorageCleared struct{}

// CloseUI closes any visible notification.
type CloseUI struct{}

// ArmTimeout starts a new timeout generation for the state just entered.
type ArmTimeout struct{}

func (Decide) isEffect()                       {}
func (NotifyNoKeyPresent) isEffect()           {}
func (NotifyNoAuthorizedKeyPresent) isEffect() {}
func (NotifyKeyAuthorized) isEffect()          {}
func (NotifyStorageCleared) isEffect()         {}
func (CloseUI) isEffect()                      {}
func (ArmTimeout) isEffect()                   {}

// Env is the snapshot of key handler state a transition may read.
type Env struct {
	// StorageFormatted is false until the encrypted volume exists.
	StorageFormatted bool
	// UnauthorizedKeys counts inserted keys not in the authorized set.
	UnauthorizedKeys int
	// Generation is the current timeout generation.
	Generation uint64
}
