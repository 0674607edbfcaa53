// Package models defines the core data structures for identities,
// security contexts and encryption keys.
package models

// NewIdentityID is the id of an identity that has not been stored yet.
const NewIdentityID uint32 = 0

// IdentityFlags is the bitset persisted in the CREDENTIALS.flags column.
type IdentityFlags uint32

const (
	// FlagValidated marks an identity whose secret was verified by a method.
	FlagValidated IdentityFlags = 1 << iota
	// FlagRememberPassword marks an identity whose password is persisted.
	FlagRememberPassword
	// FlagUserNameIsSecret marks an identity whose username is treated as a secret.
	FlagUserNameIsSecret
)

// Has reports whether all bits of f are set.
func (fl IdentityFlags) Has(f IdentityFlags) bool {
	return fl&f == f
}

// IdentityType classifies what an identity authenticates against.
type IdentityType int

const (
	// TypeOther is the default identity type.
	TypeOther IdentityType = iota
	// TypeApplication is an identity for a local application.
	TypeApplication
	// TypeWeb is an identity for a web service.
	TypeWeb
	// TypeNetwork is an identity for a network resource.
	TypeNetwork
)

// Identity is a stored credential record addressable by a numeric id.
type Identity struct {
	// ID is assigned by the credentials store; NewIdentityID until stored.
	ID uint32 `json:"id"`
	// Caption is a human-readable label.
	Caption string `json:"caption"`
	// Username is the login name.
	Username string `json:"username"`
	// Password is only populated when the caller asked for secrets and the
	// identity remembers its password.
	Password string `json:"password,omitempty"`
	// Flags holds the Validated, RememberPassword and UserNameIsSecret bits.
	Flags IdentityFlags `json:"flags"`
	// Type classifies the identity.
	Type IdentityType `json:"type"`
	// Realms lists the realms (domains) the identity is valid for.
	Realms []string `json:"realms,omitempty"`
	// Methods maps a method name to its allowed mechanisms. An empty
	// mechanism list allows any mechanism; an empty map allows any method.
	Methods map[string][]string `json:"methods,omitempty"`
	// AccessControlList lists the security contexts allowed to use the identity.
	AccessControlList SecurityContextList `json:"acl,omitempty"`
	// OwnerList lists the security contexts allowed to modify the identity.
	OwnerList SecurityContextList `json:"owner,omitempty"`
	// RefCount is the number of references stored for the identity.
	RefCount int `json:"refCount"`
}

// Validated reports whether the identity carries the Validated flag.
func (i *Identity) Validated() bool { return i.Flags.Has(FlagValidated) }

// StorePassword reports whether the identity remembers its password.
func (i *Identity) StorePassword() bool { return i.Flags.Has(FlagRememberPassword) }

// SetFlag sets or clears f.
func (i *Identity) SetFlag(f IdentityFlags, on bool) {
	if on {
		i.Flags |= f
	} else {
		i.Flags &^= f
	}
}

// Peer describes the caller of a daemon operation.
type Peer struct {
	// AppID is the application id established by the transport (the
	// client certificate common name).
	AppID string
	// ApplicationContext is the sub-context the application claims, "" if none.
	ApplicationContext string
}

// SecurityContext returns the peer's own (non-wildcard) security context.
func (p Peer) SecurityContext() SecurityContext {
	return NewSecurityContextPair(p.AppID, p.ApplicationContext)
}
