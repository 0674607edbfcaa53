// Package acl decides whether a peer may use or modify an identity.
package acl

import "github.com/atinyakov/GophSSO/internal/models"

// Provider answers access questions about a single security context. The
// Helper combines its answers with the lists stored for an identity.
type Provider interface {
	IsPeerAllowedToUseIdentity(peer models.Peer, appCtx string, sc models.SecurityContext) bool
	IsPeerOwnerOfIdentity(peer models.Peer, appCtx string, sc models.SecurityContext) bool
	AppIDOfPeer(peer models.Peer) string
	IsACLValid(peer models.Peer, appCtx string, list models.SecurityContextList) bool
	// KeychainWidgetAppID names the application allowed to manage every
	// identity, or "" when there is none.
	KeychainWidgetAppID() string
}

// NoAccessControl grants everything. It is the fallback when no access
// control is configured, and Enforcing tells it apart from a provider
// that allowed a request.
type NoAccessControl struct {
	// KeychainAppID names the keychain widget application.
	KeychainAppID string
}

// IsPeerAllowedToUseIdentity always reports true.
func (NoAccessControl) IsPeerAllowedToUseIdentity(models.Peer, string, models.SecurityContext) bool {
	return true
}

// IsPeerOwnerOfIdentity always reports true.
func (NoAccessControl) IsPeerOwnerOfIdentity(models.Peer, string, models.SecurityContext) bool {
	return true
}

// AppIDOfPeer returns the peer's application id.
func (NoAccessControl) AppIDOfPeer(peer models.Peer) string { return peer.AppID }

// IsACLValid accepts any list.
func (NoAccessControl) IsACLValid(models.Peer, string, models.SecurityContextList) bool {
	return true
}

// KeychainWidgetAppID returns the configured keychain widget id.
func (p NoAccessControl) KeychainWidgetAppID() string { return p.KeychainAppID }

// Enforcing reports false: nothing is checked.
func (NoAccessControl) Enforcing() bool { return false }

// ContextProvider identifies a peer by the security context
// (application id, application context) established by the transport.
type ContextProvider struct {
	// KeychainAppID names the keychain widget application.
	KeychainAppID string
}

func peerContext(peer models.Peer, appCtx string) models.SecurityContext {
	return models.NewSecurityContextPair(peer.AppID, appCtx)
}

// IsPeerAllowedToUseIdentity reports whether the ACL entry sc admits the
// peer.
func (ContextProvider) IsPeerAllowedToUseIdentity(peer models.Peer, appCtx string, sc models.SecurityContext) bool {
	return sc.Match(peerContext(peer, appCtx))
}

// IsPeerOwnerOfIdentity reports whether the owner entry sc designates the
// peer.
func (ContextProvider) IsPeerOwnerOfIdentity(peer models.Peer, appCtx string, sc models.SecurityContext) bool {
	return sc.Match(peerContext(peer, appCtx))
}

// AppIDOfPeer returns the peer's application id.
func (ContextProvider) AppIDOfPeer(peer models.Peer) string { return peer.AppID }

// IsACLValid accepts a list only when every entry names the peer's own
// application and admits the peer. An application cannot grant access to
// another application's contexts.
func (p ContextProvider) IsACLValid(peer models.Peer, appCtx string, list models.SecurityContextList) bool {
	if p.KeychainAppID != "" && peer.AppID == p.KeychainAppID {
		return true
	}
	self := peerContext(peer, appCtx)
	for _, sc := range list {
		if sc.SystemContext != peer.AppID || !sc.Match(self) {
			return false
		}
	}
	return true
}

// KeychainWidgetAppID returns the configured keychain widget id.
func (p ContextProvider) KeychainWidgetAppID() string { return p.KeychainAppID }

// Enforcing reports true.
func (ContextProvider) Enforcing() bool { return true }

// Enforcing reports whether p actually restricts access. Providers without
// an Enforcing method are assumed to.
func Enforcing(p Provider) bool {
	if e, ok := p.(interface{ Enforcing() bool }); ok {
		return e.Enforcing()
	}
	return true
}
