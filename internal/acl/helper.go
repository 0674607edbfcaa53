package acl

import (
	"context"

	"github.com/atinyakov/GophSSO/internal/metrics"
	"github.com/atinyakov/GophSSO/internal/models"
	"go.uber.org/zap"
)

// Ownership is the relation between a peer and an identity.
type Ownership int

const (
	// ApplicationIsNotOwner means the identity has owners and the peer is
	// not one of them, or the owner list could not be read.
	ApplicationIsNotOwner Ownership = iota
	// ApplicationIsOwner means the peer matches an owner entry.
	ApplicationIsOwner
	// IdentityDoesNotHaveOwner means the owner list is empty.
	IdentityDoesNotHaveOwner
)

// String implements fmt.Stringer.
func (o Ownership) String() string {
	switch o {
	case ApplicationIsOwner:
		return "owner"
	case IdentityDoesNotHaveOwner:
		return "ownerless"
	default:
		return "not-owner"
	}
}

// ACLStore reads the access lists of an identity.
type ACLStore interface {
	AccessControlList(ctx context.Context, id uint32) (models.SecurityContextList, error)
	OwnerList(ctx context.Context, id uint32) (models.SecurityContextList, error)
}

// Helper evaluates a Provider against the stored lists. Every decision
// reads the store and any lookup error denies.
type Helper struct {
	provider Provider
	store    ACLStore
	log      *zap.Logger
}

// NewHelper returns a Helper.
func NewHelper(provider Provider, store ACLStore, log *zap.Logger) *Helper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Helper{provider: provider, store: store, log: log}
}

// Provider returns the underlying provider.
func (h *Helper) Provider() Provider { return h.provider }

// IsPeerAllowedToUseIdentity reports whether the peer may read or use the
// identity. An identity without ACL is usable by everyone. The keychain
// widget is admitted only once the lookup succeeded.
func (h *Helper) IsPeerAllowedToUseIdentity(ctx context.Context, peer models.Peer, appCtx string, id uint32) bool {
	list, err := h.store.AccessControlList(ctx, id)
	if err != nil {
		h.log.Warn("acl lookup failed, denying", zap.Uint32("identity", id), zap.Error(err))
		metrics.AccessDenials.WithLabelValues("use").Inc()
		return false
	}
	if len(list) == 0 || h.IsPeerKeychainWidget(peer) {
		return true
	}
	for _, sc := range list {
		if h.provider.IsPeerAllowedToUseIdentity(peer, appCtx, sc) {
			return true
		}
	}
	h.log.Debug("peer not in acl",
		zap.String("app_id", h.AppIDOfPeer(peer)),
		zap.Uint32("identity", id),
	)
	metrics.AccessDenials.WithLabelValues("use").Inc()
	return false
}

// IdentityOwnership classifies the peer against the identity owner list.
func (h *Helper) IdentityOwnership(ctx context.Context, peer models.Peer, appCtx string, id uint32) Ownership {
	owners, err := h.store.OwnerList(ctx, id)
	if err != nil {
		h.log.Warn("owner lookup failed, denying", zap.Uint32("identity", id), zap.Error(err))
		return ApplicationIsNotOwner
	}
	if h.IsPeerKeychainWidget(peer) {
		return ApplicationIsOwner
	}
	if owners.IsOwnerless() {
		return IdentityDoesNotHaveOwner
	}
	for _, sc := range owners {
		if h.provider.IsPeerOwnerOfIdentity(peer, appCtx, sc) {
			return ApplicationIsOwner
		}
	}
	return ApplicationIsNotOwner
}

// IsPeerOwnerOfIdentity reports whether the peer owns the identity.
func (h *Helper) IsPeerOwnerOfIdentity(ctx context.Context, peer models.Peer, appCtx string, id uint32) bool {
	return h.IdentityOwnership(ctx, peer, appCtx, id) == ApplicationIsOwner
}

// IsACLValid reports whether the peer may store list as an ACL.
func (h *Helper) IsACLValid(peer models.Peer, appCtx string, list models.SecurityContextList) bool {
	if h.IsPeerKeychainWidget(peer) {
		return true
	}
	return h.provider.IsACLValid(peer, appCtx, list)
}

// AppIDOfPeer returns the application id the provider assigns to peer.
func (h *Helper) AppIDOfPeer(peer models.Peer) string {
	return h.provider.AppIDOfPeer(peer)
}

// IsPeerKeychainWidget reports whether the peer is the keychain widget.
func (h *Helper) IsPeerKeychainWidget(peer models.Peer) bool {
	kw := h.provider.KeychainWidgetAppID()
	return kw != "" && h.AppIDOfPeer(peer) == kw
}
