package acl

import (
	"context"
	"errors"
	"testing"

	"github.com/atinyakov/GophSSO/internal/models"
	"github.com/stretchr/testify/assert"
)

type mockStore struct {
	ACLFunc   func(ctx context.Context, id uint32) (models.SecurityContextList, error)
	OwnerFunc func(ctx context.Context, id uint32) (models.SecurityContextList, error)
}

func (m *mockStore) AccessControlList(ctx context.Context, id uint32) (models.SecurityContextList, error) {
	return m.ACLFunc(ctx, id)
}

func (m *mockStore) OwnerList(ctx context.Context, id uint32) (models.SecurityContextList, error) {
	return m.OwnerFunc(ctx, id)
}

func lists(acl, owner models.SecurityContextList, err error) *mockStore {
	return &mockStore{
		ACLFunc: func(context.Context, uint32) (models.SecurityContextList, error) {
			return acl, err
		},
		OwnerFunc: func(context.Context, uint32) (models.SecurityContextList, error) {
			return owner, err
		},
	}
}

var (
	mail   = models.Peer{AppID: "AID::mail"}
	other  = models.Peer{AppID: "AID::other"}
	widget = models.Peer{AppID: "AID::keychain"}
)

func newHelper(store ACLStore) *Helper {
	return NewHelper(ContextProvider{KeychainAppID: "AID::keychain"}, store, nil)
}

func TestIsPeerAllowedToUseIdentity(t *testing.T) {
	ctx := context.Background()
	acl := models.SecurityContextList{models.NewSecurityContext("AID::mail")}

	tests := []struct {
		name  string
		store *mockStore
		peer  models.Peer
		want  bool
	}{
		{"listed", lists(acl, nil, nil), mail, true},
		{"not listed", lists(acl, nil, nil), other, false},
		{"empty acl", lists(nil, nil, nil), other, true},
		{"wildcard", lists(models.SecurityContextList{models.NewSecurityContext("*")}, nil, nil), other, true},
		{"keychain widget", lists(acl, nil, nil), widget, true},
		{"lookup error", lists(nil, nil, errors.New("db down")), mail, false},
		{"keychain widget lookup error", lists(nil, nil, errors.New("db down")), widget, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHelper(tt.store)
			assert.Equal(t, tt.want, h.IsPeerAllowedToUseIdentity(ctx, tt.peer, "", 1))
		})
	}
}

func TestApplicationContextIsChecked(t *testing.T) {
	acl := models.SecurityContextList{models.NewSecurityContextPair("AID::mail", "inbox")}
	h := newHelper(lists(acl, nil, nil))

	assert.True(t, h.IsPeerAllowedToUseIdentity(context.Background(), mail, "inbox", 1))
	assert.False(t, h.IsPeerAllowedToUseIdentity(context.Background(), mail, "outbox", 1))
}

func TestIdentityOwnership(t *testing.T) {
	ctx := context.Background()
	owners := models.SecurityContextList{models.NewSecurityContext("AID::mail")}

	assert.Equal(t, ApplicationIsOwner, newHelper(lists(nil, owners, nil)).IdentityOwnership(ctx, mail, "", 1))
	assert.Equal(t, ApplicationIsNotOwner, newHelper(lists(nil, owners, nil)).IdentityOwnership(ctx, other, "", 1))
	assert.Equal(t, IdentityDoesNotHaveOwner, newHelper(lists(nil, nil, nil)).IdentityOwnership(ctx, other, "", 1))
	assert.Equal(t, ApplicationIsOwner, newHelper(lists(nil, owners, nil)).IdentityOwnership(ctx, widget, "", 1))

	failing := newHelper(lists(nil, nil, errors.New("db down")))
	assert.Equal(t, ApplicationIsNotOwner, failing.IdentityOwnership(ctx, mail, "", 1))
	assert.False(t, failing.IsPeerOwnerOfIdentity(ctx, mail, "", 1))
	assert.Equal(t, ApplicationIsNotOwner, failing.IdentityOwnership(ctx, widget, "", 1), "widget must not pass a failed lookup")
	assert.Equal(t, ApplicationIsOwner, newHelper(lists(nil, nil, nil)).IdentityOwnership(ctx, widget, "", 1))
}

func TestIsACLValid(t *testing.T) {
	h := newHelper(lists(nil, nil, nil))

	own := models.SecurityContextList{
		models.NewSecurityContext("AID::mail"),
		models.NewSecurityContextPair("AID::mail", "inbox"),
	}
	assert.True(t, h.IsACLValid(mail, "inbox", own))
	assert.True(t, h.IsACLValid(mail, "", nil))

	foreign := models.SecurityContextList{models.NewSecurityContext("AID::other")}
	assert.False(t, h.IsACLValid(mail, "", foreign))

	wildcard := models.SecurityContextList{models.NewSecurityContext("*")}
	assert.False(t, h.IsACLValid(mail, "", wildcard), "an application cannot grant everyone")
	assert.True(t, h.IsACLValid(widget, "", wildcard))
}

func TestNoAccessControl(t *testing.T) {
	h := NewHelper(NoAccessControl{}, lists(models.SecurityContextList{models.NewSecurityContext("AID::x")}, nil, nil), nil)
	assert.False(t, Enforcing(h.Provider()))
	assert.True(t, Enforcing(ContextProvider{}))
	assert.True(t, h.IsPeerAllowedToUseIdentity(context.Background(), other, "", 1))
	assert.False(t, h.IsPeerKeychainWidget(other))
	assert.True(t, h.IsACLValid(other, "", models.SecurityContextList{models.NewSecurityContext("*")}))
}
