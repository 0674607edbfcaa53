package service_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/atinyakov/GophSSO/internal/acl"
	"github.com/atinyakov/GophSSO/internal/cache"
	"github.com/atinyakov/GophSSO/internal/cam"
	"github.com/atinyakov/GophSSO/internal/db"
	"github.com/atinyakov/GophSSO/internal/models"
	"github.com/atinyakov/GophSSO/internal/repository"
	"github.com/atinyakov/GophSSO/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockStorage struct {
	StoreFunc  func() (service.CredentialsRepository, error)
	StatusFunc func() cam.Status
	SetKeyFunc func(newKey, existingKey models.Key) error
}

func (m *mockStorage) Store() (service.CredentialsRepository, error) { return m.StoreFunc() }
func (m *mockStorage) Status() cam.Status                            { return m.StatusFunc() }
func (m *mockStorage) SetMasterEncryptionKey(newKey, existingKey models.Key) error {
	return m.SetKeyFunc(newKey, existingKey)
}

var (
	mail   = models.Peer{AppID: "AID::mail"}
	chat   = models.Peer{AppID: "AID::chat"}
	widget = models.Peer{AppID: "AID::keychain"}
)

func newTestService(t *testing.T) (*service.IdentityService, *repository.CredentialsDB) {
	t.Helper()
	conn, err := db.Open(context.Background(), db.SQLite, db.SQLiteDSN(filepath.Join(t.TempDir(), "signon.db")))
	require.NoError(t, err)
	store := repository.NewCredentialsDB(conn, db.SQLite)
	t.Cleanup(func() { _ = store.Close() })

	storage := &mockStorage{
		StoreFunc: func() (service.CredentialsRepository, error) { return store, nil },
	}
	provider := acl.ContextProvider{KeychainAppID: widget.AppID}
	return service.NewIdentityService(storage, provider, cache.New(), nil), store
}

func TestStoreAssignsCallerAsOwner(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)

	id, err := svc.Store(ctx, mail, &models.Identity{Caption: "imap", Username: "john"}, false)
	require.NoError(t, err)

	owners, err := store.OwnerList(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.SecurityContextList{models.NewSecurityContextPair("AID::mail", "")}, owners)
}

func TestStoreRejectsForeignACL(t *testing.T) {
	svc, _ := newTestService(t)
	ident := &models.Identity{
		Caption:           "imap",
		AccessControlList: models.SecurityContextList{models.NewSecurityContext("AID::chat")},
	}
	_, err := svc.Store(context.Background(), mail, ident, false)
	assert.ErrorIs(t, err, service.ErrPermissionDenied)
}

func TestStoreRejectsForeignOwners(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)

	for _, owner := range []string{"*", "AID::chat"} {
		ident := &models.Identity{
			Caption:   "imap",
			OwnerList: models.SecurityContextList{models.NewSecurityContext(owner)},
		}
		_, err := svc.Store(ctx, mail, ident, false)
		assert.ErrorIs(t, err, service.ErrPermissionDenied, "owner %q", owner)
	}

	own := &models.Identity{
		Caption:   "imap",
		OwnerList: models.SecurityContextList{models.NewSecurityContext("AID::mail")},
	}
	id, err := svc.Store(ctx, mail, own, false)
	require.NoError(t, err)
	owners, err := store.OwnerList(ctx, id)
	require.NoError(t, err)
	assert.Len(t, owners, 1)

	// The keychain widget may assign any owner.
	_, err = svc.Store(ctx, widget, &models.Identity{
		Caption:   "shared",
		OwnerList: models.SecurityContextList{models.NewSecurityContext("AID::chat")},
	}, false)
	assert.NoError(t, err)
}

func TestOnlyOwnerModifies(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	id, err := svc.Store(ctx, mail, &models.Identity{Caption: "imap"}, false)
	require.NoError(t, err)

	_, err = svc.Store(ctx, chat, &models.Identity{ID: id, Caption: "stolen"}, false)
	assert.ErrorIs(t, err, service.ErrPermissionDenied)
	assert.ErrorIs(t, svc.Remove(ctx, chat, id), service.ErrPermissionDenied)

	_, err = svc.Store(ctx, mail, &models.Identity{ID: id, Caption: "imap2"}, false)
	require.NoError(t, err)
	got, err := svc.Get(ctx, mail, id, false)
	require.NoError(t, err)
	assert.Equal(t, "imap2", got.Caption)

	require.NoError(t, svc.Remove(ctx, widget, id))
	_, err = svc.Get(ctx, mail, id, false)
	assert.ErrorIs(t, err, service.ErrIdentityNotFound)
}

func TestReadRequiresACL(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	restricted, err := svc.Store(ctx, mail, &models.Identity{
		Caption:           "private",
		AccessControlList: models.SecurityContextList{models.NewSecurityContext("AID::mail")},
	}, false)
	require.NoError(t, err)
	open, err := svc.Store(ctx, mail, &models.Identity{Caption: "public"}, false)
	require.NoError(t, err)

	_, err = svc.Get(ctx, chat, restricted, false)
	assert.ErrorIs(t, err, service.ErrPermissionDenied)
	_, err = svc.Get(ctx, chat, open, false)
	assert.NoError(t, err)

	list, err := svc.List(ctx, chat, nil)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, open, list[0].ID)

	list, err = svc.List(ctx, mail, nil)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestPasswordOnlyForOwner(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	ident := &models.Identity{Caption: "imap", Username: "john", Password: "s3cret"}
	ident.SetFlag(models.FlagRememberPassword, true)
	id, err := svc.Store(ctx, mail, ident, true)
	require.NoError(t, err)

	got, err := svc.Get(ctx, mail, id, true)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", got.Password)

	got, err = svc.Get(ctx, chat, id, true)
	require.NoError(t, err)
	assert.Empty(t, got.Password)

	ok, err := svc.VerifyUser(ctx, chat, id, "john", "s3cret")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDataAndReferences(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	id, err := svc.Store(ctx, mail, &models.Identity{Caption: "oauth"}, false)
	require.NoError(t, err)

	session, err := svc.AcquireSession(ctx, mail, id)
	require.NoError(t, err)
	defer session.Release()

	require.NoError(t, svc.StoreData(ctx, mail, id, "oauth2", map[string]any{"token": "abc"}))
	data, err := svc.LoadData(ctx, mail, id, "oauth2")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"token": "abc"}, data)

	require.NoError(t, svc.StoreData(ctx, mail, id, "oauth2", map[string]any{"token": "def"}))
	data, err = svc.LoadData(ctx, mail, id, "oauth2")
	require.NoError(t, err)
	assert.Equal(t, "def", data["token"], "stored data invalidates the cache")

	require.NoError(t, svc.RemoveData(ctx, mail, id, ""))
	data, err = svc.LoadData(ctx, mail, id, "oauth2")
	require.NoError(t, err)
	assert.Empty(t, data)

	require.NoError(t, svc.AddReference(ctx, mail, id, "session-1"))
	refs, err := svc.References(ctx, mail, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"session-1"}, refs)

	removed, err := svc.RemoveReference(ctx, mail, id, "missing")
	require.NoError(t, err)
	assert.False(t, removed)
	removed, err = svc.RemoveReference(ctx, mail, id, "session-1")
	require.NoError(t, err)
	assert.True(t, removed)
}

func TestStoreDataTooLarge(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	id, err := svc.Store(ctx, mail, &models.Identity{Caption: "big"}, false)
	require.NoError(t, err)

	big := make([]byte, 5000)
	err = svc.StoreData(ctx, mail, id, "m", map[string]any{"blob": big})
	assert.ErrorIs(t, err, repository.ErrDataTooLarge)
}

func TestStorageUnavailable(t *testing.T) {
	storage := &mockStorage{
		StoreFunc: func() (service.CredentialsRepository, error) { return nil, cam.ErrNotOpened },
	}
	svc := service.NewIdentityService(storage, acl.NoAccessControl{}, nil, nil)

	_, err := svc.Get(context.Background(), mail, 1, false)
	assert.ErrorIs(t, err, service.ErrStorageUnavailable)
	_, err = svc.Store(context.Background(), mail, &models.Identity{}, false)
	assert.ErrorIs(t, err, service.ErrStorageUnavailable)
}

func TestSetMasterKeyRequiresKeychainWidget(t *testing.T) {
	var called bool
	storage := &mockStorage{
		SetKeyFunc: func(newKey, existingKey models.Key) error {
			called = true
			return nil
		},
	}
	svc := service.NewIdentityService(storage, acl.ContextProvider{KeychainAppID: widget.AppID}, nil, nil)

	err := svc.SetMasterKey(mail, models.Key("new"), models.Key("old"))
	assert.ErrorIs(t, err, service.ErrPermissionDenied)
	assert.False(t, called)

	require.NoError(t, svc.SetMasterKey(widget, models.Key("new"), models.Key("old")))
	assert.True(t, called)

	wantErr := errors.New("rotation failed")
	storage.SetKeyFunc = func(models.Key, models.Key) error { return wantErr }
	assert.ErrorIs(t, svc.SetMasterKey(widget, models.Key("new"), models.Key("old")), wantErr)
}
