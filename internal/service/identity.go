// Package service provides the daemon-level identity operations. Every
// operation checks the caller against the identity access lists before it
// touches the credentials store.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/atinyakov/GophSSO/internal/acl"
	"github.com/atinyakov/GophSSO/internal/cache"
	"github.com/atinyakov/GophSSO/internal/cam"
	"github.com/atinyakov/GophSSO/internal/models"
	"github.com/atinyakov/GophSSO/internal/repository"
	"go.uber.org/zap"
)

var (
	// ErrStorageUnavailable is returned while the credentials system is closed.
	ErrStorageUnavailable = errors.New("credentials storage is not available")
	// ErrPermissionDenied is returned when the caller fails an access check.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrIdentityNotFound is returned for unknown identity ids.
	ErrIdentityNotFound = errors.New("identity not found")
)

// CredentialsRepository defines the persistence operations needed by the
// IdentityService. *repository.CredentialsDB implements it.
type CredentialsRepository interface {
	acl.ACLStore

	InsertCredentials(ctx context.Context, ident *models.Identity, storeSecret bool) (uint32, error)
	UpdateCredentials(ctx context.Context, ident *models.Identity, storeSecret bool) (uint32, error)
	RemoveCredentials(ctx context.Context, id uint32) (bool, error)
	Credentials(ctx context.Context, id uint32, includePassword bool) (*models.Identity, error)
	CredentialsList(ctx context.Context, filter repository.Filter) ([]models.Identity, error)
	CheckPassword(ctx context.Context, id uint32, username, password string) (bool, error)
	StoreData(ctx context.Context, id uint32, method string, data map[string]any) (bool, error)
	LoadData(ctx context.Context, id uint32, method string) (map[string]any, error)
	RemoveData(ctx context.Context, id uint32, method string) error
	AddReference(ctx context.Context, id uint32, token, ref string) (bool, error)
	RemoveReference(ctx context.Context, id uint32, token, ref string) (bool, error)
	References(ctx context.Context, id uint32, token string) ([]string, error)
}

// Storage gives access to the credentials store and the storage controls.
type Storage interface {
	// Store returns the open store or an error when it is closed.
	Store() (CredentialsRepository, error)
	Status() cam.Status
	SetMasterEncryptionKey(newKey, existingKey models.Key) error
}

type camStorage struct{ m *cam.Manager }

// NewCAMStorage adapts a credentials access manager to Storage.
func NewCAMStorage(m *cam.Manager) Storage { return camStorage{m: m} }

func (s camStorage) Store() (CredentialsRepository, error) {
	db, err := s.m.CredentialsSystem()
	if err != nil {
		return nil, err
	}
	return db, nil
}

func (s camStorage) Status() cam.Status { return s.m.StorageStatus() }

func (s camStorage) SetMasterEncryptionKey(newKey, existingKey models.Key) error {
	return s.m.SetMasterEncryptionKey(newKey, existingKey)
}

// IdentityService implements the identity operations.
type IdentityService struct {
	storage  Storage
	provider acl.Provider
	cache    *cache.DataCache
	log      *zap.Logger
}

// NewIdentityService constructs an IdentityService. A nil cache disables
// data caching.
func NewIdentityService(storage Storage, provider acl.Provider, dc *cache.DataCache, log *zap.Logger) *IdentityService {
	if log == nil {
		log = zap.NewNop()
	}
	if dc == nil {
		dc = cache.New()
	}
	return &IdentityService{storage: storage, provider: provider, cache: dc, log: log}
}

// open returns the store and an access helper bound to it.
func (s *IdentityService) open() (CredentialsRepository, *acl.Helper, error) {
	repo, err := s.storage.Store()
	if err != nil {
		s.log.Debug("storage unavailable", zap.Error(err))
		return nil, nil, ErrStorageUnavailable
	}
	return repo, acl.NewHelper(s.provider, repo, s.log), nil
}

func notFound(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return ErrIdentityNotFound
	}
	return err
}

// canUse checks that the identity exists and the peer may use it.
func (s *IdentityService) canUse(ctx context.Context, repo CredentialsRepository, h *acl.Helper, peer models.Peer, id uint32) error {
	if _, err := repo.Credentials(ctx, id, false); err != nil {
		return notFound(err)
	}
	if !h.IsPeerAllowedToUseIdentity(ctx, peer, peer.ApplicationContext, id) {
		return ErrPermissionDenied
	}
	return nil
}

// canModify checks that the identity exists and the peer owns it. An
// identity without owner may be modified by any peer its ACL admits.
func (s *IdentityService) canModify(ctx context.Context, repo CredentialsRepository, h *acl.Helper, peer models.Peer, id uint32) error {
	if _, err := repo.Credentials(ctx, id, false); err != nil {
		return notFound(err)
	}
	switch h.IdentityOwnership(ctx, peer, peer.ApplicationContext, id) {
	case acl.ApplicationIsOwner:
		return nil
	case acl.IdentityDoesNotHaveOwner:
		if h.IsPeerAllowedToUseIdentity(ctx, peer, peer.ApplicationContext, id) {
			return nil
		}
	}
	return ErrPermissionDenied
}

// Store inserts a new identity or updates an existing one and returns its
// id. A new identity without owner is owned by the caller.
func (s *IdentityService) Store(ctx context.Context, peer models.Peer, ident *models.Identity, storeSecret bool) (uint32, error) {
	repo, h, err := s.open()
	if err != nil {
		return 0, err
	}
	if !h.IsACLValid(peer, peer.ApplicationContext, ident.AccessControlList) {
		s.log.Info("rejected access control list", zap.String("app_id", peer.AppID))
		return 0, fmt.Errorf("%w: invalid access control list", ErrPermissionDenied)
	}
	if !h.IsACLValid(peer, peer.ApplicationContext, ident.OwnerList) {
		s.log.Info("rejected owner list", zap.String("app_id", peer.AppID))
		return 0, fmt.Errorf("%w: invalid owner list", ErrPermissionDenied)
	}

	if ident.ID == models.NewIdentityID {
		if ident.OwnerList.IsOwnerless() && peer.AppID != "" {
			ident.OwnerList = models.SecurityContextList{peer.SecurityContext()}
		}
		id, err := repo.InsertCredentials(ctx, ident, storeSecret)
		if err != nil {
			return 0, err
		}
		s.log.Info("identity created", zap.Uint32("id", id), zap.String("app_id", peer.AppID))
		return id, nil
	}

	if err := s.canModify(ctx, repo, h, peer, ident.ID); err != nil {
		return 0, err
	}
	id, err := repo.UpdateCredentials(ctx, ident, storeSecret)
	if err != nil {
		return 0, notFound(err)
	}
	s.cache.Invalidate(id)
	s.log.Info("identity updated", zap.Uint32("id", id), zap.String("app_id", peer.AppID))
	return id, nil
}

// Get returns the identity. The password is returned only to owners.
func (s *IdentityService) Get(ctx context.Context, peer models.Peer, id uint32, includePassword bool) (*models.Identity, error) {
	repo, h, err := s.open()
	if err != nil {
		return nil, err
	}
	if err := s.canUse(ctx, repo, h, peer, id); err != nil {
		return nil, err
	}
	if includePassword && !h.IsPeerOwnerOfIdentity(ctx, peer, peer.ApplicationContext, id) {
		includePassword = false
	}
	ident, err := repo.Credentials(ctx, id, includePassword)
	return ident, notFound(err)
}

// List returns the identities the caller may use.
func (s *IdentityService) List(ctx context.Context, peer models.Peer, filter repository.Filter) ([]models.Identity, error) {
	repo, h, err := s.open()
	if err != nil {
		return nil, err
	}
	all, err := repo.CredentialsList(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]models.Identity, 0, len(all))
	for _, ident := range all {
		if h.IsPeerAllowedToUseIdentity(ctx, peer, peer.ApplicationContext, ident.ID) {
			out = append(out, ident)
		}
	}
	return out, nil
}

// Remove deletes the identity.
func (s *IdentityService) Remove(ctx context.Context, peer models.Peer, id uint32) error {
	repo, h, err := s.open()
	if err != nil {
		return err
	}
	if err := s.canModify(ctx, repo, h, peer, id); err != nil {
		return err
	}
	removed, err := repo.RemoveCredentials(ctx, id)
	if err != nil {
		return err
	}
	if !removed {
		return ErrIdentityNotFound
	}
	s.cache.Invalidate(id)
	s.log.Info("identity removed", zap.Uint32("id", id), zap.String("app_id", peer.AppID))
	return nil
}

// VerifyUser checks the stored username and password.
func (s *IdentityService) VerifyUser(ctx context.Context, peer models.Peer, id uint32, username, password string) (bool, error) {
	repo, h, err := s.open()
	if err != nil {
		return false, err
	}
	if err := s.canUse(ctx, repo, h, peer, id); err != nil {
		return false, err
	}
	return repo.CheckPassword(ctx, id, username, password)
}

// StoreData merges data into the method blobs of the identity. Nil values
// delete keys.
func (s *IdentityService) StoreData(ctx context.Context, peer models.Peer, id uint32, method string, data map[string]any) error {
	repo, h, err := s.open()
	if err != nil {
		return err
	}
	if err := s.canUse(ctx, repo, h, peer, id); err != nil {
		return err
	}
	if _, err := repo.StoreData(ctx, id, method, data); err != nil {
		return err
	}
	s.cache.InvalidateMethod(id, method)
	return nil
}

// LoadData returns the method blobs of the identity.
func (s *IdentityService) LoadData(ctx context.Context, peer models.Peer, id uint32, method string) (map[string]any, error) {
	repo, h, err := s.open()
	if err != nil {
		return nil, err
	}
	if err := s.canUse(ctx, repo, h, peer, id); err != nil {
		return nil, err
	}
	if data, ok := s.cache.Get(id, method); ok {
		return data, nil
	}
	data, err := repo.LoadData(ctx, id, method)
	if err != nil {
		return nil, err
	}
	s.cache.Put(id, method, data)
	return data, nil
}

// RemoveData deletes the blobs of one method, or of every method when
// method is empty.
func (s *IdentityService) RemoveData(ctx context.Context, peer models.Peer, id uint32, method string) error {
	repo, h, err := s.open()
	if err != nil {
		return err
	}
	if err := s.canUse(ctx, repo, h, peer, id); err != nil {
		return err
	}
	if err := repo.RemoveData(ctx, id, method); err != nil {
		return err
	}
	if method == "" {
		s.cache.Invalidate(id)
	} else {
		s.cache.InvalidateMethod(id, method)
	}
	return nil
}

// AddReference records that the caller holds ref on the identity.
func (s *IdentityService) AddReference(ctx context.Context, peer models.Peer, id uint32, ref string) error {
	repo, h, err := s.open()
	if err != nil {
		return err
	}
	if err := s.canUse(ctx, repo, h, peer, id); err != nil {
		return err
	}
	_, err = repo.AddReference(ctx, id, h.AppIDOfPeer(peer), ref)
	return err
}

// RemoveReference drops a reference of the caller. An empty ref drops all
// of them. It reports whether anything was removed.
func (s *IdentityService) RemoveReference(ctx context.Context, peer models.Peer, id uint32, ref string) (bool, error) {
	repo, h, err := s.open()
	if err != nil {
		return false, err
	}
	if err := s.canUse(ctx, repo, h, peer, id); err != nil {
		return false, err
	}
	return repo.RemoveReference(ctx, id, h.AppIDOfPeer(peer), ref)
}

// References lists the references the caller holds on the identity.
func (s *IdentityService) References(ctx context.Context, peer models.Peer, id uint32) ([]string, error) {
	repo, h, err := s.open()
	if err != nil {
		return nil, err
	}
	if err := s.canUse(ctx, repo, h, peer, id); err != nil {
		return nil, err
	}
	return repo.References(ctx, id, h.AppIDOfPeer(peer))
}

// AcquireSession pins the cached data of the identity until the returned
// handle is released.
func (s *IdentityService) AcquireSession(ctx context.Context, peer models.Peer, id uint32) (*cache.Handle, error) {
	repo, h, err := s.open()
	if err != nil {
		return nil, err
	}
	if err := s.canUse(ctx, repo, h, peer, id); err != nil {
		return nil, err
	}
	return s.cache.Acquire(id), nil
}

// StorageStatus reports the state of the credentials storage.
func (s *IdentityService) StorageStatus() cam.Status {
	return s.storage.Status()
}

// SetMasterKey replaces the storage encryption key. Only the keychain
// widget may do this.
func (s *IdentityService) SetMasterKey(peer models.Peer, newKey, existingKey models.Key) error {
	h := acl.NewHelper(s.provider, nil, s.log)
	if acl.Enforcing(s.provider) && !h.IsPeerKeychainWidget(peer) {
		return ErrPermissionDenied
	}
	return s.storage.SetMasterEncryptionKey(newKey, existingKey)
}
