// Package http provides the HTTP control surface of the single sign-on daemon.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/atinyakov/GophSSO/internal/cam"
	"github.com/atinyakov/GophSSO/internal/middleware"
	"github.com/atinyakov/GophSSO/internal/models"
	"github.com/atinyakov/GophSSO/internal/repository"
	"github.com/atinyakov/GophSSO/internal/service"
	"github.com/go-chi/chi/v5"
)

// IdentityService defines the identity operations required by the
// IdentityHandler. *service.IdentityService implements it.
type IdentityService interface {
	Store(ctx context.Context, peer models.Peer, ident *models.Identity, storeSecret bool) (uint32, error)
	Get(ctx context.Context, peer models.Peer, id uint32, includePassword bool) (*models.Identity, error)
	List(ctx context.Context, peer models.Peer, filter repository.Filter) ([]models.Identity, error)
	Remove(ctx context.Context, peer models.Peer, id uint32) error
	VerifyUser(ctx context.Context, peer models.Peer, id uint32, username, password string) (bool, error)
	StoreData(ctx context.Context, peer models.Peer, id uint32, method string, data map[string]any) error
	LoadData(ctx context.Context, peer models.Peer, id uint32, method string) (map[string]any, error)
	RemoveData(ctx context.Context, peer models.Peer, id uint32, method string) error
	AddReference(ctx context.Context, peer models.Peer, id uint32, ref string) error
	RemoveReference(ctx context.Context, peer models.Peer, id uint32, ref string) (bool, error)
	References(ctx context.Context, peer models.Peer, id uint32) ([]string, error)
	StorageStatus() cam.Status
	SetMasterKey(peer models.Peer, newKey, existingKey models.Key) error
}

// IdentityHandler handles HTTP requests for identities and the storage.
type IdentityHandler struct {
	// IdentityService performs the underlying operations.
	IdentityService IdentityService
}

// StoreRequest is the body of POST /api/identities and PUT /api/identities/{id}.
type StoreRequest struct {
	Identity models.Identity `json:"identity"`
	// StoreSecret persists the password when the identity remembers it.
	StoreSecret bool `json:"storeSecret"`
}

// VerifyRequest is the body of POST /api/identities/{id}/verify.
type VerifyRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// ReferenceRequest is the body of the reference endpoints.
type ReferenceRequest struct {
	Reference string `json:"reference"`
}

// MasterKeyRequest is the body of POST /api/storage/key.
type MasterKeyRequest struct {
	NewKey      string `json:"newKey"`
	ExistingKey string `json:"existingKey"`
}

// writeError maps service errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrPermissionDenied):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, service.ErrIdentityNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, service.ErrStorageUnavailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, repository.ErrDataTooLarge):
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func identityID(w http.ResponseWriter, r *http.Request) (uint32, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil || id == 0 {
		http.Error(w, "invalid identity id", http.StatusBadRequest)
		return 0, false
	}
	return uint32(id), true
}

// List handles GET /api/identities. The optional "type" query parameter
// filters by identity type.
func (h *IdentityHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := repository.Filter{}
	if t := r.URL.Query().Get("type"); t != "" {
		if _, err := strconv.Atoi(t); err != nil {
			http.Error(w, "invalid type", http.StatusBadRequest)
			return
		}
		filter["Type"] = t
	}
	list, err := h.IdentityService.List(r.Context(), middleware.PeerFromContext(r.Context()), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []models.Identity{}
	}
	writeJSON(w, http.StatusOK, list)
}

// Create handles POST /api/identities and responds with the new id.
func (h *IdentityHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req StoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	req.Identity.ID = models.NewIdentityID
	id, err := h.IdentityService.Store(r.Context(), middleware.PeerFromContext(r.Context()), &req.Identity, req.StoreSecret)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint32{"id": id})
}

// Get handles GET /api/identities/{id}. The password is requested with
// ?secrets=true and returned to owners only.
func (h *IdentityHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := identityID(w, r)
	if !ok {
		return
	}
	withSecrets, _ := strconv.ParseBool(r.URL.Query().Get("secrets"))
	ident, err := h.IdentityService.Get(r.Context(), middleware.PeerFromContext(r.Context()), id, withSecrets)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ident)
}

// Update handles PUT /api/identities/{id}.
func (h *IdentityHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := identityID(w, r)
	if !ok {
		return
	}
	var req StoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	req.Identity.ID = id
	if _, err := h.IdentityService.Store(r.Context(), middleware.PeerFromContext(r.Context()), &req.Identity, req.StoreSecret); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Remove handles DELETE /api/identities/{id}.
func (h *IdentityHandler) Remove(w http.ResponseWriter, r *http.Request) {
	id, ok := identityID(w, r)
	if !ok {
		return
	}
	if err := h.IdentityService.Remove(r.Context(), middleware.PeerFromContext(r.Context()), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Verify handles POST /api/identities/{id}/verify.
func (h *IdentityHandler) Verify(w http.ResponseWriter, r *http.Request) {
	id, ok := identityID(w, r)
	if !ok {
		return
	}
	var req VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	valid, err := h.IdentityService.VerifyUser(r.Context(), middleware.PeerFromContext(r.Context()), id, req.Username, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": valid})
}

// LoadData handles GET /api/identities/{id}/data/{method}.
func (h *IdentityHandler) LoadData(w http.ResponseWriter, r *http.Request) {
	id, ok := identityID(w, r)
	if !ok {
		return
	}
	data, err := h.IdentityService.LoadData(r.Context(), middleware.PeerFromContext(r.Context()), id, chi.URLParam(r, "method"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

// StoreData handles PUT /api/identities/{id}/data/{method}. The body is a
// JSON object; null values delete keys.
func (h *IdentityHandler) StoreData(w http.ResponseWriter, r *http.Request) {
	id, ok := identityID(w, r)
	if !ok {
		return
	}
	var data map[string]any
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if err := h.IdentityService.StoreData(r.Context(), middleware.PeerFromContext(r.Context()), id, chi.URLParam(r, "method"), data); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RemoveData handles DELETE /api/identities/{id}/data/{method} and
// DELETE /api/identities/{id}/data for every method.
func (h *IdentityHandler) RemoveData(w http.ResponseWriter, r *http.Request) {
	id, ok := identityID(w, r)
	if !ok {
		return
	}
	if err := h.IdentityService.RemoveData(r.Context(), middleware.PeerFromContext(r.Context()), id, chi.URLParam(r, "method")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// References handles GET /api/identities/{id}/references.
func (h *IdentityHandler) References(w http.ResponseWriter, r *http.Request) {
	id, ok := identityID(w, r)
	if !ok {
		return
	}
	refs, err := h.IdentityService.References(r.Context(), middleware.PeerFromContext(r.Context()), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if refs == nil {
		refs = []string{}
	}
	writeJSON(w, http.StatusOK, refs)
}

// AddReference handles POST /api/identities/{id}/references.
func (h *IdentityHandler) AddReference(w http.ResponseWriter, r *http.Request) {
	id, ok := identityID(w, r)
	if !ok {
		return
	}
	var req ReferenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reference == "" {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if err := h.IdentityService.AddReference(r.Context(), middleware.PeerFromContext(r.Context()), id, req.Reference); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RemoveReference handles DELETE /api/identities/{id}/references. The
// reference is taken from the "reference" query parameter; without it every
// reference of the caller is dropped.
func (h *IdentityHandler) RemoveReference(w http.ResponseWriter, r *http.Request) {
	id, ok := identityID(w, r)
	if !ok {
		return
	}
	removed, err := h.IdentityService.RemoveReference(r.Context(), middleware.PeerFromContext(r.Context()), id, r.URL.Query().Get("reference"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

// StorageStatus handles GET /api/storage.
func (h *IdentityHandler) StorageStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.IdentityService.StorageStatus())
}

// SetMasterKey handles POST /api/storage/key.
func (h *IdentityHandler) SetMasterKey(w http.ResponseWriter, r *http.Request) {
	var req MasterKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.NewKey == "" {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	err := h.IdentityService.SetMasterKey(middleware.PeerFromContext(r.Context()), models.Key(req.NewKey), models.Key(req.ExistingKey))
	if err != nil {
		var camErr *cam.Error
		if errors.As(err, &camErr) {
			status := http.StatusInternalServerError
			switch camErr.Code {
			case cam.AccessCodeInvalid:
				status = http.StatusForbidden
			case cam.NotInitialized, cam.AccessCodeHandlerInvalid:
				status = http.StatusConflict
			}
			http.Error(w, camErr.Code.String(), status)
			return
		}
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
