package http

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/atinyakov/GophSSO/internal/middleware"
	"github.com/atinyakov/GophSSO/internal/models"
	"github.com/atinyakov/GophSSO/internal/service"
)

// CertificateIssuer issues client certificates whose Common Name is the
// application id. *certgen.Issuer implements it.
type CertificateIssuer interface {
	Issue(appID string) (certPEM, keyPEM []byte, err error)
}

// ApplicationHandler handles application registration. Only the keychain
// widget may register applications.
type ApplicationHandler struct {
	Issuer CertificateIssuer
	// MayRegister reports whether the peer is allowed to register applications.
	MayRegister func(peer models.Peer) bool
}

// RegisterRequest represents the JSON payload for application registration.
type RegisterRequest struct {
	// AppID is the system context the certificate will carry.
	AppID string `json:"appId"`
}

// Register handles POST /api/applications. It issues a client certificate
// for the requested application id and returns the PEM-encoded certificate
// and private key.
func (h *ApplicationHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AppID == "" {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.AppID == models.Wildcard || strings.ContainsAny(req.AppID, "/\n") {
		http.Error(w, "invalid application id", http.StatusBadRequest)
		return
	}
	if h.MayRegister != nil && !h.MayRegister(middleware.PeerFromContext(r.Context())) {
		http.Error(w, service.ErrPermissionDenied.Error(), http.StatusForbidden)
		return
	}

	certPEM, keyPEM, err := h.Issuer.Issue(req.AppID)
	if err != nil {
		http.Error(w, "failed to generate certificate", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"cert": string(certPEM),
		"key":  string(keyPEM),
	})
}
