// Package middleware provides HTTP middlewares for peer authentication and logging.
package middleware

import (
	"context"
	"net/http"

	"github.com/atinyakov/GophSSO/internal/models"
)

type ctxKey string

const peerKey ctxKey = "peer"

// ApplicationContextHeader carries the application context a client claims.
const ApplicationContextHeader = "X-Application-Context"

// PeerAuth is a middleware that identifies the calling application.
//
// The Common Name of the verified client certificate becomes the peer's
// system context (application id). The optional X-Application-Context header
// selects a sub-context inside that application. Requests without a client
// certificate are rejected with 401.
func PeerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
			http.Error(w, "no client certificate provided", http.StatusUnauthorized)
			return
		}
		cert := r.TLS.PeerCertificates[0]
		if cert.Subject.CommonName == "" {
			http.Error(w, "client certificate has no common name", http.StatusUnauthorized)
			return
		}
		peer := models.Peer{
			AppID:              cert.Subject.CommonName,
			ApplicationContext: r.Header.Get(ApplicationContextHeader),
		}
		next.ServeHTTP(w, r.WithContext(WithPeer(r.Context(), peer)))
	})
}

// WithPeer returns a copy of ctx carrying peer.
func WithPeer(ctx context.Context, peer models.Peer) context.Context {
	return context.WithValue(ctx, peerKey, peer)
}

// PeerFromContext extracts the peer stored by PeerAuth. The zero Peer is
// returned if none is present.
func PeerFromContext(ctx context.Context) models.Peer {
	if p, ok := ctx.Value(peerKey).(models.Peer); ok {
		return p
	}
	return models.Peer{}
}
