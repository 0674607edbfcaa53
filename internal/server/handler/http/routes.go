package http

import (
	"net/http"

	"github.com/atinyakov/GophSSO/internal/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// NewRouter constructs and returns an HTTP handler that serves the
// single sign-on API.
//
// Parameters:
//
//	identityHandler - handler for identity and storage endpoints
//	appHandler      - handler for application registration, nil disables it
//	gatherer        - metrics source for /metrics, nil disables the endpoint
//	logger          - structured logger for request logging middleware
//
// Routes:
//
//	GET    /metrics                               → promhttp
//	GET    /api/identities                        → List
//	POST   /api/identities                        → Create
//	GET    /api/identities/{id}                   → Get
//	PUT    /api/identities/{id}                   → Update
//	DELETE /api/identities/{id}                   → Remove
//	POST   /api/identities/{id}/verify            → Verify
//	GET    /api/identities/{id}/data/{method}     → LoadData
//	PUT    /api/identities/{id}/data/{method}     → StoreData
//	DELETE /api/identities/{id}/data/{method}     → RemoveData
//	DELETE /api/identities/{id}/data              → RemoveData (every method)
//	GET    /api/identities/{id}/references        → References
//	POST   /api/identities/{id}/references        → AddReference
//	DELETE /api/identities/{id}/references        → RemoveReference
//	GET    /api/storage                           → StorageStatus
//	POST   /api/storage/key                       → SetMasterKey
//	POST   /api/applications                      → Register
//
// Middleware chain (applied in order):
//  1. WithRequestLogging(logger): logs incoming requests
//  2. AllowContentType("application/json"): rejects non-JSON bodies
//  3. PeerAuth: identifies the calling application
func NewRouter(
	identityHandler *IdentityHandler,
	appHandler *ApplicationHandler,
	gatherer prometheus.Gatherer,
	logger *zap.Logger,
) http.Handler {
	r := chi.NewRouter()

	// Log each request and its metadata
	r.Use(middleware.WithRequestLogging(logger))

	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		// Only allow request bodies with Content-Type: application/json
		r.Use(chiMiddleware.AllowContentType("application/json"))
		// Identify the caller from its client certificate
		r.Use(middleware.PeerAuth)

		r.Route("/identities", func(r chi.Router) {
			r.Get("/", identityHandler.List)
			r.Post("/", identityHandler.Create)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", identityHandler.Get)
				r.Put("/", identityHandler.Update)
				r.Delete("/", identityHandler.Remove)
				r.Post("/verify", identityHandler.Verify)

				r.Delete("/data", identityHandler.RemoveData)
				r.Get("/data/{method}", identityHandler.LoadData)
				r.Put("/data/{method}", identityHandler.StoreData)
				r.Delete("/data/{method}", identityHandler.RemoveData)

				r.Get("/references", identityHandler.References)
				r.Post("/references", identityHandler.AddReference)
				r.Delete("/references", identityHandler.RemoveReference)
			})
		})

		r.Get("/storage", identityHandler.StorageStatus)
		r.Post("/storage/key", identityHandler.SetMasterKey)

		if appHandler != nil {
			r.Post("/applications", appHandler.Register)
		}
	})

	return r
}
