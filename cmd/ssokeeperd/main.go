// Package main initializes and starts the GophSSO HTTPS daemon, setting up
// configuration, logging, the credentials access manager, key managers,
// services, handlers, and TLS.
package main

import (
	"cmp"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atinyakov/GophSSO/internal/acl"
	"github.com/atinyakov/GophSSO/internal/cache"
	"github.com/atinyakov/GophSSO/internal/cam"
	"github.com/atinyakov/GophSSO/internal/certgen"
	"github.com/atinyakov/GophSSO/internal/config"
	"github.com/atinyakov/GophSSO/internal/cryptofs"
	"github.com/atinyakov/GophSSO/internal/keyhandler"
	"github.com/atinyakov/GophSSO/internal/keymanager/dir"
	"github.com/atinyakov/GophSSO/internal/keymanager/static"
	"github.com/atinyakov/GophSSO/internal/logger"
	"github.com/atinyakov/GophSSO/internal/metrics"
	"github.com/atinyakov/GophSSO/internal/models"
	"github.com/atinyakov/GophSSO/internal/server/handler/http"
	"github.com/atinyakov/GophSSO/internal/service"
	"github.com/atinyakov/GophSSO/internal/ui"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	// version holds the build version set via ldflags.
	version string
	// buildDate holds the build timestamp set via ldflags.
	buildDate string
)

// keyManagerFactories builds key managers by configured name.
var keyManagerFactories = map[string]func(opts *config.Options, log *zap.Logger) (keyhandler.KeyManager, error){
	static.Name: func(opts *config.Options, log *zap.Logger) (keyhandler.KeyManager, error) {
		if opts.StaticKey == "" {
			return nil, errors.New("static key manager needs a key")
		}
		return static.New(models.Key(opts.StaticKey), opts.AutoApprove, log.Named("static")), nil
	},
	dir.Name: func(opts *config.Options, log *zap.Logger) (keyhandler.KeyManager, error) {
		return dir.New(opts.KeyDir, dir.WithLogger(log.Named("dir"))), nil
	},
}

func newKeyManagers(opts *config.Options, log *zap.Logger) ([]keyhandler.KeyManager, error) {
	var out []keyhandler.KeyManager
	for _, name := range opts.KeyManagers {
		factory, ok := keyManagerFactories[name]
		if !ok {
			return nil, fmt.Errorf("unknown key manager %q", name)
		}
		km, err := factory(opts, log)
		if err != nil {
			return nil, fmt.Errorf("key manager %s: %w", name, err)
		}
		out = append(out, km)
	}
	return out, nil
}

func newProvider(opts *config.Options) acl.Provider {
	if opts.AccessControl == config.AccessControlNone {
		return acl.NoAccessControl{KeychainAppID: opts.KeychainAppID}
	}
	return acl.ContextProvider{KeychainAppID: opts.KeychainAppID}
}

// daemon holds everything that must be torn down on exit.
type daemon struct {
	manager *cam.Manager
	cache   *cache.DataCache
	handler nethttp.Handler
}

// newDaemon wires the credentials access manager, the identity service and
// the router. Storage failures during Init are logged, not fatal: the
// daemon keeps serving and reports them through /api/storage.
func newDaemon(ctx context.Context, opts *config.Options, gatherer prometheus.Gatherer, log *zap.Logger) (*daemon, error) {
	cfg := opts.CAMConfiguration()

	var camOpts []cam.Option
	camOpts = append(camOpts, cam.WithLogger(log.Named("cam")), cam.WithUI(ui.NewLogUI(log.Named("ui"))))
	if cfg.UseEncryption && cfg.EncryptionPassphrase == "" {
		managers, err := newKeyManagers(opts, log)
		if err != nil {
			return nil, err
		}
		camOpts = append(camOpts, cam.WithKeyManagers(managers...))
	}

	crypto := cryptofs.New(cfg.FileSystemPath(), cryptofs.WithLogger(log.Named("cryptofs")))
	m, err := cam.NewRegistry().NewManager(crypto, camOpts...)
	if err != nil {
		return nil, err
	}
	if err := m.Init(ctx, cfg); err != nil {
		switch cam.CodeOf(err) {
		case cam.AlreadyInitialized, cam.AccessCodeHandlerInvalid, cam.CredentialsDbSetupFailure:
			_ = m.Finalize()
			return nil, err
		}
		log.Error("credentials storage not opened", zap.Error(err))
	}

	provider := newProvider(opts)
	dc := cache.New()
	svc := service.NewIdentityService(service.NewCAMStorage(m), provider, dc, log.Named("service"))

	var apps *http.ApplicationHandler
	if opts.CAKey != "" {
		issuer, err := certgen.NewIssuer(opts.TLSCA, opts.CAKey)
		if err != nil {
			_ = m.Finalize()
			return nil, fmt.Errorf("load CA: %w", err)
		}
		helper := acl.NewHelper(provider, nil, log)
		apps = &http.ApplicationHandler{
			Issuer: issuer,
			MayRegister: func(p models.Peer) bool {
				return !acl.Enforcing(provider) || helper.IsPeerKeychainWidget(p)
			},
		}
	}

	router := http.NewRouter(&http.IdentityHandler{IdentityService: svc}, apps, gatherer, log.Named("http"))
	return &daemon{manager: m, cache: dc, handler: router}, nil
}

// Close drops cached data and finalizes the manager.
func (d *daemon) Close() error {
	d.cache.Clear()
	return d.manager.Finalize()
}

func loadTLSConfig(opts *config.Options) (*tls.Config, error) {
	// Load server TLS certificate and key.
	cert, err := tls.LoadX509KeyPair(opts.TLSCert, opts.TLSKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load server TLS cert/key: %w", err)
	}

	// Load and append CA certificate for client cert verification.
	caCert, err := os.ReadFile(opts.TLSCA)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA cert: %w", err)
	}
	caCertPool := x509.NewCertPool()
	if ok := caCertPool.AppendCertsFromPEM(caCert); !ok {
		return nil, errors.New("failed to append CA cert to pool")
	}

	// Client certificates are verified when given; /api rejects requests
	// without one, /metrics does not need it.
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.VerifyClientCertIfGiven,
		ClientCAs:    caCertPool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func run(ctx context.Context, opts *config.Options, log *zap.Logger) (err error) {
	var gatherer prometheus.Gatherer
	if opts.Metrics {
		reg := prometheus.NewRegistry()
		metrics.Register(reg)
		gatherer = reg
	}

	tlsConfig, err := loadTLSConfig(opts)
	if err != nil {
		return err
	}

	d, err := newDaemon(ctx, opts, gatherer, log)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, d.Close()) }()

	server := &nethttp.Server{
		Addr:              opts.Address,
		Handler:           d.handler,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("starting HTTPS server", zap.String("addr", opts.Address))
		serveErr <- server.ListenAndServeTLS("", "")
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(opts.ShutdownTimeout))
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-serveErr; err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
		return err
	}
	return nil
}

func main() {
	// Parse command-line and environment configuration.
	options := config.Parse()

	// Print build metadata (or "N/A" if unset).
	fmt.Printf("Build version: %s\n", cmp.Or(version, "N/A"))
	fmt.Printf("Build date: %s\n", cmp.Or(buildDate, "N/A"))

	// Initialize structured logging.
	log := logger.New()
	defer func() { _ = log.Log.Sync() }()
	if err := log.Init(options.LogLevel); err != nil {
		fmt.Fprintln(os.Stderr, "failed to init logger:", err)
		os.Exit(1)
	}
	zapLogger := log.Log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, options, zapLogger); err != nil {
		zapLogger.Fatal("daemon stopped", zap.Error(err))
	}
}
