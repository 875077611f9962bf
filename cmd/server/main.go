package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/harborline/backoffice/pkg/api"
	"github.com/harborline/backoffice/pkg/auth"
	"github.com/harborline/backoffice/pkg/config"
	"github.com/harborline/backoffice/pkg/metadata"
	"github.com/harborline/backoffice/pkg/middleware"
	"github.com/harborline/backoffice/pkg/observability"
	"github.com/harborline/backoffice/pkg/policy"
	"github.com/harborline/backoffice/pkg/procurement"
	"github.com/harborline/backoffice/pkg/scope"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		os.Stderr.WriteString("configuration error: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		logger.WithError(err).Error("failed to open database")
		os.Exit(1)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		logger.WithError(err).Error("database is not reachable")
		os.Exit(1)
	}

	var metrics *observability.Metrics
	promRegistry := prometheus.NewRegistry()
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(promRegistry)
	}

	resolver := scope.NewResolver(db)
	registry := metadata.NewRegistry(db)
	policyDocs := policy.NewMetadataStore(cfg.Metadata, registry)
	if metrics != nil {
		policyDocs.SetMetrics(metrics)
	}
	engine := policy.NewEngine(resolver, policyDocs)
	authorizer := policy.NewAuthorizer(cfg.RoleScope, resolver, engine, logger, metrics)

	var verifier middleware.TokenVerifier
	authMode := middleware.NormalizeAuthMode(cfg.Auth.Mode)
	if authMode != middleware.AuthModeLegacyHeader {
		oidcVerifier, err := auth.NewOIDCVerifier(ctx, auth.OIDCConfig{
			IssuerURL:         cfg.Auth.OIDCIssuerURL,
			Audience:          cfg.Auth.OIDCAudience,
			SkipClientIDCheck: cfg.Auth.OIDCSkipAudienceCheck,
		})
		if err != nil {
			logger.WithError(err).Error("failed to initialize OIDC verifier")
			os.Exit(1)
		}
		verifier = oidcVerifier
	}

	var locks *procurement.DocumentLockStore
	if cfg.Locks.Enabled {
		locks = procurement.NewDocumentLockStore(db, cfg.Locks.TTL)
	}

	server := api.NewServer(api.Deps{
		Logger:         logger,
		Metrics:        metrics,
		Authorizer:     authorizer,
		Resolver:       resolver,
		Registry:       registry,
		PolicyDocs:     policyDocs,
		PurchaseOrders: procurement.NewPurchaseOrderStore(db),
		Shipments:      procurement.NewShipmentStore(db),
		Reports:        procurement.NewReportStore(db),
		Locks:          locks,
		Identity:       middleware.NewIdentityMiddleware(verifier, authMode),
	})

	if cfg.Metadata.WatchPolicyFile {
		if err := policyDocs.Watch(ctx); err != nil {
			logger.WithError(err).Warn("policy file watcher disabled")
		}
	}

	apiServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	health := observability.NewHealthChecker(db)
	probeMux := http.NewServeMux()
	probeMux.HandleFunc("/healthz", health.Liveness)
	probeMux.HandleFunc("/readyz", health.Readiness)
	probeMux.Handle("/metrics", observability.Handler(promRegistry))
	probeServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: probeMux,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.WithField("addr", apiServer.Addr).Info("starting API server")
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		logger.WithField("addr", probeServer.Addr).Info("starting health server")
		if err := probeServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	if metrics != nil {
		group.Go(func() error {
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-groupCtx.Done():
					return nil
				case <-ticker.C:
					stats := db.Stats()
					metrics.DBConnectionsActive.Set(float64(stats.InUse))
					metrics.DBConnectionsIdle.Set(float64(stats.Idle))
				}
			}
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("API server shutdown was not clean")
		}
		if err := probeServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("health server shutdown was not clean")
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		logger.WithError(err).Error("server exited with error")
		os.Exit(1)
	}
}
