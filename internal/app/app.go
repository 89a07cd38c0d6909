// Package app wires configuration, infrastructure, and every Rise
// component together and runs the HTTP server alongside the background
// loops.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-chi/chi/v5"

	"github.com/risedotdev/rise/internal/config"
	"github.com/risedotdev/rise/internal/httpserver"
	"github.com/risedotdev/rise/internal/platform"
	"github.com/risedotdev/rise/internal/store/postgres"
	"github.com/risedotdev/rise/internal/telemetry"
	"github.com/risedotdev/rise/pkg/accesspolicy"
	"github.com/risedotdev/rise/pkg/auth"
	"github.com/risedotdev/rise/pkg/customdomain"
	"github.com/risedotdev/rise/pkg/deploy"
	"github.com/risedotdev/rise/pkg/encryption"
	"github.com/risedotdev/rise/pkg/extensions"
	databaseprovider "github.com/risedotdev/rise/pkg/extensions/providers/database"
	"github.com/risedotdev/rise/pkg/extensions/providers/oauthprovisioner"
	"github.com/risedotdev/rise/pkg/extensions/providers/objectstore"
	"github.com/risedotdev/rise/pkg/ingressauth"
	"github.com/risedotdev/rise/pkg/oauth2server"
	"github.com/risedotdev/rise/pkg/team"
)

// Run starts Rise and blocks until ctx is cancelled or startup fails.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.Logging.Format, cfg.Logging.Level)
	slog.SetDefault(logger)

	for _, key := range cfg.UnusedKeys {
		logger.Warn("ignoring unknown configuration key", "key", key)
	}

	logger.Info("starting rise",
		"run_mode", cfg.RunMode,
		"listen", cfg.ListenAddr(),
	)

	db, err := platform.NewPostgresPool(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if cfg.Database.MigrationsDir != "" {
		if err := platform.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		logger.Info("migrations applied")
	}

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)
	storage := postgres.New(db)

	enc, err := buildEncryptor(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initializing encryption backend: %w", err)
	}
	logger.Info("encryption backend ready", "provider", enc.ProviderName())

	// Signing material for both token families.
	tokens, err := auth.NewTokenIssuer(cfg.Server.PublicURL, cfg.JWTExpiry(),
		cfg.Server.RS256PrivateKeyPEM, cfg.Server.JWTSigningSecret)
	if err != nil {
		return fmt.Errorf("initializing token issuer: %w", err)
	}
	if tokens.EphemeralPlatformKey() {
		logger.Warn("no rs256 key configured; platform tokens will not survive a restart")
	}

	idp, err := auth.NewIdPClient(ctx, logger,
		cfg.Auth.Issuer, cfg.Auth.ClientID, cfg.Auth.ClientSecret,
		cfg.Server.PublicURL+"/auth/callback")
	if err != nil {
		return fmt.Errorf("initializing idp client: %w", err)
	}

	cache := auth.NewRedisCache(rdb, "rise:")

	policy := accesspolicy.Config{
		Policy:            accesspolicy.Policy(cfg.Auth.PlatformAccess.Policy),
		AdminEmails:       cfg.Auth.AdminUsers,
		AllowedUserEmails: cfg.Auth.PlatformAccess.AllowedUserEmails,
		AllowedIdPGroups:  cfg.Auth.PlatformAccess.AllowedIdPGroups,
	}

	flow := auth.NewFlow(auth.FlowConfig{
		PublicURL: cfg.Server.PublicURL,
		Cookie: auth.CookieConfig{
			Domain: cfg.Server.CookieDomain,
			Secure: cfg.Server.CookieSecure,
			MaxAge: cfg.JWTExpiry(),
		},
		Policy:           policy,
		GroupSyncEnabled: cfg.Auth.IdPGroupSyncEnabled,
	}, idp, tokens, cache, storage, team.NewSyncer(storage, logger), logger)

	oauthSrv := oauth2server.NewServer(cfg.Server.PublicURL, storage, storage, enc, cache, logger)

	k8s := cfg.DeploymentController.Kubernetes
	resolver, err := ingressauth.NewResolver(storage, storage,
		k8s.ProductionIngressURLTemplate, k8s.StagingIngressURLTemplate)
	if err != nil {
		return fmt.Errorf("initializing ingress resolver: %w", err)
	}
	requirements := make(map[string]ingressauth.Requirement, len(k8s.AccessClasses))
	for id, class := range k8s.AccessClasses {
		requirements[id] = ingressauth.Requirement(class.AccessRequirement)
	}
	verifier := ingressauth.NewVerifier(ingressauth.Config{
		AccessRequirements: requirements,
		AdminEmails:        cfg.Auth.AdminUsers,
		SignInBaseURL:      cfg.Server.PublicURL,
	}, resolver, tokens, storage, storage, logger)

	registry := extensions.NewRegistry()
	if err := registerProviders(ctx, cfg, registry, storage, enc, logger); err != nil {
		return fmt.Errorf("registering extension providers: %w", err)
	}

	runtime := extensions.NewRuntime(registry, storage, logger)
	runtime.SetIntervals(0, time.Duration(cfg.Controller.ReconcileIntervalSecs)*time.Second)
	runtime.Start(ctx)

	var acmeClient customdomain.ACMEClient = customdomain.NewLocalIssuer()
	if dir := cfg.CustomDomains.ACMEDirectoryURL; dir != "" {
		acmeClient, err = customdomain.NewRFC8555Client(ctx, dir, cfg.CustomDomains.ACMEContactEmail)
		if err != nil {
			return fmt.Errorf("initializing acme client: %w", err)
		}
	} else {
		logger.Warn("no acme directory configured; issuing untrusted local certificates")
	}
	certs := customdomain.NewService(storage, acmeClient, logger)
	go certs.Run(ctx)

	deploySvc := deploy.NewService(registry, storage, enc, cfg.Registry.Server, logger)

	srv := httpserver.NewServer(httpserver.ServerConfig{
		CORSAllowedOrigins: cfg.Server.CORSAllowedOrigins,
		MetricsPath:        cfg.Server.MetricsPath,
	}, logger, db, rdb, metricsReg)

	flow.Mount(srv.Router)
	oauthSrv.Mount(srv.Router)
	verifier.Mount(srv.Router)
	registry.Mount(srv.Router)
	mountDeploymentPrepare(srv.Router, deploySvc, tokens, logger)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		runtime.Wait()
		return nil
	case err := <-errCh:
		return err
	}
}

// buildEncryptor selects the configured secret encryption backend.
func buildEncryptor(ctx context.Context, cfg *config.Config) (encryption.Encryptor, error) {
	switch {
	case cfg.Encryption.AWSKMS != nil:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.Encryption.AWSKMS.Region))
		if err != nil {
			return nil, fmt.Errorf("loading aws config: %w", err)
		}
		return encryption.NewKMS(kms.NewFromConfig(awsCfg), cfg.Encryption.AWSKMS.KeyID), nil

	case cfg.Encryption.AESGCM256 != nil:
		return encryption.NewAESGCM(cfg.Encryption.AESGCM256.Key)

	default:
		return nil, fmt.Errorf("no encryption backend configured")
	}
}

// registerProviders builds each configured extension provider.
func registerProviders(
	ctx context.Context,
	cfg *config.Config,
	registry *extensions.Registry,
	storage *postgres.Store,
	enc encryption.Encryptor,
	logger *slog.Logger,
) error {
	for _, pc := range cfg.Extensions.Providers {
		switch pc.Type {
		case objectstore.Type:
			awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
				awsconfig.WithRegion(settingString(pc.Settings, "region")))
			if err != nil {
				return fmt.Errorf("loading aws config for %s: %w", pc.Type, err)
			}
			provider := objectstore.New(
				iam.NewFromConfig(awsCfg), s3.NewFromConfig(awsCfg), enc, storage, logger)
			if err := registry.Register(provider); err != nil {
				return err
			}

		case databaseprovider.Type:
			adminURL := settingString(pc.Settings, "admin_url")
			adminPool, err := platform.NewPostgresPool(ctx, adminURL)
			if err != nil {
				return fmt.Errorf("connecting to shared database cluster: %w", err)
			}
			provider := databaseprovider.New(
				databaseprovider.NewPgxAdmin(adminPool, adminURL), enc, storage,
				settingString(pc.Settings, "cluster_host"),
				settingInt(pc.Settings, "cluster_port", 5432),
				logger)
			if err := registry.Register(provider); err != nil {
				return err
			}

		case oauth2server.ExtensionType:
			provider := oauthprovisioner.New(enc, storage, cfg.Server.PublicURL, logger)
			if err := registry.Register(provider); err != nil {
				return err
			}

		default:
			logger.Warn("unknown extension provider type in configuration, skipping", "type", pc.Type)
		}
	}
	return nil
}

// mountDeploymentPrepare exposes the synchronous deployment preparation
// step to the (out-of-scope) deployment CRUD layer, guarded by a
// platform token.
func mountDeploymentPrepare(r chi.Router, svc *deploy.Service, tokens *auth.TokenIssuer, logger *slog.Logger) {
	r.Post("/projects/{project_id}/deployments/{deployment_id}/prepare", func(w http.ResponseWriter, req *http.Request) {
		raw := auth.BearerOrCookieToken(req, auth.SessionCookieName)
		if raw == "" {
			httpserver.RespondError(w, http.StatusUnauthorized, "not signed in")
			return
		}
		if _, err := tokens.VerifyPlatformToken(raw); err != nil {
			httpserver.RespondError(w, http.StatusUnauthorized, "invalid session")
			return
		}

		group := req.URL.Query().Get("deployment_group")
		if group == "" {
			group = "default"
		}
		err := svc.Prepare(req.Context(),
			chi.URLParam(req, "deployment_id"), chi.URLParam(req, "project_id"), group)
		if err != nil {
			httpserver.WriteAPIError(w, logger, httpserver.RequestIDFromContext(req.Context()), err)
			return
		}
		httpserver.Respond(w, http.StatusNoContent, nil)
	})
}

// settingString reads a string from a provider settings map.
func settingString(settings map[string]any, key string) string {
	if v, ok := settings[key].(string); ok {
		return v
	}
	return ""
}

// settingInt reads an integer from a provider settings map, tolerating
// the numeric types TOML and YAML decoders produce.
func settingInt(settings map[string]any, key string, fallback int) int {
	switch v := settings[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}
