package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/planledger-labs/planledger-go/internal/budget"
	"github.com/planledger-labs/planledger-go/internal/platform/auditlog"
	"github.com/planledger-labs/planledger-go/internal/platform/auth"
	"github.com/planledger-labs/planledger-go/internal/platform/env"
	"github.com/planledger-labs/planledger-go/internal/platform/httpserver"
	"github.com/planledger-labs/planledger-go/internal/platform/objectstore"
	"github.com/planledger-labs/planledger-go/internal/platform/postgres"
	repopg "github.com/planledger-labs/planledger-go/internal/repo/postgres"
	deliverablesvc "github.com/planledger-labs/planledger-go/internal/service/deliverables"
	plansvc "github.com/planledger-labs/planledger-go/internal/service/plans"
	receiptsvc "github.com/planledger-labs/planledger-go/internal/service/receipts"
	storageobjectstore "github.com/planledger-labs/planledger-go/internal/storage/objectstore"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("PLANLEDGER_HTTP_ADDR", ":8080")
	shutdownTimeout, err := env.Duration("PLANLEDGER_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	bodyMaxMiB, err := env.Int("PLANLEDGER_BODY_MAX_MIB", 4)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	presignTTL, err := env.Duration("PLANLEDGER_DELIVERABLE_PRESIGN_TTL", 10*time.Minute)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	storeClient, err := objectstore.NewMinIOClient(storeCfg)
	if err != nil {
		logger.Error("object store client init failed", "error", err)
		os.Exit(2)
	}
	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := objectstore.EnsureBuckets(startupCtx, storeClient, storeCfg); err != nil {
		cancel()
		logger.Error("object store unavailable", "error", err)
		os.Exit(1)
	}
	cancel()

	var policyTemplate *budget.Template
	if path := env.String("PLANLEDGER_POLICY_TEMPLATE_FILE", ""); path != "" {
		tpl, err := budget.LoadTemplateFile(path)
		if err != nil {
			logger.Error("invalid policy template", "path", path, "error", err)
			os.Exit(2)
		}
		policyTemplate = &tpl
		logger.Info("policy template loaded", "path", path)
	}

	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("planledger"))
	mux.HandleFunc(
		"/readyz",
		httpserver.ReadyzWithChecks(
			"planledger",
			httpserver.ReadinessCheck{
				Name: "postgres",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return db.PingContext(checkCtx)
				},
			},
			httpserver.ReadinessCheck{
				Name: "minio",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return objectstore.CheckBuckets(checkCtx, storeClient, storeCfg)
				},
			},
		),
	)

	skipPrefixes := []string{"/healthz", "/readyz"}

	var authenticator auth.Authenticator
	switch authCfg.Mode {
	case auth.ModeOIDC:
		oidcSvc, err := auth.NewOIDCService(ctx, authCfg)
		if err != nil {
			logger.Error("oidc init failed", "error", err)
			os.Exit(2)
		}
		if err := authCfg.ValidateForLogin(); err == nil {
			login, err := oidcSvc.LoginHandler()
			if err != nil {
				logger.Error("oidc login handler init failed", "error", err)
				os.Exit(2)
			}
			callback, err := oidcSvc.CallbackHandler()
			if err != nil {
				logger.Error("oidc callback handler init failed", "error", err)
				os.Exit(2)
			}
			mux.HandleFunc("GET /auth/login", login)
			mux.HandleFunc("GET /auth/callback", callback)
			mux.HandleFunc("POST /auth/logout", oidcSvc.LogoutHandler())
			mux.HandleFunc("GET /auth/session", oidcSvc.SessionHandler())
			skipPrefixes = append(skipPrefixes, "/auth/login", "/auth/callback")
		} else {
			logger.Info("oidc login endpoints disabled", "reason", err.Error())
		}
		authenticator = oidcSvc
	case auth.ModeDev:
		authenticator = auth.NewDevAuthenticator(authCfg)
		logger.Warn("dev auth enabled; do not use in production")
	case auth.ModeDisabled:
		// Behind the gateway: trust signed identity headers only.
		internalAuthSecret := env.String("PLANLEDGER_INTERNAL_AUTH_SECRET", "")
		headersAuth, err := auth.NewGatewayHeadersAuthenticator(internalAuthSecret)
		if err != nil {
			logger.Error("invalid internal auth config", "error", err)
			os.Exit(2)
		}
		authenticator = headersAuth
	}

	planStore := repopg.NewPlanStore(db)
	receiptStore := repopg.NewReceiptStore(db)
	deliverableStore := repopg.NewDeliverableStore(db)
	auditAppender := repopg.NewAuditAppender(db)

	planService := plansvc.New(planStore, receiptStore, auditAppender, policyTemplate, logger)
	receiptService := receiptsvc.New(planStore, receiptStore, auditAppender, planService, logger)

	deliverableObjectStore, err := storageobjectstore.NewMinioStoreWithClient(storeClient)
	if err != nil {
		logger.Error("deliverable object store init failed", "error", err)
		os.Exit(2)
	}
	deliverableService := deliverablesvc.New(planStore, deliverableStore, deliverableObjectStore, storeCfg.BucketDeliverables, auditAppender, logger)

	if planService == nil || receiptService == nil || deliverableService == nil {
		logger.Error("service init failed")
		os.Exit(2)
	}

	validators, err := newRequestValidators()
	if err != nil {
		logger.Error("request schema init failed", "error", err)
		os.Exit(2)
	}

	api := newPlanLedgerAPI(logger, planService, receiptService, deliverableService, validators, int64(bodyMaxMiB)<<20, presignTTL)
	api.register(mux)

	handler := auth.Middleware{
		Logger:        logger,
		Authenticator: authenticator,
		Authorize:     auth.MethodRoleAuthorizer(),
		Audit: func(ctx context.Context, event auth.DenyEvent) error {
			auditCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
			defer cancel()
			return auditlog.InsertAuthDeny(auditCtx, db, "planledger", event)
		},
		SkipPrefixes: skipPrefixes,
	}.Wrap(mux)

	cfg := httpserver.Config{
		Service:         "planledger",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}

	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "planledger", handler)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
