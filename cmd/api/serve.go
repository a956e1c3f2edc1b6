package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"formpilot/api/internal/app"
	"formpilot/api/internal/assets"
	"formpilot/api/internal/auth"
	"formpilot/api/internal/config"
	"formpilot/api/internal/docstore"
	"formpilot/api/internal/editor"
	"formpilot/api/internal/email"
	"formpilot/api/internal/events"
	"formpilot/api/internal/export"
	"formpilot/api/internal/formsvc"
	"formpilot/api/internal/gitrepo"
	"formpilot/api/internal/logging"
	"formpilot/api/internal/search"
	"formpilot/api/internal/session"
	"formpilot/api/internal/telemetry"
	"formpilot/api/internal/workspace"
)

// core is what every command that touches data needs.
type core struct {
	store   docstore.Store
	bus     *events.Bus
	forms   *formsvc.Service
	search  *search.Service
	checks  map[string]app.Pinger
	closers []func()
}

func (c *core) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

func buildCore(ctx context.Context, cfg config.Config) (*core, error) {
	logger := logging.WithModule("main")
	c := &core{checks: map[string]app.Pinger{}}

	var rawStore docstore.Store

	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err := docstore.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		c.closers = append(c.closers, func() { _ = db.Close() })
		if err := docstore.ApplyMigrations(ctx, db); err != nil {
			c.close()
			return nil, fmt.Errorf("migrations failed: %w", err)
		}
		rawStore = docstore.NewPostgresStore(db)
		logger.Info("using postgres document store")
	} else {
		rawStore = docstore.NewMemoryStore(nil)
		logger.Warn("DATABASE_URL not set, using in-memory document store")
	}
	c.store = docstore.WithTracing(docstore.WithTimeout(rawStore, cfg.StoreTimeout))

	c.bus = events.NewBus(logging.WithModule("events"))
	c.closers = append(c.closers, func() { _ = c.bus.Close() })

	if err := os.MkdirAll(cfg.VersionsDir, 0o755); err != nil {
		c.close()
		return nil, fmt.Errorf("create versions dir: %w", err)
	}
	c.forms = formsvc.New(formsvc.Options{
		Store:    c.store,
		Events:   c.bus,
		Versions: gitrepo.New(cfg.VersionsDir),
		Logger:   logging.WithModule("forms"),
	})

	var meili *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logging.WithModule("search"))
		c.closers = append(c.closers, meili.Close)
	}
	c.search = search.NewService(meili, search.NewStoreSearcher(c.store), logging.WithModule("search"))
	return c, nil
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := logging.WithModule("main")

	shutdownTracing, err := telemetry.Setup(ctx, "formpilot-api", cfg.OTELEndpoint)
	if err != nil {
		return fmt.Errorf("tracing setup failed: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Error("tracer shutdown failed", "error", err)
		}
	}()

	c, err := buildCore(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.close()

	if err := c.forms.EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("form indexes: %w", err)
	}

	indexer := search.NewIndexer(c.search, c.forms)
	if err := c.bus.SubscribeForms(ctx, indexer.Handle); err != nil {
		return fmt.Errorf("subscribe search indexer: %w", err)
	}

	snapshots, err := snapshotStore(cfg, c)
	if err != nil {
		return err
	}
	registry := editor.NewRegistry(editor.RegistryConfig{
		Forms:     c.forms,
		Snapshots: snapshots,
		Logger:    logging.WithModule("editor"),
		Settings: editor.Settings{
			TextWindow:  cfg.DebounceText,
			ColorWindow: cfg.DebounceColor,
			Retries:     cfg.StoreRetries,
		},
		IdleTimeout: cfg.EditorSessionIdle,
	})
	if err := registry.Start(cfg.EditorSweepSchedule); err != nil {
		return fmt.Errorf("editor sweep: %w", err)
	}

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
		FromName: cfg.SMTP.FromName,
	})
	if !mailer.IsConfigured() {
		logger.Warn("SMTP not configured, invite e-mails will not be sent")
	}
	workspaces := workspace.New(workspace.Options{
		Store:     c.store,
		Events:    c.bus,
		Mailer:    mailer,
		Logger:    logging.WithModule("workspace"),
		InviteTTL: cfg.InviteTTL,
		AcceptURL: strings.TrimRight(cfg.AppBaseURL, "/") + "/invites/accept",
	})
	if err := workspaces.EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("workspace indexes: %w", err)
	}

	deps := app.Deps{
		Store:      c.store,
		Forms:      c.forms,
		Editor:     registry,
		Workspaces: workspaces,
		Search:     c.search,
		Export:     export.NewService(export.Options{Forms: c.forms, Logger: logging.WithModule("export")}),
		Signer:     auth.NewSigner(cfg.JWTSecret, 0, nil),
		Checks:     c.checks,
		Logger:     logging.WithModule("http"),
		CORSOrigin: cfg.CORSOrigin,
	}
	if strings.TrimSpace(cfg.S3.Endpoint) != "" {
		objects, err := assets.NewMinioStore(ctx, assets.MinioConfig{
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Bucket:    cfg.S3.Bucket,
			UseSSL:    cfg.S3.UseSSL,
			PublicURL: cfg.S3.PublicURL,
		})
		if err != nil {
			return fmt.Errorf("object storage: %w", err)
		}
		deps.Assets = assets.NewService(objects, cfg.S3.MaxImageSize, logging.WithModule("assets"))
	} else {
		logger.Warn("S3_ENDPOINT not set, design asset uploads are disabled")
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.NewHTTPServer(deps).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("FormPilot API listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	registry.Stop(shutdownCtx)
	return nil
}

// snapshotStore picks Redis when configured and registers it for readiness.
func snapshotStore(cfg config.Config, c *core) (session.Store, error) {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		logging.WithModule("main").Info("REDIS_URL not set, editor snapshots kept in memory")
		return session.NewMemoryStore(nil, cfg.EditorSnapshotTTL), nil
	}
	redisStore, err := session.NewRedisStore(cfg.RedisURL, cfg.EditorSnapshotTTL)
	if err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	c.closers = append(c.closers, func() { _ = redisStore.Close() })
	c.checks["redis"] = redisStore
	return redisStore, nil
}
