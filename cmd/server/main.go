// Copyright 2026 The OpenTrusty Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opentrusty/opentrusty-admin/internal/account"
	"github.com/opentrusty/opentrusty-admin/internal/approval"
	"github.com/opentrusty/opentrusty-admin/internal/audit"
	"github.com/opentrusty/opentrusty-admin/internal/authn"
	"github.com/opentrusty/opentrusty-admin/internal/bootstrap"
	"github.com/opentrusty/opentrusty-admin/internal/cache"
	"github.com/opentrusty/opentrusty-admin/internal/config"
	"github.com/opentrusty/opentrusty-admin/internal/directory"
	"github.com/opentrusty/opentrusty-admin/internal/group"
	"github.com/opentrusty/opentrusty-admin/internal/identity"
	"github.com/opentrusty/opentrusty-admin/internal/notify"
	"github.com/opentrusty/opentrusty-admin/internal/observability/logger"
	"github.com/opentrusty/opentrusty-admin/internal/observability/metrics"
	"github.com/opentrusty/opentrusty-admin/internal/observability/tracing"
	"github.com/opentrusty/opentrusty-admin/internal/privilege"
	"github.com/opentrusty/opentrusty-admin/internal/session"
	"github.com/opentrusty/opentrusty-admin/internal/store/postgres"
	transportHTTP "github.com/opentrusty/opentrusty-admin/internal/transport/http"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger.InitLogger(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName,
	})

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "migrate":
			if err := postgres.Migrate(dbConfig(cfg), false); err != nil {
				fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
				os.Exit(1)
			}
			os.Exit(0)
		case "bootstrap":
			if err := runBootstrap(cfg); err != nil {
				fmt.Fprintf(os.Stderr, "Bootstrap failed: %v\n", err)
				os.Exit(1)
			}
			os.Exit(0)
		}
	}

	if err := run(cfg); err != nil {
		slog.Error("server failed", logger.Error(err))
		os.Exit(1)
	}
}

func dbConfig(cfg *config.Config) postgres.Config {
	return postgres.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}
}

// app is the wired object graph shared by the server and the bootstrap command
type app struct {
	db        *postgres.DB
	notifier  *notify.Async
	meter     *metrics.Meter
	audit     audit.Logger
	cache     cache.Store
	users     *postgres.UserRepository
	sessions  *postgres.SessionRepository
	types     *postgres.TypeRepository
	forms     *postgres.FormRepository
	directory *directory.Client
	// directoryConfigured is false when no DIRECTORY_URL is set
	directoryConfigured bool

	identity  *identity.Service
	privilege *privilege.Service
	groups    *group.Service
	approvals *approval.Service
	accounts  *account.Service
	auth      *authn.Service
}

func (a *app) Close() {
	a.notifier.Close()
	a.db.Close()
}

func wire(ctx context.Context, cfg *config.Config) (*app, error) {
	db, err := postgres.New(ctx, dbConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	meter, err := metrics.New(ctx, metrics.Config{Enabled: cfg.Observability.OTELEnabled}, cfg.Observability.ServiceName)
	if err != nil {
		slog.Error("failed to initialize meter", logger.Error(err))
	}

	store := cache.Open(ctx, cache.Options{
		Backend:   cfg.Cache.Backend,
		RedisAddr: cfg.Cache.RedisAddr,
		RedisDB:   cfg.Cache.RedisDB,
		Password:  cfg.Cache.Password,
		Prefix:    cfg.Cache.Prefix,
		Size:      cfg.Cache.Size,
		TTL:       cfg.Session.Lifetime,
	})

	a := &app{
		db:        db,
		meter:     meter,
		cache:     store,
		users:     postgres.NewUserRepository(db),
		sessions:  postgres.NewSessionRepository(db),
		types:     postgres.NewTypeRepository(db),
		forms:     postgres.NewFormRepository(db),
		directory: directory.NewClient(directoryConfig(cfg)),

		directoryConfigured: cfg.Directory.URL != "",
	}
	a.audit = audit.Multi{audit.NewSlogLogger(), postgres.NewAuditRepository(db)}
	a.notifier = notify.NewAsync(cfg.Workflow.NotifyBuffer, cfg.Workflow.NotifyTimeout,
		notify.SlogSink{}, postgres.NewNotificationRepository(db))

	groupRepo := postgres.NewGroupRepository(db)
	bindingRepo := postgres.NewBindingRepository(db)

	a.identity = identity.NewService(a.users, a.directory, a.audit, identity.LockoutPolicy{
		MaxAttempts: cfg.Security.LockoutMaxAttempts,
		Production:  cfg.Production(),
	})
	a.privilege = privilege.NewService(a.types, a.forms, groupRepo, a.audit, "")
	a.groups = group.NewService(groupRepo, a.audit)
	a.approvals = approval.NewService(bindingRepo, groupRepo, a.types, a.users, a.notifier, a.audit,
		approval.Policy{ForbidSelfApproval: cfg.Workflow.ForbidSelfApproval},
		approval.WithInvalidator(cache.ContextInvalidator{Store: store}),
		approval.WithRecorder(meter),
	)
	a.accounts = account.NewService(a.users, a.directory, a.approvals, a.sessions, a.audit)

	cipher, err := passwordCipher(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	issuer := session.NewTokenIssuer([]byte(cfg.Token.Secret), cfg.Session.Lifetime, cfg.Token.Issuer)
	a.auth = authn.NewService(a.identity, a.approvals, a.privilege, a.sessions, issuer, store, cipher,
		a.audit, meter, authn.Config{Production: cfg.Production()})

	return a, nil
}

func directoryConfig(cfg *config.Config) directory.Config {
	return directory.Config{
		URL:                cfg.Directory.URL,
		BaseDN:             cfg.Directory.BaseDN,
		BindDN:             cfg.Directory.BindDN,
		BindPassword:       cfg.Directory.BindPassword,
		UserAttribute:      cfg.Directory.UserAttribute,
		Timeout:            cfg.Directory.Timeout,
		StartTLS:           cfg.Directory.StartTLS,
		InsecureSkipVerify: cfg.Directory.InsecureSkipVerify,
	}
}

func passwordCipher(cfg *config.Config) (authn.PasswordCipher, error) {
	if cfg.Security.TransportKey != "" {
		return authn.NewSecretboxCipher(cfg.Security.TransportKey)
	}
	if cfg.Production() {
		return nil, errors.New("TRANSPORT_KEY is required in production")
	}
	slog.Warn("TRANSPORT_KEY not set; login passwords are accepted in plain text")
	return authn.PlainCipher{}, nil
}

func (a *app) bootstrapper() *bootstrap.Bootstrapper {
	b := &bootstrap.Bootstrapper{
		Forms:       a.forms,
		Matrices:    a.types,
		Users:       a.users,
		Workflow:    a.approvals,
		AuditLogger: a.audit,
	}
	if a.directoryConfigured {
		b.Directory = a.directory
	}
	return b
}

func run(cfg *config.Config) error {
	ctx := context.Background()
	slog.Info("starting opentrusty admin", slog.String("environment", cfg.Environment))

	tracer, err := tracing.New(ctx, tracing.Config{
		Enabled:        cfg.Observability.OTELEnabled,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
		Environment:    cfg.Environment,
		SamplingRate:   1.0,
		Endpoint:       cfg.Observability.OTELEndpoint,
		Insecure:       cfg.Observability.OTELInsecure,
	})
	if err != nil {
		slog.Error("failed to initialize tracer", logger.Error(err))
	} else {
		defer tracer.Shutdown(ctx)
	}

	a, err := wire(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	slog.Info("connected to database")

	if err := a.bootstrapper().Run(ctx, cfg.Bootstrap.AdminUsername); err != nil {
		slog.Error("bootstrap failed", logger.Error(err))
	}

	rateLimiter := transportHTTP.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	loginLimiter := transportHTTP.NewRateLimiter(cfg.RateLimit.LoginRequestsPerSecond, cfg.RateLimit.LoginBurst)

	handler := transportHTTP.NewHandler(transportHTTP.Services{
		Auth:      a.auth,
		Types:     a.privilege,
		Groups:    a.groups,
		Accounts:  a.accounts,
		Users:     a.identity,
		Approvals: a.approvals,
		Health:    a.db,
	})
	router := transportHTTP.NewRouter(handler, transportHTTP.RouterConfig{
		RateLimiter:      rateLimiter,
		LoginRateLimiter: loginLimiter,
		RequestTimeout:   cfg.Server.WriteTimeout,
		AllowedOrigins:   cfg.Server.AllowedOrigins,
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	go maintain(bgCtx, a.sessions, cfg.Session.CleanupRetention, rateLimiter, loginLimiter)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting http server", logger.Component("server"), logger.Operation("listen"), slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return err
	}

	slog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", logger.Error(err))
	}
	slog.Info("server stopped")
	return nil
}

// maintain purges old inactive sessions and idle rate limiter entries
func maintain(ctx context.Context, sessions *postgres.SessionRepository, retention time.Duration, limiters ...*transportHTTP.RateLimiter) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := sessions.PurgeInactive(ctx, time.Now().Add(-retention))
			if err != nil {
				slog.ErrorContext(ctx, "failed to purge sessions", logger.Error(err))
			} else if n > 0 {
				slog.InfoContext(ctx, "purged inactive sessions", slog.Int64("count", n))
			}
			for _, l := range limiters {
				l.Sweep()
			}
		}
	}
}

func runBootstrap(cfg *config.Config) error {
	ctx := context.Background()
	a, err := wire(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return a.bootstrapper().Run(ctx, cfg.Bootstrap.AdminUsername)
}
