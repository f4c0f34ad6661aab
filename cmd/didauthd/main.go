package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	didauth "github.com/goliatone/go-didauth"
	"github.com/goliatone/go-didauth/adapters/redisstore"
	"github.com/goliatone/go-didauth/config"
	"github.com/goliatone/go-didauth/provisioner"
	"github.com/goliatone/go-didauth/telemetry"
	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-router"
	"github.com/spf13/pflag"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

var version = "dev"

type tokenStore interface {
	didauth.RefreshTokenStore
	didauth.NonceStore
}

type App struct {
	config       *config.Config
	logger       *glog.BaseLogger
	db           *bun.DB
	repo         didauth.RepositoryManager
	store        tokenStore
	tokens       didauth.TokenIssuer
	orchestrator didauth.ProvisioningOrchestrator
	service      didauth.AuthService
	srv          router.Server[*fiber.App]
	traceDone    telemetry.ShutdownFunc
}

func (a *App) GetLogger(name string) glog.Logger {
	return a.logger.GetLogger(name)
}

func main() {
	var (
		configPath string
		listen     string
		logLevel   string
		debug      bool
	)

	flags := pflag.NewFlagSet("didauthd", pflag.ExitOnError)
	flags.StringVarP(&configPath, "config", "c", "", "path to the YAML config file")
	flags.StringVar(&listen, "listen", "", "address to listen on, overrides server.listen")
	flags.StringVar(&logLevel, "log-level", "", "log level, overrides log.level")
	flags.BoolVar(&debug, "debug", false, "log request payloads")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "didauthd: %v\n", err)
		os.Exit(1)
	}

	if listen != "" {
		cfg.Server.Listen = listen
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if debug {
		cfg.Server.Debug = true
	}

	level := glog.Info
	switch strings.ToLower(cfg.Log.Level) {
	case "trace":
		level = glog.Trace
	case "debug":
		level = glog.Debug
	case "warn":
		level = glog.Warn
	case "error":
		level = glog.Error
	case "fatal":
		level = glog.Fatal
	}

	app := &App{
		config: cfg,
		logger: glog.NewLogger(
			glog.WithLoggerTypePretty(),
			glog.WithLevel(level),
			glog.WithName("didauthd"),
			glog.WithAddSource(false),
			glog.WithRichErrorHandler(errors.ToSlogAttributes),
		),
	}

	ctx := context.Background()
	lgr := app.GetLogger("app")

	if err := run(ctx, app); err != nil {
		lgr.Error("startup failed", "error", err)
		os.Exit(1)
	}

	lgr.Info("didauthd started", "listen", cfg.Server.Listen, "version", version)

	sig := WaitExitSignal()
	lgr.Info("shutting down", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := app.Shutdown(shutdownCtx); err != nil {
		lgr.Error("shutdown failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, app *App) error {
	shutdown, err := telemetry.Setup(ctx, telemetry.Options{
		Enabled:     app.config.Trace.Enabled,
		Endpoint:    app.config.Trace.Endpoint,
		Insecure:    app.config.Trace.Insecure,
		ServiceName: app.config.Trace.ServiceName,
		Version:     version,
		SampleRatio: app.config.Trace.SampleRatio,
	})
	if err != nil {
		return err
	}
	app.traceDone = shutdown

	if err := WithPersistence(ctx, app); err != nil {
		return err
	}

	WithTokenStore(app)

	if err := WithAuthService(ctx, app); err != nil {
		return err
	}

	WithHTTPServer(app)

	serveErr := make(chan error, 1)
	go func() {
		if err := app.srv.Serve(app.config.Server.Listen); err != nil {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

func WithPersistence(ctx context.Context, app *App) error {
	sqldb, err := sql.Open(sqliteshim.ShimName, app.config.Database.DSN)
	if err != nil {
		return err
	}

	db := bun.NewDB(sqldb, sqlitedialect.New())
	if err := db.PingContext(ctx); err != nil {
		return err
	}

	repo := didauth.NewRepositoryManager(db)
	if err := repo.Validate(); err != nil {
		return err
	}

	if err := repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return didauth.EnsureSchema(ctx, tx)
	}); err != nil {
		return err
	}

	app.db = db
	app.repo = repo
	return nil
}

func WithTokenStore(app *App) {
	rcfg := app.config.Redis
	if rcfg.Addr == "" {
		app.store = didauth.NewMemoryStore(time.Minute)
		return
	}

	app.GetLogger("store").Info("using redis token store", "addr", rcfg.Addr, "db", rcfg.DB)
	app.store = redisstore.New(
		redisstore.NewClient(rcfg.Addr, rcfg.Password, rcfg.DB),
		redisstore.WithPrefix(rcfg.Prefix),
	)
}

func WithAuthService(ctx context.Context, app *App) error {
	cfg := app.config
	if err := didauth.ValidateConfig(cfg); err != nil {
		return err
	}

	identities := app.repo.Identities()
	authLogger := NewLogger(app.GetLogger("auth"))

	app.tokens = didauth.NewTokenIssuer([]byte(cfg.GetTokenSecret()),
		didauth.WithTokenIssuer(cfg.GetIssuer()),
		didauth.WithTokenTTL(cfg.GetAccessTokenTTL(), cfg.GetRefreshTokenTTL()),
		didauth.WithRefreshTokenStore(app.store),
		didauth.WithAdminResolver(func(ctx context.Context, did string) (bool, error) {
			identity, err := identities.Get(ctx, did)
			if err != nil {
				return false, err
			}
			return identity.IsAdmin, nil
		}),
		didauth.WithTokenLogger(authLogger),
	)

	claimCodes := didauth.NewClaimCodeRegistry(app.repo.ClaimCodes(), cfg.GetAdminClaimCode(),
		didauth.WithClaimCodeReusable(cfg.GetClaimCodeReusable()),
		didauth.WithClaimCodeLogger(authLogger),
	)
	if err := claimCodes.Bootstrap(ctx); err != nil {
		return err
	}

	sink := NewActivityLogger(app.GetLogger("activity"))
	provLogger := NewLogger(app.GetLogger("provisioning"))

	scripts := provisioner.New(
		cfg.Provisioning.ProvisionScript,
		cfg.Provisioning.DeprovisionScript,
		provisioner.WithShell(cfg.Provisioning.Shell),
		provisioner.WithWorkDir(cfg.Provisioning.WorkDir),
		provisioner.WithLogDir(cfg.Provisioning.LogDir),
		provisioner.WithOutputGrace(cfg.Provisioning.OutputGrace),
		provisioner.WithLogger(provLogger),
	)

	app.orchestrator = didauth.NewProvisioningOrchestrator(identities, scripts,
		didauth.WithOrchestratorCallbackURL(cfg.GetCallbackURL()),
		didauth.WithOrchestratorInternalSecret(cfg.GetInternalSecret()),
		didauth.WithOrchestratorStateMachine(didauth.NewInstanceStateMachine(identities,
			didauth.WithStateMachineActivitySink(sink),
			didauth.WithStateMachineLogger(provLogger),
		)),
		didauth.WithOrchestratorLogger(provLogger),
	)

	app.service = didauth.NewAuthService(identities, app.tokens, claimCodes, app.orchestrator,
		didauth.WithNonceStore(app.store),
		didauth.WithFreshnessWindow(cfg.GetFreshnessWindow()),
		didauth.WithInstanceSecret(cfg.GetInstanceSecret()),
		didauth.WithServiceActivitySink(sink),
		didauth.WithServiceLogger(authLogger),
	)

	return nil
}

func WithHTTPServer(app *App) {
	srv := router.NewFiberAdapter(func(a *fiber.App) *fiber.App {
		return router.DefaultFiberOptions(fiber.New(fiber.Config{
			UnescapePath:          true,
			DisableStartupMessage: true,
		}))
	})

	srv.Router().WithLogger(app.GetLogger("router"))

	httpLogger := NewLogger(app.GetLogger("http"))
	auther := didauth.NewHTTPAuthenticator(app.tokens, app.config.GetInternalSecret())
	auther.Logger = httpLogger

	didauth.RegisterIdentityRoutes(srv.Router(),
		didauth.WithControllerService(app.service),
		didauth.WithControllerAuthenticator(auther),
		didauth.WithControllerLogger(httpLogger),
		didauth.WithControllerDebug(app.config.Server.Debug),
	)

	app.srv = srv
}

// Shutdown stops accepting requests, then waits for running provisioning
// scripts to report before closing storage.
func (a *App) Shutdown(ctx context.Context) error {
	if a.srv != nil {
		if err := a.srv.Shutdown(ctx); err != nil {
			return err
		}
	}

	if a.orchestrator != nil {
		if err := a.orchestrator.Drain(ctx); err != nil {
			a.GetLogger("app").Warn("provisioning watchers still running", "error", err)
		}
	}

	if a.traceDone != nil {
		if err := a.traceDone(ctx); err != nil {
			a.GetLogger("app").Warn("trace flush failed", "error", err)
		}
	}

	if a.db != nil {
		return a.db.Close()
	}
	return nil
}

func WaitExitSignal() os.Signal {
	ch := make(chan os.Signal, 3)
	signal.Notify(ch,
		syscall.SIGINT,
		syscall.SIGQUIT,
		syscall.SIGTERM,
	)
	return <-ch
}
