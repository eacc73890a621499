package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"mailsync/internal/auth"
	"mailsync/internal/cache"
	"mailsync/internal/config"
	"mailsync/internal/database"
	"mailsync/internal/gc"
	"mailsync/internal/handlers"
	"mailsync/internal/heartbeat"
	"mailsync/internal/logging"
	"mailsync/internal/mailsync"
	"mailsync/internal/middleware"
	"mailsync/internal/models"
	"mailsync/internal/providers"
	"mailsync/internal/secret"
	"mailsync/internal/store"
	"mailsync/internal/syncback"
)

const usage = `usage: mailsync [command]

commands:
  serve    run the sync engine and status API (default)
  token    print a status API token (-subject, -role)
  keygen   print a new SECRET_KEY for credential encryption
`

func main() {
	// 加载环境变量 - 优先加载.env.local，然后是.env
	envFile := ".env.local"
	if err := godotenv.Load(envFile); err != nil {
		envFile = ".env"
		if err := godotenv.Load(envFile); err != nil {
			envFile = ""
		}
	}

	cfg := config.Load()
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	if envFile != "" {
		logrus.WithField("file", envFile).Debug("Loaded environment file")
	}

	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = serve(cfg)
	case "token":
		err = printToken(cfg, args)
	case "keygen":
		err = printKey()
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		logrus.WithError(err).Fatal("mailsync exited")
	}
}

func serve(cfg *config.Config) error {
	db, err := database.Open(database.Options{Path: cfg.Database.Path, UsePureGo: cfg.Database.PureGo})
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close(db)

	var box *secret.Box
	if cfg.Secret.Key == "" {
		logrus.Warn("SECRET_KEY is not set, accounts with stored credentials cannot sync")
	} else if box, err = secret.NewBox(cfg.Secret.Key); err != nil {
		return fmt.Errorf("invalid SECRET_KEY: %w", err)
	}

	st := store.New(db)
	sessions := providers.NewSessionFactory(cfg, box)

	records := cache.NewMemoryCache(time.Minute)
	defer records.Stop()
	logger := logrus.NewEntry(logrus.StandardLogger())
	reporter := heartbeat.NewReporter(records, cfg.Heartbeat, logger)

	manager := mailsync.NewManager(mailsync.ManagerDeps{
		Store:    st,
		Accounts: st,
		Pools: func(account *models.Account) (mailsync.SessionPool, error) {
			pool, err := sessions.PoolFor(account)
			if err != nil {
				return nil, err
			}
			return pool, nil
		},
		DeleteHandler: gc.NewDeleteHandler(st, cfg.GC, logger),
		Publisher:     reporter,
		Config:        cfg.Sync,
		Logger:        logger,
	})
	writer := syncback.New(st, manager.Pool, mailsync.NewRetryHandler(cfg.Sync), logger)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RequestLogger())
	router.Use(middleware.ErrorHandler(!cfg.IsProduction()))

	handlers.New(handlers.Deps{
		Config:   cfg,
		Store:    st,
		Manager:  manager,
		Syncback: writer,
		Reporter: reporter,
		Box:      box,
		Tokens:   auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.JWTExpiry),
	}).RegisterRoutes(router)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := manager.StartAll(ctx); err != nil {
		return fmt.Errorf("failed to start account sync: %w", err)
	}

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		// 收到信号时取消请求上下文，SSE连接随之结束
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	serveErr := make(chan error, 1)
	go func() {
		logrus.WithField("addr", srv.Addr).Info("mailsync server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logrus.Info("Shutting down")
	case err := <-serveErr:
		if err != nil {
			_ = manager.Shutdown(context.Background())
			return fmt.Errorf("failed to start server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("HTTP server shutdown incomplete")
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("Sync manager shutdown incomplete")
	}
	return nil
}

func printToken(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	subject := fs.String("subject", "operator", "token subject")
	role := fs.String("role", auth.RoleViewer, "admin or viewer")
	expiry := fs.Duration("expiry", cfg.Auth.JWTExpiry, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	token, err := auth.NewJWTManager(cfg.Auth.JWTSecret, *expiry).GenerateToken(*subject, *role)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func printKey() error {
	key, err := secret.GenerateKey()
	if err != nil {
		return err
	}
	fmt.Println(key)
	return nil
}
