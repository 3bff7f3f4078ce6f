package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"whiskd/internal/api"
	"whiskd/internal/batch"
	"whiskd/internal/captcha"
	"whiskd/internal/config"
	"whiskd/internal/fileutil"
	"whiskd/internal/httputil"
	"whiskd/internal/labs"
	"whiskd/internal/queue"
	"whiskd/internal/runner"
)

func main() {

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load("config.yml")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	if err := fileutil.EnsureDir(cfg.DataDir); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("ensure data dir")
	}
	if err := fileutil.EnsureDir(cfg.OutputDir); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.OutputDir).Msg("ensure output dir")
	}

	store := buildStore(cfg)
	bridge, manager := buildManager(cfg, store)

	baseCtx, baseCancel := context.WithCancel(context.Background())
	manager.SetBaseContext(baseCtx)

	bridge.Start()

	router := setupRouter()
	api.NewAPI(store, manager, bridge).RegisterRoutes(router)

	const (
		readHeaderTimeout = 5 * time.Second
		shutdownTimeout   = 10 * time.Second
	)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Port).Msg("control api listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	waitForShutdownSignal()

	gracefulShutdown(srv, bridge, manager, baseCancel, shutdownTimeout)
}

func setupRouter() *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(httputil.ZerologLogger())
	return r
}

func buildStore(cfg config.Config) queue.Store {
	if cfg.Store.Backend == "redis" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		store, err := queue.NewRedisStore(ctx, cfg.Store.RedisAddr)
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Store.RedisAddr).Msg("connect redis store")
		}
		return store
	}

	store, err := queue.NewFileStore(cfg.DataDir)
	if err != nil {
		log.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("open file store")
	}
	return store
}

func buildManager(cfg config.Config, store queue.Store) (*captcha.Bridge, *batch.Manager) {
	registry := captcha.NewRegistry(cfg.Bridge.Channels)
	auth := labs.NewAuthClient(cfg.Labs.AuthBaseURL)
	bridge := captcha.NewBridge(registry, auth, cfg.Bridge.Port, cfg.ProjectName)

	client := labs.NewClient(cfg.Labs, cfg.Runner.APITimeout())

	opts := runner.Options{
		Concurrency:         cfg.Runner.Concurrency,
		TaskTimeout:         cfg.Runner.TaskTimeout(),
		PollInterval:        cfg.Runner.PollInterval(),
		CaptchaWait:         cfg.Runner.CaptchaWait(),
		PollMax:             cfg.Runner.PollMax(),
		Channel:             cfg.Runner.Channel,
		ProceedWithoutToken: cfg.Runner.ProceedWithoutToken,
		ModelKey:            cfg.Labs.ModelKey,
		OutputDir:           cfg.OutputDir,
	}

	manager := batch.NewManager(store, bridge, client, registry, opts, cfg.Retry)
	return bridge, manager
}

func waitForShutdownSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutdown signal received")
}

func gracefulShutdown(srv *http.Server, bridge *captcha.Bridge, manager *batch.Manager, cancelBase context.CancelFunc, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown warning")
	}
	if err := bridge.Stop(ctx); err != nil {
		log.Warn().Err(err).Msg("bridge shutdown warning")
	}

	cancelBase()
	done := manager.WaitAll(ctx)
	if !done {
		log.Warn().Msg("background workers did not finish before timeout")
	}
	log.Info().Msg("server exited cleanly")
}
