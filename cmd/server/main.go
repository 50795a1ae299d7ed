// Command server is the composition root: it loads configuration, wires
// the credential store, scheduler, admission queue, and upstream client,
// and serves the ingress HTTP surface until interrupted.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"cloudrelay/internal/config"
	"cloudrelay/internal/credstore"
	"cloudrelay/internal/httputil"
	"cloudrelay/internal/ingress"
	"cloudrelay/internal/queue"
	"cloudrelay/internal/scheduler"
	"cloudrelay/internal/upstream"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	httputil.SetLogger(log)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load configuration", zap.Error(err))
	}

	store := credstore.New(cfg.CredentialFilePath, log)
	sched := scheduler.New(store, scheduler.Config{
		PerTokenConcurrency: cfg.ConcurrencyPerTokenConcurrency,
		ClientID:            cfg.OAuthClientID,
		ClientSecret:        cfg.OAuthClientSecret,
		TokenEndpoint:       cfg.OAuthTokenURL,
	}, httputil.SharedHTTPClient, log)

	maxConcurrent := resolveMaxConcurrent(cfg, sched)
	q := queue.New(queue.Config{
		MaxConcurrent: maxConcurrent,
		QueueLimit:    cfg.ConcurrencyQueueLimit,
		Timeout:       cfg.ConcurrencyTimeout,
	})

	client := upstream.New(httputil.SharedHTTPClient, sched, upstream.Config{
		APIURL:     cfg.APIURL,
		APIHost:    cfg.APIHost,
		UserAgent:  cfg.APIUserAgent,
		MaxRetries: cfg.RetryMaxRetries,
	}, log)

	srv := ingress.NewServer(cfg, q, client, sched, log)

	httpServer := &http.Server{
		Addr:    cfg.ServerHost + ":" + strconv.Itoa(cfg.ServerPort),
		Handler: srv.Routes(),
	}

	log.Info("starting server",
		zap.String("addr", httpServer.Addr),
		zap.Int("enabled_credentials", sched.EnabledCount()),
		zap.Int("max_concurrent", maxConcurrent),
	)

	serveErr := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		log.Error("server failed to start", zap.Error(err))
		os.Exit(1)
	case sig := <-sigCh:
		log.Info("received shutdown signal", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
		os.Exit(1)
	}

	log.Info("server stopped cleanly")
}

// resolveMaxConcurrent applies the "auto" admission-concurrency rule when
// concurrency.maxconcurrent is left at its default.
func resolveMaxConcurrent(cfg *config.Config, sched *scheduler.Scheduler) int {
	if cfg.ConcurrencyMaxConcurrent == "auto" || cfg.ConcurrencyMaxConcurrent == "" {
		return queue.ResolveMaxConcurrent(sched.EnabledCount(), cfg.ConcurrencyPerTokenConcurrency)
	}
	n, err := strconv.Atoi(cfg.ConcurrencyMaxConcurrent)
	if err != nil || n <= 0 {
		return queue.ResolveMaxConcurrent(sched.EnabledCount(), cfg.ConcurrencyPerTokenConcurrency)
	}
	return n
}
