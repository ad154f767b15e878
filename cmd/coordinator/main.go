// Command coordinator runs the federated tactic coordinator: it loads
// configuration, opens the durable store, wires the log sink and live
// stream, and serves the HTTP API until told to stop.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	channerics "github.com/niceyeti/channerics/channels"
	"golang.org/x/sync/errgroup"

	"mobcoordinator/config"
	"mobcoordinator/coordinator"
	"mobcoordinator/httpapi"
	"mobcoordinator/logging"
	"mobcoordinator/logsink"
	"mobcoordinator/store"
)

const backlogFlushInterval = 2 * time.Minute

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return fmt.Errorf("main: loading config: %w", err)
	}

	log := logging.New(cfg.LogLevel)
	log.Info("starting coordinator", "port", cfg.Port, "dbPath", cfg.DBPath)

	st, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("main: opening store: %w", err)
	}
	defer st.Close()

	sink := logsink.NewGitHubSink(cfg.GitHubToken, cfg.GitHubOwner, cfg.GitHubRepo, cfg.GitHubBranch)
	if !sink.Configured() {
		log.Warn("github log sink not configured; round artifacts will only accumulate in the backlog")
	}

	// stream's snapshot callback closes over actor, assigned just below;
	// the two are mutually referential so neither can be fully built first.
	var actor *coordinator.Actor
	stream := httpapi.NewStream(func() coordinator.StatusResult { return actor.Status() })

	actor, err = coordinator.New(cfg, st, sink, stream, log)
	if err != nil {
		return fmt.Errorf("main: constructing actor: %w", err)
	}

	if !cfg.AdminConfigured() {
		log.Warn("admin token not set; admin endpoints will respond 503")
	}
	server := httpapi.NewServer(actor, stream, cfg.AdminToken)

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: server,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		actor.Run(gctx)
		return nil
	})

	group.Go(func() error {
		flushTicker := channerics.NewTicker(gctx.Done(), backlogFlushInterval)
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-flushTicker:
				res := actor.FlushBacklog(gctx)
				if res.LastError != nil {
					log.Error("backlog flush failed", "pending", res.PendingCount, "error", res.LastError.Message)
				}
			}
		}
	})

	group.Go(func() error {
		log.Info("http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("main: http server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info("shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		return fmt.Errorf("main: %w", err)
	}
	return nil
}
