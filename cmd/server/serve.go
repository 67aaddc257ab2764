package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/chadiek/chemtutor/internal/httpserver"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP service (default)",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(*cobra.Command, []string) error {
	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	a.policy.Watch()
	a.watchIndex(watchCtx, cfg.RAGIndexPath)

	deps := httpserver.Deps{
		Agent:       a.agent,
		Transcriber: a.transcriber,
		Resolver:    a.resolver,
		Renderer:    a.renderer,
		Checks:      a.checks,
		AuthToken:   func() string { return cfg.AuthToken },
		STTLanguage: cfg.STTLanguage,
	}
	if a.synth != nil {
		deps.Speaker = a.synth
	}
	srv := httpserver.New(deps)

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in background
	serverErrors := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case sig := <-sigChan:
		log.Info("shutdown signal received", "signal", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warn("graceful shutdown failed", "err", err)
		_ = server.Close()
	}
	return nil
}
