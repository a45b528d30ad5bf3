package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"hamcp/internal/auth"
	"hamcp/internal/config"
	"hamcp/internal/homeassistant"
	"hamcp/internal/logging"
	"hamcp/internal/mcpserver"
	"hamcp/internal/server"
)

var Version = "dev"

func main() {
	// Handle hash-password subcommand before anything else.
	if len(os.Args) > 1 && os.Args[1] == "hash-password" {
		hashPassword()
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func hashPassword() {
	fmt.Fprint(os.Stderr, "Enter password: ")
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		fmt.Fprintln(os.Stderr, "no input")
		os.Exit(1)
	}
	password := scanner.Text()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(hash))
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)

	persister, err := auth.NewFilePersister(cfg.SnapshotPath(), logger)
	if err != nil {
		return fmt.Errorf("setting up persistence: %w", err)
	}

	store := auth.NewStore(persister, logger)
	defer store.Stop()

	snap := persister.Load()
	store.Restore(snap)
	logger.Info("session state loaded",
		slog.Int("admin_sessions", len(snap.AdminSessions)),
		slog.Int("access_tokens", len(snap.AccessTokens)),
	)

	haClient := homeassistant.NewClient(logger)
	bridge := homeassistant.NewBridge(haClient, logger)

	registry := mcpserver.NewRegistry(store)
	catalog := mcpserver.NewCatalog(haClient, bridge, logger)

	mcpHandler := mcpserver.NewHandler(mcpserver.Config{
		Store:            store,
		Registry:         registry,
		Catalog:          catalog,
		Logger:           logger,
		ServerURL:        cfg.ServerURL,
		DefaultCreds:     homeassistant.Credentials{Host: cfg.HAHost, Token: cfg.HAToken},
		LenientDiscovery: cfg.LenientDiscovery,
		Version:          Version,
	})

	mux := server.NewMux(server.MuxConfig{
		Store:               store,
		Admin:               auth.Admin{Username: cfg.AdminUsername, PasswordHash: cfg.AdminPasswordHash},
		Prober:              haClient,
		MCPHandler:          mcpHandler,
		Logger:              logger,
		ServerURL:           cfg.ServerURL,
		AutoRegisterClients: cfg.AutoRegisterClients,
		Version:             Version,
	})

	httpServer := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: SSE streams stay open indefinitely.
		IdleTimeout: 120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	if cfg.EnableEvents {
		events := homeassistant.NewEventManager(
			homeassistant.Credentials{Host: cfg.HAHost, Token: cfg.HAToken},
			logger,
		)
		g.Go(func() error {
			return events.Run(ctx)
		})
	}

	g.Go(func() error {
		logger.Info("starting server",
			slog.String("listen", cfg.ListenAddr),
			slog.String("server_url", cfg.ServerURL),
			slog.Bool("auto_register_clients", cfg.AutoRegisterClients),
			slog.Bool("default_credentials", cfg.HasDefaultCredentials()),
		)

		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
