// Command replica-server hosts document collections over the replication
// protocol and the REST facade, configured through a YAML file with
// environment overrides.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/c0deZ3R0/go-replica-kit/auth"
	"github.com/c0deZ3R0/go-replica-kit/config"
	"github.com/c0deZ3R0/go-replica-kit/logging"
	"github.com/c0deZ3R0/go-replica-kit/server"
	"github.com/c0deZ3R0/go-replica-kit/store"
	"github.com/c0deZ3R0/go-replica-kit/store/memory"
	"github.com/c0deZ3R0/go-replica-kit/store/sqlite"
)

func main() {
	configPath := flag.String("config", "replica.yaml", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "replica-server:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(cfg.Logging)
	logger := logging.Default()

	authHandler := auth.AllowAll()
	secret, err := cfg.JWTSecretBytes()
	if err != nil {
		return fmt.Errorf("resolve jwt secret: %w", err)
	}
	if len(secret) > 0 {
		authHandler = auth.NewJWTHandler(secret)
		logger.Info("jwt authentication enabled")
	} else {
		logger.Warn("no jwt secret configured, requests are unauthenticated")
	}

	srv := server.New(server.Options{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		CORS:        cfg.Server.CORS,
		AuthHandler: authHandler,
		Logger:      logger,
	})

	stores := make([]store.DocumentStore, 0, len(cfg.Collections))
	for _, col := range cfg.Collections {
		st, err := openStore(cfg, col, logger)
		if err != nil {
			return fmt.Errorf("open collection %q: %w", col.Name, err)
		}
		stores = append(stores, st)

		cp, err := st.LatestCheckpoint(context.Background())
		if err != nil {
			return fmt.Errorf("read checkpoint for %q: %w", col.Name, err)
		}
		logger.Info("collection mounted",
			slog.String("collection", col.Name),
			slog.Int64("lwt", cp.LWT))

		opts := server.EndpointOptions{
			Store:            st,
			ServerOnlyFields: col.ServerOnlyFields,
		}
		if _, err := srv.AddReplicationEndpoint(opts); err != nil {
			return err
		}
		if _, err := srv.AddRestEndpoint(opts); err != nil {
			return err
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("shutting down", slog.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Close(ctx); err != nil {
		return err
	}
	for _, st := range stores {
		if err := st.Close(ctx); err != nil {
			logger.Warn("store close failed",
				slog.String("collection", st.Name()),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

func openStore(cfg *config.Config, col config.CollectionConfig, logger *logging.Logger) (store.DocumentStore, error) {
	switch cfg.Storage.Driver {
	case "", "memory":
		return memory.NewCollection(memory.Config{
			Name:          col.Name,
			PrimaryPath:   col.PrimaryPath,
			SchemaVersion: col.SchemaVersion,
			Logger:        logger.Logger,
		}), nil
	case "sqlite":
		return sqlite.Open(sqlite.Config{
			DataSourceName: cfg.Storage.SQLiteDSN,
			EnableWAL:      true,
			Name:           col.Name,
			PrimaryPath:    col.PrimaryPath,
			SchemaVersion:  col.SchemaVersion,
			Logger:         logger.Logger,
		})
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}
