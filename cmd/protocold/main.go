// protocold runs the protocol engine as a sidecar daemon. The channel
// layer, server-query transport, and application frontend live in sibling
// daemons reached over HTTP; inbound protocol messages arrive on the inbox
// endpoint.
package main

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/olvid-io/olvid-android-sub000/internal/bridge"
	"github.com/olvid-io/olvid-android-sub000/internal/groupstore"
	"github.com/olvid-io/olvid-android-sub000/internal/storage/sqlite"
	"github.com/olvid-io/olvid-android-sub000/pkg/engine"
	"github.com/olvid-io/olvid-android-sub000/pkg/groupsv2"
	"github.com/olvid-io/olvid-android-sub000/pkg/types"
)

// Sibling protocol IDs routed by other engines in the stack. Declared so
// child-protocol starts and inbound messages addressed to them are known
// rather than junk.
const (
	groupManagementV1ProtocolID     engine.ProtocolID = 1
	ownedIdentityDeletionProtocolID engine.ProtocolID = 3
	identityTransferProtocolID      engine.ProtocolID = 5
)

func main() {
	cfg, err := loadConfig(getEnv("PROTOCOLD_CONFIG", ""))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("protocold exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg daemonConfig, logger *slog.Logger) error {
	store, err := sqlite.Open(cfg.DataPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	groups := groupstore.New(store, logger)
	for _, ok := range cfg.OwnedKeys {
		owned := types.NewIdentity(ok.ServerDomain, ok.Key.Public().(ed25519.PublicKey))
		groups.AddOwnedIdentity(owned, ok.Key)
		logger.Info("serving owned identity", "identity", owned.String())
	}

	client := bridge.NewClient(cfg.UpstreamURL, logger)

	protocol, err := groupsv2.New(groupsv2.Config{
		Identities:         groups,
		BlobUpdateRetryCap: cfg.BlobUpdateRetryCap,
	})
	if err != nil {
		return fmt.Errorf("build protocol: %w", err)
	}

	registry := engine.NewRegistry()
	if err := registry.Register(protocol); err != nil {
		return err
	}
	for id, name := range map[engine.ProtocolID]string{
		groupManagementV1ProtocolID:     "GroupManagementV1",
		ownedIdentityDeletionProtocolID: "OwnedIdentityDeletion",
		identityTransferProtocolID:      "OwnedIdentityTransfer",
	} {
		if err := registry.DeclareExternal(id, name); err != nil {
			return err
		}
	}

	eng, err := engine.New(engine.Config{
		Store:              store,
		Registry:           registry,
		Channels:           client,
		ServerQueries:      client.Queries(),
		Dialogs:            client,
		Notifications:      client,
		Logger:             logger,
		Workers:            cfg.Workers,
		RedeliveryMaxTries: cfg.RedeliveryMaxTries,
	})
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	inbox := bridge.NewInbox(cfg.InboxCapacity, logger)

	mux := http.NewServeMux()
	mux.Handle("POST /inbox", inbox)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return eng.Run(ctx, inbox.Messages())
	})
	g.Go(func() error {
		logger.Info("protocold listening", "addr", cfg.ListenAddr, "upstream", cfg.UpstreamURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("protocold stopped")
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
