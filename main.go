package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"parley/server/internal/auth"
	"parley/server/internal/blob"
	"parley/server/internal/chat"
	"parley/server/internal/config"
	"parley/server/internal/core"
	"parley/server/internal/httpapi"
	"parley/server/internal/linkpreview"
	"parley/server/internal/logging"
	"parley/server/internal/store"
	"parley/server/internal/ws"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load(args, os.Getenv, os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := logging.Setup(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if handled, err := RunCLI(ctx, cfg.Args, cfg.DBPath, os.Stdout); handled {
		return err
	}

	slog.Info("starting server", "version", Version, "addr", cfg.Addr, "db", cfg.DBPath)
	if cfg.InsecureSecret() {
		slog.Warn("using the built-in jwt secret; set PARLEY_JWT_SECRET for anything but local testing")
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open sqlite store: %w", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("close sqlite store", "err", closeErr)
		}
	}()
	if err := seedStore(ctx, st, cfg.SeedFile); err != nil {
		return err
	}

	blobRoot := strings.TrimSpace(cfg.BlobsDir)
	if blobRoot == "" {
		blobRoot = filepath.Join(filepath.Dir(cfg.DBPath), "blobs")
	}
	blobs, err := blob.NewStore(blobRoot, st, maxAvatarBytes)
	if err != nil {
		return fmt.Errorf("initialize blob store: %w", err)
	}
	slog.Debug("blob store", "dir", blobRoot)

	issuer, err := auth.NewIssuer(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		return err
	}

	iceServers := config.WireICEServers(cfg.ICEServers)
	hub := core.NewHub(core.Options{OutboundBuffer: outboundBuffer, ICEServers: iceServers})

	var previews chat.Previewer
	if cfg.LinkPreviews {
		previews = linkpreview.New(linkpreview.Options{Timeout: linkPreviewTimeout})
	}
	chatRelay := chat.NewRelay(st, hub, chat.Options{
		HistoryLimit:   cfg.HistoryLimit,
		MaxLength:      maxChatLength,
		Previews:       previews,
		PreviewTimeout: linkPreviewTimeout,
	})
	defer chatRelay.Close()

	api := httpapi.New(httpapi.Deps{
		Hub:          hub,
		Store:        st,
		Blobs:        blobs,
		Auth:         issuer,
		WS:           ws.NewHandler(hub, chatRelay, st, issuer, ws.Options{ReadLimit: wsReadLimit}),
		ICEServers:   iceServers,
		HistoryLimit: cfg.HistoryLimit,
		BodyLimit:    httpBodyLimit,
	})

	var tlsConfig *tls.Config
	if cfg.TLSSelfSigned {
		var fingerprint string
		tlsConfig, fingerprint, err = selfSignedTLS(tlsValidity, cfg.TLSHostname)
		if err != nil {
			return fmt.Errorf("self-signed tls: %w", err)
		}
		slog.Info("self-signed certificate generated", "sha256", fingerprint, "valid_for", tlsValidity)
	}

	if cfg.MetricsInterval > 0 {
		go RunMetrics(ctx, hub, cfg.MetricsInterval)
	}
	go runPurger(ctx, st, purgeInterval)

	err = api.Run(ctx, cfg.Addr, tlsConfig)
	slog.Info("server stopped")
	return err
}

// seedStore applies the seed file when one is configured, and the built-in
// demo servers when the database has none.
func seedStore(ctx context.Context, st *store.Store, seedFile string) error {
	var seed config.Seed
	if seedFile != "" {
		loaded, err := config.LoadSeed(seedFile)
		if err != nil {
			return err
		}
		seed = loaded
	} else {
		n, err := st.ServerCount(ctx)
		if err != nil {
			return fmt.Errorf("count servers: %w", err)
		}
		if n > 0 {
			return nil
		}
		seed = config.DefaultSeed()
	}
	return st.UpsertServers(ctx, seedServers(seed))
}

func seedServers(seed config.Seed) []store.Server {
	out := make([]store.Server, len(seed.Servers))
	for i, srv := range seed.Servers {
		chans := make([]store.Channel, len(srv.Channels))
		for j, ch := range srv.Channels {
			chans[j] = store.Channel{ID: ch.ID, ServerID: srv.ID, Name: ch.Name, Type: ch.Type}
		}
		out[i] = store.Server{ID: srv.ID, Name: srv.Name, Icon: srv.Icon, Channels: chans}
	}
	return out
}

type expiryPurger interface {
	PurgeExpired(ctx context.Context, now time.Time) (bans, mutes int64, err error)
}

// runPurger deletes expired bans and mutes every interval until ctx ends.
func runPurger(ctx context.Context, st expiryPurger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			bans, mutes, err := st.PurgeExpired(ctx, time.Now())
			if err != nil {
				if ctx.Err() == nil {
					slog.Warn("purge expired moderation", "err", err)
				}
				continue
			}
			if bans > 0 || mutes > 0 {
				slog.Info("purged expired moderation", "bans", bans, "mutes", mutes)
			}
		}
	}
}
