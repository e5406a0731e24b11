// Command syncd is the sync engine's daemon entrypoint. It has no
// user-facing CLI surface beyond process flags (spec §1's Non-goals
// exclude a CLI) — it exists purely to wire config, store, secret
// store, auth, and the engine together and run the background
// scheduler until signalled to stop, in the shape of
// controlplane/funder/cmd/funder/main.go.
package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/triantos/wealthfolio/internal/authclient"
	"github.com/triantos/wealthfolio/internal/config"
	"github.com/triantos/wealthfolio/internal/secretstore"
	"github.com/triantos/wealthfolio/internal/syncengine/engine"
	"github.com/triantos/wealthfolio/internal/syncengine/store"
	"github.com/triantos/wealthfolio/internal/telemetry"
)

var (
	verbose     = flag.Bool("verbose", false, "enable verbose logging")
	showVersion = flag.Bool("version", false, "print the version of syncd and exit")

	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		os.Exit(0)
	}

	log := newLogger(*verbose)

	cfg, err := config.Load()
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if cfg.MetricsEnable {
		telemetry.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", cfg.MetricsAddr)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, mux); err != nil {
				log.Error("prometheus metrics server stopped", "error", err)
			}
		}()
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		log.Error("failed to create data directory", "path", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(ctx, log, filepath.Join(cfg.DataDir, "sync.db"))
	if err != nil {
		log.Error("failed to open local store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	secrets, err := openSecretStore(cfg)
	if err != nil {
		log.Error("failed to open secret store", "error", err)
		os.Exit(1)
	}

	if _, err := engine.LoadIdentity(secrets); err != nil {
		deviceID := cfg.DeviceID
		if deviceID == "" {
			id, err := uuid.NewV7()
			if err != nil {
				log.Error("failed to generate device id", "error", err)
				os.Exit(1)
			}
			deviceID = id.String()
		}
		id, err := engine.NewLocalIdentity(deviceID)
		if err != nil {
			log.Error("failed to generate local identity", "error", err)
			os.Exit(1)
		}
		if err := engine.SaveIdentity(secrets, id); err != nil {
			log.Error("failed to persist local identity", "error", err)
			os.Exit(1)
		}
		log.Info("generated new local sync identity", "device_id", id.DeviceID)
	}

	auth, err := authclient.New(authclient.Config{
		Logger:         log,
		Secrets:        secrets,
		AuthBaseURL:    cfg.ConnectAuthURL,
		PublishableKey: cfg.ConnectAuthPublishableKey,
	})
	if err != nil {
		log.Error("failed to build auth client", "error", err)
		os.Exit(1)
	}

	eng, err := engine.New(engine.Config{
		Logger:        log,
		Store:         st,
		Secrets:       secrets,
		RelayBaseURL:  cfg.ConnectAPIURL,
		TokenSource:   auth.Token,
		SchemaVersion: cfg.SchemaVersion,
	})
	if err != nil {
		log.Error("failed to build sync engine", "error", err)
		os.Exit(1)
	}

	log.Info("starting sync engine",
		"version", version,
		"connect_api_url", cfg.ConnectAPIURL,
		"data_dir", cfg.DataDir,
		"foreground_interval", cfg.ForegroundInterval,
	)

	eng.Scheduler.EnsureStarted(ctx)

	<-ctx.Done()
	log.Info("shutdown signal received, stopping scheduler")
	eng.Scheduler.EnsureStopped()
}

// openSecretStore derives the sealed secret store's encryption key from
// a key file under the data directory, generating one on first run.
// The embedding desktop app is expected to instead supply a key backed
// by the OS keyring (secretstore.Store is an interface for exactly this
// reason); this file-key path keeps syncd runnable standalone.
func openSecretStore(cfg config.Config) (secretstore.Store, error) {
	keyPath := filepath.Join(cfg.DataDir, "secret.key")
	raw, err := os.ReadFile(keyPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading secret key file: %w", err)
		}
		generated, err := secretstore.GenerateEncryptionKey()
		if err != nil {
			return nil, fmt.Errorf("generating secret key: %w", err)
		}
		if err := os.WriteFile(keyPath, []byte(generated), 0o600); err != nil {
			return nil, fmt.Errorf("writing secret key file: %w", err)
		}
		raw = []byte(generated)
	}

	key, err := base64.StdEncoding.DecodeString(string(raw))
	if err != nil {
		return nil, fmt.Errorf("decoding secret key file: %w", err)
	}

	return secretstore.NewFileStore(secretstore.Config{
		EncryptionKey: key,
		DataDir:       filepath.Join(cfg.DataDir, "secrets"),
	})
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(formatRFC3339Millis(a.Value.Time().UTC()))
			}
			return a
		},
	}))
}

func formatRFC3339Millis(t time.Time) string {
	base := t.Format("2006-01-02T15:04:05")
	ms := t.Nanosecond() / 1_000_000
	return fmt.Sprintf("%s.%03dZ", base, ms)
}
