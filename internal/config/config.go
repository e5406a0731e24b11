// Package config loads the engine's runtime configuration from the
// environment, following an env-var-with-flag-override shape,
// generalized here to the sync engine's connect/device knobs since this
// engine runs embedded in a desktop app with no CLI surface of its own.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/triantos/wealthfolio/internal/syncengine/scheduler"
)

// Config is the full set of environment-sourced settings the daemon
// entrypoint needs to wire up the engine.
type Config struct {
	// ConnectAPIURL is the base URL of the sync relay.
	ConnectAPIURL string
	// ConnectAuthURL is the base URL of the auth provider issuing
	// access/refresh tokens.
	ConnectAuthURL string
	// ConnectAuthPublishableKey is the public client identifier sent
	// with auth requests.
	ConnectAuthPublishableKey string

	// DeviceID is this device's stable identifier. Generated and
	// persisted on first run if empty.
	DeviceID string
	// DataDir is the directory the local database, sealed secrets, and
	// downloaded snapshots live under.
	DataDir string

	// SchemaVersion is the local schema version advertised during
	// bootstrap and compared against snapshot metadata (§4.7).
	SchemaVersion int

	ForegroundInterval time.Duration
	IntervalJitter     time.Duration
	SnapshotInterval   time.Duration
	SnapshotThreshold  int

	Verbose       bool
	MetricsEnable bool
	MetricsAddr   string
}

const (
	envConnectAPIURL    = "CONNECT_API_URL"
	envConnectAuthURL   = "CONNECT_AUTH_URL"
	envConnectAuthKey   = "CONNECT_AUTH_PUBLISHABLE_KEY"
	envDeviceID         = "WF_SYNC_DEVICE_ID"
	envDataDir          = "WF_SYNC_DATA_DIR"
	envSchemaVersion    = "WF_SYNC_SCHEMA_VERSION"
	envForegroundSecs   = "WF_SYNC_FOREGROUND_INTERVAL_SECS"
	envJitterSecs       = "WF_SYNC_INTERVAL_JITTER_SECS"
	envSnapshotSecs     = "WF_SYNC_SNAPSHOT_INTERVAL_SECS"
	envSnapshotEvents   = "WF_SYNC_SNAPSHOT_EVENT_THRESHOLD"
	envVerbose          = "WF_SYNC_VERBOSE"
	envMetricsEnable    = "WF_SYNC_METRICS_ENABLE"
	envMetricsAddr      = "WF_SYNC_METRICS_ADDR"
	defaultSchemaVer    = 1
	defaultMetricsAddr  = ":9090"
	defaultSnapshotSecs = 86_400
)

var (
	ErrConnectAPIURLRequired  = fmt.Errorf("config: %s is required", envConnectAPIURL)
	ErrConnectAuthURLRequired = fmt.Errorf("config: %s is required", envConnectAuthURL)
	ErrConnectAuthKeyRequired = fmt.Errorf("config: %s is required", envConnectAuthKey)
)

// Load reads Config from the process environment, applying the same
// defaults the scheduler package exports for its own tuning knobs.
func Load() (Config, error) {
	cfg := Config{
		ConnectAPIURL:             os.Getenv(envConnectAPIURL),
		ConnectAuthURL:            os.Getenv(envConnectAuthURL),
		ConnectAuthPublishableKey: os.Getenv(envConnectAuthKey),
		DeviceID:                  os.Getenv(envDeviceID),
		DataDir:                   os.Getenv(envDataDir),
		SchemaVersion:             defaultSchemaVer,
		ForegroundInterval:        scheduler.DefaultForegroundInterval,
		IntervalJitter:            scheduler.DefaultIntervalJitter,
		SnapshotInterval:          scheduler.DefaultSnapshotInterval,
		SnapshotThreshold:         scheduler.DefaultSnapshotEventThreshold,
		MetricsAddr:               defaultMetricsAddr,
	}

	if cfg.ConnectAPIURL == "" {
		return Config{}, ErrConnectAPIURLRequired
	}
	if cfg.ConnectAuthURL == "" {
		return Config{}, ErrConnectAuthURLRequired
	}
	if cfg.ConnectAuthPublishableKey == "" {
		return Config{}, ErrConnectAuthKeyRequired
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("config: resolving default data dir: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".wealthfolio", "sync")
	}

	if v, err := intEnv(envSchemaVersion); err != nil {
		return Config{}, err
	} else if v != nil {
		cfg.SchemaVersion = *v
	}
	if v, err := durationSecsEnv(envForegroundSecs); err != nil {
		return Config{}, err
	} else if v != nil {
		cfg.ForegroundInterval = *v
	}
	if v, err := durationSecsEnv(envJitterSecs); err != nil {
		return Config{}, err
	} else if v != nil {
		cfg.IntervalJitter = *v
	}
	if v, err := durationSecsEnv(envSnapshotSecs); err != nil {
		return Config{}, err
	} else if v != nil {
		cfg.SnapshotInterval = *v
	}
	if v, err := intEnv(envSnapshotEvents); err != nil {
		return Config{}, err
	} else if v != nil {
		cfg.SnapshotThreshold = *v
	}
	if v, err := boolEnv(envVerbose); err != nil {
		return Config{}, err
	} else if v != nil {
		cfg.Verbose = *v
	}
	if v, err := boolEnv(envMetricsEnable); err != nil {
		return Config{}, err
	} else if v != nil {
		cfg.MetricsEnable = *v
	}
	if addr := os.Getenv(envMetricsAddr); addr != "" {
		cfg.MetricsAddr = addr
	}

	return cfg, nil
}

func intEnv(name string) (*int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("config: %s must be an integer: %w", name, err)
	}
	return &v, nil
}

func durationSecsEnv(name string) (*time.Duration, error) {
	v, err := intEnv(name)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	d := time.Duration(*v) * time.Second
	return &d, nil
}

func boolEnv(name string) (*bool, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, fmt.Errorf("config: %s must be a boolean: %w", name, err)
	}
	return &v, nil
}
