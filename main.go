package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/3nsoft-go/synced-objstore/internal/events"
	"github.com/3nsoft-go/synced-objstore/internal/gc"
	"github.com/3nsoft-go/synced-objstore/internal/index"
	"github.com/3nsoft-go/synced-objstore/internal/objfiles"
	"github.com/3nsoft-go/synced-objstore/internal/objfolders"
	"github.com/3nsoft-go/synced-objstore/internal/remote"
	"github.com/3nsoft-go/synced-objstore/internal/storeconfig"
	"github.com/3nsoft-go/synced-objstore/internal/storeengine"
	"github.com/3nsoft-go/synced-objstore/internal/upsync"
)

// main wires and runs the store as a long-lived process: no CLI surface
// beyond the handful of bootstrap flags needed to locate the store root,
// the remote server, and an optional tunables file (key management, the
// WebSocket auth handshake itself, and any richer CLI are explicitly out
// of scope — this is the daemon the rest of that tooling would front).
func main() {
	storeRoot := flag.String("store-root", "", "root directory of the on-disk object store (required)")
	serverURL := flag.String("server-url", "", "base URL of the remote object store server, e.g. https://store.example.com/api/v1 (required)")
	configPath := flag.String("config", "", "store config TOML path (defaults to built-in values if absent)")
	indexPath := flag.String("index", "", "path to the derived SQLite index file (disabled if empty)")
	flag.Parse()

	if err := run(*storeRoot, *serverURL, *configPath, *indexPath); err != nil {
		fmt.Fprintf(os.Stderr, "objstore: %v\n", err)
		os.Exit(1)
	}
}

func run(storeRoot, serverURL, configPath, indexPath string) error {
	if storeRoot == "" {
		return errors.New("-store-root is required")
	}

	if serverURL == "" {
		return errors.New("-server-url is required")
	}

	bootstrapLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := storeconfig.LoadOrDefault(configPath, bootstrapLogger)
	if err != nil {
		return fmt.Errorf("loading store config: %w", err)
	}

	if err := storeconfig.Validate(cfg); err != nil {
		return fmt.Errorf("invalid store config: %w", err)
	}

	logger := buildLogger(cfg)

	durs, err := parseDurations(cfg)
	if err != nil {
		return fmt.Errorf("parsing config durations: %w", err)
	}

	folders, err := objfolders.New(storeRoot, logger)
	if err != nil {
		return fmt.Errorf("opening store root %q: %w", storeRoot, err)
	}

	var ledger storeLedger
	if indexPath != "" {
		idx, err := index.Open(indexPath, logger)
		if err != nil {
			return fmt.Errorf("opening index %q: %w", indexPath, err)
		}
		defer idx.Close()

		ledger = idx
	}

	token := newEnvTokenSource("OBJSTORE_TOKEN")

	httpClient := &http.Client{Timeout: durs.requestTimeout}
	storage := remote.NewHTTPStorage(serverURL, httpClient, token, logger)
	downloader := remote.NewDownloader(storage, durs.reconnectMinDelay, durs.reconnectMaxDelay, uint64(cfg.Network.MaxRetries), logger)

	objStore := objfiles.New(folders, storage, downloader, nil, durs.objTTL, durs.versionTTL, logger)

	collector := gc.New(objStore, folders, ledger, logger)
	objStore.SetScheduler(collector)

	upSyncer := upsync.New(storage, ledger, durs.reconnectMinDelay, durs.reconnectMaxDelay, uint64(cfg.Network.MaxRetries), logger)
	objStore.SetUpSyncer(upSyncer)

	engine := storeengine.New(objStore, folders, objfolders.DefaultCanMoveToCold, logger)

	listener := events.New(eventsURL(serverURL), engine.Handlers(), logger)

	ctx := shutdownContext(context.Background(), logger)

	demotionTicker := time.NewTicker(durs.gcScheduleDelay)
	defer demotionTicker.Stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-demotionTicker.C:
				engine.SweepDemotions()
			}
		}
	}()

	logger.Info("starting synced object store",
		slog.String("store_root", storeRoot),
		slog.String("server_url", serverURL),
	)

	runErr := listener.Run(ctx)

	upSyncer.Stop()
	collector.Stop()

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("event listener: %w", runErr)
	}

	return nil
}

// storeLedger is the intersection of gc.Ledger and upsync.Ledger that
// *index.Index satisfies; declared here only so a nil interface value (no
// -index flag) can be passed to both New calls without an import cycle.
type storeLedger interface {
	gc.Ledger
	upsync.Ledger
}

type configDurations struct {
	objTTL            time.Duration
	versionTTL        time.Duration
	requestTimeout    time.Duration
	reconnectMinDelay time.Duration
	reconnectMaxDelay time.Duration
	gcScheduleDelay   time.Duration
}

func parseDurations(cfg *storeconfig.Config) (configDurations, error) {
	var (
		d   configDurations
		err error
	)

	if d.objTTL, err = time.ParseDuration(cfg.Cache.ObjTTL); err != nil {
		return d, fmt.Errorf("cache.obj_ttl: %w", err)
	}

	if d.versionTTL, err = time.ParseDuration(cfg.Cache.VersionTTL); err != nil {
		return d, fmt.Errorf("cache.version_ttl: %w", err)
	}

	if d.requestTimeout, err = time.ParseDuration(cfg.Network.RequestTimeout); err != nil {
		return d, fmt.Errorf("network.request_timeout: %w", err)
	}

	if d.reconnectMinDelay, err = time.ParseDuration(cfg.Network.ReconnectMinDelay); err != nil {
		return d, fmt.Errorf("network.reconnect_min_delay: %w", err)
	}

	if d.reconnectMaxDelay, err = time.ParseDuration(cfg.Network.ReconnectMaxDelay); err != nil {
		return d, fmt.Errorf("network.reconnect_max_delay: %w", err)
	}

	if d.gcScheduleDelay, err = time.ParseDuration(cfg.GC.ScheduleDelay); err != nil {
		return d, fmt.Errorf("gc.schedule_delay: %w", err)
	}

	return d, nil
}

func buildLogger(cfg *storeconfig.Config) *slog.Logger {
	level := slog.LevelInfo

	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	handlerOpts := &slog.HandlerOptions{Level: level}

	if cfg.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, handlerOpts))
	}

	return slog.New(slog.NewTextHandler(os.Stderr, handlerOpts))
}

// eventsURL derives the WebSocket events endpoint from the HTTP base URL
// the same way a browser derives wss:// from https:// for the same origin.
func eventsURL(serverURL string) string {
	switch {
	case strings.HasPrefix(serverURL, "https://"):
		return "wss://" + strings.TrimPrefix(serverURL, "https://") + "/events"
	case strings.HasPrefix(serverURL, "http://"):
		return "ws://" + strings.TrimPrefix(serverURL, "http://") + "/events"
	default:
		return serverURL + "/events"
	}
}

// envTokenSource reads a static bearer token from an environment variable
// once at construction. Full credential acquisition and refresh (the
// teacher's OAuth token file) is explicitly out of scope here — the store
// consumes an already-authenticated transport, it does not obtain one.
type envTokenSource struct {
	token string
}

func newEnvTokenSource(envVar string) *envTokenSource {
	return &envTokenSource{token: os.Getenv(envVar)}
}

func (e *envTokenSource) Token() (string, error) {
	if e.token == "" {
		return "", errors.New("no bearer token configured")
	}

	return e.token, nil
}
