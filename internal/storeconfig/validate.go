package storeconfig

import (
	"errors"
	"fmt"
	"time"
)

const (
	minUploadWorkers   = 1
	maxUploadWorkers   = 64
	minDownloadWorkers = 1
	maxDownloadWorkers = 64
	minGCBatchSize     = 1
	minGCMaxConcurrent = 1
	minMaxRetries      = 0
	maxMaxRetries      = 20
)

// Validate checks every field and accumulates all errors found, so callers
// see the complete set of problems in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateCache(&cfg.Cache)...)
	errs = append(errs, validateTransfers(&cfg.Transfers)...)
	errs = append(errs, validateGC(&cfg.GC)...)
	errs = append(errs, validateNetwork(&cfg.Network)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	return errors.Join(errs...)
}

func validateCache(c *CacheConfig) []error {
	var errs []error

	if _, err := time.ParseDuration(c.ObjTTL); err != nil {
		errs = append(errs, fmt.Errorf("cache.obj_ttl: %w", err))
	}

	if _, err := time.ParseDuration(c.VersionTTL); err != nil {
		errs = append(errs, fmt.Errorf("cache.version_ttl: %w", err))
	}

	if c.RecentFolders < 1 {
		errs = append(errs, fmt.Errorf("cache.recent_folders: must be >= 1, got %d", c.RecentFolders))
	}

	return errs
}

func validateTransfers(t *TransfersConfig) []error {
	var errs []error

	if t.UploadWorkers < minUploadWorkers || t.UploadWorkers > maxUploadWorkers {
		errs = append(errs, fmt.Errorf("transfers.upload_workers: must be between %d and %d, got %d",
			minUploadWorkers, maxUploadWorkers, t.UploadWorkers))
	}

	if t.DownloadWorkers < minDownloadWorkers || t.DownloadWorkers > maxDownloadWorkers {
		errs = append(errs, fmt.Errorf("transfers.download_workers: must be between %d and %d, got %d",
			minDownloadWorkers, maxDownloadWorkers, t.DownloadWorkers))
	}

	if _, err := ParseSize(t.WriteBatchSize); err != nil {
		errs = append(errs, fmt.Errorf("transfers.write_batch_size: %w", err))
	}

	return errs
}

func validateGC(g *GCConfig) []error {
	var errs []error

	if g.BatchSize < minGCBatchSize {
		errs = append(errs, fmt.Errorf("gc.batch_size: must be >= %d, got %d", minGCBatchSize, g.BatchSize))
	}

	if g.MaxConcurrent < minGCMaxConcurrent {
		errs = append(errs, fmt.Errorf("gc.max_concurrent: must be >= %d, got %d", minGCMaxConcurrent, g.MaxConcurrent))
	}

	if _, err := time.ParseDuration(g.ScheduleDelay); err != nil {
		errs = append(errs, fmt.Errorf("gc.schedule_delay: %w", err))
	}

	return errs
}

func validateNetwork(n *NetworkConfig) []error {
	var errs []error

	for name, val := range map[string]string{
		"connect_timeout":     n.ConnectTimeout,
		"request_timeout":     n.RequestTimeout,
		"reconnect_min_delay": n.ReconnectMinDelay,
		"reconnect_max_delay": n.ReconnectMaxDelay,
	} {
		if _, err := time.ParseDuration(val); err != nil {
			errs = append(errs, fmt.Errorf("network.%s: %w", name, err))
		}
	}

	if n.MaxRetries < minMaxRetries || n.MaxRetries > maxMaxRetries {
		errs = append(errs, fmt.Errorf("network.max_retries: must be between %d and %d, got %d",
			minMaxRetries, maxMaxRetries, n.MaxRetries))
	}

	return errs
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", l.Level))
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format: unknown format %q", l.Format))
	}

	return errs
}
