package storeconfig

// Default values, chosen as safe starting points (§4.6's "≈60s" TTL
// guidance and §4.10's incremental-collector pacing).
const (
	defaultObjTTL        = "60s"
	defaultVersionTTL    = "60s"
	defaultRecentFolders = 512

	defaultUploadWorkers   = 4
	defaultDownloadWorkers = 4
	defaultWriteBatchSize  = "1MiB"

	defaultGCBatchSize     = 64
	defaultGCScheduleDelay = "2s"
	defaultGCMaxConcurrent = 1

	defaultConnectTimeout    = "10s"
	defaultRequestTimeout    = "60s"
	defaultReconnectMinDelay = "1s"
	defaultReconnectMaxDelay = "30s"
	defaultMaxRetries        = 5

	defaultLogLevel  = "info"
	defaultLogFormat = "text"
)

// DefaultConfig returns a Config populated with all default values. It is
// both the starting point for TOML decoding (so unset fields keep defaults)
// and the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Cache: CacheConfig{
			ObjTTL:        defaultObjTTL,
			VersionTTL:    defaultVersionTTL,
			RecentFolders: defaultRecentFolders,
		},
		Transfers: TransfersConfig{
			UploadWorkers:   defaultUploadWorkers,
			DownloadWorkers: defaultDownloadWorkers,
			WriteBatchSize:  defaultWriteBatchSize,
		},
		GC: GCConfig{
			BatchSize:     defaultGCBatchSize,
			ScheduleDelay: defaultGCScheduleDelay,
			MaxConcurrent: defaultGCMaxConcurrent,
		},
		Network: NetworkConfig{
			ConnectTimeout:    defaultConnectTimeout,
			RequestTimeout:    defaultRequestTimeout,
			ReconnectMinDelay: defaultReconnectMinDelay,
			ReconnectMaxDelay: defaultReconnectMaxDelay,
			MaxRetries:        defaultMaxRetries,
		},
		Logging: LoggingConfig{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
	}
}
