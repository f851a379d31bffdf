// Package storeconfig implements TOML configuration loading, validation,
// and defaults for the synced object store: cache lifetimes, GC batching,
// transfer concurrency, and network/backoff tunables.
package storeconfig

// Config is the top-level tunables structure for one store instance.
type Config struct {
	Cache     CacheConfig     `toml:"cache"`
	Transfers TransfersConfig `toml:"transfers"`
	GC        GCConfig        `toml:"gc"`
	Network   NetworkConfig   `toml:"network"`
	Logging   LoggingConfig   `toml:"logging"`
}

// CacheConfig controls the TTLs of the in-memory handle caches described in
// §4.6/§4.7: ObjFiles.objs (SyncedObj instances) and each SyncedObj's
// localVers/remoteVers (open ObjOnDisk handles).
type CacheConfig struct {
	ObjTTL        string `toml:"obj_ttl"`
	VersionTTL    string `toml:"version_ttl"`
	RecentFolders int    `toml:"recent_folders"`
}

// TransfersConfig controls upload/download concurrency and chunking.
type TransfersConfig struct {
	UploadWorkers   int    `toml:"upload_workers"`
	DownloadWorkers int    `toml:"download_workers"`
	WriteBatchSize  string `toml:"write_batch_size"`
}

// GCConfig controls the incremental collector's pacing (§4.10).
type GCConfig struct {
	BatchSize     int    `toml:"batch_size"`
	ScheduleDelay string `toml:"schedule_delay"`
	MaxConcurrent int    `toml:"max_concurrent"`
}

// NetworkConfig controls RemoteStorage/RemoteEvents transport behavior.
type NetworkConfig struct {
	ConnectTimeout    string `toml:"connect_timeout"`
	RequestTimeout    string `toml:"request_timeout"`
	ReconnectMinDelay string `toml:"reconnect_min_delay"`
	ReconnectMaxDelay string `toml:"reconnect_max_delay"`
	MaxRetries        int    `toml:"max_retries"`
}

// LoggingConfig controls structured-log verbosity and format.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}
