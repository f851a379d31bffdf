package storeconfig

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func TestDefaultConfig_PassesValidation(t *testing.T) {
	t.Parallel()

	assert.NoError(t, Validate(DefaultConfig()))
}

func TestLoadOrDefault_MissingFileReturnsDefaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg, err := LoadOrDefault(filepath.Join(dir, "missing.toml"), discardLogger())
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "store.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[gc]
batch_size = 128
max_concurrent = 2

[transfers]
upload_workers = 8
`), 0o644))

	cfg, err := Load(path, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, 128, cfg.GC.BatchSize)
	assert.Equal(t, 2, cfg.GC.MaxConcurrent)
	assert.Equal(t, 8, cfg.Transfers.UploadWorkers)
	assert.Equal(t, defaultDownloadWorkers, cfg.Transfers.DownloadWorkers)
}

func TestLoad_RejectsUnknownKey(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "store.toml")
	require.NoError(t, os.WriteFile(path, []byte(`typo_field = true`), 0o644))

	_, err := Load(path, discardLogger())
	assert.Error(t, err)
}

func TestValidate_RejectsBadWorkerCounts(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Transfers.UploadWorkers = 0

	assert.Error(t, Validate(cfg))
}

func TestParseSize(t *testing.T) {
	t.Parallel()

	cases := map[string]int64{
		"0":      0,
		"":       0,
		"100":    100,
		"1KiB":   1024,
		"1MiB":   1024 * 1024,
		"10MiB":  10 * 1024 * 1024,
	}

	for in, want := range cases {
		got, err := ParseSize(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseSize("nonsense")
	assert.Error(t, err)
}
