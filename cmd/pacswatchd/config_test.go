package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	pacswatch "gitlab.com/medical-research/pacswatch"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		v, ok := vars[name]
		return v, ok
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pacswatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.NoError(t, config.Validate())

	assert.Equal(t, "http://localhost:8042", config.ArchiveURL)
	assert.Equal(t, 10*time.Second, config.PollInterval())
	assert.Equal(t, "./processed_image", config.StoreRoot)
	assert.Empty(t, config.Watermark)
	assert.Equal(t, 30*time.Second, config.FetchTimeout())
	assert.Equal(t, 5*time.Minute, config.MaxInterval())
	assert.Empty(t, config.LedgerPath)
}

func TestReadConfigFile(t *testing.T) {
	path := writeConfig(t, `
archive_url: http://pacs.internal:8042
poll_interval_seconds: 3
watermark: RESEARCH USE ONLY
backoff: true
healthcare:
  project_id: p
  location: europe-west2
  dataset_id: d
  dicom_store: s
`)

	config := DefaultConfig()
	require.NoError(t, ReadConfigFile(path, true, &config))

	assert.Equal(t, "http://pacs.internal:8042", config.ArchiveURL)
	assert.Equal(t, 3, config.PollIntervalSeconds)
	assert.Equal(t, "RESEARCH USE ONLY", config.Watermark)
	assert.True(t, config.Backoff)
	assert.True(t, config.Healthcare.Enabled())

	// Unset keys keep their defaults.
	assert.Equal(t, "./processed_image", config.StoreRoot)
	assert.Equal(t, 8, config.MaxInFlight)
}

func TestReadConfigFile_Missing(t *testing.T) {
	config := DefaultConfig()
	path := filepath.Join(t.TempDir(), "absent.yaml")

	assert.NoError(t, ReadConfigFile(path, false, &config))
	assert.Error(t, ReadConfigFile(path, true, &config))
}

func TestReadConfigFile_Malformed(t *testing.T) {
	config := DefaultConfig()
	path := writeConfig(t, "poll_interval_seconds: [soon\n")

	assert.Error(t, ReadConfigFile(path, true, &config))
}

func TestConfig_ApplyEnv(t *testing.T) {
	config := DefaultConfig()
	err := config.ApplyEnv(env(map[string]string{
		ArchiveURL:                   "https://pacs.example",
		PollIntervalSeconds:          "5",
		ImageStoreRoot:               "/var/lib/pacswatch",
		WatermarkText:                "TEST",
		PollBackoff:                  "true",
		LedgerPath:                   "/var/lib/pacswatch/ledger.db",
		AllowedOrigins:               "https://a.example, https://b.example",
		"STORAGE_BUCKET_NAME":        "renderings",
		"GCLOUD_DICOM_STORE":         "store",
		"UNRELATED_VARIABLE_IGNORED": "x",
	}))
	require.NoError(t, err)

	assert.Equal(t, "https://pacs.example", config.ArchiveURL)
	assert.Equal(t, 5, config.PollIntervalSeconds)
	assert.Equal(t, "/var/lib/pacswatch", config.StoreRoot)
	assert.Equal(t, "TEST", config.Watermark)
	assert.True(t, config.Backoff)
	assert.Equal(t, "/var/lib/pacswatch/ledger.db", config.LedgerPath)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, config.AllowedOrigins)
	assert.Equal(t, "renderings", config.Bucket)
	assert.Equal(t, "store", config.Healthcare.DicomStoreID)
}

func TestConfig_ApplyEnv_Invalid(t *testing.T) {
	tests := map[string]string{
		PollIntervalSeconds: "ten",
		MaxInFlight:         "1.5",
		PollBackoff:         "sometimes",
	}
	for name, value := range tests {
		t.Run(name, func(t *testing.T) {
			config := DefaultConfig()
			err := config.ApplyEnv(env(map[string]string{name: value}))
			assert.Equal(t, pacswatch.EINVALID, pacswatch.ErrorCode(err))
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"relative archive url", func(c *Config) { c.ArchiveURL = "localhost:8042" }},
		{"unsupported scheme", func(c *Config) { c.ArchiveURL = "ftp://pacs" }},
		{"zero poll interval", func(c *Config) { c.PollIntervalSeconds = 0 }},
		{"negative in flight", func(c *Config) { c.MaxInFlight = -1 }},
		{"zero change limit", func(c *Config) { c.ChangeLimit = 0 }},
		{"backoff ceiling below interval", func(c *Config) {
			c.Backoff = true
			c.MaxIntervalSeconds = 5
		}},
		{"empty store root", func(c *Config) { c.StoreRoot = "" }},
		{"bucket without service account", func(c *Config) { c.Bucket = "renderings" }},
		{"partial healthcare store", func(c *Config) { c.Healthcare.ProjectID = "p" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.modify(&config)
			err := config.Validate()
			assert.Equal(t, pacswatch.EINVALID, pacswatch.ErrorCode(err), "err: %v", err)
		})
	}
}

func TestLoadConfig_Precedence(t *testing.T) {
	path := writeConfig(t, `
archive_url: http://from-file:8042
poll_interval_seconds: 20
watermark: FILE
store_root: /from/file
`)

	opts := &rootOptions{}
	cmd := newRootCommand(opts)
	require.NoError(t, cmd.ParseFlags([]string{
		"--config", path,
		"--watermark", "FLAG",
	}))

	config, err := loadConfig(cmd, opts, env(map[string]string{
		PollIntervalSeconds: "7",
		WatermarkText:       "ENV",
	}))
	require.NoError(t, err)

	assert.Equal(t, "http://from-file:8042", config.ArchiveURL)
	assert.Equal(t, 7, config.PollIntervalSeconds)
	assert.Equal(t, "FLAG", config.Watermark)
	assert.Equal(t, "/from/file", config.StoreRoot)
	assert.Equal(t, ":3300", config.HTTPAddress)
}

func TestLoadConfig_ExplicitMissingFile(t *testing.T) {
	opts := &rootOptions{}
	cmd := newRootCommand(opts)
	require.NoError(t, cmd.ParseFlags([]string{"--config", filepath.Join(t.TempDir(), "nope.yaml")}))

	_, err := loadConfig(cmd, opts, env(nil))
	assert.Error(t, err)
}
