package main

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	pacswatch "gitlab.com/medical-research/pacswatch"
	"gitlab.com/medical-research/pacswatch/gcloudstorage"
	"gitlab.com/medical-research/pacswatch/healthcare"
	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is read when --config is not given. A missing file is ignored.
const DefaultConfigPath = "pacswatch.yaml"

// Environment variables overriding the config file.
const (
	ArchiveURL             = "ARCHIVE_URL"
	PollIntervalSeconds    = "POLL_INTERVAL_SECONDS"
	ImageStoreRoot         = "IMAGE_STORE_ROOT"
	WatermarkText          = "WATERMARK_TEXT"
	FetchTimeoutSeconds    = "FETCH_TIMEOUT_SECONDS"
	MaxInFlight            = "MAX_IN_FLIGHT"
	ChangeLimit            = "CHANGE_LIMIT"
	PollBackoff            = "POLL_BACKOFF"
	MaxPollIntervalSeconds = "MAX_POLL_INTERVAL_SECONDS"
	LedgerPath             = "LEDGER_PATH"
	HTTPAddress            = "HTTP_ADDRESS"
	DebugAddress           = "DEBUG_ADDRESS"
	Domain                 = "DOMAIN"
	AllowedOrigins         = "ALLOWED_ORIGINS"
	RollBarToken           = "ROLLBAR_TOKEN"
	Environment            = "ENVIRONMENT"
)

// Config holds the settings of pacswatchd.
type Config struct {
	ArchiveURL          string `yaml:"archive_url"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	StoreRoot           string `yaml:"store_root"`
	Watermark           string `yaml:"watermark"`

	FetchTimeoutSeconds int  `yaml:"fetch_timeout_seconds"`
	MaxInFlight         int  `yaml:"max_in_flight"`
	ChangeLimit         int  `yaml:"change_limit"`
	Backoff             bool `yaml:"backoff"`
	MaxIntervalSeconds  int  `yaml:"max_interval_seconds"`

	// Empty keeps the cursor in memory only.
	LedgerPath string `yaml:"ledger_path"`

	HTTPAddress    string   `yaml:"http_address"`
	DebugAddress   string   `yaml:"debug_address"`
	Domain         string   `yaml:"domain"`
	AllowedOrigins []string `yaml:"allowed_origins"`

	// Empty disables publishing rendered images.
	Bucket         string `yaml:"bucket"`
	ServiceAccount string `yaml:"service_account"`

	Healthcare HealthcareConfig `yaml:"healthcare"`

	RollbarToken string `yaml:"rollbar_token"`
	Environment  string `yaml:"environment"`
}

// HealthcareConfig names the DICOM store raw instances are forwarded to.
type HealthcareConfig struct {
	ProjectID    string `yaml:"project_id"`
	Location     string `yaml:"location"`
	DatasetID    string `yaml:"dataset_id"`
	DicomStoreID string `yaml:"dicom_store"`
}

// Enabled reports whether every part of the store name is set.
func (c HealthcareConfig) Enabled() bool {
	return c.ProjectID != "" && c.Location != "" && c.DatasetID != "" && c.DicomStoreID != ""
}

// DefaultConfig returns the settings used when nothing overrides them.
func DefaultConfig() Config {
	return Config{
		ArchiveURL:          "http://localhost:8042",
		PollIntervalSeconds: 10,
		StoreRoot:           "./processed_image",
		FetchTimeoutSeconds: 30,
		MaxInFlight:         8,
		ChangeLimit:         100,
		MaxIntervalSeconds:  300,
		HTTPAddress:         ":3300",
		DebugAddress:        ":6060",
		Environment:         "development",
	}
}

// PollInterval returns the configured poll interval.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// MaxInterval returns the ceiling of the poll backoff.
func (c Config) MaxInterval() time.Duration {
	return time.Duration(c.MaxIntervalSeconds) * time.Second
}

// FetchTimeout returns the bound of a single instance download.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

// ReadConfigFile overlays the YAML file at path on config. A missing file is
// only an error when required is set.
func ReadConfigFile(path string, required bool, config *Config) error {
	buf, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) && !required {
		return nil
	} else if err != nil {
		return err
	}

	if err := yaml.Unmarshal(buf, config); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays environment variables on config. lookup is os.LookupEnv
// outside of tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	get := func(name string) (string, bool) {
		v, ok := lookup(name)
		return v, ok && v != ""
	}

	strs := map[string]*string{
		ArchiveURL:                      &c.ArchiveURL,
		ImageStoreRoot:                  &c.StoreRoot,
		WatermarkText:                   &c.Watermark,
		LedgerPath:                      &c.LedgerPath,
		HTTPAddress:                     &c.HTTPAddress,
		DebugAddress:                    &c.DebugAddress,
		Domain:                          &c.Domain,
		gcloudstorage.StorageBucketName: &c.Bucket,
		gcloudstorage.ServiceAccount:    &c.ServiceAccount,
		healthcare.ProjectID:            &c.Healthcare.ProjectID,
		healthcare.Location:             &c.Healthcare.Location,
		healthcare.DatasetID:            &c.Healthcare.DatasetID,
		healthcare.DicomStoreID:         &c.Healthcare.DicomStoreID,
		RollBarToken:                    &c.RollbarToken,
		Environment:                     &c.Environment,
	}
	for name, dst := range strs {
		if v, ok := get(name); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		PollIntervalSeconds:    &c.PollIntervalSeconds,
		FetchTimeoutSeconds:    &c.FetchTimeoutSeconds,
		MaxInFlight:            &c.MaxInFlight,
		ChangeLimit:            &c.ChangeLimit,
		MaxPollIntervalSeconds: &c.MaxIntervalSeconds,
	}
	for name, dst := range ints {
		v, ok := get(name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return pacswatch.Errorf(pacswatch.EINVALID, "%s: %q is not a number", name, v)
		}
		*dst = n
	}

	if v, ok := get(PollBackoff); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return pacswatch.Errorf(pacswatch.EINVALID, "%s: %q is not a boolean", PollBackoff, v)
		}
		c.Backoff = b
	}

	if v, ok := get(AllowedOrigins); ok {
		c.AllowedOrigins = nil
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				c.AllowedOrigins = append(c.AllowedOrigins, origin)
			}
		}
	}
	return nil
}

// Validate checks the settings before any service is opened.
func (c *Config) Validate() error {
	u, err := url.Parse(c.ArchiveURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return pacswatch.Errorf(pacswatch.EINVALID, "archive url %q must be an absolute http(s) URL", c.ArchiveURL)
	}

	for _, v := range []struct {
		name  string
		value int
	}{
		{"poll interval", c.PollIntervalSeconds},
		{"fetch timeout", c.FetchTimeoutSeconds},
		{"max in flight", c.MaxInFlight},
		{"change limit", c.ChangeLimit},
	} {
		if v.value <= 0 {
			return pacswatch.Errorf(pacswatch.EINVALID, "%s must be positive, got %d", v.name, v.value)
		}
	}
	if c.Backoff && c.MaxIntervalSeconds < c.PollIntervalSeconds {
		return pacswatch.Errorf(pacswatch.EINVALID, "max poll interval %ds is below the poll interval %ds", c.MaxIntervalSeconds, c.PollIntervalSeconds)
	}

	if c.StoreRoot == "" {
		return pacswatch.Errorf(pacswatch.EINVALID, "image store root required")
	}
	if c.Bucket != "" && c.ServiceAccount == "" {
		return pacswatch.Errorf(pacswatch.EINVALID, "publishing to bucket %q requires a service account key for URL signing", c.Bucket)
	}

	if h := c.Healthcare; h != (HealthcareConfig{}) && !h.Enabled() {
		return pacswatch.Errorf(pacswatch.EINVALID, "healthcare store needs project, location, dataset & store IDs")
	}
	return nil
}
