// Package config loads process configuration from an optional YAML file, an
// optional .env file and FIELDSYNC_* environment variables, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FIELDSYNC_"

// Config is the full process configuration.
type Config struct {
	// DataDir holds the SQLite database, the backup file and the blob
	// directory.
	DataDir string `yaml:"data_dir"`
	// BackupQuotaBytes bounds the Layer 2 file. Zero means unbounded.
	BackupQuotaBytes int64  `yaml:"backup_quota_bytes"`
	Tertiary         bool   `yaml:"tertiary"`
	LogLevel         string `yaml:"log_level"`

	Backend BackendConfig `yaml:"backend"`
	API     APIConfig     `yaml:"api"`
	Sync    SyncConfig    `yaml:"sync"`
}

// BackendConfig selects the remote backend and its credential. An empty URL
// runs against an in-process peer.
type BackendConfig struct {
	URL string `yaml:"url"`
	// Token is a static bearer credential, used when OAuth2 is not set.
	Token string       `yaml:"token"`
	Actor string       `yaml:"actor"`
	OAuth OAuth2Config `yaml:"oauth2"`
}

// OAuth2Config is the client-credentials grant.
type OAuth2Config struct {
	TokenURL     string   `yaml:"token_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
}

// Enabled reports whether any OAuth2 field is set.
func (o OAuth2Config) Enabled() bool {
	return o.TokenURL != "" || o.ClientID != "" || o.ClientSecret != ""
}

// APIConfig is the local message-channel listener.
type APIConfig struct {
	Listen string `yaml:"listen"`
	Token  string `yaml:"token"`
}

// SyncConfig holds the engine and scheduler tunables.
type SyncConfig struct {
	BatchSize        int           `yaml:"batch_size"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	BaseDelay        time.Duration `yaml:"base_delay"`
	MaxDelay         time.Duration `yaml:"max_delay"`
	MaxRetries       int           `yaml:"max_retries"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	PruneAfter       time.Duration `yaml:"prune_after"`
	MaxPullPages     int           `yaml:"max_pull_pages"`
	ActivityTimeout  time.Duration `yaml:"activity_timeout"`
	MaxInterval      time.Duration `yaml:"max_interval"`
	StartOffline     bool          `yaml:"start_offline"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DataDir:  "fieldsync-data",
		LogLevel: "info",
		API:      APIConfig{Listen: "127.0.0.1:8787"},
		Sync: SyncConfig{
			BatchSize:        50,
			RequestTimeout:   30 * time.Second,
			BaseDelay:        2 * time.Second,
			MaxDelay:         5 * time.Minute,
			MaxRetries:       5,
			BreakerThreshold: 3,
			PruneAfter:       24 * time.Hour,
			MaxPullPages:     100,
			ActivityTimeout:  30 * time.Second,
			MaxInterval:      5 * time.Minute,
		},
	}
}

// Load builds the configuration. path and envFile may be empty; a missing
// envFile is ignored, a missing path is an error. Values already present in
// the environment win over the .env file.
func Load(path, envFile string) (*Config, error) {
	c := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config load: %w", err)
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("config unmarshal %s: %w", path, err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("config env file %s: %w", envFile, err)
			}
			slog.Debug("no env file", "path", envFile)
		}
	}

	if err := applyEnvOverrides(&c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DataDir) == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.BackupQuotaBytes < 0 {
		errs = append(errs, errors.New("backup_quota_bytes must not be negative"))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	if c.Backend.URL != "" {
		u, err := url.Parse(c.Backend.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("backend.url %q must be an http(s) URL", c.Backend.URL))
		}
		if c.Backend.Token == "" && !c.Backend.OAuth.Enabled() {
			errs = append(errs, errors.New("backend.url requires backend.token or backend.oauth2"))
		}
	}
	if o := c.Backend.OAuth; o.Enabled() && (o.TokenURL == "" || o.ClientID == "" || o.ClientSecret == "") {
		errs = append(errs, errors.New("backend.oauth2 requires token_url, client_id and client_secret"))
	}
	if c.API.Listen == "" {
		errs = append(errs, errors.New("api.listen is required"))
	}

	s := c.Sync
	positive := map[string]time.Duration{
		"sync.request_timeout":  s.RequestTimeout,
		"sync.base_delay":       s.BaseDelay,
		"sync.max_delay":        s.MaxDelay,
		"sync.prune_after":      s.PruneAfter,
		"sync.activity_timeout": s.ActivityTimeout,
		"sync.max_interval":     s.MaxInterval,
	}
	for _, name := range slices.Sorted(maps.Keys(positive)) {
		if positive[name] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	counts := map[string]int{
		"sync.batch_size":        s.BatchSize,
		"sync.max_retries":       s.MaxRetries,
		"sync.breaker_threshold": s.BreakerThreshold,
		"sync.max_pull_pages":    s.MaxPullPages,
	}
	for _, name := range slices.Sorted(maps.Keys(counts)) {
		if counts[name] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if s.MaxDelay > 0 && s.BaseDelay > s.MaxDelay {
		errs = append(errs, errors.New("sync.base_delay must not exceed sync.max_delay"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// DatabasePath is the primary store file.
func (c *Config) DatabasePath() string { return filepath.Join(c.DataDir, "fieldsync.db") }

// BackupPath is the Layer 2 file.
func (c *Config) BackupPath() string { return filepath.Join(c.DataDir, "backup.json") }

// BlobDir is the Layer 3 directory.
func (c *Config) BlobDir() string { return filepath.Join(c.DataDir, "blobs") }

// ParseLevel maps a log level name to its slog level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log_level %q", name)
}

func applyEnvOverrides(c *Config) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = d
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}

	str("DATA_DIR", &c.DataDir)
	str("LOG_LEVEL", &c.LogLevel)
	flag("TERTIARY", &c.Tertiary)
	if v, ok := os.LookupEnv(EnvPrefix + "BACKUP_QUOTA_BYTES"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sBACKUP_QUOTA_BYTES: %w", EnvPrefix, err))
		} else {
			c.BackupQuotaBytes = n
		}
	}

	str("BACKEND_URL", &c.Backend.URL)
	str("BACKEND_TOKEN", &c.Backend.Token)
	str("ACTOR", &c.Backend.Actor)
	str("OAUTH_TOKEN_URL", &c.Backend.OAuth.TokenURL)
	str("OAUTH_CLIENT_ID", &c.Backend.OAuth.ClientID)
	str("OAUTH_CLIENT_SECRET", &c.Backend.OAuth.ClientSecret)
	if v, ok := os.LookupEnv(EnvPrefix + "OAUTH_SCOPES"); ok && v != "" {
		c.Backend.OAuth.Scopes = strings.Fields(strings.ReplaceAll(v, ",", " "))
	}

	str("API_LISTEN", &c.API.Listen)
	str("API_TOKEN", &c.API.Token)

	num("SYNC_BATCH_SIZE", &c.Sync.BatchSize)
	dur("SYNC_REQUEST_TIMEOUT", &c.Sync.RequestTimeout)
	dur("SYNC_BASE_DELAY", &c.Sync.BaseDelay)
	dur("SYNC_MAX_DELAY", &c.Sync.MaxDelay)
	num("SYNC_MAX_RETRIES", &c.Sync.MaxRetries)
	num("SYNC_BREAKER_THRESHOLD", &c.Sync.BreakerThreshold)
	dur("SYNC_PRUNE_AFTER", &c.Sync.PruneAfter)
	num("SYNC_MAX_PULL_PAGES", &c.Sync.MaxPullPages)
	dur("SYNC_ACTIVITY_TIMEOUT", &c.Sync.ActivityTimeout)
	dur("SYNC_MAX_INTERVAL", &c.Sync.MaxInterval)
	flag("SYNC_START_OFFLINE", &c.Sync.StartOffline)

	if len(errs) > 0 {
		return fmt.Errorf("config env: %w", errors.Join(errs...))
	}
	return nil
}
