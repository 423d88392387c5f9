package config

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/kozaktomas/face-memory/internal/similarity"
)

//go:embed thresholds.yaml
var thresholdsYAML []byte

type Config struct {
	Storage  StorageConfig
	Matching MatchingConfig
	Provider ProviderConfig
	Web      WebConfig
	Database DatabaseConfig
	Log      LogConfig
	Profiles ThresholdProfiles
}

type StorageConfig struct {
	Dir             string        `envconfig:"FACE_STORAGE_DIR" default:"data"`
	SaveInterval    time.Duration `envconfig:"FACE_SAVE_INTERVAL" default:"60s"`
	CheckInterval   time.Duration `envconfig:"FACE_SAVE_CHECK_INTERVAL" default:"5s"`
	ShutdownTimeout time.Duration `envconfig:"FACE_SHUTDOWN_TIMEOUT" default:"10s"`
}

type MatchingConfig struct {
	Profile string `envconfig:"FACE_THRESHOLD_PROFILE"` // empty selects the profile file default
	// Overrides for the selected profile; zero keeps the profile value.
	CosineThreshold     float64       `envconfig:"FACE_COSINE_THRESHOLD"`
	L2Threshold         float64       `envconfig:"FACE_L2_THRESHOLD"`
	DetectionThreshold  float64       `envconfig:"FACE_DETECTION_THRESHOLD" default:"0.9"`
	ImportThreshold     float64       `envconfig:"FACE_IMPORT_THRESHOLD" default:"0.85"`
	OverlapThreshold    float64       `envconfig:"FACE_OVERLAP_THRESHOLD" default:"0.3"`
	SaveRequestInterval time.Duration `envconfig:"FACE_SAVE_REQUEST_INTERVAL" default:"45s"`
	SaveRequestUpdates  int           `envconfig:"FACE_SAVE_REQUEST_UPDATES" default:"10"`
	ThumbnailWidth      int           `envconfig:"FACE_THUMBNAIL_WIDTH" default:"96"`
	ThumbnailHeight     int           `envconfig:"FACE_THUMBNAIL_HEIGHT" default:"128"`
	DuplicateThreshold  float64       `envconfig:"FACE_DUPLICATE_THRESHOLD" default:"0.6"`
}

type ProviderConfig struct {
	URL     string        `envconfig:"FACE_PROVIDER_URL" default:"http://localhost:8000"`
	Timeout time.Duration `envconfig:"FACE_PROVIDER_TIMEOUT" default:"30s"`
	Dim     int           `envconfig:"EMBEDDING_DIM" default:"128"`
}

type WebConfig struct {
	Host           string   `envconfig:"WEB_HOST" default:"0.0.0.0"`
	Port           int      `envconfig:"WEB_PORT" default:"8085"`
	AllowedOrigins []string `envconfig:"WEB_ALLOWED_ORIGINS"`
	APIToken       string   `envconfig:"WEB_API_TOKEN"` // bearer token, no auth when empty
	MaxUploadBytes int64    `envconfig:"WEB_MAX_UPLOAD_BYTES" default:"20971520"`
}

type DatabaseConfig struct {
	URL          string `envconfig:"DATABASE_URL"` // PostgreSQL connection URL, mirror disabled when empty
	MaxOpenConns int    `envconfig:"DATABASE_MAX_OPEN_CONNS" default:"25"`
	MaxIdleConns int    `envconfig:"DATABASE_MAX_IDLE_CONNS" default:"5"`
}

type LogConfig struct {
	Level  string `envconfig:"LOG_LEVEL" default:"info"`
	Format string `envconfig:"LOG_FORMAT" default:"console"`
}

// ThresholdProfiles are the named similarity threshold sets.
type ThresholdProfiles struct {
	Default  string                           `yaml:"default"`
	Profiles map[string]similarity.Thresholds `yaml:"profiles"`
}

// Load reads the configuration from the environment. A .env file, if any,
// is expected to be loaded by the caller beforehand.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(thresholdsYAML, &cfg.Profiles); err != nil {
		// embedded file, cannot fail at runtime
		panic("failed to unmarshal embedded thresholds.yaml: " + err.Error())
	}

	sections := []struct {
		name string
		dst  any
	}{
		{"storage", &cfg.Storage},
		{"matching", &cfg.Matching},
		{"provider", &cfg.Provider},
		{"web", &cfg.Web},
		{"database", &cfg.Database},
		{"log", &cfg.Log},
	}
	for _, s := range sections {
		if err := envconfig.Process("", s.dst); err != nil {
			return nil, fmt.Errorf("loading %s config: %w", s.name, err)
		}
	}

	if _, err := cfg.Thresholds(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Thresholds returns the selected profile with any overrides applied.
func (c *Config) Thresholds() (similarity.Thresholds, error) {
	name := strings.ToLower(strings.TrimSpace(c.Matching.Profile))
	if name == "" {
		name = c.Profiles.Default
	}
	t, ok := c.Profiles.Profiles[name]
	if !ok {
		return similarity.Thresholds{}, fmt.Errorf("unknown threshold profile %q (available: %s)",
			name, strings.Join(c.Profiles.Names(), ", "))
	}
	if c.Matching.CosineThreshold > 0 {
		t.Cosine = c.Matching.CosineThreshold
	}
	if c.Matching.L2Threshold > 0 {
		t.L2 = c.Matching.L2Threshold
	}
	return t, nil
}

// Names returns the profile names in sorted order.
func (p ThresholdProfiles) Names() []string {
	names := make([]string, 0, len(p.Profiles))
	for n := range p.Profiles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Addr returns the listen address of the web server.
func (c *WebConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
