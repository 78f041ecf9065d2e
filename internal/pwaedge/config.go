package pwaedge

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"pwaedge/internal/worker"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port"`
		Origin string `yaml:"origin"`
	} `yaml:"server"`

	Backend struct {
		URL       string `yaml:"url"`
		APIPrefix string `yaml:"apiPrefix"`
	} `yaml:"backend"`

	ObjectStorage struct {
		Host string `yaml:"host"`
	} `yaml:"objectStorage"`

	Storage struct {
		// Backend is "leveldb" or "memory".
		Backend string `yaml:"backend"`
		Path    string `yaml:"path"`
		Disk    struct {
			Max string `yaml:"max"`
		} `yaml:"disk"`
	} `yaml:"storage"`

	Cache struct {
		AssetSegment       string   `yaml:"assetSegment"`
		RevalidateCooldown Duration `yaml:"revalidateCooldown"`
	} `yaml:"cache"`

	Worker struct {
		ScriptPath          string          `yaml:"scriptPath"`
		UpdateInterval      Duration        `yaml:"updateInterval"`
		PrecacheConcurrency int             `yaml:"precacheConcurrency"`
		Manifest            worker.Manifest `yaml:"manifest"`
	} `yaml:"worker"`

	Update struct {
		CheckInterval Duration `yaml:"checkInterval"`
	} `yaml:"update"`

	Push struct {
		ServiceURL     string   `yaml:"serviceURL"`
		VAPIDPublicKey string   `yaml:"vapidPublicKey"`
		MirrorURL      string   `yaml:"mirrorURL"`
		Notify         []string `yaml:"notify"`
	} `yaml:"push"`

	Logging struct {
		Level         string   `yaml:"level"`
		Development   bool     `yaml:"development"`
		LogStatsEvery Duration `yaml:"logStatsEvery"`
	} `yaml:"logging"`

	Telemetry struct {
		SentryDSN   string `yaml:"sentryDSN"`
		Environment string `yaml:"environment"`
	} `yaml:"telemetry"`

	diskMax int64
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig decodes YAML and applies defaults.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")

	if cfg.Backend.URL == "" {
		return fmt.Errorf("backend.url is required")
	}
	cfg.Backend.URL = strings.TrimRight(cfg.Backend.URL, "/")
	if cfg.Backend.APIPrefix == "" {
		cfg.Backend.APIPrefix = "/api"
	}
	if !strings.HasPrefix(cfg.Backend.APIPrefix, "/") {
		return fmt.Errorf("backend.apiPrefix must start with /")
	}

	switch cfg.Storage.Backend {
	case "":
		cfg.Storage.Backend = "leveldb"
	case "leveldb", "memory":
	default:
		return fmt.Errorf("storage.backend: unknown backend %q", cfg.Storage.Backend)
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data"
	}
	if cfg.Storage.Disk.Max != "" {
		n, err := parseBytes(cfg.Storage.Disk.Max)
		if err != nil {
			return fmt.Errorf("storage.disk.max: %w", err)
		}
		cfg.diskMax = n
	}

	if cfg.Cache.AssetSegment == "" {
		cfg.Cache.AssetSegment = "/assets/"
	}
	if cfg.Worker.ScriptPath == "" {
		cfg.Worker.ScriptPath = "/version.json"
	}
	if cfg.Worker.UpdateInterval == 0 {
		cfg.Worker.UpdateInterval = Duration(time.Minute)
	}
	if cfg.Worker.PrecacheConcurrency == 0 {
		cfg.Worker.PrecacheConcurrency = 4
	}
	if len(cfg.Worker.Manifest) == 0 {
		cfg.Worker.Manifest = worker.DefaultManifest()
	}
	for i, e := range cfg.Worker.Manifest {
		if !strings.HasPrefix(e.URL, "/") {
			return fmt.Errorf("worker.manifest[%d].url: must be an absolute path, got %q", i, e.URL)
		}
	}
	if cfg.Update.CheckInterval == 0 {
		cfg.Update.CheckInterval = Duration(time.Minute)
	}

	if cfg.Push.MirrorURL == "" {
		cfg.Push.MirrorURL = cfg.Backend.URL + "/push"
	}
	if cfg.Push.VAPIDPublicKey != "" {
		if err := worker.ValidateVAPIDKey(cfg.Push.VAPIDPublicKey); err != nil {
			return fmt.Errorf("push.vapidPublicKey: %w", err)
		}
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	return nil
}

// DiskMax is storage.disk.max in bytes; 0 means unbounded.
func (cfg Config) DiskMax() int64 { return cfg.diskMax }

// Duration is a time.Duration written as "30s" in YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML accepts "30s" style strings or a bare integer of seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("invalid duration: expected a scalar, got kind %d", value.Kind)
	}
	if parsed, err := time.ParseDuration(value.Value); err == nil {
		*d = Duration(parsed)
		return nil
	}
	if secs, err := strconv.ParseInt(value.Value, 10, 64); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	return fmt.Errorf("invalid duration %q: expected format like \"30s\" or \"5m\"", value.Value)
}
