package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// Config is the root of the application configuration file.
// yaml tags name the keys; validate tags document the constraints Validate checks.
type Config struct {
	Logger   LoggerConfig   `yaml:"logger" validate:"required"`
	Server   ServerConfig   `yaml:"http-server" validate:"required"`
	Sharding ShardingConfig `yaml:"sharding" validate:"required"`
}

type ServerConfig struct {
	Port              int           `yaml:"port" validate:"required,min=1,max=65535"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// ShardingConfig lists the physical databases. Binds maps connection
// identifiers to DSNs; DefaultDatabase is registered under the default key.
type ShardingConfig struct {
	DefaultDatabase    string            `yaml:"default_database"`
	Binds              map[string]string `yaml:"binds"`
	QueryFailurePolicy string            `yaml:"query_failure_policy" validate:"oneof=fail skip"`
	ZooKeeper          ZooKeeperConfig   `yaml:"zookeeper"`
}

// ZooKeeperConfig enables binds stored in ZooKeeper. With no servers the
// static binds above are used.
type ZooKeeperConfig struct {
	Servers        []string      `yaml:"servers"`
	Root           string        `yaml:"root"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
}

func (z ZooKeeperConfig) Enabled() bool {
	return len(z.Servers) > 0
}

// Default returns a baseline development config: the demo layout of one
// commons database, two account shards and an asia shard.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "DEBUG",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: 5 * time.Second,
		},
		Sharding: ShardingConfig{
			DefaultDatabase: "sqlite:///commons.db",
			Binds: map[string]string{
				"accounts:0": "sqlite:///accounts.0.db",
				"accounts:1": "sqlite:///accounts.1.db",
				"asia":       "sqlite:///asia.db",
			},
			QueryFailurePolicy: "fail",
			ZooKeeper: ZooKeeperConfig{
				Root:           "/shardeddb",
				SessionTimeout: 10 * time.Second,
			},
		},
	}
}

// Load reads a YAML config from path over the defaults. A missing file
// yields Default().
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, err
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	// binds in the file replace the demo layout instead of merging into it
	cfg.Sharding.Binds = nil

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error

	switch strings.ToUpper(c.Logger.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		errs = append(errs, fmt.Errorf("logger.level: unknown level %q", c.Logger.Level))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("http-server.port: %d out of range", c.Server.Port))
	}

	s := c.Sharding
	switch s.QueryFailurePolicy {
	case "", "fail", "skip":
	default:
		errs = append(errs, fmt.Errorf("sharding.query_failure_policy: %q is not fail or skip", s.QueryFailurePolicy))
	}
	if !s.ZooKeeper.Enabled() && s.DefaultDatabase == "" && len(s.Binds) == 0 {
		errs = append(errs, errors.New("sharding: no databases configured"))
	}
	for key, dsn := range s.Binds {
		if key == "" || dsn == "" {
			errs = append(errs, fmt.Errorf("sharding.binds: empty entry %q: %q", key, dsn))
		}
	}
	if s.ZooKeeper.Enabled() && !strings.HasPrefix(s.ZooKeeper.Root, "/") {
		errs = append(errs, fmt.Errorf("sharding.zookeeper.root: %q is not absolute", s.ZooKeeper.Root))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// LogLevel maps Logger.Level to an slog level name accepted by
// slog.Level.UnmarshalText.
func (c Config) LogLevel() string {
	return strings.ToUpper(c.Logger.Level)
}
