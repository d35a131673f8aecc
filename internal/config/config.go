package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Retention and timing constants shared across components.
const (
	IPInfoExpiry      = 7 * 24 * time.Hour
	TracerouteExpiry  = 7 * 24 * time.Hour
	DNSQueryTimeout   = 5 * time.Second
	DNSCacheTTL       = 30 * time.Minute
	MaxEnrichmentTime = 2 * time.Minute

	IXPNetworksUpdateInterval = 3 * time.Hour
	HousekeeperInterval       = 6 * time.Hour

	// PublishInterval is the cadence of the broker publishing loop.
	PublishInterval = time.Second

	// MaxRawLen caps the accepted size of a submitted traceroute.
	MaxRawLen = 16 * 1024
)

// EnvConfigPath overrides the configuration file lookup when set.
const EnvConfigPath = "RICH_TRACEROUTE_CONFIG"

// Mode selects which subset of the configuration is validated.
type Mode int

const (
	ModeWorker Mode = iota
	ModeWeb
)

func (m Mode) String() string {
	if m == ModeWeb {
		return "web"
	}
	return "worker"
}

type Config struct {
	DB       DBConfig       `koanf:"db"`
	RabbitMQ RabbitMQConfig `koanf:"rabbitmq"`
	Workers  WorkersConfig  `koanf:"workers"`
	Web      WebConfig      `koanf:"web"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	Logging  LoggingConfig  `koanf:"logging"`
}

type DBConfig struct {
	Type        string `koanf:"type"`
	Path        string `koanf:"path"`
	Schema      string `koanf:"schema"`
	Host        string `koanf:"host"`
	Port        int    `koanf:"port"`
	User        string `koanf:"user"`
	Passwd      string `koanf:"passwd"`
	CompressRaw bool   `koanf:"compress_raw"`
}

type RabbitMQConfig struct {
	URL      string `koanf:"url"`
	Protocol string `koanf:"protocol"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	VHost    string `koanf:"vhost"`
}

type WorkersConfig struct {
	Consumers int `koanf:"consumers"`
	Enrichers int `koanf:"enrichers"`
}

type RecaptchaKeys struct {
	PubKey string `koanf:"pub_key"`
	PvtKey string `koanf:"pvt_key"`
}

func (k RecaptchaKeys) Enabled() bool {
	return k.PubKey != "" || k.PvtKey != ""
}

type RecaptchaConfig struct {
	V2 RecaptchaKeys `koanf:"v2"`
	V3 RecaptchaKeys `koanf:"v3"`
}

type WebConfig struct {
	Listen     string          `koanf:"listen"`
	SecretKey  string          `koanf:"secret_key"`
	Recaptcha  RecaptchaConfig `koanf:"recaptcha"`
	StatsToken string          `koanf:"stats_token"`
}

type MetricsConfig struct {
	Listen string `koanf:"listen"`
}

type LoggingConfig struct {
	Level string `koanf:"level"`
}

// wellKnownPaths are tried in order when no explicit path is given.
var wellKnownPaths = []string{
	"rich_traceroute.yml",
	"~/.rich_traceroute.yml",
	"/usr/local/etc/rich_traceroute/config.yml",
	"/usr/local/etc/rich_traceroute.yml",
	"/etc/rich_traceroute/config.yml",
	"/etc/rich_traceroute.yml",
	"private/config.yml",
}

// FindPath resolves the configuration file location: the RICH_TRACEROUTE_CONFIG
// environment variable wins, then the well-known paths are probed in order.
func FindPath() (string, error) {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p, nil
	}
	for _, p := range wellKnownPaths {
		if strings.HasPrefix(p, "~/") {
			home, err := os.UserHomeDir()
			if err != nil {
				continue
			}
			p = filepath.Join(home, p[2:])
		}
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("config: configuration file not found")
}

func Load(path string, mode Mode) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: RICH_TRACEROUTE_DB__TYPE → db.type
	if err := k.Load(env.Provider("RICH_TRACEROUTE_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "RICH_TRACEROUTE_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		RabbitMQ: RabbitMQConfig{
			Protocol: "amqp",
			Port:     5672,
		},
		Web: WebConfig{
			Listen: ":8080",
		},
		Metrics: MetricsConfig{
			Listen: ":9100",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate(mode Mode) error {
	switch c.DB.Type {
	case "sqlite":
		if c.DB.Path == "" {
			return fmt.Errorf("config: db.path is required for db.type sqlite")
		}
	case "mysql":
		if c.DB.Schema == "" {
			return fmt.Errorf("config: db.schema is required for db.type mysql")
		}
		if c.DB.Host == "" {
			return fmt.Errorf("config: db.host is required for db.type mysql")
		}
		if c.DB.Port <= 0 {
			return fmt.Errorf("config: db.port is required for db.type mysql")
		}
		if c.DB.User == "" {
			return fmt.Errorf("config: db.user is required for db.type mysql")
		}
		if c.DB.Passwd == "" {
			return fmt.Errorf("config: db.passwd is required for db.type mysql")
		}
	default:
		return fmt.Errorf("config: db.type must be one of sqlite, mysql (got %q)", c.DB.Type)
	}

	if c.RabbitMQ.URL == "" {
		if c.RabbitMQ.Protocol == "" {
			return fmt.Errorf("config: rabbitmq.protocol is required")
		}
		if c.RabbitMQ.Username == "" {
			return fmt.Errorf("config: rabbitmq.username is required")
		}
		if c.RabbitMQ.Password == "" {
			return fmt.Errorf("config: rabbitmq.password is required")
		}
		if c.RabbitMQ.Host == "" {
			return fmt.Errorf("config: rabbitmq.host is required")
		}
		if c.RabbitMQ.Port <= 0 {
			return fmt.Errorf("config: rabbitmq.port is required")
		}
	}

	if c.Workers.Consumers < 0 {
		return fmt.Errorf("config: workers.consumers must be >= 0 (got %d)", c.Workers.Consumers)
	}
	if c.Workers.Enrichers < 0 {
		return fmt.Errorf("config: workers.enrichers must be >= 0 (got %d)", c.Workers.Enrichers)
	}

	if mode == ModeWeb {
		if strings.TrimSpace(c.Web.SecretKey) == "" {
			return fmt.Errorf("config: web.secret_key is required")
		}
		if c.Web.Listen == "" {
			return fmt.Errorf("config: web.listen is required")
		}
		for _, v := range []struct {
			name string
			keys RecaptchaKeys
		}{
			{"v2", c.Web.Recaptcha.V2},
			{"v3", c.Web.Recaptcha.V3},
		} {
			if v.keys.Enabled() {
				if v.keys.PubKey == "" {
					return fmt.Errorf("config: web.recaptcha.%s.pub_key is missing", v.name)
				}
				if v.keys.PvtKey == "" {
					return fmt.Errorf("config: web.recaptcha.%s.pvt_key is missing", v.name)
				}
			}
		}
		// A v3 check that fails downgrades to a v2 challenge, so v3
		// cannot be configured without v2.
		if c.Web.Recaptcha.V3.Enabled() && !c.Web.Recaptcha.V2.Enabled() {
			return fmt.Errorf("config: web.recaptcha.v3 requires web.recaptcha.v2")
		}
	}

	return nil
}

// BrokerURL returns the AMQP endpoint, assembling it from the individual
// rabbitmq.* parameters when rabbitmq.url is not set.
func (c *Config) BrokerURL() string {
	if c.RabbitMQ.URL != "" {
		return c.RabbitMQ.URL
	}
	return fmt.Sprintf("%s://%s:%s@%s:%d/%s",
		c.RabbitMQ.Protocol,
		url.QueryEscape(c.RabbitMQ.Username),
		url.QueryEscape(c.RabbitMQ.Password),
		c.RabbitMQ.Host,
		c.RabbitMQ.Port,
		url.PathEscape(c.RabbitMQ.VHost),
	)
}

// MySQLDSN returns the go-sql-driver DSN for the configured MySQL database.
func (c *DBConfig) MySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
		c.User, c.Passwd, c.Host, c.Port, c.Schema)
}

// SQLitePath returns the sqlite3 datasource with foreign keys enforced.
func (c *DBConfig) SQLitePath() string {
	return fmt.Sprintf("file:%s?_foreign_keys=on", c.Path)
}
