package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the settings of all three processes. Each binary reads the
// section it needs.
type Config struct {
	LogLevel string         `mapstructure:"log_level"`
	Server   ServerConfig   `mapstructure:"server"`
	Balancer BalancerConfig `mapstructure:"balancer"`
	Store    StoreConfig    `mapstructure:"store"`
	Client   ClientConfig   `mapstructure:"client"`
}

type ServerConfig struct {
	Host     string `mapstructure:"host"`
	BasePort int    `mapstructure:"base_port"`
	ID       int    `mapstructure:"id"`
	Total    int    `mapstructure:"total"`
	// HandshakeTimeout bounds mesh bootstrap. Zero waits forever.
	HandshakeTimeout time.Duration `mapstructure:"-"`
	DialRetry        time.Duration `mapstructure:"-"`
	MaxFrame         int           `mapstructure:"max_frame"`
	AdminAddress     string        `mapstructure:"admin_address"`
	BalancerKey      string        `mapstructure:"balancer_key"`
}

// Port is the client-facing listen port of this server.
func (c ServerConfig) Port() int {
	return c.BasePort + c.ID - 1
}

type BalancerConfig struct {
	Host            string  `mapstructure:"host"`
	Port            int     `mapstructure:"port"`
	FirstServerPort int     `mapstructure:"first_server_port"`
	TotalServers    int     `mapstructure:"total_servers"`
	Strategy        string  `mapstructure:"strategy"`
	KeyPrefix       string  `mapstructure:"key_prefix"`
	RateLimit       float64 `mapstructure:"rate_limit"`
	Burst           int     `mapstructure:"burst"`
	AdminAddress    string  `mapstructure:"admin_address"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type ClientConfig struct {
	BalancerAddress string        `mapstructure:"balancer_address"`
	KeyDir          string        `mapstructure:"key_dir"`
	TranscriptDir   string        `mapstructure:"transcript_dir"`
	Timeout         time.Duration `mapstructure:"-"`
}

const (
	defaultLogLevel     = "info"
	defaultHost         = "127.0.0.1"
	defaultBasePort     = 8010
	defaultBalancerPort = 9000
	defaultStrategy     = "round-robin"
	defaultKeyPrefix    = "server_keys"
	defaultDriver       = "sqlite"
	defaultDSN          = "fastchat.db"
	defaultMaxFrame     = 1 << 20
	defaultDialRetry    = 200 * time.Millisecond
)

// Load reads configuration from the provided file path (if any) and the
// environment. Environment variables are prefixed with FASTCHAT_ and use _
// for nesting, e.g. FASTCHAT_SERVER_ID.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FASTCHAT")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("server.host", defaultHost)
	v.SetDefault("server.base_port", defaultBasePort)
	v.SetDefault("server.id", 1)
	v.SetDefault("server.total", 1)
	v.SetDefault("server.handshake_timeout", "0s")
	v.SetDefault("server.dial_retry", defaultDialRetry.String())
	v.SetDefault("server.max_frame", defaultMaxFrame)
	v.SetDefault("server.admin_address", "")
	v.SetDefault("server.balancer_key", defaultKeyPrefix+"_public.pem")
	v.SetDefault("balancer.host", defaultHost)
	v.SetDefault("balancer.port", defaultBalancerPort)
	v.SetDefault("balancer.first_server_port", defaultBasePort)
	v.SetDefault("balancer.total_servers", 1)
	v.SetDefault("balancer.strategy", defaultStrategy)
	v.SetDefault("balancer.key_prefix", defaultKeyPrefix)
	v.SetDefault("balancer.rate_limit", 0)
	v.SetDefault("balancer.burst", 1)
	v.SetDefault("balancer.admin_address", "")
	v.SetDefault("store.driver", defaultDriver)
	v.SetDefault("store.dsn", defaultDSN)
	v.SetDefault("client.balancer_address", fmt.Sprintf("%s:%d", defaultHost, defaultBalancerPort))
	v.SetDefault("client.key_dir", ".")
	v.SetDefault("client.transcript_dir", ".")
	v.SetDefault("client.timeout", "0s")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper leaves durations as strings; normalize them here.
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"server.handshake_timeout", &cfg.Server.HandshakeTimeout},
		{"server.dial_retry", &cfg.Server.DialRetry},
		{"client.timeout", &cfg.Client.Timeout},
	}
	for _, d := range durations {
		dur, err := time.ParseDuration(v.GetString(d.key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = dur
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Server.Total < 1 {
		return fmt.Errorf("server.total must be positive, got %d", c.Server.Total)
	}
	if c.Server.ID < 1 || c.Server.ID > c.Server.Total {
		return fmt.Errorf("server.id %d outside [1, %d]", c.Server.ID, c.Server.Total)
	}
	if c.Balancer.TotalServers < 1 {
		return fmt.Errorf("balancer.total_servers must be positive, got %d", c.Balancer.TotalServers)
	}
	if c.Server.MaxFrame <= 0 {
		return fmt.Errorf("server.max_frame must be positive, got %d", c.Server.MaxFrame)
	}
	return nil
}
