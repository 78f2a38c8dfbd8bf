package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Server struct {
	Name string `mapstructure:"name"`
	URL  string `mapstructure:"url"`
}

type CodecConfig struct {
	Format          string `mapstructure:"format"`
	Compress        bool   `mapstructure:"compress"`
	Threshold       int    `mapstructure:"threshold"`
	LegacyFrameGzip bool   `mapstructure:"legacy_frame_gzip"`
}

type ConnectionConfig struct {
	PingInterval time.Duration `mapstructure:"ping_interval"`
	BaseDelay    time.Duration `mapstructure:"base_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	SendBuffer   int           `mapstructure:"send_buffer"`
}

type SyncConfig struct {
	SuppressionDelay time.Duration `mapstructure:"suppression_delay"`
	DriftTolerance   time.Duration `mapstructure:"drift_tolerance"`
	ReadyPoll        time.Duration `mapstructure:"ready_poll"`
	ReadyTimeout     time.Duration `mapstructure:"ready_timeout"`
	BypassTimeout    time.Duration `mapstructure:"bypass_timeout"`
	Heartbeat        time.Duration `mapstructure:"heartbeat"`
	EchoWindow       time.Duration `mapstructure:"echo_window"`
	Volume           bool          `mapstructure:"volume"`
}

type JoinRateConfig struct {
	Limit    int           `mapstructure:"limit"`
	Interval time.Duration `mapstructure:"interval"`
}

type ResolverConfig struct {
	SourceTemplate string `mapstructure:"source_template"`
	CacheSize      int    `mapstructure:"cache_size"`
}

type StoreConfig struct {
	Driver      string        `mapstructure:"driver"`
	Path        string        `mapstructure:"path"`
	GracePeriod time.Duration `mapstructure:"grace_period"`
}

type PlayerConfig struct {
	LoadDelay time.Duration `mapstructure:"load_delay"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type Config struct {
	Mode      string   `mapstructure:"mode"`
	LogLevel  string   `mapstructure:"log_level"`
	ServerURL string   `mapstructure:"server_url"`
	Servers   []Server `mapstructure:"servers"`
	Username  string   `mapstructure:"username"`
	Watch     bool     `mapstructure:"watch"`

	Codec      CodecConfig      `mapstructure:"codec"`
	Connection ConnectionConfig `mapstructure:"connection"`
	Sync       SyncConfig       `mapstructure:"sync"`
	JoinRate   JoinRateConfig   `mapstructure:"join_rate"`
	Resolver   ResolverConfig   `mapstructure:"resolver"`
	Store      StoreConfig      `mapstructure:"store"`
	Player     PlayerConfig     `mapstructure:"player"`
	HTTP       HTTPConfig       `mapstructure:"http"`

	v *viper.Viper
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("log_level", "info")
	v.SetDefault("server_url", "ws://localhost:8080/ws")
	v.SetDefault("username", "")
	v.SetDefault("watch", false)

	v.SetDefault("codec.format", "binary")
	v.SetDefault("codec.compress", false)
	v.SetDefault("codec.threshold", 100)
	v.SetDefault("codec.legacy_frame_gzip", false)

	v.SetDefault("connection.ping_interval", "25s")
	v.SetDefault("connection.base_delay", "1s")
	v.SetDefault("connection.max_delay", "30s")
	v.SetDefault("connection.max_attempts", 15)
	v.SetDefault("connection.write_timeout", "5s")
	v.SetDefault("connection.send_buffer", 32)

	v.SetDefault("sync.suppression_delay", "200ms")
	v.SetDefault("sync.drift_tolerance", "100ms")
	v.SetDefault("sync.ready_poll", "50ms")
	v.SetDefault("sync.ready_timeout", "2s")
	v.SetDefault("sync.bypass_timeout", "5s")
	v.SetDefault("sync.heartbeat", "15s")
	v.SetDefault("sync.echo_window", "3s")
	v.SetDefault("sync.volume", true)

	v.SetDefault("join_rate.limit", 3)
	v.SetDefault("join_rate.interval", "1m")

	v.SetDefault("resolver.source_template", "{id}")
	v.SetDefault("resolver.cache_size", 256)

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "jointly.db")
	v.SetDefault("store.grace_period", "10m")

	v.SetDefault("player.load_delay", "300ms")

	v.SetDefault("http.addr", "127.0.0.1:7070")
}

// Load reads config/config.<CONFIG_ENV>.yaml (dev by default). Every key
// can be overridden from the environment as JOINTLY_<SECTION>_<KEY>.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix("JOINTLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	cfg.v = v
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Str("server", cfg.ServerURL).Str("codec", cfg.Codec.Format).Msg("config ready")
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// Level parses log_level, falling back to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// ServerURLFor returns the URL of a named relay, or name itself when it
// already looks like a URL.
func (c *Config) ServerURLFor(name string) (string, error) {
	if name == "" {
		return c.ServerURL, nil
	}
	for _, s := range c.Servers {
		if strings.EqualFold(s.Name, name) {
			return s.URL, nil
		}
	}
	if strings.Contains(name, "://") {
		return name, nil
	}
	return "", fmt.Errorf("unknown server %q", name)
}

// WatchChanges re-reads the file on every write and hands the new config
// to fn. It does nothing when watch is off or no file was read.
func (c *Config) WatchChanges(fn func(*Config)) {
	if !c.Watch || c.v == nil || c.v.ConfigFileUsed() == "" {
		return
	}
	var mu sync.Mutex
	c.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		next, err := decode(c.v)
		if err != nil {
			log.Warn().Err(err).Str("module", "config").Msg("config reload failed")
			return
		}
		log.Info().Str("module", "config").Str("file", e.Name).Str("log_level", next.LogLevel).Msg("config reloaded")
		fn(next)
	})
	c.v.WatchConfig()
}
