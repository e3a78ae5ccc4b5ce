package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode        string            `mapstructure:"mode"`
	Port        int               `mapstructure:"port"`
	LogLevel    string            `mapstructure:"log_level"`
	Secret      string            `mapstructure:"secret"`
	SessionName string            `mapstructure:"session_name"`
	StaticPath  string            `mapstructure:"static_path"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Hub         HubConfig         `mapstructure:"hub"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Attachments AttachmentsConfig `mapstructure:"attachments"`
	Redis       RedisConfig       `mapstructure:"redis"`
	ICEServers  []ICEServerConfig `mapstructure:"ice_servers"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

type HubConfig struct {
	VideoCapacity      int           `mapstructure:"video_capacity"`
	SendBuffer         int           `mapstructure:"send_buffer"`
	WriteWait          time.Duration `mapstructure:"write_wait"`
	PongWait           time.Duration `mapstructure:"pong_wait"`
	PingPeriod         time.Duration `mapstructure:"ping_period"`
	ReadLimit          int64         `mapstructure:"read_limit"`
	AllowLateAuth      bool          `mapstructure:"allow_late_auth"`
	Backpressure       string        `mapstructure:"backpressure"`
	TypingRate         int           `mapstructure:"typing_rate"`
	TypingInterval     time.Duration `mapstructure:"typing_interval"`
	CallRate           int           `mapstructure:"call_rate"`
	CallInterval       time.Duration `mapstructure:"call_interval"`
	GroupLookupTimeout time.Duration `mapstructure:"group_lookup_timeout"`
}

type DatabaseConfig struct {
	Driver          string `mapstructure:"driver"`
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	DBName          string `mapstructure:"dbname"`
	SSLMode         string `mapstructure:"sslmode"`
	FilePath        string `mapstructure:"file_path"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool   `mapstructure:"auto_migrate"`
}

type AttachmentsConfig struct {
	BasePath string `mapstructure:"base_path"`
	MaxSize  int64  `mapstructure:"max_size"`
}

type RedisConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Address   string `mapstructure:"address"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	Channel   string `mapstructure:"channel"`
	OnlineKey string `mapstructure:"online_key"`
}

type ICEServerConfig struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("secret", "")
	v.SetDefault("session_name", "PulseSessions")
	v.SetDefault("static_path", "")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "portal")

	v.SetDefault("hub.video_capacity", 8)
	v.SetDefault("hub.send_buffer", 64)
	v.SetDefault("hub.write_wait", "10s")
	v.SetDefault("hub.pong_wait", "60s")
	v.SetDefault("hub.ping_period", "54s")
	v.SetDefault("hub.read_limit", 65536)
	v.SetDefault("hub.allow_late_auth", true)
	v.SetDefault("hub.backpressure", "kick")
	v.SetDefault("hub.typing_rate", 10)
	v.SetDefault("hub.typing_interval", "5s")
	v.SetDefault("hub.call_rate", 5)
	v.SetDefault("hub.call_interval", "1m")
	v.SetDefault("hub.group_lookup_timeout", "3s")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.file_path", "data/pulse.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "portal")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("attachments.base_path", "data/attachments")
	v.SetDefault("attachments.max_size", 16<<20)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "pulse:presence")
	v.SetDefault("redis.online_key", "pulse:online_users")
}

// Load reads config/config.<CONFIG_ENV>.yaml (CONFIG_ENV defaults to "dev")
// over built-in defaults. PULSE_* environment variables win over both, e.g.
// PULSE_HUB_VIDEO_CAPACITY.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	if dir := os.Getenv("CONFIG_DIR"); dir != "" {
		fileName = fmt.Sprintf("%s/config.%s.yaml", strings.TrimRight(dir, "/"), env)
	}

	v.SetConfigFile(fileName)
	setDefaults(v)

	v.SetEnvPrefix("PULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("db", cfg.Database.Driver).Bool("redis", cfg.Redis.Enabled).Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port out of range: %d", c.Port))
	}
	if c.Hub.VideoCapacity < 2 {
		errs = append(errs, fmt.Errorf("hub.video_capacity must be at least 2, got %d", c.Hub.VideoCapacity))
	}
	if c.Hub.PingPeriod >= c.Hub.PongWait {
		errs = append(errs, fmt.Errorf("hub.ping_period (%s) must be shorter than hub.pong_wait (%s)", c.Hub.PingPeriod, c.Hub.PongWait))
	}
	switch c.Database.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		errs = append(errs, fmt.Errorf("unsupported database driver: %q", c.Database.Driver))
	}
	if c.Mode == "release" && c.Secret == "" {
		errs = append(errs, errors.New("secret is required in release mode"))
	}
	return errors.Join(errs...)
}
