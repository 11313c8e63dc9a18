// Package config загружает конфигурацию сервиса из файла, переменных окружения и значений по умолчанию
package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix префикс переменных окружения: GUARDSTAT_SERVER_ADDR и т.д.
const EnvPrefix = "GUARDSTAT"

// Config содержит конфигурацию сервиса
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Analysis AnalysisConfig `mapstructure:"analysis"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	IndexTTL time.Duration `mapstructure:"index_ttl"`
	Retries  int           `mapstructure:"retries"`
}

type AnalysisConfig struct {
	Timezone        string  `mapstructure:"timezone"`
	Workers         int     `mapstructure:"workers"`
	GlobalThreshold float64 `mapstructure:"global_threshold"`
	LiveWindowDays  int     `mapstructure:"live_window_days"`
	DayCacheSize    int     `mapstructure:"day_cache_size"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Path       string `mapstructure:"path"` // пусто - только stderr
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 5*time.Minute) // пересчет идет синхронно в запросе
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("database.path", "guardstat.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.index_ttl", 6*time.Hour)
	v.SetDefault("redis.retries", 5)

	v.SetDefault("analysis.timezone", "America/Los_Angeles")
	v.SetDefault("analysis.workers", runtime.NumCPU())
	v.SetDefault("analysis.global_threshold", 70.0)
	v.SetDefault("analysis.live_window_days", 30)
	v.SetDefault("analysis.day_cache_size", 1024)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.path", "")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age", 30)
	v.SetDefault("log.compress", true)
}

// Load читает конфигурацию. path - явный файл; если пуст, ищется guardstat.yaml
// в текущем каталоге и /etc/guardstat, отсутствие файла не ошибка.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("guardstat")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/guardstat/")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate проверяет значения конфигурации
func (c *Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("analysis.timezone: %w", err)
	}
	if c.Analysis.Workers < 1 {
		return fmt.Errorf("analysis.workers must be >= 1, got %d", c.Analysis.Workers)
	}
	if c.Analysis.GlobalThreshold <= 0 || c.Analysis.GlobalThreshold > 100 {
		return fmt.Errorf("analysis.global_threshold must be in (0, 100], got %v", c.Analysis.GlobalThreshold)
	}
	if c.Analysis.LiveWindowDays < 1 {
		return fmt.Errorf("analysis.live_window_days must be >= 1, got %d", c.Analysis.LiveWindowDays)
	}
	if c.Database.Path == "" {
		return errors.New("database.path must not be empty")
	}
	return nil
}

// Location часовой пояс для отображения времени и сдвига летнего времени
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Analysis.Timezone)
}
