package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/xela07ax/formguard/internal/confidence"
)

// Config - корневая структура конфигурации сервиса.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	GRPC     GRPCConfig     `mapstructure:"grpc"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	RateLimit    float64       `mapstructure:"rate_limit"` // запросов в секунду, 0 - без лимита
	RateBurst    int           `mapstructure:"rate_burst"`
}

// Addr - адрес для ListenAndServe.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type GRPCConfig struct {
	Addr string `mapstructure:"addr"` // Пусто - health-сервер не поднимается
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// DatabaseConfig описывает подключение к PostgreSQL. Пустой URL - хранилище в памяти.
type DatabaseConfig struct {
	URL         string `mapstructure:"url"`
	MaxConns    int32  `mapstructure:"max_conns"`
	MinConns    int32  `mapstructure:"min_conns"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub обновлений правил).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит путь к публичному RSA ключу и требуемый scope админки.
// Токены выпускает внешний сервис аккаунтов, здесь только проверка.
type AuthConfig struct {
	PublicKeyPath string `mapstructure:"public_key_path"`
	AdminScope    string `mapstructure:"admin_scope"`
	PublicKey     []byte
}

// EngineConfig - настройки конвейера валидации.
type EngineConfig struct {
	DeviceID       string            `mapstructure:"device_id"`
	UndoMode       string            `mapstructure:"undo_mode"` // current | snapshot
	HistoryLimit   int               `mapstructure:"history_limit"`
	MaxSuggestions int               `mapstructure:"max_suggestions"`
	SessionTTL     time.Duration     `mapstructure:"session_ttl"`
	Scoring        confidence.Config `mapstructure:",squash"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// 2. ENV перекрывает файл: SERVER_PORT=9000 перекроет server.port
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Дефолты
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет - работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 6. Ключ из ENV (Docker/K8s) или из файла
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")

	// 7. Кривые веса или пороги - отказ на старте, а не тихая деградация
	if err := cfg.Engine.Scoring.Validate(); err != nil {
		return nil, fmt.Errorf("engine scoring: %w", err)
	}
	if cfg.Engine.UndoMode != "current" && cfg.Engine.UndoMode != "snapshot" {
		return nil, fmt.Errorf("engine.undo_mode: unknown mode %q", cfg.Engine.UndoMode)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.rate_limit", 100)
	v.SetDefault("server.rate_burst", 20)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("auth.admin_scope", "rules.write")
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("engine.undo_mode", "current")
	v.SetDefault("engine.history_limit", 100)
	v.SetDefault("engine.max_suggestions", 5)
	v.SetDefault("engine.session_ttl", 30*time.Minute)

	d := confidence.DefaultConfig()
	v.SetDefault("engine.weights.behavior", d.Weights.Behavior)
	v.SetDefault("engine.weights.anomaly", d.Weights.Anomaly)
	v.SetDefault("engine.weights.format", d.Weights.Format)
	v.SetDefault("engine.weights.completeness", d.Weights.Completeness)
	v.SetDefault("engine.thresholds.auto_quarantine", d.Thresholds.AutoQuarantine)
	v.SetDefault("engine.thresholds.requires_review", d.Thresholds.RequiresReview)
	v.SetDefault("engine.thresholds.auto_validate", d.Thresholds.AutoValidate)
}

// loadKeyResource: сначала PEM прямо из ENV, иначе файл по пути из конфига
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
