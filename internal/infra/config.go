package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации релея.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Relay    RelayConfig    `mapstructure:"relay"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig описывает подключение к PostgreSQL.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int    `mapstructure:"max_conns"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub и зеркало presence).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит путь к публичному RSA ключу для проверки токенов консоли.
// Приватный ключ релею не нужен: токены выпускает Console API, мы только проверяем.
type AuthConfig struct {
	PublicKeyPath string `mapstructure:"public_key_path"`
	PublicKey     []byte
}

// RelayConfig содержит специфичные настройки брокера реального времени.
type RelayConfig struct {
	// Сколько ждем первое auth-сообщение, прежде чем рубить полуоткрытое соединение
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`

	// Ожидаемый интервал heartbeat от агента и множитель для liveness-таймаута
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	LivenessFactor    int           `mapstructure:"liveness_factor"`

	// Порог протокольных нарушений до разрыва соединения
	ViolationLimit int `mapstructure:"violation_limit"`

	// Rate limit входящих сообщений на одно соединение
	MessageRate  float64 `mapstructure:"message_rate"`
	MessageBurst int     `mapstructure:"message_burst"`

	// Размер исходящей очереди соединения (медленный потребитель = дроп)
	OutboxSize int `mapstructure:"outbox_size"`

	// Дефолтные параметры стрима экрана при первом watcher
	StreamQuality int `mapstructure:"stream_quality"`
	StreamFPS     int `mapstructure:"stream_fps"`

	// Операционный конфиг, который раздаем агентам в auth_success
	ScreenshotInterval  int `mapstructure:"screenshot_interval"`
	ActivityLogInterval int `mapstructure:"activity_log_interval"`
	KeystrokeBufferSize int `mapstructure:"keystroke_buffer_size"`

	// Буфер и интервал сброса асинхронной записи телеметрии
	TelemetryBufferSize    int           `mapstructure:"telemetry_buffer_size"`
	TelemetryFlushInterval time.Duration `mapstructure:"telemetry_flush_interval"`
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

	// 2. ENV перекрывает файл: RELAY_HANDSHAKE_TIMEOUT=5s перекроет relay.handshake_timeout
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
		// Если файла нет — работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 6. Публичный ключ: либо PEM прямо в ENV (Docker/K8s), либо файл по пути
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("database.max_conns", 25)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")

	v.SetDefault("relay.handshake_timeout", 10*time.Second)
	v.SetDefault("relay.heartbeat_interval", 30*time.Second)
	v.SetDefault("relay.liveness_factor", 3)
	v.SetDefault("relay.violation_limit", 5)
	v.SetDefault("relay.message_rate", 100.0)
	v.SetDefault("relay.message_burst", 200)
	v.SetDefault("relay.outbox_size", 256)
	v.SetDefault("relay.stream_quality", 60)
	v.SetDefault("relay.stream_fps", 10)
	v.SetDefault("relay.screenshot_interval", 300)
	v.SetDefault("relay.activity_log_interval", 60)
	v.SetDefault("relay.keystroke_buffer_size", 100)
	v.SetDefault("relay.telemetry_buffer_size", 10000)
	v.SetDefault("relay.telemetry_flush_interval", 500*time.Millisecond)
}

// loadKeyResource — универсальный хелпер: сперва ENV, потом файл
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
