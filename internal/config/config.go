// Package config предоставляет структуры и функции для парсинга и загрузки конфига
package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config общая структура для хранения настроек
type Config struct {
	Env                     string        `yaml:"env" env:"APP_ENV" env-default:"local"`
	StorageConnectionString string        `yaml:"storage_connection_string" env:"STORAGE_CONNECTION_STRING"`
	MigrationsPath          string        `yaml:"migrations_path" env:"MIGRATIONS_PATH" env-default:"./migrations"`
	PaymentDedupeTTL        time.Duration `yaml:"payment_dedupe_ttl" env-default:"168h"`
	EntitlementCacheTTL     time.Duration `yaml:"entitlement_cache_ttl" env-default:"10m"`
	JobStore                JobStore      `yaml:"job_store"`
	Scheduler               Scheduler     `yaml:"scheduler"`
	RabbitMQ                RabbitMQ      `yaml:"rabbitmq"`
	Telegram                Telegram      `yaml:"telegram"`
	RedisConnection         `yaml:"redis_connection"`
	HTTPServer              `yaml:"http_server"`
}

// Драйверы хранилища отложенных задач.
const (
	JobStorePostgres = "postgres"
	JobStoreSQLite   = "sqlite"
)

// JobStore структура для выбора хранилища отложенных задач
type JobStore struct {
	Driver     string `yaml:"driver" env:"JOB_STORE_DRIVER" env-default:"postgres"`
	SQLitePath string `yaml:"sqlite_path" env:"JOB_STORE_SQLITE_PATH" env-default:"./data/jobs.db"`
}

// Scheduler структура для настройки планировщика
type Scheduler struct {
	PollInterval time.Duration `yaml:"poll_interval" env-default:"30s"`
	MisfireGrace time.Duration `yaml:"misfire_grace" env-default:"24h"`
	BatchSize    int           `yaml:"batch_size" env-default:"100"`
	JobTimeout   time.Duration `yaml:"job_timeout" env-default:"1m"`
}

// RabbitMQ структура для настройки подключения к брокеру
type RabbitMQ struct {
	URL           string        `yaml:"url" env:"RABBITMQ_URL"`
	MaxRetries    int           `yaml:"max_retries" env-default:"10"`
	RetryDelay    time.Duration `yaml:"retry_delay" env-default:"3s"`
	PaymentsQueue string        `yaml:"payments_queue" env-default:"payments.succeeded"`
	Prefetch      int           `yaml:"prefetch" env-default:"10"`
}

// Telegram структура для настройки клиента Bot API
type Telegram struct {
	APIURL         string        `yaml:"api_url" env-default:"https://api.telegram.org"`
	BotToken       string        `yaml:"bot_token" env:"TELEGRAM_BOT_TOKEN"`
	ChatID         int64         `yaml:"chat_id" env:"TELEGRAM_CHAT_ID"`
	RequestTimeout time.Duration `yaml:"request_timeout" env-default:"10s"`
	RatePerSecond  float64       `yaml:"rate_per_second" env-default:"20"`
	Burst          int           `yaml:"burst" env-default:"5"`
}

// HTTPServer структура для настройки сервера
type HTTPServer struct {
	AddressHTTP string        `yaml:"addresshttp" env-default:":8080"`
	TimeoutHTTP time.Duration `yaml:"timeouthttp" env-default:"10s"`
	IdleTimeout time.Duration `yaml:"idle_timeout" env-default:"60s"`
	RateLimit   float64       `yaml:"rate_limit" env-default:"5"`
	RateBurst   int           `yaml:"rate_burst" env-default:"10"`
}

// RedisConnection структура для настройки подключения к redis
type RedisConnection struct {
	AddressRedis string        `yaml:"addressredis" env-default:"localhost:6379"`
	Password     string        `yaml:"password" env:"REDIS_PASSWORD"`
	User         string        `yaml:"user"`
	DB           int           `yaml:"db"`
	MaxRetries   int           `yaml:"max_retries" env-default:"3"`
	DialTimeout  time.Duration `yaml:"dial_timeout" env-default:"5s"`
	TimeoutRedis time.Duration `yaml:"timeoutredis" env-default:"3s"`
}

// Load читает конфиг из файла path и переменных окружения.
func Load(path string) (*Config, error) {
	const op = "config.Load"
	if path == "" {
		return nil, fmt.Errorf("%s: config path is empty", op)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("%s: file %s does not exist", op, path)
	}
	var cfg Config
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &cfg, nil
}

// MustLoad функция для загрузки конфига по пути из CONFIG_PATH, завершает процесс при ошибке
func MustLoad() *Config {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		log.Fatal("CONFIG_PATH is not set")
	}
	cfg, err := Load(configPath)
	if err != nil {
		log.Fatalf("cannot read config: %s", err)
	}
	return cfg
}

// Validate проверяет согласованность настроек.
func (c *Config) Validate() error {
	switch c.JobStore.Driver {
	case JobStorePostgres, JobStoreSQLite:
	default:
		return fmt.Errorf("unknown job store driver %q", c.JobStore.Driver)
	}
	if c.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("scheduler poll_interval must be positive")
	}
	if c.Scheduler.BatchSize <= 0 {
		return fmt.Errorf("scheduler batch_size must be positive")
	}
	if c.Scheduler.MisfireGrace < 0 {
		return fmt.Errorf("scheduler misfire_grace must not be negative")
	}
	return nil
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return "****"
	}
	return secret[:4] + strings.Repeat("*", 8)
}

func (c *Config) String() string {
	return fmt.Sprintf(
		"Env: %s\n"+
			"StorageConnectionString: %s\n"+
			"MigrationsPath: %s\n"+
			"JobStore:\n"+
			"  Driver: %s\n"+
			"  SQLitePath: %s\n"+
			"Scheduler:\n"+
			"  PollInterval: %s\n"+
			"  MisfireGrace: %s\n"+
			"  BatchSize: %d\n"+
			"RabbitMQ:\n"+
			"  URL: %s\n"+
			"  PaymentsQueue: %s\n"+
			"Telegram:\n"+
			"  APIURL: %s\n"+
			"  BotToken: %s\n"+
			"  ChatID: %d\n"+
			"RedisConnection:\n"+
			"  Addr: %s\n"+
			"  DB: %d\n"+
			"HTTPServer:\n"+
			"  Address: %s\n"+
			"  Timeout: %s\n",
		c.Env,
		c.StorageConnectionString,
		c.MigrationsPath,
		c.JobStore.Driver,
		c.JobStore.SQLitePath,
		c.Scheduler.PollInterval,
		c.Scheduler.MisfireGrace,
		c.Scheduler.BatchSize,
		c.RabbitMQ.URL,
		c.RabbitMQ.PaymentsQueue,
		c.Telegram.APIURL,
		mask(c.Telegram.BotToken),
		c.Telegram.ChatID,
		c.AddressRedis,
		c.DB,
		c.AddressHTTP,
		c.TimeoutHTTP,
	)
}
