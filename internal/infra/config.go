package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config — корневая структура конфигурации оркестратора.
type Config struct {
	Console      ConsoleConfig      `mapstructure:"console"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Breaker      BreakerConfig      `mapstructure:"breaker"`
	Bounded      BoundedConfig      `mapstructure:"bounded"`
	Watchdog     WatchdogConfig     `mapstructure:"watchdog"`
	Audit        AuditConfig        `mapstructure:"audit"`
	Logger       LoggerConfig       `mapstructure:"logger"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Agents       AgentsConfig       `mapstructure:"agents"`
}

// ConsoleConfig описывает настройки HTTP-сервера операторской консоли.
type ConsoleConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// Operators: логин -> bcrypt-хеш пароля
	Operators map[string]string `mapstructure:"operators"`
}

// DatabaseConfig описывает хранилище согласований.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite | postgres
	Path     string `mapstructure:"path"`   // файл sqlite
	URL      string `mapstructure:"url"`    // DSN postgres
	MaxConns int    `mapstructure:"max_conns"`
}

// DSN возвращает строку подключения для выбранного драйвера
func (d DatabaseConfig) DSN() string {
	if d.Driver == "postgres" {
		return d.URL
	}
	return d.Path
}

// RedisConfig описывает подключение к Redis (шина сигналов). Пустой Addr — Redis не используется.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит пути к RSA ключам и настройки JWT.
type AuthConfig struct {
	PublicKeyPath  string        `mapstructure:"public_key_path"`
	PrivateKeyPath string        `mapstructure:"private_key_path"`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	BcryptCost     int           `mapstructure:"bcrypt_cost"`
	PublicKey      []byte
	PrivateKey     []byte
}

// OrchestratorConfig — настройки ядра.
type OrchestratorConfig struct {
	TaskTableSize int `mapstructure:"task_table_size"`
	HistorySize   int `mapstructure:"history_size"`
	// 0 отключает таймаут вызова агента
	AgentCallTimeout time.Duration `mapstructure:"agent_call_timeout"`
}

// BreakerConfig — параметры per-agent Circuit Breaker.
type BreakerConfig struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

// BoundedConfig — политика ограниченной автономии. Перечитывается на лету.
type BoundedConfig struct {
	LocalOnly          bool          `mapstructure:"local_only"`
	AutoApproveLowRisk bool          `mapstructure:"auto_approve_low_risk"`
	ApprovalTimeout    time.Duration `mapstructure:"approval_timeout"`
	ReconcileInterval  time.Duration `mapstructure:"reconcile_interval"`
	CleanupInterval    time.Duration `mapstructure:"cleanup_interval"`
	// Пустые списки — встроенные ключевые слова
	CriticalKeywords []string `mapstructure:"critical_keywords"`
	HighKeywords     []string `mapstructure:"high_keywords"`
	MediumKeywords   []string `mapstructure:"medium_keywords"`
	NetworkKeywords  []string `mapstructure:"network_keywords"`
}

// WatchdogConfig — параметры супервизора здоровья агентов.
type WatchdogConfig struct {
	CheckInterval      time.Duration `mapstructure:"check_interval"`
	ErrorThreshold     int           `mapstructure:"error_threshold"`
	MaxRestartAttempts int           `mapstructure:"max_restart_attempts"`
	NotificationsFile  string        `mapstructure:"notifications_file"`
	IncidentBuffer     int           `mapstructure:"incident_buffer"`
}

// AuditConfig — async writer и дневной JSONL-лог.
type AuditConfig struct {
	Dir           string        `mapstructure:"dir"`
	BufferSize    int           `mapstructure:"buffer_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	// MirrorDB дублирует события в таблицу audit_events хранилища
	MirrorDB      bool          `mapstructure:"mirror_db"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"` // пусто — /metrics не поднимается
}

// AgentsConfig — удаленные агенты, подключаемые по gRPC при старте.
type AgentsConfig struct {
	Remote []RemoteAgentConfig `mapstructure:"remote"`
	// Demo регистрирует локальные mock-агенты (analyst, reporter)
	Demo bool `mapstructure:"demo"`
}

type RemoteAgentConfig struct {
	Name          string        `mapstructure:"name"`
	Version       string        `mapstructure:"version"`
	Target        string        `mapstructure:"target"`
	Capabilities  []string      `mapstructure:"capabilities"`
	Dependencies  []string      `mapstructure:"dependencies"`
	Priority      string        `mapstructure:"priority"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	RateLimit     int           `mapstructure:"rate_limit"`
	CallTimeout   time.Duration `mapstructure:"call_timeout"`
	// Functions — именованные функции агента, доступные через Bounded Wrapper
	Functions []string `mapstructure:"functions"`
	// Token — общий секрет, передается в метаданных x-agent-token
	Token string `mapstructure:"token"`
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	cfg, _, err := loadConfig("")
	return cfg, err
}

// LoadConfigFrom читает конкретный файл (флаг --config у бинарей).
func LoadConfigFrom(path string) (*Config, error) {
	cfg, _, err := loadConfig(path)
	return cfg, err
}

// WatchBounded перечитывает конфиг при изменении файла и отдает новую секцию bounded.
// Возвращает стартовый конфиг. Если файла нет — наблюдать нечего, onChange не вызывается.
func WatchBounded(path string, onChange func(BoundedConfig, fsnotify.Event)) (*Config, error) {
	cfg, v, err := loadConfig(path)
	if err != nil {
		return nil, err
	}
	if v.ConfigFileUsed() == "" {
		return cfg, nil
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		var next Config
		if err := v.Unmarshal(&next); err != nil {
			return
		}
		onChange(next.Bounded, e)
	})
	v.WatchConfig()
	return cfg, nil
}

func loadConfig(path string) (*Config, *viper.Viper, error) {
	v := viper.New()

	// 1. Настройка поиска файла
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	// 2. ENV: ORCHESTRATOR_TASK_TABLE_SIZE=50 перекроет orchestrator.task_table_size
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Установка дефолтных значений
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет — работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 6. Загрузка ключей из Файла ИЛИ из ENV
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	cfg.Auth.PrivateKey = loadKeyResource(cfg.Auth.PrivateKeyPath, "AUTH_PRIVATE_KEY_DATA")

	return &cfg, v, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("console.port", 8081)
	v.SetDefault("console.read_timeout", 5*time.Second)
	v.SetDefault("console.write_timeout", 10*time.Second)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "bounded_autonomy.db")
	v.SetDefault("database.max_conns", 10)

	v.SetDefault("auth.token_ttl", 8*time.Hour)
	v.SetDefault("auth.bcrypt_cost", 12)

	v.SetDefault("orchestrator.task_table_size", 1000)
	v.SetDefault("orchestrator.history_size", 1000)
	v.SetDefault("orchestrator.agent_call_timeout", 5*time.Minute)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.timeout", 60*time.Second)

	v.SetDefault("bounded.local_only", true)
	v.SetDefault("bounded.auto_approve_low_risk", true)
	v.SetDefault("bounded.approval_timeout", 24*time.Hour)
	v.SetDefault("bounded.reconcile_interval", 30*time.Second)
	v.SetDefault("bounded.cleanup_interval", 5*time.Minute)

	v.SetDefault("watchdog.check_interval", 30*time.Second)
	v.SetDefault("watchdog.error_threshold", 5)
	v.SetDefault("watchdog.max_restart_attempts", 3)
	v.SetDefault("watchdog.notifications_file", "notifications.json")
	v.SetDefault("watchdog.incident_buffer", 500)

	v.SetDefault("audit.dir", "audit_logs")
	v.SetDefault("audit.buffer_size", 1000)
	v.SetDefault("audit.flush_interval", 500*time.Millisecond)
	v.SetDefault("audit.mirror_db", false)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

// loadKeyResource — PEM из ENV имеет приоритет над файлом
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
