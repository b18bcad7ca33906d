package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/untibullet/pr-router/internal/models"
)

type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	Server     ServerConfig     `mapstructure:"server"`
	Logger     LoggerConfig     `mapstructure:"logger"`
	Routing    RoutingConfig    `mapstructure:"routing"`
	Escalation EscalationConfig `mapstructure:"escalation"`
	Notify     NotifyConfig     `mapstructure:"notify"`
}

type DatabaseConfig struct {
	// Driver postgres или sqlite
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
	// Path файл базы SQLite, ":memory:" для базы в памяти
	Path     string `mapstructure:"path"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           string        `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type LoggerConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type RoutingConfig struct {
	// StoreTimeout ограничивает маршрутизацию одного события
	StoreTimeout time.Duration `mapstructure:"store_timeout"`
}

type EscalationConfig struct {
	ReminderThreshold   time.Duration `mapstructure:"reminder_threshold"`
	EscalationThreshold time.Duration `mapstructure:"escalation_threshold"`
	// SweepInterval период планировщика, 0 отключает встроенный планировщик
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

type NotifyConfig struct {
	// Channels список каналов: log, email, slack
	Channels []string      `mapstructure:"channels"`
	Attempts uint          `mapstructure:"attempts"`
	Delay    time.Duration `mapstructure:"delay"`
	Timeout  time.Duration `mapstructure:"timeout"`
	SMTP     SMTPConfig    `mapstructure:"smtp"`
	Slack    SlackConfig   `mapstructure:"slack"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

type SlackConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
}

// Load загружает конфигурацию из config.yaml и переопределяет значения из переменных окружения.
// Файл необязателен: без него используются значения по умолчанию и окружение.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	bindEnvVariables(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.path", "pr-router.db")
	v.SetDefault("database.max_conns", 25)
	v.SetDefault("database.min_conns", 5)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.request_timeout", "10s")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")

	v.SetDefault("routing.store_timeout", "5s")

	v.SetDefault("escalation.reminder_threshold", "24h")
	v.SetDefault("escalation.escalation_threshold", "48h")
	v.SetDefault("escalation.sweep_interval", "5m")
	v.SetDefault("escalation.operation_timeout", "30s")

	v.SetDefault("notify.channels", []string{"log"})
	v.SetDefault("notify.attempts", 3)
	v.SetDefault("notify.delay", "500ms")
	v.SetDefault("notify.timeout", "20s")
	v.SetDefault("notify.smtp.port", 587)
}

// bindEnvVariables явно связывает переменные окружения с ключами конфига
func bindEnvVariables(v *viper.Viper) {
	// Database
	v.BindEnv("database.driver", "DB_DRIVER")
	v.BindEnv("database.host", "DB_HOST")
	v.BindEnv("database.port", "DB_PORT")
	v.BindEnv("database.user", "DB_USER")
	v.BindEnv("database.password", "DB_PASSWORD")
	v.BindEnv("database.name", "DB_NAME")
	v.BindEnv("database.sslmode", "DB_SSLMODE")
	v.BindEnv("database.path", "DB_PATH")

	// Server
	v.BindEnv("server.host", "SERVER_HOST")
	v.BindEnv("server.port", "SERVER_PORT")

	// Logger
	v.BindEnv("logger.level", "LOG_LEVEL")
	v.BindEnv("logger.format", "LOG_FORMAT")

	// Escalation
	v.BindEnv("escalation.sweep_interval", "SWEEP_INTERVAL")

	// Notify
	v.BindEnv("notify.smtp.host", "SMTP_HOST")
	v.BindEnv("notify.smtp.port", "SMTP_PORT")
	v.BindEnv("notify.smtp.username", "SMTP_USERNAME")
	v.BindEnv("notify.smtp.password", "SMTP_PASSWORD")
	v.BindEnv("notify.smtp.from", "SMTP_FROM")
	v.BindEnv("notify.slack.webhook_url", "SLACK_WEBHOOK_URL")
}

// Validate проверяет согласованность значений
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	th := models.EscalationThresholds{
		Reminder:   c.Escalation.ReminderThreshold,
		Escalation: c.Escalation.EscalationThreshold,
	}
	if !th.Validate() {
		return fmt.Errorf("reminder threshold must be at least %[1]s and precede escalation threshold by at least %[1]s",
			models.MinEscalationInterval)
	}
	for _, ch := range c.Notify.Channels {
		switch ch {
		case "log", "email", "slack":
		default:
			return fmt.Errorf("unknown notification channel %q", ch)
		}
	}
	return nil
}

// GetDSN возвращает строку подключения к PostgreSQL
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress возвращает адрес сервера в формате host:port
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}
