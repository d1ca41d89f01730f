// Package config loads harborwatch configuration from an optional YAML file
// and HW_-prefixed environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	API           APIConfig           `mapstructure:"api"`
	Database      DatabaseConfig      `mapstructure:"database"`
	MetricsDB     DatabaseConfig      `mapstructure:"metrics_db"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Inventory     InventoryConfig     `mapstructure:"inventory"`
	Monitoring    MonitoringConfig    `mapstructure:"monitoring"`
	Anomaly       AnomalyConfig       `mapstructure:"anomaly"`
	Predictive    PredictiveConfig    `mapstructure:"predictive"`
	AI            AIConfig            `mapstructure:"ai"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
}

// APIConfig configures the HTTP server
type APIConfig struct {
	ListenAddress string        `mapstructure:"listen_address"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	AdminToken    string        `mapstructure:"admin_token"`
	EnableCORS    bool          `mapstructure:"enable_cors"`
}

// DatabaseConfig configures a Postgres connection
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig configures the optional L2 cache
type RedisConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	Database     int           `mapstructure:"database"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
}

// InventoryConfig configures the upstream inventory API client
type InventoryConfig struct {
	BaseURL                 string        `mapstructure:"base_url"`
	APIKey                  string        `mapstructure:"api_key"`
	RequestTimeout          time.Duration `mapstructure:"request_timeout"`
	CircuitFailureThreshold int           `mapstructure:"circuit_failure_threshold"`
	CircuitCooldown         time.Duration `mapstructure:"circuit_cooldown"`
	DegradedLatency         time.Duration `mapstructure:"degraded_latency"`
}

// MonitoringConfig configures the cycle scheduler and orchestrator
type MonitoringConfig struct {
	CycleInterval       time.Duration `mapstructure:"cycle_interval"`
	CycleDeadline       time.Duration `mapstructure:"cycle_deadline"`
	MaxInsightsPerCycle int           `mapstructure:"max_insights_per_cycle"`
	EndpointsCacheTTL   int           `mapstructure:"endpoints_cache_ttl_seconds"`
	ContainersCacheTTL  int           `mapstructure:"containers_cache_ttl_seconds"`
}

// AnomalyConfig carries the statistical detection knobs
type AnomalyConfig struct {
	Method               string  `mapstructure:"detection_method"` // zscore | bollinger | adaptive
	ZScoreThreshold      float64 `mapstructure:"zscore_threshold"`
	MovingAverageWindow  int     `mapstructure:"moving_average_window"`
	MinSamples           int     `mapstructure:"min_samples"`
	CooldownMinutes      int     `mapstructure:"cooldown_minutes"` // 0 disables suppression
	HardThresholdEnabled bool    `mapstructure:"hard_threshold_enabled"`
	ThresholdPct         float64 `mapstructure:"threshold_pct"`
	IsolationForest      bool    `mapstructure:"isolation_forest_enabled"`
}

// PredictiveConfig controls predictive alerting
type PredictiveConfig struct {
	Enabled             bool    `mapstructure:"enabled"`
	AlertThresholdHours float64 `mapstructure:"alert_threshold_hours"`
	CapacityThreshold   float64 `mapstructure:"capacity_threshold_pct"`
}

// AIConfig configures the local language-model integration
type AIConfig struct {
	Enabled                   bool          `mapstructure:"analysis_enabled"`
	BaseURL                   string        `mapstructure:"base_url"`
	Model                     string        `mapstructure:"model"`
	RequestTimeout            time.Duration `mapstructure:"request_timeout"`
	ExplanationEnabled        bool          `mapstructure:"anomaly_explanation_enabled"`
	ExplanationMaxPerCycle    int           `mapstructure:"anomaly_explanation_max_per_cycle"`
	LogAnalysisEnabled        bool          `mapstructure:"nlp_log_analysis_enabled"`
	LogAnalysisMaxPerCycle    int           `mapstructure:"nlp_log_analysis_max_per_cycle"`
	LogAnalysisTailLines      int           `mapstructure:"nlp_log_analysis_tail_lines"`
}

// ChannelConfig is the static enablement and credentials of one channel.
// DB settings may override Enabled but never the SMTP host.
type ChannelConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	WebhookURL string `mapstructure:"webhook_url"`
}

// SMTPConfig configures the email channel
type SMTPConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Host     string   `mapstructure:"host"`
	Port     int      `mapstructure:"port"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	From     string   `mapstructure:"from"`
	To       []string `mapstructure:"to"`
}

// TelegramConfig configures the telegram channel
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

// NotificationsConfig is the multi-channel dispatcher configuration
type NotificationsConfig struct {
	Teams    ChannelConfig  `mapstructure:"teams"`
	Discord  ChannelConfig  `mapstructure:"discord"`
	Email    SMTPConfig     `mapstructure:"email"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	configFile := os.Getenv("HW_CONFIG_FILE")
	if configFile == "" {
		configFile = "configs/config.yaml"
	}
	v.SetConfigFile(configFile)

	v.SetEnvPrefix("HW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Config file is not required if environment variables are set
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if _, statErr := os.Stat(configFile); statErr == nil {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("api.listen_address", ":8080")
	v.SetDefault("api.read_timeout", 30*time.Second)
	v.SetDefault("api.write_timeout", 30*time.Second)
	v.SetDefault("api.idle_timeout", 90*time.Second)
	v.SetDefault("api.enable_cors", true)

	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("metrics_db.max_open_conns", 25)
	v.SetDefault("metrics_db.max_idle_conns", 5)
	v.SetDefault("metrics_db.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("inventory.request_timeout", 30*time.Second)
	v.SetDefault("inventory.circuit_failure_threshold", 5)
	v.SetDefault("inventory.circuit_cooldown", 60*time.Second)
	v.SetDefault("inventory.degraded_latency", 5*time.Second)

	v.SetDefault("monitoring.cycle_interval", 60*time.Second)
	v.SetDefault("monitoring.cycle_deadline", 5*time.Minute)
	v.SetDefault("monitoring.max_insights_per_cycle", 50)
	v.SetDefault("monitoring.endpoints_cache_ttl_seconds", 30)
	v.SetDefault("monitoring.containers_cache_ttl_seconds", 30)

	v.SetDefault("anomaly.detection_method", "zscore")
	v.SetDefault("anomaly.zscore_threshold", 3.0)
	v.SetDefault("anomaly.moving_average_window", 20)
	v.SetDefault("anomaly.min_samples", 10)
	v.SetDefault("anomaly.cooldown_minutes", 15)
	v.SetDefault("anomaly.hard_threshold_enabled", false)
	v.SetDefault("anomaly.threshold_pct", 90.0)
	v.SetDefault("anomaly.isolation_forest_enabled", false)

	v.SetDefault("predictive.enabled", false)
	v.SetDefault("predictive.alert_threshold_hours", 24.0)
	v.SetDefault("predictive.capacity_threshold_pct", 90.0)

	v.SetDefault("ai.analysis_enabled", false)
	v.SetDefault("ai.base_url", "http://localhost:11434")
	v.SetDefault("ai.model", "llama3")
	v.SetDefault("ai.request_timeout", 60*time.Second)
	v.SetDefault("ai.anomaly_explanation_enabled", false)
	v.SetDefault("ai.anomaly_explanation_max_per_cycle", 3)
	v.SetDefault("ai.nlp_log_analysis_enabled", false)
	v.SetDefault("ai.nlp_log_analysis_max_per_cycle", 3)
	v.SetDefault("ai.nlp_log_analysis_tail_lines", 100)

	v.SetDefault("notifications.email.port", 587)
}
