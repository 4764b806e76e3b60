package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/PetoAdam/homenavi/office-monitor/internal/model"

	"github.com/spf13/viper"
)

type Config struct {
	Port      string
	LogLevel  string
	LogFormat string

	DB DBConfig

	Monitor   MonitorConfig
	SNMP      SNMPConfig
	Threshold ThresholdConfig
	Roster    RosterConfig
	Notify    NotifyConfig

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	MQTTBrokerURL   string
	MQTTClientID    string
	MQTTTopicPrefix string

	OTLPEndpoint string

	// Devices is the fixed roster read from the YAML config file.
	Devices []DeviceSeed
}

type DBConfig struct {
	Driver     string
	SQLitePath string
	User       string
	Password   string
	DBName     string
	Host       string
	Port       string
	SSLMode    string
}

type MonitorConfig struct {
	SweepInterval   time.Duration
	DefaultInterval time.Duration
	PingTimeout     time.Duration
	PingPrivileged  bool
	RetryDelay      time.Duration
	Parallelism     int
}

type SNMPConfig struct {
	Interval  time.Duration
	Community string
	Port      uint16
	Timeout   time.Duration
	Retries   int
}

type ThresholdConfig struct {
	Interval     time.Duration
	AlertPercent int
	ClearPercent int
}

type RosterConfig struct {
	Interval     time.Duration
	CacheTTL     time.Duration
	PageSize     int
	DefaultFloor string
	AuthURL      string
	APIURL       string
	ClientID     string
	ClientSecret string
}

type NotifyConfig struct {
	SlackWebhookURL string
	SlackChannel    string
	Timeout         time.Duration
}

type DeviceSeed struct {
	Name      string `mapstructure:"name"`
	Type      string `mapstructure:"type"`
	Hostname  string `mapstructure:"hostname"`
	URL       string `mapstructure:"url"`
	Floor     string `mapstructure:"floor"`
	Category  string `mapstructure:"category"`
	Interval  int    `mapstructure:"interval"`
	Active    *bool  `mapstructure:"active"`
	IgnoreTLS bool   `mapstructure:"ignore_tls"`
}

// Device converts the seed into a roster row. Devices are active unless the
// file says otherwise, and the probe type defaults to ping.
func (s DeviceSeed) Device() model.Device {
	typ := model.ProbeType(strings.ToLower(strings.TrimSpace(s.Type)))
	if typ != model.ProbeHTTP {
		typ = model.ProbePing
	}
	active := true
	if s.Active != nil {
		active = *s.Active
	}
	return model.Device{
		Name:      strings.TrimSpace(s.Name),
		Type:      typ,
		Hostname:  strings.TrimSpace(s.Hostname),
		URL:       strings.TrimSpace(s.URL),
		Floor:     s.Floor,
		Category:  s.Category,
		Active:    active,
		Interval:  s.Interval,
		IgnoreTLS: s.IgnoreTLS,
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("HTTP_PORT", "3002")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("DB_DRIVER", "sqlite")
	v.SetDefault("SQLITE_PATH", "monitor.db")
	v.SetDefault("POSTGRES_HOST", "localhost")
	v.SetDefault("POSTGRES_PORT", "5432")
	v.SetDefault("POSTGRES_SSLMODE", "disable")

	v.SetDefault("SWEEP_INTERVAL", "10s")
	v.SetDefault("CHECK_INTERVAL", "30s")
	v.SetDefault("PING_TIMEOUT", "5s")
	v.SetDefault("PING_PRIVILEGED", false)
	v.SetDefault("RETRY_DELAY", "15s")
	v.SetDefault("PROBE_PARALLELISM", 8)

	v.SetDefault("SNMP_INTERVAL", "5m")
	v.SetDefault("SNMP_COMMUNITY", "public")
	v.SetDefault("SNMP_PORT", 161)
	v.SetDefault("SNMP_TIMEOUT", "5s")
	v.SetDefault("SNMP_RETRIES", 1)

	v.SetDefault("THRESHOLD_INTERVAL", "5m")
	v.SetDefault("TONER_ALERT_PERCENT", 20)
	v.SetDefault("TONER_CLEAR_PERCENT", 25)

	v.SetDefault("ROSTER_INTERVAL", "5m")
	v.SetDefault("ROSTER_CACHE_TTL", "60s")
	v.SetDefault("ROSTER_PAGE_SIZE", 100)
	v.SetDefault("ROSTER_DEFAULT_FLOOR", "Floor 1")
	v.SetDefault("POLY_LENS_AUTH_URL", "https://login.lens.poly.com/oauth/token")
	v.SetDefault("POLY_LENS_API_URL", "https://api.silica-prod01.io.lens.poly.com/graphql")

	v.SetDefault("NOTIFY_TIMEOUT", "10s")

	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("MQTT_CLIENT_ID", "office-monitor")
	v.SetDefault("MQTT_TOPIC_PREFIX", "office-monitor")
}

// Load reads defaults, then the optional YAML file named by CONFIG_FILE,
// then the environment. Environment values win.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path := strings.TrimSpace(v.GetString("CONFIG_FILE")); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{
		Port:      v.GetString("HTTP_PORT"),
		LogLevel:  v.GetString("LOG_LEVEL"),
		LogFormat: v.GetString("LOG_FORMAT"),
		DB: DBConfig{
			Driver:     strings.ToLower(strings.TrimSpace(v.GetString("DB_DRIVER"))),
			SQLitePath: v.GetString("SQLITE_PATH"),
			User:       strings.TrimSpace(v.GetString("POSTGRES_USER")),
			Password:   v.GetString("POSTGRES_PASSWORD"),
			DBName:     strings.TrimSpace(v.GetString("POSTGRES_DB")),
			Host:       strings.TrimSpace(v.GetString("POSTGRES_HOST")),
			Port:       strings.TrimSpace(v.GetString("POSTGRES_PORT")),
			SSLMode:    v.GetString("POSTGRES_SSLMODE"),
		},
		Monitor: MonitorConfig{
			SweepInterval:   v.GetDuration("SWEEP_INTERVAL"),
			DefaultInterval: v.GetDuration("CHECK_INTERVAL"),
			PingTimeout:     v.GetDuration("PING_TIMEOUT"),
			PingPrivileged:  v.GetBool("PING_PRIVILEGED"),
			RetryDelay:      v.GetDuration("RETRY_DELAY"),
			Parallelism:     v.GetInt("PROBE_PARALLELISM"),
		},
		SNMP: SNMPConfig{
			Interval:  v.GetDuration("SNMP_INTERVAL"),
			Community: v.GetString("SNMP_COMMUNITY"),
			Port:      uint16(v.GetUint("SNMP_PORT")),
			Timeout:   v.GetDuration("SNMP_TIMEOUT"),
			Retries:   v.GetInt("SNMP_RETRIES"),
		},
		Threshold: ThresholdConfig{
			Interval:     v.GetDuration("THRESHOLD_INTERVAL"),
			AlertPercent: v.GetInt("TONER_ALERT_PERCENT"),
			ClearPercent: v.GetInt("TONER_CLEAR_PERCENT"),
		},
		Roster: RosterConfig{
			Interval:     v.GetDuration("ROSTER_INTERVAL"),
			CacheTTL:     v.GetDuration("ROSTER_CACHE_TTL"),
			PageSize:     v.GetInt("ROSTER_PAGE_SIZE"),
			DefaultFloor: v.GetString("ROSTER_DEFAULT_FLOOR"),
			AuthURL:      v.GetString("POLY_LENS_AUTH_URL"),
			APIURL:       v.GetString("POLY_LENS_API_URL"),
			ClientID:     strings.TrimSpace(v.GetString("POLY_LENS_CLIENT_ID")),
			ClientSecret: v.GetString("POLY_LENS_CLIENT_SECRET"),
		},
		Notify: NotifyConfig{
			SlackWebhookURL: strings.TrimSpace(v.GetString("SLACK_WEBHOOK_URL")),
			SlackChannel:    strings.TrimSpace(v.GetString("SLACK_CHANNEL")),
			Timeout:         v.GetDuration("NOTIFY_TIMEOUT"),
		},
		RedisAddr:       strings.TrimSpace(v.GetString("REDIS_ADDR")),
		RedisPassword:   v.GetString("REDIS_PASSWORD"),
		RedisDB:         v.GetInt("REDIS_DB"),
		MQTTBrokerURL:   strings.TrimSpace(v.GetString("MQTT_BROKER_URL")),
		MQTTClientID:    v.GetString("MQTT_CLIENT_ID"),
		MQTTTopicPrefix: v.GetString("MQTT_TOPIC_PREFIX"),
		OTLPEndpoint:    strings.TrimSpace(v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT")),
	}

	if err := v.UnmarshalKey("devices", &cfg.Devices); err != nil {
		return nil, fmt.Errorf("failed to unmarshal devices: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.DB.Driver {
	case "sqlite":
		if strings.TrimSpace(c.DB.SQLitePath) == "" {
			return fmt.Errorf("missing required env: SQLITE_PATH")
		}
	case "postgres":
		if c.DB.User == "" {
			return fmt.Errorf("missing required env: POSTGRES_USER")
		}
		if c.DB.DBName == "" {
			return fmt.Errorf("missing required env: POSTGRES_DB")
		}
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DB.Driver)
	}
	if c.Monitor.Parallelism <= 0 {
		c.Monitor.Parallelism = 1
	}
	if c.Threshold.ClearPercent < c.Threshold.AlertPercent {
		return fmt.Errorf("TONER_CLEAR_PERCENT (%d) must not be below TONER_ALERT_PERCENT (%d)", c.Threshold.ClearPercent, c.Threshold.AlertPercent)
	}
	return nil
}
