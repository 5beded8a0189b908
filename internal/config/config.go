// Package config loads the controller configuration from YAML with environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/LeonardoBeccarini/awd_irrigation/internal/model/entities"
)

// Config is the top-level configuration of the irrigation controller.
type Config struct {
	InstanceID string `yaml:"instance_id"`
	HTTPAddr   string `yaml:"http_addr"`
	Debug      bool   `yaml:"debug"`

	Database   DatabaseConfig   `yaml:"database"`
	Influx     InfluxConfig     `yaml:"influx"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Sensors    SensorsConfig    `yaml:"sensors"`
	Gates      GatesConfig      `yaml:"gates"`
	Controller ControllerConfig `yaml:"controller"`
	Alerts     AlertsConfig     `yaml:"alerts"`

	Fields []entities.Field `yaml:"fields"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // postgres | sqlite
	DSN    string `yaml:"dsn"`
}

// InfluxConfig is optional: an empty URL disables the sample mirror and the influx fallback.
type InfluxConfig struct {
	URL             string `yaml:"url"`
	Token           string `yaml:"token"`
	Org             string `yaml:"org"`
	Bucket          string `yaml:"bucket"`
	Measurement     string `yaml:"measurement"`
	BatchSize       int    `yaml:"batch_size"`
	FlushIntervalMs int    `yaml:"flush_interval_ms"`
}

func (c InfluxConfig) Enabled() bool { return strings.TrimSpace(c.URL) != "" }

type MQTTConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	ClientID string `yaml:"client_id"`
}

type SensorsConfig struct {
	HTTPBaseURL string        `yaml:"http_base_url"`
	HTTPTimeout time.Duration `yaml:"http_timeout"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`

	MQTTTopic  string        `yaml:"mqtt_topic"`
	MQTTMaxAge time.Duration `yaml:"mqtt_max_age"`

	InfluxFallback bool          `yaml:"influx_fallback"`
	InfluxWindow   time.Duration `yaml:"influx_window"`

	// BackupOnFailure lets a monitoring tick retry a failed read once on the fallback sources.
	BackupOnFailure bool `yaml:"backup_on_failure"`

	Breaker BreakerConfig `yaml:"breaker"`
}

type BreakerConfig struct {
	Fails      int `yaml:"fails"`
	OpenMs     int `yaml:"open_ms"`
	IntervalMs int `yaml:"interval_ms"`
}

type GatesConfig struct {
	// GRPCAddrMap is "field1=host1:50051,field2=host2:50051".
	GRPCAddrMap string        `yaml:"grpc_addr_map"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

type ControllerConfig struct {
	ClaimTTL          time.Duration `yaml:"claim_ttl"`
	SensorTimeout     time.Duration `yaml:"sensor_timeout"`
	GateTimeout       time.Duration `yaml:"gate_timeout"`
	CloseRetryWindow  time.Duration `yaml:"close_retry_window"`
	ReconcileSchedule string        `yaml:"reconcile_schedule"`
}

type AlertsConfig struct {
	AnomalyTopic string `yaml:"anomaly_topic"`
	SessionTopic string `yaml:"session_topic"`
	QueueSize    int    `yaml:"queue_size"`
}

// Load reads a YAML config file from path and returns a validated Config.
// An empty path yields defaults plus environment overrides.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return Parse(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv lets the deployment override connection settings.
func (c *Config) applyEnv() {
	c.InstanceID = env("INSTANCE_ID", c.InstanceID)
	c.HTTPAddr = env("HTTP_ADDR", c.HTTPAddr)

	c.Database.Driver = env("DATABASE_DRIVER", c.Database.Driver)
	c.Database.DSN = env("DATABASE_DSN", c.Database.DSN)

	c.Influx.URL = env("INFLUX_URL", c.Influx.URL)
	c.Influx.Token = env("INFLUX_TOKEN", c.Influx.Token)
	c.Influx.Org = env("INFLUX_ORG", c.Influx.Org)
	c.Influx.Bucket = env("INFLUX_BUCKET", c.Influx.Bucket)

	c.MQTT.Host = env("RABBITMQ_HOST", c.MQTT.Host)
	c.MQTT.Port = envInt("RABBITMQ_PORT", c.MQTT.Port)
	c.MQTT.User = env("RABBITMQ_USER", c.MQTT.User)
	c.MQTT.Password = env("RABBITMQ_PASSWORD", c.MQTT.Password)

	c.Sensors.HTTPBaseURL = env("SENSOR_HTTP_BASE_URL", c.Sensors.HTTPBaseURL)
	c.Gates.GRPCAddrMap = env("DEVICE_GRPC_ADDR_MAP", c.Gates.GRPCAddrMap)
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.InstanceID == "" {
		c.InstanceID = "irrigation-controller-" + env("HOSTNAME", "local")
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8080"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite" {
		c.Database.DSN = "awd.db"
	}
	if c.Influx.Org == "" {
		c.Influx.Org = "awd"
	}
	if c.Influx.Bucket == "" {
		c.Influx.Bucket = "irrigation"
	}
	if c.Influx.Measurement == "" {
		c.Influx.Measurement = "irrigation_sample"
	}
	if c.Influx.BatchSize == 0 {
		c.Influx.BatchSize = 10
	}
	if c.Influx.FlushIntervalMs == 0 {
		c.Influx.FlushIntervalMs = 200
	}
	if c.MQTT.Host == "" {
		c.MQTT.Host = "localhost"
	}
	if c.MQTT.Port == 0 {
		c.MQTT.Port = 1883
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = c.InstanceID
	}
	if c.Sensors.HTTPTimeout == 0 {
		c.Sensors.HTTPTimeout = 5 * time.Second
	}
	if c.Sensors.CacheTTL == 0 {
		c.Sensors.CacheTTL = 2 * time.Second
	}
	if c.Sensors.MQTTTopic == "" {
		c.Sensors.MQTTTopic = "sensor/water-level/+"
	}
	if c.Sensors.MQTTMaxAge == 0 {
		c.Sensors.MQTTMaxAge = 2 * time.Minute
	}
	if c.Sensors.InfluxWindow == 0 {
		c.Sensors.InfluxWindow = 30 * time.Minute
	}
	if c.Sensors.Breaker.Fails == 0 {
		c.Sensors.Breaker.Fails = 3
	}
	if c.Sensors.Breaker.OpenMs == 0 {
		c.Sensors.Breaker.OpenMs = 10000
	}
	if c.Sensors.Breaker.IntervalMs == 0 {
		c.Sensors.Breaker.IntervalMs = 60000
	}
	if c.Gates.DialTimeout == 0 {
		c.Gates.DialTimeout = 5 * time.Second
	}
	if c.Controller.ClaimTTL == 0 {
		c.Controller.ClaimTTL = 30 * time.Second
	}
	if c.Controller.SensorTimeout == 0 {
		c.Controller.SensorTimeout = 5 * time.Second
	}
	if c.Controller.GateTimeout == 0 {
		c.Controller.GateTimeout = 5 * time.Second
	}
	if c.Controller.CloseRetryWindow == 0 {
		c.Controller.CloseRetryWindow = 30 * time.Second
	}
	if c.Controller.ReconcileSchedule == "" {
		c.Controller.ReconcileSchedule = "@every 1m"
	}
	if c.Alerts.AnomalyTopic == "" {
		c.Alerts.AnomalyTopic = "irrigation/anomaly/{field}/{session}"
	}
	if c.Alerts.SessionTopic == "" {
		c.Alerts.SessionTopic = "irrigation/session/{field}/{session}"
	}
	if c.Alerts.QueueSize == 0 {
		c.Alerts.QueueSize = 256
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q must be postgres or sqlite", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, "database.dsn is required")
	}
	if c.Controller.ClaimTTL <= c.Controller.SensorTimeout {
		errs = append(errs, "controller.claim_ttl must exceed controller.sensor_timeout")
	}
	if _, err := cron.ParseStandard(c.Controller.ReconcileSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("controller.reconcile_schedule: %v", err))
	}
	if c.Alerts.QueueSize < 0 {
		errs = append(errs, "alerts.queue_size must be >= 0")
	}
	seen := make(map[string]bool, len(c.Fields))
	for i, f := range c.Fields {
		if strings.TrimSpace(f.ID) == "" {
			errs = append(errs, fmt.Sprintf("fields[%d].id is required", i))
			continue
		}
		if seen[f.ID] {
			errs = append(errs, fmt.Sprintf("fields[%d].id %q is duplicated", i, f.ID))
		}
		seen[f.ID] = true
		if f.AreaHectares < 0 {
			errs = append(errs, fmt.Sprintf("fields[%d].area_hectares must be >= 0", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func env(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
