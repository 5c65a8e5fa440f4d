package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lorawan-server/lorawan-node/internal/driver"
	"github.com/lorawan-server/lorawan-node/pkg/lorawan"
)

// Config represents the node configuration
type Config struct {
	Device      DeviceConfig      `yaml:"device"`
	Hardware    HardwareConfig    `yaml:"hardware"`
	Simulator   SimulatorConfig   `yaml:"simulator"`
	API         APIConfig         `yaml:"api"`
	NATS        NATSConfig        `yaml:"nats"`
	Integration IntegrationConfig `yaml:"integration"`
	JWT         JWTConfig         `yaml:"jwt"`
	Log         LogConfig         `yaml:"log"`
}

// DeviceConfig holds the LoRaWAN identity of the node
type DeviceConfig struct {
	Band        string           `yaml:"band"`
	Mode        string           `yaml:"mode"`
	ConnectMode string           `yaml:"connect_mode"`
	DevEUI      *lorawan.EUI64   `yaml:"dev_eui"`
	AppEUI      *lorawan.EUI64   `yaml:"app_eui"`
	AppKey      *lorawan.AppKey  `yaml:"app_key"`
	DevAddr     *lorawan.DevAddr `yaml:"dev_addr"`
	JoinTimeout time.Duration    `yaml:"join_timeout"`
}

// HardwareConfig describes how the SX127x is wired
type HardwareConfig struct {
	SPIPort  string `yaml:"spi_port"`
	SPIHz    int64  `yaml:"spi_hz"`
	CSPin    string `yaml:"cs_pin"`
	ResetPin string `yaml:"reset_pin"`
	DIO0Pin  string `yaml:"dio0_pin"`
}

// SimulatorConfig replaces the hardware with an in-memory radio and network
type SimulatorConfig struct {
	Enabled bool  `yaml:"enabled"`
	RXDelay uint8 `yaml:"rx_delay"`
}

// APIConfig represents the control API configuration
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	URL               string        `yaml:"url"`
	ClientID          string        `yaml:"client_id"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// IntegrationConfig selects where node events are forwarded besides NATS
type IntegrationConfig struct {
	HTTP HTTPIntegrationConfig `yaml:"http"`
	MQTT MQTTIntegrationConfig `yaml:"mqtt"`
}

// HTTPIntegrationConfig is a webhook receiving node events
type HTTPIntegrationConfig struct {
	Enabled  bool              `yaml:"enabled"`
	Endpoint string            `yaml:"endpoint"`
	Headers  map[string]string `yaml:"headers"`
	Timeout  time.Duration     `yaml:"timeout"`
}

// MQTTIntegrationConfig is a broker receiving node events
type MQTTIntegrationConfig struct {
	Enabled   bool   `yaml:"enabled"`
	BrokerURL string `yaml:"broker_url"`
	ClientID  string `yaml:"client_id"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	// TopicPattern may contain {dev_eui} and {event}
	TopicPattern string `yaml:"topic_pattern"`
	QoS          byte   `yaml:"qos"`
	TLS          bool   `yaml:"tls"`
}

// JWTConfig represents JWT configuration
type JWTConfig struct {
	Secret   string        `yaml:"secret"`
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load loads configuration from file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, applies environment overrides and
// defaults, and validates the result
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Apply environment overrides
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, fmt.Errorf("environment override: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() error {
	if band := os.Getenv("LORA_BAND"); band != "" {
		c.Device.Band = band
	}

	if s := os.Getenv("LORA_DEV_EUI"); s != "" {
		eui, err := lorawan.ParseEUI64(s)
		if err != nil {
			return fmt.Errorf("LORA_DEV_EUI: %w", err)
		}
		c.Device.DevEUI = &eui
	}

	if s := os.Getenv("LORA_APP_EUI"); s != "" {
		eui, err := lorawan.ParseEUI64(s)
		if err != nil {
			return fmt.Errorf("LORA_APP_EUI: %w", err)
		}
		c.Device.AppEUI = &eui
	}

	if s := os.Getenv("LORA_APP_KEY"); s != "" {
		key, err := lorawan.ParseAES128Key(s)
		if err != nil {
			return fmt.Errorf("LORA_APP_KEY: %w", err)
		}
		appKey := lorawan.AppKey(key)
		c.Device.AppKey = &appKey
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		c.JWT.Secret = jwtSecret
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.Device.Band == "" {
		c.Device.Band = lorawan.EU868.String()
	}
	if c.Device.Mode == "" {
		c.Device.Mode = driver.ModeWAN.String()
	}
	if c.Device.ConnectMode == "" {
		c.Device.ConnectMode = driver.OTAA.String()
	}
	if c.Device.JoinTimeout == 0 {
		c.Device.JoinTimeout = 30 * time.Second
	}

	if c.Hardware.SPIPort == "" {
		c.Hardware.SPIPort = "/dev/spidev0.0"
	}
	if c.Hardware.SPIHz == 0 {
		c.Hardware.SPIHz = 8000000
	}
	if c.Hardware.CSPin == "" {
		c.Hardware.CSPin = "GPIO25"
	}
	if c.Hardware.ResetPin == "" {
		c.Hardware.ResetPin = "GPIO17"
	}
	if c.Hardware.DIO0Pin == "" {
		c.Hardware.DIO0Pin = "GPIO4"
	}

	if c.Simulator.RXDelay == 0 {
		c.Simulator.RXDelay = 1
	}

	if c.API.Port == 0 {
		c.API.Port = 8090
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = 10
	}
	if c.NATS.ReconnectInterval == 0 {
		c.NATS.ReconnectInterval = 2 * time.Second
	}
	if c.Integration.HTTP.Timeout == 0 {
		c.Integration.HTTP.Timeout = 30 * time.Second
	}
	if c.Integration.MQTT.TopicPattern == "" {
		c.Integration.MQTT.TopicPattern = "lora/{dev_eui}/{event}"
	}
	if c.Integration.MQTT.ClientID == "" {
		c.Integration.MQTT.ClientID = "lora-node"
	}
	if c.JWT.TokenTTL == 0 {
		c.JWT.TokenTTL = time.Hour
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate checks the values that cannot be defaulted
func (c *Config) Validate() error {
	var errs []error

	if _, err := lorawan.ParseRegion(c.Device.Band); err != nil {
		errs = append(errs, err)
	}
	if _, err := driver.ParseMode(c.Device.Mode); err != nil {
		errs = append(errs, err)
	}
	if _, err := driver.ParseConnectMode(c.Device.ConnectMode); err != nil {
		errs = append(errs, err)
	}
	if c.Device.DevEUI == nil {
		errs = append(errs, errors.New("device.dev_eui is required"))
	}
	if c.Device.AppEUI == nil {
		errs = append(errs, errors.New("device.app_eui is required"))
	}
	if c.Device.AppKey == nil {
		errs = append(errs, errors.New("device.app_key is required"))
	}
	if c.Integration.HTTP.Enabled && c.Integration.HTTP.Endpoint == "" {
		errs = append(errs, errors.New("integration.http.endpoint is required"))
	}
	if c.Integration.MQTT.Enabled && c.Integration.MQTT.BrokerURL == "" {
		errs = append(errs, errors.New("integration.mqtt.broker_url is required"))
	}
	if c.Integration.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("integration.mqtt.qos %d out of range", c.Integration.MQTT.QoS))
	}
	if c.API.Port < 0 || c.API.Port > 65535 {
		errs = append(errs, fmt.Errorf("api.port %d out of range", c.API.Port))
	}
	return errors.Join(errs...)
}

// DriverConfig builds the driver configuration
func (c *Config) DriverConfig() (driver.Config, error) {
	band, err := lorawan.ParseRegion(c.Device.Band)
	if err != nil {
		return driver.Config{}, err
	}
	mode, err := driver.ParseMode(c.Device.Mode)
	if err != nil {
		return driver.Config{}, err
	}
	connectMode, err := driver.ParseConnectMode(c.Device.ConnectMode)
	if err != nil {
		return driver.Config{}, err
	}

	cfg := driver.NewConfig().
		Band(band).
		Mode(mode).
		ConnectMode(connectMode)
	if c.Device.DevEUI != nil {
		cfg = cfg.DeviceEUI(*c.Device.DevEUI)
	}
	if c.Device.AppEUI != nil {
		cfg = cfg.AppEUI(*c.Device.AppEUI)
	}
	if c.Device.AppKey != nil {
		cfg = cfg.AppKey(*c.Device.AppKey)
	}
	if c.Device.DevAddr != nil {
		cfg = cfg.DeviceAddress(*c.Device.DevAddr)
	}
	return cfg, cfg.Validate()
}

// ConnectMode returns the parsed activation method
func (c *Config) ConnectMode() driver.ConnectMode {
	m, _ := driver.ParseConnectMode(c.Device.ConnectMode)
	return m
}
