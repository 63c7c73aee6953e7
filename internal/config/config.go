package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ConnectionType identifies which transport backend should be used.
type ConnectionType string

const (
	ConnectionSerial ConnectionType = "serial"
	ConnectionTCP    ConnectionType = "tcp"
	ConnectionBLE    ConnectionType = "ble"

	DefaultSerialBaud   = 115200
	DefaultTCPPort      = 4000
	DefaultHTTPAddr     = ":8642"
	DefaultDatabasePath = "meshcored.db"

	envPrefix = "MESHCORE_"
)

// Config is the daemon configuration, sourced from MESHCORE_* environment
// variables.
type Config struct {
	SerialPort string
	SerialBaud int
	TCPHost    string
	TCPPort    int
	BLEAddress string
	BLEPin     string

	DatabasePath string
	HTTPAddr     string
	LogLevel     string

	MQTTBroker      string
	MQTTUsername    string
	MQTTPassword    string
	MQTTTopicPrefix string
}

func Default() Config {
	return Config{
		SerialBaud:      DefaultSerialBaud,
		TCPPort:         DefaultTCPPort,
		DatabasePath:    DefaultDatabasePath,
		HTTPAddr:        DefaultHTTPAddr,
		LogLevel:        "INFO",
		MQTTTopicPrefix: "meshcore",
	}
}

// FromEnv builds a Config from the process environment, falling back to
// defaults for anything unset.
func FromEnv() (Config, error) {
	cfg := Default()

	cfg.SerialPort = getenv("SERIAL_PORT", cfg.SerialPort)
	cfg.TCPHost = getenv("TCP_HOST", cfg.TCPHost)
	cfg.BLEAddress = getenv("BLE_ADDRESS", cfg.BLEAddress)
	cfg.BLEPin = getenv("BLE_PIN", cfg.BLEPin)
	cfg.DatabasePath = getenv("DATABASE_PATH", cfg.DatabasePath)
	cfg.HTTPAddr = getenv("HTTP_ADDR", cfg.HTTPAddr)
	cfg.LogLevel = getenv("LOG_LEVEL", cfg.LogLevel)
	cfg.MQTTBroker = getenv("MQTT_BROKER", cfg.MQTTBroker)
	cfg.MQTTUsername = getenv("MQTT_USERNAME", cfg.MQTTUsername)
	cfg.MQTTPassword = getenv("MQTT_PASSWORD", cfg.MQTTPassword)
	cfg.MQTTTopicPrefix = getenv("MQTT_TOPIC_PREFIX", cfg.MQTTTopicPrefix)

	var err error
	if cfg.SerialBaud, err = getenvInt("SERIAL_BAUDRATE", cfg.SerialBaud); err != nil {
		return Config{}, err
	}
	if cfg.TCPPort, err = getenvInt("TCP_PORT", cfg.TCPPort); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(envPrefix + key); ok {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) (int, error) {
	raw, ok := os.LookupEnv(envPrefix + key)
	if !ok || raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s%s must be an integer: %w", envPrefix, key, err)
	}
	return v, nil
}

func (c Config) Validate() error {
	set := 0
	if strings.TrimSpace(c.SerialPort) != "" {
		set++
	}
	if strings.TrimSpace(c.TCPHost) != "" {
		set++
	}
	if strings.TrimSpace(c.BLEAddress) != "" {
		set++
	}
	if set > 1 {
		return errors.New("at most one of serial port, tcp host and ble address may be set")
	}

	if strings.TrimSpace(c.BLEAddress) != "" && strings.TrimSpace(c.BLEPin) == "" {
		return errors.New("ble pin is required when ble address is set")
	}
	if c.SerialBaud <= 0 {
		return errors.New("serial baudrate must be positive")
	}
	if c.TCPPort <= 0 || c.TCPPort > 65535 {
		return errors.New("tcp port out of range")
	}

	switch strings.ToUpper(strings.TrimSpace(c.LogLevel)) {
	case "DEBUG", "INFO", "WARNING", "ERROR", "":
	default:
		return fmt.Errorf("unsupported log level: %q", c.LogLevel)
	}

	return nil
}

// ConnectionType derives the transport backend from which target is set.
// Serial is the default: with no explicit port the daemon auto-detects one.
func (c Config) ConnectionType() ConnectionType {
	switch {
	case strings.TrimSpace(c.TCPHost) != "":
		return ConnectionTCP
	case strings.TrimSpace(c.BLEAddress) != "":
		return ConnectionBLE
	default:
		return ConnectionSerial
	}
}

// MQTTEnabled reports whether the optional MQTT bridge should run.
func (c Config) MQTTEnabled() bool {
	return strings.TrimSpace(c.MQTTBroker) != ""
}
