package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	JWT      JWTConfig
	Lab      LabConfig
	Power    PowerConfig
	Storage  StorageConfig
	Email    EmailConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string
	Port string
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// JWTConfig holds JWT token configuration
type JWTConfig struct {
	AccessSecret       string
	RefreshSecret      string
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration
	Issuer             string
}

// LabConfig holds lab hardware and session lifecycle configuration
type LabConfig struct {
	// SerialPort is the default serial device attached to the lab board
	SerialPort string
	// SerialBaud is the default baud rate for the serial console
	SerialBaud int
	// PowerOnTimeout bounds the wait for power-rail stabilization
	PowerOnTimeout time.Duration
	// IdleTimeout force-closes a session with no client activity
	IdleTimeout time.Duration
	// DisconnectGrace is how long an abruptly disconnected client may
	// reconnect before the session is closed
	DisconnectGrace time.Duration
	// FlashRetries is the number of attempts for an unresponsive device
	FlashRetries int
	// FlashRetryBackoff is the base delay between flash retries
	FlashRetryBackoff time.Duration
	// DeviceID names the rig this server controls
	DeviceID string
	// RelayGPIO is the sysfs GPIO line driving the power relay
	RelayGPIO int
	// RelayActiveLow inverts the relay drive level
	RelayActiveLow bool
	// RailADCPath is the IIO device directory for the rail sensor
	RailADCPath string
	// RailADCChannel selects the IIO voltage channel
	RailADCChannel int
	// RailADCScale converts raw ADC counts to volts
	RailADCScale float64
	// RailMinVoltage is the rail level considered stable
	RailMinVoltage float64
}

// PowerConfig holds battery/UPS monitor configuration
type PowerConfig struct {
	// PollInterval is the battery/AC sampling cadence
	PollInterval time.Duration
	// LowVoltageThreshold triggers the shutdown warning when crossed
	LowVoltageThreshold float64
	// BatterySupply and ACSupply name the power_supply class entries
	BatterySupply string
	ACSupply      string
}

// EmailConfig holds the outbound notification relay. Notifications are
// disabled when SMTPAddr is empty.
type EmailConfig struct {
	SMTPAddr string
	From     string
}

// StorageConfig holds S3/MinIO firmware image storage configuration
type StorageConfig struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
			Port: getEnv("SERVER_PORT", "8080"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "virtual_lab"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		JWT: JWTConfig{
			AccessSecret:       getEnv("JWT_ACCESS_SECRET", ""),
			RefreshSecret:      getEnv("JWT_REFRESH_SECRET", ""),
			AccessTokenExpiry:  getDurationEnv("JWT_ACCESS_EXPIRY", 15*time.Minute),
			RefreshTokenExpiry: getDurationEnv("JWT_REFRESH_EXPIRY", 7*24*time.Hour),
			Issuer:             getEnv("JWT_ISSUER", "virtual-lab"),
		},
		Lab: LabConfig{
			SerialPort:        getEnv("LAB_SERIAL_PORT", "/dev/ttyUSB0"),
			SerialBaud:        getIntEnv("LAB_SERIAL_BAUD", 115200),
			PowerOnTimeout:    getDurationEnv("LAB_POWER_ON_TIMEOUT", 5*time.Second),
			IdleTimeout:       getDurationEnv("LAB_IDLE_TIMEOUT", 5*time.Minute),
			DisconnectGrace:   getDurationEnv("LAB_DISCONNECT_GRACE", 30*time.Second),
			FlashRetries:      getIntEnv("LAB_FLASH_RETRIES", 3),
			FlashRetryBackoff: getDurationEnv("LAB_FLASH_RETRY_BACKOFF", 2*time.Second),
			DeviceID:          getEnv("LAB_DEVICE_ID", "lab-1"),
			RelayGPIO:         getIntEnv("LAB_RELAY_GPIO", 17),
			RelayActiveLow:    getBoolEnv("LAB_RELAY_ACTIVE_LOW", false),
			RailADCPath:       getEnv("LAB_RAIL_ADC_PATH", "/sys/bus/iio/devices/iio:device0"),
			RailADCChannel:    getIntEnv("LAB_RAIL_ADC_CHANNEL", 0),
			RailADCScale:      getFloatEnv("LAB_RAIL_ADC_SCALE", 0.000805),
			RailMinVoltage:    getFloatEnv("LAB_RAIL_MIN_VOLTAGE", 3.1),
		},
		Power: PowerConfig{
			PollInterval:        getDurationEnv("POWER_POLL_INTERVAL", time.Second),
			LowVoltageThreshold: getFloatEnv("POWER_LOW_VOLTAGE", 3.00),
			BatterySupply:       getEnv("POWER_BATTERY_SUPPLY", "BAT0"),
			ACSupply:            getEnv("POWER_AC_SUPPLY", "AC"),
		},
		Storage: StorageConfig{
			Endpoint:        getEnv("STORAGE_ENDPOINT", "localhost:9000"),
			Region:          getEnv("STORAGE_REGION", "us-east-1"),
			Bucket:          getEnv("STORAGE_BUCKET", "firmware"),
			AccessKeyID:     getEnv("STORAGE_ACCESS_KEY", ""),
			SecretAccessKey: getEnv("STORAGE_SECRET_KEY", ""),
			UseSSL:          getBoolEnv("STORAGE_USE_SSL", false),
		},
		Email: EmailConfig{
			SMTPAddr: getEnv("EMAIL_SMTP_ADDR", ""),
			From:     getEnv("EMAIL_FROM", "lab@virtual-lab.local"),
		},
	}
}

// DSN returns the PostgreSQL connection string
func (d *DatabaseConfig) DSN() string {
	return "host=" + d.Host +
		" port=" + d.Port +
		" user=" + d.User +
		" password=" + d.Password +
		" dbname=" + d.DBName +
		" sslmode=" + d.SSLMode
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDurationEnv returns duration from environment variable or default.
// Accepts Go duration syntax ("30s") or a bare number of seconds.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}

// getIntEnv returns an integer from environment variable or default
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// getFloatEnv returns a float from environment variable or default
func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getBoolEnv returns a boolean from environment variable or default
func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch value {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}
