// Package config loads the scan service configuration from an optional
// YAML file overlaid with environment variables. Environment wins.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	QR       QRConfig       `yaml:"qr"`
	Scan     ScanConfig     `yaml:"scan"`
	Rules    RulesConfig    `yaml:"rules"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Offline  OfflineConfig  `yaml:"offline"`
	Fraud    FraudConfig    `yaml:"fraud"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type QRConfig struct {
	HMACSecret   string        `yaml:"hmac_secret"`
	RSAPublicKey string        `yaml:"rsa_public_key"`
	MaxValidity  time.Duration `yaml:"max_validity"`
	MaxSize      int           `yaml:"max_size"`
}

type ScanConfig struct {
	Timeout           time.Duration `yaml:"timeout"`
	MaxConcurrent     int           `yaml:"max_concurrent"`
	MaxScansPerTicket int           `yaml:"max_scans_per_ticket"`
	RetentionDays     int           `yaml:"retention_days"`
}

type RulesConfig struct {
	ServiceURL string        `yaml:"service_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

type DatabaseConfig struct {
	URL               string        `yaml:"url"`
	PoolMax           int           `yaml:"pool_max"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type OfflineConfig struct {
	SyncInterval   time.Duration `yaml:"sync_interval"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
	BatchSize      int           `yaml:"batch_size"`
	BackupInterval time.Duration `yaml:"backup_interval"`
	BackupPath     string        `yaml:"backup_path"`
}

type FraudConfig struct {
	DetectionEnabled bool `yaml:"detection_enabled"`
	BlockOnFraud     bool `yaml:"block_on_fraud"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", Env: "development"},
		QR: QRConfig{
			MaxValidity: 24 * time.Hour,
			MaxSize:     32768,
		},
		Scan: ScanConfig{
			Timeout:           15 * time.Second,
			MaxConcurrent:     100,
			MaxScansPerTicket: 5,
			RetentionDays:     90,
		},
		Rules: RulesConfig{
			ServiceURL: "http://localhost:3000",
			Timeout:    10 * time.Second,
		},
		Database: DatabaseConfig{
			PoolMax:           20,
			IdleTimeout:       5 * time.Minute,
			ConnectionTimeout: 2 * time.Second,
		},
		Offline: OfflineConfig{
			SyncInterval:   time.Minute,
			CacheTTL:       24 * time.Hour,
			BatchSize:      50,
			BackupInterval: 5 * time.Minute,
			BackupPath:     "offline_snapshot.json",
		},
		Fraud: FraudConfig{DetectionEnabled: true},
	}
}

// Load builds the effective configuration. When path is non-empty and the
// file exists, its values replace the defaults before the environment is
// applied on top.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("open config file: %w", err)
			}
		} else {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envString(&c.Server.Port, "PORT")
	envString(&c.Server.Env, "APP_ENV")

	envString(&c.QR.HMACSecret, "QR_HMAC_SECRET")
	envString(&c.QR.RSAPublicKey, "QR_RSA_PUBLIC_KEY")
	envSeconds(&c.QR.MaxValidity, "QR_MAX_VALIDITY")
	envInt(&c.QR.MaxSize, "QR_MAX_SIZE")

	envMillis(&c.Scan.Timeout, "SCAN_TIMEOUT")
	envInt(&c.Scan.MaxConcurrent, "MAX_CONCURRENT_SCANS")
	envInt(&c.Scan.MaxScansPerTicket, "MAX_SCANS_PER_TICKET")
	envInt(&c.Scan.RetentionDays, "SCAN_RETENTION_DAYS")

	envString(&c.Rules.ServiceURL, "RULES_SERVICE_URL")
	envMillis(&c.Rules.Timeout, "RULES_TIMEOUT")

	envString(&c.Database.URL, "DATABASE_URL")
	envInt(&c.Database.PoolMax, "DB_POOL_MAX")
	envMillis(&c.Database.IdleTimeout, "DB_IDLE_TIMEOUT")
	envMillis(&c.Database.ConnectionTimeout, "DB_CONNECTION_TIMEOUT")

	envString(&c.Redis.Addr, "REDIS_ADDR")
	envString(&c.Redis.Password, "REDIS_PASSWORD")
	envInt(&c.Redis.DB, "REDIS_DB")

	envMillis(&c.Offline.SyncInterval, "OFFLINE_SYNC_INTERVAL")
	envMillis(&c.Offline.CacheTTL, "OFFLINE_CACHE_TTL")
	envInt(&c.Offline.BatchSize, "OFFLINE_BATCH_SIZE")
	envMillis(&c.Offline.BackupInterval, "OFFLINE_BACKUP_INTERVAL")
	envString(&c.Offline.BackupPath, "OFFLINE_BACKUP_PATH")

	envBool(&c.Fraud.DetectionEnabled, "FRAUD_DETECTION_ENABLED")
	envBool(&c.Fraud.BlockOnFraud, "BLOCK_ON_FRAUD")
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.IsProduction() && c.QR.HMACSecret == "" {
		return fmt.Errorf("QR_HMAC_SECRET is required in production")
	}
	if c.Scan.MaxConcurrent <= 0 {
		return fmt.Errorf("MAX_CONCURRENT_SCANS must be positive")
	}
	if c.Scan.MaxScansPerTicket <= 0 {
		return fmt.Errorf("MAX_SCANS_PER_TICKET must be positive")
	}
	if c.QR.MaxSize <= 0 {
		return fmt.Errorf("QR_MAX_SIZE must be positive")
	}
	return nil
}

// IsProduction reports whether the service runs with production settings.
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func envString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// envMillis reads an integer number of milliseconds.
func envMillis(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = time.Duration(n) * time.Millisecond
		}
	}
}

// envSeconds reads an integer number of seconds.
func envSeconds(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = time.Duration(n) * time.Second
		}
	}
}
