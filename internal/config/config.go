package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. MEDSCAN_SERVER_PORT.
const EnvPrefix = "MEDSCAN"

type Config struct {
	Server struct {
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"readTimeout" split_words:"true"`
		WriteTimeout    time.Duration `yaml:"writeTimeout" split_words:"true"`
		ShutdownTimeout time.Duration `yaml:"shutdownTimeout" split_words:"true"`
		CORSOrigins     []string      `yaml:"corsOrigins" envconfig:"CORS_ORIGINS"`
		MaxUploadMB     int64         `yaml:"maxUploadMB" envconfig:"MAX_UPLOAD_MB"`
	} `yaml:"server"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	Database struct {
		// Driver: memory | mysql | postgres
		Driver   string `yaml:"driver"`
		DSN      string `yaml:"dsn"`
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Name     string `yaml:"name"`
		SSLMode  string `yaml:"sslMode" split_words:"true"`
	} `yaml:"database"`

	Minio struct {
		Endpoint   string `yaml:"endpoint"`
		AccessKey  string `yaml:"accessKey" split_words:"true"`
		SecretKey  string `yaml:"secretKey" split_words:"true"`
		BucketName string `yaml:"bucketName" split_words:"true"`
		Region     string `yaml:"region"`
		UseSSL     bool   `yaml:"useSSL" envconfig:"USE_SSL"`
	} `yaml:"minio"`

	// Redis is optional; an empty Addr disables the status cache.
	Redis struct {
		Addr     string        `yaml:"addr"`
		Password string        `yaml:"password"`
		DB       int           `yaml:"db"`
		TTL      time.Duration `yaml:"ttl"`
	} `yaml:"redis"`

	// RabbitMQ is optional; an empty URL disables completion publishing.
	RabbitMQ struct {
		URL   string `yaml:"url"`
		Queue string `yaml:"queue"`
	} `yaml:"rabbitmq"`

	Inference struct {
		// Endpoints maps a task (lung, brain, breast, modality-conversion, general) to its URL.
		Endpoints         Endpoints     `yaml:"endpoints"`
		APIKey            string        `yaml:"apiKey" envconfig:"API_KEY"`
		Timeout           time.Duration `yaml:"timeout"`
		MaxImageDimension int           `yaml:"maxImageDimension" split_words:"true"`
		RatePerSecond     float64       `yaml:"ratePerSecond" split_words:"true"`
		Burst             int           `yaml:"burst"`
	} `yaml:"inference"`

	Summarizer struct {
		// Provider: openai | rules | none
		Provider string `yaml:"provider"`
		APIKey   string `yaml:"apiKey" envconfig:"API_KEY"`
		Model    string `yaml:"model"`
		BaseURL  string `yaml:"baseURL" envconfig:"BASE_URL"`
	} `yaml:"summarizer"`

	Analysis struct {
		Workers           int           `yaml:"workers"`
		QueueDepth        int           `yaml:"queueDepth" split_words:"true"`
		RunTimeout        time.Duration `yaml:"runTimeout" split_words:"true"`
		ProcessingTimeout time.Duration `yaml:"processingTimeout" split_words:"true"`
		ServiceTime       time.Duration `yaml:"serviceTime" split_words:"true"`
		SweepInterval     time.Duration `yaml:"sweepInterval" split_words:"true"`
		CompletionBuffer  int           `yaml:"completionBuffer" split_words:"true"`
	} `yaml:"analysis"`

	Auth struct {
		APIKeys   []APIKey `yaml:"apiKeys" ignored:"true"`
		HMACKey   string   `yaml:"hmacKey" envconfig:"HMAC_KEY"`
		Issuer    string   `yaml:"issuer"`
		RateLimit float64  `yaml:"rateLimit" split_words:"true"`
		RateBurst int      `yaml:"rateBurst" split_words:"true"`
	} `yaml:"auth"`
}

// Endpoints maps task to URL. From the environment it is read as
// "lung=http://host/lung,general=http://host/general".
type Endpoints map[string]string

// Decode implements envconfig.Decoder.
func (e *Endpoints) Decode(value string) error {
	out := Endpoints{}
	for _, pair := range strings.Split(value, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		task, url, ok := strings.Cut(pair, "=")
		if !ok || task == "" || url == "" {
			return fmt.Errorf("invalid endpoint %q, want task=url", pair)
		}
		out[strings.TrimSpace(task)] = strings.TrimSpace(url)
	}
	*e = out
	return nil
}

// APIKey is a static credential; Role "admin" unlocks administrative routes.
type APIKey struct {
	Key     string `yaml:"key"`
	Subject string `yaml:"subject"`
	Role    string `yaml:"role"`
}

// Load baca file config (kalau ada), lalu override dari env MEDSCAN_*.
// A missing file is not an error: defaults plus environment are enough for
// the memory driver.
func Load(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, err
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	setInt(&c.Server.Port, 8080)
	setDur(&c.Server.ReadTimeout, 15*time.Second)
	setDur(&c.Server.WriteTimeout, 30*time.Second)
	setDur(&c.Server.ShutdownTimeout, 30*time.Second)
	if c.Server.MaxUploadMB <= 0 {
		c.Server.MaxUploadMB = 64
	}

	setStr(&c.Log.Level, "info")
	setStr(&c.Log.Format, "json")

	setStr(&c.Database.Driver, "mysql")
	setStr(&c.Database.Host, "127.0.0.1")
	switch c.Database.Driver {
	case "mysql":
		setInt(&c.Database.Port, 3306)
	case "postgres":
		setInt(&c.Database.Port, 5432)
	}
	setStr(&c.Database.Name, "medscan")

	setStr(&c.Minio.BucketName, "medscan-images")
	setStr(&c.Minio.Region, "us-east-1")

	setDur(&c.Redis.TTL, 30*time.Second)

	setDur(&c.Inference.Timeout, 30*time.Second)
	setInt(&c.Inference.MaxImageDimension, 2048)
	if c.Inference.RatePerSecond <= 0 {
		c.Inference.RatePerSecond = 5
	}
	setInt(&c.Inference.Burst, 5)

	setStr(&c.Summarizer.Provider, "rules")
	setStr(&c.Summarizer.Model, "gpt-4o-mini")

	setInt(&c.Analysis.Workers, 4)
	setInt(&c.Analysis.QueueDepth, 64)
	setDur(&c.Analysis.RunTimeout, 2*time.Minute)
	setDur(&c.Analysis.ProcessingTimeout, 10*time.Minute)
	setDur(&c.Analysis.ServiceTime, 30*time.Second)
	setDur(&c.Analysis.SweepInterval, time.Minute)
	setInt(&c.Analysis.CompletionBuffer, 256)

	setStr(&c.Auth.Issuer, "medscan")
	if c.Auth.RateLimit <= 0 {
		c.Auth.RateLimit = 20
	}
	setInt(&c.Auth.RateBurst, 40)
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "memory", "mysql", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q: want memory, mysql or postgres", c.Database.Driver))
	}
	if c.Analysis.Workers <= 0 {
		errs = append(errs, errors.New("analysis.workers must be positive"))
	}
	if c.Analysis.QueueDepth < 0 {
		errs = append(errs, errors.New("analysis.queueDepth must not be negative"))
	}
	if len(c.Inference.Endpoints) == 0 {
		errs = append(errs, errors.New("inference.endpoints: at least one endpoint is required"))
	}
	switch c.Summarizer.Provider {
	case "openai":
		if c.Summarizer.APIKey == "" {
			errs = append(errs, errors.New("summarizer.apiKey is required for the openai provider"))
		}
	case "rules", "none":
	default:
		errs = append(errs, fmt.Errorf("summarizer.provider %q: want openai, rules or none", c.Summarizer.Provider))
	}
	if len(c.Auth.APIKeys) == 0 && c.Auth.HMACKey == "" {
		errs = append(errs, errors.New("auth: configure apiKeys or hmacKey"))
	}
	if c.Auth.HMACKey != "" && len(c.Auth.HMACKey) < 32 {
		errs = append(errs, errors.New("auth.hmacKey must be at least 32 bytes"))
	}
	return errors.Join(errs...)
}

func setStr(p *string, v string) {
	if *p == "" {
		*p = v
	}
}

func setInt(p *int, v int) {
	if *p <= 0 {
		*p = v
	}
}

func setDur(p *time.Duration, v time.Duration) {
	if *p <= 0 {
		*p = v
	}
}
