package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Log      LogConfig      `mapstructure:"log"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Detector DetectorConfig `mapstructure:"detector"`
	OCR      OCRConfig      `mapstructure:"ocr"`
	Enhancer EnhancerConfig `mapstructure:"enhancer"`
	Camera   CameraConfig   `mapstructure:"camera"`
	Live     LiveConfig     `mapstructure:"live"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type AuthConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type PipelineConfig struct {
	FrameSkip             int      `mapstructure:"frame_skip"`
	ConfirmationThreshold int      `mapstructure:"confirmation_threshold"`
	BufferCapacity        int      `mapstructure:"buffer_capacity"`
	SimilarityThreshold   int      `mapstructure:"similarity_threshold"`
	MinConfidence         float64  `mapstructure:"min_confidence"`
	PlateLabels           []string `mapstructure:"plate_labels"`
	ThrottleRecorded      bool     `mapstructure:"throttle_recorded"`
}

type DetectorConfig struct {
	ModelPath    string   `mapstructure:"model_path"`
	InputSize    int      `mapstructure:"input_size"`
	NMSThreshold float64  `mapstructure:"nms_threshold"`
	ClassNames   []string `mapstructure:"class_names"`
}

type OCRConfig struct {
	Language  string `mapstructure:"language"`
	Whitelist string `mapstructure:"whitelist"`
}

type EnhancerConfig struct {
	Kind  string `mapstructure:"kind"`
	Scale int    `mapstructure:"scale"`
}

type CameraConfig struct {
	ID        string `mapstructure:"id"`
	URL       string `mapstructure:"url"`
	AutoStart bool   `mapstructure:"auto_start"`
}

type LiveConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	JPEGQuality int  `mapstructure:"jpeg_quality"`
	BufferSize  int  `mapstructure:"buffer_size"`
}

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"

	EnhancerOpenCV = "opencv"
	EnhancerPure   = "pure"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.driver", DriverPostgres)
	v.SetDefault("database.dsn", "host=localhost port=5432 user=postgres password=postgres dbname=parking sslmode=disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("pipeline.frame_skip", 4)
	v.SetDefault("pipeline.confirmation_threshold", 3)
	v.SetDefault("pipeline.buffer_capacity", 30)
	v.SetDefault("pipeline.similarity_threshold", 1)
	v.SetDefault("pipeline.min_confidence", 0.6)
	v.SetDefault("pipeline.plate_labels", []string{"patente", "license_plate"})
	v.SetDefault("pipeline.throttle_recorded", true)

	v.SetDefault("detector.model_path", "model/best.onnx")
	v.SetDefault("detector.input_size", 640)
	v.SetDefault("detector.nms_threshold", 0.45)
	v.SetDefault("detector.class_names", []string{"license_plate"})

	v.SetDefault("ocr.language", "spa")
	v.SetDefault("ocr.whitelist", "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789")

	v.SetDefault("enhancer.kind", EnhancerOpenCV)
	v.SetDefault("enhancer.scale", 3)

	v.SetDefault("camera.id", "gate-1")
	v.SetDefault("camera.url", "")
	v.SetDefault("camera.auto_start", false)

	v.SetDefault("live.enabled", true)
	v.SetDefault("live.jpeg_quality", 70)
	v.SetDefault("live.buffer_size", 8)
}

// Load reads defaults, an optional config file and ANPR_* environment
// variables, in increasing priority. A nil viper creates a fresh one.
func Load(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	setDefaults(v)

	v.SetEnvPrefix("ANPR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

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
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	p := c.Pipeline
	switch {
	case p.FrameSkip < 1:
		return fmt.Errorf("pipeline.frame_skip must be >= 1, got %d", p.FrameSkip)
	case p.ConfirmationThreshold < 1:
		return fmt.Errorf("pipeline.confirmation_threshold must be >= 1, got %d", p.ConfirmationThreshold)
	case p.BufferCapacity < 1:
		return fmt.Errorf("pipeline.buffer_capacity must be >= 1, got %d", p.BufferCapacity)
	case p.ConfirmationThreshold > p.BufferCapacity:
		return fmt.Errorf("pipeline.confirmation_threshold (%d) exceeds buffer_capacity (%d): no plate could ever be confirmed",
			p.ConfirmationThreshold, p.BufferCapacity)
	case p.SimilarityThreshold < 1:
		return fmt.Errorf("pipeline.similarity_threshold must be >= 1, got %d", p.SimilarityThreshold)
	case p.MinConfidence < 0 || p.MinConfidence > 1:
		return fmt.Errorf("pipeline.min_confidence must be within [0,1], got %v", p.MinConfidence)
	}

	switch c.Database.Driver {
	case DriverPostgres, DriverMemory:
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverPostgres, DriverMemory, c.Database.Driver)
	}
	switch c.Enhancer.Kind {
	case EnhancerOpenCV, EnhancerPure:
	default:
		return fmt.Errorf("enhancer.kind must be %q or %q, got %q", EnhancerOpenCV, EnhancerPure, c.Enhancer.Kind)
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required when auth is enabled")
	}
	return nil
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", s.Port)
}
