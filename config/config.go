package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Model      ModelConfig      `yaml:"model"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Render     RenderConfig     `yaml:"render"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Database   DatabaseConfig   `yaml:"database"`
	Registry   RegistryConfig   `yaml:"registry"`
	Log        LogConfig        `yaml:"log"`
}

type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	GRPCPort       int      `yaml:"grpcPort"`
	MetricsPort    int      `yaml:"metricsPort"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
	MaxUploadMB    int      `yaml:"maxUploadMB"`
}

// ModelConfig configures the detector.
type ModelConfig struct {
	EnableInference     bool    `yaml:"enableInference"`
	Backend             string  `yaml:"backend"` // remote | gocv
	Path                string  `yaml:"path"`
	Device              string  `yaml:"device"`
	NamesFile           string  `yaml:"namesFile"`
	InputSize           int     `yaml:"inputSize"`
	ConfidenceThreshold float64 `yaml:"confidenceThreshold"`
	IouThreshold        float64 `yaml:"iouThreshold"`
	Workers             int     `yaml:"workers"`
	RemoteURL           string  `yaml:"remoteURL"`
}

type ClassifierConfig struct {
	Backend             string   `yaml:"backend"` // remote | gocv | ollama
	Path                string   `yaml:"path"`
	NamesFile           string   `yaml:"namesFile"`
	InputSize           int      `yaml:"inputSize"`
	ConfidenceThreshold float64  `yaml:"confidenceThreshold"`
	RemoteURL           string   `yaml:"remoteURL"`
	OllamaURL           string   `yaml:"ollamaURL"`
	OllamaModel         string   `yaml:"ollamaModel"`
	Labels              []string `yaml:"labels"`
}

type RenderConfig struct {
	Format      string `yaml:"format"` // jpeg | png | webp
	Quality     int    `yaml:"quality"`
	TableFormat string `yaml:"tableFormat"` // xlsx | csv
}

type TelegramConfig struct {
	Token     string `yaml:"token"`
	ServerURL string `yaml:"serverURL"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// RegistryConfig enables the periodic heartbeat to a service registry.
type RegistryConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	IntervalSeconds int    `yaml:"intervalSeconds"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8000,
			GRPCPort:       50051,
			MetricsPort:    9090,
			AllowedOrigins: []string{"*"},
			MaxUploadMB:    50,
		},
		Model: ModelConfig{
			EnableInference:     false,
			Backend:             "remote",
			Path:                "yolo11n.onnx",
			Device:              "cpu",
			InputSize:           640,
			ConfidenceThreshold: 0.25,
			IouThreshold:        0.45,
			Workers:             1,
			RemoteURL:           "http://127.0.0.1:8500",
		},
		Classifier: ClassifierConfig{
			Backend:             "remote",
			Path:                "yolo11n-cls.onnx",
			InputSize:           224,
			ConfidenceThreshold: 0.5,
			RemoteURL:           "http://127.0.0.1:8500",
			OllamaURL:           "http://127.0.0.1:11434",
			OllamaModel:         "llava",
		},
		Render: RenderConfig{
			Format:      "jpeg",
			Quality:     90,
			TableFormat: "xlsx",
		},
		Telegram: TelegramConfig{
			ServerURL: "http://127.0.0.1:8000",
		},
		Registry: RegistryConfig{IntervalSeconds: 5},
		Log:      LogConfig{Level: "info"},
	}
}

// Load reads the YAML file at path (missing file means defaults), then .env,
// then environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// .env is optional
	_ = godotenv.Load()

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	flt := func(key string, dst *float64) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("BACKEND_HOST", &c.Server.Host)
	num("BACKEND_PORT", &c.Server.Port)
	num("GRPC_PORT", &c.Server.GRPCPort)
	num("METRICS_PORT", &c.Server.MetricsPort)
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = splitList(v)
	}

	flag("MODEL_ENABLE_INFERENCE", &c.Model.EnableInference)
	str("MODEL_BACKEND", &c.Model.Backend)
	str("MODEL_PATH", &c.Model.Path)
	str("MODEL_DEVICE", &c.Model.Device)
	flt("MODEL_CONFIDENCE_THRESHOLD", &c.Model.ConfidenceThreshold)
	flt("MODEL_IOU_THRESHOLD", &c.Model.IouThreshold)
	num("MODEL_WORKERS", &c.Model.Workers)
	str("MODEL_REMOTE_URL", &c.Model.RemoteURL)

	str("CLASSIFIER_BACKEND", &c.Classifier.Backend)
	str("CLASSIFIER_MODEL_PATH", &c.Classifier.Path)
	flt("CLASSIFIER_CONFIDENCE_THRESHOLD", &c.Classifier.ConfidenceThreshold)
	str("CLASSIFIER_REMOTE_URL", &c.Classifier.RemoteURL)
	str("OLLAMA_URL", &c.Classifier.OllamaURL)
	str("OLLAMA_MODEL", &c.Classifier.OllamaModel)
	if v := os.Getenv("CLASSIFIER_LABELS"); v != "" {
		c.Classifier.Labels = splitList(v)
	}

	str("RENDER_FORMAT", &c.Render.Format)
	str("TABLE_FORMAT", &c.Render.TableFormat)

	str("TELEGRAM_BOT_TOKEN", &c.Telegram.Token)
	str("BOT_SERVER_URL", &c.Telegram.ServerURL)
	str("DATABASE_URL", &c.Database.URL)
	flag("REGISTRY_ENABLED", &c.Registry.Enabled)
	str("REGISTRY_HOST", &c.Registry.Host)
	num("REGISTRY_PORT", &c.Registry.Port)
	str("LOG_LEVEL", &c.Log.Level)

	return errors.Join(errs...)
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	unit := func(name string, v float64) error {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be between 0.0 and 1.0, got %f", name, v)
		}
		return nil
	}
	if err := unit("model.confidenceThreshold", c.Model.ConfidenceThreshold); err != nil {
		return err
	}
	if err := unit("model.iouThreshold", c.Model.IouThreshold); err != nil {
		return err
	}
	if err := unit("classifier.confidenceThreshold", c.Classifier.ConfidenceThreshold); err != nil {
		return err
	}
	switch c.Model.Backend {
	case "remote", "gocv":
	default:
		return fmt.Errorf("unsupported model backend: %s", c.Model.Backend)
	}
	switch c.Classifier.Backend {
	case "remote", "gocv", "ollama":
	default:
		return fmt.Errorf("unsupported classifier backend: %s", c.Classifier.Backend)
	}
	switch c.Render.Format {
	case "jpeg", "png", "webp":
	default:
		return fmt.Errorf("unsupported render format: %s", c.Render.Format)
	}
	switch c.Render.TableFormat {
	case "xlsx", "csv":
	default:
		return fmt.Errorf("unsupported table format: %s", c.Render.TableFormat)
	}
	if c.Render.Quality < 1 || c.Render.Quality > 100 {
		return fmt.Errorf("render.quality must be between 1 and 100")
	}
	if c.Model.Workers <= 0 {
		c.Model.Workers = 1
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be positive")
	}
	if c.Registry.Enabled && (c.Registry.Host == "" || c.Registry.Port <= 0) {
		return fmt.Errorf("registry.host and registry.port are required when the registry is enabled")
	}
	if c.Registry.IntervalSeconds <= 0 {
		c.Registry.IntervalSeconds = 5
	}
	return nil
}

// Addr is the HTTP listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
