package engine

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"DendroDetServer/config"
	iface "DendroDetServer/interface"
	"DendroDetServer/logger"
)

// ModelOptions describes one local ONNX model.
type ModelOptions struct {
	Path                string
	Device              string
	Names               []string
	InputSize           int
	ConfidenceThreshold float64
	IouThreshold        float64
}

const healthTimeout = 5 * time.Second

// NewDetector builds the detector selected by cfg.Model.Backend.
func NewDetector(ctx context.Context, cfg config.ModelConfig) (iface.Detector, error) {
	info := iface.DetectorInfo{
		ModelPath:           cfg.Path,
		Device:              cfg.Device,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		IouThreshold:        cfg.IouThreshold,
	}
	switch cfg.Backend {
	case BackendRemote:
		d := NewRemoteDetector(cfg.RemoteURL, info, DefaultTimeout)
		warnUnhealthy(ctx, "detector", cfg.RemoteURL, d.CheckHealth)
		return d, nil
	case BackendGoCV:
		names, err := loadNames(cfg.NamesFile)
		if err != nil {
			return nil, err
		}
		opts := ModelOptions{
			Path:                cfg.Path,
			Device:              cfg.Device,
			Names:               names,
			InputSize:           cfg.InputSize,
			ConfidenceThreshold: cfg.ConfidenceThreshold,
			IouThreshold:        cfg.IouThreshold,
		}
		pool, err := NewPool(cfg.Workers, func(int) (iface.Detector, error) {
			return NewGoCVDetector(opts)
		})
		if err != nil {
			return nil, fmt.Errorf("load detector: %w", err)
		}
		logger.Log().Info("detector loaded",
			zap.String("model", cfg.Path), zap.String("device", cfg.Device), zap.Int("workers", pool.Size()))
		return NewPooledDetector(pool, info), nil
	default:
		return nil, fmt.Errorf("unsupported detector backend: %s", cfg.Backend)
	}
}

// NewClassifier builds the species classifier. Local models share the
// detector's device and worker count.
func NewClassifier(ctx context.Context, cfg config.ClassifierConfig, model config.ModelConfig) (iface.Classifier, error) {
	switch cfg.Backend {
	case BackendRemote:
		c := NewRemoteClassifier(cfg.RemoteURL, cfg.Path, DefaultTimeout)
		warnUnhealthy(ctx, "classifier", cfg.RemoteURL, c.CheckHealth)
		return c, nil
	case BackendOllama:
		c, err := NewOllamaClassifier(cfg.OllamaURL, cfg.OllamaModel, cfg.Labels)
		if err != nil {
			return nil, err
		}
		return c, nil
	case BackendGoCV:
		names, err := loadNames(cfg.NamesFile)
		if err != nil {
			return nil, err
		}
		if len(names) == 0 {
			names = cfg.Labels
		}
		opts := ModelOptions{
			Path:      cfg.Path,
			Device:    model.Device,
			Names:     names,
			InputSize: cfg.InputSize,
		}
		pool, err := NewPool(model.Workers, func(int) (iface.Classifier, error) {
			return NewGoCVClassifier(opts)
		})
		if err != nil {
			return nil, fmt.Errorf("load classifier: %w", err)
		}
		logger.Log().Info("classifier loaded", zap.String("model", cfg.Path), zap.Int("workers", pool.Size()))
		return NewPooledClassifier(pool, cfg.Path), nil
	default:
		return nil, fmt.Errorf("unsupported classifier backend: %s", cfg.Backend)
	}
}

// Close releases models held by a detector or classifier, if any.
func Close(v any) error {
	if c, ok := v.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func loadNames(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	return ReadNames(path)
}

func warnUnhealthy(ctx context.Context, what, url string, check func(context.Context) error) {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	if err := check(ctx); err != nil {
		logger.Log().Warn("inference service not ready", zap.String("model", what), zap.String("url", url), zap.Error(err))
	}
}
