// Package pipeline fuses detector and classifier output: every detected box
// is cropped from the original image, classified, and the species label is
// attached to the detection when the classifier is confident enough.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	iface "DendroDetServer/interface"
	"DendroDetServer/logger"
)

const (
	MsgInvalidImage          = "file cannot be opened as an image"
	MsgDisabled              = "model inference disabled in configuration"
	MsgDetectorUnavailable   = "detector not initialized"
	MsgClassifierUnavailable = "classifier not initialized"

	DefaultClassifierThreshold = 0.5
)

var (
	ErrInvalidImage = errors.New("invalid image")
	ErrInference    = errors.New("inference failed")
)

type Options struct {
	EnableInference     bool
	ClassifierThreshold float64
}

// Pipeline holds no per-call state; one instance serves concurrent calls as
// long as the adapters do.
type Pipeline struct {
	detector   iface.Detector
	classifier iface.Classifier
	opts       Options
}

// New wires the adapters. A nil detector or classifier is reported per call
// as "not initialized" instead of failing construction.
func New(detector iface.Detector, classifier iface.Classifier, opts Options) *Pipeline {
	return &Pipeline{detector: detector, classifier: classifier, opts: opts}
}

// DecodeImage decodes any registered raster format. All decode failures map
// to ErrInvalidImage.
func DecodeImage(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return img, nil
}

// Process runs validation, the feature flag, detection and per-box
// classification. Pre-flight conditions come back as a structured result;
// adapter failures during inference come back as an error wrapping ErrInference.
func (p *Pipeline) Process(ctx context.Context, data []byte) (iface.AnalysisResult, error) {
	img, err := DecodeImage(data)
	if err != nil {
		logger.Log().Warn("rejecting upload", zap.Error(err))
		return statusResult(p.opts.EnableInference, iface.StatusError, MsgInvalidImage), nil
	}

	if !p.opts.EnableInference {
		return statusResult(false, iface.StatusDisabled, MsgDisabled), nil
	}
	if p.detector == nil {
		logger.Log().Error(MsgDetectorUnavailable)
		return statusResult(true, iface.StatusError, MsgDetectorUnavailable), nil
	}
	if p.classifier == nil {
		logger.Log().Error(MsgClassifierUnavailable)
		return statusResult(true, iface.StatusError, MsgClassifierUnavailable), nil
	}

	start := time.Now()
	set, err := p.detector.Predict(ctx, data)
	if err != nil {
		return iface.AnalysisResult{}, fmt.Errorf("%w: detector: %w", ErrInference, err)
	}

	detections := set.Detections
	if detections == nil {
		detections = []iface.Detection{}
	}
	for i := range detections {
		if err := p.classify(ctx, img, &detections[i]); err != nil {
			return iface.AnalysisResult{}, err
		}
	}

	logger.Log().Info("image processed",
		zap.Int("detections", len(detections)),
		zap.Duration("elapsed", time.Since(start)))

	detectorInfo := set.ModelInfo
	return iface.AnalysisResult{
		InferenceEnabled: true,
		Detections:       detections,
		ModelInfo: iface.ModelInfo{
			Detector: &detectorInfo,
			Classifier: &iface.ClassifierInfo{
				ModelPath:           p.classifier.ModelPath(),
				ConfidenceThreshold: p.opts.ClassifierThreshold,
			},
		},
	}, nil
}

func (p *Pipeline) classify(ctx context.Context, img image.Image, det *iface.Detection) error {
	det.Species = nil
	det.SpeciesConfidence = nil
	if det.BBox == nil {
		return nil
	}
	rect := det.BBox.Rect().Intersect(img.Bounds())
	if rect.Empty() {
		logger.Log().Warn("box outside image, skipping classification", zap.Int("id", det.ID))
		return nil
	}

	crop := imaging.Crop(img, rect)
	res, err := p.classifier.Predict(ctx, crop)
	if err != nil {
		return fmt.Errorf("%w: classifier on detection %d: %w", ErrInference, det.ID, err)
	}

	conf := res.Confidence
	det.SpeciesConfidence = &conf
	if conf >= p.opts.ClassifierThreshold {
		name := res.ClassName
		det.Species = &name
	}
	return nil
}

func statusResult(enabled bool, status, message string) iface.AnalysisResult {
	return iface.AnalysisResult{
		InferenceEnabled: enabled,
		Detections:       []iface.Detection{},
		ModelInfo:        iface.ModelInfo{Status: status, Message: message},
	}
}

type Info struct {
	Initialized      bool                  `json:"initialized"`
	InferenceEnabled bool                  `json:"inference_enabled"`
	Detector         *iface.DetectorInfo   `json:"detector_info,omitempty"`
	Classifier       *iface.ClassifierInfo `json:"classifier_info,omitempty"`
	Message          string                `json:"message,omitempty"`
}

// Info reports which adapters are available.
func (p *Pipeline) Info() Info {
	info := Info{InferenceEnabled: p.opts.EnableInference}
	if p.detector != nil {
		d := p.detector.Info()
		info.Detector = &d
	}
	if p.classifier != nil {
		info.Classifier = &iface.ClassifierInfo{
			ModelPath:           p.classifier.ModelPath(),
			ConfidenceThreshold: p.opts.ClassifierThreshold,
		}
	}
	switch {
	case p.detector == nil:
		info.Message = MsgDetectorUnavailable
	case p.classifier == nil:
		info.Message = MsgClassifierUnavailable
	default:
		info.Initialized = true
	}
	return info
}
