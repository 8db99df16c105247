package iface

import (
	"context"
	"image"
	"math"
)

type BoundingBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Rect returns the box as an integer rectangle, rounded outwards.
func (b BoundingBox) Rect() image.Rectangle {
	return image.Rect(
		int(math.Floor(b.X1)), int(math.Floor(b.Y1)),
		int(math.Ceil(b.X2)), int(math.Ceil(b.Y2)),
	)
}

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Detection is one object instance found by a detector. Species fields are
// attached by the pipeline after classification of the crop.
type Detection struct {
	ID                int          `json:"id"`
	ClassID           int          `json:"class_id"`
	ClassName         string       `json:"class_name"`
	Confidence        float64      `json:"confidence"`
	BBox              *BoundingBox `json:"bbox"`
	Center            Position     `json:"center"`
	Width             float64      `json:"width"`
	Height            float64      `json:"height"`
	Area              float64      `json:"area"`
	Species           *string      `json:"species"`
	SpeciesConfidence *float64     `json:"species_confidence"`
}

// NewDetection fills the derived geometry from the box corners.
func NewDetection(id, classID int, className string, conf float64, box BoundingBox) Detection {
	w := box.X2 - box.X1
	h := box.Y2 - box.Y1
	return Detection{
		ID:         id,
		ClassID:    classID,
		ClassName:  className,
		Confidence: conf,
		BBox:       &box,
		Center:     Position{X: (box.X1 + box.X2) / 2, Y: (box.Y1 + box.Y2) / 2},
		Width:      w,
		Height:     h,
		Area:       w * h,
	}
}

type ClassResult struct {
	ClassID    int     `json:"class_id"`
	ClassName  string  `json:"class_name"`
	Confidence float64 `json:"confidence"`
}

type DetectorInfo struct {
	ModelPath           string  `json:"model_path"`
	Device              string  `json:"device"`
	ConfidenceThreshold float64 `json:"confidence_threshold"`
	IouThreshold        float64 `json:"iou_threshold"`
}

type ClassifierInfo struct {
	ModelPath           string  `json:"model_path"`
	ConfidenceThreshold float64 `json:"confidence_threshold"`
}

// ModelInfo carries either the detector/classifier description or a
// status/message pair for results that never reached the models.
type ModelInfo struct {
	Status     string          `json:"status,omitempty"`
	Message    string          `json:"message,omitempty"`
	Detector   *DetectorInfo   `json:"detector,omitempty"`
	Classifier *ClassifierInfo `json:"classifier,omitempty"`
}

const (
	StatusDisabled = "disabled"
	StatusError    = "error"
)

type AnalysisResult struct {
	InferenceEnabled bool        `json:"inference_enabled"`
	Detections       []Detection `json:"detections"`
	ModelInfo        ModelInfo   `json:"model_info"`
}

type DetectionSet struct {
	Detections []Detection  `json:"detections"`
	ModelInfo  DetectorInfo `json:"model_info"`
}

// Detector turns raw image bytes into ordered detections.
type Detector interface {
	Predict(ctx context.Context, image []byte) (DetectionSet, error)
	Info() DetectorInfo
}

// Classifier labels a single crop.
type Classifier interface {
	Predict(ctx context.Context, crop image.Image) (ClassResult, error)
	ModelPath() string
}
