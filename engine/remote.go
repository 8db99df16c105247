package engine

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"strconv"
	"time"

	"github.com/disintegration/imaging"
	"github.com/go-resty/resty/v2"

	iface "DendroDetServer/interface"
)

type remoteDetection struct {
	ClassID    int                `json:"class_id"`
	ClassName  string             `json:"class_name"`
	Confidence float64            `json:"confidence"`
	BBox       *iface.BoundingBox `json:"bbox"`
}

type remoteDetections struct {
	Detections []remoteDetection   `json:"detections"`
	ModelInfo  *iface.DetectorInfo `json:"model_info"`
}

type remoteError struct {
	Detail string `json:"detail"`
	Error  string `json:"error"`
}

// RemoteDetector calls an inference sidecar over HTTP. It holds no model
// state and is safe for concurrent use.
type RemoteDetector struct {
	client *resty.Client
	info   iface.DetectorInfo
}

func NewRemoteDetector(baseURL string, info iface.DetectorInfo, timeout time.Duration) *RemoteDetector {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &RemoteDetector{
		client: resty.New().SetBaseURL(baseURL).SetTimeout(timeout),
		info:   info,
	}
}

// CheckHealth probes GET /health.
func (d *RemoteDetector) CheckHealth(ctx context.Context) error {
	return checkHealth(ctx, d.client)
}

func (d *RemoteDetector) Predict(ctx context.Context, data []byte) (iface.DetectionSet, error) {
	var out remoteDetections
	resp, err := d.client.R().
		SetContext(ctx).
		SetFileReader("file", "image", bytes.NewReader(data)).
		SetFormData(map[string]string{
			"conf": strconv.FormatFloat(d.info.ConfidenceThreshold, 'f', -1, 64),
			"iou":  strconv.FormatFloat(d.info.IouThreshold, 'f', -1, 64),
		}).
		SetResult(&out).
		SetError(&remoteError{}).
		Post("/predict")
	if err != nil {
		return iface.DetectionSet{}, fmt.Errorf("send request: %w", err)
	}
	if resp.IsError() {
		return iface.DetectionSet{}, statusError(resp)
	}

	dets := make([]iface.Detection, 0, len(out.Detections))
	for i, rd := range out.Detections {
		if rd.BBox == nil {
			dets = append(dets, iface.Detection{ID: i + 1, ClassID: rd.ClassID, ClassName: rd.ClassName, Confidence: rd.Confidence})
			continue
		}
		dets = append(dets, iface.NewDetection(i+1, rd.ClassID, rd.ClassName, rd.Confidence, *rd.BBox))
	}
	info := d.info
	if out.ModelInfo != nil && out.ModelInfo.ModelPath != "" {
		info = *out.ModelInfo
	}
	return iface.DetectionSet{Detections: dets, ModelInfo: info}, nil
}

func (d *RemoteDetector) Info() iface.DetectorInfo { return d.info }

type RemoteClassifier struct {
	client    *resty.Client
	modelPath string
}

func NewRemoteClassifier(baseURL, modelPath string, timeout time.Duration) *RemoteClassifier {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &RemoteClassifier{
		client:    resty.New().SetBaseURL(baseURL).SetTimeout(timeout),
		modelPath: modelPath,
	}
}

func (c *RemoteClassifier) CheckHealth(ctx context.Context) error {
	return checkHealth(ctx, c.client)
}

func (c *RemoteClassifier) Predict(ctx context.Context, crop image.Image) (iface.ClassResult, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, crop, imaging.PNG); err != nil {
		return iface.ClassResult{}, fmt.Errorf("encode crop: %w", err)
	}
	var out iface.ClassResult
	resp, err := c.client.R().
		SetContext(ctx).
		SetFileReader("file", "crop.png", &buf).
		SetResult(&out).
		SetError(&remoteError{}).
		Post("/classify")
	if err != nil {
		return iface.ClassResult{}, fmt.Errorf("send request: %w", err)
	}
	if resp.IsError() {
		return iface.ClassResult{}, statusError(resp)
	}
	return out, nil
}

func (c *RemoteClassifier) ModelPath() string { return c.modelPath }

func checkHealth(ctx context.Context, client *resty.Client) error {
	resp, err := client.R().SetContext(ctx).Get("/health")
	if err != nil {
		return fmt.Errorf("inference service unreachable: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("inference service unhealthy: %d", resp.StatusCode())
	}
	return nil
}

func statusError(resp *resty.Response) error {
	if e, ok := resp.Error().(*remoteError); ok {
		switch {
		case e.Detail != "":
			return fmt.Errorf("inference failed with status %d: %s", resp.StatusCode(), e.Detail)
		case e.Error != "":
			return fmt.Errorf("inference failed with status %d: %s", resp.StatusCode(), e.Error)
		}
	}
	return fmt.Errorf("inference failed with status: %d", resp.StatusCode())
}
