//go:build gocv
// +build gocv

package engine

import (
	"context"
	"errors"
	"fmt"
	"image"

	"gocv.io/x/gocv"

	iface "DendroDetServer/interface"
)

// GoCVDetector runs a YOLO ONNX export through the OpenCV DNN module.
// A Net is not safe for concurrent use; wrap it in a Pool.
type GoCVDetector struct {
	net   gocv.Net
	opts  ModelOptions
	names []string
}

func NewGoCVDetector(opts ModelOptions) (*GoCVDetector, error) {
	net, err := readNet(opts.Path, opts.Device)
	if err != nil {
		return nil, err
	}
	if opts.InputSize <= 0 {
		opts.InputSize = 640
	}
	return &GoCVDetector{net: net, opts: opts, names: opts.Names}, nil
}

func readNet(path, device string) (gocv.Net, error) {
	net := gocv.ReadNet(path, "")
	if net.Empty() {
		return net, fmt.Errorf("load model %s: empty network", path)
	}
	backend, target := gocv.NetBackendDefault, gocv.NetTargetCPU
	if device == "cuda" || device == "gpu" {
		backend, target = gocv.NetBackendCUDA, gocv.NetTargetCUDA
	}
	if err := net.SetPreferableBackend(backend); err != nil {
		net.Close()
		return net, fmt.Errorf("set backend: %w", err)
	}
	if err := net.SetPreferableTarget(target); err != nil {
		net.Close()
		return net, fmt.Errorf("set target: %w", err)
	}
	return net, nil
}

func (d *GoCVDetector) Predict(ctx context.Context, data []byte) (iface.DetectionSet, error) {
	if err := ctx.Err(); err != nil {
		return iface.DetectionSet{}, err
	}
	img, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return iface.DetectionSet{}, fmt.Errorf("decode image: %w", err)
	}
	defer img.Close()
	if img.Empty() {
		return iface.DetectionSet{}, errors.New("decode image: empty mat")
	}

	size := d.opts.InputSize
	blob := gocv.BlobFromImage(img, 1.0/255.0, image.Pt(size, size), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()
	d.net.SetInput(blob, "")
	out := d.net.Forward("")
	defer out.Close()

	// YOLOv8+ output is [1, 4+nc, N]; transpose to one row per candidate.
	dims := out.Size()
	if len(dims) != 3 || dims[1] <= 4 {
		return iface.DetectionSet{}, fmt.Errorf("unexpected output shape %v", dims)
	}
	flat := out.Reshape(1, dims[1])
	defer flat.Close()
	rows := gocv.NewMat()
	defer rows.Close()
	gocv.Transpose(flat, &rows)

	sx := float64(img.Cols()) / float64(size)
	sy := float64(img.Rows()) / float64(size)
	w, h := float64(img.Cols()), float64(img.Rows())

	var (
		rects   []image.Rectangle
		boxes   []iface.BoundingBox
		scores  []float32
		classes []int
	)
	for i := 0; i < rows.Rows(); i++ {
		row := rows.RowRange(i, i+1)
		cls := row.ColRange(4, rows.Cols())
		_, maxVal, _, maxLoc := gocv.MinMaxLoc(cls)
		cls.Close()
		if float64(maxVal) < d.opts.ConfidenceThreshold {
			row.Close()
			continue
		}
		cx := float64(row.GetFloatAt(0, 0))
		cy := float64(row.GetFloatAt(0, 1))
		bw := float64(row.GetFloatAt(0, 2))
		bh := float64(row.GetFloatAt(0, 3))
		row.Close()

		box := iface.BoundingBox{
			X1: clamp((cx-bw/2)*sx, 0, w),
			Y1: clamp((cy-bh/2)*sy, 0, h),
			X2: clamp((cx+bw/2)*sx, 0, w),
			Y2: clamp((cy+bh/2)*sy, 0, h),
		}
		boxes = append(boxes, box)
		rects = append(rects, box.Rect())
		scores = append(scores, maxVal)
		classes = append(classes, maxLoc.X)
	}

	dets := []iface.Detection{}
	if len(rects) > 0 {
		keep := gocv.NMSBoxes(rects, scores, float32(d.opts.ConfidenceThreshold), float32(d.opts.IouThreshold))
		for n, k := range keep {
			dets = append(dets, iface.NewDetection(n+1, classes[k], nameOf(d.names, classes[k]), float64(scores[k]), boxes[k]))
		}
	}
	return iface.DetectionSet{Detections: dets, ModelInfo: d.Info()}, nil
}

func (d *GoCVDetector) Info() iface.DetectorInfo {
	return iface.DetectorInfo{
		ModelPath:           d.opts.Path,
		Device:              d.opts.Device,
		ConfidenceThreshold: d.opts.ConfidenceThreshold,
		IouThreshold:        d.opts.IouThreshold,
	}
}

func (d *GoCVDetector) Close() error {
	return d.net.Close()
}
