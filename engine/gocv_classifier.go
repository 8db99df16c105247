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

// GoCVClassifier runs a YOLO classification export. The exported graph
// already ends in softmax, so the row maximum is the confidence.
type GoCVClassifier struct {
	net   gocv.Net
	opts  ModelOptions
	names []string
}

func NewGoCVClassifier(opts ModelOptions) (*GoCVClassifier, error) {
	net, err := readNet(opts.Path, opts.Device)
	if err != nil {
		return nil, err
	}
	if opts.InputSize <= 0 {
		opts.InputSize = 224
	}
	return &GoCVClassifier{net: net, opts: opts, names: opts.Names}, nil
}

func (c *GoCVClassifier) Predict(ctx context.Context, crop image.Image) (iface.ClassResult, error) {
	if err := ctx.Err(); err != nil {
		return iface.ClassResult{}, err
	}
	mat, err := gocv.ImageToMatRGB(crop)
	if err != nil {
		return iface.ClassResult{}, fmt.Errorf("convert crop: %w", err)
	}
	defer mat.Close()
	if mat.Empty() {
		return iface.ClassResult{}, errors.New("convert crop: empty mat")
	}

	size := c.opts.InputSize
	blob := gocv.BlobFromImage(mat, 1.0/255.0, image.Pt(size, size), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()
	c.net.SetInput(blob, "")
	out := c.net.Forward("")
	defer out.Close()
	if out.Total() == 0 {
		return iface.ClassResult{}, errors.New("classifier returned no scores")
	}

	probs := out.Reshape(1, 1)
	defer probs.Close()
	_, maxVal, _, maxLoc := gocv.MinMaxLoc(probs)
	return iface.ClassResult{
		ClassID:    maxLoc.X,
		ClassName:  nameOf(c.names, maxLoc.X),
		Confidence: float64(maxVal),
	}, nil
}

func (c *GoCVClassifier) ModelPath() string { return c.opts.Path }

func (c *GoCVClassifier) Close() error {
	return c.net.Close()
}
