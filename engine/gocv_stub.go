//go:build !gocv
// +build !gocv

package engine

import (
	"context"
	"errors"
	"image"

	iface "DendroDetServer/interface"
)

var errNoGoCV = errors.New("gocv build tag is not enabled")

type GoCVDetector struct{ opts ModelOptions }

func NewGoCVDetector(opts ModelOptions) (*GoCVDetector, error) {
	return nil, errNoGoCV
}

func (d *GoCVDetector) Predict(ctx context.Context, data []byte) (iface.DetectionSet, error) {
	return iface.DetectionSet{}, errNoGoCV
}

func (d *GoCVDetector) Info() iface.DetectorInfo {
	return iface.DetectorInfo{ModelPath: d.opts.Path, Device: d.opts.Device}
}

func (d *GoCVDetector) Close() error { return nil }

type GoCVClassifier struct{ opts ModelOptions }

func NewGoCVClassifier(opts ModelOptions) (*GoCVClassifier, error) {
	return nil, errNoGoCV
}

func (c *GoCVClassifier) Predict(ctx context.Context, crop image.Image) (iface.ClassResult, error) {
	return iface.ClassResult{}, errNoGoCV
}

func (c *GoCVClassifier) ModelPath() string { return c.opts.Path }

func (c *GoCVClassifier) Close() error { return nil }
