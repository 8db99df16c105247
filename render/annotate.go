// Package render turns analysis results into images, tables and text.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"strconv"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	iface "DendroDetServer/interface"
	"DendroDetServer/pipeline"
)

const (
	FormatJPEG = "jpeg"
	FormatPNG  = "png"
	FormatWebP = "webp"

	lineWidth = 2
	labelPad  = 2
)

var palette = []color.NRGBA{
	{R: 46, G: 204, B: 113, A: 255},
	{R: 231, G: 76, B: 60, A: 255},
	{R: 52, G: 152, B: 219, A: 255},
	{R: 241, G: 196, B: 15, A: 255},
	{R: 155, G: 89, B: 182, A: 255},
	{R: 230, G: 126, B: 34, A: 255},
}

// Annotator draws detection boxes with their ids onto the source image.
type Annotator struct {
	Format  string
	Quality int
}

func NewAnnotator(format string, quality int) *Annotator {
	if format == "" {
		format = FormatJPEG
	}
	if quality <= 0 || quality > 100 {
		quality = 90
	}
	return &Annotator{Format: format, Quality: quality}
}

// ContentType is the MIME type of the annotator's output.
func (a *Annotator) ContentType() string {
	return ContentType(a.Format)
}

func ContentType(format string) string {
	switch format {
	case FormatPNG:
		return "image/png"
	case FormatWebP:
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

// Annotate returns data with every boxed detection outlined and labelled.
// Detections without a box are skipped.
func (a *Annotator) Annotate(data []byte, result iface.AnalysisResult) ([]byte, error) {
	src, err := pipeline.DecodeImage(data)
	if err != nil {
		return nil, err
	}
	canvas := imaging.Clone(src)
	bounds := canvas.Bounds()

	for _, d := range result.Detections {
		if d.BBox == nil {
			continue
		}
		r := d.BBox.Rect().Intersect(bounds)
		if r.Empty() {
			continue
		}
		c := palette[classIndex(d.ClassID)%len(palette)]
		drawRect(canvas, r, c)
		drawLabel(canvas, r, strconv.Itoa(d.ID), c)
	}
	return a.encode(canvas)
}

func classIndex(id int) int {
	if id < 0 {
		return -id
	}
	return id
}

func drawRect(img *image.NRGBA, r image.Rectangle, c color.NRGBA) {
	u := image.NewUniform(c)
	w := min(lineWidth, r.Dx(), r.Dy())
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+w),
		image.Rect(r.Min.X, r.Max.Y-w, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+w, r.Max.Y),
		image.Rect(r.Max.X-w, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(img, e, u, image.Point{}, draw.Src)
	}
}

// drawLabel puts text on a filled background at the box's top-left corner,
// inside the box and the image.
func drawLabel(img *image.NRGBA, box image.Rectangle, text string, bg color.NRGBA) {
	face := basicfont.Face7x13
	d := &font.Drawer{Face: face}
	tw := d.MeasureString(text).Ceil()
	metrics := face.Metrics()
	th := (metrics.Ascent + metrics.Descent).Ceil()

	label := image.Rect(box.Min.X, box.Min.Y, box.Min.X+tw+2*labelPad, box.Min.Y+th+2*labelPad)
	b := img.Bounds()
	if label.Max.X > b.Max.X {
		label = label.Sub(image.Pt(label.Max.X-b.Max.X, 0))
	}
	if label.Max.Y > b.Max.Y {
		label = label.Sub(image.Pt(0, label.Max.Y-b.Max.Y))
	}
	label = label.Intersect(b)
	draw.Draw(img, label, image.NewUniform(bg), image.Point{}, draw.Src)

	d.Dst = img
	d.Src = image.NewUniform(textColor(bg))
	d.Dot = fixed.Point26_6{
		X: fixed.I(label.Min.X + labelPad),
		Y: fixed.I(label.Min.Y+labelPad) + metrics.Ascent,
	}
	d.DrawString(text)
}

func textColor(bg color.NRGBA) color.Color {
	// relative luminance, integer approximation
	if (299*int(bg.R)+587*int(bg.G)+114*int(bg.B))/1000 > 140 {
		return color.Black
	}
	return color.White
}

func (a *Annotator) encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	switch a.Format {
	case FormatJPEG:
		err = imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(a.Quality))
	case FormatPNG:
		err = imaging.Encode(&buf, img, imaging.PNG)
	case FormatWebP:
		err = webp.Encode(&buf, img, &webp.Options{Quality: float32(a.Quality)})
	default:
		return nil, fmt.Errorf("unsupported image format: %s", a.Format)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", a.Format, err)
	}
	return buf.Bytes(), nil
}
