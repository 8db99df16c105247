package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	iface "DendroDetServer/interface"
)

type mockDetector struct {
	mu         sync.Mutex
	detections []iface.Detection
	err        error
	calls      int
}

func (m *mockDetector) Predict(ctx context.Context, image []byte) (iface.DetectionSet, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.err != nil {
		return iface.DetectionSet{}, m.err
	}
	// fresh copy per call, the pipeline mutates detections in place
	dets := append([]iface.Detection(nil), m.detections...)
	return iface.DetectionSet{Detections: dets, ModelInfo: m.Info()}, nil
}

func (m *mockDetector) Info() iface.DetectorInfo {
	return iface.DetectorInfo{ModelPath: "yolo11n.onnx", Device: "cpu", ConfidenceThreshold: 0.25, IouThreshold: 0.45}
}

type mockClassifier struct {
	mu     sync.Mutex
	result iface.ClassResult
	err    error
	crops  []image.Rectangle
}

func (m *mockClassifier) Predict(ctx context.Context, crop image.Image) (iface.ClassResult, error) {
	m.mu.Lock()
	m.crops = append(m.crops, crop.Bounds())
	m.mu.Unlock()
	return m.result, m.err
}

func (m *mockClassifier) ModelPath() string { return "yolo11n-cls.onnx" }

func jpegImage(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: uint8(x), B: uint8(y), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func treeDetector() *mockDetector {
	return &mockDetector{detections: []iface.Detection{
		iface.NewDetection(1, 0, "tree", 0.8, iface.BoundingBox{X1: 10, Y1: 10, X2: 50, Y2: 50}),
	}}
}

func TestProcess_InvalidImage(t *testing.T) {
	for _, enabled := range []bool{true, false} {
		det := treeDetector()
		p := New(det, &mockClassifier{}, Options{EnableInference: enabled, ClassifierThreshold: 0.5})
		for _, data := range [][]byte{nil, []byte("not an image"), jpegImage(t, 100, 100)[:20]} {
			res, err := p.Process(context.Background(), data)
			require.NoError(t, err)
			assert.Equal(t, enabled, res.InferenceEnabled)
			assert.Empty(t, res.Detections)
			assert.NotNil(t, res.Detections)
			assert.Equal(t, iface.StatusError, res.ModelInfo.Status)
			assert.Equal(t, MsgInvalidImage, res.ModelInfo.Message)
		}
		assert.Zero(t, det.calls)
	}
}

func TestProcess_Disabled(t *testing.T) {
	det := treeDetector()
	p := New(det, &mockClassifier{}, Options{EnableInference: false, ClassifierThreshold: 0.5})
	res, err := p.Process(context.Background(), jpegImage(t, 100, 100))
	require.NoError(t, err)
	assert.False(t, res.InferenceEnabled)
	assert.Empty(t, res.Detections)
	assert.Equal(t, iface.StatusDisabled, res.ModelInfo.Status)
	assert.Equal(t, MsgDisabled, res.ModelInfo.Message)
	assert.Zero(t, det.calls)
}

func TestProcess_DetectorNotInitialized(t *testing.T) {
	p := New(nil, &mockClassifier{}, Options{EnableInference: true, ClassifierThreshold: 0.5})
	res, err := p.Process(context.Background(), jpegImage(t, 100, 100))
	require.NoError(t, err)
	assert.True(t, res.InferenceEnabled)
	assert.Empty(t, res.Detections)
	assert.Equal(t, iface.StatusError, res.ModelInfo.Status)
	assert.Equal(t, MsgDetectorUnavailable, res.ModelInfo.Message)
}

func TestProcess_ClassifierNotInitialized(t *testing.T) {
	p := New(treeDetector(), nil, Options{EnableInference: true, ClassifierThreshold: 0.5})
	res, err := p.Process(context.Background(), jpegImage(t, 100, 100))
	require.NoError(t, err)
	assert.Equal(t, MsgClassifierUnavailable, res.ModelInfo.Message)
}

func TestProcess_SpeciesAssigned(t *testing.T) {
	cls := &mockClassifier{result: iface.ClassResult{ClassID: 1, ClassName: "oak", Confidence: 0.9}}
	p := New(treeDetector(), cls, Options{EnableInference: true, ClassifierThreshold: 0.5})

	res, err := p.Process(context.Background(), jpegImage(t, 100, 100))
	require.NoError(t, err)
	require.Len(t, res.Detections, 1)
	det := res.Detections[0]
	require.NotNil(t, det.Species)
	assert.Equal(t, "oak", *det.Species)
	require.NotNil(t, det.SpeciesConfidence)
	assert.Equal(t, 0.9, *det.SpeciesConfidence)

	require.Len(t, cls.crops, 1)
	assert.Equal(t, 40, cls.crops[0].Dx())
	assert.Equal(t, 40, cls.crops[0].Dy())

	assert.True(t, res.InferenceEnabled)
	assert.Empty(t, res.ModelInfo.Status)
	require.NotNil(t, res.ModelInfo.Detector)
	assert.Equal(t, "yolo11n.onnx", res.ModelInfo.Detector.ModelPath)
	require.NotNil(t, res.ModelInfo.Classifier)
	assert.Equal(t, "yolo11n-cls.onnx", res.ModelInfo.Classifier.ModelPath)
	assert.Equal(t, 0.5, res.ModelInfo.Classifier.ConfidenceThreshold)
}

func TestProcess_BelowThresholdKeepsConfidence(t *testing.T) {
	cls := &mockClassifier{result: iface.ClassResult{ClassID: 1, ClassName: "oak", Confidence: 0.6}}
	p := New(treeDetector(), cls, Options{EnableInference: true, ClassifierThreshold: 0.7})

	res, err := p.Process(context.Background(), jpegImage(t, 100, 100))
	require.NoError(t, err)
	det := res.Detections[0]
	assert.Nil(t, det.Species)
	require.NotNil(t, det.SpeciesConfidence)
	assert.Equal(t, 0.6, *det.SpeciesConfidence)
}

func TestProcess_ThresholdIsInclusive(t *testing.T) {
	cls := &mockClassifier{result: iface.ClassResult{ClassName: "birch", Confidence: 0.7}}
	p := New(treeDetector(), cls, Options{EnableInference: true, ClassifierThreshold: 0.7})

	res, err := p.Process(context.Background(), jpegImage(t, 100, 100))
	require.NoError(t, err)
	require.NotNil(t, res.Detections[0].Species)
	assert.Equal(t, "birch", *res.Detections[0].Species)
}

func TestProcess_MissingOrOutsideBoxSkipsClassifier(t *testing.T) {
	outside := iface.NewDetection(2, 0, "tree", 0.4, iface.BoundingBox{X1: 500, Y1: 500, X2: 600, Y2: 600})
	det := &mockDetector{detections: []iface.Detection{
		{ID: 1, ClassName: "tree", Confidence: 0.5},
		outside,
	}}
	cls := &mockClassifier{result: iface.ClassResult{ClassName: "oak", Confidence: 0.9}}
	p := New(det, cls, Options{EnableInference: true, ClassifierThreshold: 0.5})

	res, err := p.Process(context.Background(), jpegImage(t, 100, 100))
	require.NoError(t, err)
	require.Len(t, res.Detections, 2)
	for _, d := range res.Detections {
		assert.Nil(t, d.Species)
		assert.Nil(t, d.SpeciesConfidence)
	}
	assert.Empty(t, cls.crops)
}

func TestProcess_BoxClampedToImage(t *testing.T) {
	det := &mockDetector{detections: []iface.Detection{
		iface.NewDetection(1, 0, "tree", 0.9, iface.BoundingBox{X1: -10, Y1: 60, X2: 30, Y2: 140}),
	}}
	cls := &mockClassifier{result: iface.ClassResult{ClassName: "pine", Confidence: 0.8}}
	p := New(det, cls, Options{EnableInference: true, ClassifierThreshold: 0.5})

	_, err := p.Process(context.Background(), jpegImage(t, 100, 100))
	require.NoError(t, err)
	require.Len(t, cls.crops, 1)
	assert.Equal(t, 30, cls.crops[0].Dx())
	assert.Equal(t, 40, cls.crops[0].Dy())
}

func TestProcess_PreservesOrderAndIDs(t *testing.T) {
	det := &mockDetector{detections: []iface.Detection{
		iface.NewDetection(1, 0, "tree", 0.9, iface.BoundingBox{X1: 0, Y1: 0, X2: 10, Y2: 10}),
		iface.NewDetection(2, 1, "bush", 0.8, iface.BoundingBox{X1: 20, Y1: 20, X2: 40, Y2: 40}),
		iface.NewDetection(3, 0, "tree", 0.7, iface.BoundingBox{X1: 50, Y1: 50, X2: 90, Y2: 90}),
	}}
	cls := &mockClassifier{result: iface.ClassResult{ClassName: "oak", Confidence: 0.9}}
	p := New(det, cls, Options{EnableInference: true, ClassifierThreshold: 0.5})

	res, err := p.Process(context.Background(), jpegImage(t, 100, 100))
	require.NoError(t, err)
	require.Len(t, res.Detections, 3)
	for i, d := range res.Detections {
		assert.Equal(t, i+1, d.ID)
	}
	assert.Equal(t, "bush", res.Detections[1].ClassName)
	assert.Len(t, cls.crops, 3)
}

func TestProcess_NoDetections(t *testing.T) {
	p := New(&mockDetector{}, &mockClassifier{}, Options{EnableInference: true, ClassifierThreshold: 0.5})
	res, err := p.Process(context.Background(), jpegImage(t, 64, 64))
	require.NoError(t, err)
	assert.NotNil(t, res.Detections)
	assert.Empty(t, res.Detections)
	assert.NotNil(t, res.ModelInfo.Detector)
}

func TestProcess_InferenceFailuresPropagate(t *testing.T) {
	boom := errors.New("cuda out of memory")

	p := New(&mockDetector{err: boom}, &mockClassifier{}, Options{EnableInference: true, ClassifierThreshold: 0.5})
	_, err := p.Process(context.Background(), jpegImage(t, 100, 100))
	assert.ErrorIs(t, err, ErrInference)
	assert.ErrorIs(t, err, boom)

	p = New(treeDetector(), &mockClassifier{err: boom}, Options{EnableInference: true, ClassifierThreshold: 0.5})
	_, err = p.Process(context.Background(), jpegImage(t, 100, 100))
	assert.ErrorIs(t, err, ErrInference)
	assert.ErrorIs(t, err, boom)
}

func TestProcess_PNGInput(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 80, 80))
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	cls := &mockClassifier{result: iface.ClassResult{ClassName: "oak", Confidence: 0.9}}
	p := New(treeDetector(), cls, Options{EnableInference: true, ClassifierThreshold: 0.5})
	res, err := p.Process(context.Background(), buf.Bytes())
	require.NoError(t, err)
	assert.Len(t, res.Detections, 1)
}

func TestProcess_Concurrent(t *testing.T) {
	cls := &mockClassifier{result: iface.ClassResult{ClassName: "oak", Confidence: 0.9}}
	p := New(&mockDetector{detections: treeDetector().detections}, cls, Options{EnableInference: true, ClassifierThreshold: 0.5})
	data := jpegImage(t, 100, 100)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Process(context.Background(), data)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestInfo(t *testing.T) {
	p := New(nil, nil, Options{EnableInference: true, ClassifierThreshold: 0.5})
	info := p.Info()
	assert.False(t, info.Initialized)
	assert.Equal(t, MsgDetectorUnavailable, info.Message)

	p = New(treeDetector(), &mockClassifier{}, Options{EnableInference: true, ClassifierThreshold: 0.6})
	info = p.Info()
	assert.True(t, info.Initialized)
	require.NotNil(t, info.Detector)
	require.NotNil(t, info.Classifier)
	assert.Equal(t, 0.6, info.Classifier.ConfidenceThreshold)
}
