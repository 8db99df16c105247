package engine

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	iface "DendroDetServer/interface"
)

type fakeModel struct {
	id     int
	closed atomic.Bool
}

func (m *fakeModel) Close() error {
	m.closed.Store(true)
	return nil
}

func newFakePool(t *testing.T, size int) (*Pool[*fakeModel], []*fakeModel) {
	t.Helper()
	var models []*fakeModel
	var mu sync.Mutex
	p, err := NewPool(size, func(i int) (*fakeModel, error) {
		m := &fakeModel{id: i}
		mu.Lock()
		models = append(models, m)
		mu.Unlock()
		return m, nil
	})
	require.NoError(t, err)
	return p, models
}

func TestPoolRunsJobs(t *testing.T) {
	p, _ := newFakePool(t, 3)
	defer p.Close()
	assert.Equal(t, 3, p.Size())

	var count atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.Do(context.Background(), func(m *fakeModel) error {
				count.Add(1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(30), count.Load())
}

func TestPoolReturnsJobError(t *testing.T) {
	p, _ := newFakePool(t, 1)
	defer p.Close()

	boom := errors.New("boom")
	err := p.Do(context.Background(), func(*fakeModel) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestPoolRecoversPanic(t *testing.T) {
	p, _ := newFakePool(t, 1)
	defer p.Close()

	err := p.Do(context.Background(), func(*fakeModel) error { panic("bad tensor") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad tensor")

	// worker survives the panic
	assert.NoError(t, p.Do(context.Background(), func(*fakeModel) error { return nil }))
}

func TestPoolContextCancel(t *testing.T) {
	p, _ := newFakePool(t, 1)
	defer p.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = p.Do(context.Background(), func(*fakeModel) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Do(ctx, func(*fakeModel) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}

func TestPoolClose(t *testing.T) {
	p, models := newFakePool(t, 2)
	require.NoError(t, p.Close())
	for _, m := range models {
		assert.True(t, m.closed.Load())
	}
	assert.ErrorIs(t, p.Do(context.Background(), func(*fakeModel) error { return nil }), ErrPoolClosed)
	assert.NoError(t, p.Close())
}

func TestNewPoolLoadError(t *testing.T) {
	var created []*fakeModel
	_, err := NewPool(3, func(i int) (*fakeModel, error) {
		if i == 2 {
			return nil, errors.New("missing weights")
		}
		m := &fakeModel{id: i}
		created = append(created, m)
		return m, nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker 2")
	for _, m := range created {
		assert.True(t, m.closed.Load())
	}
}

type slowDetector struct{ delay time.Duration }

func (d slowDetector) Predict(_ context.Context, _ []byte) (iface.DetectionSet, error) {
	time.Sleep(d.delay)
	return iface.DetectionSet{Detections: []iface.Detection{{ID: 1, ClassName: "tree"}}}, nil
}

func (d slowDetector) Info() iface.DetectorInfo { return iface.DetectorInfo{} }

type slowClassifier struct{ delay time.Duration }

func (c slowClassifier) Predict(_ context.Context, _ image.Image) (iface.ClassResult, error) {
	time.Sleep(c.delay)
	return iface.ClassResult{ClassID: 3, ClassName: "oak", Confidence: 0.9}, nil
}

func (c slowClassifier) ModelPath() string { return "slow" }

func TestPooledDetectorTimeoutWhileRunning(t *testing.T) {
	pool, err := NewPool(1, func(int) (iface.Detector, error) {
		return slowDetector{delay: 50 * time.Millisecond}, nil
	})
	require.NoError(t, err)
	det := NewPooledDetector(pool, iface.DetectorInfo{})
	defer det.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	set, err := det.Predict(ctx, []byte("img"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, set.Detections)

	set, err = det.Predict(context.Background(), []byte("img"))
	require.NoError(t, err)
	assert.Len(t, set.Detections, 1)
}

func TestPooledClassifierTimeoutWhileRunning(t *testing.T) {
	pool, err := NewPool(1, func(int) (iface.Classifier, error) {
		return slowClassifier{delay: 50 * time.Millisecond}, nil
	})
	require.NoError(t, err)
	cls := NewPooledClassifier(pool, "slow")
	defer cls.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	res, err := cls.Predict(ctx, image.NewRGBA(image.Rect(0, 0, 4, 4)))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, iface.ClassResult{}, res)

	res, err = cls.Predict(context.Background(), image.NewRGBA(image.Rect(0, 0, 4, 4)))
	require.NoError(t, err)
	assert.Equal(t, "oak", res.ClassName)
}
