package engine

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"runtime"
	"sync"

	"go.uber.org/zap"

	iface "DendroDetServer/interface"
	"DendroDetServer/logger"
)

var ErrPoolClosed = errors.New("worker pool closed")

type job[M any] struct {
	fn   func(M) error
	done chan error
}

// Pool runs jobs on a fixed set of workers, each owning one model instance.
// Models that are not safe for concurrent use are only ever touched by the
// worker goroutine that created them.
type Pool[M any] struct {
	jobs   chan job[M]
	models []M
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewPool creates size models up front so load errors surface at startup.
func NewPool[M any](size int, newModel func(worker int) (M, error)) (*Pool[M], error) {
	if size <= 0 {
		size = 1
	}
	p := &Pool[M]{jobs: make(chan job[M], size)}
	for i := 0; i < size; i++ {
		m, err := newModel(i)
		if err != nil {
			p.closeModels()
			return nil, fmt.Errorf("create model for worker %d: %w", i, err)
		}
		p.models = append(p.models, m)
	}
	for i, m := range p.models {
		p.wg.Add(1)
		go p.runWorker(i, m)
	}
	return p, nil
}

func (p *Pool[M]) runWorker(id int, model M) {
	defer p.wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	logger.Log().Debug("worker started", zap.Int("worker", id))
	for j := range p.jobs {
		j.done <- p.exec(id, model, j.fn)
	}
}

func (p *Pool[M]) exec(id int, model M, fn func(M) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log().Error("worker panic recovered", zap.Int("worker", id), zap.Any("panic", r))
			err = fmt.Errorf("worker %d panic: %v", id, r)
		}
	}()
	return fn(model)
}

// Do runs fn on the next free worker and waits for it.
func (p *Pool[M]) Do(ctx context.Context, fn func(M) error) error {
	j := job[M]{fn: fn, done: make(chan error, 1)}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrPoolClosed
	}
	select {
	case p.jobs <- j:
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call runs fn on p and hands its value back only when the job completed.
// On cancellation the worker may still be running, so the value is dropped.
func call[M, T any](ctx context.Context, p *Pool[M], fn func(M) (T, error)) (T, error) {
	out := make(chan T, 1)
	err := p.Do(ctx, func(m M) error {
		v, err := fn(m)
		if err != nil {
			return err
		}
		out <- v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return <-out, nil
}

func (p *Pool[M]) Size() int { return len(p.models) }

// Close stops the workers after queued jobs finish and closes the models.
func (p *Pool[M]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
	return p.closeModels()
}

func (p *Pool[M]) closeModels() error {
	var errs []error
	for _, m := range p.models {
		if c, ok := any(m).(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

type PooledDetector struct {
	pool *Pool[iface.Detector]
	info iface.DetectorInfo
}

func NewPooledDetector(pool *Pool[iface.Detector], info iface.DetectorInfo) *PooledDetector {
	return &PooledDetector{pool: pool, info: info}
}

func (d *PooledDetector) Predict(ctx context.Context, data []byte) (iface.DetectionSet, error) {
	return call(ctx, d.pool, func(m iface.Detector) (iface.DetectionSet, error) {
		return m.Predict(ctx, data)
	})
}

func (d *PooledDetector) Info() iface.DetectorInfo { return d.info }

func (d *PooledDetector) Close() error { return d.pool.Close() }

type PooledClassifier struct {
	pool      *Pool[iface.Classifier]
	modelPath string
}

func NewPooledClassifier(pool *Pool[iface.Classifier], modelPath string) *PooledClassifier {
	return &PooledClassifier{pool: pool, modelPath: modelPath}
}

func (c *PooledClassifier) Predict(ctx context.Context, crop image.Image) (iface.ClassResult, error) {
	return call(ctx, c.pool, func(m iface.Classifier) (iface.ClassResult, error) {
		return m.Predict(ctx, crop)
	})
}

func (c *PooledClassifier) ModelPath() string { return c.modelPath }

func (c *PooledClassifier) Close() error { return c.pool.Close() }
