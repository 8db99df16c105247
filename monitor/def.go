package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"

	"DendroDetServer/logger"
)

const sampleInterval = 500 * time.Millisecond

// Metrics is safe to use through a nil pointer; every method is then a no-op.
type Metrics struct {
	registry   *prometheus.Registry
	requests   *prometheus.CounterVec
	detections prometheus.Counter
	inference  prometheus.Histogram
	memUsage   prometheus.Gauge
	cpuUsage   prometheus.Gauge
	proc       *process.Process
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "requests_total",
			Help: "Total number of analysis requests by transport and outcome",
		}, []string{"transport", "status"}),
		detections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "detections_total",
			Help: "Total number of objects detected",
		}),
		inference: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "inference_duration_seconds",
			Help:    "Time spent in the detection and classification pipeline",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		memUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "memory_usage_megabytes",
			Help: "Memory usage in Megabytes",
		}),
		cpuUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cpu_usage_percent",
			Help: "CPU usage in percent",
		}),
	}
	m.registry.MustRegister(m.requests, m.detections, m.inference, m.memUsage, m.cpuUsage)
	return m
}

func (m *Metrics) ObserveRequest(transport, status string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(transport, status).Inc()
}

func (m *Metrics) ObserveInference(d time.Duration, detections int) {
	if m == nil {
		return
	}
	m.inference.Observe(d.Seconds())
	m.detections.Add(float64(detections))
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) checkProcessInfo() {
	if m.proc == nil {
		return
	}
	if mem, err := m.proc.MemoryInfo(); err == nil {
		m.memUsage.Set(float64(mem.RSS / 1024 / 1024))
	}
	if cpu, err := m.proc.CPUPercent(); err == nil {
		m.cpuUsage.Set(math.Round(cpu*100) / 100)
	}
}

// StartMon serves /metrics on port and samples process usage until ctx is done.
func (m *Metrics) StartMon(ctx context.Context, port int) {
	if m == nil {
		return
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Log().Warn("process metrics unavailable", zap.Error(err))
	}
	m.proc = proc

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Log().Info("metrics server listening", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log().Error("metrics server failed", zap.Error(err))
		}
	}()

	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()
checkPcs:
	for {
		select {
		case <-ctx.Done():
			break checkPcs
		case <-ticker.C:
			m.checkProcessInfo()
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log().Error("metrics server shutdown", zap.Error(err))
	}
}
