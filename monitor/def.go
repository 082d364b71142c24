// Package monitor exposes process and pipeline metrics for Prometheus.
package monitor

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"

	"EggDetServer/pipeline"
)

// SampleInterval 进程资源采样间隔
const SampleInterval = 500 * time.Millisecond

// Metrics owns a private registry with the service's collectors.
type Metrics struct {
	Registry *prometheus.Registry

	memUsage    prometheus.Gauge
	cpuUsage    prometheus.Gauge
	images      *prometheus.CounterVec
	detections  *prometheus.CounterVec
	jobs        *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	APITotal    prometheus.Counter
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		memUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "memory_usage_megabytes",
			Help: "Resident memory of the process in megabytes",
		}),
		cpuUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cpu_usage_percent",
			Help: "CPU usage of the process in percent",
		}),
		images: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eggdet_images_total",
			Help: "Images examined by a job stage",
		}, []string{"stage", "result"}),
		detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eggdet_detections_total",
			Help: "Detections before and after suppression",
		}, []string{"state"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eggdet_jobs_total",
			Help: "Finished jobs by stage and outcome",
		}, []string{"stage", "outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eggdet_job_duration_seconds",
			Help:    "Wall time of finished jobs",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"stage"}),
		APITotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eggdet_api_requests_total",
			Help: "Total number of API requests processed",
		}),
	}
	m.Registry.MustRegister(m.memUsage, m.cpuUsage, m.images, m.detections, m.jobs, m.jobDuration, m.APITotal)
	return m
}

func (m *Metrics) ObserveImage(stage pipeline.Stage, result string) {
	m.images.WithLabelValues(string(stage), result).Inc()
}

func (m *Metrics) ObserveDetections(raw, kept int) {
	m.detections.WithLabelValues("raw").Add(float64(raw))
	m.detections.WithLabelValues("kept").Add(float64(kept))
}

func (m *Metrics) ObserveJob(stage pipeline.Stage, outcome string, elapsed time.Duration) {
	m.jobs.WithLabelValues(string(stage), outcome).Inc()
	m.jobDuration.WithLabelValues(string(stage)).Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// CheckProcessInfo 采样 p 的内存和 CPU 占用
func (m *Metrics) CheckProcessInfo(p *process.Process) {
	if memInfo, err := p.MemoryInfo(); err == nil {
		m.memUsage.Set(float64(memInfo.RSS / 1024 / 1024))
	}
	if cpu, err := p.CPUPercent(); err == nil {
		m.cpuUsage.Set(math.Round(cpu*100) / 100)
	}
}

// StartMon 在 port 上提供 /metrics，并持续采样当前进程，直到 ctx 结束
func (m *Metrics) StartMon(ctx context.Context, port int, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	pid, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return errors.Wrap(err, "inspect own process")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("metrics server listening", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	ticker := time.NewTicker(SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		case err, ok := <-serveErr:
			if ok {
				return errors.Wrap(err, "metrics server")
			}
			serveErr = nil
		case <-ticker.C:
			m.CheckProcessInfo(pid)
		}
	}
}
