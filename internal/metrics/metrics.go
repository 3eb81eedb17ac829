package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/skydir/trustpipe/internal/health"
	"go.uber.org/zap"
)

var (
	JobsTotal           = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "trustpipe_jobs_total", Help: "queue jobs processed"}, []string{"kind", "status"})
	JobRetries          = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "trustpipe_job_retries_total", Help: "job handler retries"}, []string{"kind"})
	FetchesTotal        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "trustpipe_manifest_fetches_total", Help: "manifest fetch attempts"}, []string{"status"})
	ChallengesTotal     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "trustpipe_challenges_total", Help: "challenge transitions"}, []string{"status"})
	VerificationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "trustpipe_verification_seconds",
		Help:    "latency from challenge issue to verified evidence",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "trustpipe_events_total", Help: "pipeline events emitted"}, []string{"type"})
)

func init() {
	prometheus.MustRegister(JobsTotal, JobRetries, FetchesTotal, ChallengesTotal, VerificationSeconds, EventsTotal)
}

func Serve(addr string, log *zap.SugaredLogger) {
	http.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Warnw("metrics server stopped", "err", err)
	}
}

func ServeWithHealth(addr string, healthHandler *health.Handler, log *zap.SugaredLogger) {
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/health", healthHandler.HealthHandler)
	http.HandleFunc("/ready", healthHandler.ReadinessHandler)
	http.HandleFunc("/live", healthHandler.LivenessHandler)
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Warnw("metrics server stopped", "err", err)
	}
}
