// Package metrics exposes prometheus collectors for conversation activity.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "surveychat_messages_sent_total",
		Help: "Completed participant/model exchanges by page behavior.",
	}, []string{"behavior"})
	rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "surveychat_rejections_total",
		Help: "Rejected actions by action and reason code.",
	}, []string{"action", "code"})
	modelCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "surveychat_model_call_duration_seconds",
		Help:    "Latency of model collaborator calls.",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 8),
	}, []string{"model"})
	modelErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "surveychat_model_errors_total",
		Help: "Failed model collaborator calls.",
	}, []string{"model"})
	transcriptImports = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "surveychat_transcript_imports_total",
		Help: "Transcript imports by result (imported, unchanged, failed).",
	}, []string{"result"})
)

func MessageSent(behavior string) {
	messagesSent.WithLabelValues(behavior).Inc()
}

func Rejected(action, code string) {
	rejections.WithLabelValues(action, code).Inc()
}

// ModelCall records the outcome of one collaborator call.
func ModelCall(modelID int64, elapsed time.Duration, err error) {
	label := strconv.FormatInt(modelID, 10)
	modelCallDuration.WithLabelValues(label).Observe(elapsed.Seconds())
	if err != nil {
		modelErrors.WithLabelValues(label).Inc()
	}
}

func TranscriptImport(result string) {
	transcriptImports.WithLabelValues(result).Inc()
}
