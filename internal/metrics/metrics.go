// Package metrics holds the Prometheus collectors for the face memory service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// IdentitiesTotal is the current number of identities by kind ("named", "unnamed").
	IdentitiesTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "face_memory_identities",
			Help: "Current number of identities in memory",
		},
		[]string{"kind"},
	)

	// SavesTotal counts snapshot writes by outcome ("ok", "error") and trigger
	// ("requested", "interval", "shutdown").
	SavesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "face_memory_saves_total",
			Help: "Total number of snapshot writes",
		},
		[]string{"trigger", "outcome"},
	)

	// SaveDuration observes how long writing a snapshot to disk takes.
	SaveDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "face_memory_save_duration_seconds",
			Help:    "Time spent writing a snapshot to disk",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
	)

	// SnapshotBytes is the size of the last prepared snapshot.
	SnapshotBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "face_memory_snapshot_bytes",
			Help: "Size of the last prepared snapshot in bytes",
		},
	)

	// SerializationAnomaliesTotal counts values coerced while building snapshots.
	SerializationAnomaliesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "face_memory_serialization_anomalies_total",
			Help: "Total number of values coerced while serializing identities",
		},
	)

	// FramesTotal counts processed frames by outcome ("ok", "no_faces", "unavailable", "error").
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "face_memory_frames_total",
			Help: "Total number of frames passed to recognition",
		},
		[]string{"outcome"},
	)

	// MatchesTotal counts detections by the phase that assigned them
	// ("tracked", "named", "new").
	MatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "face_memory_matches_total",
			Help: "Total number of detections by assignment phase",
		},
		[]string{"phase"},
	)

	// RecognizeDuration observes the time spent in a full recognition pass.
	RecognizeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "face_memory_recognize_duration_seconds",
			Help:    "Time spent recognizing faces in one frame",
			Buckets: prometheus.DefBuckets,
		},
	)

	// MergesTotal counts identity merges by reason ("manual", "registration").
	MergesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "face_memory_merges_total",
			Help: "Total number of identity merges",
		},
		[]string{"reason"},
	)

	// LogEntriesTotal counts log entries by level.
	LogEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "face_memory_log_entries_total",
			Help: "Total number of log entries by level",
		},
		[]string{"level"},
	)
)
