package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "svr_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"component": "server"},
		},
		[]string{"date", "sha", "version"},
	)

	connectedClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "svr_clients_connected",
			Help: "Number of connected client sessions",
		},
	)

	openSources = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "svr_sources_open",
			Help: "Number of open sources",
		},
		[]string{"kind"},
	)

	openStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "svr_streams_open",
			Help: "Number of open streams",
		},
	)

	framesIn = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "svr_source_frames_total",
			Help: "Frames accepted per source",
		},
		[]string{"source"},
	)

	bytesOut = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "svr_stream_bytes_total",
			Help: "Reencoded bytes delivered per stream",
		},
		[]string{"stream"},
	)

	chunksDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "svr_stream_dropped_chunks_total",
			Help: "Chunks dropped by delivery policy",
		},
		[]string{"policy", "reason"},
	)

	reencodeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "svr_reencode_duration_seconds",
			Help:    "Time spent reencoding one chunk",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"variant"},
	)

	verbDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "svr_verb_duration_seconds",
			Help:    "Handler duration per protocol verb",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"verb"},
	)
)

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, connectedClients, openSources, openStreams,
		framesIn, bytesOut, chunksDropped, reencodeDuration, verbDuration)
}

// SetServerBuildInfo sets the build info metric for the server.
func SetServerBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// ClientConnected tracks a client session coming or going.
func ClientConnected(delta int) {
	connectedClients.Add(float64(delta))
}

// SourceOpened tracks a source being opened or closed.
func SourceOpened(kind string, delta int) {
	openSources.WithLabelValues(kind).Add(float64(delta))
}

// StreamOpened tracks a stream being opened or closed.
func StreamOpened(delta int) {
	openStreams.Add(float64(delta))
}

// RecordFrame counts one accepted frame for a source.
func RecordFrame(source string) {
	framesIn.WithLabelValues(source).Inc()
}

// RecordStreamBytes counts delivered bytes for a stream.
func RecordStreamBytes(stream string, n int) {
	bytesOut.WithLabelValues(stream).Add(float64(n))
}

// RecordDrop counts a chunk dropped under the given policy.
func RecordDrop(policy, reason string) {
	chunksDropped.WithLabelValues(policy, reason).Inc()
}

// ObserveReencode records the duration of one reencode call.
func ObserveReencode(variant string, d time.Duration) {
	reencodeDuration.WithLabelValues(variant).Observe(d.Seconds())
}

// ObserveVerb records the duration of one verb handler.
func ObserveVerb(verb string, d time.Duration) {
	verbDuration.WithLabelValues(verb).Observe(d.Seconds())
}
