package appstats

import (
	"net/http"

	"github.com/bigbluebutton/bbb-consult-session/internal/config"
	"github.com/bigbluebutton/bbb-consult-session/internal/pubsub/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

const subsystem = "consult"

type metricsHandler struct {
	next      http.Handler
	statsChan chan *SessionStats
}

var (
	Requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "in_requests",
		Help:      "Number of pubsub requests received",
	},
		[]string{
			"method",
		})

	InvalidRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "invalid_requests",
		Help:      "Number of invalid pubsub requests",
	})

	Responses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "out_responses",
		Help:      "Number of pubsub messages published",
	},
		[]string{
			"method",
		})

	Sessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Subsystem: subsystem,
		Name:      "sessions",
		Help:      "Current number of sessions",
	})

	StateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "state_transitions_total",
		Help:      "Session state transitions",
	},
		[]string{
			"role",
			"state",
		})

	Failures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "session_failures_total",
		Help:      "Sessions ended in failure",
	},
		[]string{
			"reason",
		})

	SignalingMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "signaling_messages_total",
		Help:      "Signaling messages by direction and type",
	},
		[]string{
			"direction", // in/out
			"type",
		})

	DroppedMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "signaling_dropped_total",
		Help:      "Signaling messages ignored",
	},
		[]string{
			"reason", // duplicate, self, invalid, stale, third-party
		})

	ConsentOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "consent_outcomes_total",
		Help:      "Consent coordinator outcomes",
	},
		[]string{
			"outcome",
		})

	ActiveRecordings = prometheus.NewGauge(prometheus.GaugeOpts{
		Subsystem: subsystem,
		Name:      "active_recordings",
		Help:      "Current number of running recording pipelines",
	})

	RecordingFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "recording_failures_total",
		Help:      "Recording pipeline and upload failures",
	},
		[]string{
			"stage", // start, encode, upload
		})

	ArtifactSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Subsystem: subsystem,
		Name:      "artifact_size_bytes",
		Help:      "Recording artifact size in bytes",
		Buckets:   prometheus.ExponentialBuckets(64*1024, 2, 12), // 64KB to 128MB
	})

	ArtifactDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Subsystem: subsystem,
		Name:      "artifact_duration_seconds",
		Help:      "Recording artifact duration in seconds",
		Buckets:   []float64{10, 30, 60, 300, 600, 1200, 1800, 3600, 7200},
	})

	ICERestarts = prometheus.NewCounter(prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "ice_restarts_total",
		Help:      "ICE restarts issued",
	})

	PLIRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "pli_requests_total",
		Help:      "Picture loss indications sent",
	})

	PlaceholderFrames = prometheus.NewCounter(prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "placeholder_frames_total",
		Help:      "Composed frames written without remote video",
	})

	WrittenSamples = prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: subsystem,
		Name:      "written_samples_total",
		Help:      "Blocks written to recording artifacts",
	},
		[]string{
			"kind",
		})
)

func Init() {
	prometheus.MustRegister(Requests)
	prometheus.MustRegister(InvalidRequests)
	prometheus.MustRegister(Responses)
	prometheus.MustRegister(Sessions)
	prometheus.MustRegister(StateTransitions)
	prometheus.MustRegister(Failures)
	prometheus.MustRegister(SignalingMessages)
	prometheus.MustRegister(DroppedMessages)
	prometheus.MustRegister(ConsentOutcomes)
	prometheus.MustRegister(ActiveRecordings)
	prometheus.MustRegister(RecordingFailures)
	prometheus.MustRegister(ArtifactSize)
	prometheus.MustRegister(ArtifactDuration)
	prometheus.MustRegister(ICERestarts)
	prometheus.MustRegister(PLIRequests)
	prometheus.MustRegister(PlaceholderFrames)
	prometheus.MustRegister(WrittenSamples)
}

func newMetricsHandler() *metricsHandler {
	return &metricsHandler{
		next:      promhttp.Handler(),
		statsChan: make(chan *SessionStats, 16),
	}
}

func (h *metricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	for {
		select {
		case stats := <-h.statsChan:
			UpdateSessionMetrics(stats)
			continue
		default:
		}
		break
	}
	h.next.ServeHTTP(w, r)
}

// UpdateStats queues finished session stats for the next metrics scrape.
func (h *metricsHandler) UpdateStats(stats *SessionStats) {
	select {
	case h.statsChan <- stats:
	default:
		log.Warn("Stats update dropped - metrics channel full")
	}
}

var (
	metricsHandlerInstance *metricsHandler
)

func ServePromMetrics(cfg config.Prometheus) {
	if !cfg.Enable {
		return
	}

	metricsHandlerInstance = newMetricsHandler()
	http.Handle("/metrics", metricsHandlerInstance)

	go func() {
		if err := http.ListenAndServe(cfg.ListenAddress, nil); err != nil {
			log.Errorf("failed to start metrics server: %s", err)
		}
	}()

	log.Infof("Prometheus metrics exported on %s", cfg.ListenAddress)
}

// PushSessionStats hands a finished session summary to the metrics handler.
// Without an exporter the summary is applied directly.
func PushSessionStats(stats *SessionStats) {
	if metricsHandlerInstance == nil {
		UpdateSessionMetrics(stats)
		return
	}
	metricsHandlerInstance.UpdateStats(stats)
}

func OnServerRequest(event *events.Event) {
	if event.IsValid() {
		Requests.WithLabelValues(event.Id).Inc()
	} else {
		InvalidRequests.Inc()
	}
}

func OnServerResponse(msg interface{}) {
	switch msg.(type) {
	case *events.ServiceStatus:
		Responses.WithLabelValues(events.ServiceStatusKey).Inc()
	case *events.SessionStatus:
		Responses.WithLabelValues(events.SessionStatusKey).Inc()
	case *events.SessionCompleted:
		Responses.WithLabelValues(events.SessionCompletedKey).Inc()
	case *events.SessionFailed:
		Responses.WithLabelValues(events.SessionFailedKey).Inc()
	case *events.RecordingStarted:
		Responses.WithLabelValues(events.RecordingStartedKey).Inc()
	default:
		Responses.WithLabelValues("unknown").Inc()
	}
}

func OnStateChange(role string, state string) {
	StateTransitions.With(prometheus.Labels{
		"role":  role,
		"state": state,
	}).Inc()
}

func OnSignalingMessage(direction string, typ string) {
	SignalingMessages.With(prometheus.Labels{
		"direction": direction,
		"type":      typ,
	}).Inc()
}

func OnDroppedMessage(reason string) {
	DroppedMessages.WithLabelValues(reason).Inc()
}

func OnConsentOutcome(outcome string) {
	ConsentOutcomes.WithLabelValues(outcome).Inc()
}

func OnRecordingFailure(stage string) {
	RecordingFailures.WithLabelValues(stage).Inc()
}

func OnSessionFailed(reason string) {
	Failures.WithLabelValues(reason).Inc()
}

func UpdateSessionMetrics(stats *SessionStats) {
	if stats == nil {
		return
	}

	if stats.Link != nil {
		ICERestarts.Add(float64(stats.Link.ICERestarts))
		PLIRequests.Add(float64(stats.Link.PLIRequests))
	}

	if r := stats.Recorder; r != nil {
		if r.Bytes > 0 {
			ArtifactSize.Observe(float64(r.Bytes))
			ArtifactDuration.Observe(r.Duration.Seconds())
		}
		if r.Video != nil {
			PlaceholderFrames.Add(float64(r.Video.PlaceholderFrames))
			WrittenSamples.WithLabelValues("video").Add(float64(r.Video.WrittenSamples))
		}
		if r.Audio != nil {
			WrittenSamples.WithLabelValues("audio").Add(float64(r.Audio.WrittenSamples))
		}
	}
}
