package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics - Prometheus метрики моста
type Metrics struct {
	framesSent        prometheus.Counter
	framesPlayed      prometheus.Counter
	framesAdjusted    *prometheus.CounterVec
	sendFailures      prometheus.Counter
	malformedPayloads prometheus.Counter
	sendLatency       prometheus.Histogram
	running           prometheus.Gauge
}

// NewMetrics регистрирует метрики моста
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	const namespace, subsystem = "rtpbridge", "bridge"

	return &Metrics{
		framesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_sent_total",
			Help:      "Кадры захвата, отправленные в сеть",
		}),
		framesPlayed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_played_total",
			Help:      "Кадры, записанные в устройство воспроизведения",
		}),
		framesAdjusted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "short_frames_total",
			Help:      "Короткие кадры захвата по способу обработки",
		}, []string{"policy"}),
		sendFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "send_failures_total",
			Help:      "Кадры, не доставленные хотя бы одному адресату",
		}),
		malformedPayloads: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "malformed_payloads_total",
			Help:      "Входящие payload нечетной длины",
		}),
		sendLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "send_iteration_seconds",
			Help:      "Длительность итерации цикла отправки",
			Buckets:   []float64{.0005, .001, .002, .005, .01, .02, .05, .1},
		}),
		running: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "running",
			Help:      "1, пока мост работает",
		}),
	}
}

func (m *Metrics) frameSent() {
	if m != nil {
		m.framesSent.Inc()
	}
}

func (m *Metrics) framePlayed() {
	if m != nil {
		m.framesPlayed.Inc()
	}
}

func (m *Metrics) frameAdjusted(policy FramePolicy) {
	if m != nil {
		m.framesAdjusted.WithLabelValues(string(policy)).Inc()
	}
}

func (m *Metrics) sendFailed() {
	if m != nil {
		m.sendFailures.Inc()
	}
}

func (m *Metrics) malformedPayload() {
	if m != nil {
		m.malformedPayloads.Inc()
	}
}

func (m *Metrics) observeSend(seconds float64) {
	if m != nil {
		m.sendLatency.Observe(seconds)
	}
}

func (m *Metrics) setRunning(running bool) {
	if m == nil {
		return
	}
	if running {
		m.running.Set(1)
	} else {
		m.running.Set(0)
	}
}
