package rtp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics - Prometheus метрики RTP сессий.
// Один экземпляр может разделяться несколькими сессиями; nil отключает сбор.
type Metrics struct {
	packetsSent      prometheus.Counter
	bytesSent        prometheus.Counter
	sendFailures     prometheus.Counter
	packetsReceived  prometheus.Counter
	bytesReceived    prometheus.Counter
	packetsDropped   *prometheus.CounterVec
	byeReceived      prometheus.Counter
	stateTransitions *prometheus.CounterVec
	activeSources    prometheus.Gauge
	queuedPackets    prometheus.Gauge
}

// Причины отбрасывания входящих датаграмм
const (
	dropReasonMalformed = "malformed"
	dropReasonOwnSSRC   = "own_ssrc"
	dropReasonOverflow  = "queue_overflow"
)

// NewMetrics регистрирует метрики в указанном реестре
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	const namespace, subsystem = "rtpbridge", "rtp"

	return &Metrics{
		packetsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_sent_total",
			Help:      "Число RTP пакетов, отправленных хотя бы одному адресату",
		}),
		bytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bytes_sent_total",
			Help:      "Байт отправлено по всем адресатам",
		}),
		sendFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "send_failures_total",
			Help:      "Неудачные отправки на отдельные адреса",
		}),
		packetsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_received_total",
			Help:      "Принятые корректные RTP пакеты",
		}),
		bytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bytes_received_total",
			Help:      "Байт принято",
		}),
		packetsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_dropped_total",
			Help:      "Отброшенные входящие датаграммы по причинам",
		}, []string{"reason"}),
		byeReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bye_received_total",
			Help:      "Принятые RTCP BYE",
		}),
		stateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "session_state_transitions_total",
			Help:      "Переходы состояний сессии",
		}, []string{"from", "to"}),
		activeSources: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sources",
			Help:      "Известные удаленные источники",
		}),
		queuedPackets: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "queued_packets",
			Help:      "Пакеты в очередях источников",
		}),
	}
}

func (m *Metrics) packetSent(bytes int) {
	if m == nil {
		return
	}
	m.packetsSent.Inc()
	m.bytesSent.Add(float64(bytes))
}

func (m *Metrics) sendFailed() {
	if m == nil {
		return
	}
	m.sendFailures.Inc()
}

func (m *Metrics) packetReceived(bytes int) {
	if m == nil {
		return
	}
	m.packetsReceived.Inc()
	m.bytesReceived.Add(float64(bytes))
}

func (m *Metrics) packetDropped(reason string) {
	if m == nil {
		return
	}
	m.packetsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) bye() {
	if m == nil {
		return
	}
	m.byeReceived.Inc()
}

func (m *Metrics) transition(from, to string) {
	if m == nil {
		return
	}
	m.stateTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) setSources(sources, queued int) {
	if m == nil {
		return
	}
	m.activeSources.Set(float64(sources))
	m.queuedPackets.Set(float64(queued))
}
