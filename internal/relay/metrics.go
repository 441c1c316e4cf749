package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Saturation: сколько соединений держим прямо сейчас
	ConnectedAgents   *prometheus.GaugeVec
	ConnectedConsoles *prometheus.GaugeVec

	// Traffic: сколько событий ушло через роутер
	EventsRouted *prometheus.CounterVec

	// Errors: сбои доставки отдельным адресатам (partial broadcast failure)
	DeliveryFailures *prometheus.CounterVec

	// Команды по итоговому статусу: sent, pending, error
	CommandsTotal *prometheus.CounterVec

	// Liveness: агенты, у которых протух heartbeat при живом сокете
	LivenessTimeouts *prometheus.CounterVec

	// Протокольные нарушения по каналам (agent / console)
	ProtocolViolations *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern — без регистратора метрики летят в локальный, никуда не подключенный
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		ConnectedAgents: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_connected_agents",
			Help: "Number of currently connected agents.",
		}, []string{"namespace"}),

		ConnectedConsoles: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_connected_consoles",
			Help: "Number of currently connected consoles.",
		}, []string{"namespace"}),

		EventsRouted: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "relay_events_routed_total",
			Help: "Total number of events fanned out by the router.",
		}, []string{"namespace", "event"}),

		DeliveryFailures: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "relay_delivery_failures_total",
			Help: "Per-target delivery failures (slow consumer, dead socket).",
		}, []string{"namespace"}),

		CommandsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "relay_commands_total",
			Help: "Operator commands by outcome.",
		}, []string{"namespace", "status"}), // статусы: sent, pending, error

		LivenessTimeouts: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "relay_liveness_timeouts_total",
			Help: "Agents marked offline due to heartbeat absence.",
		}, []string{"namespace"}),

		ProtocolViolations: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "relay_protocol_violations_total",
			Help: "Malformed or out-of-state messages by channel.",
		}, []string{"namespace", "channel"}),
	}
}
