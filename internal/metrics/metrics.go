// Package metrics exports cooker and connection state as Prometheus metrics.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chaz8081/sousvide-ble/internal/ble"
	"github.com/chaz8081/sousvide-ble/internal/ble/protocol"
	"github.com/chaz8081/sousvide-ble/internal/cooker"
)

var phases = []cooker.Phase{
	cooker.PhaseDisconnected,
	cooker.PhaseConnecting,
	cooker.PhaseDiscovering,
	cooker.PhaseMonitoring,
}

// Metrics records synchronizer events. It implements cooker.Observer.
type Metrics struct {
	commandsSent      *prometheus.CounterVec
	commandFailures   *prometheus.CounterVec
	repliesApplied    *prometheus.CounterVec
	repliesDropped    *prometheus.CounterVec
	phase             *prometheus.GaugeVec
	connectionState   prometheus.Gauge
	temperature       prometheus.Gauge
	targetTemperature prometheus.Gauge
	timerMinutes      prometheus.Gauge
	running           prometheus.Gauge
	lastUpdate        prometheus.Gauge
}

var _ cooker.Observer = (*Metrics)(nil)

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		commandsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sousvide_commands_sent_total",
				Help: "Commands written to the cooker.",
			},
			[]string{"command"},
		),
		commandFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sousvide_command_failures_total",
				Help: "Commands that failed to write or got no reply.",
			},
			[]string{"command", "reason"},
		),
		repliesApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sousvide_replies_applied_total",
				Help: "Notifications applied to the cooking state.",
			},
			[]string{"command"},
		),
		repliesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sousvide_notifications_dropped_total",
				Help: "Notifications that did not update the cooking state.",
			},
			[]string{"reason"},
		),
		phase: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sousvide_phase",
				Help: "Synchronizer phase (1 for the current phase).",
			},
			[]string{"phase"},
		),
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sousvide_connection_state",
			Help: "Connection manager state (0=idle, 1=restoring, 2=scanning, 3=connecting, 4=discovering, 5=ready).",
		}),
		temperature: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sousvide_temperature_celsius",
			Help: "Current water temperature.",
		}),
		targetTemperature: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sousvide_target_temperature_celsius",
			Help: "Target water temperature.",
		}),
		timerMinutes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sousvide_timer_minutes",
			Help: "Cook timer in minutes.",
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sousvide_running",
			Help: "1 if the cooker reports it is heating.",
		}),
		lastUpdate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sousvide_last_update_timestamp_seconds",
			Help: "Time of the last applied reply (epoch seconds).",
		}),
	}
	reg.MustRegister(m.commandsSent)
	reg.MustRegister(m.commandFailures)
	reg.MustRegister(m.repliesApplied)
	reg.MustRegister(m.repliesDropped)
	reg.MustRegister(m.phase)
	reg.MustRegister(m.connectionState)
	reg.MustRegister(m.temperature)
	reg.MustRegister(m.targetTemperature)
	reg.MustRegister(m.timerMinutes)
	reg.MustRegister(m.running)
	reg.MustRegister(m.lastUpdate)

	m.PhaseChanged(cooker.PhaseDisconnected)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// ConnectionState records a connection manager transition.
func (m *Metrics) ConnectionState(s ble.State) {
	m.connectionState.Set(float64(s))
}

func (m *Metrics) CommandSent(key protocol.CommandKey) {
	m.commandsSent.WithLabelValues(string(key)).Inc()
}

func (m *Metrics) CommandFailed(key protocol.CommandKey, err error) {
	m.commandFailures.WithLabelValues(string(key), failureReason(err)).Inc()
}

func (m *Metrics) NotificationApplied(key protocol.CommandKey, state cooker.CookingState) {
	m.repliesApplied.WithLabelValues(string(key)).Inc()
	m.lastUpdate.Set(float64(time.Now().Unix()))

	setNumber(m.temperature, state.Temperature)
	setNumber(m.targetTemperature, state.TargetTemperature)
	if h, mins, err := cooker.TimerToHoursMinutes(state.Timer); err == nil {
		m.timerMinutes.Set(float64(h*60 + mins))
	}
	if state.Status != cooker.StatusUnknown {
		m.running.Set(boolToFloat(state.Status.Active()))
	}
}

func (m *Metrics) NotificationDropped(reason cooker.DropReason) {
	m.repliesDropped.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) PhaseChanged(p cooker.Phase) {
	for _, candidate := range phases {
		m.phase.WithLabelValues(candidate.String()).Set(boolToFloat(candidate == p))
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, cooker.ErrReplyTimeout):
		return "timeout"
	case errors.Is(err, cooker.ErrWrite):
		return "write"
	default:
		return "other"
	}
}

// setNumber sets g from the leading number of a reply such as "56.5" or
// "56.5 C". Unparseable values leave g unchanged.
func setNumber(g prometheus.Gauge, value string) {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return
	}
	v, err := strconv.ParseFloat(strings.TrimSuffix(fields[0], "C"), 64)
	if err != nil {
		return
	}
	g.Set(v)
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
