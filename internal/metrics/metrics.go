// Package metrics exposes the controller's state as prometheus collectors and
// mirrors the gauges to DogStatsD. A nil *Metrics is valid and records nothing.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/thatsimonsguy/greenhouse-controller/internal/datadog"
	"github.com/thatsimonsguy/greenhouse-controller/internal/dht11"
	"github.com/thatsimonsguy/greenhouse-controller/internal/model"
)

type Metrics struct {
	registry *prometheus.Registry

	temperature   prometheus.Gauge
	humidity      prometheus.Gauge
	sensorReads   *prometheus.CounterVec
	actuatorPower *prometheus.GaugeVec
	connected     *prometheus.GaugeVec
	transitions   *prometheus.CounterVec
	emergency     prometheus.Gauge
	photos        *prometheus.CounterVec
	commands      *prometheus.CounterVec
	tickDuration  prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		temperature: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "greenhouse_temperature_fahrenheit",
			Help: "Last valid air temperature reading.",
		}),
		humidity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "greenhouse_humidity_percent",
			Help: "Last valid relative humidity reading.",
		}),
		sensorReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "greenhouse_sensor_reads_total",
			Help: "Sensor decode attempts by result.",
		}, []string{"result"}),
		actuatorPower: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "greenhouse_actuator_on",
			Help: "Actuator power state (1 on, 0 off, -1 unknown).",
		}, []string{"role"}),
		connected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "greenhouse_actuator_connected",
			Help: "Whether the actuator answered its last call.",
		}, []string{"role"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "greenhouse_actuator_transitions_total",
			Help: "Power commands issued by role, state and source.",
		}, []string{"role", "state", "source"}),
		emergency: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "greenhouse_overheat_active",
			Help: "1 while the overheat cut-off is in force.",
		}),
		photos: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "greenhouse_photos_total",
			Help: "Photo captures by trigger and result.",
		}, []string{"trigger", "result"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "greenhouse_commands_total",
			Help: "Manual commands by name and result.",
		}, []string{"command", "result"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "greenhouse_tick_duration_seconds",
			Help:    "Duration of one control loop tick.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.temperature,
		m.humidity,
		m.sensorReads,
		m.actuatorPower,
		m.connected,
		m.transitions,
		m.emergency,
		m.photos,
		m.commands,
		m.tickDuration,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func readResult(r dht11.Reading) string {
	switch {
	case r.Valid:
		return "ok"
	case errors.Is(r.Err, dht11.ErrTimeout):
		return "timeout"
	case errors.Is(r.Err, dht11.ErrChecksumMismatch):
		return "checksum"
	case errors.Is(r.Err, dht11.ErrOutOfRange):
		return "out_of_range"
	default:
		return "fault"
	}
}

func (m *Metrics) Reading(r dht11.Reading) {
	if m == nil {
		return
	}
	result := readResult(r)
	m.sensorReads.WithLabelValues(result).Inc()
	datadog.Incr("sensor.reads", "result:"+result)
	if !r.Valid {
		return
	}
	m.temperature.Set(r.TemperatureF)
	m.humidity.Set(r.Humidity)
	datadog.Gauge("sensor.temperature_f", r.TemperatureF, "component:sensor")
	datadog.Gauge("sensor.humidity", r.Humidity, "component:sensor")
}

func powerValue(p model.PowerState) float64 {
	switch p {
	case model.PowerOn:
		return 1
	case model.PowerOff:
		return 0
	default:
		return -1
	}
}

func (m *Metrics) Actuator(role model.Role, connected bool, power model.PowerState) {
	if m == nil {
		return
	}
	c := 0.0
	if connected {
		c = 1
	}
	m.connected.WithLabelValues(string(role)).Set(c)
	m.actuatorPower.WithLabelValues(string(role)).Set(powerValue(power))
	datadog.Gauge("actuator.connected", c, "role:"+string(role))
	datadog.Gauge("actuator.on", powerValue(power), "role:"+string(role))
}

func (m *Metrics) Transition(role model.Role, power model.PowerState, source string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(role), power.String(), source).Inc()
	datadog.Incr("actuator.transitions", "role:"+string(role), "state:"+power.String(), "source:"+source)
}

func (m *Metrics) Emergency(active bool) {
	if m == nil {
		return
	}
	v := 0.0
	if active {
		v = 1
	}
	m.emergency.Set(v)
	datadog.Gauge("overheat.active", v, "component:safety")
}

func (m *Metrics) Photo(trigger string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.photos.WithLabelValues(trigger, result).Inc()
	datadog.Incr("camera.photos", "trigger:"+trigger, "result:"+result)
}

func (m *Metrics) Command(name string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.commands.WithLabelValues(name, result).Inc()
}

func (m *Metrics) TickDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.tickDuration.Observe(d.Seconds())
}
