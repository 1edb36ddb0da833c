// Package metrics holds the prometheus collectors for the pipeline, the
// outbox dispatcher and the HTTP API.
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "prism"

const (
	slotTypeLabel = "slot_type"
	protocolLabel = "protocol"
	kindLabel     = "kind"
	outcomeLabel  = "outcome"
)

// Metrics is the set of collectors exported at /metrics.
type Metrics struct {
	registry *prometheus.Registry

	SlotsTaken     *prometheus.CounterVec
	SlotsCompleted *prometheus.CounterVec
	SlotsExpired   prometheus.Counter
	SlotsReleased  prometheus.Counter

	LayersPassed       *prometheus.CounterVec
	PipelinesFlagged   *prometheus.CounterVec
	PipelinesCompleted *prometheus.CounterVec
	PipelinesRerouted  *prometheus.CounterVec

	StakeReleased prometheus.Counter
	StakeBurned   prometheus.Counter

	OutboxDeliveries *prometheus.CounterVec
}

// New creates the collectors and registers them, together with the Go and
// process collectors, on a fresh registry.
func New() (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		SlotsTaken: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slots_taken_total",
			Help:      "number of slots taken by agents",
		}, []string{slotTypeLabel}),
		SlotsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slots_completed_total",
			Help:      "number of slots completed by agents",
		}, []string{slotTypeLabel}),
		SlotsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slots_expired_total",
			Help:      "number of taken slots reopened after expiry",
		}),
		SlotsReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slots_released_total",
			Help:      "number of taken slots released by their agent",
		}),
		LayersPassed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "layers_passed_total",
			Help:      "number of layers whose consensus cleared the threshold",
		}, []string{protocolLabel}),
		PipelinesFlagged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipelines_flagged_total",
			Help:      "number of pipelines flagged",
		}, []string{protocolLabel}),
		PipelinesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipelines_completed_total",
			Help:      "number of pipelines completed",
		}, []string{protocolLabel}),
		PipelinesRerouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipelines_rerouted_total",
			Help:      "number of pipelines rerouted by a routing layer, by target protocol",
		}, []string{protocolLabel}),
		StakeReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stake_released_total",
			Help:      "stake credited back to agents",
		}),
		StakeBurned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stake_burned_total",
			Help:      "stake forfeited on flagged layers",
		}),
		OutboxDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_deliveries_total",
			Help:      "outbox delivery attempts by event kind and outcome",
		}, []string{kindLabel, outcomeLabel}),
	}

	err := errors.Join(
		m.registry.Register(collectors.NewGoCollector()),
		m.registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})),
		m.registry.Register(m.SlotsTaken),
		m.registry.Register(m.SlotsCompleted),
		m.registry.Register(m.SlotsExpired),
		m.registry.Register(m.SlotsReleased),
		m.registry.Register(m.LayersPassed),
		m.registry.Register(m.PipelinesFlagged),
		m.registry.Register(m.PipelinesCompleted),
		m.registry.Register(m.PipelinesRerouted),
		m.registry.Register(m.StakeReleased),
		m.registry.Register(m.StakeBurned),
		m.registry.Register(m.OutboxDeliveries),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Registry returns the registry holding every collector.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Delivered counts a successful outbox delivery.
func (m *Metrics) Delivered(kind string) {
	m.OutboxDeliveries.WithLabelValues(kind, "delivered").Inc()
}

// DeliveryFailed counts a failed outbox delivery. giveUp marks the last
// attempt.
func (m *Metrics) DeliveryFailed(kind string, giveUp bool) {
	outcome := "retry"
	if giveUp {
		outcome = "dropped"
	}
	m.OutboxDeliveries.WithLabelValues(kind, outcome).Inc()
}
