// Package metrics exposes bot counters for Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is what services and the dispatcher report to.
type Recorder interface {
	FlowTransition(flow, step, outcome string)
	RepositoryCreated(private bool)
	RelayCopy(outcome string)
	FloodWait()
	Update(kind string)
}

type Collector struct {
	transitions  *prometheus.CounterVec
	repositories *prometheus.CounterVec
	relayCopies  *prometheus.CounterVec
	floodWaits   prometheus.Counter
	updates      *prometheus.CounterVec
}

var _ Recorder = (*Collector)(nil)

func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "repobot_flow_transitions_total",
			Help: "Conversation steps processed, by flow, step and outcome.",
		}, []string{"flow", "step", "outcome"}),
		repositories: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "repobot_repositories_created_total",
			Help: "Repositories created through the wizard.",
		}, []string{"visibility"}),
		relayCopies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "repobot_relay_copies_total",
			Help: "Relay /save attempts by outcome.",
		}, []string{"outcome"}),
		floodWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "repobot_flood_waits_total",
			Help: "Flood-wait pauses taken before retrying a platform call.",
		}),
		updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "repobot_updates_total",
			Help: "Inbound Telegram updates by kind.",
		}, []string{"kind"}),
	}

	reg.MustRegister(c.transitions, c.repositories, c.relayCopies, c.floodWaits, c.updates)
	return c
}

func (c *Collector) FlowTransition(flow, step, outcome string) {
	c.transitions.WithLabelValues(flow, step, outcome).Inc()
}

func (c *Collector) RepositoryCreated(private bool) {
	visibility := "public"
	if private {
		visibility = "private"
	}
	c.repositories.WithLabelValues(visibility).Inc()
}

func (c *Collector) RelayCopy(outcome string) { c.relayCopies.WithLabelValues(outcome).Inc() }
func (c *Collector) FloodWait()               { c.floodWaits.Inc() }
func (c *Collector) Update(kind string)       { c.updates.WithLabelValues(kind).Inc() }

// Nop discards everything.
type Nop struct{}

func (Nop) FlowTransition(string, string, string) {}
func (Nop) RepositoryCreated(bool)                {}
func (Nop) RelayCopy(string)                      {}
func (Nop) FloodWait()                            {}
func (Nop) Update(string)                         {}

// Handler serves the gatherer's metrics for scraping.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
