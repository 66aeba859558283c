// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"github.com/hyperwheel/fwexport/internal/domain"
)

// Result labels for exported instances.
const (
	ResultWritten = "written"
	ResultSkipped = "skipped"
	ResultFailed  = "failed"
)

type Manager struct {
	registry       *prometheus.Registry
	studyCollector *StudyCollector

	instances        *prometheus.CounterVec
	studies          *prometheus.CounterVec
	listingCalls     prometheus.Counter
	filesVerified    prometheus.Counter
	filesUnverified  prometheus.Counter
	commandDurations *prometheus.HistogramVec
	routes           prometheus.Gauge
	routesValid      prometheus.Gauge
	routesMissing    prometheus.Gauge
}

// NewManager builds the registry. source may be nil, in which case no
// per-state study gauge is exported.
func NewManager(source StudySource) *Manager {
	registry := prometheus.NewRegistry()

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Manager{
		registry: registry,
		instances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fwexport_instances_total",
			Help: "Instances handled on arrival by result",
		}, []string{"result"}),
		studies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fwexport_studies_total",
			Help: "Studies that reached a terminal state",
		}, []string{"state"}),
		listingCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fwexport_listing_calls_total",
			Help: "Remote listings issued during verification",
		}),
		filesVerified: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fwexport_files_verified_total",
			Help: "Staged files confirmed at the destination and removed locally",
		}),
		filesUnverified: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fwexport_files_unverified_total",
			Help: "Staged files not found at the destination",
		}),
		commandDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fwexport_external_command_duration_seconds",
			Help:    "Duration of archive CLI invocations",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"command"}),
		routes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fwexport_routes",
			Help: "Routing keys in the last loaded routing table",
		}),
		routesValid: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fwexport_routes_valid",
			Help: "1 when the routing files last loaded without error",
		}),
		routesMissing: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fwexport_routes_missing_credentials",
			Help: "Routing keys without an archive credential",
		}),
	}

	registry.MustRegister(m.instances, m.studies, m.listingCalls, m.filesVerified, m.filesUnverified, m.commandDurations)
	registry.MustRegister(m.routes, m.routesValid, m.routesMissing)

	if source != nil {
		m.studyCollector = NewStudyCollector(source)
		registry.MustRegister(m.studyCollector)
		log.Info().Msg("Metrics manager initialized with study collector")
	} else {
		log.Info().Msg("Metrics manager initialized")
	}

	return m
}

func (m *Manager) GetRegistry() *prometheus.Registry {
	return m.registry
}

// The observe methods are safe on a nil Manager so callers can run with
// metrics disabled.

func (m *Manager) ObserveInstance(result string) {
	if m == nil {
		return
	}
	m.instances.WithLabelValues(result).Inc()
}

func (m *Manager) ObserveStudy(state domain.StudyState) {
	if m == nil {
		return
	}
	m.studies.WithLabelValues(string(state)).Inc()
}

func (m *Manager) ObserveListing() {
	if m == nil {
		return
	}
	m.listingCalls.Inc()
}

func (m *Manager) ObserveVerification(verified, unverified int) {
	if m == nil {
		return
	}
	m.filesVerified.Add(float64(verified))
	m.filesUnverified.Add(float64(unverified))
}

func (m *Manager) ObserveCommand(command string, d time.Duration) {
	if m == nil {
		return
	}
	m.commandDurations.WithLabelValues(command).Observe(d.Seconds())
}

// ObserveRoutes records the outcome of a routing table reload. A failed
// load keeps the previous route counts.
func (m *Manager) ObserveRoutes(routes, missingCredentials int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.routesValid.Set(0)
		return
	}
	m.routesValid.Set(1)
	m.routes.Set(float64(routes))
	m.routesMissing.Set(float64(missingCredentials))
}
