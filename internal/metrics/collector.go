// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/hyperwheel/fwexport/internal/domain"
)

// StudySource lists the study contexts currently held.
type StudySource interface {
	List(ctx context.Context) ([]*domain.StudyContext, error)
}

// StudyCollector exports the number of held study contexts per state at
// scrape time.
type StudyCollector struct {
	source StudySource

	studiesDesc   *prometheus.Desc
	scrapeErrDesc *prometheus.Desc
}

func NewStudyCollector(source StudySource) *StudyCollector {
	return &StudyCollector{
		source: source,
		studiesDesc: prometheus.NewDesc(
			"fwexport_study_contexts",
			"Number of held study contexts by state",
			[]string{"state"},
			nil,
		),
		scrapeErrDesc: prometheus.NewDesc(
			"fwexport_study_contexts_scrape_error",
			"1 if listing study contexts failed during the last scrape",
			nil,
			nil,
		),
	}
}

func (c *StudyCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.studiesDesc
	ch <- c.scrapeErrDesc
}

func (c *StudyCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	contexts, err := c.source.List(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list study contexts for metrics")
		ch <- prometheus.MustNewConstMetric(c.scrapeErrDesc, prometheus.GaugeValue, 1)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.scrapeErrDesc, prometheus.GaugeValue, 0)

	counts := make(map[domain.StudyState]int)
	for _, sc := range contexts {
		counts[sc.State]++
	}
	for state, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.studiesDesc, prometheus.GaugeValue, float64(n), string(state))
	}
}
