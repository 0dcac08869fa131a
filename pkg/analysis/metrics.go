// Copyright 2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package analysis

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultHit         = "hit"
	resultUnspecified = "unspec"
	resultOrphan      = "orphan"

	resultSuccess = "success"
	resultError   = "error"
)

type metrics struct {
	samples      *prometheus.CounterVec
	branches     *prometheus.CounterVec
	modulesLoad  *prometheus.CounterVec
	loadDuration prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		samples: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "parca_hotspot_samples_total",
				Help: "Number of samples routed to a module, by attribution result.",
			},
			[]string{"result"},
		),
		branches: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "parca_hotspot_branches_total",
				Help: "Number of taken branches routed to a module, by attribution result.",
			},
			[]string{"result"},
		),
		modulesLoad: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "parca_hotspot_modules_loaded_total",
				Help: "Number of modules disassembled, by result.",
			},
			[]string{"result"},
		),
		loadDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "parca_hotspot_module_load_duration_seconds",
				Help:    "Time it took to disassemble and index a module.",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
			},
		),
	}

	for _, r := range []string{resultHit, resultUnspecified, resultOrphan} {
		m.samples.WithLabelValues(r)
		m.branches.WithLabelValues(r)
	}
	m.modulesLoad.WithLabelValues(resultSuccess)
	m.modulesLoad.WithLabelValues(resultError)

	return m
}
