/*
Copyright 2026 jr42.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package poolservice

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "v6pool"

var (
	globalTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "global",
		Name:      "addresses",
		Help:      "Number of verified addresses currently in GlobalDB.",
	})

	picksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "rpc",
		Name:      "picks_total",
		Help:      "Number of addresses handed out via pick/picks.",
	})

	reportsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "rpc",
		Name:      "reports_total",
		Help:      "Number of addresses released via report/reports.",
	})
)

func init() {
	prometheus.MustRegister(globalTotal)
	prometheus.MustRegister(picksTotal)
	prometheus.MustRegister(reportsTotal)
}

// metrics groups the Prometheus collectors a PoolService updates as it
// runs. The collectors themselves are package-level (Prometheus handlers
// are conventionally process-wide), but access is always through this
// struct so call sites read naturally as s.metrics.picks.Inc().
type metrics struct {
	picks   prometheus.Counter
	reports prometheus.Counter
	total   prometheus.Gauge
}

func newMetrics() *metrics {
	return &metrics{picks: picksTotal, reports: reportsTotal, total: globalTotal}
}

func (m *metrics) setGlobalTotal(n int) {
	m.total.Set(float64(n))
}
