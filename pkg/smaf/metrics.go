/*
 * Copyright 2025 SREDiag Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package smaf

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/plugin-smaf/internal/promutil"
)

type metrics struct {
	buffersCreated    *prometheus.CounterVec
	allocationErrors  prometheus.Counter
	openBuffers       prometheus.Gauge
	secureTransitions *prometheus.CounterVec
	deviceOpens       prometheus.Counter
}

func newMetrics(config *Config) *metrics {
	m := &metrics{
		buffersCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.MetricsNamespace,
			Name:      "buffers_created_total",
			Help:      "Total number of buffers created, by allocator.",
		}, []string{"allocator"}),
		allocationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: config.MetricsNamespace,
			Name:      "allocation_errors_total",
			Help:      "Total number of refused buffer creations.",
		}),
		openBuffers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: config.MetricsNamespace,
			Name:      "open_buffers",
			Help:      "Number of buffer handles currently open.",
		}),
		secureTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.MetricsNamespace,
			Name:      "secure_transitions_total",
			Help:      "Total number of secure flag requests, by target state and outcome.",
		}, []string{"secure", "result"}),
		deviceOpens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: config.MetricsNamespace,
			Name:      "device_opens_total",
			Help:      "Total number of times the allocator device was opened.",
		}),
	}
	reg := config.Registerer
	m.buffersCreated = promutil.Register(reg, m.buffersCreated)
	m.allocationErrors = promutil.Register(reg, m.allocationErrors)
	m.openBuffers = promutil.Register(reg, m.openBuffers)
	m.secureTransitions = promutil.Register(reg, m.secureTransitions)
	m.deviceOpens = promutil.Register(reg, m.deviceOpens)
	return m
}
