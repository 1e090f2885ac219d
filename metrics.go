// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package authnz

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Operation results recorded by Metrics.
const (
	resultSuccess  = "success"
	resultRejected = "rejected"
	resultError    = "error"
)

// Metrics records the outcome of Manager operations.  A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.  A nil reg
// means prometheus.DefaultRegisterer.  Collectors which are already
// registered are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	const op = "NewMetrics"
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authnz_operations_total",
			Help: "Total number of provider operations by result",
		}, []string{"provider", "operation", "result"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "authnz_operation_duration_seconds",
			Help:    "Latency of provider operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider", "operation"}),
	}
	if err := reg.Register(m.operations); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		m.operations = are.ExistingCollector.(*prometheus.CounterVec)
	}
	if err := reg.Register(m.latency); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		m.latency = are.ExistingCollector.(*prometheus.HistogramVec)
	}
	return m, nil
}

func (m *Metrics) observe(provider, operation, result string, started time.Time) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(provider, operation, result).Inc()
	m.latency.WithLabelValues(provider, operation).Observe(time.Since(started).Seconds())
}
