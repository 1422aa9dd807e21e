package promutil

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
)

func newCounter() prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Name: "promutil_test_total",
		Help: "A test counter.",
	})
}

func counterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	_ = c.Write(m)
	return m.GetCounter().GetValue()
}

func TestRegisterReusesExisting(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := Register(reg, newCounter())
	second := Register(reg, newCounter())
	first.Inc()
	second.Add(2)
	assert.Equal(t, float64(3), counterValue(first))
	assert.Same(t, first, second)
}

func TestRegisterNilRegisterer(t *testing.T) {
	c := newCounter()
	assert.Same(t, c, Register(nil, c))
}

func TestRegisterConflictPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg, newCounter())
	assert.Panics(t, func() {
		Register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "promutil_test_total",
			Help: "Same name, other type.",
		}))
	})
}
