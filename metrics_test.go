package proxypool

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	m := newTestManager(t, testOptions())
	a, err := m.Create(InstanceConfig{})
	require.NoError(t, err)
	_, err = m.Create(InstanceConfig{})
	require.NoError(t, err)
	_, err = a.Impersonator().CertificateFor("metrics.example")
	require.NoError(t, err)

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(NewCollector(m)))
	families, err := reg.Gather()
	require.NoError(t, err)

	byName := make(map[string]int)
	for _, mf := range families {
		byName[mf.GetName()] = len(mf.GetMetric())
		switch mf.GetName() {
		case "proxypool_instances":
			assert.EqualValues(t, 2, mf.GetMetric()[0].GetGauge().GetValue())
		case "proxypool_certificates_generated_total":
			var total float64
			for _, metric := range mf.GetMetric() {
				total += metric.GetCounter().GetValue()
			}
			assert.EqualValues(t, 1, total)
		}
	}
	assert.Equal(t, 1, byName["proxypool_instances"])
	assert.Equal(t, 2, byName["proxypool_certificates_generated_total"])
	assert.Equal(t, 2, byName["proxypool_certificates_cached"])
	assert.Equal(t, 2, byName["proxypool_client_connections_total"])
}
