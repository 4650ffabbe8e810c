package proxypool

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "proxypool"

// Collector exports the manager's instances as Prometheus metrics. Values
// are read from the instances at scrape time.
type Collector struct {
	manager *Manager

	instances     *prometheus.Desc
	certsMinted   *prometheus.Desc
	certsTime     *prometheus.Desc
	certsCached   *prometheus.Desc
	bytesRead     *prometheus.Desc
	bytesWritten  *prometheus.Desc
	connsAccepted *prometheus.Desc
}

func NewCollector(m *Manager) *Collector {
	portLabel := []string{"port"}
	return &Collector{
		manager: m,
		instances: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "", "instances"),
			"Number of live proxy instances.", nil, nil),
		certsMinted: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "certificates", "generated_total"),
			"Impersonation certificates generated by an instance.", portLabel, nil),
		certsTime: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "certificates", "generation_seconds_total"),
			"Time spent generating impersonation certificates.", portLabel, nil),
		certsCached: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "certificates", "cached"),
			"Hostnames in an instance's certificate cache.", portLabel, nil),
		bytesRead: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "client", "read_bytes_total"),
			"Bytes read from proxy clients.", portLabel, nil),
		bytesWritten: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "client", "written_bytes_total"),
			"Bytes written to proxy clients.", portLabel, nil),
		connsAccepted: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "client", "connections_total"),
			"Client connections accepted.", portLabel, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.instances
	ch <- c.certsMinted
	ch <- c.certsTime
	ch <- c.certsCached
	ch <- c.bytesRead
	ch <- c.bytesWritten
	ch <- c.connsAccepted
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	list := c.manager.Instances()
	ch <- prometheus.MustNewConstMetric(c.instances, prometheus.GaugeValue, float64(len(list)))
	for _, in := range list {
		port := strconv.Itoa(in.Port())
		stats := in.Statistics()
		traffic := in.Traffic()
		ch <- prometheus.MustNewConstMetric(c.certsMinted, prometheus.CounterValue,
			float64(stats.CertificatesGenerated()), port)
		ch <- prometheus.MustNewConstMetric(c.certsTime, prometheus.CounterValue,
			stats.TotalGenerationTime().Seconds(), port)
		ch <- prometheus.MustNewConstMetric(c.certsCached, prometheus.GaugeValue,
			float64(len(in.Impersonator().Hostnames())), port)
		ch <- prometheus.MustNewConstMetric(c.bytesRead, prometheus.CounterValue,
			float64(traffic.BytesRead()), port)
		ch <- prometheus.MustNewConstMetric(c.bytesWritten, prometheus.CounterValue,
			float64(traffic.BytesWritten()), port)
		ch <- prometheus.MustNewConstMetric(c.connsAccepted, prometheus.CounterValue,
			float64(traffic.Connections()), port)
	}
}
