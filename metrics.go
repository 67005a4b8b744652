package chpool

import "github.com/prometheus/client_golang/prometheus"

// Collector exports the bookkeeping of a pool as Prometheus metrics.
type Collector struct {
	pool          Pool
	capacity      *prometheus.Desc
	idle          *prometheus.Desc
	checkedOut    *prometheus.Desc
	dialing       *prometheus.Desc
	created       *prometheus.Desc
	discarded     *prometheus.Desc
	maxCheckedOut *prometheus.Desc
}

var _ prometheus.Collector = &Collector{}

// NewCollector creates a collector for the given pool. The labels are
// attached to every metric, which allows several pools to be registered
// at once.
func NewCollector(pool Pool, namespace string, labels prometheus.Labels) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "pool", name), help, nil, labels)
	}

	return &Collector{
		pool:          pool,
		capacity:      desc("capacity", "Maximum number of connections."),
		idle:          desc("idle_connections", "Connections ready for reuse."),
		checkedOut:    desc("checked_out_connections", "Connections currently running a query."),
		dialing:       desc("dialing_connections", "Connections currently being established."),
		created:       desc("created_connections_total", "Connections established by the pool."),
		discarded:     desc("discarded_connections_total", "Connections closed because they failed or were abandoned."),
		maxCheckedOut: desc("max_checked_out_connections", "High-water mark of checked out connections."),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.capacity
	ch <- c.idle
	ch <- c.checkedOut
	ch <- c.dialing
	ch <- c.created
	ch <- c.discarded
	ch <- c.maxCheckedOut
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.pool.Stats()

	ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(stats.Capacity))
	ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(stats.Idle))
	ch <- prometheus.MustNewConstMetric(c.checkedOut, prometheus.GaugeValue, float64(stats.CheckedOut))
	ch <- prometheus.MustNewConstMetric(c.dialing, prometheus.GaugeValue, float64(stats.Dialing))
	ch <- prometheus.MustNewConstMetric(c.created, prometheus.CounterValue, float64(stats.Created))
	ch <- prometheus.MustNewConstMetric(c.discarded, prometheus.CounterValue, float64(stats.Discarded))
	ch <- prometheus.MustNewConstMetric(c.maxCheckedOut, prometheus.GaugeValue, float64(stats.MaxCheckedOut))
}
