package adapter

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/shmpipe/pkg/shm"
)

// StatsSource is implemented by *shm.Channel.
type StatsSource interface {
	Stats() shm.Stats
}

// ChannelCollector exports a channel's semaphore values and state as gauges.
// Values are read on every scrape.
type ChannelCollector struct {
	src StatsSource

	capacity   *prometheus.Desc
	free       *prometheus.Desc
	filled     *prometheus.Desc
	peerExited *prometheus.Desc
	open       *prometheus.Desc
}

var _ prometheus.Collector = (*ChannelCollector)(nil)

// NewChannelCollector returns a collector for src. constLabels usually
// carries the role of the process.
func NewChannelCollector(namespace string, src StatsSource, constLabels prometheus.Labels) *ChannelCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "channel", name), help, nil, constLabels)
	}
	return &ChannelCollector{
		src:        src,
		capacity:   desc("capacity_slots", "Number of slots in the ring."),
		free:       desc("free_slots", "Current value of the write semaphore."),
		filled:     desc("filled_slots", "Current value of the read semaphore."),
		peerExited: desc("peer_exited", "1 once the peer terminated without end-of-stream."),
		open:       desc("open", "1 while the channel is mapped."),
	}
}

// Describe implements prometheus.Collector.
func (c *ChannelCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.capacity
	ch <- c.free
	ch <- c.filled
	ch <- c.peerExited
	ch <- c.open
}

// Collect implements prometheus.Collector.
func (c *ChannelCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.src.Stats()
	ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(st.Capacity))
	ch <- prometheus.MustNewConstMetric(c.free, prometheus.GaugeValue, float64(st.Free))
	ch <- prometheus.MustNewConstMetric(c.filled, prometheus.GaugeValue, float64(st.Filled))
	ch <- prometheus.MustNewConstMetric(c.peerExited, prometheus.GaugeValue, boolValue(st.PeerExited))
	ch <- prometheus.MustNewConstMetric(c.open, prometheus.GaugeValue, boolValue(st.Open))
}

// TransferMetrics counts transfer outcomes per role.
type TransferMetrics struct {
	Results *prometheus.CounterVec
	Bytes   *prometheus.CounterVec
}

// NewTransferMetrics creates and registers the transfer counters.
func NewTransferMetrics(namespace string, reg prometheus.Registerer) (*TransferMetrics, error) {
	m := &TransferMetrics{
		Results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transfer",
			Name:      "results_total",
			Help:      "Finished transfers by role and result.",
		}, []string{"role", "result"}),
		Bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transfer",
			Name:      "bytes_total",
			Help:      "Stream bytes moved through the channel by role.",
		}, []string{"role"}),
	}
	for _, c := range []prometheus.Collector{m.Results, m.Bytes} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// WriteTextfile gathers g and writes it in the node_exporter textfile format.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	return prometheus.WriteToTextfile(path, g)
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
