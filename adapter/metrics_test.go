package adapter

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/shmpipe/pkg/shm"
)

type fixedStats shm.Stats

func (f fixedStats) Stats() shm.Stats { return shm.Stats(f) }

func gather(t *testing.T, g prometheus.Gatherer) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := g.Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, mf := range families {
		out[mf.GetName()] = mf
	}
	return out
}

func TestChannelCollectorExportsStats(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	src := fixedStats{Capacity: 8, Free: 5, Filled: 3, PeerExited: true, Open: true}
	require.NoError(t, reg.Register(NewChannelCollector("shmpipe", src, prometheus.Labels{"role": "reader"})))

	got := gather(t, reg)
	want := map[string]float64{
		"shmpipe_channel_capacity_slots": 8,
		"shmpipe_channel_free_slots":     5,
		"shmpipe_channel_filled_slots":   3,
		"shmpipe_channel_peer_exited":    1,
		"shmpipe_channel_open":           1,
	}
	for name, v := range want {
		mf, ok := got[name]
		require.True(t, ok, name)
		require.Len(t, mf.GetMetric(), 1)
		m := mf.GetMetric()[0]
		assert.Equal(t, v, m.GetGauge().GetValue(), name)
		require.Len(t, m.GetLabel(), 1)
		assert.Equal(t, "reader", m.GetLabel()[0].GetValue())
	}
}

func TestTransferMetricsCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewTransferMetrics("shmpipe", reg)
	require.NoError(t, err)

	m.Results.WithLabelValues("writer", "done").Inc()
	m.Bytes.WithLabelValues("writer").Add(42)

	got := gather(t, reg)
	require.Contains(t, got, "shmpipe_transfer_bytes_total")
	assert.Equal(t, 42.0, got["shmpipe_transfer_bytes_total"].GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, 1.0, got["shmpipe_transfer_results_total"].GetMetric()[0].GetCounter().GetValue())

	_, err = NewTransferMetrics("shmpipe", reg)
	assert.Error(t, err)
}

func TestWriteTextfile(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(NewChannelCollector("shmpipe", fixedStats{Capacity: 4, Free: 4}, nil)))

	path := filepath.Join(t.TempDir(), "shmpipe.prom")
	require.NoError(t, WriteTextfile(path, reg))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(raw)
	assert.True(t, strings.Contains(text, "shmpipe_channel_free_slots 4"), text)
}
