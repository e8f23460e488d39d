package metrics

import (
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
)

// PebbleCollector reports storage metrics of an embedded stream database
type PebbleCollector struct {
	db *pebble.DB

	diskUsage      *prometheus.Desc
	memtableSize   *prometheus.Desc
	walSize        *prometheus.Desc
	compactions    *prometheus.Desc
	compactionDebt *prometheus.Desc
}

func NewPebbleCollector(db *pebble.DB) *PebbleCollector {
	return &PebbleCollector{
		db: db,
		diskUsage: prometheus.NewDesc(
			"fpm_stream_disk_usage_bytes",
			"Disk space used by the embedded stream",
			nil, nil,
		),
		memtableSize: prometheus.NewDesc(
			"fpm_stream_memtable_size_bytes",
			"Current size of the stream memtables",
			nil, nil,
		),
		walSize: prometheus.NewDesc(
			"fpm_stream_wal_size_bytes",
			"Size of the live stream WAL files",
			nil, nil,
		),
		compactions: prometheus.NewDesc(
			"fpm_stream_compactions_total",
			"Compactions performed by the stream database",
			nil, nil,
		),
		compactionDebt: prometheus.NewDesc(
			"fpm_stream_compaction_debt_bytes",
			"Estimated bytes left to compact",
			nil, nil,
		),
	}
}

func (pc *PebbleCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- pc.diskUsage
	ch <- pc.memtableSize
	ch <- pc.walSize
	ch <- pc.compactions
	ch <- pc.compactionDebt
}

func (pc *PebbleCollector) Collect(ch chan<- prometheus.Metric) {
	m := pc.db.Metrics()

	ch <- prometheus.MustNewConstMetric(pc.diskUsage, prometheus.GaugeValue, float64(m.DiskSpaceUsage()))
	ch <- prometheus.MustNewConstMetric(pc.memtableSize, prometheus.GaugeValue, float64(m.MemTable.Size))
	ch <- prometheus.MustNewConstMetric(pc.walSize, prometheus.GaugeValue, float64(m.WAL.Size))
	ch <- prometheus.MustNewConstMetric(pc.compactions, prometheus.CounterValue, float64(m.Compact.Count))
	ch <- prometheus.MustNewConstMetric(pc.compactionDebt, prometheus.GaugeValue, float64(m.Compact.EstimatedDebt))
}
