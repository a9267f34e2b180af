package bptree

import (
	"fmt"
	"github.com/VictoriaMetrics/metrics"
	"io"
	"strconv"
)

// treeMetrics are the counters of one tree. Each tree owns a separate set so
// several trees in one process do not clash.
type treeMetrics struct {
	set *metrics.Set

	cacheHits      *metrics.Counter
	cacheMisses    *metrics.Counter
	cacheEvictions *metrics.Counter
	lockTimeouts   *metrics.Counter
	walAppends     *metrics.Counter
	restarts       *metrics.Counter
	splits         *metrics.Counter
	merges         *metrics.Counter
	checkpoints    *metrics.Counter
	checkpointTime *metrics.Histogram
}

func newTreeMetrics(name string) *treeMetrics {
	set := metrics.NewSet()
	label := fmt.Sprintf(`{tree=%s}`, strconv.Quote(name))
	return &treeMetrics{
		set:            set,
		cacheHits:      set.NewCounter("bptree_cache_hits_total" + label),
		cacheMisses:    set.NewCounter("bptree_cache_misses_total" + label),
		cacheEvictions: set.NewCounter("bptree_cache_evictions_total" + label),
		lockTimeouts:   set.NewCounter("bptree_lock_timeouts_total" + label),
		walAppends:     set.NewCounter("bptree_wal_transactions_total" + label),
		restarts:       set.NewCounter("bptree_restarts_total" + label),
		splits:         set.NewCounter("bptree_splits_total" + label),
		merges:         set.NewCounter("bptree_merges_total" + label),
		checkpoints:    set.NewCounter("bptree_checkpoints_total" + label),
		checkpointTime: set.NewHistogram("bptree_checkpoint_duration_seconds" + label),
	}
}

// registerGauges adds the gauges that read live tree state
func (m *treeMetrics) registerGauges(name string, count, cacheSize, walSize func() float64) {
	label := fmt.Sprintf(`{tree=%s}`, strconv.Quote(name))
	m.set.NewGauge("bptree_entries"+label, count)
	m.set.NewGauge("bptree_cache_nodes"+label, cacheSize)
	m.set.NewGauge("bptree_wal_bytes"+label, walSize)
}

// WriteMetrics writes the metrics of the tree in Prometheus text format
func (t *Tree[K, V]) WriteMetrics(w io.Writer) {
	t.metrics.set.WritePrometheus(w)
}
