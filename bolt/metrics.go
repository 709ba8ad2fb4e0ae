package bolt

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	bolt "go.etcd.io/bbolt"
)

var _ prometheus.Collector = (*Collector)(nil)

var (
	keysDesc = prometheus.NewDesc(
		"replication_kv_keys",
		"Number of keys held by a kv store",
		[]string{"replica"}, nil)

	durableKeysDesc = prometheus.NewDesc(
		"replication_kv_durable_keys",
		"Number of keys in a kv store's last checkpoint",
		[]string{"replica"}, nil)

	durableDecreeDesc = prometheus.NewDesc(
		"replication_kv_durable_decree",
		"Decree reached by a kv store's last checkpoint",
		[]string{"replica"}, nil)

	boltWritesDesc = prometheus.NewDesc(
		"replication_kv_boltdb_writes_total",
		"Total number of boltdb writes",
		[]string{"replica"}, nil)

	boltReadsDesc = prometheus.NewDesc(
		"replication_kv_boltdb_reads_total",
		"Total number of boltdb reads",
		[]string{"replica"}, nil)
)

// Collector reports the stores opened by an app factory. Stores leave it
// when they are closed.
type Collector struct {
	mu     sync.Mutex
	stores map[string]*Store
}

// NewCollector returns an empty collector.
func NewCollector() *Collector {
	return &Collector{stores: make(map[string]*Store)}
}

func (c *Collector) add(name string, s *Store) {
	c.mu.Lock()
	c.stores[name] = s
	c.mu.Unlock()
}

func (c *Collector) remove(name string, s *Store) {
	c.mu.Lock()
	if c.stores[name] == s {
		delete(c.stores, name)
	}
	c.mu.Unlock()
}

// Describe returns all descriptions of the collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- keysDesc
	ch <- durableKeysDesc
	ch <- durableDecreeDesc
	ch <- boltWritesDesc
	ch <- boltReadsDesc
}

// Collect returns the current state of all open stores.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	stores := make(map[string]*Store, len(c.stores))
	for name, s := range c.stores {
		stores[name] = s
	}
	c.mu.Unlock()

	for name, s := range stores {
		ch <- prometheus.MustNewConstMetric(keysDesc, prometheus.GaugeValue, float64(s.Len()), name)
		ch <- prometheus.MustNewConstMetric(durableDecreeDesc, prometheus.GaugeValue, float64(s.LastDurableDecree()), name)

		s.mu.RLock()
		db := s.db
		s.mu.RUnlock()
		if db == nil {
			continue
		}

		stats := db.Stats()
		ch <- prometheus.MustNewConstMetric(boltReadsDesc, prometheus.CounterValue, float64(stats.TxN), name)
		ch <- prometheus.MustNewConstMetric(boltWritesDesc, prometheus.CounterValue, float64(stats.TxStats.Write), name)

		var durableKeys int
		_ = db.View(func(tx *bolt.Tx) error {
			if b := tx.Bucket(dataBucket); b != nil {
				durableKeys = b.Stats().KeyN
			}
			return nil
		})
		ch <- prometheus.MustNewConstMetric(durableKeysDesc, prometheus.GaugeValue, float64(durableKeys), name)
	}
}
