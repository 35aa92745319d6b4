package observability

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/searchktools/hostcore/core/pools"
)

// RegisterPool exposes the statistics of a bounded object pool
func RegisterPool(reg prometheus.Registerer, name string, stats func() pools.PoolStats) error {
	labels := prometheus.Labels{"pool": name}
	collectors := []prometheus.Collector{
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "pool",
			Name:        "rents_total",
			Help:        "Objects rented from the pool.",
			ConstLabels: labels,
		}, func() float64 { return float64(stats().Gets) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "pool",
			Name:        "hits_total",
			Help:        "Rents served by an idle object.",
			ConstLabels: labels,
		}, func() float64 { return float64(stats().Hits) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "pool",
			Name:        "discards_total",
			Help:        "Returned objects dropped because the pool was full.",
			ConstLabels: labels,
		}, func() float64 { return float64(stats().Discards) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "pool",
			Name:        "idle",
			Help:        "Objects waiting to be rented.",
			ConstLabels: labels,
		}, func() float64 { return float64(stats().Idle) }),
	}
	return register(reg, collectors)
}

// RegisterWorkers exposes the statistics of a worker pool
func RegisterWorkers(reg prometheus.Registerer, stats func() pools.WorkerPoolStats) error {
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "workers",
			Name:      "pending_tasks",
			Help:      "Tasks submitted but not finished.",
		}, func() float64 { return float64(stats().TasksPending) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workers",
			Name:      "overflow_total",
			Help:      "Tasks run on a fresh goroutine because every worker was busy.",
		}, func() float64 { return float64(stats().Overflow) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workers",
			Name:      "handoffs_total",
			Help:      "Tasks handed to an idle worker.",
		}, func() float64 { return float64(stats().Handoffs) }),
	}
	return register(reg, collectors)
}

// RegisterGC exposes garbage collector statistics
func RegisterGC(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gc",
			Name:      "pause_total_seconds",
			Help:      "Total GC pause time.",
		}, func() float64 { return pools.GetGCStats().PauseTotal.Seconds() }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gc",
			Name:      "last_pause_seconds",
			Help:      "Duration of the most recent GC pause.",
		}, func() float64 { return pools.GetGCStats().LastPause.Seconds() }),
	}
	return register(reg, collectors)
}

func register(reg prometheus.Registerer, collectors []prometheus.Collector) error {
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
