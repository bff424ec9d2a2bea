package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// PushCounter tracks completed pushes per queue.
	PushCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "redqueue_push_total",
		Help: "Total number of elements pushed",
	}, []string{"queue"})
	// PopCounter tracks pops that returned an element.
	PopCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "redqueue_pop_total",
		Help: "Total number of elements popped",
	}, []string{"queue"})
	// PopEmptyCounter tracks pops that found the queue empty.
	PopEmptyCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "redqueue_pop_empty_total",
		Help: "Total number of pops on an empty queue",
	}, []string{"queue"})
	// LockAcquireCounter tracks successful lock acquisitions.
	LockAcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "redqueue_lock_acquire_total",
		Help: "Total number of lock acquisitions",
	}, []string{"queue"})
	// LockRetryCounter tracks acquisition attempts that found the lock held.
	LockRetryCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "redqueue_lock_retry_total",
		Help: "Total number of failed lock attempts",
	}, []string{"queue"})
	// LockWaitHistogram observes the time spent waiting for the lock.
	LockWaitHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "redqueue_lock_wait_seconds",
		Help:    "Time spent acquiring the queue lock",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	}, []string{"queue"})
	// LockReleaseErrorCounter tracks failed releases.
	LockReleaseErrorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "redqueue_lock_release_errors_total",
		Help: "Total number of failed lock releases",
	}, []string{"queue"})
	// InvariantViolationCounter tracks problems reported by the validator.
	InvariantViolationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "redqueue_invariant_violations_total",
		Help: "Total number of queue invariant violations detected",
	}, []string{"queue"})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterQueueMetrics registers the queue and lock collectors on the
// provided registry.
func RegisterQueueMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		PushCounter,
		PopCounter,
		PopEmptyCounter,
		LockAcquireCounter,
		LockRetryCounter,
		LockWaitHistogram,
		LockReleaseErrorCounter,
		InvariantViolationCounter,
	)
}
