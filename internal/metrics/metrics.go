package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry holds every collector of the process. It is private to avoid
// clashing with collectors registered by libraries on the default registry.
var Registry = prometheus.NewRegistry()

var (
	Messages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sheetmail_messages_total",
		Help: "Messages that reached a terminal outcome, by outcome.",
	}, []string{"outcome"})

	DeliveryRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sheetmail_delivery_retries_total",
		Help: "Transport retry cycles, by account and failure kind.",
	}, []string{"account", "kind"})

	RunAborts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sheetmail_run_aborts_total",
		Help: "Runs halted before the source was exhausted, by cause.",
	}, []string{"cause"})

	QuotaRemaining = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sheetmail_quota_remaining",
		Help: "Sends left in the current window, by account.",
	}, []string{"account"})

	SchedulerWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sheetmail_scheduler_wait_seconds",
		Help:    "Time the dispatcher waited for an account to become ready.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	})
)

func init() {
	Registry.MustRegister(Messages, DeliveryRetries, RunAborts, QuotaRemaining, SchedulerWait)
}

// ResetForTests clears the labelled collectors; intended for use in tests only.
func ResetForTests() {
	Messages.Reset()
	DeliveryRetries.Reset()
	RunAborts.Reset()
	QuotaRemaining.Reset()
}
