package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the orchestration engine.
// Metrics are organized by subsystem: topics, tasks, budget, LLM calls, and
// index searches. All collectors are registered via promauto with the
// default Prometheus registry.
type Metrics struct {
	// TopicsStarted counts the total number of topics entering orchestration.
	TopicsStarted prometheus.Counter

	// TopicsCompleted counts topics reaching Done, labeled by outcome
	// ("clean" or "with_failures").
	TopicsCompleted *prometheus.CounterVec

	// TopicDuration observes end-to-end topic duration in seconds.
	TopicDuration prometheus.Histogram

	// TasksStarted counts task attempts, labeled by task kind.
	TasksStarted *prometheus.CounterVec

	// TasksSucceeded counts successful tasks, labeled by task kind.
	TasksSucceeded *prometheus.CounterVec

	// TasksRetried counts retry re-enqueues, labeled by task kind and
	// error classification.
	TasksRetried *prometheus.CounterVec

	// TasksExhausted counts tasks reaching Exhausted, labeled by task kind.
	TasksExhausted *prometheus.CounterVec

	// TaskDuration observes single-attempt duration in seconds by kind.
	TaskDuration *prometheus.HistogramVec

	// BudgetWaits counts nonzero waits imposed by the rate budget,
	// labeled by provider.
	BudgetWaits *prometheus.CounterVec

	// BudgetWaitDuration observes imposed budget waits in seconds by provider.
	BudgetWaitDuration *prometheus.HistogramVec

	// LLMRequestsTotal counts LLM API requests, labeled by provider and outcome.
	LLMRequestsTotal *prometheus.CounterVec

	// LLMTokensTotal counts tokens committed against provider budgets.
	LLMTokensTotal *prometheus.CounterVec

	// SearchesTotal counts document index searches, labeled by outcome.
	SearchesTotal *prometheus.CounterVec

	// PapersDiscovered counts candidates returned by discovery.
	PapersDiscovered prometheus.Counter

	// PapersFiltered counts candidates dropped by the relevance filter.
	PapersFiltered prometheus.Counter
}

// NewMetrics creates and registers all orchestration metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		TopicsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "paperscout_topics_started_total",
			Help: "Total number of topics entering orchestration.",
		}),
		TopicsCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "paperscout_topics_completed_total",
			Help: "Total number of topics reaching a terminal state.",
		}, []string{"outcome"}),
		TopicDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "paperscout_topic_duration_seconds",
			Help:    "End-to-end duration of a topic in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		TasksStarted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "paperscout_tasks_started_total",
			Help: "Total task attempts started.",
		}, []string{"kind"}),
		TasksSucceeded: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "paperscout_tasks_succeeded_total",
			Help: "Total tasks completed successfully.",
		}, []string{"kind"}),
		TasksRetried: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "paperscout_tasks_retried_total",
			Help: "Total task retry re-enqueues.",
		}, []string{"kind", "classification"}),
		TasksExhausted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "paperscout_tasks_exhausted_total",
			Help: "Total tasks that reached Exhausted.",
		}, []string{"kind"}),
		TaskDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "paperscout_task_duration_seconds",
			Help:    "Duration of a single task attempt in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		BudgetWaits: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "paperscout_budget_waits_total",
			Help: "Nonzero waits imposed by the rate budget tracker.",
		}, []string{"provider"}),
		BudgetWaitDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "paperscout_budget_wait_duration_seconds",
			Help:    "Duration of waits imposed by the rate budget tracker.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"provider"}),
		LLMRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "paperscout_llm_requests_total",
			Help: "Total LLM API requests.",
		}, []string{"provider", "outcome"}),
		LLMTokensTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "paperscout_llm_tokens_total",
			Help: "Total tokens committed against provider budgets.",
		}, []string{"provider"}),
		SearchesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "paperscout_searches_total",
			Help: "Total document index searches.",
		}, []string{"outcome"}),
		PapersDiscovered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "paperscout_papers_discovered_total",
			Help: "Total paper candidates returned by discovery.",
		}),
		PapersFiltered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "paperscout_papers_filtered_total",
			Help: "Total candidates dropped by the relevance filter.",
		}),
	}
}
