package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TasksSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codesense_tasks_submitted_total",
			Help: "Total number of tasks pushed to the broker by task name, queue and outcome.",
		},
		[]string{"task", "queue", "status"}, // status: ok, error
	)

	AsyncSendFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codesense_async_send_failures_total",
			Help: "Fire-and-forget task submissions that failed and were only logged.",
		},
		[]string{"task"},
	)

	ResultPollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codesense_result_polls_total",
			Help: "Result backend lookups by reported state.",
		},
		[]string{"state"},
	)

	RateLimitDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codesense_rate_limit_decisions_total",
			Help: "Rate limiter decisions by scope and outcome.",
		},
		[]string{"scope", "decision"}, // decision: allowed, denied, fail_open
	)

	CampaignsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codesense_campaigns_total",
			Help: "Campaign submissions by template and initial status.",
		},
		[]string{"template", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "codesense_http_request_duration_seconds",
			Help:    "API request latency by route and status code.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "code"},
	)

	BrokerQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "codesense_broker_queue_depth",
			Help: "Pending messages in a broker queue list.",
		},
		[]string{"queue"},
	)

	NSQChannelDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "codesense_nsq_channel_depth",
			Help: "Depth of NSQ channels by topic and channel",
		},
		[]string{"topic", "channel"},
	)

	NSQChannelInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "codesense_nsq_channel_inflight",
			Help: "In-flight messages for NSQ channels by topic and channel",
		},
		[]string{"topic", "channel"},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		TasksSubmittedTotal,
		AsyncSendFailuresTotal,
		ResultPollsTotal,
		RateLimitDecisionsTotal,
		CampaignsTotal,
		HTTPRequestDuration,
		BrokerQueueDepth,
		NSQChannelDepth,
		NSQChannelInFlight,
	)
}

// RecordTaskSubmitted counts one broker push attempt.
func RecordTaskSubmitted(task, queue string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	TasksSubmittedTotal.WithLabelValues(task, queue, status).Inc()
}

func RecordAsyncSendFailure(task string) {
	AsyncSendFailuresTotal.WithLabelValues(task).Inc()
}

func RecordResultPoll(state string) {
	ResultPollsTotal.WithLabelValues(state).Inc()
}

func RecordRateLimit(scope, decision string) {
	RateLimitDecisionsTotal.WithLabelValues(scope, decision).Inc()
}

func RecordCampaign(template, status string) {
	CampaignsTotal.WithLabelValues(template, status).Inc()
}

func RecordHTTPRequest(route string, code int, d time.Duration) {
	HTTPRequestDuration.WithLabelValues(route, strconv.Itoa(code)).Observe(d.Seconds())
}

func UpdateQueueDepth(queue string, depth int64) {
	BrokerQueueDepth.WithLabelValues(queue).Set(float64(depth))
}

func UpdateNSQChannel(topic, channel string, depth, inFlight int64) {
	NSQChannelDepth.WithLabelValues(topic, channel).Set(float64(depth))
	NSQChannelInFlight.WithLabelValues(topic, channel).Set(float64(inFlight))
}

// InstrumentRoute wraps h so its latency is observed under the given route label.
func InstrumentRoute(route string, h http.Handler) http.Handler {
	return promhttp.InstrumentHandlerDuration(
		HTTPRequestDuration.MustCurryWith(prometheus.Labels{"route": route}),
		h,
	)
}
