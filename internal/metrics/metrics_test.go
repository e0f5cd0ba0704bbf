package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMustRegister(t *testing.T) {
	registry := prometheus.NewRegistry()

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("MustRegister() panicked: %v", r)
		}
	}()
	MustRegister(registry)

	RecordTaskSubmitted("send_bulk_emails", "celery", nil)
	RecordAsyncSendFailure("send_welcome_email")
	RecordResultPoll("PENDING")
	RecordRateLimit("login", "allowed")
	RecordCampaign("announcement", "queued")
	RecordHTTPRequest("/api/admin/email/task/{task_id}", 200, 10*time.Millisecond)
	UpdateQueueDepth("celery", 4)
	UpdateNSQChannel("campaign_events", "codesensectl", 2, 1)

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("Registry.Gather() error: %v", err)
	}
	registered := make(map[string]bool)
	for _, mf := range families {
		registered[mf.GetName()] = true
	}

	for _, name := range []string{
		"codesense_tasks_submitted_total",
		"codesense_async_send_failures_total",
		"codesense_result_polls_total",
		"codesense_rate_limit_decisions_total",
		"codesense_campaigns_total",
		"codesense_http_request_duration_seconds",
		"codesense_broker_queue_depth",
		"codesense_nsq_channel_depth",
		"codesense_nsq_channel_inflight",
	} {
		if !registered[name] {
			t.Errorf("metric %s not found in registry", name)
		}
	}
}

func TestRecordTaskSubmitted(t *testing.T) {
	TasksSubmittedTotal.Reset()

	tests := []struct {
		name   string
		err    error
		status string
	}{
		{name: "successful push", err: nil, status: "ok"},
		{name: "failed push", err: errors.New("connection refused"), status: "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := testutil.ToFloat64(TasksSubmittedTotal.WithLabelValues("send_email", "celery", tt.status))
			RecordTaskSubmitted("send_email", "celery", tt.err)
			after := testutil.ToFloat64(TasksSubmittedTotal.WithLabelValues("send_email", "celery", tt.status))
			if after-before != 1 {
				t.Errorf("tasks_submitted{status=%q} delta = %v, want 1", tt.status, after-before)
			}
		})
	}
}

func TestRecordRateLimit(t *testing.T) {
	RateLimitDecisionsTotal.Reset()

	for i := 0; i < 5; i++ {
		RecordRateLimit("login", "allowed")
	}
	RecordRateLimit("login", "denied")

	if got := testutil.ToFloat64(RateLimitDecisionsTotal.WithLabelValues("login", "allowed")); got != 5 {
		t.Errorf("allowed = %v, want 5", got)
	}
	if got := testutil.ToFloat64(RateLimitDecisionsTotal.WithLabelValues("login", "denied")); got != 1 {
		t.Errorf("denied = %v, want 1", got)
	}
}

func TestRecordCounters(t *testing.T) {
	AsyncSendFailuresTotal.Reset()
	ResultPollsTotal.Reset()
	CampaignsTotal.Reset()

	RecordAsyncSendFailure("send_welcome_email")
	RecordResultPoll("SUCCESS")
	RecordResultPoll("SUCCESS")
	RecordCampaign("maintenance", "failed")

	tests := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"async failures", AsyncSendFailuresTotal.WithLabelValues("send_welcome_email"), 1},
		{"result polls", ResultPollsTotal.WithLabelValues("SUCCESS"), 2},
		{"campaigns", CampaignsTotal.WithLabelValues("maintenance", "failed"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := testutil.ToFloat64(tt.c); got != tt.want {
				t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestUpdateQueueDepth(t *testing.T) {
	BrokerQueueDepth.Reset()

	UpdateQueueDepth("celery", 12)
	UpdateQueueDepth("celery", 3)

	if got := testutil.ToFloat64(BrokerQueueDepth.WithLabelValues("celery")); got != 3 {
		t.Errorf("queue depth = %v, want 3", got)
	}
}

func TestInstrumentRoute(t *testing.T) {
	HTTPRequestDuration.Reset()

	h := InstrumentRoute("/healthz", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if got := testutil.CollectAndCount(HTTPRequestDuration); got != 1 {
		t.Errorf("histogram series = %d, want 1", got)
	}
}

func TestUpdateNSQChannel(t *testing.T) {
	UpdateNSQChannel("campaign_events", "audit", 7, 3)
	if got := testutil.ToFloat64(NSQChannelDepth.WithLabelValues("campaign_events", "audit")); got != 7 {
		t.Errorf("nsq_channel_depth = %v, want 7", got)
	}
	if got := testutil.ToFloat64(NSQChannelInFlight.WithLabelValues("campaign_events", "audit")); got != 3 {
		t.Errorf("nsq_channel_inflight = %v, want 3", got)
	}
}
