package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "relay_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	MessagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "relay_messages_received_total", Help: "Inbound chat messages"},
		[]string{"source"},
	)
	MessagesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "relay_messages_processed_total", Help: "Inbound message outcomes"},
		[]string{"result", "type"},
	)
	ProcessingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_message_processing_duration_seconds",
			Help:    "Time from receipt to all actions queued",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
	)
	RuleErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "relay_rule_errors_total", Help: "Rule and action configuration errors"},
		[]string{"reason"},
	)
	Enqueues = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "relay_enqueue_total", Help: "Queue enqueue results"},
		[]string{"kind", "result"},
	)
	JobStatus = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "relay_queue_job_status_total", Help: "Job terminal and retry transitions"},
		[]string{"kind", "status"},
	)
	QueueSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "relay_queue_size", Help: "Jobs per kind and state"},
		[]string{"kind", "state"},
	)
	QueueBackend = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "relay_queue_backend", Help: "Active queue backend (1 = selected)"},
		[]string{"backend"},
	)
	WebhookSend = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "relay_webhook_send_total", Help: "Outbound webhook attempt outcomes"},
		[]string{"result", "http_status"},
	)
	WebhookLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "relay_webhook_latency_seconds", Help: "Outbound webhook attempt latency"},
	)
	MailSend = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "relay_mail_send_total", Help: "Outbound mail outcomes"},
		[]string{"result", "threaded"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		APIRequests, MessagesReceived, MessagesProcessed, ProcessingDuration, RuleErrors,
		Enqueues, JobStatus, QueueSize, QueueBackend, WebhookSend, WebhookLatency, MailSend,
	)
}
