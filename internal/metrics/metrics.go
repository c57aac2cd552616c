package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 配额判定结果
const (
	DecisionAdmitted = "admitted"
	DecisionExceeded = "exceeded"
	DecisionFailOpen = "fail_open"
	DecisionBypass   = "bypass"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Metrics 聊天与AI助手的Prometheus指标
type Metrics struct {
	MessagesSent        *prometheus.CounterVec
	UnreadResets        prometheus.Counter
	QuotaDecisions      *prometheus.CounterVec
	AssistantTokens     *prometheus.CounterVec
	BroadcastDeliveries *prometheus.CounterVec
	ActiveSubscriptions prometheus.Gauge
	RequestDuration     *prometheus.HistogramVec
	ErrorResponses      *prometheus.CounterVec
}

// New 在给定注册器上注册指标，reg 为 nil 时不注册（测试用）
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		MessagesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat_messages_sent_total",
				Help: "Total number of chat messages sent by status",
			},
			[]string{"status"},
		),
		UnreadResets: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chat_unread_resets_total",
				Help: "Total number of unread counters reset to zero",
			},
		),
		QuotaDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assistant_quota_decisions_total",
				Help: "Assistant quota decisions by outcome",
			},
			[]string{"decision"},
		),
		AssistantTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "assistant_tokens_total",
				Help: "Tokens consumed by the metered assistant API",
			},
			[]string{"kind"},
		),
		BroadcastDeliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broadcast_deliveries_total",
				Help: "Admin broadcast deliveries by status",
			},
			[]string{"status"},
		),
		ActiveSubscriptions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "chat_active_subscriptions",
				Help: "Number of open live conversation subscriptions",
			},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency by route and status",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route", "status"},
		),
		ErrorResponses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_error_responses_total",
				Help: "Error responses by error code and type",
			},
			[]string{"code", "type"},
		),
	}
}

// NewNop 不注册到任何注册器的指标
func NewNop() *Metrics {
	return New(nil)
}
