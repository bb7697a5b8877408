// Package metrics provides Prometheus metrics for the trade-flow monitor
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// FeedState 上游连接状态(0=disconnected,1=connecting,2=connected,3=fallback)
	FeedState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tfm_feed_state",
		Help: "上游连接状态(0=disconnected,1=connecting,2=connected,3=fallback)",
	})
	FeedConnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tfm_feed_connects_total",
		Help: "上游 WS 成功连接次数",
	})
	FeedFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tfm_feed_failures_total",
		Help: "上游 WS 拨号失败或断线次数",
	})
	FallbackActivations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tfm_feed_fallback_activations_total",
		Help: "进入合成数据模式的次数",
	})
	Resubscriptions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tfm_feed_resubscriptions_total",
		Help: "因标的集合变化而重建连接的次数",
	})
	SubscribedSymbols = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tfm_feed_subscribed_symbols",
		Help: "当前订阅的标的数量",
	})
	MalformedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tfm_feed_malformed_messages_total",
		Help: "无法解析而丢弃的上游消息",
	})

	TradesIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tfm_trades_ingested_total",
		Help: "进入窗口的成交",
	}, []string{"side", "source"})
	TradesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tfm_trades_rejected_total",
		Help: "被拒绝的成交（按原因）",
	}, []string{"reason"})
	TrackedLedgers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tfm_tracked_ledgers",
		Help: "当前存在账本的标的数",
	})

	Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tfm_subscribers",
		Help: "已连接的下游订阅者",
	})
	MessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tfm_messages_published_total",
		Help: "广播的消息数",
	}, []string{"type"})
	DeliveryDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tfm_delivery_dropped_total",
		Help: "因订阅者队列已满而丢弃的消息",
	})
	SummaryTickSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tfm_summary_tick_seconds",
		Help:    "一次 summary 广播耗时",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
	})

	RefreshSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tfm_screener_refresh_seconds",
		Help:    "筛选周期耗时",
		Buckets: prometheus.DefBuckets,
	}, []string{"mode"})
	EligibleInstruments = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tfm_screener_eligible_instruments",
		Help: "最近一次筛选通过的标的数",
	})
	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tfm_api_requests_total",
		Help: "REST 请求数量",
	}, []string{"endpoint"})
	APIErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tfm_api_errors_total",
		Help: "REST 错误数量",
	}, []string{"endpoint"})
)

// RecordTrade 统计一笔进入窗口的成交。
func RecordTrade(side string, synthetic bool) {
	source := "live"
	if synthetic {
		source = "synthetic"
	}
	TradesIngested.WithLabelValues(side, source).Inc()
}

// RecordReject 统计一笔被拒绝的成交。
func RecordReject(reason string) {
	TradesRejected.WithLabelValues(reason).Inc()
}

// Handler 返回 /metrics 处理器。
func Handler() http.Handler {
	return promhttp.Handler()
}
