package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trip_active_sessions",
		Help: "Current number of live collaboration connections",
	})
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trip_active_rooms",
		Help: "Current number of live trip rooms",
	})
	MessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trip_chat_messages_total",
		Help: "Total number of chat messages published",
	})
	FanoutDropsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trip_fanout_drops_total",
		Help: "Total number of events dropped from slow outbound queues",
	})
	PersistRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trip_message_persist_retries_total",
		Help: "Total number of background message persistence retries",
	})
	InvitesCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trip_invites_created_total",
		Help: "Total number of invites issued",
	})
	InvitesAcceptedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trip_invites_accepted_total",
		Help: "Total number of invites accepted",
	})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(
		ActiveSessions, ActiveRooms, MessagesTotal, FanoutDropsTotal,
		PersistRetriesTotal, InvitesCreatedTotal, InvitesAcceptedTotal,
		HttpRequestsTotal, HttpRequestDuration,
	)
}

// GinMiddleware 统计基础请求指标，供 Prometheus 拉取。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
