// Package metrics はPrometheusのメトリクスを定義します
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	RoomJoins = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixelroom_room_joins_total",
		Help: "Total number of successful room joins",
	})
	RoomLeaves = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixelroom_room_leaves_total",
		Help: "Total number of explicit room leaves",
	})
	RoomFullRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixelroom_room_full_rejections_total",
		Help: "Total number of joins rejected because the room was full",
	})
	RoomTeardowns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixelroom_room_teardowns_total",
		Help: "Total number of rooms removed after the last member left",
	})
	CanvasPublishes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixelroom_canvas_publishes_total",
		Help: "Total number of canvas snapshots published",
	})
	CanvasPublishFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixelroom_canvas_publish_failures_total",
		Help: "Total number of canvas publishes that failed",
	})
	ChatMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pixelroom_chat_messages_total",
		Help: "Total number of chat messages sent",
	}, []string{"type"})
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pixelroom_active_sessions",
		Help: "Number of open collaboration sessions",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"path", "method", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)
)

var registerOnce sync.Once

// Register はメトリクスをデフォルトレジストリに登録します（main.goから1回呼び出す）
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			RoomJoins, RoomLeaves, RoomFullRejections, RoomTeardowns,
			CanvasPublishes, CanvasPublishFailures, ChatMessages, ActiveSessions,
			httpRequestsTotal, httpRequestDuration,
		)
	})
}

// Middleware はリクエスト数と処理時間を記録します
// パスはchiのルートパターンを使い、ルームIDなどでラベルが増えないようにします
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		httpRequestsTotal.WithLabelValues(path, r.Method, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(path, r.Method).Observe(time.Since(start).Seconds())
	})
}
