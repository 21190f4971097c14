package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// RouterOptions toggles the optional HTTP layers
type RouterOptions struct {
	Registry       *prometheus.Registry
	EnableMetrics  bool
	EnableCORS     bool
	AllowedOrigins []string
	EnableTracing  bool
}

// setupRouter sets up HTTP routes
// HTTPルートを設定
func setupRouter(handlers *Handlers, opts RouterOptions) http.Handler {
	router := mux.NewRouter()

	// ヘルスチェック
	router.HandleFunc("/health", handlers.HealthCheck).Methods("GET")
	if opts.EnableMetrics && opts.Registry != nil {
		router.Handle("/metrics", promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{})).Methods("GET")
	}

	// API v1ルート
	api := router.PathPrefix("/api/v1").Subrouter()

	// ユニット台帳
	api.HandleFunc("/units", handlers.AdmitUnit).Methods("POST")
	api.HandleFunc("/units", handlers.ListUnits).Methods("GET")
	api.HandleFunc("/units/{unitId}", handlers.GetUnit).Methods("GET")
	api.HandleFunc("/units/{unitId}/status", handlers.UpdateStatus).Methods("PATCH")

	// 入庫
	api.HandleFunc("/stock-in", handlers.StockIn).Methods("POST")
	api.HandleFunc("/stock-in/release", handlers.ReleaseQuantity).Methods("POST")

	// 出庫
	api.HandleFunc("/stock-out", handlers.StockOut).Methods("POST")
	api.HandleFunc("/stock-out", handlers.ListStockOuts).Methods("GET")
	api.HandleFunc("/stock-out/{stockOutId}", handlers.GetStockOut).Methods("GET")
	api.HandleFunc("/track", handlers.Track).Methods("GET")

	// 拠点間移動
	api.HandleFunc("/transfers/pending", handlers.PendingTransfers).Methods("GET")
	api.HandleFunc("/transfers/history", handlers.TransferHistory).Methods("GET")
	api.HandleFunc("/transfers/{stockOutId}/confirm", handlers.ConfirmTransfer).Methods("POST")

	// 台帳
	api.HandleFunc("/ledger", handlers.GetHistory).Methods("GET")
	api.HandleFunc("/ledger/replay", handlers.ReplayBalance).Methods("GET")

	// 配置先
	api.HandleFunc("/placements/{kind}/{id}", handlers.ResolvePlacement).Methods("GET")

	// ログ・メトリクス
	router.Use(loggingMiddleware(handlers.logger))
	if opts.Registry != nil {
		router.Use(metricsMiddleware(newHTTPMetrics(opts.Registry)))
	}

	var handler http.Handler = router
	if opts.EnableCORS {
		handler = cors.New(cors.Options{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", "Authorization", headerUserID, headerRole, headerHome},
		}).Handler(handler)
	}
	if opts.EnableTracing {
		handler = otelhttp.NewHandler(handler, "apexstock-api")
	}
	return handler
}

// statusRecorder captures the status code written by a handler
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware logs HTTP requests
// HTTPリクエストをログ出力するミドルウェア
func loggingMiddleware(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			// リクエスト処理
			next.ServeHTTP(rec, r)

			// ログ出力
			logger.Info("HTTPリクエスト",
				zap.String("method", r.Method),
				zap.String("url", r.URL.Path),
				zap.Int("status", rec.status),
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("user_id", r.Header.Get(headerUserID)),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

// httpMetrics are the request collectors of the API server
type httpMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newHTTPMetrics(reg prometheus.Registerer) *httpMetrics {
	m := &httpMetrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apexstock_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "apexstock_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}
	reg.MustRegister(m.requests, m.duration)
	return m
}

// metricsMiddleware records request counts by route template
func metricsMiddleware(m *httpMetrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			route := "unknown"
			if current := mux.CurrentRoute(r); current != nil {
				if tpl, err := current.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			m.requests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
			m.duration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}
