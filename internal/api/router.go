package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tokenledger",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tokenledger",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution of HTTP requests",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		httpRequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
	})
}

// NewRouter wires the public HTTP surface.
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthHandler).Methods("GET")
	r.HandleFunc("/health/ready", h.ReadyHandler).Methods("GET")

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(metricsMiddleware)

	v1.HandleFunc("/balance/{accountId}", h.GetBalanceHandler).Methods("GET")
	v1.HandleFunc("/balance/{accountId}/history", h.GetHistoryHandler).Methods("GET")

	v1.HandleFunc("/tokens/credit", h.CreditHandler).Methods("POST")
	v1.HandleFunc("/tokens/consume", h.ConsumeHandler).Methods("POST")
	v1.HandleFunc("/tokens/reserve", h.ReserveHandler).Methods("POST")
	v1.HandleFunc("/tokens/release", h.ReleaseHandler).Methods("POST")

	v1.HandleFunc("/checkout", h.CreateCheckoutHandler).Methods("POST")
	v1.HandleFunc("/webhooks/stripe", h.StripeWebhookHandler).Methods("POST")

	v1.HandleFunc("/referrals/generate", h.GenerateCodeHandler).Methods("POST")
	v1.HandleFunc("/referrals/attribute", h.AttributeHandler).Methods("POST")
	v1.HandleFunc("/referrals/convert", h.ConvertHandler).Methods("POST")
	v1.HandleFunc("/referrals/stats/{accountId}", h.StatsHandler).Methods("GET")
	v1.HandleFunc("/referrals/{code}", h.GetCodeHandler).Methods("GET")
	v1.HandleFunc("/referrals/{code}", h.DeactivateCodeHandler).Methods("DELETE")

	return r
}
