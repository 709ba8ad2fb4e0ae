package http

import (
	"net/http"
	"net/http/pprof"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	kithttp "github.com/influxdata/replication/kit/transport/http"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	// MetricsPath exposes the prometheus metrics over /metrics.
	MetricsPath = "/metrics"
	// ReadyPath exposes the readiness of the service over /ready.
	ReadyPath = "/ready"
	// HealthPath exposes the health of the service over /health.
	HealthPath = "/health"
	// DebugPath exposes /debug/pprof for go debugging.
	DebugPath = "/debug"
)

// Handler provides basic handling of metrics, health and debug endpoints.
// All other requests are passed down to the API handler.
type Handler struct {
	name string
	r    chi.Router

	requests   *prometheus.CounterVec
	requestDur *prometheus.HistogramVec

	log *zap.Logger
}

type (
	handlerOpts struct {
		log            *zap.Logger
		apiHandler     http.Handler
		healthHandler  http.Handler
		metricsHandler http.Handler
		readyHandler   http.Handler
		pprofEnabled   bool
	}

	// HandlerOptFn configures a Handler.
	HandlerOptFn func(opts *handlerOpts)
)

func (o *handlerOpts) metricsHTTPHandler() http.Handler {
	if o.metricsHandler != nil {
		return o.metricsHandler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("metrics disabled"))
	})
}

// WithLog sets the logger of the handler and its request logging.
func WithLog(l *zap.Logger) HandlerOptFn {
	return func(opts *handlerOpts) {
		opts.log = l
	}
}

// WithAPIHandler sets the handler for every path not served by Handler itself.
func WithAPIHandler(h http.Handler) HandlerOptFn {
	return func(opts *handlerOpts) {
		opts.apiHandler = h
	}
}

// WithHealthHandler replaces the /health handler.
func WithHealthHandler(h http.Handler) HandlerOptFn {
	return func(opts *handlerOpts) {
		opts.healthHandler = h
	}
}

// WithPprofEnabled serves /debug/pprof.
func WithPprofEnabled(enabled bool) HandlerOptFn {
	return func(opts *handlerOpts) {
		opts.pprofEnabled = enabled
	}
}

// WithMetrics serves the metrics of reg on /metrics.
func WithMetrics(reg *prometheus.Registry) HandlerOptFn {
	return func(opts *handlerOpts) {
		opts.metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}
}

// NewRootHandler creates a new handler with the given name and registers any
// root-level routes.
func NewRootHandler(name string, opts ...HandlerOptFn) *Handler {
	opt := handlerOpts{
		log:           zap.NewNop(),
		apiHandler:    http.NotFoundHandler(),
		healthHandler: http.NotFoundHandler(),
		readyHandler:  ReadyHandler(),
	}
	for _, o := range opts {
		o(&opt)
	}

	h := &Handler{
		name: name,
		log:  opt.log,
	}
	h.initMetrics()

	r := chi.NewRouter()
	r.Use(
		kithttp.Metrics(name, h.requests, h.requestDur),
		kithttp.SkipOptions,
		kithttp.SetCORS,
	)
	r.Group(func(r chi.Router) {
		r.Use(middleware.Recoverer)
		r.Mount(MetricsPath, opt.metricsHTTPHandler())
		r.Mount(ReadyPath, opt.readyHandler)
		r.Mount(HealthPath, opt.healthHandler)
		if opt.pprofEnabled {
			r.Mount(DebugPath, debugRouter())
		}
	})

	r.Group(func(r chi.Router) {
		r.Use(LoggingMW(opt.log))
		r.NotFound(opt.apiHandler.ServeHTTP)
		r.MethodNotAllowed(opt.apiHandler.ServeHTTP)
	})

	h.r = r
	return h
}

func debugRouter() chi.Router {
	r := chi.NewRouter()
	r.HandleFunc("/pprof/", pprof.Index)
	r.HandleFunc("/pprof/cmdline", pprof.Cmdline)
	r.HandleFunc("/pprof/profile", pprof.Profile)
	r.HandleFunc("/pprof/symbol", pprof.Symbol)
	r.HandleFunc("/pprof/trace", pprof.Trace)
	r.Handle("/pprof/{profile}", http.HandlerFunc(pprof.Index))
	return r
}

func (h *Handler) initMetrics() {
	const namespace = "http"
	const handlerSubsystem = "api"

	labels := []string{"handler", "method", "path", "status", "response_code"}
	h.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: handlerSubsystem,
		Name:      "requests_total",
		Help:      "Number of http requests received",
	}, labels)

	h.requestDur = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: handlerSubsystem,
		Name:      "request_duration_seconds",
		Help:      "Time taken to respond to HTTP request",
	}, labels)
}

// ServeHTTP delegates a request to the appropriate subhandler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.r.ServeHTTP(w, r)
}

// PrometheusCollectors returns the request metrics of the handler.
func (h *Handler) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		h.requests,
		h.requestDur,
	}
}
