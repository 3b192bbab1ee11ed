package server

import (
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Counters for the web service. The route label is the route pattern, not
// the raw URL, to keep the cardinality down.
var (
	requestCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teachcase_http_request_count",
		Help: "Number of requests handled, by method and route.",
	}, []string{"method", "route"})

	requestSeconds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teachcase_http_request_seconds",
		Help: "Total time spent handling requests, by method and route.",
	}, []string{"method", "route"})

	errorCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teachcase_http_error_count",
		Help: "Number of 4xx and 5xx responses, by method and route.",
	}, []string{"method", "route"})

	verifyCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "teachcase_verify_count",
		Help: "Number of case verifications performed.",
	})

	verifyProblemCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "teachcase_verify_problem_count",
		Help: "Number of case verifications that found damage.",
	})
)

var promHandler = promhttp.Handler()

// MetricsHandler adapts the prometheus handler to the httprouter three
// parameter handler.
func MetricsHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	promHandler.ServeHTTP(w, r)
}

// instrumentWrapper counts and times calls to the wrapped handler under
// the given route pattern.
func instrumentWrapper(route string, handler httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		handler(sw, r, ps)
		requestCount.WithLabelValues(r.Method, route).Inc()
		requestSeconds.WithLabelValues(r.Method, route).Add(time.Since(start).Seconds())
		if sw.status >= 400 {
			errorCount.WithLabelValues(r.Method, route).Inc()
		}
	}
}

// statusWriter keeps the status code a handler responded with. A zero
// status means the handler never called WriteHeader, which the http
// package treats as a 200.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
