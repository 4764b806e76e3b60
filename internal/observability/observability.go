package observability

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	otelmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Roster sync outcomes.
const (
	SyncOK        = "ok"
	SyncPartial   = "partial"
	SyncError     = "error"
	SyncAuthError = "auth_error"
	SyncSkipped   = "skipped"
)

// Threshold alert actions.
const (
	AlertCreated  = "created"
	AlertResolved = "resolved"
)

var (
	requestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total requests by service, endpoint, method, and status.",
		},
		[]string{"service", "endpoint", "method", "status"},
	)

	// Probes counts reachability checks by result (up|down).
	Probes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "office_monitor_probes_total",
		Help: "Reachability probes by result.",
	}, []string{"result"})

	// Incidents counts incident transitions (opened|closed|error).
	Incidents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "office_monitor_incidents_total",
		Help: "Incident lifecycle transitions.",
	}, []string{"action"})

	Notifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "office_monitor_notifications_total",
		Help: "Notification deliveries by sink and outcome.",
	}, []string{"sink", "outcome"})

	SNMPCollections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "office_monitor_snmp_collections_total",
		Help: "Printer SNMP collections by outcome (stored|empty|error).",
	}, []string{"outcome"})

	RosterSyncs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "office_monitor_roster_syncs_total",
		Help: "External roster syncs by outcome (" + strings.Join([]string{SyncOK, SyncPartial, SyncError, SyncAuthError, SyncSkipped}, "|") + ").",
	}, []string{"outcome"})

	ThresholdAlerts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "office_monitor_threshold_alerts_total",
		Help: "Threshold alert transitions (" + AlertCreated + "|" + AlertResolved + ").",
	}, []string{"action"})
)

func init() {
	prometheus.MustRegister(requestCounter, Probes, Incidents, Notifications, SNMPCollections, RosterSyncs, ThresholdAlerts)
}

// SetupObservability installs the global propagator, meter provider and
// tracer provider. Spans are exported over OTLP/HTTP when otlpEndpoint is set.
func SetupObservability(ctx context.Context, serviceName, otlpEndpoint string) (shutdown func(), promHandler http.Handler, tracer oteltrace.Tracer, err error) {
	propagator := propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
	otel.SetTextMapPropagator(propagator)

	promExporter, err := otelprom.New()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	meterProvider := otelmetric.NewMeterProvider(otelmetric.WithReader(promExporter))
	otel.SetMeterProvider(meterProvider)

	res, err := resource.New(ctx, resource.WithAttributes(attribute.String("service.name", serviceName)))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create otel resource: %w", err)
	}

	var tp *trace.TracerProvider
	if otlpEndpoint != "" {
		exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(otlpEndpoint))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("create otlp exporter: %w", err)
		}
		tp = trace.NewTracerProvider(trace.WithBatcher(exp), trace.WithResource(res))
	} else {
		tp = trace.NewTracerProvider(trace.WithResource(res))
	}
	otel.SetTracerProvider(tp)

	shutdown = func() {
		_ = tp.Shutdown(context.Background())
		_ = meterProvider.Shutdown(context.Background())
	}
	return shutdown, promhttp.Handler(), otel.Tracer(serviceName), nil
}

// MetricsAndTracingMiddleware labels requests by chi route pattern so
// path parameters do not explode the counter cardinality.
func MetricsAndTracingMiddleware(tracer oteltrace.Tracer, serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			method := r.Method
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			ctx, span := tracer.Start(ctx, method+" "+r.URL.Path)
			if rid := middleware.GetReqID(ctx); rid != "" {
				span.SetAttributes(attribute.String("http.request_id", rid))
			}
			w.Header().Set("Trace-ID", span.SpanContext().TraceID().String())

			next.ServeHTTP(rw, r.WithContext(ctx))

			endpoint := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil {
				if p := rc.RoutePattern(); p != "" {
					endpoint = p
				}
			}
			span.SetAttributes(
				attribute.String("http.method", method),
				attribute.String("http.route", endpoint),
				attribute.Int("http.status_code", rw.status),
			)
			requestCounter.WithLabelValues(serviceName, endpoint, method, strconv.Itoa(rw.status)).Inc()
			span.End()
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack keeps websocket upgrades working behind the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}
