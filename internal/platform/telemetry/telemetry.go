// Package telemetry puts an OpenTelemetry server span around every HTTP
// request. The governance packages start child spans from the request
// context; whichever TracerProvider is registered globally receives them.
package telemetry

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/ehr/carepath/internal/platform/apperr"
)

// TraceIDHeader echoes the active trace id so callers can quote it.
const TraceIDHeader = "X-Trace-ID"

// TelemetryConfig holds the tracing settings.
type TelemetryConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// TracingEnabled defaults to true when nil.
	TracingEnabled *bool
}

func (c *TelemetryConfig) tracingOn() bool {
	return c.TracingEnabled == nil || *c.TracingEnabled
}

func (c *TelemetryConfig) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "carepath-server"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
}

// BoolPtr is a convenience for TelemetryConfig.TracingEnabled.
func BoolPtr(b bool) *bool {
	return &b
}

// Provider owns the HTTP tracer and the propagator used to read incoming
// trace context.
type Provider struct {
	cfg        TelemetryConfig
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// NewProvider registers W3C trace context and baggage propagation globally
// and returns a provider bound to the global TracerProvider.
func NewProvider(cfg TelemetryConfig) *Provider {
	cfg.applyDefaults()
	prop := propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
	otel.SetTextMapPropagator(prop)
	return &Provider{
		cfg:        cfg,
		tracer:     otel.Tracer("carepath/http", trace.WithInstrumentationVersion(cfg.ServiceVersion)),
		propagator: prop,
	}
}

// Resource describes the service for log lines and health output.
func (p *Provider) Resource() map[string]string {
	return map[string]string{
		"service.name":           p.cfg.ServiceName,
		"service.version":        p.cfg.ServiceVersion,
		"deployment.environment": p.cfg.Environment,
	}
}

// Shutdown is a no-op for the API-only provider and exists so callers can
// defer it unconditionally.
func (p *Provider) Shutdown(_ context.Context) error {
	return nil
}

// TracingMiddleware starts a server span named "HTTP {method} {route}".
// 5xx responses mark the span as failed.
func (p *Provider) TracingMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !p.cfg.tracingOn() {
				return next(c)
			}
			req := c.Request()
			route := c.Path()
			if route == "" {
				route = req.URL.Path
			}

			ctx := p.propagator.Extract(req.Context(), propagation.HeaderCarrier(req.Header))
			ctx, span := p.tracer.Start(ctx, "HTTP "+req.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", req.Method),
					attribute.String("http.route", route),
					attribute.String("service.name", p.cfg.ServiceName),
				))
			defer span.End()

			if sc := span.SpanContext(); sc.HasTraceID() {
				c.Response().Header().Set(TraceIDHeader, sc.TraceID().String())
			}
			if rid, ok := c.Get("request_id").(string); ok && rid != "" {
				span.SetAttributes(attribute.String("request.id", rid))
			}
			c.SetRequest(req.WithContext(ctx))

			err := next(c)

			status := responseStatus(c, err)
			span.SetAttributes(attribute.Int("http.response.status_code", status))
			if status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(status))
				if err != nil {
					span.RecordError(err)
				}
			}
			return err
		}
	}
}

func responseStatus(c echo.Context, err error) int {
	if err == nil || c.Response().Committed {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return apperr.HTTPStatus(err)
}
