package telemetry

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/trace"
)

func TestTelemetryConfig_Defaults(t *testing.T) {
	p := NewProvider(TelemetryConfig{})
	res := p.Resource()
	if res["service.name"] != "carepath-server" {
		t.Errorf("expected default service name, got %q", res["service.name"])
	}
	if res["deployment.environment"] != "development" {
		t.Errorf("expected development environment, got %q", res["deployment.environment"])
	}
	if !p.cfg.tracingOn() {
		t.Error("expected tracing on by default")
	}
}

func TestTracingMiddleware_PropagatesTraceParent(t *testing.T) {
	p := NewProvider(TelemetryConfig{ServiceName: "carepath-test"})
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"

	var seen trace.SpanContext
	e := echo.New()
	e.Use(p.TracingMiddleware())
	e.GET("/api/v1/episodes/:id/status", func(c echo.Context) error {
		seen = trace.SpanContextFromContext(c.Request().Context())
		return c.NoContent(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/episodes/abc/status", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if seen.TraceID().String() != traceID {
		t.Errorf("expected handler to see trace %s, got %s", traceID, seen.TraceID())
	}
	if rec.Header().Get(TraceIDHeader) != traceID {
		t.Errorf("expected %s header %s, got %q", TraceIDHeader, traceID, rec.Header().Get(TraceIDHeader))
	}
}

func TestTracingMiddleware_NoIncomingContext(t *testing.T) {
	p := NewProvider(TelemetryConfig{})
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health", nil), httptest.NewRecorder())

	called := false
	err := p.TracingMiddleware()(func(c echo.Context) error {
		called = true
		return nil
	})(c)
	if err != nil || !called {
		t.Fatalf("expected handler to run, err=%v", err)
	}
}

func TestTracingMiddleware_Disabled(t *testing.T) {
	p := NewProvider(TelemetryConfig{TracingEnabled: BoolPtr(false)})
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	req := c.Request()
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")

	_ = p.TracingMiddleware()(func(c echo.Context) error { return nil })(c)
	if rec.Header().Get(TraceIDHeader) != "" {
		t.Error("expected no trace header when tracing is disabled")
	}
}

func TestResponseStatus(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())

	if got := responseStatus(c, echo.NewHTTPError(http.StatusTooManyRequests)); got != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", got)
	}
	if got := responseStatus(c, errors.New("boom")); got != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", got)
	}
}
