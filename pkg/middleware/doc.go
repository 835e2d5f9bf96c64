// Package middleware provides observability for the collaboration server.
//
// This package includes:
//   - Prometheus metrics, as a server.Observer and a message middleware
//   - OpenTelemetry tracing for inbound messages and document hooks
//
// # Prometheus Metrics
//
// Metrics observes session lifecycle events and times inbound messages:
//
//	reg := prometheus.NewRegistry()
//	m := middleware.NewMetrics(middleware.WithRegistry(reg))
//
//	srv := server.New(&server.Config{
//	    Observer:       m,
//	    Middleware:     []server.MessageMiddleware{m.Middleware()},
//	    MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
//	})
//
// # OpenTelemetry Tracing
//
// OpenTelemetry starts a span per inbound message. TraceLoad and TraceSave
// wrap document hooks so that storage calls show up in the same trace
// backend:
//
//	srv := server.New(&server.Config{
//	    Middleware:     []server.MessageMiddleware{middleware.OpenTelemetry()},
//	    OnDocumentLoad: middleware.TraceLoad(hooks.Load),
//	    OnDocumentSave: middleware.TraceSave(hooks.Save),
//	})
//
// The tracer comes from the global OpenTelemetry provider unless
// WithTracerProvider is given.
package middleware
