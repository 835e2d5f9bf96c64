package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/docket-hq/slate-sheikah/pkg/protocol"
	"github.com/docket-hq/slate-sheikah/pkg/server"
)

// Default tracer name for the collaboration server.
const defaultTracerName = "slate-sheikah"

// OTelConfig configures the OpenTelemetry middleware.
type OTelConfig struct {
	// TracerName is the name of the tracer (default: "slate-sheikah").
	TracerName string

	// TracerProvider overrides the global tracer provider.
	TracerProvider trace.TracerProvider

	// IncludeRemoteAddr adds the client address to spans.
	// May identify end users - disabled by default.
	IncludeRemoteAddr bool

	// Filter determines which messages to trace.
	// Return true to trace the message. If nil, all messages are traced.
	Filter func(msg *protocol.Message) bool

	// AttributeExtractor extracts custom attributes for each traced message.
	AttributeExtractor func(conn *server.Connection, msg *protocol.Message) []attribute.KeyValue
}

// OTelOption configures the OpenTelemetry middleware.
type OTelOption func(*OTelConfig)

// WithTracerName sets the tracer name.
func WithTracerName(name string) OTelOption {
	return func(c *OTelConfig) {
		c.TracerName = name
	}
}

// WithTracerProvider sets the tracer provider.
func WithTracerProvider(tp trace.TracerProvider) OTelOption {
	return func(c *OTelConfig) {
		c.TracerProvider = tp
	}
}

// WithIncludeRemoteAddr enables including the client address in spans.
func WithIncludeRemoteAddr(include bool) OTelOption {
	return func(c *OTelConfig) {
		c.IncludeRemoteAddr = include
	}
}

// WithMessageFilter sets a filter function for messages.
func WithMessageFilter(filter func(msg *protocol.Message) bool) OTelOption {
	return func(c *OTelConfig) {
		c.Filter = filter
	}
}

// WithAttributeExtractor sets a custom attribute extractor.
func WithAttributeExtractor(extractor func(conn *server.Connection, msg *protocol.Message) []attribute.KeyValue) OTelOption {
	return func(c *OTelConfig) {
		c.AttributeExtractor = extractor
	}
}

func newOTelConfig(opts []OTelOption) OTelConfig {
	config := OTelConfig{TracerName: defaultTracerName}
	for _, opt := range opts {
		opt(&config)
	}
	return config
}

func (c OTelConfig) tracer() trace.Tracer {
	if c.TracerProvider != nil {
		return c.TracerProvider.Tracer(c.TracerName)
	}
	return otel.Tracer(c.TracerName)
}

// OpenTelemetry returns a message middleware that starts a server span for
// every inbound message. The span is carried in the context passed to the
// next handler; use SpanFromContext to annotate it.
func OpenTelemetry(opts ...OTelOption) server.MessageMiddleware {
	config := newOTelConfig(opts)
	tracer := config.tracer()

	return func(next server.MessageHandler) server.MessageHandler {
		return func(ctx context.Context, conn *server.Connection, msg *protocol.Message) error {
			if config.Filter != nil && !config.Filter(msg) {
				return next(ctx, conn, msg)
			}

			attrs := []attribute.KeyValue{
				attribute.String("slate.document_id", conn.DocumentID),
				attribute.String("slate.conn_id", conn.ID),
				attribute.String("slate.message_type", string(msg.Type)),
				attribute.Int("slate.payload_bytes", len(msg.Payload)),
			}
			if config.IncludeRemoteAddr {
				attrs = append(attrs, attribute.String("slate.remote_addr", conn.Meta.RemoteAddr))
			}
			if config.AttributeExtractor != nil {
				attrs = append(attrs, config.AttributeExtractor(conn, msg)...)
			}

			spanCtx, span := tracer.Start(ctx, fmt.Sprintf("slate.%s", msg.Type),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(attrs...),
			)
			defer span.End()

			err := next(spanCtx, conn, msg)
			recordResult(span, err)
			return err
		}
	}
}

// TraceLoad wraps a load hook in an internal span.
func TraceLoad(load server.LoadFunc, opts ...OTelOption) server.LoadFunc {
	if load == nil {
		return nil
	}
	tracer := newOTelConfig(opts).tracer()

	return func(ctx context.Context, documentID string, query url.Values) (json.RawMessage, error) {
		ctx, span := tracer.Start(ctx, "slate.document.load",
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(attribute.String("slate.document_id", documentID)),
		)
		defer span.End()

		content, err := load(ctx, documentID, query)
		span.SetAttributes(
			attribute.Int("slate.content_bytes", len(content)),
			attribute.Bool("slate.found", content != nil),
		)
		recordResult(span, err)
		return content, err
	}
}

// TraceSave wraps a save hook in an internal span.
func TraceSave(save server.SaveFunc, opts ...OTelOption) server.SaveFunc {
	if save == nil {
		return nil
	}
	tracer := newOTelConfig(opts).tracer()

	return func(ctx context.Context, documentID string, content json.RawMessage) error {
		ctx, span := tracer.Start(ctx, "slate.document.save",
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(
				attribute.String("slate.document_id", documentID),
				attribute.Int("slate.content_bytes", len(content)),
			),
		)
		defer span.End()

		err := save(ctx, documentID, content)
		recordResult(span, err)
		return err
	}
}

func recordResult(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

// SpanFromContext returns the message span started by OpenTelemetry, or a
// no-op span when the message is not traced.
//
// Example:
//
//	func audit(next server.MessageHandler) server.MessageHandler {
//	    return func(ctx context.Context, conn *server.Connection, msg *protocol.Message) error {
//	        middleware.SpanFromContext(ctx).AddEvent("audited")
//	        return next(ctx, conn, msg)
//	    }
//	}
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}
