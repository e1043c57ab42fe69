// Copyright 2021-2024 Nokia
// Licensed under the BSD 3-Clause License.
// SPDX-License-Identifier: BSD-3-Clause

package restful

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

// Instrumenter decides whether and how spans are created for outgoing requests.
// For a request, ShouldStart, Start and End are called at most once each, in that order.
type Instrumenter interface {
	// ShouldStart tells whether a span is to be started for the request, given the parent context.
	ShouldStart(ctx context.Context, rw *RequestWrapper) bool

	// Start starts a span, returning a child context of ctx holding it.
	// It may add headers to rw.AdditionalHeaders().
	Start(ctx context.Context, rw *RequestWrapper) context.Context

	// End ends the span of the context returned by Start.
	// Response and error are what the request execution returned. Either or both may be nil.
	End(ctx context.Context, rw *RequestWrapper, resp *http.Response, err error)
}

// AttributesExtractor adds custom attributes to client spans.
type AttributesExtractor interface {
	OnStart(ctx context.Context, rw *RequestWrapper) []attribute.KeyValue
	OnEnd(ctx context.Context, rw *RequestWrapper, resp *http.Response, err error) []attribute.KeyValue
}

type clientSpanKey struct{}

// clientSpan marks contexts having a client span of this package. Nested client spans are suppressed.
type clientSpan struct {
	start time.Time
}

type otelInstrumenter struct {
	tracer                  trace.Tracer
	propagator              propagation.TextMapPropagator
	spanNameFormatter       func(rw *RequestWrapper) string
	capturedRequestHeaders  []string
	capturedResponseHeaders []string
	extractors              []AttributesExtractor
}

func (i *otelInstrumenter) textMapPropagator() propagation.TextMapPropagator {
	if i.propagator != nil {
		return i.propagator
	}
	return otel.GetTextMapPropagator()
}

func (i *otelInstrumenter) ShouldStart(ctx context.Context, rw *RequestWrapper) bool {
	if !isTraced.Load() {
		return false
	}
	_, nested := ctx.Value(clientSpanKey{}).(*clientSpan)
	return !nested
}

func (i *otelInstrumenter) Start(ctx context.Context, rw *RequestWrapper) context.Context {
	attrs := []attribute.KeyValue{
		semconv.HTTPMethodKey.String(rw.Method()),
		semconv.HTTPURLKey.String(rw.URL()),
	}
	attrs = append(attrs, i.requestHeaderAttrs(rw)...)
	for _, e := range i.extractors {
		attrs = append(attrs, e.OnStart(ctx, rw)...)
	}

	ctx, _ = i.tracer.Start(ctx, i.spanNameFormatter(rw), trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
	ctx = context.WithValue(ctx, clientSpanKey{}, &clientSpan{start: time.Now()})

	i.textMapPropagator().Inject(ctx, propagation.MapCarrier(rw.AdditionalHeaders()))

	log.Debugf("[%s] Span start: %s %s", traceStr(ctx), rw.Method(), rw.URL())
	return ctx
}

func (i *otelInstrumenter) End(ctx context.Context, rw *RequestWrapper, resp *http.Response, err error) {
	span := trace.SpanFromContext(ctx)

	if u := rw.ResolvedURL(); u != nil {
		span.SetAttributes(semconv.HTTPURLKey.String(u.String()), semconv.NetPeerNameKey.String(u.Hostname()))
		if port, portErr := strconv.Atoi(u.Port()); portErr == nil {
			span.SetAttributes(semconv.NetPeerPortKey.Int(port))
		}
	}

	if resp != nil {
		span.SetAttributes(semconv.HTTPStatusCodeKey.Int(resp.StatusCode))
		span.SetAttributes(headerAttrs("http.response.header.", resp.Header, i.capturedResponseHeaders)...)
		if resp.StatusCode >= 400 {
			span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
		}
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	for _, e := range i.extractors {
		span.SetAttributes(e.OnEnd(ctx, rw, resp, err)...)
	}

	span.End()

	if cs, ok := ctx.Value(clientSpanKey{}).(*clientSpan); ok {
		recordSpanMetrics(rw, resp, err, cs.start)
	}
	log.Debugf("[%s] Span end: %s", traceStr(ctx), spanOutcome(resp, err))
}

// requestHeaderAttrs captures request headers, additional headers included.
func (i *otelInstrumenter) requestHeaderAttrs(rw *RequestWrapper) []attribute.KeyValue {
	if len(i.capturedRequestHeaders) == 0 {
		return nil
	}

	headers := make(http.Header)
	if rw.Request().Header != nil {
		headers = rw.Request().Header.Clone()
	}
	for name, value := range rw.AdditionalHeaders() {
		headers.Set(name, value)
	}
	return headerAttrs("http.request.header.", headers, i.capturedRequestHeaders)
}

func headerAttrs(prefix string, headers http.Header, names []string) (attrs []attribute.KeyValue) {
	for _, name := range names {
		if values := headers.Values(name); len(values) > 0 {
			key := prefix + strings.ReplaceAll(strings.ToLower(name), "-", "_")
			attrs = append(attrs, attribute.StringSlice(key, values))
		}
	}
	return
}
