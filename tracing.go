// Copyright 2021-2024 Nokia
// Licensed under the BSD 3-Clause License.
// SPDX-License-Identifier: BSD-3-Clause

package restful

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/nokia/restful-tracing"

// Tracing configures how outgoing requests are traced.
//
//	stack := restful.NewTracing(tp).CapturedRequestHeaders("X-Request-Id").NewClient()
//	resp, err := stack.ExecuteRequest(req, nil)
type Tracing struct {
	tracerProvider          trace.TracerProvider
	propagator              propagation.TextMapPropagator
	spanNameFormatter       func(rw *RequestWrapper) string
	capturedRequestHeaders  []string
	capturedResponseHeaders []string
	extractors              []AttributesExtractor
}

// NewTracing creates tracing configuration using the given tracer provider.
// If tp is nil, then the global one is used.
func NewTracing(tp trace.TracerProvider) *Tracing {
	return &Tracing{tracerProvider: tp}
}

// Propagator sets the propagator used to inject trace headers. By default the global one is used.
func (t *Tracing) Propagator(p propagation.TextMapPropagator) *Tracing {
	t.propagator = p
	return t
}

// SpanNameFormatter sets span naming. By default the span is named after the HTTP method,
// prefixed by server name if SetServerName was called.
func (t *Tracing) SpanNameFormatter(f func(rw *RequestWrapper) string) *Tracing {
	t.spanNameFormatter = f
	return t
}

// CapturedRequestHeaders sets request headers to be recorded as span attributes.
func (t *Tracing) CapturedRequestHeaders(headers ...string) *Tracing {
	t.capturedRequestHeaders = headers
	return t
}

// CapturedResponseHeaders sets response headers to be recorded as span attributes.
func (t *Tracing) CapturedResponseHeaders(headers ...string) *Tracing {
	t.capturedResponseHeaders = headers
	return t
}

// AttributesExtractor adds an extractor of custom span attributes.
func (t *Tracing) AttributesExtractor(e AttributesExtractor) *Tracing {
	t.extractors = append(t.extractors, e)
	return t
}

// Instrumenter builds an OpenTelemetry instrumenter of the configuration.
func (t *Tracing) Instrumenter() Instrumenter {
	tp := t.tracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	nameFormatter := t.spanNameFormatter
	if nameFormatter == nil {
		nameFormatter = spanNameFormatter
	}
	return &otelInstrumenter{
		tracer:                  tp.Tracer(instrumentationName),
		propagator:              t.propagator,
		spanNameFormatter:       nameFormatter,
		capturedRequestHeaders:  t.capturedRequestHeaders,
		capturedResponseHeaders: t.capturedResponseHeaders,
		extractors:              t.extractors,
	}
}

// NewStack wraps stack so that its requests are traced.
func (t *Tracing) NewStack(stack HookedStack) *TracingStack {
	return NewTracingStack(t.Instrumenter(), stack)
}

// NewClient creates a traced client.
func (t *Tracing) NewClient() *TracingStack {
	return t.NewStack(NewClient())
}
