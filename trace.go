// Copyright 2021-2023 Nokia
// Licensed under the BSD 3-Clause License.
// SPDX-License-Identifier: BSD-3-Clause

package restful

import (
	"sync/atomic"

	"github.com/nokia/restful-tracing/trace/tracer"
	"go.opentelemetry.io/contrib/propagators/b3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

var (
	isTraced   atomic.Bool
	serverName atomic.Pointer[string]
)

// SetTrace can enable/disable HTTP tracing.
// By default spans are created and trace headers are propagated.
func SetTrace(b bool) {
	isTraced.Store(b)
}

// SetServerName allows settings a server name.
// That can be used at span name formatting.
func SetServerName(s string) {
	serverName.Store(&s)
}

func spanNameFormatter(rw *RequestWrapper) string {
	if name := serverName.Load(); name != nil && *name != "" {
		return *name + ":" + rw.Method()
	}
	return rw.Method()
}

func init() {
	isTraced.Store(true)
	if !tracer.GetOTel() { // Exporting provider already set otherwise.
		otel.SetTracerProvider(tracer.NewTracerProvider())
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, b3.New(), b3.New(b3.WithInjectEncoding(b3.B3MultipleHeader))))
	}
}
