// Copyright 2021-2024 Nokia
// Licensed under the BSD 3-Clause License.
// SPDX-License-Identifier: BSD-3-Clause

package restful

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/nokia/restful-tracing/trace/idgen"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

type tracingEnv struct {
	recorder *tracetest.SpanRecorder
	tp       *sdktrace.TracerProvider
	gen      *idgen.OverrideableIDGenerator
	srv      *httptest.Server
	received http.Header
}

// newTracingEnv starts an upstream server that is traced by the same provider.
func newTracingEnv(t *testing.T) *tracingEnv {
	env := &tracingEnv{recorder: tracetest.NewSpanRecorder(), gen: idgen.New(nil)}
	env.tp = sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(env.recorder), sdktrace.WithIDGenerator(env.gen))

	router := mux.NewRouter()
	router.HandleFunc("/users/{id}", func(w http.ResponseWriter, r *http.Request) {
		env.received = r.Header.Clone()
		w.Header().Set("X-Resp", "r-"+mux.Vars(r)["id"])
		if mux.Vars(r)["id"] == "500" {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}).Methods(http.MethodGet)

	env.srv = httptest.NewServer(otelhttp.NewHandler(router, "server",
		otelhttp.WithTracerProvider(env.tp),
		otelhttp.WithPropagators(propagation.TraceContext{})))
	t.Cleanup(func() {
		env.srv.Close()
		_ = env.tp.Shutdown(context.Background())
	})
	return env
}

func (env *tracingEnv) tracing() *Tracing {
	return NewTracing(env.tp).Propagator(propagation.TraceContext{})
}

func (env *tracingEnv) spansOfKind(kind trace.SpanKind) (spans []sdktrace.ReadOnlySpan) {
	for _, s := range env.recorder.Ended() {
		if s.SpanKind() == kind {
			spans = append(spans, s)
		}
	}
	return
}

func attrMap(span sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	m := make(map[attribute.Key]attribute.Value)
	for _, kv := range span.Attributes() {
		m[kv.Key] = kv.Value
	}
	return m
}

type staticExtractor struct{}

func (staticExtractor) OnStart(ctx context.Context, rw *RequestWrapper) []attribute.KeyValue {
	return []attribute.KeyValue{attribute.String("app.start", rw.Method())}
}

func (staticExtractor) OnEnd(ctx context.Context, rw *RequestWrapper, resp *http.Response, err error) []attribute.KeyValue {
	return []attribute.KeyValue{attribute.Bool("app.failed", err != nil)}
}

func TestClientSpan(t *testing.T) {
	assert := assert.New(t)
	env := newTracingEnv(t)
	stack := env.tracing().
		CapturedRequestHeaders("X-Request-Id").
		CapturedResponseHeaders("X-Resp").
		AttributesExtractor(staticExtractor{}).
		NewStack(NewClient().Root(env.srv.URL))

	srvURL, _ := url.Parse(env.srv.URL)
	countBefore := testutil.ToFloat64(clientSpanCount.WithLabelValues(http.MethodGet, srvURL.Host, "2xx"))

	req, _ := http.NewRequest(http.MethodGet, "/users/1", nil)
	resp, err := stack.ExecuteRequest(req, map[string]string{"X-Request-Id": "req-1"})
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(http.StatusOK, resp.StatusCode)

	clients := env.spansOfKind(trace.SpanKindClient)
	servers := env.spansOfKind(trace.SpanKindServer)
	require.Len(t, clients, 1)
	require.Len(t, servers, 1)
	client := clients[0]

	assert.Equal(http.MethodGet, client.Name())
	assert.False(client.Parent().IsValid())
	assert.Equal(client.SpanContext().SpanID(), servers[0].Parent().SpanID())
	assert.Equal(client.SpanContext().TraceID(), servers[0].SpanContext().TraceID())
	assert.Contains(env.received.Get("Traceparent"), client.SpanContext().TraceID().String())
	assert.Equal("req-1", env.received.Get("X-Request-Id"))

	attrs := attrMap(client)
	assert.Equal(env.srv.URL+"/users/1", attrs["http.url"].AsString())
	assert.Equal(http.MethodGet, attrs["http.method"].AsString())
	assert.Equal(int64(http.StatusOK), attrs["http.status_code"].AsInt64())
	assert.Equal(srvURL.Hostname(), attrs["net.peer.name"].AsString())
	assert.Equal(srvURL.Port(), attrs["net.peer.port"].Emit())
	assert.Equal([]string{"req-1"}, attrs["http.request.header.x_request_id"].AsStringSlice())
	assert.Equal([]string{"r-1"}, attrs["http.response.header.x_resp"].AsStringSlice())
	assert.Equal(http.MethodGet, attrs["app.start"].AsString())
	assert.False(attrs["app.failed"].AsBool())
	assert.Equal(codes.Unset, client.Status().Code)

	assert.Equal(countBefore+1, testutil.ToFloat64(clientSpanCount.WithLabelValues(http.MethodGet, srvURL.Host, "2xx")))
}

func TestClientSpanChildOfAmbient(t *testing.T) {
	env := newTracingEnv(t)
	stack := env.tracing().NewStack(NewClient())

	ctx, parent := env.tp.Tracer("test").Start(context.Background(), "parent")
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, env.srv.URL+"/users/2", nil)
	resp, err := stack.ExecuteRequest(req, nil)
	parent.End()
	require.NoError(t, err)
	_ = resp.Body.Close()

	clients := env.spansOfKind(trace.SpanKindClient)
	require.Len(t, clients, 1)
	assert.Equal(t, parent.SpanContext().SpanID(), clients[0].Parent().SpanID())
	assert.Equal(t, parent.SpanContext().TraceID(), clients[0].SpanContext().TraceID())
}

func TestClientSpanHTTPError(t *testing.T) {
	env := newTracingEnv(t)
	stack := env.tracing().NewStack(NewClient())

	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/users/500", nil)
	resp, err := stack.ExecuteRequest(req, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	clients := env.spansOfKind(trace.SpanKindClient)
	require.Len(t, clients, 1)
	assert.Equal(t, codes.Error, clients[0].Status().Code)
	assert.Equal(t, int64(http.StatusInternalServerError), attrMap(clients[0])["http.status_code"].AsInt64())
}

func TestClientSpanConnectionFailure(t *testing.T) {
	assert := assert.New(t)
	env := newTracingEnv(t)
	stack := env.tracing().AttributesExtractor(staticExtractor{}).NewStack(NewClient())

	closed := httptest.NewServer(http.NotFoundHandler())
	target := closed.URL + "/gone"
	closed.Close()

	req, _ := http.NewRequest(http.MethodGet, target, nil)
	resp, err := stack.ExecuteRequest(req, nil)
	assert.Nil(resp)
	require.Error(t, err)

	clients := env.spansOfKind(trace.SpanKindClient)
	require.Len(t, clients, 1)
	client := clients[0]
	assert.Equal(codes.Error, client.Status().Code)
	assert.Equal(err.Error(), client.Status().Description)
	assert.Equal(target, attrMap(client)["http.url"].AsString())
	assert.True(attrMap(client)["app.failed"].AsBool())
	_, hasStatus := attrMap(client)["http.status_code"]
	assert.False(hasStatus)

	var exception bool
	for _, e := range client.Events() {
		exception = exception || e.Name == "exception"
	}
	assert.True(exception)
}

func TestClientSpanWithOverriddenIDs(t *testing.T) {
	assert := assert.New(t)
	env := newTracingEnv(t)
	stack := env.tracing().NewStack(NewClient())

	ctx, scope, err := env.gen.Override(context.Background(), "0af7651916cd43dd8448eb211c80319c", "b9c7c989f97918e1")
	require.NoError(t, err)
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, env.srv.URL+"/users/3", nil)
	resp, err := stack.ExecuteRequest(req, nil)
	scope.Close()
	require.NoError(t, err)
	_ = resp.Body.Close()

	clients := env.spansOfKind(trace.SpanKindClient)
	require.Len(t, clients, 1)
	assert.Equal("0af7651916cd43dd8448eb211c80319c", clients[0].SpanContext().TraceID().String())
	assert.Equal("b9c7c989f97918e1", clients[0].SpanContext().SpanID().String())
	assert.Equal("00-0af7651916cd43dd8448eb211c80319c-b9c7c989f97918e1-01", env.received.Get("Traceparent"))

	servers := env.spansOfKind(trace.SpanKindServer)
	require.Len(t, servers, 1)
	assert.NotEqual("b9c7c989f97918e1", servers[0].SpanContext().SpanID().String())
}

func TestNestedClientSpanSuppressed(t *testing.T) {
	env := newTracingEnv(t)
	inner := env.tracing().NewStack(NewClient())
	outerClient := NewClient()

	// The outer stack's connection runs another traced request on the request context.
	outerClient.SetConnectionFactory(ConnectionFactoryFunc(func(ctx context.Context, u *url.URL) (Connection, error) {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, env.srv.URL+"/users/inner", nil)
		resp, err := inner.ExecuteRequest(req, nil)
		if err != nil {
			return nil, err
		}
		_ = resp.Body.Close()
		return outerClient.Client, nil
	}))
	outer := env.tracing().NewStack(outerClient)

	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/users/outer", nil)
	resp, err := outer.ExecuteRequest(req, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Len(t, env.spansOfKind(trace.SpanKindClient), 1)
	assert.Len(t, env.spansOfKind(trace.SpanKindServer), 2)
}

func TestSetTraceDisabled(t *testing.T) {
	env := newTracingEnv(t)
	stack := env.tracing().NewStack(NewClient())

	SetTrace(false)
	defer SetTrace(true)
	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/users/4", nil)
	resp, err := stack.ExecuteRequest(req, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Empty(t, env.spansOfKind(trace.SpanKindClient))
	assert.Empty(t, env.received.Get("Traceparent"))
}

func TestSpanName(t *testing.T) {
	rw := newRequestWrapper(&http.Request{Method: http.MethodPost}, nil)
	assert.Equal(t, http.MethodPost, spanNameFormatter(rw))
	SetServerName("front")
	defer SetServerName("")
	assert.Equal(t, "front:POST", spanNameFormatter(rw))

	env := newTracingEnv(t)
	stack := env.tracing().SpanNameFormatter(func(rw *RequestWrapper) string {
		return "call " + strings.TrimPrefix(rw.Request().URL.Path, "/")
	}).NewStack(NewClient())
	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/users/5", nil)
	resp, err := stack.ExecuteRequest(req, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	clients := env.spansOfKind(trace.SpanKindClient)
	require.Len(t, clients, 1)
	assert.Equal(t, "call users/5", clients[0].Name())
}

func TestSetTraceConcurrent(t *testing.T) {
	defer SetTrace(true)
	defer SetServerName("")
	i := NewTracing(sdktrace.NewTracerProvider()).Instrumenter()
	rw := newRequestWrapper(&http.Request{Method: http.MethodGet}, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for n := 0; n < 100; n++ {
			SetTrace(n%2 == 0)
			SetServerName("front")
		}
	}()
	for n := 0; n < 100; n++ {
		_ = i.ShouldStart(context.Background(), rw)
		_ = spanNameFormatter(rw)
	}
	<-done

	SetTrace(true)
	assert.True(t, i.ShouldStart(context.Background(), rw))
	assert.Equal(t, "front:GET", spanNameFormatter(rw))
}

func TestSpanOutcome(t *testing.T) {
	assert.Equal(t, "error", spanOutcome(nil, nil))
	assert.Equal(t, "error", spanOutcome(&http.Response{StatusCode: 200}, assert.AnError))
	assert.Equal(t, "4xx", spanOutcome(&http.Response{StatusCode: 404}, nil))
}
