// Copyright 2021-2024 Nokia
// Licensed under the BSD 3-Clause License.
// SPDX-License-Identifier: BSD-3-Clause

package restful

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

var (
	errExecutionAborted    = errors.New("request execution aborted")
	errNoConnectionFactory = errors.New("wrapped stack has no connection factory")
)

// TracingStack wraps a stack, creating a client span for each request executed.
// It is a drop-in replacement of the wrapped stack.
type TracingStack struct {
	instrumenter Instrumenter
	stack        HookedStack
	next         ConnectionFactory
}

var (
	_ Stack             = (*TracingStack)(nil)
	_ ConnectionFactory = (*TracingStack)(nil)
)

// NewTracingStack wraps stack. Connection opening of stack is routed through the returned object,
// so that span end can tell the URL the request was actually sent to.
// If stack has no connection factory, then opening connections fails.
func NewTracingStack(instrumenter Instrumenter, stack HookedStack) *TracingStack {
	next := stack.ConnectionFactory()
	if next == nil {
		next = ConnectionFactoryFunc(func(ctx context.Context, u *url.URL) (Connection, error) {
			return nil, fmt.Errorf("connect %s: %w", u.Redacted(), errNoConnectionFactory)
		})
	}
	s := &TracingStack{instrumenter: instrumenter, stack: stack, next: next}
	stack.SetConnectionFactory(s)
	return s
}

// Stack returns the wrapped stack.
func (s *TracingStack) Stack() HookedStack {
	return s.stack
}

// ExecuteRequest executes the request on the wrapped stack.
// If the instrumenter says so, a span is started as a child of the request context's span,
// and the wrapped stack runs with the span in its request context.
// The span is ended whatever way execution exits. Response and error are returned unchanged.
func (s *TracingStack) ExecuteRequest(req *http.Request, additionalHeaders map[string]string) (*http.Response, error) {
	parentCtx := req.Context()
	rw := newRequestWrapper(req, additionalHeaders)
	pending := newPendingRequest(rw)
	defer pending.clear()

	if !s.instrumenter.ShouldStart(parentCtx, rw) {
		return s.stack.ExecuteRequest(req.WithContext(pending.into(parentCtx)), additionalHeaders)
	}

	ctx := s.instrumenter.Start(parentCtx, rw)
	return s.executeInstrumented(ctx, req.WithContext(pending.into(ctx)), rw)
}

func (s *TracingStack) executeInstrumented(ctx context.Context, req *http.Request, rw *RequestWrapper) (resp *http.Response, err error) {
	returned := false
	defer func() {
		if returned {
			return
		}
		r := recover()
		s.instrumenter.End(ctx, rw, nil, panicError(r))
		if r != nil {
			panic(r)
		}
	}()

	resp, err = s.stack.ExecuteRequest(req, rw.AdditionalHeaders())
	returned = true
	s.instrumenter.End(ctx, rw, resp, err)
	return resp, err
}

// panicError makes an error to be recorded of a recovered value. Nil means runtime.Goexit.
func panicError(r any) error {
	switch v := r.(type) {
	case nil:
		return errExecutionAborted
	case error:
		return fmt.Errorf("panic: %w", v)
	default:
		return fmt.Errorf("panic: %v", v)
	}
}

// CreateConnection notes the URL in the wrapper of the request being executed, then opens the connection
// by the factory the wrapped stack had originally.
// If called outside of ExecuteRequest, then nothing is noted.
func (s *TracingStack) CreateConnection(ctx context.Context, u *url.URL) (Connection, error) {
	if rw := pendingRequestFromContext(ctx); rw != nil {
		rw.setResolvedURL(u)
	}
	return s.next.CreateConnection(ctx, u)
}
