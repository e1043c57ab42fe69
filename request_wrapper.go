// Copyright 2021-2024 Nokia
// Licensed under the BSD 3-Clause License.
// SPDX-License-Identifier: BSD-3-Clause

package restful

import (
	"context"
	"maps"
	"net/http"
	"net/url"
	"sync/atomic"
)

// RequestWrapper is the data of one outgoing request passed to the instrumenter.
// It is not to be shared between requests.
type RequestWrapper struct {
	request           *http.Request
	additionalHeaders map[string]string
	resolvedURL       *url.URL
}

func newRequestWrapper(req *http.Request, additionalHeaders map[string]string) *RequestWrapper {
	headers := make(map[string]string, len(additionalHeaders))
	maps.Copy(headers, additionalHeaders)
	return &RequestWrapper{request: req, additionalHeaders: headers}
}

// Request returns the original request.
func (rw *RequestWrapper) Request() *http.Request {
	return rw.request
}

// Method returns the HTTP method of the request.
func (rw *RequestWrapper) Method() string {
	if rw.request.Method == "" {
		return http.MethodGet
	}
	return rw.request.Method
}

// URL returns the target of the request as given by the caller. It may be relative.
func (rw *RequestWrapper) URL() string {
	if rw.request.URL == nil {
		return ""
	}
	return rw.request.URL.String()
}

// AdditionalHeaders returns the headers to be added to the request.
// The map may be modified, e.g. by injecting trace propagation headers.
func (rw *RequestWrapper) AdditionalHeaders() map[string]string {
	return rw.additionalHeaders
}

// ResolvedURL returns the URL a connection was opened to. Nil if no connection was opened yet.
func (rw *RequestWrapper) ResolvedURL() *url.URL {
	return rw.resolvedURL
}

func (rw *RequestWrapper) setResolvedURL(u *url.URL) {
	rw.resolvedURL = u
}

// pendingRequest holds the wrapper of the request being executed.
// Cleared when execution returns, so late connection callbacks find nothing.
type pendingRequest struct {
	wrapper atomic.Pointer[RequestWrapper]
}

type pendingRequestKey struct{}

func newPendingRequest(rw *RequestWrapper) *pendingRequest {
	pending := &pendingRequest{}
	pending.wrapper.Store(rw)
	return pending
}

// into derives a context carrying the pending request. Shadows any outer one.
func (p *pendingRequest) into(ctx context.Context) context.Context {
	return context.WithValue(ctx, pendingRequestKey{}, p)
}

func (p *pendingRequest) clear() {
	p.wrapper.Store(nil)
}

// pendingRequestFromContext returns the wrapper of the request being executed, or nil.
func pendingRequestFromContext(ctx context.Context) *RequestWrapper {
	if ctx == nil {
		return nil
	}
	if pending, ok := ctx.Value(pendingRequestKey{}).(*pendingRequest); ok {
		return pending.wrapper.Load()
	}
	return nil
}
