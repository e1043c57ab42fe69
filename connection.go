// Copyright 2021-2024 Nokia
// Licensed under the BSD 3-Clause License.
// SPDX-License-Identifier: BSD-3-Clause

package restful

import (
	"context"
	"net/http"
	"net/url"
)

// Stack executes HTTP requests.
// Additional headers are added to the request before sending.
type Stack interface {
	ExecuteRequest(req *http.Request, additionalHeaders map[string]string) (*http.Response, error)
}

// Connection sends a request over an opened connection. *http.Client implements it.
type Connection interface {
	Do(req *http.Request) (*http.Response, error)
}

// ConnectionFactory opens a connection to the resolved URL of a request attempt.
// Context is the one of the request being executed.
type ConnectionFactory interface {
	CreateConnection(ctx context.Context, u *url.URL) (Connection, error)
}

// ConnectionFactoryFunc is an adapter to use ordinary functions as ConnectionFactory.
type ConnectionFactoryFunc func(ctx context.Context, u *url.URL) (Connection, error)

// CreateConnection calls f(ctx, u).
func (f ConnectionFactoryFunc) CreateConnection(ctx context.Context, u *url.URL) (Connection, error) {
	return f(ctx, u)
}

// HookedStack is a Stack whose connection opening can be replaced.
// Used by wrappers that need to see the URL a request is actually sent to.
type HookedStack interface {
	Stack
	ConnectionFactory() ConnectionFactory
	SetConnectionFactory(f ConnectionFactory)
}
