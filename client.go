// Copyright 2021-2024 Nokia
// Licensed under the BSD 3-Clause License.
// SPDX-License-Identifier: BSD-3-Clause

package restful

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/http2"
	"golang.org/x/oauth2"
)

// DialTimeout defines the default timeout for dialing connections.
var DialTimeout = 2 * time.Second

// Kind is a string representation of what kind the client is. Depending on which New() function is called.
const (
	KindBasic = ""
	KindH2    = "h2"
	KindH2C   = "h2c"
)

// HTTPSConfig contains some flags that control what kind of URLs to be allowed to be used.
// Don't confuse these with TLS config.
type HTTPSConfig struct {
	// AllowHTTP flag tells whether cleartext HTTP URLs are to be allowed to be used or not.
	AllowHTTP bool
	// AllowLocalhostHTTP flag tells whether to allow cleartext HTTP transport for localhost connections.
	// If AllowHttp is true, then that overrides this flag.
	AllowLocalhostHTTP bool
	// AllowedHTTPHosts lets hostnames defined which are allowed to be accessed by cleartext HTTP.
	// If AllowHttp is true, then this setting is not considered.
	AllowedHTTPHosts []string
}

func (hc *HTTPSConfig) isAllowed(target *url.URL) bool {
	if target == nil {
		return false
	}

	hostname := target.Hostname()
	return hc == nil ||
		target.Scheme == "https" ||
		hc.AllowHTTP ||
		slices.Contains(hc.AllowedHTTPHosts, hostname) ||
		(hc.AllowLocalhostHTTP && isLocalhost(hostname))
}

// URLRewriter may change the target URL of a request before it is sent.
// Returning empty string blocks the request.
type URLRewriter func(target string) (string, error)

// Client is the request execution pipeline.
// It resolves the target, sets headers and auth, then opens a connection and sends the request, retrying if configured so.
type Client struct {
	// Client is the http.Client instance used by the default connection factory.
	// Do not touch it, unless really necessary.
	Client *http.Client

	// Kind is a string representation of what kind the client is. Depending on which New() function is called.
	// Changing its value does not change client kind.
	Kind             string
	httpsCfg         *HTTPSConfig
	rootURL          string
	userAgent        string
	username         string
	password         string
	tokenSource      oauth2.TokenSource
	urlRewriter      URLRewriter
	retries          int
	retryBackoffInit time.Duration
	retryBackoffMax  time.Duration
	connFactory      ConnectionFactory
}

var _ HookedStack = (*Client)(nil)

func newClient(kind string, httpClient *http.Client) *Client {
	c := &Client{Kind: kind, Client: httpClient}
	c.connFactory = c.defaultConnectionFactory()
	return c
}

func (c *Client) defaultConnectionFactory() ConnectionFactory {
	return ConnectionFactoryFunc(func(ctx context.Context, u *url.URL) (Connection, error) {
		return c.Client, nil
	})
}

// NewClient creates a client instance.
// The instance has a semi-permanent transport TCP connection.
func NewClient() *Client {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConns = 100
	t.MaxConnsPerHost = 1000
	t.MaxIdleConnsPerHost = 100
	dialer := &net.Dialer{Timeout: DialTimeout, KeepAlive: 30 * time.Second}
	t.DialContext = dialer.DialContext

	return newClient(KindBasic, &http.Client{Timeout: 10 * time.Second, Transport: t})
}

// NewH2Client creates a client instance, forced to use HTTP2 with TLS (H2) (a.k.a. prior knowledge).
func NewH2Client() *Client {
	return newClient(KindH2, &http.Client{Transport: &http2.Transport{DialTLSContext: dialTLSCallback(true)}})
}

// NewH2CClient creates a client instance, forced to use HTTP2 Cleartext (H2C).
func NewH2CClient() *Client {
	return newClient(KindH2C, &http.Client{Transport: &http2.Transport{AllowHTTP: true, DialTLSContext: dialTLSCallback(false)}})
}

func dialTLSCallback(withTLS bool) func(context.Context, string, string, *tls.Config) (net.Conn, error) {
	return func(ctx context.Context, network, addr string, cfg *tls.Config) (net.Conn, error) {
		dialer := net.Dialer{Timeout: DialTimeout}
		if !withTLS {
			return dialer.DialContext(ctx, network, addr)
		}

		tlsDialer := tls.Dialer{NetDialer: &dialer, Config: cfg}
		conn, err := tlsDialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		if p := conn.(*tls.Conn).ConnectionState().NegotiatedProtocol; p != http2.NextProtoTLS {
			_ = conn.Close()
			return nil, fmt.Errorf("http2: unexpected ALPN protocol %q; want %q", p, http2.NextProtoTLS)
		}
		return conn, nil
	}
}

// ConnectionFactory returns the factory used to open connections.
func (c *Client) ConnectionFactory() ConnectionFactory {
	return c.connFactory
}

// SetConnectionFactory replaces the factory used to open connections.
// Nil restores the default one, using the client's http.Client.
func (c *Client) SetConnectionFactory(f ConnectionFactory) {
	if f == nil {
		f = c.defaultConnectionFactory()
	}
	c.connFactory = f
}

// UserAgent to be sent as User-Agent HTTP header. If not set then default Go client settings are used.
func (c *Client) UserAgent(userAgent string) *Client {
	c.userAgent = userAgent
	return c
}

// Root sets default root URL for client. Returns object instance, just in case you need that.
// You may use it this way: client := New().Root(...) or just client.Root(...)
func (c *Client) Root(rootURL string) *Client {
	c.rootURL = rootURL
	return c
}

// HTTPS lets you set what kind of URLs are allowed to be used.
// If HTTPS is not called, there are no restrictions applied.
// If HTTPS is called with nil config, then cleartext HTTP is not allowed.
//
//	cLocal := restful.NewClient().Root(peerURL).HTTPS(&restful.HTTPSConfig{AllowLocalhostHTTP: true})
func (c *Client) HTTPS(config *HTTPSConfig) *Client {
	if config == nil {
		c.httpsCfg = &HTTPSConfig{}
	} else {
		c.httpsCfg = config
	}
	return c
}

// URLRewriter sets a function that may change or block the target URL of each request.
func (c *Client) URLRewriter(rewriter URLRewriter) *Client {
	c.urlRewriter = rewriter
	return c
}

// Retry sets the number of times and backoff sleep a client retransmits the request
// if connection failed or gateway returned errors 502, 503 or 504.
//
// Truncated binary exponential backoff is done. I.e. sleep = 2^r * backoffInit,
// where r is the number of retries-1, capped at backoffMax.
// If backoffMax < backoffInit, e.g. 0, then set to 2^7*backoffInit.
func (c *Client) Retry(retries int, backoffInit time.Duration, backoffMax time.Duration) *Client {
	c.retries = retries
	if backoffMax < backoffInit {
		backoffMax = backoffInit * (1 << 7)
	}
	c.retryBackoffInit = backoffInit
	c.retryBackoffMax = backoffMax
	return c
}

// Timeout sets client timeout.
// Timeout specified here applies to a single attempt, while request context applies to all attempts together.
func (c *Client) Timeout(timeout time.Duration) *Client {
	c.Client.Timeout = timeout
	return c
}

// SetBasicAuth sets Authorization header for each request sent by the client.
// String username:password sent in HTTP header.
//
// Make sure encrypted transport is used, e.g. the link is https.
func (c *Client) SetBasicAuth(username, password string) *Client {
	c.username = username
	c.password = password
	return c
}

// SetTokenSource makes the client send bearer tokens obtained from the source.
// Tokens are reused till expiry. Takes precedence over basic auth.
func (c *Client) SetTokenSource(ts oauth2.TokenSource) *Client {
	if ts == nil {
		c.tokenSource = nil
	} else {
		c.tokenSource = oauth2.ReuseTokenSource(nil, ts)
	}
	return c
}

func (c *Client) setUA(req *http.Request) {
	if c.userAgent != "" && req.Header.Get("User-agent") == "" {
		req.Header.Set("User-agent", c.userAgent)
	}
}

func (c *Client) setAuth(req *http.Request) error {
	if c.tokenSource != nil {
		token, err := c.tokenSource.Token()
		if err != nil {
			return fmt.Errorf("obtain token: %w", err)
		}
		token.SetAuthHeader(req)
		return nil
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	return nil
}

func isLocalhost(hostname string) bool {
	ip := net.ParseIP(hostname)
	if ip == nil { // Not IP address
		return strings.ToLower(hostname) == "localhost"
	}
	return ip.IsLoopback()
}

func (c *Client) setReqTarget(req *http.Request) (target string, err error) {
	target = req.URL.String()
	if len(target) == 0 || target[0] == '/' {
		target = c.rootURL + target
	}

	if c.urlRewriter != nil {
		rewritten, err := c.urlRewriter(target)
		if err != nil {
			return target, err
		}
		if rewritten == "" {
			return target, fmt.Errorf("%w: %s", ErrURLBlocked, target)
		}
		target = rewritten
	}

	if target != req.URL.String() {
		if req.URL, err = url.Parse(target); err != nil {
			return target, err
		}
		req.Host = ""
	}

	if !c.httpsCfg.isAllowed(req.URL) {
		return target, ErrNonHTTPSURL
	}
	return
}

// traceStr makes a short log prefix of the trace in context.
func traceStr(ctx context.Context) string {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return "-"
	}
	return spanCtx.TraceID().String() + "-" + spanCtx.SpanID().String()
}

// ExecuteRequest sends the request, with additional headers set, and returns the response.
// Responses of any status code are returned as they are, error is returned only if no response was received.
// The caller's request is not modified. It is the caller's responsibility to close http.Response.Body.
func (c *Client) ExecuteRequest(req *http.Request, additionalHeaders map[string]string) (*http.Response, error) {
	ctx := req.Context()
	if err := ctx.Err(); err != nil { // Do not start the Dial if context cancelled/deadlined already.
		return nil, err
	}

	req = req.Clone(ctx)
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	for name, value := range additionalHeaders {
		req.Header.Set(name, value)
	}

	targetForLog, err := c.setReqTarget(req)
	if err != nil {
		return nil, err
	}

	c.setUA(req)

	if err := c.setAuth(req); err != nil {
		return nil, err
	}

	spanStr := traceStr(ctx)
	resp, err := c.doWithRetry(req, spanStr, targetForLog)
	if err != nil {
		log.Debugf("[%s] Fail req: %s %s: %v", spanStr, req.Method, targetForLog, err)
	} else {
		log.Debugf("[%s] Recv rsp: %s", spanStr, resp.Status)
	}
	return resp, err
}

func (c *Client) cloneBody(req *http.Request) io.ReadCloser {
	if c.retries > 0 && req.Body != nil && req.Body != http.NoBody {
		if req.GetBody == nil { // Probably a server request body to be forwarded.
			recvdBuf, err := io.ReadAll(req.Body)
			if err != nil {
				return nil
			}
			req.Body = io.NopCloser(bytes.NewReader(recvdBuf))
			req.GetBody = func() (io.ReadCloser, error) {
				return io.NopCloser(bytes.NewReader(recvdBuf)), nil
			}
		}
		clonedBody, _ := req.GetBody()
		return clonedBody
	}
	return nil
}

func (c *Client) doWithRetry(req *http.Request, spanStr, targetForLog string) (*http.Response, error) {
	log.Debugf("[%s] Sent req: %s %s", spanStr, req.Method, targetForLog)

	clonedBody := c.cloneBody(req)
	resp, err := c.do(req)

	for retries := 0; retries < c.retries && IsConnectError(resp, err); retries++ { // Gateway error or overload responses.
		if resp != nil {
			_ = resp.Body.Close()
		}

		req.Body = clonedBody
		clonedBody = c.cloneBody(req)

		if err := sleepCtx(req.Context(), c.calcBackoff(retries)); err != nil {
			return nil, err
		}
		log.Debugf("[%s] Send rty(%d): %s %s: err=%v", spanStr, retries, req.Method, targetForLog, err)
		resp, err = c.do(req)
	}

	return resp, err
}

// do makes one attempt. A connection is opened for each attempt.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn, err := c.connFactory.CreateConnection(ctx, req.URL)
	if err != nil {
		return nil, err
	}
	resp, err := conn.Do(req) // #nosec G704: URL validated by c.httpsCfg.isAllowed in ExecuteRequest.

	// Workaround for https://github.com/golang/go/issues/36026
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		c.Client.CloseIdleConnections()
	}

	return resp, err
}

func (c *Client) calcBackoff(retry int) time.Duration {
	backoff := (1 << retry) * c.retryBackoffInit
	if backoff > c.retryBackoffMax || backoff == 0 { // Shifting left might result in zero, if int size (e.g. 64 bits) exceeded.
		backoff = c.retryBackoffMax
	}
	return backoff
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
