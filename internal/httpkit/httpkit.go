// Package httpkit builds the HTTP clients used for every outbound call:
// the model service, the embedding service, the vector store and web
// search. Clients share one transport shape with bounded dial and
// header timeouts so a hung local service cannot stall a turn forever.
package httpkit

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/Cstannahill/ollama-desktop/internal/buildinfo"
)

const (
	DefaultTimeout        = 30 * time.Second
	DefaultDialTimeout    = 5 * time.Second
	DefaultResponseHeader = 60 * time.Second
	DefaultIdleConnTime   = 90 * time.Second
	DefaultMaxIdlePerHost = 4
)

// Option configures a client built by NewClient.
type Option func(*options)

type options struct {
	timeout    time.Duration
	userAgent  string
	token      string
	retries    int
	retryDelay time.Duration
	logger     *slog.Logger
	transport  http.RoundTripper
}

// WithTimeout sets the overall request timeout. Zero disables it, which
// streaming callers need; they bound the call with a context instead.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithUserAgent overrides the default User-Agent header.
func WithUserAgent(ua string) Option {
	return func(o *options) { o.userAgent = ua }
}

// WithBearerToken adds "Authorization: Bearer <token>" to requests that
// don't already carry an Authorization header. Empty tokens are ignored.
func WithBearerToken(token string) Option {
	return func(o *options) { o.token = token }
}

// WithRetry retries requests that failed to connect at all (refused,
// unreachable). Such failures happen before the server sees a byte.
func WithRetry(count int, delay time.Duration) Option {
	return func(o *options) {
		o.retries = count
		o.retryDelay = delay
	}
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTransport replaces the base transport. Tests use it to inject
// httptest transports.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

// NewTransport returns the base transport for outbound connections.
func NewTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   DefaultDialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ResponseHeaderTimeout: DefaultResponseHeader,
		IdleConnTimeout:       DefaultIdleConnTime,
		MaxIdleConnsPerHost:   DefaultMaxIdlePerHost,
	}
}

// NewClient builds an *http.Client from opts.
func NewClient(opts ...Option) *http.Client {
	o := &options{
		timeout:   DefaultTimeout,
		userAgent: buildinfo.UserAgent(),
	}
	for _, fn := range opts {
		fn(o)
	}

	base := o.transport
	if base == nil {
		base = NewTransport()
	}

	var rt http.RoundTripper = &headerTransport{base: base, userAgent: o.userAgent, token: o.token}
	if o.retries > 0 {
		logger := o.logger
		if logger == nil {
			logger = slog.Default()
		}
		rt = &retryTransport{base: rt, count: o.retries, delay: o.retryDelay, logger: logger}
	}

	return &http.Client{Timeout: o.timeout, Transport: rt}
}

type headerTransport struct {
	base      http.RoundTripper
	userAgent string
	token     string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	needUA := t.userAgent != "" && req.Header.Get("User-Agent") == ""
	needAuth := t.token != "" && req.Header.Get("Authorization") == ""
	if needUA || needAuth {
		req = req.Clone(req.Context())
		if needUA {
			req.Header.Set("User-Agent", t.userAgent)
		}
		if needAuth {
			req.Header.Set("Authorization", "Bearer "+t.token)
		}
	}
	return t.base.RoundTrip(req)
}

type retryTransport struct {
	base   http.RoundTripper
	count  int
	delay  time.Duration
	logger *slog.Logger
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	for attempt := 1; attempt <= t.count && err != nil && IsConnectError(err); attempt++ {
		if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
			break
		}

		t.logger.Debug("retrying request", "url", req.URL.Redacted(), "attempt", attempt, "error", err)

		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(t.delay):
		}

		next := req.Clone(req.Context())
		if req.GetBody != nil {
			body, berr := req.GetBody()
			if berr != nil {
				return nil, fmt.Errorf("rewind request body: %w", berr)
			}
			next.Body = body
		}
		resp, err = t.base.RoundTrip(next)
	}
	return resp, err
}

// IsConnectError reports whether err is a failure to reach the remote
// host at all, as opposed to a failure after the request was sent.
func IsConnectError(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.EHOSTUNREACH, syscall.ENETUNREACH:
			return true
		}
	}
	return false
}

// DrainAndClose discards up to limit bytes from rc and closes it so the
// connection can return to the pool.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// ReadErrorBody reads at most limit bytes of an error response for use
// in an error message, then drains and closes the body.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	DrainAndClose(rc, 4096)
	if err != nil {
		return fmt.Sprintf("(unreadable body: %v)", err)
	}
	return string(body)
}
