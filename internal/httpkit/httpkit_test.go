package httpkit

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestNewClient_Timeouts(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
		want time.Duration
	}{
		{"default", nil, DefaultTimeout},
		{"custom", []Option{WithTimeout(5 * time.Second)}, 5 * time.Second},
		{"streaming", []Option{WithTimeout(0)}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewClient(tt.opts...).Timeout; got != tt.want {
				t.Errorf("Timeout = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewClient_Headers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%s|%s", r.Header.Get("User-Agent"), r.Header.Get("Authorization"))
	}))
	defer srv.Close()

	tests := []struct {
		name string
		opts []Option
		want string
	}{
		{"user agent only", []Option{WithUserAgent("TestBot/1.0")}, "TestBot/1.0|"},
		{"bearer token", []Option{WithUserAgent("TestBot/1.0"), WithBearerToken("s3cret")}, "TestBot/1.0|Bearer s3cret"},
		{"empty token ignored", []Option{WithUserAgent("x"), WithBearerToken("")}, "x|"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := NewClient(tt.opts...).Get(srv.URL)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if string(body) != tt.want {
				t.Errorf("got %q, want %q", body, tt.want)
			}
		})
	}
}

func TestNewClient_ExplicitAuthorizationWins(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Header.Get("Authorization")))
	}))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("Authorization", "Basic abc")
	resp, err := NewClient(WithBearerToken("tok")).Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "Basic abc" {
		t.Errorf("Authorization = %q, want caller's header", body)
	}
}

func TestIsConnectError(t *testing.T) {
	refused := &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"refused", refused, true},
		{"wrapped refused", fmt.Errorf("post: %w", refused), true},
		{"unreachable", syscall.EHOSTUNREACH, true},
		{"reset", syscall.ECONNRESET, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsConnectError(tt.err); got != tt.want {
				t.Errorf("IsConnectError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

type flakyTransport struct {
	failures int
	calls    int
}

func (f *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
	}
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader("ok")), Request: req}, nil
}

func TestRetry_RecoversFromRefused(t *testing.T) {
	ft := &flakyTransport{failures: 2}
	c := NewClient(WithTransport(ft), WithRetry(3, time.Millisecond))

	resp, err := c.Get("http://127.0.0.1:1/")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	resp.Body.Close()
	if ft.calls != 3 {
		t.Errorf("calls = %d, want 3", ft.calls)
	}
}

func TestRetry_GivesUp(t *testing.T) {
	ft := &flakyTransport{failures: 10}
	c := NewClient(WithTransport(ft), WithRetry(2, time.Millisecond))

	if _, err := c.Get("http://127.0.0.1:1/"); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if ft.calls != 3 {
		t.Errorf("calls = %d, want 3 (1 + 2 retries)", ft.calls)
	}
}

func TestReadErrorBody(t *testing.T) {
	body := io.NopCloser(strings.NewReader(strings.Repeat("x", 100)))
	if got := ReadErrorBody(body, 10); got != strings.Repeat("x", 10) {
		t.Errorf("ReadErrorBody = %q", got)
	}
	if got := ReadErrorBody(nil, 10); got != "" {
		t.Errorf("ReadErrorBody(nil) = %q, want empty", got)
	}
}
