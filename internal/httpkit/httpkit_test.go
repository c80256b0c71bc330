package httpkit

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestNewClientDefaultTimeout(t *testing.T) {
	c := NewClient()
	if c.Timeout != 30*time.Second {
		t.Errorf("default timeout = %v, want 30s", c.Timeout)
	}
}

func TestNewClientZeroTimeout(t *testing.T) {
	c := NewClient(WithTimeout(0))
	if c.Timeout != 0 {
		t.Errorf("timeout = %v, want 0 (disabled)", c.Timeout)
	}
}

func TestUserAgentInjected(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	c := NewClient(WithUserAgent("test-agent/1.0"))
	resp, err := c.Get(srv.URL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	DrainAndClose(resp.Body, 1024)

	if got != "test-agent/1.0" {
		t.Errorf("User-Agent = %q, want test-agent/1.0", got)
	}
}

func TestUserAgentNotOverwritten(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	c := NewClient()
	req, _ := http.NewRequest("GET", srv.URL, nil)
	req.Header.Set("User-Agent", "caller/2.0")
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	DrainAndClose(resp.Body, 1024)

	if got != "caller/2.0" {
		t.Errorf("User-Agent = %q, want caller/2.0", got)
	}
}

func TestNewTransportHasTimeouts(t *testing.T) {
	tr := NewTransport()
	if tr.TLSHandshakeTimeout == 0 {
		t.Error("TLSHandshakeTimeout is zero")
	}
	if tr.ResponseHeaderTimeout == 0 {
		t.Error("ResponseHeaderTimeout is zero")
	}
	if tr.MaxIdleConnsPerHost == 0 {
		t.Error("MaxIdleConnsPerHost is zero")
	}
}

func TestReadErrorBody(t *testing.T) {
	rc := io.NopCloser(strings.NewReader("bad request"))
	if got := ReadErrorBody(rc, 4096); got != "bad request" {
		t.Errorf("got %q", got)
	}
}

func TestReadErrorBodyTruncated(t *testing.T) {
	rc := io.NopCloser(strings.NewReader(strings.Repeat("x", 100)))
	if got := ReadErrorBody(rc, 10); len(got) != 10 {
		t.Errorf("len = %d, want 10", len(got))
	}
}

func TestReadErrorBodyNil(t *testing.T) {
	if got := ReadErrorBody(nil, 10); got != "" {
		t.Errorf("got %q, want empty", got)
	}
}

type countingRoundTripper struct {
	calls   int
	failFor int
	err     error
}

func (c *countingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	c.calls++
	if c.calls <= c.failFor {
		return nil, c.err
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewReader(nil)),
	}, nil
}

func TestRetryTransportRetriesOnConnRefused(t *testing.T) {
	base := &countingRoundTripper{
		failFor: 1,
		err:     &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED},
	}
	rt := &retryTransport{base: base, count: 2, delay: time.Millisecond}

	req, _ := http.NewRequest("GET", "http://example.invalid/", nil)
	resp, err := rt.RoundTrip(req)
	if err != nil {
		t.Fatalf("RoundTrip: %v", err)
	}
	DrainAndClose(resp.Body, 1024)

	if base.calls != 2 {
		t.Errorf("calls = %d, want 2", base.calls)
	}
}

func TestRetryTransportExhaustsRetries(t *testing.T) {
	base := &countingRoundTripper{
		failFor: 100,
		err:     &net.OpError{Op: "dial", Err: syscall.EHOSTUNREACH},
	}
	rt := &retryTransport{base: base, count: 2, delay: time.Millisecond}

	req, _ := http.NewRequest("GET", "http://example.invalid/", nil)
	if _, err := rt.RoundTrip(req); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if base.calls != 3 {
		t.Errorf("calls = %d, want 3 (original + 2 retries)", base.calls)
	}
}

func TestRetryTransportRespectsContextCancellation(t *testing.T) {
	base := &countingRoundTripper{
		failFor: 100,
		err:     &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED},
	}
	rt := &retryTransport{base: base, count: 5, delay: time.Minute}

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, "GET", "http://example.invalid/", nil)

	done := make(chan error, 1)
	go func() {
		_, err := rt.RoundTrip(req)
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RoundTrip did not return after cancellation")
	}
}

func TestRetryTransportNoRetryWithoutGetBody(t *testing.T) {
	base := &countingRoundTripper{
		failFor: 100,
		err:     &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED},
	}
	rt := &retryTransport{base: base, count: 3, delay: time.Millisecond}

	req, _ := http.NewRequest("POST", "http://example.invalid/", nil)
	req.Body = io.NopCloser(strings.NewReader("payload"))
	req.GetBody = nil

	if _, err := rt.RoundTrip(req); err == nil {
		t.Fatal("expected error")
	}
	if base.calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry without GetBody)", base.calls)
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"hostUnreach", syscall.EHOSTUNREACH, true},
		{"netUnreach", syscall.ENETUNREACH, true},
		{"connRefused", syscall.ECONNREFUSED, true},
		{"connReset", syscall.ECONNRESET, false},
		{"wrapped", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, true},
		{"generic", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryableError(tt.err); got != tt.want {
				t.Errorf("isRetryableError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
