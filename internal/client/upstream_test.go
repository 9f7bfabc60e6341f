package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"backtest-gateway/internal/config"
	"backtest-gateway/internal/metrics"
)

func newTestClient(t *testing.T, timeoutSeconds int, m *metrics.Metrics) *UpstreamClient {
	t.Helper()
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:  timeoutSeconds,
			IdleConnections: 10,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewUpstreamClient(cfg, logger, m)
}

func TestUpstreamClient_DoStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, 10, nil)

	resp, err := c.DoStream(context.Background(), http.MethodGet, srv.URL+"/test", http.Header{}, nil)
	if err != nil {
		t.Fatalf("DoStream() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if resp.URL != srv.URL+"/test" {
		t.Errorf("URL = %q, want %q", resp.URL, srv.URL+"/test")
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != `{"status":"ok"}` {
		t.Errorf("body = %q, want %q", string(body), `{"status":"ok"}`)
	}
}

func TestUpstreamClient_DoStream_Error(t *testing.T) {
	m := metrics.New()
	c := newTestClient(t, 1, m)

	_, err := c.DoStream(context.Background(), http.MethodGet, "http://127.0.0.1:1/nonexistent", http.Header{}, nil)
	if err == nil {
		t.Fatal("DoStream() expected error for unreachable host, got nil")
	}

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "backtest_gateway_upstream_errors_total" {
			found = true
		}
	}
	if !found {
		t.Error("expected backtest_gateway_upstream_errors_total after transport failure")
	}
}

func TestUpstreamClient_DoStream_CanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Simulate a slow upstream; the request should be canceled before this completes.
		time.Sleep(5 * time.Second)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, 30, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately

	_, err := c.DoStream(ctx, http.MethodGet, srv.URL+"/slow", http.Header{}, nil)
	if err == nil {
		t.Fatal("DoStream() expected error for canceled context, got nil")
	}
	if kind := Classify(err); kind != KindCanceled {
		t.Errorf("Classify() = %q, want %q", kind, KindCanceled)
	}
}

func TestUpstreamClient_DoesNotFollowRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	c := newTestClient(t, 10, nil)

	resp, err := c.DoStream(context.Background(), http.MethodGet, srv.URL+"/moved", http.Header{}, nil)
	if err != nil {
		t.Fatalf("DoStream() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusFound {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusFound)
	}
	if loc := resp.Header.Get("Location"); loc != "/elsewhere" {
		t.Errorf("Location = %q, want %q", loc, "/elsewhere")
	}
}

func TestUpstreamClient_DecodesContentEncoding(t *testing.T) {
	const payload = `{"symbols":[{"symbol":"BTCUSDT"}]}`

	encoders := map[string]func(io.Writer) io.WriteCloser{
		"gzip": func(w io.Writer) io.WriteCloser { return gzip.NewWriter(w) },
		"br":   func(w io.Writer) io.WriteCloser { return brotli.NewWriter(w) },
		"zstd": func(w io.Writer) io.WriteCloser {
			enc, _ := zstd.NewWriter(w)
			return enc
		},
	}

	for name, newWriter := range encoders {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			w := newWriter(&buf)
			_, _ = w.Write([]byte(payload))
			_ = w.Close()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Content-Encoding", name)
				_, _ = w.Write(buf.Bytes())
			}))
			defer srv.Close()

			c := newTestClient(t, 10, nil)
			header := http.Header{"Accept-Encoding": {name}}
			resp, err := c.DoStream(context.Background(), http.MethodGet, srv.URL+"/api/symbols", header, nil)
			if err != nil {
				t.Fatalf("DoStream() error = %v", err)
			}
			defer func() { _ = resp.Body.Close() }()

			if ce := resp.Header.Get("Content-Encoding"); ce != "" {
				t.Errorf("Content-Encoding = %q, want stripped", ce)
			}
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				t.Fatalf("ReadAll: %v", err)
			}
			if string(body) != payload {
				t.Errorf("body = %q, want %q", body, payload)
			}
		})
	}
}

func TestDecodeBody_UnknownEncodingUntouched(t *testing.T) {
	header := http.Header{"Content-Encoding": {"compress"}}
	src := io.NopCloser(bytes.NewReader([]byte("raw")))

	body, decoded := decodeBody(header, src)
	if decoded {
		t.Error("decodeBody() decoded = true, want false for unknown encoding")
	}
	if header.Get("Content-Encoding") != "compress" {
		t.Errorf("Content-Encoding = %q, want retained", header.Get("Content-Encoding"))
	}
	got, _ := io.ReadAll(body)
	if string(got) != "raw" {
		t.Errorf("body = %q, want %q", got, "raw")
	}
}

func TestDecodeBody_EmptyGzipBody(t *testing.T) {
	header := http.Header{"Content-Encoding": {"gzip"}}
	body, decoded := decodeBody(header, io.NopCloser(bytes.NewReader(nil)))
	if !decoded {
		t.Fatal("decodeBody() decoded = false, want true")
	}
	got, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("ReadAll() error = %v; empty encoded body should read as empty", err)
	}
	if len(got) != 0 {
		t.Errorf("body = %q, want empty", got)
	}
	if err := body.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"deadline", fmt.Errorf("upstream request: %w", context.DeadlineExceeded), KindTimeout},
		{"canceled", fmt.Errorf("upstream request: %w", context.Canceled), KindCanceled},
		{"dns", &url.Error{Op: "Get", URL: "http://backend", Err: &net.DNSError{Err: "no such host", Name: "backend"}}, KindDNS},
		{"refused", &url.Error{Op: "Post", URL: "http://127.0.0.1:1", Err: fmt.Errorf("connection refused")}, KindConnection},
		{"op error", &net.OpError{Op: "dial", Net: "tcp", Err: fmt.Errorf("reset")}, KindConnection},
		{"other", fmt.Errorf("boom"), KindOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}
