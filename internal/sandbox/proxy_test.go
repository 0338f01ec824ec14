package sandbox

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"
)

func startTestProxy(t *testing.T) *Proxy {
	t.Helper()
	p := NewProxy("127.0.0.1:0")
	if err := p.Start(); err != nil {
		t.Fatalf("proxy start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		p.Stop(ctx)
	})
	return p
}

func proxiedClient(t *testing.T, p *Proxy, insecure bool) *http.Client {
	t.Helper()
	proxyURL, err := url.Parse("http://" + p.Addr())
	if err != nil {
		t.Fatalf("parse proxy addr: %v", err)
	}
	transport := &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	if insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &http.Client{Transport: transport, Timeout: 5 * time.Second}
}

func TestProxyForwardsHTTP(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello from upstream"))
	}))
	defer upstream.Close()

	p := startTestProxy(t)

	var requested atomic.Int64
	var completed atomic.Int64
	p.OnRequest = func(r *http.Request) { requested.Add(1) }
	p.OnComplete = func(r *http.Request, statusCode int, duration time.Duration, err error) {
		if statusCode == http.StatusOK {
			completed.Add(1)
		}
	}

	resp, err := proxiedClient(t, p, false).Get(upstream.URL)
	if err != nil {
		t.Fatalf("proxied GET: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hello from upstream" {
		t.Errorf("body = %q", body)
	}
	if requested.Load() != 1 {
		t.Errorf("OnRequest fired %d times", requested.Load())
	}
	if completed.Load() != 1 {
		t.Errorf("OnComplete fired %d times with 200", completed.Load())
	}
}

func TestProxyAuthRejection(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream reached despite auth rejection")
	}))
	defer upstream.Close()

	p := startTestProxy(t)
	p.AuthFunc = func(r *http.Request) error { return errors.New("not allowed") }

	resp, err := proxiedClient(t, p, false).Get(upstream.URL)
	if err != nil {
		t.Fatalf("proxied GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusProxyAuthRequired {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusProxyAuthRequired)
	}
}

func TestProxyTunnelsCONNECT(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tls upstream"))
	}))
	defer upstream.Close()

	p := startTestProxy(t)

	resp, err := proxiedClient(t, p, true).Get(upstream.URL)
	if err != nil {
		t.Fatalf("proxied HTTPS GET: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "tls upstream" {
		t.Errorf("body = %q", body)
	}
}

func TestProxyRejectsCONNECTWhenAuthFails(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream reached despite CONNECT rejection")
	}))
	defer upstream.Close()

	p := startTestProxy(t)
	p.AuthFunc = func(r *http.Request) error { return errors.New("not allowed") }

	_, err := proxiedClient(t, p, true).Get(upstream.URL)
	if err == nil {
		t.Fatal("expected tunnel establishment to fail")
	}
}
