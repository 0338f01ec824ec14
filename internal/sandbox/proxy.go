package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/elazarl/goproxy"

	"github.com/somnia-chain/committee-node/internal/metrics"
)

// Proxy is the HTTP/HTTPS forward proxy sandboxed containers egress
// through. Plain HTTP requests are proxied; HTTPS is tunneled via CONNECT
// with no certificate interception.
type Proxy struct {
	listenAddr string
	server     *http.Server
	listener   net.Listener
	proxy      *goproxy.ProxyHttpServer

	// AuthFunc optionally rejects a request before it is forwarded.
	AuthFunc func(r *http.Request) error
	// OnRequest fires as a request is admitted.
	OnRequest func(r *http.Request)
	// OnComplete fires when a proxied exchange finishes.
	OnComplete func(r *http.Request, statusCode int, duration time.Duration, err error)
}

// NewProxy creates a forward proxy. listenAddr is normally the sandbox
// gateway IP plus the proxy port, e.g. "172.30.0.1:3128".
func NewProxy(listenAddr string) *Proxy {
	inner := goproxy.NewProxyHttpServer()
	inner.Verbose = false

	return &Proxy{
		listenAddr: listenAddr,
		proxy:      inner,
	}
}

// Addr returns the bound listen address, useful when the configured port
// was 0.
func (p *Proxy) Addr() string {
	if p.listener == nil {
		return p.listenAddr
	}
	return p.listener.Addr().String()
}

// Start binds the listener and serves in the background.
func (p *Proxy) Start() error {
	slog.Info("Starting forward proxy", "addr", p.listenAddr)

	p.proxy.OnRequest().DoFunc(func(r *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
		metrics.ProxyRequestsTotal.WithLabelValues("http").Inc()

		if p.AuthFunc != nil {
			if err := p.AuthFunc(r); err != nil {
				metrics.ProxyErrorsTotal.Inc()
				slog.Warn("Forward proxy rejected request", "host", r.Host, "error", err)
				return r, goproxy.NewResponse(r, goproxy.ContentTypeText, http.StatusProxyAuthRequired, "proxy auth required\n")
			}
		}

		if p.OnRequest != nil {
			p.OnRequest(r)
		}

		ctx.UserData = time.Now()
		return r, nil
	})

	p.proxy.OnResponse().DoFunc(func(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
		if ctx.Error != nil {
			metrics.ProxyErrorsTotal.Inc()
		}
		if p.OnComplete != nil && ctx.Req != nil {
			start, ok := ctx.UserData.(time.Time)
			if !ok {
				start = time.Now()
			}

			statusCode := 0
			if resp != nil {
				statusCode = resp.StatusCode
			}
			p.OnComplete(ctx.Req, statusCode, time.Since(start), ctx.Error)
		}
		return resp
	})

	p.proxy.OnRequest().HandleConnectFunc(func(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
		metrics.ProxyRequestsTotal.WithLabelValues("connect").Inc()

		if p.AuthFunc != nil && ctx.Req != nil {
			if err := p.AuthFunc(ctx.Req); err != nil {
				metrics.ProxyErrorsTotal.Inc()
				slog.Warn("Forward proxy rejected CONNECT", "host", host, "error", err)
				return goproxy.RejectConnect, host
			}
		}

		slog.Debug("CONNECT tunnel", "host", host)
		return goproxy.OkConnect, host
	})

	p.server = &http.Server{
		Addr:         p.listenAddr,
		Handler:      p.proxy,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	listener, err := net.Listen("tcp", p.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", p.listenAddr, err)
	}
	p.listener = listener

	go func() {
		if err := p.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			slog.Error("Forward proxy server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts the proxy down.
func (p *Proxy) Stop(ctx context.Context) error {
	if p.server == nil {
		return nil
	}
	slog.Info("Stopping forward proxy")
	return p.server.Shutdown(ctx)
}
