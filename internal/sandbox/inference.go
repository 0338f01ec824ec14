package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/somnia-chain/committee-node/internal/metrics"
)

// InferenceConfig holds the inference proxy configuration.
type InferenceConfig struct {
	ListenAddr  string // e.g. "172.30.0.1:11434"
	UpstreamURL string // e.g. "https://api.openai.com"
	APIKey      string // upstream API key injected into every request
}

// InferenceProxy is an OpenAI-compatible reverse proxy. Workloads talk to
// it without credentials; the proxy replaces the Authorization header with
// the node-held upstream key.
type InferenceProxy struct {
	config     InferenceConfig
	server     *http.Server
	listener   net.Listener
	upstream   *url.URL
	httpClient *http.Client

	// OnComplete fires when an upstream exchange finishes.
	OnComplete func(r *http.Request, statusCode int, duration time.Duration, streaming bool, err error)
}

// NewInferenceProxy creates an inference proxy for the given upstream.
func NewInferenceProxy(cfg InferenceConfig) (*InferenceProxy, error) {
	upstream, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL: %w", err)
	}

	return &InferenceProxy{
		config:   cfg,
		upstream: upstream,
		httpClient: &http.Client{
			// Model responses can take minutes, especially streamed.
			Timeout: 5 * time.Minute,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}, nil
}

// Addr returns the bound listen address.
func (p *InferenceProxy) Addr() string {
	if p.listener == nil {
		return p.config.ListenAddr
	}
	return p.listener.Addr().String()
}

// Start binds the listener and serves in the background.
func (p *InferenceProxy) Start() error {
	slog.Info("Starting inference proxy", "addr", p.config.ListenAddr, "upstream", p.config.UpstreamURL)

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", p.completionHandler("/v1/chat/completions"))
	mux.HandleFunc("/v1/completions", p.completionHandler("/v1/completions"))
	mux.HandleFunc("/v1/models", p.handleModels)
	mux.HandleFunc("/health", p.handleHealth)

	p.server = &http.Server{
		Addr:         p.config.ListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // streaming responses
		IdleTimeout:  120 * time.Second,
	}

	listener, err := net.Listen("tcp", p.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", p.config.ListenAddr, err)
	}
	p.listener = listener

	go func() {
		if err := p.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			slog.Error("Inference proxy server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts the inference proxy down.
func (p *InferenceProxy) Stop(ctx context.Context) error {
	if p.server == nil {
		return nil
	}
	slog.Info("Stopping inference proxy")
	return p.server.Shutdown(ctx)
}

// completionHandler serves the two completion-style endpoints, which only
// differ in their upstream path.
func (p *InferenceProxy) completionHandler(path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		start := time.Now()

		body, err := io.ReadAll(r.Body)
		if err != nil {
			metrics.InferenceErrorsTotal.Inc()
			http.Error(w, "Failed to read request body", http.StatusBadRequest)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		streaming := isStreamingRequest(body)
		metrics.InferenceRequestsTotal.WithLabelValues(path, strconv.FormatBool(streaming)).Inc()

		statusCode, err := p.forward(w, r, path, streaming)

		duration := time.Since(start)
		metrics.InferenceRequestDuration.WithLabelValues(path).Observe(duration.Seconds())
		if err != nil {
			metrics.InferenceErrorsTotal.Inc()
		}
		if p.OnComplete != nil {
			p.OnComplete(r, statusCode, duration, streaming, err)
		}
	}
}

func (p *InferenceProxy) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	start := time.Now()
	metrics.InferenceRequestsTotal.WithLabelValues("/v1/models", "false").Inc()

	statusCode, err := p.forward(w, r, "/v1/models", false)

	duration := time.Since(start)
	metrics.InferenceRequestDuration.WithLabelValues("/v1/models").Observe(duration.Seconds())
	if err != nil {
		metrics.InferenceErrorsTotal.Inc()
	}
	if p.OnComplete != nil {
		p.OnComplete(r, statusCode, duration, false, err)
	}
}

func (p *InferenceProxy) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy"}`))
}

// forward relays the request to the upstream, rewriting authorization and
// streaming the response back chunk by chunk when asked to.
func (p *InferenceProxy) forward(w http.ResponseWriter, r *http.Request, path string, streaming bool) (int, error) {
	upstreamURL := *p.upstream
	upstreamURL.Path = path
	upstreamURL.RawQuery = r.URL.RawQuery

	proxyReq, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL.String(), r.Body)
	if err != nil {
		http.Error(w, "Failed to create request", http.StatusInternalServerError)
		return http.StatusInternalServerError, err
	}

	for key, values := range r.Header {
		for _, value := range values {
			proxyReq.Header.Add(key, value)
		}
	}

	// The workload never holds the real key; whatever Authorization it
	// sent is replaced here.
	if p.config.APIKey != "" {
		proxyReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}

	proxyReq.Header.Del("Connection")
	proxyReq.Header.Del("Proxy-Connection")

	resp, err := p.httpClient.Do(proxyReq)
	if err != nil {
		slog.Error("Inference upstream request failed", "error", err, "upstream", upstreamURL.String())
		http.Error(w, "Upstream request failed", http.StatusBadGateway)
		return http.StatusBadGateway, err
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}

	if streaming {
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(resp.StatusCode)

		flusher, ok := w.(http.Flusher)
		if !ok {
			_, err = io.Copy(w, resp.Body)
			return resp.StatusCode, err
		}

		buf := make([]byte, 4096)
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				w.Write(buf[:n])
				flusher.Flush()
			}
			if readErr == io.EOF {
				break
			}
			if readErr != nil {
				return resp.StatusCode, readErr
			}
		}
		return resp.StatusCode, nil
	}

	w.WriteHeader(resp.StatusCode)
	_, err = io.Copy(w, resp.Body)
	return resp.StatusCode, err
}

// isStreamingRequest checks whether the request body asks for streaming.
func isStreamingRequest(body []byte) bool {
	var req struct {
		Stream bool `json:"stream"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return false
	}
	return req.Stream
}
