package sandbox

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func startInferenceProxy(t *testing.T, upstreamURL, apiKey string) *InferenceProxy {
	t.Helper()
	p, err := NewInferenceProxy(InferenceConfig{
		ListenAddr:  "127.0.0.1:0",
		UpstreamURL: upstreamURL,
		APIKey:      apiKey,
	})
	if err != nil {
		t.Fatalf("NewInferenceProxy: %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("inference proxy start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		p.Stop(ctx)
	})
	return p
}

func TestInferenceProxyInjectsAPIKey(t *testing.T) {
	var gotAuth, gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer upstream.Close()

	p := startInferenceProxy(t, upstream.URL, "sk-real-upstream-key")

	req, _ := http.NewRequest(http.MethodPost, "http://"+p.Addr()+"/v1/chat/completions",
		strings.NewReader(`{"model":"test","messages":[]}`))
	req.Header.Set("Authorization", "Bearer sk-proxy-injected")
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if gotAuth != "Bearer sk-real-upstream-key" {
		t.Errorf("upstream Authorization = %q, want the injected key", gotAuth)
	}
	if gotPath != "/v1/chat/completions" {
		t.Errorf("upstream path = %q", gotPath)
	}
}

func TestInferenceProxyStreaming(t *testing.T) {
	chunks := []string{"data: one\n\n", "data: two\n\n", "data: [DONE]\n\n"}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, c := range chunks {
			w.Write([]byte(c))
			flusher.Flush()
		}
	}))
	defer upstream.Close()

	p := startInferenceProxy(t, upstream.URL, "sk-key")

	resp, err := http.Post("http://"+p.Addr()+"/v1/chat/completions", "application/json",
		strings.NewReader(`{"model":"test","stream":true}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("X-Accel-Buffering"); got != "no" {
		t.Errorf("X-Accel-Buffering = %q, want no", got)
	}

	body, _ := io.ReadAll(resp.Body)
	if string(body) != strings.Join(chunks, "") {
		t.Errorf("streamed body = %q", body)
	}
}

func TestInferenceProxyMethodGuards(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream reached by guarded method")
	}))
	defer upstream.Close()

	p := startInferenceProxy(t, upstream.URL, "sk-key")

	resp, err := http.Get("http://" + p.Addr() + "/v1/chat/completions")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET completions status = %d, want 405", resp.StatusCode)
	}

	resp, err = http.Post("http://"+p.Addr()+"/v1/models", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST models status = %d, want 405", resp.StatusCode)
	}
}

func TestInferenceProxyHealth(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("health check must not reach upstream")
	}))
	defer upstream.Close()

	p := startInferenceProxy(t, upstream.URL, "sk-key")

	resp, err := http.Get("http://" + p.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "healthy") {
		t.Errorf("body = %q", body)
	}
}

func TestInferenceProxyModelsPassthrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			t.Errorf("upstream path = %q", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"data":[{"id":"Qwen/Qwen3-30B-A3B"}]}`))
	}))
	defer upstream.Close()

	p := startInferenceProxy(t, upstream.URL, "sk-key")

	resp, err := http.Get("http://" + p.Addr() + "/v1/models")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "Qwen/Qwen3-30B-A3B") {
		t.Errorf("body = %q", body)
	}
}

func TestIsStreamingRequest(t *testing.T) {
	if !isStreamingRequest([]byte(`{"stream":true}`)) {
		t.Error("stream:true not detected")
	}
	if isStreamingRequest([]byte(`{"stream":false}`)) {
		t.Error("stream:false detected as streaming")
	}
	if isStreamingRequest([]byte(`{}`)) {
		t.Error("absent stream field detected as streaming")
	}
	if isStreamingRequest([]byte(`not json`)) {
		t.Error("invalid JSON detected as streaming")
	}
}
