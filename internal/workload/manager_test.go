package workload

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestAllocatePortSequential(t *testing.T) {
	m := NewManager(nil, t.TempDir(), 10000, "")

	for want := 10000; want < 10003; want++ {
		if got := m.allocatePort(); got != want {
			t.Errorf("allocatePort = %d, want %d", got, want)
		}
	}
}

func TestAllocatePortConcurrentUnique(t *testing.T) {
	m := NewManager(nil, t.TempDir(), 20000, "")

	const n = 50
	ports := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ports[i] = m.allocatePort()
		}(i)
	}
	wg.Wait()

	sort.Ints(ports)
	for i := 0; i < n; i++ {
		if ports[i] != 20000+i {
			t.Fatalf("ports[%d] = %d, want %d (duplicate or gap)", i, ports[i], 20000+i)
		}
	}
}

func TestContainerEnv(t *testing.T) {
	t.Run("bare manager injects nothing", func(t *testing.T) {
		m := NewManager(nil, t.TempDir(), 10000, "")
		if env := m.containerEnv("agent-x"); len(env) != 0 {
			t.Errorf("env = %v, want empty", env)
		}
	})

	t.Run("inference proxy enabled", func(t *testing.T) {
		m := NewManager(nil, t.TempDir(), 10000, "")
		m.SetSandboxNetwork("sbx", "172.30.0.1", 3128, 11434)
		m.SetAgentRegistryAddress("0x00000000000000000000000000000000000000a1")

		env := m.containerEnv("agent-x")
		joined := strings.Join(env, "\n")

		for _, want := range []string{
			"OPENAI_API_BASE=http://172.30.0.1:11434/v1",
			"OPENAI_BASE_URL=http://172.30.0.1:11434/v1",
			"LLM_API_BASE=http://172.30.0.1:11434/v1",
			"OPENAI_API_KEY=sk-proxy-injected",
			"AGENT_REGISTRY_CONTRACT=0x00000000000000000000000000000000000000a1",
		} {
			if !strings.Contains(joined, want) {
				t.Errorf("env missing %q:\n%s", want, joined)
			}
		}
	})

	t.Run("inference proxy disabled keeps registry only", func(t *testing.T) {
		m := NewManager(nil, t.TempDir(), 10000, "")
		m.SetSandboxNetwork("sbx", "172.30.0.1", 3128, 0)
		m.SetAgentRegistryAddress("0xabc0000000000000000000000000000000000000")

		env := m.containerEnv("agent-x")
		if len(env) != 1 || !strings.HasPrefix(env[0], "AGENT_REGISTRY_CONTRACT=") {
			t.Errorf("env = %v, want only the registry address", env)
		}
	})
}

func TestWaitForContainerReady(t *testing.T) {
	m := NewManager(nil, t.TempDir(), 10000, "")

	t.Run("any response counts as ready", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r) // 404 is still listening
		}))
		defer srv.Close()

		port := serverPort(t, srv)
		if err := m.waitForContainerReady(context.Background(), port, 3, 10*time.Millisecond); err != nil {
			t.Errorf("waitForContainerReady: %v", err)
		}
	})

	t.Run("no listener exhausts attempts", func(t *testing.T) {
		port := unusedPort(t)
		err := m.waitForContainerReady(context.Background(), port, 2, 10*time.Millisecond)
		if err == nil {
			t.Fatal("expected error for closed port")
		}
		if !strings.Contains(err.Error(), "did not become ready") {
			t.Errorf("err = %v, want readiness failure", err)
		}
	})

	t.Run("context cancellation cuts the wait short", func(t *testing.T) {
		port := unusedPort(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := m.waitForContainerReady(ctx, port, 30, time.Second)
		if err == nil {
			t.Fatal("expected error for canceled context")
		}
	})
}

func serverPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	if err != nil {
		t.Fatalf("split server addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return port
}

// unusedPort reserves a port and releases it, so nothing is listening there.
func unusedPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}
