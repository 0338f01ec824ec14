// Package workload manages the lifecycle of agent workload containers.
// A workload is a Docker image tarball hosted at an HTTPS URL; the manager
// downloads it, loads it into Docker, runs one container per version, and
// forwards framed requests to it.
package workload

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/somnia-chain/committee-node/internal/metrics"
)

// Container labels used to recognize workload containers across restarts.
const (
	LabelVersionHash = "agent-host.version-hash"
	LabelSourceURL   = "agent-host.url"
)

// ContainerInfo holds a running workload container.
type ContainerInfo struct {
	ContainerID string
	Port        int
	SourceURL   string
}

// SandboxConfig describes the isolation network containers attach to.
type SandboxConfig struct {
	Name          string
	Gateway       string
	ProxyPort     int
	InferencePort int // 0 = inference proxy disabled
}

// Manager owns the workload containers on this node.
type Manager struct {
	client       *client.Client
	containers   map[string]*ContainerInfo
	containersMu sync.RWMutex

	nextPort int
	portMu   sync.Mutex

	cacheDir string
	runtime  string

	// startGate serializes container starts per version hash so a slow
	// start does not trigger duplicates.
	startGate sync.Map

	httpClient     *http.Client
	downloadClient *http.Client

	versionCache map[string]*versionEntry
	versionMu    sync.RWMutex
	versionTTL   time.Duration
	// probeGate serializes HEAD probes per source URL.
	probeGate sync.Map

	sandbox      *SandboxConfig
	registryAddr string
}

// NewManager creates a Manager using a pre-existing Docker client, usually
// the one the startup checks already validated.
func NewManager(dockerClient *client.Client, cacheDir string, startPort int, runtime string) *Manager {
	return &Manager{
		client:     dockerClient,
		containers: make(map[string]*ContainerInfo),
		nextPort:   startPort,
		cacheDir:   cacheDir,
		runtime:    runtime,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		// Tarball downloads can be large; no client timeout.
		downloadClient: &http.Client{},
		versionCache:   make(map[string]*versionEntry),
		versionTTL:     30 * time.Second,
	}
}

// SetSandboxNetwork attaches future containers to the named network and
// enables the inference environment injection when inferencePort > 0.
func (m *Manager) SetSandboxNetwork(networkName, gatewayIP string, proxyPort, inferencePort int) {
	m.sandbox = &SandboxConfig{
		Name:          networkName,
		Gateway:       gatewayIP,
		ProxyPort:     proxyPort,
		InferencePort: inferencePort,
	}
	slog.Info("Sandbox network configured",
		"network", networkName,
		"gateway", gatewayIP,
		"proxy_port", proxyPort,
		"inference_port", inferencePort,
	)
}

// SetAgentRegistryAddress sets the registry contract address injected into
// workload containers.
func (m *Manager) SetAgentRegistryAddress(addr string) {
	m.registryAddr = addr
	slog.Info("AgentRegistry address configured for containers", "address", addr)
}

// EnsureRunning guarantees a container serving the workload at sourceURL is
// up, starting one if needed. It returns the host port and whether this
// call started the container.
func (m *Manager) EnsureRunning(ctx context.Context, sourceURL string) (int, bool, error) {
	start := time.Now()

	versionHash, err := m.versionHash(ctx, sourceURL)
	if err != nil {
		return 0, false, err
	}

	if port, ok := m.runningPort(ctx, sourceURL, versionHash); ok {
		return port, false, nil
	}

	// Per-hash start gate: one goroutine starts, the rest wait on the
	// channel and re-check.
	startChan := make(chan struct{})
	actual, loaded := m.startGate.LoadOrStore(versionHash, startChan)
	if loaded {
		<-actual.(chan struct{})
		m.containersMu.RLock()
		info, exists := m.containers[versionHash]
		m.containersMu.RUnlock()
		if exists {
			return info.Port, false, nil
		}
		return 0, false, fmt.Errorf("concurrent container start failed for %s", versionHash)
	}
	defer func() {
		close(startChan)
		m.startGate.Delete(versionHash)
	}()

	// Re-check under the gate.
	if port, ok := m.runningPort(ctx, sourceURL, versionHash); ok {
		return port, false, nil
	}

	// Upgrades roll with zero version overlap: any container serving the
	// same URL at an older hash goes away first.
	m.containersMu.RLock()
	var outdated []string
	for hash, info := range m.containers {
		if info.SourceURL == sourceURL && hash != versionHash {
			outdated = append(outdated, hash)
		}
	}
	m.containersMu.RUnlock()

	for _, hash := range outdated {
		slog.Info("Stopping outdated container", "source_url", sourceURL, "version", hash)
		m.stopContainer(hash)
	}

	tarPath, err := m.downloadImage(ctx, sourceURL, versionHash)
	if err != nil {
		return 0, false, err
	}

	imageName, err := m.loadImage(ctx, tarPath)
	if err != nil {
		return 0, false, err
	}
	slog.Info("Loaded image", "name", imageName)

	hostPort := m.allocatePort()

	containerName := fmt.Sprintf("agent-%s", versionHash)

	// Force-remove any container left over under the same name.
	if existing, err := m.client.ContainerInspect(ctx, containerName); err == nil {
		slog.Info("Removing orphaned container", "name", containerName)
		m.client.ContainerRemove(ctx, existing.ID, container.RemoveOptions{Force: true})
	}

	slog.Info("Starting container",
		"source_url", sourceURL,
		"version", versionHash,
		"port", hostPort,
	)

	containerConfig := &container.Config{
		Image: imageName,
		Env:   m.containerEnv(containerName),
		ExposedPorts: nat.PortSet{
			"80/tcp": struct{}{},
		},
		Labels: map[string]string{
			LabelVersionHash: versionHash,
			LabelSourceURL:   sourceURL,
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			"80/tcp": []nat.PortBinding{
				{HostIP: "127.0.0.1", HostPort: fmt.Sprintf("%d", hostPort)},
			},
		},
		Runtime: m.runtime,
	}

	var networkConfig *network.NetworkingConfig
	if m.sandbox != nil {
		networkConfig = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				m.sandbox.Name: {},
			},
		}
	}

	resp, err := m.client.ContainerCreate(ctx, containerConfig, hostConfig, networkConfig, nil, containerName)
	if err != nil {
		metrics.ContainerOperationsTotal.WithLabelValues(sourceURL, "start", "error").Inc()
		return 0, false, fmt.Errorf("failed to create container: %w", err)
	}

	if err := m.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		metrics.ContainerOperationsTotal.WithLabelValues(sourceURL, "start", "error").Inc()
		return 0, false, fmt.Errorf("failed to start container: %w", err)
	}

	m.streamContainerLogs(resp.ID, versionHash, sourceURL)

	m.containersMu.Lock()
	m.containers[versionHash] = &ContainerInfo{
		ContainerID: resp.ID,
		Port:        hostPort,
		SourceURL:   sourceURL,
	}
	metrics.ContainersActive.WithLabelValues(sourceURL).Inc()
	m.containersMu.Unlock()

	if err := m.waitForContainerReady(ctx, hostPort, 30, time.Second); err != nil {
		metrics.ContainerOperationsTotal.WithLabelValues(sourceURL, "start", "error").Inc()
		return 0, false, err
	}

	metrics.ContainerOperationsTotal.WithLabelValues(sourceURL, "start", "success").Inc()
	metrics.ContainerStartDuration.WithLabelValues(sourceURL).Observe(time.Since(start).Seconds())

	return hostPort, true, nil
}

// allocatePort hands out the next host port. Ports are never reused within
// a process lifetime.
func (m *Manager) allocatePort() int {
	m.portMu.Lock()
	defer m.portMu.Unlock()
	port := m.nextPort
	m.nextPort++
	return port
}

// runningPort returns the mapped port if a live container exists for the
// hash. A mapped but dead container is unmapped on the way through.
func (m *Manager) runningPort(ctx context.Context, sourceURL, versionHash string) (int, bool) {
	m.containersMu.RLock()
	info, exists := m.containers[versionHash]
	m.containersMu.RUnlock()
	if !exists {
		return 0, false
	}

	inspected, err := m.client.ContainerInspect(ctx, info.ContainerID)
	if err == nil && inspected.State.Running {
		slog.Debug("Container already running", "version", versionHash, "port", info.Port)
		return info.Port, true
	}

	m.containersMu.Lock()
	if _, still := m.containers[versionHash]; still {
		delete(m.containers, versionHash)
		metrics.ContainersActive.WithLabelValues(sourceURL).Dec()
	}
	m.containersMu.Unlock()
	return 0, false
}

func (m *Manager) containerEnv(containerName string) []string {
	var envVars []string
	if m.sandbox != nil && m.sandbox.InferencePort > 0 {
		inferenceBase := fmt.Sprintf("http://%s:%d/v1", m.sandbox.Gateway, m.sandbox.InferencePort)
		envVars = append(envVars,
			// OpenAI SDK compatible, older and newer variable names.
			"OPENAI_API_BASE="+inferenceBase,
			"OPENAI_BASE_URL="+inferenceBase,
			"LLM_API_BASE="+inferenceBase,
			// Placeholder; the inference proxy injects the real key.
			"OPENAI_API_KEY=sk-proxy-injected",
		)
		slog.Debug("Injecting inference proxy environment",
			"base_url", inferenceBase,
			"container", containerName,
		)
	}
	if m.registryAddr != "" {
		envVars = append(envVars, "AGENT_REGISTRY_CONTRACT="+m.registryAddr)
	}
	return envVars
}

// waitForContainerReady polls the container root until any HTTP response
// arrives. A 4xx still counts as ready; only transport errors do not.
func (m *Manager) waitForContainerReady(ctx context.Context, port, maxAttempts int, delay time.Duration) error {
	slog.Debug("Waiting for container", "port", port)

	probe := &http.Client{
		Timeout: 2 * time.Second,
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://127.0.0.1:%d/", port), nil)
		if err != nil {
			return err
		}
		resp, err := probe.Do(req)
		if err == nil {
			resp.Body.Close()
			slog.Debug("Container ready", "port", port, "attempts", attempt)
			return nil
		}
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("container did not become ready after %d attempts", maxAttempts)
}

// stopContainer stops and removes a container by version hash.
func (m *Manager) stopContainer(versionHash string) error {
	m.containersMu.Lock()
	info, exists := m.containers[versionHash]
	if !exists {
		m.containersMu.Unlock()
		return nil
	}
	sourceURL := info.SourceURL
	delete(m.containers, versionHash)
	metrics.ContainersActive.WithLabelValues(sourceURL).Dec()
	m.containersMu.Unlock()

	ctx := context.Background()
	slog.Info("Stopping container", "version", versionHash)

	timeout := 10
	if err := m.client.ContainerStop(ctx, info.ContainerID, container.StopOptions{Timeout: &timeout}); err != nil {
		slog.Warn("Failed to stop container", "version", versionHash, "error", err)
	}

	if err := m.client.ContainerRemove(ctx, info.ContainerID, container.RemoveOptions{Force: true}); err != nil {
		slog.Error("Failed to remove container", "version", versionHash, "error", err)
		metrics.ContainerOperationsTotal.WithLabelValues(sourceURL, "stop", "error").Inc()
		return err
	}

	metrics.ContainerOperationsTotal.WithLabelValues(sourceURL, "stop", "success").Inc()
	slog.Info("Removed container", "version", versionHash)
	return nil
}

// Cleanup stops and removes every container the manager started. It runs
// during shutdown, so it does not take the root context.
func (m *Manager) Cleanup() {
	slog.Info("Cleaning up containers")

	m.containersMu.Lock()
	defer m.containersMu.Unlock()

	ctx := context.Background()
	for versionHash, info := range m.containers {
		timeout := 10
		if err := m.client.ContainerStop(ctx, info.ContainerID, container.StopOptions{Timeout: &timeout}); err != nil {
			slog.Warn("Failed to stop container", "version", versionHash, "error", err)
		}
		if err := m.client.ContainerRemove(ctx, info.ContainerID, container.RemoveOptions{Force: true}); err != nil {
			slog.Error("Failed to remove container", "version", versionHash, "error", err)
			metrics.ContainerOperationsTotal.WithLabelValues(info.SourceURL, "stop", "error").Inc()
		} else {
			slog.Info("Removed container", "version", versionHash)
			metrics.ContainerOperationsTotal.WithLabelValues(info.SourceURL, "stop", "success").Inc()
		}
		metrics.ContainersActive.WithLabelValues(info.SourceURL).Dec()
	}

	m.containers = make(map[string]*ContainerInfo)
}
