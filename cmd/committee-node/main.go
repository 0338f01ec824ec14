// Committee node: executes decentralized compute requests in sandboxed
// containers and submits the results on chain.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/somnia-chain/committee-node/internal/api"
	"github.com/somnia-chain/committee-node/internal/committee"
	"github.com/somnia-chain/committee-node/internal/config"
	"github.com/somnia-chain/committee-node/internal/heartbeater"
	"github.com/somnia-chain/committee-node/internal/listener"
	"github.com/somnia-chain/committee-node/internal/logging"
	"github.com/somnia-chain/committee-node/internal/receipts"
	"github.com/somnia-chain/committee-node/internal/sandbox"
	"github.com/somnia-chain/committee-node/internal/startup"
	"github.com/somnia-chain/committee-node/internal/submitter"
	"github.com/somnia-chain/committee-node/internal/workload"
)

func main() {
	cfg := config.Parse()

	// Initialize logging
	cleanupLog := logging.Setup(logging.Config{
		LogFile:        cfg.LogFile,
		MaxLogFileSize: cfg.MaxLogFileSize,
	})
	defer cleanupLog()

	fmt.Println("")
	slog.Info("committee-node starting",
		"version", config.Version,
		"commit", config.GitCommit,
		"built", config.BuildTime,
	)
	fmt.Println("")

	if cfg.SomniaAgentsContract == "" {
		slog.Error("--somnia-agents-contract is required")
		os.Exit(1)
	}

	// =========================================================================
	// Startup Checks
	// =========================================================================

	ctx := context.Background()
	checker := startup.NewChecker()

	// Check 1: Docker daemon
	if err := checker.CheckDocker(ctx); err != nil {
		os.Exit(1)
	}

	// Check 2: Sandbox network
	sandboxNet, err := checker.CheckSandboxNetwork(
		ctx,
		cfg.SandboxNetworkName,
		cfg.SandboxNetworkSubnet,
		cfg.SandboxNetworkGateway,
	)
	if err != nil {
		os.Exit(1)
	}

	// Check 3: Stale containers cleanup
	if _, err := checker.CheckStaleContainers(ctx); err != nil {
		os.Exit(1)
	}

	// Check 4: Firewall rules (created but not applied unless --enable-firewall)
	allowedPorts := []int{cfg.SandboxProxyPort}
	if cfg.LLMProxyEnabled {
		allowedPorts = append(allowedPorts, cfg.LLMProxyPort)
	}
	firewallRules, err := checker.CheckFirewall(
		sandboxNet,
		allowedPorts,
		cfg.EnableFirewall,
	)
	if err != nil {
		os.Exit(1)
	}

	// Check 5: Inference determinism against the upstream. A node that cannot
	// reproduce the expected outputs would break result consensus, so it must
	// not come up.
	if cfg.LLMProxyEnabled && !cfg.DisableLLMValidation {
		err := checker.CheckLLMDeterminism(ctx, startup.LLMDeterminismConfig{
			UpstreamURL: cfg.LLMUpstreamURL,
			APIKey:      cfg.LLMAPIKey,
		})
		if err != nil {
			checker.PrintSummary()
			os.Exit(1)
		}
	}

	// Print startup check summary
	checker.PrintSummary()
	fmt.Println("")

	// =========================================================================
	// Initialize Services
	// =========================================================================

	// Allow sandbox containers to reach the proxy ports on the gateway
	if cfg.EnableFirewall {
		if err := sandbox.EnsureInputRules(sandboxNet, allowedPorts); err != nil {
			slog.Warn("Failed to install gateway input rules", "error", err)
		}
	}

	// Create workload manager with the client from startup checks
	workloadManager := workload.NewManager(
		checker.DockerClient(),
		cfg.CacheDir,
		cfg.StartPort,
		cfg.Runtime,
	)

	// Configure workload manager to use the sandbox network
	llmProxyPort := 0
	if cfg.LLMProxyEnabled {
		llmProxyPort = cfg.LLMProxyPort
	}
	workloadManager.SetSandboxNetwork(sandboxNet.Name, sandboxNet.Gateway, cfg.SandboxProxyPort, llmProxyPort)

	// Start the sandbox HTTP/HTTPS proxy
	proxyAddr := fmt.Sprintf("%s:%d", sandboxNet.Gateway, cfg.SandboxProxyPort)
	sandboxProxy := sandbox.NewProxy(proxyAddr)

	// Add request logging
	sandboxProxy.OnComplete = func(r *http.Request, statusCode int, duration time.Duration, err error) {
		if err != nil {
			slog.Warn("Proxy request failed",
				"method", r.Method,
				"host", r.Host,
				"error", err,
			)
		} else {
			slog.Debug("Proxy request completed",
				"method", r.Method,
				"host", r.Host,
				"status", statusCode,
				"duration_ms", duration.Milliseconds(),
			)
		}
	}

	if err := sandboxProxy.Start(); err != nil {
		slog.Error("Failed to start sandbox proxy", "error", err)
		os.Exit(1)
	}
	slog.Info("Sandbox proxy started", "addr", proxyAddr)

	// Start the inference proxy if enabled
	var inferenceProxy *sandbox.InferenceProxy
	if cfg.LLMProxyEnabled {
		inferenceAddr := fmt.Sprintf("%s:%d", sandboxNet.Gateway, cfg.LLMProxyPort)

		inferenceProxy, err = sandbox.NewInferenceProxy(sandbox.InferenceConfig{
			ListenAddr:  inferenceAddr,
			UpstreamURL: cfg.LLMUpstreamURL,
			APIKey:      cfg.LLMAPIKey,
		})
		if err != nil {
			slog.Error("Failed to create inference proxy", "error", err)
			os.Exit(1)
		}

		// Add request logging
		inferenceProxy.OnComplete = func(r *http.Request, statusCode int, duration time.Duration, streaming bool, err error) {
			if err != nil {
				slog.Warn("Inference proxy request failed",
					"path", r.URL.Path,
					"error", err,
				)
			} else {
				slog.Debug("Inference proxy request completed",
					"path", r.URL.Path,
					"status", statusCode,
					"duration_ms", duration.Milliseconds(),
					"streaming", streaming,
				)
			}
		}

		if err := inferenceProxy.Start(); err != nil {
			slog.Error("Failed to start inference proxy", "error", err)
			os.Exit(1)
		}
		slog.Info("Inference proxy started", "addr", inferenceAddr, "upstream", cfg.LLMUpstreamURL)
	}

	// The submitter owns the wallet key; everything on-chain goes through it
	sub, err := submitter.New(submitter.Config{
		RPCURL:   cfg.RPCURL,
		GasLimit: cfg.GasLimit,
		GasPrice: cfg.GasPrice,
	})
	if err != nil {
		slog.Error("Failed to create submitter", "error", err)
		os.Exit(1)
	}

	// The listener resolves the registry and committee addresses on creation
	eventListener, err := listener.New(listener.Config{
		SomniaAgentsContract:  cfg.SomniaAgentsContract,
		RPCURL:                cfg.RPCURL,
		MaxConcurrentRequests: cfg.MaxConcurrentRequests,
	}, workloadManager, sub, receipts.New(cfg.ReceiptsServiceURL))
	if err != nil {
		slog.Error("Failed to create event listener", "error", err)
		os.Exit(1)
	}

	// Configure AgentRegistry address for containers
	workloadManager.SetAgentRegistryAddress(eventListener.AgentRegistryAddress().Hex())

	// Heartbeater rides the submitter's connection so it outlives the listener
	committeeContract, err := committee.NewCommittee(eventListener.CommitteeAddress(), sub.Backend())
	if err != nil {
		slog.Error("Failed to create committee contract instance", "error", err)
		os.Exit(1)
	}
	hb := heartbeater.New(committeeContract, sub, cfg.CommitteeInterval)

	hb.Start()
	eventListener.Start()

	// Control-plane HTTP server
	server := api.NewServer(cfg.APIKey)
	http.HandleFunc("/", server.HandleRequest)

	// =========================================================================
	// Graceful Shutdown
	// =========================================================================

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("")
		slog.Info("Shutting down...")

		// Stop the event listener; in-flight requests run to completion
		eventListener.Stop()

		// Stop the heartbeater (sends leave transaction)
		hb.Stop()

		// Stop the proxies
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := sandboxProxy.Stop(shutdownCtx); err != nil {
			slog.Warn("Failed to stop sandbox proxy", "error", err)
		}
		if inferenceProxy != nil {
			if err := inferenceProxy.Stop(shutdownCtx); err != nil {
				slog.Warn("Failed to stop inference proxy", "error", err)
			}
		}

		// Reap all workload containers
		workloadManager.Cleanup()

		// Drain and close the transaction queue last
		sub.Stop()

		os.Exit(0)
	}()

	// =========================================================================
	// Print Configuration & Start Server
	// =========================================================================

	apiKeyStatus := "disabled"
	if cfg.APIKey != "" {
		apiKeyStatus = "enabled"
	}

	firewallStatus := "disabled"
	if cfg.EnableFirewall && firewallRules != nil {
		firewallStatus = "enabled"
	}

	inferenceStatus := "disabled"
	if cfg.LLMProxyEnabled {
		inferenceStatus = fmt.Sprintf("enabled (%s:%d -> %s)", sandboxNet.Gateway, cfg.LLMProxyPort, cfg.LLMUpstreamURL)
	}

	slog.Info("Configuration",
		"port", cfg.Port,
		"cache_dir", cfg.CacheDir,
		"start_port", cfg.StartPort,
		"runtime", cfg.Runtime,
		"receipts_url", cfg.ReceiptsServiceURL,
		"api_key", apiKeyStatus,
		"sandbox_network", sandboxNet.Name,
		"sandbox_gateway", sandboxNet.Gateway,
		"sandbox_proxy", proxyAddr,
		"firewall", firewallStatus,
		"inference_proxy", inferenceStatus,
		"contract", cfg.SomniaAgentsContract,
		"committee", eventListener.CommitteeAddress().Hex(),
		"heartbeat_interval", cfg.CommitteeInterval,
	)

	fmt.Println("")
	fmt.Println("Control endpoints:")
	fmt.Println("  GET /health   - liveness and version")
	fmt.Println("  GET /version  - build information")
	fmt.Println("  GET /metrics  - Prometheus exposition")
	fmt.Println("")

	addr := fmt.Sprintf(":%d", cfg.Port)
	slog.Info("HTTP server listening", "addr", addr)

	if err := http.ListenAndServe(addr, nil); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
}
