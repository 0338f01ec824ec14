// Package config provides configuration management for the committee node.
package config

import (
	"flag"
	"time"

	"github.com/somnia-chain/committee-node/internal/sandbox"
)

// Build-time variables (set via -ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config holds the application configuration.
type Config struct {
	Port               int
	ReceiptsServiceURL string
	CacheDir           string
	StartPort          int
	Runtime            string
	APIKey             string
	LogFile            string
	MaxLogFileSize     int

	// Sandbox network configuration
	SandboxNetworkName    string
	SandboxNetworkSubnet  string
	SandboxNetworkGateway string
	SandboxProxyPort      int
	EnableFirewall        bool

	// Inference proxy configuration
	LLMProxyEnabled      bool
	LLMProxyPort         int
	LLMUpstreamURL       string
	LLMAPIKey            string
	DisableLLMValidation bool

	// Blockchain configuration
	RPCURL               string
	SomniaAgentsContract string
	GasLimit             uint64
	GasPrice             int64

	// Committee heartbeater configuration
	CommitteeInterval time.Duration

	// Listener dispatch concurrency cap
	MaxConcurrentRequests int
}

// Parse parses command-line flags and returns a Config.
func Parse() *Config {
	cfg := &Config{}

	flag.IntVar(&cfg.Port, "port", 8080, "Control-plane HTTP port")
	flag.StringVar(&cfg.ReceiptsServiceURL, "receipts-url", "", "Base URL for receipt uploads (empty to disable)")
	flag.StringVar(&cfg.CacheDir, "cache-dir", "./image-cache", "Directory to cache downloaded container images")
	flag.IntVar(&cfg.StartPort, "start-port", 10000, "Starting host port for workload containers")
	flag.StringVar(&cfg.Runtime, "runtime", "", "Container runtime (e.g., runsc for gVisor)")
	flag.StringVar(&cfg.APIKey, "api-key", "", "Bearer token for control-plane endpoints (optional, no auth if empty)")
	flag.StringVar(&cfg.LogFile, "log-file", "", "Path to log file (default: stdout)")
	flag.IntVar(&cfg.MaxLogFileSize, "max-log-file-size", 10*1024*1024, "Max log file size in bytes before rotation")

	// Sandbox network configuration
	flag.StringVar(&cfg.SandboxNetworkName, "sandbox-network", sandbox.DefaultNetworkName, "Docker network name for sandbox containers")
	flag.StringVar(&cfg.SandboxNetworkSubnet, "sandbox-subnet", sandbox.DefaultSubnet, "Subnet for sandbox network")
	flag.StringVar(&cfg.SandboxNetworkGateway, "sandbox-gateway", sandbox.DefaultGateway, "Gateway IP for sandbox network (host-side)")
	flag.IntVar(&cfg.SandboxProxyPort, "sandbox-proxy-port", 3128, "Port for sandbox HTTP/HTTPS forward proxy")
	flag.BoolVar(&cfg.EnableFirewall, "enable-firewall", false, "Enable iptables firewall rules for sandbox isolation")

	// Inference proxy configuration
	flag.BoolVar(&cfg.LLMProxyEnabled, "llm-proxy-enabled", false, "Enable OpenAI-compatible inference proxy")
	flag.IntVar(&cfg.LLMProxyPort, "llm-proxy-port", 11434, "Port for inference proxy")
	flag.StringVar(&cfg.LLMUpstreamURL, "llm-upstream-url", "https://api.openai.com", "Upstream inference service URL")
	flag.StringVar(&cfg.LLMAPIKey, "llm-api-key", "", "API key for upstream inference service")
	flag.BoolVar(&cfg.DisableLLMValidation, "disable-llm-validation", false, "Skip inference determinism validation on startup")

	// Blockchain configuration
	flag.StringVar(&cfg.RPCURL, "rpc-url", "https://dream-rpc.somnia.network/", "Blockchain RPC URL (HTTP; WebSocket derived)")
	flag.StringVar(&cfg.SomniaAgentsContract, "somnia-agents-contract", "", "SomniaAgents contract address (required)")
	flag.Uint64Var(&cfg.GasLimit, "gas-limit", 10_000_000, "Fixed gas limit per transaction")
	flag.Int64Var(&cfg.GasPrice, "gas-price", 10_000_000_000, "Fixed gas price in wei per transaction")

	// Committee heartbeater configuration
	flag.DurationVar(&cfg.CommitteeInterval, "committee-interval", 30*time.Second, "Heartbeat interval")

	flag.IntVar(&cfg.MaxConcurrentRequests, "max-concurrent-requests", 20, "Maximum concurrently handled requests")

	flag.Parse()

	return cfg
}
