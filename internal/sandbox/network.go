// Package sandbox provides the isolation network, egress firewall, and
// proxies that sandboxed workload containers run behind.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
)

// Defaults for the sandbox bridge network.
const (
	DefaultNetworkName = "agent-sandbox"
	DefaultSubnet      = "172.30.0.0/16"
	DefaultGateway     = "172.30.0.1"
)

// NetworkInfo holds the resolved sandbox network parameters.
type NetworkInfo struct {
	Name    string
	Subnet  string
	Gateway string
}

// EnsureNetwork creates or validates the sandbox Docker network. IPAM is
// explicit so the gateway IP containers see is stable across restarts; the
// proxies bind to that address.
func EnsureNetwork(ctx context.Context, cli *client.Client, name, subnet, gateway string) (*NetworkInfo, error) {
	nw, err := cli.NetworkInspect(ctx, name, network.InspectOptions{})
	if err == nil {
		if len(nw.IPAM.Config) == 0 || nw.IPAM.Config[0].Subnet == "" || nw.IPAM.Config[0].Gateway == "" {
			return nil, fmt.Errorf("network %q exists but missing IPv4 subnet/gateway in IPAM config", name)
		}
		slog.Info("Using existing sandbox network",
			"name", name,
			"subnet", nw.IPAM.Config[0].Subnet,
			"gateway", nw.IPAM.Config[0].Gateway,
		)
		return &NetworkInfo{
			Name:    name,
			Subnet:  nw.IPAM.Config[0].Subnet,
			Gateway: nw.IPAM.Config[0].Gateway,
		}, nil
	}

	slog.Info("Creating sandbox network",
		"name", name,
		"subnet", subnet,
		"gateway", gateway,
	)

	_, err = cli.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		// Not internal: the node itself still reaches the RPC through the
		// default route. Egress restriction is the firewall's job.
		Internal: false,
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{
				{Subnet: subnet, Gateway: gateway},
			},
		},
		Options: map[string]string{
			"com.docker.network.bridge.enable_ip_masquerade": "true",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox network: %w", err)
	}

	nw, err = cli.NetworkInspect(ctx, name, network.InspectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to inspect created network: %w", err)
	}

	if len(nw.IPAM.Config) == 0 || nw.IPAM.Config[0].Subnet == "" || nw.IPAM.Config[0].Gateway == "" {
		return nil, fmt.Errorf("created network %q missing IPv4 subnet/gateway in IPAM config", name)
	}

	slog.Info("Created sandbox network",
		"name", name,
		"subnet", nw.IPAM.Config[0].Subnet,
		"gateway", nw.IPAM.Config[0].Gateway,
	)

	return &NetworkInfo{
		Name:    name,
		Subnet:  nw.IPAM.Config[0].Subnet,
		Gateway: nw.IPAM.Config[0].Gateway,
	}, nil
}

// AssertGatewayIPOnHost verifies the gateway IP is assigned to some host
// interface, i.e. the bridge actually came up.
func AssertGatewayIPOnHost(gateway string) error {
	ip := net.ParseIP(gateway)
	if ip == nil {
		return fmt.Errorf("invalid gateway IP: %q", gateway)
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return fmt.Errorf("failed to list interfaces: %w", err)
	}

	for _, ifc := range ifaces {
		addrs, err := ifc.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if strings.HasPrefix(addr.String(), gateway+"/") {
				slog.Debug("Gateway IP found on host interface",
					"gateway", gateway,
					"interface", ifc.Name,
				)
				return nil
			}
		}
	}

	return fmt.Errorf("gateway IP %s not found on any host interface (is the network created?)", gateway)
}

// RemoveNetwork removes the sandbox network if it exists.
func RemoveNetwork(ctx context.Context, cli *client.Client, name string) error {
	if err := cli.NetworkRemove(ctx, name); err != nil {
		if strings.Contains(err.Error(), "not found") {
			return nil
		}
		return fmt.Errorf("failed to remove network: %w", err)
	}
	slog.Info("Removed sandbox network", "name", name)
	return nil
}
