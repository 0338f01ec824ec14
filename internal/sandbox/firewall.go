package sandbox

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/coreos/go-iptables/iptables"
)

// FirewallRules restricts sandbox egress so containers can only reach the
// host gateway on the allowlisted proxy ports.
//
// Rules are not cleaned up on shutdown. They are scoped to the sandbox
// subnet, so deleting the network renders them inert.
type FirewallRules struct {
	ipt          *iptables.IPTables
	subnet       string
	gateway      string
	allowedPorts []int
}

// NewFirewallRules creates a FirewallRules instance. Nothing is applied
// until Apply is called.
func NewFirewallRules(net *NetworkInfo, allowedPorts []int) (*FirewallRules, error) {
	ipt, err := iptables.NewWithProtocol(iptables.ProtocolIPv4)
	if err != nil {
		return nil, fmt.Errorf("failed to create iptables client: %w", err)
	}

	return &FirewallRules{
		ipt:          ipt,
		subnet:       net.Subnet,
		gateway:      net.Gateway,
		allowedPorts: allowedPorts,
	}, nil
}

// portList renders ports for an iptables multiport match.
func portList(ports []int) string {
	strs := make([]string, 0, len(ports))
	for _, p := range ports {
		strs = append(strs, fmt.Sprintf("%d", p))
	}
	return strings.Join(strs, ",")
}

// egressRules returns the DOCKER-USER rule set in evaluation order:
//  1. accept established/related, so return traffic flows;
//  2. accept subnet -> gateway on the allowlist ports, the only permitted
//     egress path;
//  3. drop subnet -> subnet, blocking lateral movement (the gateway is
//     inside the subnet, which is why rule 2 must sit above this one);
//  4. drop everything else sourced from the subnet.
func egressRules(subnet, gateway string, allowedPorts []int) [][]string {
	return [][]string{
		{"-m", "conntrack", "--ctstate", "ESTABLISHED,RELATED", "-j", "ACCEPT"},
		{"-s", subnet, "-d", gateway, "-p", "tcp", "-m", "multiport", "--dports", portList(allowedPorts), "-j", "ACCEPT"},
		{"-s", subnet, "-d", subnet, "-j", "DROP"},
		{"-s", subnet, "-j", "DROP"},
	}
}

// inputRule is the INPUT-chain accept for subnet -> gateway proxy traffic.
// Hosts with a restrictive INPUT policy need it; elsewhere it is harmless.
func inputRule(subnet, gateway string, allowedPorts []int) []string {
	return []string{
		"-s", subnet,
		"-d", gateway,
		"-p", "tcp",
		"-m", "multiport", "--dports", portList(allowedPorts),
		"-j", "ACCEPT",
	}
}

// ensureRuleTop inserts a rule at the top of DOCKER-USER if not already present.
func (f *FirewallRules) ensureRuleTop(rule []string) error {
	const table = "filter"
	const chain = "DOCKER-USER"

	exists, err := f.ipt.Exists(table, chain, rule...)
	if err != nil {
		return fmt.Errorf("failed to check rule existence: %w", err)
	}
	if exists {
		return nil
	}
	return f.ipt.Insert(table, chain, 1, rule...)
}

// Apply installs the egress rules idempotently. Each rule is inserted at
// the top of DOCKER-USER, so installation walks the set backwards and the
// chain ends up evaluating in rule order.
func (f *FirewallRules) Apply() error {
	slog.Info("Applying firewall rules for sandbox isolation",
		"subnet", f.subnet,
		"gateway", f.gateway,
		"allowed_ports", f.allowedPorts,
	)

	rules := egressRules(f.subnet, f.gateway, f.allowedPorts)
	for i := len(rules) - 1; i >= 0; i-- {
		if err := f.ensureRuleTop(rules[i]); err != nil {
			return fmt.Errorf("failed to add rule %d: %w", i+1, err)
		}
	}

	slog.Info("Firewall rules applied successfully")
	return nil
}

// EnsureInputRules accepts sandbox -> gateway proxy traffic on the INPUT
// chain. Unlike Apply, this is safe to call unconditionally: it only adds
// a scoped ACCEPT and is idempotent.
func EnsureInputRules(net *NetworkInfo, allowedPorts []int) error {
	ipt, err := iptables.NewWithProtocol(iptables.ProtocolIPv4)
	if err != nil {
		slog.Warn("iptables not available, skipping INPUT rules", "error", err)
		return nil
	}

	rule := inputRule(net.Subnet, net.Gateway, allowedPorts)

	exists, err := ipt.Exists("filter", "INPUT", rule...)
	if err != nil {
		slog.Warn("Failed to check INPUT rule existence", "error", err)
		return nil
	}
	if exists {
		slog.Debug("INPUT rule for sandbox already exists")
		return nil
	}

	if err := ipt.Insert("filter", "INPUT", 2, rule...); err != nil {
		return fmt.Errorf("failed to add INPUT ACCEPT rule for sandbox: %w", err)
	}

	slog.Info("Added INPUT rule for sandbox->host proxy traffic",
		"subnet", net.Subnet,
		"gateway", net.Gateway,
		"ports", allowedPorts,
	)
	return nil
}
