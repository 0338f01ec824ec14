package sandbox

import (
	"reflect"
	"strings"
	"testing"
)

func TestEgressRules(t *testing.T) {
	rules := egressRules("172.30.0.0/16", "172.30.0.1", []int{3128, 11434})

	if len(rules) != 4 {
		t.Fatalf("got %d rules, want 4", len(rules))
	}

	want := [][]string{
		{"-m", "conntrack", "--ctstate", "ESTABLISHED,RELATED", "-j", "ACCEPT"},
		{"-s", "172.30.0.0/16", "-d", "172.30.0.1", "-p", "tcp", "-m", "multiport", "--dports", "3128,11434", "-j", "ACCEPT"},
		{"-s", "172.30.0.0/16", "-d", "172.30.0.0/16", "-j", "DROP"},
		{"-s", "172.30.0.0/16", "-j", "DROP"},
	}

	for i := range want {
		if !reflect.DeepEqual(rules[i], want[i]) {
			t.Errorf("rule %d = %v, want %v", i+1, rules[i], want[i])
		}
	}
}

func TestEgressRulesAcceptBeforeLateralDrop(t *testing.T) {
	// The gateway IP sits inside the subnet, so the allowlist ACCEPT must
	// evaluate before the subnet->subnet DROP.
	rules := egressRules("172.30.0.0/16", "172.30.0.1", []int{3128})

	acceptIdx, dropIdx := -1, -1
	for i, rule := range rules {
		joined := strings.Join(rule, " ")
		if strings.Contains(joined, "--dports") && strings.Contains(joined, "ACCEPT") {
			acceptIdx = i
		}
		if strings.Contains(joined, "-d 172.30.0.0/16") && strings.Contains(joined, "DROP") {
			dropIdx = i
		}
	}

	if acceptIdx == -1 || dropIdx == -1 {
		t.Fatalf("rules missing accept (%d) or lateral drop (%d)", acceptIdx, dropIdx)
	}
	if acceptIdx > dropIdx {
		t.Errorf("allowlist ACCEPT at %d evaluates after lateral DROP at %d", acceptIdx, dropIdx)
	}
}

func TestInputRule(t *testing.T) {
	rule := inputRule("172.30.0.0/16", "172.30.0.1", []int{3128})
	want := []string{"-s", "172.30.0.0/16", "-d", "172.30.0.1", "-p", "tcp", "-m", "multiport", "--dports", "3128", "-j", "ACCEPT"}
	if !reflect.DeepEqual(rule, want) {
		t.Errorf("inputRule = %v, want %v", rule, want)
	}
}

func TestPortList(t *testing.T) {
	if got := portList([]int{3128, 11434}); got != "3128,11434" {
		t.Errorf("portList = %q", got)
	}
	if got := portList([]int{8080}); got != "8080" {
		t.Errorf("portList = %q", got)
	}
}
