package startup

import (
	"context"
	"errors"
	"testing"

	"github.com/somnia-chain/committee-node/internal/sandbox"
)

func TestResultsAccumulateInOrder(t *testing.T) {
	c := NewChecker()

	c.addResult("first", true, "ok", nil)
	c.addResult("second", false, "broken", errors.New("boom"))
	c.addResult("third", true, "ok again", nil)

	results := c.Results()
	if len(results) != 3 {
		t.Fatalf("len(results) = %d, want 3", len(results))
	}

	wantNames := []string{"first", "second", "third"}
	for i, want := range wantNames {
		if results[i].Name != want {
			t.Errorf("results[%d].Name = %q, want %q", i, results[i].Name, want)
		}
	}

	if !results[0].Passed || results[1].Passed || !results[2].Passed {
		t.Errorf("passed flags = %v %v %v, want true false true",
			results[0].Passed, results[1].Passed, results[2].Passed)
	}
	if results[1].Error == nil {
		t.Error("failed result lost its error")
	}
	if results[1].Message != "broken" {
		t.Errorf("results[1].Message = %q, want %q", results[1].Message, "broken")
	}
}

func TestChecksRequireDockerFirst(t *testing.T) {
	ctx := context.Background()

	t.Run("sandbox network", func(t *testing.T) {
		c := NewChecker()
		if _, err := c.CheckSandboxNetwork(ctx, "net", "172.30.0.0/16", "172.30.0.1"); err == nil {
			t.Fatal("expected error without Docker client")
		}
		results := c.Results()
		if len(results) != 1 || results[0].Passed {
			t.Fatalf("results = %+v, want one failed result", results)
		}
	})

	t.Run("stale containers", func(t *testing.T) {
		c := NewChecker()
		if _, err := c.CheckStaleContainers(ctx); err == nil {
			t.Fatal("expected error without Docker client")
		}
		results := c.Results()
		if len(results) != 1 || results[0].Passed {
			t.Fatalf("results = %+v, want one failed result", results)
		}
	})
}

func TestCheckFirewallWithoutApply(t *testing.T) {
	c := NewChecker()
	netInfo := &sandbox.NetworkInfo{
		Name:    "test-net",
		Subnet:  "172.30.0.0/16",
		Gateway: "172.30.0.1",
	}

	// Rules are only built here, never applied, so this is safe on hosts
	// with or without a packet filter. Both outcomes count as a pass.
	rules, err := c.CheckFirewall(netInfo, []int{3128}, false)
	if err != nil {
		t.Fatalf("CheckFirewall: %v", err)
	}
	_ = rules

	results := c.Results()
	if len(results) != 1 {
		t.Fatalf("len(results) = %d, want 1", len(results))
	}
	if !results[0].Passed {
		t.Errorf("result = %+v, want passed", results[0])
	}
}
