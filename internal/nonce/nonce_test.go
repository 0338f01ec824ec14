package nonce

import "testing"

func TestAdvance(t *testing.T) {
	tr := NewTracker(5)
	if tr.Current() != 5 {
		t.Fatalf("Current() = %d, want 5", tr.Current())
	}
	tr.Advance()
	tr.Advance()
	if tr.Current() != 7 {
		t.Errorf("Current() after two advances = %d, want 7", tr.Current())
	}
}

func TestObserveNeverMovesBackwards(t *testing.T) {
	cases := []struct {
		name    string
		local   uint64
		pending uint64
		want    uint64
		changed bool
	}{
		{"pending ahead after external drain", 3, 10, 10, true},
		{"pending equal", 4, 4, 4, false},
		{"lagging gateway", 8, 2, 8, false},
		{"in-flight tx still pending", 5, 6, 6, true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			tr := NewTracker(c.local)
			changed := tr.Observe(c.pending)
			if tr.Current() != c.want {
				t.Errorf("Current() = %d, want %d", tr.Current(), c.want)
			}
			if changed != c.changed {
				t.Errorf("changed = %v, want %v", changed, c.changed)
			}
		})
	}
}
