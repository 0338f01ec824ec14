package heartbeater

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/somnia-chain/committee-node/internal/submitter"
)

func dummyTx() *types.Transaction {
	to := common.HexToAddress("0x000000000000000000000000000000000000dEaD")
	return types.NewTx(&types.LegacyTx{
		Nonce:    0,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      21000,
		GasPrice: big.NewInt(1),
	})
}

type fakeCommittee struct {
	mu          sync.Mutex
	active      bool
	interval    *big.Int
	members     []common.Address
	memberReads int
	heartbeats  int
	leaves      int
}

func (f *fakeCommittee) Address() common.Address {
	return common.HexToAddress("0x00000000000000000000000000000000C0331777")
}

func (f *fakeCommittee) IsActive(opts *bind.CallOpts, addr common.Address) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active, nil
}

func (f *fakeCommittee) HeartbeatInterval(opts *bind.CallOpts) (*big.Int, error) {
	return f.interval, nil
}

func (f *fakeCommittee) GetActiveMembers(opts *bind.CallOpts) ([]common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.memberReads++
	return f.members, nil
}

func (f *fakeCommittee) HeartbeatMembership(opts *bind.TransactOpts) (*types.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return dummyTx(), nil
}

func (f *fakeCommittee) LeaveMembership(opts *bind.TransactOpts) (*types.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves++
	return dummyTx(), nil
}

type fakeQueue struct {
	mu    sync.Mutex
	names []string
	fail  bool
}

func (q *fakeQueue) Address() common.Address {
	return common.HexToAddress("0x1111111111111111111111111111111111111111")
}

func (q *fakeQueue) Submit(ctx context.Context, name string, fn func(auth *bind.TransactOpts) (*types.Transaction, error)) submitter.TxResult {
	q.mu.Lock()
	q.names = append(q.names, name)
	fail := q.fail
	q.mu.Unlock()

	if fail {
		return submitter.TxResult{Err: errors.New("send failed: no peers")}
	}
	tx, err := fn(&bind.TransactOpts{From: q.Address(), Nonce: big.NewInt(0)})
	if err != nil {
		return submitter.TxResult{Err: err}
	}
	return submitter.TxResult{
		Tx:      tx,
		Receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(1), GasUsed: 30_000},
	}
}

func (q *fakeQueue) submitted() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.names...)
}

func countName(names []string, want string) int {
	n := 0
	for _, name := range names {
		if name == want {
			n++
		}
	}
	return n
}

func TestHeartbeatsImmediatelyAndOnTick(t *testing.T) {
	contract := &fakeCommittee{
		active:   true,
		interval: big.NewInt(60),
		members:  []common.Address{{0x01}, {0x02}, {0x03}},
	}
	queue := &fakeQueue{}

	h := New(contract, queue, 20*time.Millisecond)
	h.Start()
	time.Sleep(70 * time.Millisecond)
	h.Stop()

	names := queue.submitted()
	if len(names) == 0 || names[0] != "heartbeat" {
		t.Fatalf("first submission = %v, want immediate heartbeat", names)
	}
	if got := countName(names, "heartbeat"); got < 2 {
		t.Errorf("heartbeat submissions = %d, want at least 2 (initial plus ticks)", got)
	}
	if names[len(names)-1] != "leave-membership" {
		t.Errorf("last submission = %q, want leave-membership", names[len(names)-1])
	}

	contract.mu.Lock()
	defer contract.mu.Unlock()
	if contract.heartbeats < 2 {
		t.Errorf("contract heartbeats = %d, want at least 2", contract.heartbeats)
	}
	if contract.leaves != 1 {
		t.Errorf("contract leaves = %d, want 1", contract.leaves)
	}
	if contract.memberReads != 1 {
		t.Errorf("active member reads = %d, want exactly 1 (first confirmed beat only)", contract.memberReads)
	}
}

func TestStopSkipsLeaveWhenInactive(t *testing.T) {
	contract := &fakeCommittee{active: false, interval: big.NewInt(60)}
	queue := &fakeQueue{}

	h := New(contract, queue, time.Hour)
	h.Start()
	time.Sleep(20 * time.Millisecond)
	h.Stop()

	if got := countName(queue.submitted(), "leave-membership"); got != 0 {
		t.Errorf("leave submissions = %d, want 0 for inactive member", got)
	}
	contract.mu.Lock()
	defer contract.mu.Unlock()
	if contract.leaves != 0 {
		t.Errorf("contract leaves = %d, want 0", contract.leaves)
	}
}

func TestSubmitFailureKeepsBeating(t *testing.T) {
	contract := &fakeCommittee{active: true, interval: big.NewInt(60)}
	queue := &fakeQueue{fail: true}

	h := New(contract, queue, 20*time.Millisecond)
	h.Start()
	time.Sleep(70 * time.Millisecond)
	h.Stop()

	if got := countName(queue.submitted(), "heartbeat"); got < 2 {
		t.Errorf("heartbeat submissions = %d, want the loop to keep going after failures", got)
	}
	contract.mu.Lock()
	defer contract.mu.Unlock()
	if contract.memberReads != 0 {
		t.Errorf("active member reads = %d, want 0 when no beat confirms", contract.memberReads)
	}
}
