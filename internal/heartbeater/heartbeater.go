// Package heartbeater provides committee membership maintenance through periodic heartbeat transactions.
package heartbeater

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/somnia-chain/committee-node/internal/submitter"
)

// Membership is the slice of the committee contract the heartbeater drives.
// *committee.Committee satisfies it.
type Membership interface {
	Address() common.Address
	IsActive(opts *bind.CallOpts, addr common.Address) (bool, error)
	HeartbeatInterval(opts *bind.CallOpts) (*big.Int, error)
	GetActiveMembers(opts *bind.CallOpts) ([]common.Address, error)
	HeartbeatMembership(opts *bind.TransactOpts) (*types.Transaction, error)
	LeaveMembership(opts *bind.TransactOpts) (*types.Transaction, error)
}

// Submitter is the serialized transaction queue heartbeats go through.
type Submitter interface {
	Address() common.Address
	Submit(ctx context.Context, name string, fn func(auth *bind.TransactOpts) (*types.Transaction, error)) submitter.TxResult
}

// Heartbeater maintains active committee membership by sending periodic heartbeat transactions.
type Heartbeater struct {
	contract  Membership
	submitter Submitter
	address   common.Address
	interval  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	firstBeat sync.Once
}

// New creates a new Heartbeater. The committee contract instance is supplied
// by the caller; its address comes from the request contract's bootstrap.
func New(contract Membership, sub Submitter, interval time.Duration) *Heartbeater {
	ctx, cancel := context.WithCancel(context.Background())

	return &Heartbeater{
		contract:  contract,
		submitter: sub,
		address:   sub.Address(),
		interval:  interval,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins the heartbeat loop in a background goroutine.
func (h *Heartbeater) Start() {
	slog.Info("Starting heartbeat loop",
		"interval", h.interval,
		"contract", h.contract.Address().Hex(),
		"wallet", h.address.Hex(),
	)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		h.checkInterval()

		// Send initial heartbeat
		h.sendHeartbeat()

		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()

		for {
			select {
			case <-h.ctx.Done():
				slog.Info("Heartbeat loop stopped")
				return
			case <-ticker.C:
				h.sendHeartbeat()
			}
		}
	}()
}

// Stop gracefully shuts down the heartbeater, sending a leave transaction.
func (h *Heartbeater) Stop() {
	slog.Info("Stopping heartbeater - leaving committee...")

	// Cancel the heartbeat loop
	h.cancel()

	// Wait for the loop to finish
	h.wg.Wait()

	// Try to leave the committee gracefully
	h.sendLeaveMembership()
}

// checkInterval compares the configured beat interval against the contract's
// heartbeat timeout. Beating slower than the timeout gets the node evicted.
func (h *Heartbeater) checkInterval() {
	onchain, err := h.contract.HeartbeatInterval(&bind.CallOpts{Context: h.ctx})
	if err != nil {
		slog.Warn("Heartbeater failed to read on-chain heartbeat interval", "error", err)
		return
	}
	if !onchain.IsInt64() {
		slog.Warn("On-chain heartbeat interval out of range", "seconds", onchain.String())
		return
	}

	timeout := time.Duration(onchain.Int64()) * time.Second
	if timeout > 0 && h.interval >= timeout {
		slog.Warn("Configured heartbeat interval is not shorter than the on-chain timeout",
			"configured", h.interval,
			"onchain", timeout,
		)
		return
	}
	slog.Debug("Heartbeat interval verified against contract", "configured", h.interval, "onchain", timeout)
}

func (h *Heartbeater) sendHeartbeat() {
	ctx := h.ctx

	// Check if we're already active
	isActive, err := h.contract.IsActive(&bind.CallOpts{Context: ctx}, h.address)
	if err != nil {
		slog.Warn("Heartbeater failed to check active status", "error", err)
	} else {
		slog.Debug("Heartbeater current active status", "active", isActive)
	}

	result := h.submitter.Submit(ctx, "heartbeat", func(auth *bind.TransactOpts) (*types.Transaction, error) {
		return h.contract.HeartbeatMembership(auth)
	})
	if result.Err != nil {
		slog.Error("Heartbeat failed", "error", result.Err)
		return
	}

	if result.Receipt.Status == 1 {
		slog.Info("Heartbeat confirmed",
			"txHash", result.Tx.Hash().Hex(),
			"block", result.Receipt.BlockNumber,
			"gasUsed", result.Receipt.GasUsed,
		)
		h.firstBeat.Do(h.logActiveMembers)
	} else {
		slog.Error("Heartbeat transaction reverted",
			"txHash", result.Tx.Hash().Hex(),
			"status", result.Receipt.Status,
		)
	}
}

// logActiveMembers reports the committee size once, after the first confirmed beat.
func (h *Heartbeater) logActiveMembers() {
	members, err := h.contract.GetActiveMembers(&bind.CallOpts{Context: h.ctx})
	if err != nil {
		slog.Warn("Heartbeater failed to read active member count", "error", err)
		return
	}
	slog.Info("Committee membership confirmed", "activeMembers", len(members))
}

func (h *Heartbeater) sendLeaveMembership() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Check if we're active before trying to leave
	isActive, err := h.contract.IsActive(&bind.CallOpts{Context: ctx}, h.address)
	if err != nil {
		slog.Warn("Heartbeater failed to check active status", "error", err)
		return
	}

	if !isActive {
		slog.Info("Heartbeater not active in committee, skipping leave")
		return
	}

	result := h.submitter.Submit(ctx, "leave-membership", func(auth *bind.TransactOpts) (*types.Transaction, error) {
		return h.contract.LeaveMembership(auth)
	})
	if result.Err != nil {
		slog.Error("Heartbeater failed to leave committee", "error", result.Err)
		return
	}

	if result.Receipt.Status == 1 {
		slog.Info("Left committee successfully",
			"txHash", result.Tx.Hash().Hex(),
			"block", result.Receipt.BlockNumber,
			"gasUsed", result.Receipt.GasUsed,
		)
	} else {
		slog.Error("Leave transaction reverted",
			"txHash", result.Tx.Hash().Hex(),
			"status", result.Receipt.Status,
		)
	}
}
