// Package submitter provides serialized blockchain transaction submission.
// A single goroutine processes all transactions sequentially via a channel,
// ensuring correct nonce management and automatic recovery on failure.
package submitter

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/somnia-chain/committee-node/internal/metrics"
	"github.com/somnia-chain/committee-node/internal/nonce"
)

// ErrStopped is returned by Submit after Stop has been called.
var ErrStopped = errors.New("submitter: stopped")

// Backend is the chain client surface the submitter needs. Both
// *ethclient.Client and the simulated backend client satisfy it.
type Backend interface {
	bind.ContractBackend
	ChainID(ctx context.Context) (*big.Int, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// TxResult holds the outcome of a submitted transaction.
type TxResult struct {
	Tx      *types.Transaction
	Receipt *types.Receipt
	Err     error
}

type txJob struct {
	name    string
	ctx     context.Context
	execute func(auth *bind.TransactOpts) (*types.Transaction, error)
	result  chan TxResult
}

// Config holds the submitter configuration.
type Config struct {
	RPCURL   string
	GasLimit uint64
	GasPrice int64 // wei
}

// Submitter serializes all transaction submissions through a single goroutine.
// It is the only component holding the wallet key; everything else submits
// through it.
type Submitter struct {
	backend Backend
	owned   *ethclient.Client
	auth    *bind.TransactOpts
	address common.Address
	nonce   *nonce.Tracker
	jobs    chan txJob
	wg      sync.WaitGroup

	mu       sync.Mutex
	stopped  bool
	inflight sync.WaitGroup
}

// New creates a Submitter connected to the configured RPC. It loads
// SECRET_KEY from the environment, fetches the initial nonce, and starts
// the processing goroutine.
func New(cfg Config) (*Submitter, error) {
	privateKeyHex := os.Getenv("SECRET_KEY")
	if privateKeyHex == "" {
		return nil, fmt.Errorf("SECRET_KEY environment variable is required")
	}
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")

	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid secret key: %w", err)
	}

	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC %s: %w", cfg.RPCURL, err)
	}

	s, err := NewWithBackend(client, privateKey, cfg.GasLimit, cfg.GasPrice)
	if err != nil {
		client.Close()
		return nil, err
	}
	s.owned = client
	return s, nil
}

// NewWithBackend creates a Submitter over an existing chain client. The
// caller keeps ownership of the backend's lifetime.
func NewWithBackend(backend Backend, key *ecdsa.PrivateKey, gasLimit uint64, gasPriceWei int64) (*Submitter, error) {
	address := crypto.PubkeyToAddress(key.PublicKey)

	chainID, err := backend.ChainID(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}

	auth, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}
	auth.GasLimit = gasLimit
	auth.GasPrice = big.NewInt(gasPriceWei)

	pending, err := backend.PendingNonceAt(context.Background(), address)
	if err != nil {
		return nil, fmt.Errorf("failed to get initial nonce: %w", err)
	}

	slog.Info("Submitter initialized",
		"address", address.Hex(),
		"chainID", chainID,
		"nonce", pending,
		"gasLimit", gasLimit,
		"gasPrice", gasPriceWei,
	)

	s := &Submitter{
		backend: backend,
		auth:    auth,
		address: address,
		nonce:   nonce.NewTracker(pending),
		jobs:    make(chan txJob, 64),
	}

	s.wg.Add(1)
	go s.run()

	return s, nil
}

// Address returns the wallet address derived from the secret key.
func (s *Submitter) Address() common.Address {
	return s.address
}

// Backend exposes the chain client for read-only contract bindings that
// share the submitter's connection lifetime.
func (s *Submitter) Backend() Backend {
	return s.backend
}

// Submit sends a transaction job to the processing goroutine and blocks
// until the transaction is mined or fails. The caller's context controls
// cancellation and timeout. After Stop, Submit returns ErrStopped.
func (s *Submitter) Submit(ctx context.Context, name string, fn func(auth *bind.TransactOpts) (*types.Transaction, error)) TxResult {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return TxResult{Err: ErrStopped}
	}
	s.inflight.Add(1)
	s.mu.Unlock()

	result := make(chan TxResult, 1)
	job := txJob{
		name:    name,
		ctx:     ctx,
		execute: fn,
		result:  result,
	}

	select {
	case s.jobs <- job:
		s.inflight.Done()
	case <-ctx.Done():
		s.inflight.Done()
		return TxResult{Err: ctx.Err()}
	}

	select {
	case r := <-result:
		return r
	case <-ctx.Done():
		return TxResult{Err: ctx.Err()}
	}
}

// Stop refuses new jobs, waits for the queue to drain, and closes the RPC
// client if this submitter opened it. Stop is idempotent.
func (s *Submitter) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	// Every Submit that passed the gate has either enqueued its job or
	// bailed on context cancellation; after this the channel can close.
	s.inflight.Wait()
	close(s.jobs)
	s.wg.Wait()

	if s.owned != nil {
		s.owned.Close()
	}
}

func (s *Submitter) run() {
	defer s.wg.Done()

	for job := range s.jobs {
		s.process(job)
	}
}

func (s *Submitter) process(job txJob) {
	n := s.nonce.Current()
	s.auth.Nonce = new(big.Int).SetUint64(n)

	slog.Info("Submitter sending transaction",
		"name", job.name,
		"nonce", n,
	)

	start := time.Now()

	tx, err := job.execute(s.auth)
	if err != nil {
		slog.Error("Submitter transaction send failed",
			"name", job.name,
			"nonce", n,
			"error", err,
		)
		metrics.TransactionsTotal.WithLabelValues(job.name, "send_error").Inc()
		s.resyncNonce()
		job.result <- TxResult{Err: fmt.Errorf("send failed: %w", err)}
		return
	}

	slog.Info("Submitter transaction sent, waiting for receipt",
		"name", job.name,
		"txHash", tx.Hash().Hex(),
		"nonce", n,
	)

	receipt, err := bind.WaitMined(job.ctx, s.backend, tx)
	if err != nil {
		slog.Error("Submitter failed waiting for receipt",
			"name", job.name,
			"txHash", tx.Hash().Hex(),
			"nonce", n,
			"error", err,
		)
		metrics.TransactionsTotal.WithLabelValues(job.name, "wait_error").Inc()
		s.resyncNonce()
		job.result <- TxResult{Tx: tx, Err: fmt.Errorf("wait mined failed: %w", err)}
		return
	}

	// Nonce was consumed regardless of receipt status (success or revert).
	s.nonce.Advance()

	outcome := "mined"
	if receipt.Status != types.ReceiptStatusSuccessful {
		outcome = "reverted"
	}
	metrics.TransactionsTotal.WithLabelValues(job.name, outcome).Inc()
	metrics.TransactionDuration.WithLabelValues(job.name).Observe(time.Since(start).Seconds())

	slog.Info("Submitter transaction mined",
		"name", job.name,
		"txHash", tx.Hash().Hex(),
		"status", receipt.Status,
		"block", receipt.BlockNumber,
		"gasUsed", receipt.GasUsed,
	)

	job.result <- TxResult{Tx: tx, Receipt: receipt}
}

func (s *Submitter) resyncNonce() {
	pending, err := s.backend.PendingNonceAt(context.Background(), s.address)
	if err != nil {
		slog.Error("Submitter failed to resync nonce", "error", err)
		return
	}
	if s.nonce.Observe(pending) {
		slog.Info("Submitter resynced nonce", "nonce", s.nonce.Current())
	}
}
