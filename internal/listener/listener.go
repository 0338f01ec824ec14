// Package listener provides blockchain event listening for committee request execution.
package listener

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/somnia-chain/committee-node/internal/agentregistry"
	"github.com/somnia-chain/committee-node/internal/metrics"
	"github.com/somnia-chain/committee-node/internal/receipts"
	"github.com/somnia-chain/committee-node/internal/somniaagents"
	"github.com/somnia-chain/committee-node/internal/submitter"
	"github.com/somnia-chain/committee-node/internal/workload"
)

// agentCacheEntry holds cached agent info with a TTL.
type agentCacheEntry struct {
	agent     *agentregistry.Agent
	fetchedAt time.Time
}

const agentCacheTTL = 60 * time.Second

// requestDeadline bounds one request end to end, container run and receipt
// wait included. Shutdown does not cancel a request already being handled.
const requestDeadline = 5 * time.Minute

// httpToWsURL converts an HTTP RPC URL to a WebSocket URL by adding /ws path.
func httpToWsURL(httpURL string) string {
	wsURL := httpURL
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL = strings.TrimSuffix(wsURL, "/")
	wsURL += "/ws"
	return wsURL
}

// requestIDString forms the external identifier for a request, shared by the
// container's X-Request-Id header and the receipts archive.
func requestIDString(requestId *big.Int) string {
	return fmt.Sprintf("blockchain-%d", requestId)
}

// Config holds the configuration for the event listener.
type Config struct {
	SomniaAgentsContract  string
	RPCURL                string
	MaxConcurrentRequests int
}

// requestContract is the slice of the request contract the handlers use.
type requestContract interface {
	IsRequestPending(opts *bind.CallOpts, requestId *big.Int) (bool, error)
	SubmitResponse(opts *bind.TransactOpts, requestId *big.Int, result []byte, receipt *big.Int, price *big.Int) (*types.Transaction, error)
}

type agentReader interface {
	GetAgent(opts *bind.CallOpts, agentId *big.Int) (*agentregistry.Agent, error)
}

type forwarder interface {
	Forward(ctx context.Context, sourceURL string, body []byte, headers map[string]string) (*workload.Response, error)
}

type receiptArchive interface {
	Enabled() bool
	Upload(ctx context.Context, requestID string, receipt any) error
}

type txQueue interface {
	Address() common.Address
	Submit(ctx context.Context, name string, fn func(auth *bind.TransactOpts) (*types.Transaction, error)) submitter.TxResult
}

// Listener listens for RequestCreated events and executes committee requests.
type Listener struct {
	client       *ethclient.Client
	somniaAgents *somniaagents.SomniaAgents

	contract  requestContract
	registry  agentReader
	workloads forwarder
	archive   receiptArchive
	queue     txQueue
	caller    ethereum.ContractCaller

	address common.Address
	wsURL   string

	// Resolved contract addresses
	somniaAgentsAddr  common.Address
	agentRegistryAddr common.Address
	committeeAddr     common.Address

	// Worker pool
	requestCh  chan *somniaagents.RequestCreatedEvent
	maxWorkers int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Track processed requests to avoid duplicates
	processed     map[string]bool
	processedLock sync.Mutex

	// Agent info cache
	agentCache     map[string]*agentCacheEntry
	agentCacheLock sync.RWMutex
}

// New creates a new Listener instance. The AgentRegistry and Committee
// addresses are read from the request contract, so only one address is
// configured.
func New(cfg Config, workloads *workload.Manager, queue *submitter.Submitter, archive *receipts.Client) (*Listener, error) {
	address := queue.Address()

	slog.Info("Listener using wallet", "address", address.Hex())

	// Connect to Ethereum client (for contract reads and revert reason extraction)
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC %s: %w", cfg.RPCURL, err)
	}

	slog.Info("Listener connected to RPC", "rpc", cfg.RPCURL)

	if !common.IsHexAddress(cfg.SomniaAgentsContract) {
		client.Close()
		return nil, fmt.Errorf("invalid SomniaAgents contract address: %s", cfg.SomniaAgentsContract)
	}
	somniaAgentsAddr := common.HexToAddress(cfg.SomniaAgentsContract)

	somniaAgentsContract, err := somniaagents.NewSomniaAgents(somniaAgentsAddr, client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create SomniaAgents contract instance: %w", err)
	}

	// Resolve AgentRegistry address from SomniaAgents contract
	agentRegistryAddr, err := somniaAgentsContract.AgentRegistry(&bind.CallOpts{Context: context.Background()})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to get AgentRegistry address from SomniaAgents: %w", err)
	}
	slog.Info("Resolved AgentRegistry address from SomniaAgents", "address", agentRegistryAddr.Hex())

	// Resolve Committee address from SomniaAgents contract
	committeeAddr, err := somniaAgentsContract.Committee(&bind.CallOpts{Context: context.Background()})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to get Committee address from SomniaAgents: %w", err)
	}
	slog.Info("Resolved Committee address from SomniaAgents", "address", committeeAddr.Hex())

	agentRegistryContract, err := agentregistry.NewAgentRegistry(agentRegistryAddr, client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create AgentRegistry contract instance: %w", err)
	}

	maxWorkers := cfg.MaxConcurrentRequests
	if maxWorkers <= 0 {
		maxWorkers = 20
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Listener{
		client:            client,
		somniaAgents:      somniaAgentsContract,
		contract:          somniaAgentsContract,
		registry:          agentRegistryContract,
		workloads:         workloads,
		archive:           archive,
		queue:             queue,
		caller:            client,
		address:           address,
		wsURL:             httpToWsURL(cfg.RPCURL),
		somniaAgentsAddr:  somniaAgentsAddr,
		agentRegistryAddr: agentRegistryAddr,
		committeeAddr:     committeeAddr,
		requestCh:         make(chan *somniaagents.RequestCreatedEvent, 10000),
		maxWorkers:        maxWorkers,
		ctx:               ctx,
		cancel:            cancel,
		processed:         make(map[string]bool),
		agentCache:        make(map[string]*agentCacheEntry),
	}, nil
}

// AgentRegistryAddress returns the resolved AgentRegistry contract address.
func (l *Listener) AgentRegistryAddress() common.Address {
	return l.agentRegistryAddr
}

// CommitteeAddress returns the resolved Committee contract address.
func (l *Listener) CommitteeAddress() common.Address {
	return l.committeeAddr
}

// Start begins listening for RequestCreated events with a bounded worker pool.
func (l *Listener) Start() {
	slog.Info("Starting event listener",
		"somnia_agents", l.somniaAgentsAddr.Hex(),
		"agent_registry", l.agentRegistryAddr.Hex(),
		"committee", l.committeeAddr.Hex(),
		"member", l.address.Hex(),
		"workers", l.maxWorkers,
	)

	for i := 0; i < l.maxWorkers; i++ {
		l.wg.Add(1)
		go l.worker()
	}

	l.wg.Add(1)
	go l.listenLoop()
}

// Stop gracefully shuts down the listener. New events stop immediately;
// requests already being handled run to completion first.
func (l *Listener) Stop() {
	slog.Info("Stopping event listener...")
	l.cancel()
	l.wg.Wait()
	l.client.Close()
	slog.Info("Event listener stopped")
}

func (l *Listener) worker() {
	defer l.wg.Done()
	for {
		select {
		case event := <-l.requestCh:
			l.handleRequest(event)
		case <-l.ctx.Done():
			return
		}
	}
}

func (l *Listener) listenLoop() {
	defer l.wg.Done()

	for {
		select {
		case <-l.ctx.Done():
			return
		default:
			l.subscribeAndListen()
		}

		// If we get here, the subscription ended - wait before reconnecting
		select {
		case <-l.ctx.Done():
			return
		case <-time.After(5 * time.Second):
			slog.Info("Reconnecting WebSocket subscription...")
		}
	}
}

func (l *Listener) subscribeAndListen() {
	// Connect to WebSocket endpoint for subscriptions
	wsClient, err := ethclient.Dial(l.wsURL)
	if err != nil {
		slog.Error("Failed to connect to WebSocket RPC", "url", l.wsURL, "error", err)
		return
	}
	defer wsClient.Close()

	slog.Info("Connected to WebSocket RPC", "url", l.wsURL)

	query := ethereum.FilterQuery{
		Addresses: []common.Address{l.somniaAgentsAddr},
		Topics:    [][]common.Hash{{l.somniaAgents.RequestCreatedTopic()}},
	}

	logs := make(chan types.Log)

	sub, err := wsClient.SubscribeFilterLogs(l.ctx, query, logs)
	if err != nil {
		slog.Error("Failed to subscribe to logs", "error", err)
		return
	}
	defer sub.Unsubscribe()

	slog.Info("Subscribed to RequestCreated events via WebSocket",
		"contract", l.somniaAgentsAddr.Hex(),
	)

	for {
		select {
		case <-l.ctx.Done():
			return
		case err := <-sub.Err():
			slog.Error("Subscription error", "error", err)
			return
		case vLog := <-logs:
			l.handleLog(vLog)
		}
	}
}

func (l *Listener) handleLog(vLog types.Log) {
	event, err := l.somniaAgents.ParseRequestCreated(vLog)
	if err != nil {
		slog.Warn("Failed to parse RequestCreated event", "error", err, "txHash", vLog.TxHash.Hex())
		return
	}

	metrics.EventsReceivedTotal.Inc()

	// Create unique key for this request
	requestKey := fmt.Sprintf("%s-%d", vLog.TxHash.Hex(), event.RequestId)

	l.processedLock.Lock()
	if l.processed[requestKey] {
		l.processedLock.Unlock()
		return
	}
	l.processed[requestKey] = true
	l.processedLock.Unlock()

	slog.Info("Received RequestCreated event",
		"requestId", event.RequestId,
		"agentId", event.AgentId,
		"subcommitteeSize", len(event.Subcommittee),
		"txHash", vLog.TxHash.Hex(),
	)

	if !l.inSubcommittee(event.Subcommittee) {
		slog.Debug("Not in subcommittee for request", "requestId", event.RequestId)
		return
	}

	slog.Info("Node is in the subcommittee for request", "requestId", event.RequestId)

	// Send to worker pool (drop if full to avoid blocking the event loop)
	select {
	case l.requestCh <- event:
	default:
		metrics.EventsDroppedTotal.Inc()
		slog.Warn("Worker pool full, dropping request", "requestId", event.RequestId)
	}
}

func (l *Listener) inSubcommittee(subcommittee []common.Address) bool {
	for _, member := range subcommittee {
		if member == l.address {
			return true
		}
	}
	return false
}

// getCachedAgent returns agent info from cache or fetches from chain.
func (l *Listener) getCachedAgent(ctx context.Context, agentId *big.Int) (*agentregistry.Agent, error) {
	key := agentId.String()

	// Fast path: read lock
	l.agentCacheLock.RLock()
	if entry, ok := l.agentCache[key]; ok && time.Since(entry.fetchedAt) < agentCacheTTL {
		l.agentCacheLock.RUnlock()
		return entry.agent, nil
	}
	l.agentCacheLock.RUnlock()

	// Slow path: fetch from chain
	agent, err := l.registry.GetAgent(&bind.CallOpts{Context: ctx}, agentId)
	if err != nil {
		return nil, err
	}

	l.agentCacheLock.Lock()
	l.agentCache[key] = &agentCacheEntry{agent: agent, fetchedAt: time.Now()}
	l.agentCacheLock.Unlock()

	return agent, nil
}

func (l *Listener) handleRequest(event *somniaagents.RequestCreatedEvent) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(l.ctx), requestDeadline)
	defer cancel()

	requestId := event.RequestId
	requestKey := requestIDString(requestId)

	// Bail early if the request was already resolved
	pending, err := l.contract.IsRequestPending(&bind.CallOpts{Context: ctx}, requestId)
	if err != nil {
		slog.Warn("Failed to check request pending state", "requestId", requestId, "error", err)
	} else if !pending {
		slog.Info("Request no longer pending, skipping", "requestId", requestId)
		return
	}

	agent, err := l.getCachedAgent(ctx, event.AgentId)
	if err != nil {
		slog.Error("Failed to get agent from registry", "agentId", event.AgentId, "error", err)
		return
	}

	if agent.ContainerImageUri == "" {
		slog.Error("Agent has no container image URI", "agentId", event.AgentId)
		return
	}

	slog.Info("Forwarding request to workload",
		"requestId", requestId,
		"agentUrl", agent.ContainerImageUri,
		"payloadSize", len(event.Payload),
	)

	response, err := l.workloads.Forward(ctx, agent.ContainerImageUri, event.Payload, map[string]string{
		"X-Request-Id": requestKey,
	})
	if err != nil {
		slog.Error("Failed to forward request to workload", "requestId", requestId, "error", err)
		return
	}

	slog.Info("Workload responded",
		"requestId", requestId,
		"status", response.Status,
		"responseSize", len(response.Body),
	)

	// Upload receipt asynchronously; submission never waits for it
	if response.Receipt != nil {
		response.Receipt["agentId"] = event.AgentId.String()
		go l.uploadReceipt(requestKey, response.Receipt)
	}

	// Re-check: the container may have run long enough for the request to
	// resolve elsewhere.
	pending, err = l.contract.IsRequestPending(&bind.CallOpts{Context: ctx}, requestId)
	if err != nil {
		slog.Warn("Failed to re-check request pending state", "requestId", requestId, "error", err)
	} else if !pending {
		slog.Info("Request resolved while the workload ran, not submitting", "requestId", requestId)
		return
	}

	l.submitResponse(ctx, requestId, response.Body, agent.Cost)
}

// uploadReceipt sends a receipt to the archive service.
func (l *Listener) uploadReceipt(requestID string, receipt map[string]interface{}) {
	if !l.archive.Enabled() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := l.archive.Upload(ctx, requestID, receipt); err != nil {
		slog.Error("Failed to upload receipt", "request_id", requestID, "error", err)
		return
	}
	slog.Info("Receipt uploaded", "request_id", requestID)
}

func (l *Listener) submitResponse(ctx context.Context, requestId *big.Int, result []byte, cost *big.Int) {
	if cost == nil {
		cost = big.NewInt(0)
	}

	slog.Info("Submitting response",
		"requestId", requestId,
		"member", l.address.Hex(),
		"contract", l.somniaAgentsAddr.Hex(),
		"resultSize", len(result),
		"price", cost,
	)

	res := l.queue.Submit(ctx, "submit-response", func(auth *bind.TransactOpts) (*types.Transaction, error) {
		return l.contract.SubmitResponse(auth, requestId, result, big.NewInt(0), cost)
	})
	if res.Err != nil {
		slog.Error("Failed to submit response",
			"requestId", requestId,
			"member", l.address.Hex(),
			"error", res.Err,
		)
		return
	}

	if res.Receipt.Status == types.ReceiptStatusSuccessful {
		slog.Info("Response submitted successfully",
			"requestId", requestId,
			"txHash", res.Tx.Hash().Hex(),
			"block", res.Receipt.BlockNumber,
			"gasUsed", res.Receipt.GasUsed,
		)
		return
	}

	reason, raw := l.replayRevert(ctx, res.Tx, res.Receipt)
	slog.Error("Response transaction reverted",
		"requestId", requestId,
		"txHash", res.Tx.Hash().Hex(),
		"block", res.Receipt.BlockNumber,
		"gasUsed", res.Receipt.GasUsed,
		"revertReason", reason,
		"rawError", raw,
	)
}

// replayRevert re-executes a mined transaction as a call at its block to
// recover the revert reason. The replay itself can succeed if state moved on.
func (l *Listener) replayRevert(ctx context.Context, tx *types.Transaction, receipt *types.Receipt) (string, string) {
	msg := ethereum.CallMsg{
		From:     l.address,
		To:       tx.To(),
		Gas:      tx.Gas(),
		GasPrice: tx.GasPrice(),
		Value:    tx.Value(),
		Data:     tx.Data(),
	}

	_, err := l.caller.CallContract(ctx, msg, receipt.BlockNumber)
	if err == nil {
		return "unknown (replay succeeded - state may have changed)", ""
	}
	return decodeRevertReason(err), err.Error()
}
