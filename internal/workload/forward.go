package workload

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/somnia-chain/committee-node/internal/metrics"
)

// Response is the outcome of forwarding a request to a workload container.
type Response struct {
	Status  int
	Body    []byte
	Receipt map[string]interface{}
}

// buildEnvelope frames a raw request for the container protocol. The body
// travels hex encoded so arbitrary bytes survive the JSON framing.
func buildEnvelope(requestID string, body []byte) ([]byte, string, error) {
	requestHex := "0x" + hex.EncodeToString(body)
	envelope, err := json.Marshal(map[string]string{
		"requestId": requestID,
		"request":   requestHex,
	})
	if err != nil {
		return nil, "", err
	}
	return envelope, requestHex, nil
}

// parseReply interprets a container reply. A JSON reply carries its result
// as a hex string; a "steps" field marks the whole envelope as a receipt,
// with the original request merged in for archival. Anything that is not
// JSON comes back verbatim with no receipt.
func parseReply(raw []byte, requestHex string) ([]byte, map[string]interface{}) {
	var reply map[string]interface{}
	if err := json.Unmarshal(raw, &reply); err != nil {
		return raw, nil
	}

	var body []byte
	if result, ok := reply["result"].(string); ok {
		body, _ = hex.DecodeString(strings.TrimPrefix(result, "0x"))
	} else {
		body = raw
	}

	var receipt map[string]interface{}
	if _, hasSteps := reply["steps"]; hasSteps {
		reply["request"] = requestHex
		receipt = reply
	}

	return body, receipt
}

// Forward ensures the workload is running and POSTs the framed request to
// the container root. The X-Request-Id header value becomes the envelope's
// requestId.
func (m *Manager) Forward(ctx context.Context, sourceURL string, body []byte, headers map[string]string) (*Response, error) {
	port, _, err := m.EnsureRunning(ctx, sourceURL)
	if err != nil {
		metrics.AgentRequestsTotal.WithLabelValues(sourceURL, "error").Inc()
		return nil, err
	}

	start := time.Now()

	envelope, requestHex, err := buildEnvelope(headers["X-Request-Id"], body)
	if err != nil {
		metrics.AgentRequestsTotal.WithLabelValues(sourceURL, "error").Inc()
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("http://127.0.0.1:%d/", port), bytes.NewReader(envelope))
	if err != nil {
		metrics.AgentRequestsTotal.WithLabelValues(sourceURL, "error").Inc()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		metrics.AgentRequestsTotal.WithLabelValues(sourceURL, "error").Inc()
		return nil, fmt.Errorf("failed to forward request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.AgentRequestsTotal.WithLabelValues(sourceURL, "error").Inc()
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	responseBody, receipt := parseReply(raw, requestHex)

	metrics.AgentRequestsTotal.WithLabelValues(sourceURL, strconv.Itoa(resp.StatusCode)).Inc()
	metrics.AgentRequestDuration.WithLabelValues(sourceURL).Observe(time.Since(start).Seconds())

	return &Response{
		Status:  resp.StatusCode,
		Body:    responseBody,
		Receipt: receipt,
	}, nil
}
