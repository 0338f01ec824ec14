// Package receipts provides a client for the off-chain receipts service.
// Workload execution receipts are archived there for later audit; uploads
// are best-effort and must never block response submission.
package receipts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/somnia-chain/committee-node/internal/metrics"
)

// Client uploads receipt documents to the receipts service.
type Client struct {
	baseURL string
	httpC   *http.Client
}

// New creates a Client. An empty baseURL disables uploads entirely.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpC:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Enabled reports whether a receipts service is configured.
func (c *Client) Enabled() bool {
	return c.baseURL != ""
}

// Upload POSTs a receipt document for a request. The receipt is marshaled
// as JSON; requestID is the external identifier, e.g. "blockchain-42".
func (c *Client) Upload(ctx context.Context, requestID string, receipt any) error {
	if c.baseURL == "" {
		return nil
	}

	body, err := json.Marshal(receipt)
	if err != nil {
		metrics.ReceiptUploadsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("marshal receipt: %w", err)
	}

	endpoint := fmt.Sprintf("%s/agent-receipts?requestId=%s", c.baseURL, url.QueryEscape(requestID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		metrics.ReceiptUploadsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpC.Do(req)
	if err != nil {
		metrics.ReceiptUploadsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		metrics.ReceiptUploadsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("receipts service returned %d: %s", resp.StatusCode, string(respBody))
	}

	metrics.ReceiptUploadsTotal.WithLabelValues("ok").Inc()
	return nil
}
