package workload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// versionEntry holds a cached version hash with its expiry.
type versionEntry struct {
	hash      string
	expiresAt time.Time
}

// versionIdentifier picks the strongest revision marker a HEAD response
// offers. Priority: ETag, Last-Modified, Content-Length, then the URL
// itself for upstreams that expose nothing.
func versionIdentifier(header http.Header, sourceURL string) string {
	if etag := header.Get("ETag"); etag != "" {
		return "etag:" + etag
	}
	if lastModified := header.Get("Last-Modified"); lastModified != "" {
		return "modified:" + lastModified
	}
	if contentLength := header.Get("Content-Length"); contentLength != "" {
		return "size:" + contentLength
	}
	return "url:" + sourceURL
}

// shortHash returns the first 8 bytes of SHA-256(s) in lowercase hex. The
// result names the cache file, the container, and the containers map key.
func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}

// versionHash probes sourceURL with a HEAD request and derives the version
// hash. Results are cached for versionTTL; a per-URL single-flight gate
// keeps concurrent callers from stampeding the upstream.
func (m *Manager) versionHash(ctx context.Context, sourceURL string) (string, error) {
	m.versionMu.RLock()
	if entry, exists := m.versionCache[sourceURL]; exists && time.Now().Before(entry.expiresAt) {
		m.versionMu.RUnlock()
		slog.Debug("Version hash cache hit", "url", sourceURL, "hash", entry.hash)
		return entry.hash, nil
	}
	m.versionMu.RUnlock()

	probeChan := make(chan struct{})
	actual, loaded := m.probeGate.LoadOrStore(sourceURL, probeChan)
	if loaded {
		// Another goroutine is probing; wait and read its result.
		<-actual.(chan struct{})
		m.versionMu.RLock()
		if entry, exists := m.versionCache[sourceURL]; exists {
			m.versionMu.RUnlock()
			return entry.hash, nil
		}
		m.versionMu.RUnlock()
		return "", fmt.Errorf("concurrent version probe failed for %s", sourceURL)
	}
	defer func() {
		close(probeChan)
		m.probeGate.Delete(sourceURL)
	}()

	// Re-check after winning the gate.
	m.versionMu.RLock()
	if entry, exists := m.versionCache[sourceURL]; exists && time.Now().Before(entry.expiresAt) {
		m.versionMu.RUnlock()
		return entry.hash, nil
	}
	m.versionMu.RUnlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, sourceURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create HEAD request: %w", err)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("HEAD request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HEAD request failed: %d %s", resp.StatusCode, resp.Status)
	}

	identifier := versionIdentifier(resp.Header, sourceURL)
	slog.Debug("Version identifier resolved", "url", sourceURL, "version", identifier)

	hash := shortHash(identifier)

	m.versionMu.Lock()
	m.versionCache[sourceURL] = &versionEntry{
		hash:      hash,
		expiresAt: time.Now().Add(m.versionTTL),
	}
	m.versionMu.Unlock()

	return hash, nil
}
