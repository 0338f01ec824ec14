package workload

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/somnia-chain/committee-node/internal/metrics"
)

var loadedImageRe = regexp.MustCompile(`Loaded image[: ]+([^\s"\\]+)`)

// parseImageLoadOutput extracts the image name from a docker load response.
// Older daemons answer in plain text, newer ones with a JSON stream; both
// carry a "Loaded image: <name>" line somewhere.
func parseImageLoadOutput(output string) (string, error) {
	if match := loadedImageRe.FindStringSubmatch(output); match != nil {
		return match[1], nil
	}

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		var jsonLine struct {
			Stream string `json:"stream"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &jsonLine); err == nil && jsonLine.Stream != "" {
			if match := loadedImageRe.FindStringSubmatch(jsonLine.Stream); match != nil {
				return match[1], nil
			}
		}
	}

	return "", fmt.Errorf("could not parse image name from: %s", output)
}

// downloadImage fetches the workload tarball into the cache directory as
// <versionHash>.tar.
func (m *Manager) downloadImage(ctx context.Context, sourceURL, versionHash string) (string, error) {
	start := time.Now()

	if err := os.MkdirAll(m.cacheDir, 0755); err != nil {
		metrics.ImageDownloadsTotal.WithLabelValues(sourceURL, "error").Inc()
		return "", fmt.Errorf("failed to create cache directory: %w", err)
	}

	filePath := filepath.Join(m.cacheDir, versionHash+".tar")

	slog.Info("Downloading image", "url", sourceURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		metrics.ImageDownloadsTotal.WithLabelValues(sourceURL, "error").Inc()
		return "", fmt.Errorf("failed to create GET request: %w", err)
	}
	req.Header.Set("Accept", "application/x-tar, application/octet-stream, */*")

	resp, err := m.downloadClient.Do(req)
	if err != nil {
		metrics.ImageDownloadsTotal.WithLabelValues(sourceURL, "error").Inc()
		return "", fmt.Errorf("failed to download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.ImageDownloadsTotal.WithLabelValues(sourceURL, "error").Inc()
		return "", fmt.Errorf("failed to download image: %d %s", resp.StatusCode, resp.Status)
	}

	file, err := os.Create(filePath)
	if err != nil {
		metrics.ImageDownloadsTotal.WithLabelValues(sourceURL, "error").Inc()
		return "", fmt.Errorf("failed to create cache file: %w", err)
	}
	defer file.Close()

	if _, err := io.Copy(file, resp.Body); err != nil {
		metrics.ImageDownloadsTotal.WithLabelValues(sourceURL, "error").Inc()
		return "", fmt.Errorf("failed to write cache file: %w", err)
	}

	metrics.ImageDownloadsTotal.WithLabelValues(sourceURL, "success").Inc()
	metrics.ImageDownloadDuration.WithLabelValues(sourceURL).Observe(time.Since(start).Seconds())

	slog.Debug("Downloaded image", "path", filePath)
	return filePath, nil
}

// loadImage loads a tarball into Docker and returns the image name.
func (m *Manager) loadImage(ctx context.Context, tarPath string) (string, error) {
	slog.Debug("Loading Docker image", "path", tarPath)

	file, err := os.Open(tarPath)
	if err != nil {
		return "", fmt.Errorf("failed to open tar file: %w", err)
	}
	defer file.Close()

	resp, err := m.client.ImageLoad(ctx, file, true)
	if err != nil {
		return "", fmt.Errorf("failed to load image: %w", err)
	}
	defer resp.Body.Close()

	var output bytes.Buffer
	io.Copy(&output, resp.Body)

	return parseImageLoadOutput(output.String())
}
