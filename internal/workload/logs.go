package workload

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/docker/docker/api/types/container"
)

// demuxLogStream reads Docker's multiplexed log framing and emits one
// callback per non-empty payload. Each frame starts with an 8-byte header:
// [stream_type, 0, 0, 0, size1, size2, size3, size4].
func demuxLogStream(r io.Reader, emit func(stderr bool, line string)) error {
	reader := bufio.NewReader(r)
	header := make([]byte, 8)

	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		streamType := header[0]
		size := int(header[4])<<24 | int(header[5])<<16 | int(header[6])<<8 | int(header[7])
		if size == 0 {
			continue
		}

		payload := make([]byte, size)
		if _, err := io.ReadFull(reader, payload); err != nil {
			return err
		}

		line := strings.TrimSpace(string(payload))
		if line != "" {
			emit(streamType == 2, line)
		}
	}
}

// streamContainerLogs follows a container's output and mirrors it into the
// node's structured logs, tagged with version and source URL.
func (m *Manager) streamContainerLogs(containerID, versionHash, sourceURL string) {
	go func() {
		logs, err := m.client.ContainerLogs(context.Background(), containerID, container.LogsOptions{
			ShowStdout: true,
			ShowStderr: true,
			Follow:     true,
			Timestamps: true,
		})
		if err != nil {
			slog.Error("Failed to attach to container logs", "version", versionHash, "error", err)
			return
		}
		defer logs.Close()

		err = demuxLogStream(logs, func(stderr bool, line string) {
			if stderr {
				slog.Error("Container stderr", "version", versionHash, "source_url", sourceURL, "message", line)
			} else {
				slog.Info("Container stdout", "version", versionHash, "source_url", sourceURL, "message", line)
			}
		})
		if err != nil {
			slog.Debug("Container log stream ended", "version", versionHash, "error", err)
		}
	}()
}
