package listener

import (
	"bytes"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

// decodeRevertReason extracts a human-readable revert reason from an error.
// It handles both rpc.DataError (which contains revert data) and standard errors.
func decodeRevertReason(err error) string {
	if err == nil {
		return ""
	}

	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if data := dataErr.ErrorData(); data != nil {
			if hexStr, ok := data.(string); ok && len(hexStr) > 0 {
				decoded := decodeRevertData(hexStr)
				if decoded != "" {
					return decoded
				}
			}
		}
	}

	// Fall back to error message
	return err.Error()
}

// decodeRevertData decodes ABI-encoded revert data (Error(string) format).
// Returns empty string if decoding fails, so caller can fall back to raw error.
func decodeRevertData(hexData string) string {
	hexData = strings.TrimPrefix(hexData, "0x")

	if len(hexData) == 0 {
		return ""
	}

	data, err := hex.DecodeString(hexData)
	if err != nil || len(data) < 4 {
		return ""
	}

	// Check for Error(string) selector: 0x08c379a0
	errorSelector := []byte{0x08, 0xc3, 0x79, 0xa0}
	if !bytes.Equal(data[:4], errorSelector) {
		// Return the raw hex for non-standard errors
		return "0x" + hexData
	}

	// Need at least selector (4) + offset (32) + length (32) = 68 bytes
	if len(data) < 68 {
		return "0x" + hexData
	}

	// Get string length from bytes 36-68 (after selector and offset)
	length := new(big.Int).SetBytes(data[36:68]).Uint64()

	if uint64(len(data)) < 68+length {
		return "0x" + hexData
	}

	return string(data[68 : 68+length])
}
