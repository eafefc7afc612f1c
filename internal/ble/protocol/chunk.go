// internal/ble/protocol/chunk.go
package protocol

// MaxNotifyPayload is the largest value carried by one notification on the
// data channel (default ATT MTU of 23 minus 3 bytes of header).
const MaxNotifyPayload = 20

// ChunkBytes splits b into consecutive pieces of at most max bytes. Every
// piece except the last is exactly max bytes. Returns nil for empty input.
func ChunkBytes(b []byte, max int) [][]byte {
	if len(b) == 0 || max <= 0 {
		return nil
	}
	chunks := make([][]byte, 0, (len(b)+max-1)/max)
	for len(b) > 0 {
		n := min(max, len(b))
		chunks = append(chunks, b[:n:n])
		b = b[n:]
	}
	return chunks
}

// ChunkText is ChunkBytes for strings. Pieces may split a multi-byte UTF-8
// sequence; the receiver reassembles the byte stream.
func ChunkText(text string, max int) []string {
	parts := ChunkBytes([]byte(text), max)
	if parts == nil {
		return nil
	}
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = string(p)
	}
	return out
}
