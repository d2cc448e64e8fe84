package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/coder/websocket"
)

func encodeAudio(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(b)
}

func decodeAudio(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

// writeJSON marshals v and writes it as a single text frame on conn. Writes
// are serialized by the caller (Multiplexer.writeMu) to preserve per-session
// FIFO ordering on the reliable channel.
func writeJSON(ctx context.Context, conn reliableConn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("transport: marshal: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// readClientMessage blocks for the next text frame on conn and decodes it.
func readClientMessage(ctx context.Context, conn reliableConn) (clientMessage, error) {
	var msg clientMessage
	_, data, err := conn.Read(ctx)
	if err != nil {
		return msg, err
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("transport: invalid client message: %w", err)
	}
	return msg, nil
}
