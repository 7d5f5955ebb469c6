package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"

	"github.com/lifelens/lifelens-agent/internal/trust"
)

const wsWriteTimeout = 30 * time.Second

// WSTransport streams envelopes over a persistent WebSocket connection,
// reading one ack frame per item. The connection is dialed lazily and
// torn down on any error; the next Send redials. Reconnect pacing is the
// dispatcher's backoff, not the transport's.
type WSTransport struct {
	url    string
	dialer *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWS creates a WebSocket streaming transport for the given wss:// URL,
// with the trust verifier's pin set enforced on the handshake.
func NewWS(url string, verifier *trust.Verifier) *WSTransport {
	return &WSTransport{
		url: url,
		dialer: &websocket.Dialer{
			TLSClientConfig:  verifier.TLSConfig(),
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Send writes each item as a binary CBOR frame and collects one ack per
// item. Any write or read error closes the connection and fails the
// whole batch.
func (t *WSTransport) Send(ctx context.Context, items []Item) (*Result, error) {
	if len(items) == 0 {
		return &Result{}, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	conn, err := t.connLocked(ctx)
	if err != nil {
		return nil, err
	}

	result := &Result{Statuses: make([]ItemStatus, 0, len(items))}
	for _, item := range items {
		frame, err := cbor.Marshal(&item)
		if err != nil {
			t.closeLocked()
			return nil, fmt.Errorf("transport: encode item: %w", err)
		}

		deadline := time.Now().Add(wsWriteTimeout)
		if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
			deadline = ctxDeadline
		}
		conn.SetWriteDeadline(deadline)
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			t.closeLocked()
			return nil, fmt.Errorf("transport: write frame: %w", err)
		}

		conn.SetReadDeadline(deadline)
		_, ack, err := conn.ReadMessage()
		if err != nil {
			t.closeLocked()
			return nil, fmt.Errorf("transport: read ack: %w", err)
		}
		var status ItemStatus
		if err := cbor.Unmarshal(ack, &status); err != nil {
			t.closeLocked()
			return nil, fmt.Errorf("transport: decode ack: %w", err)
		}
		result.Statuses = append(result.Statuses, status)
	}
	return result, nil
}

// connLocked returns the live connection, dialing if needed. Caller
// holds mu.
func (t *WSTransport) connLocked(ctx context.Context) (*websocket.Conn, error) {
	if t.conn != nil {
		return t.conn, nil
	}
	conn, _, err := t.dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", t.url, err)
	}
	slog.Info("transport: websocket connected", "url", t.url)
	t.conn = conn
	return conn, nil
}

// closeLocked tears down the connection after an error. Caller holds mu.
func (t *WSTransport) closeLocked() {
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
}

// Close shuts the streaming connection down.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeLocked()
	return nil
}
