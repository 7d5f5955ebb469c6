package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/lifelens/lifelens-agent/internal/trust"
)

const (
	defaultRequestTimeout = 30 * time.Second
	contentTypeCBOR       = "application/cbor"

	// deviceHeader carries the partition key so the ingestion service can
	// route the batch without decrypting anything.
	deviceHeader = "X-Lifelens-Device"
)

// wireBatch is the HTTP request body.
type wireBatch struct {
	DeviceID string `cbor:"1,keyasint"`
	Items    []Item `cbor:"2,keyasint"`
}

// wireResponse is the HTTP response body.
type wireResponse struct {
	Statuses []ItemStatus `cbor:"1,keyasint"`
}

// HTTPTransport posts envelope batches to an ingestion URL.
type HTTPTransport struct {
	url    string
	client *http.Client
}

// NewHTTP creates an HTTP transport for the given ingestion URL. The
// trust verifier's pin set is enforced on every TLS handshake.
func NewHTTP(url string, verifier *trust.Verifier) *HTTPTransport {
	return &HTTPTransport{
		url: url,
		client: &http.Client{
			Transport: &http.Transport{TLSClientConfig: verifier.TLSConfig()},
			Timeout:   defaultRequestTimeout,
		},
	}
}

// Send posts the batch and decodes the per-item statuses. Network
// failures, timeouts, and non-2xx statuses are total failures.
func (t *HTTPTransport) Send(ctx context.Context, items []Item) (*Result, error) {
	if len(items) == 0 {
		return &Result{}, nil
	}

	body, err := cbor.Marshal(&wireBatch{
		DeviceID: items[0].DeviceID,
		Items:    items,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: encode batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("transport: build request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeCBOR)
	req.Header.Set(deviceHeader, items[0].DeviceID)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport: post batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain so the connection can be reused, then fail the batch.
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("transport: ingestion returned status %d", resp.StatusCode)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("transport: read response: %w", err)
	}
	var wire wireResponse
	if err := cbor.Unmarshal(respBody, &wire); err != nil {
		return nil, fmt.Errorf("transport: decode response: %w", err)
	}
	return &Result{Statuses: wire.Statuses}, nil
}
