package transport

import (
	"context"
	"errors"
	"sync"
)

// Mock is a scriptable in-memory Transport for tests. The zero value
// accepts everything.
type Mock struct {
	mu sync.Mutex

	// FailN makes the next N Send calls return a total failure.
	FailN int

	// RejectSeqs lists sequence numbers the mock marks rejected
	// (partial success).
	RejectSeqs map[uint64]bool

	sent  [][]Item
	calls int
}

// ErrMockFailure is the total-failure error produced by a scripted Mock.
var ErrMockFailure = errors.New("transport: scripted failure")

// Send records the batch and applies the scripted behavior.
func (m *Mock) Send(_ context.Context, items []Item) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if m.FailN > 0 {
		m.FailN--
		return nil, ErrMockFailure
	}

	m.sent = append(m.sent, append([]Item(nil), items...))

	result := &Result{Statuses: make([]ItemStatus, 0, len(items))}
	for _, item := range items {
		result.Statuses = append(result.Statuses, ItemStatus{
			SequenceNumber: item.SequenceNumber,
			Accepted:       !m.RejectSeqs[item.SequenceNumber],
		})
	}
	return result, nil
}

// Sent returns a copy of all recorded batches.
func (m *Mock) Sent() [][]Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]Item, len(m.sent))
	copy(out, m.sent)
	return out
}

// SentItems returns all recorded items flattened in send order.
func (m *Mock) SentItems() []Item {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Item
	for _, batch := range m.sent {
		out = append(out, batch...)
	}
	return out
}

// Calls returns the number of Send invocations, failed ones included.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// SetFailN scripts the next n calls to fail totally.
func (m *Mock) SetFailN(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FailN = n
}
