package transport

import "context"

// Item is one encrypted envelope with its routing metadata. DeviceID is
// the partition/ordering key; SequenceNumber orders items within a
// device's stream and lets the server deduplicate.
type Item struct {
	DeviceID       string `cbor:"1,keyasint"`
	SequenceNumber uint64 `cbor:"2,keyasint"`
	Envelope       []byte `cbor:"3,keyasint"`
}

// ItemStatus is the server's verdict on one item of a batch.
type ItemStatus struct {
	SequenceNumber uint64 `cbor:"1,keyasint"`
	Accepted       bool   `cbor:"2,keyasint"`
	Reason         string `cbor:"3,keyasint,omitempty"`
}

// Result holds the per-item outcomes of a delivered batch.
type Result struct {
	Statuses []ItemStatus
}

// Accepted reports whether the item with the given sequence number was
// accepted. Missing from the response counts as rejected.
func (r *Result) Accepted(seq uint64) bool {
	for _, st := range r.Statuses {
		if st.SequenceNumber == seq {
			return st.Accepted
		}
	}
	return false
}

// Transport delivers a batch of envelopes. Send returns a Result on any
// response from the server (including partial or total per-item
// rejection) and an error only on total delivery failure.
type Transport interface {
	Send(ctx context.Context, items []Item) (*Result, error)
}
