package types

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// MaxPayloadSize is the largest payload a single Packet may carry.
// Larger readings (e.g. long ECG recordings) must be split by the producer.
const MaxPayloadSize = 1 << 20 // 1 MiB

// DataType classifies the kind of health data a Packet carries.
type DataType string

const (
	DataTypeECGStream    DataType = "ecg_stream"
	DataTypeVitalSigns   DataType = "vital_signs"
	DataTypeBiomarkers   DataType = "biomarkers"
	DataTypeAlert        DataType = "alert"
	DataTypeDeviceStatus DataType = "device_status"
	DataTypeMLInference  DataType = "ml_inference"
	DataTypeRawSensor    DataType = "raw_sensor"
)

// Valid reports whether dt is one of the known data types.
func (dt DataType) Valid() bool {
	switch dt {
	case DataTypeECGStream, DataTypeVitalSigns, DataTypeBiomarkers,
		DataTypeAlert, DataTypeDeviceStatus, DataTypeMLInference,
		DataTypeRawSensor:
		return true
	}
	return false
}

// Priority orders packets for batching and queue traversal.
// Higher values are serviced first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid reports whether p is within the defined priority range.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// Packet is the unit of telemetry handed to the uplink by a producer.
//
// SequenceNumber is assigned by the uplink at submission time and is
// monotonically increasing for the lifetime of the process. The ingestion
// service uses it together with DeviceID for ordering and idempotency
// detection.
type Packet struct {
	DeviceID       string            `cbor:"1,keyasint"`
	Timestamp      float64           `cbor:"2,keyasint"` // seconds since epoch
	DataType       DataType          `cbor:"3,keyasint"`
	Payload        []byte            `cbor:"4,keyasint"`
	Metadata       map[string]string `cbor:"5,keyasint,omitempty"`
	Priority       Priority          `cbor:"6,keyasint"`
	SequenceNumber uint64            `cbor:"7,keyasint"`
	SessionID      string            `cbor:"8,keyasint,omitempty"`
}

// Validate checks the packet invariants. A packet failing validation is
// rejected synchronously by Submit and never enters the queue.
func (p *Packet) Validate() error {
	if p.DeviceID == "" {
		return fmt.Errorf("packet: device id is required")
	}
	if p.Timestamp <= 0 {
		return fmt.Errorf("packet: timestamp must be positive, got %v", p.Timestamp)
	}
	if !p.DataType.Valid() {
		return fmt.Errorf("packet: unknown data type %q", p.DataType)
	}
	if len(p.Payload) == 0 {
		return fmt.Errorf("packet: payload is empty")
	}
	if len(p.Payload) > MaxPayloadSize {
		return fmt.Errorf("packet: payload is %d bytes, maximum is %d", len(p.Payload), MaxPayloadSize)
	}
	if !p.Priority.Valid() {
		return fmt.Errorf("packet: invalid priority %d", int(p.Priority))
	}
	return nil
}

// QueueEntry is a Packet plus its delivery-attempt state. Entries are owned
// by the queue store; the dispatcher holds only a transient working copy
// during an attempt and writes mutations back before the entry is
// considered returned to the queue.
type QueueEntry struct {
	Packet      Packet     `cbor:"1,keyasint"`
	RetryCount  int        `cbor:"2,keyasint"`
	QueuedAt    time.Time  `cbor:"3,keyasint"`
	LastAttempt *time.Time `cbor:"4,keyasint,omitempty"`
}

// EncodePacket serializes a packet for the durable queue mirror. Attempt
// state (retry count, timestamps) lives in its own columns, not in the
// blob.
func EncodePacket(p *Packet) ([]byte, error) {
	data, err := cbor.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("types: encode packet: %w", err)
	}
	return data, nil
}

// DecodePacket deserializes a packet previously produced by EncodePacket.
func DecodePacket(data []byte) (*Packet, error) {
	var p Packet
	if err := cbor.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("types: decode packet: %w", err)
	}
	return &p, nil
}
