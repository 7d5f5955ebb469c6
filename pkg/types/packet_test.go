package types

import (
	"bytes"
	"strings"
	"testing"
)

func validPacket() *Packet {
	return &Packet{
		DeviceID:  "dev-001",
		Timestamp: 1700000000.25,
		DataType:  DataTypeVitalSigns,
		Payload:   []byte(`{"hr":72,"spo2":98}`),
		Metadata:  map[string]string{"firmware": "2.4.1"},
		Priority:  PriorityNormal,
		SessionID: "session-abc",
	}
}

func TestPacket_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Packet)
		wantErr string
	}{
		{"valid", func(p *Packet) {}, ""},
		{"empty device id", func(p *Packet) { p.DeviceID = "" }, "device id"},
		{"zero timestamp", func(p *Packet) { p.Timestamp = 0 }, "timestamp"},
		{"negative timestamp", func(p *Packet) { p.Timestamp = -5 }, "timestamp"},
		{"unknown data type", func(p *Packet) { p.DataType = "genome" }, "data type"},
		{"empty payload", func(p *Packet) { p.Payload = nil }, "payload is empty"},
		{"oversized payload", func(p *Packet) { p.Payload = make([]byte, MaxPayloadSize+1) }, "maximum"},
		{"payload at limit", func(p *Packet) { p.Payload = make([]byte, MaxPayloadSize) }, ""},
		{"invalid priority", func(p *Packet) { p.Priority = Priority(9) }, "priority"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPacket()
			tt.mutate(p)
			err := p.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestPriority_Ordering(t *testing.T) {
	if !(PriorityLow < PriorityNormal && PriorityNormal < PriorityHigh && PriorityHigh < PriorityCritical) {
		t.Fatal("priority constants are not strictly increasing")
	}
}

func TestPacket_EncodeDecode(t *testing.T) {
	in := validPacket()
	in.SequenceNumber = 42

	data, err := EncodePacket(in)
	if err != nil {
		t.Fatalf("EncodePacket: %v", err)
	}
	out, err := DecodePacket(data)
	if err != nil {
		t.Fatalf("DecodePacket: %v", err)
	}

	if out.DeviceID != in.DeviceID {
		t.Errorf("DeviceID = %q, want %q", out.DeviceID, in.DeviceID)
	}
	if out.Timestamp != in.Timestamp {
		t.Errorf("Timestamp = %v, want %v", out.Timestamp, in.Timestamp)
	}
	if out.SequenceNumber != 42 {
		t.Errorf("SequenceNumber = %d, want 42", out.SequenceNumber)
	}
	if out.Priority != PriorityNormal {
		t.Errorf("Priority = %v, want %v", out.Priority, PriorityNormal)
	}
	if !bytes.Equal(out.Payload, in.Payload) {
		t.Error("payload not preserved")
	}
	if out.Metadata["firmware"] != "2.4.1" {
		t.Error("metadata not preserved")
	}
}

func TestDecodePacket_Garbage(t *testing.T) {
	if _, err := DecodePacket([]byte{0xff, 0x00, 0x13}); err == nil {
		t.Fatal("DecodePacket accepted garbage input")
	}
}
