package metrics

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestSink_RecordAndSnapshot(t *testing.T) {
	s := NewSink()

	s.RecordSuccess(1024)
	s.RecordSuccess(2048)
	s.RecordFailure()
	s.SetQueueDepth(7)
	s.SetOnline(true)

	m := s.Snapshot()
	if m.PacketsSent != 2 {
		t.Errorf("PacketsSent = %d, want 2", m.PacketsSent)
	}
	if m.PacketsFailed != 1 {
		t.Errorf("PacketsFailed = %d, want 1", m.PacketsFailed)
	}
	if m.BytesStreamed != 3072 {
		t.Errorf("BytesStreamed = %d, want 3072", m.BytesStreamed)
	}
	if m.QueueDepth != 7 {
		t.Errorf("QueueDepth = %d, want 7", m.QueueDepth)
	}
	if !m.Online {
		t.Error("Online = false, want true")
	}
	if m.LastStreamTime.IsZero() {
		t.Error("LastStreamTime is zero after a success")
	}
}

func TestSink_ZeroValueSnapshot(t *testing.T) {
	m := NewSink().Snapshot()
	if m.PacketsSent != 0 || m.PacketsFailed != 0 || m.BytesStreamed != 0 {
		t.Errorf("fresh sink has non-zero counters: %+v", m)
	}
	if !m.LastStreamTime.IsZero() {
		t.Errorf("LastStreamTime = %v, want zero", m.LastStreamTime)
	}
}

func TestSink_ConcurrentRecording(t *testing.T) {
	s := NewSink()

	const workers = 8
	const perWorker = 1000

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				s.RecordSuccess(10)
				s.RecordFailure()
			}
		}()
	}
	wg.Wait()

	m := s.Snapshot()
	if m.PacketsSent != workers*perWorker {
		t.Errorf("PacketsSent = %d, want %d", m.PacketsSent, workers*perWorker)
	}
	if m.PacketsFailed != workers*perWorker {
		t.Errorf("PacketsFailed = %d, want %d", m.PacketsFailed, workers*perWorker)
	}
	if m.BytesStreamed != workers*perWorker*10 {
		t.Errorf("BytesStreamed = %d, want %d", m.BytesStreamed, workers*perWorker*10)
	}
}

func TestSink_RegisterCollectors(t *testing.T) {
	s := NewSink()
	reg := prometheus.NewRegistry()
	if err := s.Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}

	s.RecordSuccess(512)
	s.SetOnline(true)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	got := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.Counter != nil:
				got[mf.GetName()] = m.Counter.GetValue()
			case m.Gauge != nil:
				got[mf.GetName()] = m.Gauge.GetValue()
			}
		}
	}

	if got["lifelens_packets_sent_total"] != 1 {
		t.Errorf("packets_sent_total = %v, want 1", got["lifelens_packets_sent_total"])
	}
	if got["lifelens_bytes_streamed_total"] != 512 {
		t.Errorf("bytes_streamed_total = %v, want 512", got["lifelens_bytes_streamed_total"])
	}
	if got["lifelens_online"] != 1 {
		t.Errorf("online = %v, want 1", got["lifelens_online"])
	}

	// Double registration must surface an error, not panic.
	if err := s.Register(reg); err == nil {
		t.Error("second Register on the same registry succeeded")
	}
}
