package probe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/fxamacker/cbor/v2"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/lifelens/lifelens-agent/internal/config"
	"github.com/lifelens/lifelens-agent/pkg/types"
)

const defaultFetchTimeout = 10 * time.Second

// Submitter accepts finished packets for delivery.
type Submitter interface {
	Submit(p *types.Packet) error
}

// reading is the condensed payload of one scrape, CBOR-encoded into the
// packet payload.
type reading struct {
	Source      string             `cbor:"source"`
	TakenAt     float64            `cbor:"takenAt"`
	Values      map[string]float64 `cbor:"values,omitempty"`
	Unreachable bool               `cbor:"unreachable,omitempty"`
}

// Poller scrapes a single Prometheus endpoint on an interval and submits
// the result as device_status packets.
type Poller struct {
	src    config.ProbeSource
	client *http.Client
	submit Submitter
}

// New returns a Poller for the given source. The HTTP client is built
// once and reused across scrape calls.
func New(src config.ProbeSource, submit Submitter) *Poller {
	return &Poller{
		src:    src,
		client: &http.Client{Timeout: defaultFetchTimeout},
		submit: submit,
	}
}

// Run polls the source on its configured interval until ctx is cancelled.
// The first poll happens immediately.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.src.Interval)
	defer ticker.Stop()

	p.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

// pollOnce performs one scrape and submits the resulting packet. Errors
// are logged, not returned; the loop keeps going.
func (p *Poller) pollOnce(ctx context.Context) {
	rd := reading{
		Source:  p.src.ID,
		TakenAt: float64(time.Now().UnixNano()) / float64(time.Second),
	}

	mfs, err := fetchMetrics(ctx, p.client, p.src.Endpoint)
	if err != nil {
		slog.Warn("probe: fetch failed", "source", p.src.ID, "err", err)
		rd.Unreachable = true
	} else {
		rd.Values = condense(mfs)
	}

	payload, err := cbor.Marshal(rd)
	if err != nil {
		slog.Error("probe: encode reading", "source", p.src.ID, "err", err)
		return
	}

	pkt := &types.Packet{
		Timestamp: rd.TakenAt,
		DataType:  types.DataTypeDeviceStatus,
		Payload:   payload,
		Metadata:  map[string]string{"source": p.src.ID},
		Priority:  types.PriorityLow,
	}
	if err := p.submit.Submit(pkt); err != nil {
		slog.Warn("probe: submit failed", "source", p.src.ID, "err", err)
	}
}

// fetchMetrics performs an HTTP GET to url and returns parsed metric families.
func fetchMetrics(ctx context.Context, client *http.Client, url string) (map[string]*dto.MetricFamily, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", string(expfmt.NewFormat(expfmt.TypeTextPlain)))

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return parseMetrics(resp.Body)
}

// parseMetrics decodes a Prometheus text exposition from r into metric families.
// A partial result with a non-fatal parse warning is still returned successfully.
func parseMetrics(r io.Reader) (map[string]*dto.MetricFamily, error) {
	var parser expfmt.TextParser
	mfs, err := parser.TextToMetricFamilies(r)
	if err != nil && len(mfs) == 0 {
		return nil, fmt.Errorf("parse prometheus text: %w", err)
	}
	// Non-empty result with a non-nil err means partial parse (trailing lines,
	// format warnings). Treat as success.
	return mfs, nil
}

// condense collapses each metric family to a single summed value.
// Label dimensions are deliberately flattened; the ingestion service only
// needs coarse device health, not full cardinality.
func condense(mfs map[string]*dto.MetricFamily) map[string]float64 {
	out := make(map[string]float64, len(mfs))
	for name, mf := range mfs {
		out[name] = sumFamily(mf)
	}
	return out
}

// sumFamily adds up all counter, gauge, or untyped values in a MetricFamily.
// Returns 0 if mf is nil.
func sumFamily(mf *dto.MetricFamily) float64 {
	if mf == nil {
		return 0
	}
	var total float64
	for _, m := range mf.GetMetric() {
		switch {
		case m.Counter != nil:
			total += m.Counter.GetValue()
		case m.Gauge != nil:
			total += m.Gauge.GetValue()
		case m.Untyped != nil:
			total += m.Untyped.GetValue()
		}
	}
	return total
}
