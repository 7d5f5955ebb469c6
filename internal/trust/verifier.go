package trust

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// PinPrefix is the required prefix of every configured pin string.
const PinPrefix = "sha256/"

// ErrPinMismatch is returned when the presented leaf certificate does not
// hash to any pinned value. The connection attempt must be abandoned.
var ErrPinMismatch = errors.New("trust: certificate does not match any pinned hash")

// Verifier checks server certificate chains against a static pin set.
// Safe for concurrent use after construction.
type Verifier struct {
	pins map[[sha256.Size]byte]struct{}
}

// New parses the configured pin strings into a Verifier. Each pin must be
// "sha256/" followed by the standard-base64 SHA-256 of the leaf
// certificate DER. An empty pin list yields a disabled verifier: Verify
// accepts everything, and the condition is logged once here so the
// operator knows pinning is off.
func New(pins []string) (*Verifier, error) {
	v := &Verifier{pins: make(map[[sha256.Size]byte]struct{}, len(pins))}
	for i, pin := range pins {
		raw, ok := strings.CutPrefix(pin, PinPrefix)
		if !ok {
			return nil, fmt.Errorf("trust: pin %d %q: missing %q prefix", i, pin, PinPrefix)
		}
		sum, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("trust: pin %d %q: %w", i, pin, err)
		}
		if len(sum) != sha256.Size {
			return nil, fmt.Errorf("trust: pin %d %q: decoded hash is %d bytes, want %d", i, pin, len(sum), sha256.Size)
		}
		var key [sha256.Size]byte
		copy(key[:], sum)
		v.pins[key] = struct{}{}
	}
	if len(v.pins) == 0 {
		slog.Warn("trust: no certificate pins configured, pin verification is disabled")
	}
	return v, nil
}

// Enabled reports whether any pins are configured.
func (v *Verifier) Enabled() bool {
	return len(v.pins) > 0
}

// Verify checks the presented certificate chain. The leaf (first
// certificate) must hash to a pinned value. With no pins configured it is
// a no-op.
func (v *Verifier) Verify(rawCerts [][]byte) error {
	if !v.Enabled() {
		return nil
	}
	if len(rawCerts) == 0 {
		return fmt.Errorf("trust: server presented no certificates")
	}
	sum := sha256.Sum256(rawCerts[0])
	if _, ok := v.pins[sum]; !ok {
		return fmt.Errorf("%w (leaf %s)", ErrPinMismatch, Fingerprint(rawCerts[0]))
	}
	return nil
}

// TLSConfig returns a tls.Config that enforces the pin set on every
// handshake, on top of standard verification. Transports clone and extend
// it rather than sharing mutable state.
func (v *Verifier) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			return v.Verify(rawCerts)
		},
	}
}

// Fingerprint returns the pin string for a DER certificate. Used in error
// messages and by operators to compute pins for deployment.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return PinPrefix + base64.StdEncoding.EncodeToString(sum[:])
}
