package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/lifelens/lifelens-agent/pkg/types"
)

// KeySize is the size in bytes of all symmetric and X25519 keys used by
// the envelope encryption scheme.
const KeySize = 32

// EnvelopeVersion is the version byte prepended to every envelope. It is
// included as additional authenticated data in the AEAD seal, so tampering
// with it causes authentication failure.
const EnvelopeVersion byte = 0x01

// EnvelopeOverhead is the fixed byte overhead per envelope:
// 1 (version) + 32 (ephemeral public key) + 24 (XChaCha20-Poly1305 nonce)
// + 16 (Poly1305 tag).
const EnvelopeOverhead = 1 + KeySize + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// hkdfInfoEnvelope is the HKDF info parameter for envelope key derivation.
// Changing it invalidates all ciphertext produced under the old value.
var hkdfInfoEnvelope = []byte("lifelens.envelope.v1")

// payloadCompression identifies how the payload portion of the plaintext
// frame is encoded. Stored in the frame header.
type payloadCompression uint8

const (
	compressionNone payloadCompression = 0
	compressionZstd payloadCompression = 1
)

// frameHeader is the structured metadata encrypted alongside the payload.
// The server recovers these fields only after decrypting the envelope.
type frameHeader struct {
	DeviceID       string             `cbor:"1,keyasint"`
	Timestamp      float64            `cbor:"2,keyasint"`
	DataType       types.DataType     `cbor:"3,keyasint"`
	SequenceNumber uint64             `cbor:"4,keyasint"`
	SessionID      string             `cbor:"5,keyasint,omitempty"`
	Metadata       map[string]string  `cbor:"6,keyasint,omitempty"`
	Compression    payloadCompression `cbor:"7,keyasint"`
	PayloadSize    int                `cbor:"8,keyasint"` // uncompressed size
}

// Cipher seals packets for a single ingestion-service recipient.
// Safe for concurrent use.
type Cipher struct {
	recipientPub [KeySize]byte
	zenc         *zstd.Encoder
}

// New creates a Cipher sealing to the given X25519 recipient public key.
func New(recipientPub []byte) (*Cipher, error) {
	if len(recipientPub) != KeySize {
		return nil, fmt.Errorf("crypto: recipient public key must be %d bytes, got %d", KeySize, len(recipientPub))
	}
	zenc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("crypto: init zstd encoder: %w", err)
	}
	c := &Cipher{zenc: zenc}
	copy(c.recipientPub[:], recipientPub)
	return c, nil
}

// Seal encrypts a packet into a wire-ready envelope. Each call uses a
// fresh ephemeral key pair and nonce; the same packet sealed twice
// produces different envelopes.
func (c *Cipher) Seal(p *types.Packet) ([]byte, error) {
	plaintext, err := c.frame(p)
	if err != nil {
		return nil, err
	}

	var ephPriv [KeySize]byte
	if _, err := io.ReadFull(rand.Reader, ephPriv[:]); err != nil {
		return nil, fmt.Errorf("crypto: generating ephemeral key: %w", err)
	}
	ephPub, err := curve25519.X25519(ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("crypto: deriving ephemeral public key: %w", err)
	}

	key, err := deriveEnvelopeKey(ephPriv[:], c.recipientPub[:], ephPub)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating XChaCha20-Poly1305 cipher: %w", err)
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}

	// Allocate output: version + ephemeral pub + nonce, with capacity for
	// ciphertext and tag. Seal appends in place.
	output := make([]byte, 1+KeySize+chacha20poly1305.NonceSizeX, EnvelopeOverhead+len(plaintext))
	output[0] = EnvelopeVersion
	copy(output[1:], ephPub)
	copy(output[1+KeySize:], nonce[:])

	output = aead.Seal(output, nonce[:], plaintext, []byte{EnvelopeVersion})
	return output, nil
}

// Open decrypts an envelope using the recipient's private key. This is a
// server-side operation; the agent carries it for round-trip tests and for
// local loopback verification.
func Open(envelope, recipientPriv []byte) (*types.Packet, error) {
	if len(recipientPriv) != KeySize {
		return nil, fmt.Errorf("crypto: recipient private key must be %d bytes, got %d", KeySize, len(recipientPriv))
	}
	if len(envelope) < EnvelopeOverhead {
		return nil, fmt.Errorf("crypto: envelope is %d bytes, minimum is %d", len(envelope), EnvelopeOverhead)
	}
	if envelope[0] != EnvelopeVersion {
		return nil, fmt.Errorf("crypto: envelope version %d is not supported (expected %d)", envelope[0], EnvelopeVersion)
	}

	ephPub := envelope[1 : 1+KeySize]
	nonce := envelope[1+KeySize : 1+KeySize+chacha20poly1305.NonceSizeX]
	ciphertext := envelope[1+KeySize+chacha20poly1305.NonceSizeX:]

	// The recipient recomputes the same shared secret from its private key
	// and the ephemeral public key carried in the envelope.
	shared, err := curve25519.X25519(recipientPriv, ephPub)
	if err != nil {
		return nil, fmt.Errorf("crypto: computing shared secret: %w", err)
	}
	recipientPub, err := curve25519.X25519(recipientPriv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("crypto: deriving recipient public key: %w", err)
	}
	key, err := expandKey(shared, recipientPub, ephPub)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating XChaCha20-Poly1305 cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte{envelope[0]})
	if err != nil {
		return nil, fmt.Errorf("crypto: AEAD decryption failed (wrong key or tampered envelope): %w", err)
	}

	return unframe(plaintext)
}

// GenerateKeyPair creates a fresh X25519 key pair. The agent only needs
// the service's public half; the private half stays with the ingestion
// service (and with tests).
func GenerateKeyPair() (pub, priv []byte, err error) {
	priv = make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, priv); err != nil {
		return nil, nil, fmt.Errorf("crypto: generating private key: %w", err)
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: deriving public key: %w", err)
	}
	return pub, priv, nil
}

// frame builds the plaintext: a 4-byte big-endian header length, the CBOR
// header, then the (possibly compressed) payload.
func (c *Cipher) frame(p *types.Packet) ([]byte, error) {
	hdr := frameHeader{
		DeviceID:       p.DeviceID,
		Timestamp:      p.Timestamp,
		DataType:       p.DataType,
		SequenceNumber: p.SequenceNumber,
		SessionID:      p.SessionID,
		Metadata:       p.Metadata,
		Compression:    compressionNone,
		PayloadSize:    len(p.Payload),
	}

	payload := p.Payload
	// Compress only when it actually shrinks the payload. ECG and raw
	// sensor streams usually do; already-compact payloads are left alone.
	compressed := c.zenc.EncodeAll(p.Payload, nil)
	if len(compressed) < len(p.Payload) {
		hdr.Compression = compressionZstd
		payload = compressed
	}

	hdrBytes, err := cbor.Marshal(&hdr)
	if err != nil {
		return nil, fmt.Errorf("crypto: encode frame header: %w", err)
	}

	out := make([]byte, 4+len(hdrBytes)+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(hdrBytes)))
	copy(out[4:], hdrBytes)
	copy(out[4+len(hdrBytes):], payload)
	return out, nil
}

// unframe reverses frame, reconstructing the packet. Priority is a
// scheduling attribute, not wire data, so it is left at the zero value.
func unframe(plaintext []byte) (*types.Packet, error) {
	if len(plaintext) < 4 {
		return nil, fmt.Errorf("crypto: frame too short for header length prefix")
	}
	hdrLen := binary.BigEndian.Uint32(plaintext)
	if int(hdrLen) > len(plaintext)-4 {
		return nil, fmt.Errorf("crypto: frame header length %d exceeds frame size %d", hdrLen, len(plaintext))
	}

	var hdr frameHeader
	if err := cbor.Unmarshal(plaintext[4:4+hdrLen], &hdr); err != nil {
		return nil, fmt.Errorf("crypto: decode frame header: %w", err)
	}

	payload := plaintext[4+hdrLen:]
	switch hdr.Compression {
	case compressionNone:
		if len(payload) != hdr.PayloadSize {
			return nil, fmt.Errorf("crypto: payload is %d bytes, header says %d", len(payload), hdr.PayloadSize)
		}
	case compressionZstd:
		zdec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("crypto: init zstd decoder: %w", err)
		}
		defer zdec.Close()
		payload, err = zdec.DecodeAll(payload, make([]byte, 0, hdr.PayloadSize))
		if err != nil {
			return nil, fmt.Errorf("crypto: decompress payload: %w", err)
		}
		if len(payload) != hdr.PayloadSize {
			return nil, fmt.Errorf("crypto: decompressed payload is %d bytes, header says %d", len(payload), hdr.PayloadSize)
		}
	default:
		return nil, fmt.Errorf("crypto: unknown payload compression %d", hdr.Compression)
	}

	return &types.Packet{
		DeviceID:       hdr.DeviceID,
		Timestamp:      hdr.Timestamp,
		DataType:       hdr.DataType,
		Payload:        payload,
		Metadata:       hdr.Metadata,
		SequenceNumber: hdr.SequenceNumber,
		SessionID:      hdr.SessionID,
	}, nil
}

// deriveEnvelopeKey computes the sender-side symmetric key: X25519 shared
// secret expanded through HKDF-SHA256.
func deriveEnvelopeKey(ephPriv, recipientPub, ephPub []byte) ([]byte, error) {
	shared, err := curve25519.X25519(ephPriv, recipientPub)
	if err != nil {
		return nil, fmt.Errorf("crypto: computing shared secret: %w", err)
	}
	return expandKey(shared, recipientPub, ephPub)
}

// expandKey derives the 32-byte AEAD key from the raw shared secret. The
// salt binds the derivation to both public keys, so the same secret used
// with different key pairs yields unrelated keys.
func expandKey(shared, recipientPub, ephPub []byte) ([]byte, error) {
	salt := make([]byte, 0, len(recipientPub)+len(ephPub))
	salt = append(salt, recipientPub...)
	salt = append(salt, ephPub...)

	reader := hkdf.New(sha256.New, shared, salt, hkdfInfoEnvelope)
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("crypto: HKDF key derivation failed: %w", err)
	}
	return key, nil
}
