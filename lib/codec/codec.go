// Package codec serializes session snapshots into the opaque blobs both
// storage tiers hold. The pipeline on encode is JSON marshal, optional
// compression, optional authenticated encryption; decode inverts it, driven
// entirely by the envelope so configuration changes never strand stored
// data.
package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/luoarch/baileys-store-core-sub002/lib/authstate"
)

// Supported AEAD algorithms.
const (
	EncryptionSecretbox = "secretbox"
	EncryptionAESGCM    = "aes-256-gcm"
)

// Supported compression algorithms.
const (
	CompressionSnappy = "snappy"
	CompressionGzip   = "gzip"
	CompressionLZ4    = "lz4"
)

const (
	secretboxNonceSize = 24
	gcmNonceSize       = 12
)

var (
	errUnknownAlgorithm = errors.New("unknown algorithm")
	errOversizedPayload = errors.New("payload exceeds decode size cap")
)

// CompressionConfig selects the optional compression transform.
type CompressionConfig struct {
	Enabled   bool
	Algorithm string
}

// EncryptionConfig selects the optional AEAD transform. A keyring may be
// supplied with Enabled false to keep decoding previously encrypted blobs
// after encryption of new writes is switched off.
type EncryptionConfig struct {
	Enabled   bool
	Algorithm string
	Keyring   *Keyring
}

// Config configures a Codec.
type Config struct {
	Compression CompressionConfig
	Encryption  EncryptionConfig
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Compression.Enabled {
		if c.Compression.Algorithm == "" {
			c.Compression.Algorithm = CompressionSnappy
		}
		if _, ok := compressionCode(c.Compression.Algorithm); !ok {
			return trace.BadParameter("unsupported compression algorithm %q", c.Compression.Algorithm)
		}
	}
	if c.Encryption.Enabled {
		if c.Encryption.Algorithm == "" {
			c.Encryption.Algorithm = EncryptionSecretbox
		}
		switch c.Encryption.Algorithm {
		case EncryptionSecretbox, EncryptionAESGCM:
		default:
			return trace.BadParameter("unsupported encryption algorithm %q", c.Encryption.Algorithm)
		}
		if c.Encryption.Keyring == nil {
			return trace.BadParameter("encryption is enabled but no keyring is configured")
		}
	}
	return nil
}

// Codec encodes and decodes snapshots. Safe for concurrent use.
type Codec struct {
	cfg Config
}

// New creates a codec from the supplied config.
func New(cfg Config) (*Codec, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Codec{cfg: cfg}, nil
}

// Encode serializes a snapshot into an enveloped blob.
func (c *Codec) Encode(snapshot authstate.Snapshot) ([]byte, error) {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var schema byte
	if c.cfg.Compression.Enabled {
		code, _ := compressionCode(c.cfg.Compression.Algorithm)
		compressed, err := compress(c.cfg.Compression.Algorithm, payload)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		payload = compressed
		schema |= code << compressionShift
	}

	e := envelope{payload: payload}
	if c.cfg.Encryption.Enabled {
		key := c.cfg.Encryption.Keyring.Active()
		nonce, sealed, err := seal(c.cfg.Encryption.Algorithm, key, payload)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		schema |= flagEncrypted
		if c.cfg.Encryption.Algorithm == EncryptionAESGCM {
			schema |= cipherCodeAESGCM << cipherShift
		}
		e.keyID = key.ID
		e.nonce = nonce
		e.payload = sealed
	}
	e.schema = schema
	return e.encode(), nil
}

// Decode parses an enveloped blob back into a snapshot. The transforms
// applied come from the envelope, not from the current configuration.
func (c *Codec) Decode(blob []byte) (authstate.Snapshot, error) {
	e, err := parseEnvelope(blob)
	if err != nil {
		return authstate.Snapshot{}, trace.Wrap(err)
	}

	payload := e.payload
	if e.encrypted() {
		keyring := c.cfg.Encryption.Keyring
		if keyring == nil {
			return authstate.Snapshot{}, trace.Wrap(&EncryptionError{
				Op:  "decrypt",
				Err: errors.New("blob is encrypted but no keyring is configured"),
			})
		}
		key, ok := keyring.Lookup(e.keyID)
		if !ok {
			return authstate.Snapshot{}, trace.Wrap(&EncryptionError{
				Op:  "decrypt",
				Err: trace.NotFound("unknown or expired key id %q", e.keyID),
			})
		}
		payload, err = open(e.cipherCode(), key, e.nonce, e.payload)
		if err != nil {
			return authstate.Snapshot{}, trace.Wrap(err)
		}
	}

	if code := e.compressionCode(); code != compressionCodeNone {
		algorithm, ok := compressionAlgorithm(code)
		if !ok {
			return authstate.Snapshot{}, trace.BadParameter("unknown compression code %d", code)
		}
		payload, err = decompress(algorithm, payload)
		if err != nil {
			return authstate.Snapshot{}, trace.Wrap(err)
		}
	}

	var snapshot authstate.Snapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return authstate.Snapshot{}, trace.BadParameter("blob payload is not a snapshot: %v", err)
	}
	return snapshot, nil
}

func seal(algorithm string, key Key, plaintext []byte) (nonce, sealed []byte, err error) {
	switch algorithm {
	case EncryptionSecretbox:
		var n [secretboxNonceSize]byte
		if _, err := io.ReadFull(rand.Reader, n[:]); err != nil {
			return nil, nil, &EncryptionError{Op: "encrypt", Err: err}
		}
		return n[:], secretbox.Seal(nil, plaintext, &n, &key.Material), nil
	case EncryptionAESGCM:
		aead, err := newGCM(key)
		if err != nil {
			return nil, nil, err
		}
		n := make([]byte, gcmNonceSize)
		if _, err := io.ReadFull(rand.Reader, n); err != nil {
			return nil, nil, &EncryptionError{Op: "encrypt", Err: err}
		}
		return n, aead.Seal(nil, n, plaintext, nil), nil
	}
	return nil, nil, &EncryptionError{Op: "encrypt", Err: errUnknownAlgorithm}
}

func open(cipherCode byte, key Key, nonce, sealed []byte) ([]byte, error) {
	switch cipherCode {
	case cipherCodeSecretbox:
		if len(nonce) != secretboxNonceSize {
			return nil, &EncryptionError{Op: "decrypt", Err: errors.New("bad secretbox nonce length")}
		}
		var n [secretboxNonceSize]byte
		copy(n[:], nonce)
		out, ok := secretbox.Open(nil, sealed, &n, &key.Material)
		if !ok {
			return nil, &EncryptionError{Op: "decrypt", Err: errors.New("authentication failed")}
		}
		return out, nil
	case cipherCodeAESGCM:
		aead, err := newGCM(key)
		if err != nil {
			return nil, err
		}
		if len(nonce) != aead.NonceSize() {
			return nil, &EncryptionError{Op: "decrypt", Err: errors.New("bad gcm nonce length")}
		}
		out, err := aead.Open(nil, nonce, sealed, nil)
		if err != nil {
			return nil, &EncryptionError{Op: "decrypt", Err: err}
		}
		return out, nil
	}
	return nil, &EncryptionError{Op: "decrypt", Err: errUnknownAlgorithm}
}

func newGCM(key Key) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key.Material[:])
	if err != nil {
		return nil, &EncryptionError{Op: "encrypt", Err: err}
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, &EncryptionError{Op: "encrypt", Err: err}
	}
	return aead, nil
}
