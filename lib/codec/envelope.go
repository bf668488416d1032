package codec

import (
	"github.com/gravitational/trace"
)

// Blob envelope, written in front of every encoded snapshot:
//
//	schema:u8 | keyIdLen:u8 | keyId | nonceLen:u8 | nonce | payload
//
// The schema byte encodes which transforms are active and the envelope
// format version:
//
//	bit  0    payload is encrypted
//	bits 1-2  compression algorithm (0 none, 1 snappy, 2 gzip, 3 lz4)
//	bit  3    cipher (0 secretbox, 1 aes-256-gcm), meaningful when bit 0 set
//	bits 4-7  format version, currently 0
//
// Envelopes are written even when both transforms are off so that storage
// never has to sniff formats and a config change never strands old data.
const (
	flagEncrypted byte = 1 << 0

	compressionShift      = 1
	compressionMask  byte = 0b11 << compressionShift

	cipherShift      = 3
	cipherMask  byte = 1 << cipherShift

	versionShift      = 4
	versionMask  byte = 0b1111 << versionShift
)

const (
	compressionCodeNone byte = iota
	compressionCodeSnappy
	compressionCodeGzip
	compressionCodeLZ4
)

const (
	cipherCodeSecretbox byte = iota
	cipherCodeAESGCM
)

type envelope struct {
	schema  byte
	keyID   string
	nonce   []byte
	payload []byte
}

func (e envelope) encrypted() bool {
	return e.schema&flagEncrypted != 0
}

func (e envelope) compressionCode() byte {
	return (e.schema & compressionMask) >> compressionShift
}

func (e envelope) cipherCode() byte {
	return (e.schema & cipherMask) >> cipherShift
}

func (e envelope) encode() []byte {
	out := make([]byte, 0, 3+len(e.keyID)+len(e.nonce)+len(e.payload))
	out = append(out, e.schema)
	out = append(out, byte(len(e.keyID)))
	out = append(out, e.keyID...)
	out = append(out, byte(len(e.nonce)))
	out = append(out, e.nonce...)
	out = append(out, e.payload...)
	return out
}

func parseEnvelope(blob []byte) (envelope, error) {
	if len(blob) < 3 {
		return envelope{}, trace.BadParameter("blob too short to carry an envelope (%d bytes)", len(blob))
	}
	e := envelope{schema: blob[0]}
	if v := (e.schema & versionMask) >> versionShift; v != 0 {
		return envelope{}, trace.BadParameter("unsupported blob envelope version %d", v)
	}
	rest := blob[1:]

	keyLen := int(rest[0])
	rest = rest[1:]
	if len(rest) < keyLen+1 {
		return envelope{}, trace.BadParameter("blob truncated inside key id")
	}
	e.keyID = string(rest[:keyLen])
	rest = rest[keyLen:]

	nonceLen := int(rest[0])
	rest = rest[1:]
	if len(rest) < nonceLen {
		return envelope{}, trace.BadParameter("blob truncated inside nonce")
	}
	e.nonce = rest[:nonceLen]
	e.payload = rest[nonceLen:]
	return e, nil
}
