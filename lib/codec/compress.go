package codec

import (
	"bytes"
	"compress/gzip"
	"io"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4/v4"
)

// maxDecodedSize caps decompression output. Snapshots are at most a few
// megabytes; anything larger is a corrupt or hostile payload.
const maxDecodedSize = 64 << 20

func compress(algorithm string, data []byte) ([]byte, error) {
	switch algorithm {
	case CompressionSnappy:
		return snappy.Encode(nil, data), nil
	case CompressionGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, &CompressionError{Op: "compress", Algorithm: algorithm, Err: err}
		}
		if err := w.Close(); err != nil {
			return nil, &CompressionError{Op: "compress", Algorithm: algorithm, Err: err}
		}
		return buf.Bytes(), nil
	case CompressionLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, &CompressionError{Op: "compress", Algorithm: algorithm, Err: err}
		}
		if err := w.Close(); err != nil {
			return nil, &CompressionError{Op: "compress", Algorithm: algorithm, Err: err}
		}
		return buf.Bytes(), nil
	}
	return nil, &CompressionError{Op: "compress", Algorithm: algorithm, Err: errUnknownAlgorithm}
}

func decompress(algorithm string, data []byte) ([]byte, error) {
	switch algorithm {
	case CompressionSnappy:
		if n, err := snappy.DecodedLen(data); err != nil || n > maxDecodedSize {
			return nil, &CompressionError{Op: "decompress", Algorithm: algorithm, Err: errOversizedPayload}
		}
		out, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, &CompressionError{Op: "decompress", Algorithm: algorithm, Err: err}
		}
		return out, nil
	case CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, &CompressionError{Op: "decompress", Algorithm: algorithm, Err: err}
		}
		defer r.Close()
		return readCapped(r, algorithm)
	case CompressionLZ4:
		return readCapped(lz4.NewReader(bytes.NewReader(data)), algorithm)
	}
	return nil, &CompressionError{Op: "decompress", Algorithm: algorithm, Err: errUnknownAlgorithm}
}

func readCapped(r io.Reader, algorithm string) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, maxDecodedSize+1))
	if err != nil {
		return nil, &CompressionError{Op: "decompress", Algorithm: algorithm, Err: err}
	}
	if len(out) > maxDecodedSize {
		return nil, &CompressionError{Op: "decompress", Algorithm: algorithm, Err: errOversizedPayload}
	}
	return out, nil
}

func compressionCode(algorithm string) (byte, bool) {
	switch algorithm {
	case CompressionSnappy:
		return compressionCodeSnappy, true
	case CompressionGzip:
		return compressionCodeGzip, true
	case CompressionLZ4:
		return compressionCodeLZ4, true
	}
	return compressionCodeNone, false
}

func compressionAlgorithm(code byte) (string, bool) {
	switch code {
	case compressionCodeSnappy:
		return CompressionSnappy, true
	case compressionCodeGzip:
		return CompressionGzip, true
	case compressionCodeLZ4:
		return CompressionLZ4, true
	}
	return "", false
}
