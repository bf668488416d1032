package codec

import (
	"errors"
	"fmt"
)

// EncryptionError reports an AEAD failure: authentication-tag mismatch,
// unknown or expired key id, or missing key material. Treated as permanent;
// retrying cannot help.
type EncryptionError struct {
	// Op is "encrypt" or "decrypt".
	Op string
	// Err is the underlying cause.
	Err error
}

func (e *EncryptionError) Error() string {
	return fmt.Sprintf("encryption error during %s: %v", e.Op, e.Err)
}

func (e *EncryptionError) Unwrap() error {
	return e.Err
}

// IsEncryptionError reports whether err is (or wraps) an EncryptionError.
func IsEncryptionError(err error) bool {
	var target *EncryptionError
	return errors.As(err, &target)
}

// CompressionError reports a failure to compress or decompress a payload.
type CompressionError struct {
	// Op is "compress" or "decompress".
	Op string
	// Algorithm is the codec involved.
	Algorithm string
	// Err is the underlying cause.
	Err error
}

func (e *CompressionError) Error() string {
	return fmt.Sprintf("compression error during %s (%s): %v", e.Op, e.Algorithm, e.Err)
}

func (e *CompressionError) Unwrap() error {
	return e.Err
}

// IsCompressionError reports whether err is (or wraps) a CompressionError.
func IsCompressionError(err error) bool {
	var target *CompressionError
	return errors.As(err, &target)
}
