// Package codec compresses upload payloads.
//
// The backend expects "deflate" bodies in the zlib framing (RFC 1950): a
// 2-byte header, the DEFLATE stream and an Adler-32 trailer. Edge devices ship
// their log archives gzip-framed (RFC 1952), which DecompressArchive reads.
package codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// Level matches the deflater level the analytics agents use.
const Level = 5

// MaxArchiveBytes bounds the decoded size of one log archive.
const MaxArchiveBytes = 32 << 20

type CorruptPayloadError struct {
	Format string
	Err    error
}

func (e *CorruptPayloadError) Error() string {
	return fmt.Sprintf("corrupt %s payload: %v", e.Format, e.Err)
}

func (e *CorruptPayloadError) Unwrap() error {
	return e.Err
}

// TooLargeError reports a payload that inflates past its limit.
type TooLargeError struct {
	Format string
	Limit  int64
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("%s payload inflates past %d bytes", e.Format, e.Limit)
}

func Compress(p []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, Level)
	if err != nil {
		return nil, fmt.Errorf("create zlib writer: %w", err)
	}
	if _, err := w.Write(p); err != nil {
		return nil, fmt.Errorf("zlib write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("zlib close: %w", err)
	}
	return buf.Bytes(), nil
}

func Decompress(p []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(p))
	if err != nil {
		return nil, &CorruptPayloadError{Format: "zlib", Err: err}
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, &CorruptPayloadError{Format: "zlib", Err: err}
	}
	return out, nil
}

func CompressArchive(p []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, Level)
	if err != nil {
		return nil, fmt.Errorf("create gzip writer: %w", err)
	}
	if _, err := w.Write(p); err != nil {
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

// DecompressArchive inflates a gzip archive of at most MaxArchiveBytes.
func DecompressArchive(p []byte) ([]byte, error) {
	return DecompressArchiveLimit(p, MaxArchiveBytes)
}

// DecompressArchiveLimit inflates a gzip archive, failing with
// *TooLargeError once the output passes limit bytes.
func DecompressArchiveLimit(p []byte, limit int64) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(p))
	if err != nil {
		return nil, &CorruptPayloadError{Format: "gzip", Err: err}
	}
	defer r.Close()
	out, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, &CorruptPayloadError{Format: "gzip", Err: err}
	}
	if int64(len(out)) > limit {
		return nil, &TooLargeError{Format: "gzip", Limit: limit}
	}
	return out, nil
}
