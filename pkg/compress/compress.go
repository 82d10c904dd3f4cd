// Package compress implements the sync and streaming compression codecs
// (zstd, bzip2, gzip) used by the blob storage façade, with a decompression
// size cap enforced during streaming so a crafted archive cannot be used as
// a decompression bomb.
package compress

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/cuemby/docsrs-core/pkg/ctlerr"
	"github.com/cuemby/docsrs-core/pkg/types"
	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/zstd"
)

// Compress encodes data with the given algorithm. CompressionNone returns
// data unchanged.
func Compress(data []byte, alg types.CompressionAlgorithm) ([]byte, error) {
	var buf bytes.Buffer
	w, err := newEncoder(&buf, alg)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return data, nil
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compress: close: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress decodes data with the given algorithm, failing with a
// ctlerr.SizeLimit error if the decompressed output would exceed maxSize.
// The check happens while streaming, not after the fact, so a crafted input
// cannot force an unbounded allocation before being rejected.
func Decompress(data []byte, alg types.CompressionAlgorithm, maxSize int64) ([]byte, error) {
	r, err := NewDecoder(bytes.NewReader(data), alg)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	limited := &limitedReader{r: r, limit: maxSize}
	out, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// newEncoder returns a streaming WriteCloser for the given algorithm, or nil
// (with a nil error) for CompressionNone.
func newEncoder(w io.Writer, alg types.CompressionAlgorithm) (io.WriteCloser, error) {
	switch alg {
	case types.CompressionNone:
		return nil, nil
	case types.CompressionZstd:
		enc, err := zstd.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		return enc, nil
	case types.CompressionBzip2:
		enc, err := bzip2.NewWriter(w, nil)
		if err != nil {
			return nil, fmt.Errorf("bzip2 encoder: %w", err)
		}
		return enc, nil
	case types.CompressionGzip:
		return gzip.NewWriter(w), nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm %s", alg)
	}
}

// NewDecoder returns a streaming ReadCloser for the given algorithm.
// CompressionNone wraps r in a no-op ReadCloser.
func NewDecoder(r io.Reader, alg types.CompressionAlgorithm) (io.ReadCloser, error) {
	switch alg {
	case types.CompressionNone:
		return io.NopCloser(r), nil
	case types.CompressionZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("zstd decoder: %w", err)
		}
		return &zstdReadCloser{dec}, nil
	case types.CompressionBzip2:
		dec, err := bzip2.NewReader(r, nil)
		if err != nil {
			return nil, fmt.Errorf("bzip2 decoder: %w", err)
		}
		return dec, nil
	case types.CompressionGzip:
		return gzip.NewReader(r)
	default:
		return nil, fmt.Errorf("unsupported compression algorithm %s", alg)
	}
}

// zstdReadCloser adapts *zstd.Decoder (which has a non-error-returning
// Close) to io.ReadCloser.
type zstdReadCloser struct {
	dec *zstd.Decoder
}

func (z *zstdReadCloser) Read(p []byte) (int, error) { return z.dec.Read(p) }
func (z *zstdReadCloser) Close() error                { z.dec.Close(); return nil }

// LimitReader wraps r so reading past limit bytes fails with ctlerr.SizeLimit
// instead of silently truncating — used anywhere a caller-supplied max_size
// must be enforced during streaming (decompression or a plain ranged read).
// A negative limit disables the check.
func LimitReader(r io.Reader, limit int64) io.Reader {
	return &limitedReader{r: r, limit: limit}
}

// limitedReader wraps a Reader and fails with ctlerr.SizeLimit the instant
// more than limit bytes have been read, rather than after the full buffer
// has been materialized.
type limitedReader struct {
	r       io.Reader
	limit   int64
	read    int64
	checked bool // whether we've already confirmed EOF just past the limit
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.limit < 0 {
		return l.r.Read(p)
	}
	if l.read >= l.limit {
		if l.checked {
			return 0, io.EOF
		}
		// We've delivered exactly `limit` bytes. One more byte existing
		// means the true output exceeds the cap.
		var probe [1]byte
		pn, _ := l.r.Read(probe[:])
		l.checked = true
		if pn > 0 {
			return 0, ctlerr.New(ctlerr.SizeLimit, "decompressed output exceeds configured max size", nil)
		}
		return 0, io.EOF
	}
	remaining := l.limit - l.read
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := l.r.Read(p)
	l.read += int64(n)
	return n, err
}
