package snapshot

import (
	"bytes"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/gftdcojp/projection-cache/internal/types"
	"github.com/klauspost/compress/gzip"
)

// IsGzip reports whether data starts with the gzip magic bytes 0x1f 0x8b.
func IsGzip(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}

// LooksLikeBrotli reports whether the first byte of data decodes to a legal
// brotli window size (RFC 7932 section 9.1). Brotli streams carry no magic
// number, so this is approximate: most single bytes decode to some legal
// window, and plenty of non-brotli payloads pass. Callers must be ready to
// fall back when decoding fails.
func LooksLikeBrotli(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	b := data[0]
	if b&0x01 == 0 {
		return true // WBITS = 16
	}
	if (b>>1)&0x07 != 0 {
		return true // WBITS = 17 + n
	}
	n := (b >> 4) & 0x07
	// n == 1 is reserved (large-window marker), everything else is 17 or 10..15.
	return n != 1
}

func compress(data []byte, c types.Compression, level int) ([]byte, error) {
	var buf bytes.Buffer
	switch c {
	case types.CompressionNone, "":
		return data, nil
	case types.CompressionGzip:
		if level == 0 {
			level = gzip.DefaultCompression
		}
		w, err := gzip.NewWriterLevel(&buf, level)
		if err != nil {
			return nil, fmt.Errorf("gzip writer: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
	case types.CompressionBrotli:
		if level == 0 {
			level = brotli.DefaultCompression
		}
		w := brotli.NewWriterLevel(&buf, level)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("brotli: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("brotli: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown compression %q", c)
	}
	return buf.Bytes(), nil
}

func gunzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func unbrotli(data []byte) ([]byte, error) {
	return io.ReadAll(brotli.NewReader(bytes.NewReader(data)))
}

// decompress inspects raw and undoes whatever compression it finds. gzip is
// recognised by its magic bytes. Brotli is attempted when recorded says so or
// when the first byte passes LooksLikeBrotli. A payload that fails to decode
// as its recorded encoding is corrupt; any other decode failure means the
// bytes were stored uncompressed. recorded is empty when unknown.
func decompress(raw []byte, recorded types.Compression) ([]byte, types.Compression, error) {
	if IsGzip(raw) {
		out, err := gunzip(raw)
		if err == nil {
			return out, types.CompressionGzip, nil
		}
		if recorded == types.CompressionGzip {
			return nil, "", fmt.Errorf("%w: gzip: %v", ErrCorrupt, err)
		}
		return raw, types.CompressionNone, nil
	}
	if recorded == types.CompressionBrotli || LooksLikeBrotli(raw) {
		out, err := unbrotli(raw)
		if err == nil {
			return out, types.CompressionBrotli, nil
		}
		if recorded == types.CompressionBrotli {
			return nil, "", fmt.Errorf("%w: brotli: %v", ErrCorrupt, err)
		}
	}
	return raw, types.CompressionNone, nil
}
