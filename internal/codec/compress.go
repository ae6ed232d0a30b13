package codec

import (
	"bytes"
	"compress/gzip"
	"io"
)

// Compressor is a pluggable per-record payload compressor, selected by
// configuration name (spec.md §6 "compression").
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// noopCompressor is used for "" and "none".
type noopCompressor struct{}

func (noopCompressor) Compress(data []byte) ([]byte, error)   { return data, nil }
func (noopCompressor) Decompress(data []byte) ([]byte, error) { return data, nil }

// gzipCompressor backs the "LZ-UTF8" configuration name; see DESIGN.md for
// why gzip stands in for the vendor's bespoke UTF-16-safe LZ variant.
type gzipCompressor struct{}

func (gzipCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gzipCompressor) Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func resolveCompressor(name string) (Compressor, bool) {
	switch name {
	case "", "none":
		return noopCompressor{}, true
	case "LZ-UTF8":
		return gzipCompressor{}, true
	default:
		return nil, false
	}
}
