// Package compr is the adaptive per-chunk compression pipeline used for
// UBIFS payloads: LZO1X-999, raw DEFLATE (no zlib header or trailer, the
// library's default level), or plain storage, with automatic fallback to
// plain storage whenever compression fails or does not shrink the data.
// The DEFLATE encoder uses the library's 32 KiB window; it is not narrowed
// to a 2 KiB (zlib window-bits 11) window.
package compr

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	lzo "github.com/rasky/go-lzo"
)

// Type tags the compression algorithm of a chunk.
type Type int

const (
	// None stores the chunk as-is.
	None Type = 0
	// LZO is LZO1X-999.
	LZO Type = 1
	// Deflate is raw deflate, no zlib header or trailer.
	Deflate Type = 2
)

func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case LZO:
		return "lzo"
	case Deflate:
		return "zlib"
	}
	return fmt.Sprintf("compr type %d", int(t))
}

// MinComprLen is the chunk size below which compression is not worth
// attempting.
const MinComprLen = 64

// CompressionError is a hard decompression failure.
type CompressionError struct {
	Algo Type
	Err  error
}

func (e *CompressionError) Error() string {
	return fmt.Sprintf("%s decompression: %v", e.Algo, e.Err)
}

func (e *CompressionError) Unwrap() error {
	return e.Err
}

// Compressor owns the scratch state of the pipeline. It is not
// reentrant; callers serialize access.
type Compressor struct {
	deflater *flate.Writer
	errCnt   uint64
}

// NewCompressor sets the pipeline up. Release with Close.
func NewCompressor() (*Compressor, error) {
	w, err := flate.NewWriter(io.Discard, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	return &Compressor{deflater: w}, nil
}

// Close tears the pipeline down. Genuine compressor errors absorbed into
// the plain-storage fallback during the session are reported here.
func (c *Compressor) Close(report func(msg string)) {
	if c.errCnt != 0 && report != nil {
		report(fmt.Sprintf("%d compression errors occurred", c.errCnt))
	}
}

// ErrCount returns how many genuine compressor errors were absorbed.
func (c *Compressor) ErrCount() uint64 {
	return c.errCnt
}

// Compress compresses buf with the requested algorithm. Chunks shorter
// than MinComprLen, compressor failures and grown output all fall back
// to plain storage. Returns the output bytes and the algorithm actually
// used.
func (c *Compressor) Compress(buf []byte, requested Type) ([]byte, Type) {
	if len(buf) < MinComprLen {
		return append([]byte(nil), buf...), None
	}

	var out []byte
	var err error
	switch requested {
	case LZO:
		out, err = c.lzoCompress(buf)
	case Deflate:
		out, err = c.deflateCompress(buf)
	case None:
		err = fmt.Errorf("compression not requested")
	default:
		c.errCnt++
		err = fmt.Errorf("unknown compression type %d", int(requested))
	}
	if err != nil || len(out) >= len(buf) {
		return append([]byte(nil), buf...), None
	}
	return out, requested
}

// Decompress is strict: a decoder error or an output size other than
// expectedLen is a hard error.
func (c *Compressor) Decompress(buf []byte, algo Type, expectedLen int) ([]byte, error) {
	var out []byte
	var err error
	switch algo {
	case None:
		out = append([]byte(nil), buf...)
	case LZO:
		out, err = lzo.Decompress1X(bytes.NewReader(buf), len(buf), expectedLen)
	case Deflate:
		fr := flate.NewReader(bytes.NewReader(buf))
		out, err = io.ReadAll(fr)
		if cerr := fr.Close(); err == nil {
			err = cerr
		}
	default:
		err = fmt.Errorf("unknown compression type %d", int(algo))
	}
	if err != nil {
		return nil, &CompressionError{Algo: algo, Err: err}
	}
	if len(out) != expectedLen {
		return nil, &CompressionError{Algo: algo, Err: fmt.Errorf("got %d bytes, expected %d", len(out), expectedLen)}
	}
	return out, nil
}

func (c *Compressor) lzoCompress(buf []byte) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.errCnt++
			out, err = nil, fmt.Errorf("lzo1x_999: %v", r)
		}
	}()
	return lzo.Compress1X999(buf), nil
}

func (c *Compressor) deflateCompress(buf []byte) ([]byte, error) {
	var b bytes.Buffer
	c.deflater.Reset(&b)
	if _, err := c.deflater.Write(buf); err != nil {
		c.errCnt++
		return nil, err
	}
	if err := c.deflater.Close(); err != nil {
		c.errCnt++
		return nil, err
	}
	return b.Bytes(), nil
}
