package stream

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// MaxFrameSize bounds a decompressed frame.
const MaxFrameSize = 32 << 20

var (
	gzipMagic   = []byte{0x1f, 0x8b}
	zstdMagic   = []byte{0x28, 0xb5, 0x2f, 0xfd}
	snappyMagic = []byte("\xff\x06\x00\x00sNaPpY")
)

// ErrFrameTooLarge is returned when a frame inflates past MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// Codec names the detected payload encoding.
type Codec string

const (
	CodecPlain  Codec = "plain"
	CodecGzip   Codec = "gzip"
	CodecZstd   Codec = "zstd"
	CodecSnappy Codec = "snappy"
	CodecBrotli Codec = "brotli"
)

// Detect guesses the encoding from the leading bytes. Brotli has no magic
// number, so it is the fallback for anything unrecognized.
func Detect(payload []byte) Codec {
	trimmed := bytes.TrimLeft(payload, " \t\r\n")
	switch {
	case len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '['):
		return CodecPlain
	case bytes.HasPrefix(payload, gzipMagic):
		return CodecGzip
	case bytes.HasPrefix(payload, zstdMagic):
		return CodecZstd
	case bytes.HasPrefix(payload, snappyMagic):
		return CodecSnappy
	default:
		return CodecBrotli
	}
}

// Decompress returns the plain JSON bytes of a frame.
func Decompress(payload []byte) ([]byte, Codec, error) {
	codec := Detect(payload)
	var (
		r   io.Reader
		err error
	)
	switch codec {
	case CodecPlain:
		return payload, codec, nil
	case CodecGzip:
		var gz *gzip.Reader
		gz, err = gzip.NewReader(bytes.NewReader(payload))
		if err == nil {
			defer gz.Close()
			r = gz
		}
	case CodecZstd:
		var zr *zstd.Decoder
		zr, err = zstd.NewReader(bytes.NewReader(payload), zstd.WithDecoderMaxMemory(MaxFrameSize))
		if err == nil {
			defer zr.Close()
			r = zr
		}
	case CodecSnappy:
		r = snappy.NewReader(bytes.NewReader(payload))
	case CodecBrotli:
		r = brotli.NewReader(bytes.NewReader(payload))
	}
	if err != nil {
		return nil, codec, fmt.Errorf("open %s reader: %w", codec, err)
	}

	out, err := io.ReadAll(io.LimitReader(r, MaxFrameSize+1))
	if err != nil {
		return nil, codec, fmt.Errorf("decompress %s: %w", codec, err)
	}
	if len(out) > MaxFrameSize {
		return nil, codec, ErrFrameTooLarge
	}
	return out, codec, nil
}
