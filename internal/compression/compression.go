// Package compression compresses the record payloads carried by export
// streams.
//
// Every frame of an export stream names the codec its payload was written
// with, so a single stream may mix codecs and an importer never needs to be
// told which one to use.
package compression

import (
	"bytes"
	"compress/zlib"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Type identifies a codec. The numeric values are stored in export frames.
type Type uint8

const (
	None   Type = 0x0
	Snappy Type = 0x1
	Zlib   Type = 0x2
	LZ4    Type = 0x4
	Zstd   Type = 0x7
)

// ErrUnsupported is returned for a codec byte this package does not know.
var ErrUnsupported = errors.New("compression: unsupported type")

var names = map[Type]string{
	None:   "none",
	Snappy: "snappy",
	Zlib:   "zlib",
	LZ4:    "lz4",
	Zstd:   "zstd",
}

func (t Type) String() string {
	if n, ok := names[t]; ok {
		return n
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// Valid reports whether t is a codec this package implements.
func (t Type) Valid() bool {
	_, ok := names[t]
	return ok
}

// ParseType maps a codec name, as accepted on the command line, to its Type.
func ParseType(s string) (Type, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, n := range names {
		if n == s {
			return t, nil
		}
	}
	return None, fmt.Errorf("%w: %q", ErrUnsupported, s)
}

// Zstd encoders and decoders are safe for concurrent EncodeAll/DecodeAll
// calls and expensive to build, so one of each is shared.
var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil)
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

// Compress returns data encoded with codec t. None returns data unchanged.
func Compress(t Type, data []byte) ([]byte, error) {
	switch t {
	case None:
		return data, nil
	case Snappy:
		return snappy.Encode(nil, data), nil
	case Zlib:
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("zlib write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("zlib close: %w", err)
		}
		return buf.Bytes(), nil
	case LZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if err := w.Apply(lz4.CompressionLevelOption(lz4.Fast)); err != nil {
			return nil, fmt.Errorf("lz4 apply level: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("lz4 write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("lz4 close: %w", err)
		}
		return buf.Bytes(), nil
	case Zstd:
		enc, _, err := zstdCodecs()
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		return enc.EncodeAll(data, nil), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, t)
	}
}

// Decompress reverses Compress.
func Decompress(t Type, data []byte) ([]byte, error) {
	switch t {
	case None:
		return data, nil
	case Snappy:
		return snappy.Decode(nil, data)
	case Zlib:
		r, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("zlib decompress: %w", err)
		}
		defer func() { _ = r.Close() }()
		return io.ReadAll(r)
	case LZ4:
		return io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	case Zstd:
		_, dec, err := zstdCodecs()
		if err != nil {
			return nil, fmt.Errorf("zstd decoder: %w", err)
		}
		return dec.DecodeAll(data, nil)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, t)
	}
}
