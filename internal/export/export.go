// Package export reads and writes the portable record stream produced by
// gapdump export.
//
// A stream is a sequence of msgpack values: one Header followed by one
// frame per exported record. Each frame carries the record number, the
// codec its payload was compressed with, the uncompressed length and a
// masked CRC32C of the uncompressed bytes.
package export

import (
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/staden/gapdb/internal/checksum"
	"github.com/staden/gapdb/internal/compression"
)

// Magic identifies an export stream.
const Magic = "gapdb-export"

// Version is the stream version written by this package.
const Version = 1

var (
	// ErrBadStream is returned for a stream that does not start with a
	// valid header.
	ErrBadStream = errors.New("export: not an export stream")

	// ErrChecksum is returned for a frame whose payload does not match its
	// checksum.
	ErrChecksum = errors.New("export: frame checksum mismatch")
)

// Header describes the store a stream was exported from.
type Header struct {
	Magic      string `msgpack:"magic"`
	Version    int    `msgpack:"version"`
	BlockSize  int32  `msgpack:"block_size"`
	Format     uint8  `msgpack:"format"`
	NumRecords int32  `msgpack:"num_records"`
	Codec      uint8  `msgpack:"codec"`
}

// Record is one exported record.
type Record struct {
	Rec  int32
	Data []byte
}

type frame struct {
	Rec   int32  `msgpack:"r"`
	Codec uint8  `msgpack:"c"`
	Size  int32  `msgpack:"n"`
	CRC   uint32 `msgpack:"k"`
	Data  []byte `msgpack:"d"`
}

// Writer writes an export stream.
type Writer struct {
	enc   *msgpack.Encoder
	codec compression.Type
	count int
	bytes int64
}

// NewWriter writes h to w and returns a Writer that compresses records with
// codec.
func NewWriter(w io.Writer, h Header, codec compression.Type) (*Writer, error) {
	if !codec.Valid() {
		return nil, fmt.Errorf("%w: %s", compression.ErrUnsupported, codec)
	}
	h.Magic = Magic
	h.Version = Version
	h.Codec = uint8(codec)
	enc := msgpack.NewEncoder(w)
	if err := enc.Encode(&h); err != nil {
		return nil, fmt.Errorf("export: write header: %w", err)
	}
	return &Writer{enc: enc, codec: codec}, nil
}

// Write appends record rec.
func (w *Writer) Write(rec int32, data []byte) error {
	payload, err := compression.Compress(w.codec, data)
	if err != nil {
		return fmt.Errorf("export: record %d: %w", rec, err)
	}
	codec := w.codec
	// Incompressible payloads are stored as is.
	if codec != compression.None && len(payload) >= len(data) {
		payload, codec = data, compression.None
	}
	f := frame{
		Rec:   rec,
		Codec: uint8(codec),
		Size:  int32(len(data)),
		CRC:   checksum.MaskedValue(data),
		Data:  payload,
	}
	if err := w.enc.Encode(&f); err != nil {
		return fmt.Errorf("export: record %d: %w", rec, err)
	}
	w.count++
	w.bytes += int64(len(data))
	return nil
}

// Count returns the number of records and uncompressed bytes written.
func (w *Writer) Count() (int, int64) { return w.count, w.bytes }

// Reader reads an export stream.
type Reader struct {
	dec    *msgpack.Decoder
	header Header
}

// NewReader reads and validates the stream header.
func NewReader(r io.Reader) (*Reader, error) {
	dec := msgpack.NewDecoder(r)
	var h Header
	if err := dec.Decode(&h); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadStream, err)
	}
	if h.Magic != Magic {
		return nil, fmt.Errorf("%w: magic %q", ErrBadStream, h.Magic)
	}
	if h.Version != Version {
		return nil, fmt.Errorf("%w: version %d", ErrBadStream, h.Version)
	}
	return &Reader{dec: dec, header: h}, nil
}

// Header returns the stream header.
func (r *Reader) Header() Header { return r.header }

// Next returns the next record, or io.EOF after the last one.
func (r *Reader) Next() (Record, error) {
	var f frame
	if err := r.dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("export: read frame: %w", err)
	}
	data, err := compression.Decompress(compression.Type(f.Codec), f.Data)
	if err != nil {
		return Record{}, fmt.Errorf("export: record %d: %w", f.Rec, err)
	}
	if int32(len(data)) != f.Size {
		return Record{}, fmt.Errorf("%w: record %d is %d bytes, frame says %d", ErrChecksum, f.Rec, len(data), f.Size)
	}
	if got := checksum.MaskedValue(data); got != f.CRC {
		return Record{}, fmt.Errorf("%w: record %d: got %#x, want %#x", ErrChecksum, f.Rec, got, f.CRC)
	}
	return Record{Rec: f.Rec, Data: data}, nil
}
