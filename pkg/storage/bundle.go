package storage

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// MaxPacketSize bounds the decoded size of a packet. Larger lengths in a
// header are treated as corruption.
const MaxPacketSize = 1 << 30

// PacketEncoding is the compression applied to one packet.
type PacketEncoding int

const (
	PacketEncodingNone PacketEncoding = iota
	PacketEncodingZstd
)

// BlobType names the schema of an exported node.
type BlobType struct {
	Name    string
	Version int
}

// BundleExport is one logical node inside a bundle: a byte range of a
// decoded packet plus its content hash.
type BundleExport struct {
	TypeIdx int
	Hash    Hash
	Packet  int
	Offset  int
	Length  int
}

// BundlePacket describes one compressed region of the payload.
type BundlePacket struct {
	Encoding      PacketEncoding
	Offset        int
	EncodedLength int
	DecodedLength int
}

// BundleHeader lists what a bundle contains and which bundles it imports.
// Imports keep their written order, duplicates included.
type BundleHeader struct {
	Types   []BlobType
	Imports []BlobLocator
	Exports []BundleExport
	Packets []BundlePacket
}

// Bundle is the immutable unit of storage.
type Bundle struct {
	Header  BundleHeader
	Payload []byte
}

// ReadExport decodes the packet holding export i and returns its bytes.
func (b *Bundle) ReadExport(i int) ([]byte, error) {
	if i < 0 || i >= len(b.Header.Exports) {
		return nil, fmt.Errorf("export %d out of range (%d exports)", i, len(b.Header.Exports))
	}
	export := b.Header.Exports[i]
	if export.Packet < 0 || export.Packet >= len(b.Header.Packets) {
		return nil, fmt.Errorf("%w: export %d references packet %d", ErrCorrupt, i, export.Packet)
	}
	packet, err := b.decodePacket(export.Packet)
	if err != nil {
		return nil, err
	}
	if !inRange(export.Offset, export.Length, len(packet)) {
		return nil, fmt.Errorf("%w: export %d range %d+%d exceeds packet length %d", ErrCorrupt, i, export.Offset, export.Length, len(packet))
	}
	data := packet[export.Offset : export.Offset+export.Length]
	if ComputeHash(data) != export.Hash {
		return nil, fmt.Errorf("%w: export %d hash mismatch", ErrCorrupt, i)
	}
	return data, nil
}

func (b *Bundle) decodePacket(idx int) ([]byte, error) {
	p := b.Header.Packets[idx]
	if !inRange(p.Offset, p.EncodedLength, len(b.Payload)) {
		return nil, fmt.Errorf("%w: packet %d exceeds payload", ErrCorrupt, idx)
	}
	if p.DecodedLength < 0 || p.DecodedLength > MaxPacketSize {
		return nil, fmt.Errorf("%w: packet %d has decoded length %d", ErrCorrupt, idx, p.DecodedLength)
	}
	raw := b.Payload[p.Offset : p.Offset+p.EncodedLength]
	switch p.Encoding {
	case PacketEncodingNone:
		return raw, nil
	case PacketEncodingZstd:
		out, err := zstdDecoder().DecodeAll(raw, make([]byte, 0, p.DecodedLength))
		if err != nil {
			return nil, fmt.Errorf("%w: packet %d: %v", ErrCorrupt, idx, err)
		}
		if len(out) != p.DecodedLength {
			return nil, fmt.Errorf("%w: packet %d decoded to %d bytes, want %d", ErrCorrupt, idx, len(out), p.DecodedLength)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: packet %d has unknown encoding %d", ErrCorrupt, idx, p.Encoding)
	}
}

// inRange reports whether [offset, offset+length) lies within size bytes
// without overflowing.
func inRange(offset, length, size int) bool {
	return offset >= 0 && length >= 0 && offset <= size && length <= size-offset
}

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
)

// EncodeAll and DecodeAll are safe for concurrent use, so one coder pair is
// shared by every bundle.
func initZstd() {
	var err error
	zstdEnc, err = zstd.NewWriter(nil)
	if err != nil {
		panic(fmt.Sprintf("zstd encoder: %v", err))
	}
	zstdDec, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("zstd decoder: %v", err))
	}
}

func zstdEncoder() *zstd.Encoder {
	zstdOnce.Do(initZstd)
	return zstdEnc
}

func zstdDecoder() *zstd.Decoder {
	zstdOnce.Do(initZstd)
	return zstdDec
}

// DefaultMaxPacketSize is the decoded size at which the builder starts a new packet.
const DefaultMaxPacketSize = 256 * 1024

// BundleBuilder packs exports into compressed packets.
type BundleBuilder struct {
	MaxPacketSize int
	Encoding      PacketEncoding

	header  BundleHeader
	payload bytes.Buffer
	current bytes.Buffer
	pending []int
}

// NewBundleBuilder returns a builder producing zstd packets.
func NewBundleBuilder() *BundleBuilder {
	return &BundleBuilder{MaxPacketSize: DefaultMaxPacketSize, Encoding: PacketEncodingZstd}
}

// AddType registers a blob type and returns its index. Repeated types share
// one index.
func (b *BundleBuilder) AddType(t BlobType) int {
	for i, existing := range b.header.Types {
		if existing == t {
			return i
		}
	}
	b.header.Types = append(b.header.Types, t)
	return len(b.header.Types) - 1
}

// AddImport records a dependency on another bundle. Order and duplicates are
// preserved.
func (b *BundleBuilder) AddImport(loc BlobLocator) int {
	b.header.Imports = append(b.header.Imports, loc)
	return len(b.header.Imports) - 1
}

// AddExport appends a node and returns its export index.
func (b *BundleBuilder) AddExport(typeIdx int, data []byte) int {
	if b.current.Len() > 0 && b.current.Len()+len(data) > b.MaxPacketSize {
		b.flush()
	}
	b.header.Exports = append(b.header.Exports, BundleExport{
		TypeIdx: typeIdx,
		Hash:    ComputeHash(data),
		Offset:  b.current.Len(),
		Length:  len(data),
	})
	b.pending = append(b.pending, len(b.header.Exports)-1)
	b.current.Write(data)
	return len(b.header.Exports) - 1
}

func (b *BundleBuilder) flush() {
	if b.current.Len() == 0 && len(b.pending) == 0 {
		return
	}
	raw := b.current.Bytes()
	encoded := raw
	if b.Encoding == PacketEncodingZstd {
		encoded = zstdEncoder().EncodeAll(raw, nil)
	}
	packetIdx := len(b.header.Packets)
	b.header.Packets = append(b.header.Packets, BundlePacket{
		Encoding:      b.Encoding,
		Offset:        b.payload.Len(),
		EncodedLength: len(encoded),
		DecodedLength: len(raw),
	})
	b.payload.Write(encoded)
	for _, i := range b.pending {
		b.header.Exports[i].Packet = packetIdx
	}
	b.pending = b.pending[:0]
	b.current.Reset()
}

// Build finishes the bundle. The builder must not be reused.
func (b *BundleBuilder) Build() *Bundle {
	b.flush()
	return &Bundle{Header: b.header, Payload: append([]byte(nil), b.payload.Bytes()...)}
}
