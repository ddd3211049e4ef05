package storage

import (
	"bytes"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Encoded bundle layout: magic, varint header length, protowire header,
// payload bytes.
var bundleMagic = []byte("HBN1")

// Header field numbers.
const (
	fieldTypes   protowire.Number = 1
	fieldImports protowire.Number = 2
	fieldExports protowire.Number = 3
	fieldPackets protowire.Number = 4
)

// EncodeBundle serializes a bundle for a backend.
func EncodeBundle(b *Bundle) []byte {
	header := EncodeHeader(&b.Header)
	out := make([]byte, 0, len(bundleMagic)+protowire.SizeVarint(uint64(len(header)))+len(header)+len(b.Payload))
	out = append(out, bundleMagic...)
	out = protowire.AppendVarint(out, uint64(len(header)))
	out = append(out, header...)
	return append(out, b.Payload...)
}

// DecodeBundle parses the output of EncodeBundle.
func DecodeBundle(data []byte) (*Bundle, error) {
	header, rest, err := splitBundle(data)
	if err != nil {
		return nil, err
	}
	h, err := DecodeHeader(header)
	if err != nil {
		return nil, err
	}
	return &Bundle{Header: *h, Payload: append([]byte(nil), rest...)}, nil
}

// DecodeBundleHeader parses only the header, which is all GC needs.
func DecodeBundleHeader(data []byte) (*BundleHeader, error) {
	header, _, err := splitBundle(data)
	if err != nil {
		return nil, err
	}
	return DecodeHeader(header)
}

func splitBundle(data []byte) (header, payload []byte, err error) {
	if !bytes.HasPrefix(data, bundleMagic) {
		return nil, nil, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	data = data[len(bundleMagic):]
	size, n := protowire.ConsumeVarint(data)
	if n < 0 {
		return nil, nil, fmt.Errorf("%w: header length: %v", ErrCorrupt, protowire.ParseError(n))
	}
	data = data[n:]
	if uint64(len(data)) < size {
		return nil, nil, fmt.Errorf("%w: truncated header", ErrCorrupt)
	}
	return data[:size], data[size:], nil
}

// EncodeHeader writes the header as protobuf wire fields.
func EncodeHeader(h *BundleHeader) []byte {
	var b []byte
	for _, t := range h.Types {
		var m []byte
		m = protowire.AppendTag(m, 1, protowire.BytesType)
		m = protowire.AppendString(m, t.Name)
		m = protowire.AppendTag(m, 2, protowire.VarintType)
		m = protowire.AppendVarint(m, uint64(t.Version))
		b = protowire.AppendTag(b, fieldTypes, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	for _, loc := range h.Imports {
		b = protowire.AppendTag(b, fieldImports, protowire.BytesType)
		b = protowire.AppendString(b, loc.String())
	}
	for _, e := range h.Exports {
		var m []byte
		m = protowire.AppendTag(m, 1, protowire.VarintType)
		m = protowire.AppendVarint(m, uint64(e.TypeIdx))
		m = protowire.AppendTag(m, 2, protowire.BytesType)
		m = protowire.AppendBytes(m, e.Hash[:])
		m = protowire.AppendTag(m, 3, protowire.VarintType)
		m = protowire.AppendVarint(m, uint64(e.Packet))
		m = protowire.AppendTag(m, 4, protowire.VarintType)
		m = protowire.AppendVarint(m, uint64(e.Offset))
		m = protowire.AppendTag(m, 5, protowire.VarintType)
		m = protowire.AppendVarint(m, uint64(e.Length))
		b = protowire.AppendTag(b, fieldExports, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	for _, p := range h.Packets {
		var m []byte
		m = protowire.AppendTag(m, 1, protowire.VarintType)
		m = protowire.AppendVarint(m, uint64(p.Encoding))
		m = protowire.AppendTag(m, 2, protowire.VarintType)
		m = protowire.AppendVarint(m, uint64(p.Offset))
		m = protowire.AppendTag(m, 3, protowire.VarintType)
		m = protowire.AppendVarint(m, uint64(p.EncodedLength))
		m = protowire.AppendTag(m, 4, protowire.VarintType)
		m = protowire.AppendVarint(m, uint64(p.DecodedLength))
		b = protowire.AppendTag(b, fieldPackets, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	return b
}

// DecodeHeader parses a header written by EncodeHeader. Unknown fields are
// skipped.
func DecodeHeader(b []byte) (*BundleHeader, error) {
	h := &BundleHeader{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, value []byte, v uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case fieldTypes:
			t, err := decodeType(value)
			if err != nil {
				return err
			}
			h.Types = append(h.Types, t)
		case fieldImports:
			loc, err := ParseBlobLocator(string(value))
			if err != nil {
				return err
			}
			h.Imports = append(h.Imports, loc)
		case fieldExports:
			e, err := decodeExport(value)
			if err != nil {
				return err
			}
			h.Exports = append(h.Exports, e)
		case fieldPackets:
			p, err := decodePacketInfo(value)
			if err != nil {
				return err
			}
			h.Packets = append(h.Packets, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

func decodeType(b []byte) (BlobType, error) {
	var t BlobType
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, value []byte, v uint64) error {
		switch {
		case num == 1 && typ == protowire.BytesType:
			t.Name = string(value)
		case num == 2 && typ == protowire.VarintType:
			t.Version = int(v)
		}
		return nil
	})
	return t, err
}

func decodeExport(b []byte) (BundleExport, error) {
	var e BundleExport
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, value []byte, v uint64) error {
		switch {
		case num == 1 && typ == protowire.VarintType:
			return setLength(&e.TypeIdx, v)
		case num == 2 && typ == protowire.BytesType:
			if len(value) != len(e.Hash) {
				return fmt.Errorf("%w: export hash has %d bytes", ErrCorrupt, len(value))
			}
			copy(e.Hash[:], value)
		case num == 3 && typ == protowire.VarintType:
			return setLength(&e.Packet, v)
		case num == 4 && typ == protowire.VarintType:
			return setLength(&e.Offset, v)
		case num == 5 && typ == protowire.VarintType:
			return setLength(&e.Length, v)
		}
		return nil
	})
	return e, err
}

func decodePacketInfo(b []byte) (BundlePacket, error) {
	var p BundlePacket
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, value []byte, v uint64) error {
		if typ != protowire.VarintType {
			return nil
		}
		switch num {
		case 1:
			p.Encoding = PacketEncoding(v)
		case 2:
			return setLength(&p.Offset, v)
		case 3:
			return setLength(&p.EncodedLength, v)
		case 4:
			return setLength(&p.DecodedLength, v)
		}
		return nil
	})
	return p, err
}

// setLength stores a decoded index, offset or length, rejecting values no
// valid bundle can hold.
func setLength(dst *int, v uint64) error {
	if v > MaxPacketSize {
		return fmt.Errorf("%w: field value %d out of range", ErrCorrupt, v)
	}
	*dst = int(v)
	return nil
}

// walkFields calls fn for every field in b. value is set for length-delimited
// fields and v for varints.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, value []byte, v uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrCorrupt, protowire.ParseError(n))
		}
		b = b[n:]

		var (
			value []byte
			v     uint64
		)
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			value, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrCorrupt, num, protowire.ParseError(n))
		}
		b = b[n:]

		if err := fn(num, typ, value, v); err != nil {
			return err
		}
	}
	return nil
}
