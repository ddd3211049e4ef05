package storage

import (
	"bytes"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBundleRoundTripImports(t *testing.T) {
	dup := BlobLocator{Host: "art", BlobID: "b1"}
	tests := []struct {
		name    string
		imports []BlobLocator
	}{
		{name: "none", imports: nil},
		{name: "one", imports: []BlobLocator{{BlobID: "solo"}}},
		{name: "duplicates", imports: []BlobLocator{dup, {Host: "a/b", BlobID: "b2"}, dup}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			builder := NewBundleBuilder()
			typeIdx := builder.AddType(BlobType{Name: "leaf", Version: 1})
			for _, imp := range tt.imports {
				builder.AddImport(imp)
			}
			builder.AddExport(typeIdx, []byte("hello"))
			builder.AddExport(typeIdx, []byte("world"))
			bundle := builder.Build()

			decoded, err := DecodeBundle(EncodeBundle(bundle))
			require.NoError(t, err)

			assert.Equal(t, tt.imports, decoded.Header.Imports)
			assert.Equal(t, bundle.Header.Exports, decoded.Header.Exports)
			assert.Equal(t, bundle.Header.Packets, decoded.Header.Packets)
			assert.True(t, bytes.Equal(bundle.Payload, decoded.Payload))

			data, err := decoded.ReadExport(1)
			require.NoError(t, err)
			assert.Equal(t, "world", string(data))
		})
	}
}

func TestBundleBuilderSplitsPackets(t *testing.T) {
	builder := NewBundleBuilder()
	builder.MaxPacketSize = 16
	typeIdx := builder.AddType(BlobType{Name: "chunk", Version: 2})
	assert.Equal(t, typeIdx, builder.AddType(BlobType{Name: "chunk", Version: 2}))

	var chunks [][]byte
	for i := 0; i < 5; i++ {
		chunk := []byte(fmt.Sprintf("chunk-%02d-payload", i))
		chunks = append(chunks, chunk)
		builder.AddExport(typeIdx, chunk)
	}
	bundle := builder.Build()
	assert.Len(t, bundle.Header.Packets, 5)

	for i, chunk := range chunks {
		data, err := bundle.ReadExport(i)
		require.NoError(t, err)
		assert.Equal(t, chunk, data)
		assert.Equal(t, ComputeHash(chunk), bundle.Header.Exports[i].Hash)
	}
}

func TestReadExportDetectsCorruption(t *testing.T) {
	builder := NewBundleBuilder()
	builder.Encoding = PacketEncodingNone
	builder.AddExport(builder.AddType(BlobType{Name: "leaf"}), []byte("intact"))
	bundle := builder.Build()

	bundle.Payload[0] ^= 0xff
	_, err := bundle.ReadExport(0)
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = bundle.ReadExport(7)
	assert.Error(t, err)
}

func TestReadExportRejectsBadLengths(t *testing.T) {
	newBundle := func() *Bundle {
		builder := NewBundleBuilder()
		builder.AddExport(builder.AddType(BlobType{Name: "leaf"}), []byte("payload bytes"))
		return builder.Build()
	}

	tests := []struct {
		name   string
		mutate func(b *Bundle)
	}{
		{name: "negative decoded length", mutate: func(b *Bundle) { b.Header.Packets[0].DecodedLength = -1 }},
		{name: "huge decoded length", mutate: func(b *Bundle) { b.Header.Packets[0].DecodedLength = MaxPacketSize + 1 }},
		{name: "negative encoded length", mutate: func(b *Bundle) { b.Header.Packets[0].EncodedLength = -1 }},
		{name: "packet offset overflows", mutate: func(b *Bundle) { b.Header.Packets[0].Offset = math.MaxInt - 1 }},
		{name: "export offset overflows", mutate: func(b *Bundle) { b.Header.Exports[0].Offset = math.MaxInt - 1 }},
		{name: "negative export length", mutate: func(b *Bundle) { b.Header.Exports[0].Length = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBundle()
			tt.mutate(b)
			_, err := b.ReadExport(0)
			assert.ErrorIs(t, err, ErrCorrupt)

			decoded, err := DecodeBundle(EncodeBundle(b))
			if err != nil {
				assert.ErrorIs(t, err, ErrCorrupt)
				return
			}
			_, err = decoded.ReadExport(0)
			assert.ErrorIs(t, err, ErrCorrupt)
		})
	}
}

func TestDecodeBundleRejectsGarbage(t *testing.T) {
	_, err := DecodeBundle([]byte("nope"))
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = DecodeBundle(append([]byte("HBN1"), 0x7f))
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestLocatorParsing(t *testing.T) {
	loc, err := ParseBlobLocator("artifacts/win64/abc")
	require.NoError(t, err)
	assert.Equal(t, BlobLocator{Host: "artifacts/win64", BlobID: "abc"}, loc)
	assert.Equal(t, "artifacts/win64/abc.blob", loc.Path())

	back, ok := BlobLocatorFromPath(loc.Path())
	require.True(t, ok)
	assert.Equal(t, loc, back)

	_, ok = BlobLocatorFromPath("stray.txt")
	assert.False(t, ok)

	_, err = ParseBlobLocator("")
	assert.ErrorIs(t, err, ErrInvalidLocator)

	node := NodeLocator{Hash: ComputeHash([]byte("x")), Blob: loc, ExportIdx: 3}
	parsed, err := ParseNodeLocator(node.String())
	require.NoError(t, err)
	assert.Equal(t, node, parsed)

	_, err = ParseNodeLocator("no-at-sign")
	assert.ErrorIs(t, err, ErrInvalidLocator)
}
