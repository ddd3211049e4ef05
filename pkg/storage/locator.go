// Package storage is a content-addressed store of immutable bundles. Bundles
// import other bundles by locator, named refs pin live roots and aliases act
// as a secondary index. Unreferenced bundles are reclaimed by package gc.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrNotFound is returned for missing or collected blobs, refs and namespaces.
	ErrNotFound = errors.New("not found")
	// ErrExists is returned when a backend is asked to overwrite a blob.
	ErrExists = errors.New("blob already exists")
	// ErrInvalidLocator is returned when a locator string cannot be parsed.
	ErrInvalidLocator = errors.New("invalid locator")
	// ErrCorrupt is returned when stored bytes fail to decode.
	ErrCorrupt = errors.New("corrupt bundle")
)

// Hash is the SHA-256 of an exported node's payload.
type Hash [sha256.Size]byte

// ComputeHash hashes data.
func ComputeHash(data []byte) Hash {
	return sha256.Sum256(data)
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ParseHash decodes a hex hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(h) {
		return h, fmt.Errorf("%w: bad hash %q", ErrInvalidLocator, s)
	}
	copy(h[:], b)
	return h, nil
}

// BlobLocator identifies a stored bundle. Host is a caller supplied prefix and
// may contain slashes; BlobID is generated at write time.
type BlobLocator struct {
	Host   string
	BlobID string
}

func (l BlobLocator) String() string {
	if l.Host == "" {
		return l.BlobID
	}
	return l.Host + "/" + l.BlobID
}

func (l BlobLocator) IsZero() bool {
	return l.BlobID == ""
}

// Path is the backend object path holding the bundle.
func (l BlobLocator) Path() string {
	return l.String() + blobSuffix
}

const blobSuffix = ".blob"

// ParseBlobLocator is the inverse of BlobLocator.String.
func ParseBlobLocator(s string) (BlobLocator, error) {
	if s == "" || strings.HasSuffix(s, "/") || strings.HasPrefix(s, "/") {
		return BlobLocator{}, fmt.Errorf("%w: %q", ErrInvalidLocator, s)
	}
	idx := strings.LastIndex(s, "/")
	if idx < 0 {
		return BlobLocator{BlobID: s}, nil
	}
	return BlobLocator{Host: s[:idx], BlobID: s[idx+1:]}, nil
}

// BlobLocatorFromPath maps a backend path back to its locator.
func BlobLocatorFromPath(path string) (BlobLocator, bool) {
	if !strings.HasSuffix(path, blobSuffix) {
		return BlobLocator{}, false
	}
	loc, err := ParseBlobLocator(strings.TrimSuffix(path, blobSuffix))
	if err != nil {
		return BlobLocator{}, false
	}
	return loc, true
}

// NodeLocator identifies one exported node inside a bundle.
type NodeLocator struct {
	Hash      Hash
	Blob      BlobLocator
	ExportIdx int
}

// String renders hash@blob#export.
func (n NodeLocator) String() string {
	return fmt.Sprintf("%s@%s#%d", n.Hash, n.Blob, n.ExportIdx)
}

// ParseNodeLocator is the inverse of NodeLocator.String.
func ParseNodeLocator(s string) (NodeLocator, error) {
	at := strings.Index(s, "@")
	hashIdx := strings.LastIndex(s, "#")
	if at < 0 || hashIdx < at {
		return NodeLocator{}, fmt.Errorf("%w: %q", ErrInvalidLocator, s)
	}
	h, err := ParseHash(s[:at])
	if err != nil {
		return NodeLocator{}, err
	}
	blob, err := ParseBlobLocator(s[at+1 : hashIdx])
	if err != nil {
		return NodeLocator{}, err
	}
	idx, err := strconv.Atoi(s[hashIdx+1:])
	if err != nil || idx < 0 {
		return NodeLocator{}, fmt.Errorf("%w: bad export index in %q", ErrInvalidLocator, s)
	}
	return NodeLocator{Hash: h, Blob: blob, ExportIdx: idx}, nil
}
