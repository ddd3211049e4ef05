package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/mule-ai/horde/internal/docstore"
	"github.com/mule-ai/horde/pkg/clock"
	"github.com/mule-ai/horde/pkg/ids"
)

// RefOptions controls ref expiry. A zero Lifetime means the ref never
// expires.
type RefOptions struct {
	Lifetime time.Duration
	// Extend slides the expiry forward by Lifetime on every successful read.
	Extend bool
}

// Ref is a named pointer to a node, the root set for garbage collection.
type Ref struct {
	Name      string
	Target    NodeLocator
	ExpiresAt *time.Time
	Lifetime  time.Duration
	Extend    bool
	version   int64
}

// Expired reports whether the ref is dead at now. Expiry is exclusive: a ref
// is still readable at exactly ExpiresAt.
func (r *Ref) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

type refDocument struct {
	Namespace string        `json:"namespace"`
	Name      string        `json:"name"`
	Target    string        `json:"target"`
	ExpiresAt *time.Time    `json:"expiresAt,omitempty"`
	Lifetime  time.Duration `json:"lifetime,omitempty"`
	Extend    bool          `json:"extend,omitempty"`
}

type aliasDocument struct {
	Namespace string   `json:"namespace"`
	Name      string   `json:"name"`
	Targets   []string `json:"targets"`
}

// Collections used in the document store.
const (
	RefsCollection    = "storage_refs"
	AliasesCollection = "storage_aliases"
)

const maxUpdateAttempts = 8

// Namespace is a client for one storage namespace: its own backend, its own
// refs and aliases, and its own GC grace period.
type Namespace struct {
	id      string
	backend Backend
	gcDelay time.Duration
	refs    *docstore.Typed[refDocument]
	aliases *docstore.Typed[aliasDocument]
	clock   clock.Clock
	ids     ids.Generator
	logger  logr.Logger
}

func (n *Namespace) ID() string { return n.id }

func (n *Namespace) Backend() Backend { return n.backend }

// GcDelay is the minimum age of an unreferenced blob before it is collected.
func (n *Namespace) GcDelay() time.Duration { return n.gcDelay }

func (n *Namespace) key(name string) string {
	return n.id + "/" + name
}

// WriteBundle stores a bundle under a freshly generated locator. prefix
// becomes the locator host and may be empty.
func (n *Namespace) WriteBundle(ctx context.Context, bundle *Bundle, prefix string) (BlobLocator, error) {
	loc := BlobLocator{Host: prefix, BlobID: n.ids.NewID()}
	if err := n.backend.Write(ctx, loc.Path(), EncodeBundle(bundle)); err != nil {
		return BlobLocator{}, fmt.Errorf("writing bundle %s: %w", loc, err)
	}
	n.logger.V(1).Info("Wrote bundle", "namespace", n.id, "locator", loc.String(), "imports", len(bundle.Header.Imports))
	return loc, nil
}

// ReadBundle fails with ErrNotFound if the bundle was collected or never
// existed.
func (n *Namespace) ReadBundle(ctx context.Context, loc BlobLocator) (*Bundle, error) {
	data, err := n.backend.Read(ctx, loc.Path())
	if err != nil {
		return nil, fmt.Errorf("reading bundle %s: %w", loc, err)
	}
	return DecodeBundle(data)
}

// ReadBundleHeader reads a bundle and decodes only its header.
func (n *Namespace) ReadBundleHeader(ctx context.Context, loc BlobLocator) (*BundleHeader, error) {
	data, err := n.backend.Read(ctx, loc.Path())
	if err != nil {
		return nil, fmt.Errorf("reading bundle %s: %w", loc, err)
	}
	return DecodeBundleHeader(data)
}

// ReadNode reads the exported bytes a node locator points at.
func (n *Namespace) ReadNode(ctx context.Context, loc NodeLocator) ([]byte, error) {
	bundle, err := n.ReadBundle(ctx, loc.Blob)
	if err != nil {
		return nil, err
	}
	return bundle.ReadExport(loc.ExportIdx)
}

// DeleteBlob removes a bundle. Only the garbage collector should call this.
func (n *Namespace) DeleteBlob(ctx context.Context, loc BlobLocator) error {
	return n.backend.Delete(ctx, loc.Path())
}

// Enumerate lists every blob physically present in the backend.
func (n *Namespace) Enumerate(ctx context.Context) ([]BlobInfo, error) {
	return n.backend.Enumerate(ctx)
}

// WriteRefTarget creates or replaces a ref. The last writer wins.
func (n *Namespace) WriteRefTarget(ctx context.Context, name string, target NodeLocator, opts RefOptions) error {
	doc := &refDocument{
		Namespace: n.id,
		Name:      name,
		Target:    target.String(),
		Lifetime:  opts.Lifetime,
		Extend:    opts.Extend && opts.Lifetime > 0,
	}
	if opts.Lifetime > 0 {
		expiresAt := n.clock.UtcNow().Add(opts.Lifetime)
		doc.ExpiresAt = &expiresAt
	}
	if _, err := n.refs.Put(ctx, n.key(name), doc); err != nil {
		return fmt.Errorf("writing ref %s: %w", name, err)
	}
	return nil
}

// TryReadRefTarget returns nil without an error when the ref is missing or
// expired. Reading an extendable ref pushes its expiry forward.
func (n *Namespace) TryReadRefTarget(ctx context.Context, name string) (*NodeLocator, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		cur, err := n.refs.Get(ctx, n.key(name))
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("reading ref %s: %w", name, err)
		}

		ref, err := toRef(cur)
		if err != nil {
			return nil, err
		}
		now := n.clock.UtcNow()
		if ref.Expired(now) {
			return nil, nil
		}
		if !ref.Extend {
			return &ref.Target, nil
		}

		expiresAt := now.Add(ref.Lifetime)
		cur.Value.ExpiresAt = &expiresAt
		next, err := n.refs.CompareAndSwap(ctx, cur.Key, cur.Version, cur.Value)
		if err != nil {
			return nil, fmt.Errorf("extending ref %s: %w", name, err)
		}
		if next != nil {
			return &ref.Target, nil
		}
	}
	return nil, fmt.Errorf("extending ref %s: %w", name, docstore.ErrConflict)
}

// DeleteRef removes a ref.
func (n *Namespace) DeleteRef(ctx context.Context, name string) error {
	err := n.refs.Delete(ctx, n.key(name))
	if errors.Is(err, docstore.ErrNotFound) {
		return fmt.Errorf("ref %s: %w", name, ErrNotFound)
	}
	return err
}

// ListRefs returns every ref in the namespace, expired ones included.
func (n *Namespace) ListRefs(ctx context.Context) ([]*Ref, error) {
	docs, err := n.refs.List(ctx, n.key(""))
	if err != nil {
		return nil, fmt.Errorf("listing refs: %w", err)
	}
	out := make([]*Ref, 0, len(docs))
	for _, doc := range docs {
		ref, err := toRef(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, nil
}

// DeleteExpiredRef removes a ref only if it is unchanged since it was listed,
// so a concurrent rewrite is never lost.
func (n *Namespace) DeleteExpiredRef(ctx context.Context, ref *Ref) (bool, error) {
	return n.refs.DeleteIfVersion(ctx, n.key(ref.Name), ref.version)
}

func toRef(doc *docstore.Versioned[refDocument]) (*Ref, error) {
	target, err := ParseNodeLocator(doc.Value.Target)
	if err != nil {
		return nil, fmt.Errorf("ref %s: %w", doc.Value.Name, err)
	}
	return &Ref{
		Name:      doc.Value.Name,
		Target:    target,
		ExpiresAt: doc.Value.ExpiresAt,
		Lifetime:  doc.Value.Lifetime,
		Extend:    doc.Value.Extend,
		version:   doc.Version,
	}, nil
}

// AddAlias appends target to the nodes registered under name.
func (n *Namespace) AddAlias(ctx context.Context, name string, target NodeLocator) error {
	key := n.key(name)
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		cur, err := n.aliases.Get(ctx, key)
		if errors.Is(err, docstore.ErrNotFound) {
			doc := &aliasDocument{Namespace: n.id, Name: name, Targets: []string{target.String()}}
			_, err = n.aliases.Insert(ctx, key, doc)
			if errors.Is(err, docstore.ErrConflict) {
				continue
			}
			return err
		}
		if err != nil {
			return fmt.Errorf("reading alias %s: %w", name, err)
		}
		cur.Value.Targets = append(cur.Value.Targets, target.String())
		next, err := n.aliases.CompareAndSwap(ctx, key, cur.Version, cur.Value)
		if err != nil {
			return fmt.Errorf("writing alias %s: %w", name, err)
		}
		if next != nil {
			return nil
		}
	}
	return fmt.Errorf("writing alias %s: %w", name, docstore.ErrConflict)
}

// RemoveAlias removes every registration of target under name.
func (n *Namespace) RemoveAlias(ctx context.Context, name string, target NodeLocator) error {
	want := target.String()
	_, err := n.aliases.Update(ctx, n.key(name), maxUpdateAttempts, func(doc *aliasDocument) (bool, error) {
		kept := doc.Targets[:0]
		for _, t := range doc.Targets {
			if t != want {
				kept = append(kept, t)
			}
		}
		changed := len(kept) != len(doc.Targets)
		doc.Targets = kept
		return changed, nil
	})
	if errors.Is(err, docstore.ErrNotFound) {
		return nil
	}
	return err
}

// FindNodes returns the nodes registered under name in insertion order.
func (n *Namespace) FindNodes(ctx context.Context, name string) ([]NodeLocator, error) {
	doc, err := n.aliases.Get(ctx, n.key(name))
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading alias %s: %w", name, err)
	}
	out := make([]NodeLocator, 0, len(doc.Value.Targets))
	for _, t := range doc.Value.Targets {
		loc, err := ParseNodeLocator(t)
		if err != nil {
			return nil, err
		}
		out = append(out, loc)
	}
	return out, nil
}
