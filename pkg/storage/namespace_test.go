package storage

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mule-ai/horde/internal/docstore"
	"github.com/mule-ai/horde/pkg/clock"
	"github.com/mule-ai/horde/pkg/ids"
)

var testStart = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestNamespace(t *testing.T) (*Namespace, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(testStart)
	svc := NewService(docstore.NewMemoryStore(), clk, ids.NewSequentialGenerator("blob"), logr.Discard())
	ns, err := svc.AddNamespace(NamespaceConfig{ID: "default"})
	require.NoError(t, err)
	return ns, clk
}

func writeLeaf(t *testing.T, ns *Namespace, payload string, imports ...BlobLocator) NodeLocator {
	t.Helper()
	builder := NewBundleBuilder()
	for _, imp := range imports {
		builder.AddImport(imp)
	}
	idx := builder.AddExport(builder.AddType(BlobType{Name: "leaf"}), []byte(payload))
	loc, err := ns.WriteBundle(context.Background(), builder.Build(), "test")
	require.NoError(t, err)
	return NodeLocator{Hash: ComputeHash([]byte(payload)), Blob: loc, ExportIdx: idx}
}

func TestWriteAndReadBundle(t *testing.T) {
	ctx := context.Background()
	ns, _ := newTestNamespace(t)

	first := writeLeaf(t, ns, "first")
	second := writeLeaf(t, ns, "second", first.Blob, first.Blob)
	assert.NotEqual(t, first.Blob, second.Blob)

	bundle, err := ns.ReadBundle(ctx, second.Blob)
	require.NoError(t, err)
	assert.Equal(t, []BlobLocator{first.Blob, first.Blob}, bundle.Header.Imports)

	data, err := ns.ReadNode(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	require.NoError(t, ns.DeleteBlob(ctx, first.Blob))
	_, err = ns.ReadBundle(ctx, first.Blob)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRefExpiryWithExtend(t *testing.T) {
	ctx := context.Background()
	ns, clk := newTestNamespace(t)
	target := writeLeaf(t, ns, "root")

	require.NoError(t, ns.WriteRefTarget(ctx, "sliding", target, RefOptions{Lifetime: 30 * time.Minute, Extend: true}))

	clk.Advance(25 * time.Minute)
	got, err := ns.TryReadRefTarget(ctx, "sliding")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, target, *got)

	clk.Advance(25 * time.Minute)
	got, err = ns.TryReadRefTarget(ctx, "sliding")
	require.NoError(t, err)
	assert.NotNil(t, got)

	clk.Advance(31 * time.Minute)
	got, err = ns.TryReadRefTarget(ctx, "sliding")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRefExpiryWithoutExtend(t *testing.T) {
	ctx := context.Background()
	ns, clk := newTestNamespace(t)
	target := writeLeaf(t, ns, "root")

	require.NoError(t, ns.WriteRefTarget(ctx, "fixed", target, RefOptions{Lifetime: 30 * time.Minute}))

	clk.Advance(25 * time.Minute)
	got, err := ns.TryReadRefTarget(ctx, "fixed")
	require.NoError(t, err)
	assert.NotNil(t, got)

	clk.Advance(5 * time.Minute)
	got, err = ns.TryReadRefTarget(ctx, "fixed")
	require.NoError(t, err)
	assert.NotNil(t, got, "still readable at exactly the expiry time")

	clk.Advance(time.Second)
	got, err = ns.TryReadRefTarget(ctx, "fixed")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRefWithoutLifetimeNeverExpires(t *testing.T) {
	ctx := context.Background()
	ns, clk := newTestNamespace(t)
	target := writeLeaf(t, ns, "root")

	require.NoError(t, ns.WriteRefTarget(ctx, "forever", target, RefOptions{Extend: true}))
	clk.Advance(24 * 365 * time.Hour)

	got, err := ns.TryReadRefTarget(ctx, "forever")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, target, *got)
}

func TestRefOverwriteAndDelete(t *testing.T) {
	ctx := context.Background()
	ns, _ := newTestNamespace(t)
	a := writeLeaf(t, ns, "a")
	b := writeLeaf(t, ns, "b")

	got, err := ns.TryReadRefTarget(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, ns.WriteRefTarget(ctx, "head", a, RefOptions{}))
	require.NoError(t, ns.WriteRefTarget(ctx, "head", b, RefOptions{}))
	got, err = ns.TryReadRefTarget(ctx, "head")
	require.NoError(t, err)
	assert.Equal(t, b, *got)

	refs, err := ns.ListRefs(ctx)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "head", refs[0].Name)

	require.NoError(t, ns.DeleteRef(ctx, "head"))
	assert.ErrorIs(t, ns.DeleteRef(ctx, "head"), ErrNotFound)
}

func TestAliasesKeepInsertionOrder(t *testing.T) {
	ctx := context.Background()
	ns, _ := newTestNamespace(t)
	a := writeLeaf(t, ns, "a")
	b := writeLeaf(t, ns, "b")
	c := writeLeaf(t, ns, "c")

	for _, n := range []NodeLocator{b, a, c} {
		require.NoError(t, ns.AddAlias(ctx, "artifact:win64", n))
	}
	found, err := ns.FindNodes(ctx, "artifact:win64")
	require.NoError(t, err)
	assert.Equal(t, []NodeLocator{b, a, c}, found)

	require.NoError(t, ns.RemoveAlias(ctx, "artifact:win64", a))
	found, err = ns.FindNodes(ctx, "artifact:win64")
	require.NoError(t, err)
	assert.Equal(t, []NodeLocator{b, c}, found)

	found, err = ns.FindNodes(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestServiceNamespaces(t *testing.T) {
	svc := NewService(docstore.NewMemoryStore(), clock.NewFake(testStart), ids.NewUUIDGenerator(), logr.Discard())
	_, err := svc.AddNamespace(NamespaceConfig{ID: "b", GcDelayHrs: 2})
	require.NoError(t, err)
	_, err = svc.AddNamespace(NamespaceConfig{ID: "a"})
	require.NoError(t, err)

	_, err = svc.AddNamespace(NamespaceConfig{ID: "a"})
	assert.Error(t, err)
	_, err = svc.AddNamespace(NamespaceConfig{ID: "c", Backend: BackendConfig{Type: "s3"}})
	assert.Error(t, err)

	nss := svc.Namespaces()
	require.Len(t, nss, 2)
	assert.Equal(t, "a", nss[0].ID())
	assert.Equal(t, 2*time.Hour, nss[1].GcDelay())

	_, err = svc.Namespace("zzz")
	assert.ErrorIs(t, err, ErrNotFound)
}
