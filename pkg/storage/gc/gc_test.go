package gc

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mule-ai/horde/internal/docstore"
	"github.com/mule-ai/horde/pkg/clock"
	"github.com/mule-ai/horde/pkg/events"
	"github.com/mule-ai/horde/pkg/ids"
	"github.com/mule-ai/horde/pkg/storage"
)

var start = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	clock   *clock.Fake
	service *storage.Service
	ns      *storage.Namespace
	events  *events.Recorder
	gc      *Collector
}

func newFixture(t *testing.T, gcDelay time.Duration, backend storage.Backend) *fixture {
	t.Helper()
	clk := clock.NewFake(start)
	svc := storage.NewService(docstore.NewMemoryStore(), clk, ids.NewSequentialGenerator("b"), logr.Discard())
	if backend == nil {
		backend = storage.NewMemoryBackend(clk)
	}
	ns, err := svc.AddNamespaceWithBackend("test", backend, gcDelay)
	require.NoError(t, err)
	rec := events.NewRecorder()
	return &fixture{
		clock:   clk,
		service: svc,
		ns:      ns,
		events:  rec,
		gc:      NewCollector(svc, clk, logr.Discard(), WithEvents(rec), WithReadConcurrency(4)),
	}
}

func (f *fixture) write(t *testing.T, payload string, imports ...storage.BlobLocator) storage.NodeLocator {
	t.Helper()
	builder := storage.NewBundleBuilder()
	for _, imp := range imports {
		builder.AddImport(imp)
	}
	idx := builder.AddExport(builder.AddType(storage.BlobType{Name: "node"}), []byte(payload))
	loc, err := f.ns.WriteBundle(context.Background(), builder.Build(), "gc")
	require.NoError(t, err)
	return storage.NodeLocator{Hash: storage.ComputeHash([]byte(payload)), Blob: loc, ExportIdx: idx}
}

func (f *fixture) present(t *testing.T) []string {
	t.Helper()
	infos, err := f.ns.Enumerate(context.Background())
	require.NoError(t, err)
	out := make([]string, 0, len(infos))
	for _, info := range infos {
		loc, ok := storage.BlobLocatorFromPath(info.Path)
		require.True(t, ok)
		out = append(out, loc.String())
	}
	sort.Strings(out)
	return out
}

func TestCollectRandomDAGKeepsExactlyReachable(t *testing.T) {
	for seed := int64(1); seed <= 5; seed++ {
		t.Run(fmt.Sprintf("seed%d", seed), func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, time.Hour, nil)
			rng := rand.New(rand.NewSource(seed))

			const count = 40
			nodes := make([]storage.NodeLocator, 0, count)
			imports := make([][]int, 0, count)
			for i := 0; i < count; i++ {
				var deps []int
				var locs []storage.BlobLocator
				for j := 0; j < i; j++ {
					if rng.Intn(6) == 0 {
						deps = append(deps, j)
						locs = append(locs, nodes[j].Blob)
					}
				}
				imports = append(imports, deps)
				nodes = append(nodes, f.write(t, fmt.Sprintf("node-%d", i), locs...))
			}

			reachable := map[int]bool{}
			var visit func(int)
			visit = func(i int) {
				if reachable[i] {
					return
				}
				reachable[i] = true
				for _, j := range imports[i] {
					visit(j)
				}
			}
			for i := 0; i < count; i++ {
				if rng.Intn(5) == 0 {
					require.NoError(t, f.ns.WriteRefTarget(ctx, fmt.Sprintf("root-%d", i), nodes[i], storage.RefOptions{}))
					visit(i)
				}
			}

			f.clock.Advance(2 * time.Hour)
			report, err := f.gc.Collect(ctx, "test")
			require.NoError(t, err)

			var want []string
			for i := range reachable {
				want = append(want, nodes[i].Blob.String())
			}
			sort.Strings(want)
			assert.ElementsMatch(t, want, f.present(t))
			assert.Equal(t, len(want), report.Live)
			assert.Equal(t, count-len(want), report.Deleted)
		})
	}
}

func TestCollectRespectsGraceDelay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, time.Hour, nil)

	old := f.write(t, "old")
	f.clock.Advance(90 * time.Minute)
	young := f.write(t, "young")

	report, err := f.gc.Collect(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deleted)
	assert.Equal(t, 1, report.SkippedYoung)
	assert.Equal(t, []string{young.Blob.String()}, f.present(t))

	_, err = f.ns.ReadBundle(ctx, old.Blob)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCollectEagerWithZeroDelay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0, nil)

	leaf := f.write(t, "leaf")
	root := f.write(t, "root", leaf.Blob)
	f.write(t, "orphan")
	require.NoError(t, f.ns.WriteRefTarget(ctx, "head", root, storage.RefOptions{}))

	_, err := f.gc.Collect(ctx, "test")
	require.NoError(t, err)

	want := []string{leaf.Blob.String(), root.Blob.String()}
	sort.Strings(want)
	assert.Equal(t, want, f.present(t))
	assert.Len(t, f.events.Events(events.TypeBlobsCollected), 1)
}

func TestCollectDropsExpiredRefs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0, nil)

	temp := f.write(t, "temp")
	kept := f.write(t, "kept")
	require.NoError(t, f.ns.WriteRefTarget(ctx, "temp", temp, storage.RefOptions{Lifetime: 30 * time.Minute}))
	require.NoError(t, f.ns.WriteRefTarget(ctx, "kept", kept, storage.RefOptions{}))

	report, err := f.gc.Collect(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, 0, report.Deleted)

	f.clock.Advance(31 * time.Minute)
	report, err = f.gc.Collect(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, 1, report.ExpiredRefs)
	assert.Equal(t, 1, report.Deleted)
	assert.Equal(t, []string{kept.Blob.String()}, f.present(t))

	refs, err := f.ns.ListRefs(ctx)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "kept", refs[0].Name)
	assert.Len(t, f.events.Events(events.TypeRefExpired), 1)
}

func TestCollectToleratesMissingImports(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0, nil)

	gone := f.write(t, "gone")
	root := f.write(t, "root", gone.Blob)
	require.NoError(t, f.ns.DeleteBlob(ctx, gone.Blob))
	require.NoError(t, f.ns.WriteRefTarget(ctx, "head", root, storage.RefOptions{}))

	report, err := f.gc.Collect(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Missing)
	assert.Equal(t, []string{root.Blob.String()}, f.present(t))
}

type flakyBackend struct {
	*storage.MemoryBackend
	failPath string
}

func (b *flakyBackend) Read(ctx context.Context, path string) ([]byte, error) {
	if path == b.failPath {
		return nil, errors.New("backend unavailable")
	}
	return b.MemoryBackend.Read(ctx, path)
}

func TestCollectAbortsOnReadErrorWithoutDeleting(t *testing.T) {
	ctx := context.Background()
	backend := &flakyBackend{}
	f := newFixture(t, 0, backend)
	backend.MemoryBackend = storage.NewMemoryBackend(f.clock)

	leaf := f.write(t, "leaf")
	root := f.write(t, "root", leaf.Blob)
	orphan := f.write(t, "orphan")
	require.NoError(t, f.ns.WriteRefTarget(ctx, "head", root, storage.RefOptions{}))
	backend.failPath = root.Blob.Path()

	_, err := f.gc.Collect(ctx, "test")
	require.Error(t, err)
	assert.Len(t, f.present(t), 3)

	backend.failPath = ""
	reports, err := f.gc.CollectAll(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.NotContains(t, f.present(t), orphan.Blob.String())
}

func TestCollectUnknownNamespace(t *testing.T) {
	f := newFixture(t, 0, nil)
	_, err := f.gc.Collect(context.Background(), "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
