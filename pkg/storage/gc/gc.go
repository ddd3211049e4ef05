// Package gc reclaims bundles that are no longer reachable from any ref.
//
// A sweep marks every bundle reachable from live refs by following bundle
// header imports, then deletes the unmarked bundles that are older than the
// namespace's grace delay. Any doubt resolves toward keeping a blob.
package gc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/mule-ai/horde/internal/metrics"
	"github.com/mule-ai/horde/pkg/clock"
	"github.com/mule-ai/horde/pkg/events"
	"github.com/mule-ai/horde/pkg/storage"
)

// DefaultReadConcurrency bounds parallel header reads while marking.
const DefaultReadConcurrency = 8

// Report summarizes one namespace sweep.
type Report struct {
	Namespace    string
	Roots        int
	ExpiredRefs  int
	Live         int
	Scanned      int
	Deleted      int
	SkippedYoung int
	Missing      int
	Duration     time.Duration
}

// Collector runs mark-and-sweep passes over storage namespaces.
type Collector struct {
	service         *storage.Service
	clock           clock.Clock
	events          events.Sink
	logger          logr.Logger
	readConcurrency int
}

// Option customizes a Collector.
type Option func(*Collector)

// WithEvents publishes ref expiry and collection events.
func WithEvents(sink events.Sink) Option {
	return func(c *Collector) { c.events = sink }
}

// WithReadConcurrency sets how many bundle headers are read at once.
func WithReadConcurrency(n int) Option {
	return func(c *Collector) {
		if n > 0 {
			c.readConcurrency = n
		}
	}
}

// NewCollector creates a collector over every namespace of the service.
func NewCollector(service *storage.Service, clk clock.Clock, logger logr.Logger, opts ...Option) *Collector {
	c := &Collector{
		service:         service,
		clock:           clk,
		events:          events.Discard,
		logger:          logger.WithName("gc"),
		readConcurrency: DefaultReadConcurrency,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CollectAll sweeps every namespace. A failing namespace does not stop the
// others; all failures are returned together.
func (c *Collector) CollectAll(ctx context.Context) ([]*Report, error) {
	var (
		reports []*Report
		errs    error
	)
	for _, ns := range c.service.Namespaces() {
		if err := ctx.Err(); err != nil {
			return reports, multierr.Append(errs, err)
		}
		report, err := c.collect(ctx, ns)
		if err != nil {
			c.logger.Error(err, "Garbage collection failed", "namespace", ns.ID())
			errs = multierr.Append(errs, fmt.Errorf("namespace %s: %w", ns.ID(), err))
			continue
		}
		reports = append(reports, report)
	}
	return reports, errs
}

// Collect sweeps a single namespace.
func (c *Collector) Collect(ctx context.Context, namespaceID string) (*Report, error) {
	ns, err := c.service.Namespace(namespaceID)
	if err != nil {
		return nil, err
	}
	return c.collect(ctx, ns)
}

func (c *Collector) collect(ctx context.Context, ns *storage.Namespace) (*Report, error) {
	started := c.clock.UtcNow()
	report := &Report{Namespace: ns.ID()}

	roots, err := c.findRoots(ctx, ns, report)
	if err != nil {
		return nil, err
	}
	report.Roots = len(roots)

	live, err := c.mark(ctx, ns, roots, report)
	if err != nil {
		return nil, err
	}
	report.Live = len(live)

	if err := c.sweep(ctx, ns, live, started, report); err != nil {
		return report, err
	}

	report.Duration = c.clock.UtcNow().Sub(started)
	metrics.RecordGC(ns.ID(), report.Live, report.Deleted, report.ExpiredRefs, report.Duration.Seconds())
	c.logger.Info("Garbage collection complete",
		"namespace", ns.ID(),
		"roots", report.Roots,
		"live", report.Live,
		"scanned", report.Scanned,
		"deleted", report.Deleted,
		"skippedYoung", report.SkippedYoung,
		"expiredRefs", report.ExpiredRefs)
	if report.Deleted > 0 {
		c.events.Publish(ctx, events.Event{
			Type:      events.TypeBlobsCollected,
			Timestamp: c.clock.UtcNow(),
			Source:    "gc",
			Data:      map[string]interface{}{"namespace": ns.ID(), "deleted": report.Deleted},
		})
	}
	return report, nil
}

// findRoots lists live ref targets and removes refs that have expired.
func (c *Collector) findRoots(ctx context.Context, ns *storage.Namespace, report *Report) ([]storage.BlobLocator, error) {
	refs, err := ns.ListRefs(ctx)
	if err != nil {
		return nil, err
	}

	now := c.clock.UtcNow()
	var roots []storage.BlobLocator
	for _, ref := range refs {
		if !ref.Expired(now) {
			roots = append(roots, ref.Target.Blob)
			continue
		}
		deleted, err := ns.DeleteExpiredRef(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("deleting expired ref %s: %w", ref.Name, err)
		}
		if !deleted {
			// Rewritten since listing; the new target may be live.
			latest, err := ns.TryReadRefTarget(ctx, ref.Name)
			if err != nil {
				return nil, err
			}
			if latest != nil {
				roots = append(roots, latest.Blob)
			}
			continue
		}
		report.ExpiredRefs++
		c.events.Publish(ctx, events.Event{
			Type:      events.TypeRefExpired,
			Timestamp: now,
			Source:    "gc",
			Data:      map[string]interface{}{"namespace": ns.ID(), "ref": ref.Name},
		})
	}
	return lo.Uniq(roots), nil
}

// mark walks imports breadth first from the roots. Each level's headers are
// read in parallel. A missing bundle is skipped; any other read error aborts
// the sweep before anything is deleted.
func (c *Collector) mark(ctx context.Context, ns *storage.Namespace, roots []storage.BlobLocator, report *Report) (map[storage.BlobLocator]struct{}, error) {
	live := make(map[storage.BlobLocator]struct{}, len(roots))
	frontier := make([]storage.BlobLocator, 0, len(roots))
	for _, root := range roots {
		if _, ok := live[root]; !ok {
			live[root] = struct{}{}
			frontier = append(frontier, root)
		}
	}

	for len(frontier) > 0 {
		var (
			mu   sync.Mutex
			next []storage.BlobLocator
		)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.readConcurrency)
		for _, loc := range frontier {
			loc := loc
			g.Go(func() error {
				header, err := ns.ReadBundleHeader(gctx, loc)
				if errors.Is(err, storage.ErrNotFound) {
					c.logger.V(1).Info("Referenced bundle is missing", "namespace", ns.ID(), "locator", loc.String())
					mu.Lock()
					report.Missing++
					mu.Unlock()
					return nil
				}
				if err != nil {
					return err
				}
				mu.Lock()
				defer mu.Unlock()
				for _, imp := range header.Imports {
					if _, ok := live[imp]; ok {
						continue
					}
					live[imp] = struct{}{}
					next = append(next, imp)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, fmt.Errorf("marking live bundles: %w", err)
		}
		frontier = next
	}
	return live, nil
}

func (c *Collector) sweep(ctx context.Context, ns *storage.Namespace, live map[storage.BlobLocator]struct{}, started time.Time, report *Report) error {
	blobs, err := ns.Enumerate(ctx)
	if err != nil {
		return fmt.Errorf("enumerating blobs: %w", err)
	}
	cutoff := started.Add(-ns.GcDelay())

	var errs error
	for _, blob := range blobs {
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, err)
		}
		loc, ok := storage.BlobLocatorFromPath(blob.Path)
		if !ok {
			continue
		}
		report.Scanned++
		if _, ok := live[loc]; ok {
			continue
		}
		if blob.ModTime.After(cutoff) {
			report.SkippedYoung++
			continue
		}
		if err := ns.DeleteBlob(ctx, loc); err != nil && !errors.Is(err, storage.ErrNotFound) {
			errs = multierr.Append(errs, fmt.Errorf("deleting %s: %w", loc, err))
			continue
		}
		report.Deleted++
		c.logger.V(1).Info("Deleted unreachable bundle", "namespace", ns.ID(), "locator", loc.String())
	}
	return errs
}
