package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/mule-ai/horde/internal/docstore"
)

// CollectionName is the document store collection holding graphs.
const CollectionName = "graphs"

// Template supplies the settings a root graph is seeded from.
type Template struct {
	ID     string
	Schema int
}

// Collection stores graphs by content hash. Graphs are written once and read
// many times.
type Collection struct {
	docs   *docstore.Typed[Graph]
	logger logr.Logger
}

func NewCollection(store docstore.Store, logger logr.Logger) *Collection {
	return &Collection{
		docs:   docstore.NewTyped[Graph](store.Collection(CollectionName)),
		logger: logger.WithName("graphs"),
	}
}

// Add stores the root graph for a template. With no base the graph has no
// groups; otherwise it carries base's content under the template's schema.
func (c *Collection) Add(ctx context.Context, template Template, base *Graph) (*Graph, error) {
	var g *Graph
	if base == nil {
		g = Empty(template.Schema)
	} else {
		rebased := *base
		rebased.Schema = template.Schema
		rebased.ID = computeID(&rebased)
		rebased.index = buildIndex(&rebased)
		g = &rebased
	}
	if err := c.put(ctx, g); err != nil {
		return nil, err
	}
	c.logger.V(1).Info("Added graph", "graphId", g.ID, "templateId", template.ID)
	return g, nil
}

// Append derives a new graph from base and stores it. See the package level
// Append for the resolution rules.
func (c *Collection) Append(ctx context.Context, base *Graph, delta Delta) (*Graph, error) {
	g, err := Append(base, delta)
	if err != nil {
		return nil, err
	}
	if err := c.put(ctx, g); err != nil {
		return nil, err
	}
	c.logger.V(1).Info("Appended graph", "graphId", g.ID, "baseId", base.ID, "groups", len(g.Groups))
	return g, nil
}

// Get loads a graph by id.
func (c *Collection) Get(ctx context.Context, id string) (*Graph, error) {
	doc, err := c.docs.Get(ctx, id)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, fmt.Errorf("graph %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	g := doc.Value
	g.index = buildIndex(g)
	return g, nil
}

func (c *Collection) put(ctx context.Context, g *Graph) error {
	_, err := c.docs.Insert(ctx, g.ID, g)
	if errors.Is(err, docstore.ErrConflict) {
		// Content addressed: an existing document is the same graph.
		return nil
	}
	if err != nil {
		return fmt.Errorf("storing graph %s: %w", g.ID, err)
	}
	return nil
}
