package storage

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/mule-ai/horde/internal/docstore"
	"github.com/mule-ai/horde/pkg/clock"
	"github.com/mule-ai/horde/pkg/ids"
)

// NamespaceConfig configures one namespace.
type NamespaceConfig struct {
	ID         string        `mapstructure:"id" yaml:"id"`
	Backend    BackendConfig `mapstructure:"backend" yaml:"backend"`
	GcDelayHrs float64       `mapstructure:"gcDelayHrs" yaml:"gcDelayHrs"`
}

// Service owns the namespaces of a server.
type Service struct {
	mu         sync.RWMutex
	namespaces map[string]*Namespace
	store      docstore.Store
	clock      clock.Clock
	ids        ids.Generator
	logger     logr.Logger
}

// NewService creates a storage service with no namespaces.
func NewService(store docstore.Store, clk clock.Clock, gen ids.Generator, logger logr.Logger) *Service {
	return &Service{
		namespaces: make(map[string]*Namespace),
		store:      store,
		clock:      clk,
		ids:        gen,
		logger:     logger.WithName("storage"),
	}
}

// AddNamespace creates the namespace's backend and registers it.
func (s *Service) AddNamespace(config NamespaceConfig) (*Namespace, error) {
	if config.ID == "" {
		return nil, fmt.Errorf("namespace id is required")
	}
	if config.GcDelayHrs < 0 {
		return nil, fmt.Errorf("namespace %s: gcDelayHrs must not be negative", config.ID)
	}
	backend, err := NewBackend(config.Backend, s.clock)
	if err != nil {
		return nil, fmt.Errorf("namespace %s: %w", config.ID, err)
	}
	return s.AddNamespaceWithBackend(config.ID, backend, time.Duration(config.GcDelayHrs*float64(time.Hour)))
}

// AddNamespaceWithBackend registers a namespace over an existing backend.
func (s *Service) AddNamespaceWithBackend(id string, backend Backend, gcDelay time.Duration) (*Namespace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.namespaces[id]; ok {
		return nil, fmt.Errorf("namespace %s already registered", id)
	}
	ns := &Namespace{
		id:      id,
		backend: backend,
		gcDelay: gcDelay,
		refs:    docstore.NewTyped[refDocument](s.store.Collection(RefsCollection)),
		aliases: docstore.NewTyped[aliasDocument](s.store.Collection(AliasesCollection)),
		clock:   s.clock,
		ids:     s.ids,
		logger:  s.logger,
	}
	s.namespaces[id] = ns
	s.logger.Info("Registered storage namespace", "namespace", id, "gcDelay", gcDelay.String())
	return ns, nil
}

// Namespace returns a registered namespace.
func (s *Service) Namespace(id string) (*Namespace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ns, ok := s.namespaces[id]
	if !ok {
		return nil, fmt.Errorf("namespace %s: %w", id, ErrNotFound)
	}
	return ns, nil
}

// Namespaces returns every namespace ordered by id.
func (s *Service) Namespaces() []*Namespace {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Namespace, 0, len(s.namespaces))
	for _, ns := range s.namespaces {
		out = append(out, ns)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
