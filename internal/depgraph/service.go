package depgraph

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/loreweave/chronicle/internal/model"
)

// rebuildTimeout bounds a graph rebuild. Rebuilds run on a detached context
// because singleflight shares the first caller's context with all waiters.
const rebuildTimeout = 10 * time.Second

// VariableSource lists the variables a graph is built from. Implemented by
// the storage layer.
type VariableSource interface {
	ListVariablesByCampaign(ctx context.Context, campaignID uuid.UUID) ([]*model.StateVariable, error)
}

// Service caches dependency graphs per (campaign, branch) and rebuilds them
// lazily after invalidation. Readers can briefly observe a stale graph; any
// check that must be exact (cycle validation before accepting a formula)
// bypasses the cache.
type Service struct {
	source VariableSource
	logger *slog.Logger
	ttl    time.Duration

	mu     sync.RWMutex
	graphs map[string]cachedGraph
	group  singleflight.Group
	done   chan struct{}
}

type cachedGraph struct {
	graph     *Graph
	expiresAt time.Time
}

// New creates the service with a background eviction loop. Call Close to
// stop it.
func New(source VariableSource, logger *slog.Logger, ttl time.Duration) *Service {
	s := &Service{
		source: source,
		logger: logger.With("component", "depgraph"),
		ttl:    ttl,
		graphs: make(map[string]cachedGraph),
		done:   make(chan struct{}),
	}
	go s.evictLoop()
	return s
}

// Close stops the eviction goroutine.
func (s *Service) Close() {
	close(s.done)
}

func graphKey(campaignID, branchID uuid.UUID) string {
	return campaignID.String() + ":" + branchID.String()
}

// GetGraph returns the cached graph for (campaign, branch), rebuilding on
// miss or expiry. Concurrent misses for the same key share one rebuild.
func (s *Service) GetGraph(ctx context.Context, campaignID, branchID uuid.UUID) (*Graph, error) {
	key := graphKey(campaignID, branchID)

	s.mu.RLock()
	entry, ok := s.graphs[key]
	s.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.graph, nil
	}

	result, err, _ := s.group.Do(key, func() (any, error) {
		buildCtx, cancel := context.WithTimeout(context.Background(), rebuildTimeout)
		defer cancel()
		return s.rebuild(buildCtx, campaignID, branchID)
	})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return result.(*Graph), nil
}

// InvalidateGraph drops every cached graph of a campaign, all branches.
func (s *Service) InvalidateGraph(campaignID uuid.UUID) {
	prefix := campaignID.String() + ":"
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.graphs {
		if strings.HasPrefix(key, prefix) {
			delete(s.graphs, key)
		}
	}
}

// CycleReport is the outcome of a cycle validation pass.
type CycleReport struct {
	HasCycles bool       `json:"has_cycles"`
	Cycles    [][]string `json:"cycles,omitempty"`
}

// ValidateNoCycles rebuilds the graph unconditionally, refreshes the cache
// and reports formula loops. Used before accepting a new or changed derived
// formula, where a stale graph would let a cycle slip in.
func (s *Service) ValidateNoCycles(ctx context.Context, campaignID, branchID uuid.UUID) (CycleReport, error) {
	g, err := s.rebuild(ctx, campaignID, branchID)
	if err != nil {
		return CycleReport{}, err
	}
	cycles := g.Cycles()
	return CycleReport{HasCycles: len(cycles) > 0, Cycles: cycles}, nil
}

// TransitiveDependents resolves the downstream closure of a qualified
// variable name on the cached graph.
func (s *Service) TransitiveDependents(ctx context.Context, campaignID, branchID uuid.UUID, name string) ([]string, error) {
	g, err := s.GetGraph(ctx, campaignID, branchID)
	if err != nil {
		return nil, err
	}
	return g.TransitiveDependents(name), nil
}

func (s *Service) rebuild(ctx context.Context, campaignID, branchID uuid.UUID) (*Graph, error) {
	vars, err := s.source.ListVariablesByCampaign(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("depgraph: list variables for campaign %s: %w", campaignID, err)
	}
	g := Build(campaignID, branchID, vars)

	s.mu.Lock()
	s.graphs[graphKey(campaignID, branchID)] = cachedGraph{graph: g, expiresAt: time.Now().Add(s.ttl)}
	s.mu.Unlock()

	s.logger.Debug("dependency graph rebuilt",
		"campaign_id", campaignID,
		"branch_id", branchID,
		"nodes", len(g.Nodes),
		"edges", len(g.DependsOn))
	return g, nil
}

// evictLoop removes expired graphs every minute.
func (s *Service) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for key, entry := range s.graphs {
				if now.After(entry.expiresAt) {
					delete(s.graphs, key)
				}
			}
			s.mu.Unlock()
		}
	}
}
