// Package gateway exposes read-only environment facts (affordances) to the
// exchange machines. Queries are bounded: a timeout or error degrades to an
// empty affordance set so a beat is never blocked on the environment.
package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"parley/internal/domain"
	"parley/internal/repo"
)

// Gateway answers affordance queries. Implementations must treat the
// context deadline as authoritative.
type Gateway interface {
	Query(ctx context.Context, area, typeFilter string) ([]domain.Affordance, error)
}

// Repo serves affordances from the sqlite registry.
type Repo struct {
	Repo repo.Repo
}

func (g Repo) Query(ctx context.Context, area, typeFilter string) ([]domain.Affordance, error) {
	return g.Repo.ListAffordances(ctx, area, typeFilter)
}

// Static serves a fixed affordance set; used by tests and the local runner.
type Static struct {
	mu         sync.RWMutex
	affordance []domain.Affordance
}

func NewStatic(affs ...domain.Affordance) *Static {
	return &Static{affordance: affs}
}

func (g *Static) Query(ctx context.Context, area, typeFilter string) ([]domain.Affordance, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var res []domain.Affordance
	for _, a := range g.affordance {
		if area != "" && a.Area != area {
			continue
		}
		if typeFilter != "" && a.Type != typeFilter {
			continue
		}
		res = append(res, a)
	}
	return res, nil
}

// Set replaces the affordance set (environment changed between beats).
func (g *Static) Set(affs []domain.Affordance) {
	g.mu.Lock()
	g.affordance = affs
	g.mu.Unlock()
}

// Bounded wraps a gateway with a query timeout. Timeouts and errors are
// logged and reported as an empty set; the negotiation proceeds without
// environment facts rather than stalling.
type Bounded struct {
	Inner   Gateway
	Timeout time.Duration
	Logger  *slog.Logger
}

func (g Bounded) logger() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}

func (g Bounded) Query(ctx context.Context, area, typeFilter string) ([]domain.Affordance, error) {
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = 150 * time.Millisecond
	}
	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		affs []domain.Affordance
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		affs, err := g.Inner.Query(qctx, area, typeFilter)
		ch <- result{affs, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			g.logger().Warn("gateway query failed, treating as empty",
				"area", area, "type", typeFilter, "err", res.err)
			return nil, nil
		}
		return res.affs, nil
	case <-qctx.Done():
		g.logger().Warn("gateway timeout, treating as empty",
			"area", area, "type", typeFilter, "timeout", timeout)
		return nil, nil
	}
}
