// Package proxy wraps one autonomous participant behind the two operations
// the orchestrator needs: a capability query and outcome delivery. The
// Bounded wrapper hides whether the participant is remote, slow, or
// offline; the exchange machine only ever sees a snapshot, Unreachable, or
// a discarded malformed reply.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"parley/internal/domain"
)

// ErrUnreachable reports that a participant did not answer within its
// bound. The state machine treats it like a reply that never arrived.
var ErrUnreachable = errors.New("participant unreachable")

// Proxy reaches one external decision-maker.
type Proxy interface {
	QueryOptions(ctx context.Context, ectx domain.ExchangeContext) (domain.CapabilitySnapshot, error)
	DeliverOutcome(ctx context.Context, o domain.Outcome) error
}

// Static answers capability queries from a fixed set; used for registry
// participants of kind "static", tests, and the local runner.
type Static struct {
	ParticipantID string
	Capabilities  []domain.Capability
	Preferred     string
}

func (p Static) QueryOptions(ctx context.Context, _ domain.ExchangeContext) (domain.CapabilitySnapshot, error) {
	return domain.CapabilitySnapshot{
		ParticipantID: p.ParticipantID,
		Capabilities:  p.Capabilities,
		Preferred:     p.Preferred,
	}, nil
}

func (p Static) DeliverOutcome(ctx context.Context, _ domain.Outcome) error { return nil }

// Func adapts plain functions into a Proxy; handy in tests.
type Func struct {
	Query   func(ctx context.Context, ectx domain.ExchangeContext) (domain.CapabilitySnapshot, error)
	Deliver func(ctx context.Context, o domain.Outcome) error
}

func (p Func) QueryOptions(ctx context.Context, ectx domain.ExchangeContext) (domain.CapabilitySnapshot, error) {
	if p.Query == nil {
		return domain.CapabilitySnapshot{}, ErrUnreachable
	}
	return p.Query(ctx, ectx)
}

func (p Func) DeliverOutcome(ctx context.Context, o domain.Outcome) error {
	if p.Deliver == nil {
		return nil
	}
	return p.Deliver(ctx, o)
}

// Bounded enforces the participant-query timeout, validates snapshots
// against the minimal schema, retries outcome delivery with backoff, and
// tracks responsiveness.
type Bounded struct {
	ParticipantID string
	Inner         Proxy
	QueryTimeout  time.Duration
	Retries       int
	Backoff       time.Duration
	Logger        *slog.Logger

	mu             sync.Mutex
	responsiveness string
}

func (b *Bounded) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

func (b *Bounded) setResponsiveness(r string) {
	b.mu.Lock()
	b.responsiveness = r
	b.mu.Unlock()
}

// Responsiveness reports the last observed state of the participant.
func (b *Bounded) Responsiveness() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.responsiveness == "" {
		return domain.RespHealthy
	}
	return b.responsiveness
}

func (b *Bounded) QueryOptions(ctx context.Context, ectx domain.ExchangeContext) (domain.CapabilitySnapshot, error) {
	timeout := b.QueryTimeout
	if timeout <= 0 {
		timeout = 250 * time.Millisecond
	}
	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		snap domain.CapabilitySnapshot
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		snap, err := b.Inner.QueryOptions(qctx, ectx)
		ch <- result{snap, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			b.setResponsiveness(domain.RespUnreachable)
			b.logger().Warn("participant query failed",
				"participant", b.ParticipantID, "err", res.err)
			return domain.CapabilitySnapshot{}, ErrUnreachable
		}
		if err := ValidateSnapshot(res.snap); err != nil {
			// Malformed reply: degraded, not fatal; the beat proceeds
			// with the built-in pass default.
			b.setResponsiveness(domain.RespDegraded)
			b.logger().Warn("degraded participant: snapshot discarded",
				"participant", b.ParticipantID, "err", err)
			return domain.CapabilitySnapshot{ParticipantID: b.ParticipantID}, nil
		}
		b.setResponsiveness(domain.RespHealthy)
		return res.snap, nil
	case <-qctx.Done():
		b.setResponsiveness(domain.RespUnreachable)
		b.logger().Warn("participant query timed out",
			"participant", b.ParticipantID, "timeout", timeout)
		return domain.CapabilitySnapshot{}, ErrUnreachable
	}
}

// DeliverOutcome is fire-and-forget with bounded retry. After the last
// attempt the outcome is dropped with a durability warning.
func (b *Bounded) DeliverOutcome(ctx context.Context, o domain.Outcome) error {
	attempts := b.Retries + 1
	backoff := b.Backoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = b.Inner.DeliverOutcome(ctx, o); err == nil {
			return nil
		}
		if i < attempts-1 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}
	}
	b.logger().Warn("outcome delivery dropped after retries",
		"participant", b.ParticipantID, "exchange", o.ExchangeID, "beat", o.Beat,
		"attempts", attempts, "err", err)
	return err
}

// ValidateSnapshot checks the minimal snapshot schema: non-empty capability
// identifiers and finite weights.
func ValidateSnapshot(s domain.CapabilitySnapshot) error {
	for i, c := range s.Capabilities {
		if c.ID == "" {
			return fmt.Errorf("capability %d has empty id", i)
		}
		if math.IsNaN(c.Weight) || math.IsInf(c.Weight, 0) {
			return fmt.Errorf("capability %s has non-finite weight", c.ID)
		}
		if c.MaxRange < 0 {
			return fmt.Errorf("capability %s has negative range", c.ID)
		}
	}
	return nil
}
