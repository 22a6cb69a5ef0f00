package exchange_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"parley/internal/config"
	"parley/internal/db"
	"parley/internal/domain"
	"parley/internal/events"
	"parley/internal/exchange"
	"parley/internal/feed"
	"parley/internal/gateway"
	"parley/internal/migrate"
	"parley/internal/proxy"
	"parley/internal/repo"
)

type testEnv struct {
	Sup  *exchange.Supervisor
	Repo repo.Repo
	Bus  *feed.Bus
	Gw   *gateway.Static
	Cfg  *config.Config
	Ctx  context.Context
}

func newTestEnv(t *testing.T, mut func(*config.Config)) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Timeouts.BeatMS = 2000
	cfg.Exchange.MaxBeats = 8
	if mut != nil {
		mut(cfg)
	}
	r := repo.Repo{DB: conn}
	bus := feed.NewBus()
	t.Cleanup(bus.Close)
	gw := gateway.NewStatic()
	sup := exchange.NewSupervisor(exchange.Deps{
		DB:      conn,
		Repo:    r,
		Events:  events.Writer{DB: conn},
		Bus:     bus,
		Gateway: gw,
		Config:  cfg,
		Logger:  slog.Default(),
	})
	t.Cleanup(sup.Close)
	return &testEnv{Sup: sup, Repo: r, Bus: bus, Gw: gw, Cfg: cfg, Ctx: context.Background()}
}

func staticMember(id string, preferred string, caps ...domain.Capability) exchange.Member {
	return exchange.Member{
		ID:    id,
		Proxy: proxy.Static{ParticipantID: id, Capabilities: caps, Preferred: preferred},
	}
}

func waitEvent(t *testing.T, ch <-chan feed.Event, typ string) feed.Event {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				t.Fatalf("feed closed waiting for %s", typ)
			}
			if e.Type == typ {
				return e
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s", typ)
		}
	}
}

func findOption(opts []domain.Option, capability string) domain.Option {
	for _, o := range opts {
		if o.Capability == capability {
			return o
		}
	}
	return domain.Option{}
}

func TestSilentParticipantsResolveByDefault(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Timeouts.BeatMS = 40
		c.Exchange.MaxBeats = 2
	})
	ch, cancel := env.Bus.Subscribe()
	defer cancel()

	snap, err := env.Sup.Create(env.Ctx, exchange.CreateParams{Members: []exchange.Member{
		staticMember("a", "", domain.Capability{ID: "wave", Weight: 1}),
		staticMember("b", "", domain.Capability{ID: "nod", Weight: 1}),
	}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	evt := waitEvent(t, ch, feed.TypeOutcome)
	if evt.Outcome == nil || len(evt.Outcome.Resolutions) != 2 {
		t.Fatalf("expected 2 resolutions, got %+v", evt.Outcome)
	}
	for _, res := range evt.Outcome.Resolutions {
		if !res.WasDefaulted {
			t.Fatalf("silent participant %s should resolve by default", res.ParticipantID)
		}
	}

	waitEvent(t, ch, feed.TypeAftermath)
	final, err := env.Sup.GetStatus(env.Ctx, snap.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if final.Phase != domain.PhaseAftermath {
		t.Fatalf("expected aftermath, got %s", final.Phase)
	}
	if len(final.Log) != 2 {
		t.Fatalf("expected 2 beat outcomes, got %d", len(final.Log))
	}
	if final.Log[0].Seq != 1 || final.Log[1].Seq != 2 {
		t.Fatalf("outcomes not strictly ordered: %d, %d", final.Log[0].Seq, final.Log[1].Seq)
	}
}

func TestExplicitChoicesAndSubmitErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	ch, cancel := env.Bus.Subscribe()
	defer cancel()

	strike := domain.Capability{ID: "strike", Weight: 3, TargetType: domain.TargetTypeParticipant}
	block := domain.Capability{ID: "block", Weight: 1}
	snap, err := env.Sup.Create(env.Ctx, exchange.CreateParams{Members: []exchange.Member{
		staticMember("a", "", strike, block),
		staticMember("b", "block", strike, block),
	}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	opened := waitEvent(t, ch, feed.TypeBeatOpened)
	aStrike := findOption(opened.Options["a"], "strike")
	if aStrike.ID == "" || aStrike.TargetParticipant != "b" {
		t.Fatalf("expected strike option targeting b, got %+v", opened.Options["a"])
	}
	bBlock := findOption(opened.Options["b"], "block")
	if !bBlock.Default {
		t.Fatalf("preferred block should be b's default: %+v", opened.Options["b"])
	}

	if err := env.Sup.SubmitChoice(env.Ctx, snap.ID, "zz", bBlock.ID); !errors.Is(err, domain.ErrUnknownParticipant) {
		t.Fatalf("expected unknown participant, got %v", err)
	}
	if err := env.Sup.SubmitChoice(env.Ctx, snap.ID, "a", "no-such-option"); !errors.Is(err, domain.ErrUnknownOption) {
		t.Fatalf("expected unknown option, got %v", err)
	}
	if err := env.Sup.SubmitChoice(env.Ctx, snap.ID, "a", aStrike.ID); err != nil {
		t.Fatalf("submit a: %v", err)
	}
	if err := env.Sup.SubmitChoice(env.Ctx, snap.ID, "a", aStrike.ID); !errors.Is(err, domain.ErrDuplicateResponse) {
		t.Fatalf("expected duplicate response, got %v", err)
	}
	if err := env.Sup.SubmitChoice(env.Ctx, snap.ID, "b", bBlock.ID); err != nil {
		t.Fatalf("submit b: %v", err)
	}

	evt := waitEvent(t, ch, feed.TypeOutcome)
	byID := map[string]domain.Resolution{}
	for _, res := range evt.Outcome.Resolutions {
		byID[res.ParticipantID] = res
	}
	if res := byID["a"]; res.Capability != "strike" || res.TargetParticipant != "b" || res.WasDefaulted {
		t.Fatalf("unexpected resolution for a: %+v", res)
	}
	if res := byID["b"]; res.Capability != "block" || res.WasDefaulted {
		t.Fatalf("unexpected resolution for b: %+v", res)
	}

	// The exchange keeps going; cancel ends it with a cancellation outcome.
	waitEvent(t, ch, feed.TypeBeatOpened)
	if err := env.Sup.Cancel(env.Ctx, snap.ID, "scene over"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	waitEvent(t, ch, feed.TypeAftermath)
	if err := env.Sup.Cancel(env.Ctx, snap.ID, "again"); err != nil {
		t.Fatalf("cancel must be idempotent, got %v", err)
	}

	final, err := env.Sup.GetStatus(env.Ctx, snap.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	last := final.Log[len(final.Log)-1]
	if last.Kind != domain.OutcomeCancelled || last.Reason != "scene over" {
		t.Fatalf("expected cancellation outcome, got %+v", last)
	}
	if n := len(final.Log); n != 2 {
		t.Fatalf("expected 1 beat + 1 cancellation, got %d outcomes", n)
	}
}

func TestConsumableAffordanceTieBreak(t *testing.T) {
	env := newTestEnv(t, nil)
	env.Gw.Set([]domain.Affordance{
		{ID: "torch-1", Type: "torch", Distance: 1, Consumable: true},
	})
	ch, cancel := env.Bus.Subscribe()
	defer cancel()

	grab := domain.Capability{ID: "grab", Weight: 2, TargetType: "torch"}
	snap, err := env.Sup.Create(env.Ctx, exchange.CreateParams{Members: []exchange.Member{
		staticMember("a", "", grab),
		staticMember("b", "", grab),
	}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	opened := waitEvent(t, ch, feed.TypeBeatOpened)
	aGrab := findOption(opened.Options["a"], "grab")
	bGrab := findOption(opened.Options["b"], "grab")
	if err := env.Sup.SubmitChoice(env.Ctx, snap.ID, "a", aGrab.ID); err != nil {
		t.Fatalf("submit a: %v", err)
	}
	if err := env.Sup.SubmitChoice(env.Ctx, snap.ID, "b", bGrab.ID); err != nil {
		t.Fatalf("submit b: %v", err)
	}

	evt := waitEvent(t, ch, feed.TypeOutcome)
	byID := map[string]domain.Resolution{}
	for _, res := range evt.Outcome.Resolutions {
		byID[res.ParticipantID] = res
	}
	// Setup order wins the claim; the loser's grab was also its default, so
	// it lands on pass.
	if res := byID["a"]; res.TargetAffordance != "torch-1" || res.WasDefaulted {
		t.Fatalf("expected a to claim the torch, got %+v", res)
	}
	if res := byID["b"]; res.Capability != domain.CapabilityPass || !res.WasDefaulted {
		t.Fatalf("expected b downgraded to pass, got %+v", res)
	}
	var consumed bool
	for _, d := range evt.Outcome.Deltas {
		if d.Kind == domain.DeltaAffordanceConsumed && d.ParticipantID == "a" && d.AffordanceID == "torch-1" {
			consumed = true
		}
	}
	if !consumed {
		t.Fatalf("expected a consumed delta, got %+v", evt.Outcome.Deltas)
	}

	if err := env.Sup.Cancel(env.Ctx, snap.ID, ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}
}

func TestWithdrawEndsExchange(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Timeouts.BeatMS = 40
	})
	ch, cancel := env.Bus.Subscribe()
	defer cancel()

	snap, err := env.Sup.Create(env.Ctx, exchange.CreateParams{Members: []exchange.Member{
		staticMember("a", domain.CapabilityWithdraw, domain.Capability{ID: domain.CapabilityWithdraw, Weight: 1}),
		staticMember("b", "", domain.Capability{ID: "wave", Weight: 1}),
	}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	evt := waitEvent(t, ch, feed.TypeOutcome)
	var withdrawn bool
	for _, d := range evt.Outcome.Deltas {
		if d.Kind == domain.DeltaWithdrawn && d.ParticipantID == "a" {
			withdrawn = true
		}
	}
	if !withdrawn {
		t.Fatalf("expected withdrawn delta, got %+v", evt.Outcome.Deltas)
	}

	waitEvent(t, ch, feed.TypeAftermath)
	final, err := env.Sup.GetStatus(env.Ctx, snap.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if final.Reason != "insufficient participants" {
		t.Fatalf("unexpected reason %q", final.Reason)
	}
	if final.ActiveParticipants() != 1 {
		t.Fatalf("expected one remaining active participant, got %d", final.ActiveParticipants())
	}
}

func TestUnreachableParticipantFallsBackToPass(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Timeouts.BeatMS = 40
		c.Timeouts.ParticipantMS = 50
		c.Exchange.MaxBeats = 1
	})
	ch, cancel := env.Bus.Subscribe()
	defer cancel()

	offline := exchange.Member{ID: "ghost", Proxy: proxy.Func{
		Query: func(ctx context.Context, _ domain.ExchangeContext) (domain.CapabilitySnapshot, error) {
			return domain.CapabilitySnapshot{}, errors.New("connection refused")
		},
	}}
	snap, err := env.Sup.Create(env.Ctx, exchange.CreateParams{Members: []exchange.Member{
		staticMember("a", "", domain.Capability{ID: "wave", Weight: 1}),
		offline,
	}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	evt := waitEvent(t, ch, feed.TypeOutcome)
	byID := map[string]domain.Resolution{}
	for _, res := range evt.Outcome.Resolutions {
		byID[res.ParticipantID] = res
	}
	if res := byID["ghost"]; res.Capability != domain.CapabilityPass || !res.WasDefaulted {
		t.Fatalf("unreachable participant should default to pass, got %+v", res)
	}

	waitEvent(t, ch, feed.TypeAftermath)
	final, err := env.Sup.GetStatus(env.Ctx, snap.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, p := range final.Participants {
		if p.ID == "ghost" && p.Responsiveness != domain.RespUnreachable {
			t.Fatalf("expected ghost marked unreachable, got %s", p.Responsiveness)
		}
	}
}

func TestDegradedSnapshotIsDiscarded(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Timeouts.BeatMS = 40
		c.Exchange.MaxBeats = 1
	})
	ch, cancel := env.Bus.Subscribe()
	defer cancel()

	garbled := exchange.Member{ID: "noisy", Proxy: proxy.Func{
		Query: func(ctx context.Context, _ domain.ExchangeContext) (domain.CapabilitySnapshot, error) {
			return domain.CapabilitySnapshot{
				ParticipantID: "noisy",
				Capabilities:  []domain.Capability{{ID: ""}},
			}, nil
		},
	}}
	snap, err := env.Sup.Create(env.Ctx, exchange.CreateParams{Members: []exchange.Member{
		staticMember("a", "", domain.Capability{ID: "wave", Weight: 1}),
		garbled,
	}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	evt := waitEvent(t, ch, feed.TypeOutcome)
	byID := map[string]domain.Resolution{}
	for _, res := range evt.Outcome.Resolutions {
		byID[res.ParticipantID] = res
	}
	if res := byID["noisy"]; res.Capability != domain.CapabilityPass {
		t.Fatalf("degraded participant should only have pass, got %+v", res)
	}
	waitEvent(t, ch, feed.TypeAftermath)
	final, _ := env.Sup.GetStatus(env.Ctx, snap.ID)
	for _, p := range final.Participants {
		if p.ID == "noisy" && p.Responsiveness != domain.RespDegraded {
			t.Fatalf("expected noisy marked degraded, got %s", p.Responsiveness)
		}
	}
}

func TestChoicesOutsideOpenBeatArePhaseMismatches(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Timeouts.BeatMS = 500
		c.Timeouts.ParticipantMS = 250
		c.Exchange.MaxBeats = 2
	})
	ch, cancel := env.Bus.Subscribe()
	defer cancel()

	// First query answers normally; from the second beat on the proxy hangs,
	// which holds the machine between beats long enough to submit there.
	var queries atomic.Int32
	slow := exchange.Member{ID: "slow", Proxy: proxy.Func{
		Query: func(ctx context.Context, _ domain.ExchangeContext) (domain.CapabilitySnapshot, error) {
			if queries.Add(1) == 1 {
				return domain.CapabilitySnapshot{
					ParticipantID: "slow",
					Capabilities:  []domain.Capability{{ID: "wave", Weight: 1}},
				}, nil
			}
			<-ctx.Done()
			return domain.CapabilitySnapshot{}, ctx.Err()
		},
	}}
	snap, err := env.Sup.Create(env.Ctx, exchange.CreateParams{Members: []exchange.Member{
		staticMember("a", "", domain.Capability{ID: "wave", Weight: 1}),
		slow,
	}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	opened := waitEvent(t, ch, feed.TypeBeatOpened)
	staleA := findOption(opened.Options["a"], "wave")
	if staleA.ID == "" {
		t.Fatalf("expected a wave option for a, got %+v", opened.Options["a"])
	}

	// Nobody answers; the beat resolves by default. Right after the outcome
	// the machine is between beats, held there by the hanging query.
	waitEvent(t, ch, feed.TypeOutcome)
	if err := env.Sup.SubmitChoice(env.Ctx, snap.ID, "a", staleA.ID); !errors.Is(err, domain.ErrPhaseMismatch) {
		t.Fatalf("expected phase mismatch between beats, got %v", err)
	}

	// Once the next beat opens the held-over id names nothing: option ids
	// are scoped to their beat.
	reopened := waitEvent(t, ch, feed.TypeBeatOpened)
	for pid, opts := range reopened.Options {
		if findOption(opts, "wave").ID == staleA.ID {
			t.Fatalf("stale option id reappeared for %s", pid)
		}
	}
	if err := env.Sup.SubmitChoice(env.Ctx, snap.ID, "a", staleA.ID); !errors.Is(err, domain.ErrUnknownOption) {
		t.Fatalf("expected unknown option for held-over id, got %v", err)
	}

	// The rejected submissions left no trace in the second outcome.
	evt := waitEvent(t, ch, feed.TypeOutcome)
	for _, res := range evt.Outcome.Resolutions {
		if !res.WasDefaulted {
			t.Fatalf("stale submission resolved as explicit choice: %+v", res)
		}
	}
}

func TestWithdrawnParticipantStillReceivesFinalOutcome(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Timeouts.BeatMS = 40
	})
	ch, cancel := env.Bus.Subscribe()
	defer cancel()

	var mu sync.Mutex
	var delivered []domain.Outcome
	quitter := exchange.Member{ID: "a", Proxy: proxy.Func{
		Query: func(ctx context.Context, _ domain.ExchangeContext) (domain.CapabilitySnapshot, error) {
			return domain.CapabilitySnapshot{
				ParticipantID: "a",
				Capabilities:  []domain.Capability{{ID: domain.CapabilityWithdraw, Weight: 1}},
				Preferred:     domain.CapabilityWithdraw,
			}, nil
		},
		Deliver: func(ctx context.Context, o domain.Outcome) error {
			mu.Lock()
			delivered = append(delivered, o)
			mu.Unlock()
			return nil
		},
	}}
	_, err := env.Sup.Create(env.Ctx, exchange.CreateParams{Members: []exchange.Member{
		quitter,
		staticMember("b", "", domain.Capability{ID: "wave", Weight: 1}),
	}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	evt := waitEvent(t, ch, feed.TypeOutcome)
	var withdrawn bool
	for _, d := range evt.Outcome.Deltas {
		if d.Kind == domain.DeltaWithdrawn && d.ParticipantID == "a" {
			withdrawn = true
		}
	}
	if !withdrawn {
		t.Fatalf("expected a withdrawn, got %+v", evt.Outcome.Deltas)
	}
	waitEvent(t, ch, feed.TypeAftermath)

	// The outcome that withdrew a still reaches a: delivery goes to every
	// seat that was active when the beat opened.
	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := len(delivered)
		var beat int
		if n > 0 {
			beat = delivered[0].Beat
		}
		mu.Unlock()
		if n > 0 {
			if beat != evt.Outcome.Beat {
				t.Fatalf("delivered beat %d, want %d", beat, evt.Outcome.Beat)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("withdrawn participant never received the final outcome")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStatusNeverBlocksDuringOpenBeat(t *testing.T) {
	env := newTestEnv(t, nil)
	ch, cancel := env.Bus.Subscribe()
	defer cancel()

	snap, err := env.Sup.Create(env.Ctx, exchange.CreateParams{Members: []exchange.Member{
		staticMember("a", "", domain.Capability{ID: "wave", Weight: 1}),
		staticMember("b", "", domain.Capability{ID: "nod", Weight: 1}),
	}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitEvent(t, ch, feed.TypeBeatOpened)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s, err := env.Sup.GetStatus(env.Ctx, snap.ID)
		if err != nil {
			t.Errorf("status: %v", err)
			return
		}
		if s.Phase != domain.PhaseOptionsOpen {
			t.Errorf("expected options_open, got %s", s.Phase)
		}
		if len(s.Participants[0].Options) == 0 {
			t.Errorf("expected generated options in snapshot")
		}
		if s.Deadline == "" {
			t.Errorf("expected a beat deadline")
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("status blocked on the open beat")
	}
	if err := env.Sup.Cancel(env.Ctx, snap.ID, ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}
}
