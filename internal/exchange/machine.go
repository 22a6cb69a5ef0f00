// Package exchange runs the negotiation protocol: a supervisor that owns
// participant assignments and one machine goroutine per exchange. Each
// machine is the single writer for its exchange; everything else talks to
// it through commands, the crisis intake, or a read-only snapshot.
package exchange

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"time"

	"parley/internal/config"
	"parley/internal/domain"
	"parley/internal/events"
	"parley/internal/feed"
	"parley/internal/gateway"
	"parley/internal/options"
	"parley/internal/proxy"
	"parley/internal/repo"
)

// Deps carries everything a machine needs besides its own state. Consume
// is called once per claimed consumable affordance; a nil Consume leaves
// the environment registry untouched.
type Deps struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Bus     *feed.Bus
	Gateway gateway.Gateway
	Config  *config.Config
	Scorer  options.ScoringStrategy
	Logger  *slog.Logger
	Now     func() time.Time
	Consume func(ctx context.Context, affordanceID string) error
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

type cmdKind int

const (
	cmdSubmit cmdKind = iota
	cmdCancel
)

type command struct {
	kind          cmdKind
	participantID string
	optionID      string
	reason        string
	reply         chan error
}

// Machine drives one exchange through its beats. All state mutation
// happens on the Run goroutine; the snapshot behind mu is a copy kept for
// readers.
type Machine struct {
	deps    Deps
	id      string
	order   []string
	proxies map[string]*proxy.Bounded
	intake  *Intake

	commands chan command
	done     chan struct{}

	mu   sync.Mutex
	snap domain.ExchangeSnapshot
}

// NewMachine wraps an existing (already persisted) snapshot. The proxies
// map must cover every participant in the snapshot.
func NewMachine(deps Deps, snap domain.ExchangeSnapshot, proxies map[string]*proxy.Bounded) *Machine {
	order := make([]string, 0, len(snap.Participants))
	for _, p := range snap.Participants {
		order = append(order, p.ID)
	}
	return &Machine{
		deps:     deps,
		id:       snap.ID,
		order:    order,
		proxies:  proxies,
		intake:   &Intake{},
		commands: make(chan command, 32),
		done:     make(chan struct{}),
		snap:     snap,
	}
}

// ID returns the exchange identifier.
func (m *Machine) ID() string { return m.id }

// Done closes when the machine goroutine has exited.
func (m *Machine) Done() <-chan struct{} { return m.done }

// Intake exposes the crisis queue for this exchange.
func (m *Machine) Intake() *Intake { return m.intake }

// Snapshot returns a copy of the externally visible state. Never blocks on
// the beat loop.
func (m *Machine) Snapshot() domain.ExchangeSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copySnapshot(m.snap)
}

func copySnapshot(s domain.ExchangeSnapshot) domain.ExchangeSnapshot {
	out := s
	out.Participants = make([]domain.Participant, len(s.Participants))
	for i, p := range s.Participants {
		out.Participants[i] = p
		out.Participants[i].Options = append([]domain.Option(nil), p.Options...)
	}
	out.Log = append([]domain.Outcome(nil), s.Log...)
	out.Affordances = append([]domain.Affordance(nil), s.Affordances...)
	return out
}

func (m *Machine) setSnapshot(s domain.ExchangeSnapshot) {
	c := copySnapshot(s)
	m.mu.Lock()
	m.snap = c
	m.mu.Unlock()
}

func (m *Machine) setPhase(p domain.Phase) {
	m.mu.Lock()
	m.snap.Phase = p
	m.mu.Unlock()
}

func (m *Machine) phase() domain.Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap.Phase
}

// SubmitChoice records a participant's pick for the open beat. Outside the
// OptionsOpen window it fails immediately with a phase mismatch rather than
// queueing for a later beat.
func (m *Machine) SubmitChoice(ctx context.Context, participantID, optionID string) error {
	if m.phase() != domain.PhaseOptionsOpen {
		return domain.ErrPhaseMismatch
	}
	cmd := command{kind: cmdSubmit, participantID: participantID, optionID: optionID, reply: make(chan error, 1)}
	select {
	case m.commands <- cmd:
	case <-m.done:
		return domain.ErrPhaseMismatch
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-m.done:
		return domain.ErrPhaseMismatch
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel requests termination. Idempotent: cancelling a finished exchange
// is a no-op.
func (m *Machine) Cancel(ctx context.Context, reason string) error {
	cmd := command{kind: cmdCancel, reason: reason, reply: make(chan error, 1)}
	select {
	case m.commands <- cmd:
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes beats until the exchange reaches aftermath or ctx is
// cancelled. On ctx cancellation the in-flight beat is abandoned without an
// outcome; recovery re-runs it from the persisted state.
func (m *Machine) Run(ctx context.Context) {
	defer close(m.done)
	for {
		snap := m.Snapshot()
		if snap.Phase.Terminal() {
			return
		}
		if err := m.runBeat(ctx, snap); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			m.deps.logger().Error("beat failed", "exchange", m.id, "beat", snap.Beat, "err", err)
			return
		}
	}
}

// runBeat executes one full beat: drain crises, open options, collect
// choices, resolve, persist, deliver.
func (m *Machine) runBeat(ctx context.Context, snap domain.ExchangeSnapshot) error {
	if cancelled, err := m.applyCrises(ctx, &snap); err != nil || cancelled {
		return err
	}
	if snap.ActiveParticipants() < 2 {
		return m.finish(ctx, snap, "insufficient participants")
	}
	if snap.Beat >= m.deps.Config.Exchange.MaxBeats {
		return m.finish(ctx, snap, "beat limit reached")
	}

	snap.Beat++
	affs, err := m.deps.Gateway.Query(ctx, snap.Area, "")
	if err != nil {
		// Bounded gateways degrade to empty themselves; a raw gateway
		// error degrades here.
		m.deps.logger().Warn("gateway query failed", "exchange", m.id, "err", err)
		affs = nil
	}
	snap.Affordances = affs

	ectx := domain.ExchangeContext{
		ExchangeID:   m.id,
		Beat:         snap.Beat,
		Area:         snap.Area,
		Participants: bareParticipants(snap.Participants),
		Affordances:  affs,
	}
	m.queryParticipants(ctx, &snap, ectx, affs)

	snap.Phase = domain.PhaseOptionsOpen
	deadline := m.deps.now().Add(m.deps.Config.BeatDeadline())
	snap.Deadline = deadline.UTC().Format(time.RFC3339)
	snap.UpdatedAt = m.deps.now().UTC().Format(time.RFC3339)
	if err := m.persist(ctx, snap, nil, "beat.opened", events.EventPayload{"beat": snap.Beat}); err != nil {
		return err
	}
	m.setSnapshot(snap)
	m.publishBeatOpened(snap)

	choices, cancelledBy, err := m.collect(ctx, snap, m.deps.Config.BeatDeadline())
	if err != nil {
		return err
	}
	if cancelledBy != nil {
		return m.doCancel(ctx, snap, cancelledBy.reason)
	}

	snap.Phase = domain.PhaseResolving
	m.setPhase(domain.PhaseResolving)
	if late := m.drainCommands(); late != nil {
		return m.doCancel(ctx, snap, late.reason)
	}

	recipients := activeIDs(snap.Participants)
	outcome := m.resolve(ctx, &snap, choices)
	snap.UpdatedAt = m.deps.now().UTC().Format(time.RFC3339)
	snap.Deadline = ""
	if err := m.persist(ctx, snap, &outcome, "beat.resolved", events.EventPayload{
		"beat": outcome.Beat, "seq": outcome.Seq, "resolutions": len(outcome.Resolutions),
	}); err != nil {
		return err
	}
	snap.Log = append(snap.Log, outcome)
	m.setSnapshot(snap)

	m.deps.Bus.Publish(feed.Event{Type: feed.TypeOutcome, ExchangeID: m.id, Beat: outcome.Beat, Outcome: &outcome})
	m.deliver(ctx, recipients, outcome)
	return nil
}

// drainCommands rejects submissions that arrived after the collect window
// closed and surfaces a queued cancel. Without this a stale choice would
// sit in the mailbox and be replayed against the next beat.
func (m *Machine) drainCommands() *command {
	for {
		select {
		case cmd := <-m.commands:
			if cmd.kind == cmdCancel {
				cmd.reply <- nil
				return &cmd
			}
			cmd.reply <- domain.ErrPhaseMismatch
		default:
			return nil
		}
	}
}

func activeIDs(ps []domain.Participant) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		if p.Active {
			out = append(out, p.ID)
		}
	}
	return out
}

// applyCrises drains the intake at the beat boundary. A cancel crisis ends
// the exchange immediately; joins and leaves adjust the participant set
// before options open.
func (m *Machine) applyCrises(ctx context.Context, snap *domain.ExchangeSnapshot) (bool, error) {
	for _, c := range m.intake.Drain() {
		switch c.Kind {
		case CrisisCancel:
			return true, m.doCancel(ctx, *snap, c.Reason)
		case CrisisJoin:
			p := c.Participant
			p.Active = true
			if p.Responsiveness == "" {
				p.Responsiveness = domain.RespHealthy
			}
			snap.Participants = append(snap.Participants, p)
			m.order = append(m.order, p.ID)
			m.proxies[p.ID] = c.Proxy
			m.deps.logger().Info("participant joined", "exchange", m.id, "participant", p.ID)
		case CrisisLeave:
			for i := range snap.Participants {
				if snap.Participants[i].ID == c.Participant.ID {
					snap.Participants[i].Active = false
				}
			}
			m.deps.logger().Info("participant left", "exchange", m.id, "participant", c.Participant.ID)
		}
	}
	return false, nil
}

func bareParticipants(ps []domain.Participant) []domain.Participant {
	out := make([]domain.Participant, len(ps))
	for i, p := range ps {
		p.Options = nil
		out[i] = p
	}
	return out
}

// queryParticipants fetches fresh capability snapshots concurrently and
// regenerates each active participant's option set. Unreachable or
// degraded participants end up with only the built-in pass.
func (m *Machine) queryParticipants(ctx context.Context, snap *domain.ExchangeSnapshot, ectx domain.ExchangeContext, affs []domain.Affordance) {
	type reply struct {
		idx  int
		caps domain.CapabilitySnapshot
	}
	var wg sync.WaitGroup
	replies := make(chan reply, len(snap.Participants))
	for i := range snap.Participants {
		p := snap.Participants[i]
		if !p.Active {
			continue
		}
		wg.Add(1)
		go func(idx int, pid string) {
			defer wg.Done()
			px := m.proxies[pid]
			if px == nil {
				replies <- reply{idx: idx, caps: domain.CapabilitySnapshot{ParticipantID: pid}}
				return
			}
			caps, err := px.QueryOptions(ctx, ectx)
			if err != nil {
				caps = domain.CapabilitySnapshot{ParticipantID: pid}
			}
			replies <- reply{idx: idx, caps: caps}
		}(i, p.ID)
	}
	wg.Wait()
	close(replies)
	for r := range replies {
		p := &snap.Participants[r.idx]
		opts, _ := options.Generate(r.caps, affs, ectx, m.deps.Scorer, m.deps.Config.Options.MaxPerParticipant)
		p.Options = opts
		if px := m.proxies[p.ID]; px != nil {
			p.Responsiveness = px.Responsiveness()
		}
	}
}

// collect waits for choices until the deadline or until every active
// participant has answered. Commands arriving outside this window are
// answered with a phase mismatch.
func (m *Machine) collect(ctx context.Context, snap domain.ExchangeSnapshot, wait time.Duration) (map[string]string, *command, error) {
	choices := make(map[string]string)
	active := snap.ActiveParticipants()
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for len(choices) < active {
		select {
		case cmd := <-m.commands:
			if cmd.kind == cmdCancel {
				cmd.reply <- nil
				return nil, &cmd, nil
			}
			cmd.reply <- m.acceptChoice(snap, choices, cmd)
		case <-timer.C:
			return choices, nil, nil
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
	return choices, nil, nil
}

func (m *Machine) acceptChoice(snap domain.ExchangeSnapshot, choices map[string]string, cmd command) error {
	var p *domain.Participant
	for i := range snap.Participants {
		if snap.Participants[i].ID == cmd.participantID {
			p = &snap.Participants[i]
			break
		}
	}
	if p == nil || !p.Active {
		return domain.ErrUnknownParticipant
	}
	if _, dup := choices[cmd.participantID]; dup {
		return domain.ErrDuplicateResponse
	}
	if findOption(p.Options, cmd.optionID) == nil {
		return domain.ErrUnknownOption
	}
	choices[cmd.participantID] = cmd.optionID
	return nil
}

func findOption(opts []domain.Option, id string) *domain.Option {
	for i := range opts {
		if opts[i].ID == id {
			return &opts[i]
		}
	}
	return nil
}

func defaultOption(opts []domain.Option) *domain.Option {
	for i := range opts {
		if opts[i].Default {
			return &opts[i]
		}
	}
	return nil
}

// resolve turns collected choices into an immutable outcome. Participants
// are resolved in setup order; a later participant whose pick claims an
// already-claimed consumable affordance is downgraded to its default, and
// to pass when the default conflicts too.
func (m *Machine) resolve(ctx context.Context, snap *domain.ExchangeSnapshot, choices map[string]string) domain.Outcome {
	affByID := make(map[string]domain.Affordance, len(snap.Affordances))
	for _, a := range snap.Affordances {
		affByID[a.ID] = a
	}
	claimed := make(map[string]bool)
	conflicts := func(o *domain.Option) bool {
		if o == nil || o.TargetAffordance == "" {
			return false
		}
		a, ok := affByID[o.TargetAffordance]
		return ok && a.Consumable && claimed[o.TargetAffordance]
	}

	out := domain.Outcome{
		ExchangeID: m.id,
		Seq:        len(snap.Log) + 1,
		Beat:       snap.Beat,
		Kind:       domain.OutcomeBeat,
		TS:         m.deps.now().UTC().Format(time.RFC3339),
	}

	for _, pid := range m.order {
		var p *domain.Participant
		for i := range snap.Participants {
			if snap.Participants[i].ID == pid {
				p = &snap.Participants[i]
				break
			}
		}
		if p == nil || !p.Active {
			continue
		}
		opt := findOption(p.Options, choices[pid])
		defaulted := opt == nil
		if opt == nil {
			opt = defaultOption(p.Options)
		}
		if conflicts(opt) {
			defaulted = true
			if def := defaultOption(p.Options); def != nil && def.ID != opt.ID && !conflicts(def) {
				opt = def
			} else {
				pass := options.PassOption(snap.Beat, pid)
				opt = &pass
			}
		}
		if opt == nil {
			pass := options.PassOption(snap.Beat, pid)
			opt = &pass
			defaulted = true
		}
		if opt.TargetAffordance != "" {
			if a, ok := affByID[opt.TargetAffordance]; ok && a.Consumable {
				claimed[opt.TargetAffordance] = true
				out.Deltas = append(out.Deltas, domain.Delta{
					Kind:          domain.DeltaAffordanceConsumed,
					ParticipantID: pid,
					AffordanceID:  opt.TargetAffordance,
				})
				if m.deps.Consume != nil {
					if err := m.deps.Consume(ctx, opt.TargetAffordance); err != nil {
						m.deps.logger().Warn("affordance consume failed",
							"exchange", m.id, "affordance", opt.TargetAffordance, "err", err)
					}
				}
			}
		}
		if opt.Capability == domain.CapabilityWithdraw {
			p.Active = false
			out.Deltas = append(out.Deltas, domain.Delta{Kind: domain.DeltaWithdrawn, ParticipantID: pid})
		}
		out.Resolutions = append(out.Resolutions, domain.Resolution{
			ParticipantID:     pid,
			OptionID:          opt.ID,
			Capability:        opt.Capability,
			TargetParticipant: opt.TargetParticipant,
			TargetAffordance:  opt.TargetAffordance,
			WasDefaulted:      defaulted,
		})
	}
	return out
}

// deliver fans the outcome out to everyone who held an active seat when
// the beat opened, including a participant this very outcome withdrew.
// Delivery runs off the beat loop; retry and drop policy live in the
// bounded proxy.
func (m *Machine) deliver(ctx context.Context, recipients []string, o domain.Outcome) {
	for _, pid := range recipients {
		px := m.proxies[pid]
		if px == nil {
			continue
		}
		go func(px *proxy.Bounded) {
			_ = px.DeliverOutcome(context.WithoutCancel(ctx), o)
		}(px)
	}
}

// doCancel records a cancellation outcome and moves to aftermath in one
// transaction.
func (m *Machine) doCancel(ctx context.Context, snap domain.ExchangeSnapshot, reason string) error {
	if reason == "" {
		reason = "cancelled"
	}
	now := m.deps.now().UTC().Format(time.RFC3339)
	outcome := domain.Outcome{
		ExchangeID: m.id,
		Seq:        len(snap.Log) + 1,
		Beat:       snap.Beat,
		Kind:       domain.OutcomeCancelled,
		Reason:     reason,
		TS:         now,
	}
	snap.Phase = domain.PhaseAftermath
	snap.Reason = reason
	snap.Deadline = ""
	snap.UpdatedAt = now
	if err := m.persist(ctx, snap, &outcome, "exchange.cancelled", events.EventPayload{"reason": reason}); err != nil {
		return err
	}
	snap.Log = append(snap.Log, outcome)
	m.setSnapshot(snap)
	m.deps.Bus.Publish(feed.Event{Type: feed.TypeCancelled, ExchangeID: m.id, Beat: snap.Beat, Outcome: &outcome, Reason: reason})
	m.deps.Bus.Publish(feed.Event{Type: feed.TypeAftermath, ExchangeID: m.id, Beat: snap.Beat, Reason: reason})
	m.deliver(ctx, activeIDs(snap.Participants), outcome)
	return nil
}

// finish closes the exchange without a further outcome (natural end).
func (m *Machine) finish(ctx context.Context, snap domain.ExchangeSnapshot, reason string) error {
	snap.Phase = domain.PhaseAftermath
	snap.Reason = reason
	snap.Deadline = ""
	snap.UpdatedAt = m.deps.now().UTC().Format(time.RFC3339)
	if err := m.persist(ctx, snap, nil, "exchange.closed", events.EventPayload{"reason": reason}); err != nil {
		return err
	}
	m.setSnapshot(snap)
	m.deps.Bus.Publish(feed.Event{Type: feed.TypeAftermath, ExchangeID: m.id, Beat: snap.Beat, Reason: reason})
	return nil
}

func (m *Machine) publishBeatOpened(snap domain.ExchangeSnapshot) {
	opts := make(map[string][]domain.Option, len(snap.Participants))
	for _, p := range snap.Participants {
		if p.Active {
			opts[p.ID] = p.Options
		}
	}
	m.deps.Bus.Publish(feed.Event{Type: feed.TypeBeatOpened, ExchangeID: m.id, Beat: snap.Beat, Options: opts})
}

// persist writes the snapshot, optional outcome, and audit event
// atomically.
func (m *Machine) persist(ctx context.Context, snap domain.ExchangeSnapshot, outcome *domain.Outcome, evtType string, payload events.EventPayload) error {
	tx, err := m.deps.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := m.deps.Repo.UpdateExchange(ctx, tx, snap); err != nil {
		return err
	}
	if outcome != nil {
		if err := m.deps.Repo.AppendOutcome(ctx, tx, *outcome); err != nil {
			return err
		}
	}
	if err := m.deps.Events.Append(ctx, tx, evtType, m.id, "exchange", m.id, "orchestrator", payload); err != nil {
		return err
	}
	return tx.Commit()
}
