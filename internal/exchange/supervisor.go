package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"parley/internal/domain"
	"parley/internal/events"
	"parley/internal/proxy"
	"parley/internal/repo"
)

// Member is one participant being drawn into a new exchange.
type Member struct {
	ID    string
	Role  string
	Proxy proxy.Proxy
}

// CreateParams describes a new exchange.
type CreateParams struct {
	ID      string // generated when empty
	Area    string
	Members []Member
}

// Supervisor owns all running machines and the participant-ownership map:
// a participant belongs to at most one live exchange at a time. It is the
// only entry point for creating, addressing, and recovering exchanges.
type Supervisor struct {
	deps Deps

	mu       sync.Mutex
	machines map[string]*Machine
	owned    map[string]string // participant id -> exchange id
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSupervisor(deps Deps) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		deps:     deps,
		machines: make(map[string]*Machine),
		owned:    make(map[string]string),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Create validates the participant set, claims ownership, persists the new
// exchange and starts its machine. The first beat opens asynchronously.
func (s *Supervisor) Create(ctx context.Context, params CreateParams) (domain.ExchangeSnapshot, error) {
	if len(params.Members) < 1 {
		return domain.ExchangeSnapshot{}, fmt.Errorf("%w: need at least one participant", domain.ErrInvalidParticipantSet)
	}
	seen := make(map[string]bool, len(params.Members))
	for _, mem := range params.Members {
		if mem.ID == "" {
			return domain.ExchangeSnapshot{}, fmt.Errorf("%w: empty participant id", domain.ErrInvalidParticipantSet)
		}
		if seen[mem.ID] {
			return domain.ExchangeSnapshot{}, fmt.Errorf("%w: duplicate participant %s", domain.ErrInvalidParticipantSet, mem.ID)
		}
		seen[mem.ID] = true
	}

	id := params.ID
	if id == "" {
		id = uuid.NewString()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ExchangeSnapshot{}, fmt.Errorf("supervisor closed")
	}
	if _, dup := s.machines[id]; dup {
		s.mu.Unlock()
		return domain.ExchangeSnapshot{}, fmt.Errorf("exchange %s already running", id)
	}
	for _, mem := range params.Members {
		if other, owned := s.owned[mem.ID]; owned {
			s.mu.Unlock()
			return domain.ExchangeSnapshot{}, fmt.Errorf("%w: %s is in exchange %s", domain.ErrDuplicateExchange, mem.ID, other)
		}
	}
	for _, mem := range params.Members {
		s.owned[mem.ID] = id
	}
	s.mu.Unlock()

	now := s.deps.now().UTC().Format(time.RFC3339)
	snap := domain.ExchangeSnapshot{
		ID:        id,
		Area:      params.Area,
		Phase:     domain.PhaseSetup,
		CreatedAt: now,
		UpdatedAt: now,
	}
	proxies := make(map[string]*proxy.Bounded, len(params.Members))
	for _, mem := range params.Members {
		snap.Participants = append(snap.Participants, domain.Participant{
			ID:             mem.ID,
			Role:           mem.Role,
			Responsiveness: domain.RespHealthy,
			Active:         true,
		})
		proxies[mem.ID] = s.bound(mem.ID, mem.Proxy)
	}

	if err := s.insert(ctx, snap); err != nil {
		s.release(id, keys(proxies))
		return domain.ExchangeSnapshot{}, err
	}
	s.start(NewMachine(s.deps, snap, proxies))
	return snap, nil
}

// bound wraps a raw proxy with the configured query timeout and delivery
// retry policy.
func (s *Supervisor) bound(participantID string, p proxy.Proxy) *proxy.Bounded {
	if p == nil {
		p = proxy.Static{ParticipantID: participantID}
	}
	return &proxy.Bounded{
		ParticipantID: participantID,
		Inner:         p,
		QueryTimeout:  s.deps.Config.ParticipantTimeout(),
		Retries:       s.deps.Config.Timeouts.DeliveryRetries,
		Backoff:       s.deps.Config.DeliveryBackoff(),
		Logger:        s.deps.logger(),
	}
}

// MemberFromRegistry resolves a registry entry into a Member with its
// transport proxy.
func (s *Supervisor) MemberFromRegistry(ctx context.Context, participantID string) (Member, error) {
	p, err := s.deps.Repo.GetParticipant(ctx, participantID)
	if err != nil {
		return Member{}, err
	}
	px, err := proxy.FromRegistry(p)
	if err != nil {
		return Member{}, err
	}
	return Member{ID: p.ID, Role: p.Role, Proxy: px}, nil
}

func (s *Supervisor) insert(ctx context.Context, snap domain.ExchangeSnapshot) error {
	tx, err := s.deps.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.deps.Repo.InsertExchange(ctx, tx, snap); err != nil {
		return err
	}
	if err := s.deps.Events.Append(ctx, tx, "exchange.created", snap.ID, "exchange", snap.ID, "orchestrator",
		events.EventPayload{"participants": len(snap.Participants), "area": snap.Area}); err != nil {
		return err
	}
	return tx.Commit()
}

// start registers the machine and launches its goroutine plus a reaper
// that releases participant ownership when the machine exits.
func (s *Supervisor) start(m *Machine) {
	s.mu.Lock()
	s.machines[m.ID()] = m
	s.mu.Unlock()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		m.Run(s.ctx)
	}()
	go func() {
		defer s.wg.Done()
		<-m.Done()
		snap := m.Snapshot()
		var pids []string
		for _, p := range snap.Participants {
			pids = append(pids, p.ID)
		}
		s.release(m.ID(), pids)
	}()
}

func (s *Supervisor) release(exchangeID string, participantIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.machines, exchangeID)
	for _, pid := range participantIDs {
		if s.owned[pid] == exchangeID {
			delete(s.owned, pid)
		}
	}
}

func (s *Supervisor) machine(exchangeID string) *Machine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machines[exchangeID]
}

// SubmitChoice routes a choice to the owning machine. Choices for finished
// exchanges fail with a phase mismatch; unknown exchanges with not found.
func (s *Supervisor) SubmitChoice(ctx context.Context, exchangeID, participantID, optionID string) error {
	if m := s.machine(exchangeID); m != nil {
		return m.SubmitChoice(ctx, participantID, optionID)
	}
	snap, err := s.deps.Repo.GetExchange(ctx, exchangeID)
	if err != nil {
		return err
	}
	if snap.Phase.Terminal() {
		return domain.ErrPhaseMismatch
	}
	return repo.ErrNotFound
}

// Cancel terminates an exchange. Cancelling one that already finished is a
// no-op.
func (s *Supervisor) Cancel(ctx context.Context, exchangeID, reason string) error {
	if m := s.machine(exchangeID); m != nil {
		return m.Cancel(ctx, reason)
	}
	snap, err := s.deps.Repo.GetExchange(ctx, exchangeID)
	if err != nil {
		return err
	}
	if snap.Phase.Terminal() {
		return nil
	}
	return repo.ErrNotFound
}

// GetStatus returns the live snapshot for running exchanges and the
// persisted one otherwise. Never blocks on a beat.
func (s *Supervisor) GetStatus(ctx context.Context, exchangeID string) (domain.ExchangeSnapshot, error) {
	if m := s.machine(exchangeID); m != nil {
		return m.Snapshot(), nil
	}
	return s.deps.Repo.GetExchange(ctx, exchangeID)
}

// InjectCrisis queues a crisis for the next beat boundary. Joins claim
// participant ownership immediately so a participant cannot be pulled into
// two exchanges while the crisis is pending.
func (s *Supervisor) InjectCrisis(exchangeID string, c Crisis) error {
	m := s.machine(exchangeID)
	if m == nil {
		return repo.ErrNotFound
	}
	if c.Kind == CrisisJoin {
		s.mu.Lock()
		if other, owned := s.owned[c.Participant.ID]; owned {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s is in exchange %s", domain.ErrDuplicateExchange, c.Participant.ID, other)
		}
		s.owned[c.Participant.ID] = exchangeID
		s.mu.Unlock()
		if c.Proxy == nil {
			c.Proxy = s.bound(c.Participant.ID, nil)
		}
	}
	m.Intake().Push(c)
	return nil
}

// Recover restarts machines for every exchange that had not reached
// aftermath when the process stopped. The interrupted beat re-runs from
// the persisted state; its un-resolved choices are lost, not replayed.
func (s *Supervisor) Recover(ctx context.Context) (int, error) {
	open, err := s.deps.Repo.ListOpenExchanges(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, snap := range open {
		proxies := make(map[string]*proxy.Bounded, len(snap.Participants))
		pids := make([]string, 0, len(snap.Participants))
		for _, p := range snap.Participants {
			mem, err := s.MemberFromRegistry(ctx, p.ID)
			if err != nil {
				// Not in the registry anymore: keep the seat with a
				// pass-only proxy so the exchange can still conclude.
				s.deps.logger().Warn("recovered participant has no registry entry",
					"exchange", snap.ID, "participant", p.ID, "err", err)
				mem = Member{ID: p.ID}
			}
			proxies[p.ID] = s.bound(p.ID, mem.Proxy)
			pids = append(pids, p.ID)
		}

		s.mu.Lock()
		if _, running := s.machines[snap.ID]; running {
			s.mu.Unlock()
			continue
		}
		for _, pid := range pids {
			s.owned[pid] = snap.ID
		}
		s.mu.Unlock()

		// Re-run the interrupted beat.
		snap.Beat = lastResolvedBeat(snap.Log)
		snap.Deadline = ""
		s.start(NewMachine(s.deps, snap, proxies))
		n++
	}
	return n, nil
}

func lastResolvedBeat(log []domain.Outcome) int {
	beat := 0
	for _, o := range log {
		if o.Kind == domain.OutcomeBeat && o.Beat > beat {
			beat = o.Beat
		}
	}
	return beat
}

// List returns persisted exchanges, overlaying live snapshots for running
// ones.
func (s *Supervisor) List(ctx context.Context, f repo.ExchangeFilters) ([]domain.ExchangeSnapshot, error) {
	snaps, err := s.deps.Repo.ListExchanges(ctx, f)
	if err != nil {
		return nil, err
	}
	for i, snap := range snaps {
		if m := s.machine(snap.ID); m != nil {
			snaps[i] = m.Snapshot()
		}
	}
	return snaps, nil
}

// Running reports how many machines are live.
func (s *Supervisor) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.machines)
}

// Close stops all machines and waits for them to exit. In-flight beats are
// abandoned; recovery re-runs them on the next start.
func (s *Supervisor) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

func keys(m map[string]*proxy.Bounded) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
