package domain

import "errors"

// Phase of an exchange lifecycle. Setup runs once; the machine then loops
// OptionsOpen -> Resolving until Aftermath.
type Phase string

const (
	PhaseSetup       Phase = "setup"
	PhaseOptionsOpen Phase = "options_open"
	PhaseResolving   Phase = "resolving"
	PhaseAftermath   Phase = "aftermath"
)

// Terminal reports whether no further beats will run.
func (p Phase) Terminal() bool { return p == PhaseAftermath }

// Responsiveness of a participant as last observed by its proxy.
const (
	RespHealthy     = "healthy"
	RespDegraded    = "degraded"
	RespUnreachable = "unreachable"
)

// CapabilityPass is the built-in no-op capability. Every participant can
// always pass, so an option set is never empty.
const CapabilityPass = "pass"

// CapabilityWithdraw marks a participant as leaving the exchange when
// resolved. An exchange with fewer than two active participants ends.
const CapabilityWithdraw = "withdraw"

// Structural errors, surfaced synchronously to callers.
var (
	ErrInvalidParticipantSet = errors.New("invalid participant set")
	ErrDuplicateExchange     = errors.New("participant already owned by another exchange")
	ErrPhaseMismatch         = errors.New("operation not valid in current phase")
	ErrDuplicateResponse     = errors.New("participant already responded this beat")
	ErrUnknownOption         = errors.New("option not offered this beat")
	ErrUnknownParticipant    = errors.New("participant not part of this exchange")
)

// Participant is a reference to an external decision-maker within one
// exchange. Role is an open string (initiator, responder, bystander, ...);
// new roles are expected.
type Participant struct {
	ID             string   `json:"id"`
	Role           string   `json:"role,omitempty"`
	Responsiveness string   `json:"responsiveness"`
	Active         bool     `json:"active"`
	Options        []Option `json:"options,omitempty"`
}

// TargetTypeParticipant marks a capability that targets another participant
// rather than an affordance.
const TargetTypeParticipant = "participant"

// Capability is one action a participant can currently exercise. Weight is
// a preference (negative means avoidance). TargetType, when set, names the
// affordance type the capability needs; TargetTypeParticipant targets
// another participant instead. MaxRange of zero means unlimited.
type Capability struct {
	ID         string  `json:"id"`
	Weight     float64 `json:"weight"`
	TargetType string  `json:"target_type,omitempty"`
	MaxRange   float64 `json:"max_range,omitempty"`
}

// CapabilitySnapshot is a participant's reply to a capability query, valid
// for a single beat.
type CapabilitySnapshot struct {
	ParticipantID string       `json:"participant_id"`
	Capabilities  []Capability `json:"capabilities"`
	Preferred     string       `json:"preferred,omitempty"`
}

// Affordance is a read-only environment fact. Distance is from the
// exchange's locus; Consumable affordances can be claimed by at most one
// participant per beat.
type Affordance struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Area       string         `json:"area"`
	Distance   float64        `json:"distance"`
	Consumable bool           `json:"consumable"`
	Props      map[string]any `json:"props,omitempty"`
}

// Option is one candidate choice for one participant in one beat. At most
// one option per participant per beat carries Default.
type Option struct {
	ID                string  `json:"id"`
	ParticipantID     string  `json:"participant_id"`
	Capability        string  `json:"capability"`
	TargetParticipant string  `json:"target_participant,omitempty"`
	TargetAffordance  string  `json:"target_affordance,omitempty"`
	Score             float64 `json:"score"`
	Default           bool    `json:"default"`
}

// Resolution is one participant's resolved choice within an outcome.
// WasDefaulted is set both for silent participants and for conflict
// downgrades; consumers that do not care see no difference.
type Resolution struct {
	ParticipantID     string `json:"participant_id"`
	OptionID          string `json:"option_id"`
	Capability        string `json:"capability"`
	TargetParticipant string `json:"target_participant,omitempty"`
	TargetAffordance  string `json:"target_affordance,omitempty"`
	WasDefaulted      bool   `json:"was_defaulted"`
}

// Delta is a named side-effect declaration derived from a resolution.
type Delta struct {
	Kind          string `json:"kind"`
	ParticipantID string `json:"participant_id,omitempty"`
	AffordanceID  string `json:"affordance_id,omitempty"`
}

// Delta kinds.
const (
	DeltaWithdrawn          = "withdrawn"
	DeltaAffordanceConsumed = "affordance_consumed"
)

// Outcome kinds.
const (
	OutcomeBeat      = "beat"
	OutcomeCancelled = "cancelled"
)

// Outcome is the immutable, resolved result of one beat (or of a
// cancellation). Outcomes are strictly ordered by Seq within an exchange.
type Outcome struct {
	ExchangeID  string       `json:"exchange_id"`
	Seq         int          `json:"seq"`
	Beat        int          `json:"beat"`
	Kind        string       `json:"kind"`
	Resolutions []Resolution `json:"resolutions,omitempty"`
	Deltas      []Delta      `json:"deltas,omitempty"`
	Reason      string       `json:"reason,omitempty"`
	TS          string       `json:"ts" format:"date-time"`
}

// ExchangeSnapshot is the externally visible state of one exchange. It is a
// copy; readers never observe in-flight mutation.
type ExchangeSnapshot struct {
	ID           string        `json:"id"`
	Area         string        `json:"area,omitempty"`
	Participants []Participant `json:"participants"`
	Phase        Phase         `json:"phase" enum:"setup,options_open,resolving,aftermath"`
	Beat         int           `json:"beat"`
	Deadline     string        `json:"deadline,omitempty" format:"date-time"`
	Reason       string        `json:"reason,omitempty"`
	CreatedAt    string        `json:"created_at" format:"date-time"`
	UpdatedAt    string        `json:"updated_at" format:"date-time"`
	Log          []Outcome     `json:"log,omitempty"`
	Affordances  []Affordance  `json:"affordances,omitempty"`
}

// ActiveParticipants counts participants still in the negotiation.
func (s ExchangeSnapshot) ActiveParticipants() int {
	n := 0
	for _, p := range s.Participants {
		if p.Active {
			n++
		}
	}
	return n
}

// ExchangeContext is what gets handed to proxies and scoring strategies
// when querying capabilities for a beat.
type ExchangeContext struct {
	ExchangeID   string        `json:"exchange_id"`
	Beat         int           `json:"beat"`
	Area         string        `json:"area,omitempty"`
	Participants []Participant `json:"participants"`
	Affordances  []Affordance  `json:"affordances,omitempty"`
}

// Registry participant kinds.
const (
	ParticipantKindStatic  = "static"
	ParticipantKindWebhook = "webhook"
)

// RegisteredParticipant is an entry in the participant registry: who can be
// drawn into exchanges and how to reach them. Kind is "static" (inline
// capability set, answered locally) or "webhook" (remote HTTP endpoint).
type RegisteredParticipant struct {
	ID           string       `json:"id"`
	Role         string       `json:"role,omitempty"`
	Kind         string       `json:"kind" enum:"static,webhook"`
	URL          string       `json:"url,omitempty"`
	Capabilities []Capability `json:"capabilities,omitempty"`
	Preferred    string       `json:"preferred,omitempty"`
	CreatedAt    string       `json:"created_at" format:"date-time"`
}

// Event is one row of the append-only audit log.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ExchangeID string `json:"exchange_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
