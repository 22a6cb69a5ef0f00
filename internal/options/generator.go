// Package options turns a participant's capability snapshot plus the
// current affordance facts into a ranked, bounded option set with exactly
// one default. Generation is pure: same inputs, same output, no side
// effects.
package options

import (
	"fmt"
	"sort"

	"parley/internal/domain"
)

// DefaultMaxOptions bounds the option set when the caller does not.
const DefaultMaxOptions = 4

// Target is what a scored capability is aimed at. Exactly one of the
// fields is set for targeted capabilities; both empty for untargeted ones.
type Target struct {
	ParticipantID string
	Affordance    *domain.Affordance
}

// ScoringStrategy supplies the domain-specific part of an option's score.
// The orchestrator core ships Flat; deployments plug in their own.
type ScoringStrategy interface {
	Score(cap domain.Capability, target Target, ectx domain.ExchangeContext) float64
}

// Flat scores everything zero, leaving ranking to preference weights.
type Flat struct{}

func (Flat) Score(domain.Capability, Target, domain.ExchangeContext) float64 { return 0 }

// Generate produces the ranked option set and its default for one
// participant. Capabilities requiring a target type yield one option per
// matching in-range affordance (or per other active participant) and none
// at all when nothing matches. If no option survives, the built-in pass
// option is returned as the sole default, so a participant is never left
// without a legal action.
func Generate(snap domain.CapabilitySnapshot, affs []domain.Affordance, ectx domain.ExchangeContext, scorer ScoringStrategy, max int) ([]domain.Option, domain.Option) {
	if scorer == nil {
		scorer = Flat{}
	}
	if max <= 0 {
		max = DefaultMaxOptions
	}

	var opts []domain.Option
	for _, c := range snap.Capabilities {
		switch c.TargetType {
		case "":
			opts = append(opts, makeOption(snap.ParticipantID, c, Target{}, scorer, ectx))
		case domain.TargetTypeParticipant:
			for _, other := range ectx.Participants {
				if other.ID == snap.ParticipantID || !other.Active {
					continue
				}
				opts = append(opts, makeOption(snap.ParticipantID, c, Target{ParticipantID: other.ID}, scorer, ectx))
			}
		default:
			for i := range affs {
				a := affs[i]
				if a.Type != c.TargetType {
					continue
				}
				if c.MaxRange > 0 && a.Distance > c.MaxRange {
					continue
				}
				opts = append(opts, makeOption(snap.ParticipantID, c, Target{Affordance: &a}, scorer, ectx))
			}
		}
	}

	if len(opts) == 0 {
		def := PassOption(ectx.Beat, snap.ParticipantID)
		return []domain.Option{def}, def
	}

	// Deterministic ranking: score descending, id ascending on ties.
	sort.SliceStable(opts, func(i, j int) bool {
		if opts[i].Score != opts[j].Score {
			return opts[i].Score > opts[j].Score
		}
		return opts[i].ID < opts[j].ID
	})
	if len(opts) > max {
		opts = opts[:max]
	}

	defIdx := 0
	if snap.Preferred != "" {
		for i, o := range opts {
			if o.Capability == snap.Preferred {
				defIdx = i
				break
			}
		}
	}
	opts[defIdx].Default = true
	return opts, opts[defIdx]
}

// PassOption is the built-in no-op choice, always legal and always its own
// default.
func PassOption(beat int, participantID string) domain.Option {
	return domain.Option{
		ID:            OptionID(beat, participantID, domain.CapabilityPass, ""),
		ParticipantID: participantID,
		Capability:    domain.CapabilityPass,
		Default:       true,
	}
}

// OptionID builds the deterministic identifier for an option. Determinism
// matters: defaults recomputed from identical inputs must match what was
// broadcast. The beat prefix scopes identifiers to the beat they were
// generated for, so an identifier from an earlier beat never names a live
// option.
func OptionID(beat int, participantID, capability, target string) string {
	if target == "" {
		return fmt.Sprintf("b%d/%s/%s", beat, participantID, capability)
	}
	return fmt.Sprintf("b%d/%s/%s@%s", beat, participantID, capability, target)
}

func makeOption(participantID string, c domain.Capability, t Target, scorer ScoringStrategy, ectx domain.ExchangeContext) domain.Option {
	o := domain.Option{
		ParticipantID: participantID,
		Capability:    c.ID,
		Score:         scorer.Score(c, t, ectx) + c.Weight,
	}
	target := ""
	if t.ParticipantID != "" {
		o.TargetParticipant = t.ParticipantID
		target = t.ParticipantID
	} else if t.Affordance != nil {
		o.TargetAffordance = t.Affordance.ID
		target = t.Affordance.ID
	}
	o.ID = OptionID(ectx.Beat, participantID, c.ID, target)
	return o
}
