package options_test

import (
	"testing"

	"parley/internal/domain"
	"parley/internal/options"
)

func ectx(participants ...domain.Participant) domain.ExchangeContext {
	return domain.ExchangeContext{ExchangeID: "ex-1", Beat: 1, Participants: participants}
}

func TestGenerateRanksByScoreThenID(t *testing.T) {
	snap := domain.CapabilitySnapshot{
		ParticipantID: "a",
		Capabilities: []domain.Capability{
			{ID: "wave", Weight: 1},
			{ID: "shout", Weight: 3},
			{ID: "wait", Weight: 3},
		},
	}
	opts, def := options.Generate(snap, nil, ectx(), nil, 4)
	if len(opts) != 3 {
		t.Fatalf("expected 3 options, got %d", len(opts))
	}
	if opts[0].Capability != "shout" {
		t.Fatalf("expected shout first (score tie broken by id), got %s", opts[0].Capability)
	}
	if opts[1].Capability != "wait" || opts[2].Capability != "wave" {
		t.Fatalf("unexpected order: %s, %s", opts[1].Capability, opts[2].Capability)
	}
	if !def.Default || def.Capability != "shout" {
		t.Fatalf("expected top option as default, got %+v", def)
	}
	defaults := 0
	for _, o := range opts {
		if o.Default {
			defaults++
		}
	}
	if defaults != 1 {
		t.Fatalf("expected exactly one default, got %d", defaults)
	}
}

func TestGenerateTruncatesToMax(t *testing.T) {
	snap := domain.CapabilitySnapshot{
		ParticipantID: "a",
		Capabilities: []domain.Capability{
			{ID: "c1", Weight: 5}, {ID: "c2", Weight: 4}, {ID: "c3", Weight: 3},
			{ID: "c4", Weight: 2}, {ID: "c5", Weight: 1}, {ID: "c6", Weight: 0},
		},
	}
	opts, _ := options.Generate(snap, nil, ectx(), nil, 4)
	if len(opts) != 4 {
		t.Fatalf("expected truncation to 4, got %d", len(opts))
	}
	if opts[3].Capability != "c4" {
		t.Fatalf("expected lowest survivor c4, got %s", opts[3].Capability)
	}
}

func TestGeneratePreferredBecomesDefault(t *testing.T) {
	snap := domain.CapabilitySnapshot{
		ParticipantID: "a",
		Capabilities: []domain.Capability{
			{ID: "strike", Weight: 5},
			{ID: "block", Weight: 1},
		},
		Preferred: "block",
	}
	opts, def := options.Generate(snap, nil, ectx(), nil, 4)
	if def.Capability != "block" {
		t.Fatalf("expected preferred capability as default, got %s", def.Capability)
	}
	if opts[0].Capability != "strike" || opts[0].Default {
		t.Fatalf("top option should not carry default when preferred survives")
	}
}

func TestGeneratePreferredTruncatedFallsBackToTop(t *testing.T) {
	snap := domain.CapabilitySnapshot{
		ParticipantID: "a",
		Capabilities: []domain.Capability{
			{ID: "c1", Weight: 5}, {ID: "c2", Weight: 4},
			{ID: "c3", Weight: 3}, {ID: "low", Weight: 0},
		},
		Preferred: "low",
	}
	_, def := options.Generate(snap, nil, ectx(), nil, 3)
	if def.Capability != "c1" {
		t.Fatalf("preferred was truncated; expected top as default, got %s", def.Capability)
	}
}

func TestGenerateEmptyYieldsPass(t *testing.T) {
	snap := domain.CapabilitySnapshot{ParticipantID: "a"}
	opts, def := options.Generate(snap, nil, ectx(), nil, 4)
	if len(opts) != 1 || opts[0].Capability != domain.CapabilityPass {
		t.Fatalf("expected sole pass option, got %+v", opts)
	}
	if !def.Default || def.ParticipantID != "a" {
		t.Fatalf("pass must be its own default: %+v", def)
	}
}

func TestGenerateAffordanceTargetsRespectRange(t *testing.T) {
	snap := domain.CapabilitySnapshot{
		ParticipantID: "a",
		Capabilities: []domain.Capability{
			{ID: "grab", Weight: 2, TargetType: "torch", MaxRange: 5},
		},
	}
	affs := []domain.Affordance{
		{ID: "torch-near", Type: "torch", Distance: 2, Consumable: true},
		{ID: "torch-far", Type: "torch", Distance: 9, Consumable: true},
		{ID: "door-1", Type: "door", Distance: 1},
	}
	opts, _ := options.Generate(snap, affs, ectx(), nil, 4)
	if len(opts) != 1 {
		t.Fatalf("expected only the in-range torch, got %d options", len(opts))
	}
	if opts[0].TargetAffordance != "torch-near" {
		t.Fatalf("expected torch-near, got %s", opts[0].TargetAffordance)
	}
}

func TestGenerateNoMatchingAffordanceYieldsPass(t *testing.T) {
	snap := domain.CapabilitySnapshot{
		ParticipantID: "a",
		Capabilities: []domain.Capability{
			{ID: "grab", Weight: 2, TargetType: "torch"},
		},
	}
	opts, def := options.Generate(snap, nil, ectx(), nil, 4)
	if len(opts) != 1 || def.Capability != domain.CapabilityPass {
		t.Fatalf("expected pass fallback, got %+v", opts)
	}
}

func TestGenerateParticipantTargetsExcludeSelfAndInactive(t *testing.T) {
	snap := domain.CapabilitySnapshot{
		ParticipantID: "a",
		Capabilities: []domain.Capability{
			{ID: "strike", Weight: 2, TargetType: domain.TargetTypeParticipant},
		},
	}
	ctx := ectx(
		domain.Participant{ID: "a", Active: true},
		domain.Participant{ID: "b", Active: true},
		domain.Participant{ID: "c", Active: false},
	)
	opts, _ := options.Generate(snap, nil, ctx, nil, 4)
	if len(opts) != 1 {
		t.Fatalf("expected one target (b), got %d", len(opts))
	}
	if opts[0].TargetParticipant != "b" {
		t.Fatalf("expected target b, got %s", opts[0].TargetParticipant)
	}
}

func TestGenerateIsDeterministic(t *testing.T) {
	snap := domain.CapabilitySnapshot{
		ParticipantID: "a",
		Capabilities: []domain.Capability{
			{ID: "grab", Weight: 1, TargetType: "torch"},
			{ID: "wave", Weight: 1},
		},
	}
	affs := []domain.Affordance{{ID: "torch-1", Type: "torch"}}
	first, firstDef := options.Generate(snap, affs, ectx(), nil, 4)
	second, secondDef := options.Generate(snap, affs, ectx(), nil, 4)
	if len(first) != len(second) || firstDef.ID != secondDef.ID {
		t.Fatalf("generation not deterministic")
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Fatalf("option %d differs: %s vs %s", i, first[i].ID, second[i].ID)
		}
	}
}

func TestGenerateOptionIDsAreBeatScoped(t *testing.T) {
	snap := domain.CapabilitySnapshot{
		ParticipantID: "a",
		Capabilities:  []domain.Capability{{ID: "wave", Weight: 1}},
	}
	first := domain.ExchangeContext{ExchangeID: "ex-1", Beat: 1}
	second := domain.ExchangeContext{ExchangeID: "ex-1", Beat: 2}

	b1, _ := options.Generate(snap, nil, first, nil, 4)
	b2, _ := options.Generate(snap, nil, second, nil, 4)
	if b1[0].ID == b2[0].ID {
		t.Fatalf("identical option ids across beats: %s", b1[0].ID)
	}

	// Pass carries the beat too, so a held-over pass id goes stale as well.
	if options.PassOption(1, "a").ID == options.PassOption(2, "a").ID {
		t.Fatalf("pass option id not scoped to the beat")
	}
}

type doubleScore struct{}

func (doubleScore) Score(c domain.Capability, _ options.Target, _ domain.ExchangeContext) float64 {
	return c.Weight
}

func TestGenerateUsesScoringStrategy(t *testing.T) {
	snap := domain.CapabilitySnapshot{
		ParticipantID: "a",
		Capabilities:  []domain.Capability{{ID: "wave", Weight: 2}},
	}
	opts, _ := options.Generate(snap, nil, ectx(), doubleScore{}, 4)
	if opts[0].Score != 4 {
		t.Fatalf("expected strategy score added to weight, got %v", opts[0].Score)
	}
}
