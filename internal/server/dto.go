package server

import (
	"parley/internal/domain"
)

type CreateExchangeRequest struct {
	ID           string   `json:"id,omitempty"`
	Area         string   `json:"area,omitempty"`
	Participants []string `json:"participants" minItems:"1"`
}

type ExchangeResponse struct {
	ID           string               `json:"id"`
	Area         string               `json:"area,omitempty"`
	Phase        string               `json:"phase"`
	Beat         int                  `json:"beat"`
	Deadline     string               `json:"deadline,omitempty"`
	Reason       string               `json:"reason,omitempty"`
	Participants []domain.Participant `json:"participants"`
	CreatedAt    string               `json:"created_at"`
	UpdatedAt    string               `json:"updated_at"`
}

type ExchangeDetailResponse struct {
	ExchangeResponse
	Log         []domain.Outcome    `json:"log,omitempty"`
	Affordances []domain.Affordance `json:"affordances,omitempty"`
}

type SubmitChoiceRequest struct {
	ParticipantID string `json:"participant_id"`
	OptionID      string `json:"option_id"`
}

type CancelExchangeRequest struct {
	Reason string `json:"reason,omitempty"`
}

type CrisisRequest struct {
	Kind          string `json:"kind" enum:"join,leave,cancel"`
	ParticipantID string `json:"participant_id,omitempty"`
	Role          string `json:"role,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

type RegisterParticipantRequest struct {
	ID           string              `json:"id"`
	Role         string              `json:"role,omitempty"`
	Kind         string              `json:"kind,omitempty" enum:"static,webhook,"`
	URL          string              `json:"url,omitempty"`
	Capabilities []domain.Capability `json:"capabilities,omitempty"`
	Preferred    string              `json:"preferred,omitempty"`
}

type UpsertAffordanceRequest struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Area       string         `json:"area,omitempty"`
	Distance   float64        `json:"distance,omitempty"`
	Consumable bool           `json:"consumable,omitempty"`
	Props      map[string]any `json:"props,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

func exchangeResponse(s domain.ExchangeSnapshot) ExchangeResponse {
	return ExchangeResponse{
		ID:           s.ID,
		Area:         s.Area,
		Phase:        string(s.Phase),
		Beat:         s.Beat,
		Deadline:     s.Deadline,
		Reason:       s.Reason,
		Participants: s.Participants,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
}

func exchangeDetailResponse(s domain.ExchangeSnapshot) ExchangeDetailResponse {
	return ExchangeDetailResponse{
		ExchangeResponse: exchangeResponse(s),
		Log:              s.Log,
		Affordances:      s.Affordances,
	}
}

func mapExchanges(items []domain.ExchangeSnapshot) []ExchangeResponse {
	out := make([]ExchangeResponse, 0, len(items))
	for _, s := range items {
		out = append(out, exchangeResponse(s))
	}
	return out
}
