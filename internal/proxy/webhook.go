package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"parley/internal/domain"
)

// Webhook reaches a participant over HTTP. Capability queries POST the
// exchange context and expect a capability snapshot back; outcomes are
// POSTed fire-and-forget. Timeouts and retries are the Bounded wrapper's
// job; this type only speaks the wire protocol.
type Webhook struct {
	ParticipantID string
	URL           string
	Client        *http.Client
}

func (p Webhook) client() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	return http.DefaultClient
}

func (p Webhook) QueryOptions(ctx context.Context, ectx domain.ExchangeContext) (domain.CapabilitySnapshot, error) {
	data, err := json.Marshal(ectx)
	if err != nil {
		return domain.CapabilitySnapshot{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(data))
	if err != nil {
		return domain.CapabilitySnapshot{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Parley-Op", "query-options")
	req.Header.Set("X-Parley-Participant", p.ParticipantID)
	res, err := p.client().Do(req)
	if err != nil {
		return domain.CapabilitySnapshot{}, err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return domain.CapabilitySnapshot{}, fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	var snap domain.CapabilitySnapshot
	if err := json.NewDecoder(res.Body).Decode(&snap); err != nil {
		return domain.CapabilitySnapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.ParticipantID == "" {
		snap.ParticipantID = p.ParticipantID
	}
	return snap, nil
}

func (p Webhook) DeliverOutcome(ctx context.Context, o domain.Outcome) error {
	data, err := json.Marshal(o)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Parley-Op", "deliver-outcome")
	req.Header.Set("X-Parley-Participant", p.ParticipantID)
	req.Header.Set("X-Parley-Delivery", fmt.Sprintf("%s-%d", o.ExchangeID, o.Seq))
	res, err := p.client().Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// FromRegistry builds the transport proxy for a registry entry.
func FromRegistry(p domain.RegisteredParticipant) (Proxy, error) {
	switch p.Kind {
	case domain.ParticipantKindStatic, "":
		return Static{ParticipantID: p.ID, Capabilities: p.Capabilities, Preferred: p.Preferred}, nil
	case domain.ParticipantKindWebhook:
		if strings.TrimSpace(p.URL) == "" {
			return nil, fmt.Errorf("webhook participant %s has no url", p.ID)
		}
		return Webhook{ParticipantID: p.ID, URL: p.URL}, nil
	default:
		return nil, fmt.Errorf("unknown participant kind %q", p.Kind)
	}
}
