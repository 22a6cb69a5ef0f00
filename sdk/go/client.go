package parleysdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Parley HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Participant is one seat in an exchange.
type Participant struct {
	ID             string   `json:"id"`
	Role           string   `json:"role,omitempty"`
	Responsiveness string   `json:"responsiveness"`
	Active         bool     `json:"active"`
	Options        []Option `json:"options,omitempty"`
}

// Option is one candidate choice offered in a beat.
type Option struct {
	ID                string  `json:"id"`
	ParticipantID     string  `json:"participant_id"`
	Capability        string  `json:"capability"`
	TargetParticipant string  `json:"target_participant,omitempty"`
	TargetAffordance  string  `json:"target_affordance,omitempty"`
	Score             float64 `json:"score"`
	Default           bool    `json:"default"`
}

// Resolution is one participant's resolved choice.
type Resolution struct {
	ParticipantID     string `json:"participant_id"`
	OptionID          string `json:"option_id"`
	Capability        string `json:"capability"`
	TargetParticipant string `json:"target_participant,omitempty"`
	TargetAffordance  string `json:"target_affordance,omitempty"`
	WasDefaulted      bool   `json:"was_defaulted"`
}

// Outcome is one resolved beat (or a cancellation).
type Outcome struct {
	ExchangeID  string       `json:"exchange_id"`
	Seq         int          `json:"seq"`
	Beat        int          `json:"beat"`
	Kind        string       `json:"kind"`
	Resolutions []Resolution `json:"resolutions,omitempty"`
	Reason      string       `json:"reason,omitempty"`
	TS          string       `json:"ts"`
}

// Exchange is the API exchange model.
type Exchange struct {
	ID           string        `json:"id"`
	Area         string        `json:"area,omitempty"`
	Phase        string        `json:"phase"`
	Beat         int           `json:"beat"`
	Deadline     string        `json:"deadline,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	Participants []Participant `json:"participants"`
	Log          []Outcome     `json:"log,omitempty"`
	CreatedAt    string        `json:"created_at"`
	UpdatedAt    string        `json:"updated_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateExchange starts a negotiation between registered participants.
func (c *Client) CreateExchange(ctx context.Context, id, area string, participantIDs []string) (Exchange, error) {
	body := map[string]any{
		"participants": participantIDs,
	}
	if id != "" {
		body["id"] = id
	}
	if area != "" {
		body["area"] = area
	}
	var resp Exchange
	err := c.do(ctx, http.MethodPost, "v0/exchanges", body, &resp)
	return resp, err
}

// GetExchange fetches the current snapshot.
func (c *Client) GetExchange(ctx context.Context, id string) (Exchange, error) {
	var resp Exchange
	err := c.do(ctx, http.MethodGet, "v0/exchanges/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListExchanges returns exchanges, optionally filtered by phase.
func (c *Client) ListExchanges(ctx context.Context, phase string, limit int) ([]Exchange, error) {
	endpoint := "v0/exchanges"
	q := url.Values{}
	if phase != "" {
		q.Set("phase", phase)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Exchange
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SubmitChoice submits a participant's pick for the open beat.
func (c *Client) SubmitChoice(ctx context.Context, exchangeID, participantID, optionID string) error {
	body := map[string]any{
		"participant_id": participantID,
		"option_id":      optionID,
	}
	return c.do(ctx, http.MethodPost, "v0/exchanges/"+url.PathEscape(exchangeID)+"/choices", body, nil)
}

// CancelExchange terminates a negotiation. Idempotent.
func (c *Client) CancelExchange(ctx context.Context, id, reason string) (Exchange, error) {
	var resp Exchange
	err := c.do(ctx, http.MethodPost, "v0/exchanges/"+url.PathEscape(id)+"/cancel", map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Outcomes returns the full outcome log of an exchange.
func (c *Client) Outcomes(ctx context.Context, exchangeID string) ([]Outcome, error) {
	var resp []Outcome
	err := c.do(ctx, http.MethodGet, "v0/exchanges/"+url.PathEscape(exchangeID)+"/outcomes", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
