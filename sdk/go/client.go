package homeostatsdk

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

// Client is a minimal Homeostat HTTP API client.
type Client struct {
	BaseURL string
	// BearerToken wins over ActorID when both are set.
	BearerToken string
	ActorID     string
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

// Organism represents the API organism model (partial).
type Organism struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedBy string `json:"created_by"`
	OpenTrunk bool   `json:"open_trunk"`
}

type State struct {
	ID             string          `json:"id"`
	ContentTypeID  string          `json:"content_type_id"`
	Payload        json.RawMessage `json:"payload"`
	SequenceNumber int             `json:"sequence_number"`
}

type OrganismView struct {
	Organism     Organism `json:"organism"`
	CurrentState *State   `json:"current_state,omitempty"`
	Visibility   string   `json:"visibility"`
}

// CreateOrganismInput mirrors the create request body.
type CreateOrganismInput struct {
	ID            string `json:"id,omitempty"`
	Name          string `json:"name"`
	ContentTypeID string `json:"content_type_id"`
	Payload       any    `json:"payload"`
	OpenTrunk     bool   `json:"open_trunk,omitempty"`
	Visibility    string `json:"visibility,omitempty"`
}

type Mutation struct {
	Kind          string `json:"kind"`
	ContentTypeID string `json:"content_type_id,omitempty"`
	Payload       any    `json:"payload,omitempty"`
	ChildID       string `json:"child_id,omitempty"`
	Visibility    string `json:"visibility,omitempty"`
	Description   string `json:"description,omitempty"`
}

type Proposal struct {
	ID            string `json:"id"`
	OrganismID    string `json:"organism_id"`
	Status        string `json:"status"`
	ProposedBy    string `json:"proposed_by"`
	DeclineReason string `json:"decline_reason,omitempty"`
}

// Event represents a domain event.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	OrganismID string         `json:"organism_id"`
	ActorID    string         `json:"actor_id"`
	OccurredAt string         `json:"occurred_at"`
	Payload    map[string]any `json:"payload"`
}

// Cycle summarizes one regulator cycle.
type Cycle struct {
	CycleID    string `json:"cycleId"`
	Boundaries []struct {
		BoundaryOrganismID string         `json:"boundaryOrganismId"`
		Counters           map[string]int `json:"counters"`
		Error              string         `json:"error,omitempty"`
	} `json:"boundaries"`
	Totals map[string]int `json:"totals"`
}

type Execution struct {
	ID                 string `json:"id"`
	BoundaryOrganismID string `json:"boundary_organism_id"`
	ActionOrganismID   string `json:"action_organism_id"`
	IdempotencyKey     string `json:"idempotency_key"`
	Status             string `json:"status"`
	AttemptCount       int    `json:"attempt_count"`
	LastError          string `json:"last_error,omitempty"`
}

// APIError wraps non-2xx responses. Code is the error envelope code when the
// body carried one.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

func (c *Client) CreateOrganism(ctx context.Context, in CreateOrganismInput) (OrganismView, error) {
	var resp OrganismView
	err := c.do(ctx, http.MethodPost, "v0/organisms", in, &resp)
	return resp, err
}

func (c *Client) GetOrganism(ctx context.Context, id string) (OrganismView, error) {
	var resp OrganismView
	err := c.do(ctx, http.MethodGet, c.organismPath(id, ""), nil, &resp)
	return resp, err
}

// Compose puts childID under parentID.
func (c *Client) Compose(ctx context.Context, parentID, childID string) error {
	return c.do(ctx, http.MethodPost, c.organismPath(parentID, "children"), map[string]any{"child_id": childID}, nil)
}

// Observe records a metric observation on an organism.
func (c *Client) Observe(ctx context.Context, organismID, metric string, value float64) (Event, error) {
	var resp Event
	err := c.do(ctx, http.MethodPost, c.organismPath(organismID, "observations"), map[string]any{
		"metric": metric,
		"value":  value,
	}, &resp)
	return resp, err
}

// Events lists events of an organism, optionally of one type.
func (c *Client) Events(ctx context.Context, organismID, eventType string) ([]Event, error) {
	endpoint := c.organismPath(organismID, "events")
	if eventType != "" {
		endpoint += "?" + url.Values{"type": {eventType}}.Encode()
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) OpenProposal(ctx context.Context, organismID string, m Mutation) (Proposal, error) {
	var resp Proposal
	err := c.do(ctx, http.MethodPost, c.organismPath(organismID, "proposals"), map[string]any{"mutation": m}, &resp)
	return resp, err
}

func (c *Client) IntegrateProposal(ctx context.Context, id string) (Proposal, error) {
	var resp struct {
		Proposal Proposal `json:"proposal"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/proposals/%s/integrate", url.PathEscape(id)), nil, &resp)
	return resp.Proposal, err
}

func (c *Client) DeclineProposal(ctx context.Context, id, reason string) (Proposal, error) {
	var resp Proposal
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/proposals/%s/decline", url.PathEscape(id)), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// RunCycle triggers one regulator cycle and waits for it.
func (c *Client) RunCycle(ctx context.Context) (Cycle, error) {
	var resp Cycle
	err := c.do(ctx, http.MethodPost, "v0/regulator/cycles", nil, &resp)
	return resp, err
}

// Executions lists ledger rows, optionally for one boundary.
func (c *Client) Executions(ctx context.Context, boundaryID string, limit int) ([]Execution, error) {
	q := url.Values{}
	if boundaryID != "" {
		q.Set("boundary_organism_id", boundaryID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := "v0/regulator/executions"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Execution
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
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
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) organismPath(id, sub string) string {
	p := "v0/organisms/" + url.PathEscape(id)
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
