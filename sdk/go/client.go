package escrowlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Escrowline HTTP API client. Amounts are decimal strings.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no credentials are set. Servers only
	// honour it when started with --allow-actor-header.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Task represents the API task model.
type Task struct {
	ID           int64    `json:"id"`
	Creator      string   `json:"creator"`
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	Reward       string   `json:"reward"`
	Token        string   `json:"token"`
	Deadline     string   `json:"deadline"`
	HasInsurance bool     `json:"has_insurance"`
	Category     string   `json:"category,omitempty"`
	Tags         []string `json:"tags"`
	Status       string   `json:"status"`
	Assignee     *string  `json:"assignee,omitempty"`
	CreatedAt    string   `json:"created_at"`
	CompletedAt  *string  `json:"completed_at,omitempty"`
}

// NewTask is the payload of CreateTask.
type NewTask struct {
	Title        string    `json:"title"`
	Description  string    `json:"description,omitempty"`
	Reward       string    `json:"reward"`
	Token        string    `json:"token,omitempty"`
	Deadline     time.Time `json:"deadline"`
	HasInsurance bool      `json:"has_insurance,omitempty"`
	Category     string    `json:"category,omitempty"`
	Tags         []string  `json:"tags,omitempty"`
	MetadataHash string    `json:"metadata_hash,omitempty"`
}

type Milestone struct {
	ID        int64  `json:"id"`
	TaskID    int64  `json:"task_id"`
	Title     string `json:"title"`
	Reward    string `json:"reward"`
	Status    string `json:"status"`
	ProofHash string `json:"proof_hash,omitempty"`
}

type Dispute struct {
	ID            int64  `json:"id"`
	TaskID        int64  `json:"task_id"`
	Initiator     string `json:"initiator"`
	Reason        string `json:"reason"`
	Status        string `json:"status"`
	Resolution    string `json:"resolution,omitempty"`
	FavorsCreator bool   `json:"favors_creator"`
	Compensation  string `json:"compensation"`
}

type Wallet struct {
	Identity  string `json:"identity"`
	Token     string `json:"token"`
	Balance   string `json:"balance"`
	Allowance string `json:"allowance"`
}

type Stats struct {
	Identity       string `json:"identity"`
	TasksCompleted int64  `json:"tasks_completed"`
	TotalEarnings  []struct {
		Token  string `json:"token"`
		Amount string `json:"amount"`
	} `json:"total_earnings"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code is the error envelope's code, such
// as insufficient_funds or dispute_open.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateTask creates a task and locks its reward from the caller's wallet.
func (c *Client) CreateTask(ctx context.Context, t NewTask) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", t, &resp)
	return resp, err
}

func (c *Client) GetTask(ctx context.Context, id int64) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, taskPath(id, ""), nil, &resp)
	return resp, err
}

// Apply registers the caller as an applicant.
func (c *Client) Apply(ctx context.Context, id int64, proposal string) error {
	return c.do(ctx, http.MethodPost, taskPath(id, "applications"), map[string]any{"proposal": proposal}, nil)
}

func (c *Client) Assign(ctx context.Context, id int64, assignee string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(id, "assign"), map[string]any{"assignee": assignee}, &resp)
	return resp, err
}

func (c *Client) Complete(ctx context.Context, id int64) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(id, "complete"), nil, &resp)
	return resp, err
}

func (c *Client) CreateMilestone(ctx context.Context, taskID int64, title, reward string) (Milestone, error) {
	var resp Milestone
	err := c.do(ctx, http.MethodPost, taskPath(taskID, "milestones"), map[string]any{"title": title, "reward": reward}, &resp)
	return resp, err
}

func (c *Client) CompleteMilestone(ctx context.Context, taskID, milestoneID int64, proofHash string) (Milestone, error) {
	var resp Milestone
	endpoint := taskPath(taskID, fmt.Sprintf("milestones/%d/complete", milestoneID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"proof_hash": proofHash}, &resp)
	return resp, err
}

func (c *Client) RejectMilestone(ctx context.Context, taskID, milestoneID int64) (Milestone, error) {
	var resp Milestone
	err := c.do(ctx, http.MethodPost, taskPath(taskID, fmt.Sprintf("milestones/%d/reject", milestoneID)), nil, &resp)
	return resp, err
}

func (c *Client) OpenDispute(ctx context.Context, taskID int64, reason string) (Dispute, error) {
	var resp Dispute
	err := c.do(ctx, http.MethodPost, taskPath(taskID, "disputes"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// ResolveDispute rules on a dispute; the caller must be an arbiter.
func (c *Client) ResolveDispute(ctx context.Context, taskID, disputeID int64, favorsCreator bool, resolution string) (Dispute, error) {
	var resp Dispute
	body := map[string]any{"favors_creator": favorsCreator, "resolution": resolution}
	err := c.do(ctx, http.MethodPost, taskPath(taskID, fmt.Sprintf("disputes/%d/resolve", disputeID)), body, &resp)
	return resp, err
}

func (c *Client) Deposit(ctx context.Context, token, amount string) (Wallet, error) {
	var resp Wallet
	err := c.do(ctx, http.MethodPost, "wallet/deposit", map[string]any{"token": token, "amount": amount}, &resp)
	return resp, err
}

func (c *Client) Approve(ctx context.Context, token, amount string) (Wallet, error) {
	var resp Wallet
	err := c.do(ctx, http.MethodPost, "wallet/approve", map[string]any{"token": token, "amount": amount}, &resp)
	return resp, err
}

func (c *Client) Wallet(ctx context.Context, identity, token string) (Wallet, error) {
	var resp Wallet
	endpoint := "wallets/" + url.PathEscape(identity)
	if token != "" {
		endpoint += "?token=" + url.QueryEscape(token)
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) Stats(ctx context.Context, identity string) (Stats, error) {
	var resp Stats
	err := c.do(ctx, http.MethodGet, "stats/"+url.PathEscape(identity), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
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
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
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
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func taskPath(id int64, sub string) string {
	p := fmt.Sprintf("tasks/%d", id)
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
