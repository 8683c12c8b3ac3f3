package solarlinesdk

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

// Client is a minimal Solarline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		BasePath:  "/v1",
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Document is one snapshot row of the document side.
type Document struct {
	ID                string     `json:"id"`
	ProjectID         string     `json:"project_id"`
	TypeCode          *string    `json:"type_code,omitempty"`
	TypeLabel         *string    `json:"type_label,omitempty"`
	SubmittedAt       *time.Time `json:"submitted_at,omitempty"`
	IssuedAt          *time.Time `json:"issued_at,omitempty"`
	AttachedFileCount int        `json:"attached_file_count"`
	ExternalFileRef   *string    `json:"external_file_ref,omitempty"`
	IsCurrent         bool       `json:"is_current"`
	IsDeleted         bool       `json:"is_deleted"`
	UpdatedAt         string     `json:"updated_at,omitempty"`
}

// DocumentInput is the body of PutDocument. IsCurrent defaults to true on the
// server when left nil.
type DocumentInput struct {
	TypeCode          *string    `json:"type_code,omitempty"`
	TypeLabel         *string    `json:"type_label,omitempty"`
	SubmittedAt       *time.Time `json:"submitted_at,omitempty"`
	IssuedAt          *time.Time `json:"issued_at,omitempty"`
	AttachedFileCount int        `json:"attached_file_count,omitempty"`
	ExternalFileRef   *string    `json:"external_file_ref,omitempty"`
	IsCurrent         *bool      `json:"is_current,omitempty"`
	IsDeleted         bool       `json:"is_deleted,omitempty"`
}

// Change is one milestone completion flip.
type Change struct {
	Code       string `json:"code"`
	From       bool   `json:"from"`
	To         bool   `json:"to"`
	Provenance string `json:"provenance"`
	Reason     string `json:"reason,omitempty"`
}

// Progress is the progress summary of a project.
type Progress struct {
	ProjectID           string  `json:"project_id,omitempty"`
	AdminProgress       float64 `json:"admin_progress"`
	EngineeringProgress float64 `json:"engineering_progress"`
	OverallProgress     float64 `json:"overall_progress"`
	AdminStage          *string `json:"admin_stage,omitempty"`
	EngineeringStage    *string `json:"engineering_stage,omitempty"`
	UpdatedAt           string  `json:"updated_at,omitempty"`
}

// NotifyReport summarizes webhook deliveries triggered by a write.
type NotifyReport struct {
	Notifiable int `json:"notifiable"`
	Delivered  int `json:"delivered"`
	Failed     int `json:"failed"`
}

// SyncResult is the outcome of one milestone pass.
type SyncResult struct {
	ProjectID     string        `json:"project_id"`
	DryRun        bool          `json:"dry_run"`
	Synced        []string      `json:"synced"`
	Unsynced      []string      `json:"unsynced"`
	Triggered     []string      `json:"triggered"`
	Preserved     []string      `json:"preserved"`
	Changes       []Change      `json:"changes"`
	Progress      Progress      `json:"progress"`
	Notifications *NotifyReport `json:"notifications,omitempty"`
	NotifyError   string        `json:"notify_error,omitempty"`
}

// BatchItem is the per-project result of SyncAll.
type BatchItem struct {
	ProjectID string   `json:"project_id"`
	Changes   []Change `json:"changes"`
	Progress  Progress `json:"progress"`
	Error     string   `json:"error,omitempty"`
}

// Milestone is a catalogue entry with its stored state.
type Milestone struct {
	Code        string  `json:"code"`
	Type        string  `json:"type"`
	DisplayName string  `json:"display_name"`
	SortOrder   int     `json:"sort_order"`
	Weight      float64 `json:"weight"`
	Active      bool    `json:"active"`
	Derived     bool    `json:"derived"`
	IsCompleted bool    `json:"is_completed"`
	Manual      bool    `json:"manual"`
	CompletedBy string  `json:"completed_by,omitempty"`
	CompletedAt *string `json:"completed_at,omitempty"`
	Note        *string `json:"note,omitempty"`
	Provenance  string  `json:"provenance,omitempty"`
}

// MilestoneState is the stored row of one milestone.
type MilestoneState struct {
	ProjectID   string     `json:"project_id"`
	Code        string     `json:"code"`
	IsCompleted bool       `json:"is_completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CompletedBy string     `json:"completed_by,omitempty"`
	Provenance  string     `json:"provenance,omitempty"`
	Note        *string    `json:"note,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ManualResult is returned by RecordManual.
type ManualResult struct {
	State         MilestoneState `json:"state"`
	Change        *Change        `json:"change,omitempty"`
	Progress      Progress       `json:"progress"`
	Notifications *NotifyReport  `json:"notifications,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    any    `json:"payload"`
}

// PaginatedEvents is a page of events plus the cursor of the next one.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor,omitempty"`
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Sync runs a milestone pass for the client's project. With dryRun nothing is
// written.
func (c *Client) Sync(ctx context.Context, dryRun bool) (SyncResult, error) {
	endpoint := c.projectPath("sync")
	if dryRun {
		endpoint += "?dry_run=true"
	}
	var resp SyncResult
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// SyncAll runs a pass for every active project.
func (c *Client) SyncAll(ctx context.Context) ([]BatchItem, error) {
	var resp struct {
		Items []BatchItem `json:"items"`
	}
	err := c.do(ctx, http.MethodPost, "sync", nil, &resp)
	return resp.Items, err
}

// Progress returns the stored progress summary.
func (c *Client) Progress(ctx context.Context) (Progress, error) {
	var resp Progress
	err := c.do(ctx, http.MethodGet, c.projectPath("progress"), nil, &resp)
	return resp, err
}

// PutDocument inserts or replaces a document row.
func (c *Client) PutDocument(ctx context.Context, id string, in DocumentInput) (Document, error) {
	var resp Document
	endpoint := c.projectPath(fmt.Sprintf("documents/%s", url.PathEscape(id)))
	err := c.do(ctx, http.MethodPut, endpoint, in, &resp)
	return resp, err
}

// DeleteDocument soft-deletes a document row.
func (c *Client) DeleteDocument(ctx context.Context, id string) error {
	endpoint := c.projectPath(fmt.Sprintf("documents/%s", url.PathEscape(id)))
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

// Milestones lists the project's milestones.
func (c *Client) Milestones(ctx context.Context) ([]Milestone, error) {
	var resp []Milestone
	err := c.do(ctx, http.MethodGet, c.projectPath("milestones"), nil, &resp)
	return resp, err
}

// RecordManual marks a milestone complete, or withdraws the completion when
// completed is false.
func (c *Client) RecordManual(ctx context.Context, code string, completed bool, note string) (ManualResult, error) {
	body := map[string]any{"completed": completed}
	if note != "" {
		body["note"] = note
	}
	var resp ManualResult
	endpoint := c.projectPath(fmt.Sprintf("milestones/%s/manual", url.PathEscape(code)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
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
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.projectPath("events")
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
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
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
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
