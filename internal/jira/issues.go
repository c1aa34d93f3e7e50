package jira

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// Issue is a Jira issue as returned by the REST API.
type Issue struct {
	ID     string      `json:"id,omitempty"`
	Key    string      `json:"key"`
	Self   string      `json:"self,omitempty"`
	Fields IssueFields `json:"fields"`
}

// IssueFields holds the subset of issue fields the agent reads.
type IssueFields struct {
	Summary     string     `json:"summary,omitempty"`
	Description any        `json:"description,omitempty"` // ADF document or plain string
	Status      *Status    `json:"status,omitempty"`
	IssueType   *IssueType `json:"issuetype,omitempty"`
	Assignee    *User      `json:"assignee,omitempty"`
	Priority    *Priority  `json:"priority,omitempty"`
}

// Status is an issue workflow status.
type Status struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

// IssueType names the issue type (Task, Bug, Story, ...).
type IssueType struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

// User is a Jira account reference.
type User struct {
	AccountID   string `json:"accountId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

// Priority is an issue priority.
type Priority struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

// Project is a project reference used when creating issues.
type Project struct {
	ID  string `json:"id,omitempty"`
	Key string `json:"key,omitempty"`
}

// CreateIssueRequest is the POST /issue payload.
type CreateIssueRequest struct {
	Fields struct {
		Project     Project   `json:"project"`
		Summary     string    `json:"summary"`
		Description any       `json:"description,omitempty"`
		IssueType   IssueType `json:"issuetype"`
	} `json:"fields"`
}

// SearchResult is the POST /search response.
type SearchResult struct {
	StartAt    int     `json:"startAt"`
	MaxResults int     `json:"maxResults"`
	Total      int     `json:"total"`
	Issues     []Issue `json:"issues"`
}

// Transition is one available workflow transition.
type Transition struct {
	ID   string  `json:"id"`
	Name string  `json:"name"`
	To   *Status `json:"to,omitempty"`
}

// GetIssue fetches a single issue by key.
func (c *Client) GetIssue(ctx context.Context, key string) (*Issue, error) {
	resp, err := c.do(ctx, http.MethodGet, "/rest/api/3/issue/"+url.PathEscape(key), nil)
	if err != nil {
		return nil, err
	}
	var issue Issue
	if err := decodeResponse(resp, &issue); err != nil {
		return nil, err
	}
	return &issue, nil
}

// CreateIssue creates a new issue.
func (c *Client) CreateIssue(ctx context.Context, req *CreateIssueRequest) (*Issue, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding create request: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, "/rest/api/3/issue", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	var issue Issue
	if err := decodeResponse(resp, &issue); err != nil {
		return nil, err
	}
	return &issue, nil
}

// UpdateIssue applies a partial fields update to an issue.
func (c *Client) UpdateIssue(ctx context.Context, key string, fields map[string]interface{}) error {
	body, err := json.Marshal(map[string]interface{}{"fields": fields})
	if err != nil {
		return fmt.Errorf("encoding update request: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPut, "/rest/api/3/issue/"+url.PathEscape(key), bytes.NewReader(body))
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// SearchIssues runs a JQL search.
func (c *Client) SearchIssues(ctx context.Context, jql string, maxResults int) (*SearchResult, error) {
	body, err := json.Marshal(map[string]interface{}{
		"jql":        jql,
		"maxResults": maxResults,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding search request: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, "/rest/api/3/search", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	var result SearchResult
	if err := decodeResponse(resp, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetTransitions lists the transitions currently available on an issue.
func (c *Client) GetTransitions(ctx context.Context, key string) ([]Transition, error) {
	resp, err := c.do(ctx, http.MethodGet, "/rest/api/3/issue/"+url.PathEscape(key)+"/transitions", nil)
	if err != nil {
		return nil, err
	}
	var wrapper struct {
		Transitions []Transition `json:"transitions"`
	}
	if err := decodeResponse(resp, &wrapper); err != nil {
		return nil, err
	}
	return wrapper.Transitions, nil
}

// TransitionIssue moves an issue through a workflow transition by ID.
func (c *Client) TransitionIssue(ctx context.Context, key, transitionID string) error {
	body, err := json.Marshal(map[string]interface{}{
		"transition": map[string]string{"id": transitionID},
	})
	if err != nil {
		return fmt.Errorf("encoding transition request: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, "/rest/api/3/issue/"+url.PathEscape(key)+"/transitions", bytes.NewReader(body))
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
