package jira

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// DefaultPageSize is the number of issues requested per search page.
const DefaultPageSize = 100

type Issue struct {
	ID     string         `json:"id"`
	Key    string         `json:"key"`
	Fields map[string]any `json:"fields,omitempty"`
}

type CreatedIssue struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Self string `json:"self,omitempty"`
}

type Transition struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// SearchPage is one page of search results. Next is an opaque cursor for the
// following page and is empty on the last page.
type SearchPage struct {
	Issues []Issue
	Next   string
}

type tokenSearchResponse struct {
	Issues        []Issue `json:"issues"`
	NextPageToken string  `json:"nextPageToken"`
	IsLast        bool    `json:"isLast"`
}

type offsetSearchResponse struct {
	Issues     []Issue `json:"issues"`
	StartAt    int     `json:"startAt"`
	MaxResults int     `json:"maxResults"`
	Total      int     `json:"total"`
}

// Search runs a JQL query and returns a single page starting at cursor.
func (c *Client) Search(ctx context.Context, jql string, fields []string, maxResults int, cursor string) (*SearchPage, error) {
	if maxResults <= 0 {
		maxResults = DefaultPageSize
	}
	if len(fields) == 0 {
		fields = []string{"id", "key"}
	}

	body := map[string]any{
		"jql":        jql,
		"fields":     fields,
		"maxResults": maxResults,
	}

	if c.config.APIVersion == APIv2 {
		startAt := 0
		if cursor != "" {
			n, err := strconv.Atoi(cursor)
			if err != nil {
				return nil, fmt.Errorf("invalid search cursor %q", cursor)
			}
			startAt = n
		}
		body["startAt"] = startAt

		var resp offsetSearchResponse
		if err := c.doJSON(ctx, http.MethodPost, "/search", nil, body, &resp); err != nil {
			return nil, err
		}
		page := &SearchPage{Issues: resp.Issues}
		if next := resp.StartAt + len(resp.Issues); len(resp.Issues) > 0 && next < resp.Total {
			page.Next = strconv.Itoa(next)
		}
		return page, nil
	}

	if cursor != "" {
		body["nextPageToken"] = cursor
	}
	var resp tokenSearchResponse
	if err := c.doJSON(ctx, http.MethodPost, "/search/jql", nil, body, &resp); err != nil {
		return nil, err
	}
	page := &SearchPage{Issues: resp.Issues}
	if !resp.IsLast {
		page.Next = resp.NextPageToken
	}
	return page, nil
}

// SearchAll walks every page of a query, stopping after maxPages pages when
// maxPages is positive.
func (c *Client) SearchAll(ctx context.Context, jql string, fields []string, pageSize, maxPages int, fn func([]Issue) error) error {
	cursor := ""
	for pages := 0; maxPages <= 0 || pages < maxPages; pages++ {
		page, err := c.Search(ctx, jql, fields, pageSize, cursor)
		if err != nil {
			return err
		}
		if len(page.Issues) > 0 {
			if err := fn(page.Issues); err != nil {
				return err
			}
		}
		if page.Next == "" {
			return nil
		}
		cursor = page.Next
	}
	return fmt.Errorf("search exceeded %d pages: %s", maxPages, jql)
}

// Create creates an issue from the given field map.
func (c *Client) Create(ctx context.Context, fields map[string]any) (*CreatedIssue, error) {
	var created CreatedIssue
	if err := c.doJSON(ctx, http.MethodPost, "/issue", nil, map[string]any{"fields": fields}, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// Update overwrites the given fields on an existing issue.
func (c *Client) Update(ctx context.Context, idOrKey string, fields map[string]any) error {
	params := url.Values{"notifyUsers": {"false"}}
	return c.doJSON(ctx, http.MethodPut, "/issue/"+url.PathEscape(idOrKey), params, map[string]any{"fields": fields}, nil)
}

// Transitions lists the workflow transitions available on an issue.
func (c *Client) Transitions(ctx context.Context, idOrKey string) ([]Transition, error) {
	var resp struct {
		Transitions []Transition `json:"transitions"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/issue/"+url.PathEscape(idOrKey)+"/transitions", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Transitions, nil
}

// Transition moves an issue through a workflow transition, adding comment when non-empty.
func (c *Client) Transition(ctx context.Context, idOrKey, transitionID, comment string) error {
	payload := map[string]any{
		"transition": map[string]any{"id": transitionID},
	}
	if comment != "" {
		payload["update"] = map[string]any{
			"comment": []any{
				map[string]any{"add": map[string]any{"body": c.commentBody(comment)}},
			},
		}
	}
	return c.doJSON(ctx, http.MethodPost, "/issue/"+url.PathEscape(idOrKey)+"/transitions", nil, payload, nil)
}

func (c *Client) commentBody(text string) any {
	if c.config.APIVersion == APIv2 {
		return text
	}
	return TextDocument(text)
}
