package jira

import (
	"context"
	"net/http"
	"net/url"
	"strings"
)

const customFieldTypePrefix = "com.atlassian.jira.plugin.system.customfieldtypes:"

type IssueType struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Subtask bool   `json:"subtask"`
}

type Project struct {
	ID         string      `json:"id"`
	Key        string      `json:"key"`
	Name       string      `json:"name"`
	IssueTypes []IssueType `json:"issueTypes"`
}

type FieldInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Custom bool   `json:"custom"`
}

// FieldSpec describes a custom field to create.
type FieldSpec struct {
	Name        string
	Type        string // plugin type name, e.g. "textfield" or "labels"
	Searcher    string // searcher name, e.g. "textsearcher"
	Description string
}

// GetProject fetches a project with its issue types. A missing project
// returns an error matching ErrNotFound.
func (c *Client) GetProject(ctx context.Context, key string) (*Project, error) {
	var project Project
	if err := c.doJSON(ctx, http.MethodGet, "/project/"+url.PathEscape(key), nil, nil, &project); err != nil {
		return nil, err
	}
	return &project, nil
}

// IssueTypeByName finds a project issue type by case-insensitive name.
func (p *Project) IssueTypeByName(name string) (IssueType, bool) {
	for _, it := range p.IssueTypes {
		if strings.EqualFold(it.Name, name) {
			return it, true
		}
	}
	return IssueType{}, false
}

// ListFields returns every system and custom field.
func (c *Client) ListFields(ctx context.Context) ([]FieldInfo, error) {
	var fields []FieldInfo
	if err := c.doJSON(ctx, http.MethodGet, "/field", nil, nil, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// CreateField creates a custom field.
func (c *Client) CreateField(ctx context.Context, spec FieldSpec) (*FieldInfo, error) {
	payload := map[string]any{
		"name":        spec.Name,
		"type":        qualify(spec.Type),
		"searcherKey": qualify(spec.Searcher),
	}
	if spec.Description != "" {
		payload["description"] = spec.Description
	}
	var field FieldInfo
	if err := c.doJSON(ctx, http.MethodPost, "/field", nil, payload, &field); err != nil {
		return nil, err
	}
	return &field, nil
}

func qualify(name string) string {
	if name == "" || strings.Contains(name, ":") {
		return name
	}
	return customFieldTypePrefix + name
}
