// Package jira is a small client for the Jira REST API covering the issue,
// field and project endpoints needed to mirror findings into tickets.
package jira

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rcourtman/vulnsync/pkg/tlsutil"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

const (
	// APIv3 is the Jira Cloud REST API (ADF documents, token paging).
	APIv3 = "3"
	// APIv2 is the Jira Server / Data Center REST API (plain text, offset paging).
	APIv2 = "2"

	maxErrorBody = 4096
)

// ErrNotFound is returned (wrapped) for 404 responses.
var ErrNotFound = errors.New("jira: not found")

type Client struct {
	baseURL    string
	httpClient *http.Client
	config     ClientConfig
}

type ClientConfig struct {
	URL         string
	User        string
	APIToken    string
	BearerToken string // personal access token; used instead of User/APIToken when set
	APIVersion  string
	VerifySSL   bool
	Fingerprint string
	Timeout     time.Duration
	MaxConns    int
}

// APIError describes a non-2xx response.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: API error %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("jira url is required")
	}
	if cfg.BearerToken == "" && (cfg.User == "" || cfg.APIToken == "") {
		return nil, fmt.Errorf("jira credentials are required (user and api token, or bearer token)")
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = APIv3
	}
	if cfg.APIVersion != APIv2 && cfg.APIVersion != APIv3 {
		return nil, fmt.Errorf("unsupported jira api version %q", cfg.APIVersion)
	}

	host := strings.TrimSuffix(cfg.URL, "/")
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "https://" + host
	}
	if strings.HasPrefix(host, "http://") {
		log.Warn().Str("url", host).Msg("Using HTTP for Jira connection - consider enabling HTTPS")
	}

	httpClient := tlsutil.CreateHTTPClient(cfg.VerifySSL, cfg.Fingerprint, cfg.Timeout, cfg.MaxConns)
	if cfg.BearerToken != "" {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)
		timeout := httpClient.Timeout
		httpClient = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: cfg.BearerToken,
			TokenType:   "Bearer",
		}))
		httpClient.Timeout = timeout
	}

	return &Client{
		baseURL:    host + "/rest/api/" + cfg.APIVersion,
		httpClient: httpClient,
		config:     cfg,
	}, nil
}

// APIVersion reports the REST API version the client talks to.
func (c *Client) APIVersion() string {
	return c.config.APIVersion
}

func (c *Client) request(ctx context.Context, method, path string, params url.Values, payload any) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if params != nil {
		req.URL.RawQuery = params.Encode()
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.BearerToken == "" {
		req.SetBasicAuth(c.config.User, c.config.APIToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, params url.Values, payload, out any) error {
	resp, err := c.request(ctx, method, path, params, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// StatusCode extracts the HTTP status from an API error, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
