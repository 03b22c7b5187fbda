package gdb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/graphkb/graphkb/internal/kberr"
	"github.com/graphkb/graphkb/internal/model"
)

// Client is one authenticated session against the store's REST command
// endpoint. The server tracks the session through a cookie issued on
// connect.
type Client struct {
	cfg    Config
	http   *http.Client
	cookie string
}

// Connect opens a session against the configured database.
func Connect(cfg Config) (*Client, error) {
	c := &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
	req, err := http.NewRequest(http.MethodGet,
		fmt.Sprintf("%s/connect/%s", cfg.BaseURL(), url.PathEscape(cfg.Name)), nil)
	if err != nil {
		return nil, kberr.Wrap(kberr.DatabaseConnection, err, "failed to build connect request")
	}
	req.SetBasicAuth(cfg.Username, cfg.Password)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, kberr.Wrap(kberr.DatabaseConnection, err,
			fmt.Sprintf("failed to connect to %s", cfg.BaseURL()))
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, kberr.Newf(kberr.Authentication,
			"database credentials rejected for %q", cfg.Username)
	}
	if resp.StatusCode >= 300 {
		return nil, readError(resp)
	}
	for _, cookie := range resp.Cookies() {
		if cookie.Name == "OSESSIONID" {
			c.cookie = cookie.Value
		}
	}
	return c, nil
}

// commandRequest is the body of a parameterised command.
type commandRequest struct {
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// commandResponse is the result envelope of the command endpoint.
type commandResponse struct {
	Result []map[string]any `json:"result"`
}

// Command runs one SQL statement and returns the result records.
func (c *Client) Command(ctx context.Context, sql string, params map[string]any) ([]model.Record, error) {
	body, err := json.Marshal(commandRequest{Command: sql, Parameters: params})
	if err != nil {
		return nil, kberr.Wrap(kberr.Validation, err, "failed to encode command")
	}
	endpoint := fmt.Sprintf("%s/command/%s/sql/-/-1",
		c.cfg.BaseURL(), url.PathEscape(c.cfg.Name))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, kberr.Wrap(kberr.DatabaseConnection, err, "failed to build command request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	if c.cookie != "" {
		req.AddCookie(&http.Cookie{Name: "OSESSIONID", Value: c.cookie})
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, kberr.Wrap(kberr.DatabaseConnection, err, "command request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, readError(resp)
	}

	var decoded commandResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, kberr.Wrap(kberr.DatabaseConnection, err, "failed to decode command response")
	}
	records := make([]model.Record, len(decoded.Result))
	for i, raw := range decoded.Result {
		records[i] = model.Record(raw)
	}
	return records, nil
}

// Close releases the server-side session.
func (c *Client) Close() error {
	if c.cookie == "" {
		return nil
	}
	req, err := http.NewRequest(http.MethodGet, c.cfg.BaseURL()+"/disconnect", nil)
	if err != nil {
		return err
	}
	req.AddCookie(&http.Cookie{Name: "OSESSIONID", Value: c.cookie})
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	c.cookie = ""
	return nil
}

// errorResponse is the store's error envelope.
type errorResponse struct {
	Errors []struct {
		Code    int    `json:"code"`
		Reason  string `json:"reason"`
		Content string `json:"content"`
	} `json:"errors"`
}

// readError drains an error response and translates it into the shared
// taxonomy based on the server-side exception named in the payload.
func readError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var decoded errorResponse
	message := strings.TrimSpace(string(raw))
	if err := json.Unmarshal(raw, &decoded); err == nil && len(decoded.Errors) > 0 {
		message = decoded.Errors[0].Content
		if message == "" {
			message = decoded.Errors[0].Reason
		}
	}
	return translateError(resp.StatusCode, message)
}

// translateError maps a store exception to an error kind.
func translateError(status int, message string) error {
	first := message
	if i := strings.IndexByte(first, '\n'); i >= 0 {
		first = first[:i]
	}
	switch {
	case strings.Contains(message, "ORecordDuplicatedException"),
		strings.Contains(message, "duplicated key"):
		return kberr.Newf(kberr.RecordExists, "%s", first)
	case strings.Contains(message, "OCommandSQLParsingException"),
		strings.Contains(message, "OValidationException"):
		return kberr.Newf(kberr.Validation, "%s", first)
	case strings.Contains(message, "OSecurityAccessException"):
		return kberr.Newf(kberr.Permission, "%s", first)
	case strings.Contains(message, "ORecordNotFoundException"):
		return kberr.Newf(kberr.NoRecordFound, "%s", first)
	case status == http.StatusUnauthorized:
		return kberr.Newf(kberr.Authentication, "%s", first)
	}
	return kberr.Newf(kberr.DatabaseConnection, "store command failed (%d): %s", status, first)
}

// ServerClient runs server-level operations with the server's root
// credentials, outside any database session.
type ServerClient struct {
	base     string
	username string
	password string
	http     *http.Client
}

// NewServerClient builds a server-level client for database management.
func NewServerClient(cfg Config, username, password string) *ServerClient {
	return &ServerClient{
		base:     cfg.BaseURL(),
		username: username,
		password: password,
		http:     &http.Client{Timeout: cfg.Timeout},
	}
}

// DatabaseExists reports whether the named database exists on the server.
func (s *ServerClient) DatabaseExists(ctx context.Context, name string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/database/%s", s.base, url.PathEscape(name)), nil)
	if err != nil {
		return false, kberr.Wrap(kberr.DatabaseConnection, err, "failed to build database request")
	}
	req.SetBasicAuth(s.username, s.password)
	resp, err := s.http.Do(req)
	if err != nil {
		return false, kberr.Wrap(kberr.DatabaseConnection, err, "database lookup failed")
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode < 300:
		return true, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return false, kberr.Newf(kberr.Authentication,
			"server credentials rejected for %q", s.username)
	}
	return false, nil
}

// CreateDatabase creates the named database with persistent storage.
func (s *ServerClient) CreateDatabase(ctx context.Context, name string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/database/%s/plocal", s.base, url.PathEscape(name)), nil)
	if err != nil {
		return kberr.Wrap(kberr.DatabaseConnection, err, "failed to build create request")
	}
	req.SetBasicAuth(s.username, s.password)
	resp, err := s.http.Do(req)
	if err != nil {
		return kberr.Wrap(kberr.DatabaseConnection, err, "database creation failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return readError(resp)
	}
	return nil
}
