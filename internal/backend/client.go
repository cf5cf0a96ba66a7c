package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/angtu-eios/portal/internal/rbac"
	"github.com/angtu-eios/portal/internal/shared"
)

// Client wraps interactions with the EIOS API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient constructs a new client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// StatusError reports a non-2xx answer from the API.
type StatusError struct {
	Method  string
	Path    string
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api %s %s: status %d: %s", e.Method, e.Path, e.Status, e.Message)
	}
	return fmt.Sprintf("api %s %s: status %d", e.Method, e.Path, e.Status)
}

// Unwrap maps the status onto the shared error taxonomy.
func (e *StatusError) Unwrap() error {
	switch e.Status {
	case http.StatusUnauthorized:
		return shared.ErrUnauthorized
	case http.StatusForbidden:
		return shared.ErrForbidden
	case http.StatusNotFound:
		return shared.ErrNotFound
	case http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity:
		return shared.ErrValidation
	}
	return nil
}

// Ping checks if the API answers at all.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/news", "", nil, nil)
}

// Login exchanges credentials for a token pair.
func (c *Client) Login(ctx context.Context, email, password string) (LoginResponse, error) {
	var out LoginResponse
	body := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/auth/login", "", body, &out); err != nil {
		return LoginResponse{}, err
	}
	return out, nil
}

// Register creates a user account.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (UserSummary, error) {
	var out UserSummary
	if err := c.do(ctx, http.MethodPost, "/auth/register", "", req, &out); err != nil {
		return UserSummary{}, err
	}
	return out, nil
}

// Refresh exchanges a refresh token for a new token pair.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	var out TokenPair
	body := map[string]string{"refreshToken": refreshToken}
	if err := c.do(ctx, http.MethodPost, "/auth/refresh", "", body, &out); err != nil {
		return TokenPair{}, err
	}
	return out, nil
}

// Logout revokes the session the access token belongs to.
func (c *Client) Logout(ctx context.Context, accessToken string) error {
	return c.do(ctx, http.MethodPost, "/auth/logout", accessToken, nil, nil)
}

// Profile fetches the full identity of a user.
func (c *Client) Profile(ctx context.Context, accessToken, username string) (Profile, error) {
	var out Profile
	if err := c.do(ctx, http.MethodGet, "/auth/"+url.PathEscape(username), accessToken, nil, &out); err != nil {
		return Profile{}, err
	}
	return out, nil
}

// Role fetches a role together with its permissions.
func (c *Client) Role(ctx context.Context, accessToken string, roleID int64) (rbac.Role, error) {
	var out rbac.Role
	if err := c.do(ctx, http.MethodGet, "/roles/"+strconv.FormatInt(roleID, 10), accessToken, nil, &out); err != nil {
		return rbac.Role{}, err
	}
	if out.ID == 0 {
		out.ID = roleID
	}
	return out, nil
}

// ListNews returns the public news feed.
func (c *Client) ListNews(ctx context.Context) ([]News, error) {
	var out []News
	if err := c.do(ctx, http.MethodGet, "/news", "", nil, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []News{}
	}
	return out, nil
}

// GetNews returns a single news item.
func (c *Client) GetNews(ctx context.Context, id int64) (News, error) {
	var out News
	if err := c.do(ctx, http.MethodGet, newsPath(id), "", nil, &out); err != nil {
		return News{}, err
	}
	return out, nil
}

// CreateNews publishes a news item.
func (c *Client) CreateNews(ctx context.Context, accessToken string, payload NewsPayload) (News, error) {
	var out News
	if err := c.do(ctx, http.MethodPost, "/news", accessToken, payload, &out); err != nil {
		return News{}, err
	}
	return out, nil
}

// UpdateNews replaces the editable fields of a news item.
func (c *Client) UpdateNews(ctx context.Context, accessToken string, id int64, payload NewsPayload) (News, error) {
	var out News
	if err := c.do(ctx, http.MethodPatch, newsPath(id), accessToken, payload, &out); err != nil {
		return News{}, err
	}
	return out, nil
}

// DeleteNews removes a news item.
func (c *Client) DeleteNews(ctx context.Context, accessToken string, id int64) error {
	return c.do(ctx, http.MethodDelete, newsPath(id), accessToken, nil, nil)
}

func newsPath(id int64) string {
	return "/news/" + strconv.FormatInt(id, 10)
}

func (c *Client) do(ctx context.Context, method, path, accessToken string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("api %s %s: encode: %w", method, path, err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %s %s: %v", shared.ErrNetwork, method, path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return &StatusError{Method: method, Path: path, Status: resp.StatusCode, Message: errorMessage(raw)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("api %s %s: decode: %w", method, path, err)
	}
	return nil
}

// errorMessage extracts the message field of an API error body. The API
// sends either a string or a list of validation strings.
func errorMessage(raw []byte) string {
	var payload struct {
		Message json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || len(payload.Message) == 0 {
		return ""
	}
	var single string
	if err := json.Unmarshal(payload.Message, &single); err == nil {
		return single
	}
	var many []string
	if err := json.Unmarshal(payload.Message, &many); err == nil {
		return strings.Join(many, "; ")
	}
	return ""
}
