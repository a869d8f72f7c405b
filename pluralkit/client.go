// Copyright 2025 The frontwatch authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pluralkit provides an HTTP client for the PluralKit REST API.
// Privacy-denied responses on front state are normalized into benign
// values (empty results, Private flag) rather than errors, so callers can
// tell "forbidden" from "nobody fronting" from a real fault.
package pluralkit

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
)

// DefaultBaseURL is the production PluralKit API endpoint
const DefaultBaseURL = "https://api.pluralkit.me/v2"

// DefaultTimeout bounds every request made by the client
const DefaultTimeout = 10 * time.Second

// DefaultSwitchLimit is the number of switches returned by
// GetRecentSwitches when the caller passes a non-positive limit
const DefaultSwitchLimit = 10

// maxResponseBytes limits API responses to 10 MiB to prevent OOM from a
// misbehaving server
const maxResponseBytes = 10 << 20

var (
	// ErrNotFound indicates the requested system ID does not resolve
	ErrNotFound = errors.New("system not found")
	// ErrUnauthorized indicates an invalid or expired system token
	ErrUnauthorized = errors.New("invalid system token")
)

// APIError is a non-2xx response carrying a PluralKit error body.
type APIError struct {
	Message    string `json:"message"`
	Code       int    `json:"code"`
	StatusCode int    `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf(
		"pluralkit API error: status=%d code=%d message=%q",
		e.StatusCode,
		e.Code,
		e.Message,
	)
}

// Client is an HTTP client for the PluralKit REST API. Tokens are passed
// per call rather than held by the client; when empty, results are
// restricted to publicly visible fields.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// ClientOption is a functional option for configuring a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the API base URL. Mostly useful for tests.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = trimTrailingSlash(baseURL)
		}
	}
}

// WithHTTPClient sets a custom *http.Client. The default client enforces
// the request timeout and HTTPS-only redirects; a custom client should
// configure its own policies.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeout overrides the per-request timeout on the default HTTP
// client.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient.Timeout = timeout
		}
	}
}

// NewClient creates a new PluralKit API client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout:       DefaultTimeout,
			CheckRedirect: httpsOnlyRedirect,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func trimTrailingSlash(s string) string {
	return strings.TrimRight(s, "/")
}

// httpsOnlyRedirect rejects redirects to non-HTTPS URLs to prevent
// credential leakage over cleartext connections.
func httpsOnlyRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= 10 {
		return errors.New("too many redirects")
	}
	if req.URL.Scheme != "https" {
		return fmt.Errorf("redirect to non-HTTPS URL blocked: %s", req.URL)
	}
	return nil
}

// GetSystem retrieves a system by its five-letter ID. Returns ErrNotFound
// when the ID does not resolve. Corresponds to GET /systems/{id}.
func (c *Client) GetSystem(
	ctx context.Context,
	systemID string,
	token string,
) (*SystemInfo, error) {
	reqURL := c.baseURL + "/systems/" + url.PathEscape(systemID)
	body, err := c.do(ctx, http.MethodGet, reqURL, token, nil)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting system %s: %w", systemID, err)
	}
	defer body.Close()
	var system SystemInfo
	if err := json.NewDecoder(body).Decode(&system); err != nil {
		return nil, fmt.Errorf("decoding system %s: %w", systemID, err)
	}
	return &system, nil
}

// GetSelfSystem retrieves the system associated with the given token.
// Returns ErrUnauthorized when the token is invalid or expired.
// Corresponds to GET /systems/@me.
func (c *Client) GetSelfSystem(
	ctx context.Context,
	token string,
) (*SystemInfo, error) {
	reqURL := c.baseURL + "/systems/@me"
	body, err := c.do(ctx, http.MethodGet, reqURL, token, nil)
	if err != nil {
		if isStatus(err, http.StatusUnauthorized) ||
			isStatus(err, http.StatusForbidden) {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("getting own system: %w", err)
	}
	defer body.Close()
	var system SystemInfo
	if err := json.NewDecoder(body).Decode(&system); err != nil {
		return nil, fmt.Errorf("decoding own system: %w", err)
	}
	return &system, nil
}

// GetSystemMembers retrieves the member list of a system. A privacy
// denial yields an empty list rather than an error. Corresponds to
// GET /systems/{id}/members.
func (c *Client) GetSystemMembers(
	ctx context.Context,
	systemID string,
	token string,
) ([]Member, error) {
	reqURL := c.baseURL + "/systems/" + url.PathEscape(systemID) + "/members"
	body, err := c.do(ctx, http.MethodGet, reqURL, token, nil)
	if err != nil {
		if isStatus(err, http.StatusForbidden) {
			return []Member{}, nil
		}
		return nil, fmt.Errorf(
			"getting members for system %s: %w",
			systemID,
			err,
		)
	}
	defer body.Close()
	var members []Member
	if err := json.NewDecoder(body).Decode(&members); err != nil {
		return nil, fmt.Errorf(
			"decoding members for system %s: %w",
			systemID,
			err,
		)
	}
	return members, nil
}

// GetCurrentFronters retrieves the current front state of a system. A
// privacy denial is not an error: it yields a snapshot with Private set
// and no members. Network and other HTTP failures propagate. Corresponds
// to GET /systems/{id}/fronters.
func (c *Client) GetCurrentFronters(
	ctx context.Context,
	systemID string,
	token string,
) (*FronterSnapshot, error) {
	reqURL := c.baseURL + "/systems/" + url.PathEscape(systemID) + "/fronters"
	body, err := c.do(ctx, http.MethodGet, reqURL, token, nil)
	if err != nil {
		if isStatus(err, http.StatusForbidden) {
			return &FronterSnapshot{
				Timestamp: time.Now(),
				Members:   []Member{},
				Private:   true,
			}, nil
		}
		return nil, fmt.Errorf(
			"getting fronters for system %s: %w",
			systemID,
			err,
		)
	}
	defer body.Close()
	var snapshot FronterSnapshot
	if err := json.NewDecoder(body).Decode(&snapshot); err != nil {
		return nil, fmt.Errorf(
			"decoding fronters for system %s: %w",
			systemID,
			err,
		)
	}
	return &snapshot, nil
}

// GetRecentSwitches retrieves the most recent switches for a system,
// newest first. Privacy denials yield an empty list. Corresponds to
// GET /systems/{id}/switches.
func (c *Client) GetRecentSwitches(
	ctx context.Context,
	systemID string,
	token string,
	limit int,
) ([]Switch, error) {
	if limit <= 0 {
		limit = DefaultSwitchLimit
	}
	reqURL := c.baseURL + "/systems/" + url.PathEscape(systemID) +
		"/switches?limit=" + strconv.Itoa(limit)
	body, err := c.do(ctx, http.MethodGet, reqURL, token, nil)
	if err != nil {
		if isStatus(err, http.StatusForbidden) {
			return []Switch{}, nil
		}
		return nil, fmt.Errorf(
			"getting switches for system %s: %w",
			systemID,
			err,
		)
	}
	defer body.Close()
	var switches []Switch
	if err := json.NewDecoder(body).Decode(&switches); err != nil {
		return nil, fmt.Errorf(
			"decoding switches for system %s: %w",
			systemID,
			err,
		)
	}
	return switches, nil
}

// UpdatePrivacySettings updates the privacy configuration of the system
// owning the token. Corresponds to PATCH /systems/@me/privacy.
func (c *Client) UpdatePrivacySettings(
	ctx context.Context,
	token string,
	settings *PrivacySettings,
) (*PrivacySettings, error) {
	reqURL := c.baseURL + "/systems/@me/privacy"
	body, err := c.do(ctx, http.MethodPatch, reqURL, token, settings)
	if err != nil {
		return nil, fmt.Errorf("updating privacy settings: %w", err)
	}
	defer body.Close()
	var updated PrivacySettings
	if err := json.NewDecoder(body).Decode(&updated); err != nil {
		return nil, fmt.Errorf("decoding privacy settings: %w", err)
	}
	return &updated, nil
}

// AddAllowedViewer grants a Discord user permission to view front state.
// Returns the updated viewer list. Corresponds to
// POST /systems/@me/privacy/viewers.
func (c *Client) AddAllowedViewer(
	ctx context.Context,
	token string,
	discordID string,
) ([]string, error) {
	reqURL := c.baseURL + "/systems/@me/privacy/viewers"
	reqBody := map[string]string{"discord_id": discordID}
	body, err := c.do(ctx, http.MethodPost, reqURL, token, reqBody)
	if err != nil {
		return nil, fmt.Errorf("adding allowed viewer: %w", err)
	}
	defer body.Close()
	var viewers []string
	if err := json.NewDecoder(body).Decode(&viewers); err != nil {
		return nil, fmt.Errorf("decoding allowed viewers: %w", err)
	}
	return viewers, nil
}

// RemoveAllowedViewer revokes a Discord user's viewer permission.
// Returns the updated viewer list. Corresponds to
// DELETE /systems/@me/privacy/viewers/{discordId}.
func (c *Client) RemoveAllowedViewer(
	ctx context.Context,
	token string,
	discordID string,
) ([]string, error) {
	reqURL := c.baseURL + "/systems/@me/privacy/viewers/" +
		url.PathEscape(discordID)
	body, err := c.do(ctx, http.MethodDelete, reqURL, token, nil)
	if err != nil {
		return nil, fmt.Errorf("removing allowed viewer: %w", err)
	}
	defer body.Close()
	var viewers []string
	if err := json.NewDecoder(body).Decode(&viewers); err != nil {
		return nil, fmt.Errorf("decoding allowed viewers: %w", err)
	}
	return viewers, nil
}

// GetAllowedViewers retrieves the Discord users permitted to view the
// token owner's front state. Corresponds to
// GET /systems/@me/privacy/viewers.
func (c *Client) GetAllowedViewers(
	ctx context.Context,
	token string,
) ([]string, error) {
	reqURL := c.baseURL + "/systems/@me/privacy/viewers"
	body, err := c.do(ctx, http.MethodGet, reqURL, token, nil)
	if err != nil {
		return nil, fmt.Errorf("getting allowed viewers: %w", err)
	}
	defer body.Close()
	var viewers []string
	if err := json.NewDecoder(body).Decode(&viewers); err != nil {
		return nil, fmt.Errorf("decoding allowed viewers: %w", err)
	}
	return viewers, nil
}

// CheckViewerPermission reports whether a Discord user is an allowed
// viewer for the given system. A not-found response means "no
// permission", not a fault. Corresponds to
// GET /systems/{id}/privacy/viewers/{discordId}.
func (c *Client) CheckViewerPermission(
	ctx context.Context,
	systemID string,
	discordID string,
	token string,
) (bool, error) {
	reqURL := c.baseURL + "/systems/" + url.PathEscape(systemID) +
		"/privacy/viewers/" + url.PathEscape(discordID)
	body, err := c.do(ctx, http.MethodGet, reqURL, token, nil)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return false, nil
		}
		return false, fmt.Errorf(
			"checking viewer permission for system %s: %w",
			systemID,
			err,
		)
	}
	body.Close()
	return true, nil
}

// do performs an HTTP request and returns the response body. The caller
// is responsible for closing the returned ReadCloser. The token is sent
// as a bearer credential only when non-empty.
func (c *Client) do(
	ctx context.Context,
	method string,
	reqURL string,
	token string,
	reqBody any,
) (io.ReadCloser, error) {
	var bodyReader io.Reader
	if reqBody != nil {
		encoded, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, apiErr); err != nil ||
			apiErr.Message == "" {
			apiErr.Message = string(bodyBytes)
		}
		return nil, apiErr
	}
	return &limitedReadCloser{
		Reader: io.LimitReader(resp.Body, maxResponseBytes),
		Closer: resp.Body,
	}, nil
}

// isStatus reports whether err is an APIError with the given HTTP status.
func isStatus(err error, statusCode int) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == statusCode
	}
	return false
}

// limitedReadCloser wraps a size-limited Reader with the underlying
// connection's Closer.
type limitedReadCloser struct {
	io.Reader
	io.Closer
}
