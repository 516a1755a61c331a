// Package transport is the HTTP client for one sync backend. Every call
// is a single request/response; retries and scheduling belong to the
// orchestrator.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	syncerrors "github.com/alexjbarnes/vault-mirror/internal/errors"
	"github.com/alexjbarnes/vault-mirror/internal/hlc"
	"github.com/alexjbarnes/vault-mirror/internal/models"
)

const defaultTimeout = 30 * time.Second

// TokenSource hands out bearer tokens for one backend. Invalidate drops
// a token the server rejected so the next call re-authenticates.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// PullPage is one page of GET /sync/pull.
type PullPage struct {
	Changes    []models.ColumnChange `json:"changes"`
	HasMore    bool                  `json:"hasMore"`
	NextCursor string                `json:"nextCursor"`
}

// PushResult is the server's acknowledgement of POST /sync/push.
type PushResult struct {
	Accepted int `json:"accepted"`
}

type pushRequest struct {
	VaultID string                `json:"vaultId"`
	Changes []models.ColumnChange `json:"changes"`
}

type batchResponse struct {
	Changes []models.ColumnChange `json:"changes"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
}

// Client talks to one backend.
type Client struct {
	http   *resty.Client
	tokens TokenSource
	logger *slog.Logger
}

// New creates a client for baseURL. A zero timeout uses the default.
func New(baseURL string, tokens TokenSource, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	cli := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")

	return &Client{http: cli, tokens: tokens, logger: logger}
}

// BaseURL returns the backend root URL.
func (c *Client) BaseURL() string {
	return c.http.BaseURL
}

// HealthCheck pings GET /health without authentication.
func (c *Client) HealthCheck(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Get("/health")
	if err != nil {
		return networkError(ctx, http.MethodGet, "/health", err)
	}

	return c.mapStatus(resp)
}

// Login exchanges credentials for a bearer token. It does not consult
// the token source.
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(loginRequest{Email: email, Password: password}).
		Post("/auth/login")
	if err != nil {
		return "", networkError(ctx, http.MethodPost, "/auth/login", err)
	}

	if err := mapStatus(resp); err != nil {
		return "", err
	}

	var out loginResponse
	if err := decode(resp, &out); err != nil {
		return "", err
	}

	if out.Token == "" {
		return "", fmt.Errorf("%w: login returned no token", syncerrors.ErrProtocol)
	}

	return out.Token, nil
}

// UploadVaultKey stores a wrapped sync key: POST /sync/vault-key.
func (c *Client) UploadVaultKey(ctx context.Context, key models.VaultKey) error {
	_, err := c.do(ctx, http.MethodPost, "/sync/vault-key", nil, key)
	return err
}

// FetchVaultKey downloads the wrapped key. A 404 yields ErrKeyNotFound.
func (c *Client) FetchVaultKey(ctx context.Context, vaultID string) (models.VaultKey, error) {
	var out models.VaultKey

	resp, err := c.do(ctx, http.MethodGet, "/sync/vault-key/"+url.PathEscape(vaultID), nil, nil)
	if err != nil {
		if resp != nil && resp.StatusCode() == http.StatusNotFound {
			return out, fmt.Errorf("%w: %w", syncerrors.ErrKeyNotFound, err)
		}

		return out, err
	}

	return out, decode(resp, &out)
}

// UpdateVaultKey replaces the wrapped key: PATCH /sync/vault-key/{id}.
func (c *Client) UpdateVaultKey(ctx context.Context, key models.VaultKey) error {
	_, err := c.do(ctx, http.MethodPatch, "/sync/vault-key/"+url.PathEscape(key.VaultID), nil, key)
	return err
}

// DeleteVault removes the vault and all its changes from the backend.
func (c *Client) DeleteVault(ctx context.Context, vaultID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/sync/vault/"+url.PathEscape(vaultID), nil, nil)
	return err
}

// RenameVault replaces the encrypted vault name.
func (c *Client) RenameVault(ctx context.Context, vaultID string, name models.VaultRename) error {
	_, err := c.do(ctx, http.MethodPatch, "/sync/vault/"+url.PathEscape(vaultID), nil, name)
	return err
}

// Push uploads pre-encrypted changes in a single request.
func (c *Client) Push(ctx context.Context, vaultID string, changes []models.ColumnChange) (PushResult, error) {
	var out PushResult

	resp, err := c.do(ctx, http.MethodPost, "/sync/push", nil, pushRequest{VaultID: vaultID, Changes: changes})
	if err != nil {
		return out, err
	}

	if len(resp.Body()) == 0 {
		out.Accepted = len(changes)
		return out, nil
	}

	return out, decode(resp, &out)
}

// Pull fetches one page of changes newer than since.
func (c *Client) Pull(ctx context.Context, vaultID, since string, limit int) (PullPage, error) {
	var page PullPage

	q := url.Values{}
	q.Set("vaultId", vaultID)
	q.Set("since", since)

	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	resp, err := c.do(ctx, http.MethodGet, "/sync/pull", q, nil)
	if err != nil {
		return page, err
	}

	return page, decode(resp, &page)
}

// PullAll follows pages until the server reports no more and returns
// the combined set. Nothing is returned until the last page arrives, so
// callers never see a partial pull.
func (c *Client) PullAll(ctx context.Context, vaultID, since string, limit int) ([]models.ColumnChange, error) {
	var all []models.ColumnChange

	cursor := since

	for pages := 1; ; pages++ {
		page, err := c.Pull(ctx, vaultID, cursor, limit)
		if err != nil {
			return nil, fmt.Errorf("pulling page %d: %w", pages, err)
		}

		all = append(all, page.Changes...)

		if !page.HasMore {
			c.logger.Debug("pull complete",
				slog.String("vault_id", vaultID),
				slog.Int("pages", pages),
				slog.Int("changes", len(all)),
			)

			return all, nil
		}

		if !hlc.After(page.NextCursor, cursor) {
			return nil, fmt.Errorf("%w: pull cursor did not advance past %q", syncerrors.ErrProtocol, cursor)
		}

		cursor = page.NextCursor
	}
}

// FetchMissingBatchItems asks for specific sequence numbers of a batch.
func (c *Client) FetchMissingBatchItems(ctx context.Context, batchID string, seqs []int) ([]models.ColumnChange, error) {
	parts := make([]string, len(seqs))
	for i, s := range seqs {
		parts[i] = strconv.Itoa(s)
	}

	q := url.Values{}
	q.Set("seqs", strings.Join(parts, ","))

	resp, err := c.do(ctx, http.MethodGet, "/sync/batch/"+url.PathEscape(batchID), q, nil)
	if err != nil {
		return nil, err
	}

	var out batchResponse
	if err := decode(resp, &out); err != nil {
		return nil, err
	}

	return out.Changes, nil
}

// do sends an authenticated request. The response is returned alongside
// status errors so callers can special-case codes.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) (*resty.Response, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtaining token: %w", err)
	}

	if token == "" {
		return nil, fmt.Errorf("%w: no session token", syncerrors.ErrUnauthorized)
	}

	req := c.http.R().
		SetContext(ctx).
		SetAuthToken(token)

	if query != nil {
		req.SetQueryParamsFromValues(query)
	}

	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, networkError(ctx, method, path, err)
	}

	if err := c.mapStatus(resp); err != nil {
		return resp, err
	}

	return resp, nil
}

// mapStatus maps the status and drops the cached token on 401/403.
func (c *Client) mapStatus(resp *resty.Response) error {
	err := mapStatus(resp)
	if err != nil && (resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden) {
		c.tokens.Invalidate()
	}

	return err
}

func networkError(ctx context.Context, method, path string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%s %s: %w", method, path, ctx.Err())
	}

	return fmt.Errorf("%w: %s %s: %w", syncerrors.ErrNetworkUnreachable, method, path, err)
}

func decode(resp *resty.Response, v any) error {
	if err := json.Unmarshal(resp.Body(), v); err != nil {
		return fmt.Errorf("%w: decoding %s response: %w", syncerrors.ErrProtocol, resp.Request.URL, err)
	}

	return nil
}
