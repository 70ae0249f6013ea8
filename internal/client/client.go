// Package client is a small HTTP client for the timeline API.
package client

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

	"github.com/blackmichael/timeline-cache/internal/domain"
	"github.com/blackmichael/timeline-cache/internal/httpserver"
	"github.com/blackmichael/timeline-cache/internal/social"
)

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Type    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s: %s", e.Status, e.Type, e.Message)
}

// Is lets callers match API errors against the domain sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case domain.ErrNotFound:
		return e.Status == http.StatusNotFound
	case domain.ErrConflict:
		return e.Status == http.StatusConflict && e.Type == "Conflict"
	case domain.ErrInvalidArgument:
		return e.Status == http.StatusBadRequest
	case domain.ErrStoreUnavailable:
		return e.Status == http.StatusServiceUnavailable
	}
	return false
}

// Client calls the API as one user. The zero viewer is anonymous.
type Client struct {
	baseURL    string
	viewer     int64
	httpClient *http.Client
}

// New creates a client for the server at baseURL.
func New(baseURL string, viewer int64) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		viewer:  viewer,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// As returns a copy of the client acting as uid.
func (c *Client) As(uid int64) *Client {
	cp := *c
	cp.viewer = uid
	return &cp
}

func (c *Client) CreateUser(ctx context.Context, in social.NewUser) (*domain.Profile, error) {
	var profile domain.Profile
	if err := c.do(ctx, http.MethodPost, "/v1/users", in, &profile); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return &profile, nil
}

func (c *Client) CreatePost(ctx context.Context, body string, replyTo *domain.PostRef) (*domain.CorePost, error) {
	var post domain.CorePost
	if err := c.do(ctx, http.MethodPost, "/v1/posts", social.NewPost{Body: body, ReplyTo: replyTo}, &post); err != nil {
		return nil, fmt.Errorf("create post: %w", err)
	}
	return &post, nil
}

func (c *Client) DeletePost(ctx context.Context, pid int64) error {
	if err := c.do(ctx, http.MethodDelete, "/v1/posts/"+strconv.FormatInt(pid, 10), nil, nil); err != nil {
		return fmt.Errorf("delete post: %w", err)
	}
	return nil
}

func (c *Client) Follow(ctx context.Context, username string) error {
	if err := c.do(ctx, http.MethodPut, "/v1/users/"+url.PathEscape(username)+"/follow", nil, nil); err != nil {
		return fmt.Errorf("follow: %w", err)
	}
	return nil
}

func (c *Client) Unfollow(ctx context.Context, username string) error {
	if err := c.do(ctx, http.MethodDelete, "/v1/users/"+url.PathEscape(username)+"/follow", nil, nil); err != nil {
		return fmt.Errorf("unfollow: %w", err)
	}
	return nil
}

func (c *Client) Like(ctx context.Context, ref domain.PostRef) error {
	if err := c.do(ctx, http.MethodPut, engagementPath(ref, "like"), nil, nil); err != nil {
		return fmt.Errorf("like: %w", err)
	}
	return nil
}

func (c *Client) Repost(ctx context.Context, ref domain.PostRef) error {
	if err := c.do(ctx, http.MethodPut, engagementPath(ref, "repost"), nil, nil); err != nil {
		return fmt.Errorf("repost: %w", err)
	}
	return nil
}

// HomeTimeline reads one page of the viewer's home timeline. A zero before
// starts at the newest entry.
func (c *Client) HomeTimeline(ctx context.Context, before int64, limit int) (*domain.Page, error) {
	var page domain.Page
	if err := c.do(ctx, http.MethodGet, "/v1/timeline/home"+pageQuery(before, limit), nil, &page); err != nil {
		return nil, fmt.Errorf("home timeline: %w", err)
	}
	return &page, nil
}

func (c *Client) Profile(ctx context.Context, username string) (*domain.ProfileView, error) {
	var view domain.ProfileView
	if err := c.do(ctx, http.MethodGet, "/v1/users/"+url.PathEscape(username), nil, &view); err != nil {
		return nil, fmt.Errorf("profile: %w", err)
	}
	return &view, nil
}

func engagementPath(ref domain.PostRef, kind string) string {
	return fmt.Sprintf("/v1/posts/%d/%d/%s", ref.AuthorID, ref.PostID, kind)
}

func pageQuery(before int64, limit int) string {
	q := url.Values{}
	if before > 0 {
		q.Set("before", strconv.FormatInt(before, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, path string, body any, result any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.viewer != 0 {
		req.Header.Set(httpserver.ViewerHeader, strconv.FormatInt(c.viewer, 10))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil {
			apiErr.Message = string(respBody)
		}
		return apiErr
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}
