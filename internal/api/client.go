// ABOUTME: Backend HTTP client: JSON requests with bearer auth and error mapping
// ABOUTME: One method per endpoint the sync engine and its mutations call

package api

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

	"github.com/2389/orbit-sync/internal/model"
)

// Client calls the backend REST API.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewClient creates a client. A zero timeout means no client-side timeout.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

// errorBody is the JSON error shape the backend returns.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Preload fetches the whole initial snapshot in one round trip.
func (c *Client) Preload(ctx context.Context) (model.Snapshot, error) {
	var snap model.Snapshot
	err := c.do(ctx, http.MethodGet, "/preload", nil, &snap)
	return snap, err
}

// Threads fetches the authoritative conversation list and unread total.
func (c *Client) Threads(ctx context.Context) (model.ThreadList, error) {
	var list model.ThreadList
	err := c.do(ctx, http.MethodGet, "/threads", nil, &list)
	return list, err
}

// Messages fetches the most recent limit messages of a conversation,
// oldest first.
func (c *Client) Messages(ctx context.Context, ref model.ConversationRef, limit int) ([]model.Message, error) {
	path := conversationPath(ref) + "/messages"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var msgs []model.Message
	if err := c.do(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// MarkRead acknowledges every message in a conversation as read.
func (c *Client) MarkRead(ctx context.Context, ref model.ConversationRef) error {
	return c.do(ctx, http.MethodPost, conversationPath(ref)+"/read", nil, nil)
}

type contentBody struct {
	Content string `json:"content"`
}

// SendMessage posts a message and returns the stored row.
func (c *Client) SendMessage(ctx context.Context, ref model.ConversationRef, content string) (model.Message, error) {
	var msg model.Message
	err := c.do(ctx, http.MethodPost, conversationPath(ref)+"/messages", contentBody{Content: content}, &msg)
	return msg, err
}

// EditMessage replaces a message's content. The server enforces ownership
// and the edit window.
func (c *Client) EditMessage(ctx context.Context, id, content string) (model.Message, error) {
	var msg model.Message
	err := c.do(ctx, http.MethodPatch, "/message/"+url.PathEscape(id), contentBody{Content: content}, &msg)
	return msg, err
}

// DeleteMessage soft-deletes a message.
func (c *Client) DeleteMessage(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/message/"+url.PathEscape(id), nil, nil)
}

// Friends fetches the friends domain: accepted friendships, pending requests
// and the counterpart profiles.
func (c *Client) Friends(ctx context.Context) (model.Friends, error) {
	var f model.Friends
	err := c.do(ctx, http.MethodGet, "/friends", nil, &f)
	return f, err
}

// AcceptFriendRequest accepts a pending request addressed to the viewer.
func (c *Client) AcceptFriendRequest(ctx context.Context, friendshipID string) (model.Friendship, error) {
	var f model.Friendship
	err := c.do(ctx, http.MethodPost, "/friendship/"+url.PathEscape(friendshipID)+"/accept", nil, &f)
	return f, err
}

// Profile fetches the viewer's profile.
func (c *Client) Profile(ctx context.Context) (model.Profile, error) {
	var p model.Profile
	err := c.do(ctx, http.MethodGet, "/profile", nil, &p)
	return p, err
}

// UpdateProfile applies a partial update to the viewer's profile.
func (c *Client) UpdateProfile(ctx context.Context, patch model.ProfilePatch) (model.Profile, error) {
	var p model.Profile
	err := c.do(ctx, http.MethodPatch, "/profile", patch, &p)
	return p, err
}

func conversationPath(ref model.ConversationRef) string {
	if ref.Kind == model.KindPlace {
		return "/place/" + url.PathEscape(ref.ID)
	}
	return "/thread/" + url.PathEscape(ref.ID)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if c.token == "" {
		return ErrNoToken
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return handleErrorResponse(resp)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

// handleErrorResponse maps a failure status to ErrUnauthorized or a StatusError.
func handleErrorResponse(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}

	msg := strings.TrimSpace(string(data))
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var eb errorBody
		if json.Unmarshal(data, &eb) == nil {
			switch {
			case eb.Error != "":
				msg = eb.Error
			case eb.Message != "":
				msg = eb.Message
			}
		}
	}
	return &StatusError{Code: resp.StatusCode, Message: msg}
}
