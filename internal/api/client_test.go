// ABOUTME: Tests for the backend HTTP client against an httptest server
// ABOUTME: Covers routing, auth header, body encoding and error mapping

package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/orbit-sync/internal/model"
)

type recordedRequest struct {
	method string
	path   string
	query  string
	auth   string
	body   string
}

func newTestServer(t *testing.T, status int, contentType, response string) (*Client, chan recordedRequest) {
	t.Helper()
	reqs := make(chan recordedRequest, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		reqs <- recordedRequest{
			method: r.Method,
			path:   r.URL.Path,
			query:  r.URL.RawQuery,
			auth:   r.Header.Get("Authorization"),
			body:   string(body),
		}
		if contentType != "" {
			w.Header().Set("Content-Type", contentType)
		}
		w.WriteHeader(status)
		_, _ = io.WriteString(w, response)
	}))
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", "tok", 5*time.Second), reqs
}

func TestPreloadDecodesSnapshot(t *testing.T) {
	body := `{
		"profile": {"id":"u1","display_name":"Ana"},
		"friends": {"friends":[{"id":"f1","requester_id":"u1","addressee_id":"u2","status":"accepted"}],"requests":[]},
		"messages": {
			"threads":[{"id":"t1","type":"direct","unread_count":2,"last_message_at":"2026-01-01T10:00:00Z"}],
			"threadMessages":{"t1":[{"id":"m1","conversation_id":"t1","sender_id":"u2","content":"hi"}]},
			"totalUnread":2,
			"currentPlace":{"id":"p1","name":"Cafe"}
		}
	}`
	c, reqs := newTestServer(t, http.StatusOK, "application/json", body)

	snap, err := c.Preload(t.Context())
	require.NoError(t, err)

	req := <-reqs
	assert.Equal(t, http.MethodGet, req.method)
	assert.Equal(t, "/preload", req.path)
	assert.Equal(t, "Bearer tok", req.auth)

	assert.Equal(t, "Ana", snap.Profile.DisplayName)
	require.Len(t, snap.Friends.Friends, 1)
	require.Len(t, snap.Messages.Threads, 1)
	assert.Equal(t, model.KindDirect, snap.Messages.Threads[0].Kind)
	assert.Equal(t, 2, snap.Messages.TotalUnread)
	require.NotNil(t, snap.Messages.CurrentPlace)
	assert.Equal(t, "p1", snap.Messages.CurrentPlace.ID)
	assert.Equal(t, "hi", snap.Messages.ThreadMessages["t1"][0].Text())
}

func TestMarkReadPaths(t *testing.T) {
	tests := []struct {
		ref  model.ConversationRef
		path string
	}{
		{model.DirectRef("t1"), "/thread/t1/read"},
		{model.PlaceRef("p 1"), "/place/p 1/read"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			c, reqs := newTestServer(t, http.StatusNoContent, "", "")
			require.NoError(t, c.MarkRead(t.Context(), tt.ref))
			req := <-reqs
			assert.Equal(t, http.MethodPost, req.method)
			assert.Equal(t, tt.path, req.path)
		})
	}
}

func TestSendMessageBody(t *testing.T) {
	c, reqs := newTestServer(t, http.StatusCreated, "application/json",
		`{"id":"m9","conversation_id":"t1","sender_id":"u1","content":"yo"}`)

	msg, err := c.SendMessage(t.Context(), model.DirectRef("t1"), "yo")
	require.NoError(t, err)
	assert.Equal(t, "m9", msg.ID)

	req := <-reqs
	assert.Equal(t, "/thread/t1/messages", req.path)
	var body map[string]string
	require.NoError(t, json.Unmarshal([]byte(req.body), &body))
	assert.Equal(t, "yo", body["content"])
}

func TestMessagesLimit(t *testing.T) {
	c, reqs := newTestServer(t, http.StatusOK, "application/json", `[{"id":"m1"},{"id":"m2"}]`)

	msgs, err := c.Messages(t.Context(), model.PlaceRef("p1"), 20)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	req := <-reqs
	assert.Equal(t, "/place/p1/messages", req.path)
	assert.Equal(t, "limit=20", req.query)
}

func TestUpdateProfileSendsOnlySetFields(t *testing.T) {
	c, reqs := newTestServer(t, http.StatusOK, "application/json", `{"id":"u1","avatar_url":"https://x/a.png"}`)

	p, err := c.UpdateProfile(t.Context(), model.ProfilePatch{AvatarURL: model.StringPtr("https://x/a.png")})
	require.NoError(t, err)
	assert.Equal(t, "https://x/a.png", p.AvatarURL)

	req := <-reqs
	assert.Equal(t, http.MethodPatch, req.method)
	assert.JSONEq(t, `{"avatar_url":"https://x/a.png"}`, req.body)
}

func TestUnauthorized(t *testing.T) {
	c, _ := newTestServer(t, http.StatusUnauthorized, "application/json", `{"error":"jwt expired"}`)

	_, err := c.Threads(t.Context())
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestStatusErrorCarriesServerMessage(t *testing.T) {
	c, _ := newTestServer(t, http.StatusForbidden, "application/json; charset=utf-8", `{"error":"edit window has passed"}`)

	_, err := c.EditMessage(t.Context(), "m1", "new")
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusForbidden, se.Code)
	assert.Equal(t, "edit window has passed", se.Message)
	assert.False(t, IsNotFound(err))
}

func TestStatusErrorPlainText(t *testing.T) {
	c, _ := newTestServer(t, http.StatusNotFound, "text/plain", "no such route\n")

	_, err := c.Preload(t.Context())
	assert.True(t, IsNotFound(err))
	assert.Contains(t, err.Error(), "no such route")
}

func TestNoToken(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "", time.Second)
	_, err := c.Profile(t.Context())
	assert.ErrorIs(t, err, ErrNoToken)
}
