package graph

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageAccessToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/page-123", r.URL.Path)
		require.Equal(t, "access_token", r.URL.Query().Get("fields"))
		require.Equal(t, "system-token", r.URL.Query().Get("access_token"))
		io.WriteString(w, `{"access_token":"page-token","id":"page-123"}`)
	}))
	defer server.Close()

	c := NewClient(server.URL, "page-123", nil)
	token, err := c.PageAccessToken(context.Background(), "system-token")
	require.NoError(t, err)
	assert.Equal(t, "page-token", token)
}

func TestPageAccessTokenMissingFromResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"id":"page-123"}`)
	}))
	defer server.Close()

	c := NewClient(server.URL, "page-123", nil)
	_, err := c.PageAccessToken(context.Background(), "system-token")
	require.Error(t, err)
}

func TestConversationsReturnsIDsInOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/page-123/conversations", r.URL.Path)
		require.Equal(t, "instagram", r.URL.Query().Get("platform"))
		require.Equal(t, "page-token", r.URL.Query().Get("access_token"))
		io.WriteString(w, `{"data":[{"id":"c3"},{"id":"c1"},{"id":"c2"}]}`)
	}))
	defer server.Close()

	c := NewClient(server.URL, "page-123", nil)
	refs, err := c.Conversations(context.Background(), "page-token")
	require.NoError(t, err)

	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		ids = append(ids, ref.ID)
	}
	assert.Equal(t, []string{"c3", "c1", "c2"}, ids)
}

func TestConversationsNonSuccessStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":{"message":"Invalid OAuth access token"}}`)
	}))
	defer server.Close()

	c := NewClient(server.URL, "page-123", nil)
	_, err := c.Conversations(context.Background(), "bad-token")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Contains(t, err.Error(), "Invalid OAuth access token")
}

func TestConversationMessages(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/conv-1", r.URL.Path)
		require.Equal(t, "messages", r.URL.Query().Get("fields"))
		io.WriteString(w, `{"id":"conv-1","messages":{"data":[{"id":"m1"},{"id":"m2"}]}}`)
	}))
	defer server.Close()

	c := NewClient(server.URL, "page-123", nil)
	resp, err := c.ConversationMessages(context.Background(), "page-token", "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "conv-1", resp.ID)
	require.Len(t, resp.Messages.Data, 2)
	assert.Equal(t, "m1", resp.Messages.Data[0].ID)
}

func TestMessageDecodesAllRecipients(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/msg-1", r.URL.Path)
		require.Equal(t, "id,created_time,from,to,message", r.URL.Query().Get("fields"))
		io.WriteString(w, `{
			"id": "msg-1",
			"created_time": "2024-05-01T10:00:00+0000",
			"from": {"id": "u1", "username": "customer"},
			"to": {"data": [{"id": "u2", "username": "agent"}, {"id": "u3", "username": "other"}]},
			"message": "hello"
		}`)
	}))
	defer server.Close()

	c := NewClient(server.URL, "page-123", nil)
	detail, err := c.Message(context.Background(), "page-token", "msg-1")
	require.NoError(t, err)
	assert.Equal(t, "customer", detail.From.Username)
	require.Len(t, detail.To.Data, 2)
	assert.Equal(t, "u2", detail.To.Data[0].ID)
	assert.Equal(t, "hello", detail.Message)
}

func TestSendMessagePayload(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/me/messages", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		io.WriteString(w, `{"recipient_id":"u2","message_id":"m1"}`)
	}))
	defer server.Close()

	c := NewClient(server.URL, "page-123", nil)
	require.NoError(t, c.SendMessage(context.Background(), "page-token", "u2", "hi there"))

	require.Equal(t, map[string]any{"id": "u2"}, captured["recipient"])
	require.Equal(t, map[string]any{"text": "hi there"}, captured["message"])
	require.Equal(t, "page-token", captured["access_token"])
}

func TestSendMessageNonSuccessStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		io.WriteString(w, `{"error":{"message":"outside messaging window"}}`)
	}))
	defer server.Close()

	c := NewClient(server.URL, "page-123", nil)
	err := c.SendMessage(context.Background(), "page-token", "u2", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 403")
}
