package restapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheus3301/carchat/internal/model"
)

func newServer(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL+"/", WithTimeout(time.Second))
	c.SetToken("jwt-1")
	return c
}

func TestListConversations(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/conversations", r.URL.Path)
		assert.Equal(t, "Bearer jwt-1", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`[{"id":"c1","participants":["me","seller"],"unreadCount":2,"updatedAt":"2026-03-01T10:00:00Z"}]`))
	})

	convs, err := c.ListConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "c1", convs[0].ID)
	assert.Equal(t, []string{"me", "seller"}, convs[0].Participants)
	assert.Equal(t, 2, convs[0].UnreadCount)
}

func TestGetConversationEscapesID(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/conversations/a%2Fb", r.URL.EscapedPath())
		_, _ = w.Write([]byte(`{"id":"a/b"}`))
	})
	conv, err := c.GetConversation(context.Background(), "a/b")
	require.NoError(t, err)
	assert.Equal(t, "a/b", conv.ID)
}

func TestListMessagesQuery(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/conversations/c1/messages", r.URL.Path)
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		assert.Equal(t, "m9", r.URL.Query().Get("before"))
		_, _ = w.Write([]byte(`[{"id":"1","conversationId":"c1","senderId":"u2","content":"hi","type":"text"}]`))
	})
	msgs, err := c.ListMessages(context.Background(), "c1", &HistoryOptions{Limit: 50, Before: "m9"})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.TypeText, msgs[0].Type)
}

func TestCreateMessage(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Hello", body["content"])
		assert.Equal(t, "text", body["type"])
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"42","conversationId":"c1","senderId":"me","content":"Hello","type":"text"}`))
	})
	msg, err := c.CreateMessage(context.Background(), "c1", "Hello", model.TypeText)
	require.NoError(t, err)
	assert.Equal(t, "42", msg.ID)
}

func TestCreateMessageWithoutID(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"content":"Hello"}`))
	})
	_, err := c.CreateMessage(context.Background(), "c1", "Hello", model.TypeText)
	assert.Error(t, err)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantAuth bool
		wantMsg  string
	}{
		{"unauthorized", http.StatusUnauthorized, `{"message":"token expired"}`, true, "token expired"},
		{"server error", http.StatusInternalServerError, `{"error":"db down"}`, false, "db down"},
		{"plain body", http.StatusBadGateway, `upstream`, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := c.ListConversations(context.Background())
			require.Error(t, err)

			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr), "want *APIError, got %T", err)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.wantMsg, apiErr.Message)
			assert.Equal(t, tt.wantAuth, errors.Is(err, ErrUnauthorized))
		})
	}
}

func TestNoTokenNoHeader(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`[]`))
	})
	c.SetToken("")
	_, err := c.ListConversations(context.Background())
	require.NoError(t, err)
}
