package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat_relay/internal/auth"
	"chat_relay/internal/call"
	"chat_relay/internal/chat"
	"chat_relay/internal/domain"
	"chat_relay/internal/presence"
	"chat_relay/internal/push"
	"chat_relay/internal/repository"
	"chat_relay/internal/ws"
)

type fixture struct {
	srv      *httptest.Server
	store    *repository.MemoryStore
	chat     *chat.Service
	reg      *presence.Registry
	verifier *auth.Verifier
	issuer   *call.JWTIssuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := repository.NewMemoryStore()
	reg := presence.NewRegistry()
	hub := ws.NewHub(reg, ws.Options{})
	coord := presence.NewCoordinator(reg, hub, nil)
	chatSvc := chat.NewService(store, reg, hub, push.LogSink{}, chat.Options{})
	verifier := auth.NewVerifier("test-secret")
	issuer := call.NewJWTIssuer("app-1", "call-secret", 0)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(NewServer(verifier, hub, chatSvc, coord, issuer, "app-1").Router())
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return &fixture{srv: srv, store: store, chat: chatSvc, reg: reg, verifier: verifier, issuer: issuer}
}

func (f *fixture) token(t *testing.T, user string) string {
	t.Helper()
	tok, err := f.verifier.GenerateToken(user, time.Hour)
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(t *testing.T, method, path, user string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+f.token(t, user))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func (f *fixture) send(t *testing.T, from, to, text string) *domain.Message {
	t.Helper()
	msg, err := f.chat.SendMessage(context.Background(), chat.SendRequest{SenderID: from, ReceiverID: to, Text: text})
	require.NoError(t, err)
	return msg
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsExposed(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPIRequiresToken(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/api/conversations", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebsocketRejectsBadToken(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws?token=nope"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebsocketAcceptsQueryToken(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws?token=" + f.token(t, "alice")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
}

func TestConversationsAndHistory(t *testing.T) {
	f := newFixture(t)
	first := f.send(t, "alice", "bob", "one")
	f.send(t, "bob", "alice", "two")
	f.send(t, "alice", "bob", "three")

	resp := f.do(t, http.MethodGet, "/api/conversations", "bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var convs struct {
		Success bool                          `json:"success"`
		Data    []*domain.ConversationSummary `json:"data"`
	}
	decode(t, resp, &convs)
	require.True(t, convs.Success)
	require.Len(t, convs.Data, 1)
	assert.Equal(t, 2, convs.Data[0].UnreadCount)
	assert.Equal(t, "three", convs.Data[0].LastMessageText)

	resp = f.do(t, http.MethodGet, "/api/conversations/"+first.ConversationID.String()+"/messages?limit=2", "bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page struct {
		Data []*domain.Message `json:"data"`
	}
	decode(t, resp, &page)
	require.Len(t, page.Data, 2)
	assert.Equal(t, "two", page.Data[0].Body)
	assert.Equal(t, "three", page.Data[1].Body)
}

func TestHistoryForOutsider(t *testing.T) {
	f := newFixture(t)
	msg := f.send(t, "alice", "bob", "private")

	resp := f.do(t, http.MethodGet, "/api/conversations/"+msg.ConversationID.String()+"/messages", "mallory", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/conversations/not-a-uuid/messages", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUndeliveredAndMarkRead(t *testing.T) {
	f := newFixture(t)
	msg := f.send(t, "alice", "bob", "hello")

	resp := f.do(t, http.MethodGet, "/api/messages/undelivered", "bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var pending struct {
		Data []*domain.Message `json:"data"`
	}
	decode(t, resp, &pending)
	require.Len(t, pending.Data, 1)
	assert.Equal(t, msg.ID, pending.Data[0].ID)

	resp = f.do(t, http.MethodPost, "/api/messages/mark-read", "bob", map[string]string{"chatId": msg.ConversationID.String()})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Success       bool `json:"success"`
		ModifiedCount int  `json:"modifiedCount"`
	}
	decode(t, resp, &out)
	assert.True(t, out.Success)
	assert.Equal(t, 1, out.ModifiedCount)

	// Reading implies delivery.
	left, err := f.store.UndeliveredFor(context.Background(), "bob")
	require.NoError(t, err)
	assert.Empty(t, left)

	resp = f.do(t, http.MethodPost, "/api/messages/mark-read", "bob", map[string]string{"chatId": msg.ConversationID.String()})
	decode(t, resp, &out)
	assert.Equal(t, 0, out.ModifiedCount)
}

func TestCallToken(t *testing.T) {
	f := newFixture(t)

	for _, uid := range []interface{}{42, "42"} {
		resp := f.do(t, http.MethodPost, "/api/calls/token", "alice", map[string]interface{}{"channelName": "room", "uid": uid})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

		var out tokenResponse
		decode(t, resp, &out)
		assert.Equal(t, uint32(42), out.UID)
		assert.Equal(t, int(call.DefaultCredentialTTL.Seconds()), out.ExpiresIn)

		claims, err := f.issuer.Parse(out.RTCToken)
		require.NoError(t, err)
		assert.Equal(t, "room", claims.Channel)
		assert.Equal(t, uint32(42), claims.UID)
	}
}

func TestCallTokenValidation(t *testing.T) {
	f := newFixture(t)
	cases := []map[string]interface{}{
		{"channelName": "  ", "uid": 1},
		{"channelName": "room"},
		{"channelName": "room", "uid": "abc"},
		{"channelName": "room", "uid": true},
	}
	for _, body := range cases {
		resp := f.do(t, http.MethodPost, "/api/calls/token", "alice", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "%v", body)
	}
}

func TestPresence(t *testing.T) {
	f := newFixture(t)
	f.reg.Register("bob", uuid.New())

	resp := f.do(t, http.MethodGet, "/api/presence/bob", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Data presenceResponse `json:"data"`
	}
	decode(t, resp, &out)
	assert.True(t, out.Data.Online)
	assert.True(t, out.Data.Local)

	resp = f.do(t, http.MethodGet, "/api/presence/carol", "alice", nil)
	decode(t, resp, &out)
	assert.False(t, out.Data.Online)
}
