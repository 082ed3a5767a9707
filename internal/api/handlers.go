package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"chat_relay/internal/chat"
	"chat_relay/internal/repository"
)

func (s *Server) registerConversations(r *mux.Router) {
	r.HandleFunc("/conversations", s.listConversations).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{id}/messages", s.listMessages).Methods(http.MethodGet)
}

func (s *Server) registerMessages(r *mux.Router) {
	r.HandleFunc("/messages/undelivered", s.undelivered).Methods(http.MethodGet)
	r.HandleFunc("/messages/mark-read", s.markRead).Methods(http.MethodPost)
}

func (s *Server) registerCalls(r *mux.Router) {
	r.HandleFunc("/calls/token", s.callToken).Methods(http.MethodPost)
}

func (s *Server) registerPresence(r *mux.Router) {
	r.HandleFunc("/presence/{userId}", s.presence).Methods(http.MethodGet)
}

// listConversations handles GET /api/conversations, most recent first.
func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.chat.Conversations(r.Context(), userID(r))
	if err != nil {
		log.Errorf("failed to list conversations: %v", err)
		fail(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	ok(w, convs)
}

// listMessages handles GET /api/conversations/{id}/messages.
// Optional query parameters: limit, before (RFC3339).
func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		fail(w, http.StatusBadRequest, "invalid conversation id")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			fail(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
	}
	var before *time.Time
	if v := r.URL.Query().Get("before"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			fail(w, http.StatusBadRequest, "before must be an RFC3339 timestamp")
			return
		}
		before = &t
	}

	msgs, err := s.chat.History(r.Context(), id, userID(r), before, limit)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	ok(w, msgs)
}

func (s *Server) undelivered(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.chat.Undelivered(r.Context(), userID(r))
	if err != nil {
		log.Errorf("failed to load undelivered messages: %v", err)
		fail(w, http.StatusInternalServerError, "failed to load undelivered messages")
		return
	}
	ok(w, msgs)
}

type markReadRequest struct {
	ChatID string `json:"chatId"`
}

// markRead handles POST /api/messages/mark-read and sends the same receipts
// as the markRead event.
func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	var req markReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fail(w, http.StatusBadRequest, "invalid json")
		return
	}
	id, err := uuid.Parse(req.ChatID)
	if err != nil {
		fail(w, http.StatusBadRequest, "chatId must be a conversation id")
		return
	}
	receipt, err := s.chat.MarkRead(r.Context(), "", id, userID(r))
	if err != nil {
		s.serviceError(w, err)
		return
	}
	modified := 0
	if receipt != nil {
		modified = len(receipt.MessageIDs)
	}
	writeJSON(w, http.StatusOK, struct {
		Success       bool `json:"success"`
		ModifiedCount int  `json:"modifiedCount"`
	}{true, modified})
}

type tokenRequest struct {
	ChannelName string          `json:"channelName"`
	UID         json.RawMessage `json:"uid"`
}

type tokenResponse struct {
	AppID       string `json:"appId,omitempty"`
	ChannelName string `json:"channelName"`
	UID         uint32 `json:"uid"`
	RTCToken    string `json:"rtcToken"`
	ExpiresIn   int    `json:"expiresIn"`
}

// callToken handles POST /api/calls/token. uid may be a number or a numeric
// string.
func (s *Server) callToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fail(w, http.StatusBadRequest, "invalid json")
		return
	}
	channel := strings.TrimSpace(req.ChannelName)
	if channel == "" {
		fail(w, http.StatusBadRequest, "channelName must be a non-empty string")
		return
	}
	uid, err := parseUID(req.UID)
	if err != nil {
		fail(w, http.StatusBadRequest, "uid must be provided as a string or number")
		return
	}

	token, err := s.issuer.Issue(channel, uid)
	if err != nil {
		log.Errorf("failed to issue call credential: %v", err)
		fail(w, http.StatusInternalServerError, "failed to generate token")
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, tokenResponse{
		AppID:       s.appID,
		ChannelName: channel,
		UID:         uid,
		RTCToken:    token,
		ExpiresIn:   int(s.issuer.TTL().Seconds()),
	})
}

func parseUID(raw json.RawMessage) (uint32, error) {
	if len(raw) == 0 {
		return 0, errors.New("uid is required")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
		return uint32(n), err
	}
	var n uint32
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, err
	}
	return n, nil
}

type presenceResponse struct {
	UserID  string `json:"userId"`
	Online  bool   `json:"online"`
	Local   bool   `json:"local"`
	Cluster bool   `json:"cluster"`
}

func (s *Server) presence(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["userId"]
	local, cluster := s.coordinator.IsOnline(r.Context(), id)
	ok(w, presenceResponse{UserID: id, Online: local || cluster, Local: local, Cluster: cluster})
}

func (s *Server) serviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		fail(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, chat.ErrNotParticipant):
		fail(w, http.StatusForbidden, err.Error())
	default:
		log.Errorf("request failed: %v", err)
		fail(w, http.StatusInternalServerError, "server error")
	}
}
