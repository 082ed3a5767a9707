// Package api mounts the websocket endpoint and the bearer-authenticated
// REST routes on a gorilla/mux router.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/op/go-logging"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chat_relay/internal/auth"
	"chat_relay/internal/call"
	"chat_relay/internal/chat"
	"chat_relay/internal/presence"
	"chat_relay/internal/ws"
)

var log = logging.MustGetLogger("api")

type Server struct {
	verifier    *auth.Verifier
	hub         *ws.Hub
	chat        *chat.Service
	coordinator *presence.Coordinator
	issuer      *call.JWTIssuer
	appID       string
}

func NewServer(verifier *auth.Verifier, hub *ws.Hub, chatSvc *chat.Service, coordinator *presence.Coordinator, issuer *call.JWTIssuer, appID string) *Server {
	return &Server{
		verifier:    verifier,
		hub:         hub,
		chat:        chatSvc,
		coordinator: coordinator,
		issuer:      issuer,
		appID:       appID,
	}
}

// Router returns every route of the relay.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", healthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.serveWS)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.verifier.Middleware)
	s.registerConversations(api)
	s.registerMessages(api)
	s.registerCalls(api)
	s.registerPresence(api)
	return r
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// serveWS authenticates before the upgrade, so a bad token gets a plain 401.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	claims, err := s.verifier.Verify(auth.TokenFromRequest(r))
	if err != nil {
		log.Infof("rejected websocket from %s: %v", r.RemoteAddr, err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	c, err := s.hub.Serve(w, r, claims.UserID)
	if err != nil {
		log.Warningf("failed to upgrade websocket for %s: %v", claims.UserID, err)
		return
	}
	log.Debugf("conn %s opened for %s", c.ID, claims.UserID)
}

type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warningf("failed to write response: %v", err)
	}
}

func ok(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

func fail(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, envelope{Error: msg})
}

func userID(r *http.Request) string {
	claims, _ := auth.ClaimsFrom(r.Context())
	if claims == nil {
		return ""
	}
	return claims.UserID
}
