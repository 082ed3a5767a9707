// Package call relays call signaling between two users' live connections
// and issues the per-participant channel credentials.
//
// A user takes part in at most one live session at a time. Calling someone
// who is ringing, calling out or talking gets callUnavailable with reason
// "busy".
package call

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/op/go-logging"

	"chat_relay/internal/metrics"
	"chat_relay/internal/protocol"
)

var log = logging.MustGetLogger("call")

var ErrSelfCall = errors.New("cannot call yourself")

type Presence interface {
	IsOnline(userID string) bool
	UserOf(connID uuid.UUID) (string, bool)
}

type Options struct {
	// RingTimeout ends an unanswered call. Zero disables it.
	RingTimeout time.Duration
	Now         func() time.Time
}

type Relay struct {
	presence Presence
	fanout   protocol.Fanout
	issuer   CredentialIssuer
	opts     Options

	mu sync.Mutex
	// Callee id -> its live session
	sessions map[string]*Session
}

func NewRelay(presence Presence, fanout protocol.Fanout, issuer CredentialIssuer, opts Options) *Relay {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Relay{
		presence: presence,
		fanout:   fanout,
		issuer:   issuer,
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

type InitiateRequest struct {
	CallerID   string
	CallerName string
	CalleeID   string
	ChannelID  string
	// ConnID receives callUnavailable, and callInitiated when it has not
	// registered.
	ConnID uuid.UUID
}

// Initiate starts ringing the callee's devices. It returns nil and a reason
// when the call cannot ring.
func (r *Relay) Initiate(_ context.Context, req InitiateRequest) (*Session, string, error) {
	if req.CallerID == req.CalleeID {
		return nil, "", ErrSelfCall
	}
	if !r.presence.IsOnline(req.CalleeID) {
		r.unavailable(req.ConnID, req.CalleeID, protocol.ReasonOffline)
		return nil, protocol.ReasonOffline, nil
	}

	s := &Session{
		ID:         uuid.New(),
		CallerID:   req.CallerID,
		CallerName: strings.TrimSpace(req.CallerName),
		CalleeID:   req.CalleeID,
		ChannelID:  req.ChannelID,
		State:      StateRinging,
		CreatedAt:  r.opts.Now(),
	}
	s.CallerUID, s.CalleeUID = participantUIDs()

	callerCred, err := r.issuer.Issue(s.ChannelID, s.CallerUID)
	if err != nil {
		return nil, "", err
	}
	calleeCred, err := r.issuer.Issue(s.ChannelID, s.CalleeUID)
	if err != nil {
		return nil, "", err
	}

	r.mu.Lock()
	if r.busyLocked(req.CalleeID) {
		r.mu.Unlock()
		r.unavailable(req.ConnID, req.CalleeID, protocol.ReasonBusy)
		return nil, protocol.ReasonBusy, nil
	}
	r.sessions[s.CalleeID] = s
	if r.opts.RingTimeout > 0 {
		s.timer = time.AfterFunc(r.opts.RingTimeout, func() { r.expire(s) })
	}
	r.mu.Unlock()

	metrics.Calls.WithLabelValues("initiated").Inc()
	log.Infof("call %s: %s -> %s on %s", s.ID, s.CallerID, s.CalleeID, s.ChannelID)

	r.fanout.SendToUser(s.CalleeID, protocol.NewEvent(protocol.EventIncomingCall, protocol.IncomingCall{
		CallID:        s.ID,
		CallerName:    s.CallerName,
		CallerID:      s.CallerID,
		ChannelID:     s.ChannelID,
		Credential:    calleeCred,
		LocalIdentity: s.CalleeUID,
	}))
	r.toCaller(req.ConnID, s.CallerID, protocol.NewEvent(protocol.EventCallInitiated, protocol.CallCredential{
		CallID:        s.ID,
		ChannelID:     s.ChannelID,
		PeerID:        s.CalleeID,
		Credential:    callerCred,
		LocalIdentity: s.CallerUID,
	}))
	return s, "", nil
}

type AcceptRequest struct {
	CalleeID      string
	CallerID      string
	ChannelID     string
	CalleeLocalID uint32
	ConnID        uuid.UUID
}

// Accept answers a ringing call. The caller gets a credential for the
// callee's identity on the channel.
func (r *Relay) Accept(_ context.Context, req AcceptRequest) (*Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[req.CalleeID]
	if !ok || s.State != StateRinging || s.CallerID != req.CallerID || s.ChannelID != req.ChannelID {
		r.mu.Unlock()
		r.unavailable(req.ConnID, req.CallerID, protocol.ReasonNoSuchCall)
		return nil, nil
	}
	if !r.presence.IsOnline(s.CallerID) {
		delete(r.sessions, req.CalleeID)
		s.stopTimer()
		s.State = StateEnded
		r.mu.Unlock()
		r.unavailable(req.ConnID, req.CallerID, protocol.ReasonCallerOffline)
		return nil, nil
	}
	s.stopTimer()
	s.State = StateAccepted
	uid := req.CalleeLocalID
	if uid == 0 {
		uid = s.CalleeUID
	}
	r.mu.Unlock()

	cred, err := r.issuer.Issue(s.ChannelID, uid)
	if err != nil {
		return nil, err
	}
	metrics.Calls.WithLabelValues("accepted").Inc()
	r.fanout.SendToUser(s.CallerID, protocol.NewEvent(protocol.EventCallAccepted, protocol.CallCredential{
		CallID:        s.ID,
		ChannelID:     s.ChannelID,
		PeerID:        s.CalleeID,
		Credential:    cred,
		LocalIdentity: uid,
	}))
	return s, nil
}

// Reject tells targetID the call was declined. It relays even when no
// session is known.
func (r *Relay) Reject(_ context.Context, fromID, targetID string) {
	if s := r.take(fromID, targetID); s != nil {
		s.State = StateRejected
	}
	metrics.Calls.WithLabelValues("rejected").Inc()
	r.fanout.SendToUser(targetID, protocol.NewEvent(protocol.EventCallRejected, protocol.CallSignal{FromID: fromID}))
}

// End hangs up, whatever state the call was in. A caller ending a call that
// still rings cancels it.
func (r *Relay) End(_ context.Context, fromID, targetID string) {
	reason := protocol.ReasonHangup
	if s := r.take(fromID, targetID); s != nil {
		if s.State == StateRinging && s.CallerID == fromID {
			s.State = StateCallerCancelled
			reason = protocol.ReasonCallerCancelled
		} else {
			s.State = StateEnded
		}
	}
	metrics.Calls.WithLabelValues("ended").Inc()
	r.fanout.SendToUser(targetID, protocol.NewEvent(protocol.EventCallEnded, protocol.CallSignal{FromID: fromID, Reason: reason}))
}

// UserOffline ends the sessions of a user whose last connection dropped.
func (r *Relay) UserOffline(userID string) {
	r.mu.Lock()
	var ended []*Session
	for callee, s := range r.sessions {
		if s.involves(userID) {
			s.stopTimer()
			s.State = StateEnded
			delete(r.sessions, callee)
			ended = append(ended, s)
		}
	}
	r.mu.Unlock()

	for _, s := range ended {
		r.fanout.SendToUser(s.peerOf(userID), protocol.NewEvent(protocol.EventCallEnded, protocol.CallSignal{
			FromID: userID,
			Reason: protocol.ReasonPeerOffline,
		}))
	}
}

// Session returns a copy of the callee's live session.
func (r *Relay) Session(calleeID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[calleeID]
	if !ok {
		return Session{}, false
	}
	cp := *s
	cp.timer = nil
	return cp, true
}

func (r *Relay) expire(s *Session) {
	r.mu.Lock()
	if cur, ok := r.sessions[s.CalleeID]; !ok || cur != s || s.State != StateRinging {
		r.mu.Unlock()
		return
	}
	s.State = StateTimedOut
	delete(r.sessions, s.CalleeID)
	r.mu.Unlock()

	metrics.Calls.WithLabelValues("timeout").Inc()
	log.Infof("call %s timed out", s.ID)
	r.fanout.SendToUser(s.CallerID, protocol.NewEvent(protocol.EventCallTimeout, protocol.CallTimeout{
		CallID:    s.ID,
		ChannelID: s.ChannelID,
		CalleeID:  s.CalleeID,
	}))
	r.fanout.SendToUser(s.CalleeID, protocol.NewEvent(protocol.EventCallEnded, protocol.CallSignal{
		FromID: s.CallerID,
		Reason: protocol.ReasonTimeout,
	}))
}

// take removes the session between a and b, if any.
func (r *Relay) take(a, b string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, callee := range []string{a, b} {
		s, ok := r.sessions[callee]
		if ok && s.involves(a) && s.involves(b) {
			s.stopTimer()
			delete(r.sessions, callee)
			return s
		}
	}
	return nil
}

// toCaller reaches every registered device of userID plus conn, which may
// not have registered yet.
func (r *Relay) toCaller(conn uuid.UUID, userID string, ev protocol.Outbound) {
	r.fanout.SendToUser(userID, ev)
	if conn == uuid.Nil {
		return
	}
	if owner, ok := r.presence.UserOf(conn); !ok || owner != userID {
		r.fanout.SendToConn(conn, ev)
	}
}

// busyLocked reports whether userID is ringing, calling out or talking.
func (r *Relay) busyLocked(userID string) bool {
	if _, ok := r.sessions[userID]; ok {
		return true
	}
	for _, s := range r.sessions {
		if s.CallerID == userID {
			return true
		}
	}
	return false
}

func (r *Relay) unavailable(conn uuid.UUID, peerID, reason string) {
	metrics.Calls.WithLabelValues("unavailable_" + reason).Inc()
	if conn == uuid.Nil {
		return
	}
	r.fanout.SendToConn(conn, protocol.NewEvent(protocol.EventCallUnavailable, protocol.CallUnavailable{
		CalleeID: peerID,
		Reason:   reason,
	}))
}

// participantUIDs returns two distinct non-zero identities.
func participantUIDs() (uint32, uint32) {
	a := rand.Uint32N(1<<31-1) + 1
	b := a
	for b == a {
		b = rand.Uint32N(1<<31-1) + 1
	}
	return a, b
}
