package call

import (
	"time"

	"github.com/google/uuid"
)

type State int

const (
	StateRinging State = iota + 1
	StateAccepted
	StateRejected
	StateTimedOut
	StateCallerCancelled
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateRinging:
		return "RINGING"
	case StateAccepted:
		return "ACCEPTED"
	case StateRejected:
		return "REJECTED"
	case StateTimedOut:
		return "TIMED_OUT"
	case StateCallerCancelled:
		return "CALLER_CANCELLED"
	case StateEnded:
		return "ENDED"
	}
	return "IDLE"
}

// Session is one call attempt. It lives in memory only.
type Session struct {
	ID         uuid.UUID
	CallerID   string
	CallerName string
	CalleeID   string
	ChannelID  string
	CallerUID  uint32
	CalleeUID  uint32
	State      State
	CreatedAt  time.Time

	timer *time.Timer
}

func (s *Session) involves(userID string) bool {
	return s.CallerID == userID || s.CalleeID == userID
}

func (s *Session) peerOf(userID string) string {
	if s.CallerID == userID {
		return s.CalleeID
	}
	return s.CallerID
}

func (s *Session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
	}
}
