package chat

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// ValidationError rejects a send before anything is persisted.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid message: " + e.Reason
}

// textPolicy bounds message text. The text is stored as typed; escaping is
// up to whoever renders it.
type textPolicy struct {
	max int
}

func newTextPolicy(max int) *textPolicy {
	return &textPolicy{max: max}
}

// Clean drops surrounding space.
func (p *textPolicy) Clean(s string) string {
	return strings.TrimSpace(s)
}

func (p *textPolicy) validate(req *SendRequest) error {
	req.SenderID = strings.TrimSpace(req.SenderID)
	req.ReceiverID = strings.TrimSpace(req.ReceiverID)
	req.Text = p.Clean(req.Text)

	switch {
	case req.SenderID == "":
		return &ValidationError{Reason: "senderId is required"}
	case req.ReceiverID == "":
		return &ValidationError{Reason: "receiverId is required"}
	case req.AuthUserID != "" && req.SenderID != req.AuthUserID:
		return &ValidationError{Reason: "senderId does not match the authenticated user"}
	case req.SenderID == req.ReceiverID:
		return &ValidationError{Reason: "cannot send a message to yourself"}
	case req.Text == "":
		return &ValidationError{Reason: "text is required"}
	case utf8.RuneCountInString(req.Text) > p.max:
		return &ValidationError{Reason: fmt.Sprintf("text exceeds %d characters", p.max)}
	}
	return nil
}
