package chatsync

import (
	"errors"

	"github.com/WimpyvL/zappy-health-app-sub000/internal/models"
)

var (
	ErrLoadConversations = errors.New("failed to load conversations")
	ErrLoadMessages      = errors.New("failed to load messages")
	ErrSendMessage       = errors.New("failed to send message")
	ErrNoConversation    = errors.New("no conversation open")
	ErrSendInProgress    = errors.New("send already in progress")
	ErrClosed            = errors.New("session closed")
	ErrAlreadyStarted    = errors.New("session already started")
)

// Phase is the lifecycle of the open conversation.
type Phase int

const (
	PhaseNone Phase = iota
	PhaseLoading
	PhaseLoaded
)

func (p Phase) String() string {
	switch p {
	case PhaseLoading:
		return "loading"
	case PhaseLoaded:
		return "loaded"
	default:
		return "none"
	}
}

// State is a point-in-time copy of a session. Error fields sit alongside the
// last good data; a failed load never clears what was already shown.
type State struct {
	Conversations  []models.ConversationWithDoctor
	ConversationID int64
	Phase          Phase
	Messages       []models.MessageWithSender
	Draft          string
	Sending        bool

	DirectoryErr error
	ThreadErr    error
	SendErr      error
}

// UnreadCount returns the directory's unread count for a conversation.
func (s State) UnreadCount(conversationID int64) int {
	for _, conversation := range s.Conversations {
		if conversation.ID == conversationID {
			return conversation.UnreadCount
		}
	}
	return 0
}

func (s State) clone() State {
	out := s
	out.Conversations = append([]models.ConversationWithDoctor(nil), s.Conversations...)
	out.Messages = append([]models.MessageWithSender(nil), s.Messages...)
	return out
}
