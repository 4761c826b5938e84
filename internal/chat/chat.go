// Package chat is the conversation feature: history over REST, live messages
// over the realtime channel.
package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/BFishyUt3c/Repo-mobile-2-sub000/internal/realtime"
	"github.com/BFishyUt3c/Repo-mobile-2-sub000/pkg/logger"
)

// Message is one chat message as the backend serializes it.
type Message struct {
	ID       int64     `json:"id,omitempty"`
	ChatID   int64     `json:"chatId"`
	SenderID int64     `json:"senderId"`
	Content  string    `json:"content"`
	SentAt   time.Time `json:"sentAt,omitempty"`
}

// outgoing is the payload published to the application destination.
type outgoing struct {
	ChatID   int64  `json:"chatId"`
	SenderID int64  `json:"senderId"`
	Content  string `json:"content"`
}

// Getter performs authenticated GETs. *gateway.Client implements it.
type Getter interface {
	Get(ctx context.Context, path string, out any) error
}

// Channel is the realtime surface the service needs.
type Channel interface {
	Publish(destination string, payload any) bool
	Subscribe(destination string, handler realtime.Handler) (cancel func())
}

// Identity resolves the signed-in user. *session.Store implements it.
type Identity interface {
	CurrentUserID() (int64, bool)
	IsCurrentUser(id int64) bool
}

// Service sends and receives chat messages.
type Service struct {
	api      Getter
	channel  Channel
	identity Identity
	log      *logger.Logger
}

// NewService creates a Service.
func NewService(api Getter, channel Channel, identity Identity, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("chat")
	}
	return &Service{api: api, channel: channel, identity: identity, log: log}
}

// HistoryPath is the REST path of a chat's messages.
func HistoryPath(chatID int64) string {
	return fmt.Sprintf("/chats/%d/messages", chatID)
}

// SendDestination is where outgoing messages are published.
func SendDestination(chatID int64) string {
	return fmt.Sprintf("/app/chat/%d", chatID)
}

// TopicDestination is where a chat's messages are broadcast.
func TopicDestination(chatID int64) string {
	return fmt.Sprintf("/topic/chat/%d", chatID)
}

// History returns the stored messages of a chat, oldest first as the backend
// orders them.
func (s *Service) History(ctx context.Context, chatID int64) ([]Message, error) {
	var messages []Message
	if err := s.api.Get(ctx, HistoryPath(chatID), &messages); err != nil {
		return nil, err
	}
	for i := range messages {
		if messages[i].ChatID == 0 {
			messages[i].ChatID = chatID
		}
	}
	return messages, nil
}

// Send publishes content as the signed-in user. It returns false when there
// is no session or the channel dropped the frame; nothing is queued.
func (s *Service) Send(chatID int64, content string) bool {
	sender, ok := s.identity.CurrentUserID()
	if !ok {
		s.log.WithField("chat_id", chatID).Debug("send skipped: no session")
		return false
	}
	return s.channel.Publish(SendDestination(chatID), outgoing{
		ChatID:   chatID,
		SenderID: sender,
		Content:  content,
	})
}

// Listen delivers the chat's live messages to fn until cancel is called.
// Undecodable frames are logged and skipped.
func (s *Service) Listen(chatID int64, fn func(Message)) (cancel func()) {
	return s.channel.Subscribe(TopicDestination(chatID), func(m realtime.Message) {
		var msg Message
		if err := m.Decode(&msg); err != nil {
			s.log.WithError(err).WithField("chat_id", chatID).Warn("skipping chat frame")
			return
		}
		if msg.ChatID == 0 {
			msg.ChatID = chatID
		}
		fn(msg)
	})
}

// IsMine reports whether msg was sent by the signed-in user.
func (s *Service) IsMine(msg Message) bool {
	return s.identity.IsCurrentUser(msg.SenderID)
}
