package httpapi

import (
	"time"

	"github.com/converse/chat-core/internal/membership"
	"github.com/converse/chat-core/internal/message"
)

type participantView struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url"`
	IsAdmin   bool   `json:"is_admin"`
}

type latestMessageView struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	Sender    struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"sender"`
}

type conversationView struct {
	ID            string             `json:"id"`
	Title         string             `json:"title"` // display name for the viewer
	IsGroup       bool               `json:"is_group"`
	Participants  []participantView  `json:"participants"`
	LatestMessage *latestMessageView `json:"latest_message"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

func newConversationView(s membership.Summary) conversationView {
	v := conversationView{
		ID:           s.Conversation.ID,
		Title:        s.DisplayName,
		IsGroup:      s.Conversation.IsGroup,
		Participants: make([]participantView, 0, len(s.Conversation.Participants)),
		CreatedAt:    s.Conversation.CreatedAt,
		UpdatedAt:    s.Conversation.UpdatedAt,
	}
	for _, p := range s.Conversation.Participants {
		v.Participants = append(v.Participants, participantView{
			ID:        p.AccountID,
			Username:  p.Username,
			AvatarURL: p.AvatarURL,
			IsAdmin:   p.IsAdmin,
		})
	}
	if m := s.Latest; m != nil {
		latest := &latestMessageView{
			ID:        m.ID,
			Content:   m.Content,
			Type:      string(m.Type),
			CreatedAt: m.CreatedAt,
		}
		latest.Sender.ID = m.Sender.ID
		latest.Sender.Username = m.Sender.Username
		v.LatestMessage = latest
	}
	return v
}

type createdConversationView struct {
	ID        string    `json:"id"`
	Title     *string   `json:"title"`
	IsGroup   bool      `json:"is_group"`
	CreatedAt time.Time `json:"created_at"`
}

type messageView struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	Type      string         `json:"type"`
	IsEdited  bool           `json:"is_edited"`
	EditedAt  *time.Time     `json:"edited_at"`
	CreatedAt time.Time      `json:"created_at"`
	Sender    message.Sender `json:"sender"`
}

func newMessageView(m *message.Message) messageView {
	return messageView{
		ID:        m.ID,
		Content:   m.Content,
		Type:      string(m.Type),
		IsEdited:  m.IsEdited,
		EditedAt:  m.EditedAt,
		CreatedAt: m.CreatedAt,
		Sender:    m.Sender,
	}
}

type paginationView struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}
