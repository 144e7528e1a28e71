package commander

import (
	"context"
	"strconv"
	"strings"
)

// Commander is the messaging-platform abstraction the relay reads from and
// replies through.
type Commander interface {
	GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error)
	SendMessage(ctx context.Context, chatID, replyTo int64, text string) error
	SendChatAction(ctx context.Context, chatID int64, action string) error
}

// ActionTyping is the chat action shown while a reply is produced.
const ActionTyping = "typing"

// Update represents an incoming update.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

// Message represents a source message.
type Message struct {
	MessageID int64    `json:"message_id"`
	From      *User    `json:"from,omitempty"`
	Chat      Chat     `json:"chat"`
	Text      *string  `json:"text,omitempty"`
	Date      int64    `json:"date"`
	Entities  []Entity `json:"entities,omitempty"`
}

// Chat identifies a conversation.
type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type,omitempty"`
}

// IsPrivate reports whether the chat is a one-to-one conversation with the bot.
// An empty type is treated as private.
func (c Chat) IsPrivate() bool {
	return c.Type == "" || c.Type == "private"
}

// User is a message author.
type User struct {
	ID       int64  `json:"id"`
	IsBot    bool   `json:"is_bot"`
	Username string `json:"username,omitempty"`
}

// Tag returns @username when set, otherwise the numeric id.
func (u User) Tag() string {
	if u.Username != "" {
		return "@" + u.Username
	}
	return strconv.FormatInt(u.ID, 10)
}

// Entity marks a span of Text. Offset and Length count UTF-16 code units.
type Entity struct {
	Type   string `json:"type"`
	Offset int    `json:"offset"`
	Length int    `json:"length"`
}

// BotCommand is one entry of the platform's command menu.
type BotCommand struct {
	Command     string `json:"command"`
	Description string `json:"description"`
}

// TextOf returns the message text, or "" when there is none.
func TextOf(m *Message) string {
	if m == nil || m.Text == nil {
		return ""
	}
	return *m.Text
}

// Mentions reports whether text addresses username, either through a mention
// entity or a literal @username.
func Mentions(m *Message, username string) bool {
	username = strings.TrimPrefix(strings.TrimSpace(username), "@")
	if m == nil || username == "" {
		return false
	}
	want := "@" + strings.ToLower(username)
	text := TextOf(m)
	for _, e := range m.Entities {
		if e.Type != "mention" {
			continue
		}
		if strings.ToLower(entityText(text, e)) == want {
			return true
		}
	}
	return strings.Contains(strings.ToLower(text), want)
}

// entityText slices text by a UTF-16 offset/length pair.
func entityText(text string, e Entity) string {
	units := 0
	start, end := -1, -1
	for i, r := range text {
		if units == e.Offset {
			start = i
		}
		if units == e.Offset+e.Length {
			end = i
			break
		}
		if r >= 0x10000 {
			units += 2
		} else {
			units++
		}
	}
	if start < 0 {
		return ""
	}
	if end < 0 {
		end = len(text)
	}
	return text[start:end]
}
