// Package channels connects the bot to the messaging platforms its users
// talk through: the Telegram Bot API and a generic signed HTTP webhook.
//
// A Channel turns a platform's update stream into normalized Messages and
// pushes outbound Messages (text and documents) back. The Dispatcher owns
// the running channels, hands every inbound message to one InboundHandler
// and sends whatever the handler returns through the originating channel.
//
//	d := channels.NewDispatcher(bot.Handle, channels.WithLogger(logger))
//	d.RegisterPlatform(channels.PlatformTelegram, channels.TelegramFactory(channels.TelegramOptions{DownloadDir: dir}))
//	go d.Watch(ctx, db, time.Second)
//
// Which channels run is decided by the channels table in SQLite. Edit a row
// and the Dispatcher restarts the affected channel on its next poll.
package channels

import (
	"context"
	"encoding/json"
	"time"
)

// Platform names accepted in the channels table.
const (
	PlatformTelegram = "telegram"
	PlatformWebhook  = "webhook"
)

// Direction indicates whether a message is inbound (received from a user)
// or outbound (sent by the bot).
type Direction int

const (
	Inbound  Direction = iota // Message received from a platform user.
	Outbound                  // Message sent to a platform user.
)

// String returns "inbound" or "outbound".
func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// Message is a platform-normalized inbound or outbound message.
//
// For Telegram, SenderID is the user id and RecipientID of a reply is the
// chat id the request came from (ChatID on inbound messages).
type Message struct {
	ID          string            `json:"id"`
	ChannelName string            `json:"channel"`
	Platform    string            `json:"platform"`
	Direction   Direction         `json:"direction"`
	SenderID    string            `json:"sender_id"`
	SenderName  string            `json:"sender_name,omitempty"` // display name
	Username    string            `json:"username,omitempty"`    // platform handle without "@"
	ChatID      string            `json:"chat_id,omitempty"`
	RecipientID string            `json:"recipient_id"`
	Text        string            `json:"text"`
	ReplyTo     string            `json:"reply_to,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// Command returns the bot command carried by the message text, without the
// leading "/" and any "@botname" suffix, or "" when the text is not a
// command.
func (m Message) Command() string {
	if len(m.Text) < 2 || m.Text[0] != '/' {
		return ""
	}
	cmd := m.Text[1:]
	for i, r := range cmd {
		if r == ' ' || r == '\n' || r == '@' {
			return cmd[:i]
		}
	}
	return cmd
}

// Attachment is a file attached to a message.
//
// Inbound attachments are downloaded by the channel before the message is
// dispatched: Path is then a local file the handler may read. Error is set
// instead when the download was refused or failed. Outbound attachments are
// read from Path.
type Attachment struct {
	Type     string `json:"type"` // "document"
	Path     string `json:"-"`
	MimeType string `json:"mime_type,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ChannelStatus describes the current state of a channel connection.
type ChannelStatus struct {
	Connected   bool      `json:"connected"`
	Platform    string    `json:"platform"`
	AuthState   string    `json:"auth_state"` // "token_valid", "listening", "unauthorized", ...
	LastMessage time.Time `json:"last_message"`
	Error       string    `json:"error,omitempty"`
}

// Channel is a bidirectional connection to a messaging platform.
type Channel interface {
	// Listen returns a read-only channel of inbound messages.
	// The returned channel is closed when ctx is cancelled or Close is called.
	Listen(ctx context.Context) <-chan Message

	// Send pushes an outbound message to the platform.
	Send(ctx context.Context, msg Message) error

	// Status returns the current connection status.
	Status() ChannelStatus

	// Close shuts down the connection and releases resources.
	Close() error
}

// ChannelFactory creates a Channel from its row in the channels table.
type ChannelFactory func(name string, config json.RawMessage) (Channel, error)

// InboundHandler processes an inbound message and returns the replies to
// send back through the same channel. It may return nil.
type InboundHandler func(ctx context.Context, msg Message) ([]Message, error)
