package transport

import (
	"context"
	"errors"
	"time"
)

// ErrChannelUnavailable is returned when a channel cannot be found or is not
// usable for text messages. Callers treat it as a no-op for the current cycle.
var ErrChannelUnavailable = errors.New("channel unavailable")

// ErrMessageGone is returned by Edit when the target message no longer exists.
var ErrMessageGone = errors.New("message no longer exists")

type UpdateKind string

const (
	UpdateMessage     UpdateKind = "message"
	UpdateInteraction UpdateKind = "interaction"
)

type Update struct {
	Kind        UpdateKind
	Message     *Message
	Interaction *Interaction
}

// Channel is a resolved chat destination.
type Channel struct {
	ID   string
	Name string
	Text bool
}

type MessageRef struct {
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
}

func (r MessageRef) IsZero() bool { return r.MessageID == "" }

// Message is a channel message as seen by the gateway.
// HasEmbed marks rich messages (the announcement marker).
type Message struct {
	Ref      MessageRef
	AuthorID string
	FromSelf bool
	HasEmbed bool
	Text     string
	At       time.Time
}

// Interaction is one button press.
type Interaction struct {
	ID        string
	CustomID  string
	UserID    string
	ChannelID string
	MessageID string
}

type EmbedField struct {
	Name  string
	Value string
}

type Embed struct {
	Author      string
	URL         string
	Description string
	Fields      []EmbedField
	Color       int
}

type Button struct {
	ID    string
	Label string
	Emoji string
}

// Outgoing is a platform-neutral message body.
//
// Mention, when set, is a user id rendered as a platform mention in front of Text.
// Code, when set, is rendered monospace after Text.
type Outgoing struct {
	Mention string
	Text    string
	Code    string
	Embed   *Embed
	Buttons []Button
}

// Gateway is the chat platform surface the bot depends on.
type Gateway interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	FindChannel(ctx context.Context, id string) (Channel, error)
	FetchRecentMessages(ctx context.Context, channelID string, limit int) ([]Message, error)
	Send(ctx context.Context, channelID string, msg Outgoing) (MessageRef, error)
	Edit(ctx context.Context, ref MessageRef, msg Outgoing) error
	Delete(ctx context.Context, ref MessageRef) error
	Reply(ctx context.Context, in Interaction, text string) error
}
