// Package wire defines the data model exchanged between the core and the
// remote chat service: activities, attachments, conversations, and the
// connection's published status.
package wire

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced on activity$ or returned from facade calls.
// A null token used to mean "give up on reconnect"; ErrAuthExhausted makes
// that state explicit instead of overloading a single field with two
// meanings.
var (
	ErrMalformedActivitySet = errors.New("chatline: activity set did not contain exactly one activity")
	ErrAuthExhausted        = errors.New("chatline: token unavailable, authentication exhausted")
	ErrRetriesExhausted     = errors.New("chatline: reconnect retry budget exhausted")
	ErrEnded                = errors.New("chatline: client has ended")
)

// MessageActivityType is the only activity type the core interprets, in
// order to decide whether an outbound post needs the attachment-upload path.
const MessageActivityType = "message"

// DirectLineVersion is the protocol version string carried in the
// x-ms-bot-agent header on every authenticated request.
const DirectLineVersion = "DirectLine/3.0"

// BotAgentHeader builds the x-ms-bot-agent header value, appending the
// caller-supplied botAgent when one was configured.
func BotAgentHeader(botAgent string) string {
	if botAgent == "" {
		return fmt.Sprintf("%s (directlineStreaming)", DirectLineVersion)
	}
	return fmt.Sprintf("%s (directlineStreaming; %s)", DirectLineVersion, botAgent)
}

// Activity is the opaque chat-protocol message frame forwarded between the
// server and the consumer. The core never interprets its content beyond
// Type and Attachments.
type Activity struct {
	Type        string       `json:"type" validate:"required"`
	From        *ChannelInfo `json:"from,omitempty"`
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty" validate:"dive"`
}

// ChannelInfo identifies the sender of an outbound activity.
type ChannelInfo struct {
	ID string `json:"id" validate:"required"`
}

// Attachment describes binary content carried alongside an activity.
//
// Inbound attachments are materialized by internal/inbound from a raw byte
// stream: ContentURL is always a base64 data URI. Outbound attachments start
// life with an HTTP ContentURL that internal/outbound dereferences.
type Attachment struct {
	ContentType string `json:"contentType" validate:"required"`
	ContentURL  string `json:"contentUrl" validate:"required"`
}

// inlineDataURIPrefix is the literal wire-compatibility prefix applied to
// every inbound attachment's data URI, regardless of its actual content
// type. This looks wrong but is preserved verbatim: consumers downstream
// depend on the literal string "data:text/plain;base64,".
const inlineDataURIPrefix = "data:text/plain;base64,"

// InlineDataURI builds the quirky inbound attachment content URL.
func InlineDataURI(base64Payload string) string {
	return inlineDataURIPrefix + base64Payload
}

// ActivitySet is the server-pushed frame carrying exactly one activity plus
// zero or more attachment byte streams.
type ActivitySet struct {
	Activities []Activity `json:"activities"`
}

// Conversation is the pair of identifiers the core tracks across reconnects.
type Conversation struct {
	ConversationID string
	Token          string
}

// ConnectionStatus is the observable state of the connection's lifecycle.
// It advances monotonically except for Connecting, which a live connection
// can revisit any number of times on its way back to Online.
type ConnectionStatus int

const (
	Uninitialized ConnectionStatus = iota
	Connecting
	Online
	Ended
)

func (s ConnectionStatus) String() string {
	switch s {
	case Uninitialized:
		return "Uninitialized"
	case Connecting:
		return "Connecting"
	case Online:
		return "Online"
	case Ended:
		return "Ended"
	default:
		return "Unknown"
	}
}
