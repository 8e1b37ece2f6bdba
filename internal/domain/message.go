package domain

import "time"

// Mentions holds the mention sets carried by a single message.
type Mentions struct {
	Users    []string
	Roles    []string
	Channels []string
	Everyone bool // @everyone / @here
}

// IncomingMessage is the platform-neutral view of a chat message.
type IncomingMessage struct {
	Content string
	// HasAttachment lets channels accept attachment-only messages. Decisions
	// do not read it; attachment content is never analysed.
	HasAttachment bool
	Mentions      Mentions
}

// ConversationContext is everything the decision engine knows about where a
// message landed. It is supplied by the caller and never mutated.
type ConversationContext struct {
	OptedIn              bool
	IsDM                 bool
	IsPersonalThread     bool
	MentionedBot         bool
	RepliedToBot         bool
	LastBotReplyAt       *time.Time
	RecentUserBurstCount int
	GuildOverrides       map[string]float64 // e.g. "ambientThreshold"
	Now                  time.Time
}

// InboundMessage is what a channel adapter publishes on the bus.
type InboundMessage struct {
	Channel          string // discord | telegram | cli
	GuildID          string
	ChatID           string
	MessageID        string
	SenderID         string
	Message          IncomingMessage
	IsDM             bool
	IsPersonalThread bool
	MentionedBot     bool
	RepliedToBot     bool
	Timestamp        time.Time
}

type OutboundMessage struct {
	Channel string
	ChatID  string
	ReplyTo string // platform message ID to thread the reply under, optional
	Content string
}
