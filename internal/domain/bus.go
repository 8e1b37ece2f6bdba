package domain

import "context"

// OutboundHandler delivers a reply on one platform.
type OutboundHandler func(ctx context.Context, msg OutboundMessage) error

// MessageBus routes messages between channels and the reply loop.
type MessageBus interface {
	Publish(ctx context.Context, msg InboundMessage) error
	Subscribe() <-chan InboundMessage
	SendOutbound(ctx context.Context, msg OutboundMessage) error
	OnOutbound(channelName string, handler OutboundHandler)
	Close()
}
