// Package relay holds the external messaging collaborators: the chat
// messenger used for notification delivery and the channel publisher used to
// announce offers on the externally facing region.
package relay

import (
	"context"

	"github.com/mohsenbarari/trading-bot-sub000/internal/market"
)

// Messenger delivers a chat message to an end user.
type Messenger interface {
	SendMessage(ctx context.Context, chatID int64, text, parseMode string) error
}

// ChannelPublisher announces an offer on the public channel and returns the
// resulting message id.
type ChannelPublisher interface {
	PublishOffer(ctx context.Context, offer *market.Offer) (int64, error)
}
