package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// NotificationRelayConfig wires the cross-region messenger.
type NotificationRelayConfig struct {
	Outbox     *Outbox
	Dispatcher Submitter
	Clock      func() time.Time
	Logger     *zap.Logger
}

// NotificationRelay implements relay.Messenger on the home region: instead of
// calling the messaging provider, every message rides the replication engine
// (durable outbox plus direct push) and the peer region delivers it.
type NotificationRelay struct {
	outbox     *Outbox
	dispatcher Submitter
	clock      func() time.Time
	logger     *zap.Logger
}

// NewNotificationRelay validates dependencies and constructs the relay.
func NewNotificationRelay(cfg NotificationRelayConfig) (*NotificationRelay, error) {
	if cfg.Outbox == nil {
		return nil, errMissingOutbox
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &NotificationRelay{
		outbox:     cfg.Outbox,
		dispatcher: cfg.Dispatcher,
		clock:      clock,
		logger:     logger,
	}, nil
}

// SendMessage enqueues a notification record for the peer region.
func (n *NotificationRelay) SendMessage(_ context.Context, chatID int64, text, parseMode string) error {
	record := NewNotification(chatID, text, parseMode, n.clock().UTC())
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if err := n.outbox.Push(ListOutbound, payload); err != nil {
		return err
	}
	if n.dispatcher != nil && !n.dispatcher.Submit(payload) {
		n.logger.Warn("direct push queue full, drain worker will deliver notification",
			zap.Int64("chat_id", chatID))
	}
	return nil
}
