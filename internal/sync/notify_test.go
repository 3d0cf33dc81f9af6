package sync

import (
	"context"
	"testing"
	"time"
)

func TestNotificationRelayEnqueuesForPeer(t *testing.T) {
	outbox := newTestOutbox(t)
	submitter := &fakeSubmitter{}
	relay, err := NewNotificationRelay(NotificationRelayConfig{
		Outbox:     outbox,
		Dispatcher: submitter,
		Clock:      func() time.Time { return time.Unix(1700000000, 0) },
	})
	if err != nil {
		t.Fatalf("failed to construct relay: %v", err)
	}

	if err := relay.SendMessage(context.Background(), 42, "offer matched", "HTML"); err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}

	record := popRecord(t, outbox)
	if !record.IsNotification() {
		t.Fatalf("expected a notification record, got %+v", record)
	}
	if record.ChatID != 42 || record.Text != "offer matched" || record.ParseMode != "HTML" {
		t.Fatalf("unexpected notification payload: %+v", record)
	}
	if record.Timestamp != 1700000000 {
		t.Fatalf("unexpected timestamp %d", record.Timestamp)
	}
	if len(submitter.payloads) != 1 {
		t.Fatalf("expected one direct push submission, got %d", len(submitter.payloads))
	}
}

func TestNotificationRelaySurvivesFullPushQueue(t *testing.T) {
	outbox := newTestOutbox(t)
	relay, err := NewNotificationRelay(NotificationRelayConfig{
		Outbox:     outbox,
		Dispatcher: &fakeSubmitter{full: true},
	})
	if err != nil {
		t.Fatalf("failed to construct relay: %v", err)
	}

	if err := relay.SendMessage(context.Background(), 42, "offer matched", ""); err != nil {
		t.Fatalf("a full push queue must not fail the send: %v", err)
	}

	depth, err := outbox.Depth()
	if err != nil {
		t.Fatalf("unexpected depth error: %v", err)
	}
	if depth != 1 {
		t.Fatalf("the durable queue must still hold the notification, depth %d", depth)
	}
}
