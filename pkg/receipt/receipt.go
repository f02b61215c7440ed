// Package receipt implements the Read-Receipt Tracker of spec §4.12:
// idempotent UPSERT of a read marker, publish to the sender's gateways via
// bus, falling back to the offline pipeline when the sender is offline.
package receipt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wisbric/flashio/pkg/bus"
	"github.com/wisbric/flashio/pkg/offline"
	"github.com/wisbric/flashio/pkg/presence"
)

// MarkReadParams is the input to MarkRead.
type MarkReadParams struct {
	MsgID    string
	ReaderID string
	DeviceID string
	SenderID string
	ConvID   string
	ConvType string
}

// Event is the wire payload published to read_receipt_events.
type Event struct {
	MsgID    string    `json:"msg_id"`
	ReaderID string    `json:"reader_id"`
	DeviceID string    `json:"device_id"`
	SenderID string    `json:"sender_id"`
	ConvID   string    `json:"conv_id"`
	ReadAt   time.Time `json:"read_at"`
}

// Store is the durable store for ReadReceipt rows.
type Store interface {
	Upsert(ctx context.Context, msgID, readerID, deviceID string, readAt time.Time) error
}

// PresenceLookup resolves whether a user currently has a connected device.
type PresenceLookup interface {
	Lookup(ctx context.Context, userID string) ([]presence.Binding, error)
}

// Publisher is the narrow bus interface the tracker needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// Tracker marks messages read and notifies senders.
type Tracker struct {
	store     Store
	registry  PresenceLookup
	publisher Publisher
}

// New constructs a Tracker.
func New(store Store, registry PresenceLookup, publisher Publisher) *Tracker {
	return &Tracker{store: store, registry: registry, publisher: publisher}
}

// MarkRead records a read receipt, idempotent on (msg_id, reader_id,
// device_id), then notifies the sender: directly via the read-receipt bus
// topic if online, or via the offline pipeline if not.
func (t *Tracker) MarkRead(ctx context.Context, p MarkReadParams) error {
	readAt := time.Now()
	if err := t.store.Upsert(ctx, p.MsgID, p.ReaderID, p.DeviceID, readAt); err != nil {
		return fmt.Errorf("upserting read receipt for msg %s: %w", p.MsgID, err)
	}

	ev := Event{
		MsgID:    p.MsgID,
		ReaderID: p.ReaderID,
		DeviceID: p.DeviceID,
		SenderID: p.SenderID,
		ConvID:   p.ConvID,
		ReadAt:   readAt,
	}

	bindings, err := t.registry.Lookup(ctx, p.SenderID)
	if err != nil {
		return fmt.Errorf("looking up presence for sender %s: %w", p.SenderID, err)
	}

	if len(bindings) > 0 {
		return t.publishDirect(ctx, ev)
	}
	return t.publishOffline(ctx, p, ev)
}

func (t *Tracker) publishDirect(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding read receipt event: %w", err)
	}
	if err := t.publisher.Publish(ctx, bus.TopicReadReceiptEvents, []byte(ev.SenderID), payload); err != nil {
		return fmt.Errorf("publishing read receipt event: %w", err)
	}
	return nil
}

func (t *Tracker) publishOffline(ctx context.Context, p MarkReadParams, ev Event) error {
	offlineEv := offline.MessageEvent{
		MsgID:    ev.MsgID,
		UserID:   p.SenderID,
		SenderID: p.ReaderID,
		ConvID:   p.ConvID,
		ConvType: p.ConvType,
		Content:  "", // read receipts carry no message body; readers reconstruct from conv_id + msg_id
		TS:       ev.ReadAt,
	}
	payload, err := json.Marshal(offlineEv)
	if err != nil {
		return fmt.Errorf("encoding offline read receipt: %w", err)
	}
	if err := t.publisher.Publish(ctx, bus.TopicOfflineMsg, []byte(p.SenderID), payload); err != nil {
		return fmt.Errorf("publishing offline read receipt: %w", err)
	}
	return nil
}
