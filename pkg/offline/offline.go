// Package offline implements the durable offline pipeline of spec §4.11: a
// batched consumer-group writer into OfflineMessage, gated by a Redis
// DedupEntry TTL key, plus a ticking TTL sweeper.
package offline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/flashio/internal/telemetry"
	"github.com/wisbric/flashio/pkg/bus"
)

// MessageEvent is the wire payload published to the offline bus by the
// Router (§4.9 step 5's Offline Path) and by the group fan-out path.
type MessageEvent struct {
	MsgID    string    `json:"msg_id"`
	UserID   string    `json:"user_id"`
	SenderID string    `json:"sender"`
	ConvID   string    `json:"conv_id"`
	ConvType string    `json:"conv_type"`
	Content  string    `json:"content"`
	Sequence int64     `json:"sequence"`
	TS       time.Time `json:"ts"`
}

// Message is a durable OfflineMessage row.
type Message struct {
	MsgID     uuid.UUID
	UserID    string
	SenderID  string
	ConvID    string
	ConvType  string
	Content   string
	Sequence  int64
	TS        time.Time
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Store is the narrow durable-store interface Writer and Sweeper need.
type Store interface {
	InsertBatch(ctx context.Context, msgs []Message) error
	DeleteExpiredBatch(ctx context.Context, limit int64) (int64, error)
}

func dedupKey(msgID, userID, deviceID string) string {
	sum := sha256.Sum256([]byte(msgID + "|" + userID + "|" + deviceID))
	return "offline_dedup:" + hex.EncodeToString(sum[:])
}

// Writer consumes the offline bus in batches and commits surviving messages
// durably, matching the teacher's batched-commit idiom in pkg/materializer.
type Writer struct {
	store      Store
	rdb        redis.Cmdable
	messageTTL time.Duration
	logger     *slog.Logger
}

// NewWriter constructs a Writer.
func NewWriter(store Store, rdb redis.Cmdable, messageTTL time.Duration, logger *slog.Logger) *Writer {
	return &Writer{store: store, rdb: rdb, messageTTL: messageTTL, logger: logger}
}

// HandleBatch implements bus.BatchHandler.
func (w *Writer) HandleBatch(ctx context.Context, msgs []bus.Message) error {
	var survivors []Message

	for _, raw := range msgs {
		var ev MessageEvent
		if err := json.Unmarshal(raw.Value, &ev); err != nil {
			w.logger.Error("skipping unparseable offline bus message", "error", err, "offset", raw.Offset)
			continue
		}

		key := dedupKey(ev.MsgID, ev.UserID, "")
		dup, err := w.markDedup(ctx, key)
		if err != nil {
			return fmt.Errorf("checking dedup entry for msg %s: %w", ev.MsgID, err)
		}
		if dup {
			continue
		}

		msgID, err := uuid.Parse(ev.MsgID)
		if err != nil {
			msgID = uuid.New()
		}

		now := ev.TS
		if now.IsZero() {
			now = raw.Timestamp
		}

		survivors = append(survivors, Message{
			MsgID:     msgID,
			UserID:    ev.UserID,
			SenderID:  ev.SenderID,
			ConvID:    ev.ConvID,
			ConvType:  ev.ConvType,
			Content:   ev.Content,
			Sequence:  ev.Sequence,
			TS:        now,
			ExpiresAt: now.Add(w.messageTTL),
		})
	}

	if len(survivors) == 0 {
		telemetry.OfflineWriterBatchSize.Observe(0)
		return nil
	}

	if err := w.store.InsertBatch(ctx, survivors); err != nil {
		return fmt.Errorf("inserting offline message batch: %w", err)
	}

	telemetry.OfflineWriterBatchSize.Observe(float64(len(survivors)))
	return nil
}

// markDedup atomically checks-and-sets the dedup key so concurrent writer
// instances (consumer group members) cannot both insert the same message.
// Returns true if key was already present (a duplicate). TTL matches
// MessageTTL (spec §4.11 step 4: "Marks DedupEntry with TTL = MessageTTL").
func (w *Writer) markDedup(ctx context.Context, key string) (bool, error) {
	ok, err := w.rdb.SetNX(ctx, key, 1, w.messageTTL).Result()
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// Sweeper deletes expired OfflineMessage rows in bounded batches on a timer,
// the same run-once-then-ticker shape as sweeper.Sweeper (§4.4).
type Sweeper struct {
	store     Store
	batchRows int64
	logger    *slog.Logger
}

// NewSweeper constructs a Sweeper.
func NewSweeper(store Store, batchRows int64, logger *slog.Logger) *Sweeper {
	return &Sweeper{store: store, batchRows: batchRows, logger: logger}
}

// RunLoop deletes expired rows immediately, then every interval, until ctx
// is cancelled.
func (s *Sweeper) RunLoop(ctx context.Context, interval time.Duration) {
	s.sweep(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	for {
		deleted, err := s.store.DeleteExpiredBatch(ctx, s.batchRows)
		if err != nil {
			s.logger.Error("offline sweep batch failed", "error", err)
			return
		}
		if deleted == 0 {
			return
		}
		telemetry.OfflineSweeperDeletedTotal.Add(float64(deleted))
		if deleted < s.batchRows {
			return
		}
	}
}
