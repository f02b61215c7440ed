// Package bus wraps the partitioned, at-least-once, ordered-per-partition
// event bus used by both cores (spec §6: order_events, group_msg,
// offline_msg, membership_change, read_receipt_events), implemented over
// Kafka via IBM/sarama.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
)

// Topic names, matching the exact strings in spec §6.
const (
	TopicOrderEvents       = "order_events"
	TopicGroupMsg          = "group_msg"
	TopicOfflineMsg        = "offline_msg"
	TopicMembershipChange  = "membership_change"
	TopicReadReceiptEvents = "read_receipt_events"
)

// Message is a single bus record delivered to a consumer.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
}

// Producer publishes partition-keyed messages synchronously, returning only
// once the broker has acknowledged the write (commit point for the callers
// in §4.2 and §4.9).
type Producer struct {
	sp     sarama.SyncProducer
	logger *slog.Logger
}

// NewProducer dials the given brokers and returns a Producer configured for
// the durability/ordering guarantees the spec requires: all-ISR acks and a
// single in-flight request per partition (so retries cannot reorder it).
func NewProducer(brokers []string, logger *slog.Logger) (*Producer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Return.Successes = true
	cfg.Net.MaxOpenRequests = 1

	sp, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating kafka producer: %w", err)
	}

	return &Producer{sp: sp, logger: logger}, nil
}

// NewProducerFromClient wraps an already-constructed sarama.SyncProducer,
// letting tests inject sarama/mocks.SyncProducer in place of a live broker.
func NewProducerFromClient(sp sarama.SyncProducer, logger *slog.Logger) *Producer {
	return &Producer{sp: sp, logger: logger}
}

// Publish sends value under key to topic, blocking until acknowledged. The
// partition is chosen by sarama's default hash partitioner over key, which
// is what gives each topic's documented partition key (user_id, group_id,
// recipient_user_id, sender_user_id) its per-partition FIFO guarantee.
func (p *Producer) Publish(ctx context.Context, topic string, key, value []byte) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.ByteEncoder(key),
		Value: sarama.ByteEncoder(value),
	}

	done := make(chan error, 1)
	go func() {
		_, _, err := p.sp.SendMessage(msg)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("publishing to %s: %w", topic, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close releases the underlying connection.
func (p *Producer) Close() error {
	return p.sp.Close()
}

// BatchHandler processes a batch of messages accumulated from one or more
// partitions. Returning an error aborts the whole batch: no offsets are
// committed and sarama redelivers on the next rebalance (at-least-once).
type BatchHandler func(ctx context.Context, msgs []Message) error

// BatchConsumer accumulates up to BatchSize messages or BatchTimeout,
// whichever comes first, then invokes Handler once per batch — the shape
// required by the Order Materializer (§4.3) and the Offline Writer (§4.11).
type BatchConsumer struct {
	group        sarama.ConsumerGroup
	topics       []string
	batchSize    int
	batchTimeout time.Duration
	handler      BatchHandler
	logger       *slog.Logger
}

// NewBatchConsumer joins the given consumer group for topics.
func NewBatchConsumer(brokers []string, groupID string, topics []string, batchSize int, batchTimeout time.Duration, handler BatchHandler, logger *slog.Logger) (*BatchConsumer, error) {
	cfg := sarama.NewConfig()
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating consumer group %s: %w", groupID, err)
	}

	return &BatchConsumer{
		group:        group,
		topics:       topics,
		batchSize:    batchSize,
		batchTimeout: batchTimeout,
		handler:      handler,
		logger:       logger,
	}, nil
}

// Run joins the group and consumes until ctx is cancelled. It rejoins after
// every rebalance, matching sarama's documented consume loop idiom.
func (c *BatchConsumer) Run(ctx context.Context) error {
	go func() {
		for err := range c.group.Errors() {
			c.logger.Error("consumer group error", "error", err)
		}
	}()

	for {
		if err := c.group.Consume(ctx, c.topics, &batchHandler{owner: c}); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("consumer group consume", "error", err)
			time.Sleep(time.Second)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Close leaves the consumer group.
func (c *BatchConsumer) Close() error {
	return c.group.Close()
}

type batchHandler struct {
	owner *BatchConsumer
}

func (h *batchHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *batchHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *batchHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	c := h.owner
	batch := make([]Message, 0, c.batchSize)
	raw := make([]*sarama.ConsumerMessage, 0, c.batchSize)
	timer := time.NewTimer(c.batchTimeout)
	defer timer.Stop()

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := c.handler(sess.Context(), batch); err != nil {
			c.logger.Error("batch handler failed, not committing offsets", "error", err, "count", len(batch))
			return err
		}
		for _, m := range raw {
			sess.MarkMessage(m, "")
		}
		sess.Commit()
		batch = batch[:0]
		raw = raw[:0]
		return nil
	}

	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(c.batchTimeout)

		select {
		case <-sess.Context().Done():
			flush()
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				flush()
				return nil
			}
			batch = append(batch, Message{
				Topic:     msg.Topic,
				Partition: msg.Partition,
				Offset:    msg.Offset,
				Key:       msg.Key,
				Value:     msg.Value,
				Timestamp: msg.Timestamp,
			})
			raw = append(raw, msg)
			if len(batch) >= c.batchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		case <-timer.C:
			if err := flush(); err != nil {
				return err
			}
		}
	}
}
