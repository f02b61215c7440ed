// Package router implements the single-request routing pipeline of spec
// §4.9: validate, filter, sequence, dedup, then either a fast gateway push
// or a durable offline/group bus fallback.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/flashio/internal/telemetry"
	"github.com/wisbric/flashio/pkg/bus"
	"github.com/wisbric/flashio/pkg/contentfilter"
	"github.com/wisbric/flashio/pkg/offline"
	"github.com/wisbric/flashio/pkg/presence"
	"github.com/wisbric/flashio/pkg/sequencer"
)

// DeliveryStatus is the outcome reported back to the caller.
type DeliveryStatus string

const (
	StatusDelivered DeliveryStatus = "Delivered"
	StatusOffline   DeliveryStatus = "Offline"
	StatusPending   DeliveryStatus = "Pending"
)

// ErrSensitiveContent is the error message returned when step 2 (content
// filter) blocks the message.
const ErrSensitiveContent = "SensitiveContent"

// Request is a single route request (spec §4.9's contract).
type Request struct {
	MsgID     string
	Sender    string
	Recipient string // set for private messages
	Group     string // set for group messages; mutually exclusive with Recipient
	Content   string
	TS        time.Time
	Metadata  map[string]string
}

// Response is the contract's output.
type Response struct {
	Sequence       int64
	DeliveryStatus DeliveryStatus
	Error          string
}

// Filterer applies the content filter. Narrowed from *contentfilter.Filter
// for testability.
type Filterer interface {
	Apply(content string) (string, error)
}

// SequenceAssigner issues the next sequence number for a conversation.
type SequenceAssigner interface {
	Next(ctx context.Context, scope sequencer.Scope, convID string) (int64, error)
}

// PresenceLookup resolves where a user's devices are currently connected.
type PresenceLookup interface {
	Lookup(ctx context.Context, userID string) ([]presence.Binding, error)
}

// Publisher is the narrow slice of bus.Producer the router needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// Router wires together the Core B pipeline components.
type Router struct {
	filter         Filterer
	seq            SequenceAssigner
	registry       PresenceLookup
	pusher         GatewayPusher
	publisher      Publisher
	rdb            redis.Cmdable
	maxContentLen  int
	gatewayTimeout time.Duration
	maxRetries     int
	retryBase      time.Duration
	dedupWindow    time.Duration
	logger         *slog.Logger
}

// Config bundles the tunables that come from spec-named env vars.
type Config struct {
	MaxContentLength int
	GatewayTimeout   time.Duration
	MaxRetries       int
	RetryBase        time.Duration
	DedupWindow      time.Duration
}

// New constructs a Router.
func New(filter Filterer, seq SequenceAssigner, registry PresenceLookup, pusher GatewayPusher, publisher Publisher, rdb redis.Cmdable, cfg Config, logger *slog.Logger) *Router {
	return &Router{
		filter:         filter,
		seq:            seq,
		registry:       registry,
		pusher:         pusher,
		publisher:      publisher,
		rdb:            rdb,
		maxContentLen:  cfg.MaxContentLength,
		gatewayTimeout: cfg.GatewayTimeout,
		maxRetries:     cfg.MaxRetries,
		retryBase:      cfg.RetryBase,
		dedupWindow:    cfg.DedupWindow,
		logger:         logger,
	}
}

type dedupRecord struct {
	Sequence       int64          `json:"sequence"`
	DeliveryStatus DeliveryStatus `json:"delivery_status"`
}

func dedupKey(msgID string) string { return "router_dedup:" + msgID }

// Route runs the full pipeline for req.
func (r *Router) Route(ctx context.Context, req Request) (Response, error) {
	if err := r.validate(req); err != nil {
		return Response{Error: err.Error()}, nil
	}

	filtered, err := r.filter.Apply(req.Content)
	if err != nil {
		var blocked *contentfilter.ErrBlocked
		if errors.As(err, &blocked) {
			telemetry.RouterFilterBlockedTotal.Inc()
			return Response{Error: ErrSensitiveContent}, nil
		}
		return Response{}, fmt.Errorf("applying content filter: %w", err)
	}
	req.Content = filtered

	scope, convID, err := r.scopeAndConvID(req)
	if err != nil {
		return Response{Error: err.Error()}, nil
	}

	seq, err := r.seq.Next(ctx, scope, convID)
	if err != nil {
		return Response{}, fmt.Errorf("assigning sequence: %w", err)
	}

	if cached, found, err := r.dedupLookup(ctx, req.MsgID); err != nil {
		return Response{}, fmt.Errorf("checking dedup: %w", err)
	} else if found {
		telemetry.RouterDedupSuppressedTotal.Inc()
		return Response{Sequence: cached.Sequence, DeliveryStatus: cached.DeliveryStatus}, nil
	}

	var status DeliveryStatus
	if req.Group != "" {
		status, err = r.routeGroup(ctx, req, seq)
	} else {
		status, err = r.routePrivate(ctx, req, convID, seq)
	}
	if err != nil {
		return Response{}, err
	}

	if err := r.dedupMark(ctx, req.MsgID, seq, status); err != nil {
		r.logger.Error("marking dedup processed failed", "msg_id", req.MsgID, "error", err)
	}

	return Response{Sequence: seq, DeliveryStatus: status}, nil
}

func (r *Router) validate(req Request) error {
	if len(req.Content) > r.maxContentLen {
		return fmt.Errorf("content length %d exceeds max %d", len(req.Content), r.maxContentLen)
	}
	if req.MsgID == "" || req.Sender == "" {
		return errors.New("msg_id and sender are required")
	}
	if req.Recipient == "" && req.Group == "" {
		return errors.New("exactly one of recipient or group is required")
	}
	if req.Recipient != "" && req.Group != "" {
		return errors.New("recipient and group are mutually exclusive")
	}
	return nil
}

func (r *Router) scopeAndConvID(req Request) (sequencer.Scope, string, error) {
	if req.Group != "" {
		return sequencer.ScopeGroup, req.Group, nil
	}
	convID, err := sequencer.PrivateConvID(req.Sender, req.Recipient)
	if err != nil {
		return "", "", err
	}
	return sequencer.ScopePrivate, convID, nil
}

func (r *Router) dedupLookup(ctx context.Context, msgID string) (dedupRecord, bool, error) {
	val, err := r.rdb.Get(ctx, dedupKey(msgID)).Result()
	if errors.Is(err, redis.Nil) {
		return dedupRecord{}, false, nil
	}
	if err != nil {
		return dedupRecord{}, false, err
	}

	var rec dedupRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return dedupRecord{}, false, fmt.Errorf("decoding dedup record: %w", err)
	}
	return rec, true, nil
}

func (r *Router) dedupMark(ctx context.Context, msgID string, seq int64, status DeliveryStatus) error {
	payload, err := json.Marshal(dedupRecord{Sequence: seq, DeliveryStatus: status})
	if err != nil {
		return fmt.Errorf("encoding dedup record: %w", err)
	}
	return r.rdb.Set(ctx, dedupKey(msgID), payload, r.dedupWindow).Err()
}

func (r *Router) routePrivate(ctx context.Context, req Request, convID string, seq int64) (DeliveryStatus, error) {
	bindings, err := r.registry.Lookup(ctx, req.Recipient)
	if err != nil {
		return "", fmt.Errorf("looking up presence for %s: %w", req.Recipient, err)
	}

	if len(bindings) == 0 {
		if err := r.publishOffline(ctx, req, convID, seq); err != nil {
			return "", err
		}
		telemetry.RouterDeliveredTotal.WithLabelValues("offline").Inc()
		return StatusOffline, nil
	}

	pushReq := PushRequest{
		MsgID:     req.MsgID,
		Sender:    req.Sender,
		Recipient: req.Recipient,
		Content:   req.Content,
		Sequence:  seq,
		TS:        req.TS,
		Metadata:  req.Metadata,
	}

	delivered := false
	for _, b := range bindings {
		if err := r.pushWithRetry(ctx, b.GatewayID, b.DeviceID, pushReq); err != nil {
			r.logger.Warn("gateway push exhausted retries, falling through to offline", "user", req.Recipient, "device", b.DeviceID, "gateway", b.GatewayID, "error", err)
			continue
		}
		delivered = true
	}

	if !delivered {
		if err := r.publishOffline(ctx, req, convID, seq); err != nil {
			return "", err
		}
		telemetry.RouterDeliveredTotal.WithLabelValues("offline").Inc()
		return StatusOffline, nil
	}

	telemetry.RouterDeliveredTotal.WithLabelValues("fast").Inc()
	return StatusDelivered, nil
}

func (r *Router) pushWithRetry(ctx context.Context, gatewayID, deviceID string, req PushRequest) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.retryBase
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = r.retryBase * time.Duration(1<<uint(r.maxRetries))

	operation := func() (PushResponse, error) {
		callCtx, cancel := context.WithTimeout(ctx, r.gatewayTimeout)
		defer cancel()
		return r.pusher.Push(callCtx, gatewayID, deviceID, req)
	}

	_, err := backoff.Retry(ctx, operation, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(r.maxRetries)))
	return err
}

func (r *Router) routeGroup(ctx context.Context, req Request, seq int64) (DeliveryStatus, error) {
	payload, err := json.Marshal(struct {
		MsgID    string            `json:"msg_id"`
		Sender   string            `json:"sender"`
		GroupID  string            `json:"group_id"`
		Content  string            `json:"content"`
		Sequence int64             `json:"sequence"`
		TS       time.Time         `json:"ts"`
		Metadata map[string]string `json:"metadata,omitempty"`
	}{req.MsgID, req.Sender, req.Group, req.Content, seq, req.TS, req.Metadata})
	if err != nil {
		return "", fmt.Errorf("encoding group message: %w", err)
	}

	if err := r.publisher.Publish(ctx, bus.TopicGroupMsg, []byte(req.Group), payload); err != nil {
		return "", fmt.Errorf("publishing group message: %w", err)
	}
	telemetry.RouterDeliveredTotal.WithLabelValues("group").Inc()
	return StatusPending, nil
}

func (r *Router) publishOffline(ctx context.Context, req Request, convID string, seq int64) error {
	ev := offline.MessageEvent{
		MsgID:    req.MsgID,
		UserID:   req.Recipient,
		SenderID: req.Sender,
		ConvID:   convID,
		ConvType: "private",
		Content:  req.Content,
		Sequence: seq,
		TS:       req.TS,
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding offline message: %w", err)
	}

	if err := r.publisher.Publish(ctx, bus.TopicOfflineMsg, []byte(req.Recipient), payload); err != nil {
		return fmt.Errorf("publishing offline message: %w", err)
	}
	return nil
}
