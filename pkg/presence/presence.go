// Package presence implements the Presence Registry (spec §4.7): a
// TTL-leased user/device/gateway binding over Redis, with an in-process
// replicated cache kept warm by keyspace-notification pub/sub so lookups
// rarely need a round trip.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wisbric/flashio/internal/telemetry"
)

// Binding is one (device, gateway) pair for a user.
type Binding struct {
	DeviceID  string
	GatewayID string
}

func presenceKey(userID, deviceID string) string { return "presence:" + userID + ":" + deviceID }
func presencePrefix(userID string) string        { return "presence:" + userID + ":" }

// Registry is the Presence Registry for all users.
//
// register/renew use SET key value PX ttl / PEXPIRE; lookup consults the
// in-process cache first (fed by Watch) and falls back to a Redis SCAN on a
// cold cache. The cache mirrors the one-writer/many-readers sync.Map shape
// of other_examples' ReplicatedTicketCache, simplified to a single map of
// userID -> set of Bindings instead of a full replicated store.
type Registry struct {
	rdb      redis.Cmdable
	leaseTTL time.Duration
	logger   *slog.Logger

	cache sync.Map // userID -> map[string]Binding (deviceID -> Binding)
}

// NewRegistry constructs a Presence Registry.
func NewRegistry(rdb redis.Cmdable, leaseTTL time.Duration, logger *slog.Logger) *Registry {
	return &Registry{rdb: rdb, leaseTTL: leaseTTL, logger: logger}
}

// Register stores a (user, device, gateway) binding with a fresh lease.
func (r *Registry) Register(ctx context.Context, userID, deviceID, gatewayID string) error {
	if err := r.rdb.Set(ctx, presenceKey(userID, deviceID), gatewayID, r.leaseTTL).Err(); err != nil {
		return fmt.Errorf("registering presence for user %s device %s: %w", userID, deviceID, err)
	}
	r.storeLocal(userID, deviceID, gatewayID)
	telemetry.PresenceLeasesActive.Inc()
	return nil
}

// Renew extends an existing lease by TTL atomically, matching I-B4 (a
// renewal extends lease_expires_at into the future by exactly TTL).
func (r *Registry) Renew(ctx context.Context, userID, deviceID string) error {
	ok, err := r.rdb.Expire(ctx, presenceKey(userID, deviceID), r.leaseTTL).Result()
	if err != nil {
		return fmt.Errorf("renewing presence for user %s device %s: %w", userID, deviceID, err)
	}
	if !ok {
		// Key had already expired; caller must Register again.
		return fmt.Errorf("renewing presence for user %s device %s: lease expired", userID, deviceID)
	}
	return nil
}

// Deregister removes a binding on disconnect.
func (r *Registry) Deregister(ctx context.Context, userID, deviceID string) error {
	if err := r.rdb.Del(ctx, presenceKey(userID, deviceID)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("deregistering presence for user %s device %s: %w", userID, deviceID, err)
	}
	r.deleteLocal(userID, deviceID)
	return nil
}

// Lookup returns the bindings for userID. It is eventually consistent,
// bounded by watch lag (spec §4.7): the local cache is consulted first, and
// on a cache miss falls back to a Redis SCAN over the user's presence keys.
func (r *Registry) Lookup(ctx context.Context, userID string) ([]Binding, error) {
	if v, ok := r.cache.Load(userID); ok {
		devices := v.(map[string]Binding)
		out := make([]Binding, 0, len(devices))
		for _, b := range devices {
			out = append(out, b)
		}
		return out, nil
	}
	return r.lookupFromRedis(ctx, userID)
}

func (r *Registry) lookupFromRedis(ctx context.Context, userID string) ([]Binding, error) {
	prefix := presencePrefix(userID)
	var cursor uint64
	devices := make(map[string]Binding)

	for {
		keys, next, err := r.rdb.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scanning presence for user %s: %w", userID, err)
		}
		for _, key := range keys {
			gatewayID, err := r.rdb.Get(ctx, key).Result()
			if err != nil {
				continue
			}
			deviceID := strings.TrimPrefix(key, prefix)
			devices[deviceID] = Binding{DeviceID: deviceID, GatewayID: gatewayID}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	out := make([]Binding, 0, len(devices))
	for _, b := range devices {
		out = append(out, b)
	}
	if len(devices) > 0 {
		r.cache.Store(userID, devices)
	}
	return out, nil
}

func (r *Registry) storeLocal(userID, deviceID, gatewayID string) {
	var devices map[string]Binding
	if v, ok := r.cache.Load(userID); ok {
		existing := v.(map[string]Binding)
		devices = make(map[string]Binding, len(existing)+1)
		for k, b := range existing {
			devices[k] = b
		}
	} else {
		devices = make(map[string]Binding, 1)
	}
	devices[deviceID] = Binding{DeviceID: deviceID, GatewayID: gatewayID}
	r.cache.Store(userID, devices)
}

func (r *Registry) deleteLocal(userID, deviceID string) {
	v, ok := r.cache.Load(userID)
	if !ok {
		return
	}
	existing := v.(map[string]Binding)
	if _, present := existing[deviceID]; !present {
		return
	}
	devices := make(map[string]Binding, len(existing))
	for k, b := range existing {
		if k != deviceID {
			devices[k] = b
		}
	}
	if len(devices) == 0 {
		r.cache.Delete(userID)
		return
	}
	r.cache.Store(userID, devices)
}

// Watch subscribes to Redis keyspace-notification expired/set events on
// presence:* keys and keeps the local cache in sync, the same
// rdb.Subscribe idiom as escalation.Engine.Run's ack-event subscription.
// It blocks until ctx is cancelled.
func (r *Registry) Watch(ctx context.Context) error {
	pubsub := r.rdb.PSubscribe(ctx, "__keyevent@*__:expired", "__keyevent@*__:set")
	defer pubsub.Close()

	r.logger.Info("presence watch started")
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("presence watch stopped")
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handleEvent(ctx, msg)
		}
	}
}

func (r *Registry) handleEvent(ctx context.Context, msg *redis.Message) {
	key := msg.Payload
	if !strings.HasPrefix(key, "presence:") {
		return
	}
	parts := strings.SplitN(strings.TrimPrefix(key, "presence:"), ":", 2)
	if len(parts) != 2 {
		return
	}
	userID, deviceID := parts[0], parts[1]

	switch {
	case strings.HasSuffix(msg.Channel, ":expired"):
		r.deleteLocal(userID, deviceID)
		telemetry.PresenceLeasesActive.Dec()
	case strings.HasSuffix(msg.Channel, ":set"):
		gatewayID, err := r.rdb.Get(ctx, key).Result()
		if err != nil {
			return
		}
		r.storeLocal(userID, deviceID, gatewayID)
	}
}
