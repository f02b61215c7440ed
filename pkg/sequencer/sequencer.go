// Package sequencer assigns strictly increasing per-conversation sequence
// numbers (spec §4.8): an atomic Redis INCR backed by periodic durable
// snapshots so a fast-store loss can reseed past the last known value.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/wisbric/flashio/internal/telemetry"
)

// Scope distinguishes a private conversation counter from a group one.
type Scope string

const (
	ScopePrivate Scope = "private"
	ScopeGroup   Scope = "group"
)

// ErrEmptyID is returned when a canonical conv_id input is empty.
var ErrEmptyID = errors.New("sequencer: empty conversation participant id")

// PrivateConvID computes the canonical conv_id for a private conversation
// per I-B2: lexicographic sort of the two user ids joined with ":", so
// sender/recipient order never affects which counter is incremented.
func PrivateConvID(userA, userB string) (string, error) {
	if userA == "" || userB == "" {
		return "", ErrEmptyID
	}
	if userA <= userB {
		return userA + ":" + userB, nil
	}
	return userB + ":" + userA, nil
}

func counterKey(scope Scope, convID string) string { return "seq:" + string(scope) + ":" + convID }

// Snapshotter persists a durable checkpoint of a counter's value, used to
// reseed after a fast-store loss.
type Snapshotter interface {
	InsertSnapshot(ctx context.Context, scope Scope, convID string, seq int64) error
	LatestSnapshot(ctx context.Context, scope Scope, convID string) (int64, bool, error)
}

// Sequencer issues monotonic sequence numbers per (scope, conv_id).
type Sequencer struct {
	rdb           redis.Cmdable
	snapshots     Snapshotter
	snapshotEvery int64
	safetyMargin  int64
	logger        *slog.Logger
}

// New constructs a Sequencer. snapshotEvery is the increment interval at
// which a durable snapshot is written (default 10,000 per spec); safetyMargin
// is added on top of the last snapshot when reseeding after fast-store loss.
func New(rdb redis.Cmdable, snapshots Snapshotter, snapshotEvery, safetyMargin int64, logger *slog.Logger) *Sequencer {
	return &Sequencer{rdb: rdb, snapshots: snapshots, snapshotEvery: snapshotEvery, safetyMargin: safetyMargin, logger: logger}
}

// Next atomically increments and returns the next sequence number for
// (scope, convID). Every snapshotEvery-th increment, it asynchronously
// writes a durable snapshot; the write's failure never blocks or fails the
// caller, matching spec's "asynchronously snapshot" wording.
func (s *Sequencer) Next(ctx context.Context, scope Scope, convID string) (int64, error) {
	if convID == "" {
		return 0, ErrEmptyID
	}

	key := counterKey(scope, convID)
	seq, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("incrementing sequence for %s: %w", key, err)
	}

	telemetry.SequencerIncrementsTotal.Inc()

	if s.snapshotEvery > 0 && seq%s.snapshotEvery == 0 {
		go s.snapshotAsync(scope, convID, seq)
	}

	return seq, nil
}

func (s *Sequencer) snapshotAsync(scope Scope, convID string, seq int64) {
	ctx := context.Background()
	if err := s.snapshots.InsertSnapshot(ctx, scope, convID, seq); err != nil {
		s.logger.Error("sequencer snapshot failed", "scope", scope, "conv_id", convID, "seq", seq, "error", err)
	}
}

// Recover seeds the counter for (scope, convID) from the latest durable
// snapshot plus safetyMargin, for use after a fast-store loss is detected
// (e.g. by the Reconciler's B-side analog or an operator runbook). Up to
// safetyMargin duplicate sequence numbers may be issued across the gap —
// tolerated because msg_id dedup (I-B3) suppresses the duplicate display.
func (s *Sequencer) Recover(ctx context.Context, scope Scope, convID string) (int64, error) {
	last, found, err := s.snapshots.LatestSnapshot(ctx, scope, convID)
	if err != nil {
		return 0, fmt.Errorf("reading latest snapshot for %s:%s: %w", scope, convID, err)
	}
	if !found {
		return 0, nil
	}

	seeded := last + s.safetyMargin
	if err := s.rdb.Set(ctx, counterKey(scope, convID), seeded, 0).Err(); err != nil {
		return 0, fmt.Errorf("seeding counter for %s:%s: %w", scope, convID, err)
	}
	return seeded, nil
}
