package inventory

import (
	"context"
	"fmt"

	"github.com/wisbric/flashio/pkg/admission"
)

// CompositeWarmer satisfies activity.Warmer by fanning a single
// warmup/teardown call out to both the Admission Gate's token bucket and
// the Inventory Engine's stock cell, since lifecycle transitions must reset
// both in lockstep.
type CompositeWarmer struct {
	Gate   *admission.Gate
	Engine *Engine
}

// Warmup resets the admission gate's bucket/sold-out state before warming
// the stock cell, so a reused SKU never starts with stale queue depth.
func (w CompositeWarmer) Warmup(ctx context.Context, skuID string, total int64, force bool) error {
	if err := w.Gate.Reset(ctx, skuID); err != nil {
		return fmt.Errorf("resetting admission gate: %w", err)
	}
	if err := w.Engine.Warmup(ctx, skuID, total, force); err != nil {
		return err
	}
	return nil
}

// Teardown tears down the stock cell and notifies the admission gate so no
// further acquires succeed.
func (w CompositeWarmer) Teardown(ctx context.Context, skuID string) error {
	if err := w.Gate.NotifySoldOut(ctx, skuID); err != nil {
		return fmt.Errorf("notifying admission gate sold out: %w", err)
	}
	return w.Engine.Teardown(ctx, skuID)
}
