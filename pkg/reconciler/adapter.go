package reconciler

import (
	"context"

	"github.com/wisbric/flashio/pkg/activity"
)

// ActivityAdapter adapts the Lifecycle Manager's activity.Store to
// ActivityLister, so the Reconciler only knows the SKU/total-stock shape it
// needs and not the full Activity entity.
type ActivityAdapter struct {
	Store *activity.Store
}

// ListActiveSKUs satisfies ActivityLister.
func (a ActivityAdapter) ListActiveSKUs(ctx context.Context) ([]ActiveSKU, error) {
	activities, err := a.Store.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ActiveSKU, len(activities))
	for i, act := range activities {
		out[i] = ActiveSKU{SKUID: act.SKUID, TotalStock: act.TotalStock}
	}
	return out, nil
}
