package inventory

import (
	"encoding/json"

	"github.com/wisbric/flashio/pkg/order"
)

func marshalEvent(ev order.Event) ([]byte, error) {
	return json.Marshal(ev)
}
