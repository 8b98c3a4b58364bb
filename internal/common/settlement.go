package common

import (
	"fmt"
	"time"
)

// Settlement accounts for the taker who fulfilled an order.
type Settlement struct {
	Order     Order
	Taker     Address
	SettledAt time.Time
}

func (s Settlement) String() string {
	return fmt.Sprintf(
		`Order: [
%s]
Taker:     %s
SettledAt: %v`,
		s.Order.String(),
		s.Taker,
		s.SettledAt.Format(time.RFC3339),
	)
}
