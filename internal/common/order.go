package common

import (
	"fmt"
	"time"
)

type Order struct {
	ID         OrderID   // Ledger sequence number
	Maker      Address   // Who placed (and funded) the order
	SellAsset  AssetID   // Asset held in escrow
	BuyAsset   AssetID   // Asset wanted in return
	SellAmount uint64    // Escrowed quantity of SellAsset
	BuyAmount  uint64    // Quantity of BuyAsset a taker must supply
	Finished   bool      // Set once, on settlement
	PlacedAt   time.Time // Ledger time of creation
}

func (order Order) String() string {
	return fmt.Sprintf(
		`ID:         %d
Maker:      %s
SellAsset:  %s
BuyAsset:   %s
SellAmount: %d
BuyAmount:  %d
Finished:   %t
PlacedAt:   %v`,
		order.ID,
		order.Maker,
		order.SellAsset,
		order.BuyAsset,
		order.SellAmount,
		order.BuyAmount,
		order.Finished,
		order.PlacedAt.Format(time.RFC3339), // Formatted for readability
	)
}
