package common

import (
	"encoding/binary"
	"strings"
)

// Address identifies a party holding assets (a maker, a taker or the ledger's
// custody account).
type Address string

// AssetID identifies a fungible asset. On the wire it is a ticker of at most
// TickerLen bytes.
type AssetID string

// OrderID is the ledger-assigned sequence number of an order. Zero is never
// issued.
type OrderID uint64

const TickerLen = 4

// Ticker packs the asset identifier into its fixed-width wire form, padding
// with NULs or truncating.
func (a AssetID) Ticker() [TickerLen]byte {
	var buf [TickerLen]byte
	copy(buf[:], a)
	return buf
}

// AssetFromTicker reverses Ticker.
func AssetFromTicker(b []byte) AssetID {
	return AssetID(strings.TrimRight(string(b), "\x00"))
}

// Key returns the big-endian encoding of the id, which sorts the same way as
// the numeric value.
func (id OrderID) Key() []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(id))
	return buf[:]
}
