// Package journal keeps a durable, append-only record of every order the
// ledger places and settles. Records are never deleted.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"

	. "swapbook/internal/common"
	"swapbook/internal/engine"

	"github.com/cockroachdb/pebble"
)

var ErrCorruptRecord = errors.New("corrupt journal record")

// keys: o/<8-byte id> order, s/<8-byte id> settlement
var (
	orderPrefix      = []byte("o/")
	settlementPrefix = []byte("s/")
)

func orderKey(id OrderID) []byte      { return append(append([]byte{}, orderPrefix...), id.Key()...) }
func settlementKey(id OrderID) []byte { return append(append([]byte{}, settlementPrefix...), id.Key()...) }

type Journal struct {
	db *pebble.DB
}

var _ engine.Reporter = (*Journal)(nil)

func Open(path string) (*Journal, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error { return j.db.Close() }

// ReportPlaced records a new order.
func (j *Journal) ReportPlaced(order Order) error {
	data, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("marshal order %d: %w", order.ID, err)
	}
	if err := j.db.Set(orderKey(order.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("save order %d: %w", order.ID, err)
	}
	return nil
}

// ReportSettled rewrites the order as finished and records who took it, in
// one batch.
func (j *Journal) ReportSettled(settlement Settlement) error {
	id := settlement.Order.ID

	order, err := json.Marshal(settlement.Order)
	if err != nil {
		return fmt.Errorf("marshal order %d: %w", id, err)
	}
	data, err := json.Marshal(settlement)
	if err != nil {
		return fmt.Errorf("marshal settlement %d: %w", id, err)
	}

	batch := j.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(orderKey(id), order, nil); err != nil {
		return err
	}
	if err := batch.Set(settlementKey(id), data, nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("save settlement %d: %w", id, err)
	}
	return nil
}

func (j *Journal) Order(id OrderID) (Order, bool, error) {
	var out Order
	ok, err := j.get(orderKey(id), &out)
	return out, ok, err
}

func (j *Journal) Settlement(id OrderID) (Settlement, bool, error) {
	var out Settlement
	ok, err := j.get(settlementKey(id), &out)
	return out, ok, err
}

// Orders returns every recorded order in ascending id order.
func (j *Journal) Orders() ([]Order, error) {
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: orderPrefix,
		UpperBound: []byte("o0"), // '0' follows '/'
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []Order
	for iter.First(); iter.Valid(); iter.Next() {
		var order Order
		if err := json.Unmarshal(iter.Value(), &order); err != nil {
			return nil, fmt.Errorf("%w: %x: %w", ErrCorruptRecord, iter.Key(), err)
		}
		out = append(out, order)
	}
	return out, iter.Error()
}

func (j *Journal) get(key []byte, out any) (bool, error) {
	val, closer, err := j.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	defer closer.Close()

	if err := json.Unmarshal(val, out); err != nil {
		return false, fmt.Errorf("%w: %x: %w", ErrCorruptRecord, key, err)
	}
	return true, nil
}
