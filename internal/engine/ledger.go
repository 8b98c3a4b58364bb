package engine

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	. "swapbook/internal/common"

	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidParameters = errors.New("invalid order parameters")
	ErrTransferFailure   = errors.New("asset transfer failed")
	ErrUnknownOrder      = errors.New("unknown order")
	ErrAlreadySettled    = errors.New("order already settled")
	ErrSelfTrade         = fmt.Errorf("%w: maker cannot take own order", ErrInvalidParameters)
	ErrCustodyParty      = fmt.Errorf("%w: custody account cannot trade", ErrInvalidParameters)

	// ErrPayoutStranded means the order settled but the maker's payment is
	// still in custody. Retrying the take cannot help.
	ErrPayoutStranded = errors.New("order settled, maker payout stranded")
)

// TransferService moves assets on the ledger's behalf. Each call either
// completes the whole balance change or fails without effect.
type TransferService interface {
	// Pull moves amount of asset from a holder who has authorized the
	// ledger, into another holder.
	Pull(from Address, asset AssetID, amount uint64, into Address) error
	// Push moves amount of asset out of the ledger's custody.
	Push(asset AssetID, amount uint64, to Address) error
}

// entry is the ledger's record of one order. Everything except finished is
// written once, before the entry is published in the orders map. mu
// serializes takes on this order only.
type entry struct {
	mu       sync.Mutex
	order    Order
	finished atomic.Bool
}

func (e *entry) snapshot() Order {
	o := e.order
	o.Finished = e.finished.Load()
	return o
}

// Ledger is the order registry. It escrows maker funds through the transfer
// service, hands out order ids and settles each order at most once.
type Ledger struct {
	transfers TransferService
	custody   Address
	reporter  Reporter
	now       func() time.Time
	selfTrade bool

	lastID atomic.Uint64

	// Guards the map only. Held for lookups and inserts, never across a
	// transfer.
	mu     sync.RWMutex
	orders map[OrderID]*entry
}

type Option func(*Ledger)

func WithReporter(r Reporter) Option {
	return func(l *Ledger) { l.reporter = r }
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithSelfTrade controls whether a maker may take their own order. Allowed
// by default.
func WithSelfTrade(allowed bool) Option {
	return func(l *Ledger) { l.selfTrade = allowed }
}

// New creates a ledger escrowing into the custody account. The transfer
// service must push out of that same account.
func New(transfers TransferService, custody Address, opts ...Option) *Ledger {
	l := &Ledger{
		transfers: transfers,
		custody:   custody,
		reporter:  nopReporter{},
		now:       time.Now,
		selfTrade: true,
		orders:    make(map[OrderID]*entry),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) SetReporter(r Reporter) {
	if r == nil {
		r = nopReporter{}
	}
	l.reporter = r
}

// Place escrows sellAmount of sellAsset from the maker and records a new
// order asking buyAmount of buyAsset in return.
//
// An id is only allocated once the escrow pull has succeeded, so a rejected
// placement leaves no record and burns no id.
func (l *Ledger) Place(maker Address, sellAsset, buyAsset AssetID, sellAmount, buyAmount uint64) (OrderID, error) {
	if err := l.validate(maker, sellAsset, buyAsset, sellAmount, buyAmount); err != nil {
		return 0, err
	}

	if err := l.transfers.Pull(maker, sellAsset, sellAmount, l.custody); err != nil {
		log.Warn().
			Err(err).
			Str("maker", string(maker)).
			Str("asset", string(sellAsset)).
			Uint64("amount", sellAmount).
			Msg("escrow pull rejected")
		return 0, fmt.Errorf("%w: escrow pull: %w", ErrTransferFailure, err)
	}

	e := &entry{order: Order{
		ID:         OrderID(l.lastID.Add(1)),
		Maker:      maker,
		SellAsset:  sellAsset,
		BuyAsset:   buyAsset,
		SellAmount: sellAmount,
		BuyAmount:  buyAmount,
		PlacedAt:   l.now(),
	}}

	// Takes on the new order wait until its placement has been reported.
	e.mu.Lock()
	defer e.mu.Unlock()

	l.mu.Lock()
	l.orders[e.order.ID] = e
	l.mu.Unlock()

	log.Debug().
		Uint64("id", uint64(e.order.ID)).
		Str("maker", string(maker)).
		Msg("order placed")

	if err := l.reporter.ReportPlaced(e.snapshot()); err != nil {
		log.Error().Err(err).Uint64("id", uint64(e.order.ID)).Msg("unable to report placed order")
	}
	return e.order.ID, nil
}

// Take settles the order for the taker: the taker pays buyAmount of buyAsset
// to the maker and receives the escrowed sellAmount of sellAsset.
//
// Settlement legs, all under the order's lock:
//  1. pull the taker's payment into custody
//  2. push the escrow to the taker
//  3. push the payment on to the maker
//
// A failed leg 1 changes nothing, a failed leg 2 refunds the payment from
// custody. Leg 3 moves funds custody has just received, so it only fails
// with a broken transfer service; the escrow is already gone by then, so the
// order stays settled and ErrPayoutStranded is returned.
func (l *Ledger) Take(taker Address, id OrderID) error {
	switch taker {
	case "":
		return fmt.Errorf("%w: empty taker", ErrInvalidParameters)
	case l.custody:
		return ErrCustodyParty
	}

	e, ok := l.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownOrder, id)
	}

	settlement, err := l.settle(e, taker)
	if settlement == nil {
		return err
	}

	log.Debug().
		Uint64("id", uint64(id)).
		Str("taker", string(taker)).
		Msg("order settled")

	if rerr := l.reporter.ReportSettled(*settlement); rerr != nil {
		log.Error().Err(rerr).Uint64("id", uint64(id)).Msg("unable to report settlement")
	}
	return err
}

// settle runs the transfer legs under e.mu. It returns a settlement whenever
// the order became finished, with a non-nil error if the payout stranded.
func (l *Ledger) settle(e *entry, taker Address) (*Settlement, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	order := e.order
	if e.finished.Load() {
		return nil, fmt.Errorf("%w: %d", ErrAlreadySettled, order.ID)
	}
	if !l.selfTrade && taker == order.Maker {
		return nil, ErrSelfTrade
	}

	if err := l.transfers.Pull(taker, order.BuyAsset, order.BuyAmount, l.custody); err != nil {
		log.Warn().
			Err(err).
			Uint64("id", uint64(order.ID)).
			Str("taker", string(taker)).
			Msg("payment pull rejected")
		return nil, fmt.Errorf("%w: payment pull: %w", ErrTransferFailure, err)
	}

	if err := l.transfers.Push(order.SellAsset, order.SellAmount, taker); err != nil {
		if rerr := l.transfers.Push(order.BuyAsset, order.BuyAmount, taker); rerr != nil {
			log.Error().
				Err(rerr).
				Uint64("id", uint64(order.ID)).
				Str("taker", string(taker)).
				Msg("unable to refund payment")
			err = errors.Join(err, rerr)
		}
		return nil, fmt.Errorf("%w: escrow release: %w", ErrTransferFailure, err)
	}

	e.finished.Store(true)
	settlement := &Settlement{Order: e.snapshot(), Taker: taker, SettledAt: l.now()}

	if err := l.transfers.Push(order.BuyAsset, order.BuyAmount, order.Maker); err != nil {
		log.Error().
			Err(err).
			Uint64("id", uint64(order.ID)).
			Str("maker", string(order.Maker)).
			Str("asset", string(order.BuyAsset)).
			Uint64("amount", order.BuyAmount).
			Msg("payment stranded in custody")
		return settlement, fmt.Errorf("%w: %d: %w", ErrPayoutStranded, order.ID, err)
	}
	return settlement, nil
}

// Order returns the current record for id. It does not wait on a take in
// progress.
func (l *Ledger) Order(id OrderID) (Order, bool) {
	e, ok := l.lookup(id)
	if !ok {
		return Order{}, false
	}
	return e.snapshot(), true
}

// Len reports how many orders have been recorded.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.orders)
}

func (l *Ledger) lookup(id OrderID) (*entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.orders[id]
	return e, ok
}

func (l *Ledger) validate(maker Address, sellAsset, buyAsset AssetID, sellAmount, buyAmount uint64) error {
	switch {
	case maker == "":
		return fmt.Errorf("%w: empty maker", ErrInvalidParameters)
	case maker == l.custody:
		return ErrCustodyParty
	case sellAsset == "" || buyAsset == "":
		return fmt.Errorf("%w: empty asset", ErrInvalidParameters)
	case sellAsset == buyAsset:
		return fmt.Errorf("%w: sell and buy asset are both %s", ErrInvalidParameters, sellAsset)
	case sellAmount == 0 || buyAmount == 0:
		return fmt.Errorf("%w: amounts must be positive", ErrInvalidParameters)
	}
	return nil
}
