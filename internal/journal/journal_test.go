package journal

import (
	"testing"
	"time"

	"swapbook/internal/assets"
	. "swapbook/internal/common"
	"swapbook/internal/engine"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestJournal(t *testing.T) *Journal {
	j, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

var placedAt = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

func TestJournal_PlaceThenSettle(t *testing.T) {
	j := openTestJournal(t)

	order := Order{
		ID:         1,
		Maker:      "user1",
		SellAsset:  "STK",
		BuyAsset:   "BTK",
		SellAmount: 100,
		BuyAmount:  200,
		PlacedAt:   placedAt,
	}
	require.NoError(t, j.ReportPlaced(order))

	got, ok, err := j.Order(1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, order, got)

	_, ok, err = j.Settlement(1)
	require.NoError(t, err)
	assert.False(t, ok)

	order.Finished = true
	settlement := Settlement{Order: order, Taker: "user2", SettledAt: placedAt.Add(time.Minute)}
	require.NoError(t, j.ReportSettled(settlement))

	got, _, err = j.Order(1)
	require.NoError(t, err)
	assert.True(t, got.Finished)

	gotSettlement, ok, err := j.Settlement(1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, settlement, gotSettlement)
}

func TestJournal_OrdersAscending(t *testing.T) {
	j := openTestJournal(t)

	// Written out of order; ids above 255 check the big-endian key sort.
	for _, id := range []OrderID{300, 2, 1, 256} {
		require.NoError(t, j.ReportPlaced(Order{ID: id, Maker: "m", SellAsset: "A", BuyAsset: "B", SellAmount: 1, BuyAmount: 1}))
	}
	require.NoError(t, j.ReportSettled(Settlement{Order: Order{ID: 2, Finished: true}, Taker: "t"}))

	orders, err := j.Orders()
	require.NoError(t, err)

	var ids []OrderID
	for _, o := range orders {
		ids = append(ids, o.ID)
	}
	assert.Equal(t, []OrderID{1, 2, 256, 300}, ids, "settlements must not show up as orders")
}

func TestJournal_UnknownOrder(t *testing.T) {
	j := openTestJournal(t)

	_, ok, err := j.Order(9)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestJournal_AsLedgerReporter(t *testing.T) {
	j := openTestJournal(t)

	vault := assets.NewVault("ledger")
	require.NoError(t, vault.Mint("user1", "STK", 1000))
	require.NoError(t, vault.Mint("user2", "BTK", 1000))
	ledger := engine.New(vault, "ledger", engine.WithReporter(j))

	vault.Approve("user1", "ledger", "STK", 100)
	id, err := ledger.Place("user1", "STK", "BTK", 100, 200)
	require.NoError(t, err)
	vault.Approve("user2", "ledger", "BTK", 200)
	require.NoError(t, ledger.Take("user2", id))

	recorded, ok, err := j.Order(id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, recorded.Finished)

	live, _ := ledger.Order(id)
	assert.Equal(t, live.Maker, recorded.Maker)
	assert.True(t, live.PlacedAt.Equal(recorded.PlacedAt))

	settlement, ok, err := j.Settlement(id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Address("user2"), settlement.Taker)
}

// eagerTaker takes each order while its placement is still being recorded.
type eagerTaker struct {
	*Journal
	ledger *engine.Ledger
	taken  chan error
}

func (e *eagerTaker) ReportPlaced(order Order) error {
	go func() { e.taken <- e.ledger.Take("user2", order.ID) }()
	time.Sleep(50 * time.Millisecond)
	return e.Journal.ReportPlaced(order)
}

func TestJournal_SettledOrderNotReopenedByLatePlacement(t *testing.T) {
	j := openTestJournal(t)

	vault := assets.NewVault("ledger")
	require.NoError(t, vault.Mint("user1", "STK", 1000))
	require.NoError(t, vault.Mint("user2", "BTK", 1000))
	ledger := engine.New(vault, "ledger")
	taker := &eagerTaker{Journal: j, ledger: ledger, taken: make(chan error, 1)}
	ledger.SetReporter(taker)

	vault.Approve("user1", "ledger", "STK", 100)
	vault.Approve("user2", "ledger", "BTK", 200)
	id, err := ledger.Place("user1", "STK", "BTK", 100, 200)
	require.NoError(t, err)

	select {
	case err := <-taker.taken:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("take did not finish")
	}

	recorded, ok, err := j.Order(id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, recorded.Finished)
}

func TestJournal_CorruptRecord(t *testing.T) {
	j := openTestJournal(t)
	require.NoError(t, j.db.Set(orderKey(5), []byte("{not json"), nil))

	_, _, err := j.Order(5)
	assert.ErrorIs(t, err, ErrCorruptRecord)

	_, err = j.Orders()
	assert.ErrorIs(t, err, ErrCorruptRecord)
}
