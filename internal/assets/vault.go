package assets

import (
	"errors"
	"fmt"
	"math"
	"sync"

	. "swapbook/internal/common"

	"github.com/tidwall/btree"
)

var (
	ErrZeroAmount            = errors.New("zero amount")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrSupplyOverflow        = errors.New("asset supply overflow")
)

// Holding is the balance of one holder in one asset.
type Holding struct {
	Asset  AssetID
	Holder Address
	Amount uint64
}

type Holdings = btree.BTreeG[*Holding]

type allowanceKey struct {
	owner   Address
	spender Address
	asset   AssetID
}

// Vault is an in-process asset registry. It keeps balances and allowances
// and moves funds on behalf of a single custodian, the account that escrows
// order funds.
//
// Every mutating call either applies in full or not at all. Total supply per
// asset is capped at math.MaxUint64 on mint, so a credit can never overflow.
type Vault struct {
	mu         sync.Mutex
	custodian  Address
	holdings   *Holdings // Sorted by (asset, holder).
	allowances map[allowanceKey]uint64
	supply     map[AssetID]uint64
}

func NewVault(custodian Address) *Vault {
	holdings := btree.NewBTreeGOptions(func(a, b *Holding) bool {
		if a.Asset != b.Asset {
			return a.Asset < b.Asset
		}
		return a.Holder < b.Holder
	}, btree.Options{NoLocks: true})

	return &Vault{
		custodian:  custodian,
		holdings:   holdings,
		allowances: make(map[allowanceKey]uint64),
		supply:     make(map[AssetID]uint64),
	}
}

func (v *Vault) Custodian() Address {
	return v.custodian
}

// Mint creates amount of asset and credits it to the holder.
func (v *Vault) Mint(to Address, asset AssetID, amount uint64) error {
	if amount == 0 {
		return ErrZeroAmount
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	supply := v.supply[asset]
	if supply > math.MaxUint64-amount {
		return fmt.Errorf("%w: minting %d %s on top of %d", ErrSupplyOverflow, amount, asset, supply)
	}
	v.supply[asset] = supply + amount
	v.credit(to, asset, amount)
	return nil
}

// Approve sets the amount of asset spender may pull from owner. A later call
// replaces the previous allowance.
func (v *Vault) Approve(owner, spender Address, asset AssetID, amount uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	key := allowanceKey{owner, spender, asset}
	if amount == 0 {
		delete(v.allowances, key)
		return
	}
	v.allowances[key] = amount
}

// Pull moves amount of asset from one holder into another, spending the
// custodian's allowance on the source holder.
func (v *Vault) Pull(from Address, asset AssetID, amount uint64, into Address) error {
	if amount == 0 {
		return ErrZeroAmount
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	key := allowanceKey{from, v.custodian, asset}
	allowance := v.allowances[key]
	if allowance < amount {
		return fmt.Errorf("%w: %s allows %d %s, need %d", ErrInsufficientAllowance, from, allowance, asset, amount)
	}
	if err := v.debit(from, asset, amount); err != nil {
		return err
	}
	v.credit(into, asset, amount)

	if allowance == amount {
		delete(v.allowances, key)
	} else {
		v.allowances[key] = allowance - amount
	}
	return nil
}

// Push moves amount of asset out of the custodian's account.
func (v *Vault) Push(asset AssetID, amount uint64, to Address) error {
	if amount == 0 {
		return ErrZeroAmount
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.debit(v.custodian, asset, amount); err != nil {
		return err
	}
	v.credit(to, asset, amount)
	return nil
}

func (v *Vault) BalanceOf(holder Address, asset AssetID) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()

	h, ok := v.holdings.Get(&Holding{Asset: asset, Holder: holder})
	if !ok {
		return 0
	}
	return h.Amount
}

func (v *Vault) Allowance(owner, spender Address, asset AssetID) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.allowances[allowanceKey{owner, spender, asset}]
}

func (v *Vault) Supply(asset AssetID) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.supply[asset]
}

// Holdings lists the non-zero balances of asset, sorted by holder.
func (v *Vault) Holdings(asset AssetID) []Holding {
	v.mu.Lock()
	defer v.mu.Unlock()

	var out []Holding
	v.holdings.Ascend(&Holding{Asset: asset}, func(h *Holding) bool {
		if h.Asset != asset {
			return false
		}
		out = append(out, *h)
		return true
	})
	return out
}

// debit assumes v.mu is held. Emptied holdings are dropped from the tree.
func (v *Vault) debit(holder Address, asset AssetID, amount uint64) error {
	h, ok := v.holdings.GetMut(&Holding{Asset: asset, Holder: holder})
	if !ok || h.Amount < amount {
		var have uint64
		if ok {
			have = h.Amount
		}
		return fmt.Errorf("%w: %s has %d %s, need %d", ErrInsufficientBalance, holder, have, asset, amount)
	}

	h.Amount -= amount
	if h.Amount == 0 {
		v.holdings.Delete(h)
	}
	return nil
}

// credit assumes v.mu is held.
func (v *Vault) credit(holder Address, asset AssetID, amount uint64) {
	h, ok := v.holdings.GetMut(&Holding{Asset: asset, Holder: holder})
	if ok {
		h.Amount += amount
		return
	}
	v.holdings.Set(&Holding{Asset: asset, Holder: holder, Amount: amount})
}
