package state

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"

	"wagerchain/native/wager"
	"wagerchain/storage"
)

// Tx is the transactional view handed to wager operations. Reads see the
// transaction's own staged writes first and fall back to the database.
type Tx struct {
	db      storage.Database
	pending map[string][]byte
	deleted map[string]struct{}
	batch   *storage.Batch
}

var _ wager.State = (*Tx)(nil)

func newTx(db storage.Database) *Tx {
	return &Tx{
		db:      db,
		pending: make(map[string][]byte),
		deleted: make(map[string]struct{}),
		batch:   storage.NewBatch(),
	}
}

// Get implements reader over the overlay.
func (t *Tx) Get(key []byte) ([]byte, error) {
	k := string(key)
	if _, gone := t.deleted[k]; gone {
		return nil, storage.ErrNotFound
	}
	if value, ok := t.pending[k]; ok {
		return append([]byte(nil), value...), nil
	}
	return t.db.Get(key)
}

func (t *Tx) put(key, value []byte) {
	k := string(key)
	delete(t.deleted, k)
	t.pending[k] = append([]byte(nil), value...)
	t.batch.Put(key, value)
}

func (t *Tx) remove(key []byte) {
	k := string(key)
	delete(t.pending, k)
	t.deleted[k] = struct{}{}
	t.batch.Delete(key)
}

func (t *Tx) lookup(key []byte) ([]byte, bool, error) {
	data, err := t.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// WagerGet implements wager.Store.
func (t *Tx) WagerGet(id string) (*wager.Wager, bool, error) {
	data, ok, err := t.lookup(wagerKey(id))
	if err != nil || !ok {
		return nil, false, err
	}
	w, err := decodeWager(data)
	if err != nil {
		return nil, false, err
	}
	return w, true, nil
}

// WagerPut implements wager.Store.
func (t *Tx) WagerPut(w *wager.Wager) error {
	sanitized, err := wager.SanitizeWager(w)
	if err != nil {
		return err
	}
	encoded, err := encodeWager(sanitized)
	if err != nil {
		return err
	}
	t.put(wagerKey(sanitized.ID), encoded)
	return nil
}

// WagerDelete implements wager.Store.
func (t *Tx) WagerDelete(id string) error {
	t.remove(wagerKey(id))
	return nil
}

// TombstoneGet implements wager.Store.
func (t *Tx) TombstoneGet(id string) (*wager.Tombstone, bool, error) {
	data, ok, err := t.lookup(tombstoneKey(id))
	if err != nil || !ok {
		return nil, false, err
	}
	tomb, err := decodeTombstone(data)
	if err != nil {
		return nil, false, err
	}
	return tomb, true, nil
}

// TombstonePut implements wager.Store.
func (t *Tx) TombstonePut(tomb *wager.Tombstone) error {
	if tomb == nil {
		return fmt.Errorf("state: nil tombstone")
	}
	encoded, err := encodeTombstone(tomb)
	if err != nil {
		return err
	}
	t.put(tombstoneKey(tomb.ID), encoded)
	return nil
}

// TombstoneDelete implements wager.Store.
func (t *Tx) TombstoneDelete(id string) error {
	t.remove(tombstoneKey(id))
	return nil
}

// Balance returns the account balance as seen by the transaction.
func (t *Tx) Balance(addr [20]byte) (*big.Int, error) {
	return readBigInt(t, balanceKey(addr))
}

func (t *Tx) setBalance(addr [20]byte, amount *big.Int) error {
	return t.writeBigInt(balanceKey(addr), amount)
}

func (t *Tx) writeBigInt(key []byte, amount *big.Int) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("state: negative amount for key %x", key)
	}
	if amount.Sign() == 0 {
		t.remove(key)
		return nil
	}
	encoded, err := rlp.EncodeToBytes(amount)
	if err != nil {
		return err
	}
	t.put(key, encoded)
	return nil
}

// LockStake implements wager.Ledger.
func (t *Tx) LockStake(id string, from wager.Identity, amount uint64) error {
	amt := new(big.Int).SetUint64(amount)
	balance, err := t.Balance(from)
	if err != nil {
		return err
	}
	if balance.Cmp(amt) < 0 {
		return fmt.Errorf("%w: balance %s below %s", wager.ErrInsufficientFunds, balance, amt)
	}
	custody, err := readBigInt(t, custodyKey(id))
	if err != nil {
		return err
	}
	if err := t.setBalance(from, balance.Sub(balance, amt)); err != nil {
		return err
	}
	return t.writeBigInt(custodyKey(id), custody.Add(custody, amt))
}

// Payout implements wager.Ledger.
func (t *Tx) Payout(id string, to wager.Identity, amount uint64) error {
	amt := new(big.Int).SetUint64(amount)
	custody, err := readBigInt(t, custodyKey(id))
	if err != nil {
		return err
	}
	if custody.Cmp(amt) < 0 {
		return fmt.Errorf("%w: custody %s below %s", wager.ErrInsufficientFunds, custody, amt)
	}
	balance, err := t.Balance(to)
	if err != nil {
		return err
	}
	if err := t.writeBigInt(custodyKey(id), custody.Sub(custody, amt)); err != nil {
		return err
	}
	return t.setBalance(to, balance.Add(balance, amt))
}
