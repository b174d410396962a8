package state

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"

	"wagerchain/native/wager"
	"wagerchain/storage"
)

// Manager persists wagers, tombstones and ledger balances in a key-value
// database. Every mutation goes through Atomic so a wager operation and the
// fund movements attached to it commit as one batch.
type Manager struct {
	db storage.Database
	// mu serializes transactions; balances are shared between wagers.
	mu sync.Mutex
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// Atomic implements wager.Backend. Writes performed by fn are staged in an
// overlay and written with a single batch once fn succeeds.
func (m *Manager) Atomic(fn func(wager.State) error) error {
	return m.update(func(tx *Tx) error { return fn(tx) })
}

func (m *Manager) update(fn func(*Tx) error) error {
	if m == nil || m.db == nil {
		return wager.ErrNilState
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := newTx(m.db)
	if err := fn(tx); err != nil {
		return err
	}
	if tx.batch.Len() == 0 {
		return nil
	}
	if err := m.db.Write(tx.batch); err != nil {
		return fmt.Errorf("state: commit: %w", err)
	}
	return nil
}

// Credit adds amount to the account balance. It is used to seed genesis
// allocations and by the operator credit endpoint.
func (m *Manager) Credit(addr [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("state: credit amount must be positive")
	}
	return m.update(func(tx *Tx) error {
		balance, err := tx.Balance(addr)
		if err != nil {
			return err
		}
		return tx.setBalance(addr, balance.Add(balance, amount))
	})
}

// SeedBalances credits the allocations once per database. It reports false
// without touching balances when a previous run already seeded them.
func (m *Manager) SeedBalances(allocs map[[20]byte]*big.Int) (bool, error) {
	applied := false
	err := m.update(func(tx *Tx) error {
		if _, ok, err := tx.lookup(genesisKey); err != nil {
			return err
		} else if ok {
			return nil
		}
		for addr, amount := range allocs {
			if amount == nil || amount.Sign() <= 0 {
				return fmt.Errorf("state: allocation for %x must be positive", addr)
			}
			balance, err := tx.Balance(addr)
			if err != nil {
				return err
			}
			if err := tx.setBalance(addr, balance.Add(balance, amount)); err != nil {
				return err
			}
		}
		tx.put(genesisKey, []byte{1})
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// Balance returns the committed balance of an account.
func (m *Manager) Balance(addr [20]byte) (*big.Int, error) {
	return readBigInt(m.db, balanceKey(addr))
}

// CustodyBalance returns the committed amount held in custody for a wager.
func (m *Manager) CustodyBalance(id string) (*big.Int, error) {
	return readBigInt(m.db, custodyKey(id))
}

// WagerGet reads the committed wager record outside of a transaction.
func (m *Manager) WagerGet(id string) (*wager.Wager, bool, error) {
	return newTx(m.db).WagerGet(id)
}

// TombstoneGet reads the committed tombstone outside of a transaction.
func (m *Manager) TombstoneGet(id string) (*wager.Tombstone, bool, error) {
	return newTx(m.db).TombstoneGet(id)
}

type storedWager struct {
	ID           string
	Initiator    [20]byte
	Counterparty [20]byte
	Arbiter      [20]byte
	Stake        uint64
	Pot          uint64
	Deposit      uint64
	Status       uint8
	Winner       [20]byte
	CreatedAt    uint64
	UpdatedAt    uint64
}

type storedTombstone struct {
	ID           string
	Status       uint8
	Winner       [20]byte
	Initiator    [20]byte
	Counterparty [20]byte
	Arbiter      [20]byte
	Stake        uint64
	ClosedAt     uint64
}

func encodeWager(w *wager.Wager) ([]byte, error) {
	winner, _ := w.Status.Winner()
	return rlp.EncodeToBytes(&storedWager{
		ID:           w.ID,
		Initiator:    w.Initiator,
		Counterparty: w.Counterparty,
		Arbiter:      w.Arbiter,
		Stake:        w.Stake,
		Pot:          w.Pot,
		Deposit:      w.Deposit,
		Status:       uint8(w.Status.Kind()),
		Winner:       winner,
		CreatedAt:    uint64(w.CreatedAt),
		UpdatedAt:    uint64(w.UpdatedAt),
	})
}

func decodeWager(data []byte) (*wager.Wager, error) {
	var stored storedWager
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, fmt.Errorf("%w: %v", wager.ErrCorruptRecord, err)
	}
	status, err := wager.StatusFromParts(wager.StatusKind(stored.Status), stored.Winner)
	if err != nil {
		return nil, err
	}
	return &wager.Wager{
		ID:           stored.ID,
		Initiator:    stored.Initiator,
		Counterparty: stored.Counterparty,
		Arbiter:      stored.Arbiter,
		Stake:        stored.Stake,
		Pot:          stored.Pot,
		Deposit:      stored.Deposit,
		Status:       status,
		CreatedAt:    int64(stored.CreatedAt),
		UpdatedAt:    int64(stored.UpdatedAt),
	}, nil
}

func encodeTombstone(t *wager.Tombstone) ([]byte, error) {
	winner, _ := t.Status.Winner()
	return rlp.EncodeToBytes(&storedTombstone{
		ID:           t.ID,
		Status:       uint8(t.Status.Kind()),
		Winner:       winner,
		Initiator:    t.Initiator,
		Counterparty: t.Counterparty,
		Arbiter:      t.Arbiter,
		Stake:        t.Stake,
		ClosedAt:     uint64(t.ClosedAt),
	})
}

func decodeTombstone(data []byte) (*wager.Tombstone, error) {
	var stored storedTombstone
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, fmt.Errorf("%w: %v", wager.ErrCorruptRecord, err)
	}
	status, err := wager.StatusFromParts(wager.StatusKind(stored.Status), stored.Winner)
	if err != nil {
		return nil, err
	}
	if !status.Kind().Terminal() {
		return nil, fmt.Errorf("%w: tombstone with non-terminal status %s", wager.ErrCorruptRecord, status)
	}
	return &wager.Tombstone{
		ID:           stored.ID,
		Status:       status,
		Initiator:    stored.Initiator,
		Counterparty: stored.Counterparty,
		Arbiter:      stored.Arbiter,
		Stake:        stored.Stake,
		ClosedAt:     int64(stored.ClosedAt),
	}, nil
}

type reader interface {
	Get(key []byte) ([]byte, error)
}

func readBigInt(r reader, key []byte) (*big.Int, error) {
	data, err := r.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, err
	}
	amount := new(big.Int)
	if err := rlp.DecodeBytes(data, amount); err != nil {
		return nil, err
	}
	return amount, nil
}
