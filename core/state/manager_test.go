package state

import (
	"bytes"
	"errors"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"wagerchain/native/wager"
	"wagerchain/storage"
)

func testIdentity(fill byte) wager.Identity {
	var id wager.Identity
	copy(id[:], bytes.Repeat([]byte{fill}, 20))
	return id
}

type backendFactory func(t *testing.T) storage.Database

func backends() map[string]backendFactory {
	return map[string]backendFactory{
		"memdb": func(t *testing.T) storage.Database {
			return storage.NewMemDB()
		},
		"leveldb": func(t *testing.T) storage.Database {
			db, err := storage.NewLevelDB(filepath.Join(t.TempDir(), "level"))
			require.NoError(t, err)
			t.Cleanup(db.Close)
			return db
		},
		"bbolt": func(t *testing.T) storage.Database {
			db, err := storage.NewBoltDB(filepath.Join(t.TempDir(), "state.db"), nil)
			require.NoError(t, err)
			t.Cleanup(db.Close)
			return db
		},
	}
}

func TestKeyNamespaces(t *testing.T) {
	slot := WagerSlot("g1")
	require.NotEqual(t, slot, WagerSlot("g2"))
	require.True(t, bytes.HasPrefix(wagerKey("g1"), []byte("wager/record/")))
	require.True(t, bytes.HasPrefix(tombstoneKey("g1"), []byte("wager/tombstone/")))
	require.True(t, bytes.HasPrefix(custodyKey("g1"), []byte("wager/custody/")))
	require.Equal(t, slot[:], wagerKey("g1")[len("wager/record/"):])

	addr := testIdentity(0x01)
	require.Equal(t, append([]byte("ledger/balance/"), addr[:]...), balanceKey(addr))
}

func TestCreditAndBalance(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	addr := testIdentity(0x01)

	balance, err := m.Balance(addr)
	require.NoError(t, err)
	require.Zero(t, balance.Sign())

	require.NoError(t, m.Credit(addr, big.NewInt(40)))
	require.NoError(t, m.Credit(addr, big.NewInt(2)))
	balance, err = m.Balance(addr)
	require.NoError(t, err)
	require.Equal(t, int64(42), balance.Int64())

	require.Error(t, m.Credit(addr, big.NewInt(0)))
	require.Error(t, m.Credit(addr, nil))
}

func TestAtomicDiscardsFailedTransaction(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	a := testIdentity(0x0A)
	require.NoError(t, m.Credit(a, big.NewInt(100)))

	boom := errors.New("boom")
	err := m.Atomic(func(st wager.State) error {
		require.NoError(t, st.LockStake("g1", a, 60))
		return boom
	})
	require.ErrorIs(t, err, boom)

	balance, err := m.Balance(a)
	require.NoError(t, err)
	require.Equal(t, int64(100), balance.Int64())
	custody, err := m.CustodyBalance("g1")
	require.NoError(t, err)
	require.Zero(t, custody.Sign())
}

func TestTxReadsOwnWrites(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	a := testIdentity(0x0A)
	arb := testIdentity(0xEE)
	require.NoError(t, m.Credit(a, big.NewInt(10)))

	err := m.Atomic(func(st wager.State) error {
		w := &wager.Wager{ID: "g1", Initiator: a, Arbiter: arb, Stake: 5, Pot: 5, Status: wager.AwaitingCounterparty()}
		require.NoError(t, st.WagerPut(w))
		got, ok, err := st.WagerGet("g1")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, w.Stake, got.Stake)

		require.NoError(t, st.WagerDelete("g1"))
		_, ok, err = st.WagerGet("g1")
		require.NoError(t, err)
		require.False(t, ok)

		require.NoError(t, st.LockStake("g1", a, 10))
		err = st.LockStake("g1", a, 1)
		require.ErrorIs(t, err, wager.ErrInsufficientFunds)
		err = st.Payout("g1", arb, 11)
		require.ErrorIs(t, err, wager.ErrInsufficientFunds)
		return nil
	})
	require.NoError(t, err)

	_, ok, err := m.WagerGet("g1")
	require.NoError(t, err)
	require.False(t, ok)
	custody, err := m.CustodyBalance("g1")
	require.NoError(t, err)
	require.Equal(t, int64(10), custody.Int64())
}

func TestWagerPutRejectsInconsistentRecord(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	err := m.Atomic(func(st wager.State) error {
		return st.WagerPut(&wager.Wager{
			ID: "g1", Initiator: testIdentity(1), Arbiter: testIdentity(2),
			Stake: 5, Pot: 9, Status: wager.Active(),
		})
	})
	require.ErrorIs(t, err, wager.ErrCorruptRecord)
}

func TestRecordRoundTrip(t *testing.T) {
	w := &wager.Wager{
		ID:           "g1",
		Initiator:    testIdentity(0x0A),
		Counterparty: testIdentity(0x0B),
		Arbiter:      testIdentity(0xEE),
		Stake:        7,
		Pot:          14,
		Deposit:      3,
		Status:       wager.Active(),
		CreatedAt:    1_700_000_000,
		UpdatedAt:    1_700_000_100,
	}
	encoded, err := encodeWager(w)
	require.NoError(t, err)
	decoded, err := decodeWager(encoded)
	require.NoError(t, err)
	require.Equal(t, w, decoded)

	tomb := &wager.Tombstone{ID: "g1", Status: wager.Resolved(w.Counterparty), Initiator: w.Initiator, Counterparty: w.Counterparty, Arbiter: w.Arbiter, Stake: 7, ClosedAt: 9}
	encoded, err = encodeTombstone(tomb)
	require.NoError(t, err)
	decodedTomb, err := decodeTombstone(encoded)
	require.NoError(t, err)
	require.Equal(t, tomb, decodedTomb)

	_, err = decodeWager([]byte{0xff, 0x00})
	require.ErrorIs(t, err, wager.ErrCorruptRecord)
}

// TestEngineLifecycle drives the engine against every persistent backend and
// checks conservation of funds across custody and balances.
func TestEngineLifecycle(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			m := NewManager(factory(t))
			a, b, arb := testIdentity(0x0A), testIdentity(0x0B), testIdentity(0xEE)
			require.NoError(t, m.Credit(a, big.NewInt(500)))
			require.NoError(t, m.Credit(b, big.NewInt(500)))

			engine := wager.NewEngine()
			engine.SetBackend(m)

			_, err := engine.Open("g1", 100, arb, a)
			require.NoError(t, err)
			_, err = engine.Join("g1", b)
			require.NoError(t, err)

			custody, err := m.CustodyBalance("g1")
			require.NoError(t, err)
			require.Equal(t, int64(200), custody.Int64())
			stored, ok, err := m.WagerGet("g1")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, wager.StatusActive, stored.Status.Kind())

			_, err = engine.Resolve("g1", b, arb)
			require.NoError(t, err)

			balanceA, err := m.Balance(a)
			require.NoError(t, err)
			balanceB, err := m.Balance(b)
			require.NoError(t, err)
			require.Equal(t, int64(400), balanceA.Int64())
			require.Equal(t, int64(600), balanceB.Int64())

			custody, err = m.CustodyBalance("g1")
			require.NoError(t, err)
			require.Zero(t, custody.Sign())

			_, ok, err = m.WagerGet("g1")
			require.NoError(t, err)
			require.False(t, ok)
			tomb, ok, err := m.TombstoneGet("g1")
			require.NoError(t, err)
			require.True(t, ok)
			winner, _ := tomb.Status.Winner()
			require.Equal(t, b, winner)

			_, err = engine.Cancel("g1", arb)
			require.ErrorIs(t, err, wager.ErrAlreadyTerminal)
		})
	}
}

func TestEngineInsufficientFundsLeavesNoRecord(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	a, arb := testIdentity(0x0A), testIdentity(0xEE)
	require.NoError(t, m.Credit(a, big.NewInt(10)))

	engine := wager.NewEngine()
	engine.SetBackend(m)
	engine.SetRecordDeposit(5)

	_, err := engine.Open("g1", 8, arb, a)
	require.ErrorIs(t, err, wager.ErrInsufficientFunds)

	_, ok, err := m.WagerGet("g1")
	require.NoError(t, err)
	require.False(t, ok)
	balance, err := m.Balance(a)
	require.NoError(t, err)
	require.Equal(t, int64(10), balance.Int64())
}
