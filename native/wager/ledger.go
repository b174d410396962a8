package wager

// Store is the keyed record store the engine persists wagers in. Put on a
// missing identifier creates the record; on an existing one it overwrites.
type Store interface {
	WagerGet(id string) (*Wager, bool, error)
	WagerPut(w *Wager) error
	WagerDelete(id string) error

	TombstoneGet(id string) (*Tombstone, bool, error)
	TombstonePut(t *Tombstone) error
	TombstoneDelete(id string) error
}

// Ledger moves funds between participant balances and the custody slot owned
// by a wager. Implementations must return an error wrapping
// ErrInsufficientFunds when the source cannot cover the amount.
type Ledger interface {
	// LockStake debits amount from the identity into the wager's custody.
	LockStake(id string, from Identity, amount uint64) error
	// Payout credits amount from the wager's custody to the identity.
	Payout(id string, to Identity, amount uint64) error
}

// State is the view of storage handed to a single engine operation.
type State interface {
	Store
	Ledger
}

// Backend runs fn as one atomic unit: when fn returns an error nothing it
// wrote through State may become visible, otherwise everything commits.
type Backend interface {
	Atomic(fn func(State) error) error
}
