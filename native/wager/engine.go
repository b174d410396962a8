package wager

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"wagerchain/core/events"
	"wagerchain/core/types"
)

// Operation names reported to metrics observers.
const (
	OpOpen    = "open"
	OpJoin    = "join"
	OpResolve = "resolve"
	OpCancel  = "cancel"
)

// Observer receives the outcome of every engine operation.
type Observer interface {
	ObserveOperation(op string, err error)
}

// Engine drives the wager escrow state machine against a Backend. Each
// operation is serialized per wager identifier and runs inside one backend
// transaction; events are emitted only after the transaction commits.
type Engine struct {
	backend  Backend
	emitter  events.Emitter
	logger   *slog.Logger
	observer Observer
	nowFn    func() int64
	deposit  uint64
	locks    *keyedMutex
}

// NewEngine creates an engine with a no-op emitter and a discarding logger.
// A backend must be configured through SetBackend before use.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		nowFn:   func() int64 { return time.Now().Unix() },
		locks:   newKeyedMutex(),
	}
}

// SetBackend configures the storage backend used by the engine.
func (e *Engine) SetBackend(backend Backend) { e.backend = backend }

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetLogger configures the audit logger.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		e.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
		return
	}
	e.logger = logger.With(slog.String("component", "wager"))
}

// SetObserver installs a metrics observer. Nil disables observation.
func (e *Engine) SetObserver(observer Observer) { e.observer = observer }

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetRecordDeposit configures the amount the initiator pays for holding the
// record. The deposit is returned to the arbiter when the wager closes.
func (e *Engine) SetRecordDeposit(amount uint64) { e.deposit = amount }

// RecordDeposit returns the configured record deposit.
func (e *Engine) RecordDeposit() uint64 { return e.deposit }

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(wagerEvent{evt: event})
}

func (e *Engine) observe(op string, err error) {
	if e.observer != nil {
		e.observer.ObserveOperation(op, err)
	}
}

// run serializes fn on the identifier and executes it inside one backend
// transaction. committed, when set, runs after a successful commit while the
// identifier is still locked, so events for one wager leave in commit order.
func (e *Engine) run(id string, fn func(State) error, committed func()) error {
	if e == nil || e.backend == nil {
		return ErrNilState
	}
	unlock := e.locks.Lock(id)
	defer unlock()
	if err := e.backend.Atomic(fn); err != nil {
		return err
	}
	if committed != nil {
		committed()
	}
	return nil
}

// loadLive returns the live record for id. When the record is gone but a
// tombstone exists the error wraps ErrAlreadyTerminal.
func loadLive(st State, id string) (*Wager, *Tombstone, error) {
	w, ok, err := st.WagerGet(id)
	if err != nil {
		return nil, nil, err
	}
	if ok {
		sanitized, err := SanitizeWager(w)
		if err != nil {
			return nil, nil, err
		}
		return sanitized, nil, nil
	}
	tomb, ok, err := st.TombstoneGet(id)
	if err != nil {
		return nil, nil, err
	}
	if ok {
		return nil, tomb, nil
	}
	return nil, nil, fmt.Errorf("%w: %s", ErrWagerNotFound, id)
}

// Open creates a wager on behalf of caller and locks the stake in custody.
func (e *Engine) Open(id string, stake uint64, arbiter, caller Identity) (*Wager, error) {
	created, err := e.open(id, stake, arbiter, caller)
	e.observe(OpOpen, err)
	return created, err
}

func (e *Engine) open(id string, stake uint64, arbiter, caller Identity) (*Wager, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	if stake == 0 {
		return nil, fmt.Errorf("%w: stake must be positive", ErrInvalidAmount)
	}
	if stake > math.MaxUint64/2 {
		return nil, fmt.Errorf("%w: stake %d would overflow the pot", ErrInvalidAmount, stake)
	}
	if arbiter.IsZero() {
		return nil, fmt.Errorf("%w: arbiter identity required", ErrInvalidArbiter)
	}
	if caller.IsZero() {
		return nil, fmt.Errorf("%w: caller identity required", ErrUnauthorized)
	}
	var created *Wager
	err := e.run(id, func(st State) error {
		if _, ok, err := st.WagerGet(id); err != nil {
			return err
		} else if ok {
			return fmt.Errorf("%w: %s", ErrWagerExists, id)
		}
		if _, ok, err := st.TombstoneGet(id); err != nil {
			return err
		} else if ok {
			if err := st.TombstoneDelete(id); err != nil {
				return err
			}
		}
		now := e.now()
		w := &Wager{
			ID:        id,
			Initiator: caller,
			Arbiter:   arbiter,
			Stake:     stake,
			Pot:       stake,
			Deposit:   e.deposit,
			Status:    AwaitingCounterparty(),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := st.LockStake(id, caller, stake); err != nil {
			return err
		}
		if w.Deposit > 0 {
			if err := st.LockStake(id, caller, w.Deposit); err != nil {
				return err
			}
		}
		if err := st.WagerPut(w); err != nil {
			return err
		}
		created = w
		return nil
	}, func() {
		e.logger.Info(fmt.Sprintf("wager %s opened: stake %d, waiting for counterparty", id, stake),
			slog.String("id", id),
			slog.String("initiator", caller.String()),
			slog.String("arbiter", arbiter.String()),
			slog.Uint64("stake", stake),
		)
		e.emit(NewOpenedEvent(created))
	})
	if err != nil {
		return nil, err
	}
	return created.Clone(), nil
}

// Join locks the caller's stake as counterparty and activates the wager.
func (e *Engine) Join(id string, caller Identity) (*Wager, error) {
	joined, err := e.join(id, caller)
	e.observe(OpJoin, err)
	return joined, err
}

func (e *Engine) join(id string, caller Identity) (*Wager, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	if caller.IsZero() {
		return nil, fmt.Errorf("%w: caller identity required", ErrUnauthorized)
	}
	var joined *Wager
	err := e.run(id, func(st State) error {
		w, tomb, err := loadLive(st, id)
		if err != nil {
			return err
		}
		if tomb != nil {
			if caller == tomb.Initiator {
				return ErrSelfPlay
			}
			return fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, id, tomb.Status)
		}
		if caller == w.Initiator {
			return ErrSelfPlay
		}
		switch w.Status.Kind() {
		case StatusAwaitingCounterparty:
			if !w.Counterparty.IsZero() {
				return ErrAlreadyFull
			}
		case StatusActive:
			return fmt.Errorf("%w: %s is not awaiting a counterparty", ErrWrongState, id)
		case StatusResolved, StatusCancelled:
			return fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, id, w.Status)
		default:
			return fmt.Errorf("%w: unknown status %d", ErrCorruptRecord, uint8(w.Status.Kind()))
		}
		if err := st.LockStake(id, caller, w.Stake); err != nil {
			return err
		}
		w.Counterparty = caller
		w.Pot += w.Stake
		w.Status = Active()
		w.UpdatedAt = e.now()
		if err := st.WagerPut(w); err != nil {
			return err
		}
		joined = w
		return nil
	}, func() {
		e.logger.Info(fmt.Sprintf("wager %s joined: total pot %d", id, joined.Pot),
			slog.String("id", id),
			slog.String("counterparty", caller.String()),
			slog.Uint64("pot", joined.Pot),
		)
		e.emit(NewJoinedEvent(joined))
	})
	if err != nil {
		return nil, err
	}
	return joined.Clone(), nil
}

// Resolve pays the whole pot to winner and closes the wager. Only the arbiter
// may resolve, and only while the wager is active.
func (e *Engine) Resolve(id string, winner, caller Identity) (*Wager, error) {
	resolved, err := e.resolve(id, winner, caller)
	e.observe(OpResolve, err)
	return resolved, err
}

func (e *Engine) resolve(id string, winner, caller Identity) (*Wager, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	var (
		final  *Wager
		payout uint64
	)
	err := e.run(id, func(st State) error {
		w, tomb, err := loadLive(st, id)
		if err != nil {
			return err
		}
		if tomb != nil {
			if caller != tomb.Arbiter {
				return ErrUnauthorized
			}
			return fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, id, tomb.Status)
		}
		if caller != w.Arbiter {
			return ErrUnauthorized
		}
		switch w.Status.Kind() {
		case StatusActive:
		case StatusAwaitingCounterparty:
			return fmt.Errorf("%w: %s is not active", ErrWrongState, id)
		case StatusResolved, StatusCancelled:
			return fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, id, w.Status)
		default:
			return fmt.Errorf("%w: unknown status %d", ErrCorruptRecord, uint8(w.Status.Kind()))
		}
		if !w.IsParticipant(winner) {
			return ErrInvalidWinner
		}
		payout = w.Pot
		if err := st.Payout(id, winner, payout); err != nil {
			return err
		}
		w.Pot = 0
		w.Status = Resolved(winner)
		w.UpdatedAt = e.now()
		if err := e.close(st, w); err != nil {
			return err
		}
		final = w
		return nil
	}, func() {
		e.logger.Info(fmt.Sprintf("wager %s resolved: winner %s, prize %d", id, winner, payout),
			slog.String("id", id),
			slog.String("winner", winner.String()),
			slog.Uint64("payout", payout),
		)
		e.emit(NewResolvedEvent(final, payout))
	})
	if err != nil {
		return nil, err
	}
	return final.Clone(), nil
}

// Cancel refunds every deposited stake and closes the wager. Only the arbiter
// may cancel, from either non-terminal state.
func (e *Engine) Cancel(id string, caller Identity) (*Wager, error) {
	cancelled, err := e.cancel(id, caller)
	e.observe(OpCancel, err)
	return cancelled, err
}

func (e *Engine) cancel(id string, caller Identity) (*Wager, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	var (
		final              *Wager
		initiatorRefund    uint64
		counterpartyRefund uint64
	)
	err := e.run(id, func(st State) error {
		w, tomb, err := loadLive(st, id)
		if err != nil {
			return err
		}
		if tomb != nil {
			if caller != tomb.Arbiter {
				return ErrUnauthorized
			}
			return fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, id, tomb.Status)
		}
		if caller != w.Arbiter {
			return ErrUnauthorized
		}
		switch w.Status.Kind() {
		case StatusAwaitingCounterparty:
			// The counterparty never deposited.
			initiatorRefund = w.Stake
		case StatusActive:
			if w.Pot != 2*w.Stake {
				return fmt.Errorf("%w: pot %d does not match two stakes of %d", ErrCorruptRecord, w.Pot, w.Stake)
			}
			initiatorRefund = w.Stake
			counterpartyRefund = w.Stake
		case StatusResolved, StatusCancelled:
			return fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, id, w.Status)
		default:
			return fmt.Errorf("%w: unknown status %d", ErrCorruptRecord, uint8(w.Status.Kind()))
		}
		if err := st.Payout(id, w.Initiator, initiatorRefund); err != nil {
			return err
		}
		if counterpartyRefund > 0 {
			if err := st.Payout(id, w.Counterparty, counterpartyRefund); err != nil {
				return err
			}
		}
		w.Pot = 0
		w.Status = Cancelled()
		w.UpdatedAt = e.now()
		if err := e.close(st, w); err != nil {
			return err
		}
		final = w
		return nil
	}, func() {
		if counterpartyRefund > 0 {
			e.logger.Info(fmt.Sprintf("wager %s cancelled by arbiter: %d refunded to each player", id, initiatorRefund),
				slog.String("id", id),
				slog.Uint64("initiatorRefund", initiatorRefund),
				slog.Uint64("counterpartyRefund", counterpartyRefund),
			)
		} else {
			e.logger.Info(fmt.Sprintf("wager %s cancelled by arbiter: %d refunded to initiator", id, initiatorRefund),
				slog.String("id", id),
				slog.Uint64("initiatorRefund", initiatorRefund),
			)
		}
		e.emit(NewCancelledEvent(final, initiatorRefund, counterpartyRefund))
	})
	if err != nil {
		return nil, err
	}
	return final.Clone(), nil
}

// close returns the record deposit to the arbiter, deletes the record and
// leaves a tombstone behind. It must run inside the operation's transaction.
func (e *Engine) close(st State, w *Wager) error {
	if w.Deposit > 0 {
		if err := st.Payout(w.ID, w.Arbiter, w.Deposit); err != nil {
			return err
		}
	}
	if err := st.WagerDelete(w.ID); err != nil {
		return err
	}
	return st.TombstonePut(newTombstone(w, w.Status, w.UpdatedAt))
}

// Get returns the live wager. A closed wager yields an error wrapping
// ErrAlreadyTerminal; use Lookup to inspect its tombstone.
func (e *Engine) Get(id string) (*Wager, error) {
	w, tomb, err := e.Lookup(id)
	if err != nil {
		return nil, err
	}
	if tomb != nil {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, id, tomb.Status)
	}
	return w, nil
}

// Lookup returns either the live wager or the tombstone left by a closed one.
func (e *Engine) Lookup(id string) (*Wager, *Tombstone, error) {
	if err := ValidateID(id); err != nil {
		return nil, nil, err
	}
	var (
		live *Wager
		tomb *Tombstone
	)
	err := e.run(id, func(st State) error {
		var err error
		live, tomb, err = loadLive(st, id)
		return err
	}, nil)
	if err != nil {
		return nil, nil, err
	}
	return live, tomb, nil
}

// keyedMutex hands out one mutex per identifier and drops it once no caller
// holds or waits on it.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyedEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
