package wager

import (
	"encoding/hex"
	"fmt"
	"math"
)

// MaxIDLength bounds the caller-chosen wager identifier.
const MaxIDLength = 32

// Identity is the 20-byte account address of a participant or arbiter.
type Identity [20]byte

// IsZero reports whether the identity is the empty sentinel.
func (id Identity) IsZero() bool { return id == Identity{} }

// String returns the lowercase hex encoding of the identity.
func (id Identity) String() string { return hex.EncodeToString(id[:]) }

// StatusKind tags the variant held by Status.
type StatusKind uint8

const (
	StatusAwaitingCounterparty StatusKind = iota + 1
	StatusActive
	StatusResolved
	StatusCancelled
)

// String returns the canonical lowercase name used in events and RPC.
func (k StatusKind) String() string {
	switch k {
	case StatusAwaitingCounterparty:
		return "awaiting_counterparty"
	case StatusActive:
		return "active"
	case StatusResolved:
		return "resolved"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Valid reports whether the kind is one of the four lifecycle states.
func (k StatusKind) Valid() bool {
	switch k {
	case StatusAwaitingCounterparty, StatusActive, StatusResolved, StatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no transition may leave the state.
func (k StatusKind) Terminal() bool {
	return k == StatusResolved || k == StatusCancelled
}

// Status is a tagged variant. Only the Resolved variant carries a payload,
// the winning identity; construct values through the helper functions below.
type Status struct {
	kind   StatusKind
	winner Identity
}

// AwaitingCounterparty is the initial state after Open.
func AwaitingCounterparty() Status { return Status{kind: StatusAwaitingCounterparty} }

// Active is the state once both stakes are locked.
func Active() Status { return Status{kind: StatusActive} }

// Resolved is the terminal state naming the winner.
func Resolved(winner Identity) Status { return Status{kind: StatusResolved, winner: winner} }

// Cancelled is the terminal state after an arbiter cancellation.
func Cancelled() Status { return Status{kind: StatusCancelled} }

// StatusFromParts rebuilds a status from its stored components. The winner is
// ignored unless kind is StatusResolved.
func StatusFromParts(kind StatusKind, winner Identity) (Status, error) {
	switch kind {
	case StatusAwaitingCounterparty:
		return AwaitingCounterparty(), nil
	case StatusActive:
		return Active(), nil
	case StatusResolved:
		if winner.IsZero() {
			return Status{}, fmt.Errorf("%w: resolved status without winner", ErrCorruptRecord)
		}
		return Resolved(winner), nil
	case StatusCancelled:
		return Cancelled(), nil
	default:
		return Status{}, fmt.Errorf("%w: unknown status %d", ErrCorruptRecord, uint8(kind))
	}
}

// Kind returns the variant tag.
func (s Status) Kind() StatusKind { return s.kind }

// Winner returns the winning identity when the status is Resolved.
func (s Status) Winner() (Identity, bool) {
	if s.kind != StatusResolved {
		return Identity{}, false
	}
	return s.winner, true
}

// String implements fmt.Stringer.
func (s Status) String() string { return s.kind.String() }

// Wager is the custodial record for a single two-party wager.
type Wager struct {
	ID           string
	Initiator    Identity
	Counterparty Identity
	Arbiter      Identity
	Stake        uint64
	Pot          uint64
	// Deposit is the record deposit paid by the initiator at Open and
	// returned to the arbiter when the record is closed. It is never part
	// of Pot.
	Deposit   uint64
	Status    Status
	CreatedAt int64
	UpdatedAt int64
}

// Clone returns a copy of the wager so callers can mutate it freely.
func (w *Wager) Clone() *Wager {
	if w == nil {
		return nil
	}
	clone := *w
	return &clone
}

// IsParticipant reports whether id is the initiator or the joined
// counterparty.
func (w *Wager) IsParticipant(id Identity) bool {
	if w == nil || id.IsZero() {
		return false
	}
	return id == w.Initiator || (!w.Counterparty.IsZero() && id == w.Counterparty)
}

// Tombstone remembers the terminal outcome of a deleted wager so that stale
// or duplicated requests are reported as AlreadyTerminal.
type Tombstone struct {
	ID           string
	Status       Status
	Initiator    Identity
	Counterparty Identity
	Arbiter      Identity
	Stake        uint64
	ClosedAt     int64
}

func newTombstone(w *Wager, status Status, closedAt int64) *Tombstone {
	return &Tombstone{
		ID:           w.ID,
		Status:       status,
		Initiator:    w.Initiator,
		Counterparty: w.Counterparty,
		Arbiter:      w.Arbiter,
		Stake:        w.Stake,
		ClosedAt:     closedAt,
	}
}

// ValidateID checks the identifier bounds.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: identifier required", ErrInvalidID)
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("%w: identifier exceeds %d bytes", ErrInvalidID, MaxIDLength)
	}
	return nil
}

// SanitizeWager validates a record read from or written to storage and
// returns a copy. It checks the structural invariants that must hold in
// every non-terminal state.
func SanitizeWager(w *Wager) (*Wager, error) {
	if w == nil {
		return nil, fmt.Errorf("%w: nil wager", ErrCorruptRecord)
	}
	if err := ValidateID(w.ID); err != nil {
		return nil, err
	}
	clone := w.Clone()
	if clone.Stake == 0 {
		return nil, fmt.Errorf("%w: zero stake", ErrCorruptRecord)
	}
	if clone.Initiator.IsZero() || clone.Arbiter.IsZero() {
		return nil, fmt.Errorf("%w: missing initiator or arbiter", ErrCorruptRecord)
	}
	if !clone.Counterparty.IsZero() && clone.Counterparty == clone.Initiator {
		return nil, fmt.Errorf("%w: counterparty equals initiator", ErrCorruptRecord)
	}
	switch clone.Status.Kind() {
	case StatusAwaitingCounterparty:
		if !clone.Counterparty.IsZero() || clone.Pot != clone.Stake {
			return nil, fmt.Errorf("%w: awaiting record with counterparty or pot %d", ErrCorruptRecord, clone.Pot)
		}
	case StatusActive:
		if clone.Counterparty.IsZero() || clone.Stake > math.MaxUint64/2 || clone.Pot != 2*clone.Stake {
			return nil, fmt.Errorf("%w: active record without counterparty or pot %d", ErrCorruptRecord, clone.Pot)
		}
	case StatusResolved:
		winner, _ := clone.Status.Winner()
		if !clone.IsParticipant(winner) {
			return nil, fmt.Errorf("%w: winner is not a participant", ErrCorruptRecord)
		}
	case StatusCancelled:
	default:
		return nil, fmt.Errorf("%w: unknown status %d", ErrCorruptRecord, uint8(clone.Status.Kind()))
	}
	return clone, nil
}
