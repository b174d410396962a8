package wager

import "errors"

// Rejections returned by the engine. Every error aborts the whole operation:
// no state change or fund movement from a failed call is persisted.
var (
	ErrInvalidAmount     = errors.New("wager: invalid stake amount")
	ErrInsufficientFunds = errors.New("wager: insufficient funds")
	ErrWrongState        = errors.New("wager: operation not allowed in current state")
	ErrAlreadyFull       = errors.New("wager: counterparty slot already taken")
	ErrSelfPlay          = errors.New("wager: cannot wager against yourself")
	ErrUnauthorized      = errors.New("wager: caller is not the arbiter")
	ErrInvalidWinner     = errors.New("wager: winner is not a participant")
	ErrAlreadyTerminal   = errors.New("wager: wager already finished")

	ErrInvalidID      = errors.New("wager: invalid identifier")
	ErrInvalidArbiter = errors.New("wager: invalid arbiter")
	ErrWagerExists    = errors.New("wager: identifier already in use")
	ErrWagerNotFound  = errors.New("wager: wager not found")
	ErrCorruptRecord  = errors.New("wager: corrupt record")
	ErrNilState       = errors.New("wager engine: state not configured")
)

// Kind returns a stable short name for the rejection carried by err, or
// "internal" when err is not one of the engine's sentinel errors.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrWrongState):
		return "wrong_state"
	case errors.Is(err, ErrAlreadyFull):
		return "already_full"
	case errors.Is(err, ErrSelfPlay):
		return "self_play"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidWinner):
		return "invalid_winner"
	case errors.Is(err, ErrAlreadyTerminal):
		return "already_terminal"
	case errors.Is(err, ErrInvalidID):
		return "invalid_id"
	case errors.Is(err, ErrInvalidArbiter):
		return "invalid_arbiter"
	case errors.Is(err, ErrWagerExists):
		return "exists"
	case errors.Is(err, ErrWagerNotFound):
		return "not_found"
	case errors.Is(err, ErrCorruptRecord):
		return "corrupt_record"
	default:
		return "internal"
	}
}
