package trading

import (
	"errors"

	"github.com/daytrader/backend/internal/quotes"
)

// Failure taxonomy of the order and trigger engines. Every operation maps to
// exactly one of these or succeeds; storage failures propagate wrapped around
// the driver error instead.
var (
	// ErrInvalidAmount rejects non-positive dollar or share amounts.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrInsufficientFunds means the conditional balance debit matched no
	// row: the balance would have gone negative (or the account does not
	// exist, which the ledger folds into the same outcome).
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInsufficientShares is the holding-side mirror of
	// ErrInsufficientFunds.
	ErrInsufficientShares = errors.New("insufficient shares")

	// ErrNoPendingOrder means Commit/Cancel found no queued order of the
	// requested kind for the user.
	ErrNoPendingOrder = errors.New("no pending order")

	// ErrNoStandingOrder means the user has no trigger for the symbol.
	ErrNoStandingOrder = errors.New("no standing order")

	// ErrOrderExpired reports a queued order older than its validity
	// window. The reversing refund/restock has already been committed
	// when this is returned.
	ErrOrderExpired = errors.New("order expired")

	// ErrQuoteUnavailable is the quote cache's fetch failure, re-exported
	// so callers can treat the taxonomy as one set.
	ErrQuoteUnavailable = quotes.ErrUnavailable

	// ErrUnknownUser reports a lookup for a user with no account.
	ErrUnknownUser = errors.New("unknown user")
)
