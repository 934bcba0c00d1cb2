// Package trading implements the transactional order engine and the reactive
// trigger engine over the ledger store. Every public operation is one
// database transaction: a failed precondition rolls the whole transaction
// back, so the caller never observes a partial effect.
package trading

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/daytrader/backend/internal/audit"
	"github.com/daytrader/backend/internal/models"
)

// Validity windows for queued orders, measured from time_created. The
// asymmetry between the buy and sell windows is inherited behavior, not a
// business rule anyone has claimed.
const (
	BuyOrderTTL  = 60 * time.Second
	SellOrderTTL = 5 * time.Minute
)

// QuoteGetter is the slice of the quote cache the order engine needs.
type QuoteGetter interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
}

// OrderService implements Add, Buy/Sell with queue-then-commit confirmation,
// and account lookups. Balances and holdings are guarded by conditional
// updates (WHERE balance >= x) inside the mutating transaction; the service
// never retries a financial mutation.
type OrderService struct {
	db     *sql.DB
	quotes QuoteGetter
	sink   audit.Sink
	logger zerolog.Logger
	now    func() time.Time
}

// NewOrderService wires the order engine.
func NewOrderService(db *sql.DB, quotes QuoteGetter, sink audit.Sink, logger zerolog.Logger) *OrderService {
	return &OrderService{
		db:     db,
		quotes: quotes,
		sink:   sink,
		logger: logger.With().Str("component", "order_engine").Logger(),
		now:    time.Now,
	}
}

// Add credits amount to the user's balance, creating the account on first
// deposit.
func (s *OrderService) Add(ctx context.Context, userID string, amount float64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (user_id, balance)
		VALUES ($1, $2)
		ON CONFLICT (user_id)
		DO UPDATE SET balance = accounts.balance + $2, updated_at = now()`,
		userID, amount)
	if err != nil {
		return fmt.Errorf("add funds for %s: %w", userID, err)
	}

	s.sink.Emit(audit.NewAccountEvent(userID, "ADD", amount))
	return nil
}

// Buy quotes the symbol, refunds any prior queued buy, reserves amount from
// the balance and queues the order. Returns the quoted price.
func (s *OrderService) Buy(ctx context.Context, userID, symbol string, amount float64) (float64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	price, err := s.quotes.GetPrice(ctx, symbol)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin buy: %w", err)
	}
	defer tx.Rollback()

	if err := s.resolveQueuedBuy(ctx, tx, userID); err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE accounts SET balance = balance - $1, updated_at = now()
		WHERE user_id = $2 AND balance >= $1`,
		amount, userID)
	if err != nil {
		return 0, fmt.Errorf("reserve buy funds for %s: %w", userID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return 0, fmt.Errorf("reserve buy funds for %s: %w", userID, err)
	} else if n == 0 {
		return 0, ErrInsufficientFunds
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO queued_buys (user_id, stock_symbol, quoted_price, amount_dollars, time_created)
		VALUES ($1, $2, $3, $4, $5)`,
		userID, symbol, price, amount, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("queue buy for %s: %w", userID, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit buy tx for %s: %w", userID, err)
	}

	s.sink.Emit(audit.NewCommandEvent(userID, "BUY", symbol, amount))
	return price, nil
}

// CommitBuy converts the user's queued buy into shares at the quoted price.
// A stale order is removed, its dollars restored, and ErrOrderExpired
// reported.
func (s *OrderService) CommitBuy(ctx context.Context, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit buy: %w", err)
	}
	defer tx.Rollback()

	var (
		symbol      string
		price       float64
		amount      float64
		timeCreated time.Time
	)
	err = tx.QueryRowContext(ctx, `
		DELETE FROM queued_buys WHERE user_id = $1
		RETURNING stock_symbol, quoted_price, amount_dollars, time_created`,
		userID).Scan(&symbol, &price, &amount, &timeCreated)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNoPendingOrder
	}
	if err != nil {
		return fmt.Errorf("dequeue buy for %s: %w", userID, err)
	}

	if s.now().Sub(timeCreated) > BuyOrderTTL {
		// The reservation must not linger: restore the cash and commit
		// even though the call itself fails.
		if err := s.refundBalance(ctx, tx, userID, amount); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit expired buy cleanup for %s: %w", userID, err)
		}
		return ErrOrderExpired
	}

	if err := s.creditHolding(ctx, tx, userID, symbol, amount/price); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit buy tx for %s: %w", userID, err)
	}

	s.sink.Emit(audit.NewCommandEvent(userID, "COMMIT_BUY", symbol, amount))
	return nil
}

// CancelBuy removes the queued buy and refunds its dollars regardless of
// age. A stale order still refunds but the call reports ErrOrderExpired.
func (s *OrderService) CancelBuy(ctx context.Context, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cancel buy: %w", err)
	}
	defer tx.Rollback()

	var (
		symbol      string
		amount      float64
		timeCreated time.Time
	)
	err = tx.QueryRowContext(ctx, `
		DELETE FROM queued_buys WHERE user_id = $1
		RETURNING stock_symbol, amount_dollars, time_created`,
		userID).Scan(&symbol, &amount, &timeCreated)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNoPendingOrder
	}
	if err != nil {
		return fmt.Errorf("dequeue buy for %s: %w", userID, err)
	}

	if err := s.refundBalance(ctx, tx, userID, amount); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cancel buy for %s: %w", userID, err)
	}

	s.sink.Emit(audit.NewCommandEvent(userID, "CANCEL_BUY", symbol, amount))
	if s.now().Sub(timeCreated) > BuyOrderTTL {
		return ErrOrderExpired
	}
	return nil
}

// Sell quotes the symbol, restocks any prior queued sell, reserves
// amount/price shares from the holding and queues the order. Returns the
// quoted price.
func (s *OrderService) Sell(ctx context.Context, userID, symbol string, amount float64) (float64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	price, err := s.quotes.GetPrice(ctx, symbol)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin sell: %w", err)
	}
	defer tx.Rollback()

	if err := s.resolveQueuedSell(ctx, tx, userID); err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE holdings SET amount = amount - $1
		WHERE owner_id = $2 AND stock_symbol = $3 AND amount >= $1`,
		amount/price, userID, symbol)
	if err != nil {
		return 0, fmt.Errorf("reserve sell shares for %s: %w", userID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return 0, fmt.Errorf("reserve sell shares for %s: %w", userID, err)
	} else if n == 0 {
		return 0, ErrInsufficientShares
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO queued_sells (user_id, stock_symbol, quoted_price, amount_dollars, time_created)
		VALUES ($1, $2, $3, $4, $5)`,
		userID, symbol, price, amount, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("queue sell for %s: %w", userID, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit sell tx for %s: %w", userID, err)
	}

	s.sink.Emit(audit.NewCommandEvent(userID, "SELL", symbol, amount))
	return price, nil
}

// CommitSell converts the user's queued sell into cash at the quoted price.
// A stale order restocks the reserved shares and reports ErrOrderExpired.
func (s *OrderService) CommitSell(ctx context.Context, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit sell: %w", err)
	}
	defer tx.Rollback()

	var (
		symbol      string
		price       float64
		amount      float64
		timeCreated time.Time
	)
	err = tx.QueryRowContext(ctx, `
		DELETE FROM queued_sells WHERE user_id = $1
		RETURNING stock_symbol, quoted_price, amount_dollars, time_created`,
		userID).Scan(&symbol, &price, &amount, &timeCreated)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNoPendingOrder
	}
	if err != nil {
		return fmt.Errorf("dequeue sell for %s: %w", userID, err)
	}

	if s.now().Sub(timeCreated) > SellOrderTTL {
		if err := s.creditHolding(ctx, tx, userID, symbol, amount/price); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit expired sell cleanup for %s: %w", userID, err)
		}
		return ErrOrderExpired
	}

	if err := s.refundBalance(ctx, tx, userID, amount); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit sell tx for %s: %w", userID, err)
	}

	s.sink.Emit(audit.NewCommandEvent(userID, "COMMIT_SELL", symbol, amount))
	return nil
}

// CancelSell removes the queued sell and restocks its shares regardless of
// age, reporting ErrOrderExpired for a stale order.
func (s *OrderService) CancelSell(ctx context.Context, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cancel sell: %w", err)
	}
	defer tx.Rollback()

	var (
		symbol      string
		price       float64
		amount      float64
		timeCreated time.Time
	)
	err = tx.QueryRowContext(ctx, `
		DELETE FROM queued_sells WHERE user_id = $1
		RETURNING stock_symbol, quoted_price, amount_dollars, time_created`,
		userID).Scan(&symbol, &price, &amount, &timeCreated)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNoPendingOrder
	}
	if err != nil {
		return fmt.Errorf("dequeue sell for %s: %w", userID, err)
	}

	if err := s.creditHolding(ctx, tx, userID, symbol, amount/price); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cancel sell for %s: %w", userID, err)
	}

	s.sink.Emit(audit.NewCommandEvent(userID, "CANCEL_SELL", symbol, amount))
	if s.now().Sub(timeCreated) > SellOrderTTL {
		return ErrOrderExpired
	}
	return nil
}

// GetUserInfo returns the balance, holdings and armed triggers for a user.
func (s *OrderService) GetUserInfo(ctx context.Context, userID string) (*models.UserInfo, error) {
	info := &models.UserInfo{UserID: userID}

	err := s.db.QueryRowContext(ctx,
		`SELECT balance FROM accounts WHERE user_id = $1`, userID).Scan(&info.Balance)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnknownUser
	}
	if err != nil {
		return nil, fmt.Errorf("load account %s: %w", userID, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT stock_symbol, amount FROM holdings
		WHERE owner_id = $1 ORDER BY stock_symbol`, userID)
	if err != nil {
		return nil, fmt.Errorf("load holdings for %s: %w", userID, err)
	}
	defer rows.Close()
	for rows.Next() {
		h := models.Holding{OwnerID: userID}
		if err := rows.Scan(&h.StockSymbol, &h.Amount); err != nil {
			return nil, fmt.Errorf("scan holding for %s: %w", userID, err)
		}
		info.Holdings = append(info.Holdings, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load holdings for %s: %w", userID, err)
	}

	buyRows, err := s.db.QueryContext(ctx, `
		SELECT stock_symbol, amount_dollars, trigger_price FROM buy_triggers
		WHERE owner_id = $1 AND trigger_price IS NOT NULL ORDER BY stock_symbol`, userID)
	if err != nil {
		return nil, fmt.Errorf("load buy triggers for %s: %w", userID, err)
	}
	defer buyRows.Close()
	for buyRows.Next() {
		t := models.BuyTrigger{OwnerID: userID}
		if err := buyRows.Scan(&t.StockSymbol, &t.AmountDollars, &t.TriggerPrice); err != nil {
			return nil, fmt.Errorf("scan buy trigger for %s: %w", userID, err)
		}
		info.BuyTriggers = append(info.BuyTriggers, t)
	}
	if err := buyRows.Err(); err != nil {
		return nil, fmt.Errorf("load buy triggers for %s: %w", userID, err)
	}

	sellRows, err := s.db.QueryContext(ctx, `
		SELECT stock_symbol, amount_stock, trigger_price FROM sell_triggers
		WHERE owner_id = $1 AND trigger_price IS NOT NULL ORDER BY stock_symbol`, userID)
	if err != nil {
		return nil, fmt.Errorf("load sell triggers for %s: %w", userID, err)
	}
	defer sellRows.Close()
	for sellRows.Next() {
		t := models.SellTrigger{OwnerID: userID}
		if err := sellRows.Scan(&t.StockSymbol, &t.AmountStock, &t.TriggerPrice); err != nil {
			return nil, fmt.Errorf("scan sell trigger for %s: %w", userID, err)
		}
		info.SellTriggers = append(info.SellTriggers, t)
	}
	if err := sellRows.Err(); err != nil {
		return nil, fmt.Errorf("load sell triggers for %s: %w", userID, err)
	}

	return info, nil
}

// resolveQueuedBuy deletes any prior queued buy for the user and refunds its
// reservation, so the caller can reserve afresh. Part of the uniform
// resolve-then-reserve discipline shared by Buy, Sell and the trigger
// service.
func (s *OrderService) resolveQueuedBuy(ctx context.Context, tx *sql.Tx, userID string) error {
	var amount float64
	err := tx.QueryRowContext(ctx,
		`DELETE FROM queued_buys WHERE user_id = $1 RETURNING amount_dollars`,
		userID).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve queued buy for %s: %w", userID, err)
	}
	return s.refundBalance(ctx, tx, userID, amount)
}

// resolveQueuedSell deletes any prior queued sell for the user and restocks
// its reserved shares.
func (s *OrderService) resolveQueuedSell(ctx context.Context, tx *sql.Tx, userID string) error {
	var (
		symbol string
		price  float64
		amount float64
	)
	err := tx.QueryRowContext(ctx,
		`DELETE FROM queued_sells WHERE user_id = $1 RETURNING stock_symbol, quoted_price, amount_dollars`,
		userID).Scan(&symbol, &price, &amount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve queued sell for %s: %w", userID, err)
	}
	return s.creditHolding(ctx, tx, userID, symbol, amount/price)
}

func (s *OrderService) refundBalance(ctx context.Context, tx *sql.Tx, userID string, amount float64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE accounts SET balance = balance + $1, updated_at = now()
		WHERE user_id = $2`,
		amount, userID)
	if err != nil {
		return fmt.Errorf("refund balance for %s: %w", userID, err)
	}
	return nil
}

func (s *OrderService) creditHolding(ctx context.Context, tx *sql.Tx, userID, symbol string, shares float64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO holdings (owner_id, stock_symbol, amount)
		VALUES ($1, $2, $3)
		ON CONFLICT (owner_id, stock_symbol)
		DO UPDATE SET amount = holdings.amount + $3`,
		userID, symbol, shares)
	if err != nil {
		return fmt.Errorf("credit holding %s/%s: %w", userID, symbol, err)
	}
	return nil
}
