package trading

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/daytrader/backend/internal/audit"
)

// TriggerService manages standing conditional orders. SetBuyAmount and
// SetSellAmount reserve the funds or shares up front, so a firing trigger
// only ever credits the other side; SetBuyTrigger and SetSellTrigger arm the
// reservation with a price.
type TriggerService struct {
	db     *sql.DB
	sink   audit.Sink
	logger zerolog.Logger
}

// NewTriggerService wires the standing-order service.
func NewTriggerService(db *sql.DB, sink audit.Sink, logger zerolog.Logger) *TriggerService {
	return &TriggerService{
		db:     db,
		sink:   sink,
		logger: logger.With().Str("component", "trigger_service").Logger(),
	}
}

// SetBuyAmount replaces any standing buy trigger for (user, symbol) and
// reserves amount dollars from the balance. The trigger is not actionable
// until SetBuyTrigger sets a price.
func (s *TriggerService) SetBuyAmount(ctx context.Context, userID, symbol string, amount float64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set buy amount: %w", err)
	}
	defer tx.Rollback()

	if err := s.resolveBuyTrigger(ctx, tx, userID, symbol); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE accounts SET balance = balance - $1, updated_at = now()
		WHERE user_id = $2 AND balance >= $1`,
		amount, userID)
	if err != nil {
		return fmt.Errorf("reserve trigger funds for %s: %w", userID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("reserve trigger funds for %s: %w", userID, err)
	} else if n == 0 {
		return ErrInsufficientFunds
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO buy_triggers (owner_id, stock_symbol, amount_dollars)
		VALUES ($1, $2, $3)`,
		userID, symbol, amount)
	if err != nil {
		return fmt.Errorf("create buy trigger for %s: %w", userID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit set buy amount for %s: %w", userID, err)
	}

	s.sink.Emit(audit.NewCommandEvent(userID, "SET_BUY_AMOUNT", symbol, amount))
	return nil
}

// SetBuyTrigger arms the user's buy trigger for symbol with a threshold
// price. The trigger fires once the quoted price falls to or below it.
func (s *TriggerService) SetBuyTrigger(ctx context.Context, userID, symbol string, price float64) error {
	if price <= 0 {
		return ErrInvalidAmount
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE buy_triggers SET trigger_price = $3
		WHERE owner_id = $1 AND stock_symbol = $2`,
		userID, symbol, price)
	if err != nil {
		return fmt.Errorf("arm buy trigger for %s: %w", userID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("arm buy trigger for %s: %w", userID, err)
	} else if n == 0 {
		return ErrNoStandingOrder
	}

	s.sink.Emit(audit.NewCommandEvent(userID, "SET_BUY_TRIGGER", symbol, price))
	return nil
}

// CancelSetBuy removes the user's buy trigger for symbol and refunds its
// reserved dollars.
func (s *TriggerService) CancelSetBuy(ctx context.Context, userID, symbol string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cancel set buy: %w", err)
	}
	defer tx.Rollback()

	var amount float64
	err = tx.QueryRowContext(ctx, `
		DELETE FROM buy_triggers
		WHERE owner_id = $1 AND stock_symbol = $2
		RETURNING amount_dollars`,
		userID, symbol).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNoStandingOrder
	}
	if err != nil {
		return fmt.Errorf("delete buy trigger for %s: %w", userID, err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE accounts SET balance = balance + $1, updated_at = now()
		WHERE user_id = $2`,
		amount, userID)
	if err != nil {
		return fmt.Errorf("refund trigger funds for %s: %w", userID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cancel set buy for %s: %w", userID, err)
	}

	s.sink.Emit(audit.NewCommandEvent(userID, "CANCEL_SET_BUY", symbol, amount))
	return nil
}

// SetSellAmount replaces any standing sell trigger for (user, symbol) and
// reserves amount shares from the holding.
func (s *TriggerService) SetSellAmount(ctx context.Context, userID, symbol string, amount float64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set sell amount: %w", err)
	}
	defer tx.Rollback()

	if err := s.resolveSellTrigger(ctx, tx, userID, symbol); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE holdings SET amount = amount - $1
		WHERE owner_id = $2 AND stock_symbol = $3 AND amount >= $1`,
		amount, userID, symbol)
	if err != nil {
		return fmt.Errorf("reserve trigger shares for %s: %w", userID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("reserve trigger shares for %s: %w", userID, err)
	} else if n == 0 {
		return ErrInsufficientShares
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sell_triggers (owner_id, stock_symbol, amount_stock)
		VALUES ($1, $2, $3)`,
		userID, symbol, amount)
	if err != nil {
		return fmt.Errorf("create sell trigger for %s: %w", userID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit set sell amount for %s: %w", userID, err)
	}

	s.sink.Emit(audit.NewCommandEvent(userID, "SET_SELL_AMOUNT", symbol, amount))
	return nil
}

// SetSellTrigger arms the user's sell trigger for symbol. The trigger fires
// once the quoted price rises to or above the threshold.
func (s *TriggerService) SetSellTrigger(ctx context.Context, userID, symbol string, price float64) error {
	if price <= 0 {
		return ErrInvalidAmount
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE sell_triggers SET trigger_price = $3
		WHERE owner_id = $1 AND stock_symbol = $2`,
		userID, symbol, price)
	if err != nil {
		return fmt.Errorf("arm sell trigger for %s: %w", userID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("arm sell trigger for %s: %w", userID, err)
	} else if n == 0 {
		return ErrNoStandingOrder
	}

	s.sink.Emit(audit.NewCommandEvent(userID, "SET_SELL_TRIGGER", symbol, price))
	return nil
}

// CancelSetSell removes the user's sell trigger for symbol and restocks its
// reserved shares.
func (s *TriggerService) CancelSetSell(ctx context.Context, userID, symbol string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cancel set sell: %w", err)
	}
	defer tx.Rollback()

	var amount float64
	err = tx.QueryRowContext(ctx, `
		DELETE FROM sell_triggers
		WHERE owner_id = $1 AND stock_symbol = $2
		RETURNING amount_stock`,
		userID, symbol).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNoStandingOrder
	}
	if err != nil {
		return fmt.Errorf("delete sell trigger for %s: %w", userID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO holdings (owner_id, stock_symbol, amount)
		VALUES ($1, $2, $3)
		ON CONFLICT (owner_id, stock_symbol)
		DO UPDATE SET amount = holdings.amount + $3`,
		userID, symbol, amount)
	if err != nil {
		return fmt.Errorf("restock trigger shares for %s: %w", userID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cancel set sell for %s: %w", userID, err)
	}

	s.sink.Emit(audit.NewCommandEvent(userID, "CANCEL_SET_SELL", symbol, amount))
	return nil
}

// resolveBuyTrigger deletes any prior buy trigger for (user, symbol) and
// refunds its reservation.
func (s *TriggerService) resolveBuyTrigger(ctx context.Context, tx *sql.Tx, userID, symbol string) error {
	var amount float64
	err := tx.QueryRowContext(ctx, `
		DELETE FROM buy_triggers
		WHERE owner_id = $1 AND stock_symbol = $2
		RETURNING amount_dollars`,
		userID, symbol).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve buy trigger for %s: %w", userID, err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE accounts SET balance = balance + $1, updated_at = now()
		WHERE user_id = $2`,
		amount, userID)
	if err != nil {
		return fmt.Errorf("refund prior trigger for %s: %w", userID, err)
	}
	return nil
}

// resolveSellTrigger deletes any prior sell trigger for (user, symbol) and
// restocks its reservation.
func (s *TriggerService) resolveSellTrigger(ctx context.Context, tx *sql.Tx, userID, symbol string) error {
	var amount float64
	err := tx.QueryRowContext(ctx, `
		DELETE FROM sell_triggers
		WHERE owner_id = $1 AND stock_symbol = $2
		RETURNING amount_stock`,
		userID, symbol).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve sell trigger for %s: %w", userID, err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE holdings SET amount = amount + $1
		WHERE owner_id = $2 AND stock_symbol = $3`,
		amount, userID, symbol)
	if err != nil {
		return fmt.Errorf("restock prior trigger for %s: %w", userID, err)
	}
	return nil
}
