package trading

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/daytrader/backend/internal/audit"
	"github.com/daytrader/backend/internal/models"
)

// TriggerEngine consumes price updates from the quote cache and executes any
// standing trigger the new price satisfies. It is fully decoupled from
// request handling: one long-lived loop reads the channel in order and fans
// each update into a buy-side and a sell-side check that run concurrently.
//
// Each matched trigger is consumed by a single transaction holding both the
// conditional delete and the credit, so a trigger fires exactly once — even
// under concurrent updates for the same symbol — and never without its side
// effect.
type TriggerEngine struct {
	db     *sql.DB
	sink   audit.Sink
	logger zerolog.Logger

	wg sync.WaitGroup
}

// NewTriggerEngine wires the engine. Run starts it.
func NewTriggerEngine(db *sql.DB, sink audit.Sink, logger zerolog.Logger) *TriggerEngine {
	return &TriggerEngine{
		db:     db,
		sink:   sink,
		logger: logger.With().Str("component", "trigger_engine").Logger(),
	}
}

// Run drains updates until the context is cancelled or the channel closes,
// then waits for in-flight trigger executions before returning.
func (e *TriggerEngine) Run(ctx context.Context, updates <-chan models.PriceUpdate) {
	defer e.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			e.wg.Add(2)
			go func() {
				defer e.wg.Done()
				if err := e.checkBuyTriggers(ctx, update); err != nil {
					e.logger.Error().Err(err).Str("symbol", update.StockSymbol).Msg("buy trigger check failed")
				}
			}()
			go func() {
				defer e.wg.Done()
				if err := e.checkSellTriggers(ctx, update); err != nil {
					e.logger.Error().Err(err).Str("symbol", update.StockSymbol).Msg("sell trigger check failed")
				}
			}()
		}
	}
}

// checkBuyTriggers executes every armed buy trigger for the symbol whose
// threshold is at or above the new price (the owner wanted to buy once the
// price fell this far).
func (e *TriggerEngine) checkBuyTriggers(ctx context.Context, update models.PriceUpdate) error {
	owners, err := e.matchingOwners(ctx, `
		SELECT owner_id FROM buy_triggers
		WHERE stock_symbol = $1 AND trigger_price IS NOT NULL AND trigger_price >= $2`,
		update)
	if err != nil || len(owners) == 0 {
		return err
	}

	e.logger.Info().Int("count", len(owners)).Str("symbol", update.StockSymbol).
		Float64("price", update.Price).Msg("executing buy triggers")

	for _, owner := range owners {
		if err := e.executeBuyTrigger(ctx, owner, update); err != nil {
			return err
		}
	}
	return nil
}

// checkSellTriggers executes every armed sell trigger for the symbol whose
// threshold is at or below the new price.
func (e *TriggerEngine) checkSellTriggers(ctx context.Context, update models.PriceUpdate) error {
	owners, err := e.matchingOwners(ctx, `
		SELECT owner_id FROM sell_triggers
		WHERE stock_symbol = $1 AND trigger_price IS NOT NULL AND trigger_price <= $2`,
		update)
	if err != nil || len(owners) == 0 {
		return err
	}

	e.logger.Info().Int("count", len(owners)).Str("symbol", update.StockSymbol).
		Float64("price", update.Price).Msg("executing sell triggers")

	for _, owner := range owners {
		if err := e.executeSellTrigger(ctx, owner, update); err != nil {
			return err
		}
	}
	return nil
}

func (e *TriggerEngine) matchingOwners(ctx context.Context, query string, update models.PriceUpdate) ([]string, error) {
	rows, err := e.db.QueryContext(ctx, query, update.StockSymbol, update.Price)
	if err != nil {
		return nil, fmt.Errorf("match triggers for %s: %w", update.StockSymbol, err)
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, fmt.Errorf("scan trigger owner for %s: %w", update.StockSymbol, err)
		}
		owners = append(owners, owner)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("match triggers for %s: %w", update.StockSymbol, err)
	}
	return owners, nil
}

// executeBuyTrigger consumes one buy trigger and credits the holding with
// amount_dollars/price shares. The delete re-checks the price condition so a
// concurrent execution of the same trigger makes this a clean no-op.
func (e *TriggerEngine) executeBuyTrigger(ctx context.Context, owner string, update models.PriceUpdate) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin buy trigger execution: %w", err)
	}
	defer tx.Rollback()

	var amount float64
	err = tx.QueryRowContext(ctx, `
		DELETE FROM buy_triggers
		WHERE owner_id = $1 AND stock_symbol = $2
		  AND trigger_price IS NOT NULL AND trigger_price >= $3
		RETURNING amount_dollars`,
		owner, update.StockSymbol, update.Price).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("consume buy trigger %s/%s: %w", owner, update.StockSymbol, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO holdings (owner_id, stock_symbol, amount)
		VALUES ($1, $2, $3)
		ON CONFLICT (owner_id, stock_symbol)
		DO UPDATE SET amount = holdings.amount + $3`,
		owner, update.StockSymbol, amount/update.Price)
	if err != nil {
		return fmt.Errorf("credit triggered buy %s/%s: %w", owner, update.StockSymbol, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit buy trigger %s/%s: %w", owner, update.StockSymbol, err)
	}

	e.sink.Emit(audit.NewCommandEvent(owner, "EXECUTE_BUY_TRIGGER", update.StockSymbol, amount))
	return nil
}

// executeSellTrigger consumes one sell trigger and credits the balance with
// amount_stock*price dollars.
func (e *TriggerEngine) executeSellTrigger(ctx context.Context, owner string, update models.PriceUpdate) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin sell trigger execution: %w", err)
	}
	defer tx.Rollback()

	var shares float64
	err = tx.QueryRowContext(ctx, `
		DELETE FROM sell_triggers
		WHERE owner_id = $1 AND stock_symbol = $2
		  AND trigger_price IS NOT NULL AND trigger_price <= $3
		RETURNING amount_stock`,
		owner, update.StockSymbol, update.Price).Scan(&shares)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("consume sell trigger %s/%s: %w", owner, update.StockSymbol, err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE accounts SET balance = balance + $1, updated_at = now()
		WHERE user_id = $2`,
		shares*update.Price, owner)
	if err != nil {
		return fmt.Errorf("credit triggered sell %s/%s: %w", owner, update.StockSymbol, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit sell trigger %s/%s: %w", owner, update.StockSymbol, err)
	}

	e.sink.Emit(audit.NewCommandEvent(owner, "EXECUTE_SELL_TRIGGER", update.StockSymbol, shares*update.Price))
	return nil
}
