package trading

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/daytrader/backend/internal/audit"
	"github.com/daytrader/backend/internal/models"
)

func newTriggerEngine(t *testing.T) (*TriggerEngine, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)

	engine := NewTriggerEngine(db, audit.NopSink{}, testLogger())
	return engine, mock, func() { db.Close() }
}

func TestTriggerEngine_CheckBuyTriggers(t *testing.T) {
	update := models.PriceUpdate{StockSymbol: "ABC", Price: 10.0}

	t.Run("executes every matching trigger in its own transaction", func(t *testing.T) {
		engine, mock, closeDB := newTriggerEngine(t)
		defer closeDB()

		// Buy triggers fire when the threshold is at or above the price.
		mock.ExpectQuery("SELECT owner_id FROM buy_triggers WHERE stock_symbol = \\$1 AND trigger_price IS NOT NULL AND trigger_price >= \\$2").
			WithArgs("ABC", 10.0).
			WillReturnRows(sqlmock.NewRows([]string{"owner_id"}).
				AddRow("alice").
				AddRow("bob"))

		mock.ExpectBegin()
		mock.ExpectQuery("DELETE FROM buy_triggers").
			WithArgs("alice", "ABC", 10.0).
			WillReturnRows(sqlmock.NewRows([]string{"amount_dollars"}).AddRow(100.0))
		mock.ExpectExec("INSERT INTO holdings").
			WithArgs("alice", "ABC", 10.0).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		mock.ExpectBegin()
		mock.ExpectQuery("DELETE FROM buy_triggers").
			WithArgs("bob", "ABC", 10.0).
			WillReturnRows(sqlmock.NewRows([]string{"amount_dollars"}).AddRow(50.0))
		mock.ExpectExec("INSERT INTO holdings").
			WithArgs("bob", "ABC", 5.0).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		assert.NoError(t, engine.checkBuyTriggers(context.Background(), update))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no candidates means no transactions", func(t *testing.T) {
		engine, mock, closeDB := newTriggerEngine(t)
		defer closeDB()

		mock.ExpectQuery("SELECT owner_id FROM buy_triggers").
			WithArgs("ABC", 10.0).
			WillReturnRows(sqlmock.NewRows([]string{"owner_id"}))

		assert.NoError(t, engine.checkBuyTriggers(context.Background(), update))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("trigger consumed by a concurrent run is a clean no-op", func(t *testing.T) {
		engine, mock, closeDB := newTriggerEngine(t)
		defer closeDB()

		mock.ExpectQuery("SELECT owner_id FROM buy_triggers").
			WithArgs("ABC", 10.0).
			WillReturnRows(sqlmock.NewRows([]string{"owner_id"}).AddRow("alice"))

		// The conditional delete finds nothing: someone else already
		// consumed the row. No credit must follow.
		mock.ExpectBegin()
		mock.ExpectQuery("DELETE FROM buy_triggers").
			WithArgs("alice", "ABC", 10.0).
			WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		assert.NoError(t, engine.checkBuyTriggers(context.Background(), update))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestTriggerEngine_CheckSellTriggers(t *testing.T) {
	update := models.PriceUpdate{StockSymbol: "XYZ", Price: 30.0}

	t.Run("credits the balance with shares times price", func(t *testing.T) {
		engine, mock, closeDB := newTriggerEngine(t)
		defer closeDB()

		// Sell triggers fire when the threshold is at or below the price.
		mock.ExpectQuery("SELECT owner_id FROM sell_triggers WHERE stock_symbol = \\$1 AND trigger_price IS NOT NULL AND trigger_price <= \\$2").
			WithArgs("XYZ", 30.0).
			WillReturnRows(sqlmock.NewRows([]string{"owner_id"}).AddRow("carol"))

		mock.ExpectBegin()
		mock.ExpectQuery("DELETE FROM sell_triggers").
			WithArgs("carol", "XYZ", 30.0).
			WillReturnRows(sqlmock.NewRows([]string{"amount_stock"}).AddRow(3.0))
		mock.ExpectExec("UPDATE accounts SET balance = balance \\+ ").
			WithArgs(90.0, "carol").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		assert.NoError(t, engine.checkSellTriggers(context.Background(), update))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestTriggerEngine_Run(t *testing.T) {
	t.Run("drains updates until the channel closes", func(t *testing.T) {
		engine, mock, closeDB := newTriggerEngine(t)
		defer closeDB()

		// Buy and sell checks run concurrently per update.
		mock.MatchExpectationsInOrder(false)
		mock.ExpectQuery("SELECT owner_id FROM buy_triggers").
			WithArgs("ABC", 15.0).
			WillReturnRows(sqlmock.NewRows([]string{"owner_id"}))
		mock.ExpectQuery("SELECT owner_id FROM sell_triggers").
			WithArgs("ABC", 15.0).
			WillReturnRows(sqlmock.NewRows([]string{"owner_id"}))

		updates := make(chan models.PriceUpdate, 1)
		updates <- models.PriceUpdate{StockSymbol: "ABC", Price: 15.0}
		close(updates)

		engine.Run(context.Background(), updates)

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("stops on context cancellation", func(t *testing.T) {
		engine, _, closeDB := newTriggerEngine(t)
		defer closeDB()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		done := make(chan struct{})
		go func() {
			defer close(done)
			engine.Run(ctx, make(chan models.PriceUpdate))
		}()
		<-done
	})
}
