package trading

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/daytrader/backend/internal/audit"
	"github.com/daytrader/backend/internal/quotes"
)

// stubQuotes returns a fixed price or error for any symbol.
type stubQuotes struct {
	price float64
	err   error
}

func (s stubQuotes) GetPrice(ctx context.Context, symbol string) (float64, error) {
	return s.price, s.err
}

func newOrderService(t *testing.T, q QuoteGetter) (*OrderService, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)

	svc := NewOrderService(db, q, audit.NopSink{}, testLogger())
	return svc, mock, func() { db.Close() }
}

func TestOrderService_Add(t *testing.T) {
	svc, mock, closeDB := newOrderService(t, stubQuotes{})
	defer closeDB()

	t.Run("credits balance", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO accounts").
			WithArgs("alice", 100.0).
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, svc.Add(context.Background(), "alice", 100.0))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects non-positive amount", func(t *testing.T) {
		assert.ErrorIs(t, svc.Add(context.Background(), "alice", 0), ErrInvalidAmount)
		assert.ErrorIs(t, svc.Add(context.Background(), "alice", -5), ErrInvalidAmount)
	})
}

func TestOrderService_Buy(t *testing.T) {
	t.Run("quotes and reserves funds", func(t *testing.T) {
		svc, mock, closeDB := newOrderService(t, stubQuotes{price: 20.0})
		defer closeDB()

		mock.ExpectBegin()
		mock.ExpectQuery("DELETE FROM queued_buys").
			WithArgs("alice").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectExec("UPDATE accounts SET balance = balance - ").
			WithArgs(200.0, "alice").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO queued_buys").
			WithArgs("alice", "ABC", 20.0, 200.0, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		price, err := svc.Buy(context.Background(), "alice", "ABC", 200.0)
		assert.NoError(t, err)
		assert.Equal(t, 20.0, price)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("refunds a replaced queued buy first", func(t *testing.T) {
		svc, mock, closeDB := newOrderService(t, stubQuotes{price: 20.0})
		defer closeDB()

		mock.ExpectBegin()
		mock.ExpectQuery("DELETE FROM queued_buys").
			WithArgs("alice").
			WillReturnRows(sqlmock.NewRows([]string{"amount_dollars"}).AddRow(50.0))
		mock.ExpectExec("UPDATE accounts SET balance = balance \\+ ").
			WithArgs(50.0, "alice").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE accounts SET balance = balance - ").
			WithArgs(200.0, "alice").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO queued_buys").
			WithArgs("alice", "ABC", 20.0, 200.0, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		_, err := svc.Buy(context.Background(), "alice", "ABC", 200.0)
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient funds rolls everything back", func(t *testing.T) {
		svc, mock, closeDB := newOrderService(t, stubQuotes{price: 20.0})
		defer closeDB()

		mock.ExpectBegin()
		mock.ExpectQuery("DELETE FROM queued_buys").
			WithArgs("bob").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectExec("UPDATE accounts SET balance = balance - ").
			WithArgs(200.0, "bob").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		_, err := svc.Buy(context.Background(), "bob", "ABC", 200.0)
		assert.ErrorIs(t, err, ErrInsufficientFunds)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("quote failure surfaces without touching the ledger", func(t *testing.T) {
		svc, _, closeDB := newOrderService(t, stubQuotes{err: quotes.ErrUnavailable})
		defer closeDB()

		_, err := svc.Buy(context.Background(), "alice", "ABC", 200.0)
		assert.ErrorIs(t, err, ErrQuoteUnavailable)
	})

	t.Run("rejects non-positive amount", func(t *testing.T) {
		svc, _, closeDB := newOrderService(t, stubQuotes{price: 20.0})
		defer closeDB()

		_, err := svc.Buy(context.Background(), "alice", "ABC", -1)
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})
}

func TestOrderService_CommitBuy(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("credits shares at the quoted price", func(t *testing.T) {
		svc, mock, closeDB := newOrderService(t, stubQuotes{})
		defer closeDB()
		svc.now = func() time.Time { return now }

		mock.ExpectBegin()
		mock.ExpectQuery("DELETE FROM queued_buys").
			WithArgs("alice").
			WillReturnRows(sqlmock.NewRows(
				[]string{"stock_symbol", "quoted_price", "amount_dollars", "time_created"}).
				AddRow("ABC", 20.0, 200.0, now.Add(-30*time.Second)))
		mock.ExpectExec("INSERT INTO holdings").
			WithArgs("alice", "ABC", 10.0).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		assert.NoError(t, svc.CommitBuy(context.Background(), "alice"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("expired order refunds and reports stale", func(t *testing.T) {
		svc, mock, closeDB := newOrderService(t, stubQuotes{})
		defer closeDB()
		svc.now = func() time.Time { return now }

		mock.ExpectBegin()
		mock.ExpectQuery("DELETE FROM queued_buys").
			WithArgs("alice").
			WillReturnRows(sqlmock.NewRows(
				[]string{"stock_symbol", "quoted_price", "amount_dollars", "time_created"}).
				AddRow("ABC", 20.0, 200.0, now.Add(-BuyOrderTTL-time.Second)))
		mock.ExpectExec("UPDATE accounts SET balance = balance \\+ ").
			WithArgs(200.0, "alice").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		assert.ErrorIs(t, svc.CommitBuy(context.Background(), "alice"), ErrOrderExpired)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no pending order", func(t *testing.T) {
		svc, mock, closeDB := newOrderService(t, stubQuotes{})
		defer closeDB()

		mock.ExpectBegin()
		mock.ExpectQuery("DELETE FROM queued_buys").
			WithArgs("ghost").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		assert.ErrorIs(t, svc.CommitBuy(context.Background(), "ghost"), ErrNoPendingOrder)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestOrderService_CancelBuy(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("refunds the reservation", func(t *testing.T) {
		svc, mock, closeDB := newOrderService(t, stubQuotes{})
		defer closeDB()
		svc.now = func() time.Time { return now }

		mock.ExpectBegin()
		mock.ExpectQuery("DELETE FROM queued_buys").
			WithArgs("alice").
			WillReturnRows(sqlmock.NewRows(
				[]string{"stock_symbol", "amount_dollars", "time_created"}).
				AddRow("ABC", 200.0, now.Add(-10*time.Second)))
		mock.ExpectExec("UPDATE accounts SET balance = balance \\+ ").
			WithArgs(200.0, "alice").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		assert.NoError(t, svc.CancelBuy(context.Background(), "alice"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("stale order still refunds but reports expired", func(t *testing.T) {
		svc, mock, closeDB := newOrderService(t, stubQuotes{})
		defer closeDB()
		svc.now = func() time.Time { return now }

		mock.ExpectBegin()
		mock.ExpectQuery("DELETE FROM queued_buys").
			WithArgs("alice").
			WillReturnRows(sqlmock.NewRows(
				[]string{"stock_symbol", "amount_dollars", "time_created"}).
				AddRow("ABC", 200.0, now.Add(-2*BuyOrderTTL)))
		mock.ExpectExec("UPDATE accounts SET balance = balance \\+ ").
			WithArgs(200.0, "alice").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		assert.ErrorIs(t, svc.CancelBuy(context.Background(), "alice"), ErrOrderExpired)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("nothing queued", func(t *testing.T) {
		svc, mock, closeDB := newOrderService(t, stubQuotes{})
		defer closeDB()

		mock.ExpectBegin()
		mock.ExpectQuery("DELETE FROM queued_buys").
			WithArgs("ghost").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		assert.ErrorIs(t, svc.CancelBuy(context.Background(), "ghost"), ErrNoPendingOrder)
	})
}

func TestOrderService_Sell(t *testing.T) {
	t.Run("quotes and reserves shares", func(t *testing.T) {
		svc, mock, closeDB := newOrderService(t, stubQuotes{price: 25.0})
		defer closeDB()

		mock.ExpectBegin()
		mock.ExpectQuery("DELETE FROM queued_sells").
			WithArgs("alice").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectExec("UPDATE holdings SET amount = amount - ").
			WithArgs(4.0, "alice", "ABC").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO queued_sells").
			WithArgs("alice", "ABC", 25.0, 100.0, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		price, err := svc.Sell(context.Background(), "alice", "ABC", 100.0)
		assert.NoError(t, err)
		assert.Equal(t, 25.0, price)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("restocks a replaced queued sell first", func(t *testing.T) {
		svc, mock, closeDB := newOrderService(t, stubQuotes{price: 25.0})
		defer closeDB()

		mock.ExpectBegin()
		mock.ExpectQuery("DELETE FROM queued_sells").
			WithArgs("alice").
			WillReturnRows(sqlmock.NewRows(
				[]string{"stock_symbol", "quoted_price", "amount_dollars"}).
				AddRow("ABC", 20.0, 40.0))
		mock.ExpectExec("INSERT INTO holdings").
			WithArgs("alice", "ABC", 2.0).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE holdings SET amount = amount - ").
			WithArgs(4.0, "alice", "ABC").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO queued_sells").
			WithArgs("alice", "ABC", 25.0, 100.0, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		_, err := svc.Sell(context.Background(), "alice", "ABC", 100.0)
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient shares rolls everything back", func(t *testing.T) {
		svc, mock, closeDB := newOrderService(t, stubQuotes{price: 25.0})
		defer closeDB()

		mock.ExpectBegin()
		mock.ExpectQuery("DELETE FROM queued_sells").
			WithArgs("bob").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectExec("UPDATE holdings SET amount = amount - ").
			WithArgs(4.0, "bob", "ABC").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		_, err := svc.Sell(context.Background(), "bob", "ABC", 100.0)
		assert.ErrorIs(t, err, ErrInsufficientShares)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestOrderService_CommitSell(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("credits cash at the quoted price", func(t *testing.T) {
		svc, mock, closeDB := newOrderService(t, stubQuotes{})
		defer closeDB()
		svc.now = func() time.Time { return now }

		mock.ExpectBegin()
		mock.ExpectQuery("DELETE FROM queued_sells").
			WithArgs("alice").
			WillReturnRows(sqlmock.NewRows(
				[]string{"stock_symbol", "quoted_price", "amount_dollars", "time_created"}).
				AddRow("ABC", 25.0, 100.0, now.Add(-time.Minute)))
		mock.ExpectExec("UPDATE accounts SET balance = balance \\+ ").
			WithArgs(100.0, "alice").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		assert.NoError(t, svc.CommitSell(context.Background(), "alice"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("expired order restocks shares and reports stale", func(t *testing.T) {
		svc, mock, closeDB := newOrderService(t, stubQuotes{})
		defer closeDB()
		svc.now = func() time.Time { return now }

		mock.ExpectBegin()
		mock.ExpectQuery("DELETE FROM queued_sells").
			WithArgs("alice").
			WillReturnRows(sqlmock.NewRows(
				[]string{"stock_symbol", "quoted_price", "amount_dollars", "time_created"}).
				AddRow("ABC", 25.0, 100.0, now.Add(-SellOrderTTL-time.Second)))
		mock.ExpectExec("INSERT INTO holdings").
			WithArgs("alice", "ABC", 4.0).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		assert.ErrorIs(t, svc.CommitSell(context.Background(), "alice"), ErrOrderExpired)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no pending order", func(t *testing.T) {
		svc, mock, closeDB := newOrderService(t, stubQuotes{})
		defer closeDB()

		mock.ExpectBegin()
		mock.ExpectQuery("DELETE FROM queued_sells").
			WithArgs("ghost").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		assert.ErrorIs(t, svc.CommitSell(context.Background(), "ghost"), ErrNoPendingOrder)
	})
}

func TestOrderService_CancelSell(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	svc, mock, closeDB := newOrderService(t, stubQuotes{})
	defer closeDB()
	svc.now = func() time.Time { return now }

	t.Run("restocks reserved shares", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("DELETE FROM queued_sells").
			WithArgs("alice").
			WillReturnRows(sqlmock.NewRows(
				[]string{"stock_symbol", "quoted_price", "amount_dollars", "time_created"}).
				AddRow("ABC", 25.0, 100.0, now.Add(-time.Minute)))
		mock.ExpectExec("INSERT INTO holdings").
			WithArgs("alice", "ABC", 4.0).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		assert.NoError(t, svc.CancelSell(context.Background(), "alice"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestOrderService_GetUserInfo(t *testing.T) {
	svc, mock, closeDB := newOrderService(t, stubQuotes{})
	defer closeDB()

	t.Run("returns balance, holdings and armed triggers", func(t *testing.T) {
		mock.ExpectQuery("SELECT balance FROM accounts").
			WithArgs("alice").
			WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(150.0))
		mock.ExpectQuery("SELECT stock_symbol, amount FROM holdings").
			WithArgs("alice").
			WillReturnRows(sqlmock.NewRows([]string{"stock_symbol", "amount"}).
				AddRow("ABC", 10.0).
				AddRow("XYZ", 2.5))
		mock.ExpectQuery("FROM buy_triggers").
			WithArgs("alice").
			WillReturnRows(sqlmock.NewRows([]string{"stock_symbol", "amount_dollars", "trigger_price"}).
				AddRow("ABC", 50.0, 12.0))
		mock.ExpectQuery("FROM sell_triggers").
			WithArgs("alice").
			WillReturnRows(sqlmock.NewRows([]string{"stock_symbol", "amount_stock", "trigger_price"}))

		info, err := svc.GetUserInfo(context.Background(), "alice")
		assert.NoError(t, err)
		assert.Equal(t, 150.0, info.Balance)
		assert.Len(t, info.Holdings, 2)
		assert.Len(t, info.BuyTriggers, 1)
		assert.Empty(t, info.SellTriggers)
		assert.Equal(t, 12.0, *info.BuyTriggers[0].TriggerPrice)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown user", func(t *testing.T) {
		mock.ExpectQuery("SELECT balance FROM accounts").
			WithArgs("ghost").
			WillReturnError(sql.ErrNoRows)

		_, err := svc.GetUserInfo(context.Background(), "ghost")
		assert.ErrorIs(t, err, ErrUnknownUser)
	})
}

func TestErrorTaxonomy(t *testing.T) {
	// ErrQuoteUnavailable aliases the cache's sentinel so handlers can match
	// either package's error with errors.Is.
	assert.True(t, errors.Is(quotes.ErrUnavailable, ErrQuoteUnavailable))
}
