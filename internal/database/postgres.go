package database

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// DBConfig holds ledger database configuration
type DBConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// GetConfig returns database configuration with defaults
func GetConfig() *DBConfig {
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", "5432")
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "password")
	viper.SetDefault("database.name", "day_trader")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", time.Minute*5)

	return &DBConfig{
		Host:            viper.GetString("database.host"),
		Port:            viper.GetString("database.port"),
		User:            viper.GetString("database.user"),
		Password:        viper.GetString("database.password"),
		Name:            viper.GetString("database.name"),
		SSLMode:         viper.GetString("database.ssl_mode"),
		MaxOpenConns:    viper.GetInt("database.max_open_conns"),
		MaxIdleConns:    viper.GetInt("database.max_idle_conns"),
		ConnMaxLifetime: viper.GetDuration("database.conn_max_lifetime"),
	}
}

// InitDB opens the ledger database and verifies the connection.
func InitDB() (*sql.DB, error) {
	config := GetConfig()

	connStr := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.Name, config.SSLMode,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	log.Info().Str("host", config.Host).Str("database", config.Name).Msg("database connection established")
	return db, nil
}

// Migrate creates the ledger tables if they do not exist. The non-negative
// invariants the engine relies on are enforced by the conditional UPDATE
// statements in the trading package; the CHECK constraints are a backstop.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(ledgerSchema); err != nil {
		return fmt.Errorf("error migrating ledger schema: %w", err)
	}
	return nil
}

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS accounts (
    user_id    TEXT PRIMARY KEY,
    balance    DOUBLE PRECISION NOT NULL DEFAULT 0 CHECK (balance >= 0),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS holdings (
    owner_id     TEXT NOT NULL,
    stock_symbol TEXT NOT NULL,
    amount       DOUBLE PRECISION NOT NULL DEFAULT 0 CHECK (amount >= 0),
    PRIMARY KEY (owner_id, stock_symbol)
);

CREATE TABLE IF NOT EXISTS queued_buys (
    user_id        TEXT PRIMARY KEY,
    stock_symbol   TEXT NOT NULL,
    quoted_price   DOUBLE PRECISION NOT NULL,
    amount_dollars DOUBLE PRECISION NOT NULL,
    time_created   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS queued_sells (
    user_id        TEXT PRIMARY KEY,
    stock_symbol   TEXT NOT NULL,
    quoted_price   DOUBLE PRECISION NOT NULL,
    amount_dollars DOUBLE PRECISION NOT NULL,
    time_created   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS buy_triggers (
    owner_id       TEXT NOT NULL,
    stock_symbol   TEXT NOT NULL,
    amount_dollars DOUBLE PRECISION NOT NULL,
    trigger_price  DOUBLE PRECISION,
    PRIMARY KEY (owner_id, stock_symbol)
);

CREATE TABLE IF NOT EXISTS sell_triggers (
    owner_id      TEXT NOT NULL,
    stock_symbol  TEXT NOT NULL,
    amount_stock  DOUBLE PRECISION NOT NULL,
    trigger_price DOUBLE PRECISION,
    PRIMARY KEY (owner_id, stock_symbol)
);

CREATE INDEX IF NOT EXISTS idx_buy_triggers_symbol_price
    ON buy_triggers (stock_symbol, trigger_price);
CREATE INDEX IF NOT EXISTS idx_sell_triggers_symbol_price
    ON sell_triggers (stock_symbol, trigger_price);
`
