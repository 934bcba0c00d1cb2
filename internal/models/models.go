package models

import (
	"time"
)

// Account holds a trader's cash balance. Created implicitly on first
// deposit, never deleted.
type Account struct {
	UserID    string    `json:"user_id" db:"user_id"`
	Balance   float64   `json:"balance" db:"balance"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Holding is the number of shares of one symbol owned by one user.
// Upsert semantics: a holding may exist with amount 0.
type Holding struct {
	OwnerID     string  `json:"owner_id" db:"owner_id"`
	StockSymbol string  `json:"stock_symbol" db:"stock_symbol"`
	Amount      float64 `json:"amount" db:"amount"`
}

// OrderKind distinguishes the two queued-order variants.
type OrderKind string

const (
	OrderKindBuy  OrderKind = "BUY"
	OrderKindSell OrderKind = "SELL"
)

// QueuedOrder is a pending buy or sell awaiting commit or cancel. At most
// one exists per (user, kind); the reservation (cash for buys, shares for
// sells) was taken when the order was queued. AmountDollars is the dollar
// value in both cases; the share count of a sell is AmountDollars/QuotedPrice.
type QueuedOrder struct {
	UserID        string    `json:"user_id" db:"user_id"`
	StockSymbol   string    `json:"stock_symbol" db:"stock_symbol"`
	QuotedPrice   float64   `json:"quoted_price" db:"quoted_price"`
	AmountDollars float64   `json:"amount_dollars" db:"amount_dollars"`
	TimeCreated   time.Time `json:"time_created" db:"time_created"`
}

// BuyTrigger is a standing buy-the-dip order. TriggerPrice is nil until
// armed by SetBuyTrigger; AmountDollars was reserved from the balance at
// SetBuyAmount time.
type BuyTrigger struct {
	OwnerID       string   `json:"owner_id" db:"owner_id"`
	StockSymbol   string   `json:"stock_symbol" db:"stock_symbol"`
	AmountDollars float64  `json:"amount_dollars" db:"amount_dollars"`
	TriggerPrice  *float64 `json:"trigger_price" db:"trigger_price"`
}

// SellTrigger mirrors BuyTrigger with a share reservation instead of cash.
type SellTrigger struct {
	OwnerID      string   `json:"owner_id" db:"owner_id"`
	StockSymbol  string   `json:"stock_symbol" db:"stock_symbol"`
	AmountStock  float64  `json:"amount_stock" db:"amount_stock"`
	TriggerPrice *float64 `json:"trigger_price" db:"trigger_price"`
}

// PriceUpdate is one freshly fetched quote, published by the quote cache to
// the trigger engine.
type PriceUpdate struct {
	StockSymbol string  `json:"stock_symbol"`
	Price       float64 `json:"price"`
}

// UserInfo is the GetUserInfo response: balance plus everything standing.
// Only armed triggers (price set) are listed.
type UserInfo struct {
	UserID       string        `json:"user_id"`
	Balance      float64       `json:"balance"`
	Holdings     []Holding     `json:"holdings"`
	BuyTriggers  []BuyTrigger  `json:"buy_triggers"`
	SellTriggers []SellTrigger `json:"sell_triggers"`
}
