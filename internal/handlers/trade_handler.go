package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/daytrader/backend/internal/trading"
)

type TradeHandler struct {
	orders    *trading.OrderService
	triggers  *trading.TriggerService
	quotes    trading.QuoteGetter
	validator *ValidationHelper
	logger    zerolog.Logger
}

func NewTradeHandler(orders *trading.OrderService, triggers *trading.TriggerService, quotes trading.QuoteGetter, logger zerolog.Logger) *TradeHandler {
	return &TradeHandler{
		orders:    orders,
		triggers:  triggers,
		quotes:    quotes,
		validator: NewValidationHelper(),
		logger:    logger.With().Str("component", "handlers").Logger(),
	}
}

// Routes wires every trading operation onto a chi router.
func (h *TradeHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/users/{userID}/add", h.AddFunds)
	r.Get("/users/{userID}", h.GetUserInfo)
	r.Get("/quotes/{symbol}", h.GetQuote)

	r.Post("/orders/buy", h.Buy)
	r.Post("/orders/buy/commit", h.CommitBuy)
	r.Post("/orders/buy/cancel", h.CancelBuy)
	r.Post("/orders/sell", h.Sell)
	r.Post("/orders/sell/commit", h.CommitSell)
	r.Post("/orders/sell/cancel", h.CancelSell)

	r.Post("/triggers/buy", h.SetBuyAmount)
	r.Post("/triggers/buy/price", h.SetBuyTrigger)
	r.Post("/triggers/buy/cancel", h.CancelSetBuy)
	r.Post("/triggers/sell", h.SetSellAmount)
	r.Post("/triggers/sell/price", h.SetSellTrigger)
	r.Post("/triggers/sell/cancel", h.CancelSetSell)

	return r
}

type orderRequest struct {
	UserID      string  `json:"userId" validate:"required"`
	StockSymbol string  `json:"stockSymbol" validate:"required,max=8"`
	Amount      float64 `json:"amount" validate:"required,gt=0"`
}

type triggerPriceRequest struct {
	UserID      string  `json:"userId" validate:"required"`
	StockSymbol string  `json:"stockSymbol" validate:"required,max=8"`
	Price       float64 `json:"price" validate:"required,gt=0"`
}

type symbolRequest struct {
	UserID      string `json:"userId" validate:"required"`
	StockSymbol string `json:"stockSymbol" validate:"required,max=8"`
}

type userRequest struct {
	UserID string `json:"userId" validate:"required"`
}

// decodeAndValidate reads a single JSON object into dst and runs struct
// validation. It writes the error response itself; callers just return.
func (h *TradeHandler) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}

	if err := h.validator.ValidateStruct(dst); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}

	return true
}

// sendDomainError maps trading errors onto HTTP status codes.
func (h *TradeHandler) sendDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, trading.ErrInvalidAmount):
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
	case errors.Is(err, trading.ErrInsufficientFunds), errors.Is(err, trading.ErrInsufficientShares):
		SendErrorResponse(w, err.Error(), http.StatusUnprocessableEntity, nil)
	case errors.Is(err, trading.ErrNoPendingOrder), errors.Is(err, trading.ErrNoStandingOrder), errors.Is(err, trading.ErrUnknownUser):
		SendErrorResponse(w, err.Error(), http.StatusNotFound, nil)
	case errors.Is(err, trading.ErrOrderExpired):
		SendErrorResponse(w, err.Error(), http.StatusGone, nil)
	case errors.Is(err, trading.ErrQuoteUnavailable):
		SendErrorResponse(w, err.Error(), http.StatusServiceUnavailable, nil)
	default:
		h.logger.Error().Err(err).Msg("Unhandled trading error")
		SendErrorResponse(w, "Internal server error", http.StatusInternalServerError, nil)
	}
}

func sendJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payload)
}

// AddFunds credits a user's account, creating it on first deposit.
func (h *TradeHandler) AddFunds(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		SendErrorResponse(w, "Missing user ID", http.StatusBadRequest, nil)
		return
	}

	var req struct {
		Amount float64 `json:"amount" validate:"required,gt=0"`
	}
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	if err := h.orders.Add(r.Context(), userID, req.Amount); err != nil {
		h.sendDomainError(w, err)
		return
	}

	sendJSON(w, map[string]any{"success": true})
}

// GetUserInfo returns the account balance, holdings and armed triggers.
func (h *TradeHandler) GetUserInfo(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		SendErrorResponse(w, "Missing user ID", http.StatusBadRequest, nil)
		return
	}

	info, err := h.orders.GetUserInfo(r.Context(), userID)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	sendJSON(w, info)
}

// GetQuote returns the current price for a symbol, served through the cache.
func (h *TradeHandler) GetQuote(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	if symbol == "" {
		SendErrorResponse(w, "Missing stock symbol", http.StatusBadRequest, nil)
		return
	}

	price, err := h.quotes.GetPrice(r.Context(), symbol)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	sendJSON(w, map[string]any{"stockSymbol": symbol, "price": price})
}

// Buy quotes the symbol, reserves the funds and queues the order.
func (h *TradeHandler) Buy(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	price, err := h.orders.Buy(r.Context(), req.UserID, req.StockSymbol, req.Amount)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	sendJSON(w, map[string]any{"success": true, "quotedPrice": price})
}

func (h *TradeHandler) CommitBuy(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	if err := h.orders.CommitBuy(r.Context(), req.UserID); err != nil {
		h.sendDomainError(w, err)
		return
	}

	sendJSON(w, map[string]any{"success": true})
}

func (h *TradeHandler) CancelBuy(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	if err := h.orders.CancelBuy(r.Context(), req.UserID); err != nil {
		h.sendDomainError(w, err)
		return
	}

	sendJSON(w, map[string]any{"success": true})
}

// Sell quotes the symbol, reserves the shares and queues the order.
func (h *TradeHandler) Sell(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	price, err := h.orders.Sell(r.Context(), req.UserID, req.StockSymbol, req.Amount)
	if err != nil {
		h.sendDomainError(w, err)
		return
	}

	sendJSON(w, map[string]any{"success": true, "quotedPrice": price})
}

func (h *TradeHandler) CommitSell(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	if err := h.orders.CommitSell(r.Context(), req.UserID); err != nil {
		h.sendDomainError(w, err)
		return
	}

	sendJSON(w, map[string]any{"success": true})
}

func (h *TradeHandler) CancelSell(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	if err := h.orders.CancelSell(r.Context(), req.UserID); err != nil {
		h.sendDomainError(w, err)
		return
	}

	sendJSON(w, map[string]any{"success": true})
}

// SetBuyAmount reserves funds for a standing buy trigger.
func (h *TradeHandler) SetBuyAmount(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	if err := h.triggers.SetBuyAmount(r.Context(), req.UserID, req.StockSymbol, req.Amount); err != nil {
		h.sendDomainError(w, err)
		return
	}

	sendJSON(w, map[string]any{"success": true})
}

// SetBuyTrigger arms a standing buy order with its trigger price.
func (h *TradeHandler) SetBuyTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerPriceRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	if err := h.triggers.SetBuyTrigger(r.Context(), req.UserID, req.StockSymbol, req.Price); err != nil {
		h.sendDomainError(w, err)
		return
	}

	sendJSON(w, map[string]any{"success": true})
}

func (h *TradeHandler) CancelSetBuy(w http.ResponseWriter, r *http.Request) {
	var req symbolRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	if err := h.triggers.CancelSetBuy(r.Context(), req.UserID, req.StockSymbol); err != nil {
		h.sendDomainError(w, err)
		return
	}

	sendJSON(w, map[string]any{"success": true})
}

// SetSellAmount reserves shares for a standing sell trigger.
func (h *TradeHandler) SetSellAmount(w http.ResponseWriter, r *http.Request) {
	var req orderRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	if err := h.triggers.SetSellAmount(r.Context(), req.UserID, req.StockSymbol, req.Amount); err != nil {
		h.sendDomainError(w, err)
		return
	}

	sendJSON(w, map[string]any{"success": true})
}

// SetSellTrigger arms a standing sell order with its trigger price.
func (h *TradeHandler) SetSellTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerPriceRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	if err := h.triggers.SetSellTrigger(r.Context(), req.UserID, req.StockSymbol, req.Price); err != nil {
		h.sendDomainError(w, err)
		return
	}

	sendJSON(w, map[string]any{"success": true})
}

func (h *TradeHandler) CancelSetSell(w http.ResponseWriter, r *http.Request) {
	var req symbolRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}

	if err := h.triggers.CancelSetSell(r.Context(), req.UserID, req.StockSymbol); err != nil {
		h.sendDomainError(w, err)
		return
	}

	sendJSON(w, map[string]any{"success": true})
}
