package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/papertrade/broker-engine/internal/brokererr"
	"github.com/papertrade/broker-engine/internal/metrics"
	"github.com/papertrade/broker-engine/internal/model"
	"github.com/papertrade/broker-engine/internal/orders"
	"github.com/papertrade/broker-engine/internal/store"
)

// Routes mounts the API onto a chi router.
func (s *Service) Routes(r chi.Router) {
	r.Post("/accounts", s.CreateAccount)
	r.Get("/accounts/{accountID}", s.GetAccount)
	r.Get("/accounts/{accountID}/portfolio", s.GetPortfolio)
	r.Get("/accounts/{accountID}/orders", s.ListOrders)
	r.Get("/accounts/{accountID}/executions", s.ListExecutions)
	r.Get("/accounts/{accountID}/ledger", s.GetLedgerBalances)
	r.Get("/accounts/{accountID}/ledger/entries", s.GetLedgerEntries)
	r.Get("/accounts/{accountID}/ledger/integrity", s.GetLedgerIntegrity)

	r.Post("/instruments", s.CreateInstrument)
	r.Get("/instruments", s.ListInstruments)

	r.Post("/orders", s.PlaceOrder)
	r.Get("/orders/{orderID}", s.GetOrder)
	r.Get("/orders/{orderID}/events", s.GetOrderEvents)
	r.Post("/orders/{orderID}/cancel", s.CancelOrder)
	r.Post("/orders/{orderID}/modify", s.ModifyOrder)

	r.Post("/quotes", s.PublishQuote)
	r.Get("/quotes/{symbol}", s.GetQuote)
}

// --- Request/response types ---

// CreateAccountRequest is the JSON body for POST /accounts.
type CreateAccountRequest struct {
	InitialCash decimal.Decimal `json:"initial_cash"`
	Type        string          `json:"type"`
}

// CreateInstrumentRequest is the JSON body for POST /instruments.
type CreateInstrumentRequest struct {
	Symbol      string `json:"symbol"`
	Name        string `json:"name"`
	Exchange    string `json:"exchange"`
	Tradeable   *bool  `json:"tradeable"`
	Restriction string `json:"restriction"`
}

// PlaceOrderRequest is the JSON body for POST /orders.
type PlaceOrderRequest struct {
	AccountID      string            `json:"account_id"`
	Symbol         string            `json:"symbol"`
	Side           model.Side        `json:"side"`
	Type           model.OrderType   `json:"type"`
	TimeInForce    model.TimeInForce `json:"time_in_force"`
	Quantity       decimal.Decimal   `json:"quantity"`
	LimitPrice     *decimal.Decimal  `json:"limit_price,omitempty"`
	StopPrice      *decimal.Decimal  `json:"stop_price,omitempty"`
	IdempotencyKey string            `json:"idempotency_key"`
}

// PlaceOrderResponse is returned from POST /orders.
type PlaceOrderResponse struct {
	Order     *model.Order     `json:"order"`
	Execution *model.Execution `json:"execution,omitempty"`
	Outcome   string           `json:"outcome,omitempty"`
}

// CancelOrderRequest is the JSON body for POST /orders/{id}/cancel.
type CancelOrderRequest struct {
	Reason  string `json:"reason"`
	Version int64  `json:"version"` // 0 = unconditional
}

// ModifyOrderRequest is the JSON body for POST /orders/{id}/modify.
type ModifyOrderRequest struct {
	Quantity   *decimal.Decimal `json:"quantity,omitempty"`
	LimitPrice *decimal.Decimal `json:"limit_price,omitempty"`
	Version    int64            `json:"version"`
}

// QuoteRequest is the JSON body for POST /quotes.
type QuoteRequest struct {
	Symbol string          `json:"symbol"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	Last   decimal.Decimal `json:"last"`
}

// --- Handlers ---

// CreateAccount handles POST /api/v1/accounts.
func (s *Service) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	a, err := s.createAccount(r.Context(), req.InitialCash, req.Type)
	if err != nil {
		writeTypedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// GetAccount handles GET /api/v1/accounts/{accountID}.
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	a, err := s.store.GetAccount(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeTypedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// GetPortfolio handles GET /api/v1/accounts/{accountID}/portfolio.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	pf, err := s.portfolio(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeTypedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pf)
}

// CreateInstrument handles POST /api/v1/instruments.
func (s *Service) CreateInstrument(w http.ResponseWriter, r *http.Request) {
	var req CreateInstrumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Symbol == "" {
		writeError(w, "symbol is required", http.StatusBadRequest)
		return
	}
	switch req.Restriction {
	case model.RestrictionNone, model.RestrictionHalt, model.RestrictionCloseOnly:
	default:
		writeError(w, "restriction must be empty, HALT, or CLOSE_ONLY", http.StatusBadRequest)
		return
	}

	tradeable := true
	if req.Tradeable != nil {
		tradeable = *req.Tradeable
	}
	exchange := req.Exchange
	if exchange == "" {
		exchange = "NYSE"
	}
	in := &model.Instrument{
		Symbol:      req.Symbol,
		Name:        req.Name,
		Exchange:    exchange,
		Tradeable:   tradeable,
		Restriction: req.Restriction,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateInstrument(r.Context(), in); err != nil {
		writeTypedError(w, err)
		return
	}
	slog.Info("instrument registered", "symbol", in.Symbol, "exchange", in.Exchange)
	writeJSON(w, http.StatusCreated, in)
}

// ListInstruments handles GET /api/v1/instruments.
func (s *Service) ListInstruments(w http.ResponseWriter, r *http.Request) {
	ins, err := s.store.ListInstruments(r.Context())
	if err != nil {
		writeTypedError(w, err)
		return
	}
	if ins == nil {
		ins = []model.Instrument{}
	}
	writeJSON(w, http.StatusOK, ins)
}

// PlaceOrder handles POST /api/v1/orders.
func (s *Service) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.TimeInForce == "" {
		req.TimeInForce = model.TIFDay
	}

	params := orders.Params{
		AccountID:   req.AccountID,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Type:        req.Type,
		TimeInForce: req.TimeInForce,
		Quantity:    req.Quantity,
		LimitPrice:  req.LimitPrice,
		StopPrice:   req.StopPrice,
	}
	o, res, err := s.placeOrder(r.Context(), params, req.IdempotencyKey)
	if err != nil {
		writeTypedError(w, err)
		return
	}

	resp := PlaceOrderResponse{Order: o}
	if res != nil {
		resp.Outcome = string(res.Outcome)
		resp.Execution = res.Execution
	}
	writeJSON(w, http.StatusCreated, resp)
}

// GetOrder handles GET /api/v1/orders/{orderID}.
func (s *Service) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.store.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeTypedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// GetOrderEvents handles GET /api/v1/orders/{orderID}/events.
func (s *Service) GetOrderEvents(w http.ResponseWriter, r *http.Request) {
	evs, err := s.store.ListOrderEvents(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeTypedError(w, err)
		return
	}
	if evs == nil {
		evs = []model.OrderEvent{}
	}
	writeJSON(w, http.StatusOK, evs)
}

// ListOrders handles GET /api/v1/accounts/{accountID}/orders?open=true.
func (s *Service) ListOrders(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	var (
		out []model.Order
		err error
	)
	if r.URL.Query().Get("open") == "true" {
		out, err = s.store.ListOpenOrders(r.Context(), accountID)
	} else {
		out, err = s.store.ListOrders(r.Context(), accountID)
	}
	if err != nil {
		writeTypedError(w, err)
		return
	}
	if out == nil {
		out = []model.Order{}
	}
	writeJSON(w, http.StatusOK, out)
}

// ListExecutions handles GET /api/v1/accounts/{accountID}/executions.
func (s *Service) ListExecutions(w http.ResponseWriter, r *http.Request) {
	execs, err := s.store.ListExecutions(r.Context(), chi.URLParam(r, "accountID"), r.URL.Query().Get("symbol"))
	if err != nil {
		writeTypedError(w, err)
		return
	}
	if execs == nil {
		execs = []model.Execution{}
	}
	writeJSON(w, http.StatusOK, execs)
}

// CancelOrder handles POST /api/v1/orders/{orderID}/cancel.
func (s *Service) CancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		req.Reason = "user requested"
	}
	o, err := s.cancelOrder(r.Context(), chi.URLParam(r, "orderID"), req.Reason, req.Version)
	if err != nil {
		writeTypedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// ModifyOrder handles POST /api/v1/orders/{orderID}/modify.
func (s *Service) ModifyOrder(w http.ResponseWriter, r *http.Request) {
	var req ModifyOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Version == 0 {
		writeError(w, "version is required", http.StatusBadRequest)
		return
	}
	o, err := s.modifyOrder(r.Context(), chi.URLParam(r, "orderID"), req.Quantity, req.LimitPrice, req.Version)
	if err != nil {
		writeTypedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// PublishQuote handles POST /api/v1/quotes, the simulation's market-data
// input. Each tick re-evaluates resting orders on the symbol.
func (s *Service) PublishQuote(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Symbol == "" || !req.Bid.IsPositive() || !req.Ask.IsPositive() {
		writeError(w, "symbol, bid, and ask are required", http.StatusBadRequest)
		return
	}
	if req.Ask.LessThan(req.Bid) {
		writeError(w, "ask must be >= bid", http.StatusBadRequest)
		return
	}

	q := model.Quote{
		Symbol:    req.Symbol,
		Bid:       req.Bid,
		Ask:       req.Ask,
		Last:      req.Last,
		Timestamp: time.Now().UTC(),
	}
	s.publishQuote(r.Context(), q)
	writeJSON(w, http.StatusAccepted, q)
}

// GetQuote handles GET /api/v1/quotes/{symbol}.
func (s *Service) GetQuote(w http.ResponseWriter, r *http.Request) {
	q, err := s.feed.GetSpread(r.Context(), chi.URLParam(r, "symbol"))
	if err != nil {
		writeTypedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// GetLedgerBalances handles GET /api/v1/accounts/{accountID}/ledger.
func (s *Service) GetLedgerBalances(w http.ResponseWriter, r *http.Request) {
	accts, err := s.store.ListLedgerAccounts(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeTypedError(w, err)
		return
	}
	if accts == nil {
		accts = []model.LedgerAccount{}
	}
	writeJSON(w, http.StatusOK, accts)
}

// GetLedgerEntries handles GET /api/v1/accounts/{accountID}/ledger/entries.
func (s *Service) GetLedgerEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListLedgerEntries(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeTypedError(w, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// GetLedgerIntegrity handles GET /api/v1/accounts/{accountID}/ledger/integrity.
func (s *Service) GetLedgerIntegrity(w http.ResponseWriter, r *http.Request) {
	rep, err := s.ledger.VerifyIntegrity(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeTypedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// --- Response helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeTypedError maps the error taxonomy onto HTTP statuses. Only the
// typed message leaks to the caller.
func writeTypedError(w http.ResponseWriter, err error) {
	var (
		ve *brokererr.ValidationError
		fe *brokererr.InsufficientFundsError
		se *brokererr.InvalidSymbolError
		me *brokererr.MarketClosedError
		pe *brokererr.PositionLimitError
		ie *brokererr.InvalidStateError
		ce *brokererr.ConcurrencyError
		le *brokererr.LedgerImbalanceError
		ue *brokererr.ServiceUnavailableError
	)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, "not found", http.StatusNotFound)
	case errors.As(err, &ve), errors.As(err, &se):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &fe), errors.As(err, &me), errors.As(err, &pe):
		writeError(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.As(err, &ie), errors.As(err, &ce):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.As(err, &ue):
		writeError(w, err.Error(), http.StatusServiceUnavailable)
	case errors.As(err, &le):
		// Logic defect: log loudly, hide detail from the caller.
		metrics.LedgerImbalances.Inc()
		slog.Error("ledger imbalance", "err", err)
		writeError(w, "internal accounting error", http.StatusInternalServerError)
	default:
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}
