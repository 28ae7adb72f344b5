package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/tradeledger/pkg/app/core/account"
	"github.com/uhyunpark/tradeledger/pkg/app/ledger"
	"github.com/uhyunpark/tradeledger/pkg/money"
	"github.com/uhyunpark/tradeledger/pkg/util"
)

const (
	reconciliationsChannel = "reconciliations"
	maxBodyBytes           = 1 << 20
)

func accountChannel(id string) string { return "account:" + id }

type Config struct {
	CORSOrigins []string
	// HistoryLimit caps history responses when the request sets no limit
	HistoryLimit int
	// IdentityHeader is admitted by CORS; defaults to the HeaderIdentity's header
	IdentityHeader string
	// OperatorKey, presented in OperatorHeader, grants access to every
	// account's reconciliations. Empty disables operator access.
	OperatorKey string
}

// Server exposes the ledger over REST and pushes ledger events over WebSocket
type Server struct {
	svc      *ledger.Service
	router   *mux.Router
	hub      *Hub
	identity Identity
	cfg      Config
	log      *zap.SugaredLogger
}

func NewServer(svc *ledger.Service, identity Identity, cfg Config, log *zap.SugaredLogger) *Server {
	if identity == nil {
		identity = HeaderIdentity{}
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 100
	}
	if h, ok := identity.(HeaderIdentity); ok && cfg.IdentityHeader == "" {
		cfg.IdentityHeader = h.Header
	}
	if cfg.IdentityHeader == "" {
		cfg.IdentityHeader = DefaultIdentityHeader
	}
	log = util.OrNop(log)
	s := &Server{
		svc:      svc,
		router:   mux.NewRouter(),
		hub:      NewHub(log),
		identity: identity,
		cfg:      cfg,
		log:      log,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Account endpoints
	api.HandleFunc("/accounts", s.handleOpenAccount).Methods("POST")
	api.HandleFunc("/accounts/{id}/history", s.handleHistory).Methods("GET")
	api.HandleFunc("/balance", s.handleBalance).Methods("GET")

	// Cash movements
	api.HandleFunc("/deposit", s.handleDeposit).Methods("POST")
	api.HandleFunc("/withdraw", s.handleWithdraw).Methods("POST")

	// Trades
	api.HandleFunc("/buy", s.handleBuy).Methods("POST")
	api.HandleFunc("/sell", s.handleSell).Methods("POST")

	// Reconciliation: operators see every account, callers only their own
	api.HandleFunc("/reconciliations", s.handleListReconciliations).Methods("GET")
	api.HandleFunc("/reconciliations/{clientOrderId}/retry", s.handleRetryReconciliation).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped with CORS
func (s *Server) Handler() http.Handler {
	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", s.cfg.IdentityHeader, OperatorHeader},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start serves on addr until ctx is done, then shuts down gracefully
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Infow("api_server_starting", "addr", addr)

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.log.Infow("api_server_stopping")
		return srv.Shutdown(shutdownCtx)
	}
}

// PublishEvent pushes a ledger event to its account channel, and
// reconciliation outcomes to the reconciliations channel as well.
// Suitable as ledger.Service.OnEvent.
func (s *Server) PublishEvent(ev ledger.Event) {
	ch := accountChannel(ev.AccountID)
	s.hub.BroadcastToChannel(ch, WSMessage{Channel: ch, Event: ev})

	if ev.Type == ledger.EventReconciliationFailed || ev.Type == ledger.EventReconciled {
		s.hub.BroadcastToChannel(reconciliationsChannel, WSMessage{Channel: reconciliationsChannel, Event: ev})
	}
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleOpenAccount(w http.ResponseWriter, r *http.Request) {
	var req OpenAccountRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, ok := s.resolve(w, r, req.AccountID)
	if !ok {
		return
	}
	acc, err := s.svc.Open(r.Context(), id)
	if err != nil {
		s.respondLedgerError(w, err, "InvalidAccount")
		return
	}
	writeJSON(w, http.StatusCreated, accountInfo(acc))
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := s.resolve(w, r, r.URL.Query().Get("accountId"))
	if !ok {
		return
	}
	bal, err := s.svc.Balance(r.Context(), id)
	if err != nil {
		s.respondLedgerError(w, err, "InvalidAccount")
		return
	}
	respondJSON(w, BalanceResponse{AccountID: id, Balance: bal})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := s.resolve(w, r, mux.Vars(r)["id"])
	if !ok {
		return
	}
	limit := s.cfg.HistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "InvalidInput", "limit must be a positive integer")
			return
		}
		limit = min(n, s.cfg.HistoryLimit)
	}
	entries, err := s.svc.History(r.Context(), id, limit)
	if err != nil {
		s.respondLedgerError(w, err, "InvalidAccount")
		return
	}
	if entries == nil {
		entries = []account.Entry{}
	}
	respondJSON(w, HistoryResponse{AccountID: id, Entries: entries})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.handleCash(w, r, s.svc.Deposit)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.handleCash(w, r, s.svc.Withdraw)
}

type cashFunc func(ctx context.Context, accountID string, amount money.Amount, opts ...ledger.Option) (money.Amount, error)

func (s *Server) handleCash(w http.ResponseWriter, r *http.Request, op cashFunc) {
	var req CashRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, ok := s.resolve(w, r, req.AccountID)
	if !ok {
		return
	}
	amount, err := money.ParseAmount(req.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, "InvalidAmount", err.Error())
		return
	}

	var opts []ledger.Option
	if req.IdempotencyKey != "" {
		opts = append(opts, ledger.WithIdempotencyKey(req.IdempotencyKey))
	}
	bal, err := op(r.Context(), id, amount, opts...)
	if err != nil {
		s.respondLedgerError(w, err, "InvalidAmount")
		return
	}
	respondJSON(w, BalanceResponse{AccountID: id, Balance: bal})
}

func (s *Server) handleBuy(w http.ResponseWriter, r *http.Request) {
	s.handleTrade(w, r, s.svc.Buy)
}

func (s *Server) handleSell(w http.ResponseWriter, r *http.Request) {
	s.handleTrade(w, r, s.svc.Sell)
}

type tradeFunc func(ctx context.Context, accountID, symbol string, qty money.Quantity, opts ...ledger.Option) (ledger.Receipt, error)

func (s *Server) handleTrade(w http.ResponseWriter, r *http.Request, op tradeFunc) {
	var req TradeRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, ok := s.resolve(w, r, req.AccountID)
	if !ok {
		return
	}
	qty, err := money.ParseQuantity(req.Quantity)
	if err != nil {
		respondError(w, http.StatusBadRequest, "InvalidQuantity", err.Error())
		return
	}

	var opts []ledger.Option
	if req.ClientOrderID != "" {
		opts = append(opts, ledger.WithIdempotencyKey(req.ClientOrderID))
	}
	receipt, err := op(r.Context(), id, req.Symbol, qty, opts...)
	if err != nil {
		s.respondLedgerError(w, err, "InvalidOrder")
		return
	}
	respondJSON(w, tradeResponse(receipt))
}

func (s *Server) handleListReconciliations(w http.ResponseWriter, r *http.Request) {
	id, operator, ok := s.reconcileScope(w, r)
	if !ok {
		return
	}
	pending, err := s.svc.PendingReconciliations(r.Context())
	if err != nil {
		s.respondLedgerError(w, err, "InvalidInput")
		return
	}
	if !operator || id != "" {
		pending = ledger.PendingFor(pending, id)
	}
	if pending == nil {
		pending = []ledger.Pending{}
	}
	respondJSON(w, pending)
}

func (s *Server) handleRetryReconciliation(w http.ResponseWriter, r *http.Request) {
	id, _, ok := s.reconcileScope(w, r)
	if !ok {
		return
	}
	if id == "" {
		respondError(w, http.StatusBadRequest, "InvalidAccount", "accountId is required")
		return
	}
	coid := mux.Vars(r)["clientOrderId"]
	receipt, err := s.svc.Reconcile(r.Context(), id, coid)
	if err != nil {
		s.respondLedgerError(w, err, "InvalidInput")
		return
	}
	respondJSON(w, tradeResponse(receipt))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]any{
		"status":    "ok",
		"wsClients": s.hub.Count(),
	})
}

// ==============================
// Helpers
// ==============================

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "InvalidRequest", "invalid request body")
		return false
	}
	return true
}

func (s *Server) resolve(w http.ResponseWriter, r *http.Request, claimed string) (string, bool) {
	id, err := s.identity.Resolve(r, claimed)
	switch {
	case errors.Is(err, ErrUnauthenticated):
		respondError(w, http.StatusUnauthorized, "Unauthenticated", err.Error())
		return "", false
	case errors.Is(err, ErrForbidden):
		respondError(w, http.StatusForbidden, "Forbidden", err.Error())
		return "", false
	case err != nil:
		respondError(w, http.StatusInternalServerError, "InternalError", err.Error())
		return "", false
	}
	return id, true
}

func (s *Server) isOperator(r *http.Request) bool {
	return hasOperatorKey(r, s.cfg.OperatorKey)
}

// reconcileScope returns the account whose reconciliations r may touch.
// Operators may name any account or none; other callers are held to the
// account they resolve to.
func (s *Server) reconcileScope(w http.ResponseWriter, r *http.Request) (id string, operator, ok bool) {
	claimed := r.URL.Query().Get("accountId")
	if s.isOperator(r) {
		return claimed, true, true
	}
	id, ok = s.resolve(w, r, claimed)
	if !ok {
		return "", false, false
	}
	if id == "" {
		respondError(w, http.StatusBadRequest, "InvalidAccount", "accountId is required")
		return "", false, false
	}
	return id, false, true
}

// respondLedgerError maps a ledger error onto a status and error code.
// invalidCode names the code used for KindInvalidInput on this route.
func (s *Server) respondLedgerError(w http.ResponseWriter, err error, invalidCode string) {
	kind := ledger.KindOf(err)
	status, code := http.StatusInternalServerError, "InternalError"
	switch kind {
	case ledger.KindInvalidInput:
		status, code = http.StatusBadRequest, invalidCode
	case ledger.KindInsufficientBalance:
		status, code = http.StatusBadRequest, "InsufficientBalance"
	case ledger.KindNotFound:
		status, code = http.StatusNotFound, "NotFound"
	case ledger.KindExchange:
		status, code = http.StatusInternalServerError, "ExchangeError"
	case ledger.KindReconciliationFailed:
		status, code = http.StatusInternalServerError, "ReconciliationFailed"
	default:
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			status, code = http.StatusServiceUnavailable, "Cancelled"
		} else {
			s.log.Errorw("api_internal_error", "err", err)
		}
	}

	resp := ErrorResponse{Error: code, Message: err.Error(), Retryable: kind.Retryable()}
	if p, ok := ledger.PendingOf(err); ok {
		resp.Pending = &p
	}
	writeJSON(w, status, resp)
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
