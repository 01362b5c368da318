package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/memeperp/engine/pkg/app/core"
	"github.com/memeperp/engine/pkg/app/perp"
	"github.com/memeperp/engine/pkg/crypto"
)

// Server is the REST and WebSocket surface over the engine.
type Server struct {
	engine *perp.Engine
	router *mux.Router
	log    *zap.Logger
}

// NewServer wires routes over the engine.
func NewServer(e *perp.Engine, log *zap.Logger) *Server {
	s := &Server{engine: e, router: mux.NewRouter(), log: log}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Market data.
	api.HandleFunc("/markets", s.handleGetMarkets).Methods("GET")
	api.HandleFunc("/markets/{id}/orderbook", s.handleGetOrderbook).Methods("GET")
	api.HandleFunc("/markets/{id}/trades", s.handleGetTrades).Methods("GET")
	api.HandleFunc("/markets/{id}/klines", s.handleGetKlines).Methods("GET")
	api.HandleFunc("/markets/{id}/risk", s.handleGetMarketRisk).Methods("GET")
	api.HandleFunc("/markets/{id}/liquidation-map", s.handleGetLiquidationMap).Methods("GET")

	// Accounts.
	api.HandleFunc("/accounts/{address}", s.handleGetBalance).Methods("GET")
	api.HandleFunc("/accounts/{address}/positions", s.handleGetPositions).Methods("GET")
	api.HandleFunc("/accounts/{address}/orders", s.handleGetOrders).Methods("GET")
	api.HandleFunc("/accounts/{address}/nonce", s.handleGetNonce).Methods("GET")
	api.HandleFunc("/accounts/{address}/deposit", s.handleDeposit).Methods("POST")
	api.HandleFunc("/accounts/{address}/withdraw", s.handleWithdraw).Methods("POST")

	// Trading.
	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders/{id}/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/pairs/{id}/close", s.handleClosePair).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
	})
	return c.Handler(s.router)
}

// Start serves until the listener fails or ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()
	s.log.Info("api server starting", zap.String("addr", addr))
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleGetMarkets(w http.ResponseWriter, _ *http.Request) {
	ms := s.engine.Markets()
	out := make([]MarketInfo, 0, len(ms))
	for _, p := range ms {
		out = append(out, marketInfo(p))
	}
	respondJSON(w, out)
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	depth, _ := strconv.Atoi(r.URL.Query().Get("depth"))
	v, err := s.engine.BookSnapshot(r.Context(), mux.Vars(r)["id"], depth)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, bookResponse(v))
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	fills, err := s.engine.Trades(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		respondError(w, err)
		return
	}
	out := make([]FillView, 0, len(fills))
	for _, f := range fills {
		out = append(out, fillView(f))
	}
	respondJSON(w, out)
}

func (s *Server) handleGetKlines(w http.ResponseWriter, r *http.Request) {
	res, err := strconv.ParseInt(r.URL.Query().Get("resolution"), 10, 64)
	if err != nil || res <= 0 {
		respondStatus(w, http.StatusBadRequest, "BadRequest", "resolution (seconds) is required")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	ks, err := s.engine.Klines(r.Context(), mux.Vars(r)["id"], res, limit)
	if err != nil {
		respondError(w, err)
		return
	}
	out := make([]KlineView, 0, len(ks))
	for _, k := range ks {
		out = append(out, klineView(k))
	}
	respondJSON(w, out)
}

func (s *Server) handleGetMarketRisk(w http.ResponseWriter, r *http.Request) {
	v, err := s.engine.MarketRisk(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, marketRiskResponse(v))
}

func (s *Server) handleGetLiquidationMap(w http.ResponseWriter, r *http.Request) {
	bucket, _ := strconv.ParseInt(r.URL.Query().Get("bucket"), 10, 64)
	buckets, err := s.engine.LiquidationMap(r.Context(), mux.Vars(r)["id"], bucket)
	if err != nil {
		respondError(w, err)
		return
	}
	out := make([]LiquidationBucketView, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, LiquidationBucketView{Price: dec(b.Price), Notional: dec(b.Notional), Pairs: b.Pairs})
	}
	respondJSON(w, out)
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, r)
	if !ok {
		return
	}
	b, err := s.engine.Balance(addr)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, balanceView(b))
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, r)
	if !ok {
		return
	}
	ps, err := s.engine.Positions(r.Context(), addr)
	if err != nil {
		respondError(w, err)
		return
	}
	out := make([]PositionView, 0, len(ps))
	for _, p := range ps {
		out = append(out, positionView(p))
	}
	respondJSON(w, out)
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, r)
	if !ok {
		return
	}
	marketID := r.URL.Query().Get("market")
	if marketID == "" {
		respondStatus(w, http.StatusBadRequest, "BadRequest", "market query parameter is required")
		return
	}
	var status *core.OrderStatus
	if st := r.URL.Query().Get("status"); st != "" {
		parsed, ok := parseOrderStatus(st)
		if !ok {
			respondStatus(w, http.StatusBadRequest, "BadRequest", "unknown status "+st)
			return
		}
		status = &parsed
	}
	orders, err := s.engine.Orders(r.Context(), marketID, addr, status)
	if err != nil {
		respondError(w, err)
		return
	}
	out := make([]OrderView, 0, len(orders))
	for _, o := range orders {
		out = append(out, orderView(o))
	}
	respondJSON(w, out)
}

func parseOrderStatus(s string) (core.OrderStatus, bool) {
	for _, st := range []core.OrderStatus{
		core.OrderPending, core.OrderPartial, core.OrderFilled,
		core.OrderCancelled, core.OrderRejected, core.OrderExpired,
	} {
		if st.String() == s {
			return st, true
		}
	}
	return 0, false
}

func (s *Server) handleGetNonce(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, r)
	if !ok {
		return
	}
	respondJSON(w, map[string]uint64{"nonce": s.engine.Nonce(addr)})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, r)
	if !ok {
		return
	}
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondStatus(w, http.StatusBadRequest, "BadRequest", err.Error())
		return
	}
	amount, err := parseDec(req.Amount)
	if err != nil || amount <= 0 {
		respondStatus(w, http.StatusBadRequest, "BadRequest", "amount must be a positive decimal string")
		return
	}
	if err := s.engine.Deposit(addr, amount); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, r)
	if !ok {
		return
	}
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondStatus(w, http.StatusBadRequest, "BadRequest", err.Error())
		return
	}
	amount, err := parseDec(req.Amount)
	if err != nil || amount <= 0 {
		respondStatus(w, http.StatusBadRequest, "BadRequest", "amount must be a positive decimal string")
		return
	}
	if err := s.engine.Withdraw(addr, amount); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondStatus(w, http.StatusBadRequest, "BadRequest", err.Error())
		return
	}
	o, err := req.ToOrder()
	if err != nil {
		respondStatus(w, http.StatusBadRequest, "BadRequest", err.Error())
		return
	}
	res, err := s.engine.SubmitOrder(r.Context(), o)
	if err != nil {
		respondError(w, err)
		return
	}
	out := SubmitOrderResponse{Order: orderView(res.Order), Fills: make([]FillView, 0, len(res.Fills))}
	for _, f := range res.Fills {
		out.Fills = append(out.Fills, fillView(f))
	}
	respondJSON(w, out)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondStatus(w, http.StatusBadRequest, "BadRequest", err.Error())
		return
	}
	if !common.IsHexAddress(req.Trader) {
		respondStatus(w, http.StatusBadRequest, "BadRequest", "invalid trader address")
		return
	}
	sig, err := crypto.SignatureFromHex(req.Signature)
	if err != nil {
		respondStatus(w, http.StatusBadRequest, "BadSignature", err.Error())
		return
	}
	orderID := mux.Vars(r)["id"]
	if err := s.engine.CancelOrder(r.Context(), orderID, common.HexToAddress(req.Trader), sig); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, map[string]string{"status": "cancelled", "orderId": orderID})
}

func (s *Server) handleClosePair(w http.ResponseWriter, r *http.Request) {
	var req ClosePairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondStatus(w, http.StatusBadRequest, "BadRequest", err.Error())
		return
	}
	if !common.IsHexAddress(req.Trader) {
		respondStatus(w, http.StatusBadRequest, "BadRequest", "invalid trader address")
		return
	}
	qty, err := parseDec(req.Qty)
	if err != nil || qty < 0 {
		respondStatus(w, http.StatusBadRequest, "BadRequest", "invalid qty")
		return
	}
	sig, err := crypto.SignatureFromHex(req.Signature)
	if err != nil {
		respondStatus(w, http.StatusBadRequest, "BadSignature", err.Error())
		return
	}
	pairID := mux.Vars(r)["id"]
	if err := s.engine.ClosePair(r.Context(), pairID, common.HexToAddress(req.Trader), qty, sig); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, map[string]string{"status": "closed", "pairId": pairID})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

func parseAddress(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	raw := mux.Vars(r)["address"]
	if !common.IsHexAddress(raw) {
		respondStatus(w, http.StatusBadRequest, "BadRequest", "invalid address "+raw)
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func respondStatus(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: http.StatusText(status), Code: code, Message: message})
}

// respondError maps the stable rejection taxonomy to HTTP statuses.
func respondError(w http.ResponseWriter, err error) {
	code := core.Code(err)
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, core.ErrUnknownTrader),
		errors.Is(err, core.ErrUnknownMarket),
		errors.Is(err, core.ErrNotFillable):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrMarketHalted),
		errors.Is(err, core.ErrAlreadyTerminal):
		status = http.StatusConflict
	case errors.Is(err, core.ErrBadSignature):
		status = http.StatusUnauthorized
	case code == "Internal":
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: http.StatusText(status), Code: code, Message: err.Error()})
}
