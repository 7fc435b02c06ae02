// Package server exposes the reconciliation engine's operations to the
// web layer over HTTP/JSON, plus a gRPC health endpoint for
// infrastructure probes.
package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"BeliefLedger/internal/chain"
	"BeliefLedger/internal/event"
	"BeliefLedger/internal/mirror"
	"BeliefLedger/internal/observability"
	"BeliefLedger/internal/query"
	"BeliefLedger/internal/relay"
	"BeliefLedger/internal/stake"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Deps holds the services the HTTP handlers delegate to.
type Deps struct {
	Mirror        *mirror.Mirror
	Ledger        *stake.Ledger
	Relay         *relay.Relay
	Query         *query.Service
	HealthChecker *observability.HealthChecker
	Log           zerolog.Logger
}

// Server is the HTTP/JSON front for the engine.
type Server struct {
	httpServer *http.Server
	deps       *Deps
	log        zerolog.Logger
}

func NewServer(addr string, deps *Deps) *Server {
	s := &Server{deps: deps, log: deps.Log}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/pools/{addr}", s.handleGetPool)
	mux.HandleFunc("POST /v1/pools/{addr}/sync", s.handleSyncPool)
	mux.HandleFunc("POST /v1/pools/{addr}/recover", s.handleRecoverPool)
	mux.HandleFunc("GET /v1/users/{id}/positions", s.handleGetPositions)
	mux.HandleFunc("GET /v1/users/{id}/stake", s.handleGetStake)
	mux.HandleFunc("GET /v1/users/{id}/withdrawable", s.handleGetWithdrawable)
	mux.HandleFunc("GET /v1/users/{id}/underwater", s.handleCheckUnderwater)
	mux.HandleFunc("POST /v1/skim/preview", s.handlePreviewSkim)
	mux.HandleFunc("POST /v1/events/decode", s.handleDecodeEvent)
	mux.HandleFunc("POST /v1/settlements", s.handleExecuteSettlement)
	mux.HandleFunc("POST /v1/withdrawals", s.handleExecuteWithdrawal)

	if deps.HealthChecker != nil {
		mux.HandleFunc("/healthz", deps.HealthChecker.LivenessHandler)
		mux.HandleFunc("/readyz", deps.HealthChecker.ReadinessHandler)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves until the context is cancelled, then drains.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Error().Err(err).Msg("http shutdown")
		}
	}()

	s.log.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http serve: %w", err)
	}
	return nil
}

// --- pool handlers ---

func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	view, err := s.deps.Query.GetPool(r.Context(), r.PathValue("addr"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleSyncPool(w http.ResponseWriter, r *http.Request) {
	addr, err := chain.ParseAddress(r.PathValue("addr"))
	if err != nil {
		s.writeError(w, &badRequestError{msg: err.Error()})
		return
	}

	snap, err := s.deps.Mirror.SyncPool(r.Context(), addr)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleRecoverPool(w http.ResponseWriter, r *http.Request) {
	addr, err := chain.ParseAddress(r.PathValue("addr"))
	if err != nil {
		s.writeError(w, &badRequestError{msg: err.Error()})
		return
	}

	var req struct {
		PostID string `json:"post_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	outcome, snap, err := s.deps.Mirror.RecoverOrphanedPool(r.Context(), req.PostID, addr)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"outcome": outcome.String(),
		"pool":    snap,
	})
}

// --- stake handlers ---

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	userID, err := parseUserID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	positions, err := s.deps.Query.GetUserPositions(r.Context(), userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": positions})
}

func (s *Server) handleGetStake(w http.ResponseWriter, r *http.Request) {
	userID, err := parseUserID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	summary, err := s.deps.Query.GetStakeSummary(r.Context(), userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleGetWithdrawable(w http.ResponseWriter, r *http.Request) {
	userID, err := parseUserID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	report, err := s.deps.Ledger.CalculateWithdrawable(r.Context(), userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleCheckUnderwater(w http.ResponseWriter, r *http.Request) {
	userID, err := parseUserID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	agentID, err := uuid.Parse(r.URL.Query().Get("agent_id"))
	if err != nil {
		s.writeError(w, &badRequestError{msg: "invalid agent_id"})
		return
	}

	report, err := s.deps.Ledger.CheckUnderwater(r.Context(), userID, agentID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handlePreviewSkim(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID           uuid.UUID `json:"user_id"`
		PoolAddress      string    `json:"pool_address"`
		Side             string    `json:"side"`
		TradeAmountMicro int64     `json:"trade_amount_micro"`
		TradeType        string    `json:"trade_type"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	breakdown, warning, err := s.deps.Ledger.CalculateSkimWithWarning(
		r.Context(), req.UserID, req.PoolAddress,
		stake.TokenType(req.Side), req.TradeAmountMicro, stake.TradeType(req.TradeType))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"breakdown": breakdown,
		"warning":   warning,
	})
}

// --- event handler ---

func (s *Server) handleDecodeEvent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Data string `json:"data"` // base64
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	raw, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		s.writeError(w, &badRequestError{msg: "data is not valid base64"})
		return
	}

	record, err := event.DecodeSettlement(raw, event.SettlementLayoutV1)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// --- relay handlers ---

func (s *Server) handleExecuteSettlement(w http.ResponseWriter, r *http.Request) {
	s.relayHandler(w, r, s.deps.Relay.ExecuteSettlement)
}

func (s *Server) handleExecuteWithdrawal(w http.ResponseWriter, r *http.Request) {
	s.relayHandler(w, r, s.deps.Relay.ExecuteWithdrawal)
}

func (s *Server) relayHandler(
	w http.ResponseWriter,
	r *http.Request,
	execute func(context.Context, []byte) (relay.Outcome, error),
) {
	var req struct {
		Transaction string `json:"transaction"` // base64 signed tx
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	rawTx, err := base64.StdEncoding.DecodeString(req.Transaction)
	if err != nil {
		s.writeError(w, &badRequestError{msg: "transaction is not valid base64"})
		return
	}

	outcome, err := execute(r.Context(), rawTx)
	if err != nil {
		s.writeRelayError(w, outcome, err)
		return
	}

	// Submitted but unconfirmed: the transaction may still land, so the
	// caller gets the signature and an instruction to poll.
	if outcome.Pending() {
		writeJSON(w, http.StatusAccepted, map[string]any{
			"outcome": outcome,
			"message": "transaction submitted, confirmation pending; poll by signature",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"outcome": outcome})
}

// --- plumbing ---

type badRequestError struct{ msg string }

func (e *badRequestError) Error() string { return e.msg }

func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return &badRequestError{msg: "read body: " + err.Error()}
	}
	if err := json.Unmarshal(body, v); err != nil {
		return &badRequestError{msg: "invalid json: " + err.Error()}
	}
	return nil
}

func parseUserID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return uuid.Nil, &badRequestError{msg: "invalid user id"}
	}
	return id, nil
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	var badReq *badRequestError
	var sizeErr *chain.AccountSizeError
	switch {
	case errors.As(err, &badReq), event.IsMalformed(err), errors.As(err, &sizeErr):
		status = http.StatusBadRequest
	case errors.Is(err, query.ErrPoolNotFound),
		errors.Is(err, query.ErrNoStake),
		errors.Is(err, chain.ErrAccountNotFound),
		errors.Is(err, stake.ErrUserNotFound),
		errors.Is(err, stake.ErrAgentNotFound):
		status = http.StatusNotFound
	case errors.Is(err, mirror.ErrEpochRegression):
		status = http.StatusConflict
	case errors.Is(err, mirror.ErrOrphanVaultUninitialized):
		status = http.StatusUnprocessableEntity
	}

	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) writeRelayError(w http.ResponseWriter, outcome relay.Outcome, err error) {
	status := http.StatusInternalServerError

	var deserr *relay.DeserializeError
	var execErr *chain.ExecutionError
	switch {
	case errors.As(err, &deserr):
		status = http.StatusBadRequest
	case errors.Is(err, relay.ErrSettlementCooldown):
		status = http.StatusConflict
	case errors.Is(err, relay.ErrTransactionExpired):
		status = http.StatusGone
	case errors.Is(err, relay.ErrInsufficientFeeFunds):
		status = http.StatusPaymentRequired
	case errors.As(err, &execErr):
		status = http.StatusUnprocessableEntity
	}

	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Str("status", string(outcome.Status)).Msg("relay request failed")
	}
	writeJSON(w, status, map[string]any{
		"error":   err.Error(),
		"outcome": outcome,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
