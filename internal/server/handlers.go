package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aristath/yieldrouter/internal/domain"
	"github.com/aristath/yieldrouter/internal/modules/execution"
	"github.com/aristath/yieldrouter/internal/scheduler"
	"github.com/shopspring/decimal"
)

// StatusResponse is returned by GET /api/status
type StatusResponse struct {
	scheduler.Status
	Breakers map[string]string `json:"breakers"`
}

// ExecutionResponse pairs an execution with its rendered summary
type ExecutionResponse struct {
	*domain.RebalanceExecution
	Summary string `json:"summary"`
}

// OpenPositionRequest is the body of POST /api/positions
type OpenPositionRequest struct {
	Venue  string          `json:"venue"`
	Token  string          `json:"token"`
	Amount decimal.Decimal `json:"amount"`
	APY    decimal.Decimal `json:"apy"`
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":             "healthy",
		"service":            "yieldrouter",
		"controller_running": s.cfg.Controller.Running(),
	}

	if s.cfg.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.cfg.DB.QuickCheck(ctx); err != nil {
			response["status"] = "degraded"
			response["database"] = err.Error()
			s.writeJSON(w, http.StatusServiceUnavailable, response)
			return
		}
	}

	s.writeJSON(w, http.StatusOK, response)
}

// GET /api/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	response := StatusResponse{
		Status:   s.cfg.Controller.Status(),
		Breakers: make(map[string]string),
	}
	if s.cfg.Breakers != nil {
		for venue, state := range s.cfg.Breakers.BreakerStates() {
			response.Breakers[venue] = state.String()
		}
	}
	s.writeJSON(w, http.StatusOK, response)
}

// POST /api/controller/start
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Controller.Start(s.cfg.BaseContext); err != nil {
		if errors.Is(err, scheduler.ErrAlreadyRunning) {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Info().Msg("Controller started via API")
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

// POST /api/controller/stop
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.cfg.Controller.Stop()
	s.log.Info().Msg("Controller stopped via API")
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// POST /api/controller/run-once
func (s *Server) handleRunOnce(w http.ResponseWriter, r *http.Request) {
	if !s.runOnceLimiter.Allow() {
		s.writeError(w, http.StatusTooManyRequests, "run-once called too frequently")
		return
	}

	s.log.Info().Msg("Manual cycle triggered")
	execs, err := s.cfg.Controller.RunOnce(r.Context())
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"executions": withSummaries(execs),
	})
}

// GET /api/positions
func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.cfg.Positions.All(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list positions")
		s.writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}
	s.writeJSON(w, http.StatusOK, positions)
}

// POST /api/positions records capital placed outside the controller
func (s *Server) handleOpenPosition(w http.ResponseWriter, r *http.Request) {
	var req OpenPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Venue = strings.TrimSpace(req.Venue)
	req.Token = strings.ToUpper(strings.TrimSpace(req.Token))
	if req.Venue == "" || req.Token == "" || !req.Amount.IsPositive() {
		s.writeError(w, http.StatusBadRequest, "venue, token and a positive amount are required")
		return
	}

	pos, err := s.cfg.Positions.Open(r.Context(), req.Venue, req.Token, req.Amount, req.APY)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to open position")
		s.writeError(w, http.StatusInternalServerError, "failed to open position")
		return
	}
	s.writeJSON(w, http.StatusCreated, pos)
}

// GET /api/executions?limit=N
func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	execs, err := s.cfg.History.RecentExecutions(r.Context(), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list executions")
		s.writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}
	s.writeJSON(w, http.StatusOK, withSummaries(execs))
}

// GET /api/allocations/new-capital?token=USDC&amount=1000
func (s *Server) handleNewCapital(w http.ResponseWriter, r *http.Request) {
	token := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("token")))
	amount, err := decimal.NewFromString(r.URL.Query().Get("amount"))
	if token == "" || err != nil || !amount.IsPositive() {
		s.writeError(w, http.StatusBadRequest, "token and a positive amount are required")
		return
	}

	allocation, err := s.cfg.Planner.ProposeNewCapital(r.Context(), token, amount)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	placed := decimal.Zero
	for _, v := range allocation {
		placed = placed.Add(v)
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":      token,
		"amount":     amount,
		"allocation": allocation,
		"idle":       amount.Sub(placed),
	})
}

func withSummaries(execs []*domain.RebalanceExecution) []ExecutionResponse {
	out := make([]ExecutionResponse, 0, len(execs))
	for _, e := range execs {
		out = append(out, ExecutionResponse{RebalanceExecution: e, Summary: execution.Summary(e)})
	}
	return out
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"status": "error", "message": message})
}
