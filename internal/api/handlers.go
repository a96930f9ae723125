package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/amirphl/simple-backtester/internal/db"
	"github.com/amirphl/simple-backtester/internal/riskmetrics"
	"github.com/amirphl/simple-backtester/internal/tfutils"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
)

const (
	maxListLimit = 500
	maxBodyBytes = 8 << 20
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type listResponse struct {
	Runs   []db.Run `json:"runs"`
	Count  int      `json:"count"`
	Limit  int      `json:"limit"`
	Offset int      `json:"offset"`
}

// computeRequest carries either per-period returns or an equity series.
type computeRequest struct {
	Returns        []float64 `json:"returns"`
	Equity         []float64 `json:"equity"`
	RiskFreeRate   *float64  `json:"risk_free_rate"`
	PeriodsPerYear float64   `json:"periods_per_year"`
	Timeframe      string    `json:"timeframe"` // derives periods_per_year when that is unset
}

type computeResponse struct {
	Metrics   riskmetrics.Metrics `json:"metrics"`
	Drawdowns []float64           `json:"drawdowns,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("writeJSON | failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: code, Message: msg})
}

// writeStoreError maps storage errors onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	log.Error().Err(err).Msg("writeStoreError | storage failure")
	writeError(w, http.StatusInternalServerError, "internal", "storage failure")
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := db.RunFilter{
		Symbol:   q.Get("symbol"),
		Strategy: q.Get("strategy"),
	}

	var err error
	if filter.Limit, err = intParam(q.Get("limit"), 100); err != nil || filter.Limit <= 0 || filter.Limit > maxListLimit {
		writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be between 1 and 500")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset"), 0); err != nil || filter.Offset < 0 {
		writeError(w, http.StatusBadRequest, "invalid_offset", "offset must be a non-negative integer")
		return
	}

	runs, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if runs == nil {
		runs = []db.Run{}
	}
	writeJSON(w, http.StatusOK, listResponse{Runs: runs, Count: len(runs), Limit: filter.Limit, Offset: filter.Offset})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) deleteRun(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteRun(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getRunTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.store.GetRunTrades(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if trades == nil {
		trades = []db.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, trades)
}

func (s *Server) getRunEquity(w http.ResponseWriter, r *http.Request) {
	equity, err := s.store.GetRunEquity(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if equity == nil {
		equity = []db.EquityRecord{}
	}
	writeJSON(w, http.StatusOK, equity)
}

func (s *Server) computeMetrics(w http.ResponseWriter, r *http.Request) {
	var req computeRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if (len(req.Returns) == 0) == (len(req.Equity) == 0) {
		writeError(w, http.StatusBadRequest, "invalid_body", "exactly one of returns or equity is required")
		return
	}

	opts := riskmetrics.DefaultOptions()
	if req.RiskFreeRate != nil {
		opts.RiskFreeRate = *req.RiskFreeRate
	}
	switch {
	case req.PeriodsPerYear > 0:
		opts.PeriodsPerYear = req.PeriodsPerYear
	case req.Timeframe != "":
		if !tfutils.IsValidTimeframe(req.Timeframe) {
			writeError(w, http.StatusBadRequest, "invalid_timeframe", "unsupported timeframe "+strconv.Quote(req.Timeframe))
			return
		}
		opts.PeriodsPerYear = tfutils.PeriodsPerYear(req.Timeframe)
	}

	var resp computeResponse
	returns := req.Returns
	if len(req.Equity) > 0 {
		returns = riskmetrics.Returns(req.Equity)
		resp.Drawdowns = riskmetrics.Drawdowns(req.Equity)
	}

	m, err := riskmetrics.Compute(returns, opts)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "no_returns", err.Error())
		return
	}
	resp.Metrics = m
	writeJSON(w, http.StatusOK, resp)
}

func intParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
