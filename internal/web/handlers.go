package web

import (
	"context"
	"net/http"
	"time"

	"github.com/vitos/ltp_strategy_bot/internal/usecase"
	"go.uber.org/zap"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"time": time.Now().UTC(),
		"runs": s.runner.List(),
	})
}

func (s *Server) runByName(w http.ResponseWriter, r *http.Request) (*usecase.RunSummary, bool) {
	run, err := s.runner.Status(r.PathValue("name"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	return run, true
}

func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	run, ok := s.runByName(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleStopRun(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, ok := s.runByName(w, r); !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	if err := s.runner.StopRun(ctx, name); err != nil {
		s.logger.Error("Failed to stop run", zap.String("run", name), zap.Error(err))
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}

	run, _ := s.runner.Status(name)
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleRunRecords(w http.ResponseWriter, r *http.Request) {
	if s.records == nil {
		s.writeError(w, http.StatusNotImplemented, "result records are not readable with this storage backend")
		return
	}
	run, ok := s.runByName(w, r)
	if !ok {
		return
	}
	limit, ok := limitParam(r, defaultLimit)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}

	records, err := s.records.ListRecords(r.Context(), run.Identity, limit)
	if err != nil {
		s.logger.Error("Failed to list records", zap.String("run", run.Name), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list records")
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleRunSummary(w http.ResponseWriter, r *http.Request) {
	if s.records == nil {
		s.writeError(w, http.StatusNotImplemented, "result records are not readable with this storage backend")
		return
	}
	run, ok := s.runByName(w, r)
	if !ok {
		return
	}
	limit, ok := limitParam(r, maxLimit)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}

	records, err := s.records.ListRecords(r.Context(), run.Identity, limit)
	if err != nil {
		s.logger.Error("Failed to list records", zap.String("run", run.Name), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list records")
		return
	}
	analyses := s.analyzer.Analyze(records)
	if len(analyses) == 0 {
		s.writeJSON(w, http.StatusOK, usecase.RunAnalysis{
			StrategyName: run.Identity.StrategyName,
			Symbol:       run.Identity.Symbol,
			RunMode:      run.Identity.RunMode,
			RoundTrips:   []usecase.RoundTrip{},
		})
		return
	}
	s.writeJSON(w, http.StatusOK, analyses[0])
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	if s.trades == nil {
		s.writeError(w, http.StatusNotImplemented, "trade journal is not enabled")
		return
	}
	limit, ok := limitParam(r, defaultLimit)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}

	trades, err := s.trades.ListTrades(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to list trades", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list trades")
		return
	}
	s.writeJSON(w, http.StatusOK, trades)
}
