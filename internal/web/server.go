package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/vitos/ltp_strategy_bot/internal/domain"
	"github.com/vitos/ltp_strategy_bot/internal/usecase"
	"go.uber.org/zap"
)

// Server exposes run status, result records and the trade journal as JSON.
// The record reader and trade repository are optional.
type Server struct {
	router   *http.ServeMux
	server   *http.Server
	runner   *usecase.RunnerService
	records  domain.RecordReader
	trades   domain.TradeRepository
	analyzer *usecase.ResultAnalyzerService
	logger   *zap.Logger
}

func NewServer(
	port int,
	runner *usecase.RunnerService,
	records domain.RecordReader,
	trades domain.TradeRepository,
	analyzer *usecase.ResultAnalyzerService,
	logger *zap.Logger,
) *Server {
	s := &Server{
		router:   http.NewServeMux(),
		runner:   runner,
		records:  records,
		trades:   trades,
		analyzer: analyzer,
		logger:   logger,
	}
	s.routes()
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("GET /status", s.handleStatus)

	// Runs
	s.router.HandleFunc("GET /runs/{name}", s.handleRunStatus)
	s.router.HandleFunc("POST /runs/{name}/stop", s.handleStopRun)
	s.router.HandleFunc("GET /runs/{name}/records", s.handleRunRecords)
	s.router.HandleFunc("GET /runs/{name}/summary", s.handleRunSummary)

	// Trades
	s.router.HandleFunc("GET /trades", s.handleTrades)
}

// Handler is the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("Starting web server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
