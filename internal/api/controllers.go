package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"strategy-core/internal/engine"
	"strategy-core/internal/ledger"
	"strategy-core/internal/scheduler"
	"strategy-core/internal/strategy"
	"strategy-core/pkg/db"
	"strategy-core/pkg/market"
)

type startRunRequest struct {
	InitialBalance decimal.Decimal `json:"initial_balance"`
}

type listRunsQuery struct {
	StrategyID string `form:"strategy_id"`
	Status     string `form:"status" binding:"omitempty,oneof=running stopped"`
	Limit      int    `form:"limit"`
}

type rangeQuery struct {
	Limit     int    `form:"limit"`
	Timeframe string `form:"timeframe"`
}

type checkRequest struct {
	Symbol     string           `json:"symbol" binding:"required"`
	Conditions strategy.RuleSet `json:"conditions" binding:"required"`
	Remote     bool             `json:"remote"`
}

func (q *listRunsQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
}

func (q *rangeQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 1000 {
		q.Limit = 1000
	}
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// respondServiceError maps core errors onto HTTP status codes.
func (s *Server) respondServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		respondError(c, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, strategy.ErrInvalidConfig):
		respondError(c, http.StatusBadRequest, "INVALID_CONFIG", err.Error())
	case errors.Is(err, scheduler.ErrAlreadyRunning):
		respondError(c, http.StatusConflict, "ALREADY_RUNNING", err.Error())
	case errors.Is(err, scheduler.ErrTickInProgress):
		respondError(c, http.StatusConflict, "TICK_IN_PROGRESS", err.Error())
	case errors.Is(err, scheduler.ErrNotScheduled), errors.Is(err, ledger.ErrRunNotRunning):
		respondError(c, http.StatusConflict, "RUN_NOT_ACTIVE", err.Error())
	case errors.Is(err, engine.ErrNameTaken):
		respondError(c, http.StatusConflict, "NAME_TAKEN", err.Error())
	case errors.Is(err, db.ErrInUse):
		respondError(c, http.StatusConflict, "IN_USE", err.Error())
	case errors.Is(err, market.ErrDataUnavailable):
		respondError(c, http.StatusServiceUnavailable, "DATA_UNAVAILABLE", err.Error())
	case errors.Is(err, engine.ErrRemoteUnavailable), errors.Is(err, scheduler.ErrClosed):
		respondError(c, http.StatusServiceUnavailable, "UNAVAILABLE", err.Error())
	default:
		s.Log.Error("request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
	}
}

// --- Strategies ---

func (s *Server) listStrategies(c *gin.Context) {
	list, err := s.Engine.ListStrategies(c.Request.Context(), CurrentUserID(c))
	if err != nil {
		s.respondServiceError(c, err)
		return
	}
	if list == nil {
		list = []db.Strategy{}
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) createStrategy(c *gin.Context) {
	var req engine.CreateStrategyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	created, err := s.Engine.CreateStrategy(c.Request.Context(), CurrentUserID(c), req)
	if err != nil {
		s.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) getStrategy(c *gin.Context) {
	st, err := s.Engine.GetStrategy(c.Request.Context(), CurrentUserID(c), c.Param("id"))
	if err != nil {
		s.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) deleteStrategy(c *gin.Context) {
	if err := s.Engine.DeleteStrategy(c.Request.Context(), CurrentUserID(c), c.Param("id")); err != nil {
		s.respondServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- Runs ---

func (s *Server) startRun(c *gin.Context) {
	var req startRunRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	run, err := s.Engine.StartRun(c.Request.Context(), CurrentUserID(c), c.Param("id"), req.InitialBalance)
	if err != nil {
		s.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, run)
}

func (s *Server) listRuns(c *gin.Context) {
	var q listRunsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	q.normalize()
	runs, err := s.Engine.ListRuns(c.Request.Context(), db.RunFilter{
		StrategyID: q.StrategyID,
		OwnerID:    CurrentUserID(c),
		Status:     q.Status,
		Limit:      q.Limit,
	})
	if err != nil {
		s.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, runs)
}

func (s *Server) getRun(c *gin.Context) {
	run, err := s.Engine.GetRun(c.Request.Context(), CurrentUserID(c), c.Param("id"))
	if err != nil {
		s.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) stopRun(c *gin.Context) {
	run, err := s.Engine.StopRun(c.Request.Context(), CurrentUserID(c), c.Param("id"))
	if err != nil {
		s.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) tickRun(c *gin.Context) {
	report, err := s.Engine.TickRun(c.Request.Context(), CurrentUserID(c), c.Param("id"))
	if err != nil {
		s.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) listPositions(c *gin.Context) {
	positions, err := s.Engine.ListPositions(c.Request.Context(), CurrentUserID(c), c.Param("id"))
	if err != nil {
		s.respondServiceError(c, err)
		return
	}
	if positions == nil {
		positions = []db.Position{}
	}
	c.JSON(http.StatusOK, positions)
}

// --- Market data ---

func (s *Server) getLatest(c *gin.Context) {
	q, err := s.Engine.Latest(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		s.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, q)
}

func (s *Server) getRange(c *gin.Context) {
	var q rangeQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	q.normalize()
	candles, err := s.Engine.Range(c.Request.Context(), c.Param("symbol"), q.Timeframe, q.Limit)
	if err != nil {
		s.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"symbol": strings.ToUpper(c.Param("symbol")),
		"count":  len(candles),
		"data":   candles,
	})
}

// checkConditions evaluates conditions against the latest quote, locally or
// through the remote data source.
func (s *Server) checkConditions(c *gin.Context) {
	var req checkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	cfg, err := strategy.Validate(strategy.Config{EntryConditions: req.Conditions, Pairs: []string{req.Symbol}})
	if err != nil {
		s.respondServiceError(c, err)
		return
	}

	ctx := c.Request.Context()
	if req.Remote {
		res, err := s.Engine.CheckRemote(ctx, cfg.Pairs[0], cfg.EntryConditions)
		if err != nil {
			s.respondServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
		return
	}
	c.JSON(http.StatusOK, s.Engine.CheckConditions(ctx, cfg.Pairs[0], cfg.EntryConditions))
}

func (s *Server) clearCache(c *gin.Context) {
	n := s.Engine.ClearCache(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"cleared": n})
}

// --- System ---

func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.GetSystemStatus(c.Request.Context()))
}

func (s *Server) getMetrics(c *gin.Context) {
	if s.Metrics == nil {
		respondError(c, http.StatusServiceUnavailable, "METRICS_UNAVAILABLE", "metrics not available")
		return
	}
	c.JSON(http.StatusOK, s.Metrics.Snapshot())
}

// getPromMetrics returns the Prometheus text exposition of the metrics.
func (s *Server) getPromMetrics(c *gin.Context) {
	if s.Metrics == nil {
		c.String(http.StatusServiceUnavailable, "# metrics not available\n")
		return
	}
	c.Header("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	c.Status(http.StatusOK)
	if err := s.Metrics.Snapshot().WritePrometheus(c.Writer); err != nil {
		s.Log.Warn("write metrics failed", zap.Error(err))
	}
}
