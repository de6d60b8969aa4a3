// Package httpapi serves dialogue turns over HTTP for local runs, streaming
// each turn as server-sent events.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pediatric-assistant/internal/domain"
	"pediatric-assistant/internal/usecase"
)

const (
	defaultHistoryLimit = 20
	shutdownTimeout     = 10 * time.Second
)

type TurnUseCase interface {
	Turn(ctx context.Context, in usecase.TurnInput) (usecase.TurnOutput, error)
}

// HistoryReader lists past triage decisions, newest first.
type HistoryReader interface {
	TriageHistory(ctx context.Context, conversationID string, limit int) ([]domain.TriageSnapshot, error)
}

type Server struct {
	turns    TurnUseCase
	history  HistoryReader
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	engine   *gin.Engine
}

type Option func(*Server)

// WithHistory enables GET /v1/conversations/:id/triage.
func WithHistory(h HistoryReader) Option {
	return func(s *Server) { s.history = h }
}

func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		if g != nil {
			s.gatherer = g
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

type turnRequest struct {
	UserID  string `json:"userId"`
	Message string `json:"message" binding:"required"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

type chunkEvent struct {
	Text string `json:"text"`
}

type doneEvent struct {
	State   domain.DialogueState `json:"state"`
	Blocked bool                 `json:"blocked,omitempty"`
	Tier    string               `json:"tier,omitempty"`
}

func New(turns TurnUseCase, opts ...Option) (*Server, error) {
	if turns == nil {
		return nil, errors.New("httpapi: turn use case must not be nil")
	}
	s := &Server{turns: turns, gatherer: prometheus.DefaultGatherer, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger())
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	v1 := engine.Group("/v1/conversations/:id")
	v1.POST("/turns", s.postTurn)
	if s.history != nil {
		v1.GET("/triage", s.getTriage)
	}
	s.engine = engine
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// postTurn runs one turn and streams it. The request context bounds the
// turn, so a client disconnect stops generation.
func (s *Server) postTurn(c *gin.Context) {
	var req turnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_body"})
		return
	}

	ctx := c.Request.Context()
	out, err := s.turns.Turn(ctx, usecase.TurnInput{
		ConversationID: c.Param("id"),
		UserID:         req.UserID,
		Message:        req.Message,
	})
	if err != nil {
		status, body := mapError(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("turn failed", "conversation_id", c.Param("id"), "err", err)
		}
		c.JSON(status, body)
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	s.event(c, string(out.Kind), out)

	done := doneEvent{State: out.State}
	if out.Answer != nil {
		s.event(c, "sources", out.Answer.Sources)
		for chunk := range out.Answer.Chunks {
			s.event(c, "chunk", chunkEvent{Text: chunk})
		}
		outcome := out.Answer.Wait()
		switch {
		case outcome.Verdict.Aborted:
			s.event(c, "fallback", chunkEvent{Text: outcome.Verdict.Fallback})
			done.Blocked = true
			done.Tier = outcome.Verdict.Tier
		case ctx.Err() != nil:
			s.logger.Info("client went away mid-answer", "conversation_id", out.ConversationID)
			return
		case outcome.Err != nil:
			s.logger.Warn("answer stream ended with error", "conversation_id", out.ConversationID, "err", outcome.Err)
		}
	}
	s.event(c, "done", done)
}

func (s *Server) event(c *gin.Context, name string, data any) {
	c.SSEvent(name, data)
	c.Writer.Flush()
}

func (s *Server) getTriage(c *gin.Context) {
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_limit"})
			return
		}
		limit = n
	}
	snaps, err := s.history.TriageHistory(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		s.logger.Error("triage history failed", "conversation_id", c.Param("id"), "err", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal)})
		return
	}
	if snaps == nil {
		snaps = []domain.TriageSnapshot{}
	}
	c.JSON(http.StatusOK, gin.H{"conversationId": c.Param("id"), "decisions": snaps})
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func mapError(err error) (int, errorResponse) {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		return http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal)}
	}
	body := errorResponse{Error: string(ucErr.Code), Reason: ucErr.Reason}
	switch ucErr.Code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest, body
	case usecase.ErrorConflict:
		return http.StatusConflict, body
	default:
		return http.StatusInternalServerError, body
	}
}
