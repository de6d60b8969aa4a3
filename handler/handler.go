// Package handler adapts API Gateway proxy events to dialogue turns for the
// Lambda deployment.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"pediatric-assistant/internal/domain"
	"pediatric-assistant/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

// TurnUseCase is the dialogue service consumed by Handler.
type TurnUseCase interface {
	Turn(ctx context.Context, in usecase.TurnInput) (usecase.TurnOutput, error)
}

type Handler struct {
	uc     TurnUseCase
	logger *slog.Logger
}

type turnRequest struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Message        string `json:"message"`
}

// turnResponse is the turn with any answer stream already collected.
type turnResponse struct {
	usecase.TurnOutput
	Answer  string          `json:"answer,omitempty"`
	Sources []domain.Source `json:"sources,omitempty"`
	Blocked bool            `json:"blocked,omitempty"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func NewHandler(uc TurnUseCase) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	return &Handler{uc: uc, logger: slog.Default()}, nil
}

func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := correlationID(req.Headers)
	logger := h.logger.With("correlation_id", corrID)

	if req.HTTPMethod != http.MethodPost {
		return respond(corrID, http.StatusMethodNotAllowed, errorResponse{Error: "METHOD_NOT_ALLOWED"}), nil
	}

	var in turnRequest
	if err := json.Unmarshal([]byte(req.Body), &in); err != nil {
		logger.Warn("invalid request body", "err", err)
		return respond(corrID, http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_body"}), nil
	}

	out, err := h.uc.Turn(ctx, usecase.TurnInput{
		ConversationID: in.ConversationID,
		UserID:         in.UserID,
		Message:        in.Message,
	})
	if err != nil {
		status, body := mapError(err)
		if status >= http.StatusInternalServerError {
			logger.Error("turn failed", "err", err)
		} else {
			logger.Info("turn rejected", "err", err)
		}
		return respond(corrID, status, body), nil
	}

	resp := turnResponse{TurnOutput: out}
	if out.Answer != nil {
		text, outcome := out.Answer.Collect()
		resp.Answer = text
		resp.Sources = out.Answer.Sources
		resp.Blocked = outcome.Verdict.Aborted
		if outcome.Err != nil {
			logger.Warn("answer stream ended with error", "err", outcome.Err)
		}
	}
	logger.Info("turn handled", "conversation_id", out.ConversationID, "kind", out.Kind, "state", out.State)
	return respond(corrID, http.StatusOK, resp), nil
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

func correlationID(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, correlationHeader) && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return uuid.NewString()
}

func respond(corrID string, status int, body any) events.APIGatewayProxyResponse {
	b, err := json.Marshal(body)
	if err != nil {
		status = http.StatusInternalServerError
		b = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: corrID,
		},
		Body: string(b),
	}
}
