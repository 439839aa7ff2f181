// Package v1 provides the participant-facing HTTP handlers.
package v1

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/surveychat/internal/domain"
	"github.com/xiaot623/surveychat/internal/service"
)

// HeaderUserID carries the authenticated participant id.
const HeaderUserID = "X-User-ID"

// Handler handles HTTP requests.
type Handler struct {
	service *service.Service
}

// NewHandler creates a new handler.
func NewHandler(service *service.Service) *Handler {
	return &Handler{
		service: service,
	}
}

// RegisterRoutes registers the v1 routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	pages := e.Group("/v1/pages/:page_id")

	// Live conversation
	pages.GET("/models", h.ListPageModels)
	pages.POST("/messages", h.SendMessage)
	pages.POST("/branches", h.CreateBranch)
	pages.POST("/roots", h.CreateRoot)
	pages.GET("/tree", h.GetConversationTree)
	pages.GET("/history", h.GetConversationHistory)
	pages.GET("/export", h.ExportConversation)

	// Responses
	pages.PUT("/responses", h.SaveResponse)
	pages.GET("/turns/:turn_id/responses", h.GetTurnResponses)
	pages.GET("/turns/:turn_id/questions", h.GetTurnQuestions)

	// Review
	pages.POST("/transcripts", h.ImportTranscript)
	pages.GET("/threads", h.ListReviewThreads)
	pages.PUT("/threads/:thread_id/target", h.UpsertTarget)

	e.GET("/v1/experiments/:experiment_id/finalize", h.FinalizeCheck)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

// errorResponse is the body of every failed request.
type errorResponse struct {
	Success bool   `json:"success"`
	Kind    string `json:"kind"`
	Code    string `json:"code"`
	Error   string `json:"error"`
}

// writeError maps a service error onto a status code and JSON body.
func writeError(c echo.Context, err error) error {
	de, ok := domain.AsError(err)
	if !ok {
		return c.JSON(http.StatusInternalServerError, errorResponse{
			Kind: string(domain.ErrorInternal), Code: "internal_error", Error: err.Error(),
		})
	}
	return c.JSON(statusFor(de.Kind), errorResponse{Kind: string(de.Kind), Code: de.Code, Error: de.Message})
}

func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.ErrorValidation:
		return http.StatusBadRequest
	case domain.ErrorNotFound:
		return http.StatusNotFound
	case domain.ErrorPolicy:
		return http.StatusConflict
	case domain.ErrorIntegrity:
		return http.StatusUnprocessableEntity
	case domain.ErrorUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func badRequest(c echo.Context, code, msg string) error {
	return writeError(c, domain.Validation(code, msg))
}

// callerID reads the participant id from the request header.
func callerID(c echo.Context) (int64, error) {
	raw := c.Request().Header.Get(HeaderUserID)
	if raw == "" {
		return 0, domain.Validation("missing_user", HeaderUserID+" header is required")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, domain.Validation("invalid_user", fmt.Sprintf("invalid %s %q", HeaderUserID, raw))
	}
	return id, nil
}

func pathID(c echo.Context, name string) (int64, error) {
	raw := c.Param(name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, domain.Validation("invalid_"+name, fmt.Sprintf("invalid %s %q", name, raw))
	}
	return id, nil
}

func queryID(c echo.Context, name string) (*int64, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, domain.Validation("invalid_"+name, fmt.Sprintf("invalid %s %q", name, raw))
	}
	return &id, nil
}

// pageCaller resolves the page id path parameter and the caller.
func pageCaller(c echo.Context) (pageID, userID int64, err error) {
	if pageID, err = pathID(c, "page_id"); err != nil {
		return 0, 0, err
	}
	if userID, err = callerID(c); err != nil {
		return 0, 0, err
	}
	return pageID, userID, nil
}
