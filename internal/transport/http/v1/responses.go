package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/surveychat/internal/domain"
)

// SaveResponse stores an answer, keyed by turn on aichat pages.
// PUT /v1/pages/:page_id/responses
func (h *Handler) SaveResponse(c echo.Context) error {
	pageID, userID, err := pageCaller(c)
	if err != nil {
		return writeError(c, err)
	}
	var req domain.SaveResponseRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid_body", "invalid request body")
	}
	req.PageID, req.UserID = pageID, userID

	resp, err := h.service.SaveResponse(c.Request().Context(), req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// GetTurnResponses lists the caller's answers under a turn key.
// GET /v1/pages/:page_id/turns/:turn_id/responses
func (h *Handler) GetTurnResponses(c echo.Context) error {
	pageID, userID, err := pageCaller(c)
	if err != nil {
		return writeError(c, err)
	}
	turnID, err := pathID(c, "turn_id")
	if err != nil {
		return writeError(c, err)
	}

	responses, err := h.service.GetTurnResponses(c.Request().Context(), pageID, userID, turnID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"responses": responses,
	})
}

// GetTurnQuestions lists the questions that apply to one scope.
// GET /v1/pages/:page_id/turns/:turn_id/questions?model_id=
func (h *Handler) GetTurnQuestions(c echo.Context) error {
	pageID, userID, err := pageCaller(c)
	if err != nil {
		return writeError(c, err)
	}
	turnID, err := pathID(c, "turn_id")
	if err != nil {
		return writeError(c, err)
	}
	modelID, err := queryID(c, "model_id")
	if err != nil {
		return writeError(c, err)
	}

	questions, err := h.service.GetTurnQuestions(c.Request().Context(), pageID, userID, turnID, modelID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"questions": questions,
	})
}

// FinalizeCheck reports whether every required item is answered.
// GET /v1/experiments/:experiment_id/finalize
func (h *Handler) FinalizeCheck(c echo.Context) error {
	experimentID, err := pathID(c, "experiment_id")
	if err != nil {
		return writeError(c, err)
	}
	userID, err := callerID(c)
	if err != nil {
		return writeError(c, err)
	}

	summary, err := h.service.FinalizeCheck(c.Request().Context(), experimentID, userID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, summary)
}
