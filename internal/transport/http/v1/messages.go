package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/surveychat/internal/domain"
	"github.com/xiaot623/surveychat/internal/service"
)

// SendMessage sends a participant message to a model.
// POST /v1/pages/:page_id/messages
func (h *Handler) SendMessage(c echo.Context) error {
	pageID, userID, err := pageCaller(c)
	if err != nil {
		return writeError(c, err)
	}
	var req domain.SendMessageRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid_body", "invalid request body")
	}
	req.PageID, req.UserID = pageID, userID

	resp, err := h.service.SendMessage(c.Request().Context(), req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// CreateBranch branches a new turn off an existing one.
// POST /v1/pages/:page_id/branches
func (h *Handler) CreateBranch(c echo.Context) error {
	pageID, userID, err := pageCaller(c)
	if err != nil {
		return writeError(c, err)
	}
	var req domain.CreateBranchRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid_body", "invalid request body")
	}
	req.PageID, req.UserID = pageID, userID

	resp, err := h.service.CreateBranch(c.Request().Context(), req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, resp)
}

// CreateRoot starts a new conversation.
// POST /v1/pages/:page_id/roots
func (h *Handler) CreateRoot(c echo.Context) error {
	pageID, userID, err := pageCaller(c)
	if err != nil {
		return writeError(c, err)
	}
	var req domain.CreateRootRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return badRequest(c, "invalid_body", "invalid request body")
		}
	}
	req.PageID, req.UserID = pageID, userID

	resp, err := h.service.CreateRoot(c.Request().Context(), req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, resp)
}

// GetConversationTree returns the caller's conversation tree.
// GET /v1/pages/:page_id/tree?model_id=
func (h *Handler) GetConversationTree(c echo.Context) error {
	pageID, userID, err := pageCaller(c)
	if err != nil {
		return writeError(c, err)
	}
	modelID, err := queryID(c, "model_id")
	if err != nil {
		return writeError(c, err)
	}

	view, err := h.service.GetConversationTree(c.Request().Context(), pageID, userID, modelID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

// ListPageModels lists the models attached to the page.
// GET /v1/pages/:page_id/models
func (h *Handler) ListPageModels(c echo.Context) error {
	pageID, err := pathID(c, "page_id")
	if err != nil {
		return writeError(c, err)
	}
	models, err := h.service.ListPageModels(c.Request().Context(), pageID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"models": models})
}

// GetConversationHistory returns the history that feeds a turn or message.
// GET /v1/pages/:page_id/history?model_id=&turn_id=&message_id=
func (h *Handler) GetConversationHistory(c echo.Context) error {
	pageID, userID, err := pageCaller(c)
	if err != nil {
		return writeError(c, err)
	}
	q := domain.HistoryQuery{PageID: pageID, UserID: userID}
	for name, dst := range map[string]**int64{"model_id": &q.ModelID, "turn_id": &q.TurnID, "message_id": &q.MessageID} {
		if *dst, err = queryID(c, name); err != nil {
			return writeError(c, err)
		}
	}

	messages, err := h.service.GetConversationHistory(c.Request().Context(), q)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"messages": messages,
	})
}

// ExportConversation downloads the caller's log as CSV or JSON.
// GET /v1/pages/:page_id/export?format=csv|json
func (h *Handler) ExportConversation(c echo.Context) error {
	pageID, userID, err := pageCaller(c)
	if err != nil {
		return writeError(c, err)
	}
	format := c.QueryParam("format")
	if format == "" {
		format = "csv"
	}
	if format != "csv" && format != "json" {
		return badRequest(c, "invalid_format", "format must be csv or json")
	}

	rows, err := h.service.ExportConversation(c.Request().Context(), pageID, userID)
	if err != nil {
		return writeError(c, err)
	}
	if format == "json" {
		return c.JSON(http.StatusOK, map[string]interface{}{"rows": rows})
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/csv; charset=utf-8")
	res.Header().Set(echo.HeaderContentDisposition, "attachment; filename=conversation.csv")
	res.WriteHeader(http.StatusOK)
	return service.WriteExportCSV(res, rows)
}
