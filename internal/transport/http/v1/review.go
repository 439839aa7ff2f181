package v1

import (
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/surveychat/internal/domain"
)

// ImportTranscript replaces the page's review dataset. The transcript is the
// raw request body or a multipart "file" field.
// POST /v1/pages/:page_id/transcripts
func (h *Handler) ImportTranscript(c echo.Context) error {
	pageID, err := pathID(c, "page_id")
	if err != nil {
		return writeError(c, err)
	}
	if _, err := callerID(c); err != nil {
		return writeError(c, err)
	}

	req := domain.ImportTranscriptRequest{PageID: pageID, Filename: c.QueryParam("filename")}
	if strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm) {
		fh, err := c.FormFile("file")
		if err != nil {
			return badRequest(c, "missing_file", "multipart upload requires a file field")
		}
		f, err := fh.Open()
		if err != nil {
			return writeError(c, err)
		}
		defer f.Close()
		if req.Data, err = io.ReadAll(f); err != nil {
			return badRequest(c, "invalid_body", "failed to read upload")
		}
		req.Filename = fh.Filename
	} else {
		if req.Data, err = io.ReadAll(c.Request().Body); err != nil {
			return badRequest(c, "invalid_body", "failed to read body")
		}
	}

	result, err := h.service.ImportTranscript(c.Request().Context(), req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// ListReviewThreads returns the imported threads with the caller's targets.
// GET /v1/pages/:page_id/threads
func (h *Handler) ListReviewThreads(c echo.Context) error {
	pageID, userID, err := pageCaller(c)
	if err != nil {
		return writeError(c, err)
	}

	threads, err := h.service.ListReviewThreads(c.Request().Context(), pageID, userID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"threads": threads,
	})
}

// UpsertTarget records the caller's progress on a thread.
// PUT /v1/pages/:page_id/threads/:thread_id/target
func (h *Handler) UpsertTarget(c echo.Context) error {
	pageID, userID, err := pageCaller(c)
	if err != nil {
		return writeError(c, err)
	}
	threadID, err := pathID(c, "thread_id")
	if err != nil {
		return writeError(c, err)
	}
	var req domain.UpsertTargetRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return badRequest(c, "invalid_body", "invalid request body")
		}
	}
	req.PageID, req.UserID, req.ThreadID = pageID, userID, threadID

	target, err := h.service.UpsertTarget(c.Request().Context(), req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, target)
}
