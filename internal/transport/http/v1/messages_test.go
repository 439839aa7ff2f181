package v1

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/surveychat/internal/domain"
	"github.com/xiaot623/surveychat/internal/tree"
	"github.com/xiaot623/surveychat/tests/helpers"
)

func TestSendMessageTurns(t *testing.T) {
	h, db, _ := newTestHandler(t)
	page := helpers.SeedAIChatPage(t, db, domain.BehaviorTurns, 1)
	pid := strconv.FormatInt(page.ID, 10)

	c, rec := newContext(http.MethodPost, "/v1/pages/"+pid+"/messages",
		strings.NewReader(`{"model_id":1,"content":"hello","new_turn":true}`), []string{"page_id"}, []string{pid})
	require.NoError(t, h.SendMessage(c))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp domain.SendMessageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	require.NotNil(t, resp.TurnID)
	assert.Equal(t, int64(1), *resp.TurnID)
	assert.Equal(t, int64(7), resp.UserMessage.UserID)
	assert.Equal(t, domain.RoleAssistant, resp.AssistantMessage.Role)

	// Sending again to the answered turn is a conflict.
	c, rec = newContext(http.MethodPost, "/v1/pages/"+pid+"/messages",
		strings.NewReader(`{"model_id":1,"content":"again","turn_id":1}`), []string{"page_id"}, []string{pid})
	require.NoError(t, h.SendMessage(c))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, domain.CodeTurnClosed, decodeError(t, rec).Code)

	c, rec = newContext(http.MethodPost, "/v1/pages/"+pid+"/messages",
		strings.NewReader(`{"model_id":1,"content":"again"}`), []string{"page_id"}, []string{pid})
	require.NoError(t, h.SendMessage(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, domain.CodeMissingTurnID, decodeError(t, rec).Code)
}

func TestListPageModels(t *testing.T) {
	h, db, _ := newTestHandler(t)
	page := helpers.SeedAIChatPage(t, db, domain.BehaviorTurns, 2, 1)
	pid := strconv.FormatInt(page.ID, 10)

	c, rec := newContext(http.MethodGet, "/v1/pages/"+pid+"/models", nil, []string{"page_id"}, []string{pid})
	require.NoError(t, h.ListPageModels(c))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"models":[{"id":1,"name":"model"},{"id":2,"name":"model"}]}`, rec.Body.String())

	c, rec = newContext(http.MethodGet, "/v1/pages/999/models", nil, []string{"page_id"}, []string{"999"})
	require.NoError(t, h.ListPageModels(c))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSendMessageUpstreamFailure(t *testing.T) {
	h, db, mock := newTestHandler(t)
	page := helpers.SeedAIChatPage(t, db, domain.BehaviorQA, 1)
	pid := strconv.FormatInt(page.ID, 10)
	mock.Err = errors.New("boom")

	c, rec := newContext(http.MethodPost, "/v1/pages/"+pid+"/messages",
		strings.NewReader(`{"model_id":1,"content":"hello"}`), []string{"page_id"}, []string{pid})
	require.NoError(t, h.SendMessage(c))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, domain.CodeModelError, decodeError(t, rec).Code)
}

func TestBranchAndTree(t *testing.T) {
	h, db, _ := newTestHandler(t)
	page := helpers.SeedAIChatPage(t, db, domain.BehaviorTurns, 1)
	pid := strconv.FormatInt(page.ID, 10)

	c, rec := newContext(http.MethodPost, "/v1/pages/"+pid+"/messages",
		strings.NewReader(`{"model_id":1,"content":"hello","new_turn":true}`), []string{"page_id"}, []string{pid})
	require.NoError(t, h.SendMessage(c))
	require.Equal(t, http.StatusOK, rec.Code)

	c, rec = newContext(http.MethodPost, "/v1/pages/"+pid+"/branches",
		strings.NewReader(`{"parent_turn_id":1,"model_id":1}`), []string{"page_id"}, []string{pid})
	require.NoError(t, h.CreateBranch(c))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var branch domain.CreateBranchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &branch))
	assert.Equal(t, int64(2), branch.TurnID)
	assert.Equal(t, "Branch from turn 1", branch.Branch.Label)

	c, rec = newContext(http.MethodGet, "/v1/pages/"+pid+"/tree?model_id=1", nil, []string{"page_id"}, []string{pid})
	require.NoError(t, h.GetConversationTree(c))
	require.Equal(t, http.StatusOK, rec.Code)
	var view tree.View
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, int64(2), view.CurrentTurnID)
	require.Len(t, view.Roots, 2)
	assert.True(t, view.Roots[1].Branch)

	c, rec = newContext(http.MethodGet, "/v1/pages/"+pid+"/history?model_id=1&turn_id=2", nil, []string{"page_id"}, []string{pid})
	require.NoError(t, h.GetConversationHistory(c))
	require.Equal(t, http.StatusOK, rec.Code)
	var history struct {
		Messages []domain.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	assert.Len(t, history.Messages, 2)
}

func TestCreateRootWithoutBody(t *testing.T) {
	h, db, _ := newTestHandler(t)
	page := helpers.SeedAIChatPage(t, db, domain.BehaviorContinuous, 1)
	pid := strconv.FormatInt(page.ID, 10)

	c, rec := newContext(http.MethodPost, "/v1/pages/"+pid+"/roots", nil, []string{"page_id"}, []string{pid})
	require.NoError(t, h.CreateRoot(c))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp domain.CreateRootResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Nil(t, resp.TurnID)
	assert.Equal(t, domain.PlaceholderContent, resp.Placeholder.Content)
}

func TestExportCSV(t *testing.T) {
	h, db, _ := newTestHandler(t)
	page := helpers.SeedAIChatPage(t, db, domain.BehaviorQA, 1)
	pid := strconv.FormatInt(page.ID, 10)

	c, rec := newContext(http.MethodPost, "/v1/pages/"+pid+"/messages",
		strings.NewReader(`{"model_id":1,"content":"Hi"}`), []string{"page_id"}, []string{pid})
	require.NoError(t, h.SendMessage(c))
	require.Equal(t, http.StatusOK, rec.Code)

	c, rec = newContext(http.MethodGet, "/v1/pages/"+pid+"/export", nil, []string{"page_id"}, []string{pid})
	require.NoError(t, h.ExportConversation(c))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/csv")

	records, err := csv.NewReader(strings.NewReader(rec.Body.String())).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, domain.ExportHeader, records[0])
	assert.Equal(t, "user", records[1][2])
	assert.Equal(t, "Hi", records[1][3])
	assert.Equal(t, records[1][0], records[2][0])
	assert.Equal(t, records[1][5], records[2][6])

	c, rec = newContext(http.MethodGet, "/v1/pages/"+pid+"/export?format=xml", nil, []string{"page_id"}, []string{pid})
	require.NoError(t, h.ExportConversation(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
