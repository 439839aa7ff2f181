package v1

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/surveychat/internal/domain"
	"github.com/xiaot623/surveychat/internal/repository"
	"github.com/xiaot623/surveychat/tests/helpers"
)

const transcript = "Turn ID,Model ID,Role,Content,Timestamp,Message ID,Parent ID\n" +
	"1,4,user,Hello,1700000000,m1,\n" +
	"1,4,assistant,Hi,1700000005,m2,m1\n"

func TestImportTranscriptRawBody(t *testing.T) {
	h, db, _ := newTestHandler(t)
	page := helpers.SeedAIChatPage(t, db, domain.BehaviorReviewConversation)
	pid := strconv.FormatInt(page.ID, 10)

	c, rec := newContext(http.MethodPost, "/v1/pages/"+pid+"/transcripts?filename=t.csv",
		strings.NewReader(transcript), []string{"page_id"}, []string{pid})
	require.NoError(t, h.ImportTranscript(c))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result domain.ImportResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Reimported)
	assert.Equal(t, 1, result.Threads)
	assert.Equal(t, 2, result.Messages)

	c, rec = newContext(http.MethodGet, "/v1/pages/"+pid+"/threads", nil, []string{"page_id"}, []string{pid})
	require.NoError(t, h.ListReviewThreads(c))
	require.Equal(t, http.StatusOK, rec.Code)
	var threads struct {
		Threads []domain.ReviewThreadView `json:"threads"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &threads))
	require.Len(t, threads.Threads, 1)
	th := threads.Threads[0]

	tid := strconv.FormatInt(th.Thread.ID, 10)
	body := `{"last_message_id":` + strconv.FormatInt(th.Messages[1].ID, 10) + `}`
	c, rec = newContext(http.MethodPut, "/v1/pages/"+pid+"/threads/"+tid+"/target",
		strings.NewReader(body), []string{"page_id", "thread_id"}, []string{pid, tid})
	require.NoError(t, h.UpsertTarget(c))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	targets, err := db.ListTargets(context.Background(), store.TargetFilter{PageID: page.ID})
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, int64(7), targets[0].UserID)
}

func TestImportTranscriptMultipart(t *testing.T) {
	h, db, _ := newTestHandler(t)
	page := helpers.SeedAIChatPage(t, db, domain.BehaviorReviewConversation)
	pid := strconv.FormatInt(page.ID, 10)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "upload.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte(transcript))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/v1/pages/"+pid+"/transcripts", &buf)
	req.Header.Set(echo.HeaderContentType, mw.FormDataContentType())
	req.Header.Set(HeaderUserID, "7")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("page_id")
	c.SetParamValues(pid)

	require.NoError(t, h.ImportTranscript(c))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	ds, err := db.GetDataset(context.Background(), page.ID)
	require.NoError(t, err)
	require.NotNil(t, ds)
	assert.Equal(t, "upload.csv", ds.Filename)
}

func TestImportTranscriptIntegrityFailure(t *testing.T) {
	h, db, _ := newTestHandler(t)
	page := helpers.SeedAIChatPage(t, db, domain.BehaviorReviewConversation)
	pid := strconv.FormatInt(page.ID, 10)

	dup := "turn_id,model_id,role,content,timestamp,message_id,parent_id\n" +
		"1,1,user,a,,x,\n" +
		"1,1,user,b,,x,\n"
	c, rec := newContext(http.MethodPost, "/v1/pages/"+pid+"/transcripts",
		strings.NewReader(dup), []string{"page_id"}, []string{pid})
	require.NoError(t, h.ImportTranscript(c))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, domain.CodeDuplicateMessageID, decodeError(t, rec).Code)
}

func TestSaveResponseAndFinalize(t *testing.T) {
	h, db, _ := newTestHandler(t)
	ctx := context.Background()
	page := helpers.SeedAIChatPage(t, db, domain.BehaviorQA, 1)
	pid := strconv.FormatInt(page.ID, 10)

	q := &domain.Question{Name: "clarity"}
	require.NoError(t, db.CreateQuestion(ctx, q))
	require.NoError(t, db.CreatePageQuestion(ctx, &domain.PageQuestion{PageID: page.ID, QuestionID: q.ID, Enabled: true, Required: true}))

	c, rec := newContext(http.MethodPost, "/v1/pages/"+pid+"/messages",
		strings.NewReader(`{"model_id":1,"content":"Q"}`), []string{"page_id"}, []string{pid})
	require.NoError(t, h.SendMessage(c))
	require.Equal(t, http.StatusOK, rec.Code)
	var sent domain.SendMessageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sent))
	turn := strconv.FormatInt(*sent.TurnID, 10)

	c, rec = newContext(http.MethodGet, "/v1/pages/"+pid+"/turns/"+turn+"/responses", nil,
		[]string{"page_id", "turn_id"}, []string{pid, turn})
	require.NoError(t, h.GetTurnResponses(c))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"responses":[]}`, rec.Body.String())

	body := `{"question_id":` + strconv.FormatInt(q.ID, 10) + `,"turn_id":` + turn + `,"value":"5"}`
	c, rec = newContext(http.MethodPut, "/v1/pages/"+pid+"/responses", strings.NewReader(body), []string{"page_id"}, []string{pid})
	require.NoError(t, h.SaveResponse(c))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	c, rec = newContext(http.MethodGet, "/v1/pages/"+pid+"/turns/"+turn+"/questions", nil,
		[]string{"page_id", "turn_id"}, []string{pid, turn})
	require.NoError(t, h.GetTurnQuestions(c))
	require.Equal(t, http.StatusOK, rec.Code)
	var questions struct {
		Questions []domain.TurnQuestion `json:"questions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &questions))
	require.Len(t, questions.Questions, 1)
	assert.Equal(t, "5", questions.Questions[0].Value)

	eid := strconv.FormatInt(page.ExperimentID, 10)
	c, rec = newContext(http.MethodGet, "/v1/experiments/"+eid+"/finalize", nil, []string{"experiment_id"}, []string{eid})
	require.NoError(t, h.FinalizeCheck(c))
	require.Equal(t, http.StatusOK, rec.Code)
	var summary struct {
		CanFinalize bool `json:"can_finalize"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.True(t, summary.CanFinalize)

	body = `{"question_id":` + strconv.FormatInt(q.ID, 10) + `,"turn_id":999999,"value":"5"}`
	c, rec = newContext(http.MethodPut, "/v1/pages/"+pid+"/responses", strings.NewReader(body), []string{"page_id"}, []string{pid})
	require.NoError(t, h.SaveResponse(c))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, domain.CodeInvalidTurnTarget, decodeError(t, rec).Code)
}
