package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"policy-adjudicator/internal/config"
	"policy-adjudicator/internal/queue"
	"policy-adjudicator/internal/vectorindex"
	"policy-adjudicator/models"
	"policy-adjudicator/services"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeIngestor struct {
	validateErr error
	ingestErr   error
	got         []models.Upload
	chunkSize   int
	overlap     int
}

func (f *fakeIngestor) ValidateUploads([]models.Upload) error { return f.validateErr }

func (f *fakeIngestor) Ingest(_ context.Context, uploads []models.Upload, chunkSize, overlap int) (*models.IngestionReport, error) {
	f.got = uploads
	f.chunkSize = chunkSize
	f.overlap = overlap
	if f.ingestErr != nil {
		return &models.IngestionReport{FailedSource: uploads[0].Filename}, f.ingestErr
	}
	names := make([]string, len(uploads))
	for i, u := range uploads {
		names[i] = u.Filename
	}
	return &models.IngestionReport{ChunksWritten: 2 * len(uploads), SourcesProcessed: names}, nil
}

type fakeDecider struct {
	decision *models.Decision
	err      error
	question string
	passages []models.RetrievedPassage
}

func (f *fakeDecider) Synthesize(_ context.Context, question string, passages []models.RetrievedPassage) (*models.Decision, error) {
	f.question = question
	f.passages = passages
	return f.decision, f.err
}

type fakeQueue struct {
	tasks []*asynq.Task
	err   error
}

func (f *fakeQueue) Enqueue(task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: "task-1", State: asynq.TaskStatePending}, nil
}

type fakeInspector map[string]*asynq.TaskInfo

func (f fakeInspector) GetTaskInfo(_, id string) (*asynq.TaskInfo, error) {
	if info, ok := f[id]; ok {
		return info, nil
	}
	return nil, asynq.ErrTaskNotFound
}

func testConfig() *config.Config {
	return &config.Config{MaxFileSize: 1 << 20, ChunkSize: 500, ChunkOverlap: 50, TopK: 3}
}

func newRouter(deps Deps) *gin.Engine {
	if deps.Config == nil {
		deps.Config = testConfig()
	}
	if deps.Index == nil {
		deps.Index = vectorindex.NewMemoryIndex("test")
	}
	r := gin.New()
	Setup(r, deps)
	return r
}

func multipartBody(t *testing.T, fields map[string]string, files map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	for name, content := range files {
		fw, err := w.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return body, w.FormDataContentType()
}

func post(r http.Handler, path string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", contentType)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestUploadPDFs(t *testing.T) {
	ing := &fakeIngestor{}
	r := newRouter(Deps{Ingestion: ing})

	body, ct := multipartBody(t, map[string]string{"chunk_size": "300"}, map[string]string{"policy.pdf": "%PDF-1.4\nbody"})
	w := post(r, "/upload_pdfs", body, ct)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decodeBody(t, w)
	assert.EqualValues(t, 2, out["chunks_written"])
	assert.Equal(t, []any{"policy.pdf"}, out["sources_processed"])
	assert.NotEmpty(t, out["messages"])

	require.Len(t, ing.got, 1)
	assert.Equal(t, "%PDF-1.4\nbody", string(ing.got[0].Content))
	assert.Equal(t, 300, ing.chunkSize)
	assert.Equal(t, 50, ing.overlap)
}

func TestUploadPDFsNoFiles(t *testing.T) {
	r := newRouter(Deps{Ingestion: &fakeIngestor{}})
	body, ct := multipartBody(t, map[string]string{"note": "x"}, nil)
	w := post(r, "/upload_pdfs", body, ct)

	require.Equal(t, http.StatusBadRequest, w.Code)
	out := decodeBody(t, w)
	assert.Equal(t, "No files provided", out["error"])
	assert.Equal(t, "no_files", out["error_code"])
}

func TestUploadPDFsBadChunkSize(t *testing.T) {
	r := newRouter(Deps{Ingestion: &fakeIngestor{}})
	body, ct := multipartBody(t, map[string]string{"chunk_size": "0"}, map[string]string{"policy.pdf": "%PDF-1.4\n"})
	w := post(r, "/upload_pdfs", body, ct)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUploadPDFsRejectsOverlapBeforeIngesting(t *testing.T) {
	ing := &fakeIngestor{}
	r := newRouter(Deps{Ingestion: ing})
	body, ct := multipartBody(t,
		map[string]string{"chunk_size": "100", "chunk_overlap": "100"},
		map[string]string{"policy.pdf": "%PDF-1.4\nbody"})
	w := post(r, "/upload_pdfs", body, ct)

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_document", decodeBody(t, w)["error_code"])
	assert.Nil(t, ing.got)
}

func TestUploadPDFsWithoutSizeLimit(t *testing.T) {
	ing := &fakeIngestor{}
	cfg := testConfig()
	cfg.MaxFileSize = 0
	r := newRouter(Deps{Config: cfg, Ingestion: ing})

	content := "%PDF-1.4\n" + strings.Repeat("x", 4096)
	body, ct := multipartBody(t, nil, map[string]string{"policy.pdf": content})
	w := post(r, "/upload_pdfs", body, ct)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Len(t, ing.got, 1)
	assert.Equal(t, content, string(ing.got[0].Content))
}

func TestUploadPDFsMapsTaxonomy(t *testing.T) {
	cases := map[string]struct {
		err    error
		status int
	}{
		"invalid document": {&models.IngestionError{Source: "a.txt", Stage: services.StageValidate, Err: &models.InvalidDocumentError{Filename: "a.txt", Reason: "File a.txt is not a PDF"}}, http.StatusBadRequest},
		"embedding outage": {&models.IngestionError{Source: "a.pdf", Stage: services.StageEmbed, Err: &models.EmbeddingServiceError{Op: "batch_embed", Err: errors.New("503")}}, http.StatusServiceUnavailable},
		"dimension drift":  {&models.DimensionMismatchError{Expected: 768, Actual: 512}, http.StatusInternalServerError},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			r := newRouter(Deps{Ingestion: &fakeIngestor{ingestErr: tc.err}})
			body, ct := multipartBody(t, nil, map[string]string{"a.pdf": "%PDF-1.4\n"})
			w := post(r, "/upload_pdfs", body, ct)
			assert.Equal(t, tc.status, w.Code)
			assert.NotEmpty(t, decodeBody(t, w)["error_code"])
		})
	}
}

func TestAsyncUploadAndStatus(t *testing.T) {
	q := &fakeQueue{}
	inspector := fakeInspector{"task-1": {ID: "task-1", State: asynq.TaskStateActive, MaxRetry: 3}}
	r := newRouter(Deps{Ingestion: &fakeIngestor{}, Queue: q, Inspector: inspector})

	body, ct := multipartBody(t, nil, map[string]string{"policy.pdf": "%PDF-1.4\nbody"})
	w := post(r, "/upload_pdfs/async", body, ct)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, "task-1", decodeBody(t, w)["task_id"])

	require.Len(t, q.tasks, 1)
	uploads, payload, err := queue.DecodeIngestPayload(q.tasks[0].Payload())
	require.NoError(t, err)
	assert.Equal(t, "policy.pdf", uploads[0].Filename)
	assert.Equal(t, 500, payload.ChunkSize)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/upload_pdfs/tasks/task-1", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "active", decodeBody(t, w)["state"])

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/upload_pdfs/tasks/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAsyncUploadValidatesBeforeEnqueue(t *testing.T) {
	q := &fakeQueue{}
	ing := &fakeIngestor{validateErr: &models.InvalidDocumentError{Filename: "a.docx", Reason: "File a.docx is not a PDF"}}
	r := newRouter(Deps{Ingestion: ing, Queue: q})

	body, ct := multipartBody(t, nil, map[string]string{"a.docx": "text"})
	w := post(r, "/upload_pdfs/async", body, ct)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, q.tasks)
}

func TestAsyncUploadRejectsBadChunkWindow(t *testing.T) {
	q := &fakeQueue{}
	r := newRouter(Deps{Ingestion: &fakeIngestor{}, Queue: q})

	body, ct := multipartBody(t,
		map[string]string{"chunk_size": "100", "chunk_overlap": "500"},
		map[string]string{"policy.pdf": "%PDF-1.4\nbody"})
	w := post(r, "/upload_pdfs/async", body, ct)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_document", decodeBody(t, w)["error_code"])
	assert.Empty(t, q.tasks)
}

func TestAsyncUploadWithoutQueue(t *testing.T) {
	r := newRouter(Deps{Ingestion: &fakeIngestor{}})
	body, ct := multipartBody(t, nil, map[string]string{"policy.pdf": "%PDF-1.4\n"})
	w := post(r, "/upload_pdfs/async", body, ct)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

var approved = &models.Decision{
	Decision:          models.DecisionApproved,
	CoverageAmount:    100000,
	Currency:          "INR",
	ConfidenceScore:   0.8,
	Summary:           "Covered",
	DecisionFactors:   []string{},
	SupportingClauses: []models.SupportingClause{},
	Conditions:        []string{},
	NextSteps:         []string{},
}

func TestAskQuestionsForm(t *testing.T) {
	passages := services.StaticRetriever{
		{Text: "Knee surgery is covered.", Metadata: models.PassageMetadata{ChunkID: "p-0", Source: "policy.pdf", PageNumber: 2, Score: 0.9}},
	}
	dec := &fakeDecider{decision: approved}
	r := newRouter(Deps{Retriever: passages, Decisions: dec})

	form := url.Values{"question": {"  46M, knee surgery, Pune  "}}
	w := post(r, "/ask_questions", bytes.NewBufferString(form.Encode()), "application/x-www-form-urlencoded")

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decodeBody(t, w)
	assert.Equal(t, "APPROVED", out["decision"])
	assert.Equal(t, 0.8, out["confidence_score"])
	assert.Equal(t, "46M, knee surgery, Pune", dec.question)
	assert.Len(t, dec.passages, 1)
}

func TestAskQuestionsJSONWithSources(t *testing.T) {
	passages := services.StaticRetriever{
		{Text: "a", Metadata: models.PassageMetadata{ChunkID: "p-0", Source: "policy.pdf"}},
		{Text: "b", Metadata: models.PassageMetadata{ChunkID: "p-1", Source: "policy.pdf"}},
		{Text: "c", Metadata: models.PassageMetadata{ChunkID: "p-2", Source: "policy.pdf"}},
	}
	dec := &fakeDecider{decision: approved}
	r := newRouter(Deps{Retriever: passages, Decisions: dec})

	w := post(r, "/ask_questions", bytes.NewBufferString(`{"question":"q","top_k":2,"include_sources":true}`), "application/json")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp models.AskResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, models.DecisionApproved, resp.Decision.Decision)
	require.Len(t, resp.Sources, 2)
	assert.Equal(t, "p-1", resp.Sources[1].ChunkID)
}

func TestAskQuestionsScenarioBThroughRealSynthesizer(t *testing.T) {
	decisions, err := services.NewDecisionService(nil, 1000, 1)
	require.NoError(t, err)
	r := newRouter(Deps{Retriever: services.StaticRetriever{}, Decisions: decisions})

	w := post(r, "/ask_questions", bytes.NewBufferString(`{"question":"Is dental covered?"}`), "application/json")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.DecisionMoreInfoNeeded, decodeBody(t, w)["decision"])
}

func TestAskQuestionsErrors(t *testing.T) {
	r := newRouter(Deps{Retriever: services.StaticRetriever{{Text: "x"}}, Decisions: &fakeDecider{
		err: &models.SchemaValidationError{Field: "confidence_score", Reasons: []string{"confidence_score is required"}, Attempts: 2},
	}})

	w := post(r, "/ask_questions", bytes.NewBufferString(`{"question":"q"}`), "application/json")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	out := decodeBody(t, w)
	assert.Equal(t, "schema_validation_failed", out["error_code"])

	w = post(r, "/ask_questions", bytes.NewBufferString(`{"question":"   "}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = post(r, "/ask_questions", bytes.NewBufferString(`{}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = post(r, "/ask_questions", bytes.NewBufferString(`{"question":"`+strings.Repeat("x", maxQuestionLength+1)+`"}`), "application/json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthAndReady(t *testing.T) {
	index := vectorindex.NewMemoryIndex("policies")
	r := newRouter(Deps{Index: index})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	require.NoError(t, index.EnsureReady(context.Background(), 8, vectorindex.MetricCosine))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ready", decodeBody(t, w)["status"])
}
