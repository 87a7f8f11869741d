// ABOUTME: Tests for the assay HTTP server routes using httptest and a real sqlite run store.
// ABOUTME: The planner and executor are scripted doubles so runs finish instantly.
package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/2389-research/assay/service"
	"github.com/2389-research/assay/store"
	"github.com/2389-research/assay/workflow"
	"github.com/2389-research/assay/workspace"
)

type scriptedPlanner struct {
	questions []string
	uploads   []workflow.Upload
}

func (p *scriptedPlanner) Plan(_ context.Context, question string, uploads []workflow.Upload, _ string) (*workflow.Plan, error) {
	p.questions = append(p.questions, question)
	p.uploads = uploads
	return &workflow.Plan{Code: "collect", Questions: []string{"q1"}}, nil
}

func (p *scriptedPlanner) PlanAnalysis(context.Context, []string, string) (*workflow.Plan, error) {
	return &workflow.Plan{Code: "analyze"}, nil
}

type fileExecutor struct {
	result      string
	failAnalyze string
}

func (e *fileExecutor) Run(_ context.Context, code string, _ []string, folder string) (workflow.ExecutionOutcome, error) {
	switch code {
	case "collect":
		if err := os.WriteFile(filepath.Join(folder, workflow.DataArtifact), []byte("x,y\n1,2\n"), 0o644); err != nil {
			return workflow.ExecutionOutcome{}, err
		}
	case "analyze":
		if e.failAnalyze != "" {
			return workflow.ExecutionOutcome{Status: workflow.StatusFailure, Output: e.failAnalyze}, nil
		}
		if err := os.WriteFile(filepath.Join(folder, workflow.ResultArtifact), []byte(e.result), 0o644); err != nil {
			return workflow.ExecutionOutcome{}, err
		}
	}
	return workflow.ExecutionOutcome{Status: workflow.StatusSuccess}, nil
}

type fixture struct {
	server  *Server
	planner *scriptedPlanner
	store   *store.SqliteStore
}

func newFixture(t *testing.T, exec *fileExecutor, opts ...service.Option) *fixture {
	t.Helper()
	folders, err := workspace.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	st, err := store.OpenSqlite(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("OpenSqlite: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	planner := &scriptedPlanner{}
	orch := workflow.New(planner, exec, workflow.WithEventHandler(st.Handler()))
	svc := service.New(folders, orch, append([]service.Option{service.WithRecorder(st), service.WithLogEcho(nil)}, opts...)...)

	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "assay_runs_total 0\n")
	})
	srv, err := NewServer(ServerConfig{Service: svc, Folders: folders, History: st, Metrics: metrics})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return &fixture{server: srv, planner: planner, store: st}
}

type formPart struct {
	field, filename, content string
}

func multipartRequest(t *testing.T, parts ...formPart) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, p := range parts {
		var w io.Writer
		var err error
		if p.filename != "" {
			w, err = mw.CreateFormFile(p.field, p.filename)
		} else {
			w, err = mw.CreateFormField(p.field)
		}
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		if _, err := io.WriteString(w, p.content); err != nil {
			t.Fatalf("write part: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return body
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d; body: %s", rec.Code, want, rec.Body.String())
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, &fileExecutor{})
	rec := serve(f.server, httptest.NewRequest(http.MethodGet, "/health", nil))
	expectStatus(t, rec, http.StatusOK)
	if got := strings.TrimSpace(rec.Body.String()); got != `{"status":"ok"}` {
		t.Errorf("body = %s", got)
	}
}

func TestAskReturnsRawResult(t *testing.T) {
	f := newFixture(t, &fileExecutor{result: `{"answer": 7,  "unit":"rows"}`})
	rec := serve(f.server, multipartRequest(t,
		formPart{field: "question", content: "How many rows?"},
		formPart{field: "files", filename: "input.csv", content: "a\n1\n"},
	))

	expectStatus(t, rec, http.StatusOK)
	if rec.Body.String() != `{"answer": 7,  "unit":"rows"}` {
		t.Errorf("body should be the exact result.json bytes, got %s", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if rec.Header().Get("X-Assay-Run") == "" {
		t.Error("missing X-Assay-Run header")
	}
	if len(f.planner.questions) != 1 || f.planner.questions[0] != "How many rows?" {
		t.Errorf("planner questions = %q", f.planner.questions)
	}
	if len(f.planner.uploads) != 1 || f.planner.uploads[0].Name != "input.csv" {
		t.Errorf("planner uploads = %+v", f.planner.uploads)
	}
}

func TestAskQuestionFromFile(t *testing.T) {
	f := newFixture(t, &fileExecutor{result: `[1]`})
	rec := serve(f.server, multipartRequest(t,
		formPart{field: "questions", filename: "question.txt", content: "Top film by gross?\n"},
	))
	expectStatus(t, rec, http.StatusOK)
	if len(f.planner.questions) != 1 || f.planner.questions[0] != "Top film by gross?" {
		t.Errorf("planner questions = %q", f.planner.questions)
	}
}

func TestAskMissingQuestion(t *testing.T) {
	f := newFixture(t, &fileExecutor{})
	rec := serve(f.server, multipartRequest(t, formPart{field: "files", filename: "data.csv", content: "a\n"}))
	expectStatus(t, rec, http.StatusBadRequest)
	if body := decodeError(t, rec); body != (errorBody{Message: "Question is missing."}) {
		t.Errorf("body = %+v", body)
	}
	if strings.Contains(rec.Body.String(), "details") {
		t.Errorf("details should be omitted: %s", rec.Body.String())
	}
	if len(f.planner.questions) != 0 {
		t.Error("planner should not be called")
	}
}

func TestAskQuestionTooLarge(t *testing.T) {
	f := newFixture(t, &fileExecutor{result: `1`})
	rec := serve(f.server, multipartRequest(t,
		formPart{field: "question", content: strings.Repeat("q", maxQuestionBytes+1)},
	))
	expectStatus(t, rec, http.StatusRequestEntityTooLarge)
	if msg := decodeError(t, rec).Message; msg != "Question is too large." {
		t.Errorf("message = %q", msg)
	}
	if len(f.planner.questions) != 0 {
		t.Error("planner should not see a cut-down question")
	}
}

func TestAskQuestionAtLimit(t *testing.T) {
	f := newFixture(t, &fileExecutor{result: `1`})
	question := strings.Repeat("q", maxQuestionBytes)
	rec := serve(f.server, multipartRequest(t, formPart{field: "question", content: question}))
	expectStatus(t, rec, http.StatusOK)
	if len(f.planner.questions) != 1 || len(f.planner.questions[0]) != maxQuestionBytes {
		t.Errorf("planner should get the full %d-byte question", maxQuestionBytes)
	}
}

func TestReadQuestion(t *testing.T) {
	q, err := readQuestion(strings.NewReader("How many rows?"))
	if err != nil || q != "How many rows?" {
		t.Errorf("readQuestion = %q, %v", q, err)
	}
	if _, err := readQuestion(strings.NewReader(strings.Repeat("x", maxQuestionBytes+1))); !errors.Is(err, errQuestionTooLarge) {
		t.Errorf("expected errQuestionTooLarge, got %v", err)
	}
}

func TestAskInvalidForm(t *testing.T) {
	f := newFixture(t, &fileExecutor{})
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"question":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := serve(f.server, req)
	expectStatus(t, rec, http.StatusBadRequest)
	if msg := decodeError(t, rec).Message; msg != "Invalid form data." {
		t.Errorf("message = %q", msg)
	}
}

func TestAskFinalExecutionFailureIncludesDetails(t *testing.T) {
	f := newFixture(t, &fileExecutor{failAnalyze: "KeyError: 'gross'"})
	rec := serve(f.server, multipartRequest(t, formPart{field: "question", content: "q"}))
	expectStatus(t, rec, http.StatusInternalServerError)
	want := errorBody{Message: "Final code execution failed.", Details: "KeyError: 'gross'"}
	if body := decodeError(t, rec); body != want {
		t.Errorf("body = %+v, want %+v", body, want)
	}
}

func TestAskMalformedResult(t *testing.T) {
	f := newFixture(t, &fileExecutor{result: "not json"})
	rec := serve(f.server, multipartRequest(t, formPart{field: "question", content: "q"}))
	expectStatus(t, rec, http.StatusInternalServerError)
	if msg := decodeError(t, rec).Message; msg != "Result file is not valid JSON." {
		t.Errorf("message = %q", msg)
	}
}

func TestAskUploadTooLarge(t *testing.T) {
	f := newFixture(t, &fileExecutor{}, service.WithMaxUploadBytes(3))
	rec := serve(f.server, multipartRequest(t,
		formPart{field: "question", content: "q"},
		formPart{field: "files", filename: "big.csv", content: "0123456789"},
	))
	expectStatus(t, rec, http.StatusRequestEntityTooLarge)
	if len(f.planner.questions) != 0 {
		t.Error("planner should not be called")
	}
}

func TestRunHistoryRoutes(t *testing.T) {
	f := newFixture(t, &fileExecutor{result: `{"ok":true}`})
	rec := serve(f.server, multipartRequest(t, formPart{field: "question", content: "Is it ok?"}))
	expectStatus(t, rec, http.StatusOK)
	runID := rec.Header().Get("X-Assay-Run")

	rec = serve(f.server, httptest.NewRequest(http.MethodGet, "/runs", nil))
	expectStatus(t, rec, http.StatusOK)
	var runs []store.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &runs); err != nil {
		t.Fatalf("decode runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs))
	}
	if runs[0].ID != runID || runs[0].Status != store.StatusCompleted {
		t.Errorf("run = %+v", runs[0])
	}

	rec = serve(f.server, httptest.NewRequest(http.MethodGet, "/runs/"+runID, nil))
	expectStatus(t, rec, http.StatusOK)
	var detail struct {
		Run    store.Run         `json:"run"`
		Events []store.EventRow  `json:"events"`
		Files  []workspace.Entry `json:"files"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &detail); err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	if detail.Run.Question != "Is it ok?" {
		t.Errorf("question = %q", detail.Run.Question)
	}
	if string(detail.Run.Result) != `{"ok":true}` {
		t.Errorf("result = %s", detail.Run.Result)
	}
	if len(detail.Events) == 0 {
		t.Fatal("expected events")
	}
	if last := detail.Events[len(detail.Events)-1].Type; last != string(workflow.EventRunCompleted) {
		t.Errorf("last event = %q", last)
	}
	files := map[string]bool{}
	for _, e := range detail.Files {
		files[e.Name] = true
	}
	if !files[workflow.DataArtifact] || !files[workflow.ResultArtifact] {
		t.Errorf("files = %v", files)
	}

	rec = serve(f.server, httptest.NewRequest(http.MethodGet, "/runs/"+runID+"/report", nil))
	expectStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Header().Get("Content-Type"), "text/html") {
		t.Errorf("Content-Type = %q", rec.Header().Get("Content-Type"))
	}
	if !strings.Contains(rec.Body.String(), "Is it ok?") {
		t.Error("HTML report missing question")
	}

	rec = serve(f.server, httptest.NewRequest(http.MethodGet, "/runs/"+runID+"/report?format=md", nil))
	expectStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), "# Run "+runID) {
		t.Errorf("markdown report = %s", rec.Body.String())
	}
}

func TestRunNotFound(t *testing.T) {
	f := newFixture(t, &fileExecutor{})
	rec := serve(f.server, httptest.NewRequest(http.MethodGet, "/runs/nope", nil))
	expectStatus(t, rec, http.StatusNotFound)
}

func TestHomeListsRecentRuns(t *testing.T) {
	f := newFixture(t, &fileExecutor{result: `1`})
	expectStatus(t, serve(f.server, multipartRequest(t, formPart{field: "question", content: "Recent question"})), http.StatusOK)

	rec := serve(f.server, httptest.NewRequest(http.MethodGet, "/", nil))
	expectStatus(t, rec, http.StatusOK)
	body := rec.Body.String()
	for _, want := range []string{`enctype="multipart/form-data"`, "Recent question"} {
		if !strings.Contains(body, want) {
			t.Errorf("home page missing %q", want)
		}
	}
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, &fileExecutor{})
	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := serve(f.server, req)
	expectStatus(t, rec, http.StatusNoContent)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("preflight Allow-Origin = %q", got)
	}

	rec = serve(f.server, httptest.NewRequest(http.MethodGet, "/health", nil))
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Allow-Origin = %q", got)
	}
}

func TestMetricsMounted(t *testing.T) {
	f := newFixture(t, &fileExecutor{})
	rec := serve(f.server, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	expectStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), "assay_runs_total") {
		t.Errorf("metrics body = %s", rec.Body.String())
	}
}

func TestNewServerRequiresService(t *testing.T) {
	if _, err := NewServer(ServerConfig{}); err == nil {
		t.Error("expected an error without a service")
	}
}
