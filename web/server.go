// ABOUTME: HTTP server for assay: the upload form, the multipart question endpoint and the
// ABOUTME: run history, report and metrics routes, all behind a single chi router.
package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/2389-research/assay/report"
	"github.com/2389-research/assay/service"
	"github.com/2389-research/assay/store"
	"github.com/2389-research/assay/workflow"
	"github.com/2389-research/assay/workspace"
)

// maxQuestionBytes caps the question form field.
const maxQuestionBytes = 1 << 20

// History is the read side of the run store.
type History interface {
	ListRuns(limit int) ([]store.Run, error)
	GetRun(runID string) (*store.Run, error)
	Events(runID string) ([]store.EventRow, error)
}

var _ History = (*store.SqliteStore)(nil)

// Server is the assay HTTP server.
type Server struct {
	svc       *service.Service
	folders   *workspace.Manager
	history   History
	metrics   http.Handler
	templates *TemplateEngine
	router    chi.Router
	addr      string
}

// ServerConfig holds the configuration for the web server.
type ServerConfig struct {
	Addr    string // listen address (default: "127.0.0.1:8000")
	Service *service.Service
	// Folders resolves run folders for file listings. Optional.
	Folders *workspace.Manager
	// History enables the /runs routes when set.
	History History
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
}

// NewServer creates a Server and sets up routing.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Service == nil {
		return nil, fmt.Errorf("Service must not be nil")
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8000"
	}
	tmpl, err := NewTemplateEngine()
	if err != nil {
		return nil, fmt.Errorf("initializing templates: %w", err)
	}
	s := &Server{
		svc:       cfg.Service,
		folders:   cfg.Folders,
		history:   cfg.History,
		metrics:   cfg.Metrics,
		templates: tmpl,
		addr:      cfg.Addr,
	}
	s.router = s.buildRouter()
	return s, nil
}

// ServeHTTP delegates to the chi router, satisfying http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.addr
}

// HTTPServer returns an http.Server for the configured address. Write
// timeouts are long because a question holds its request open for the
// whole run.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      30 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(webRequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(allowAllOrigins)

	r.Get("/", s.handleHome)
	r.Post("/", s.handleAsk)
	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	if s.history != nil {
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.handleRunList)
			r.Get("/{runID}", s.handleRunDetail)
			r.Get("/{runID}/report", s.handleRunReport)
		})
	}
	return r
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	data := PageData{Title: "Ask"}
	if s.history != nil {
		runs, err := s.history.ListRuns(10)
		if err != nil {
			log.Printf("component=web action=list_runs err=%v", err)
		}
		data.Runs = runs
	}
	if err := s.templates.Render(w, "home.html", data); err != nil {
		log.Printf("component=web action=render template=home.html err=%v", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// errorBody is the JSON shape of every failed question.
type errorBody struct {
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// handleAsk streams a multipart form into a fresh working folder, runs the
// workflow and answers with the raw result.json payload.
func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Message: "Invalid form data."})
		return
	}

	sess, err := s.svc.Begin()
	if err != nil {
		log.Printf("component=web action=begin err=%v", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Message: "Could not create working folder."})
		return
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			sess.Discard()
			writeJSON(w, http.StatusBadRequest, errorBody{Message: "Invalid form data."})
			return
		}

		switch {
		case part.FileName() != "":
			_, err = sess.AddFile(part.FileName(), part)
		case part.FormName() == "question":
			var q string
			q, err = readQuestion(part)
			if err == nil {
				sess.SetQuestion(q)
			}
		}
		part.Close()

		if errors.Is(err, workspace.ErrUploadTooLarge) {
			sess.Discard()
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Message: "Uploaded file is too large."})
			return
		}
		if errors.Is(err, errQuestionTooLarge) {
			sess.Discard()
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Message: "Question is too large."})
			return
		}
		if err != nil {
			sess.Discard()
			writeJSON(w, http.StatusBadRequest, errorBody{Message: "Invalid form data.", Details: err.Error()})
			return
		}
	}

	answer, err := sess.Run(r.Context(), nil)
	if err != nil {
		status, body := failureResponse(err)
		log.Printf("component=web action=ask run=%s status=%d kind=%s", sess.ID(), status, workflow.KindOf(err))
		writeJSON(w, status, body)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Assay-Run", answer.RunID)
	w.WriteHeader(http.StatusOK)
	w.Write(answer.Result.Raw)
}

var errQuestionTooLarge = errors.New("question exceeds size limit")

// readQuestion reads the question field, rejecting it rather than cutting it
// short when it is over maxQuestionBytes.
func readQuestion(r io.Reader) (string, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxQuestionBytes+1))
	if err != nil {
		return "", err
	}
	if len(b) > maxQuestionBytes {
		return "", errQuestionTooLarge
	}
	return string(b), nil
}

func failureResponse(err error) (int, errorBody) {
	var f *workflow.Failure
	if !errors.As(err, &f) {
		return http.StatusInternalServerError, errorBody{Message: "Unexpected workflow error."}
	}
	status := http.StatusInternalServerError
	if f.Kind == workflow.KindMissingInput {
		status = http.StatusBadRequest
	}
	return status, errorBody{Message: f.Message, Details: f.Detail}
}

func (s *Server) handleRunList(w http.ResponseWriter, r *http.Request) {
	runs, err := s.history.ListRuns(50)
	if err != nil {
		log.Printf("component=web action=list_runs err=%v", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Message: "Could not list runs."})
		return
	}
	if runs == nil {
		runs = []store.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// runDetail is the JSON body of GET /runs/{runID}.
type runDetail struct {
	Run    *store.Run        `json:"run"`
	Events []store.EventRow  `json:"events"`
	Files  []workspace.Entry `json:"files"`
}

func (s *Server) loadRun(w http.ResponseWriter, r *http.Request) (*runDetail, bool) {
	runID := chi.URLParam(r, "runID")
	run, err := s.history.GetRun(runID)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorBody{Message: "Run not found."})
		return nil, false
	}
	if err != nil {
		log.Printf("component=web action=get_run run=%s err=%v", runID, err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Message: "Could not load run."})
		return nil, false
	}
	events, err := s.history.Events(runID)
	if err != nil {
		log.Printf("component=web action=get_events run=%s err=%v", runID, err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Message: "Could not load run."})
		return nil, false
	}
	if events == nil {
		events = []store.EventRow{}
	}
	return &runDetail{Run: run, Events: events, Files: s.inventory(runID)}, true
}

// inventory lists a run's folder. A purged or unknown folder yields an
// empty list.
func (s *Server) inventory(runID string) []workspace.Entry {
	files := []workspace.Entry{}
	if s.folders == nil {
		return files
	}
	folder, err := s.folders.Open(runID)
	if err != nil {
		return files
	}
	entries, err := folder.Inventory()
	if err != nil {
		log.Printf("component=web action=inventory run=%s err=%v", runID, err)
		return files
	}
	return append(files, entries...)
}

func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	detail, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// handleRunReport renders the run report as HTML, or Markdown with
// ?format=md.
func (s *Server) handleRunReport(w http.ResponseWriter, r *http.Request) {
	detail, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	in := report.Input{Run: *detail.Run, Events: detail.Events, Files: detail.Files}

	if strings.EqualFold(r.URL.Query().Get("format"), "md") {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		io.WriteString(w, report.Markdown(in))
		return
	}
	page, err := report.HTML(in)
	if err != nil {
		log.Printf("component=web action=report run=%s err=%v", detail.Run.ID, err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(page)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
