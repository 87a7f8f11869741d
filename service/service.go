// ABOUTME: Service ties a working folder, its uploads and run log to one orchestrator run.
// ABOUTME: Shared by the HTTP server, the ask command and the MCP tool so all three behave the same.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/2389-research/assay/store"
	"github.com/2389-research/assay/workflow"
	"github.com/2389-research/assay/workspace"
)

// QuestionFile is the upload name whose content becomes the question.
const QuestionFile = "question.txt"

// Recorder persists run history.
type Recorder interface {
	CreateRun(run store.Run) error
	SaveResult(runID string, result json.RawMessage) error
}

var _ Recorder = (*store.SqliteStore)(nil)

// Service starts runs.
type Service struct {
	folders      *workspace.Manager
	orchestrator *workflow.Orchestrator
	recorder     Recorder
	maxUpload    int64
	echo         io.Writer
}

// Option configures a Service.
type Option func(*Service)

// WithRecorder records every run with r.
func WithRecorder(r Recorder) Option {
	return func(svc *Service) {
		svc.recorder = r
	}
}

// WithMaxUploadBytes caps each uploaded file. Zero means no limit.
func WithMaxUploadBytes(n int64) Option {
	return func(svc *Service) {
		svc.maxUpload = n
	}
}

// WithLogEcho mirrors every run log line to w in addition to app.log.
func WithLogEcho(w io.Writer) Option {
	return func(svc *Service) {
		svc.echo = w
	}
}

// New creates a Service.
func New(folders *workspace.Manager, orchestrator *workflow.Orchestrator, opts ...Option) *Service {
	svc := &Service{
		folders:      folders,
		orchestrator: orchestrator,
		echo:         log.Writer(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Session collects the inputs of one run inside its working folder.
type Session struct {
	svc      *Service
	folder   *workspace.Folder
	logger   *log.Logger
	closer   io.Closer
	question string
	uploads  []workflow.Upload
}

// Begin creates a fresh working folder and opens its run log.
func (s *Service) Begin() (*Session, error) {
	folder, err := s.folders.Create()
	if err != nil {
		return nil, err
	}
	logger, closer, err := folder.OpenLog(s.echo)
	if err != nil {
		return nil, err
	}
	logger.Printf("component=service run=%s action=folder_created folder=%s", folder.ID, folder.Path)
	return &Session{svc: s, folder: folder, logger: logger, closer: closer}, nil
}

// ID returns the run id, which is also the folder name.
func (sess *Session) ID() string {
	return sess.folder.ID
}

// Folder returns the absolute working folder path.
func (sess *Session) Folder() string {
	return sess.folder.Path
}

// SetQuestion sets the question text. A later SetQuestion or question.txt
// upload replaces it.
func (sess *Session) SetQuestion(q string) {
	sess.question = q
}

// Question returns the current question text.
func (sess *Session) Question() string {
	return sess.question
}

// AddFile saves an uploaded file. A file named question.txt also supplies
// the question.
func (sess *Session) AddFile(name string, r io.Reader) (workflow.Upload, error) {
	var captured bytes.Buffer
	isQuestion := strings.EqualFold(strings.TrimSpace(name), QuestionFile)
	if isQuestion {
		r = io.TeeReader(r, &captured)
	}

	up, err := sess.folder.SaveUpload(name, r, sess.svc.maxUpload)
	if err != nil {
		sess.logger.Printf("component=service run=%s action=upload_failed name=%q err=%v", sess.ID(), name, err)
		return workflow.Upload{}, err
	}
	sess.uploads = append(sess.uploads, up)
	if isQuestion {
		sess.question = captured.String()
	}
	sess.logger.Printf("component=service run=%s action=upload name=%s bytes=%d", sess.ID(), up.Name, up.Size)
	return up, nil
}

// Uploads returns the files saved so far.
func (sess *Session) Uploads() []workflow.Upload {
	return append([]workflow.Upload(nil), sess.uploads...)
}

// Answer is a successful run.
type Answer struct {
	RunID  string
	Folder string
	Result *workflow.Result
}

// Run executes the workflow and closes the session's log. Failures are
// returned as *workflow.Failure. events, if non-nil, sees this run's events.
func (sess *Session) Run(ctx context.Context, events workflow.EventHandler) (*Answer, error) {
	defer sess.close()

	if rec := sess.svc.recorder; rec != nil {
		if err := rec.CreateRun(store.Run{ID: sess.ID(), Question: strings.TrimSpace(sess.question), Folder: sess.Folder()}); err != nil {
			sess.logger.Printf("component=service run=%s action=record_failed err=%v", sess.ID(), err)
		}
	}

	result, err := sess.svc.orchestrator.Run(ctx, workflow.Request{
		RunID:    sess.ID(),
		Folder:   sess.Folder(),
		Question: sess.question,
		Uploads:  sess.Uploads(),
		Logger:   sess.logger,
		Events:   events,
	})
	if err != nil {
		return nil, err
	}

	if rec := sess.svc.recorder; rec != nil {
		if err := rec.SaveResult(sess.ID(), result.Raw); err != nil {
			sess.logger.Printf("component=service run=%s action=record_result_failed err=%v", sess.ID(), err)
		}
	}
	return &Answer{RunID: sess.ID(), Folder: sess.Folder(), Result: result}, nil
}

// Discard closes the session without running it.
func (sess *Session) Discard() {
	sess.close()
}

func (sess *Session) close() {
	if sess.closer == nil {
		return
	}
	if err := sess.closer.Close(); err != nil {
		log.Printf("component=service run=%s action=close_log err=%v", sess.ID(), err)
	}
	sess.closer = nil
}

// File is a named upload.
type File struct {
	Name   string
	Reader io.Reader
}

// Ask runs question with files in one call. Files are saved in order.
func (s *Service) Ask(ctx context.Context, question string, files []File, events workflow.EventHandler) (*Answer, error) {
	sess, err := s.Begin()
	if err != nil {
		return nil, err
	}
	sess.SetQuestion(question)
	for _, f := range files {
		if _, err := sess.AddFile(f.Name, f.Reader); err != nil {
			sess.Discard()
			return nil, fmt.Errorf("saving %s: %w", f.Name, err)
		}
	}
	return sess.Run(ctx, events)
}
