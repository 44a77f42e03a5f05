package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/manimstudio/api/internal/client"
	"github.com/manimstudio/api/internal/model"
	"github.com/manimstudio/api/internal/store"
)

// Generator produces scene source from a prompt
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// RenderQueue accepts render jobs
type RenderQueue interface {
	EnqueueRender(ctx context.Context, job *model.RenderJob) error
}

// Publisher announces project state changes
type Publisher interface {
	PublishProject(ctx context.Context, p *model.Project)
}

// ValidationError rejects a request before any state changes
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Pipeline stages reported by PipelineError
const (
	StageGeneration = "generation"
	StageEnqueue    = "enqueue"
)

// PipelineError reports a downstream failure that moved the project to failed.
// Project is the failed snapshot.
type PipelineError struct {
	Stage   string
	Project *model.Project
	Err     error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// ProjectService drives projects through generation and render submission
type ProjectService struct {
	store     store.ProjectStore
	generator Generator
	queue     RenderQueue
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
	newJobID  func() string
}

func NewProjectService(projects store.ProjectStore, generator Generator, queue RenderQueue, publisher Publisher, logger *slog.Logger) *ProjectService {
	return &ProjectService{
		store:     projects,
		generator: generator,
		queue:     queue,
		publisher: publisher,
		logger:    logger.With(slog.String("component", "projects")),
		now:       time.Now,
		newJobID:  func() string { return uuid.New().String() },
	}
}

// Create stores a new pending project
func (s *ProjectService) Create(ctx context.Context, ownerID string, req *model.CreateProjectRequest) (*model.Project, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, &ValidationError{Field: "prompt", Message: "prompt is required"}
	}
	return s.store.Create(ctx, ownerID, req.Prompt, req.Title)
}

// Get returns one project including its source
func (s *ProjectService) Get(ctx context.Context, id, ownerID string) (*model.Project, error) {
	return s.store.Get(ctx, id, ownerID)
}

// List returns the owner's projects, newest first, without source
func (s *ProjectService) List(ctx context.Context, ownerID string) ([]model.Project, error) {
	return s.store.List(ctx, ownerID)
}

// UpdateDetails edits prompt or title; rejected with store.ErrConflict while work is in flight
func (s *ProjectService) UpdateDetails(ctx context.Context, id, ownerID string, req *model.UpdateProjectRequest) (*model.Project, error) {
	if req.Prompt != nil && strings.TrimSpace(*req.Prompt) == "" {
		return nil, &ValidationError{Field: "prompt", Message: "prompt must not be empty"}
	}
	if req.Title != nil && strings.TrimSpace(*req.Title) == "" {
		return nil, &ValidationError{Field: "title", Message: "title must not be empty"}
	}

	p, err := s.store.UpdateDetails(ctx, id, ownerID, model.Details{Prompt: req.Prompt, Title: req.Title})
	if err != nil {
		return nil, err
	}
	s.publisher.PublishProject(ctx, p)
	return p, nil
}

// Delete removes the project in any status. A job still in the queue
// finds the project gone and is dropped by the worker.
func (s *ProjectService) Delete(ctx context.Context, id, ownerID string) error {
	return s.store.Delete(ctx, id, ownerID)
}

// Generate produces source for the project's prompt. With req.Render set the
// project is submitted for rendering as soon as generation succeeds.
func (s *ProjectService) Generate(ctx context.Context, id, ownerID string, req *model.GenerateRequest) (*model.Project, error) {
	p, err := s.store.Transition(ctx, id, ownerID, model.Transition{
		From: model.GenerationStatuses,
		To:   model.StatusGenerating,
	})
	if err != nil {
		return nil, err
	}
	s.publisher.PublishProject(ctx, p)

	log := s.logger.With(slog.String("project_id", id))
	log.Info("generating source")

	source, genErr := s.generator.Generate(ctx, p.Prompt)

	// the outcome must be recorded even if the caller went away
	bg := context.WithoutCancel(ctx)

	if genErr != nil {
		reason := generationReason(genErr)
		log.Warn("generation failed", slog.String("error", genErr.Error()))

		failed, err := s.store.Transition(bg, id, ownerID, model.Transition{
			From:   []model.ProjectStatus{model.StatusGenerating},
			To:     model.StatusFailed,
			Fields: model.Fields{ErrorReason: &reason},
		})
		if err != nil {
			return nil, err
		}
		s.publisher.PublishProject(bg, failed)
		return nil, &PipelineError{Stage: StageGeneration, Project: failed, Err: genErr}
	}

	p, err = s.store.Transition(bg, id, ownerID, model.Transition{
		From:   []model.ProjectStatus{model.StatusGenerating},
		To:     model.StatusGenerated,
		Fields: model.Fields{Source: &source},
	})
	if err != nil {
		return nil, err
	}
	s.publisher.PublishProject(bg, p)
	log.Info("source generated")

	if req != nil && req.Render {
		return s.SubmitRender(ctx, id, ownerID, &model.RenderRequest{RenderOptions: req.RenderOptions})
	}
	return p, nil
}

// SubmitRender queues a render of the project's source, optionally replacing
// the source and options first. Only one job per project is in flight; a
// second submission gets store.ErrConflict.
func (s *ProjectService) SubmitRender(ctx context.Context, id, ownerID string, req *model.RenderRequest) (*model.Project, error) {
	if req == nil {
		req = &model.RenderRequest{}
	}

	if req.Source != nil {
		if err := model.ValidateSource(*req.Source); err != nil {
			return nil, &ValidationError{Field: "source", Message: err.Error()}
		}
	}

	jobID := s.newJobID()
	attempts := 0

	p, err := s.store.Transition(ctx, id, ownerID, model.Transition{
		From: model.RenderStatuses,
		To:   model.StatusQueued,
		Fields: model.Fields{
			Source:        req.Source,
			RenderOptions: req.RenderOptions,
			ActiveJobID:   &jobID,
			Attempts:      &attempts,
		},
	})
	if errors.Is(err, model.ErrMissingSource) {
		return nil, &ValidationError{Field: "source", Message: err.Error()}
	}
	if err != nil {
		return nil, err
	}
	s.publisher.PublishProject(ctx, p)

	log := s.logger.With(slog.String("project_id", id), slog.String("job_id", jobID))

	job := model.NewRenderJob(jobID, p, s.now().UTC())
	if err := s.queue.EnqueueRender(ctx, job); err != nil {
		log.Error("failed to enqueue render", slog.String("error", err.Error()))

		bg := context.WithoutCancel(ctx)
		reason := "failed to queue render: " + err.Error()
		failed, terr := s.store.Transition(bg, id, ownerID, model.Transition{
			From:   []model.ProjectStatus{model.StatusQueued},
			To:     model.StatusFailed,
			JobID:  jobID,
			Fields: model.Fields{ErrorReason: &reason},
		})
		if terr != nil {
			return nil, errors.Join(err, terr)
		}
		s.publisher.PublishProject(bg, failed)
		return nil, &PipelineError{Stage: StageEnqueue, Project: failed, Err: err}
	}

	log.Info("render queued")
	return p, nil
}

func generationReason(err error) string {
	var gerr *client.GenerationError
	switch {
	case errors.As(err, &gerr):
		return gerr.Error()
	case errors.Is(err, client.ErrGeneratorNotConfigured):
		return "source generator is not configured"
	default:
		return "failed to generate source: " + err.Error()
	}
}
