package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/manimstudio/api/internal/client"
	"github.com/manimstudio/api/internal/model"
	"github.com/manimstudio/api/internal/queue"
	"github.com/manimstudio/api/internal/store"
)

// Renderer executes a render job remotely
type Renderer interface {
	Render(ctx context.Context, r *client.RenderRequest) (*client.RenderResult, error)
}

// ArtifactStore copies a finished artifact into long-term storage
type ArtifactStore interface {
	Persist(ctx context.Context, projectID, jobID, sourceURL string) (string, error)
}

// Publisher announces project state changes
type Publisher interface {
	PublishProject(ctx context.Context, p *model.Project)
}

// Outcome is what became of one delivery of a job
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeRetry     Outcome = "retry"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// Result of processing one delivery
type Result struct {
	Outcome Outcome
	Project *model.Project
	Err     error
}

// RenderWorker processes render jobs
type RenderWorker struct {
	store     store.ProjectStore
	renderer  Renderer
	artifacts ArtifactStore
	publisher Publisher
	policy    queue.Policy
	logger    *slog.Logger
}

// NewRenderWorker creates a new render worker. artifacts may be nil, in which
// case the render service's own location is stored.
func NewRenderWorker(projects store.ProjectStore, renderer Renderer, artifacts ArtifactStore, publisher Publisher, policy queue.Policy, logger *slog.Logger) *RenderWorker {
	return &RenderWorker{
		store:     projects,
		renderer:  renderer,
		artifacts: artifacts,
		publisher: publisher,
		policy:    policy,
		logger:    logger.With(slog.String("component", "worker")),
	}
}

// ProcessTask handles render task processing
func (w *RenderWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	job, err := queue.DecodeRenderTask(t)
	if err != nil {
		return fmt.Errorf("%w: %w", asynq.SkipRetry, err)
	}

	retried, _ := asynq.GetRetryCount(ctx)
	res := w.Process(ctx, job, retried+1)

	switch res.Outcome {
	case OutcomeRetry:
		if res.Err == nil {
			return errors.New("render will be retried")
		}
		return res.Err
	case OutcomeFailed:
		return fmt.Errorf("%w: %w", asynq.SkipRetry, res.Err)
	default:
		return nil
	}
}

// Process runs one delivery of job. attempt is 1-based.
func (w *RenderWorker) Process(ctx context.Context, job *model.RenderJob, attempt int) Result {
	log := w.logger.With(
		slog.String("job_id", job.JobID),
		slog.String("project_id", job.ProjectID),
		slog.Int("attempt", attempt),
	)

	// state write-backs outlive the task deadline
	bg := context.WithoutCancel(ctx)

	p, err := w.store.Transition(bg, job.ProjectID, job.OwnerID, model.Transition{
		From:   model.ClaimStatuses,
		To:     model.StatusRendering,
		JobID:  job.JobID,
		Fields: model.Fields{Attempts: &attempt},
	})
	if err != nil {
		if skip(err) {
			log.Info("skipping job", slog.String("reason", err.Error()))
			return Result{Outcome: OutcomeSkipped, Err: err}
		}
		log.Error("failed to claim project", slog.String("error", err.Error()))
		return Result{Outcome: OutcomeRetry, Err: err}
	}
	w.publisher.PublishProject(bg, p)
	log.Info("rendering")

	rendered, renderErr := w.renderer.Render(ctx, &client.RenderRequest{
		JobID:   job.JobID,
		Source:  job.Source,
		Options: job.Options,
	})
	if renderErr != nil {
		return w.handleFailure(bg, log, job, attempt, renderErr)
	}

	location := rendered.VideoURL
	if w.artifacts != nil {
		stored, err := w.artifacts.Persist(ctx, job.ProjectID, job.JobID, rendered.VideoURL)
		if err != nil {
			log.Warn("failed to mirror artifact, keeping render service location", slog.String("error", err.Error()))
		} else {
			location = stored
		}
	}

	p, err = w.store.Transition(bg, job.ProjectID, job.OwnerID, model.Transition{
		From:   []model.ProjectStatus{model.StatusRendering},
		To:     model.StatusCompleted,
		JobID:  job.JobID,
		Fields: model.Fields{ArtifactLocation: &location},
	})
	if err != nil {
		if skip(err) {
			log.Info("project changed during render, discarding result", slog.String("reason", err.Error()))
			return Result{Outcome: OutcomeSkipped, Err: err}
		}
		log.Error("failed to record completion", slog.String("error", err.Error()))
		return Result{Outcome: OutcomeRetry, Err: err}
	}
	w.publisher.PublishProject(bg, p)
	log.Info("render completed", slog.String("artifact", location))

	return Result{Outcome: OutcomeCompleted, Project: p}
}

func (w *RenderWorker) handleFailure(ctx context.Context, log *slog.Logger, job *model.RenderJob, attempt int, renderErr error) Result {
	if client.IsRetriable(renderErr) && w.policy.HasAttemptsLeft(attempt) {
		p, err := w.store.Transition(ctx, job.ProjectID, job.OwnerID, model.Transition{
			From:  []model.ProjectStatus{model.StatusRendering},
			To:    model.StatusQueued,
			JobID: job.JobID,
		})
		if err != nil {
			if skip(err) {
				return Result{Outcome: OutcomeSkipped, Err: err}
			}
			return Result{Outcome: OutcomeRetry, Err: errors.Join(renderErr, err)}
		}
		w.publisher.PublishProject(ctx, p)
		log.Warn("render failed, will retry",
			slog.Duration("backoff", w.policy.Backoff(attempt-1)),
			slog.String("error", renderErr.Error()),
		)
		return Result{Outcome: OutcomeRetry, Project: p, Err: renderErr}
	}

	reason := client.FailureReason(renderErr)
	p, err := w.store.Transition(ctx, job.ProjectID, job.OwnerID, model.Transition{
		From:   []model.ProjectStatus{model.StatusRendering},
		To:     model.StatusFailed,
		JobID:  job.JobID,
		Fields: model.Fields{ErrorReason: &reason},
	})
	if err != nil {
		if skip(err) {
			return Result{Outcome: OutcomeSkipped, Err: err}
		}
		return Result{Outcome: OutcomeRetry, Err: errors.Join(renderErr, err)}
	}
	w.publisher.PublishProject(ctx, p)
	log.Error("render failed", slog.String("error", reason))

	return Result{Outcome: OutcomeFailed, Project: p, Err: renderErr}
}

// Abandon fails the project of a job the queue will not deliver again, such as
// one whose worker died on its last attempt. A project that has moved on to
// another job, or was deleted, is left alone.
func (w *RenderWorker) Abandon(ctx context.Context, job *model.RenderJob, reason string) error {
	p, err := w.store.Transition(ctx, job.ProjectID, job.OwnerID, model.Transition{
		From:   model.ClaimStatuses,
		To:     model.StatusFailed,
		JobID:  job.JobID,
		Fields: model.Fields{ErrorReason: &reason},
	})
	if err != nil {
		if skip(err) {
			return nil
		}
		return err
	}
	w.publisher.PublishProject(ctx, p)
	w.logger.Warn("render abandoned",
		slog.String("job_id", job.JobID),
		slog.String("project_id", job.ProjectID),
		slog.String("reason", reason),
	)
	return nil
}

// skip reports errors that mean the job no longer owns the project
func skip(err error) bool {
	return errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrConflict)
}
