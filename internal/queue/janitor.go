package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/hibiken/asynq"

	"github.com/manimstudio/api/internal/model"
)

const listPageSize = 100

// Inspector is the subset of *asynq.Inspector the janitor needs
type Inspector interface {
	ListCompletedTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
	ListArchivedTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
	DeleteTask(queue, id string) error
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
}

// Abandoner settles the project of a job the queue has given up on.
// It must be a no-op when the project no longer belongs to the job.
type Abandoner interface {
	Abandon(ctx context.Context, job *model.RenderJob, reason string) error
}

// Janitor trims finished task history to the policy's retention bounds.
// asynq drops completed tasks on its own once Retention passes; the janitor
// adds the count bound and the age bound for archived (failed) tasks.
//
// Before that it hands every archived render task to the Abandoner. asynq
// archives a task whose lease expired on its last attempt without running the
// handler again, which would otherwise leave the project queued or rendering.
type Janitor struct {
	inspector Inspector
	abandoner Abandoner
	policy    Policy
	logger    *slog.Logger
	now       func() time.Time
}

// NewJanitor creates a janitor. abandoner may be nil when only Stats is used.
func NewJanitor(inspector Inspector, abandoner Abandoner, policy Policy, logger *slog.Logger) *Janitor {
	return &Janitor{
		inspector: inspector,
		abandoner: abandoner,
		policy:    policy,
		logger:    logger.With(slog.String("component", "janitor")),
		now:       time.Now,
	}
}

const defaultSweepInterval = 10 * time.Minute

// Run sweeps every interval until ctx is done
func (j *Janitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if n, err := j.Sweep(ctx); err != nil {
			j.logger.Error("sweep failed", slog.String("error", err.Error()))
		} else if n > 0 {
			j.logger.Info("evicted finished tasks", slog.Int("count", n))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep deletes completed and archived tasks outside retention and reports how many went
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	now := j.now()

	completed, err := j.listAll(ctx, j.inspector.ListCompletedTasks)
	if err != nil {
		return 0, fmt.Errorf("failed to list completed tasks: %w", err)
	}
	archived, err := j.listAll(ctx, j.inspector.ListArchivedTasks)
	if err != nil {
		return 0, fmt.Errorf("failed to list archived tasks: %w", err)
	}

	unsettled := j.settle(ctx, archived)

	evict := selectEvictions(completed, completedAt, j.policy.Completed, now)
	evict = append(evict, selectEvictions(archived, failedAt, j.policy.Failed, now)...)

	deleted := 0
	for _, id := range evict {
		// kept so the next sweep can try again
		if unsettled[id] {
			continue
		}
		if err := j.inspector.DeleteTask(j.policy.Queue, id); err != nil {
			if errors.Is(err, asynq.ErrTaskNotFound) {
				continue
			}
			return deleted, fmt.Errorf("failed to delete task %s: %w", id, err)
		}
		deleted++
	}
	return deleted, nil
}

// settle abandons the jobs of archived render tasks and returns the ids of
// tasks whose project could not be updated.
func (j *Janitor) settle(ctx context.Context, archived []*asynq.TaskInfo) map[string]bool {
	unsettled := make(map[string]bool)
	if j.abandoner == nil {
		return unsettled
	}

	for _, t := range archived {
		if t.Type != TaskTypeRender {
			continue
		}
		job, err := decodeRenderPayload(t.Payload)
		if err != nil {
			j.logger.Warn("skipping undecodable archived task", slog.String("task_id", t.ID), slog.String("error", err.Error()))
			continue
		}
		if err := j.abandoner.Abandon(ctx, job, abandonReason(t)); err != nil {
			j.logger.Error("failed to settle abandoned job",
				slog.String("job_id", job.JobID),
				slog.String("project_id", job.ProjectID),
				slog.String("error", err.Error()),
			)
			unsettled[t.ID] = true
		}
	}
	return unsettled
}

func abandonReason(t *asynq.TaskInfo) string {
	reason := fmt.Sprintf("render abandoned after %d attempts", t.Retried+1)
	if t.LastErr != "" {
		reason += ": " + t.LastErr
	}
	return reason
}

// Stats reports queue occupancy and retained history
func (j *Janitor) Stats(ctx context.Context) (*model.QueueStatsResponse, error) {
	info, err := j.inspector.GetQueueInfo(j.policy.Queue)
	if err != nil {
		if errors.Is(err, asynq.ErrQueueNotFound) {
			return &model.QueueStatsResponse{Queue: j.policy.Queue}, nil
		}
		return nil, fmt.Errorf("failed to get queue info: %w", err)
	}

	return &model.QueueStatsResponse{
		Queue:     info.Queue,
		Pending:   info.Pending,
		Active:    info.Active,
		Scheduled: info.Scheduled,
		Retry:     info.Retry,
		Archived:  info.Archived,
		Completed: info.Completed,
		Processed: info.Processed,
		Failed:    info.Failed,
		Paused:    info.Paused,
	}, nil
}

type listFunc func(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)

func (j *Janitor) listAll(ctx context.Context, list listFunc) ([]*asynq.TaskInfo, error) {
	var all []*asynq.TaskInfo
	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tasks, err := list(j.policy.Queue, asynq.PageSize(listPageSize), asynq.Page(page))
		if err != nil {
			if errors.Is(err, asynq.ErrQueueNotFound) {
				return all, nil
			}
			return nil, err
		}
		all = append(all, tasks...)
		if len(tasks) < listPageSize {
			return all, nil
		}
	}
}

func completedAt(t *asynq.TaskInfo) time.Time { return t.CompletedAt }
func failedAt(t *asynq.TaskInfo) time.Time    { return t.LastFailedAt }

// selectEvictions returns the ids of tasks beyond the newest r.MaxCount
// or finished more than r.MaxAge before now.
func selectEvictions(tasks []*asynq.TaskInfo, finishedAt func(*asynq.TaskInfo) time.Time, r Retention, now time.Time) []string {
	sorted := make([]*asynq.TaskInfo, len(tasks))
	copy(sorted, tasks)
	sort.SliceStable(sorted, func(a, b int) bool {
		return finishedAt(sorted[a]).After(finishedAt(sorted[b]))
	})

	var ids []string
	for i, t := range sorted {
		tooMany := r.MaxCount > 0 && i >= r.MaxCount
		tooOld := r.MaxAge > 0 && now.Sub(finishedAt(t)) > r.MaxAge
		if tooMany || tooOld {
			ids = append(ids, t.ID)
		}
	}
	return ids
}
