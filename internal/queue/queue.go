package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/manimstudio/api/internal/model"
)

// TaskTypeRender is the asynq task type of a render job
const TaskTypeRender = "render:project"

// ErrDuplicateJob is returned when a job id has already been enqueued
var ErrDuplicateJob = errors.New("render job already enqueued")

// Enqueuer is the subset of *asynq.Client used to submit tasks
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Queue submits render jobs under a Policy
type Queue struct {
	client Enqueuer
	policy Policy
}

func NewQueue(client Enqueuer, policy Policy) *Queue {
	return &Queue{
		client: client,
		policy: policy,
	}
}

// Policy returns the policy jobs are enqueued with
func (q *Queue) Policy() Policy {
	return q.policy
}

// EnqueueRender persists job in the queue. It returns once Redis has accepted the task.
// The job id doubles as the asynq task id, so the same job is never queued twice.
func (q *Queue) EnqueueRender(ctx context.Context, job *model.RenderJob) error {
	task, err := NewRenderTask(job)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	_, err = q.client.EnqueueContext(ctx, task, q.options(job.JobID)...)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			return fmt.Errorf("%w: %s", ErrDuplicateJob, job.JobID)
		}
		return fmt.Errorf("failed to enqueue task: %w", err)
	}

	return nil
}

func (q *Queue) options(jobID string) []asynq.Option {
	opts := []asynq.Option{
		asynq.Queue(q.policy.Queue),
		asynq.TaskID(jobID),
		asynq.MaxRetry(q.policy.MaxRetry()),
	}
	if q.policy.Completed.MaxAge > 0 {
		opts = append(opts, asynq.Retention(q.policy.Completed.MaxAge))
	}
	if q.policy.LeaseTimeout > 0 {
		opts = append(opts, asynq.Timeout(q.policy.LeaseTimeout))
	}
	return opts
}

type taskEnvelope struct {
	JobID   string          `json:"jobId"`
	Payload json.RawMessage `json:"payload"`
}

// NewRenderTask wraps job in the task envelope workers expect
func NewRenderTask(job *model.RenderJob) (*asynq.Task, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	data, err := json.Marshal(taskEnvelope{JobID: job.JobID, Payload: payload})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeRender, data), nil
}

// DecodeRenderTask reads the job back out of a task payload
func DecodeRenderTask(t *asynq.Task) (*model.RenderJob, error) {
	return decodeRenderPayload(t.Payload())
}

func decodeRenderPayload(data []byte) (*model.RenderJob, error) {
	var envelope taskEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task payload: %w", err)
	}

	var job model.RenderJob
	if err := json.Unmarshal(envelope.Payload, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal render job: %w", err)
	}
	if job.JobID == "" {
		job.JobID = envelope.JobID
	}
	if job.JobID == "" || job.ProjectID == "" || job.OwnerID == "" {
		return nil, fmt.Errorf("render job is missing identifiers")
	}

	return &job, nil
}
