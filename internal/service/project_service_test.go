package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manimstudio/api/internal/client"
	"github.com/manimstudio/api/internal/model"
	"github.com/manimstudio/api/internal/queue"
	"github.com/manimstudio/api/internal/store"
	"github.com/manimstudio/api/internal/worker"
)

const testSource = "from manim import *\n\nclass PromptAnimation(Scene):\n    def construct(self):\n        self.play(Create(Circle()))\n        self.wait()"

type fakeGenerator struct {
	source string
	err    error
	calls  int
}

func (g *fakeGenerator) Generate(_ context.Context, _ string) (string, error) {
	g.calls++
	return g.source, g.err
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []*model.RenderJob
	err  error
}

func (q *fakeQueue) EnqueueRender(_ context.Context, job *model.RenderJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

type recordingPublisher struct {
	mu       sync.Mutex
	statuses []model.ProjectStatus
}

func (p *recordingPublisher) PublishProject(_ context.Context, project *model.Project) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses = append(p.statuses, project.Status)
}

type videoRenderer struct{}

func (videoRenderer) Render(_ context.Context, _ *client.RenderRequest) (*client.RenderResult, error) {
	return &client.RenderResult{VideoURL: "https://renders.example.com/v.mp4"}, nil
}

type fixture struct {
	svc       *ProjectService
	store     store.ProjectStore
	generator *fakeGenerator
	queue     *fakeQueue
	publisher *recordingPublisher
	logger    *slog.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	f := &fixture{
		store:     store.NewRedisStore(rdb),
		generator: &fakeGenerator{source: testSource},
		queue:     &fakeQueue{},
		publisher: &recordingPublisher{},
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	f.svc = NewProjectService(f.store, f.generator, f.queue, f.publisher, f.logger)
	return f
}

func (f *fixture) create(t *testing.T) *model.Project {
	t.Helper()
	p, err := f.svc.Create(context.Background(), "owner-1", &model.CreateProjectRequest{Prompt: "a blue circle"})
	require.NoError(t, err)
	return p
}

func (f *fixture) generated(t *testing.T) *model.Project {
	t.Helper()
	p := f.create(t)
	p, err := f.svc.Generate(context.Background(), p.ID, "owner-1", &model.GenerateRequest{})
	require.NoError(t, err)
	return p
}

func TestCreate(t *testing.T) {
	f := newFixture(t)
	p := f.create(t)

	assert.Equal(t, model.StatusPending, p.Status)
	assert.Equal(t, model.DefaultTitle, p.Title)

	_, err := f.svc.Create(context.Background(), "owner-1", &model.CreateProjectRequest{Prompt: "  "})
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestGenerate_Success(t *testing.T) {
	f := newFixture(t)
	p := f.generated(t)

	assert.Equal(t, model.StatusGenerated, p.Status)
	require.NotNil(t, p.Source)
	assert.Equal(t, testSource, *p.Source)
	assert.Empty(t, f.queue.jobs)
	assert.Equal(t, []model.ProjectStatus{model.StatusGenerating, model.StatusGenerated}, f.publisher.statuses)
}

func TestGenerate_FailureMarksProjectFailed(t *testing.T) {
	f := newFixture(t)
	f.generator.err = &client.GenerationError{Reason: "source does not contain required PromptAnimation class"}
	p := f.create(t)

	_, err := f.svc.Generate(context.Background(), p.ID, "owner-1", &model.GenerateRequest{Render: true})

	var perr *PipelineError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "generation", perr.Stage)
	assert.Equal(t, model.StatusFailed, perr.Project.Status)

	stored, err := f.svc.Get(context.Background(), p.ID, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, stored.Status)
	require.NotNil(t, stored.ErrorReason)
	assert.Contains(t, *stored.ErrorReason, "PromptAnimation")
	assert.Nil(t, stored.Source)
	assert.Empty(t, f.queue.jobs)
}

func TestGenerate_NotConfigured(t *testing.T) {
	f := newFixture(t)
	f.generator.err = client.ErrGeneratorNotConfigured
	p := f.create(t)

	_, err := f.svc.Generate(context.Background(), p.ID, "owner-1", nil)
	require.ErrorIs(t, err, client.ErrGeneratorNotConfigured)

	stored, err := f.svc.Get(context.Background(), p.ID, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, "source generator is not configured", *stored.ErrorReason)
}

func TestGenerate_RejectedWhileInFlight(t *testing.T) {
	f := newFixture(t)
	p := f.generated(t)
	_, err := f.svc.SubmitRender(context.Background(), p.ID, "owner-1", nil)
	require.NoError(t, err)

	_, err = f.svc.Generate(context.Background(), p.ID, "owner-1", nil)
	assert.ErrorIs(t, err, store.ErrConflict)
	assert.Equal(t, 1, f.generator.calls)
}

func TestGenerate_FailedProjectCanRegenerate(t *testing.T) {
	f := newFixture(t)
	f.generator.err = errors.New("upstream unavailable")
	p := f.create(t)

	_, err := f.svc.Generate(context.Background(), p.ID, "owner-1", nil)
	require.Error(t, err)

	f.generator.err = nil
	p, err = f.svc.Generate(context.Background(), p.ID, "owner-1", nil)
	require.NoError(t, err)
	assert.Equal(t, model.StatusGenerated, p.Status)
	assert.Nil(t, p.ErrorReason)
}

func TestSubmitRender_SingleFlight(t *testing.T) {
	f := newFixture(t)
	p := f.generated(t)
	ctx := context.Background()

	queued, err := f.svc.SubmitRender(ctx, p.ID, "owner-1", nil)
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, queued.Status)
	assert.NotEmpty(t, queued.ActiveJobID)

	_, err = f.svc.SubmitRender(ctx, p.ID, "owner-1", nil)
	assert.ErrorIs(t, err, store.ErrConflict)

	require.Len(t, f.queue.jobs, 1)
	job := f.queue.jobs[0]
	assert.Equal(t, queued.ActiveJobID, job.JobID)
	assert.Equal(t, p.ID, job.ProjectID)
	assert.Equal(t, testSource, job.Source)
}

func TestSubmitRender_ConcurrentSubmissions(t *testing.T) {
	f := newFixture(t)
	p := f.generated(t)

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.SubmitRender(context.Background(), p.ID, "owner-1", nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, store.ErrConflict)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Len(t, f.queue.jobs, 1)
}

func TestSubmitRender_EditedSourceAndOptions(t *testing.T) {
	f := newFixture(t)
	p := f.generated(t)
	edited := testSource + "\n        self.wait(2)"

	queued, err := f.svc.SubmitRender(context.Background(), p.ID, "owner-1", &model.RenderRequest{
		Source:        &edited,
		RenderOptions: &model.RenderOptions{FPS: 60},
	})
	require.NoError(t, err)

	assert.Equal(t, edited, *queued.Source)
	require.Len(t, f.queue.jobs, 1)
	assert.Equal(t, edited, f.queue.jobs[0].Source)
	assert.Equal(t, 60, f.queue.jobs[0].Options.FPS)
	assert.Equal(t, model.QualityMedium, f.queue.jobs[0].Options.Quality)
}

func TestSubmitRender_InvalidSource(t *testing.T) {
	f := newFixture(t)
	p := f.generated(t)
	bad := "print('no scene')"

	_, err := f.svc.SubmitRender(context.Background(), p.ID, "owner-1", &model.RenderRequest{Source: &bad})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "source", verr.Field)

	stored, err := f.svc.Get(context.Background(), p.ID, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusGenerated, stored.Status)
	assert.Empty(t, f.queue.jobs)
}

func TestSubmitRender_WithoutSource(t *testing.T) {
	f := newFixture(t)
	p := f.create(t)
	ctx := context.Background()

	_, err := f.svc.SubmitRender(ctx, p.ID, "owner-1", nil)
	assert.ErrorIs(t, err, store.ErrConflict)

	f.generator.err = errors.New("upstream unavailable")
	_, err = f.svc.Generate(ctx, p.ID, "owner-1", nil)
	require.Error(t, err)

	_, err = f.svc.SubmitRender(ctx, p.ID, "owner-1", nil)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestSubmitRender_EnqueueFailure(t *testing.T) {
	f := newFixture(t)
	f.queue.err = errors.New("redis: connection refused")
	p := f.generated(t)

	_, err := f.svc.SubmitRender(context.Background(), p.ID, "owner-1", nil)

	var perr *PipelineError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "enqueue", perr.Stage)

	stored, err := f.svc.Get(context.Background(), p.ID, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, stored.Status)
	assert.Contains(t, *stored.ErrorReason, "connection refused")
	assert.True(t, stored.HasSource())

	// the failed project can be resubmitted once the queue is back
	f.queue.err = nil
	_, err = f.svc.SubmitRender(context.Background(), p.ID, "owner-1", nil)
	assert.NoError(t, err)
}

func TestUpdateDetails_ConflictWhileInFlight(t *testing.T) {
	f := newFixture(t)
	p := f.generated(t)
	ctx := context.Background()
	title := "Circle"

	updated, err := f.svc.UpdateDetails(ctx, p.ID, "owner-1", &model.UpdateProjectRequest{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, "Circle", updated.Title)

	_, err = f.svc.SubmitRender(ctx, p.ID, "owner-1", nil)
	require.NoError(t, err)

	prompt := "a red square"
	_, err = f.svc.UpdateDetails(ctx, p.ID, "owner-1", &model.UpdateProjectRequest{Prompt: &prompt})
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestOwnerScoping(t *testing.T) {
	f := newFixture(t)
	p := f.create(t)
	ctx := context.Background()

	_, err := f.svc.Get(ctx, p.ID, "owner-2")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.svc.Generate(ctx, p.ID, "owner-2", nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, f.svc.Delete(ctx, p.ID, "owner-2"), store.ErrNotFound)

	list, err := f.svc.List(ctx, "owner-2")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestPipeline_GenerateRenderComplete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.create(t)

	queued, err := f.svc.Generate(ctx, p.ID, "owner-1", &model.GenerateRequest{Render: true})
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, queued.Status)
	require.Len(t, f.queue.jobs, 1)

	w := worker.NewRenderWorker(f.store, videoRenderer{}, nil, f.publisher, queue.DefaultPolicy(), f.logger)
	res := w.Process(ctx, f.queue.jobs[0], 1)
	require.Equal(t, worker.OutcomeCompleted, res.Outcome)

	done, err := f.svc.Get(ctx, p.ID, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, done.Status)
	assert.Equal(t, "https://renders.example.com/v.mp4", *done.ArtifactLocation)
	assert.Nil(t, done.ErrorReason)

	list, err := f.svc.List(ctx, "owner-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Nil(t, list[0].Source)

	assert.Equal(t, []model.ProjectStatus{
		model.StatusGenerating, model.StatusGenerated, model.StatusQueued,
		model.StatusRendering, model.StatusCompleted,
	}, f.publisher.statuses)

	// completed projects can be rendered again
	_, err = f.svc.SubmitRender(ctx, p.ID, "owner-1", nil)
	assert.NoError(t, err)
}

func TestPipeline_DeleteWhileQueued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.generated(t)

	_, err := f.svc.SubmitRender(ctx, p.ID, "owner-1", nil)
	require.NoError(t, err)
	require.NoError(t, f.svc.Delete(ctx, p.ID, "owner-1"))

	w := worker.NewRenderWorker(f.store, videoRenderer{}, nil, f.publisher, queue.DefaultPolicy(), f.logger)
	res := w.Process(ctx, f.queue.jobs[0], 1)
	assert.Equal(t, worker.OutcomeSkipped, res.Outcome)
}
