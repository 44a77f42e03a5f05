package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manimstudio/api/internal/model"
)

// runStoreSuite exercises the ProjectStore contract against any backend.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) ProjectStore) {
	ctx := context.Background()

	t.Run("create applies defaults", func(t *testing.T) {
		s := newStore(t)
		p, err := s.Create(ctx, "owner-1", "blue circle", "")
		require.NoError(t, err)

		assert.NotEmpty(t, p.ID)
		assert.Equal(t, model.StatusPending, p.Status)
		assert.Equal(t, model.DefaultTitle, p.Title)
		assert.Equal(t, model.DefaultQuality, p.RenderOptions.Quality)
		assert.Nil(t, p.Source)
		assert.Nil(t, p.ArtifactLocation)
		assert.Nil(t, p.ErrorReason)
	})

	t.Run("get is scoped by owner", func(t *testing.T) {
		s := newStore(t)
		p, err := s.Create(ctx, "owner-1", "blue circle", "Circle")
		require.NoError(t, err)

		got, err := s.Get(ctx, p.ID, "owner-1")
		require.NoError(t, err)
		assert.Equal(t, "Circle", got.Title)

		_, err = s.Get(ctx, p.ID, "owner-2")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.Get(ctx, "missing", "owner-1")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list is newest first and omits source", func(t *testing.T) {
		s := newStore(t)
		first, err := s.Create(ctx, "owner-1", "first", "")
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
		second, err := s.Create(ctx, "owner-1", "second", "")
		require.NoError(t, err)
		_, err = s.Create(ctx, "owner-2", "other", "")
		require.NoError(t, err)

		_, err = s.Transition(ctx, first.ID, "owner-1", model.Transition{
			From: []model.ProjectStatus{model.StatusPending}, To: model.StatusGenerating,
		})
		require.NoError(t, err)
		_, err = s.Transition(ctx, first.ID, "owner-1", model.Transition{
			From:   []model.ProjectStatus{model.StatusGenerating},
			To:     model.StatusGenerated,
			Fields: model.Fields{Source: model.StringPtr("class PromptAnimation(Scene):")},
		})
		require.NoError(t, err)

		projects, err := s.List(ctx, "owner-1")
		require.NoError(t, err)
		require.Len(t, projects, 2)
		assert.Equal(t, second.ID, projects[0].ID)
		assert.Equal(t, first.ID, projects[1].ID)
		assert.Nil(t, projects[1].Source)

		empty, err := s.List(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("transition rejects stale prior status", func(t *testing.T) {
		s := newStore(t)
		p, err := s.Create(ctx, "owner-1", "blue circle", "")
		require.NoError(t, err)

		_, err = s.Transition(ctx, p.ID, "owner-1", model.Transition{
			From: []model.ProjectStatus{model.StatusGenerated}, To: model.StatusQueued,
		})
		assert.ErrorIs(t, err, ErrConflict)

		var terr *model.TransitionError
		assert.True(t, errors.As(err, &terr))

		got, err := s.Get(ctx, p.ID, "owner-1")
		require.NoError(t, err)
		assert.Equal(t, model.StatusPending, got.Status)
		assert.Equal(t, p.Version, got.Version)
	})

	t.Run("queueing without source is rejected atomically", func(t *testing.T) {
		s := newStore(t)
		p, err := s.Create(ctx, "owner-1", "blue circle", "")
		require.NoError(t, err)
		_, err = s.Transition(ctx, p.ID, "owner-1", model.Transition{From: model.GenerationStatuses, To: model.StatusGenerating})
		require.NoError(t, err)
		failed, err := s.Transition(ctx, p.ID, "owner-1", model.Transition{
			From: []model.ProjectStatus{model.StatusGenerating}, To: model.StatusFailed,
			Fields: model.Fields{ErrorReason: model.StringPtr("generation failed")},
		})
		require.NoError(t, err)

		_, err = s.Transition(ctx, p.ID, "owner-1", model.Transition{
			From: model.RenderStatuses, To: model.StatusQueued,
			Fields: model.Fields{ActiveJobID: model.StringPtr("job-1")},
		})
		assert.ErrorIs(t, err, model.ErrMissingSource)

		got, err := s.Get(ctx, p.ID, "owner-1")
		require.NoError(t, err)
		assert.Equal(t, model.StatusFailed, got.Status)
		assert.Empty(t, got.ActiveJobID)
		assert.Equal(t, failed.Version, got.Version)
	})

	t.Run("transition guarded by job id", func(t *testing.T) {
		s := newStore(t)
		p := generatedProject(t, s)

		_, err := s.Transition(ctx, p.ID, "owner-1", model.Transition{
			From:   model.RenderStatuses,
			To:     model.StatusQueued,
			Fields: model.Fields{ActiveJobID: model.StringPtr("job-1")},
		})
		require.NoError(t, err)

		_, err = s.Transition(ctx, p.ID, "owner-1", model.Transition{
			From: model.ClaimStatuses, To: model.StatusRendering, JobID: "job-0",
		})
		assert.ErrorIs(t, err, ErrConflict)

		got, err := s.Transition(ctx, p.ID, "owner-1", model.Transition{
			From: model.ClaimStatuses, To: model.StatusRendering, JobID: "job-1",
		})
		require.NoError(t, err)
		assert.Equal(t, model.StatusRendering, got.Status)
	})

	t.Run("transition on another owner's project is not found", func(t *testing.T) {
		s := newStore(t)
		p, err := s.Create(ctx, "owner-1", "blue circle", "")
		require.NoError(t, err)

		_, err = s.Transition(ctx, p.ID, "owner-2", model.Transition{
			From: model.GenerationStatuses, To: model.StatusGenerating,
		})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("concurrent transitions have one winner", func(t *testing.T) {
		s := newStore(t)
		p := generatedProject(t, s)

		const racers = 8
		var wg sync.WaitGroup
		var mu sync.Mutex
		wins, conflicts := 0, 0

		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Transition(ctx, p.ID, "owner-1", model.Transition{
					From: model.RenderStatuses, To: model.StatusQueued,
				})
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					wins++
				} else if errors.Is(err, ErrConflict) {
					conflicts++
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, wins)
		assert.Equal(t, racers-1, conflicts)
	})

	t.Run("details editable only in pending generated failed", func(t *testing.T) {
		s := newStore(t)
		p, err := s.Create(ctx, "owner-1", "blue circle", "")
		require.NoError(t, err)

		updated, err := s.UpdateDetails(ctx, p.ID, "owner-1", model.Details{Title: model.StringPtr("Renamed")})
		require.NoError(t, err)
		assert.Equal(t, "Renamed", updated.Title)
		assert.Equal(t, "blue circle", updated.Prompt)

		_, err = s.Transition(ctx, p.ID, "owner-1", model.Transition{
			From: model.GenerationStatuses, To: model.StatusGenerating,
		})
		require.NoError(t, err)

		_, err = s.UpdateDetails(ctx, p.ID, "owner-1", model.Details{Prompt: model.StringPtr("red square")})
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("delete is unconditional and owner scoped", func(t *testing.T) {
		s := newStore(t)
		p := generatedProject(t, s)
		_, err := s.Transition(ctx, p.ID, "owner-1", model.Transition{
			From: model.RenderStatuses, To: model.StatusQueued,
		})
		require.NoError(t, err)

		assert.ErrorIs(t, s.Delete(ctx, p.ID, "owner-2"), ErrNotFound)
		require.NoError(t, s.Delete(ctx, p.ID, "owner-1"))

		_, err = s.Get(ctx, p.ID, "owner-1")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.Transition(ctx, p.ID, "owner-1", model.Transition{
			From: model.ClaimStatuses, To: model.StatusRendering,
		})
		assert.ErrorIs(t, err, ErrNotFound)

		projects, err := s.List(ctx, "owner-1")
		require.NoError(t, err)
		assert.Empty(t, projects)
	})
}

func generatedProject(t *testing.T, s ProjectStore) *model.Project {
	t.Helper()
	ctx := context.Background()

	p, err := s.Create(ctx, "owner-1", "blue circle", "")
	require.NoError(t, err)
	_, err = s.Transition(ctx, p.ID, "owner-1", model.Transition{
		From: model.GenerationStatuses, To: model.StatusGenerating,
	})
	require.NoError(t, err)
	p, err = s.Transition(ctx, p.ID, "owner-1", model.Transition{
		From:   []model.ProjectStatus{model.StatusGenerating},
		To:     model.StatusGenerated,
		Fields: model.Fields{Source: model.StringPtr("class PromptAnimation(Scene):\n    def construct(self):\n        pass")},
	})
	require.NoError(t, err)
	return p
}
