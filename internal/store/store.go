// Package store persists projects and guards their state transitions.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/manimstudio/api/internal/model"
)

var (
	// ErrNotFound is returned for missing projects and for projects owned by someone else.
	ErrNotFound = errors.New("project not found")
	// ErrConflict is returned when the stored status no longer permits the change.
	ErrConflict = errors.New("project state conflict")
)

// maxCASRetries bounds optimistic retries when a concurrent writer wins the race
// on an unrelated field; a status mismatch is reported immediately.
const maxCASRetries = 10

// ProjectStore is the single source of truth for project state.
// Every call is scoped by owner id.
type ProjectStore interface {
	Create(ctx context.Context, ownerID, prompt, title string) (*model.Project, error)
	Get(ctx context.Context, id, ownerID string) (*model.Project, error)
	List(ctx context.Context, ownerID string) ([]model.Project, error)
	UpdateDetails(ctx context.Context, id, ownerID string, d model.Details) (*model.Project, error)
	Delete(ctx context.Context, id, ownerID string) error
	Transition(ctx context.Context, id, ownerID string, t model.Transition) (*model.Project, error)
}

// conflict wraps a model transition error so callers can match either sentinel.
func conflict(err error) error {
	var terr *model.TransitionError
	if errors.As(err, &terr) {
		return fmt.Errorf("%w: %w", ErrConflict, err)
	}
	return err
}
