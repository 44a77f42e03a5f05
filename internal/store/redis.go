package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/manimstudio/api/internal/model"
)

// RedisStore keeps each project as a JSON document and an owner index sorted by creation time.
type RedisStore struct {
	redis *redis.Client
	now   func() time.Time
}

func NewRedisStore(redisClient *redis.Client) *RedisStore {
	return &RedisStore{
		redis: redisClient,
		now:   time.Now,
	}
}

// Create stores a new pending project
func (s *RedisStore) Create(ctx context.Context, ownerID, prompt, title string) (*model.Project, error) {
	project := model.NewProject(uuid.New().String(), ownerID, prompt, title, s.now().UTC())

	data, err := json.Marshal(project)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal project: %w", err)
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, projectKey(project.ID), data, 0)
		pipe.ZAdd(ctx, ownerKey(ownerID), redis.Z{
			Score:  float64(project.CreatedAt.UnixMilli()),
			Member: project.ID,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save project: %w", err)
	}

	return project, nil
}

// Get returns the project if it exists and belongs to ownerID
func (s *RedisStore) Get(ctx context.Context, id, ownerID string) (*model.Project, error) {
	data, err := s.redis.Get(ctx, projectKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decodeOwned(data, ownerID)
}

// List returns the owner's projects newest first, without source
func (s *RedisStore) List(ctx context.Context, ownerID string) ([]model.Project, error) {
	ids, err := s.redis.ZRevRange(ctx, ownerKey(ownerID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}

	projects := []model.Project{}
	if len(ids) == 0 {
		return projects, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = projectKey(id)
	}

	values, err := s.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load projects: %w", err)
	}

	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			// deleted between the index read and the fetch
			continue
		}
		project, err := decodeOwned([]byte(raw), ownerID)
		if err != nil {
			continue
		}
		projects = append(projects, project.Summary())
	}

	return projects, nil
}

// UpdateDetails edits prompt/title while the project is editable
func (s *RedisStore) UpdateDetails(ctx context.Context, id, ownerID string, d model.Details) (*model.Project, error) {
	return s.mutate(ctx, id, ownerID, func(p *model.Project) error {
		return model.ApplyDetails(p, d, s.now().UTC())
	})
}

// Transition applies t atomically against the stored status
func (s *RedisStore) Transition(ctx context.Context, id, ownerID string, t model.Transition) (*model.Project, error) {
	return s.mutate(ctx, id, ownerID, func(p *model.Project) error {
		return model.Apply(p, t, s.now().UTC())
	})
}

// Delete removes the project regardless of its status
func (s *RedisStore) Delete(ctx context.Context, id, ownerID string) error {
	key := projectKey(id)

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if err == redis.Nil {
				return ErrNotFound
			}
			return err
		}
		if _, err := decodeOwned(data, ownerID); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.ZRem(ctx, ownerKey(ownerID), id)
			return nil
		})
		return err
	}

	for i := 0; i < maxCASRetries; i++ {
		err := s.redis.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("failed to delete project %s: too much contention", id)
}

// mutate runs fn inside a WATCH/MULTI transaction on the project key.
// A concurrent write aborts the EXEC and the read-check-write is retried.
func (s *RedisStore) mutate(ctx context.Context, id, ownerID string, fn func(p *model.Project) error) (*model.Project, error) {
	key := projectKey(id)
	var result *model.Project

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if err == redis.Nil {
				return ErrNotFound
			}
			return err
		}

		project, err := decodeOwned(data, ownerID)
		if err != nil {
			return err
		}

		if err := fn(project); err != nil {
			return conflict(err)
		}

		updated, err := json.Marshal(project)
		if err != nil {
			return fmt.Errorf("failed to marshal project: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		if err != nil {
			return err
		}

		result = project
		return nil
	}

	for i := 0; i < maxCASRetries; i++ {
		err := s.redis.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}
	return nil, fmt.Errorf("failed to update project %s: too much contention", id)
}

func decodeOwned(data []byte, ownerID string) (*model.Project, error) {
	var project model.Project
	if err := json.Unmarshal(data, &project); err != nil {
		return nil, fmt.Errorf("failed to unmarshal project: %w", err)
	}
	if project.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return &project, nil
}

func projectKey(id string) string {
	return fmt.Sprintf("project:%s", id)
}

func ownerKey(ownerID string) string {
	return fmt.Sprintf("owner:%s:projects", ownerID)
}
