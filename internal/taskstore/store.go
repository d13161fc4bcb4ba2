// Package taskstore persists generation tasks. Every backend serializes
// read-modify-write per task id so independent tasks never contend on a
// shared lock, and refuses any write once a task is terminal.
package taskstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/rs/zerolog"

	"genstudio/internal/domain"
	"genstudio/internal/infra"
)

var (
	// ErrStoreClosed is returned by every operation after Close.
	ErrStoreClosed = errors.New("task store closed")
	// ErrDuplicateTask is returned by Create when the id already exists.
	ErrDuplicateTask = domain.ErrDuplicateTask
	// ErrSkip may be returned by an Update mutator to leave the record untouched.
	ErrSkip = errors.New("skip update")
)

// Mutator edits a private copy of a task inside Update.
type Mutator func(t *domain.Task) error

// Store is the durable task registry shared by the coordinator and handlers.
type Store interface {
	// Create inserts a new task; ErrDuplicateTask if the id is taken.
	Create(ctx context.Context, task domain.Task) error
	// Get returns a copy of the task or domain.ErrNotFound.
	Get(ctx context.Context, id string) (domain.Task, error)
	// Update applies fn atomically for that task id. Tasks that are already
	// terminal are rejected with domain.ErrTaskTerminal before fn runs.
	Update(ctx context.Context, id string, fn Mutator) (domain.Task, error)
	// ListActive returns every pending or processing task, oldest first.
	ListActive(ctx context.Context) ([]domain.Task, error)
	Ping(ctx context.Context) error
	Close() error
}

var validID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

func checkID(id string) error {
	if !validID.MatchString(id) {
		return fmt.Errorf("task %q: %w", id, domain.ErrNotFound)
	}
	return nil
}

// Open builds the backend selected by cfg.TaskStore.
func Open(ctx context.Context, cfg *infra.Config, logger zerolog.Logger) (Store, error) {
	switch cfg.TaskStore {
	case infra.TaskStoreRedis:
		client, err := infra.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		return NewRedisStore(client, RedisOptions{Prefix: cfg.RedisKeyPrefix}), nil
	case infra.TaskStoreFile, "":
		store, err := NewFileStore(cfg.TasksDir, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported task store %q", cfg.TaskStore)
	}
}

// apply runs fn against a copy of cur. changed is false when fn asked to skip.
func apply(cur domain.Task, fn Mutator, now func() time.Time) (next domain.Task, changed bool, err error) {
	if cur.Status.Terminal() {
		return cur.Clone(), false, fmt.Errorf("task %s: %w", cur.ID, domain.ErrTaskTerminal)
	}
	next = cur.Clone()
	if err := fn(&next); err != nil {
		if errors.Is(err, ErrSkip) {
			return cur.Clone(), false, nil
		}
		return cur.Clone(), false, err
	}
	next.ID = cur.ID
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = now().UTC()
	return next, true, nil
}
