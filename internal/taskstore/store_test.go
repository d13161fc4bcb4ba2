package taskstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genstudio/internal/domain"
)

type storeFactory func(t *testing.T) Store

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		"file": func(t *testing.T) Store {
			s, err := NewFileStore(t.TempDir(), zerolog.Nop())
			require.NoError(t, err)
			return s
		},
		"redis": func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			return NewRedisStore(client, RedisOptions{Prefix: "test:"})
		},
	}
}

func newTask(id string) domain.Task {
	return domain.NewTask(id, domain.ModuleFigurine, time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC))
}

func TestStoreContract(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			t.Run("create and get", func(t *testing.T) {
				s := factory(t)
				defer s.Close()
				ctx := context.Background()

				require.NoError(t, s.Create(ctx, newTask("t1")))
				got, err := s.Get(ctx, "t1")
				require.NoError(t, err)
				assert.Equal(t, domain.TaskStatusPending, got.Status)
				assert.Equal(t, domain.ModuleFigurine, got.Module)
				assert.NotNil(t, got.Logs)

				err = s.Create(ctx, newTask("t1"))
				assert.ErrorIs(t, err, ErrDuplicateTask)
			})

			t.Run("unknown and malformed ids", func(t *testing.T) {
				s := factory(t)
				defer s.Close()
				ctx := context.Background()

				_, err := s.Get(ctx, "missing")
				assert.ErrorIs(t, err, domain.ErrNotFound)
				_, err = s.Get(ctx, "../etc/passwd")
				assert.ErrorIs(t, err, domain.ErrNotFound)
				_, err = s.Update(ctx, "missing", func(*domain.Task) error { return nil })
				assert.ErrorIs(t, err, domain.ErrNotFound)
			})

			t.Run("update and terminal guard", func(t *testing.T) {
				s := factory(t)
				defer s.Close()
				ctx := context.Background()
				require.NoError(t, s.Create(ctx, newTask("t2")))

				got, err := s.Update(ctx, "t2", func(task *domain.Task) error {
					task.Status = domain.TaskStatusProcessing
					task.Advance(10)
					task.AppendLog(time.Now(), "started")
					return nil
				})
				require.NoError(t, err)
				assert.Equal(t, 10, got.Progress)
				assert.Len(t, got.Logs, 1)

				_, err = s.Update(ctx, "t2", func(task *domain.Task) error {
					return task.Fail("boom")
				})
				require.NoError(t, err)

				called := false
				_, err = s.Update(ctx, "t2", func(task *domain.Task) error {
					called = true
					task.Progress = 50
					return nil
				})
				assert.ErrorIs(t, err, domain.ErrTaskTerminal)
				assert.False(t, called)

				final, err := s.Get(ctx, "t2")
				require.NoError(t, err)
				assert.Equal(t, domain.TaskStatusFailed, final.Status)
				assert.Equal(t, 100, final.Progress)
				assert.Equal(t, "boom", final.Error)
			})

			t.Run("skip and mutator errors leave record untouched", func(t *testing.T) {
				s := factory(t)
				defer s.Close()
				ctx := context.Background()
				require.NoError(t, s.Create(ctx, newTask("t3")))

				_, err := s.Update(ctx, "t3", func(task *domain.Task) error {
					task.Progress = 40
					return ErrSkip
				})
				require.NoError(t, err)

				boom := errors.New("boom")
				_, err = s.Update(ctx, "t3", func(task *domain.Task) error {
					task.Progress = 60
					return boom
				})
				assert.ErrorIs(t, err, boom)

				got, err := s.Get(ctx, "t3")
				require.NoError(t, err)
				assert.Equal(t, 0, got.Progress)
			})

			t.Run("concurrent updates serialize per task", func(t *testing.T) {
				s := factory(t)
				defer s.Close()
				ctx := context.Background()
				require.NoError(t, s.Create(ctx, newTask("t4")))
				require.NoError(t, s.Create(ctx, newTask("t5")))

				var wg sync.WaitGroup
				for i := 0; i < 20; i++ {
					for _, id := range []string{"t4", "t5"} {
						wg.Add(1)
						go func(id string, i int) {
							defer wg.Done()
							_, err := s.Update(ctx, id, func(task *domain.Task) error {
								task.AppendLog(time.Now(), fmt.Sprintf("line %d", i))
								return nil
							})
							assert.NoError(t, err)
						}(id, i)
					}
				}
				wg.Wait()

				for _, id := range []string{"t4", "t5"} {
					got, err := s.Get(ctx, id)
					require.NoError(t, err)
					assert.Len(t, got.Logs, 20, id)
				}
			})

			t.Run("list active", func(t *testing.T) {
				s := factory(t)
				defer s.Close()
				ctx := context.Background()
				for _, id := range []string{"a", "b", "c"} {
					require.NoError(t, s.Create(ctx, newTask(id)))
				}
				_, err := s.Update(ctx, "b", func(task *domain.Task) error {
					return task.Complete(domain.GenerationResult{Images: []string{"https://x/y.png"}})
				})
				require.NoError(t, err)

				active, err := s.ListActive(ctx)
				require.NoError(t, err)
				ids := make([]string, 0, len(active))
				for _, task := range active {
					ids = append(ids, task.ID)
				}
				assert.ElementsMatch(t, []string{"a", "c"}, ids)
			})

			t.Run("returned tasks are copies", func(t *testing.T) {
				s := factory(t)
				defer s.Close()
				ctx := context.Background()
				require.NoError(t, s.Create(ctx, newTask("t6")))

				got, err := s.Get(ctx, "t6")
				require.NoError(t, err)
				got.Logs = append(got.Logs, "mutated")

				again, err := s.Get(ctx, "t6")
				require.NoError(t, err)
				assert.Empty(t, again.Logs)
			})
		})
	}
}

func TestStoreClosed(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			require.NoError(t, s.Close())
			_, err := s.Get(context.Background(), "t1")
			assert.ErrorIs(t, err, ErrStoreClosed)
			assert.ErrorIs(t, s.Ping(context.Background()), ErrStoreClosed)
		})
	}
}
