package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"genstudio/internal/domain"
)

const recoveryConcurrency = 8

// Recover fails every task left pending or processing by a previous process.
// Orphaned work is not resumed. It returns how many tasks were failed.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	active, err := c.store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active tasks: %w", err)
	}

	results := make([]bool, len(active))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(recoveryConcurrency)
	for i, task := range active {
		if c.Running(task.ID) {
			continue
		}
		g.Go(func() error {
			now := c.opts.Now()
			_, err := c.update(gctx, task.ID, func(t *domain.Task) error {
				if err := t.Fail(interruptedByRestart); err != nil {
					return err
				}
				t.AppendLog(now, "Error: "+interruptedByRestart)
				return nil
			})
			if errors.Is(err, domain.ErrTaskTerminal) || errors.Is(err, domain.ErrNotFound) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("recover task %s: %w", task.ID, err)
			}
			results[i] = true
			c.opts.Metrics.TaskRecovered(string(task.Module))
			c.logger.Warn().Str("task_id", task.ID).Str("module", string(task.Module)).Msg("orphaned task failed")
			return nil
		})
	}
	err = g.Wait()

	n := 0
	for _, ok := range results {
		if ok {
			n++
		}
	}
	return n, err
}
