// Package orchestrator drives generation tasks from submission to a terminal
// status: adapter selection, bounded sequential retries, the synthetic
// progress ticker, and hand-off to the gallery and event stream.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"genstudio/internal/domain"
	"genstudio/internal/events"
	"genstudio/internal/gallery"
	"genstudio/internal/metrics"
	"genstudio/internal/paramset"
	"genstudio/internal/providers/image"
	"genstudio/internal/taskstore"
)

// ErrShuttingDown is returned by Submit after Shutdown has started.
var ErrShuttingDown = errors.New("coordinator shutting down")

const (
	interruptedByRestart  = "interrupted by server restart"
	interruptedByShutdown = "interrupted by server shutdown"
	finalWriteTimeout     = 10 * time.Second
	finalWriteAttempts    = 3
	finalWriteBackoff     = 100 * time.Millisecond
)

// Options tunes a Coordinator. Zero values fall back to the documented defaults.
type Options struct {
	MaxRetries          int
	RetryBackoff        time.Duration
	ProgressInterval    time.Duration
	AttemptTimeout      time.Duration
	PlaceholderFallback bool

	Builder *paramset.Builder
	Events  events.Publisher
	Gallery gallery.Sink
	Metrics *metrics.Collector
	Logger  zerolog.Logger

	Now    func() time.Time
	NewID  func() string
	Jitter Jitter
}

// DefaultOptions mirrors the production defaults.
func DefaultOptions() Options {
	return Options{
		MaxRetries:       2,
		RetryBackoff:     2 * time.Second,
		ProgressInterval: 1500 * time.Millisecond,
		AttemptTimeout:   60 * time.Second,
	}
}

// Submission is what the submit endpoint reports back immediately.
type Submission struct {
	Task       domain.Task
	Parameters domain.GenerationParameters
	Adapter    string
}

// Coordinator owns every background generation run in the process.
type Coordinator struct {
	store    taskstore.Store
	adapters image.Selector
	opts     Options
	logger   zerolog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	running map[string]struct{}
	closed  bool
}

// New builds a coordinator over store. Runs outlive the submitting request and
// stop only on Shutdown.
func New(store taskstore.Store, adapters image.Selector, opts Options) *Coordinator {
	def := DefaultOptions()
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBackoff < 0 {
		opts.RetryBackoff = 0
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = def.ProgressInterval
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = def.AttemptTimeout
	}
	if opts.Builder == nil {
		opts.Builder = paramset.NewBuilder(nil)
	}
	if opts.Gallery == nil {
		opts.Gallery = gallery.NopSink{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Jitter == nil {
		opts.Jitter = randomJitter
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		store:    store,
		adapters: adapters,
		opts:     opts,
		logger:   opts.Logger.With().Str("component", "coordinator").Logger(),
		baseCtx:  ctx,
		cancel:   cancel,
		running:  make(map[string]struct{}),
	}
}

// Submit builds parameters, persists a pending task and starts its run. It
// returns as soon as the task is stored.
func (c *Coordinator) Submit(ctx context.Context, in paramset.Input) (Submission, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return Submission{}, ErrShuttingDown
	}

	module := in.Module
	if module == "" {
		module = domain.ModuleStandard
	}
	params := c.opts.Builder.Build(in)
	adapter := c.adapters.Select()

	now := c.opts.Now()
	task := domain.NewTask(c.opts.NewID(), module, now)
	task.AppendLog(now, "Task created for module "+string(module))
	if err := c.store.Create(ctx, task); err != nil {
		return Submission{}, fmt.Errorf("create task: %w", err)
	}
	c.opts.Metrics.TaskSubmitted(string(module))
	c.publish(task)
	c.logger.Info().Str("task_id", task.ID).Str("module", string(module)).Str("adapter", adapter.Name()).Msg("task submitted")

	c.start(task.ID, module, params, adapter)
	return Submission{Task: task, Parameters: params, Adapter: adapter.Name()}, nil
}

// start launches at most one run per task id.
func (c *Coordinator) start(id string, module domain.ModuleType, params domain.GenerationParameters, adapter image.Adapter) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if _, ok := c.running[id]; ok {
		return false
	}
	c.running[id] = struct{}{}
	c.wg.Add(1)
	go c.run(id, module, params, adapter)
	return true
}

// Running reports whether a run for id is in progress.
func (c *Coordinator) Running(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.running[id]
	return ok
}

func (c *Coordinator) run(id string, module domain.ModuleType, params domain.GenerationParameters, adapter image.Adapter) {
	logger := c.logger.With().Str("task_id", id).Str("module", string(module)).Logger()
	ctx := c.baseCtx
	c.opts.Metrics.RunStarted()
	status := domain.TaskStatusFailed

	var (
		stopTicker context.CancelFunc = func() {}
		tickerDone <-chan struct{}
	)

	defer func() {
		c.mu.Lock()
		delete(c.running, id)
		c.mu.Unlock()
		c.opts.Metrics.RunFinished(string(module), string(status))
		c.wg.Done()
	}()
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("generation run panicked")
			stopTicker()
			if tickerDone != nil {
				<-tickerDone
			}
			c.fail(logger, id, fmt.Sprintf("internal error: %v", r))
			status = domain.TaskStatusFailed
		}
	}()

	now := c.opts.Now()
	if _, err := c.update(ctx, id, func(t *domain.Task) error {
		t.Status = domain.TaskStatusProcessing
		t.Advance(10)
		t.AppendLog(now, "Generation started with "+adapter.Name())
		return nil
	}); err != nil {
		logger.Error().Err(err).Msg("mark processing failed")
		reason := "start generation: " + err.Error()
		if ctx.Err() != nil {
			reason = interruptedByShutdown
		}
		c.fail(logger, id, reason)
		return
	}

	tickCtx, cancelTick := context.WithCancel(ctx)
	defer cancelTick()
	stopTicker = cancelTick
	ticking := make(chan struct{})
	tickerDone = ticking
	go func() {
		defer close(ticking)
		c.tick(tickCtx, logger, id)
	}()

	req := image.Request{
		TaskID:          id,
		Prompt:          params.Prompt,
		NegativePrompt:  params.NegativePrompt,
		ReferenceImages: params.References(),
		Count:           params.ImageCount,
	}
	images, err := c.attempts(ctx, logger, id, adapter, req)
	if err != nil && ctx.Err() == nil && c.opts.PlaceholderFallback && adapter.Name() != image.PlaceholderMarker {
		fallback := c.adapters.Fallback()
		c.appendLog(ctx, logger, id, "Falling back to "+fallback.Name())
		images, err = c.attempt(ctx, logger, fallback, req, 1)
	}

	stopTicker()
	<-tickerDone

	if err != nil {
		reason := err.Error()
		if ctx.Err() != nil {
			reason = interruptedByShutdown
		}
		c.fail(logger, id, reason)
		return
	}

	result := domain.GenerationResult{
		Images:     images,
		UsedPrompt: params.Prompt,
		Parameters: params,
	}
	if task, ok := c.complete(logger, id, result); ok {
		status = domain.TaskStatusCompleted
		c.handOff(logger, task)
	}
}

// attempts retries the same adapter up to MaxRetries extra times with a fixed
// backoff. Only the last error is returned.
func (c *Coordinator) attempts(ctx context.Context, logger zerolog.Logger, id string, adapter image.Adapter, req image.Request) ([]string, error) {
	budget := c.opts.MaxRetries + 1
	var lastErr error
	for n := 1; n <= budget; n++ {
		images, err := c.attempt(ctx, logger, adapter, req, n)
		if err == nil {
			return images, nil
		}
		lastErr = err
		c.appendLog(ctx, logger, id, fmt.Sprintf("Attempt %d failed: %v", n, err))
		if ctx.Err() != nil || n == budget {
			break
		}
		c.appendLog(ctx, logger, id, fmt.Sprintf("Retrying in %s", c.opts.RetryBackoff))
		if err := sleep(ctx, c.opts.RetryBackoff); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// attempt makes one bounded adapter call and normalizes its images.
func (c *Coordinator) attempt(ctx context.Context, logger zerolog.Logger, adapter image.Adapter, req image.Request, n int) ([]string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.opts.AttemptTimeout)
	defer cancel()

	start := time.Now()
	resp, err := adapter.Generate(callCtx, req)
	took := time.Since(start)

	var images []string
	if err == nil {
		images = clean(resp.Images, req.Count)
		if len(images) == 0 {
			err = domain.ErrNoImages
		}
	}

	outcome := metrics.OutcomeSuccess
	switch {
	case err == nil:
	case errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		outcome = metrics.OutcomeTimeout
		err = fmt.Errorf("%s timed out after %s: %w", adapter.Name(), c.opts.AttemptTimeout, err)
	case errors.Is(err, domain.ErrNoImages):
		outcome = metrics.OutcomeNoImages
	default:
		outcome = metrics.OutcomeError
	}
	c.opts.Metrics.AdapterAttempt(adapter.Name(), outcome, took)

	ev := logger.Info()
	if err != nil {
		ev = logger.Warn().Err(err)
	}
	ev.Int("attempt", n).Str("adapter", adapter.Name()).Dur("took", took).Int("images", len(images)).Msg("adapter attempt")
	return images, err
}

// tick advances progress on a fixed cadence until ctx ends or the task is terminal.
func (c *Coordinator) tick(ctx context.Context, logger zerolog.Logger, id string) {
	t := time.NewTicker(c.opts.ProgressInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		advanced := false
		task, err := c.store.Update(ctx, id, func(task *domain.Task) error {
			if task.Status == domain.TaskStatusPending {
				task.Status = domain.TaskStatusProcessing
			}
			if !task.Advance(NextProgress(task.Progress, c.opts.Jitter)) {
				return taskstore.ErrSkip
			}
			advanced = true
			return nil
		})
		switch {
		case errors.Is(err, domain.ErrTaskTerminal), errors.Is(err, domain.ErrNotFound):
			return
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			logger.Warn().Err(err).Msg("progress update failed")
		case advanced:
			c.publish(task)
		}
	}
}

// complete records the result. When the store keeps rejecting the write the
// task is failed instead so it never stays non-terminal.
func (c *Coordinator) complete(logger zerolog.Logger, id string, result domain.GenerationResult) (domain.Task, bool) {
	now := c.opts.Now()
	task, err := c.writeFinal(id, func(t *domain.Task) error {
		if err := t.Complete(result); err != nil {
			return err
		}
		t.AppendLog(now, fmt.Sprintf("Task completed - Generated %d images", len(result.Images)))
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("mark completed failed")
		if !errors.Is(err, domain.ErrTaskTerminal) && !errors.Is(err, domain.ErrNotFound) {
			c.fail(logger, id, "save result: "+err.Error())
		}
		return task, false
	}
	logger.Info().Int("images", len(result.Images)).Msg("task completed")
	return task, true
}

func (c *Coordinator) fail(logger zerolog.Logger, id, reason string) {
	now := c.opts.Now()
	if _, err := c.writeFinal(id, func(t *domain.Task) error {
		if err := t.Fail(reason); err != nil {
			return err
		}
		t.AppendLog(now, "Error: "+t.Error)
		return nil
	}); err != nil && !errors.Is(err, domain.ErrTaskTerminal) {
		logger.Error().Err(err).Msg("mark failed failed")
		return
	}
	logger.Warn().Str("reason", reason).Msg("task failed")
}

// writeFinal applies a terminal transition, retrying store errors a few times
// with a fixed delay.
func (c *Coordinator) writeFinal(id string, fn taskstore.Mutator) (domain.Task, error) {
	ctx, cancel := c.finalContext()
	defer cancel()

	var (
		task domain.Task
		err  error
	)
	for n := 1; n <= finalWriteAttempts; n++ {
		task, err = c.update(ctx, id, fn)
		if err == nil || errors.Is(err, domain.ErrTaskTerminal) || errors.Is(err, domain.ErrNotFound) {
			return task, err
		}
		if n < finalWriteAttempts {
			if sleep(ctx, finalWriteBackoff) != nil {
				break
			}
		}
	}
	return task, err
}

// handOff gives completed images to the gallery; failures are only logged.
func (c *Coordinator) handOff(logger zerolog.Logger, task domain.Task) {
	ctx, cancel := c.finalContext()
	defer cancel()
	if _, err := c.opts.Gallery.Save(ctx, task); err != nil {
		logger.Error().Err(err).Msg("gallery hand-off failed")
	}
}

func (c *Coordinator) appendLog(ctx context.Context, logger zerolog.Logger, id, msg string) {
	now := c.opts.Now()
	if _, err := c.update(ctx, id, func(t *domain.Task) error {
		t.AppendLog(now, msg)
		return nil
	}); err != nil && ctx.Err() == nil {
		logger.Warn().Err(err).Msg("append task log failed")
	}
}

// update writes through the store and publishes the new state.
func (c *Coordinator) update(ctx context.Context, id string, fn taskstore.Mutator) (domain.Task, error) {
	task, err := c.store.Update(ctx, id, fn)
	if err != nil {
		return task, err
	}
	c.publish(task)
	return task, nil
}

func (c *Coordinator) publish(task domain.Task) {
	if c.opts.Events == nil {
		return
	}
	msg, err := json.Marshal(task.View())
	if err != nil {
		c.logger.Error().Err(err).Str("task_id", task.ID).Msg("encode task event")
		return
	}
	c.opts.Events.Publish(task.ID, msg)
}

// finalContext survives Shutdown so terminal writes still land.
func (c *Coordinator) finalContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(c.baseCtx), finalWriteTimeout)
}

// Shutdown stops accepting work, cancels in-flight runs and waits for them to
// record a terminal status or for ctx to expire.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func clean(images []string, limit int) []string {
	out := make([]string, 0, len(images))
	for _, u := range images {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
