package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"genstudio/internal/domain"
	"genstudio/internal/gallery"
	"genstudio/internal/paramset"
	"genstudio/internal/providers/image"
	"genstudio/internal/taskstore"
)

type reply struct {
	images []string
	err    error
	block  bool
	panic  bool
}

// scriptedAdapter plays replies in order and repeats the last one.
type scriptedAdapter struct {
	name    string
	mu      sync.Mutex
	calls   int
	replies []reply
}

func (a *scriptedAdapter) Name() string { return a.name }

func (a *scriptedAdapter) Generate(ctx context.Context, req image.Request) (image.Response, error) {
	a.mu.Lock()
	a.calls++
	r := a.replies[min(a.calls, len(a.replies))-1]
	a.mu.Unlock()

	if r.panic {
		panic("adapter exploded")
	}
	if r.block {
		<-ctx.Done()
		return image.Response{}, ctx.Err()
	}
	return image.Response{Images: r.images}, r.err
}

func (a *scriptedAdapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type capturePublisher struct {
	mu    sync.Mutex
	views []domain.StatusView
}

func (p *capturePublisher) Publish(topic string, msg []byte) {
	var v domain.StatusView
	if err := json.Unmarshal(msg, &v); err != nil {
		panic(err)
	}
	p.mu.Lock()
	p.views = append(p.views, v)
	p.mu.Unlock()
}

func (p *capturePublisher) Views() []domain.StatusView {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.StatusView(nil), p.views...)
}

type recordingSink struct {
	mu    sync.Mutex
	saved []domain.Task
}

func (s *recordingSink) Save(ctx context.Context, task domain.Task) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, task)
	return len(task.Result.Images), nil
}

func (s *recordingSink) Recent(context.Context, int, int) ([]gallery.Image, error) {
	return nil, nil
}

func newStore(t *testing.T) taskstore.Store {
	t.Helper()
	s, err := taskstore.NewFileStore(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func fastOptions() Options {
	return Options{
		MaxRetries:       2,
		RetryBackoff:     time.Millisecond,
		ProgressInterval: 2 * time.Millisecond,
		AttemptTimeout:   time.Second,
		Logger:           zerolog.Nop(),
	}
}

func newCoordinator(t *testing.T, store taskstore.Store, adapter image.Adapter, opts Options) *Coordinator {
	t.Helper()
	c := New(store, image.Selector{Primary: adapter}, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		c.Shutdown(ctx)
	})
	return c
}

func foxInput(module domain.ModuleType) paramset.Input {
	return paramset.Input{Module: module, Common: paramset.Common{Description: "red fox in snow"}}
}

func waitTerminal(t *testing.T, store taskstore.Store, id string) domain.Task {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		task, err := store.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if task.Status.Terminal() {
			return task
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach a terminal status", id)
	return domain.Task{}
}

func hasLog(task domain.Task, fragment string) bool {
	for _, line := range task.Logs {
		if strings.Contains(line, fragment) {
			return true
		}
	}
	return false
}

func TestSubmitReturnsPendingTask(t *testing.T) {
	store := newStore(t)
	adapter := &scriptedAdapter{name: "primary", replies: []reply{{block: true}}}
	c := newCoordinator(t, store, adapter, fastOptions())

	sub, err := c.Submit(context.Background(), foxInput(domain.ModuleFigurine))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if sub.Task.Status != domain.TaskStatusPending || sub.Task.Progress != 0 {
		t.Fatalf("unexpected submitted task: %+v", sub.Task)
	}
	if sub.Adapter != "primary" {
		t.Fatalf("adapter = %q", sub.Adapter)
	}
	if !strings.Contains(sub.Parameters.Prompt, "red fox in snow") {
		t.Fatalf("prompt = %q", sub.Parameters.Prompt)
	}
	if !hasLog(sub.Task, "Task created for module figurine") {
		t.Fatalf("missing creation log: %v", sub.Task.Logs)
	}
}

func TestRetryBudgetIsExact(t *testing.T) {
	store := newStore(t)
	adapter := &scriptedAdapter{name: "primary", replies: []reply{{err: errors.New("upstream 502")}}}
	c := newCoordinator(t, store, adapter, fastOptions())

	sub, err := c.Submit(context.Background(), foxInput(domain.ModuleStandard))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	task := waitTerminal(t, store, sub.Task.ID)

	if adapter.Calls() != 3 {
		t.Fatalf("adapter calls = %d, want 3", adapter.Calls())
	}
	if task.Status != domain.TaskStatusFailed || task.Progress != 100 {
		t.Fatalf("unexpected task: %+v", task)
	}
	if task.Result != nil || task.Error != "upstream 502" {
		t.Fatalf("result=%v error=%q", task.Result, task.Error)
	}
	for _, want := range []string{"Attempt 1 failed", "Attempt 3 failed", "Retrying in 1ms", "Error: upstream 502"} {
		if !hasLog(task, want) {
			t.Fatalf("missing log %q in %v", want, task.Logs)
		}
	}
	if hasLog(task, "Attempt 4") {
		t.Fatalf("too many attempts logged: %v", task.Logs)
	}
}

func TestSucceedsOnLaterAttempt(t *testing.T) {
	store := newStore(t)
	adapter := &scriptedAdapter{name: "primary", replies: []reply{
		{err: errors.New("flaky")},
		{images: []string{"https://cdn.example.com/a.png", " ", "https://cdn.example.com/b.png"}},
		{err: errors.New("should not be called")},
	}}
	sink := &recordingSink{}
	opts := fastOptions()
	opts.Gallery = sink
	c := newCoordinator(t, store, adapter, opts)

	sub, err := c.Submit(context.Background(), foxInput(domain.ModuleStandard))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	task := waitTerminal(t, store, sub.Task.ID)

	if task.Status != domain.TaskStatusCompleted {
		t.Fatalf("status = %s (%s)", task.Status, task.Error)
	}
	if adapter.Calls() != 2 {
		t.Fatalf("adapter calls = %d, want 2", adapter.Calls())
	}
	if got := task.Result.Images; len(got) != 2 || got[1] != "https://cdn.example.com/b.png" {
		t.Fatalf("images = %v", got)
	}
	if task.Error != "" || task.Progress != 100 {
		t.Fatalf("unexpected terminal fields: %+v", task)
	}
	if task.Result.UsedPrompt != sub.Parameters.Prompt {
		t.Fatalf("usedPrompt = %q", task.Result.UsedPrompt)
	}
	if !hasLog(task, "Task completed - Generated 2 images") {
		t.Fatalf("missing completion log: %v", task.Logs)
	}

	deadline := time.Now().Add(time.Second)
	for {
		sink.mu.Lock()
		n := len(sink.saved)
		sink.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("gallery hand-off not observed")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestZeroImagesIsRetryable(t *testing.T) {
	store := newStore(t)
	adapter := &scriptedAdapter{name: "primary", replies: []reply{{images: nil}}}
	c := newCoordinator(t, store, adapter, fastOptions())

	sub, _ := c.Submit(context.Background(), foxInput(domain.ModuleStandard))
	task := waitTerminal(t, store, sub.Task.ID)

	if adapter.Calls() != 3 {
		t.Fatalf("adapter calls = %d", adapter.Calls())
	}
	if task.Status != domain.TaskStatusFailed || !strings.Contains(task.Error, "no images produced") {
		t.Fatalf("unexpected task: %+v", task)
	}
}

func TestResultsTruncatedToRequestedCount(t *testing.T) {
	store := newStore(t)
	var urls []string
	for i := 0; i < 6; i++ {
		urls = append(urls, fmt.Sprintf("https://cdn.example.com/%d.png", i))
	}
	adapter := &scriptedAdapter{name: "primary", replies: []reply{{images: urls}}}
	c := newCoordinator(t, store, adapter, fastOptions())

	in := paramset.Input{
		Module:  domain.ModuleStandard,
		Common:  paramset.Common{Description: "fox"},
		Variant: paramset.StandardInput{Count: 2},
	}
	sub, _ := c.Submit(context.Background(), in)
	task := waitTerminal(t, store, sub.Task.ID)

	if len(task.Result.Images) != 2 {
		t.Fatalf("images = %v", task.Result.Images)
	}
}

func TestPlaceholderWhenNothingConfigured(t *testing.T) {
	store := newStore(t)
	unconfigured := image.NewChatAdapter(image.ChatOptions{})
	c := New(store, image.Selector{Primary: unconfigured}, fastOptions())
	defer c.Shutdown(context.Background())

	sub, err := c.Submit(context.Background(), foxInput(domain.ModuleFigurine))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if sub.Adapter != image.PlaceholderMarker {
		t.Fatalf("adapter = %q", sub.Adapter)
	}
	task := waitTerminal(t, store, sub.Task.ID)
	if task.Status != domain.TaskStatusCompleted || task.Progress != 100 {
		t.Fatalf("unexpected task: %+v", task)
	}
	if len(task.Result.Images) != sub.Parameters.ImageCount {
		t.Fatalf("images = %d, want %d", len(task.Result.Images), sub.Parameters.ImageCount)
	}
	for _, u := range task.Result.Images {
		if !image.IsPlaceholder(u) {
			t.Fatalf("expected placeholder url, got %q", u)
		}
	}

	again, _ := c.Submit(context.Background(), foxInput(domain.ModuleFigurine))
	second := waitTerminal(t, store, again.Task.ID)
	if second.Result.Images[0] != task.Result.Images[0] {
		t.Fatalf("placeholder urls not deterministic: %q vs %q", second.Result.Images[0], task.Result.Images[0])
	}
}

func TestPlaceholderFallbackAfterBudget(t *testing.T) {
	store := newStore(t)
	adapter := &scriptedAdapter{name: "primary", replies: []reply{{err: errors.New("down")}}}
	opts := fastOptions()
	opts.PlaceholderFallback = true
	c := newCoordinator(t, store, adapter, opts)

	sub, _ := c.Submit(context.Background(), foxInput(domain.ModuleStandard))
	task := waitTerminal(t, store, sub.Task.ID)

	if adapter.Calls() != 3 {
		t.Fatalf("adapter calls = %d", adapter.Calls())
	}
	if task.Status != domain.TaskStatusCompleted || !image.IsPlaceholder(task.Result.Images[0]) {
		t.Fatalf("unexpected task: %+v", task)
	}
	if !hasLog(task, "Falling back to placeholder") {
		t.Fatalf("missing fallback log: %v", task.Logs)
	}
}

func TestAttemptTimeoutIsRetryable(t *testing.T) {
	store := newStore(t)
	adapter := &scriptedAdapter{name: "primary", replies: []reply{{block: true}}}
	opts := fastOptions()
	opts.MaxRetries = 1
	opts.AttemptTimeout = 10 * time.Millisecond
	c := newCoordinator(t, store, adapter, opts)

	sub, _ := c.Submit(context.Background(), foxInput(domain.ModuleStandard))
	task := waitTerminal(t, store, sub.Task.ID)

	if adapter.Calls() != 2 {
		t.Fatalf("adapter calls = %d", adapter.Calls())
	}
	if !strings.Contains(task.Error, "timed out") {
		t.Fatalf("error = %q", task.Error)
	}
}

func TestPanicBecomesFailure(t *testing.T) {
	store := newStore(t)
	adapter := &scriptedAdapter{name: "primary", replies: []reply{{panic: true}}}
	c := newCoordinator(t, store, adapter, fastOptions())

	sub, _ := c.Submit(context.Background(), foxInput(domain.ModuleStandard))
	task := waitTerminal(t, store, sub.Task.ID)

	if task.Status != domain.TaskStatusFailed || !strings.HasPrefix(task.Error, "internal error:") {
		t.Fatalf("unexpected task: %+v", task)
	}
	deadline := time.Now().Add(time.Second)
	for c.Running(sub.Task.ID) {
		if time.Now().After(deadline) {
			t.Fatal("run still registered after panic")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestProgressIsMonotonicUntilTerminal(t *testing.T) {
	store := newStore(t)
	adapter := &gatedAdapter{release: make(chan struct{})}
	pub := &capturePublisher{}
	opts := fastOptions()
	opts.Events = pub
	c := newCoordinator(t, store, adapter, opts)

	sub, _ := c.Submit(context.Background(), foxInput(domain.ModuleStandard))

	deadline := time.Now().Add(2 * time.Second)
	for {
		task, _ := store.Get(context.Background(), sub.Task.ID)
		if task.Progress >= 50 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("ticker did not advance progress: %d", task.Progress)
		}
		time.Sleep(time.Millisecond)
	}
	close(adapter.release)
	task := waitTerminal(t, store, sub.Task.ID)
	if task.Progress != 100 {
		t.Fatalf("terminal progress = %d", task.Progress)
	}

	views := pub.Views()
	last := -1
	for _, v := range views {
		if v.Progress < last {
			t.Fatalf("progress decreased: %d after %d", v.Progress, last)
		}
		if !v.Status.Terminal() && v.Progress > ProgressCeiling {
			t.Fatalf("non-terminal progress %d above ceiling", v.Progress)
		}
		if v.Status.Terminal() && v.Progress != 100 {
			t.Fatalf("terminal view with progress %d", v.Progress)
		}
		last = v.Progress
	}
	if final := views[len(views)-1]; final.Status != domain.TaskStatusCompleted {
		t.Fatalf("last event status = %s", final.Status)
	}
}

// gatedAdapter holds its reply until release is closed.
type gatedAdapter struct {
	release chan struct{}
}

func (a *gatedAdapter) Name() string { return "primary" }

func (a *gatedAdapter) Generate(ctx context.Context, req image.Request) (image.Response, error) {
	select {
	case <-a.release:
		return image.Response{Images: []string{"https://cdn.example.com/a.png"}}, nil
	case <-ctx.Done():
		return image.Response{}, ctx.Err()
	}
}

func TestShutdownFailsInFlightTasks(t *testing.T) {
	store := newStore(t)
	adapter := &scriptedAdapter{name: "primary", replies: []reply{{block: true}}}
	opts := fastOptions()
	opts.AttemptTimeout = time.Minute
	c := New(store, image.Selector{Primary: adapter}, opts)

	sub, _ := c.Submit(context.Background(), foxInput(domain.ModuleStandard))
	for adapter.Calls() == 0 {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	task, _ := store.Get(context.Background(), sub.Task.ID)
	if task.Status != domain.TaskStatusFailed || task.Error != interruptedByShutdown {
		t.Fatalf("unexpected task after shutdown: %+v", task)
	}
	if adapter.Calls() != 1 {
		t.Fatalf("retried during shutdown: %d calls", adapter.Calls())
	}
	if _, err := c.Submit(context.Background(), foxInput(domain.ModuleStandard)); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
}

func TestStartIgnoresDuplicateRuns(t *testing.T) {
	store := newStore(t)
	adapter := &scriptedAdapter{name: "primary", replies: []reply{{block: true}}}
	c := newCoordinator(t, store, adapter, fastOptions())

	sub, _ := c.Submit(context.Background(), foxInput(domain.ModuleStandard))
	if c.start(sub.Task.ID, domain.ModuleStandard, sub.Parameters, adapter) {
		t.Fatal("second run started for the same task")
	}
}

// flakyStore fails the listed Update calls, counted from 1.
type flakyStore struct {
	taskstore.Store
	mu       sync.Mutex
	calls    int
	failOn   map[int]bool
	delay    time.Duration
	inFlight atomic.Int32
}

func (s *flakyStore) Update(ctx context.Context, id string, fn taskstore.Mutator) (domain.Task, error) {
	s.mu.Lock()
	s.calls++
	fail := s.failOn[s.calls]
	s.mu.Unlock()
	if fail {
		return domain.Task{}, errors.New("transient: connection reset")
	}
	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.Store.Update(ctx, id, fn)
}

func TestStoreErrorsStillReachTerminalStatus(t *testing.T) {
	tests := []struct {
		name       string
		failOn     []int
		wantStatus domain.TaskStatus
		wantError  string
	}{
		{name: "processing write", failOn: []int{1}, wantStatus: domain.TaskStatusFailed, wantError: "connection reset"},
		{name: "completion write once", failOn: []int{2}, wantStatus: domain.TaskStatusCompleted},
		{name: "completion write exhausted", failOn: []int{2, 3, 4}, wantStatus: domain.TaskStatusFailed, wantError: "save result"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			failOn := make(map[int]bool)
			for _, n := range tt.failOn {
				failOn[n] = true
			}
			store := &flakyStore{Store: newStore(t), failOn: failOn}
			adapter := &scriptedAdapter{name: "primary", replies: []reply{{images: []string{"https://cdn.example.com/a.png"}}}}
			opts := fastOptions()
			opts.MaxRetries = 0
			opts.ProgressInterval = time.Hour
			c := newCoordinator(t, store, adapter, opts)

			sub, err := c.Submit(context.Background(), foxInput(domain.ModuleStandard))
			if err != nil {
				t.Fatalf("Submit: %v", err)
			}
			task := waitTerminal(t, store, sub.Task.ID)
			if task.Status != tt.wantStatus || task.Progress != 100 {
				t.Fatalf("status=%s progress=%d error=%q", task.Status, task.Progress, task.Error)
			}
			if !strings.Contains(task.Error, tt.wantError) {
				t.Fatalf("error = %q, want it to mention %q", task.Error, tt.wantError)
			}
		})
	}
}

func TestPanicWaitsForProgressWrites(t *testing.T) {
	store := &flakyStore{Store: newStore(t), delay: 5 * time.Millisecond}
	adapter := &panicAfter{wait: 20 * time.Millisecond}
	opts := fastOptions()
	opts.ProgressInterval = time.Millisecond
	c := New(store, image.Selector{Primary: adapter}, opts)

	sub, _ := c.Submit(context.Background(), foxInput(domain.ModuleStandard))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for c.Running(sub.Task.ID) {
		time.Sleep(time.Millisecond)
	}
	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if n := store.inFlight.Load(); n != 0 {
		t.Fatalf("%d store writes still running after shutdown", n)
	}
	task, _ := store.Get(context.Background(), sub.Task.ID)
	if task.Status != domain.TaskStatusFailed || !strings.HasPrefix(task.Error, "internal error:") {
		t.Fatalf("unexpected task: %+v", task)
	}
}

// panicAfter lets the ticker run for a while, then panics.
type panicAfter struct {
	wait time.Duration
}

func (a *panicAfter) Name() string { return "primary" }

func (a *panicAfter) Generate(ctx context.Context, req image.Request) (image.Response, error) {
	time.Sleep(a.wait)
	panic("adapter exploded")
}
