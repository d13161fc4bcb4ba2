package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func writeEnvelope(w http.ResponseWriter, code int, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"code":      code,
		"message":   message,
		"data":      data,
		"timestamp": time.Now().UnixMilli(),
		"requestId": "req",
	})
}

// scriptedServer answers requests from a fixed script, repeating the last
// entry once the script runs out.
type scriptedServer struct {
	mu     sync.Mutex
	script []func(w http.ResponseWriter)
	calls  int
}

func (s *scriptedServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	i := s.calls
	s.calls++
	s.mu.Unlock()
	if i >= len(s.script) {
		i = len(s.script) - 1
	}
	s.script[i](w)
}

func (s *scriptedServer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func status(st Status) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) { writeEnvelope(w, http.StatusOK, "OK", st) }
}

// broken drops the connection to simulate a transport error.
func broken(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	conn, _, err := hj.Hijack()
	if err == nil {
		conn.Close()
	}
}

func TestGenerate(t *testing.T) {
	var gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		writeEnvelope(w, http.StatusOK, "OK", map[string]any{
			"taskId":        "t-1",
			"estimatedTime": 5,
			"images":        []string{},
			"usedPrompt":    "figurine of a cat",
			"parameters":    map[string]any{"num_inference_steps": 40},
		})
	}))
	defer srv.Close()

	sub, err := New(srv.URL+"/").Generate(context.Background(), "figurine", map[string]any{"description": "a cat"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if gotPath != "/generate/figurine" || !strings.Contains(gotBody, `"description":"a cat"`) {
		t.Fatalf("unexpected request %s %s", gotPath, gotBody)
	}
	if sub.TaskID != "t-1" || sub.EstimatedTime != 5 || sub.UsedPrompt != "figurine of a cat" {
		t.Fatalf("unexpected submission %+v", sub)
	}
}

func TestStatusErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "missing") {
			writeEnvelope(w, http.StatusNotFound, "Task not found", nil)
			return
		}
		writeEnvelope(w, http.StatusInternalServerError, "Failed to load task", nil)
	}))
	defer srv.Close()
	c := New(srv.URL)

	if _, err := c.Status(context.Background(), "missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
	_, err := c.Status(context.Background(), "other")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 500 || apiErr.Message != "Failed to load task" {
		t.Fatalf("expected APIError, got %v", err)
	}
}

func TestPollUntilCompleted(t *testing.T) {
	script := &scriptedServer{script: []func(http.ResponseWriter){
		status(Status{TaskID: "t", Status: StatusPending, Progress: 0}),
		status(Status{TaskID: "t", Status: StatusProcessing, Progress: 35}),
		status(Status{TaskID: "t", Status: StatusCompleted, Progress: 100, Result: &Result{Images: []string{"https://a/1.png", "", "  ", "https://a/2.png"}}}),
		status(Status{TaskID: "t", Status: StatusFailed, Progress: 100, Error: "late"}),
	}}
	srv := httptest.NewServer(script)
	defer srv.Close()

	var seen []int
	p := &Poller{Client: New(srv.URL), Interval: 2 * time.Millisecond, OnUpdate: func(s Status) { seen = append(seen, s.Progress) }}
	st, err := p.Poll(context.Background(), "t")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if st.Status != StatusCompleted || st.Progress != 100 {
		t.Fatalf("unexpected final status %+v", st)
	}
	if got := st.Result.Images; len(got) != 2 || got[0] != "https://a/1.png" || got[1] != "https://a/2.png" {
		t.Fatalf("images not filtered: %q", got)
	}
	if len(seen) != 3 || seen[1] != 35 {
		t.Fatalf("unexpected updates %v", seen)
	}

	time.Sleep(10 * time.Millisecond)
	if n := script.count(); n != 3 {
		t.Fatalf("poller kept querying after terminal state: %d calls", n)
	}
}

func TestPollFailedTask(t *testing.T) {
	srv := httptest.NewServer(&scriptedServer{script: []func(http.ResponseWriter){
		status(Status{TaskID: "t", Status: StatusFailed, Progress: 100, Error: "no images produced"}),
	}})
	defer srv.Close()

	st, err := (&Poller{Client: New(srv.URL), Interval: time.Millisecond}).Poll(context.Background(), "t")
	if err != nil {
		t.Fatalf("failed task is a result, not an error: %v", err)
	}
	if st.Status != StatusFailed || st.Error != "no images produced" {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestPollToleratesOneTransientError(t *testing.T) {
	srv := httptest.NewServer(&scriptedServer{script: []func(http.ResponseWriter){
		broken,
		status(Status{TaskID: "t", Status: StatusCompleted, Progress: 100, Result: &Result{Images: []string{"https://a/1.png"}}}),
	}})
	defer srv.Close()

	st, err := (&Poller{Client: New(srv.URL), Interval: time.Millisecond}).Poll(context.Background(), "t")
	if err != nil {
		t.Fatalf("single transient error should be tolerated: %v", err)
	}
	if st.Status != StatusCompleted {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestPollGivesUpAfterRepeatedErrors(t *testing.T) {
	script := &scriptedServer{script: []func(http.ResponseWriter){broken}}
	srv := httptest.NewServer(script)
	defer srv.Close()

	_, err := (&Poller{Client: New(srv.URL), Interval: time.Millisecond}).Poll(context.Background(), "t")
	if err == nil {
		t.Fatal("expected error after consecutive transport failures")
	}
	if n := script.count(); n != 2 {
		t.Fatalf("expected 2 attempts, got %d", n)
	}
}

func TestPollStopsOnNotFound(t *testing.T) {
	script := &scriptedServer{script: []func(http.ResponseWriter){
		func(w http.ResponseWriter) { writeEnvelope(w, http.StatusNotFound, "Task not found", nil) },
	}}
	srv := httptest.NewServer(script)
	defer srv.Close()

	_, err := (&Poller{Client: New(srv.URL), Interval: time.Millisecond, MaxTransientErrors: 5}).Poll(context.Background(), "gone")
	if !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
	if n := script.count(); n != 1 {
		t.Fatalf("not found should stop immediately, got %d calls", n)
	}
}

func TestPollHonorsCancellation(t *testing.T) {
	srv := httptest.NewServer(&scriptedServer{script: []func(http.ResponseWriter){
		status(Status{TaskID: "t", Status: StatusProcessing, Progress: 10}),
	}})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := (&Poller{Client: New(srv.URL), Interval: time.Millisecond}).Poll(ctx, "t")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
