package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"genstudio/pkg/client"
)

func main() {
	_ = godotenv.Load()

	var (
		serverFlag   string
		moduleFlag   string
		bodyFlag     string
		promptFlag   string
		taskFlag     string
		intervalFlag time.Duration
		timeoutFlag  time.Duration
		retriesFlag  int
	)
	flag.StringVar(&serverFlag, "server", envOr("GENSTUDIO_URL", "http://localhost:8080"), "API base URL")
	flag.StringVar(&moduleFlag, "module", "standard", "generation module")
	flag.StringVar(&bodyFlag, "body", "", "request body as JSON, @file to read it from a file, or @- for stdin")
	flag.StringVar(&promptFlag, "prompt", "", "description, used when -body is empty")
	flag.StringVar(&taskFlag, "task", "", "poll an existing task instead of submitting")
	flag.DurationVar(&intervalFlag, "interval", time.Second, "poll interval")
	flag.DurationVar(&timeoutFlag, "timeout", 5*time.Minute, "give up after this long")
	flag.IntVar(&retriesFlag, "transient-errors", 1, "consecutive transport errors tolerated while polling")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeoutFlag)
	defer cancel()

	c := client.New(serverFlag)

	taskID := strings.TrimSpace(taskFlag)
	if taskID == "" {
		body, err := requestBody(bodyFlag, promptFlag)
		if err != nil {
			exitWithError(err)
		}
		sub, err := c.Generate(ctx, moduleFlag, body)
		if err != nil {
			exitWithError(err)
		}
		taskID = sub.TaskID
		fmt.Printf("task %s submitted (estimated %ds)\n", taskID, sub.EstimatedTime)
		fmt.Printf("prompt: %s\n", sub.UsedPrompt)
	}

	printed := 0
	poller := &client.Poller{
		Client:             c,
		Interval:           intervalFlag,
		MaxTransientErrors: retriesFlag,
		OnUpdate: func(st client.Status) {
			for _, line := range st.Logs[min(printed, len(st.Logs)):] {
				fmt.Println("  " + line)
			}
			printed = max(printed, len(st.Logs))
			fmt.Printf("%-10s %3d%%\n", st.Status, st.Progress)
		},
	}
	st, err := poller.Poll(ctx, taskID)
	if err != nil {
		exitWithError(err)
	}

	if st.Status == client.StatusFailed {
		exitWithError(errors.New(st.Error))
	}
	for _, img := range st.Images() {
		fmt.Println(img)
	}
}

func requestBody(body, prompt string) (json.RawMessage, error) {
	body = strings.TrimSpace(body)
	switch {
	case body == "":
		raw, err := json.Marshal(map[string]string{"description": prompt})
		return raw, err
	case body == "@-":
		raw, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return raw, nil
	case strings.HasPrefix(body, "@"):
		raw, err := os.ReadFile(strings.TrimPrefix(body, "@"))
		if err != nil {
			return nil, fmt.Errorf("read body file: %w", err)
		}
		return raw, nil
	}
	if !json.Valid([]byte(body)) {
		return nil, errors.New("-body is not valid JSON")
	}
	return json.RawMessage(body), nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func exitWithError(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
