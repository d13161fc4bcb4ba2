package client

import (
	"context"
	"errors"
	"time"
)

// Poller polls one task at a fixed interval until it is terminal.
type Poller struct {
	Client *Client
	// Interval between status requests. Default 1s.
	Interval time.Duration
	// MaxTransientErrors is how many consecutive transport errors are
	// tolerated before Poll gives up. Zero means the default of 1; use a
	// negative value to fail on the first error.
	MaxTransientErrors int
	// OnUpdate, if set, receives every snapshot in order.
	OnUpdate func(Status)
}

// Poll queries taskID until it completes or fails, ctx is cancelled, or the
// transient error budget is spent. A completed status has its empty images
// removed and progress pinned at 100. An unknown task stops polling at once
// with ErrTaskNotFound.
func (p *Poller) Poll(ctx context.Context, taskID string) (Status, error) {
	interval := p.Interval
	if interval <= 0 {
		interval = time.Second
	}
	tolerance := p.MaxTransientErrors
	switch {
	case tolerance == 0:
		tolerance = 1
	case tolerance < 0:
		tolerance = 0
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return Status{}, ctx.Err()
		case <-ticker.C:
		}

		st, err := p.Client.Status(ctx, taskID)
		if err != nil {
			if errors.Is(err, ErrTaskNotFound) || ctx.Err() != nil {
				return Status{}, err
			}
			failures++
			if failures > tolerance {
				return Status{}, err
			}
			continue
		}
		failures = 0

		if st.Status == StatusCompleted {
			st.Progress = 100
			if st.Result != nil {
				st.Result.Images = st.Images()
			}
		}
		if st.Status == StatusFailed && st.Error == "" {
			st.Error = "generation failed"
		}
		if p.OnUpdate != nil {
			p.OnUpdate(st)
		}
		if st.Terminal() {
			return st, nil
		}
	}
}
