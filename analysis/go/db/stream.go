package db

import (
	"context"
	"time"

	"github.com/elonfeng/dinq-analyze-sub001/analysis/go/types"
	"github.com/elonfeng/dinq-analyze-sub001/go/dlog"
)

// StreamEvents returns a channel producing the Job's events with
// seq > afterSeq, strictly in seq order and without gaps. When stopWhenDone
// is false, only the current backlog is sent. When stopWhenDone is true, the
// channel tails the log by bounded polling and closes after a job-terminal
// event has been sent, or once the Job is terminal and no later events
// exist. The channel also closes when ctx is cancelled.
func StreamEvents(ctx context.Context, d interface {
	EventDB
	JobDB
}, jobID string, afterSeq int64, stopWhenDone bool, pollInterval time.Duration) <-chan *types.Event {
	if pollInterval <= 0 {
		pollInterval = DefaultStreamPollInterval
	}
	ch := make(chan *types.Event)
	go func() {
		defer close(ch)
		cursor := afterSeq
		for {
			events, err := d.GetEventsAfter(ctx, jobID, cursor)
			if err != nil {
				dlog.Errorf("Failed reading events for job %s: %s", jobID, err)
				return
			}
			sawTerminal := false
			for _, ev := range events {
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
				cursor = ev.Seq
				if types.IsJobTerminalEvent(ev.Type) {
					sawTerminal = true
				}
			}
			if !stopWhenDone {
				return
			}
			if sawTerminal {
				return
			}
			if len(events) == 0 {
				// The job may have reached a terminal status without a
				// terminal event in range, e.g. when afterSeq is already
				// past it.
				job, err := d.GetJob(ctx, jobID)
				if err != nil {
					dlog.Errorf("Failed reading job %s: %s", jobID, err)
					return
				}
				if job == nil {
					return
				}
				if job.Done() && job.LastSeq <= cursor {
					return
				}
			}
			select {
			case <-time.After(pollInterval):
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}
