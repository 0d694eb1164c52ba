// Package tasks holds the background tasks run on a schedule.
package tasks

import (
	"context"
	"log"
	"time"

	"github.com/tebstrack-io/tebstrack/internal/ingest"
	"github.com/tebstrack-io/tebstrack/internal/runner"
)

// DefaultFetchSchedule polls every five minutes.
const DefaultFetchSchedule = "*/5 * * * *"

// FetchMailTask runs the ingestion pipeline on a schedule.
type FetchMailTask struct {
	pipeline *ingest.Pipeline
	schedule string
	logger   *log.Logger
}

// NewFetchMailTask wraps the pipeline as a schedulable task. An empty
// schedule falls back to DefaultFetchSchedule.
func NewFetchMailTask(pipeline *ingest.Pipeline, schedule string) runner.Task {
	if schedule == "" {
		schedule = DefaultFetchSchedule
	}
	return &FetchMailTask{
		pipeline: pipeline,
		schedule: schedule,
		logger:   log.New(log.Writer(), "[FETCH-MAIL] ", log.LstdFlags),
	}
}

// Name returns the task name
func (t *FetchMailTask) Name() string {
	return "mail-fetcher"
}

// Schedule returns the configured cron expression.
func (t *FetchMailTask) Schedule() string {
	return t.schedule
}

// Timeout bounds one fetch cycle.
func (t *FetchMailTask) Timeout() time.Duration {
	return 10 * time.Minute
}

// Run performs one fetch across all configured mailboxes. Partial
// mailbox failures are logged, not returned; the task only fails when
// every mailbox failed.
func (t *FetchMailTask) Run(ctx context.Context) error {
	report, err := t.pipeline.Run(ctx)
	if err != nil {
		return err
	}
	for mailbox, mbErr := range report.MailboxErrors {
		t.logger.Printf("mailbox %s failed: %v", mailbox, mbErr)
	}
	t.logger.Printf("fetched %d messages, %d new tickets, %d skipped, %d failed",
		report.Processed, report.NewTickets, report.Skipped, report.Failed)
	return nil
}
