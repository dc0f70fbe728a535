package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const scheduledRunTimeout = 5 * time.Minute

// Scheduler runs ingestion on a cron schedule inside the serving process.
type Scheduler struct {
	runner  *Runner
	logger  *slog.Logger
	cron    *cron.Cron
	after   func(*Result) // Optional; called after each successful run
	expr    string
	entryID cron.EntryID
}

// NewScheduler parses expr (standard five-field cron or a descriptor such as
// "@every 30m") and prepares a scheduler. Overlapping runs are skipped.
func NewScheduler(runner *Runner, expr string, after func(*Result), logger *slog.Logger) (*Scheduler, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", expr, err)
	}

	s := &Scheduler{
		runner: runner,
		logger: logger,
		after:  after,
		expr:   expr,
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
	}
	s.entryID = s.cron.Schedule(schedule, cron.FuncJob(s.run))
	return s, nil
}

func (s *Scheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), scheduledRunTimeout)
	defer cancel()

	res, err := s.runner.Run(ctx)
	if err != nil {
		s.logger.Error("Scheduled ingestion failed", "schedule", s.expr, "error", err)
		return
	}
	if s.after != nil {
		s.after(res)
	}
}

// Next returns the time of the next scheduled run, or zero before Start.
func (s *Scheduler) Next() time.Time {
	return s.cron.Entry(s.entryID).Next
}

// Start runs the schedule until ctx is done, then waits for a running job.
func (s *Scheduler) Start(ctx context.Context) {
	s.cron.Start()
	s.logger.Info("Ingestion scheduler started", "schedule", s.expr, "next", s.Next())

	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("Ingestion scheduler stopped")
}
