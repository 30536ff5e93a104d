package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Wambui-N/f2s-sub002/internal/forms"
)

const defaultTaskTimeout = 20 * time.Second

var (
	errMissingRecorder = errors.New("delivery: submission status recorder is required")
	errNoDestinations  = errors.New("delivery: at least one destination is required")
)

// StatusRecorder moves a submission out of pending once fan-out settled.
type StatusRecorder interface {
	MarkProcessed(ctx context.Context, submissionID string, status forms.ProcessingStatus) error
}

// DispatcherConfig describes the dependencies of the dispatcher.
type DispatcherConfig struct {
	// Destinations run concurrently, isolated from one another.
	Destinations []Destination
	// Notifier runs after the destination tasks settle so the summary email
	// can include uploaded-file links. Nil disables notification.
	Notifier Destination
	// Submissions records the pending→completed transition.
	Submissions StatusRecorder
	// TaskTimeout bounds each destination task so a hung downstream API
	// cannot leak background work.
	TaskTimeout time.Duration
	Logger      *zap.Logger
}

// Dispatcher fans one persisted submission out to its configured
// destinations. Each destination task is isolated: a panic or failure in one
// becomes an Outcome, never an aborted sibling, and never touches the
// submission row beyond its status field.
type Dispatcher struct {
	destinations []Destination
	notifier     Destination
	submissions  StatusRecorder
	taskTimeout  time.Duration
	logger       *zap.Logger

	background sync.WaitGroup
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Submissions == nil {
		return nil, errMissingRecorder
	}
	if len(cfg.Destinations) == 0 && cfg.Notifier == nil {
		return nil, errNoDestinations
	}
	timeout := cfg.TaskTimeout
	if timeout <= 0 {
		timeout = defaultTaskTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		destinations: cfg.Destinations,
		notifier:     cfg.Notifier,
		submissions:  cfg.Submissions,
		taskTimeout:  timeout,
		logger:       logger,
	}, nil
}

// Dispatch runs every destination task for the job and returns the recorded
// outcomes. Skipped destinations produce no outcome. The submission reaches
// completed once every task reported, regardless of individual results.
func (d *Dispatcher) Dispatch(ctx context.Context, job Job) []Outcome {
	outcomes := make([]Outcome, 0, len(d.destinations)+1)

	results := make(chan Outcome, len(d.destinations))
	var wg sync.WaitGroup
	for _, destination := range d.destinations {
		wg.Add(1)
		go func(destination Destination) {
			defer wg.Done()
			results <- d.runTask(ctx, destination, job)
		}(destination)
	}
	wg.Wait()
	close(results)

	for outcome := range results {
		outcomes = append(outcomes, outcome)
	}

	if d.notifier != nil {
		// Uploaded-file links ride along so the summary can reference them.
		for _, outcome := range outcomes {
			if outcome.Destination == KindDrive && len(outcome.Links) > 0 {
				job.FileLinks = append(job.FileLinks, outcome.Links...)
			}
		}
		outcomes = append(outcomes, d.runTask(ctx, d.notifier, job))
	}

	settled := make([]Outcome, 0, len(outcomes))
	for _, outcome := range outcomes {
		d.logOutcome(outcome)
		if outcome.Result == ResultSkippedNoConnection {
			continue
		}
		settled = append(settled, outcome)
	}

	if err := d.submissions.MarkProcessed(ctx, job.Submission.ID, forms.StatusCompleted); err != nil {
		d.logger.Error("failed to settle submission status",
			zap.String("submission_id", job.Submission.ID),
			zap.Error(err))
	}
	return settled
}

// DispatchAsync runs Dispatch on a tracked background task so the intake
// handler can return as soon as the submission row is written. The task uses
// its own context: fan-out must not die with the request.
func (d *Dispatcher) DispatchAsync(job Job) {
	d.background.Add(1)
	go func() {
		defer d.background.Done()
		defer func() {
			if recovered := recover(); recovered != nil {
				d.logger.Error("dispatch task panicked",
					zap.String("submission_id", job.Submission.ID),
					zap.Any("panic", recovered))
			}
		}()
		budget := time.Duration(len(d.destinations)+1) * d.taskTimeout
		ctx, cancel := context.WithTimeout(context.Background(), budget)
		defer cancel()
		d.Dispatch(ctx, job)
	}()
}

// Wait blocks until all background dispatches finish. Used at shutdown.
func (d *Dispatcher) Wait() {
	d.background.Wait()
}

// runTask executes one destination with its own timeout and a panic barrier.
func (d *Dispatcher) runTask(ctx context.Context, destination Destination, job Job) (outcome Outcome) {
	defer func() {
		if recovered := recover(); recovered != nil {
			outcome = Outcome{
				SubmissionID: job.Submission.ID,
				Destination:  destination.Kind(),
				Result:       ResultFailedPermanent,
				Detail:       fmt.Sprintf("panic: %v", recovered),
			}
		}
	}()

	taskCtx, cancel := context.WithTimeout(ctx, d.taskTimeout)
	defer cancel()

	outcome = destination.Deliver(taskCtx, job)
	if outcome.SubmissionID == "" {
		outcome.SubmissionID = job.Submission.ID
	}
	if outcome.Destination == "" {
		outcome.Destination = destination.Kind()
	}
	if outcome.Result == "" && taskCtx.Err() != nil {
		outcome.Result = ResultFailedRetryable
		outcome.Detail = taskCtx.Err().Error()
	}
	return outcome
}

func (d *Dispatcher) logOutcome(outcome Outcome) {
	fields := []zap.Field{
		zap.String("submission_id", outcome.SubmissionID),
		zap.String("destination", string(outcome.Destination)),
		zap.String("result", string(outcome.Result)),
	}
	if outcome.Detail != "" {
		fields = append(fields, zap.String("detail", outcome.Detail))
	}
	switch {
	case outcome.Failed():
		d.logger.Warn("destination delivery failed", fields...)
	case outcome.Result == ResultSkippedNoConnection:
		d.logger.Debug("destination not configured", fields...)
	default:
		d.logger.Info("destination delivery settled", fields...)
	}
}
