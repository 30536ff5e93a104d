package delivery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Wambui-N/f2s-sub002/internal/forms"
)

type stubRecorder struct {
	mu       sync.Mutex
	statuses map[string]forms.ProcessingStatus
}

func newStubRecorder() *stubRecorder {
	return &stubRecorder{statuses: map[string]forms.ProcessingStatus{}}
}

func (r *stubRecorder) MarkProcessed(_ context.Context, submissionID string, status forms.ProcessingStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[submissionID] = status
	return nil
}

func (r *stubRecorder) status(submissionID string) forms.ProcessingStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statuses[submissionID]
}

type stubDestination struct {
	kind    Kind
	deliver func(ctx context.Context, job Job) Outcome
}

func (s *stubDestination) Kind() Kind { return s.kind }

func (s *stubDestination) Deliver(ctx context.Context, job Job) Outcome {
	return s.deliver(ctx, job)
}

func testJob() Job {
	return Job{
		Form:       forms.Form{ID: "form-1", Title: "Contact us"},
		Submission: forms.Submission{ID: "sub-1", FormID: "form-1"},
		Payload:    map[string]string{"name": "Alice"},
	}
}

func newTestDispatcher(t *testing.T, recorder StatusRecorder, destinations []Destination, notifier Destination) *Dispatcher {
	t.Helper()
	dispatcher, err := NewDispatcher(DispatcherConfig{
		Destinations: destinations,
		Notifier:     notifier,
		Submissions:  recorder,
		TaskTimeout:  200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to build dispatcher: %v", err)
	}
	return dispatcher
}

func TestDispatchNoConnectionsSettlesWithZeroOutcomes(t *testing.T) {
	recorder := newStubRecorder()
	skip := func(ctx context.Context, job Job) Outcome {
		return Outcome{Result: ResultSkippedNoConnection}
	}
	dispatcher := newTestDispatcher(t, recorder, []Destination{
		&stubDestination{kind: KindSheets, deliver: skip},
		&stubDestination{kind: KindCalendar, deliver: skip},
		&stubDestination{kind: KindDrive, deliver: skip},
	}, &stubDestination{kind: KindEmail, deliver: skip})

	outcomes := dispatcher.Dispatch(context.Background(), testJob())
	if len(outcomes) != 0 {
		t.Fatalf("expected zero outcomes, got %v", outcomes)
	}
	if recorder.status("sub-1") != forms.StatusCompleted {
		t.Fatalf("expected submission completed, got %q", recorder.status("sub-1"))
	}
}

func TestDispatchIsolatesDestinationFailures(t *testing.T) {
	recorder := newStubRecorder()
	dispatcher := newTestDispatcher(t, recorder, []Destination{
		&stubDestination{kind: KindSheets, deliver: func(ctx context.Context, job Job) Outcome {
			return Outcome{Result: ResultFailedRetryable, Detail: "simulated 500"}
		}},
		&stubDestination{kind: KindCalendar, deliver: func(ctx context.Context, job Job) Outcome {
			return Outcome{Result: ResultDelivered}
		}},
	}, nil)

	outcomes := dispatcher.Dispatch(context.Background(), testJob())
	if len(outcomes) != 2 {
		t.Fatalf("expected two outcomes, got %v", outcomes)
	}
	byKind := map[Kind]Outcome{}
	for _, outcome := range outcomes {
		byKind[outcome.Destination] = outcome
	}
	if byKind[KindSheets].Result != ResultFailedRetryable {
		t.Fatalf("expected sheets failure recorded, got %+v", byKind[KindSheets])
	}
	if byKind[KindCalendar].Result != ResultDelivered {
		t.Fatalf("sheets failure must not block calendar delivery, got %+v", byKind[KindCalendar])
	}
	if recorder.status("sub-1") != forms.StatusCompleted {
		t.Fatalf("destination failure must not change processing status, got %q", recorder.status("sub-1"))
	}
}

func TestDispatchConvertsPanicToOutcome(t *testing.T) {
	recorder := newStubRecorder()
	dispatcher := newTestDispatcher(t, recorder, []Destination{
		&stubDestination{kind: KindSheets, deliver: func(ctx context.Context, job Job) Outcome {
			panic("integration bug")
		}},
		&stubDestination{kind: KindDrive, deliver: func(ctx context.Context, job Job) Outcome {
			return Outcome{Result: ResultDelivered}
		}},
	}, nil)

	outcomes := dispatcher.Dispatch(context.Background(), testJob())
	byKind := map[Kind]Outcome{}
	for _, outcome := range outcomes {
		byKind[outcome.Destination] = outcome
	}
	if byKind[KindSheets].Result != ResultFailedPermanent {
		t.Fatalf("expected panic converted to permanent failure, got %+v", byKind[KindSheets])
	}
	if byKind[KindDrive].Result != ResultDelivered {
		t.Fatalf("panic must not abort sibling tasks, got %+v", byKind[KindDrive])
	}
	if recorder.status("sub-1") != forms.StatusCompleted {
		t.Fatalf("expected submission completed, got %q", recorder.status("sub-1"))
	}
}

func TestDispatchTimesOutHungDestination(t *testing.T) {
	recorder := newStubRecorder()
	dispatcher := newTestDispatcher(t, recorder, []Destination{
		&stubDestination{kind: KindSheets, deliver: func(ctx context.Context, job Job) Outcome {
			<-ctx.Done()
			return Outcome{}
		}},
	}, nil)

	start := time.Now()
	outcomes := dispatcher.Dispatch(context.Background(), testJob())
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("hung destination held dispatch for %v", elapsed)
	}
	if len(outcomes) != 1 || outcomes[0].Result != ResultFailedRetryable {
		t.Fatalf("expected timeout classified retryable, got %v", outcomes)
	}
}

func TestNotifierRunsAfterUploadsAndSeesLinks(t *testing.T) {
	recorder := newStubRecorder()
	uploadDone := make(chan struct{})
	var sawLinks []FileLink

	drive := &stubDestination{kind: KindDrive, deliver: func(ctx context.Context, job Job) Outcome {
		defer close(uploadDone)
		time.Sleep(20 * time.Millisecond)
		return Outcome{Result: ResultDelivered, Links: []FileLink{{FieldID: "cv", FileName: "cv.pdf", URL: "https://drive.example/cv"}}}
	}}
	notifier := &stubDestination{kind: KindEmail, deliver: func(ctx context.Context, job Job) Outcome {
		select {
		case <-uploadDone:
		default:
			t.Errorf("notifier ran before uploads settled")
		}
		sawLinks = job.FileLinks
		return Outcome{Result: ResultDelivered}
	}}

	dispatcher := newTestDispatcher(t, recorder, []Destination{drive}, notifier)
	outcomes := dispatcher.Dispatch(context.Background(), testJob())
	if len(outcomes) != 2 {
		t.Fatalf("expected drive and email outcomes, got %v", outcomes)
	}
	if len(sawLinks) != 1 || sawLinks[0].URL != "https://drive.example/cv" {
		t.Fatalf("expected notifier to see uploaded file link, got %v", sawLinks)
	}
}

func TestDispatchAsyncFinishesIndependently(t *testing.T) {
	recorder := newStubRecorder()
	delivered := make(chan struct{})
	dispatcher := newTestDispatcher(t, recorder, []Destination{
		&stubDestination{kind: KindSheets, deliver: func(ctx context.Context, job Job) Outcome {
			close(delivered)
			return Outcome{Result: ResultDelivered}
		}},
	}, nil)

	dispatcher.DispatchAsync(testJob())
	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatalf("background dispatch never ran")
	}
	dispatcher.Wait()
	if recorder.status("sub-1") != forms.StatusCompleted {
		t.Fatalf("expected background dispatch to settle submission, got %q", recorder.status("sub-1"))
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return context.Canceled
	}, func(err error) bool { return false })
	if err == nil {
		t.Fatalf("expected error")
	}
	if calls != 1 {
		t.Fatalf("permanent errors must not be retried, got %d calls", calls)
	}
}

func TestRetryExhaustsBoundedAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return context.DeadlineExceeded
	}, func(err error) bool { return true })
	if err == nil {
		t.Fatalf("expected error after exhausting attempts")
	}
	if calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", calls)
	}
}
