package delivery

import (
	"context"
	"errors"

	"github.com/Wambui-N/f2s-sub002/internal/credentials"
)

// Kind names one destination a submission may be mirrored to.
type Kind string

const (
	// KindSheets appends a row to the mirror spreadsheet.
	KindSheets Kind = "sheets"
	// KindCalendar creates an event from a dated submission.
	KindCalendar Kind = "calendar"
	// KindDrive uploads submitted files to a folder.
	KindDrive Kind = "drive"
	// KindEmail sends the transactional summary.
	KindEmail Kind = "email"
)

// Result classifies the terminal state of one destination attempt.
type Result string

const (
	// ResultDelivered means the destination accepted the submission.
	ResultDelivered Result = "delivered"
	// ResultSkippedNoConnection means the destination is not configured for
	// this form. Not an error.
	ResultSkippedNoConnection Result = "skipped-no-connection"
	// ResultSkippedNoData means the destination had nothing to act on, such
	// as a calendar connection with no date field in the payload.
	ResultSkippedNoData Result = "skipped-no-data"
	// ResultFailedRetryable means a transient provider failure exhausted the
	// bounded retry budget.
	ResultFailedRetryable Result = "failed-retryable"
	// ResultFailedPermanent means the provider rejected the request in a way
	// retries cannot fix, such as a revoked grant or a deleted resource.
	ResultFailedPermanent Result = "failed-permanent"
)

// FileLink points at one uploaded file in external storage.
type FileLink struct {
	FieldID  string
	FileName string
	URL      string
}

// Outcome records the terminal state of one (submission, destination)
// attempt. Outcomes are observable but ephemeral; the submission row itself
// never depends on them.
type Outcome struct {
	SubmissionID string
	Destination  Kind
	Result       Result
	Detail       string
	// Links carries uploaded-file URLs out of the drive destination so the
	// notification body can include them.
	Links []FileLink
}

// Failed reports whether the attempt ended in either failure class.
func (o Outcome) Failed() bool {
	return o.Result == ResultFailedRetryable || o.Result == ResultFailedPermanent
}

// Skipped reports whether the destination had nothing to do.
func (o Outcome) Skipped() bool {
	return o.Result == ResultSkippedNoConnection || o.Result == ResultSkippedNoData
}

// ClassifyError maps credential and context failures onto the outcome
// taxonomy. Provider-specific status codes are classified closer to the wire.
func ClassifyError(err error) Result {
	switch {
	case err == nil:
		return ResultDelivered
	case errors.Is(err, credentials.ErrNotConnected):
		return ResultSkippedNoConnection
	case errors.Is(err, credentials.ErrRefreshRevoked):
		return ResultFailedPermanent
	case errors.Is(err, credentials.ErrRefreshTransient),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return ResultFailedRetryable
	default:
		return ResultFailedPermanent
	}
}
