package delivery

import (
	"context"

	"github.com/Wambui-N/f2s-sub002/internal/connections"
	"github.com/Wambui-N/f2s-sub002/internal/forms"
)

// UploadedFile is one file accepted alongside the submission payload.
type UploadedFile struct {
	FieldID  string
	FileName string
	Bytes    []byte
}

// Job bundles everything a destination needs to deliver one submission.
// The submission row is already persisted by the time a Job exists.
type Job struct {
	Form       forms.Form
	Submission forms.Submission
	Payload    map[string]string
	Files      []UploadedFile
	Targets    connections.Targets
	// FileLinks is filled by the dispatcher from the drive outcome before
	// the notification destination runs.
	FileLinks []FileLink
}

// Destination delivers one submission to one external system. Implementations
// must convert every internal failure into an Outcome; Deliver does not
// return an error by design, so a broken integration can never abort a
// sibling task.
type Destination interface {
	Kind() Kind
	Deliver(ctx context.Context, job Job) Outcome
}
