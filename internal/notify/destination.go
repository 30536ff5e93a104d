package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"sort"
	"strings"

	"github.com/Wambui-N/f2s-sub002/internal/delivery"
)

// EmailDestination adapts the Mailer to the dispatcher's destination
// contract. A form without a notification address skips; a bounced or
// rejected recipient fails this destination only.
type EmailDestination struct {
	mailer *Mailer
}

// NewEmailDestination wraps a Mailer as a delivery destination.
func NewEmailDestination(mailer *Mailer) (*EmailDestination, error) {
	if mailer == nil {
		return nil, errors.New("notify: mailer is required")
	}
	return &EmailDestination{mailer: mailer}, nil
}

// Kind implements delivery.Destination.
func (d *EmailDestination) Kind() delivery.Kind {
	return delivery.KindEmail
}

// Deliver implements delivery.Destination.
func (d *EmailDestination) Deliver(ctx context.Context, job delivery.Job) delivery.Outcome {
	to := strings.TrimSpace(job.Form.NotifyEmail)
	if to == "" {
		return delivery.Outcome{Result: delivery.ResultSkippedNoConnection}
	}

	subject := fmt.Sprintf("New submission: %s", job.Form.Title)
	body := ComposeBody(job)

	err := delivery.Retry(ctx, delivery.DefaultAttempts, delivery.DefaultInitialBackoff, func() error {
		return d.mailer.Send(ctx, to, subject, body)
	}, func(err error) bool {
		var sendErr *SendError
		if errors.As(err, &sendErr) {
			return sendErr.Retryable()
		}
		return !errors.Is(err, context.Canceled)
	})
	if err != nil {
		var sendErr *SendError
		if errors.As(err, &sendErr) && !sendErr.Retryable() {
			return delivery.Outcome{Result: delivery.ResultFailedPermanent, Detail: err.Error()}
		}
		return delivery.Outcome{Result: delivery.ResultFailedRetryable, Detail: err.Error()}
	}
	return delivery.Outcome{Result: delivery.ResultDelivered}
}

// ComposeBody renders the submission summary, including uploaded-file links
// when the drive destination finished before the email composed.
func ComposeBody(job delivery.Job) string {
	keys := make([]string, 0, len(job.Payload))
	for key := range job.Payload {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var builder strings.Builder
	builder.WriteString("<h2>" + html.EscapeString(job.Form.Title) + "</h2>\n<table>\n")
	for _, key := range keys {
		builder.WriteString("<tr><td>" + html.EscapeString(key) + "</td><td>" +
			html.EscapeString(job.Payload[key]) + "</td></tr>\n")
	}
	builder.WriteString("</table>\n")

	if len(job.FileLinks) > 0 {
		builder.WriteString("<h3>Files</h3>\n<ul>\n")
		for _, link := range job.FileLinks {
			builder.WriteString(`<li><a href="` + html.EscapeString(link.URL) + `">` +
				html.EscapeString(link.FileName) + "</a></li>\n")
		}
		builder.WriteString("</ul>\n")
	}
	return builder.String()
}
