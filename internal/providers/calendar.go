package providers

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	gcalendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/Wambui-N/f2s-sub002/internal/connections"
	"github.com/Wambui-N/f2s-sub002/internal/credentials"
	"github.com/Wambui-N/f2s-sub002/internal/delivery"
)

const defaultEventDuration = time.Hour

// dateLayouts are tried in order against payload values when looking for a
// recognisable date or date-time.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

// CalendarConfig describes the dependencies of the calendar destination.
type CalendarConfig struct {
	Tokens TokenProvider
	// Endpoint overrides the Calendar API base URL. Used in tests.
	Endpoint string
	Logger   *zap.Logger
}

// CalendarDestination creates one event per submission that carries a
// recognisable date or date-time field. A submission with no such field is
// skipped, never failed.
type CalendarDestination struct {
	tokens   TokenProvider
	endpoint string
	limiter  *rate.Limiter
	logger   *zap.Logger
}

// NewCalendarDestination constructs the calendar destination.
func NewCalendarDestination(cfg CalendarConfig) (*CalendarDestination, error) {
	if cfg.Tokens == nil {
		return nil, errMissingTokens
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CalendarDestination{
		tokens:   cfg.Tokens,
		endpoint: cfg.Endpoint,
		limiter:  newLimiter("calendar"),
		logger:   logger,
	}, nil
}

// Kind implements delivery.Destination.
func (d *CalendarDestination) Kind() delivery.Kind {
	return delivery.KindCalendar
}

// Deliver implements delivery.Destination.
func (d *CalendarDestination) Deliver(ctx context.Context, job delivery.Job) delivery.Outcome {
	connection := job.Targets.Calendar
	if connection == nil {
		return delivery.Outcome{Result: delivery.ResultSkippedNoConnection}
	}

	when, allDay, found := FindEventTime(job.Payload)
	if !found {
		return delivery.Outcome{Result: delivery.ResultSkippedNoData, Detail: "no date field in payload"}
	}

	event := buildEvent(job, when, allDay)
	err := delivery.Retry(ctx, delivery.DefaultAttempts, delivery.DefaultInitialBackoff, func() error {
		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}
		return callWithAuthRetry(ctx, d.tokens, job.Form.OwnerUserID, credentials.ProviderGoogleCalendar,
			func(credential credentials.Credential) error {
				return d.createEvent(ctx, credential, connection, event)
			})
	}, IsRetryable)
	if err != nil {
		return delivery.Outcome{Result: Classify(err), Detail: err.Error()}
	}
	return delivery.Outcome{Result: delivery.ResultDelivered}
}

func (d *CalendarDestination) createEvent(
	ctx context.Context,
	credential credentials.Credential,
	connection *connections.Connection,
	event *gcalendar.Event,
) error {
	service, err := d.service(ctx, credential)
	if err != nil {
		return fmt.Errorf("providers: build calendar service: %w", err)
	}
	_, err = service.Events.Insert(connection.ExternalID, event).Context(ctx).Do()
	return err
}

func (d *CalendarDestination) service(ctx context.Context, credential credentials.Credential) (*gcalendar.Service, error) {
	opts := []option.ClientOption{option.WithTokenSource(staticTokenSource(credential))}
	if d.endpoint != "" {
		opts = append(opts, option.WithEndpoint(d.endpoint))
	}
	return gcalendar.NewService(ctx, opts...)
}

func buildEvent(job delivery.Job, when time.Time, allDay bool) *gcalendar.Event {
	event := &gcalendar.Event{
		Summary:     job.Form.Title,
		Description: formatEventDescription(job.Payload),
	}
	if allDay {
		date := when.Format("2006-01-02")
		event.Start = &gcalendar.EventDateTime{Date: date}
		event.End = &gcalendar.EventDateTime{Date: date}
		return event
	}
	event.Start = &gcalendar.EventDateTime{DateTime: when.Format(time.RFC3339)}
	event.End = &gcalendar.EventDateTime{DateTime: when.Add(defaultEventDuration).Format(time.RFC3339)}
	return event
}

func formatEventDescription(payload map[string]string) string {
	keys := make([]string, 0, len(payload))
	for key := range payload {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var lines []string
	for _, key := range keys {
		lines = append(lines, key+": "+payload[key])
	}
	return strings.Join(lines, "\n")
}

// FindEventTime scans the payload for the first value parseable as a date or
// date-time. Keys are visited in sorted order so the choice is stable. The
// second return is true for date-only values, which become all-day events.
func FindEventTime(payload map[string]string) (time.Time, bool, bool) {
	keys := make([]string, 0, len(payload))
	for key := range payload {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := strings.TrimSpace(payload[key])
		if value == "" {
			continue
		}
		for _, layout := range dateLayouts {
			parsed, err := time.Parse(layout, value)
			if err != nil {
				continue
			}
			return parsed, layout == "2006-01-02", true
		}
	}
	return time.Time{}, false, false
}
