package providers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"
	gsheets "google.golang.org/api/sheets/v4"

	"github.com/Wambui-N/f2s-sub002/internal/connections"
	"github.com/Wambui-N/f2s-sub002/internal/credentials"
	"github.com/Wambui-N/f2s-sub002/internal/delivery"
)

// timestampColumn is the reserved header label filled with the submission
// time instead of a payload field.
const timestampColumn = "Timestamp"

const defaultSheetName = "Sheet1"

var errMissingTokens = errors.New("providers: token provider is required")

// LayoutStore persists header layout growth back to the connection row.
type LayoutStore interface {
	UpdateHeaderLayout(ctx context.Context, connectionID string, layout []string) error
}

// SheetsConfig describes the dependencies of the sheets destination.
type SheetsConfig struct {
	Tokens TokenProvider
	// Connections persists grown header layouts. Nil keeps layouts static.
	Connections LayoutStore
	// Endpoint overrides the Sheets API base URL. Used in tests.
	Endpoint string
	Logger   *zap.Logger
}

// SheetsDestination appends one row per submission to the mirror
// spreadsheet. Values are positioned by the connection's header layout;
// payload fields without a column are dropped, missing values render as
// empty strings. A retry after a successful append is suppressed by a
// per-submission dedup key so the mirror never gains duplicate rows.
type SheetsDestination struct {
	tokens   TokenProvider
	layouts  LayoutStore
	endpoint string
	limiter  *rate.Limiter
	logger   *zap.Logger

	mu        sync.Mutex
	delivered map[string]struct{}
}

// NewSheetsDestination constructs the sheets destination.
func NewSheetsDestination(cfg SheetsConfig) (*SheetsDestination, error) {
	if cfg.Tokens == nil {
		return nil, errMissingTokens
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SheetsDestination{
		tokens:    cfg.Tokens,
		layouts:   cfg.Connections,
		endpoint:  cfg.Endpoint,
		limiter:   newLimiter("sheets"),
		logger:    logger,
		delivered: map[string]struct{}{},
	}, nil
}

// Kind implements delivery.Destination.
func (d *SheetsDestination) Kind() delivery.Kind {
	return delivery.KindSheets
}

// Deliver implements delivery.Destination.
func (d *SheetsDestination) Deliver(ctx context.Context, job delivery.Job) delivery.Outcome {
	connection := job.Targets.Sheets
	if connection == nil {
		return delivery.Outcome{Result: delivery.ResultSkippedNoConnection}
	}

	dedupKey := connection.ID + "|" + job.Submission.ID
	if d.alreadyDelivered(dedupKey) {
		return delivery.Outcome{Result: delivery.ResultDelivered, Detail: "duplicate append suppressed"}
	}

	layout, err := connection.HeaderLayout()
	if err != nil {
		return delivery.Outcome{Result: delivery.ResultFailedPermanent, Detail: err.Error()}
	}
	if len(layout) == 0 && len(job.Payload) == 0 {
		return delivery.Outcome{Result: delivery.ResultSkippedNoData, Detail: "no payload fields to mirror"}
	}
	layout = d.growLayout(ctx, connection, layout, job.Payload)
	row := BuildRow(layout, job.Payload, job.Submission.SubmittedAt)

	err = delivery.Retry(ctx, delivery.DefaultAttempts, delivery.DefaultInitialBackoff, func() error {
		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}
		return callWithAuthRetry(ctx, d.tokens, job.Form.OwnerUserID, credentials.ProviderGoogleDrive,
			func(credential credentials.Credential) error {
				return d.appendRow(ctx, credential, connection, row)
			})
	}, IsRetryable)
	if err != nil {
		return delivery.Outcome{Result: Classify(err), Detail: err.Error()}
	}

	d.markDelivered(dedupKey)
	return delivery.Outcome{Result: delivery.ResultDelivered}
}

// growLayout appends columns for payload fields the mirror has not seen yet.
// A brand new mirror starts with the Timestamp column. Existing column order
// is never disturbed so historical rows stay aligned.
func (d *SheetsDestination) growLayout(
	ctx context.Context,
	connection *connections.Connection,
	layout []string,
	payload map[string]string,
) []string {
	if len(layout) == 0 {
		layout = []string{timestampColumn}
	}
	labels := make([]string, 0, len(payload))
	for label := range payload {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	grown, changed := connections.AppendMissingColumns(layout, labels)
	if changed && d.layouts != nil {
		if err := d.layouts.UpdateHeaderLayout(ctx, connection.ID, grown); err != nil {
			d.logger.Warn("header layout growth not persisted",
				zap.String("connection_id", connection.ID),
				zap.Error(err))
		}
	}
	return grown
}

func (d *SheetsDestination) appendRow(
	ctx context.Context,
	credential credentials.Credential,
	connection *connections.Connection,
	row []interface{},
) error {
	service, err := d.service(ctx, credential)
	if err != nil {
		return fmt.Errorf("providers: build sheets service: %w", err)
	}

	sheetName := connection.SheetName
	if sheetName == "" {
		sheetName = defaultSheetName
	}
	valueRange := &gsheets.ValueRange{Values: [][]interface{}{row}}
	_, err = service.Spreadsheets.Values.
		Append(connection.ExternalID, sheetName+"!A1", valueRange).
		ValueInputOption("USER_ENTERED").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	return err
}

func (d *SheetsDestination) service(ctx context.Context, credential credentials.Credential) (*gsheets.Service, error) {
	opts := []option.ClientOption{option.WithTokenSource(staticTokenSource(credential))}
	if d.endpoint != "" {
		opts = append(opts, option.WithEndpoint(d.endpoint))
	}
	return gsheets.NewService(ctx, opts...)
}

func (d *SheetsDestination) alreadyDelivered(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.delivered[key]
	return ok
}

func (d *SheetsDestination) markDelivered(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delivered[key] = struct{}{}
}

// BuildRow positions payload values by the header layout. The reserved
// Timestamp column renders the submission time; a header with no payload
// value renders as an empty string; payload fields with no header are
// dropped so schema drift never shifts columns.
func BuildRow(layout []string, payload map[string]string, submittedAt time.Time) []interface{} {
	row := make([]interface{}, len(layout))
	for i, label := range layout {
		if label == timestampColumn {
			row[i] = submittedAt.UTC().Format(time.RFC3339)
			continue
		}
		row[i] = payload[label]
	}
	return row
}
