package providers

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	gdrive "google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"github.com/Wambui-N/f2s-sub002/internal/connections"
	"github.com/Wambui-N/f2s-sub002/internal/credentials"
	"github.com/Wambui-N/f2s-sub002/internal/delivery"
)

const maxConcurrentUploads = 3

// DriveConfig describes the dependencies of the drive destination.
type DriveConfig struct {
	Tokens TokenProvider
	// Endpoint overrides the Drive API base URL. Used in tests.
	Endpoint string
	Logger   *zap.Logger
}

// DriveDestination uploads each submitted file into the connected folder and
// reports the shareable link per file.
type DriveDestination struct {
	tokens   TokenProvider
	endpoint string
	limiter  *rate.Limiter
	logger   *zap.Logger
}

// NewDriveDestination constructs the drive destination.
func NewDriveDestination(cfg DriveConfig) (*DriveDestination, error) {
	if cfg.Tokens == nil {
		return nil, errMissingTokens
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DriveDestination{
		tokens:   cfg.Tokens,
		endpoint: cfg.Endpoint,
		limiter:  newLimiter("drive"),
		logger:   logger,
	}, nil
}

// Kind implements delivery.Destination.
func (d *DriveDestination) Kind() delivery.Kind {
	return delivery.KindDrive
}

// Deliver implements delivery.Destination.
func (d *DriveDestination) Deliver(ctx context.Context, job delivery.Job) delivery.Outcome {
	connection := job.Targets.Drive
	if connection == nil {
		return delivery.Outcome{Result: delivery.ResultSkippedNoConnection}
	}
	if len(job.Files) == 0 {
		return delivery.Outcome{Result: delivery.ResultSkippedNoData, Detail: "no files in submission"}
	}

	var mu sync.Mutex
	links := make([]delivery.FileLink, 0, len(job.Files))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(maxConcurrentUploads)
	for _, file := range job.Files {
		file := file
		group.Go(func() error {
			link, err := d.uploadFile(groupCtx, job.Form.OwnerUserID, connection, file)
			if err != nil {
				return fmt.Errorf("upload %s: %w", file.FileName, err)
			}
			mu.Lock()
			links = append(links, link)
			mu.Unlock()
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		// Links for files that made it are still reported.
		return delivery.Outcome{Result: Classify(err), Detail: err.Error(), Links: links}
	}
	return delivery.Outcome{Result: delivery.ResultDelivered, Links: links}
}

func (d *DriveDestination) uploadFile(
	ctx context.Context,
	ownerUserID string,
	connection *connections.Connection,
	file delivery.UploadedFile,
) (delivery.FileLink, error) {
	var link delivery.FileLink
	err := delivery.Retry(ctx, delivery.DefaultAttempts, delivery.DefaultInitialBackoff, func() error {
		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}
		return callWithAuthRetry(ctx, d.tokens, ownerUserID, credentials.ProviderGoogleDrive,
			func(credential credentials.Credential) error {
				created, err := d.create(ctx, credential, connection, file)
				if err != nil {
					return err
				}
				link = delivery.FileLink{
					FieldID:  file.FieldID,
					FileName: file.FileName,
					URL:      created.WebViewLink,
				}
				return nil
			})
	}, IsRetryable)
	return link, err
}

func (d *DriveDestination) create(
	ctx context.Context,
	credential credentials.Credential,
	connection *connections.Connection,
	file delivery.UploadedFile,
) (*gdrive.File, error) {
	service, err := d.service(ctx, credential)
	if err != nil {
		return nil, fmt.Errorf("providers: build drive service: %w", err)
	}
	metadata := &gdrive.File{
		Name:    file.FileName,
		Parents: []string{connection.ExternalID},
	}
	return service.Files.Create(metadata).
		Media(bytes.NewReader(file.Bytes)).
		Fields("id", "webViewLink").
		Context(ctx).
		Do()
}

func (d *DriveDestination) service(ctx context.Context, credential credentials.Credential) (*gdrive.Service, error) {
	opts := []option.ClientOption{option.WithTokenSource(staticTokenSource(credential))}
	if d.endpoint != "" {
		opts = append(opts, option.WithEndpoint(d.endpoint))
	}
	return gdrive.NewService(ctx, opts...)
}
