package forms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrFormNotFound indicates the referenced form does not exist.
	ErrFormNotFound = errors.New("forms: form not found")
	// ErrSubmissionNotFound indicates the referenced submission does not exist.
	ErrSubmissionNotFound = errors.New("forms: submission not found")

	errMissingDatabase   = errors.New("forms: database handle is required")
	errMissingIDProvider = errors.New("forms: id provider is required")
	errMissingFormID     = errors.New("forms: form identifier is required")
	errMissingOwner      = errors.New("forms: owner identifier is required")

	noOpLogger = zap.NewNop()
)

const (
	opServiceNew       = "forms.service.new"
	opCreateForm       = "forms.create_form"
	opCreateSubmission = "forms.create_submission"
	opMarkProcessed    = "forms.mark_processed"
)

// ServiceError carries a dotted operation code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the dotted operation code.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// IDProvider issues identifiers for new forms and submissions.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the forms service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service persists forms and their submissions. Submission rows are written
// before any fan-out is attempted; the intake caller gets the identifier back
// synchronously and never waits on a destination.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService constructs the forms service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// CreateForm persists a new form definition for the owner.
func (s *Service) CreateForm(ctx context.Context, ownerUserID, title, notifyEmail string) (Form, error) {
	if strings.TrimSpace(ownerUserID) == "" {
		return Form{}, newServiceError(opCreateForm, "missing_owner", errMissingOwner)
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		return Form{}, newServiceError(opCreateForm, "id_generation_failed", err)
	}
	form := Form{
		ID:          id,
		OwnerUserID: ownerUserID,
		Title:       strings.TrimSpace(title),
		NotifyEmail: strings.TrimSpace(notifyEmail),
	}
	if err := s.db.WithContext(ctx).Create(&form).Error; err != nil {
		s.logError(opCreateForm, "insert_failed", err, zap.String("owner_user_id", ownerUserID))
		return Form{}, newServiceError(opCreateForm, "insert_failed", err)
	}
	return form, nil
}

// GetForm loads a form by identifier.
func (s *Service) GetForm(ctx context.Context, formID string) (Form, error) {
	var form Form
	err := s.db.WithContext(ctx).Where("id = ?", formID).Take(&form).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Form{}, ErrFormNotFound
	}
	if err != nil {
		return Form{}, fmt.Errorf("forms: load form: %w", err)
	}
	return form, nil
}

// CreateSubmission durably captures one accepted form post and returns it.
// The payload mapping is frozen at this point.
func (s *Service) CreateSubmission(ctx context.Context, formID string, payload map[string]string) (Submission, error) {
	if strings.TrimSpace(formID) == "" {
		return Submission{}, newServiceError(opCreateSubmission, "missing_form_id", errMissingFormID)
	}
	if _, err := s.GetForm(ctx, formID); err != nil {
		if errors.Is(err, ErrFormNotFound) {
			return Submission{}, newServiceError(opCreateSubmission, "form_not_found", err)
		}
		return Submission{}, newServiceError(opCreateSubmission, "form_lookup_failed", err)
	}

	if payload == nil {
		payload = map[string]string{}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return Submission{}, newServiceError(opCreateSubmission, "payload_encoding_failed", err)
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		return Submission{}, newServiceError(opCreateSubmission, "id_generation_failed", err)
	}

	submission := Submission{
		ID:               id,
		FormID:           formID,
		PayloadJSON:      string(encoded),
		SubmittedAt:      s.clock().UTC(),
		ProcessingStatus: StatusPending,
	}
	if err := s.db.WithContext(ctx).Create(&submission).Error; err != nil {
		s.logError(opCreateSubmission, "insert_failed", err, zap.String("form_id", formID))
		return Submission{}, newServiceError(opCreateSubmission, "insert_failed", err)
	}
	return submission, nil
}

// GetSubmission loads a submission by identifier.
func (s *Service) GetSubmission(ctx context.Context, submissionID string) (Submission, error) {
	var submission Submission
	err := s.db.WithContext(ctx).Where("id = ?", submissionID).Take(&submission).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Submission{}, ErrSubmissionNotFound
	}
	if err != nil {
		return Submission{}, fmt.Errorf("forms: load submission: %w", err)
	}
	return submission, nil
}

// MarkProcessed moves the submission out of pending once fan-out has been
// attempted for every destination. Destination failures do not change the
// status; the submission itself is already captured.
func (s *Service) MarkProcessed(ctx context.Context, submissionID string, status ProcessingStatus) error {
	result := s.db.WithContext(ctx).
		Model(&Submission{}).
		Where("id = ?", submissionID).
		Update("processing_status", status)
	if result.Error != nil {
		s.logError(opMarkProcessed, "update_failed", result.Error, zap.String("submission_id", submissionID))
		return newServiceError(opMarkProcessed, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opMarkProcessed, "submission_not_found", ErrSubmissionNotFound)
	}
	return nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("forms service error", attrs...)
}
