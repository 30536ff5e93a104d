package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotConnected indicates the user has never granted the provider.
	// Callers skip the destination; this is not a fault.
	ErrNotConnected = errors.New("credentials: provider not connected")
	// ErrInvalidProvider indicates an unsupported provider value.
	ErrInvalidProvider = errors.New("credentials: invalid provider")

	errMissingDatabase = errors.New("credentials: database handle is required")
	errMissingUserID   = errors.New("credentials: user identifier is required")
)

// Store persists OAuth credentials keyed by (user, provider).
type Store struct {
	db *gorm.DB
}

// NewStore constructs a credential store over the shared database handle.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &Store{db: db}, nil
}

// Get loads the credential for the user and provider. A missing row returns
// ErrNotConnected, which callers must treat as "skip this destination".
func (s *Store) Get(ctx context.Context, userID string, provider Provider) (Credential, error) {
	if strings.TrimSpace(userID) == "" {
		return Credential{}, errMissingUserID
	}
	if !provider.Valid() {
		return Credential{}, fmt.Errorf("%w: %q", ErrInvalidProvider, provider)
	}

	var credential Credential
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, provider).
		Take(&credential).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Credential{}, ErrNotConnected
	}
	if err != nil {
		return Credential{}, fmt.Errorf("credentials: load: %w", err)
	}
	return credential, nil
}

// Upsert writes the credential, replacing any existing row for the same
// (user, provider) pair.
func (s *Store) Upsert(ctx context.Context, credential Credential) error {
	if strings.TrimSpace(credential.UserID) == "" {
		return errMissingUserID
	}
	if !credential.Provider.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidProvider, credential.Provider)
	}

	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "provider"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"access_token", "refresh_token", "expires_at", "requires_reconsent", "updated_at",
			}),
		}).
		Create(&credential).Error
	if err != nil {
		return fmt.Errorf("credentials: upsert: %w", err)
	}
	return nil
}

// Delete removes the credential on explicit disconnect.
func (s *Store) Delete(ctx context.Context, userID string, provider Provider) error {
	if strings.TrimSpace(userID) == "" {
		return errMissingUserID
	}
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, provider).
		Delete(&Credential{}).Error
	if err != nil {
		return fmt.Errorf("credentials: delete: %w", err)
	}
	return nil
}

// MarkRequiresReconsent flags the credential after a revoked refresh token so
// the dashboard can prompt the user to reconnect.
func (s *Store) MarkRequiresReconsent(ctx context.Context, userID string, provider Provider) error {
	err := s.db.WithContext(ctx).
		Model(&Credential{}).
		Where("user_id = ? AND provider = ?", userID, provider).
		Update("requires_reconsent", true).Error
	if err != nil {
		return fmt.Errorf("credentials: mark reconsent: %w", err)
	}
	return nil
}
