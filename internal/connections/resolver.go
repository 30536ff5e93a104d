package connections

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("connections: database handle is required")
	errMissingFormID   = errors.New("connections: form identifier is required")
)

// Targets holds the resolved destinations for one form. Any subset may be
// nil; a form with no integrations configured resolves to the zero value.
type Targets struct {
	Sheets   *Connection
	Calendar *Connection
	Drive    *Connection
}

// Resolver loads a form's destination connections from the relational store.
type Resolver struct {
	db *gorm.DB
}

// NewResolver constructs a Resolver over the shared database handle.
func NewResolver(db *gorm.DB) (*Resolver, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &Resolver{db: db}, nil
}

// Resolve returns the connections configured for the form. Absence of any or
// all destinations is a normal outcome, never an error.
func (r *Resolver) Resolve(ctx context.Context, formID string) (Targets, error) {
	if strings.TrimSpace(formID) == "" {
		return Targets{}, errMissingFormID
	}

	var rows []Connection
	err := r.db.WithContext(ctx).
		Where("form_id = ?", formID).
		Find(&rows).Error
	if err != nil {
		return Targets{}, fmt.Errorf("connections: resolve form %s: %w", formID, err)
	}

	var targets Targets
	for i := range rows {
		row := rows[i]
		switch row.Kind {
		case KindSheets:
			targets.Sheets = &row
		case KindCalendar:
			targets.Calendar = &row
		case KindDrive:
			targets.Drive = &row
		}
	}
	return targets, nil
}

// Save persists a connection, replacing any existing binding for the same
// (form, kind) pair.
func (r *Resolver) Save(ctx context.Context, connection Connection) error {
	if !connection.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, connection.Kind)
	}
	if strings.TrimSpace(connection.FormID) == "" {
		return errMissingFormID
	}
	err := r.db.WithContext(ctx).
		Where("form_id = ? AND kind = ?", connection.FormID, connection.Kind).
		Delete(&Connection{}).Error
	if err != nil {
		return fmt.Errorf("connections: replace binding: %w", err)
	}
	if err := r.db.WithContext(ctx).Create(&connection).Error; err != nil {
		return fmt.Errorf("connections: save: %w", err)
	}
	return nil
}

// ListByOwner returns every connection owned by the user.
func (r *Resolver) ListByOwner(ctx context.Context, ownerUserID string) ([]Connection, error) {
	if strings.TrimSpace(ownerUserID) == "" {
		return nil, errors.New("connections: owner identifier is required")
	}
	var rows []Connection
	err := r.db.WithContext(ctx).
		Where("owner_user_id = ?", ownerUserID).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("connections: list by owner: %w", err)
	}
	return rows, nil
}

// UpdateHeaderLayout persists a grown header layout for a sheets connection.
func (r *Resolver) UpdateHeaderLayout(ctx context.Context, connectionID string, layout []string) error {
	var connection Connection
	if err := connection.SetHeaderLayout(layout); err != nil {
		return err
	}
	err := r.db.WithContext(ctx).
		Model(&Connection{}).
		Where("id = ?", connectionID).
		Update("header_layout_json", connection.HeaderLayoutJSON).Error
	if err != nil {
		return fmt.Errorf("connections: update header layout: %w", err)
	}
	return nil
}
