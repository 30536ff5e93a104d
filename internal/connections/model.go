package connections

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Wambui-N/f2s-sub002/internal/credentials"
)

// Kind identifies the destination role a connection plays for a form.
type Kind string

const (
	// KindSheets mirrors submissions into a spreadsheet.
	KindSheets Kind = "sheets"
	// KindCalendar creates an event per submission carrying a date.
	KindCalendar Kind = "calendar"
	// KindDrive stores uploaded files in a folder.
	KindDrive Kind = "drive"
)

// Valid reports whether the kind is one of the supported values.
func (k Kind) Valid() bool {
	switch k {
	case KindSheets, KindCalendar, KindDrive:
		return true
	}
	return false
}

// CredentialProvider maps the connection kind to the OAuth credential that
// authorises calls against it. Sheets and Drive share one Google grant.
func (k Kind) CredentialProvider() credentials.Provider {
	if k == KindCalendar {
		return credentials.ProviderGoogleCalendar
	}
	return credentials.ProviderGoogleDrive
}

var (
	// ErrInvalidKind indicates an unsupported connection kind.
	ErrInvalidKind = errors.New("connections: invalid kind")
	// ErrInvalidHeaderLayout indicates the stored header layout could not be decoded.
	ErrInvalidHeaderLayout = errors.New("connections: invalid header layout")
)

// Connection binds a form to one external resource: a spreadsheet, a calendar
// or a folder. At most one connection exists per (form, kind).
type Connection struct {
	ID          string `gorm:"column:id;primaryKey;size:190;not null"`
	OwnerUserID string `gorm:"column:owner_user_id;size:190;not null;index"`
	FormID      string `gorm:"column:form_id;size:190;not null;uniqueIndex:idx_connections_form_kind,priority:1"`
	Kind        Kind   `gorm:"column:kind;size:16;not null;uniqueIndex:idx_connections_form_kind,priority:2"`
	ExternalID  string `gorm:"column:external_id;size:190;not null"`
	ExternalURL string `gorm:"column:external_url;size:512"`
	// SheetName addresses the tab inside the spreadsheet for sheets connections.
	SheetName string `gorm:"column:sheet_name;size:190"`
	// HeaderLayoutJSON holds the ordered column labels of the spreadsheet
	// mirror. Order is stable once created: new fields append new columns,
	// existing columns are never reordered or removed.
	HeaderLayoutJSON string    `gorm:"column:header_layout_json;type:text"`
	CreatedAt        time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Connection) TableName() string {
	return "form_connections"
}

// HeaderLayout decodes the ordered column labels. An empty column yields an
// empty layout, not an error.
func (c Connection) HeaderLayout() ([]string, error) {
	if c.HeaderLayoutJSON == "" {
		return nil, nil
	}
	var layout []string
	if err := json.Unmarshal([]byte(c.HeaderLayoutJSON), &layout); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHeaderLayout, err)
	}
	return layout, nil
}

// SetHeaderLayout encodes and stores the ordered column labels.
func (c *Connection) SetHeaderLayout(layout []string) error {
	encoded, err := json.Marshal(layout)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHeaderLayout, err)
	}
	c.HeaderLayoutJSON = string(encoded)
	return nil
}

// AppendMissingColumns extends the layout with any labels not yet present,
// preserving existing order so historical rows stay aligned. It returns true
// when the layout changed.
func AppendMissingColumns(layout []string, labels []string) ([]string, bool) {
	existing := make(map[string]struct{}, len(layout))
	for _, label := range layout {
		existing[label] = struct{}{}
	}
	changed := false
	for _, label := range labels {
		if _, ok := existing[label]; ok {
			continue
		}
		layout = append(layout, label)
		existing[label] = struct{}{}
		changed = true
	}
	return layout, changed
}
