package credentials

import (
	"time"
)

// Provider identifies the external service family a credential grants access to.
// Sheets and Drive share one Google consent (same scope bundle), Calendar is
// granted separately.
type Provider string

const (
	// ProviderGoogleDrive covers the Sheets and Drive APIs.
	ProviderGoogleDrive Provider = "google_drive"
	// ProviderGoogleCalendar covers the Calendar API.
	ProviderGoogleCalendar Provider = "google_calendar"
)

// Valid reports whether the provider is one of the supported values.
func (p Provider) Valid() bool {
	switch p {
	case ProviderGoogleDrive, ProviderGoogleCalendar:
		return true
	}
	return false
}

// Credential stores one user's OAuth token pair for one provider.
// At most one row exists per (user_id, provider).
type Credential struct {
	UserID            string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Provider          Provider  `gorm:"column:provider;primaryKey;size:32;not null"`
	AccessToken       string    `gorm:"column:access_token;type:text;not null"`
	RefreshToken      string    `gorm:"column:refresh_token;type:text;not null"`
	ExpiresAt         time.Time `gorm:"column:expires_at;not null"`
	RequiresReconsent bool      `gorm:"column:requires_reconsent;not null;default:false"`
	CreatedAt         time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Credential) TableName() string {
	return "provider_credentials"
}

// FreshFor reports whether the access token is still usable at the given
// instant plus the supplied skew.
func (c Credential) FreshFor(now time.Time, skew time.Duration) bool {
	return now.Add(skew).Before(c.ExpiresAt)
}
