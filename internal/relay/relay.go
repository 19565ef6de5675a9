package relay

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/imrishuroy/screening-gateway/internal/errs"
)

var (
	// ErrNoRelay means the provider has no active relay.
	ErrNoRelay = errors.New("no relay")
	// ErrMissingSecret means the environment variable named by the relay is unset or empty.
	ErrMissingSecret = errors.New("shared access key not configured")
)

// Relay is a provider's hybrid connection endpoint. The shared access key is
// never stored; SharedAccessKeyVariableName names the environment variable
// that holds it.
type Relay struct {
	ID                          uint   `gorm:"primaryKey"`
	ProviderID                  string `gorm:"size:64;not null;index"`
	Namespace                   string `gorm:"size:255;not null"`
	HybridConnectionName        string `gorm:"size:255;not null"`
	KeyName                     string `gorm:"size:255;not null"`
	SharedAccessKeyVariableName string `gorm:"size:255;not null"`
	Active                      bool   `gorm:"not null;index"`
	CreatedAt                   time.Time
	UpdatedAt                   time.Time
}

func (Relay) TableName() string { return "gateway_relays" }

// Registry resolves providers to relays.
type Registry struct {
	db        *gorm.DB
	lookupEnv func(string) (string, bool)
}

// NewRegistry returns a Registry reading secrets from the process environment.
func NewRegistry(db *gorm.DB) *Registry {
	return &Registry{db: db, lookupEnv: os.LookupEnv}
}

// ForProvider returns the provider's active relay, or (nil, nil) if it has none.
func (r *Registry) ForProvider(ctx context.Context, providerID string) (*Relay, error) {
	var rel Relay
	err := r.db.WithContext(ctx).
		Where("provider_id = ? AND active = ?", providerID, true).
		Order("id DESC").
		Take(&rel).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrapf(err, "query relay for provider %s", providerID)
	}
	return &rel, nil
}

// Get loads a relay by id. Returns (nil, nil) if not found.
func (r *Registry) Get(ctx context.Context, id uint) (*Relay, error) {
	var rel Relay
	err := r.db.WithContext(ctx).Take(&rel, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrapf(err, "get relay %d", id)
	}
	return &rel, nil
}

// Register stores a relay. An active relay replaces the provider's previous
// active one in the same transaction.
func (r *Registry) Register(ctx context.Context, rel *Relay) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if rel.Active {
			if err := deactivateOthers(tx, rel.ProviderID, 0); err != nil {
				return err
			}
		}
		if err := tx.Create(rel).Error; err != nil {
			return errs.Wrap(err, "create relay")
		}
		return nil
	})
}

// Activate makes relay id the provider's only active relay.
func (r *Registry) Activate(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rel Relay
		if err := tx.Take(&rel, id).Error; err != nil {
			return errs.Wrapf(err, "load relay %d", id)
		}
		if err := deactivateOthers(tx, rel.ProviderID, rel.ID); err != nil {
			return err
		}
		if err := tx.Model(&rel).Update("active", true).Error; err != nil {
			return errs.Wrapf(err, "activate relay %d", id)
		}
		return nil
	})
}

func deactivateOthers(tx *gorm.DB, providerID string, keep uint) error {
	err := tx.Model(&Relay{}).
		Where("provider_id = ? AND active = ? AND id <> ?", providerID, true, keep).
		Update("active", false).Error
	return errs.Wrapf(err, "deactivate relays for provider %s", providerID)
}

// SharedAccessKey reads the relay's secret from the environment on every call.
// The value is never cached or logged.
func (r *Registry) SharedAccessKey(rel *Relay) (string, error) {
	name := strings.TrimSpace(rel.SharedAccessKeyVariableName)
	if name == "" {
		return "", errs.Wrapf(ErrMissingSecret, "relay %d has no key variable", rel.ID)
	}
	key, ok := r.lookupEnv(name)
	if !ok || key == "" {
		return "", errs.Wrapf(ErrMissingSecret, "variable %s", name)
	}
	return key, nil
}
