// Package providerrepo persists provider configurations: the connection
// details, templates, and health/availability state the proxy and engine
// consult on every invocation. It is the only package in the gateway that
// talks to gorm directly.
package providerrepo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// ProviderType groups providers by the capability they serve.
type ProviderType string

const (
	ProviderTypeLLM   ProviderType = "llm"
	ProviderTypeImage ProviderType = "image"
	ProviderTypeMusic ProviderType = "music"
	ProviderTypeAudio ProviderType = "audio"
	ProviderTypeVideo ProviderType = "video"
	ProviderTypeText  ProviderType = "text"
)

// HealthStatus is the last-observed health of a provider.
type HealthStatus string

const (
	HealthHealthy     HealthStatus = "healthy"
	HealthUnhealthy   HealthStatus = "unhealthy"
	HealthUnavailable HealthStatus = "unavailable"
)

// Provider is the persisted configuration for one upstream AI provider.
type Provider struct {
	ID               uint         `gorm:"primaryKey" json:"id"`
	ProviderID       string       `gorm:"size:100;not null;uniqueIndex:idx_provider_type" json:"provider_id"`
	Type             ProviderType `gorm:"size:30;not null;uniqueIndex:idx_provider_type" json:"type"`
	Name             string       `gorm:"size:200;not null" json:"name"`
	Endpoint         string       `gorm:"size:500;not null" json:"endpoint"`
	Method           string       `gorm:"size:10;default:POST" json:"method"`
	RequestTemplate  string       `gorm:"type:text" json:"request_template"`
	ResponseMapping  string       `gorm:"type:text" json:"response_mapping"`
	AuthConfig       string       `gorm:"type:text" json:"auth_config"`
	HealthEndpoint   string       `gorm:"size:500" json:"health_endpoint"`
	IsFree           bool         `gorm:"default:false" json:"is_free"`
	RequiresAuth     bool         `gorm:"default:true" json:"requires_auth"`
	Priority         int          `gorm:"default:100" json:"priority"`
	IsActive         bool         `gorm:"default:true" json:"is_active"`
	IsPrimary        bool         `gorm:"default:false" json:"is_primary"`
	HealthStatus     HealthStatus `gorm:"size:20;default:healthy" json:"health_status"`
	TimeoutMs        int          `gorm:"default:0" json:"timeout_ms"`
	Cost             float64      `gorm:"type:decimal(10,6);default:0" json:"cost"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

func (Provider) TableName() string {
	return "proxy_providers"
}

// Filter narrows FindAll results.
type Filter struct {
	Type     *ProviderType
	IsActive *bool
}

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("provider not found")

// Repository is the provider configuration repository's full contract.
type Repository struct {
	db *gorm.DB
}

// New wraps an already-connected *gorm.DB. Migrate must be called once at
// startup before the repository is used against a fresh database.
func New(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Migrate creates/updates the provider table. It is the gateway's
// replacement for a standalone migration tool: the repository owns its own
// schema, the same way the rest of the corpus's bootstrap code calls
// AutoMigrate against the models it owns.
func (r *Repository) Migrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&Provider{})
}

func (r *Repository) Create(ctx context.Context, p *Provider) error {
	return r.db.WithContext(ctx).Create(p).Error
}

func (r *Repository) FindByID(ctx context.Context, id uint) (*Provider, error) {
	var p Provider
	if err := r.db.WithContext(ctx).First(&p, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// FindAll returns providers ordered ascending priority then descending
// createdAt, matching the configured filter.
func (r *Repository) FindAll(ctx context.Context, filter Filter) ([]Provider, error) {
	q := r.db.WithContext(ctx).Model(&Provider{})
	if filter.Type != nil {
		q = q.Where("type = ?", *filter.Type)
	}
	if filter.IsActive != nil {
		q = q.Where("is_active = ?", *filter.IsActive)
	}

	var providers []Provider
	if err := q.Order("priority ASC").Order("created_at DESC").Find(&providers).Error; err != nil {
		return nil, err
	}
	return providers, nil
}

func (r *Repository) Update(ctx context.Context, p *Provider) error {
	return r.db.WithContext(ctx).Save(p).Error
}

func (r *Repository) Delete(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Delete(&Provider{}, id).Error
}

func (r *Repository) FindByProviderAndType(ctx context.Context, providerID string, t ProviderType) (*Provider, error) {
	var p Provider
	err := r.db.WithContext(ctx).
		Where("provider_id = ? AND type = ?", providerID, t).
		First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// FindByProviderID looks a provider up by its caller-facing provider_id
// alone, regardless of type. Used by operations (testProvider) that accept
// only an id, not the full (providerID, type) key FindByProviderAndType
// needs.
func (r *Repository) FindByProviderID(ctx context.Context, providerID string) (*Provider, error) {
	var p Provider
	err := r.db.WithContext(ctx).
		Where("provider_id = ?", providerID).
		First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *Repository) FindPrimaryProvider(ctx context.Context, t ProviderType) (*Provider, error) {
	var p Provider
	err := r.db.WithContext(ctx).
		Where("type = ? AND is_primary = ? AND is_active = ?", t, true, true).
		First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// FindActiveProviders returns active providers for t, or for every type
// when t is nil, ordered ascending priority.
func (r *Repository) FindActiveProviders(ctx context.Context, t *ProviderType) ([]Provider, error) {
	q := r.db.WithContext(ctx).Where("is_active = ?", true)
	if t != nil {
		q = q.Where("type = ?", *t)
	}
	var providers []Provider
	if err := q.Order("priority ASC").Find(&providers).Error; err != nil {
		return nil, err
	}
	return providers, nil
}

func (r *Repository) SetProviderActive(ctx context.Context, id uint, active bool) error {
	return r.db.WithContext(ctx).
		Model(&Provider{}).
		Where("id = ?", id).
		Update("is_active", active).Error
}

func (r *Repository) UnsetPrimaryProvider(ctx context.Context, t ProviderType) error {
	return r.db.WithContext(ctx).
		Model(&Provider{}).
		Where("type = ? AND is_primary = ?", t, true).
		Update("is_primary", false).Error
}

// SetPrimaryProvider makes id the sole primary provider for its type: it
// first clears any existing primary for that type, then sets id, as two
// statements inside one transaction.
func (r *Repository) SetPrimaryProvider(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p Provider
		if err := tx.First(&p, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		if err := tx.Model(&Provider{}).
			Where("type = ? AND is_primary = ?", p.Type, true).
			Update("is_primary", false).Error; err != nil {
			return err
		}

		return tx.Model(&Provider{}).
			Where("id = ?", id).
			Update("is_primary", true).Error
	})
}

func (r *Repository) UpdateHealthStatus(ctx context.Context, id uint, status HealthStatus) error {
	return r.db.WithContext(ctx).
		Model(&Provider{}).
		Where("id = ?", id).
		Update("health_status", status).Error
}

func (r *Repository) GetProvidersWithHealthStatus(ctx context.Context, status HealthStatus) ([]Provider, error) {
	var providers []Provider
	if err := r.db.WithContext(ctx).
		Where("health_status = ?", status).
		Order("priority ASC").
		Find(&providers).Error; err != nil {
		return nil, err
	}
	return providers, nil
}

// BulkUpdateProviders saves every provider in providers inside one
// transaction, stopping at the first failure.
func (r *Repository) BulkUpdateProviders(ctx context.Context, providers []Provider) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range providers {
			if err := tx.Save(&providers[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// BulkSetActive flips is_active for every id in ids inside one transaction.
func (r *Repository) BulkSetActive(ctx context.Context, ids []uint, active bool) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Model(&Provider{}).
			Where("id IN ?", ids).
			Update("is_active", active).Error
	})
}
