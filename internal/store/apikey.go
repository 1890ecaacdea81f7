package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/orchestratord/core/internal/db"
)

// APIKeyRepository persists hashed API keys used to authenticate robots and
// admin-surface service accounts (§6). Only the bcrypt hash is ever stored;
// the plaintext key is handed back to the caller exactly once, at creation,
// by internal/auth.
type APIKeyRepository interface {
	Create(ctx context.Context, k *db.APIKey) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.APIKey, error)
	GetByPrefix(ctx context.Context, prefix string) (*db.APIKey, error)
	Revoke(ctx context.Context, id uuid.UUID) error
	Touch(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.APIKey, int64, error)
}

type gormAPIKeyRepository struct {
	db *gorm.DB
}

// NewAPIKeyRepository returns an APIKeyRepository backed by the given *gorm.DB.
func NewAPIKeyRepository(d *gorm.DB) APIKeyRepository {
	return &gormAPIKeyRepository{db: d}
}

func (r *gormAPIKeyRepository) Create(ctx context.Context, k *db.APIKey) error {
	if err := r.db.WithContext(ctx).Create(k).Error; err != nil {
		return fmt.Errorf("apikeys: create: %w", err)
	}
	return nil
}

func (r *gormAPIKeyRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.APIKey, error) {
	var k db.APIKey
	if err := r.db.WithContext(ctx).First(&k, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("apikeys: get by id: %w", err)
	}
	return &k, nil
}

func (r *gormAPIKeyRepository) GetByPrefix(ctx context.Context, prefix string) (*db.APIKey, error) {
	var k db.APIKey
	if err := r.db.WithContext(ctx).First(&k, "prefix = ?", prefix).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("apikeys: get by prefix: %w", err)
	}
	return &k, nil
}

func (r *gormAPIKeyRepository) Revoke(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Model(&db.APIKey{}).Where("id = ?", id).Update("revoked", true)
	if result.Error != nil {
		return fmt.Errorf("apikeys: revoke: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormAPIKeyRepository) Touch(ctx context.Context, id uuid.UUID) error {
	if err := r.db.WithContext(ctx).Model(&db.APIKey{}).Where("id = ?", id).Update("last_used_at", nowFunc()).Error; err != nil {
		return fmt.Errorf("apikeys: touch: %w", err)
	}
	return nil
}

func (r *gormAPIKeyRepository) List(ctx context.Context, opts ListOptions) ([]db.APIKey, int64, error) {
	opts = opts.normalize()
	var keys []db.APIKey
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.APIKey{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("apikeys: list count: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(opts.Limit).Offset(opts.Offset).
		Find(&keys).Error; err != nil {
		return nil, 0, fmt.Errorf("apikeys: list: %w", err)
	}
	return keys, total, nil
}
