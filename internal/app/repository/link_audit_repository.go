package repository

import (
	"context"
	"errors"
	"time"

	"github.com/sifan077/RoomGate/internal/app/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrAuditNotFound signals that no audit row exists for the fingerprint.
	ErrAuditNotFound = errors.New("link audit not found")
	// ErrAuditExists signals that Seed found a row already in place.
	ErrAuditExists = errors.New("link audit already exists")
)

// AuditUpdate describes a change applied to an audit row by a lifecycle event.
type AuditUpdate struct {
	Status         string
	AddRedemptions int
	AddReclaims    int
	LastClientID   string
	ExpiresAt      *time.Time
	EventAt        time.Time
}

// LinkAuditRepository defines the data access contract for the audit trail.
type LinkAuditRepository interface {
	Create(ctx context.Context, audit *model.LinkAudit) error
	Seed(ctx context.Context, audit *model.LinkAudit) error
	GetByFingerprint(ctx context.Context, fingerprint string) (*model.LinkAudit, error)
	Apply(ctx context.Context, fingerprint string, update AuditUpdate) error
	MarkExpired(ctx context.Context, expiredBefore time.Time) (int64, error)
}

type linkAuditRepository struct {
	db *gorm.DB
}

// NewLinkAuditRepository returns a GORM-backed LinkAuditRepository.
func NewLinkAuditRepository(db *gorm.DB) LinkAuditRepository {
	return &linkAuditRepository{db: db}
}

// Create inserts the row for an issued link. A row seeded by a later event
// keeps its status and counters; only the issue-time columns are filled in.
func (r *linkAuditRepository) Create(ctx context.Context, audit *model.LinkAudit) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "token_fp"}},
			DoUpdates: clause.AssignmentColumns([]string{"resource_ref", "mode"}),
		}).
		Create(audit).Error
}

// Seed inserts a row for an event that arrived before its issue event.
// It returns ErrAuditExists when the row is already there.
func (r *linkAuditRepository) Seed(ctx context.Context, audit *model.LinkAudit) error {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(audit)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAuditExists
	}
	return nil
}

func (r *linkAuditRepository) GetByFingerprint(ctx context.Context, fingerprint string) (*model.LinkAudit, error) {
	var audit model.LinkAudit
	if err := r.db.WithContext(ctx).Where("token_fp = ?", fingerprint).First(&audit).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAuditNotFound
		}
		return nil, err
	}
	return &audit, nil
}

func (r *linkAuditRepository) Apply(ctx context.Context, fingerprint string, update AuditUpdate) error {
	eventAt := update.EventAt
	changes := map[string]interface{}{
		"last_event_at": &eventAt,
	}
	if update.Status != "" {
		changes["status"] = update.Status
	}
	if update.AddRedemptions != 0 {
		changes["redemptions"] = gorm.Expr("redemptions + ?", update.AddRedemptions)
	}
	if update.AddReclaims != 0 {
		changes["reclaims"] = gorm.Expr("reclaims + ?", update.AddReclaims)
	}
	if update.LastClientID != "" {
		changes["last_client_id"] = update.LastClientID
	}
	if update.ExpiresAt != nil {
		changes["expires_at"] = update.ExpiresAt
	}

	result := r.db.WithContext(ctx).
		Model(&model.LinkAudit{}).
		Where("token_fp = ?", fingerprint).
		Updates(changes)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAuditNotFound
	}
	return nil
}

func (r *linkAuditRepository) MarkExpired(ctx context.Context, expiredBefore time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&model.LinkAudit{}).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at < ?", model.AuditStatusActive, expiredBefore).
		Update("status", model.AuditStatusExpired)
	return result.RowsAffected, result.Error
}
