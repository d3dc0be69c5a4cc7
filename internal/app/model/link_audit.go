package model

import "time"

const (
	AuditStatusActive   = "active"
	AuditStatusConsumed = "consumed"
	AuditStatusRevoked  = "revoked"
	AuditStatusExpired  = "expired"
)

// LinkAudit is the durable trail of an issued link, kept in Postgres.
type LinkAudit struct {
	TokenFingerprint string     `db:"token_fp" gorm:"column:token_fp;primaryKey;size:64"`
	ResourceRef      string     `db:"resource_ref" gorm:"size:64;not null;index"`
	Mode             string     `db:"mode" gorm:"size:16;not null"`
	Status           string     `db:"status" gorm:"size:16;not null;default:active;index"`
	Redemptions      int        `db:"redemptions" gorm:"not null;default:0"`
	Reclaims         int        `db:"reclaims" gorm:"not null;default:0"`
	LastClientID     string     `db:"last_client_id" gorm:"size:64"`
	LastEventAt      *time.Time `db:"last_event_at"`
	ExpiresAt        *time.Time `db:"expires_at" gorm:"index"`
	CreatedAt        time.Time  `db:"created_at" gorm:"autoCreateTime"`
	UpdatedAt        time.Time  `db:"updated_at" gorm:"autoUpdateTime"`
}
