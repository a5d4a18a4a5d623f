package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type UserModel struct {
	Email     string `gorm:"primaryKey"`
	Name      string
	AvatarURL string
	Provider  string    `gorm:"not null"`
	IsAdmin   bool      `gorm:"not null;default:false"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime:false"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime:false"`
}

func (UserModel) TableName() string { return "users" }

type DocumentModel struct {
	ID             string    `gorm:"primaryKey"`
	OwnerID        string    `gorm:"not null;uniqueIndex:idx_owner_fingerprint"`
	Fingerprint    string    `gorm:"not null;uniqueIndex:idx_owner_fingerprint"`
	FileName       string    `gorm:"not null"`
	SizeBytes      int64     `gorm:"not null"`
	Content        string    `gorm:"type:text;not null"`
	UploadedAt     time.Time `gorm:"not null;index"`
	LastAccessedAt time.Time `gorm:"not null"`
}

func (DocumentModel) TableName() string { return "documents" }

type ChatHistoryModel struct {
	ID                  string         `gorm:"primaryKey"`
	OwnerID             string         `gorm:"not null;index"`
	Messages            datatypes.JSON `gorm:"not null"`
	DocumentID          string
	DocumentName        string
	DocumentFingerprint string    `gorm:"index"`
	CreatedAt           time.Time `gorm:"not null;autoCreateTime:false"`
	UpdatedAt           time.Time `gorm:"not null;index;autoUpdateTime:false"`
}

func (ChatHistoryModel) TableName() string { return "chat_histories" }
