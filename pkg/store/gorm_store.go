package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"talqs/pkg/domain"
)

const migrateLockID int64 = 73217321

// Supported SQL drivers for the secondary store.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// GormStore implements Provider on a relational database through GORM.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(driver, dsn string) (*GormStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("%w: database dsn", ErrConfigurationMissing)
	}
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverPostgres:
		dialector = postgres.Open(dsn)
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &DocumentModel{}, &ChatHistoryModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// withMigrationLock serializes migrations across replicas on Postgres.
func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	if db.Dialector.Name() != DriverPostgres {
		return fn(db)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) Name() string { return NameSecondary }

func (s *GormStore) GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

func (s *GormStore) PutUser(ctx context.Context, u domain.User) error {
	model := userToModel(u)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "email"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "avatar_url", "provider", "is_admin", "updated_at"}),
	}).Create(&model).Error
}

func (s *GormStore) ListUsers(ctx context.Context) ([]domain.User, error) {
	var models []UserModel
	if err := s.db.WithContext(ctx).Order("created_at asc, email asc").Find(&models).Error; err != nil {
		return nil, err
	}
	users := make([]domain.User, 0, len(models))
	for _, m := range models {
		users = append(users, userFromModel(m))
	}
	return users, nil
}

func (s *GormStore) DeleteUser(ctx context.Context, email string) error {
	return s.db.WithContext(ctx).Where("email = ?", email).Delete(&UserModel{}).Error
}

// SaveDocument inserts the document unless (owner, fingerprint) already exists,
// in which case only last_accessed_at moves forward.
func (s *GormStore) SaveDocument(ctx context.Context, d domain.Document) (domain.Document, bool, error) {
	var stored DocumentModel
	existed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		model := documentToModel(d)
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "owner_id"}, {Name: "fingerprint"}},
			DoNothing: true,
		}).Create(&model)
		if res.Error != nil {
			return res.Error
		}
		// nothing inserted means the (owner, fingerprint) row was already there
		existed = res.RowsAffected == 0
		if err := tx.Model(&DocumentModel{}).
			Where("owner_id = ? AND fingerprint = ? AND last_accessed_at < ?", d.OwnerID, d.Fingerprint, d.LastAccessedAt.UTC()).
			Update("last_accessed_at", d.LastAccessedAt.UTC()).Error; err != nil {
			return err
		}
		if err := tx.Where("owner_id = ? AND fingerprint = ?", d.OwnerID, d.Fingerprint).First(&stored).Error; err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return domain.Document{}, false, err
	}
	return documentFromModel(stored), existed, nil
}

func (s *GormStore) ListDocumentsByOwner(ctx context.Context, ownerID string) ([]domain.Document, error) {
	var models []DocumentModel
	if err := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).Order("uploaded_at asc").Find(&models).Error; err != nil {
		return nil, err
	}
	docs := make([]domain.Document, 0, len(models))
	for _, m := range models {
		docs = append(docs, documentFromModel(m))
	}
	return docs, nil
}

func (s *GormStore) GetDocumentByFingerprint(ctx context.Context, ownerID, fingerprint string) (domain.Document, bool, error) {
	var model DocumentModel
	if err := s.db.WithContext(ctx).Where("owner_id = ? AND fingerprint = ?", ownerID, fingerprint).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Document{}, false, nil
		}
		return domain.Document{}, false, err
	}
	return documentFromModel(model), true, nil
}

func (s *GormStore) CreateChatHistory(ctx context.Context, h domain.ChatHistory) error {
	model, err := historyToModel(h)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(&model).Error
}

// AppendChatMessages reads, extends and writes the transcript in one transaction.
func (s *GormStore) AppendChatMessages(ctx context.Context, id string, msgs []domain.ChatMessage, updatedAt time.Time) (domain.ChatHistory, error) {
	var out domain.ChatHistory
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx
		if tx.Dialector.Name() == DriverPostgres {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var model ChatHistoryModel
		if err := q.Where("id = ?", id).First(&model).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrHistoryNotFound
			}
			return err
		}
		h, err := historyFromModel(model)
		if err != nil {
			return err
		}
		h.Messages = append(h.Messages, msgs...)
		h.UpdatedAt = updatedAt
		raw, err := json.Marshal(h.Messages)
		if err != nil {
			return fmt.Errorf("encode messages: %w", err)
		}
		if err := tx.Model(&ChatHistoryModel{}).Where("id = ?", id).Updates(map[string]any{
			"messages":   datatypes.JSON(raw),
			"updated_at": updatedAt.UTC(),
		}).Error; err != nil {
			return err
		}
		out = h
		return nil
	})
	if err != nil {
		return domain.ChatHistory{}, err
	}
	return out, nil
}

func (s *GormStore) GetChatHistory(ctx context.Context, id string) (domain.ChatHistory, bool, error) {
	var model ChatHistoryModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ChatHistory{}, false, nil
		}
		return domain.ChatHistory{}, false, err
	}
	h, err := historyFromModel(model)
	if err != nil {
		return domain.ChatHistory{}, false, err
	}
	return h, true, nil
}

func (s *GormStore) ListChatHistoriesByOwner(ctx context.Context, ownerID string) ([]domain.ChatHistory, error) {
	var models []ChatHistoryModel
	if err := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).Order("updated_at desc, id asc").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.ChatHistory, 0, len(models))
	for _, m := range models {
		h, err := historyFromModel(m)
		if err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, nil
}

func (s *GormStore) DeleteChatHistory(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Where("id = ?", id).Delete(&ChatHistoryModel{}).Error
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		Email:     u.Email,
		Name:      u.Name,
		AvatarURL: u.AvatarURL,
		Provider:  u.Provider,
		IsAdmin:   u.IsAdmin,
		CreatedAt: u.CreatedAt.UTC(),
		UpdatedAt: u.UpdatedAt.UTC(),
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		Email:     m.Email,
		Name:      m.Name,
		AvatarURL: m.AvatarURL,
		Provider:  m.Provider,
		IsAdmin:   m.IsAdmin,
		CreatedAt: m.CreatedAt.UTC(),
		UpdatedAt: m.UpdatedAt.UTC(),
	}
}

func documentToModel(d domain.Document) DocumentModel {
	return DocumentModel{
		ID:             d.ID,
		OwnerID:        d.OwnerID,
		Fingerprint:    d.Fingerprint,
		FileName:       d.FileName,
		SizeBytes:      d.SizeBytes,
		Content:        d.Content,
		UploadedAt:     d.UploadedAt.UTC(),
		LastAccessedAt: d.LastAccessedAt.UTC(),
	}
}

func documentFromModel(m DocumentModel) domain.Document {
	return domain.Document{
		ID:             m.ID,
		OwnerID:        m.OwnerID,
		Fingerprint:    m.Fingerprint,
		FileName:       m.FileName,
		SizeBytes:      m.SizeBytes,
		Content:        m.Content,
		UploadedAt:     m.UploadedAt.UTC(),
		LastAccessedAt: m.LastAccessedAt.UTC(),
	}
}

func historyToModel(h domain.ChatHistory) (ChatHistoryModel, error) {
	msgs := h.Messages
	if msgs == nil {
		msgs = []domain.ChatMessage{}
	}
	raw, err := json.Marshal(msgs)
	if err != nil {
		return ChatHistoryModel{}, fmt.Errorf("encode messages: %w", err)
	}
	m := ChatHistoryModel{
		ID:        h.ID,
		OwnerID:   h.OwnerID,
		Messages:  datatypes.JSON(raw),
		CreatedAt: h.CreatedAt.UTC(),
		UpdatedAt: h.UpdatedAt.UTC(),
	}
	if h.Document != nil {
		m.DocumentID = h.Document.ID
		m.DocumentName = h.Document.Name
		m.DocumentFingerprint = h.Document.Fingerprint
	}
	return m, nil
}

func historyFromModel(m ChatHistoryModel) (domain.ChatHistory, error) {
	h := domain.ChatHistory{
		ID:        m.ID,
		OwnerID:   m.OwnerID,
		Messages:  []domain.ChatMessage{},
		CreatedAt: m.CreatedAt.UTC(),
		UpdatedAt: m.UpdatedAt.UTC(),
	}
	if len(m.Messages) > 0 {
		if err := json.Unmarshal(m.Messages, &h.Messages); err != nil {
			return domain.ChatHistory{}, fmt.Errorf("decode messages for %s: %w", m.ID, err)
		}
	}
	if m.DocumentID != "" || m.DocumentFingerprint != "" {
		h.Document = &domain.DocumentRef{ID: m.DocumentID, Name: m.DocumentName, Fingerprint: m.DocumentFingerprint}
	}
	return h, nil
}
