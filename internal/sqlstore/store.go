// Package sqlstore is the relational credential store, backed by gorm.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"chat-gateway/internal/domain"
)

// Open connects to Postgres.
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}
	return db, nil
}

// Store implements the credential store on any gorm dialect.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("sqlstore: db must not be nil")
	}
	return &Store{db: db, now: time.Now}, nil
}

// Migrate creates or updates the tables.
func (s *Store) Migrate(ctx context.Context) error {
	migrations := []any{
		&userRecord{},
		&otpRecord{},
		&messageRecord{},
		&summaryRecord{},
	}
	for _, m := range migrations {
		if err := s.db.WithContext(ctx).AutoMigrate(m); err != nil {
			return fmt.Errorf("sqlstore: migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, phone string) (domain.User, error) {
	var rec userRecord
	err := s.db.WithContext(ctx).Where("phone = ?", phone).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.User{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("sqlstore: get user: %w", err)
	}
	return rec.toDomain(), nil
}

// CreateUser inserts an unverified user unless one exists, then returns the
// stored row.
func (s *Store) CreateUser(ctx context.Context, phone string) (domain.User, error) {
	rec := userRecord{Phone: phone, CreatedAt: s.now().UTC()}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "phone"}}, DoNothing: true}).
		Create(&rec).Error
	if err != nil {
		return domain.User{}, fmt.Errorf("sqlstore: create user: %w", err)
	}
	return s.GetUser(ctx, phone)
}

func (s *Store) SetVerified(ctx context.Context, phone string, verified bool) error {
	res := s.db.WithContext(ctx).Model(&userRecord{}).
		Where("phone = ?", phone).
		Update("verified", verified)
	if res.Error != nil {
		return fmt.Errorf("sqlstore: set verified: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) CreateOTP(ctx context.Context, code domain.OneTimeCode) (domain.OneTimeCode, error) {
	if code.CreatedAt.IsZero() {
		code.CreatedAt = s.now().UTC()
	}
	rec := otpRecord{Phone: code.Phone, CodeHash: code.CodeHash, CreatedAt: code.CreatedAt}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return domain.OneTimeCode{}, fmt.Errorf("sqlstore: create otp: %w", err)
	}
	return rec.toDomain(), nil
}

// LatestOTP returns the newest code for phone or domain.ErrNotFound.
func (s *Store) LatestOTP(ctx context.Context, phone string) (domain.OneTimeCode, error) {
	var rec otpRecord
	err := s.db.WithContext(ctx).
		Where("phone = ?", phone).
		Order("created_at desc").Order("id desc").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.OneTimeCode{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.OneTimeCode{}, fmt.Errorf("sqlstore: latest otp: %w", err)
	}
	return rec.toDomain(), nil
}

func (s *Store) AppendMessage(ctx context.Context, phone string, sender domain.Sender, text string) (domain.ChatMessage, error) {
	rec := messageRecord{Phone: phone, Sender: string(sender), Text: text, CreatedAt: s.now().UTC()}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return domain.ChatMessage{}, fmt.Errorf("sqlstore: append message: %w", err)
	}
	return rec.toDomain(), nil
}

// RecentMessages returns up to limit of the newest messages, oldest first.
func (s *Store) RecentMessages(ctx context.Context, phone string, limit int) ([]domain.ChatMessage, error) {
	if limit <= 0 {
		return nil, nil
	}
	var recs []messageRecord
	err := s.db.WithContext(ctx).
		Where("phone = ?", phone).
		Order("created_at desc").Order("id desc").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("sqlstore: recent messages: %w", err)
	}
	msgs := make([]domain.ChatMessage, len(recs))
	for i, r := range recs {
		msgs[len(recs)-1-i] = r.toDomain()
	}
	return msgs, nil
}

// ListMessages returns the full history for phone, oldest first.
func (s *Store) ListMessages(ctx context.Context, phone string) ([]domain.ChatMessage, error) {
	var recs []messageRecord
	err := s.db.WithContext(ctx).
		Where("phone = ?", phone).
		Order("created_at asc").Order("id asc").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list messages: %w", err)
	}
	msgs := make([]domain.ChatMessage, 0, len(recs))
	for _, r := range recs {
		msgs = append(msgs, r.toDomain())
	}
	return msgs, nil
}

// GetSummary returns "" when no summary was written yet.
func (s *Store) GetSummary(ctx context.Context, phone string) (string, error) {
	var rec summaryRecord
	err := s.db.WithContext(ctx).Where("phone = ?", phone).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("sqlstore: get summary: %w", err)
	}
	return rec.toDomain().Text, nil
}

// SetSummary replaces the summary wholesale.
func (s *Store) SetSummary(ctx context.Context, phone, text string) error {
	rec := summaryRecord{Phone: phone, Text: text, UpdatedAt: s.now().UTC()}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "phone"}},
			DoUpdates: clause.AssignmentColumns([]string{"text", "updated_at"}),
		}).
		Create(&rec).Error
	if err != nil {
		return fmt.Errorf("sqlstore: set summary: %w", err)
	}
	return nil
}
