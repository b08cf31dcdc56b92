package sqlstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"chat-gateway/internal/domain"
)

type userRecord struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Phone     string    `gorm:"size:10;uniqueIndex;not null"`
	Verified  bool      `gorm:"not null;default:false"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (userRecord) TableName() string { return "users" }

// BeforeCreate ensures UUIDs are generated for new records.
func (u *userRecord) BeforeCreate(*gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}

func (u userRecord) toDomain() domain.User {
	return domain.User{Phone: u.Phone, Verified: u.Verified, CreatedAt: u.CreatedAt}
}

// otpRecord keeps the bcrypt hash only. The auto-increment ID breaks ties
// between codes created at the same instant.
type otpRecord struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	Phone     string    `gorm:"size:10;index:idx_otp_phone_created,priority:1;not null"`
	CodeHash  string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"index:idx_otp_phone_created,priority:2"`
}

func (otpRecord) TableName() string { return "one_time_codes" }

func (o otpRecord) toDomain() domain.OneTimeCode {
	return domain.OneTimeCode{Phone: o.Phone, CodeHash: o.CodeHash, CreatedAt: o.CreatedAt}
}

type messageRecord struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	Phone     string    `gorm:"size:10;index:idx_msg_phone_created,priority:1;not null"`
	Sender    string    `gorm:"size:8;not null"`
	Text      string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"index:idx_msg_phone_created,priority:2"`
}

func (messageRecord) TableName() string { return "chat_messages" }

func (m messageRecord) toDomain() domain.ChatMessage {
	return domain.ChatMessage{
		Phone:     m.Phone,
		Sender:    domain.Sender(m.Sender),
		Text:      m.Text,
		CreatedAt: m.CreatedAt,
	}
}

type summaryRecord struct {
	Phone     string `gorm:"size:10;primaryKey"`
	Text      string `gorm:"type:text;not null"`
	UpdatedAt time.Time
}

func (summaryRecord) TableName() string { return "conversation_summaries" }

func (s summaryRecord) toDomain() domain.ConversationSummary {
	return domain.ConversationSummary{Phone: s.Phone, Text: s.Text, UpdatedAt: s.UpdatedAt}
}
