// Package store keeps conversations and their turns in sqlite through gorm.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/hypernetix/fullmoon-go/pkg/dispatch"
	"github.com/hypernetix/fullmoon-go/pkg/prompt"
)

// ErrConversationNotFound is returned for unknown conversation ids.
var ErrConversationNotFound = errors.New("conversation not found")

const titleLength = 48

type Conversation struct {
	ID        string    `gorm:"type:varchar(26);primaryKey" json:"id"`
	Title     string    `gorm:"type:varchar(64);not null" json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Conversation) TableName() string { return "conversations" }

type turnRow struct {
	ID             string    `gorm:"type:varchar(26);primaryKey"`
	ConversationID string    `gorm:"type:varchar(26);not null;index:idx_turn_conv_created,priority:1"`
	Role           string    `gorm:"type:varchar(16);not null"`
	Text           string    `gorm:"type:text;not null"`
	CreatedAt      time.Time `gorm:"index:idx_turn_conv_created,priority:2"`
	DurationNanos  *int64
}

func (turnRow) TableName() string { return "turns" }

func (r turnRow) turn() prompt.Turn {
	t := prompt.Turn{ID: r.ID, Role: prompt.Role(r.Role), Text: r.Text, CreatedAt: r.CreatedAt}
	if r.DurationNanos != nil {
		d := time.Duration(*r.DurationNanos)
		t.GenerationDuration = &d
	}
	return t
}

// Store implements dispatch.Store.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

var _ dispatch.Store = (*Store)(nil)

// Open opens (and migrates) the sqlite database at path.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(gormsqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open chat database: %w", err)
	}
	if err := db.AutoMigrate(&Conversation{}, &turnRow{}); err != nil {
		return nil, fmt.Errorf("migrate chat database: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// OpenInMemory opens a private in-memory database.
func OpenInMemory() (*Store, error) {
	return Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", ulid.Make().String()))
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateConversation starts an empty conversation.
func (s *Store) CreateConversation(ctx context.Context, title string) (Conversation, error) {
	c := Conversation{ID: ulid.Make().String(), Title: title}
	if err := s.db.WithContext(ctx).Create(&c).Error; err != nil {
		return Conversation{}, err
	}
	return c, nil
}

// Conversations lists conversations, most recently updated first.
func (s *Store) Conversations(ctx context.Context) ([]Conversation, error) {
	var out []Conversation
	err := s.db.WithContext(ctx).Order("updated_at DESC").Find(&out).Error
	return out, err
}

func (s *Store) Conversation(ctx context.Context, id string) (Conversation, error) {
	var c Conversation
	err := s.db.WithContext(ctx).First(&c, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Conversation{}, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	return c, err
}

// Turns returns the conversation's turns ordered by creation time. An
// unknown conversation has no turns.
func (s *Store) Turns(ctx context.Context, conversationID string) ([]prompt.Turn, error) {
	var rows []turnRow
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC").Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	turns := make([]prompt.Turn, 0, len(rows))
	for _, r := range rows {
		turns = append(turns, r.turn())
	}
	return turns, nil
}

// AppendTurn stores turn, creating the conversation on first use. A
// missing id or timestamp is filled in.
func (s *Store) AppendTurn(ctx context.Context, conversationID string, turn prompt.Turn) (prompt.Turn, error) {
	if turn.ID == "" {
		turn.ID = ulid.Make().String()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = s.now()
	}
	row := turnRow{
		ID:             turn.ID,
		ConversationID: conversationID,
		Role:           string(turn.Role),
		Text:           turn.Text,
		CreatedAt:      turn.CreatedAt,
	}
	if turn.GenerationDuration != nil {
		n := int64(*turn.GenerationDuration)
		row.DurationNanos = &n
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conv Conversation
		err := tx.First(&conv, "id = ?", conversationID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			conv = Conversation{ID: conversationID, Title: titleFrom(turn)}
			if err := tx.Create(&conv).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			if err := tx.Model(&conv).Update("updated_at", s.now()).Error; err != nil {
				return err
			}
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		return prompt.Turn{}, fmt.Errorf("append turn to %s: %w", conversationID, err)
	}
	return turn, nil
}

// DeleteConversation removes a conversation and its turns.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("conversation_id = ?", id).Delete(&turnRow{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&Conversation{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", ErrConversationNotFound, id)
		}
		return nil
	})
}

func titleFrom(turn prompt.Turn) string {
	if turn.Role != prompt.RoleUser {
		return "New chat"
	}
	title := strings.Join(strings.Fields(turn.Text), " ")
	if r := []rune(title); len(r) > titleLength {
		title = string(r[:titleLength])
	}
	if title == "" {
		return "New chat"
	}
	return title
}
