package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/Tyrowin/gochat-relay/internal/chat"
)

// Open connects to the SQLite database at dsn and migrates the schema.
// SQLite serializes writers, so the pool is limited to one connection; this
// also keeps ":memory:" databases shared across goroutines.
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

// Repository provides access to chat storage.
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new chat repository.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Close releases the underlying database handle.
func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// translate maps gorm errors onto the chat error classes.
func translate(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%s: %w", op, chat.ErrNotFound)
	case isDuplicate(err):
		return fmt.Errorf("%s: %w", op, chat.ErrAlreadyExists)
	default:
		return fmt.Errorf("%s: %w: %w", op, chat.ErrStore, err)
	}
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// FindUser retrieves a user by username.
func (r *Repository) FindUser(ctx context.Context, username string) (*User, error) {
	var user User
	if err := r.db.WithContext(ctx).First(&user, "username = ?", username).Error; err != nil {
		return nil, translate("find user "+username, err)
	}
	return &user, nil
}

// CreateUser saves a new user.
func (r *Repository) CreateUser(ctx context.Context, username string) (*User, error) {
	user := &User{Username: username}
	if err := r.db.WithContext(ctx).Create(user).Error; err != nil {
		return nil, translate("create user "+username, err)
	}
	return user, nil
}

// FindPrivateChat retrieves the chat between a canonical pair (a < b).
func (r *Repository) FindPrivateChat(ctx context.Context, a, b string) (*PrivateChat, error) {
	var pc PrivateChat
	err := r.db.WithContext(ctx).First(&pc, "user_a = ? AND user_b = ?", a, b).Error
	if err != nil {
		return nil, translate("find private chat", err)
	}
	return &pc, nil
}

// CreatePrivateChat inserts the chat for a canonical pair (a < b). A second
// insert for the same pair fails with chat.ErrAlreadyExists.
func (r *Repository) CreatePrivateChat(ctx context.Context, a, b string) (*PrivateChat, error) {
	pc := &PrivateChat{UserA: a, UserB: b}
	if err := r.db.WithContext(ctx).Create(pc).Error; err != nil {
		return nil, translate("create private chat", err)
	}
	return pc, nil
}

// GetPrivateChat retrieves a private chat by ID.
func (r *Repository) GetPrivateChat(ctx context.Context, id uint) (*PrivateChat, error) {
	var pc PrivateChat
	if err := r.db.WithContext(ctx).First(&pc, id).Error; err != nil {
		return nil, translate(fmt.Sprintf("get private chat %d", id), err)
	}
	return &pc, nil
}

// GetGroup retrieves a group by name.
func (r *Repository) GetGroup(ctx context.Context, name string) (*Group, error) {
	var group Group
	if err := r.db.WithContext(ctx).First(&group, "name = ?", name).Error; err != nil {
		return nil, translate("get group "+name, err)
	}
	return &group, nil
}

// GetGroupByID retrieves a group by ID.
func (r *Repository) GetGroupByID(ctx context.Context, id uint) (*Group, error) {
	var group Group
	if err := r.db.WithContext(ctx).First(&group, id).Error; err != nil {
		return nil, translate(fmt.Sprintf("get group %d", id), err)
	}
	return &group, nil
}

// CreateGroup saves a new group administered by admin.
func (r *Repository) CreateGroup(ctx context.Context, admin, name string) (*Group, error) {
	group := &Group{Name: name, Admin: admin}
	if err := r.db.WithContext(ctx).Create(group).Error; err != nil {
		return nil, translate("create group "+name, err)
	}
	return group, nil
}

// AddMember enrolls username in the group. It reports false when the user
// was already enrolled.
func (r *Repository) AddMember(ctx context.Context, groupID uint, username string) (bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&GroupMember{GroupID: groupID, Username: username})
	if err := result.Error; err != nil {
		return false, translate("add member "+username, err)
	}
	return result.RowsAffected > 0, nil
}

// IsMember reports whether username administers or is enrolled in the group.
func (r *Repository) IsMember(ctx context.Context, groupID uint, username string) (bool, error) {
	group, err := r.GetGroupByID(ctx, groupID)
	if err != nil {
		return false, err
	}
	if group.Admin == username {
		return true, nil
	}

	var count int64
	err = r.db.WithContext(ctx).Model(&GroupMember{}).
		Where("group_id = ? AND username = ?", groupID, username).
		Count(&count).Error
	if err != nil {
		return false, translate("is member "+username, err)
	}
	return count > 0, nil
}

// ListMembers returns the enrolled usernames of a group in enrollment order.
// The admin is only included if explicitly enrolled.
func (r *Repository) ListMembers(ctx context.Context, groupID uint) ([]string, error) {
	var members []string
	err := r.db.WithContext(ctx).Model(&GroupMember{}).
		Where("group_id = ?", groupID).
		Order("created_at, username").
		Pluck("username", &members).Error
	if err != nil {
		return nil, translate(fmt.Sprintf("list members %d", groupID), err)
	}
	return members, nil
}

// AppendMessage persists msg and fills in its ID and CreatedAt.
func (r *Repository) AppendMessage(ctx context.Context, msg *Message) error {
	if err := r.db.WithContext(ctx).Create(msg).Error; err != nil {
		return translate("append message", err)
	}
	return nil
}

// History returns up to limit of the most recent messages of a chat, oldest
// first. A non-positive limit returns the whole history.
func (r *Repository) History(ctx context.Context, kind string, chatID uint, limit int) ([]Message, error) {
	query := r.db.WithContext(ctx).
		Where("chat_kind = ? AND chat_id = ?", kind, chatID).
		Order("id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var messages []Message
	if err := query.Find(&messages).Error; err != nil {
		return nil, translate("history", err)
	}
	slices.Reverse(messages)
	return messages, nil
}
