// Package store persists users, chats, group rosters, and message history
// with gorm over SQLite.
package store

import "time"

// User is an identity known to the relay.
type User struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	Username  string    `gorm:"size:64;not null;uniqueIndex" json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the table name for User model.
func (User) TableName() string {
	return "users"
}

// PrivateChat is a one-to-one chat. UserA < UserB always holds; the unique
// index over the pair keeps concurrent first resolutions from creating two rows.
type PrivateChat struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	UserA     string    `gorm:"size:64;not null;uniqueIndex:idx_private_pair,priority:1" json:"user_a"`
	UserB     string    `gorm:"size:64;not null;uniqueIndex:idx_private_pair,priority:2" json:"user_b"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the table name for PrivateChat model.
func (PrivateChat) TableName() string {
	return "private_chats"
}

// Group is a named group chat owned by its admin.
type Group struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	Name      string    `gorm:"size:100;not null;uniqueIndex" json:"name"`
	Admin     string    `gorm:"size:64;not null" json:"admin"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the table name for Group model.
func (Group) TableName() string {
	return "chat_groups"
}

// GroupMember enrolls a user in a group.
type GroupMember struct {
	GroupID   uint      `gorm:"primaryKey;autoIncrement:false" json:"group_id"`
	Username  string    `gorm:"primaryKey;size:64" json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the table name for GroupMember model.
func (GroupMember) TableName() string {
	return "group_members"
}

// Message is one persisted chat message. ChatKind is "private" or "group".
type Message struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	ChatKind  string    `gorm:"size:16;not null;index:idx_message_chat,priority:1" json:"chat_kind"`
	ChatID    uint      `gorm:"not null;index:idx_message_chat,priority:2" json:"chat_id"`
	Sender    string    `gorm:"size:64;not null" json:"sender"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// TableName returns the table name for Message model.
func (Message) TableName() string {
	return "messages"
}

// Models lists every model for migrations.
func Models() []any {
	return []any{&User{}, &PrivateChat{}, &Group{}, &GroupMember{}, &Message{}}
}
