// Package chat defines the identities, chat identifiers, and message records
// shared by the directory, the router, and the transport layer.
package chat

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Identity is the authenticated principal name bound to a connection.
type Identity string

// Kind distinguishes private chats from group chats.
type Kind string

const (
	// KindPrivate identifies a one-to-one chat between two identities.
	KindPrivate Kind = "private"
	// KindGroup identifies a named many-to-many chat.
	KindGroup Kind = "group"
)

// ChatID identifies a private chat or a group. The numeric ID is assigned by
// the durable store and is only unique within its Kind.
type ChatID struct {
	Kind Kind
	ID   uint
}

// Private returns the ChatID of a private chat.
func Private(id uint) ChatID {
	return ChatID{Kind: KindPrivate, ID: id}
}

// Group returns the ChatID of a group chat.
func Group(id uint) ChatID {
	return ChatID{Kind: KindGroup, ID: id}
}

// IsZero reports whether the ChatID is unset.
func (c ChatID) IsZero() bool {
	return c.Kind == "" && c.ID == 0
}

// String returns the room key form, e.g. "private:3" or "group:7".
func (c ChatID) String() string {
	return string(c.Kind) + ":" + strconv.FormatUint(uint64(c.ID), 10)
}

// ParseChatID parses the room key form produced by String.
func ParseChatID(s string) (ChatID, error) {
	kind, raw, ok := strings.Cut(s, ":")
	if !ok {
		return ChatID{}, fmt.Errorf("chat id %q: %w", s, ErrValidation)
	}

	switch Kind(kind) {
	case KindPrivate, KindGroup:
	default:
		return ChatID{}, fmt.Errorf("chat id %q: unknown kind: %w", s, ErrValidation)
	}

	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return ChatID{}, fmt.Errorf("chat id %q: %w", s, ErrValidation)
	}
	return ChatID{Kind: Kind(kind), ID: uint(id)}, nil
}

// MarshalText implements encoding.TextMarshaler so ChatIDs travel as strings.
func (c ChatID) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *ChatID) UnmarshalText(text []byte) error {
	parsed, err := ParseChatID(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Pair returns the two identities in canonical (sorted) order.
func Pair(a, b Identity) (Identity, Identity) {
	if b < a {
		return b, a
	}
	return a, b
}

// GroupRoster lists who may act on a group. The admin counts as a member
// even when absent from Members.
type GroupRoster struct {
	ID      ChatID
	Name    string
	Admin   Identity
	Members map[Identity]struct{}
}

// Has reports whether identity is the admin or an enumerated member.
func (r GroupRoster) Has(identity Identity) bool {
	if identity == r.Admin {
		return true
	}
	_, ok := r.Members[identity]
	return ok
}

// MessageRecord is one persisted chat message.
type MessageRecord struct {
	ID        uint      `json:"id"`
	ChatID    ChatID    `json:"chat_id"`
	Sender    Identity  `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}
