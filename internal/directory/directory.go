// Package directory resolves chat identities against the durable store:
// canonical private pairs, named groups, membership, and history.
//
// Resolved private pairs and group names never change once created, so the
// directory caches those bindings in memory. Membership is never cached; it
// is always answered by the store so that authorization reflects the latest
// roster.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Tyrowin/gochat-relay/internal/chat"
	"github.com/Tyrowin/gochat-relay/internal/store"
)

// Store is the persistence surface the directory consumes.
type Store interface {
	FindUser(ctx context.Context, username string) (*store.User, error)
	CreateUser(ctx context.Context, username string) (*store.User, error)
	FindPrivateChat(ctx context.Context, a, b string) (*store.PrivateChat, error)
	CreatePrivateChat(ctx context.Context, a, b string) (*store.PrivateChat, error)
	GetPrivateChat(ctx context.Context, id uint) (*store.PrivateChat, error)
	GetGroup(ctx context.Context, name string) (*store.Group, error)
	GetGroupByID(ctx context.Context, id uint) (*store.Group, error)
	CreateGroup(ctx context.Context, admin, name string) (*store.Group, error)
	AddMember(ctx context.Context, groupID uint, username string) (bool, error)
	IsMember(ctx context.Context, groupID uint, username string) (bool, error)
	ListMembers(ctx context.Context, groupID uint) ([]string, error)
	AppendMessage(ctx context.Context, msg *store.Message) error
	History(ctx context.Context, kind string, chatID uint, limit int) ([]store.Message, error)
}

// maxNameLength bounds identities and group names to the store's column sizes.
const maxNameLength = 64

// Directory is the chat directory adapter. It is safe for concurrent use.
type Directory struct {
	store        Store
	logger       *zap.Logger
	historyLimit int
	now          func() time.Time

	sf singleflight.Group

	mu       sync.RWMutex
	pairs    map[[2]chat.Identity]chat.ChatID
	privates map[uint][2]chat.Identity
	groups   map[string]chat.ChatID
}

// Option customizes a Directory.
type Option func(*Directory)

// WithHistoryLimit bounds History to the most recent n records.
func WithHistoryLimit(n int) Option {
	return func(d *Directory) {
		d.historyLimit = n
	}
}

// WithLogger sets the directory's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Directory) {
		d.logger = logger
	}
}

// New creates a Directory over s.
func New(s Store, opts ...Option) *Directory {
	d := &Directory{
		store:    s,
		logger:   zap.NewNop(),
		now:      time.Now,
		pairs:    make(map[[2]chat.Identity]chat.ChatID),
		privates: make(map[uint][2]chat.Identity),
		groups:   make(map[string]chat.ChatID),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func validateName(kind, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%s is required: %w", kind, chat.ErrValidation)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%s exceeds %d characters: %w", kind, maxNameLength, chat.ErrValidation)
	}
	return nil
}

// EnsureUser records identity as a known user. Repeated calls are no-ops.
func (d *Directory) EnsureUser(ctx context.Context, identity chat.Identity) error {
	if err := validateName("identity", string(identity)); err != nil {
		return err
	}
	if _, err := d.store.FindUser(ctx, string(identity)); err == nil {
		return nil
	} else if !errors.Is(err, chat.ErrNotFound) {
		return err
	}

	_, err := d.store.CreateUser(ctx, string(identity))
	if errors.Is(err, chat.ErrAlreadyExists) {
		return nil
	}
	return err
}

// UserExists reports whether identity is a known user.
func (d *Directory) UserExists(ctx context.Context, identity chat.Identity) (bool, error) {
	_, err := d.store.FindUser(ctx, string(identity))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, chat.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// ResolvePrivate returns the private chat between a and b, creating it on
// first resolution. The pair is unordered: (a, b) and (b, a) resolve to the
// same chat, including under concurrent first calls.
func (d *Directory) ResolvePrivate(ctx context.Context, a, b chat.Identity) (chat.ChatID, error) {
	if err := validateName("identity", string(a)); err != nil {
		return chat.ChatID{}, err
	}
	if err := validateName("peer", string(b)); err != nil {
		return chat.ChatID{}, err
	}
	if a == b {
		return chat.ChatID{}, fmt.Errorf("private chat with yourself: %w", chat.ErrValidation)
	}

	first, second := chat.Pair(a, b)
	key := [2]chat.Identity{first, second}

	d.mu.RLock()
	id, ok := d.pairs[key]
	d.mu.RUnlock()
	if ok {
		return id, nil
	}

	for _, identity := range key {
		exists, err := d.UserExists(ctx, identity)
		if err != nil {
			return chat.ChatID{}, err
		}
		if !exists {
			return chat.ChatID{}, fmt.Errorf("user %s: %w", identity, chat.ErrNotFound)
		}
	}

	// Concurrent callers share this call, so one caller's cancellation must
	// not fail the others.
	shared := context.WithoutCancel(ctx)
	v, err, _ := d.sf.Do(string(first)+"\x00"+string(second), func() (any, error) {
		return d.getOrCreatePrivate(shared, first, second)
	})
	if err != nil {
		return chat.ChatID{}, err
	}

	pc := v.(*store.PrivateChat)
	id = chat.Private(pc.ID)
	d.cachePrivate(id, first, second)
	return id, nil
}

// getOrCreatePrivate looks up the pair, inserts it when absent, and falls
// back to a lookup when another writer won the insert.
func (d *Directory) getOrCreatePrivate(ctx context.Context, a, b chat.Identity) (*store.PrivateChat, error) {
	pc, err := d.store.FindPrivateChat(ctx, string(a), string(b))
	if err == nil {
		return pc, nil
	}
	if !errors.Is(err, chat.ErrNotFound) {
		return nil, err
	}

	pc, err = d.store.CreatePrivateChat(ctx, string(a), string(b))
	if err == nil {
		d.logger.Info("private chat created",
			zap.Uint("chat_id", pc.ID),
			zap.String("user_a", string(a)),
			zap.String("user_b", string(b)))
		return pc, nil
	}
	if !errors.Is(err, chat.ErrAlreadyExists) {
		return nil, err
	}

	d.logger.Debug("private chat insert lost race; retrying as lookup",
		zap.String("user_a", string(a)),
		zap.String("user_b", string(b)))
	return d.store.FindPrivateChat(ctx, string(a), string(b))
}

func (d *Directory) cachePrivate(id chat.ChatID, a, b chat.Identity) {
	d.mu.Lock()
	d.pairs[[2]chat.Identity{a, b}] = id
	d.privates[id.ID] = [2]chat.Identity{a, b}
	d.mu.Unlock()
}

// PrivateParticipants returns the two identities of a private chat in
// canonical order.
func (d *Directory) PrivateParticipants(ctx context.Context, id chat.ChatID) (chat.Identity, chat.Identity, error) {
	if id.Kind != chat.KindPrivate {
		return "", "", fmt.Errorf("chat %s is not private: %w", id, chat.ErrValidation)
	}

	d.mu.RLock()
	pair, ok := d.privates[id.ID]
	d.mu.RUnlock()
	if ok {
		return pair[0], pair[1], nil
	}

	pc, err := d.store.GetPrivateChat(ctx, id.ID)
	if err != nil {
		return "", "", err
	}
	a, b := chat.Identity(pc.UserA), chat.Identity(pc.UserB)
	d.cachePrivate(id, a, b)
	return a, b, nil
}

// ResolveGroup returns the ID of the named group.
func (d *Directory) ResolveGroup(ctx context.Context, name string) (chat.ChatID, error) {
	if err := validateName("group_name", name); err != nil {
		return chat.ChatID{}, err
	}

	d.mu.RLock()
	id, ok := d.groups[name]
	d.mu.RUnlock()
	if ok {
		return id, nil
	}

	group, err := d.store.GetGroup(ctx, name)
	if err != nil {
		return chat.ChatID{}, err
	}
	id = chat.Group(group.ID)
	d.cacheGroup(name, id)
	return id, nil
}

func (d *Directory) cacheGroup(name string, id chat.ChatID) {
	d.mu.Lock()
	d.groups[name] = id
	d.mu.Unlock()
}

// CreateGroup creates a group administered by admin. It fails with
// chat.ErrAlreadyExists when the name is taken.
func (d *Directory) CreateGroup(ctx context.Context, admin chat.Identity, name string) (chat.ChatID, error) {
	if err := validateName("group_name", name); err != nil {
		return chat.ChatID{}, err
	}

	group, err := d.store.CreateGroup(ctx, string(admin), name)
	if err != nil {
		if errors.Is(err, chat.ErrAlreadyExists) {
			return chat.ChatID{}, fmt.Errorf("group %s: %w", name, chat.ErrAlreadyExists)
		}
		return chat.ChatID{}, err
	}

	id := chat.Group(group.ID)
	d.cacheGroup(name, id)
	d.logger.Info("group created",
		zap.Uint("group_id", group.ID),
		zap.String("name", name),
		zap.String("admin", string(admin)))
	return id, nil
}

// Roster returns the admin and enrolled members of a group.
func (d *Directory) Roster(ctx context.Context, id chat.ChatID) (chat.GroupRoster, error) {
	if id.Kind != chat.KindGroup {
		return chat.GroupRoster{}, fmt.Errorf("chat %s is not a group: %w", id, chat.ErrValidation)
	}

	group, err := d.store.GetGroupByID(ctx, id.ID)
	if err != nil {
		return chat.GroupRoster{}, err
	}
	names, err := d.store.ListMembers(ctx, id.ID)
	if err != nil {
		return chat.GroupRoster{}, err
	}

	roster := chat.GroupRoster{
		ID:      id,
		Name:    group.Name,
		Admin:   chat.Identity(group.Admin),
		Members: make(map[chat.Identity]struct{}, len(names)),
	}
	for _, name := range names {
		roster.Members[chat.Identity(name)] = struct{}{}
	}
	return roster, nil
}

// IsMember reports whether identity may act on the chat: a participant of a
// private chat, or the admin or an enrolled member of a group.
func (d *Directory) IsMember(ctx context.Context, id chat.ChatID, identity chat.Identity) (bool, error) {
	switch id.Kind {
	case chat.KindPrivate:
		a, b, err := d.PrivateParticipants(ctx, id)
		if err != nil {
			return false, err
		}
		return identity == a || identity == b, nil
	case chat.KindGroup:
		return d.store.IsMember(ctx, id.ID, string(identity))
	default:
		return false, fmt.Errorf("chat %s: unknown kind: %w", id, chat.ErrValidation)
	}
}

// AddMember enrolls identity in the group. The identity must be a known
// user. It reports false when identity was already a member.
func (d *Directory) AddMember(ctx context.Context, id chat.ChatID, identity chat.Identity) (bool, error) {
	if id.Kind != chat.KindGroup {
		return false, fmt.Errorf("chat %s is not a group: %w", id, chat.ErrValidation)
	}
	if err := validateName("identity", string(identity)); err != nil {
		return false, err
	}

	exists, err := d.UserExists(ctx, identity)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, fmt.Errorf("user %s: %w", identity, chat.ErrNotFound)
	}

	member, err := d.store.IsMember(ctx, id.ID, string(identity))
	if err != nil {
		return false, err
	}
	if member {
		return false, nil
	}
	return d.store.AddMember(ctx, id.ID, string(identity))
}

// Append persists a message record and returns it with its ID and timestamp.
func (d *Directory) Append(ctx context.Context, id chat.ChatID, sender chat.Identity, content string) (chat.MessageRecord, error) {
	msg := &store.Message{
		ChatKind:  string(id.Kind),
		ChatID:    id.ID,
		Sender:    string(sender),
		Content:   content,
		CreatedAt: d.now().UTC(),
	}
	if err := d.store.AppendMessage(ctx, msg); err != nil {
		return chat.MessageRecord{}, err
	}
	return toRecord(*msg), nil
}

// History returns a fresh snapshot of the chat's messages, oldest first,
// bounded by the configured history limit.
func (d *Directory) History(ctx context.Context, id chat.ChatID) ([]chat.MessageRecord, error) {
	messages, err := d.store.History(ctx, string(id.Kind), id.ID, d.historyLimit)
	if err != nil {
		return nil, err
	}

	records := make([]chat.MessageRecord, 0, len(messages))
	for _, msg := range messages {
		records = append(records, toRecord(msg))
	}
	return records, nil
}

func toRecord(msg store.Message) chat.MessageRecord {
	return chat.MessageRecord{
		ID:        msg.ID,
		ChatID:    chat.ChatID{Kind: chat.Kind(msg.ChatKind), ID: msg.ChatID},
		Sender:    chat.Identity(msg.Sender),
		Content:   msg.Content,
		Timestamp: msg.CreatedAt.UTC(),
	}
}
