package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/Tyrowin/gochat-relay/internal/chat"
)

// Directory is the chat directory surface the router authorizes against.
type Directory interface {
	EnsureUser(ctx context.Context, identity chat.Identity) error
	ResolvePrivate(ctx context.Context, a, b chat.Identity) (chat.ChatID, error)
	ResolveGroup(ctx context.Context, name string) (chat.ChatID, error)
	CreateGroup(ctx context.Context, admin chat.Identity, name string) (chat.ChatID, error)
	IsMember(ctx context.Context, id chat.ChatID, identity chat.Identity) (bool, error)
	AddMember(ctx context.Context, id chat.ChatID, identity chat.Identity) (bool, error)
	Append(ctx context.Context, id chat.ChatID, sender chat.Identity, content string) (chat.MessageRecord, error)
	History(ctx context.Context, id chat.ChatID) ([]chat.MessageRecord, error)
}

// RouterOptions tunes envelope validation.
type RouterOptions struct {
	// MaxContentLength bounds message content in runes.
	MaxContentLength int
	// RequireCorrelation rejects envelopes that do not carry the session's
	// correlation token.
	RequireCorrelation bool
}

// Router interprets inbound envelopes. Every action that touches a chat
// re-checks membership against the directory; presence in a room is never
// taken as authorization.
type Router struct {
	directory Directory
	rooms     *RoomIndex
	registry  *Registry
	logger    *zap.Logger
	metrics   *Metrics
	opts      RouterOptions
}

// NewRouter creates a router over the given directory, rooms, and registry.
func NewRouter(directory Directory, rooms *RoomIndex, registry *Registry, logger *zap.Logger, metrics *Metrics, opts RouterOptions) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		directory: directory,
		rooms:     rooms,
		registry:  registry,
		logger:    logger,
		metrics:   metrics,
		opts:      opts,
	}
}

// Handle decodes raw as an envelope, dispatches it, and replies with an
// error frame to the sender when dispatch fails. Errors are never broadcast.
func (rt *Router) Handle(ctx context.Context, entry SessionEntry, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		rt.replyError(entry, "", fmt.Errorf("decode envelope: %w", chat.ErrValidation))
		rt.metrics.envelope("malformed", chat.CodeInvalid)
		return
	}
	rt.Dispatch(ctx, entry, env)
}

// Dispatch runs one envelope on behalf of entry.
func (rt *Router) Dispatch(ctx context.Context, entry SessionEntry, env Envelope) {
	action, ok := ParseAction(env.Action)
	if !ok {
		rt.reply(entry, errorFrame{
			Type:    FrameError,
			Code:    chat.CodeUnknownAction,
			Action:  env.Action,
			Message: "unknown action",
		})
		rt.metrics.envelope("unknown", chat.CodeUnknownAction)
		return
	}

	err := rt.checkCorrelation(entry, env)
	if err == nil {
		err = rt.route(ctx, entry, action, env.Data)
	}

	outcome := "ok"
	if err != nil {
		outcome = chat.Code(err)
		rt.replyError(entry, string(action), err)
		rt.logger.Info("envelope rejected",
			zap.String("identity", string(entry.Identity)),
			zap.String("action", string(action)),
			zap.String("code", outcome),
			zap.Error(err))
	}
	rt.metrics.envelope(string(action), outcome)
}

func (rt *Router) route(ctx context.Context, entry SessionEntry, action Action, data json.RawMessage) error {
	switch action {
	case ActionJoinPrivate:
		return rt.joinPrivate(ctx, entry, data)
	case ActionSendPrivate:
		return rt.sendPrivate(ctx, entry, data)
	case ActionCreateGroup:
		return rt.createGroup(ctx, entry, data)
	case ActionJoinGroup:
		return rt.joinGroup(ctx, entry, data)
	case ActionAddMember:
		return rt.addMember(ctx, entry, data)
	case ActionSendGroup:
		return rt.sendGroup(ctx, entry, data)
	case ActionLeave:
		return rt.leave(entry, data)
	default:
		return fmt.Errorf("action %s has no handler: %w", action, chat.ErrValidation)
	}
}

func (rt *Router) checkCorrelation(entry SessionEntry, env Envelope) error {
	if env.Correlation == "" && !rt.opts.RequireCorrelation {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(env.Correlation), []byte(entry.CorrelationToken)) != 1 {
		return fmt.Errorf("correlation token mismatch: %w", chat.ErrForbidden)
	}
	return nil
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("missing data: %w", chat.ErrValidation)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode data: %w", chat.ErrValidation)
	}
	return nil
}

func (rt *Router) validateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("content is required: %w", chat.ErrValidation)
	}
	if rt.opts.MaxContentLength > 0 && utf8.RuneCountInString(content) > rt.opts.MaxContentLength {
		return fmt.Errorf("content exceeds %d characters: %w", rt.opts.MaxContentLength, chat.ErrValidation)
	}
	return nil
}

// authorize re-checks identity's membership of id against the directory.
func (rt *Router) authorize(ctx context.Context, id chat.ChatID, identity chat.Identity) error {
	member, err := rt.directory.IsMember(ctx, id, identity)
	if err != nil {
		return err
	}
	if !member {
		return fmt.Errorf("%s in %s: %w", identity, id, chat.ErrForbidden)
	}
	return nil
}

// join adds the sender to room.
func (rt *Router) join(entry SessionEntry, room chat.ChatID) error {
	_, err := rt.enter(entry, room)
	return err
}

// enter adds the sender to room and reports whether it was newly added. A
// session evicted concurrently is taken back out so the room never keeps a
// connection the registry has dropped.
func (rt *Router) enter(entry SessionEntry, room chat.ChatID) (bool, error) {
	added := rt.rooms.Join(room, entry.Conn)
	if _, err := rt.registry.Lookup(entry.Conn); err != nil {
		rt.rooms.LeaveAll(entry.Conn)
		return false, fmt.Errorf("join %s: %w", room, chat.ErrTransport)
	}
	return added, nil
}

// joinWithHistory joins room and loads its history. A connection that was
// added here is removed again when the history cannot be loaded.
func (rt *Router) joinWithHistory(ctx context.Context, entry SessionEntry, room chat.ChatID) ([]chat.MessageRecord, error) {
	added, err := rt.enter(entry, room)
	if err != nil {
		return nil, err
	}
	history, err := rt.directory.History(ctx, room)
	if err != nil {
		if added {
			rt.rooms.Leave(room, entry.Conn)
		}
		return nil, err
	}
	return history, nil
}

func (rt *Router) joinPrivate(ctx context.Context, entry SessionEntry, data json.RawMessage) error {
	var req privateRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if req.Peer == "" {
		return fmt.Errorf("peer is required: %w", chat.ErrValidation)
	}

	id, err := rt.directory.ResolvePrivate(ctx, entry.Identity, req.Peer)
	if err != nil {
		return err
	}
	history, err := rt.joinWithHistory(ctx, entry, id)
	if err != nil {
		return err
	}
	rt.reply(entry, historyFrame{
		Type:    FrameHistory,
		ChatID:  id,
		Peer:    req.Peer,
		History: history,
	})
	return nil
}

func (rt *Router) sendPrivate(ctx context.Context, entry SessionEntry, data json.RawMessage) error {
	var req privateRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if err := rt.validateContent(req.Content); err != nil {
		return err
	}

	id := req.ChatID
	switch {
	case !id.IsZero():
		if id.Kind != chat.KindPrivate {
			return fmt.Errorf("chat %s is not private: %w", id, chat.ErrValidation)
		}
		if err := rt.authorize(ctx, id, entry.Identity); err != nil {
			return err
		}
	case req.Peer != "":
		// Sending by peer name opens the chat the way join_private would.
		resolved, err := rt.directory.ResolvePrivate(ctx, entry.Identity, req.Peer)
		if err != nil {
			return err
		}
		if err := rt.join(entry, resolved); err != nil {
			return err
		}
		id = resolved
	default:
		return fmt.Errorf("chat_id or peer is required: %w", chat.ErrValidation)
	}

	return rt.deliver(ctx, entry, id, "", req.Content)
}

// deliver persists the message and only then broadcasts it to the room,
// excluding the sender's connection, which gets a sent acknowledgment.
func (rt *Router) deliver(ctx context.Context, entry SessionEntry, id chat.ChatID, groupName, content string) error {
	record, err := rt.directory.Append(ctx, id, entry.Identity, content)
	if err != nil {
		if !errors.Is(err, chat.ErrStore) {
			err = fmt.Errorf("%w: %w", chat.ErrStore, err)
		}
		return err
	}

	payload, err := json.Marshal(messageFrame{
		Type:      FrameMessage,
		ID:        record.ID,
		ChatID:    id,
		GroupName: groupName,
		Sender:    record.Sender,
		Content:   record.Content,
		Timestamp: record.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	delivered := rt.rooms.BroadcastExcluding(id, payload, entry.Conn)
	rt.reply(entry, sentFrame{Type: FrameSent, Message: record, Delivered: delivered})
	return nil
}

func (rt *Router) createGroup(ctx context.Context, entry SessionEntry, data json.RawMessage) error {
	var req groupRequest
	if err := decode(data, &req); err != nil {
		return err
	}

	id, err := rt.directory.CreateGroup(ctx, entry.Identity, req.GroupName)
	if err != nil {
		return err
	}
	if err := rt.join(entry, id); err != nil {
		return err
	}

	rt.reply(entry, groupCreatedFrame{
		Type:      FrameGroupCreated,
		ChatID:    id,
		GroupName: req.GroupName,
		Admin:     entry.Identity,
	})
	return nil
}

func (rt *Router) joinGroup(ctx context.Context, entry SessionEntry, data json.RawMessage) error {
	var req groupRequest
	if err := decode(data, &req); err != nil {
		return err
	}

	id, err := rt.directory.ResolveGroup(ctx, req.GroupName)
	if err != nil {
		return err
	}
	if err := rt.authorize(ctx, id, entry.Identity); err != nil {
		return err
	}
	history, err := rt.joinWithHistory(ctx, entry, id)
	if err != nil {
		return err
	}
	rt.reply(entry, historyFrame{
		Type:      FrameHistory,
		ChatID:    id,
		GroupName: req.GroupName,
		History:   history,
	})
	return nil
}

func (rt *Router) addMember(ctx context.Context, entry SessionEntry, data json.RawMessage) error {
	var req groupRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if req.Identity == "" {
		return fmt.Errorf("identity is required: %w", chat.ErrValidation)
	}

	id, err := rt.directory.ResolveGroup(ctx, req.GroupName)
	if err != nil {
		return err
	}
	if err := rt.authorize(ctx, id, entry.Identity); err != nil {
		return err
	}

	added, err := rt.directory.AddMember(ctx, id, req.Identity)
	if err != nil {
		return err
	}
	rt.reply(entry, memberAddedFrame{
		Type:      FrameMemberAdded,
		ChatID:    id,
		GroupName: req.GroupName,
		Identity:  req.Identity,
		Added:     added,
	})
	if !added {
		return nil
	}

	notice, err := json.Marshal(noticeFrame{
		Type:      FrameNotice,
		ChatID:    id,
		GroupName: req.GroupName,
		Content:   fmt.Sprintf("%s added %s to the group", entry.Identity, req.Identity),
	})
	if err != nil {
		return fmt.Errorf("encode notice: %w", err)
	}
	rt.rooms.Broadcast(id, notice)
	return nil
}

func (rt *Router) sendGroup(ctx context.Context, entry SessionEntry, data json.RawMessage) error {
	var req groupRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if err := rt.validateContent(req.Content); err != nil {
		return err
	}

	id, err := rt.directory.ResolveGroup(ctx, req.GroupName)
	if err != nil {
		return err
	}
	if err := rt.authorize(ctx, id, entry.Identity); err != nil {
		return err
	}
	return rt.deliver(ctx, entry, id, req.GroupName, req.Content)
}

func (rt *Router) leave(entry SessionEntry, data json.RawMessage) error {
	var req leaveRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if req.ChatID.IsZero() {
		return fmt.Errorf("chat_id is required: %w", chat.ErrValidation)
	}
	if !rt.rooms.Leave(req.ChatID, entry.Conn) {
		return fmt.Errorf("room %s: %w", req.ChatID, chat.ErrNotFound)
	}
	rt.reply(entry, leftFrame{Type: FrameLeft, ChatID: req.ChatID})
	return nil
}

// reply queues a frame to the sender only.
func (rt *Router) reply(entry SessionEntry, frame any) {
	payload, err := json.Marshal(frame)
	if err != nil {
		rt.logger.Error("encode reply", zap.Error(err))
		return
	}
	if err := entry.Conn.Send(payload); err != nil {
		rt.logger.Debug("reply dropped",
			zap.String("addr", entry.Conn.RemoteAddr()),
			zap.Error(err))
	}
}

func (rt *Router) replyError(entry SessionEntry, action string, err error) {
	rt.reply(entry, errorFrame{
		Type:    FrameError,
		Code:    chat.Code(err),
		Action:  action,
		Message: publicMessage(err),
	})
}

// publicMessage hides storage and internal details from clients.
func publicMessage(err error) string {
	switch chat.Code(err) {
	case chat.CodeStoreFailure:
		return "message could not be stored"
	case chat.CodeInternal:
		return "internal error"
	default:
		return err.Error()
	}
}
