// Package server defines the inbound envelope and the outbound frames
// exchanged with clients.
package server

import (
	"encoding/json"
	"time"

	"github.com/Tyrowin/gochat-relay/internal/chat"
)

// Action names an inbound envelope's operation.
type Action string

// Actions understood by the router.
const (
	ActionJoinPrivate Action = "join_private"
	ActionSendPrivate Action = "send_private"
	ActionCreateGroup Action = "create_group"
	ActionJoinGroup   Action = "join_group"
	ActionAddMember   Action = "add_member"
	ActionSendGroup   Action = "send_group"
	ActionLeave       Action = "leave"
)

// legacyActions maps the action names used by earlier web clients.
var legacyActions = map[string]Action{
	"join_private_chat":      ActionJoinPrivate,
	"send_private_message":   ActionSendPrivate,
	"create_group_chat":      ActionCreateGroup,
	"join_group_chat":        ActionJoinGroup,
	"add_user_to_group_chat": ActionAddMember,
	"send_group_message":     ActionSendGroup,
}

// ParseAction resolves a wire action name. It reports false for unknown names.
func ParseAction(name string) (Action, bool) {
	switch action := Action(name); action {
	case ActionJoinPrivate, ActionSendPrivate, ActionCreateGroup,
		ActionJoinGroup, ActionAddMember, ActionSendGroup, ActionLeave:
		return action, true
	}
	action, ok := legacyActions[name]
	return action, ok
}

// Envelope is one inbound client request.
type Envelope struct {
	Action      string          `json:"action"`
	Data        json.RawMessage `json:"data,omitempty"`
	Correlation string          `json:"correlation,omitempty"`
}

type privateRequest struct {
	Peer    chat.Identity `json:"peer"`
	ChatID  chat.ChatID   `json:"chat_id"`
	Content string        `json:"content"`
}

type groupRequest struct {
	GroupName string        `json:"group_name"`
	Identity  chat.Identity `json:"identity"`
	Content   string        `json:"content"`
}

type leaveRequest struct {
	ChatID chat.ChatID `json:"chat_id"`
}

// Outbound frame types.
const (
	FrameWelcome      = "welcome"
	FrameHistory      = "history"
	FrameMessage      = "message"
	FrameSent         = "sent"
	FrameGroupCreated = "group_created"
	FrameMemberAdded  = "member_added"
	FrameNotice       = "notice"
	FrameLeft         = "left"
	FrameError        = "error"
)

// welcomeFrame carries the correlation token so clients whose credential
// has no token ID can still tag envelopes.
type welcomeFrame struct {
	Type             string        `json:"type"`
	Identity         chat.Identity `json:"identity"`
	CorrelationToken string        `json:"correlation_token"`
	ConnectedAt      time.Time     `json:"connected_at"`
}

type historyFrame struct {
	Type      string               `json:"type"`
	ChatID    chat.ChatID          `json:"chat_id"`
	Peer      chat.Identity        `json:"peer,omitempty"`
	GroupName string               `json:"group_name,omitempty"`
	History   []chat.MessageRecord `json:"history"`
}

type messageFrame struct {
	Type      string        `json:"type"`
	ID        uint          `json:"id"`
	ChatID    chat.ChatID   `json:"chat_id"`
	GroupName string        `json:"group_name,omitempty"`
	Sender    chat.Identity `json:"sender"`
	Content   string        `json:"content"`
	Timestamp time.Time     `json:"timestamp"`
}

type sentFrame struct {
	Type      string             `json:"type"`
	Message   chat.MessageRecord `json:"message"`
	Delivered int                `json:"delivered"`
}

type groupCreatedFrame struct {
	Type      string        `json:"type"`
	ChatID    chat.ChatID   `json:"chat_id"`
	GroupName string        `json:"group_name"`
	Admin     chat.Identity `json:"admin"`
}

type memberAddedFrame struct {
	Type      string        `json:"type"`
	ChatID    chat.ChatID   `json:"chat_id"`
	GroupName string        `json:"group_name"`
	Identity  chat.Identity `json:"identity"`
	Added     bool          `json:"added"`
}

type noticeFrame struct {
	Type      string      `json:"type"`
	ChatID    chat.ChatID `json:"chat_id"`
	GroupName string      `json:"group_name,omitempty"`
	Content   string      `json:"content"`
}

type leftFrame struct {
	Type   string      `json:"type"`
	ChatID chat.ChatID `json:"chat_id"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Action  string `json:"action,omitempty"`
	Message string `json:"message"`
}
