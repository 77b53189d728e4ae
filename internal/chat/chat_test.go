package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPairIsCanonical(t *testing.T) {
	a, b := Pair("bob", "alice")
	assert.Equal(t, Identity("alice"), a)
	assert.Equal(t, Identity("bob"), b)

	a, b = Pair("alice", "bob")
	assert.Equal(t, Identity("alice"), a)
	assert.Equal(t, Identity("bob"), b)
}

func TestParseChatID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    ChatID
		wantErr bool
	}{
		{name: "private", input: "private:3", want: Private(3)},
		{name: "group", input: "group:12", want: Group(12)},
		{name: "missing separator", input: "group12", wantErr: true},
		{name: "unknown kind", input: "channel:1", wantErr: true},
		{name: "zero id", input: "group:0", wantErr: true},
		{name: "negative id", input: "private:-1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseChatID(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.input, got.String())
		})
	}
}

func TestChatIDTravelsAsString(t *testing.T) {
	raw, err := json.Marshal(struct {
		ChatID ChatID `json:"chat_id"`
	}{ChatID: Group(4)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"chat_id":"group:4"}`, string(raw))

	var decoded struct {
		ChatID ChatID `json:"chat_id"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, Group(4), decoded.ChatID)
}

func TestRosterAdminIsMember(t *testing.T) {
	roster := GroupRoster{
		Admin:   "carol",
		Members: map[Identity]struct{}{"alice": {}},
	}

	assert.True(t, roster.Has("carol"))
	assert.True(t, roster.Has("alice"))
	assert.False(t, roster.Has("dave"))
}

func TestCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{err: nil, want: ""},
		{err: fmt.Errorf("decode: %w", ErrValidation), want: CodeInvalid},
		{err: fmt.Errorf("group team: %w", ErrNotFound), want: CodeNotFound},
		{err: fmt.Errorf("send_group: %w", ErrForbidden), want: CodeForbidden},
		{err: fmt.Errorf("create: %w", ErrAlreadyExists), want: CodeAlreadyExists},
		{err: fmt.Errorf("append: %w", ErrStore), want: CodeStoreFailure},
		{err: ErrAuth, want: CodeUnauthorized},
		{err: errors.New("boom"), want: CodeInternal},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Code(tt.err))
	}
}
