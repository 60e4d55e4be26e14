package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"go-tgchat/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedBroadcast struct {
	ChatID string
	Event  protocol.Event
	Data   any
}

type fakeBroadcaster struct {
	mu       sync.Mutex
	calls    []recordedBroadcast
	notified []string
	err      error
}

func (f *fakeBroadcaster) NotifyUser(_ context.Context, userID string, event protocol.Event, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, userID+":"+string(event))
	return f.err
}

func (f *fakeBroadcaster) BroadcastToChat(_ context.Context, chatID string, event protocol.Event, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordedBroadcast{ChatID: chatID, Event: event, Data: data})
	return f.err
}

func (f *fakeBroadcaster) recorded() []recordedBroadcast {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedBroadcast(nil), f.calls...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stepClock returns a clock that advances one millisecond per call.
func stepClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	current := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(time.Millisecond)
		return current
	}
}

func newTestService(t *testing.T) (*Service, *fakeBroadcaster) {
	t.Helper()
	svc := NewService(NewMemoryRepository(), discardLogger())
	svc.now = stepClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	b := &fakeBroadcaster{}
	svc.SetBroadcaster(b)
	return svc, b
}

func mustCreateChat(t *testing.T, svc *Service, participants ...string) *Chat {
	t.Helper()
	c, err := svc.CreateChat(context.Background(), CreateChatRequest{
		Name:         "Team",
		Type:         ChatGroup,
		Participants: participants,
		CreatedBy:    participants[0],
	})
	require.NoError(t, err)
	return c
}

func mustCreateMessage(t *testing.T, svc *Service, chatID, content string) *Message {
	t.Helper()
	m, err := svc.CreateMessage(context.Background(), CreateMessageRequest{
		ChatID:   chatID,
		SenderID: "u1",
		Content:  content,
		Type:     MessageText,
	})
	require.NoError(t, err)
	return m
}

func TestService_CreateChat(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	tests := []struct {
		name        string
		req         CreateChatRequest
		expectError bool
	}{
		{
			name: "valid group",
			req:  CreateChatRequest{Name: "Team", Type: ChatGroup, Participants: []string{"u1", "u2"}, CreatedBy: "u1"},
		},
		{
			name: "valid channel with description",
			req:  CreateChatRequest{Name: "News", Type: ChatChannel, Participants: []string{"u3"}, CreatedBy: "u3", Description: "daily"},
		},
		{
			name:        "missing name",
			req:         CreateChatRequest{Type: ChatGroup, Participants: []string{"u1"}, CreatedBy: "u1"},
			expectError: true,
		},
		{
			name:        "unknown type",
			req:         CreateChatRequest{Name: "x", Type: "forum", Participants: []string{"u1"}, CreatedBy: "u1"},
			expectError: true,
		},
		{
			name:        "no participants",
			req:         CreateChatRequest{Name: "x", Type: ChatGroup, CreatedBy: "u1"},
			expectError: true,
		},
		{
			name:        "empty participant id",
			req:         CreateChatRequest{Name: "x", Type: ChatGroup, Participants: []string{""}, CreatedBy: "u1"},
			expectError: true,
		},
		{
			name:        "missing creator",
			req:         CreateChatRequest{Name: "x", Type: ChatGroup, Participants: []string{"u1"}},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := svc.CreateChat(ctx, tt.req)
			if tt.expectError {
				var verr *ValidationError
				assert.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Regexp(t, `^chat_[0-9a-f-]{36}$`, c.ID)
			assert.Equal(t, []string{tt.req.CreatedBy}, c.Admins)
			assert.Equal(t, tt.req.Name, c.Name)
			assert.False(t, c.CreatedAt.IsZero())
			assert.Equal(t, c.CreatedAt, c.UpdatedAt)
		})
	}
}

func TestService_CreateChatAddsCreatorToParticipants(t *testing.T) {
	svc, _ := newTestService(t)

	c, err := svc.CreateChat(context.Background(), CreateChatRequest{
		Name: "Team", Type: ChatGroup, Participants: []string{"u2", "u2", "u3"}, CreatedBy: "u1",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"u2", "u3", "u1"}, c.Participants)
}

func TestService_CreatedChatIsListedForCreatorWithCreatorAsAdmin(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	created := mustCreateChat(t, svc, "u1", "u2")

	chats, err := svc.ListChats(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.Equal(t, created.ID, chats[0].ID)
	assert.Equal(t, []string{"u1"}, chats[0].Admins)
}

func TestService_ListChatsOnlyReturnsParticipatingChats(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	mustCreateChat(t, svc, "u1", "u2")
	mustCreateChat(t, svc, "u2", "u3")
	mustCreateChat(t, svc, "u3", "u4")

	for _, user := range []string{"u1", "u2", "u3", "u4", "nobody"} {
		chats, err := svc.ListChats(ctx, user)
		require.NoError(t, err)
		for _, c := range chats {
			assert.Contains(t, c.Participants, user)
		}
	}

	chats, err := svc.ListChats(ctx, "u2")
	require.NoError(t, err)
	assert.Len(t, chats, 2)

	none, err := svc.ListChats(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, none)
	assert.NotNil(t, none)
}

func TestService_ListChatsSortedByRecentActivity(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	older := mustCreateChat(t, svc, "u1")
	newer := mustCreateChat(t, svc, "u1")

	chats, err := svc.ListChats(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, chats, 2)
	assert.Equal(t, newer.ID, chats[0].ID)

	mustCreateMessage(t, svc, older.ID, "bump")

	chats, err = svc.ListChats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, older.ID, chats[0].ID)
}

func TestService_ListChatsRequiresUser(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.ListChats(context.Background(), "")
	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestService_CreateMessage(t *testing.T) {
	svc, b := newTestService(t)
	c := mustCreateChat(t, svc, "u1", "u2")

	m, err := svc.CreateMessage(context.Background(), CreateMessageRequest{
		ChatID:   c.ID,
		SenderID: "u1",
		Content:  "hi",
		Type:     MessageText,
		Attachments: []Attachment{
			{ID: "a1", Filename: "cat.png", URL: "https://cdn.example/cat.png", Type: "image/png", Size: 42},
		},
	})
	require.NoError(t, err)
	assert.Regexp(t, `^msg_`, m.ID)
	assert.False(t, m.Timestamp.IsZero())
	assert.False(t, m.IsDeleted)
	assert.Len(t, m.Attachments, 1)

	calls := b.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, c.ID, calls[0].ChatID)
	assert.Equal(t, protocol.EventMessageReceived, calls[0].Event)
	assert.Equal(t, m, calls[0].Data)
}

func TestService_CreateMessageErrors(t *testing.T) {
	svc, b := newTestService(t)
	c := mustCreateChat(t, svc, "u1")
	ctx := context.Background()

	_, err := svc.CreateMessage(ctx, CreateMessageRequest{ChatID: "chat_missing", SenderID: "u1", Content: "hi", Type: MessageText})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.CreateMessage(ctx, CreateMessageRequest{ChatID: c.ID, SenderID: "u1", Content: "hi", Type: "sticker"})
	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))

	_, err = svc.CreateMessage(ctx, CreateMessageRequest{ChatID: c.ID, SenderID: "u1", Content: "x", Type: MessageFile,
		Attachments: []Attachment{{ID: "a1"}}})
	assert.True(t, errors.As(err, &verr), "attachment fields are required")

	assert.Empty(t, b.recorded(), "failed creates must not broadcast")
}

func TestService_CreateMessageSurvivesBroadcastFailure(t *testing.T) {
	svc, b := newTestService(t)
	b.err = errors.New("redis down")
	c := mustCreateChat(t, svc, "u1")

	m := mustCreateMessage(t, svc, c.ID, "still stored")

	got, err := svc.ListMessages(context.Background(), ListMessagesParams{ChatID: c.ID})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, m.ID, got[0].ID)
}

func TestService_MessageTimestampsNeverDecrease(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	c := mustCreateChat(t, svc, "u1")

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := []time.Time{
		base.Add(3 * time.Second),
		base.Add(1 * time.Second), // clock stepped backwards
		base.Add(2 * time.Second),
		base.Add(5 * time.Second),
	}
	i := 0
	svc.now = func() time.Time {
		ts := clock[i%len(clock)]
		i++
		return ts
	}

	var prev time.Time
	for n := 0; n < len(clock); n++ {
		m := mustCreateMessage(t, svc, c.ID, "m")
		assert.False(t, m.Timestamp.Before(prev), "timestamp %v went below %v", m.Timestamp, prev)
		prev = m.Timestamp
	}

	listed, err := svc.ListMessages(ctx, ListMessagesParams{ChatID: c.ID})
	require.NoError(t, err)
	for k := 1; k < len(listed); k++ {
		assert.False(t, listed[k].Timestamp.Before(listed[k-1].Timestamp))
	}
}

func TestService_ListMessagesWindow(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	c := mustCreateChat(t, svc, "u1")

	var ids []string
	for _, content := range []string{"m1", "m2", "m3", "m4", "m5"} {
		ids = append(ids, mustCreateMessage(t, svc, c.ID, content).ID)
	}

	tests := []struct {
		name   string
		limit  int
		offset int
		want   []string
	}{
		{name: "default window is chronological", want: ids},
		{name: "limit two takes newest two ascending", limit: 2, want: []string{ids[3], ids[4]}},
		{name: "offset skips newest", limit: 2, offset: 2, want: []string{ids[1], ids[2]}},
		{name: "offset past end", limit: 2, offset: 10, want: []string{}},
		{name: "limit clamped", limit: 10_000, want: ids},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := svc.ListMessages(ctx, ListMessagesParams{ChatID: c.ID, Limit: tt.limit, Offset: tt.offset})
			require.NoError(t, err)
			gotIDs := []string{}
			for _, m := range got {
				gotIDs = append(gotIDs, m.ID)
			}
			assert.Equal(t, tt.want, gotIDs)
		})
	}
}

func TestService_ListMessagesHidesDeleted(t *testing.T) {
	ctx := context.Background()
	svc, b := newTestService(t)
	c := mustCreateChat(t, svc, "u1")

	keep := mustCreateMessage(t, svc, c.ID, "keep")
	drop := mustCreateMessage(t, svc, c.ID, "drop")

	deleted, err := svc.DeleteMessage(ctx, drop.ID)
	require.NoError(t, err)
	assert.True(t, deleted.IsDeleted)

	got, err := svc.ListMessages(ctx, ListMessagesParams{ChatID: c.ID})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, keep.ID, got[0].ID)
	for _, m := range got {
		assert.False(t, m.IsDeleted)
	}

	_, err = svc.DeleteMessage(ctx, drop.ID)
	assert.ErrorIs(t, err, ErrNotFound, "second delete")

	calls := b.recorded()
	last := calls[len(calls)-1]
	assert.Equal(t, protocol.EventMessageDeleted, last.Event)
	assert.Equal(t, protocol.MessageDeletedEvent{ID: drop.ID, ChatID: c.ID}, last.Data)
}

func TestService_EditMessage(t *testing.T) {
	ctx := context.Background()
	svc, b := newTestService(t)
	c := mustCreateChat(t, svc, "u1")
	m := mustCreateMessage(t, svc, c.ID, "helo")

	edited, err := svc.EditMessage(ctx, m.ID, EditMessageRequest{Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", edited.Content)
	require.NotNil(t, edited.EditedAt)
	assert.Equal(t, m.Timestamp, edited.Timestamp)

	calls := b.recorded()
	assert.Equal(t, protocol.EventMessageUpdated, calls[len(calls)-1].Event)

	_, err = svc.EditMessage(ctx, m.ID, EditMessageRequest{})
	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))

	_, err = svc.EditMessage(ctx, "msg_missing", EditMessageRequest{Content: "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_IsParticipant(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	c := mustCreateChat(t, svc, "u1", "u2")

	ok, err := svc.IsParticipant(ctx, c.ID, "u2")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.IsParticipant(ctx, c.ID, "u9")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = svc.IsParticipant(ctx, "chat_missing", "u1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestService_SaveRelayMessage(t *testing.T) {
	ctx := context.Background()
	svc, b := newTestService(t)
	c := mustCreateChat(t, svc, "u1", "u2")

	stored, created, err := svc.SaveRelayMessage(ctx, c.ID, "u2", json.RawMessage(`{"content":"from relay","type":"text"}`))
	require.NoError(t, err)
	assert.True(t, created)
	m, ok := stored.(*Message)
	require.True(t, ok)
	assert.Equal(t, "u2", m.SenderID)
	assert.Equal(t, c.ID, m.ChatID)
	assert.Empty(t, b.recorded(), "relay does its own fan-out")

	tests := []struct {
		name   string
		chatID string
		draft  string
	}{
		{name: "not an object", chatID: c.ID, draft: `[1]`},
		{name: "missing content", chatID: c.ID, draft: `{"type":"text"}`},
		{name: "unknown chat", chatID: "chat_missing", draft: `{"content":"x","type":"text"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := svc.SaveRelayMessage(ctx, tt.chatID, "u1", json.RawMessage(tt.draft))
			assert.ErrorIs(t, err, &protocol.Error{Code: protocol.CodeBadRequest})
		})
	}
}

func TestService_ClientMessageIDIsIdempotentAcrossPaths(t *testing.T) {
	ctx := context.Background()
	svc, b := newTestService(t)
	c := mustCreateChat(t, svc, "u1", "u2")

	first, err := svc.CreateMessage(ctx, CreateMessageRequest{ID: "m-1", ChatID: c.ID, SenderID: "u1", Content: "hi", Type: MessageText})
	require.NoError(t, err)
	assert.Equal(t, "m-1", first.ID)
	require.Len(t, b.recorded(), 1)

	// The same message arriving over the relay is acknowledged, not stored again.
	stored, created, err := svc.SaveRelayMessage(ctx, c.ID, "u1", json.RawMessage(`{"id":"m-1","content":"hi","type":"text"}`))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "m-1", stored.(*Message).ID)

	again, err := svc.CreateMessage(ctx, CreateMessageRequest{ID: "m-1", ChatID: c.ID, SenderID: "u1", Content: "hi", Type: MessageText})
	require.NoError(t, err)
	assert.Equal(t, first.Timestamp, again.Timestamp)
	assert.Len(t, b.recorded(), 1)

	page, err := svc.ListMessages(ctx, ListMessagesParams{ChatID: c.ID})
	require.NoError(t, err)
	assert.Len(t, page, 1)

	// Another sender cannot reuse the id.
	_, err = svc.CreateMessage(ctx, CreateMessageRequest{ID: "m-1", ChatID: c.ID, SenderID: "u2", Content: "hi", Type: MessageText})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "message id is already in use", verr.Msg)
}

func TestService_CreateChatNotifiesParticipants(t *testing.T) {
	svc, b := newTestService(t)
	_, err := svc.CreateChat(context.Background(), CreateChatRequest{
		Name:         "Team",
		Type:         ChatGroup,
		Participants: []string{"u2", "u3"},
		CreatedBy:    "u1",
	})
	require.NoError(t, err)

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.ElementsMatch(t, []string{"u1:chat_updated", "u2:chat_updated", "u3:chat_updated"}, b.notified)
	assert.Empty(t, b.calls)
}
