package relayclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go-tgchat/internal/protocol"
	"go-tgchat/internal/relay"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

type testRelay struct {
	hub *relay.Hub
	url string
}

func startRelay(t *testing.T) *testRelay {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := relay.NewHub(relay.Options{Logger: logger})
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(relay.NewHandler(hub, nil, logger).ServeWs))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return &testRelay{hub: hub, url: "ws" + strings.TrimPrefix(srv.URL, "http")}
}

func (r *testRelay) dial(t *testing.T) *Client {
	t.Helper()
	before := r.hub.ClientCount()
	c := New(DefaultConfig(r.url))
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { c.Close() })
	require.Eventually(t, func() bool { return r.hub.ClientCount() == before+1 }, waitFor, 5*time.Millisecond)
	return c
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for event")
		var zero T
		return zero
	}
}

func TestClient_MessageRoundTrip(t *testing.T) {
	r := startRelay(t)
	ctx := context.Background()
	alice, bob := r.dial(t), r.dial(t)

	got := make(chan json.RawMessage, 1)
	bob.OnMessageReceived(func(m json.RawMessage) { got <- m })

	require.NoError(t, alice.Authenticate(ctx, "alice"))
	require.NoError(t, bob.Authenticate(ctx, "bob"))
	require.NoError(t, alice.JoinChat(ctx, "c1"))
	require.NoError(t, bob.JoinChat(ctx, "c1"))
	require.Eventually(t, func() bool { return r.hub.ChatMembers("c1") == 2 }, waitFor, 5*time.Millisecond)

	require.NoError(t, alice.SendMessage(ctx, "c1", map[string]string{"content": "hi"}))
	assert.JSONEq(t, `{"content":"hi"}`, string(recv(t, got)))
}

func TestClient_TypingPresenceAndCalls(t *testing.T) {
	r := startRelay(t)
	ctx := context.Background()
	alice, bob := r.dial(t), r.dial(t)

	typing := make(chan TypingEvent, 1)
	online := make(chan PresenceEvent, 1)
	incoming := make(chan CallEvent, 1)
	initiated := make(chan CallEvent, 1)
	ended := make(chan CallEvent, 1)
	bob.OnTyping(func(e TypingEvent) { typing <- e })
	bob.OnUserOnline(func(e PresenceEvent) { online <- e })
	bob.OnIncomingCall(func(e CallEvent) { incoming <- e })
	bob.OnCallEnded(func(e CallEvent) { ended <- e })
	alice.OnCallInitiated(func(e CallEvent) { initiated <- e })

	require.NoError(t, alice.Authenticate(ctx, "alice"))
	require.NoError(t, bob.JoinChat(ctx, "c1"))
	require.Eventually(t, func() bool { return r.hub.ChatMembers("c1") == 1 }, waitFor, 5*time.Millisecond)

	require.NoError(t, alice.SendTyping(ctx, "c1", true))
	assert.Equal(t, TypingEvent{UserID: "alice", ChatID: "c1", IsTyping: true}, recv(t, typing))

	require.NoError(t, alice.UpdatePresence(ctx, true))
	assert.Equal(t, PresenceEvent{UserID: "alice", IsOnline: true}, recv(t, online))

	require.NoError(t, alice.InitiateCall(ctx, "c1", "video"))
	call := recv(t, incoming)
	assert.Equal(t, "alice", call.CallerID)
	assert.Equal(t, "video", call.CallType)
	assert.Equal(t, call.CallID, recv(t, initiated).CallID)

	require.NoError(t, alice.EndCall(ctx, call.CallID))
	assert.Equal(t, CallEvent{CallID: call.CallID, UserID: "alice"}, recv(t, ended))
}

func TestClient_RelayErrorsReachOnError(t *testing.T) {
	r := startRelay(t)
	c := r.dial(t)

	errs := make(chan error, 1)
	c.OnError(func(err error) { errs <- err })

	// Typing before authenticate is refused by the relay.
	require.NoError(t, c.SendTyping(context.Background(), "c1", true))

	err := recv(t, errs)
	var pe *Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, protocol.CodeUnauthorized, pe.Code)
}

func TestClient_ValidatesBeforeSending(t *testing.T) {
	r := startRelay(t)
	c := r.dial(t)
	ctx := context.Background()

	tests := []struct {
		name string
		send func() error
	}{
		{name: "empty user", send: func() error { return c.Authenticate(ctx, "") }},
		{name: "empty chat", send: func() error { return c.JoinChat(ctx, "") }},
		{name: "message not an object", send: func() error { return c.SendMessage(ctx, "c1", "hi") }},
		{name: "bad call type", send: func() error { return c.InitiateCall(ctx, "c1", "fax") }},
		{name: "empty call id", send: func() error { return c.AnswerCall(ctx, "") }},
		{name: "file not an object", send: func() error { return c.UploadFile(ctx, "c1", []string{"a"}) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.send()
			require.Error(t, err)
			assert.ErrorIs(t, err, &Error{Code: protocol.CodeBadRequest})
		})
	}
}

func TestClient_NotConnected(t *testing.T) {
	c := New(DefaultConfig("ws://127.0.0.1:1/ws"))
	assert.ErrorIs(t, c.JoinChat(context.Background(), "c1"), ErrNotConnected)
	assert.NoError(t, c.Close())
}

func TestClient_ConnectIsIdempotent(t *testing.T) {
	r := startRelay(t)
	c := r.dial(t)
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, 1, r.hub.ClientCount())

	require.NoError(t, c.Close())
	assert.False(t, c.Connected())
	require.Eventually(t, func() bool { return r.hub.ClientCount() == 0 }, waitFor, 5*time.Millisecond)
}

func TestClient_TokenInQuery(t *testing.T) {
	c := New(Config{URL: "ws://relay.local/ws?v=1", Token: "abc"})
	u, err := c.dialURL()
	require.NoError(t, err)
	assert.Equal(t, "ws://relay.local/ws?token=abc&v=1", u)
}

func TestDispatcher_RemoveListeners(t *testing.T) {
	var d Dispatcher
	calls := 0
	on(&d, protocol.EventUserOnline, func(PresenceEvent) { calls++ })

	env := protocol.Envelope{Event: protocol.EventUserOnline, Data: json.RawMessage(`{"userId":"u1","isOnline":true}`)}
	d.Dispatch(env)
	d.Reset()
	d.Dispatch(env)
	assert.Equal(t, 1, calls)
}

func TestDispatcher_DecodeFailureReportsError(t *testing.T) {
	var d Dispatcher
	var got error
	d.SetOnError(func(err error) { got = err })
	on(&d, protocol.EventUserTyping, func(TypingEvent) { t.Fatal("unexpected call") })

	d.Dispatch(protocol.Envelope{Event: protocol.EventUserTyping, Data: json.RawMessage(`"nope"`)})
	require.Error(t, got)
	assert.Contains(t, got.Error(), "user_typing")
}
