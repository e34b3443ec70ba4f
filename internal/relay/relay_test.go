package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"duet/internal/testutil"
	"duet/internal/websocket"
	"duet/pkg/types"
)

// staticUsers is a fixed user directory
type staticUsers []string

func (u staticUsers) IsKnown(username string) bool {
	for _, name := range u {
		if name == username {
			return true
		}
	}
	return false
}

func (u staticUsers) Counterparts(username string) []string {
	var out []string
	for _, name := range u {
		if name != username {
			out = append(out, name)
		}
	}
	return out
}

type relayFixture struct {
	relay    *Relay
	registry *websocket.Registry
	store    *testutil.MemoryStore
}

func newFixture(t *testing.T, config Config) *relayFixture {
	t.Helper()
	registry := websocket.NewRegistry()
	store := testutil.NewMemoryStore()
	return &relayFixture{
		relay:    NewRelay(registry, store, staticUsers{"alice", "bob", "carol"}, config),
		registry: registry,
		store:    store,
	}
}

func (f *relayFixture) online(t *testing.T, username string) *testutil.FakeConnection {
	t.Helper()
	conn := testutil.NewFakeConnection()
	_ = f.registry.Add(conn)
	if _, err := f.registry.Bind(username, conn); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	conn.SetUsername(username)
	return conn
}

func text(to, body string) *types.SendMessageRequest {
	return &types.SendMessageRequest{To: to, Message: body}
}

func TestSendChat_DeliversAndEchoes(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	alice := f.online(t, "alice")
	bob := f.online(t, "bob")

	outcome, err := f.relay.SendChat(context.Background(), alice, "alice", text("bob", "hi"))
	if err != nil {
		t.Fatalf("SendChat failed: %v", err)
	}
	if !outcome.Delivered || !outcome.Echoed {
		t.Errorf("Expected delivery and echo, got %+v", outcome)
	}
	if outcome.Message.ID == "" || outcome.Message.Timestamp.IsZero() {
		t.Error("Stored message should carry server-assigned id and timestamp")
	}

	received, ok := bob.Last(types.EventReceiveMessage)
	if !ok {
		t.Fatal("Bob did not receive the message")
	}
	msg := received.Payload.(*types.ChatMessage)
	if msg.From != "alice" || msg.Message != "hi" || msg.ID != outcome.Message.ID {
		t.Errorf("Unexpected delivered message: %+v", msg)
	}

	echo, ok := alice.Last(types.EventReceiveMessage)
	if !ok || echo.Payload.(*types.ChatMessage).ID != outcome.Message.ID {
		t.Error("Alice should receive the stored message as an echo")
	}
}

func TestSendChat_EchoGoesToOriginatingConnection(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	first := f.online(t, "alice")
	f.online(t, "bob")
	// alice logs in again elsewhere while the first socket's message is in flight
	second := f.online(t, "alice")

	outcome, err := f.relay.SendChat(context.Background(), first, "alice", text("bob", "from the first tab"))
	if err != nil {
		t.Fatalf("SendChat failed: %v", err)
	}
	if !outcome.Echoed {
		t.Error("Expected the echo to be written")
	}

	echo, ok := first.Last(types.EventReceiveMessage)
	if !ok || echo.Payload.(*types.ChatMessage).ID != outcome.Message.ID {
		t.Error("The sending connection should get the stored message back")
	}
	if n := len(second.EventsNamed(types.EventReceiveMessage)); n != 0 {
		t.Errorf("The newer connection should not get the echo, got %d", n)
	}
}

func TestSendChat_SenderIdentityComesFromConnection(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	bob := f.online(t, "bob")

	req := text("bob", "spoofed?")
	req.From = "carol"
	if _, err := f.relay.SendChat(context.Background(), nil, "alice", req); err != nil {
		t.Fatalf("SendChat failed: %v", err)
	}

	received, _ := bob.Last(types.EventReceiveMessage)
	if from := received.Payload.(*types.ChatMessage).From; from != "alice" {
		t.Errorf("Expected sender alice, got %s", from)
	}
}

func TestSendChat_OfflineRecipientIsStoredOnly(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	alice := f.online(t, "alice")

	outcome, err := f.relay.SendChat(context.Background(), alice, "alice", text("bob", "later"))
	if err != nil {
		t.Fatalf("SendChat failed: %v", err)
	}
	if outcome.Delivered {
		t.Error("Offline recipient must not count as delivered")
	}
	if f.store.Count() != 1 {
		t.Errorf("Expected message to be stored, got %d", f.store.Count())
	}
	if len(alice.EventsNamed(types.EventReceiveMessage)) != 1 {
		t.Error("Sender should still get the echo")
	}
}

func TestSendChat_PersistenceFailure(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	alice := f.online(t, "alice")
	bob := f.online(t, "bob")
	f.store.FailAppend(errors.New("disk full"))

	_, err := f.relay.SendChat(context.Background(), nil, "alice", text("bob", "hi"))
	if !errors.Is(err, ErrPersistenceFailed) {
		t.Fatalf("Expected ErrPersistenceFailed, got %v", err)
	}
	if len(bob.Events()) != 0 || len(alice.Events()) != 0 {
		t.Error("Nothing may be delivered when the store fails")
	}
}

func TestSendChat_Validation(t *testing.T) {
	fileURL := "/uploads/a.png"
	tests := []struct {
		name    string
		req     *types.SendMessageRequest
		wantErr error
	}{
		{"empty body", text("bob", "  "), types.ErrEmptyMessage},
		{"too large", text("bob", strings.Repeat("x", 11)), types.ErrMessageTooLarge},
		{"unknown recipient", text("mallory", "hi"), ErrUnknownRecipient},
		{"malformed recipient", text("bad name", "hi"), types.ErrInvalidRecipient},
		{"self", text("alice", "hi"), types.ErrInvalidRecipient},
		{"file without type", &types.SendMessageRequest{To: "bob", FileURL: &fileURL}, types.ErrIncompleteFileInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{MaxMessageBytes: 10})
			if _, err := f.relay.SendChat(context.Background(), nil, "alice", tt.req); !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
			if f.store.Count() != 0 {
				t.Error("Rejected messages must not be stored")
			}
		})
	}
}

func TestSendChat_FileMessage(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	bob := f.online(t, "bob")

	url, kind, name := "/uploads/x.mp4", "video", "clip.mp4"
	_, err := f.relay.SendChat(context.Background(), nil, "alice", &types.SendMessageRequest{
		To: "bob", FileURL: &url, FileType: &kind, FileName: &name,
	})
	if err != nil {
		t.Fatalf("SendChat failed: %v", err)
	}

	received, _ := bob.Last(types.EventReceiveMessage)
	msg := received.Payload.(*types.ChatMessage)
	if msg.FileURL == nil || *msg.FileURL != url || *msg.FileType != "video" || *msg.FileName != name {
		t.Errorf("File fields not relayed: %+v", msg)
	}
}

func TestSendChat_RateLimit(t *testing.T) {
	f := newFixture(t, Config{RateLimitPerMinute: 2})

	for i := 0; i < 2; i++ {
		if _, err := f.relay.SendChat(context.Background(), nil, "alice", text("bob", fmt.Sprint(i))); err != nil {
			t.Fatalf("Message %d rejected: %v", i, err)
		}
	}
	if _, err := f.relay.SendChat(context.Background(), nil, "alice", text("bob", "third")); !errors.Is(err, ErrRateLimitExceeded) {
		t.Errorf("Expected ErrRateLimitExceeded, got %v", err)
	}
	if _, err := f.relay.SendChat(context.Background(), nil, "bob", text("alice", "other sender")); err != nil {
		t.Errorf("Limits are per sender, got %v", err)
	}
}

func TestSendChat_ReplyTarget(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()

	first, err := f.relay.SendChat(ctx, nil, "bob", text("alice", "question"))
	if err != nil {
		t.Fatalf("SendChat failed: %v", err)
	}
	elsewhere, err := f.relay.SendChat(ctx, nil, "carol", text("bob", "private"))
	if err != nil {
		t.Fatalf("SendChat failed: %v", err)
	}

	reply := text("bob", "answer")
	reply.ReplyToID = &first.Message.ID
	outcome, err := f.relay.SendChat(ctx, nil, "alice", reply)
	if err != nil {
		t.Fatalf("Reply failed: %v", err)
	}
	if outcome.Message.ReplyToID == nil || *outcome.Message.ReplyToID != first.Message.ID {
		t.Error("Reply reference not stored")
	}

	foreign := text("bob", "sneaky")
	foreign.ReplyToID = &elsewhere.Message.ID
	if _, err := f.relay.SendChat(ctx, nil, "alice", foreign); !errors.Is(err, ErrInvalidReply) {
		t.Errorf("Expected ErrInvalidReply for another conversation, got %v", err)
	}

	missing := "nope"
	dangling := text("bob", "dangling")
	dangling.ReplyToID = &missing
	if _, err := f.relay.SendChat(ctx, nil, "alice", dangling); !errors.Is(err, ErrInvalidReply) {
		t.Errorf("Expected ErrInvalidReply for unknown target, got %v", err)
	}
}

func TestEditChat(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	alice := f.online(t, "alice")
	bob := f.online(t, "bob")

	sent, err := f.relay.SendChat(ctx, nil, "alice", text("bob", "helo"))
	if err != nil {
		t.Fatalf("SendChat failed: %v", err)
	}

	if _, err := f.relay.EditChat(ctx, nil, "bob", &types.EditMessageRequest{MessageID: sent.Message.ID, NewMessage: "hacked"}); !errors.Is(err, ErrNotAuthor) {
		t.Errorf("Expected ErrNotAuthor, got %v", err)
	}

	outcome, err := f.relay.EditChat(ctx, alice, "alice", &types.EditMessageRequest{MessageID: sent.Message.ID, NewMessage: "hello"})
	if err != nil {
		t.Fatalf("EditChat failed: %v", err)
	}
	if !outcome.Delivered || !outcome.Echoed {
		t.Errorf("Expected edit delivered and echoed, got %+v", outcome)
	}

	for name, conn := range map[string]*testutil.FakeConnection{"alice": alice, "bob": bob} {
		edited, ok := conn.Last(types.EventMessageEdited)
		if !ok {
			t.Errorf("%s did not receive messageEdited", name)
			continue
		}
		msg := edited.Payload.(*types.ChatMessage)
		if msg.Message != "hello" || !msg.IsEdited || msg.EditedAt == nil {
			t.Errorf("%s got unexpected edit: %+v", name, msg)
		}
	}

	if _, err := f.relay.EditChat(ctx, nil, "alice", &types.EditMessageRequest{MessageID: "missing", NewMessage: "x"}); !errors.Is(err, ErrMessageNotFound) {
		t.Errorf("Expected ErrMessageNotFound, got %v", err)
	}
	if _, err := f.relay.EditChat(ctx, nil, "alice", &types.EditMessageRequest{MessageID: sent.Message.ID, NewMessage: " "}); !errors.Is(err, types.ErrEmptyMessage) {
		t.Errorf("Expected ErrEmptyMessage, got %v", err)
	}

	f.store.FailUpdate(errors.New("locked"))
	if _, err := f.relay.EditChat(ctx, nil, "alice", &types.EditMessageRequest{MessageID: sent.Message.ID, NewMessage: "again"}); !errors.Is(err, ErrPersistenceFailed) {
		t.Errorf("Expected ErrPersistenceFailed, got %v", err)
	}
}

func TestSendTyping(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	if err := f.relay.SendTyping("alice", &types.TypingRequest{To: "bob", IsTyping: true}); !errors.Is(err, ErrRecipientOffline) {
		t.Errorf("Expected ErrRecipientOffline, got %v", err)
	}

	bob := f.online(t, "bob")
	if err := f.relay.SendTyping("alice", &types.TypingRequest{To: "bob", IsTyping: true}); err != nil {
		t.Fatalf("SendTyping failed: %v", err)
	}
	ev, ok := bob.Last(types.EventTyping)
	if !ok {
		t.Fatal("Bob did not receive typing")
	}
	if payload := ev.Payload.(types.TypingEvent); payload.From != "alice" || !payload.IsTyping {
		t.Errorf("Unexpected typing payload: %+v", payload)
	}
	if f.store.Count() != 0 {
		t.Error("Typing indicators are never stored")
	}
}

func TestForwardSignal_Verbatim(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	bob := f.online(t, "bob")

	candidate := json.RawMessage(`{"candidate":"candidate:1 1 UDP 2122252543 10.0.0.1 54400 typ host","sdpMid":"0"}`)
	if err := f.relay.ForwardSignal("alice", types.EventICECandidate, &types.SignalRequest{To: "bob", Candidate: candidate}); err != nil {
		t.Fatalf("ForwardSignal failed: %v", err)
	}

	ev, ok := bob.Last(types.EventICECandidate)
	if !ok {
		t.Fatal("Bob did not receive the candidate")
	}
	payload := ev.Payload.(types.SignalEvent)
	if payload.From != "alice" || string(payload.Candidate) != string(candidate) {
		t.Errorf("Signal payload altered: %+v", payload)
	}

	if err := f.relay.ForwardSignal("alice", types.EventCallOffer, &types.SignalRequest{To: "carol"}); !errors.Is(err, ErrRecipientOffline) {
		t.Errorf("Expected ErrRecipientOffline, got %v", err)
	}
}

func TestLoadHistory_MergesAndTrims(t *testing.T) {
	f := newFixture(t, Config{HistoryLimit: 4})
	ctx := context.Background()

	send := func(from, to, body string) {
		if _, err := f.relay.SendChat(ctx, nil, from, text(to, body)); err != nil {
			t.Fatalf("SendChat failed: %v", err)
		}
	}
	send("alice", "bob", "1")
	send("carol", "alice", "2")
	send("bob", "alice", "3")
	send("bob", "carol", "not mine")
	send("alice", "carol", "4")
	send("alice", "bob", "5")

	history, err := f.relay.LoadHistory(ctx, "alice")
	if err != nil {
		t.Fatalf("LoadHistory failed: %v", err)
	}

	var got []string
	for _, m := range history {
		got = append(got, m.Message)
	}
	if strings.Join(got, ",") != "2,3,4,5" {
		t.Errorf("Expected last four of alice's messages in order, got %v", got)
	}

	f.store.FailQueries(errors.New("boom"))
	if _, err := f.relay.LoadHistory(ctx, "alice"); err == nil {
		t.Error("Expected history error when store fails")
	}
}

func TestLoadHistory_Empty(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	history, err := f.relay.LoadHistory(context.Background(), "alice")
	if err != nil || history == nil || len(history) != 0 {
		t.Errorf("Expected empty non-nil history, got %v, %v", history, err)
	}
}

func TestConversation(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	_, _ = f.relay.SendChat(ctx, nil, "alice", text("bob", "a"))
	_, _ = f.relay.SendChat(ctx, nil, "bob", text("alice", "b"))

	messages, err := f.relay.Conversation(ctx, "bob", "alice")
	if err != nil || len(messages) != 2 {
		t.Fatalf("Expected 2 messages, got %d, %v", len(messages), err)
	}
	if _, err := f.relay.Conversation(ctx, "alice", "mallory"); !errors.Is(err, ErrUnknownRecipient) {
		t.Errorf("Expected ErrUnknownRecipient, got %v", err)
	}
}
