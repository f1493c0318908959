package chatsync

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/WimpyvL/zappy-health-app-sub000/internal/models"
	"github.com/WimpyvL/zappy-health-app-sub000/internal/realtime"
	"github.com/rs/zerolog"
)

const (
	testPatient = int64(42)
	testDoctor  = int64(1001)
)

// fakeBackend mimics the server: sends bump last_message_at, directory is
// ordered newest first and mark-read only stamps unread foreign messages.
type fakeBackend struct {
	mu            sync.Mutex
	conversations map[int64]*models.ConversationWithDoctor
	messages      map[int64][]models.MessageWithSender
	nextID        int64
	clock         time.Time

	listConversationsCalls int
	listMessagesCalls      int
	sendCalls              []models.SendMessageInput
	markCalls              [][]int64

	directoryErr error
	sendErr      error
	markErr      error

	// Optional hooks, called before the fake answers.
	beforeListConversations func(call int)
	beforeListMessages      func(conversationID int64, call int)
	beforeSend              func(input models.SendMessageInput)
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		conversations: make(map[int64]*models.ConversationWithDoctor),
		messages:      make(map[int64][]models.MessageWithSender),
		nextID:        100,
		clock:         time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func (f *fakeBackend) addConversation(id, doctorID int64, lastMessageAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conversations[id] = &models.ConversationWithDoctor{
		Conversation: models.Conversation{ID: id, PatientID: testPatient, DoctorID: doctorID, Status: "active", LastMessageAt: lastMessageAt},
		Doctor:       models.Doctor{ID: doctorID, UserID: testDoctor + doctorID, Name: "Dr. Test"},
	}
}

func (f *fakeBackend) addMessage(conversationID, senderID int64, content string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appendLocked(conversationID, senderID, content)
}

func (f *fakeBackend) appendLocked(conversationID, senderID int64, content string) int64 {
	f.nextID++
	f.clock = f.clock.Add(time.Minute)
	message := models.MessageWithSender{
		Message: models.Message{
			ID:             f.nextID,
			ConversationID: conversationID,
			SenderID:       senderID,
			Content:        content,
			MessageType:    models.DefaultMessageType,
			CreatedAt:      f.clock,
		},
		Sender: models.MessageSender{ID: senderID, IsDoctor: senderID != testPatient},
	}
	f.messages[conversationID] = append(f.messages[conversationID], message)
	if conversation, ok := f.conversations[conversationID]; ok && f.clock.After(conversation.LastMessageAt) {
		conversation.LastMessageAt = f.clock
	}
	return f.nextID
}

func (f *fakeBackend) ListConversations(ctx context.Context, patientID int64) ([]models.ConversationWithDoctor, error) {
	f.mu.Lock()
	f.listConversationsCalls++
	call := f.listConversationsCalls
	hook := f.beforeListConversations
	f.mu.Unlock()
	if hook != nil {
		hook(call)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.directoryErr != nil {
		return nil, f.directoryErr
	}
	out := make([]models.ConversationWithDoctor, 0, len(f.conversations))
	for _, conversation := range f.conversations {
		if conversation.PatientID != patientID {
			continue
		}
		entry := *conversation
		entry.UnreadCount = 0
		entry.LastMessage = nil
		for _, message := range f.messages[conversation.ID] {
			if message.IsUnreadFor(patientID) {
				entry.UnreadCount++
			}
			m := message.Message
			entry.LastMessage = &m
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out, nil
}

func (f *fakeBackend) ListMessages(ctx context.Context, conversationID int64) ([]models.MessageWithSender, error) {
	f.mu.Lock()
	f.listMessagesCalls++
	call := f.listMessagesCalls
	hook := f.beforeListMessages
	f.mu.Unlock()
	if hook != nil {
		hook(conversationID, call)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.MessageWithSender(nil), f.messages[conversationID]...), nil
}

func (f *fakeBackend) SendMessage(_ context.Context, input models.SendMessageInput) (*models.SendResult, error) {
	if f.beforeSend != nil {
		f.beforeSend(input)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls = append(f.sendCalls, input)
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	id := f.appendLocked(input.ConversationID, testPatient, input.Content)
	messages := f.messages[input.ConversationID]
	message := messages[len(messages)-1].Message
	if message.ID != id {
		return nil, errors.New("fake backend out of sync")
	}
	return &models.SendResult{Message: &message}, nil
}

func (f *fakeBackend) MarkAsRead(_ context.Context, conversationID int64, messageIDs []int64) (*models.ReadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markCalls = append(f.markCalls, append([]int64(nil), messageIDs...))
	if f.markErr != nil {
		return nil, f.markErr
	}
	readAt := f.clock.Add(time.Second)
	wanted := make(map[int64]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		wanted[id] = struct{}{}
	}
	result := &models.ReadResult{ConversationID: conversationID, MessageIDs: []int64{}, ReadAt: readAt}
	for i := range f.messages[conversationID] {
		message := &f.messages[conversationID][i]
		if _, ok := wanted[message.ID]; ok && message.IsUnreadFor(testPatient) {
			stamp := readAt
			message.ReadAt = &stamp
			result.MessageIDs = append(result.MessageIDs, message.ID)
		}
	}
	return result, nil
}

func (f *fakeBackend) counts() (directory, thread, send, mark int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listConversationsCalls, f.listMessagesCalls, len(f.sendCalls), len(f.markCalls)
}

func newTestSession(t *testing.T, backend Backend, broker *realtime.MemoryBroker, opts ...Option) *Session {
	t.Helper()
	opts = append([]Option{WithLogger(zerolog.Nop()), WithReadDelay(20 * time.Millisecond)}, opts...)
	session := NewSession(backend, broker, testPatient, opts...)
	t.Cleanup(session.Close)
	return session
}

func newTestBroker(t *testing.T) *realtime.MemoryBroker {
	t.Helper()
	broker := realtime.NewMemoryBroker(zerolog.Nop())
	t.Cleanup(func() { _ = broker.Close() })
	return broker
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func conversationOrder(state State) []int64 {
	ids := make([]int64, 0, len(state.Conversations))
	for _, conversation := range state.Conversations {
		ids = append(ids, conversation.ID)
	}
	return ids
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSendMovesConversationToFront(t *testing.T) {
	backend := newFakeBackend()
	t0 := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	backend.clock = t0
	backend.addConversation(1, 1, t0)
	backend.addConversation(2, 2, t0.Add(-time.Hour))

	session := newTestSession(t, backend, newTestBroker(t))
	ctx := context.Background()

	if err := session.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := conversationOrder(session.Snapshot()); !equalIDs(got, []int64{1, 2}) {
		t.Fatalf("expected [1 2], got %v", got)
	}

	if err := session.Select(ctx, 2); err != nil {
		t.Fatalf("Select: %v", err)
	}
	session.SetDraft("Question about my refill")
	if _, err := session.Send(ctx); err != nil {
		t.Fatalf("Send: %v", err)
	}

	state := session.Snapshot()
	if got := conversationOrder(state); !equalIDs(got, []int64{2, 1}) {
		t.Fatalf("expected [2 1] after send, got %v", got)
	}
	if state.Draft != "" || state.SendErr != nil {
		t.Fatalf("expected cleared draft and no error, got %q %v", state.Draft, state.SendErr)
	}
	if len(state.Messages) != 1 || state.Messages[0].Content != "Question about my refill" {
		t.Fatalf("expected thread reloaded with sent message, got %+v", state.Messages)
	}
}

func TestOpeningConversationMarksUnreadAfterDelay(t *testing.T) {
	backend := newFakeBackend()
	backend.addConversation(7, 1, backend.clock)
	doctorUser := testDoctor + 1
	want := []int64{
		backend.addMessage(7, doctorUser, "lab results are in"),
		backend.addMessage(7, doctorUser, "all normal"),
		backend.addMessage(7, doctorUser, "follow up in a month"),
	}
	backend.addMessage(7, testPatient, "thanks")

	session := newTestSession(t, backend, newTestBroker(t), WithReadDelay(80*time.Millisecond))
	ctx := context.Background()
	if err := session.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := session.Snapshot().UnreadCount(7); got != 3 {
		t.Fatalf("expected 3 unread, got %d", got)
	}

	if err := session.Select(ctx, 7); err != nil {
		t.Fatalf("Select: %v", err)
	}
	state := session.Snapshot()
	if state.Phase != PhaseLoaded || len(state.Messages) != 4 {
		t.Fatalf("expected loaded thread of 4, got %s %d", state.Phase, len(state.Messages))
	}
	if _, _, _, marks := backend.counts(); marks != 0 {
		t.Fatalf("expected no mark-as-read before the delay, got %d", marks)
	}

	waitFor(t, "mark as read", func() bool {
		_, _, _, marks := backend.counts()
		return marks == 1
	})
	backend.mu.Lock()
	got := backend.markCalls[0]
	backend.mu.Unlock()
	if !equalIDs(got, want) {
		t.Fatalf("expected mark for %v, got %v", want, got)
	}

	waitFor(t, "local unread count", func() bool { return session.Snapshot().UnreadCount(7) == 0 })
	for _, message := range session.Snapshot().Messages {
		if message.IsUnreadFor(testPatient) {
			t.Fatalf("message %d still unread locally", message.ID)
		}
	}

	if err := session.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := session.Snapshot().UnreadCount(7); got != 0 {
		t.Fatalf("expected server unread count 0, got %d", got)
	}
}

func TestNoReadTimerWithoutUnreadMessages(t *testing.T) {
	backend := newFakeBackend()
	backend.addConversation(7, 1, backend.clock)
	backend.addMessage(7, testPatient, "hello")

	session := newTestSession(t, backend, newTestBroker(t))
	if err := session.Select(context.Background(), 7); err != nil {
		t.Fatalf("Select: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	if _, _, _, marks := backend.counts(); marks != 0 {
		t.Fatalf("expected no mark-as-read, got %d", marks)
	}
}

func TestLeavingBeforeDelaySkipsMarkAsRead(t *testing.T) {
	backend := newFakeBackend()
	backend.addConversation(7, 1, backend.clock)
	backend.addMessage(7, testDoctor, "hi")

	session := newTestSession(t, backend, newTestBroker(t), WithReadDelay(50*time.Millisecond))
	if err := session.Select(context.Background(), 7); err != nil {
		t.Fatalf("Select: %v", err)
	}
	session.Deselect()

	time.Sleep(100 * time.Millisecond)
	if _, _, _, marks := backend.counts(); marks != 0 {
		t.Fatalf("expected preview without marking read, got %d marks", marks)
	}
	if state := session.Snapshot(); state.Phase != PhaseNone || state.ConversationID != 0 || state.Messages != nil {
		t.Fatalf("expected closed thread, got %+v", state)
	}
}

func TestSendValidatesLengthBeforeBackend(t *testing.T) {
	backend := newFakeBackend()
	backend.addConversation(7, 1, backend.clock)

	session := newTestSession(t, backend, newTestBroker(t))
	ctx := context.Background()
	if err := session.Select(ctx, 7); err != nil {
		t.Fatalf("Select: %v", err)
	}

	cases := []struct {
		name    string
		draft   string
		wantErr error
	}{
		{name: "whitespace", draft: "   \n\t", wantErr: models.ErrEmptyMessage},
		{name: "1001 characters", draft: strings.Repeat("a", 1001), wantErr: models.ErrMessageTooLong},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			session.SetDraft(tc.draft)
			if _, err := session.Send(ctx); !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
			if _, _, sends, _ := backend.counts(); sends != 0 {
				t.Fatalf("expected no backend call, got %d", sends)
			}
			state := session.Snapshot()
			if state.Draft != tc.draft || !errors.Is(state.SendErr, tc.wantErr) {
				t.Fatalf("expected draft kept with error, got %q %v", state.Draft, state.SendErr)
			}
		})
	}

	session.SetDraft(strings.Repeat("a", 1000))
	if _, err := session.Send(ctx); err != nil {
		t.Fatalf("expected 1000 characters to send, got %v", err)
	}
	if _, _, sends, _ := backend.counts(); sends != 1 {
		t.Fatalf("expected one backend call, got %d", sends)
	}
}

func TestSendFailureKeepsDraftAndRetryReusesKey(t *testing.T) {
	backend := newFakeBackend()
	backend.addConversation(7, 1, backend.clock)
	backend.sendErr = errors.New("gateway timeout")

	keys := []string{"key-1", "key-2"}
	session := newTestSession(t, backend, newTestBroker(t), WithIdempotencyKeys(func() string {
		key := keys[0]
		keys = keys[1:]
		return key
	}))
	ctx := context.Background()
	if err := session.Select(ctx, 7); err != nil {
		t.Fatalf("Select: %v", err)
	}

	session.SetDraft("  can I take this with food?  ")
	if _, err := session.Send(ctx); !errors.Is(err, ErrSendMessage) {
		t.Fatalf("expected send failure, got %v", err)
	}
	state := session.Snapshot()
	if state.Draft != "  can I take this with food?  " || !errors.Is(state.SendErr, ErrSendMessage) || state.Sending {
		t.Fatalf("unexpected state after failure: %+v", state)
	}

	backend.mu.Lock()
	backend.sendErr = nil
	backend.mu.Unlock()
	if _, err := session.Send(ctx); err != nil {
		t.Fatalf("retry Send: %v", err)
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.sendCalls) != 2 {
		t.Fatalf("expected 2 send calls, got %d", len(backend.sendCalls))
	}
	for _, call := range backend.sendCalls {
		if call.IdempotencyKey != "key-1" {
			t.Fatalf("expected retry to reuse key-1, got %q", call.IdempotencyKey)
		}
		if call.Content != "can I take this with food?" {
			t.Fatalf("expected trimmed content, got %q", call.Content)
		}
	}
	if got := session.Snapshot(); got.Draft != "" || got.SendErr != nil {
		t.Fatalf("expected cleared draft after success, got %+v", got)
	}
}

func TestSwitchingConversationClearsComposer(t *testing.T) {
	backend := newFakeBackend()
	backend.addConversation(7, 1, backend.clock)
	backend.addConversation(8, 2, backend.clock.Add(-time.Hour))
	backend.sendErr = errors.New("timeout")

	keys := []string{"key-1", "key-2"}
	session := newTestSession(t, backend, newTestBroker(t), WithIdempotencyKeys(func() string {
		key := keys[0]
		keys = keys[1:]
		return key
	}))
	ctx := context.Background()
	if err := session.Select(ctx, 7); err != nil {
		t.Fatalf("Select(7): %v", err)
	}
	session.SetDraft("for doctor one only")
	if _, err := session.Send(ctx); !errors.Is(err, ErrSendMessage) {
		t.Fatalf("expected send failure, got %v", err)
	}

	if err := session.Select(ctx, 8); err != nil {
		t.Fatalf("Select(8): %v", err)
	}
	state := session.Snapshot()
	if state.Draft != "" || state.SendErr != nil || state.Sending {
		t.Fatalf("composer leaked into conversation 8: draft=%q sendErr=%v sending=%v", state.Draft, state.SendErr, state.Sending)
	}
	if _, err := session.Send(ctx); !errors.Is(err, models.ErrEmptyMessage) {
		t.Fatalf("expected empty draft to be rejected, got %v", err)
	}

	backend.mu.Lock()
	backend.sendErr = nil
	backend.mu.Unlock()
	session.SetDraft("for doctor two")
	if _, err := session.Send(ctx); err != nil {
		t.Fatalf("Send to 8: %v", err)
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.sendCalls) != 2 {
		t.Fatalf("expected 2 send calls, got %d", len(backend.sendCalls))
	}
	second := backend.sendCalls[1]
	if second.ConversationID != 8 || second.Content != "for doctor two" || second.IdempotencyKey != "key-2" {
		t.Fatalf("unexpected second send: %+v", second)
	}
}

func TestInFlightSendFailureStaysWithItsConversation(t *testing.T) {
	backend := newFakeBackend()
	backend.addConversation(7, 1, backend.clock)
	backend.addConversation(8, 2, backend.clock.Add(-time.Hour))
	backend.sendErr = errors.New("timeout")

	entered := make(chan struct{})
	release := make(chan struct{})
	backend.beforeSend = func(models.SendMessageInput) {
		close(entered)
		<-release
	}

	session := newTestSession(t, backend, newTestBroker(t))
	ctx := context.Background()
	if err := session.Select(ctx, 7); err != nil {
		t.Fatalf("Select(7): %v", err)
	}
	session.SetDraft("for doctor one only")

	sendDone := make(chan error, 1)
	go func() {
		_, err := session.Send(ctx)
		sendDone <- err
	}()
	<-entered

	if err := session.Select(ctx, 8); err != nil {
		t.Fatalf("Select(8): %v", err)
	}
	close(release)
	if err := <-sendDone; !errors.Is(err, ErrSendMessage) {
		t.Fatalf("expected the caller to see the failure, got %v", err)
	}

	state := session.Snapshot()
	if state.ConversationID != 8 || state.SendErr != nil || state.Sending || state.Draft != "" {
		t.Fatalf("failed send leaked into conversation 8: %+v", state)
	}
}

func TestSendWithoutConversation(t *testing.T) {
	session := newTestSession(t, newFakeBackend(), newTestBroker(t))
	session.SetDraft("hello")
	if _, err := session.Send(context.Background()); !errors.Is(err, ErrNoConversation) {
		t.Fatalf("expected ErrNoConversation, got %v", err)
	}
}

func TestSwitchingConversationReleasesSubscriptionAndDropsStaleThread(t *testing.T) {
	backend := newFakeBackend()
	backend.addConversation(1, 1, backend.clock)
	backend.addConversation(2, 2, backend.clock)
	backend.addMessage(1, testPatient, "first thread")
	backend.addMessage(2, testPatient, "second thread")

	release := make(chan struct{})
	started := make(chan struct{})
	backend.beforeListMessages = func(conversationID int64, call int) {
		if conversationID == 1 && call == 1 {
			close(started)
			<-release
		}
	}

	broker := newTestBroker(t)
	session := newTestSession(t, backend, broker)
	ctx := context.Background()
	if err := session.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	firstDone := make(chan error, 1)
	go func() { firstDone <- session.Select(ctx, 1) }()
	<-started

	if err := session.Select(ctx, 2); err != nil {
		t.Fatalf("Select(2): %v", err)
	}
	close(release)
	if err := <-firstDone; err != nil {
		t.Fatalf("expected superseded select to return quietly, got %v", err)
	}

	state := session.Snapshot()
	if state.ConversationID != 2 || len(state.Messages) != 1 || state.Messages[0].Content != "second thread" {
		t.Fatalf("expected conversation 2 thread, got %+v", state)
	}
	if got := broker.Len(); got != 2 {
		t.Fatalf("expected directory and one thread subscription, got %d", got)
	}

	session.Deselect()
	if got := broker.Len(); got != 1 {
		t.Fatalf("expected only the directory subscription after deselect, got %d", got)
	}
}

func TestStaleDirectoryResponseIsDropped(t *testing.T) {
	backend := newFakeBackend()
	backend.addConversation(1, 1, backend.clock)

	release := make(chan struct{})
	started := make(chan struct{})
	backend.beforeListConversations = func(call int) {
		if call == 1 {
			close(started)
			<-release
		}
	}

	session := newTestSession(t, backend, newTestBroker(t))
	ctx := context.Background()

	slowDone := make(chan error, 1)
	go func() { slowDone <- session.Refresh(ctx) }()
	<-started

	backend.addConversation(2, 2, backend.clock.Add(time.Hour))
	if err := session.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := conversationOrder(session.Snapshot()); !equalIDs(got, []int64{2, 1}) {
		t.Fatalf("expected fresh directory [2 1], got %v", got)
	}

	backend.mu.Lock()
	delete(backend.conversations, 2)
	backend.mu.Unlock()
	close(release)
	if err := <-slowDone; err != nil {
		t.Fatalf("slow Refresh: %v", err)
	}

	if got := conversationOrder(session.Snapshot()); !equalIDs(got, []int64{2, 1}) {
		t.Fatalf("expected stale response to be dropped, got %v", got)
	}
}

func TestDirectoryErrorKeepsLastGoodData(t *testing.T) {
	backend := newFakeBackend()
	backend.addConversation(1, 1, backend.clock)

	session := newTestSession(t, backend, newTestBroker(t))
	ctx := context.Background()
	if err := session.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	backend.mu.Lock()
	backend.directoryErr = errors.New("connection refused")
	backend.mu.Unlock()

	if err := session.Refresh(ctx); !errors.Is(err, ErrLoadConversations) {
		t.Fatalf("expected ErrLoadConversations, got %v", err)
	}
	state := session.Snapshot()
	if len(state.Conversations) != 1 || !errors.Is(state.DirectoryErr, ErrLoadConversations) {
		t.Fatalf("expected stale data with error flag, got %+v", state)
	}

	backend.mu.Lock()
	backend.directoryErr = nil
	backend.mu.Unlock()
	if err := session.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if session.Snapshot().DirectoryErr != nil {
		t.Fatalf("expected error flag cleared")
	}
}

func TestMarkAsReadFailureIsSilent(t *testing.T) {
	backend := newFakeBackend()
	backend.addConversation(7, 1, backend.clock)
	backend.addMessage(7, testDoctor, "hi")
	backend.markErr = errors.New("boom")

	session := newTestSession(t, backend, newTestBroker(t))
	if err := session.Select(context.Background(), 7); err != nil {
		t.Fatalf("Select: %v", err)
	}

	waitFor(t, "mark attempt", func() bool {
		_, _, _, marks := backend.counts()
		return marks == 1
	})
	state := session.Snapshot()
	if state.ThreadErr != nil || state.SendErr != nil || state.DirectoryErr != nil {
		t.Fatalf("expected mark failure to stay out of state, got %+v", state)
	}
	if !state.Messages[0].IsUnreadFor(testPatient) {
		t.Fatalf("expected message to stay unread locally")
	}
}

func TestLiveEventsTriggerRefetch(t *testing.T) {
	backend := newFakeBackend()
	backend.addConversation(7, 1, backend.clock)

	broker := newTestBroker(t)
	session := newTestSession(t, backend, broker, WithReadDelay(time.Hour))
	ctx := context.Background()
	if err := session.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := session.Select(ctx, 7); err != nil {
		t.Fatalf("Select: %v", err)
	}

	id := backend.addMessage(7, testDoctor, "new message from doctor")
	_ = broker.Publish(ctx, realtime.Event{
		Table: realtime.TableMessages, Type: realtime.EventInsert, RecordID: id, ConversationID: 7, PatientID: testPatient,
	})
	_ = broker.Publish(ctx, realtime.Event{
		Table: realtime.TableConversations, Type: realtime.EventUpdate, RecordID: 7, ConversationID: 7, PatientID: testPatient,
	})

	waitFor(t, "thread refetch", func() bool { return len(session.Snapshot().Messages) == 1 })
	waitFor(t, "directory refetch", func() bool { return session.Snapshot().UnreadCount(7) == 1 })

	_, threadBefore, _, _ := backend.counts()
	_ = broker.Publish(ctx, realtime.Event{
		Table: realtime.TableMessages, Type: realtime.EventDelete, RecordID: id, ConversationID: 7,
	})
	time.Sleep(30 * time.Millisecond)
	if _, threadAfter, _, _ := backend.counts(); threadAfter != threadBefore {
		t.Fatalf("expected delete events to be ignored")
	}
}

func TestCloseReleasesEverything(t *testing.T) {
	backend := newFakeBackend()
	backend.addConversation(7, 1, backend.clock)

	broker := newTestBroker(t)
	var changes int
	var changesMu sync.Mutex
	session := NewSession(backend, broker, testPatient,
		WithLogger(zerolog.Nop()),
		WithOnChange(func(State) {
			changesMu.Lock()
			changes++
			changesMu.Unlock()
		}),
	)
	ctx := context.Background()
	if err := session.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := session.Select(ctx, 7); err != nil {
		t.Fatalf("Select: %v", err)
	}
	if got := broker.Len(); got != 2 {
		t.Fatalf("expected 2 subscriptions, got %d", got)
	}

	session.Close()
	session.Close()

	if got := broker.Len(); got != 0 {
		t.Fatalf("expected subscriptions released, got %d", got)
	}
	if err := session.Select(ctx, 7); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	changesMu.Lock()
	defer changesMu.Unlock()
	if changes == 0 {
		t.Fatalf("expected change callbacks")
	}
}

func TestStartTwice(t *testing.T) {
	session := newTestSession(t, newFakeBackend(), newTestBroker(t))
	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := session.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestChangeCallbacksEndOnLatestState(t *testing.T) {
	var (
		mu        sync.Mutex
		delivered []string
	)
	session := NewSession(newFakeBackend(), newTestBroker(t), testPatient,
		WithLogger(zerolog.Nop()),
		WithOnChange(func(state State) {
			mu.Lock()
			delivered = append(delivered, state.Draft)
			mu.Unlock()
		}),
	)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			session.SetDraft("scratch")
		}()
	}
	wg.Wait()
	session.SetDraft("final")
	session.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(delivered) == 0 || delivered[len(delivered)-1] != "final" {
		t.Fatalf("expected last callback to carry the latest draft, got %v", delivered)
	}
}
