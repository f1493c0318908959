// Package chatsync keeps a patient's view of their conversations in sync
// with the messaging backend: the ranked directory, the open thread, the
// composer and read-on-view receipts, driven by live change events.
package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/WimpyvL/zappy-health-app-sub000/internal/models"
	"github.com/WimpyvL/zappy-health-app-sub000/internal/realtime"
	"github.com/rs/zerolog"
)

// Backend is the messaging API as seen by one signed-in patient.
type Backend interface {
	ListConversations(ctx context.Context, patientID int64) ([]models.ConversationWithDoctor, error)
	ListMessages(ctx context.Context, conversationID int64) ([]models.MessageWithSender, error)
	SendMessage(ctx context.Context, input models.SendMessageInput) (*models.SendResult, error)
	MarkAsRead(ctx context.Context, conversationID int64, messageIDs []int64) (*models.ReadResult, error)
}

// Session owns the in-memory state for one patient. All methods are safe for
// concurrent use; push-triggered refetches run on their own goroutines and
// race with caller-triggered ones, so every fetch carries a sequence number
// and only the newest response is applied.
type Session struct {
	backend   Backend
	live      realtime.Subscriber
	patientID int64
	opts      options
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	state   State
	started bool
	closed  bool

	directorySub     realtime.Subscription
	directorySeq     uint64
	directoryApplied uint64

	// Thread bookkeeping for the open conversation. threadGen changes on
	// every select or deselect so late callbacks can tell they are stale.
	threadGen     uint64
	threadCtx     context.Context
	threadCancel  context.CancelFunc
	threadSub     realtime.Subscription
	threadSeq     uint64
	threadApplied uint64
	readTimer     *time.Timer

	// The idempotency key belongs to one draft in one conversation.
	pendingKey   string
	pendingDraft string

	notify     chan struct{}
	stopNotify chan struct{}
	notifyDone chan struct{}
}

func NewSession(backend Backend, live realtime.Subscriber, patientID int64, opts ...Option) *Session {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		backend:   backend,
		live:      live,
		patientID: patientID,
		opts:      o,
		logger:    o.logger.With().Str("component", "chatsync").Int64("patient_id", patientID).Logger(),
		ctx:       ctx,
		cancel:    cancel,
	}
	if len(o.onChange) > 0 {
		s.notify = make(chan struct{}, 1)
		s.stopNotify = make(chan struct{})
		s.notifyDone = make(chan struct{})
		go s.notifyLoop()
	}
	return s
}

// Start loads the directory and opens the session's single directory
// subscription. A subscription failure is logged and leaves the session
// usable without live updates.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.mu.Unlock()

	sub, err := s.live.Subscribe(ctx, realtime.ConversationsForPatient(s.patientID), func(realtime.Event) {
		s.goRefresh(s.ctx, func(ctx context.Context) { _ = s.loadDirectory(ctx) })
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("directory subscription failed, live updates disabled")
	} else {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			sub.Unsubscribe()
			return ErrClosed
		}
		s.directorySub = sub
		s.mu.Unlock()
	}

	return s.loadDirectory(ctx)
}

// Refresh refetches the directory.
func (s *Session) Refresh(ctx context.Context) error {
	return s.loadDirectory(ctx)
}

// Select opens a conversation. Whatever was open before is torn down first:
// its fetch is cancelled, its subscription released, its read timer stopped
// and its composer cleared.
func (s *Session) Select(ctx context.Context, conversationID int64) error {
	if conversationID <= 0 {
		return fmt.Errorf("select conversation: invalid id %d", conversationID)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.teardownThreadLocked()
	s.threadGen++
	gen := s.threadGen
	s.threadCtx, s.threadCancel = context.WithCancel(s.ctx)
	threadCtx := s.threadCtx
	s.state.ConversationID = conversationID
	s.state.Phase = PhaseLoading
	s.mu.Unlock()
	s.emit()

	sub, err := s.live.Subscribe(ctx, realtime.MessagesInConversation(conversationID), func(event realtime.Event) {
		if event.Type != realtime.EventInsert && event.Type != realtime.EventUpdate {
			return
		}
		s.refreshThread(conversationID, gen)
	})
	if err != nil {
		s.logger.Warn().Err(err).Int64("conversation_id", conversationID).Msg("thread subscription failed, live updates disabled")
	} else {
		s.mu.Lock()
		if s.closed || s.threadGen != gen {
			s.mu.Unlock()
			sub.Unsubscribe()
			return nil
		}
		s.threadSub = sub
		s.mu.Unlock()
	}

	loadCtx, cancel := mergeCancel(ctx, threadCtx)
	defer cancel()
	return s.loadThread(loadCtx, conversationID, gen)
}

// Deselect closes the open conversation.
func (s *Session) Deselect() {
	s.mu.Lock()
	if s.closed || s.state.Phase == PhaseNone {
		s.mu.Unlock()
		return
	}
	s.teardownThreadLocked()
	s.threadGen++
	s.state.ConversationID = 0
	s.state.Phase = PhaseNone
	s.mu.Unlock()
	s.emit()
}

func (s *Session) SetDraft(text string) {
	s.mu.Lock()
	s.state.Draft = text
	s.mu.Unlock()
	s.emit()
}

// Send posts the current draft to the open conversation. Content is
// validated before any backend call. A failed send keeps the draft and
// retrying the same draft reuses its idempotency key, so the server
// collapses a retry of a send that actually landed.
func (s *Session) Send(ctx context.Context) (*models.Message, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	conversationID := s.state.ConversationID
	if conversationID == 0 {
		s.mu.Unlock()
		return nil, ErrNoConversation
	}
	if s.state.Sending {
		s.mu.Unlock()
		return nil, ErrSendInProgress
	}
	draft := s.state.Draft
	content, err := models.NormalizeContent(draft, s.opts.maxLength)
	if err != nil {
		s.state.SendErr = err
		s.mu.Unlock()
		s.emit()
		return nil, err
	}
	if s.pendingKey == "" || s.pendingDraft != draft {
		s.pendingKey = s.opts.newKey()
		s.pendingDraft = draft
	}
	key := s.pendingKey
	gen := s.threadGen
	s.state.Sending = true
	s.mu.Unlock()
	s.emit()

	callCtx, cancel := context.WithTimeout(ctx, s.opts.fetchTimeout)
	result, err := s.backend.SendMessage(callCtx, models.SendMessageInput{
		ConversationID: conversationID,
		Content:        content,
		MessageType:    models.DefaultMessageType,
		IdempotencyKey: key,
	})
	cancel()

	s.mu.Lock()
	if s.threadGen != gen {
		// The conversation was left while the request was in flight; its
		// composer is gone and must not leak into the one open now.
		s.mu.Unlock()
		if err != nil {
			s.logger.Warn().Err(err).Int64("conversation_id", conversationID).Msg("send message")
			return nil, fmt.Errorf("%w: %w", ErrSendMessage, err)
		}
		_ = s.loadDirectory(ctx)
		if result == nil {
			return nil, nil
		}
		return result.Message, nil
	}
	s.state.Sending = false
	if err != nil {
		s.state.SendErr = fmt.Errorf("%w: %w", ErrSendMessage, err)
		sendErr := s.state.SendErr
		s.mu.Unlock()
		s.logger.Warn().Err(err).Int64("conversation_id", conversationID).Msg("send message")
		s.emit()
		return nil, sendErr
	}
	s.state.SendErr = nil
	if s.state.Draft == draft {
		s.state.Draft = ""
	}
	s.pendingKey = ""
	s.pendingDraft = ""
	s.mu.Unlock()
	s.emit()

	s.mu.Lock()
	threadCtx := s.threadCtx
	stillOpen := !s.closed && s.threadGen == gen && threadCtx != nil
	s.mu.Unlock()
	if stillOpen {
		loadCtx, cancel := mergeCancel(ctx, threadCtx)
		_ = s.loadThread(loadCtx, conversationID, gen)
		cancel()
	}
	_ = s.loadDirectory(ctx)

	if result == nil {
		return nil, nil
	}
	return result.Message, nil
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Close releases every subscription and timer and waits for in-flight
// refetches to finish. It is safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.teardownThreadLocked()
	s.threadGen++
	if s.directorySub != nil {
		s.directorySub.Unsubscribe()
		s.directorySub = nil
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	if s.stopNotify != nil {
		close(s.stopNotify)
		<-s.notifyDone
	}
}

func (s *Session) loadDirectory(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.directorySeq++
	seq := s.directorySeq
	s.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, s.opts.fetchTimeout)
	conversations, err := s.backend.ListConversations(callCtx, s.patientID)
	cancel()

	s.mu.Lock()
	if s.closed || seq < s.directoryApplied {
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		s.state.DirectoryErr = fmt.Errorf("%w: %w", ErrLoadConversations, err)
		loadErr := s.state.DirectoryErr
		s.mu.Unlock()
		s.logger.Warn().Err(err).Msg("load conversations")
		s.emit()
		return loadErr
	}
	s.directoryApplied = seq
	s.state.Conversations = conversations
	s.state.DirectoryErr = nil
	s.mu.Unlock()
	s.emit()
	return nil
}

// loadThread applies a thread response only if the conversation is still
// open under the same generation and no newer response has landed.
func (s *Session) loadThread(ctx context.Context, conversationID int64, gen uint64) error {
	s.mu.Lock()
	if s.closed || s.threadGen != gen {
		s.mu.Unlock()
		return nil
	}
	s.threadSeq++
	seq := s.threadSeq
	s.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, s.opts.fetchTimeout)
	messages, err := s.backend.ListMessages(callCtx, conversationID)
	cancel()

	s.mu.Lock()
	if s.closed || s.threadGen != gen || s.state.ConversationID != conversationID || seq < s.threadApplied {
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			s.mu.Unlock()
			return nil
		}
		s.state.ThreadErr = fmt.Errorf("%w: %w", ErrLoadMessages, err)
		loadErr := s.state.ThreadErr
		s.mu.Unlock()
		s.logger.Warn().Err(err).Int64("conversation_id", conversationID).Msg("load messages")
		s.emit()
		return loadErr
	}
	s.threadApplied = seq
	s.state.Messages = messages
	s.state.Phase = PhaseLoaded
	s.state.ThreadErr = nil
	s.armReadTimerLocked(conversationID, gen)
	s.mu.Unlock()
	s.emit()
	return nil
}

func (s *Session) refreshThread(conversationID int64, gen uint64) {
	s.mu.Lock()
	if s.closed || s.threadGen != gen || s.threadCtx == nil {
		s.mu.Unlock()
		return
	}
	threadCtx := s.threadCtx
	s.mu.Unlock()

	s.goRefresh(threadCtx, func(ctx context.Context) { _ = s.loadThread(ctx, conversationID, gen) })
}

// goRefresh runs fn on a tracked goroutine unless the session is closed.
func (s *Session) goRefresh(ctx context.Context, fn func(context.Context)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		fn(ctx)
	}()
}

// armReadTimerLocked restarts the read-on-view timer whenever the visible
// message set changes. No timer is armed when nothing is unread.
func (s *Session) armReadTimerLocked(conversationID int64, gen uint64) {
	if s.readTimer != nil {
		s.readTimer.Stop()
		s.readTimer = nil
	}
	if len(s.unreadForeignIDsLocked()) == 0 {
		return
	}
	s.readTimer = time.AfterFunc(s.opts.readDelay, func() {
		s.markVisibleRead(conversationID, gen)
	})
}

// markVisibleRead is best effort. Failures are logged and never surface in
// the session state.
func (s *Session) markVisibleRead(conversationID int64, gen uint64) {
	s.mu.Lock()
	if s.closed || s.threadGen != gen || s.state.ConversationID != conversationID {
		s.mu.Unlock()
		return
	}
	ids := s.unreadForeignIDsLocked()
	if len(ids) == 0 {
		s.mu.Unlock()
		return
	}
	threadCtx := s.threadCtx
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	callCtx, cancel := context.WithTimeout(threadCtx, s.opts.fetchTimeout)
	result, err := s.backend.MarkAsRead(callCtx, conversationID, ids)
	cancel()
	if err != nil {
		s.logger.Warn().Err(err).Int64("conversation_id", conversationID).Ints64("message_ids", ids).Msg("mark as read")
		return
	}

	readAt := time.Now().UTC()
	if result != nil && !result.ReadAt.IsZero() {
		readAt = result.ReadAt
	}

	s.mu.Lock()
	if s.closed || s.threadGen != gen {
		s.mu.Unlock()
		return
	}
	marked := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		marked[id] = struct{}{}
	}
	for i := range s.state.Messages {
		message := &s.state.Messages[i]
		if _, ok := marked[message.ID]; ok && message.ReadAt == nil {
			stamp := readAt
			message.ReadAt = &stamp
		}
	}
	s.recountUnreadLocked(conversationID)
	s.mu.Unlock()
	s.emit()
}

func (s *Session) unreadForeignIDsLocked() []int64 {
	ids := make([]int64, 0)
	for _, message := range s.state.Messages {
		if message.IsUnreadFor(s.patientID) {
			ids = append(ids, message.ID)
		}
	}
	return ids
}

// recountUnreadLocked replaces the directory entry's unread count with the
// count derived from the loaded thread. The slice is copied so snapshots
// already handed out stay untouched.
func (s *Session) recountUnreadLocked(conversationID int64) {
	unread := len(s.unreadForeignIDsLocked())
	conversations := append([]models.ConversationWithDoctor(nil), s.state.Conversations...)
	for i := range conversations {
		if conversations[i].ID == conversationID {
			conversations[i].UnreadCount = unread
		}
	}
	s.state.Conversations = conversations
}

func (s *Session) teardownThreadLocked() {
	if s.threadCancel != nil {
		s.threadCancel()
		s.threadCancel = nil
	}
	s.threadCtx = nil
	if s.threadSub != nil {
		s.threadSub.Unsubscribe()
		s.threadSub = nil
	}
	if s.readTimer != nil {
		s.readTimer.Stop()
		s.readTimer = nil
	}
	s.state.Messages = nil
	s.state.ThreadErr = nil
	s.state.Draft = ""
	s.state.Sending = false
	s.state.SendErr = nil
	s.pendingKey = ""
	s.pendingDraft = ""
}

// emit wakes the notifier. A pending wake-up already covers this change.
func (s *Session) emit() {
	if s.notify == nil {
		return
	}
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// notifyLoop delivers snapshots one at a time, so callbacks never observe
// state going backwards.
func (s *Session) notifyLoop() {
	defer close(s.notifyDone)
	for {
		select {
		case <-s.notify:
			s.deliver()
		case <-s.stopNotify:
			select {
			case <-s.notify:
				s.deliver()
			default:
			}
			return
		}
	}
}

func (s *Session) deliver() {
	snapshot := s.Snapshot()
	for _, fn := range s.opts.onChange {
		fn(snapshot)
	}
}

// mergeCancel returns a context that carries ctx's values and deadline and
// is also cancelled when cancelCtx is.
func mergeCancel(ctx, cancelCtx context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(cancelCtx, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}
