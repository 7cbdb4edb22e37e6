package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xaenox/tma-bot/internal/assistant"
	"github.com/xaenox/tma-bot/internal/dispatch"
	"github.com/xaenox/tma-bot/internal/guard"
	"github.com/xaenox/tma-bot/internal/models"
	"github.com/xaenox/tma-bot/internal/session"
	"github.com/xaenox/tma-bot/internal/storage"
	"go.uber.org/zap"
)

type fakeBackend struct {
	mu    sync.Mutex
	turns []assistant.Turn
	reply *assistant.Reply
	err   error
	block bool
}

func (b *fakeBackend) Reply(ctx context.Context, turn assistant.Turn) (*assistant.Reply, error) {
	b.mu.Lock()
	b.turns = append(b.turns, turn)
	reply, err, block := b.reply, b.err, b.block
	b.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return reply, err
}

func (b *fakeBackend) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.turns)
}

type brokenProfileStore struct {
	*storage.MemoryStorage
}

func (brokenProfileStore) GetUser(ctx context.Context, id int64) (*models.User, error) {
	return nil, errors.New("connection reset")
}

type fixture struct {
	svc     *Service
	store   storage.Storage
	backend *fakeBackend
	now     time.Time
}

func newFixture(t *testing.T, store storage.Storage, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		store:   store,
		backend: &fakeBackend{reply: &assistant.Reply{Content: "Try a low shelf at 200Hz.", MessageType: models.TypeText}},
		now:     time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	logger := zap.NewNop()
	guards := guard.NewRegistry(guard.DefaultConfig(), logger, guard.WithClock(func() time.Time { return f.now }))
	f.svc = NewService(
		store,
		f.backend,
		guards,
		session.NewManager(store, logger),
		dispatch.NewSelector(logger),
		cfg,
		logger,
	)
	return f
}

func TestSendPersistsBothMessagesInOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, storage.NewMemoryStorage(), Config{})

	res, err := f.svc.Send(ctx, Request{UserID: 1, UserName: "Kai", Content: "My kick is muddy"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Reply == nil || res.Reply.Kind != dispatch.KindPlainText {
		t.Fatalf("Reply = %+v", res.Reply)
	}

	msgs, err := f.store.GetSessionMessages(ctx, res.Session.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len = %d, want 2", len(msgs))
	}
	if msgs[0].Sender != models.SenderUser || msgs[0].Order != 1 {
		t.Fatalf("first = %+v", msgs[0])
	}
	if msgs[1].Sender != models.SenderBot || msgs[1].Order != 2 {
		t.Fatalf("second = %+v", msgs[1])
	}

	sess, err := f.store.GetSession(ctx, res.Session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if sess.State.MessageCount != 2 {
		t.Fatalf("MessageCount = %d, want 2", sess.State.MessageCount)
	}
}

func TestSendReusesActiveSessionAndPassesHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, storage.NewMemoryStorage(), Config{})

	first, err := f.svc.Send(ctx, Request{UserID: 1, Content: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.svc.Send(ctx, Request{UserID: 1, Content: "and now?"})
	if err != nil {
		t.Fatal(err)
	}
	if first.Session.ID != second.Session.ID {
		t.Fatal("expected the same active session")
	}
	if got := len(f.backend.turns[1].History); got != 2 {
		t.Fatalf("history len = %d, want 2", got)
	}
}

func TestSendDetectsIntentAndRendersStructuredReply(t *testing.T) {
	f := newFixture(t, storage.NewMemoryStorage(), Config{})
	f.backend.reply = &assistant.Reply{
		Content:     `{"result":{"progression":["Am","F","C","G"]},"parameters":{"mood":"sad"}}`,
		MessageType: models.TypeChords,
	}

	res, err := f.svc.Send(context.Background(), Request{UserID: 1, Content: "sad chord progression please"})
	if err != nil {
		t.Fatal(err)
	}
	if f.backend.turns[0].Intent != models.TypeChords {
		t.Fatalf("Intent = %q", f.backend.turns[0].Intent)
	}
	if res.Reply.Kind != dispatch.KindChordDisplay {
		t.Fatalf("Kind = %q", res.Reply.Kind)
	}
}

func TestSendIncludesLinkedContext(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	f := newFixture(t, store, Config{})
	if err := store.SaveAnalysis(ctx, &models.Analysis{ID: "A1", Title: "Hook mix", Summary: "Harsh 3kHz"}); err != nil {
		t.Fatal(err)
	}

	user, _ := store.GetUser(ctx, 1)
	sess, err := f.svc.ActiveSession(ctx, user)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.svc.contexts.AttachContext(ctx, sess, session.KindAnalysis, "A1"); err != nil {
		t.Fatal(err)
	}

	if _, err := f.svc.Send(ctx, Request{UserID: 1, Content: "what should I fix?"}); err != nil {
		t.Fatal(err)
	}
	if note := f.backend.turns[0].ContextNote; !strings.Contains(note, "Harsh 3kHz") {
		t.Fatalf("ContextNote = %q", note)
	}
}

func TestSendOpensBreakerAfterRepeatedFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, storage.NewMemoryStorage(), Config{})
	f.backend.err = &assistant.BackendError{Kind: assistant.KindServer, Status: 503, Err: errors.New("unavailable")}

	for i := 0; i < 3; i++ {
		res, err := f.svc.Send(ctx, Request{UserID: 1, Content: "hello?"})
		if err != nil {
			t.Fatal(err)
		}
		if res.Reply != nil || !strings.Contains(res.Notice, "try again") {
			t.Fatalf("attempt %d: %+v", i, res)
		}
	}

	res, err := f.svc.Send(ctx, Request{UserID: 1, Content: "hello?"})
	if err != nil {
		t.Fatal(err)
	}
	if f.backend.calls() != 3 {
		t.Fatalf("backend called %d times while open, want 3", f.backend.calls())
	}
	if !strings.Contains(res.Notice, "30 seconds") {
		t.Fatalf("Notice = %q", res.Notice)
	}

	f.now = f.now.Add(31 * time.Second)
	f.backend.err = nil
	res, err = f.svc.Send(ctx, Request{UserID: 1, Content: "hello?"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Reply == nil {
		t.Fatalf("expected trial call to succeed, got %+v", res)
	}
}

func TestSendRateLimitNotice(t *testing.T) {
	f := newFixture(t, storage.NewMemoryStorage(), Config{})
	f.backend.err = &assistant.BackendError{Kind: assistant.KindRateLimit, Status: 429, Err: errors.New("429")}

	res, err := f.svc.Send(context.Background(), Request{UserID: 1, Content: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Notice, "high traffic") {
		t.Fatalf("Notice = %q", res.Notice)
	}
	if st := f.svc.guards.Get(res.Session.ID).State(); !st.IsOpen {
		t.Fatal("rate limit must open the breaker")
	}
}

func TestSendTimeout(t *testing.T) {
	f := newFixture(t, storage.NewMemoryStorage(), Config{Timeout: 10 * time.Millisecond})
	f.backend.block = true

	res, err := f.svc.Send(context.Background(), Request{UserID: 1, Content: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Notice, "too long") {
		t.Fatalf("Notice = %q", res.Notice)
	}
}

func TestSendBlocksWithoutProfile(t *testing.T) {
	f := newFixture(t, brokenProfileStore{storage.NewMemoryStorage()}, Config{})

	_, err := f.svc.Send(context.Background(), Request{UserID: 1, Content: "hi"})
	if !errors.Is(err, ErrProfileUnavailable) {
		t.Fatalf("err = %v, want ErrProfileUnavailable", err)
	}
	if f.backend.calls() != 0 {
		t.Fatal("backend must not be called without a profile")
	}
}

func TestNewSessionDropsPreviousBreaker(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	f := newFixture(t, store, Config{})
	f.backend.err = &assistant.BackendError{Kind: assistant.KindRateLimit, Err: errors.New("429")}

	res, err := f.svc.Send(ctx, Request{UserID: 1, Content: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	old := res.Session.ID

	user, _ := store.GetUser(ctx, 1)
	fresh, err := f.svc.NewSession(ctx, user, "Second")
	if err != nil {
		t.Fatal(err)
	}
	if fresh.ID == old {
		t.Fatal("expected a new session")
	}
	if !f.svc.guards.Get(old).IsCallAllowed() {
		t.Fatal("previous session's breaker should have been discarded")
	}
}

func TestSwitchSessionRejectsForeignSession(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	f := newFixture(t, store, Config{})
	if err := store.CreateSession(ctx, &models.Session{ID: "theirs", UserID: 99}); err != nil {
		t.Fatal(err)
	}

	user, _ := store.GetUser(ctx, 1)
	if _, err := f.svc.SwitchSession(ctx, user, "theirs"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestHistoryIsolatesCorruptMessages(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	f := newFixture(t, store, Config{})
	if err := store.CreateSession(ctx, &models.Session{ID: "s1", UserID: 1}); err != nil {
		t.Fatal(err)
	}
	for _, m := range []*models.Message{
		{ID: "1", SessionID: "s1", Sender: models.SenderUser, Content: "hooks please"},
		{ID: "2", SessionID: "s1", Sender: models.SenderBot, Content: `{"hooks":[`, MessageType: models.TypeHooks},
		{ID: "3", SessionID: "s1", Sender: models.SenderBot, Content: `{"hooks":["Wait for it"]}`, MessageType: models.TypeHooks},
	} {
		if err := store.AppendMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	got, err := f.svc.History(ctx, "s1", 10)
	if err != nil {
		t.Fatal(err)
	}
	kinds := []dispatch.Kind{got[0].Kind, got[1].Kind, got[2].Kind}
	want := []dispatch.Kind{dispatch.KindPlainText, dispatch.KindPlainText, dispatch.KindHooksDisplay}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("kinds = %v, want %v", kinds, want)
		}
	}
}

type gatedBackend struct {
	started chan struct{}
	release chan struct{}
}

func (b *gatedBackend) Reply(ctx context.Context, turn assistant.Turn) (*assistant.Reply, error) {
	close(b.started)
	<-b.release
	return &assistant.Reply{Content: "Done.", MessageType: models.TypeText}, nil
}

func TestLinkDuringTurnSurvives(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	f := newFixture(t, store, Config{})
	gate := &gatedBackend{started: make(chan struct{}), release: make(chan struct{})}
	f.svc.backend = gate
	if err := store.SaveComparison(ctx, &models.Comparison{ID: "C1", Title: "Ref vs mix"}); err != nil {
		t.Fatal(err)
	}

	user, _ := store.GetUser(ctx, 1)
	sess, err := f.svc.ActiveSession(ctx, user)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.Send(ctx, Request{UserID: 1, Content: "compare please"})
		done <- err
	}()
	<-gate.started

	linked, err := store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.svc.contexts.AttachContext(ctx, linked, session.KindComparison, "C1"); err != nil {
		t.Fatal(err)
	}
	close(gate.release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	got, err := store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.LinkedComparisonID == nil || *got.LinkedComparisonID != "C1" {
		t.Fatalf("LinkedComparisonID = %v, want C1", got.LinkedComparisonID)
	}
	if got.State.MessageCount != 2 {
		t.Fatalf("MessageCount = %d, want 2", got.State.MessageCount)
	}
}

func TestActiveSessionConcurrentCreatesOne(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	f := newFixture(t, store, Config{})

	const n = 8
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user, _ := store.GetUser(ctx, 1)
			sess, err := f.svc.ActiveSession(ctx, user)
			if err != nil {
				t.Error(err)
				return
			}
			ids[i] = sess.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("sessions = %v, want one shared id", ids)
		}
	}
	all, err := store.ListSessions(ctx, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("len(sessions) = %d, want 1", len(all))
	}
}
