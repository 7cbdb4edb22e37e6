package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/xaenox/tma-bot/internal/models"
)

func newSession(t *testing.T, s *MemoryStorage, id string) *models.Session {
	t.Helper()
	session := &models.Session{ID: id, UserID: 42, Name: "Mixdown"}
	if err := s.CreateSession(context.Background(), session); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return session
}

func TestAppendMessageAssignsIncreasingOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	newSession(t, s, "s1")
	newSession(t, s, "s2")

	for i := 1; i <= 3; i++ {
		msg := &models.Message{ID: fmt.Sprintf("m%d", i), SessionID: "s1", Sender: models.SenderUser, Content: "hi"}
		if err := s.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
		if msg.Order != i {
			t.Fatalf("Order = %d, want %d", msg.Order, i)
		}
	}

	other := &models.Message{ID: "x", SessionID: "s2", Sender: models.SenderBot, Content: "yo"}
	if err := s.AppendMessage(ctx, other); err != nil {
		t.Fatal(err)
	}
	if other.Order != 1 {
		t.Fatalf("orders must be per session, got %d", other.Order)
	}
}

func TestAppendMessageConcurrentOrdersAreUnique(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	newSession(t, s, "s1")

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := &models.Message{ID: fmt.Sprintf("m%d", i), SessionID: "s1", Sender: models.SenderUser, Content: "hi"}
			if err := s.AppendMessage(ctx, msg); err != nil {
				t.Errorf("AppendMessage: %v", err)
			}
		}(i)
	}
	wg.Wait()

	msgs, err := s.GetSessionMessages(ctx, "s1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != n {
		t.Fatalf("len = %d, want %d", len(msgs), n)
	}
	for i, m := range msgs {
		if m.Order != i+1 {
			t.Fatalf("message %d has order %d", i, m.Order)
		}
	}
}

func TestGetSessionMessagesReturnsMostRecent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	newSession(t, s, "s1")
	for i := 0; i < 5; i++ {
		if err := s.AppendMessage(ctx, &models.Message{ID: fmt.Sprint(i), SessionID: "s1", Content: "x"}); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := s.GetSessionMessages(ctx, "s1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Order != 4 || msgs[1].Order != 5 {
		t.Fatalf("unexpected window: %+v %+v", msgs[0], msgs[1])
	}
}

func TestAppendMessageUnknownSession(t *testing.T) {
	err := NewMemoryStorage().AppendMessage(context.Background(), &models.Message{ID: "m", SessionID: "nope"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSessionIsCopiedOnReadAndWrite(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	session := newSession(t, s, "s1")

	id := "A1"
	session.LinkedAnalysisID = &id
	if err := s.UpdateSession(ctx, session); err != nil {
		t.Fatal(err)
	}
	id = "mutated"

	got, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if got.LinkedAnalysisID == nil || *got.LinkedAnalysisID != "A1" {
		t.Fatalf("LinkedAnalysisID = %v, want A1", got.LinkedAnalysisID)
	}
}

func TestTouchSessionKeepsLinks(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	newSession(t, s, "s1")

	linked, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	id := "C1"
	linked.LinkedComparisonID = &id
	if err := s.UpdateSession(ctx, linked); err != nil {
		t.Fatal(err)
	}

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if err := s.TouchSession(ctx, "s1", 2, at); err != nil {
		t.Fatal(err)
	}
	if err := s.TouchSession(ctx, "s1", 1, at.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if got.LinkedComparisonID == nil || *got.LinkedComparisonID != "C1" {
		t.Fatalf("LinkedComparisonID = %v, want C1", got.LinkedComparisonID)
	}
	if got.State.MessageCount != 3 {
		t.Fatalf("MessageCount = %d, want 3", got.State.MessageCount)
	}
	if !got.State.LastMessageAt.Equal(at.Add(time.Minute)) {
		t.Fatalf("LastMessageAt = %v", got.State.LastMessageAt)
	}

	if err := s.TouchSession(ctx, "nope", 1, at); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListSessionsFiltersByUser(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	newSession(t, s, "s1")
	newSession(t, s, "s2")
	if err := s.CreateSession(ctx, &models.Session{ID: "other", UserID: 7}); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListSessions(ctx, 42, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
}

func TestContextRecordsNotFound(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	if _, err := s.GetAnalysis(ctx, "A1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetAnalysis err = %v", err)
	}
	if _, err := s.GetComparison(ctx, "C1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetComparison err = %v", err)
	}

	if err := s.SaveAnalysis(ctx, &models.Analysis{ID: "A1", Summary: "Muddy low end"}); err != nil {
		t.Fatal(err)
	}
	a, err := s.GetAnalysis(ctx, "A1")
	if err != nil || a.Summary != "Muddy low end" {
		t.Fatalf("GetAnalysis = %+v, %v", a, err)
	}
}
