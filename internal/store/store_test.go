package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zulandar/courier/internal/db"
	"github.com/zulandar/courier/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	gdb, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	s, err := New(gdb)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }

func TestNew_NilDB(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("expected error for nil db")
	}
}

func TestInsert_Defaults(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	msg := &models.Message{SessionID: "session_1_u1", Direction: models.DirectionIncoming,
		SenderMobile: "911", ReceiverMobile: "912", Content: "hi"}
	if err := s.Insert(ctx, msg); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if msg.ID == 0 {
		t.Fatal("expected ID to be set")
	}
	got, err := s.FindByID(ctx, msg.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if got.ScheduledStatus != models.StatusSent {
		t.Errorf("ScheduledStatus = %q, want %q", got.ScheduledStatus, models.StatusSent)
	}
	if got.ContentType != models.ContentText {
		t.Errorf("ContentType = %q, want text", got.ContentType)
	}
}

func TestInsert_Validation(t *testing.T) {
	s := openTestStore(t)
	if err := s.Insert(context.Background(), &models.Message{Direction: "incoming"}); err == nil {
		t.Error("expected error for missing session id")
	}
	if err := s.Insert(context.Background(), &models.Message{SessionID: "s"}); err == nil {
		t.Error("expected error for missing direction")
	}
}

func TestFindByID_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.FindByID(context.Background(), 999)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestFind_FilterAndPage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		s.Insert(ctx, &models.Message{SessionID: "session_1_u1", Direction: models.DirectionOutgoing,
			SenderID: strPtr("u1"), SenderMobile: "911", ReceiverMobile: "100"})
	}
	s.Insert(ctx, &models.Message{SessionID: "session_2_u2", Direction: models.DirectionOutgoing,
		SenderID: strPtr("u2"), SenderMobile: "922", ReceiverMobile: "100"})

	msgs, err := s.Find(ctx, Filter{SenderID: "u1"}, Page{Offset: 1, Limit: 2, Order: "id ASC"})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len = %d, want 2", len(msgs))
	}
	if msgs[0].ID != 2 {
		t.Errorf("first ID = %d, want 2", msgs[0].ID)
	}

	n, err := s.Count(ctx, Filter{SenderID: "u1"})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 5 {
		t.Errorf("Count = %d, want 5", n)
	}
}

func TestUpdateByID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	msg := &models.Message{SessionID: "s", Direction: models.DirectionOutgoing, SenderMobile: "1", ReceiverMobile: "2"}
	s.Insert(ctx, msg)

	if err := s.UpdateByID(ctx, msg.ID, map[string]interface{}{"content": "edited"}); err != nil {
		t.Fatalf("UpdateByID: %v", err)
	}
	got, _ := s.FindByID(ctx, msg.ID)
	if got.Content != "edited" {
		t.Errorf("Content = %q, want edited", got.Content)
	}
	if err := s.UpdateByID(ctx, 999, map[string]interface{}{"content": "x"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDue(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	past := &models.Message{SessionID: "s", Direction: models.DirectionOutgoing, SenderMobile: "1", ReceiverMobile: "2",
		Scheduled: true, ScheduledStatus: models.StatusPending, ScheduledTime: timePtr(now.Add(-time.Minute))}
	exact := &models.Message{SessionID: "s", Direction: models.DirectionOutgoing, SenderMobile: "1", ReceiverMobile: "2",
		Scheduled: true, ScheduledStatus: models.StatusPending, ScheduledTime: timePtr(now)}
	future := &models.Message{SessionID: "s", Direction: models.DirectionOutgoing, SenderMobile: "1", ReceiverMobile: "2",
		Scheduled: true, ScheduledStatus: models.StatusPending, ScheduledTime: timePtr(now.Add(time.Minute))}
	done := &models.Message{SessionID: "s", Direction: models.DirectionOutgoing, SenderMobile: "1", ReceiverMobile: "2",
		Scheduled: false, ScheduledStatus: models.StatusScheduledSent, ScheduledTime: timePtr(now.Add(-time.Hour))}
	for _, m := range []*models.Message{past, exact, future, done} {
		if err := s.Insert(ctx, m); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	due, err := s.Due(ctx, now)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("len(due) = %d, want 2", len(due))
	}
	if due[0].ID != past.ID || due[1].ID != exact.ID {
		t.Errorf("due order = [%d %d], want [%d %d]", due[0].ID, due[1].ID, past.ID, exact.ID)
	}
}

func TestFinishScheduled_OnlyOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	msg := &models.Message{SessionID: "s", Direction: models.DirectionOutgoing, SenderMobile: "1", ReceiverMobile: "2",
		Scheduled: true, ScheduledStatus: models.StatusPending, ScheduledTime: timePtr(now)}
	s.Insert(ctx, msg)

	changed, err := s.FinishScheduled(ctx, msg.ID, models.StatusScheduledSent, &now, "")
	if err != nil {
		t.Fatalf("FinishScheduled: %v", err)
	}
	if !changed {
		t.Fatal("expected first finish to change the row")
	}

	changed, err = s.FinishScheduled(ctx, msg.ID, models.StatusFailed, nil, "late")
	if err != nil {
		t.Fatalf("FinishScheduled again: %v", err)
	}
	if changed {
		t.Error("terminal message must not be mutated again")
	}

	got, _ := s.FindByID(ctx, msg.ID)
	if got.Scheduled {
		t.Error("Scheduled should be false")
	}
	if got.ScheduledStatus != models.StatusScheduledSent {
		t.Errorf("ScheduledStatus = %q, want scheduledSent", got.ScheduledStatus)
	}
	if got.SentAt == nil {
		t.Error("SentAt should be set")
	}
}

func TestFinishScheduled_RejectsNonTerminal(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.FinishScheduled(context.Background(), 1, models.StatusPending, nil, ""); err == nil {
		t.Fatal("expected error for non-terminal status")
	}
}

func TestCountSentBetween(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := day.Add(24*time.Hour - time.Millisecond)

	add := func(session, direction, status string, sentAt time.Time) {
		t.Helper()
		if err := s.Insert(ctx, &models.Message{SessionID: session, Direction: direction, SenderMobile: "1",
			ReceiverMobile: "2", ScheduledStatus: status, SentAt: timePtr(sentAt)}); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	add("s1", models.DirectionOutgoing, models.StatusSent, day.Add(time.Hour))
	add("s1", models.DirectionOutgoing, models.StatusScheduledSent, day.Add(2*time.Hour))
	add("s1", models.DirectionOutgoing, models.StatusFailed, day.Add(3*time.Hour))
	add("s1", models.DirectionIncoming, models.StatusSent, day.Add(4*time.Hour))
	add("s1", models.DirectionOutgoing, models.StatusSent, day.Add(-time.Hour))
	add("s2", models.DirectionOutgoing, models.StatusSent, day.Add(time.Hour))

	n, err := s.CountSentBetween(ctx, "s1", day, end)
	if err != nil {
		t.Fatalf("CountSentBetween: %v", err)
	}
	if n != 2 {
		t.Errorf("CountSentBetween = %d, want 2", n)
	}
}

func TestHasProtocolID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.Insert(ctx, &models.Message{SessionID: "s1", Direction: models.DirectionOutgoing, SenderMobile: "1",
		ReceiverMobile: "2", ProtocolID: "ABC"})

	ok, err := s.HasProtocolID(ctx, "s1", "ABC")
	if err != nil || !ok {
		t.Errorf("HasProtocolID(s1, ABC) = %v, %v; want true", ok, err)
	}
	ok, _ = s.HasProtocolID(ctx, "s2", "ABC")
	if ok {
		t.Error("protocol id should be scoped per session")
	}
	ok, _ = s.HasProtocolID(ctx, "s1", "")
	if ok {
		t.Error("empty protocol id never matches")
	}
}

func TestUpsertLogin_SingleRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	t1 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	if err := s.UpsertLogin(ctx, "session_1_u1", "u1", "911", t1); err != nil {
		t.Fatalf("UpsertLogin: %v", err)
	}
	if err := s.MarkLoggedOut(ctx, "session_1_u1", t1.Add(time.Minute)); err != nil {
		t.Fatalf("MarkLoggedOut: %v", err)
	}
	if err := s.UpsertLogin(ctx, "session_1_u1", "u1", "911", t2); err != nil {
		t.Fatalf("UpsertLogin again: %v", err)
	}

	n, _ := s.CountSessionRecords(ctx, "session_1_u1")
	if n != 1 {
		t.Fatalf("records = %d, want 1", n)
	}
	rec, err := s.FindSession(ctx, "session_1_u1")
	if err != nil {
		t.Fatalf("FindSession: %v", err)
	}
	if !rec.IsLoggedIn {
		t.Error("IsLoggedIn should be true after re-login")
	}
	if rec.LogoutTime != nil {
		t.Errorf("LogoutTime = %v, want nil", rec.LogoutTime)
	}
	if rec.LoginTime == nil || !rec.LoginTime.Equal(t2) {
		t.Errorf("LoginTime = %v, want %v", rec.LoginTime, t2)
	}
}

func TestMarkLoggedOut(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.UpsertLogin(ctx, "session_1_u1", "u1", "911", time.Now())

	if err := s.MarkLoggedOut(ctx, "session_1_u1", time.Now()); err != nil {
		t.Fatalf("MarkLoggedOut: %v", err)
	}
	rec, _ := s.FindSession(ctx, "session_1_u1")
	if rec.IsLoggedIn {
		t.Error("IsLoggedIn should be false")
	}
	if rec.LogoutTime == nil {
		t.Error("LogoutTime should be set")
	}

	if err := s.MarkLoggedOut(ctx, "session_missing", time.Now()); err != nil {
		t.Errorf("MarkLoggedOut on missing record: %v", err)
	}
}

func TestFindSession_NotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.FindSession(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
