package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/courier/internal/conn"
	"github.com/zulandar/courier/internal/db"
	"github.com/zulandar/courier/internal/models"
	"github.com/zulandar/courier/internal/pacing"
	"github.com/zulandar/courier/internal/retry"
	"github.com/zulandar/courier/internal/session"
	"github.com/zulandar/courier/internal/store"
)

const testSession = "session_1_u1"

type fixture struct {
	ob     *Outbox
	store  *store.Store
	handle *conn.MockHandle
	sleeps int
	now    time.Time
}

func newFixture(t *testing.T, limit int) *fixture {
	t.Helper()
	gdb, err := db.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatal(err)
	}
	st, err := store.New(gdb)
	if err != nil {
		t.Fatal(err)
	}
	owners, err := session.LoadOwnerMap(filepath.Join(t.TempDir(), "owners.json"))
	if err != nil {
		t.Fatal(err)
	}
	reg := session.NewRegistry(owners)
	h := conn.NewMockHandle(testSession)
	if _, err := reg.Bind(testSession, "u1", "919000000001", h); err != nil {
		t.Fatal(err)
	}

	f := &fixture{store: st, handle: h, now: time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }
	pacer := pacing.NewPacer(time.Second, 0, false)
	pacer.Sleep = func(ctx context.Context, d time.Duration) error {
		f.sleeps++
		return nil
	}
	ob, err := New(Opts{
		Sessions: reg,
		Store:    st,
		Quota:    &pacing.Quota{Limit: limit, Counter: st, Location: time.UTC, Now: clock},
		Pacer:    pacer,
		Retry:    &retry.Executor{Attempts: 2, Wait: pacer.Wait},
		Location: time.UTC,
		Now:      clock,
	})
	if err != nil {
		t.Fatal(err)
	}
	f.ob = ob
	return f
}

// seedSent records n outgoing messages already sent today.
func (f *fixture) seedSent(t *testing.T, n int) {
	t.Helper()
	sentAt := f.now.Add(-time.Hour)
	for i := 0; i < n; i++ {
		err := f.store.Insert(context.Background(), &models.Message{
			SessionID: testSession, Direction: models.DirectionOutgoing,
			SenderMobile: "919000000001", ReceiverMobile: "918", Content: "x", SentAt: &sentAt,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Opts{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestSendText_RecordsOutgoing(t *testing.T) {
	f := newFixture(t, 500)
	msg, err := f.ob.SendText(context.Background(), SendRequest{SessionID: testSession, User: "u1", To: "918000000002", Message: "hello"})
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	sent := f.handle.Sent()
	if len(sent) != 1 || sent[0].To != "918000000002@s.whatsapp.net" || sent[0].Payload.Text != "hello" {
		t.Fatalf("sent = %+v", sent)
	}

	got, err := f.store.FindByID(context.Background(), msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Direction != models.DirectionOutgoing || got.ScheduledStatus != models.StatusSent || got.SentAt == nil {
		t.Errorf("stored = %+v", got)
	}
	if got.ReceiverMobile != "918000000002" || got.SenderMobile != "919000000001" || *got.SenderID != "u1" {
		t.Errorf("stored parties = %+v", got)
	}
	if got.ProtocolID == "" {
		t.Error("protocol id should be recorded")
	}
}

func TestSendText_Errors(t *testing.T) {
	f := newFixture(t, 500)
	ctx := context.Background()
	if _, err := f.ob.SendText(ctx, SendRequest{SessionID: testSession, To: "918"}); !errors.Is(err, ErrInvalid) {
		t.Errorf("missing message err = %v", err)
	}
	if _, err := f.ob.SendText(ctx, SendRequest{SessionID: "session_9_u9", To: "918", Message: "x"}); !errors.Is(err, session.ErrNotConnected) {
		t.Errorf("unknown session err = %v", err)
	}

	f.handle.FailSends(errors.New("a"), errors.New("b"))
	_, err := f.ob.SendText(ctx, SendRequest{SessionID: testSession, To: "918", Message: "x"})
	if !errors.Is(err, retry.ErrExhausted) {
		t.Errorf("err = %v, want ErrExhausted", err)
	}
	if n, _ := f.store.Count(ctx, store.Filter{SessionID: testSession}); n != 0 {
		t.Errorf("failed send was recorded: %d rows", n)
	}
}

func TestSendMedia(t *testing.T) {
	f := newFixture(t, 500)
	_, err := f.ob.SendMedia(context.Background(), SendRequest{
		SessionID: testSession, To: "918", MediaURL: "https://cdn.example.com/a/report.PDF?sig=1", Caption: "Q3",
	})
	if err != nil {
		t.Fatalf("SendMedia: %v", err)
	}
	p := f.handle.Sent()[0].Payload
	if p.Kind != models.ContentDocument || p.MimeType != "application/pdf" || p.Caption != "Q3" {
		t.Errorf("payload = %+v", p)
	}
}

func TestSendBulk_CapsAtRemainingAllowance(t *testing.T) {
	f := newFixture(t, 500)
	f.seedSent(t, 498)

	numbers := []string{"9101", "9102", "9103", "9104", "9105", "9106", "9107", "9108", "9109", "9110"}
	res, err := f.ob.SendBulk(context.Background(), BulkRequest{SessionID: testSession, User: "u1", Numbers: numbers, Message: "hi"})
	if err != nil {
		t.Fatalf("SendBulk: %v", err)
	}
	if res.Requested != 10 || res.Allowed != 2 || res.Attempted != 2 || res.Sent != 2 {
		t.Errorf("result = %+v", res)
	}
	if res.AlreadySent != 498 || res.Remaining != 0 {
		t.Errorf("quota accounting = %+v", res)
	}
	if res.Sent+res.Remaining > 500 {
		t.Errorf("sent %d + remaining %d exceeds limit", res.Sent, res.Remaining)
	}
	if len(f.handle.Sent()) != 2 {
		t.Errorf("handle sends = %d, want 2", len(f.handle.Sent()))
	}
	if f.sleeps != 1 {
		t.Errorf("pacing sleeps = %d, want 1 between two sends", f.sleeps)
	}
}

func TestSendBulk_RejectsWhenCapMet(t *testing.T) {
	f := newFixture(t, 3)
	f.seedSent(t, 3)
	_, err := f.ob.SendBulk(context.Background(), BulkRequest{SessionID: testSession, Numbers: []string{"9101"}, Message: "hi"})
	if !errors.Is(err, pacing.ErrQuotaExceeded) {
		t.Fatalf("err = %v, want ErrQuotaExceeded", err)
	}
	if len(f.handle.Sent()) != 0 {
		t.Error("quota rejection must not send anything")
	}
}

func TestSendBulk_ConcurrentRequestsShareOneAllowance(t *testing.T) {
	f := newFixture(t, 500)
	f.seedSent(t, 498)
	f.ob.pacer.Sleep = func(ctx context.Context, d time.Duration) error { return nil }

	var (
		wg      sync.WaitGroup
		results [2]BulkResult
		errs    [2]error
	)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.ob.SendBulk(context.Background(), BulkRequest{
				SessionID: testSession, User: "u1", Numbers: []string{"9101", "9102", "9103"}, Message: "hi",
			})
		}(i)
	}
	wg.Wait()

	sent, rejected := 0, 0
	for i := range results {
		sent += results[i].Sent
		if errors.Is(errs[i], pacing.ErrQuotaExceeded) {
			rejected++
		} else if errs[i] != nil {
			t.Errorf("request %d: %v", i, errs[i])
		}
	}
	if sent != 2 || rejected != 1 {
		t.Errorf("sent %d rejected %d, want 2 sent and one request rejected", sent, rejected)
	}
	if n := len(f.handle.Sent()); n != 2 {
		t.Errorf("handle sends = %d, want 2", n)
	}
	from, to := pacing.DayWindow(f.now, time.UTC)
	if n, _ := f.store.CountSentBetween(context.Background(), testSession, from, to); n != 500 {
		t.Errorf("sent today = %d, want exactly the limit 500", n)
	}
}

func TestSendBulk_FailedRecipientDoesNotAbortBatch(t *testing.T) {
	f := newFixture(t, 500)
	// First recipient fails both attempts; the next two succeed.
	f.handle.FailSends(errors.New("boom"), errors.New("boom"))

	res, err := f.ob.SendBulk(context.Background(), BulkRequest{
		SessionID: testSession, Numbers: []string{"9101", "9102", "9103"}, Message: "hi",
	})
	if err != nil {
		t.Fatalf("SendBulk: %v", err)
	}
	if res.Attempted != 3 || res.Failed != 1 || res.Sent != 2 {
		t.Errorf("result = %+v", res)
	}
	sent := f.handle.Sent()
	if len(sent) != 2 || sent[0].To != "9102@s.whatsapp.net" {
		t.Errorf("sent = %+v", sent)
	}
}

func TestSendBulk_MediaDefaults(t *testing.T) {
	f := newFixture(t, 500)
	_, err := f.ob.SendBulk(context.Background(), BulkRequest{
		SessionID: testSession, Numbers: []string{"9101", "9102"}, MediaURL: "https://x/y/clip.mp4",
	})
	if err != nil {
		t.Fatal(err)
	}
	p := f.handle.Sent()[0].Payload
	if p.Kind != models.ContentVideo || p.Caption != DefaultVideoCaption {
		t.Errorf("payload = %+v", p)
	}
}

func TestSendBulk_Validation(t *testing.T) {
	f := newFixture(t, 500)
	ctx := context.Background()
	if _, err := f.ob.SendBulk(ctx, BulkRequest{SessionID: testSession, Numbers: []string{" "}, Message: "x"}); !errors.Is(err, ErrInvalid) {
		t.Errorf("blank numbers err = %v", err)
	}
	if _, err := f.ob.SendBulk(ctx, BulkRequest{SessionID: testSession, Numbers: []string{"1"}}); !errors.Is(err, ErrInvalid) {
		t.Errorf("empty body err = %v", err)
	}
}

func TestSchedule(t *testing.T) {
	f := newFixture(t, 500)
	at := time.Date(2026, 5, 4, 18, 30, 0, 0, time.FixedZone("IST", 19800))
	msg, err := f.ob.Schedule(context.Background(), ScheduleRequest{
		SessionID: testSession, User: "u1", To: "918", MediaURL: "https://x/pic.png", Caption: "look", At: at,
	})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	got, _ := f.store.FindByID(context.Background(), msg.ID)
	if !got.Scheduled || got.ScheduledStatus != models.StatusPending || got.SentAt != nil {
		t.Errorf("stored = %+v", got)
	}
	if got.ContentType != models.ContentImage || got.Content != "look" {
		t.Errorf("content = %q/%q", got.ContentType, got.Content)
	}
	if !got.ScheduledTime.Equal(at) || got.ScheduledTime.Location() != time.UTC {
		t.Errorf("ScheduledTime = %v, want %v in UTC", got.ScheduledTime, at)
	}
	if len(f.handle.Sent()) != 0 {
		t.Error("scheduling must not send")
	}

	if _, err := f.ob.Schedule(context.Background(), ScheduleRequest{SessionID: testSession, To: "918", At: at}); !errors.Is(err, ErrInvalid) {
		t.Errorf("empty body err = %v", err)
	}
}

func TestParseScheduledTime(t *testing.T) {
	ist := time.FixedZone("IST", 19800)
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2026-05-04T18:30:00+05:30", time.Date(2026, 5, 4, 13, 0, 0, 0, time.UTC)},
		{"2026-05-04T13:00:00Z", time.Date(2026, 5, 4, 13, 0, 0, 0, time.UTC)},
		{"2026-05-04T18:30", time.Date(2026, 5, 4, 13, 0, 0, 0, time.UTC)},
		{"2026-05-04 18:30:00", time.Date(2026, 5, 4, 13, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := ParseScheduledTime(tt.in, ist)
		if err != nil {
			t.Errorf("ParseScheduledTime(%q): %v", tt.in, err)
			continue
		}
		if !got.Equal(tt.want) || got.Location() != time.UTC {
			t.Errorf("ParseScheduledTime(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if _, err := ParseScheduledTime("tomorrow", ist); !errors.Is(err, ErrInvalid) {
		t.Errorf("err = %v, want ErrInvalid", err)
	}
}

func TestContentTypeFor(t *testing.T) {
	tests := map[string]string{
		"":                       models.ContentText,
		"https://x/a.JPG":        models.ContentImage,
		"https://x/a.webp?x=1":   models.ContentImage,
		"https://x/a.mp4":        models.ContentVideo,
		"https://x/a.mp3":        models.ContentAudio,
		"https://x/a.pdf":        models.ContentDocument,
		"https://x/a.unknownext": models.ContentFile,
		"https://x/no-extension": models.ContentFile,
	}
	for in, want := range tests {
		if got := ContentTypeFor(in); got != want {
			t.Errorf("ContentTypeFor(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBuildPayload(t *testing.T) {
	tests := []struct {
		name string
		msg  models.Message
		kind string
	}{
		{"text", models.Message{Content: "hi"}, models.ContentText},
		{"declared image", models.Message{ContentType: models.ContentImage, MediaURL: "https://x/a.jpg", Content: "c"}, models.ContentImage},
		{"text with media url", models.Message{ContentType: models.ContentText, MediaURL: "https://x/a.mp4"}, models.ContentVideo},
		{"audio", models.Message{ContentType: models.ContentAudio, MediaURL: "https://x/a.ogg", Caption: "c"}, models.ContentAudio},
		{"file as document", models.Message{ContentType: models.ContentFile, MediaURL: "https://x/a.bin"}, models.ContentDocument},
		{"media type without url", models.Message{ContentType: models.ContentImage, Content: "x"}, models.ContentText},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := BuildPayload(&tt.msg)
			if p.Kind != tt.kind {
				t.Errorf("Kind = %q, want %q", p.Kind, tt.kind)
			}
			if tt.kind == models.ContentAudio && p.Caption != "" {
				t.Error("audio carries no caption")
			}
			if tt.kind == models.ContentDocument && p.MimeType == "" {
				t.Error("document needs a mime type")
			}
		})
	}
}
