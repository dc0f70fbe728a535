package email

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"freegames-notifier/pkg/promo"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memSubscribers struct {
	err   error
	subs  []*promo.Subscriber
	saved int
}

func (m *memSubscribers) List(context.Context) ([]*promo.Subscriber, error) {
	return m.subs, m.err
}

func (m *memSubscribers) Save(context.Context, *promo.Subscriber) error {
	m.saved++
	return nil
}

type failingProvider struct {
	failFor string
	calls   int
}

func (f *failingProvider) Send(_ context.Context, to, _, _ string) error {
	f.calls++
	if to == f.failFor {
		return errors.New("mailbox unavailable")
	}
	return nil
}

var at = time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)

func sampleEvents() []promo.Event {
	return []promo.Event{
		{ID: "e1", Kind: promo.EventNew, RecordID: 1, Title: "Alpha <Deluxe>", Detail: "Free on Steam for 2 days, 0 hours, and 0 minutes", ImageURL: "https://img.example.com/alpha.jpg", At: at},
		{ID: "e2", Kind: promo.EventDeadline, RecordID: 2, Title: "Beta", Detail: "1 hour or less left, ends Jan 10 12:40 UTC", ImageURL: "javascript:alert(1)", At: at},
	}
}

func TestDigestSubject(t *testing.T) {
	events := sampleEvents()
	tests := []struct {
		name   string
		events []promo.Event
		want   string
	}{
		{"single new", events[:1], "New free game: Alpha <Deluxe>"},
		{"single deadline", events[1:], "Ending soon: Beta"},
		{"several", events, "2 free game alerts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := digestSubject(tt.events); got != tt.want {
				t.Errorf("digestSubject() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDispatch(t *testing.T) {
	mock := NewMockProvider(testLogger())
	subs := &memSubscribers{subs: []*promo.Subscriber{
		{Email: "a@example.com", Token: "tok-a"},
		{Email: "b@example.com", Token: "tok-b"},
	}}
	sender := New(mock, subs, testLogger(), "https://freegames.example.com")
	sender.now = func() time.Time { return at }

	if err := sender.Dispatch(context.Background(), sampleEvents()); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	sent := mock.Sent()
	if len(sent) != 2 {
		t.Fatalf("sent %d emails, want 2", len(sent))
	}
	if sent[0].To != "a@example.com" || sent[0].Subject != "2 free game alerts" {
		t.Errorf("first email = %+v", sent[0])
	}
	if !strings.Contains(sent[1].Body, "unsubscribe?token=tok-b") {
		t.Error("digest missing subscriber's unsubscribe link")
	}
	if subs.saved != 2 || subs.subs[0].Notified != 2 || !subs.subs[0].LastNotifiedAt.Equal(at) {
		t.Errorf("delivery not recorded: saved=%d sub=%+v", subs.saved, subs.subs[0])
	}
}

func TestDispatchNoEvents(t *testing.T) {
	mock := NewMockProvider(testLogger())
	subs := &memSubscribers{err: errors.New("should not be listed")}
	if err := New(mock, subs, testLogger(), "").Dispatch(context.Background(), nil); err != nil {
		t.Errorf("Dispatch(nil) error = %v", err)
	}
}

func TestDispatchContinuesAfterFailure(t *testing.T) {
	provider := &failingProvider{failFor: "a@example.com"}
	subs := &memSubscribers{subs: []*promo.Subscriber{
		{Email: "a@example.com", Token: "tok-a"},
		{Email: "b@example.com", Token: "tok-b"},
	}}

	err := New(provider, subs, testLogger(), "").Dispatch(context.Background(), sampleEvents())
	if err == nil || !strings.Contains(err.Error(), "a@example.com") {
		t.Errorf("Dispatch() error = %v, want failure for a@example.com", err)
	}
	if provider.calls != 2 {
		t.Errorf("provider called %d times, want 2", provider.calls)
	}
	if subs.saved != 1 {
		t.Errorf("saved %d subscribers, want only the delivered one", subs.saved)
	}
}

func TestDigestBody(t *testing.T) {
	sender := New(NewMockProvider(testLogger()), &memSubscribers{}, testLogger(), "https://freegames.example.com")
	body := sender.formatDigestBody(&promo.Subscriber{Email: "a@example.com", Token: "tok a"}, sampleEvents())

	for _, want := range []string{
		"Alpha &lt;Deluxe&gt;",
		`<img src="https://img.example.com/alpha.jpg"`,
		"Ending soon",
		"1 hour or less left",
		"Jan 10, 2024 at 12:00 PM UTC",
		"https://freegames.example.com/unsubscribe?token=tok+a",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q", want)
		}
	}
	if strings.Contains(body, "javascript:") {
		t.Error("unsafe image URL rendered")
	}
	if strings.Contains(body, "<Deluxe>") {
		t.Error("title not escaped")
	}
}

func TestWelcomeBody(t *testing.T) {
	sender := New(NewMockProvider(testLogger()), &memSubscribers{}, testLogger(), "https://freegames.example.com")
	body := sender.formatWelcomeBody(&promo.Subscriber{Email: "a@example.com", Token: "tok"}, "192.0.2.1", "<script>")
	if !strings.Contains(body, "192.0.2.1") || !strings.Contains(body, "&lt;script&gt;") {
		t.Errorf("welcome body missing escaped details:\n%s", body)
	}
}

func TestIsSafeURL(t *testing.T) {
	tests := map[string]bool{
		"https://example.com/a.jpg": true,
		"http://example.com":        true,
		"/thumb/1":                  true,
		"JavaScript:alert(1)":       false,
		"data:image/png;base64,xx":  false,
		"":                          false,
	}
	for in, want := range tests {
		if got := isSafeURL(in); got != want {
			t.Errorf("isSafeURL(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestBuildMessageStripsHeaderInjection(t *testing.T) {
	msg := buildMessage("alerts@example.com", "victim@example.com\r\nBcc: evil@example.com", "Free\nGame", "<p>hi</p>")
	if strings.Contains(msg, "\r\nBcc:") {
		t.Errorf("header injection not removed:\n%s", msg)
	}
	if !strings.Contains(msg, "From: alerts@example.com\r\n") {
		t.Error("From header missing")
	}
	if !strings.HasSuffix(msg, "\r\n\r\n<p>hi</p>") {
		t.Error("body not separated from headers")
	}
}

func TestBrevoSend(t *testing.T) {
	var got brevoSendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("api-key") != "key-123" {
			t.Errorf("api-key header = %q", r.Header.Get("api-key"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	b := NewBrevoProvider("key-123", "alerts@example.com", "Free Games", testLogger())
	b.endpoint = srv.URL
	if err := b.Send(context.Background(), "a@example.com", "New free game: Alpha", "<p>Alpha</p>"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got.Sender.Email != "alerts@example.com" || len(got.To) != 1 || got.To[0].Email != "a@example.com" || got.HTML != "<p>Alpha</p>" {
		t.Errorf("request = %+v", got)
	}
}

func TestBrevoClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	b := NewBrevoProvider("bad", "alerts@example.com", "", testLogger())
	b.endpoint = srv.URL
	if err := b.Send(context.Background(), "a@example.com", "s", "b"); err == nil {
		t.Fatal("Send() succeeded on 401")
	}
	if calls.Load() != 1 {
		t.Errorf("401 sent %d times, want 1", calls.Load())
	}
}
