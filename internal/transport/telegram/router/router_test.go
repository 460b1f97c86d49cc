package router

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	kit "joinbot/internal/transport"
	"joinbot/pkg/logx"
)

type fakeAdapter struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }
func (f *fakeAdapter) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	f.sent = append(f.sent, text)
	f.mu.Unlock()
	return kit.MessageRef{}, nil
}
func (f *fakeAdapter) Download(context.Context, kit.Document, int64) ([]byte, error) {
	return nil, nil
}

func (f *fakeAdapter) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTokenize(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want []string
	}{
		{"/add @chan 10 5", []string{"/add", "@chan", "10", "5"}},
		{"  /x   a\tb ", []string{"/x", "a", "b"}},
		{`/proxy_del "1.2.3.4:80:u:p"`, []string{"/proxy_del", "1.2.3.4:80:u:p"}},
		{`/a "" b`, []string{"/a", "", "b"}},
	}
	for _, tc := range cases {
		if got := tokenize(tc.in); !slices.Equal(got, tc.want) {
			t.Fatalf("tokenize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSanitizeCommand(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"Proxy-Add": "proxy_add",
		" stats ":   "stats",
		"__x__":     "x",
		"a.b":       "ab",
	}
	for in, want := range cases {
		if got := sanitizeCommand(in); got != want {
			t.Fatalf("sanitizeCommand(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDispatch(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	m := NewCommandManager(logx.Nop(), ad, []int64{1})

	var (
		mu   sync.Mutex
		seen []string
	)
	record := func(ctx context.Context, req *Request) error {
		mu.Lock()
		seen = append(seen, req.Command+":"+strings.Join(req.Args, ","))
		mu.Unlock()
		return nil
	}
	m.SetRegistry(context.Background(), []Command{
		{Name: "stats", Aliases: []string{"st"}, Handle: record},
		{Name: "proxy_add", Documents: true, Handle: record},
		{Name: "fail", Handle: func(context.Context, *Request) error { return Userf("bad input") }},
	})

	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.DispatchLoop(ctx, updates)
	}()

	msg := func(from int64, text string) kit.Update {
		return kit.Update{Message: &kit.Message{ChatID: 10, FromID: from, Text: text}}
	}
	updates <- msg(1, "/stats@joinbot 3")
	updates <- msg(1, "/st")
	updates <- msg(2, "/stats")
	updates <- msg(1, "hello")
	updates <- msg(1, "/nope")
	updates <- kit.Update{Message: &kit.Message{ChatID: 10, FromID: 1, Document: &kit.Document{FileID: "f"}}}
	updates <- msg(1, "/fail")

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	})
	waitFor(t, func() bool { return len(ad.texts()) == 3 })
	cancel()
	<-done

	mu.Lock()
	got := slices.Clone(seen)
	mu.Unlock()
	slices.Sort(got)
	want := []string{"proxy_add:", "stats:", "stats:3"}
	if !slices.Equal(got, want) {
		t.Fatalf("handled = %q, want %q", got, want)
	}

	texts := strings.Join(ad.texts(), "|")
	for _, s := range []string{"unauthorized", "unknown command", "bad input"} {
		if !strings.Contains(texts, s) {
			t.Fatalf("replies %q missing %q", texts, s)
		}
	}
}

func TestHelpHidesOwnerCommands(t *testing.T) {
	t.Parallel()
	m := NewCommandManager(logx.Nop(), &fakeAdapter{}, []int64{1})
	m.SetRegistry(context.Background(), []Command{
		{Name: "stats", Description: "counters", Usage: "/stats [id]", Handle: func(context.Context, *Request) error { return nil }},
	})
	if h := m.helpText(nil, false); strings.Contains(h, "/stats") || !strings.Contains(h, "/help") {
		t.Fatalf("guest help = %q", h)
	}
	if h := m.helpText(nil, true); !strings.Contains(h, "/stats - counters") {
		t.Fatalf("owner help = %q", h)
	}
	if h := m.helpText([]string{"/stats"}, true); !strings.Contains(h, "/stats [id]") {
		t.Fatalf("detail = %q", h)
	}
}

func TestReplyErrorMiddleware(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	req := &Request{Adapter: ad, ReqID: "abc"}
	h := Chain(func(context.Context, *Request) error { return errors.New("boom <x>") }, MWReplyError())
	if err := h(context.Background(), req); err == nil {
		t.Fatal("error should propagate")
	}
	got := ad.texts()
	if len(got) != 1 || !strings.Contains(got[0], "abc") || !strings.Contains(got[0], "boom &lt;x&gt;") {
		t.Fatalf("reply = %q", got)
	}
}
