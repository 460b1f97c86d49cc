package jobs

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"joinbot/internal/accounts"
	"joinbot/internal/proxy"
	"joinbot/internal/storage"
	logx "joinbot/pkg/logx"
)

type env struct {
	svc      *Service
	store    storage.Store
	dir      *accounts.Directory
	sessions string
}

func newEnv(t *testing.T, accountIDs []string, proxyLines ...string) *env {
	t.Helper()
	root := t.TempDir()
	sessions := filepath.Join(root, "sessions")
	if err := os.MkdirAll(sessions, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, id := range accountIDs {
		if err := os.WriteFile(filepath.Join(sessions, id+".session"), []byte("x"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	st, err := storage.Open(storage.Config{Path: filepath.Join(root, "joinbot.db")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	proxyPath := filepath.Join(root, "proxies.txt")
	if err := os.WriteFile(proxyPath, []byte(strings.Join(proxyLines, "\n")), 0o644); err != nil {
		t.Fatal(err)
	}
	reg := proxy.NewRegistry(proxyPath, st, logx.Nop())
	if _, err := reg.Load(); err != nil {
		t.Fatal(err)
	}

	dir := accounts.NewDirectory(sessions, filepath.Join(root, "frozen"), st, logx.Nop())
	if _, err := dir.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}
	svc := New(Deps{
		Store:       st,
		Directory:   dir,
		Proxies:     reg,
		Quarantiner: dir,
		Rand:        rand.New(rand.NewPCG(1, 2)),
	})
	return &env{svc: svc, store: st, dir: dir, sessions: sessions}
}

func accountIDs(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("acct%02d", i)
	}
	return out
}

func (e *env) items(t *testing.T, channelID int64) []storage.WorkItem {
	t.Helper()
	items, err := e.svc.ListWorkItems(context.Background(), channelID, 0)
	if err != nil {
		t.Fatal(err)
	}
	return items
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()
	e := newEnv(t, accountIDs(2))
	cases := []struct {
		name  string
		sub   Submission
		field string
	}{
		{"bad target", Submission{Target: "not a link/", Count: 1, Duration: 1}, "target"},
		{"empty target", Submission{Target: " ", Count: 1, Duration: 1}, "target"},
		{"zero count", Submission{Target: "@gonews", Count: 0, Duration: 1}, "count"},
		{"huge count", Submission{Target: "@gonews", Count: 1001, Duration: 1}, "count"},
		{"zero duration", Submission{Target: "@gonews", Count: 1, Duration: 0}, "duration"},
		{"long duration", Submission{Target: "@gonews", Count: 1, Duration: 1441}, "duration"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.svc.SubmitChannel(context.Background(), tc.sub)
			var ve *ValidationError
			if !errors.As(err, &ve) || ve.Field != tc.field {
				t.Fatalf("err = %v, want validation error on %s", err, tc.field)
			}
		})
	}
	chans, _ := e.svc.ListChannels(context.Background(), 0)
	if len(chans) != 0 {
		t.Fatalf("invalid submissions stored %d channels", len(chans))
	}
}

func TestSubmitRegeneratesWholesale(t *testing.T) {
	t.Parallel()
	e := newEnv(t, accountIDs(10), "10.0.0.1:1080", "10.0.0.2:1080")
	ctx := context.Background()

	first, err := e.svc.SubmitChannel(ctx, Submission{OwnerID: 7, Target: "https://t.me/gonews", Count: 8, Duration: 30})
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.svc.SubmitChannel(ctx, Submission{OwnerID: 7, Target: "@GoNews", Count: 3, Duration: 2})
	if err != nil {
		t.Fatal(err)
	}
	if first.Channel.ID != second.Channel.ID {
		t.Fatalf("channel ids %d and %d, want same channel", first.Channel.ID, second.Channel.ID)
	}
	items := e.items(t, second.Channel.ID)
	if len(items) != 3 {
		t.Fatalf("items = %d, want 3", len(items))
	}
	last := items[len(items)-1].ScheduledAt.Sub(items[0].ScheduledAt)
	if last > 2*time.Minute+10*time.Second {
		t.Fatalf("items span %v, stale schedule kept", last)
	}
	ch, err := e.svc.GetChannel(ctx, 7, second.Channel.ID)
	if err != nil || ch.Count != 3 || ch.Duration != 2 || ch.Stats.Pending != 3 {
		t.Fatalf("channel = %+v, %v", ch, err)
	}
}

func TestSubmitWithoutAccounts(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)
	_, err := e.svc.SubmitChannel(context.Background(), Submission{Target: "@gonews", Count: 1, Duration: 1})
	if !errors.Is(err, ErrNoEligibleAccounts) {
		t.Fatalf("err = %v", err)
	}
	chans, _ := e.svc.ListChannels(context.Background(), 0)
	if len(chans) != 0 {
		t.Fatal("channel created without eligible accounts")
	}
}

func TestDedupExcludesAccountsWithHistory(t *testing.T) {
	t.Parallel()
	e := newEnv(t, accountIDs(3))
	ctx := context.Background()

	sub, err := e.svc.SubmitChannel(ctx, Submission{Target: "@gonews", Count: 3, Duration: 1})
	if err != nil {
		t.Fatal(err)
	}
	used := e.items(t, sub.Channel.ID)[0]
	if _, err := e.store.CompleteWorkItem(ctx, storage.Completion{
		ItemID: used.ID, Account: used.Account, TargetKey: "@gonews", Status: storage.ItemSent, At: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	for round := 0; round < 5; round++ {
		again, err := e.svc.SubmitChannel(ctx, Submission{Target: "t.me/gonews", Count: 3, Duration: 1})
		if err != nil {
			t.Fatal(err)
		}
		if again.Plan.Count != 2 {
			t.Fatalf("round %d planned %d items, want 2", round, again.Plan.Count)
		}
		for _, it := range e.items(t, again.Channel.ID) {
			if it.Account == used.Account {
				t.Fatalf("round %d reused %s", round, used.Account)
			}
		}
	}

	// With repeats allowed the account is eligible again.
	rep, err := e.svc.SubmitChannel(ctx, Submission{Target: "@gonews", Count: 3, Duration: 1, AllowRepeat: true})
	if err != nil || rep.Plan.Count != 3 {
		t.Fatalf("repeat plan = %d, %v", rep.Plan.Count, err)
	}
}

func TestQuarantinePurgesAccount(t *testing.T) {
	t.Parallel()
	ids := accountIDs(2)
	e := newEnv(t, ids)
	ctx := context.Background()

	sub, err := e.svc.SubmitChannel(ctx, Submission{Target: "@gonews", Count: 2, Duration: 1, AllowRepeat: true})
	if err != nil {
		t.Fatal(err)
	}
	victim := ids[0]
	items := e.items(t, sub.Channel.ID)
	for _, it := range items {
		if it.Account == victim {
			_, _ = e.store.CompleteWorkItem(ctx, storage.Completion{ItemID: it.ID, Account: victim, TargetKey: "@gonews", Status: storage.ItemSent, At: time.Now()})
			break
		}
	}

	changed, err := e.svc.QuarantineAccount(ctx, victim, "FROZEN_METHOD_INVALID")
	if err != nil || !changed {
		t.Fatalf("QuarantineAccount = %v, %v", changed, err)
	}
	if changed, err := e.svc.QuarantineAccount(ctx, victim, ""); err != nil || changed {
		t.Fatalf("repeat QuarantineAccount = %v, %v", changed, err)
	}

	for _, it := range e.items(t, 0) {
		if it.Account == victim {
			t.Fatalf("work item %d still bound to %s", it.ID, victim)
		}
	}
	used, _ := e.store.UsedAccounts(ctx, "@gonews")
	if used[victim] {
		t.Fatal("history row survived quarantine")
	}
	active, _ := e.svc.ListActiveAccounts(ctx)
	for _, a := range active {
		if a.ID == victim {
			t.Fatal("quarantined account still active")
		}
	}
	for i := 0; i < 5; i++ {
		res, err := e.svc.SubmitChannel(ctx, Submission{Target: "@other_chan", Count: 5, Duration: 1, AllowRepeat: true})
		if err != nil {
			t.Fatal(err)
		}
		for _, it := range res.Plan.Items {
			if it.Account == victim {
				t.Fatal("quarantined account planned")
			}
		}
	}
}

func TestProxyAssignmentIsSticky(t *testing.T) {
	t.Parallel()
	e := newEnv(t, accountIDs(5), "10.0.0.1:1080", "10.0.0.2:1080", "10.0.0.3:1080")
	ctx := context.Background()

	mapping := func() map[string]string {
		res, err := e.svc.SubmitChannel(ctx, Submission{Target: "@gonews", Count: 20, Duration: 5, AllowRepeat: true})
		if err != nil {
			t.Fatal(err)
		}
		if len(res.Plan.Unproxied) != 0 {
			t.Fatalf("unproxied = %v", res.Plan.Unproxied)
		}
		m := map[string]string{}
		accts, _ := e.svc.ListActiveAccounts(ctx)
		for _, a := range accts {
			m[a.ID] = a.Proxy
		}
		for _, it := range res.Plan.Items {
			if it.Proxy != m[it.Account] {
				t.Fatalf("item proxy %q, account proxy %q", it.Proxy, m[it.Account])
			}
		}
		return m
	}
	first, second := mapping(), mapping()
	for id, p := range first {
		if p == "" || second[id] != p {
			t.Fatalf("account %s: %q then %q", id, p, second[id])
		}
	}
	if first["acct00"] != "10.0.0.1:1080" || first["acct03"] != "10.0.0.1:1080" || first["acct01"] != "10.0.0.2:1080" {
		t.Fatalf("assignment = %v", first)
	}
}

func TestMissingProxiesAreAWarning(t *testing.T) {
	t.Parallel()
	e := newEnv(t, accountIDs(2))
	res, err := e.svc.SubmitChannel(context.Background(), Submission{Target: "@gonews", Count: 2, Duration: 1})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Plan.HasWarning("missing_proxy") {
		t.Fatalf("warnings = %v", res.Warnings())
	}
}

func TestSchedulesDoNotOverlapAcrossChannels(t *testing.T) {
	t.Parallel()
	e := newEnv(t, accountIDs(5))
	ctx := context.Background()

	a, err := e.svc.SubmitChannel(ctx, Submission{Target: "@alpha_chan", Count: 5, Duration: 3})
	if err != nil {
		t.Fatal(err)
	}
	b, err := e.svc.SubmitChannel(ctx, Submission{Target: "@beta_chan", Count: 5, Duration: 3})
	if err != nil {
		t.Fatal(err)
	}
	aItems := e.items(t, a.Channel.ID)
	bItems := e.items(t, b.Channel.ID)
	lastA := aItems[len(aItems)-1].ScheduledAt
	if gap := bItems[0].ScheduledAt.Sub(lastA); gap < 5*time.Second {
		t.Fatalf("second channel starts %v after the first ends", gap)
	}

	// Regenerating the first channel does not chain onto its own old items.
	again, err := e.svc.SubmitChannel(ctx, Submission{Target: "@alpha_chan", Count: 2, Duration: 1})
	if err != nil {
		t.Fatal(err)
	}
	lastB := bItems[len(bItems)-1].ScheduledAt
	if gap := again.Plan.Start.Sub(lastB); gap < 5*time.Second {
		t.Fatalf("regenerated channel starts %v after the other ends", gap)
	}
}

func TestPauseResumeDelete(t *testing.T) {
	t.Parallel()
	e := newEnv(t, accountIDs(3))
	ctx := context.Background()

	sub, err := e.svc.SubmitChannel(ctx, Submission{OwnerID: 1, Target: "@gonews", Count: 3, Duration: 1})
	if err != nil {
		t.Fatal(err)
	}
	id := sub.Channel.ID

	if _, err := e.svc.PauseChannel(ctx, 2, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign pause = %v", err)
	}
	dropped, err := e.svc.PauseChannel(ctx, 1, id)
	if err != nil || dropped != 3 {
		t.Fatalf("PauseChannel = %d, %v", dropped, err)
	}
	st, _ := e.svc.GetStats(ctx, id)
	if st.Pending != 0 {
		t.Fatalf("pending after pause = %d", st.Pending)
	}

	res, err := e.svc.ResumeChannel(ctx, 1, id)
	if err != nil || res.Channel.Status != storage.ChannelActive || len(res.Plan.Items) != 3 {
		t.Fatalf("ResumeChannel = %+v, %v", res.Channel, err)
	}

	if err := e.svc.DeleteChannel(ctx, 1, id); err != nil {
		t.Fatal(err)
	}
	if items := e.items(t, id); len(items) != 0 {
		t.Fatalf("items after delete = %d", len(items))
	}
	if err := e.svc.DeleteChannel(ctx, 1, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete = %v", err)
	}
}

func TestRegisterAccount(t *testing.T) {
	t.Parallel()
	e := newEnv(t, nil)
	ctx := context.Background()
	if _, err := e.svc.RegisterAccount(ctx, "late"); !errors.Is(err, accounts.ErrNoCredential) {
		t.Fatalf("err = %v", err)
	}
	if err := os.WriteFile(filepath.Join(e.sessions, "late.session"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := e.svc.RegisterAccount(ctx, "late"); err != nil {
		t.Fatal(err)
	}
	active, _ := e.svc.ListActiveAccounts(ctx)
	if len(active) != 1 || active[0].ID != "late" {
		t.Fatalf("active = %+v", active)
	}
}
