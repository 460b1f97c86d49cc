package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	logx "joinbot/pkg/logx"
)

func openTest(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "joinbot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func mustChannel(t *testing.T, st Store, key string, owner int64) Channel {
	t.Helper()
	ch, err := st.UpsertChannel(context.Background(), Channel{Target: "@" + key, TargetKey: key, Count: 3, Duration: 1, OwnerID: owner})
	if err != nil {
		t.Fatalf("UpsertChannel: %v", err)
	}
	return ch
}

func TestUpsertChannelIsUniquePerOwner(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()

	a := mustChannel(t, st, "news", 1)
	if err := st.SetChannelStatus(ctx, a.ID, ChannelPaused); err != nil {
		t.Fatalf("SetChannelStatus: %v", err)
	}
	b, err := st.UpsertChannel(ctx, Channel{Target: "t.me/news", TargetKey: "news", Count: 9, Duration: 5, OwnerID: 1})
	if err != nil {
		t.Fatalf("UpsertChannel: %v", err)
	}
	if b.ID != a.ID {
		t.Fatalf("upsert created a new row: %d != %d", b.ID, a.ID)
	}
	if b.Count != 9 || b.Status != ChannelActive || b.Target != "t.me/news" {
		t.Fatalf("unexpected channel after upsert: %+v", b)
	}
	other := mustChannel(t, st, "news", 2)
	if other.ID == a.ID {
		t.Fatal("different owners must get different channels")
	}
	all, err := st.ListChannels(ctx, 0)
	if err != nil || len(all) != 2 {
		t.Fatalf("ListChannels = %d, %v", len(all), err)
	}
}

func TestReplaceWorkItemsDropsPreviousSet(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	ch := mustChannel(t, st, "news", 1)
	base := time.Now().Truncate(time.Millisecond)

	first := []WorkItem{{Account: "a"}, {Account: "b"}, {Account: "c"}}
	for i := range first {
		first[i].ScheduledAt = base.Add(time.Duration(i) * 5 * time.Second)
	}
	if err := st.ReplaceWorkItems(ctx, ch.ID, first); err != nil {
		t.Fatalf("ReplaceWorkItems: %v", err)
	}
	if err := st.ReplaceWorkItems(ctx, ch.ID, []WorkItem{{Account: "z", ScheduledAt: base}}); err != nil {
		t.Fatalf("ReplaceWorkItems: %v", err)
	}
	items, err := st.ListWorkItems(ctx, ItemFilter{ChannelID: ch.ID})
	if err != nil {
		t.Fatalf("ListWorkItems: %v", err)
	}
	if len(items) != 1 || items[0].Account != "z" {
		t.Fatalf("items = %+v", items)
	}
	if items[0].TargetKey != "news" || !items[0].ScheduledAt.Equal(base) {
		t.Fatalf("unexpected item: %+v", items[0])
	}
}

func TestNextDueAndComplete(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	ch := mustChannel(t, st, "news", 1)
	now := time.Now()
	if _, _, err := st.RegisterAccount(ctx, "a", "", now); err != nil {
		t.Fatal(err)
	}

	items := []WorkItem{
		{Account: "a", ScheduledAt: now.Add(-time.Minute)},
		{Account: "a", ScheduledAt: now.Add(-2 * time.Minute)},
		{Account: "a", ScheduledAt: now.Add(time.Hour)},
	}
	if err := st.ReplaceWorkItems(ctx, ch.ID, items); err != nil {
		t.Fatal(err)
	}

	it, ok, err := st.NextDue(ctx, now)
	if err != nil || !ok {
		t.Fatalf("NextDue = %v, %v", ok, err)
	}
	if !it.ScheduledAt.Before(now.Add(-90 * time.Second)) {
		t.Fatalf("NextDue returned %v, want the earliest item", it.ScheduledAt)
	}

	c := Completion{ItemID: it.ID, Account: "a", TargetKey: it.TargetKey, Status: ItemSent, At: now}
	changed, err := st.CompleteWorkItem(ctx, c)
	if err != nil || !changed {
		t.Fatalf("CompleteWorkItem = %v, %v", changed, err)
	}
	changed, err = st.CompleteWorkItem(ctx, c)
	if err != nil || changed {
		t.Fatalf("second CompleteWorkItem = %v, %v; want no-op", changed, err)
	}

	used, err := st.UsedAccounts(ctx, "news")
	if err != nil || !used["a"] {
		t.Fatalf("UsedAccounts = %v, %v", used, err)
	}

	stats, err := st.Stats(ctx, ch.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Sent != 1 || stats.Pending != 2 || stats.Total() != 3 {
		t.Fatalf("stats = %+v", stats)
	}

	acct, err := st.GetAccount(ctx, "a")
	if err != nil || acct.LastUsed.IsZero() {
		t.Fatalf("last_used not recorded: %+v, %v", acct, err)
	}

	last, ok, err := st.LastPendingTime(ctx, 0)
	if err != nil || !ok || last.Before(now.Add(59*time.Minute)) {
		t.Fatalf("LastPendingTime = %v, %v, %v", last, ok, err)
	}
	if _, ok, _ := st.LastPendingTime(ctx, ch.ID); ok {
		t.Fatal("excluded channel should not contribute to the cursor")
	}
}

func TestPausedChannelItemsAreNotDue(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	ch := mustChannel(t, st, "news", 1)
	past := time.Now().Add(-time.Minute)
	if err := st.ReplaceWorkItems(ctx, ch.ID, []WorkItem{{Account: "a", ScheduledAt: past}}); err != nil {
		t.Fatal(err)
	}
	if err := st.SetChannelStatus(ctx, ch.ID, ChannelPaused); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := st.NextDue(ctx, time.Now()); err != nil || ok {
		t.Fatalf("paused item returned as due: %v, %v", ok, err)
	}
	n, err := st.DeletePendingWorkItems(ctx, ch.ID)
	if err != nil || n != 1 {
		t.Fatalf("DeletePendingWorkItems = %d, %v", n, err)
	}
}

func TestQuarantinePurgesAccount(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	now := time.Now()
	ch := mustChannel(t, st, "news", 1)

	for _, id := range []string{"a", "b"} {
		if _, created, err := st.RegisterAccount(ctx, id, id+".session", now); err != nil || !created {
			t.Fatalf("RegisterAccount(%s) = %v, %v", id, created, err)
		}
	}
	if err := st.ReplaceWorkItems(ctx, ch.ID, []WorkItem{
		{Account: "a", ScheduledAt: now.Add(-time.Second)},
		{Account: "a", ScheduledAt: now.Add(time.Minute)},
		{Account: "b", ScheduledAt: now.Add(2 * time.Minute)},
	}); err != nil {
		t.Fatal(err)
	}
	it, _, _ := st.NextDue(ctx, now)
	if _, err := st.CompleteWorkItem(ctx, Completion{ItemID: it.ID, Account: "a", TargetKey: "news", Status: ItemSent, At: now}); err != nil {
		t.Fatal(err)
	}

	changed, err := st.QuarantineAccount(ctx, "a", "FROZEN_METHOD_INVALID", now)
	if err != nil || !changed {
		t.Fatalf("QuarantineAccount = %v, %v", changed, err)
	}
	changed, err = st.QuarantineAccount(ctx, "a", "again", now)
	if err != nil || changed {
		t.Fatalf("repeat QuarantineAccount = %v, %v; want no-op", changed, err)
	}

	items, _ := st.ListWorkItems(ctx, ItemFilter{})
	for _, it := range items {
		if it.Account == "a" {
			t.Fatalf("quarantined account still has item %+v", it)
		}
	}
	if len(items) != 1 {
		t.Fatalf("items = %d, want 1", len(items))
	}
	used, _ := st.UsedAccounts(ctx, "news")
	if used["a"] {
		t.Fatal("history row survived quarantine")
	}
	active, _ := st.ListAccounts(ctx, AccountActive)
	if len(active) != 1 || active[0].ID != "b" {
		t.Fatalf("active accounts = %+v", active)
	}
	acct, _ := st.GetAccount(ctx, "a")
	if acct.Reason != "FROZEN_METHOD_INVALID" {
		t.Fatalf("reason overwritten: %q", acct.Reason)
	}
	if _, _, err := st.RegisterAccount(ctx, "a", "a.session", now); !errors.Is(err, ErrQuarantined) {
		t.Fatalf("re-register quarantined: err = %v", err)
	}
}

func TestProxyAssignmentAndClear(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if _, _, err := st.RegisterAccount(ctx, id, "", time.Now()); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.SetAccountProxy(ctx, "a", "1.1.1.1:80"); err != nil {
		t.Fatal(err)
	}
	if err := st.SetAccountProxy(ctx, "b", "1.1.1.1:80"); err != nil {
		t.Fatal(err)
	}
	if err := st.SetAccountProxy(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetAccountProxy(missing) = %v", err)
	}
	n, err := st.ClearProxy(ctx, "1.1.1.1:80")
	if err != nil || n != 2 {
		t.Fatalf("ClearProxy = %d, %v", n, err)
	}
}

func TestDeleteChannelCascades(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	ch := mustChannel(t, st, "news", 1)
	if err := st.ReplaceWorkItems(ctx, ch.ID, []WorkItem{{Account: "a", ScheduledAt: time.Now()}}); err != nil {
		t.Fatal(err)
	}
	if err := st.DeleteChannel(ctx, ch.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := st.GetChannel(ctx, ch.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetChannel after delete = %v", err)
	}
	if err := st.DeleteChannel(ctx, ch.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second DeleteChannel = %v", err)
	}
	stats, _ := st.Stats(ctx, 0)
	if stats.Total() != 0 {
		t.Fatalf("stats after delete = %+v", stats)
	}
}

func TestPruneWorkItems(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	ch := mustChannel(t, st, "news", 1)
	old := time.Now().Add(-48 * time.Hour)
	if err := st.ReplaceWorkItems(ctx, ch.ID, []WorkItem{{Account: "a", ScheduledAt: old}, {Account: "a", ScheduledAt: time.Now().Add(time.Hour)}}); err != nil {
		t.Fatal(err)
	}
	it, _, _ := st.NextDue(ctx, time.Now())
	if _, err := st.CompleteWorkItem(ctx, Completion{ItemID: it.ID, Account: "a", Status: ItemSkipped, At: old}); err != nil {
		t.Fatal(err)
	}
	n, err := st.PruneWorkItems(ctx, time.Now().Add(-24*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("PruneWorkItems = %d, %v", n, err)
	}
	stats, _ := st.Stats(ctx, ch.ID)
	if stats.Pending != 1 || stats.Total() != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}
