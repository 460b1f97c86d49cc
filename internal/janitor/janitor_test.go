package janitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"joinbot/internal/accounts"
	logx "joinbot/pkg/logx"
)

type pruneStore struct {
	mu     sync.Mutex
	before []time.Time
	err    error
}

func (p *pruneStore) PruneWorkItems(_ context.Context, before time.Time) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.before = append(p.before, before)
	return 4, p.err
}

type countSyncer struct {
	mu    sync.Mutex
	calls int
}

func (c *countSyncer) Sync(context.Context) (accounts.SyncReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return accounts.SyncReport{Added: []string{"new"}}, nil
}

func TestPruneUsesRetention(t *testing.T) {
	t.Parallel()
	st := &pruneStore{}
	s := New(Config{Retention: 48 * time.Hour}, st, nil, logx.Nop())

	n, err := s.Prune(context.Background())
	if err != nil || n != 4 {
		t.Fatalf("Prune = %d, %v", n, err)
	}
	age := time.Since(st.before[0])
	if age < 47*time.Hour || age > 49*time.Hour {
		t.Fatalf("cutoff age = %v", age)
	}

	st.err = errors.New("disk full")
	if _, err := s.Prune(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	s := New(Config{}, &pruneStore{}, nil, logx.Nop())
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"defaults", Config{}, true},
		{"seconds", Config{PruneSpec: "0 30 3 * * *"}, true},
		{"sync off", Config{SyncSpec: "-"}, true},
		{"bad prune", Config{PruneSpec: "every day"}, false},
		{"bad sync", Config{SyncSpec: "@sometimes"}, false},
		{"bad tz", Config{Timezone: "Mars/Olympus"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if err := s.Validate(tc.cfg); (err == nil) != tc.ok {
				t.Fatalf("Validate = %v, ok=%v", err, tc.ok)
			}
		})
	}
}

func TestCronRunsSync(t *testing.T) {
	t.Parallel()
	sy := &countSyncer{}
	s := New(Config{Enabled: true, SyncSpec: "@every 1s"}, &pruneStore{}, sy, logx.Nop())
	ctx := context.Background()
	s.Start(ctx)
	s.Start(ctx)
	defer s.Stop(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for {
		sy.mu.Lock()
		n := sy.calls
		sy.mu.Unlock()
		if n > 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("sync never ran")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestApplyEnablesStartedService(t *testing.T) {
	t.Parallel()
	sy := &countSyncer{}
	s := New(Config{Enabled: false, SyncSpec: "@every 1s"}, &pruneStore{}, sy, logx.Nop())
	ctx := context.Background()
	s.Start(ctx)
	defer s.Stop(ctx)

	s.Apply(Config{Enabled: true, SyncSpec: "@every 1s"})
	deadline := time.Now().Add(3 * time.Second)
	for {
		sy.mu.Lock()
		n := sy.calls
		sy.mu.Unlock()
		if n > 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("sync never ran after enabling")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
