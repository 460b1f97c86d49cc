// Package planner turns a channel submission into a time-ordered set of work
// items. It does no I/O: callers supply accounts, history, proxies and the
// global cursor, and persist the result.
package planner

import (
	"errors"
	"math/rand/v2"
	"sort"
	"time"

	"joinbot/internal/storage"
)

// DefaultMinInterval is the minimum spacing between any two scheduled items.
const DefaultMinInterval = 5 * time.Second

var ErrNoEligibleAccounts = errors.New("no eligible accounts")

// Warning marks a plan that succeeded in a degraded form.
type Warning string

const (
	WarnCountClamped     Warning = "count_clamped"
	WarnDurationExtended Warning = "duration_extended"
	WarnMissingProxy     Warning = "missing_proxy"
)

// Rand is the subset of *rand.Rand the planner draws from.
type Rand interface {
	IntN(n int) int
	Int64N(n int64) int64
}

type globalRand struct{}

func (globalRand) IntN(n int) int       { return rand.IntN(n) }
func (globalRand) Int64N(n int64) int64 { return rand.Int64N(n) }

type Input struct {
	Channel storage.Channel
	// Accounts are the eligible account ids (see Eligible).
	Accounts []string
	// Proxies is the sticky assignment, account id to raw proxy line.
	Proxies map[string]string
	// Cursor is the latest pending scheduled time of every other channel.
	// Zero when nothing else is pending.
	Cursor      time.Time
	Now         time.Time
	MinInterval time.Duration // 0 means DefaultMinInterval
	Rand        Rand          // nil uses the global source
}

type Result struct {
	Items    []storage.WorkItem
	Warnings []Warning
	// Requested and Count differ when the plan was clamped.
	Requested int
	Count     int
	Window    time.Duration
	Start     time.Time
	// Unproxied lists bound accounts that have no proxy.
	Unproxied []string
}

// HasWarning reports whether w was raised.
func (r Result) HasWarning(w Warning) bool {
	for _, x := range r.Warnings {
		if x == w {
			return true
		}
	}
	return false
}

// Eligible filters active accounts for a target. Without allowRepeat any
// account present in used (a Sent history row for the target) is excluded.
// The result is sorted by id.
func Eligible(accounts []storage.Account, used map[string]bool, allowRepeat bool) []string {
	out := make([]string, 0, len(accounts))
	for _, a := range accounts {
		if a.Status != "" && a.Status != storage.AccountActive {
			continue
		}
		if !allowRepeat && used[a.ID] {
			continue
		}
		out = append(out, a.ID)
	}
	sort.Strings(out)
	return out
}

// Plan builds the work items of in.Channel.
func Plan(in Input) (Result, error) {
	if len(in.Accounts) == 0 {
		return Result{}, ErrNoEligibleAccounts
	}
	minGap := in.MinInterval
	if minGap <= 0 {
		minGap = DefaultMinInterval
	}
	rnd := in.Rand
	if rnd == nil {
		rnd = globalRand{}
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}

	res := Result{Requested: in.Channel.Count}
	n := in.Channel.Count
	if n > len(in.Accounts) {
		n = len(in.Accounts)
		res.Warnings = append(res.Warnings, WarnCountClamped)
	}
	if n < 1 {
		n = 1
	}
	res.Count = n

	window := time.Duration(in.Channel.Duration) * time.Minute
	if need := time.Duration(n-1) * minGap; need > window {
		window = need
		res.Warnings = append(res.Warnings, WarnDurationExtended)
	}
	res.Window = window

	start := now
	if !in.Cursor.IsZero() {
		if c := in.Cursor.Add(minGap); c.After(start) {
			start = c
		}
	}
	res.Start = start

	offsets := Offsets(n, window, minGap, rnd)
	res.Items = make([]storage.WorkItem, 0, n)
	missing := map[string]bool{}
	for _, off := range offsets {
		acct := in.Accounts[rnd.IntN(len(in.Accounts))]
		px := in.Proxies[acct]
		if px == "" && !missing[acct] {
			missing[acct] = true
			res.Unproxied = append(res.Unproxied, acct)
		}
		res.Items = append(res.Items, storage.WorkItem{
			ChannelID:   in.Channel.ID,
			Account:     acct,
			Proxy:       px,
			ScheduledAt: start.Add(off),
			Status:      storage.ItemPending,
			CreatedAt:   now,
		})
	}
	if len(res.Unproxied) > 0 {
		sort.Strings(res.Unproxied)
		res.Warnings = append(res.Warnings, WarnMissingProxy)
	}
	return res, nil
}

// Offsets returns n offsets within window, the first at 0 and each later one
// drawn at one-second resolution from [prev+minGap, window]. When the lower
// bound already reaches window the lower bound itself is used.
func Offsets(n int, window, minGap time.Duration, rnd Rand) []time.Duration {
	if n <= 0 {
		return nil
	}
	if rnd == nil {
		rnd = globalRand{}
	}
	out := make([]time.Duration, n)
	for i := 1; i < n; i++ {
		lo := out[i-1] + minGap
		if lo >= window {
			out[i] = lo
			continue
		}
		span := int64((window - lo) / time.Second)
		out[i] = lo + time.Duration(rnd.Int64N(span+1))*time.Second
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
