// Package commands implements the operator bot commands on top of the jobs
// service, the proxy registry and the dispatcher.
package commands

import (
	"context"
	"errors"
	"fmt"
	"html"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"joinbot/internal/accounts"
	"joinbot/internal/dispatcher"
	"joinbot/internal/jobs"
	"joinbot/internal/planner"
	"joinbot/internal/proxy"
	"joinbot/internal/storage"
	"joinbot/internal/transport/telegram/router"
)

// Jobs is the subset of jobs.Service the commands use.
type Jobs interface {
	SubmitChannel(ctx context.Context, sub jobs.Submission) (jobs.Submitted, error)
	PauseChannel(ctx context.Context, ownerID, id int64) (int64, error)
	ResumeChannel(ctx context.Context, ownerID, id int64) (jobs.Submitted, error)
	DeleteChannel(ctx context.Context, ownerID, id int64) error
	ListChannels(ctx context.Context, ownerID int64) ([]jobs.ChannelView, error)
	GetChannel(ctx context.Context, ownerID, id int64) (jobs.ChannelView, error)
	ListWorkItems(ctx context.Context, channelID int64, limit int) ([]storage.WorkItem, error)
	GetStats(ctx context.Context, channelID int64) (storage.Stats, error)
	ListActiveAccounts(ctx context.Context) ([]storage.Account, error)
	QuarantineAccount(ctx context.Context, id, reason string) (bool, error)
	SyncAccounts(ctx context.Context) (accounts.SyncReport, error)
	ImportSession(ctx context.Context, name string, data []byte) (storage.Account, error)
	ProcessNow(ctx context.Context, limit int) (int, error)
}

type Proxies interface {
	Endpoints() []proxy.Endpoint
	Lines() ([]string, error)
	Append(lines []string) (int, []string, error)
	Delete(ctx context.Context, selector string) (string, error)
}

type Status interface {
	Snapshot() dispatcher.Snapshot
}

const (
	defaultPlanLimit = 20
	maxPlanLimit     = 100
	maxUploadBytes   = 1 << 20
	listLimit        = 50
)

type Handlers struct {
	jobs    Jobs
	proxies Proxies
	status  Status
	now     func() time.Time
	started time.Time
}

func New(j Jobs, p Proxies, s Status) *Handlers {
	return &Handlers{jobs: j, proxies: p, status: s, now: time.Now, started: time.Now()}
}

// Commands returns the command table for the router.
func (h *Handlers) Commands() []router.Command {
	return []router.Command{
		{Name: "add", Description: "plan join requests for a channel", Usage: "/add <link|@handle|+invite> <count> <minutes> [repeat]", Handle: h.add},
		{Name: "channels", Aliases: []string{"ls"}, Description: "list your channels", Usage: "/channels", Handle: h.channels},
		{Name: "pause", Description: "pause a channel and drop its pending items", Usage: "/pause <id>", Handle: h.pause},
		{Name: "resume", Description: "resume a channel with a fresh plan", Usage: "/resume <id>", Handle: h.resume},
		{Name: "delete", Aliases: []string{"rm"}, Description: "delete a channel", Usage: "/delete <id>", Handle: h.delete},
		{Name: "plan", Description: "show scheduled items", Usage: "/plan [id] [limit]", Handle: h.plan},
		{Name: "stats", Description: "item counters", Usage: "/stats [id]", Handle: h.stats},
		{Name: "accounts", Description: "list active accounts", Usage: "/accounts", Handle: h.accounts},
		{Name: "sync", Description: "rescan the sessions directory", Usage: "/sync", Handle: h.sync},
		{Name: "quarantine", Description: "take an account out of service", Usage: "/quarantine <account> [reason]", Handle: h.quarantine},
		{Name: "proxies", Description: "list proxies", Usage: "/proxies", Handle: h.listProxies},
		{Name: "proxy_add", Description: "append proxy lines", Usage: "/proxy_add <line> [line...]", Handle: h.proxyAdd},
		{Name: "proxy_del", Description: "remove a proxy by index or line", Usage: "/proxy_del <index|line>", Handle: h.proxyDel},
		{Name: "process", Description: "run due items now", Usage: "/process [n]", Timeout: 10 * time.Minute, Handle: h.process},
		{Name: "status", Description: "engine status", Usage: "/status", Handle: h.statusCmd},
		{Name: "upload", Description: "send proxies .txt or .session/.json files", Usage: "attach a file", Documents: true, Handle: h.upload},
	}
}

// userError turns known domain errors into operator-facing messages.
func userError(err error) error {
	var ve *jobs.ValidationError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &ve):
		return router.Userf("%s", ve.Error())
	case errors.Is(err, jobs.ErrNoEligibleAccounts):
		return router.Userf("no eligible accounts for this target")
	case errors.Is(err, jobs.ErrNotFound):
		return router.Userf("not found")
	case errors.Is(err, accounts.ErrInvalidID):
		return router.Userf("%s", err.Error())
	case errors.Is(err, accounts.ErrQuarantined):
		return router.Userf("account is quarantined")
	case errors.Is(err, proxy.ErrNotFound):
		return router.Userf("proxy not found")
	}
	return err
}

func parseID(args []string, pos int) (int64, error) {
	if len(args) <= pos {
		return 0, router.Userf("channel id required")
	}
	id, err := strconv.ParseInt(args[pos], 10, 64)
	if err != nil || id <= 0 {
		return 0, router.Userf("invalid channel id %q", args[pos])
	}
	return id, nil
}

func parseRepeat(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "repeat", "r", "yes", "true", "1":
		return true, nil
	case "norepeat", "no", "false", "0":
		return false, nil
	}
	return false, router.Userf("last argument must be \"repeat\"")
}

func (h *Handlers) add(ctx context.Context, req *router.Request) error {
	if len(req.Args) < 3 || len(req.Args) > 4 {
		return router.Userf("usage: /add <target> <count> <minutes> [repeat]")
	}
	count, err := strconv.Atoi(req.Args[1])
	if err != nil {
		return router.Userf("count must be a number")
	}
	minutes, err := strconv.Atoi(req.Args[2])
	if err != nil {
		return router.Userf("minutes must be a number")
	}
	repeat := false
	if len(req.Args) == 4 {
		if repeat, err = parseRepeat(req.Args[3]); err != nil {
			return err
		}
	}
	res, err := h.jobs.SubmitChannel(ctx, jobs.Submission{
		OwnerID:     req.FromID,
		Target:      req.Args[0],
		Count:       count,
		Duration:    minutes,
		AllowRepeat: repeat,
	})
	if err != nil {
		return userError(err)
	}
	return req.Reply(ctx, "✅ "+h.describePlan(res))
}

func (h *Handlers) describePlan(res jobs.Submitted) string {
	ch, p := res.Channel, res.Plan
	var b strings.Builder
	fmt.Fprintf(&b, "<b>#%d</b> %s\n", ch.ID, html.EscapeString(ch.Target))
	fmt.Fprintf(&b, "%s requests over %s", humanize.Comma(int64(p.Count)), p.Window.Round(time.Second))
	if !p.Start.IsZero() {
		fmt.Fprintf(&b, ", first %s", humanize.Time(p.Start))
	}
	for _, w := range p.Warnings {
		switch w {
		case planner.WarnCountClamped:
			fmt.Fprintf(&b, "\n⚠️ count reduced from %d to %d (eligible accounts)", p.Requested, p.Count)
		case planner.WarnDurationExtended:
			fmt.Fprintf(&b, "\n⚠️ window extended to %s to keep the minimum spacing", p.Window.Round(time.Second))
		case planner.WarnMissingProxy:
			fmt.Fprintf(&b, "\n⚠️ %d account(s) without proxy", len(p.Unproxied))
		}
	}
	return b.String()
}

func (h *Handlers) channels(ctx context.Context, req *router.Request) error {
	views, err := h.jobs.ListChannels(ctx, req.FromID)
	if err != nil {
		return err
	}
	if len(views) == 0 {
		return req.Reply(ctx, "no channels yet, use /add")
	}
	lines := []string{"📋 <b>Channels</b>"}
	for _, v := range views {
		icon := "▶️"
		if v.Status == storage.ChannelPaused {
			icon = "⏸"
		}
		lines = append(lines, fmt.Sprintf("%s <b>#%d</b> %s · %d/%d sent · %d pending · %d skipped",
			icon, v.ID, html.EscapeString(v.Target), v.Stats.Sent, v.Count, v.Stats.Pending, v.Stats.Skipped))
	}
	return req.Reply(ctx, strings.Join(lines, "\n"))
}

func (h *Handlers) pause(ctx context.Context, req *router.Request) error {
	id, err := parseID(req.Args, 0)
	if err != nil {
		return err
	}
	n, err := h.jobs.PauseChannel(ctx, req.FromID, id)
	if err != nil {
		return userError(err)
	}
	return req.Reply(ctx, fmt.Sprintf("⏸ #%d paused, %d pending item(s) dropped", id, n))
}

func (h *Handlers) resume(ctx context.Context, req *router.Request) error {
	id, err := parseID(req.Args, 0)
	if err != nil {
		return err
	}
	res, err := h.jobs.ResumeChannel(ctx, req.FromID, id)
	if err != nil {
		return userError(err)
	}
	return req.Reply(ctx, "▶️ "+h.describePlan(res))
}

func (h *Handlers) delete(ctx context.Context, req *router.Request) error {
	id, err := parseID(req.Args, 0)
	if err != nil {
		return err
	}
	if err := h.jobs.DeleteChannel(ctx, req.FromID, id); err != nil {
		return userError(err)
	}
	return req.Reply(ctx, fmt.Sprintf("🗑 #%d deleted", id))
}

func (h *Handlers) plan(ctx context.Context, req *router.Request) error {
	var id int64
	if len(req.Args) > 0 {
		var err error
		if id, err = parseID(req.Args, 0); err != nil {
			return err
		}
		if _, err := h.jobs.GetChannel(ctx, req.FromID, id); err != nil {
			return userError(err)
		}
	}
	limit := defaultPlanLimit
	if len(req.Args) > 1 {
		n, err := strconv.Atoi(req.Args[1])
		if err != nil || n < 1 {
			return router.Userf("invalid limit %q", req.Args[1])
		}
		limit = min(n, maxPlanLimit)
	}
	items, err := h.jobs.ListWorkItems(ctx, id, limit)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return req.Reply(ctx, "nothing scheduled")
	}
	lines := []string{"🗓 <b>Schedule</b>"}
	for _, it := range items {
		line := fmt.Sprintf("%s <code>%s</code> #%d %s via %s",
			itemIcon(it.Status),
			it.ScheduledAt.Local().Format("01-02 15:04:05"),
			it.ChannelID,
			html.EscapeString(it.Account),
			html.EscapeString(proxyLabel(it.Proxy)),
		)
		if it.Detail != "" {
			line += " · " + html.EscapeString(it.Detail)
		}
		lines = append(lines, line)
	}
	return req.Reply(ctx, strings.Join(lines, "\n"))
}

func itemIcon(s storage.ItemStatus) string {
	switch s {
	case storage.ItemSent:
		return "✅"
	case storage.ItemSkipped:
		return "⏭"
	}
	return "⏳"
}

func proxyLabel(raw string) string {
	if raw == "" {
		return "direct"
	}
	if ep, err := proxy.ParseLine(raw); err == nil {
		return ep.String()
	}
	return "proxy"
}

func (h *Handlers) stats(ctx context.Context, req *router.Request) error {
	var (
		id    int64
		title = "all channels"
	)
	if len(req.Args) > 0 {
		var err error
		if id, err = parseID(req.Args, 0); err != nil {
			return err
		}
		v, err := h.jobs.GetChannel(ctx, req.FromID, id)
		if err != nil {
			return userError(err)
		}
		title = fmt.Sprintf("#%d %s", v.ID, v.Target)
	}
	st, err := h.jobs.GetStats(ctx, id)
	if err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("📊 <b>%s</b>\ntotal %s · sent %s · skipped %s · pending %s",
		html.EscapeString(title),
		humanize.Comma(int64(st.Total())), humanize.Comma(int64(st.Sent)),
		humanize.Comma(int64(st.Skipped)), humanize.Comma(int64(st.Pending))))
}

func (h *Handlers) accounts(ctx context.Context, req *router.Request) error {
	accts, err := h.jobs.ListActiveAccounts(ctx)
	if err != nil {
		return err
	}
	if len(accts) == 0 {
		return req.Reply(ctx, "no active accounts, drop session files and /sync")
	}
	lines := []string{fmt.Sprintf("👤 <b>%d active account(s)</b>", len(accts))}
	for i, a := range accts {
		if i == listLimit {
			lines = append(lines, fmt.Sprintf("… and %d more", len(accts)-listLimit))
			break
		}
		used := "never used"
		if !a.LastUsed.IsZero() {
			used = "used " + humanize.Time(a.LastUsed)
		}
		lines = append(lines, fmt.Sprintf("<code>%s</code> · %s · %s",
			html.EscapeString(a.ID), html.EscapeString(proxyLabel(a.Proxy)), used))
	}
	return req.Reply(ctx, strings.Join(lines, "\n"))
}

func (h *Handlers) sync(ctx context.Context, req *router.Request) error {
	rep, err := h.jobs.SyncAccounts(ctx)
	if err != nil {
		return err
	}
	msg := fmt.Sprintf("🔄 %d new, %d known", len(rep.Added), rep.Known)
	if len(rep.Quarantined) > 0 {
		msg += fmt.Sprintf(", %d quarantined file(s) moved out", len(rep.Quarantined))
	}
	return req.Reply(ctx, msg)
}

func (h *Handlers) quarantine(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		return router.Userf("usage: /quarantine <account> [reason]")
	}
	reason := strings.Join(req.Args[1:], " ")
	changed, err := h.jobs.QuarantineAccount(ctx, req.Args[0], reason)
	if err != nil {
		return userError(err)
	}
	if !changed {
		return req.Reply(ctx, "account was already quarantined")
	}
	return req.Reply(ctx, "🧊 <code>"+html.EscapeString(req.Args[0])+"</code> quarantined")
}

// listProxies numbers entries by file line, the index /proxy_del expects.
func (h *Handlers) listProxies(ctx context.Context, req *router.Request) error {
	lines, err := h.proxies.Lines()
	if err != nil {
		return err
	}
	out := []string{fmt.Sprintf("🌐 <b>%d prox(ies)</b>", len(h.proxies.Endpoints()))}
	shown := 0
	for i, l := range lines {
		t := strings.TrimSpace(l)
		if t == "" || strings.HasPrefix(t, "#") {
			continue
		}
		if shown == listLimit {
			out = append(out, "…")
			break
		}
		shown++
		out = append(out, fmt.Sprintf("%d. <code>%s</code>", i+1, html.EscapeString(proxyLabel(t))))
	}
	if shown == 0 {
		return req.Reply(ctx, "no proxies, joins run direct")
	}
	return req.Reply(ctx, strings.Join(out, "\n"))
}

func (h *Handlers) appendProxies(ctx context.Context, req *router.Request, lines []string) error {
	added, rejected, err := h.proxies.Append(lines)
	if err != nil {
		return err
	}
	msg := fmt.Sprintf("✅ %d proxy line(s) added, %d total", added, len(h.proxies.Endpoints()))
	if len(rejected) > 0 {
		msg += fmt.Sprintf("\n⚠️ %d rejected", len(rejected))
	}
	return req.Reply(ctx, msg)
}

func (h *Handlers) proxyAdd(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		return router.Userf("usage: /proxy_add <line> [line...]")
	}
	return h.appendProxies(ctx, req, req.Args)
}

func (h *Handlers) proxyDel(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		return router.Userf("usage: /proxy_del <index|line>")
	}
	removed, err := h.proxies.Delete(ctx, strings.Join(req.Args, " "))
	if err != nil {
		return userError(err)
	}
	return req.Reply(ctx, "🗑 removed <code>"+html.EscapeString(proxyLabel(removed))+"</code>")
}

func (h *Handlers) process(ctx context.Context, req *router.Request) error {
	limit := 1
	if len(req.Args) > 0 {
		n, err := strconv.Atoi(req.Args[0])
		if err != nil || n < 1 {
			return router.Userf("invalid count %q", req.Args[0])
		}
		limit = n
	}
	n, err := h.jobs.ProcessNow(ctx, limit)
	if err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("⚙️ %d item(s) processed", n))
}

func (h *Handlers) statusCmd(ctx context.Context, req *router.Request) error {
	snap := h.status.Snapshot()
	st, err := h.jobs.GetStats(ctx, 0)
	if err != nil {
		return err
	}
	accts, err := h.jobs.ListActiveAccounts(ctx)
	if err != nil {
		return err
	}
	state := "running"
	if !snap.Running {
		state = "stopped"
	}
	last := "never"
	if !snap.LastCycleAt.IsZero() {
		last = humanize.Time(snap.LastCycleAt)
	}
	lines := []string{
		"🤖 <b>Status</b>",
		fmt.Sprintf("dispatcher %s · %s cycles · last %s", state, humanize.Comma(int64(snap.Cycles)), last),
		fmt.Sprintf("executed %s · sent %s · skipped %s",
			humanize.Comma(int64(snap.Executed)), humanize.Comma(int64(snap.Sent)), humanize.Comma(int64(snap.Skipped))),
		fmt.Sprintf("pending %s · accounts %d · proxies %d", humanize.Comma(int64(st.Pending)), len(accts), len(h.proxies.Endpoints())),
		"up " + strings.TrimSpace(humanize.RelTime(h.started, h.now(), "", "")),
	}
	if snap.LastErr != "" {
		lines = append(lines, "last error: "+html.EscapeString(snap.LastErr))
	}
	return req.Reply(ctx, strings.Join(lines, "\n"))
}

func (h *Handlers) upload(ctx context.Context, req *router.Request) error {
	doc := req.Document()
	if doc == nil {
		return router.Userf("attach a proxies .txt or a .session/.json file")
	}
	ext := strings.ToLower(filepath.Ext(doc.FileName))
	switch ext {
	case ".txt", ".session", ".json":
	default:
		return router.Userf("only .txt, .session and .json files are accepted")
	}
	data, err := req.Adapter.Download(ctx, *doc, maxUploadBytes)
	if err != nil {
		return err
	}
	if ext == ".txt" {
		return h.appendProxies(ctx, req, strings.Split(string(data), "\n"))
	}
	acct, err := h.jobs.ImportSession(ctx, doc.FileName, data)
	if err != nil {
		return userError(err)
	}
	return req.Reply(ctx, "✅ account <code>"+html.EscapeString(acct.ID)+"</code> added")
}
