// Package target normalizes the many ways an operator can name a channel
// (links, handles, invite hashes) into one canonical form.
package target

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

type Kind int

const (
	// Public is a channel reachable by its @username.
	Public Kind = iota + 1
	// Invite is a private channel reachable by an invite hash.
	Invite
)

func (k Kind) String() string {
	switch k {
	case Public:
		return "public"
	case Invite:
		return "invite"
	default:
		return "unknown"
	}
}

var ErrInvalid = errors.New("invalid channel reference")

var (
	usernameRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{3,31}$`)
	hashRe     = regexp.MustCompile(`^[A-Za-z0-9_-]{6,64}$`)
	shortHosts = []string{"t.me", "telegram.me", "telegram.dog"}
)

// Target is a normalized channel reference.
type Target struct {
	Kind  Kind
	Value string // username without "@", or invite hash without "+"
}

// Key is the canonical identity used for dedup: "@name" (lower case) or "+hash".
func (t Target) Key() string {
	if t.Kind == Invite {
		return "+" + t.Value
	}
	return "@" + strings.ToLower(t.Value)
}

// Link renders the t.me URL.
func (t Target) Link() string {
	if t.Kind == Invite {
		return "https://t.me/+" + t.Value
	}
	return "https://t.me/" + t.Value
}

func (t Target) String() string { return t.Key() }

// Parse accepts https://t.me/name, t.me/+hash, t.me/joinchat/hash, @name,
// a bare name, +hash and tg://resolve?domain=name / tg://join?invite=hash.
func Parse(raw string) (Target, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Target{}, fmt.Errorf("%w: empty", ErrInvalid)
	}

	if strings.HasPrefix(strings.ToLower(s), "tg://") {
		return parseDeepLink(s)
	}

	lower := strings.ToLower(s)
	for _, p := range []string{"https://", "http://"} {
		if strings.HasPrefix(lower, p) {
			s = s[len(p):]
			lower = lower[len(p):]
			break
		}
	}
	lower = strings.TrimPrefix(lower, "www.")
	if strings.HasPrefix(strings.ToLower(s), "www.") {
		s = s[len("www."):]
	}

	for _, h := range shortHosts {
		if lower == h || strings.HasPrefix(lower, h+"/") {
			return parsePath(strings.TrimPrefix(s[len(h):], "/"), raw)
		}
	}
	if strings.Contains(s, "/") {
		return Target{}, fmt.Errorf("%w: %q", ErrInvalid, raw)
	}
	return parseToken(s, raw)
}

func parsePath(path, raw string) (Target, error) {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	segs := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(segs) == 0 || segs[0] == "":
		return Target{}, fmt.Errorf("%w: %q", ErrInvalid, raw)
	case strings.EqualFold(segs[0], "joinchat") && len(segs) > 1:
		return invite(segs[1], raw)
	case segs[0] == "s" && len(segs) > 1:
		return public(segs[1], raw)
	}
	// t.me/name/123 links to a post; the channel is the first segment.
	return parseToken(segs[0], raw)
}

func parseToken(tok, raw string) (Target, error) {
	switch {
	case strings.HasPrefix(tok, "+"):
		return invite(tok[1:], raw)
	case strings.HasPrefix(tok, "@"):
		return public(tok[1:], raw)
	default:
		return public(tok, raw)
	}
}

func parseDeepLink(s string) (Target, error) {
	u, err := url.Parse(s)
	if err != nil {
		return Target{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	q := u.Query()
	switch strings.ToLower(u.Host) {
	case "resolve":
		return public(q.Get("domain"), s)
	case "join":
		return invite(q.Get("invite"), s)
	}
	return Target{}, fmt.Errorf("%w: %q", ErrInvalid, s)
}

func public(name, raw string) (Target, error) {
	if !usernameRe.MatchString(name) {
		return Target{}, fmt.Errorf("%w: bad username in %q", ErrInvalid, raw)
	}
	return Target{Kind: Public, Value: name}, nil
}

func invite(hash, raw string) (Target, error) {
	if !hashRe.MatchString(hash) {
		return Target{}, fmt.Errorf("%w: bad invite hash in %q", ErrInvalid, raw)
	}
	return Target{Kind: Invite, Value: hash}, nil
}
