// Package joiner executes join attempts with MTProto user clients and
// classifies their outcome.
package joiner

import (
	"errors"
	"strings"
	"time"

	"github.com/gotd/td/tgerr"

	"joinbot/internal/accounts"
	"joinbot/internal/target"
)

var (
	// ErrUnauthorized means the session no longer carries a valid login.
	ErrUnauthorized = errors.New("session is not authorized")
	// ErrNotChannel means the handle resolved to something other than a channel.
	ErrNotChannel = errors.New("target is not a channel")
)

type Kind int

const (
	Success Kind = iota
	PrivateOrInaccessible
	RateLimited
	AccountFatal
	Transient
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case PrivateOrInaccessible:
		return "private"
	case RateLimited:
		return "rate_limited"
	case AccountFatal:
		return "account_fatal"
	default:
		return "transient"
	}
}

// Outcome is the classified result of one join attempt.
type Outcome struct {
	Kind Kind
	// Code is the RPC error type when the server returned one.
	Code string
	// Wait is the server's flood wait hint for RateLimited.
	Wait time.Duration
	Err  error
}

// Detail is a short human readable reason stored on the work item.
func (o Outcome) Detail() string {
	switch {
	case o.Code != "":
		if o.Kind == RateLimited && o.Wait > 0 {
			return o.Code + " " + o.Wait.String()
		}
		return o.Code
	case o.Err != nil:
		return o.Err.Error()
	case o.Kind == Success:
		return "joined"
	default:
		return o.Kind.String()
	}
}

var successCodes = map[string]bool{
	"INVITE_REQUEST_SENT":      true,
	"USER_ALREADY_PARTICIPANT": true,
}

var privateCodes = map[string]bool{
	"CHANNEL_PRIVATE": true,
	"CHANNEL_INVALID": true,
}

var fatalCodes = map[string]bool{
	"AUTH_KEY_UNREGISTERED": true,
	"SESSION_REVOKED":       true,
}

// Classify maps an error from connecting or joining onto an outcome.
func Classify(err error) Outcome {
	if err == nil {
		return Outcome{Kind: Success}
	}
	switch {
	case errors.Is(err, ErrUnauthorized), errors.Is(err, accounts.ErrNoCredential):
		return Outcome{Kind: AccountFatal, Err: err}
	case errors.Is(err, ErrNotChannel), errors.Is(err, target.ErrInvalid):
		return Outcome{Kind: PrivateOrInaccessible, Err: err}
	}
	if d, ok := tgerr.AsFloodWait(err); ok {
		return Outcome{Kind: RateLimited, Code: "FLOOD_WAIT", Wait: d, Err: err}
	}
	rpc, ok := tgerr.As(err)
	if !ok {
		return Outcome{Kind: Transient, Err: err}
	}
	code := rpc.Type
	out := Outcome{Code: code, Err: err}
	switch {
	case successCodes[code]:
		out.Kind = Success
	case privateCodes[code],
		strings.HasPrefix(code, "INVITE_HASH_"),
		strings.HasPrefix(code, "USERNAME_"):
		out.Kind = PrivateOrInaccessible
	case fatalCodes[code],
		strings.HasPrefix(code, "FROZEN_"),
		strings.HasPrefix(code, "USER_DEACTIVATED"):
		out.Kind = AccountFatal
	default:
		out.Kind = Transient
	}
	return out
}
