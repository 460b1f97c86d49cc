package app

import (
	"context"
	"fmt"
	"html"
	"sync"
	"time"

	"joinbot/internal/eventbus"
	kit "joinbot/internal/transport"
	"joinbot/pkg/logx"
)

// groupNotifier posts quarantine notices to the log group.
type groupNotifier struct {
	adapter kit.Adapter
	log     logx.Logger

	mu sync.Mutex
	to kit.ChatTarget
}

func (n *groupNotifier) SetTarget(chatID int64, threadID int) {
	n.mu.Lock()
	n.to = kit.ChatTarget{ChatID: chatID, ThreadID: threadID}
	n.mu.Unlock()
}

func (n *groupNotifier) target() kit.ChatTarget {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.to
}

func quarantineText(e eventbus.AccountQuarantined) string {
	return fmt.Sprintf("🧊 account <code>%s</code> quarantined\nreason: %s",
		html.EscapeString(e.Account), html.EscapeString(e.Reason))
}

// run forwards events until ctx is done.
func (n *groupNotifier) run(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			q, ok := e.Data.(eventbus.AccountQuarantined)
			if !ok {
				continue
			}
			to := n.target()
			if to.ChatID == 0 {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			_, err := n.adapter.SendText(sctx, to, quarantineText(q), &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
			cancel()
			if err != nil {
				n.log.Warn("quarantine notice failed", logx.String("account", q.Account), logx.Err(err))
			}
		}
	}
}
