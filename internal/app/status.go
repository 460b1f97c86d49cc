package app

import (
	"context"
	"time"

	"joinbot/internal/dispatcher"
	"joinbot/pkg/logx"
)

// statusDoc is served at /status by the debug listener.
type statusDoc struct {
	StartedAt      time.Time           `json:"started_at"`
	Uptime         string              `json:"uptime"`
	Dispatcher     dispatcher.Snapshot `json:"dispatcher"`
	Proxies        int                 `json:"proxies"`
	ActiveAccounts int                 `json:"active_accounts"`
	CachedClients  int                 `json:"cached_clients"`
	AccountsErr    string              `json:"accounts_error,omitempty"`
}

func (a *App) statusDoc(ctx context.Context) any {
	doc := statusDoc{
		StartedAt:     a.startedAt,
		Uptime:        time.Since(a.startedAt).Truncate(time.Second).String(),
		Dispatcher:    a.disp.Snapshot(),
		Proxies:       a.proxies.Len(),
		CachedClients: a.executor.Cache().Len(),
	}
	accts, err := a.jobs.ListActiveAccounts(ctx)
	if err != nil {
		a.log.Debug("status: list accounts failed", logx.Err(err))
		doc.AccountsErr = err.Error()
	}
	doc.ActiveAccounts = len(accts)
	return doc
}
