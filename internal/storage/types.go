package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrQuarantined = errors.New("account is quarantined")
)

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means 5s
}

type ChannelStatus string

const (
	ChannelActive ChannelStatus = "active"
	ChannelPaused ChannelStatus = "paused"
)

// Channel is a join target owned by an operator.
type Channel struct {
	ID          int64
	Target      string // as submitted
	TargetKey   string // canonical form, unique per owner
	Count       int
	Duration    int // minutes
	AllowRepeat bool
	Status      ChannelStatus
	OwnerID     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type ItemStatus string

const (
	ItemPending ItemStatus = "pending"
	ItemSent    ItemStatus = "sent"
	ItemSkipped ItemStatus = "skipped"
)

// WorkItem is one scheduled join attempt.
type WorkItem struct {
	ID          int64
	ChannelID   int64
	Account     string
	Proxy       string // raw proxy line; empty runs unproxied
	ScheduledAt time.Time
	Status      ItemStatus
	Detail      string
	CreatedAt   time.Time
	ExecutedAt  time.Time

	// Joined from channels on reads.
	Target    string
	TargetKey string
}

type AccountStatus string

const (
	AccountActive      AccountStatus = "active"
	AccountQuarantined AccountStatus = "quarantined"
)

type Account struct {
	ID            string
	SessionPath   string
	Proxy         string
	Status        AccountStatus
	Reason        string
	LastUsed      time.Time
	CreatedAt     time.Time
	QuarantinedAt time.Time
}

// Completion records the outcome of one executed work item.
type Completion struct {
	ItemID    int64
	Account   string
	TargetKey string
	Status    ItemStatus
	Detail    string
	At        time.Time
}

type Stats struct {
	Pending int
	Sent    int
	Skipped int
}

func (s Stats) Total() int { return s.Pending + s.Sent + s.Skipped }

// ItemFilter selects work items. Zero values mean "any".
type ItemFilter struct {
	ChannelID int64
	Status    ItemStatus
	Limit     int
}

// Store is the persistence API used by the engine and the operator front-end.
type Store interface {
	UpsertChannel(ctx context.Context, ch Channel) (Channel, error)
	GetChannel(ctx context.Context, id int64) (Channel, error)
	ListChannels(ctx context.Context, ownerID int64) ([]Channel, error)
	SetChannelStatus(ctx context.Context, id int64, status ChannelStatus) error
	DeleteChannel(ctx context.Context, id int64) error

	ReplaceWorkItems(ctx context.Context, channelID int64, items []WorkItem) error
	DeletePendingWorkItems(ctx context.Context, channelID int64) (int64, error)
	LastPendingTime(ctx context.Context, excludeChannelID int64) (time.Time, bool, error)
	NextDue(ctx context.Context, now time.Time) (WorkItem, bool, error)
	CompleteWorkItem(ctx context.Context, c Completion) (bool, error)
	ListWorkItems(ctx context.Context, f ItemFilter) ([]WorkItem, error)
	Stats(ctx context.Context, channelID int64) (Stats, error)
	PruneWorkItems(ctx context.Context, before time.Time) (int64, error)

	UsedAccounts(ctx context.Context, targetKey string) (map[string]bool, error)

	RegisterAccount(ctx context.Context, id, sessionPath string, now time.Time) (Account, bool, error)
	GetAccount(ctx context.Context, id string) (Account, error)
	ListAccounts(ctx context.Context, status AccountStatus) ([]Account, error)
	SetAccountProxy(ctx context.Context, id, proxy string) error
	ClearProxy(ctx context.Context, proxy string) (int64, error)
	QuarantineAccount(ctx context.Context, id, reason string, at time.Time) (bool, error)

	Close() error
}
