package eventbus

import "time"

const (
	TypeWorkItemDone       = "workitem.done"
	TypeAccountQuarantined = "account.quarantined"
	TypeDispatcherCycle    = "dispatcher.cycle"
	TypeChannelPlanned     = "channel.planned"
)

// WorkItemDone is published after the dispatcher recorded an outcome.
type WorkItemDone struct {
	CycleID   string
	ItemID    int64
	ChannelID int64
	Account   string
	Status    string
	Outcome   string
	Detail    string
	Took      time.Duration
}

type AccountQuarantined struct {
	Account string
	Reason  string
}

type DispatcherCycle struct {
	CycleID   string
	Processed int
	Released  int
	Err       string
}

type ChannelPlanned struct {
	ChannelID int64
	OwnerID   int64
	Items     int
	Warnings  []string
}
