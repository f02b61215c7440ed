// Package activity implements the Lifecycle Manager (spec §4.5): the
// Activity state machine and the stock warmup/teardown hooks it drives.
package activity

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an Activity (spec §3, table Activity).
type Status string

const (
	StatusNotStarted Status = "NotStarted"
	StatusInProgress Status = "InProgress"
	StatusEnded      Status = "Ended"
)

// Activity is a scheduled flash sale with a total stock and a time window.
type Activity struct {
	ID            uuid.UUID
	SKUID         string
	Name          string
	TotalStock    int64
	PerUserLimit  int64
	StartTS       time.Time
	EndTS         time.Time
	Status        Status
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CreateParams are the fields required to schedule a new Activity. It is
// created NotStarted; warmup happens at the NotStarted→InProgress
// transition, not at creation.
type CreateParams struct {
	SKUID        string
	Name         string
	TotalStock   int64
	PerUserLimit int64
	StartTS      time.Time
	EndTS        time.Time
}
