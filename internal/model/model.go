// Package model holds the durable entities the scheduler operates over:
// hosts, tasks, task runs, refusals, host self-reports, and the scheduler
// event log. None of these types know how to persist themselves — that's
// internal/store's job.
package model

import (
	"strconv"
	"time"
)

// TaskState is the lifecycle state of a Task row.
type TaskState string

const (
	TaskFree     TaskState = "FREE"
	TaskOpen     TaskState = "OPEN"
	TaskAssigned TaskState = "ASSIGNED"
	TaskClosed   TaskState = "CLOSED"
	TaskCanceled TaskState = "CANCELED"
	TaskFailed   TaskState = "FAILED"
)

// RunState is the lifecycle state of a TaskRun row.
type RunState string

const (
	RunAssigned RunState = "ASSIGNED"
	RunRunning  RunState = "RUNNING"
	RunDone     RunState = "DONE"
	RunFail     RunState = "FAIL"
	RunOverride RunState = "OVERRIDE"
)

// IsActive reports whether a run still occupies a host's capacity.
func (s RunState) IsActive() bool {
	return s == RunAssigned || s == RunRunning
}

// Host is a build host known to the hub.
type Host struct {
	ID                 int64
	Name               string
	Arches             []string // space-separated token list, split
	Channels           []int64
	Capacity           float64
	TaskLoad           float64
	Ready              bool
	Enabled            bool
	LastUpdate         time.Time
	Comment            string
	Description        string
	CapacityOvercommit float64 // resolved from config, not persisted per-host
}

// OverCapacity reports whether the host's current load already exceeds its
// declared capacity plus overcommit headroom.
func (h *Host) OverCapacity() bool {
	return h.TaskLoad > h.Capacity+h.CapacityOvercommit
}

// Task is an opaque unit of work. The scheduler never interprets Method or
// its parameters — that's the build-task handler's job, named here only by
// string.
type Task struct {
	ID         int64
	Method     string
	ChannelID  int64
	Arch       string // "noarch" or a concrete arch token
	Weight     float64
	Priority   int
	State      TaskState
	Owner      int64
	ParentID   *int64
	HostID     *int64
	CreateTS   time.Time
}

// IsNoarch reports whether the task can run on any host's noarch bin.
func (t *Task) IsNoarch() bool {
	return t.Arch == "noarch"
}

// Bin returns the bin key this task belongs to.
func (t *Task) Bin() string {
	return BinKey(t.ChannelID, t.Arch)
}

// TaskRun is one (possibly historical) attempt at running a Task on a Host.
type TaskRun struct {
	ID       int64
	TaskID   int64
	HostID   int64
	State    RunState
	CreateTS time.Time
	StartTS  *time.Time
	EndTS    *time.Time
}

// Refusal records a host's (soft or hard) decline of a task.
type Refusal struct {
	HostID  int64
	TaskID  int64
	Soft    bool
	ByHost  bool
	Message string
	TS      time.Time
}

// Active reports whether this refusal still suppresses reassignment, given
// the configured soft-refusal timeout. Hard refusals never expire.
func (r *Refusal) Active(now time.Time, softRefusalTimeout time.Duration) bool {
	if !r.Soft {
		return true
	}
	return now.Sub(r.TS) < softRefusalTimeout
}

// HostData is a host's free-form self-report: capabilities, environment
// facts, and anything else policy evaluation wants, keyed by host ID.
type HostData struct {
	HostID int64
	Data   map[string]interface{}
}

// LogMessage is one append-only scheduler event.
type LogMessage struct {
	ID       int64
	TS       time.Time
	TaskID   *int64
	HostID   *int64
	HostName string
	Message  string
}

// BinKey builds the "channel_id:arch" equivalence-class key used to
// intersect tasks with capable hosts. A task's own arch maps to itself; a
// host's noarch bin uses the literal "noarch" token.
func BinKey(channelID int64, arch string) string {
	return strconv.FormatInt(channelID, 10) + ":" + arch
}

// NoarchBin is the synthetic bin every host belongs to for the given
// channel, regardless of the host's declared arches.
func NoarchBin(channelID int64) string {
	return BinKey(channelID, "noarch")
}
