// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package structs holds the shared data model for the linear node-selection
// engine: the cluster node and partition tables, the job request view, the
// network switch topology and the node bitmap that ties them together.
package structs

import (
	"strings"
	"time"
)

const (
	// MemPerCPU flags Job.PNMinMemory as a per-CPU quantity. With the flag
	// masked off the remaining bits are megabytes per CPU; without it they
	// are megabytes per node.
	MemPerCPU uint32 = 1 << 31

	// SharedForce is set in a partition's MaxShare when sharing is forced
	// on jobs rather than opt-in. The selector only cares about the share
	// count, so the flag is masked off before use.
	SharedForce uint16 = 1 << 15

	// NoShareLimit lifts the per-partition running or total job caps when
	// building a feasibility mask.
	NoShareLimit = int(^uint32(0) >> 1)

	// ReadyNodeState is returned by JobReady when every allocated node is
	// powered up and usable.
	ReadyNodeState = 1
)

// SelectMode is the scheduling question JobTest answers.
type SelectMode uint16

const (
	// ModeRunNow asks for an allocation against current state.
	ModeRunNow SelectMode = iota

	// ModeTestOnly asks whether the job could ever run, ignoring current
	// allocations and memory.
	ModeTestOnly

	// ModeWillRun asks where and when the job will be able to start,
	// simulating the termination of running jobs.
	ModeWillRun
)

func (m SelectMode) String() string {
	switch m {
	case ModeRunNow:
		return "run-now"
	case ModeTestOnly:
		return "test-only"
	case ModeWillRun:
		return "will-run"
	default:
		return "unknown"
	}
}

// NodeState describes the scheduling-relevant state of a node.
type NodeState uint8

const (
	NodeStateIdle NodeState = iota
	NodeStateAllocated
	NodeStateCompleting
	NodeStatePowerSave
	NodeStatePowerUp
	NodeStateDown
)

// JobState describes the lifecycle state of a job.
type JobState uint8

const (
	JobStatePending JobState = iota
	JobStateRunning
	JobStateSuspended
	JobStateComplete
)

// PreemptMode describes what happens to a job when it is preempted, which
// determines how much of its allocation a hypothetical removal releases.
type PreemptMode uint8

const (
	PreemptModeSuspend PreemptMode = iota
	PreemptModeRequeue
	PreemptModeCheckpoint
	PreemptModeCancel
)

// RemovesAll reports whether preemption under this mode releases the job's
// full allocation rather than just its CPU claim.
func (m PreemptMode) RemovesAll() bool {
	switch m {
	case PreemptModeRequeue, PreemptModeCheckpoint, PreemptModeCancel:
		return true
	default:
		return false
	}
}

// NodeConfig is the configured view of a node's hardware from the cluster
// configuration, used instead of the detected values when fast scheduling
// is enabled.
type NodeConfig struct {
	CPUs       uint16
	Sockets    uint16
	Cores      uint16
	Threads    uint16
	RealMemory uint32 // MB
}

// Node is one entry of the cluster node table. The selector indexes nodes by
// their dense position in the table; all bitmaps share that index space.
type Node struct {
	Name string

	// Detected hardware
	CPUs       uint16
	Sockets    uint16
	Cores      uint16
	Threads    uint16
	RealMemory uint32 // MB

	// Config is the configured hardware view; authoritative when fast
	// scheduling is enabled.
	Config *NodeConfig

	State NodeState

	// Gres is the node table's own generic-resource view, owned by the
	// gres plugin. May be nil when the node has no generic resources.
	Gres interface{}

	// NodeInfo is the published allocation snapshot for this node.
	NodeInfo *NodeInfo
}

// Partition is a schedulable subset of the cluster node table.
type Partition struct {
	Name string

	// MaxShare caps how many jobs may share one node, possibly flagged
	// with SharedForce.
	MaxShare uint16

	NodeBitmap Bitmap
}

// Switch is one entry of the read-only network topology table. Level zero is
// a leaf; higher levels are closer to the root.
type Switch struct {
	Name       string
	Level      int
	LinkSpeed  uint32
	NodeBitmap Bitmap
}

// Job carries the resource request consumed by the selector along with the
// allocation it produces. The selector does not own jobs; it reads the
// request fields and writes the allocation fields.
type Job struct {
	ID        uint32
	Name      string
	Partition *Partition

	State    JobState
	Priority uint32
	EndTime  time.Time

	// StartTime is set by will-run tests to the earliest time the job can
	// begin execution.
	StartTime time.Time

	PreemptMode PreemptMode

	// Request
	MinCPUs       uint32
	CPUsPerTask   uint16
	ReqNodeBitmap Bitmap
	ExcNodeBitmap Bitmap
	Contiguous    bool

	// Shared is zero when the job demands exclusive use of its nodes.
	Shared uint16

	// PNMinMemory is the job's memory request in MB, per node, or per CPU
	// when the MemPerCPU flag is set.
	PNMinMemory uint32

	// GresRequest is the job's generic-resource request, owned by the
	// gres plugin. Nil when the job requests none.
	GresRequest interface{}

	// Allocation
	NodeBitmap Bitmap
	Nodes      string
	NodeCnt    uint32
	TotalCPUs  uint32
	CPUCnt     uint32
	Resources  *JobResources

	// PartNodesMissing records that the job's partition no longer covers
	// some node the job is allocated on.
	PartNodesMissing bool
}

// Exclusive reports whether the job demands whole nodes.
func (j *Job) Exclusive() bool {
	return j.Shared == 0
}

// Running reports whether the job currently consumes CPUs.
func (j *Job) Running() bool {
	return j.State == JobStateRunning
}

// Suspended reports whether the job holds memory and exclusivity but no CPUs.
func (j *Job) Suspended() bool {
	return j.State == JobStateSuspended
}

// MemoryPerCPU splits PNMinMemory into its per-CPU and per-node readings.
// Exactly one of the two results is nonzero when the job requests memory.
func (j *Job) MemoryPerCPU() (perCPU, perNode uint32) {
	if j.PNMinMemory == 0 {
		return 0, 0
	}
	if j.PNMinMemory&MemPerCPU != 0 {
		return j.PNMinMemory &^ MemPerCPU, 0
	}
	return 0, j.PNMinMemory
}

// JobResources records the per-node layout of a job's allocation. Slices are
// indexed by the job's node offset: the i'th set bit of NodeBitmap is slot i.
type JobResources struct {
	NodeBitmap Bitmap
	Nodes      string
	NHosts     int
	NCPUs      uint32

	CPUs            []uint16
	CPUsUsed        []uint16
	MemoryAllocated []uint32 // MB
	MemoryUsed      []uint32 // MB

	// CPUArray* is a run-length compression of CPUs.
	CPUArrayCnt   int
	CPUArrayValue []uint16
	CPUArrayReps  []uint32
}

// NewJobResources returns a JobResources sized for nodeCnt allocation slots.
func NewJobResources(nodeCnt int) *JobResources {
	return &JobResources{
		NHosts:          nodeCnt,
		CPUs:            make([]uint16, nodeCnt),
		CPUsUsed:        make([]uint16, nodeCnt),
		MemoryAllocated: make([]uint32, nodeCnt),
		MemoryUsed:      make([]uint32, nodeCnt),
		CPUArrayValue:   make([]uint16, nodeCnt),
		CPUArrayReps:    make([]uint32, nodeCnt),
	}
}

// BuildCPUArray recomputes the run-length compression of the CPUs slice.
func (r *JobResources) BuildCPUArray() {
	r.CPUArrayCnt = 0
	if len(r.CPUArrayValue) < len(r.CPUs) {
		r.CPUArrayValue = make([]uint16, len(r.CPUs))
		r.CPUArrayReps = make([]uint32, len(r.CPUs))
	}
	k := -1
	for _, cpus := range r.CPUs {
		if k == -1 || r.CPUArrayValue[k] != cpus {
			k++
			r.CPUArrayCnt++
			r.CPUArrayValue[k] = cpus
			r.CPUArrayReps[k] = 1
		} else {
			r.CPUArrayReps[k]++
		}
	}
}

// NodeOffset maps a node table index to the job's allocation slot, or -1 when
// the job holds no allocation on that node.
func (r *JobResources) NodeOffset(nodeIndex int) int {
	if r.NodeBitmap == nil || !r.NodeBitmap.Check(uint(nodeIndex)) {
		return -1
	}
	offset := -1
	for i := r.NodeBitmap.First(); i >= 0 && i <= nodeIndex; i++ {
		if r.NodeBitmap.Check(uint(i)) {
			offset++
		}
	}
	return offset
}

// Copy returns a deep copy of the resources.
func (r *JobResources) Copy() *JobResources {
	if r == nil {
		return nil
	}
	nr := new(JobResources)
	*nr = *r
	nr.NodeBitmap = r.NodeBitmap.Copy()
	nr.CPUs = append([]uint16(nil), r.CPUs...)
	nr.CPUsUsed = append([]uint16(nil), r.CPUsUsed...)
	nr.MemoryAllocated = append([]uint32(nil), r.MemoryAllocated...)
	nr.MemoryUsed = append([]uint32(nil), r.MemoryUsed...)
	nr.CPUArrayValue = append([]uint16(nil), r.CPUArrayValue...)
	nr.CPUArrayReps = append([]uint32(nil), r.CPUArrayReps...)
	return nr
}

// NodeNames renders the set bits of a bitmap as a comma separated list of
// node names from the given table.
func NodeNames(nodes []*Node, bitmap Bitmap) string {
	if bitmap == nil {
		return ""
	}
	var names []string
	for i := range nodes {
		if bitmap.Check(uint(i)) {
			names = append(names, nodes[i].Name)
		}
	}
	return strings.Join(names, ",")
}
