// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package selector implements linear node selection for a batch workload
// manager. Nodes are treated as points on a one-dimensional address line and
// jobs are placed on the single tightest consecutive run, or the fewest runs,
// that fits their request; when a switch topology is configured, selection is
// confined to the smallest subtree that satisfies the request.
//
// The selector keeps an in-memory snapshot of resources consumed on every
// node, rebuilt on demand from the cluster job tables, and answers three
// scheduling questions: can the job run now, could it ever run, and when will
// it be able to run.
package selector

import (
	"fmt"
	"sync"
	"time"

	log "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics/compat"

	"github.com/hashicorp/cluster-select/structs"
)

const (
	// SelectorName identifies the selection algorithm in logs.
	SelectorName = "linear"

	// SelectorVersion is bumped when the selection semantics change.
	SelectorVersion = 100
)

// CRType selects the consumable resource unit the selector accounts.
type CRType uint8

const (
	// CRCPU accounts CPUs only.
	CRCPU CRType = iota

	// CRMemory additionally enforces per-node memory limits.
	CRMemory
)

func (t CRType) String() string {
	switch t {
	case CRCPU:
		return "cpu"
	case CRMemory:
		return "memory"
	default:
		return "unknown"
	}
}

// AvailCPUsFn estimates the CPUs a job can use on a node. The default honors
// the fast-schedule flag and rounds down to a multiple of the job's CPUs per
// task.
type AvailCPUsFn func(job *structs.Job, node *structs.Node, fastSchedule bool) uint16

func defaultAvailCPUs(job *structs.Job, node *structs.Node, fastSchedule bool) uint16 {
	cpus := node.CPUs
	if fastSchedule {
		cpus = node.Config.CPUs
	}
	if cpt := job.CPUsPerTask; cpt > 1 {
		cpus -= cpus % cpt
	}
	return cpus
}

// ClusterState is the selector's read-only view of the cluster job and
// partition tables. Implementations must be synchronous and must not call
// back into the selector.
type ClusterState interface {
	// Jobs returns every job in the cluster, in no particular order.
	Jobs() []*structs.Job

	// Partitions returns every partition in the cluster.
	Partitions() []*structs.Partition
}

// Config parameterizes a Selector. It is consumed once at construction.
type Config struct {
	// CRType is the consumable resource unit, read from the cluster
	// configuration.
	CRType CRType

	// FastSchedule takes CPU and memory figures from the node's declared
	// configuration rather than its probed values.
	FastSchedule bool

	Logger log.Logger

	// Cluster provides the job and partition tables the selector rebuilds
	// its accounting from.
	Cluster ClusterState

	// Gres is the generic-resource plugin; nil disables generic-resource
	// accounting.
	Gres GresPlugin

	// AvailCPUs overrides the per-node available-CPU estimate.
	AvailCPUs AvailCPUsFn
}

// Selector is the linear node-selection engine. All entry points serialize on
// one mutex; external collaborators are invoked with it held and must not
// call back in.
type Selector struct {
	logger       log.Logger
	crType       CRType
	fastSchedule bool
	gres         GresPlugin
	availCPUs    AvailCPUsFn
	cluster      ClusterState

	mu       sync.Mutex
	nodes    []*structs.Node
	switches []*structs.Switch

	// state is built lazily on first use and dropped on node table
	// changes and reconfiguration.
	state *State

	lastSetAll time.Time
}

// New returns a Selector for the given cluster.
func New(config *Config) *Selector {
	logger := config.Logger
	if logger == nil {
		logger = log.Default()
	}
	gres := config.Gres
	if gres == nil {
		gres = noopGres{}
	}
	availCPUs := config.AvailCPUs
	if availCPUs == nil {
		availCPUs = defaultAvailCPUs
	}
	s := &Selector{
		logger:       logger.Named("selector"),
		crType:       config.CRType,
		fastSchedule: config.FastSchedule,
		gres:         gres,
		availCPUs:    availCPUs,
		cluster:      config.Cluster,
	}
	s.logger.Debug("created node selector",
		"type", SelectorName, "version", SelectorVersion, "cr_type", s.crType)
	return s
}

// NodeInit records a new node table and drops the current accounting
// snapshot; it is rebuilt on next use once the partition node sets have been
// reset against the new table.
func (s *Selector) NodeInit(nodes []*structs.Node) error {
	if nodes == nil {
		s.logger.Error("node init without a node table")
		return structs.ErrInvariant
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = nil
	s.nodes = nodes
	return nil
}

// TopologyInit records the read-only switch table. An empty table disables
// topology-aware selection.
func (s *Selector) TopologyInit(switches []*structs.Switch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.switches = switches
}

// Reconfigure drops the accounting snapshot and rebuilds it immediately from
// the cluster job tables.
func (s *Selector) Reconfigure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = nil
	s.initState()
	return nil
}

// StateSave is a no-op: the selector holds no persistent state.
func (s *Selector) StateSave(string) error { return nil }

// StateRestore is a no-op; the snapshot is rebuilt from the live job tables.
func (s *Selector) StateRestore(string) error { return nil }

// JobTest identifies the nodes which best satisfy the job's request. "Best"
// is the single set of consecutive nodes satisfying the request while leaving
// the minimum number of unused nodes, or the fewest consecutive sets.
//
// The bitmap holds the usable nodes on input and is narrowed to the chosen
// nodes on success. The mode selects the scheduling question: ModeRunNow
// attempts an allocation against current state, ModeTestOnly ignores current
// allocations, and ModeWillRun simulates terminations to find the earliest
// start time, recorded in job.StartTime.
//
// Preemption candidates are jobs the caller is willing to evict; the returned
// slice holds the subset whose allocations actually overlap the chosen nodes.
// ErrNoFit means the job cannot be placed and the caller should retry later.
func (s *Selector) JobTest(job *structs.Job, bitmap structs.Bitmap,
	minNodes, maxNodes, reqNodes uint32, mode structs.SelectMode,
	preemptees []*structs.Job) ([]*structs.Job, error) {

	defer metrics.MeasureSince([]string{"selector", "job_test"}, time.Now())

	if job == nil || bitmap == nil {
		return nil, structs.ErrInvariant
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		s.initState()
	}

	if bitmap.Count() < int(minNodes) {
		return nil, structs.ErrNoFit
	}

	maxShare := jobMaxShare(job)

	switch mode {
	case structs.ModeWillRun:
		return s.willRun(job, bitmap, minNodes, maxNodes, reqNodes, maxShare, preemptees)
	case structs.ModeTestOnly:
		return nil, s.testOnly(job, bitmap, minNodes, maxNodes, reqNodes)
	case structs.ModeRunNow:
		return s.runNow(job, bitmap, minNodes, maxNodes, reqNodes, maxShare, preemptees)
	default:
		panic(fmt.Sprintf("selector: invalid select mode %d", mode))
	}
}

// JobBegin allocates the selected resources to a starting job.
func (s *Selector) JobBegin(job *structs.Job) error {
	defer metrics.MeasureSince([]string{"selector", "job_begin"}, time.Now())
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		s.initState()
	}
	return s.addJobToNodes(s.state, job, "job_begin", true)
}

// JobFini releases all resources held by a finished job.
func (s *Selector) JobFini(job *structs.Job) error {
	defer metrics.MeasureSince([]string{"selector", "job_fini"}, time.Now())
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		s.initState()
	}
	return s.rmJobFromNodes(s.state, job, "job_fini", true)
}

// JobSuspend releases a suspended job's CPU claim. Memory, exclusivity and
// residency are retained.
func (s *Selector) JobSuspend(job *structs.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		s.initState()
	}
	return s.rmJobFromNodes(s.state, job, "job_suspend", false)
}

// JobResume restores a resumed job's CPU claim.
func (s *Selector) JobResume(job *structs.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		s.initState()
	}
	return s.addJobToNodes(s.state, job, "job_resume", false)
}

// JobExpand moves all resources from one job to another.
func (s *Selector) JobExpand(from, to *structs.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		s.initState()
	}
	return s.jobExpand(s.state, from, to)
}

// JobResized releases a job's claim on one node, used when a node is lost
// from a running allocation.
func (s *Selector) JobResized(job *structs.Job, node *structs.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		s.initState()
	}
	index := s.nodeIndex(node)
	if index < 0 {
		s.logger.Error("resized job references an unknown node",
			"job_id", job.ID, "node", node.Name)
		return structs.ErrInvariant
	}
	return s.rmJobFromOneNode(s.state, job, index, "job_resized")
}

// JobReady reports whether a job's allocated nodes are all powered up and
// usable, returning ReadyNodeState or zero.
func (s *Selector) JobReady(job *structs.Job) int {
	// Gang scheduling might suspend the job immediately.
	if !job.Running() && !job.Suspended() {
		return 0
	}
	if job.NodeBitmap == nil || job.NodeBitmap.First() == -1 {
		return structs.ReadyNodeState
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.nodes {
		if !job.NodeBitmap.Check(uint(i)) {
			continue
		}
		switch s.nodes[i].State {
		case structs.NodeStatePowerSave, structs.NodeStatePowerUp:
			return 0
		}
	}
	return structs.ReadyNodeState
}

func (s *Selector) nodeIndex(node *structs.Node) int {
	for i := range s.nodes {
		if s.nodes[i] == node {
			return i
		}
	}
	return -1
}

// totalCPUs is the node's CPU count: configured when fast scheduling is on,
// detected otherwise.
func (s *Selector) totalCPUs(i int) uint16 {
	node := s.nodes[i]
	if s.fastSchedule {
		return node.Config.CPUs
	}
	return node.CPUs
}

func (s *Selector) realMemory(i int) uint32 {
	node := s.nodes[i]
	if s.fastSchedule {
		return node.Config.RealMemory
	}
	return node.RealMemory
}

func (s *Selector) availCPUsOn(job *structs.Job, i int) uint16 {
	return s.availCPUs(job, s.nodes[i], s.fastSchedule)
}

// memoryRequest splits the job's memory request into per-CPU and per-node
// readings; both are zero unless memory is the consumable resource.
func (s *Selector) memoryRequest(job *structs.Job) (perCPU, perNode uint32) {
	if s.crType != CRMemory {
		return 0, 0
	}
	return job.MemoryPerCPU()
}

// jobMaxShare is the number of jobs that may co-reside on the job's nodes:
// one when the job opted out of sharing, else the partition's cap.
func jobMaxShare(job *structs.Job) int {
	if job.Shared != 0 && job.Partition != nil {
		return int(job.Partition.MaxShare &^ structs.SharedForce)
	}
	return 1
}

// enoughNodes applies the node-count predicate: the requested count biases
// the needed count below the remaining one when it exceeds the minimum.
func enoughNodes(availNodes, remNodes int, minNodes, reqNodes uint32) bool {
	needed := remNodes
	if reqNodes > minNodes {
		needed = remNodes + int(minNodes) - int(reqNodes)
	}
	return availNodes >= needed
}
