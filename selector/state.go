// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package selector

import (
	log "github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-set/v3"

	"github.com/hashicorp/cluster-select/structs"
)

// PartCR counts the jobs a partition has resident on one node.
type PartCR struct {
	Part *structs.Partition

	// RunJobCnt counts resident jobs consuming CPUs.
	RunJobCnt uint16

	// TotJobCnt counts resident jobs, suspended ones included.
	TotJobCnt uint16
}

// NodeCR is the consumable-resource accounting record for one node.
type NodeCR struct {
	// AllocMemory is the memory in MB claimed by resident jobs.
	AllocMemory uint32

	// ExclusiveCnt counts resident jobs that demanded the whole node.
	ExclusiveCnt uint32

	// Parts has one entry per partition whose node set includes this
	// node. The number of partitions touching a node is tiny, so lookups
	// walk the slice.
	Parts []PartCR

	// Gres is the selector's own clone of the node's generic-resource
	// state, or nil to defer to the node table's copy.
	Gres interface{}
}

// State is the in-memory snapshot of resources consumed on every node. It is
// rebuilt from the cluster job tables on demand and deep-cloned for
// hypothetical scheduling.
type State struct {
	nodes []NodeCR

	// runJobIDs holds the IDs of jobs currently consuming CPUs;
	// totJobIDs additionally holds suspended jobs, which keep their
	// memory and exclusivity claims. Job IDs are nonzero.
	runJobIDs *set.Set[uint32]
	totJobIDs *set.Set[uint32]
}

func newState(nodeCnt int) *State {
	return &State{
		nodes:     make([]NodeCR, nodeCnt),
		runJobIDs: set.New[uint32](16),
		totJobIDs: set.New[uint32](16),
	}
}

func (st *State) addRunJob(id uint32) { st.runJobIDs.Insert(id) }

func (st *State) addTotJob(id uint32) { st.totJobIDs.Insert(id) }

// remRunJob removes the job from the running set and reports whether it was
// present.
func (st *State) remRunJob(id uint32) bool { return st.runJobIDs.Remove(id) }

// remTotJob removes the job from the resident set and reports whether it was
// present.
func (st *State) remTotJob(id uint32) bool { return st.totJobIDs.Remove(id) }

func (st *State) hasRunJob(id uint32) bool { return st.runJobIDs.Contains(id) }

func (st *State) hasTotJob(id uint32) bool { return st.totJobIDs.Contains(id) }

// partCR finds the accounting entry for a partition on the given node, or nil
// when the partition's node set does not include it.
func (st *State) partCR(nodeIndex int, part *structs.Partition) *PartCR {
	parts := st.nodes[nodeIndex].Parts
	for i := range parts {
		if parts[i].Part == part {
			return &parts[i]
		}
	}
	return nil
}

// clone returns a deep, independent copy of the snapshot for hypothetical
// scheduling. Generic-resource state is cloned through the plugin's dup hook;
// a node deferring to the node table's copy is cloned from that copy.
func (st *State) clone(gres GresPlugin, nodes []*structs.Node) *State {
	ns := &State{
		nodes:     make([]NodeCR, len(st.nodes)),
		runJobIDs: st.runJobIDs.Copy(),
		totJobIDs: st.totJobIDs.Copy(),
	}
	for i := range st.nodes {
		ns.nodes[i].AllocMemory = st.nodes[i].AllocMemory
		ns.nodes[i].ExclusiveCnt = st.nodes[i].ExclusiveCnt
		ns.nodes[i].Parts = append([]PartCR(nil), st.nodes[i].Parts...)

		src := st.nodes[i].Gres
		if src == nil {
			src = nodes[i].Gres
		}
		ns.nodes[i].Gres = gres.StateDup(src)
	}
	return ns
}

// dump writes the snapshot to the trace log.
func (st *State) dump(logger log.Logger, nodes []*structs.Node) {
	if !logger.IsTrace() {
		return
	}
	logger.Trace("running jobs", "ids", st.runJobIDs.Slice())
	logger.Trace("allocated jobs", "ids", st.totJobIDs.Slice())
	for i := range st.nodes {
		logger.Trace("node accounting",
			"node", nodes[i].Name,
			"exclusive_cnt", st.nodes[i].ExclusiveCnt,
			"alloc_memory", st.nodes[i].AllocMemory)
		for _, pcr := range st.nodes[i].Parts {
			logger.Trace("partition accounting",
				"node", nodes[i].Name,
				"partition", pcr.Part.Name,
				"run_job_cnt", pcr.RunJobCnt,
				"tot_job_cnt", pcr.TotJobCnt)
		}
	}
}

// initState rebuilds the snapshot from the cluster partition and job tables.
// Requires the selector mutex.
func (s *Selector) initState() {
	st := newState(len(s.nodes))

	for _, part := range s.cluster.Partitions() {
		if part.NodeBitmap == nil {
			continue
		}
		for i := range s.nodes {
			if part.NodeBitmap.Check(uint(i)) {
				st.nodes[i].Parts = append(st.nodes[i].Parts, PartCR{Part: part})
			}
		}
	}

	// Clear the node table's generic-resource allocations; they are
	// re-applied from the resident job set below.
	for _, node := range s.nodes {
		s.gres.DeallocAll(node.Gres)
	}

	for _, job := range s.cluster.Jobs() {
		if !job.Running() && !job.Suspended() {
			continue
		}
		resrcs := job.Resources
		if resrcs == nil {
			s.logger.Error("job lacks a resources struct", "job_id", job.ID)
			continue
		}

		// A suspended job with nonzero priority is being gang
		// scheduled and still counts as running.
		running := job.Running() || (job.Suspended() && job.Priority != 0)
		if running {
			st.addRunJob(job.ID)
		}
		st.addTotJob(job.ID)

		memCPU, memNode := s.memoryRequest(job)

		// Use the resources bitmap rather than the job's node bitmap,
		// which can have down nodes cleared from it.
		if resrcs.NodeBitmap == nil {
			continue
		}
		exclusive := job.Exclusive()
		nodeOffset := -1
		for i := range s.nodes {
			if !resrcs.NodeBitmap.Check(uint(i)) {
				continue
			}
			nodeOffset++
			if exclusive {
				st.nodes[i].ExclusiveCnt++
			}
			if memCPU == 0 {
				st.nodes[i].AllocMemory += memNode
			} else {
				st.nodes[i].AllocMemory += memCPU * uint32(s.totalCPUs(i))
			}

			if job.NodeBitmap != nil && job.NodeBitmap.Check(uint(i)) {
				s.gres.JobAlloc(job, s.nodes[i].Gres, resrcs.NHosts,
					nodeOffset, resrcs.CPUs[nodeOffset])
			}

			pcr := st.partCR(i, job.Partition)
			if pcr == nil {
				s.logger.Info("job could not find partition for node",
					"job_id", job.ID,
					"partition", partitionName(job),
					"node", s.nodes[i].Name)
				job.PartNodesMissing = true
				continue
			}
			if running {
				pcr.RunJobCnt++
			}
			pcr.TotJobCnt++
		}
	}

	s.state = st
	st.dump(s.logger, s.nodes)
}

func partitionName(job *structs.Job) string {
	if job.Partition == nil {
		return ""
	}
	return job.Partition.Name
}
