// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package selector

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/hashicorp/cluster-select/structs"
)

// addJobToNodes allocates resources to the given job on every node of its
// allocation. With allocAll false the job is resuming from suspension and
// only its CPU claim is restored; memory, exclusivity and residency were
// retained across the suspension.
func (s *Selector) addJobToNodes(st *State, job *structs.Job, op string,
	allocAll bool) error {

	if st == nil {
		s.logger.Error("accounting state not initialized", "op", op)
		return structs.ErrInvariant
	}

	var memCPU, memNode uint32
	if allocAll {
		memCPU, memNode = s.memoryRequest(job)
	}
	resrcs := job.Resources
	if resrcs == nil || resrcs.NodeBitmap == nil {
		s.logger.Error("job lacks a resources struct", "op", op, "job_id", job.ID)
		return structs.ErrInvariant
	}

	if !allocAll && !st.hasTotJob(job.ID) {
		s.logger.Info("job has no resources allocated", "op", op, "job_id", job.ID)
		return structs.ErrInvariant
	}

	exclusive := job.Exclusive()
	st.addRunJob(job.ID)
	if allocAll {
		st.addTotJob(job.ID)
	}

	var mErr *multierror.Error
	nodeCnt := resrcs.NodeBitmap.Count()
	nodeOffset := -1
	for i := range s.nodes {
		if !resrcs.NodeBitmap.Check(uint(i)) {
			continue
		}
		nodeOffset++
		if job.NodeBitmap == nil || !job.NodeBitmap.Check(uint(i)) {
			continue
		}

		node := s.nodes[i]
		cpuCnt := s.totalCPUs(i)

		if memCPU != 0 {
			st.nodes[i].AllocMemory += memCPU * uint32(cpuCnt)
		} else {
			st.nodes[i].AllocMemory += memNode
		}

		if allocAll {
			gresState := st.nodes[i].Gres
			if gresState == nil {
				gresState = node.Gres
			}
			s.gres.JobAlloc(job, gresState, nodeCnt, nodeOffset, cpuCnt)
			s.gres.StateLog(gresState, node.Name)
		}

		if allocAll && exclusive {
			st.nodes[i].ExclusiveCnt++
		}

		pcr := st.partCR(i, job.Partition)
		if pcr == nil {
			s.logger.Info("job could not find partition for node",
				"op", op, "job_id", job.ID,
				"partition", partitionName(job), "node", node.Name)
			job.PartNodesMissing = true
			mErr = multierror.Append(mErr, fmt.Errorf(
				"%w: partition %q missing on node %s",
				structs.ErrInvariant, partitionName(job), node.Name))
			continue
		}
		pcr.RunJobCnt++
		if allocAll {
			pcr.TotJobCnt++
		}
	}

	return mErr.ErrorOrNil()
}

// rmJobFromNodes releases resources assigned to the given job. With
// removeAll false the job is being suspended: only its CPU claim is
// released, while memory, exclusivity and residency are retained. Underflows
// are clamped and logged; the state remains usable.
func (s *Selector) rmJobFromNodes(st *State, job *structs.Job, op string,
	removeAll bool) error {

	if st == nil {
		s.logger.Error("accounting state not initialized", "op", op)
		return structs.ErrInvariant
	}

	if removeAll {
		if !st.remTotJob(job.ID) {
			s.logger.Info("job has no resources allocated", "op", op, "job_id", job.ID)
			return structs.ErrInvariant
		}
	} else if !st.hasTotJob(job.ID) {
		s.logger.Info("job has no resources allocated", "op", op, "job_id", job.ID)
		return structs.ErrInvariant
	}

	var memCPU, memNode uint32
	if removeAll {
		memCPU, memNode = s.memoryRequest(job)
	}
	resrcs := job.Resources
	if resrcs == nil || resrcs.NodeBitmap == nil {
		s.logger.Error("job lacks a resources struct", "op", op, "job_id", job.ID)
		return structs.ErrInvariant
	}

	isJobRunning := st.remRunJob(job.ID)
	exclusive := job.Exclusive()

	var mErr *multierror.Error
	nodeOffset := -1
	for i := range s.nodes {
		if !resrcs.NodeBitmap.Check(uint(i)) {
			continue
		}
		nodeOffset++
		if job.NodeBitmap == nil || !job.NodeBitmap.Check(uint(i)) {
			continue
		}

		node := s.nodes[i]
		cpuCnt := s.totalCPUs(i)
		jobMemory := memNode
		if memCPU != 0 {
			jobMemory = memCPU * uint32(cpuCnt)
		}

		if st.nodes[i].AllocMemory >= jobMemory {
			st.nodes[i].AllocMemory -= jobMemory
		} else {
			// With fast scheduling off and a node configured with
			// fewer CPUs than detected, the allocation recorded
			// across a controller restart can be based on a lower
			// CPU count than at release time.
			if s.fastSchedule || node.Config.CPUs == node.CPUs {
				s.logger.Error("memory underflow for node",
					"op", op, "node", node.Name)
			} else {
				s.logger.Debug("memory underflow for node",
					"op", op, "node", node.Name)
			}
			st.nodes[i].AllocMemory = 0
		}

		if removeAll {
			gresState := st.nodes[i].Gres
			if gresState == nil {
				gresState = node.Gres
			}
			s.gres.JobDealloc(job, gresState, nodeOffset)
			s.gres.StateLog(gresState, node.Name)
		}

		if removeAll && exclusive {
			if st.nodes[i].ExclusiveCnt > 0 {
				st.nodes[i].ExclusiveCnt--
			} else {
				s.logger.Error("exclusive count underflow for node",
					"op", op, "node", node.Name)
			}
		}

		pcr := st.partCR(i, job.Partition)
		if pcr == nil {
			if !job.PartNodesMissing {
				s.logger.Info("job partition no longer contains node",
					"op", op, "job_id", job.ID,
					"partition", partitionName(job), "node", node.Name)
			}
			job.PartNodesMissing = true
			mErr = multierror.Append(mErr, fmt.Errorf(
				"%w: partition %q missing on node %s",
				structs.ErrInvariant, partitionName(job), node.Name))
			continue
		}
		if !isJobRunning {
			// cancelled job already suspended
		} else if pcr.RunJobCnt > 0 {
			pcr.RunJobCnt--
		} else {
			s.logger.Error("run job count underflow for node",
				"op", op, "node", node.Name)
		}
		if removeAll {
			if pcr.TotJobCnt > 0 {
				pcr.TotJobCnt--
			} else {
				s.logger.Error("total job count underflow for node",
					"op", op, "node", node.Name)
			}
			if pcr.TotJobCnt == 0 && pcr.RunJobCnt != 0 {
				pcr.RunJobCnt = 0
				s.logger.Error("run job count out of sync for node",
					"op", op, "node", node.Name)
			}
		}
	}

	return mErr.ErrorOrNil()
}

// rmJobFromOneNode releases the job's claim on one specific node, used when
// a node is lost from a running allocation. The node's CPU slot is zeroed
// and the compact CPU array recomputed.
func (s *Selector) rmJobFromOneNode(st *State, job *structs.Job,
	nodeIndex int, op string) error {

	if st == nil {
		s.logger.Error("accounting state not initialized", "op", op)
		return structs.ErrInvariant
	}
	if !st.hasTotJob(job.ID) {
		s.logger.Info("job has no resources allocated", "op", op, "job_id", job.ID)
		return structs.ErrInvariant
	}

	memCPU, memNode := s.memoryRequest(job)
	resrcs := job.Resources
	if resrcs == nil || resrcs.CPUs == nil || resrcs.NodeBitmap == nil {
		s.logger.Error("job lacks a resources struct", "op", op, "job_id", job.ID)
		return structs.ErrInvariant
	}

	node := s.nodes[nodeIndex]
	nodeOffset := resrcs.NodeOffset(nodeIndex)
	if nodeOffset < 0 {
		s.logger.Error("job allocated a node no longer in its allocation",
			"op", op, "job_id", job.ID, "node", node.Name)
		return structs.ErrInvariant
	}
	if resrcs.CPUs[nodeOffset] == 0 {
		s.logger.Error("duplicate relinquish of node",
			"op", op, "job_id", job.ID, "node", node.Name)
		return structs.ErrInvariant
	}
	resrcs.CPUs[nodeOffset] = 0
	resrcs.BuildCPUArray()

	isJobRunning := st.hasRunJob(job.ID)
	cpuCnt := s.totalCPUs(nodeIndex)
	jobMemory := memNode
	if memCPU != 0 {
		jobMemory = memCPU * uint32(cpuCnt)
	}
	if st.nodes[nodeIndex].AllocMemory >= jobMemory {
		st.nodes[nodeIndex].AllocMemory -= jobMemory
	} else {
		st.nodes[nodeIndex].AllocMemory = 0
		s.logger.Error("memory underflow for node", "op", op, "node", node.Name)
	}

	gresState := st.nodes[nodeIndex].Gres
	if gresState == nil {
		gresState = node.Gres
	}
	s.gres.JobDealloc(job, gresState, nodeOffset)
	s.gres.StateLog(gresState, node.Name)

	if job.Exclusive() {
		if st.nodes[nodeIndex].ExclusiveCnt > 0 {
			st.nodes[nodeIndex].ExclusiveCnt--
		} else {
			s.logger.Error("exclusive count underflow for node",
				"op", op, "node", node.Name)
		}
	}

	pcr := st.partCR(nodeIndex, job.Partition)
	if pcr == nil {
		s.logger.Error("could not find partition for node",
			"op", op, "partition", partitionName(job), "node", node.Name)
		return structs.ErrInvariant
	}
	if !isJobRunning {
		// cancelled job already suspended
	} else if pcr.RunJobCnt > 0 {
		pcr.RunJobCnt--
	} else {
		s.logger.Error("run job count underflow for node",
			"op", op, "node", node.Name)
	}
	if pcr.TotJobCnt > 0 {
		pcr.TotJobCnt--
	} else {
		s.logger.Error("total job count underflow for node",
			"op", op, "node", node.Name)
	}
	if pcr.TotJobCnt == 0 && pcr.RunJobCnt != 0 {
		pcr.RunJobCnt = 0
		s.logger.Error("run job count out of sync for node",
			"op", op, "node", node.Name)
	}
	return nil
}

// jobExpand moves all resources from one job to another, merging the
// per-node CPU and memory allocations. Jobs holding generic resources cannot
// be merged.
func (s *Selector) jobExpand(st *State, from, to *structs.Job) error {
	if st == nil {
		s.logger.Error("accounting state not initialized", "op", "job_expand")
		return structs.ErrInvariant
	}
	if from.ID == to.ID {
		s.logger.Error("attempt to merge job with self", "job_id", from.ID)
		return structs.ErrInvariant
	}
	if !st.hasTotJob(from.ID) {
		s.logger.Info("job has no resources allocated", "job_id", from.ID)
		return structs.ErrInvariant
	}
	if !st.hasTotJob(to.ID) {
		s.logger.Info("job has no resources allocated", "job_id", to.ID)
		return structs.ErrInvariant
	}
	if from.GresRequest != nil || to.GresRequest != nil {
		// Possible to support, but complex and fragile.
		s.logger.Info("attempt to merge job with generic resources",
			"job_id", from.ID)
		return structs.ErrExpandGres
	}

	fromResrcs := from.Resources
	if fromResrcs == nil || fromResrcs.CPUs == nil || fromResrcs.NodeBitmap == nil {
		s.logger.Error("job lacks a resources struct", "job_id", from.ID)
		return structs.ErrInvariant
	}
	toResrcs := to.Resources
	if toResrcs == nil || toResrcs.CPUs == nil || toResrcs.NodeBitmap == nil {
		s.logger.Error("job lacks a resources struct", "job_id", to.ID)
		return structs.ErrInvariant
	}

	unionBitmap := toResrcs.NodeBitmap.Copy()
	unionBitmap.Or(fromResrcs.NodeBitmap)
	newResrcs := structs.NewJobResources(unionBitmap.Count())
	newResrcs.NodeBitmap = unionBitmap
	newResrcs.Nodes = structs.NodeNames(s.nodes, unionBitmap)
	newResrcs.NCPUs = fromResrcs.NCPUs + toResrcs.NCPUs

	fromPerCPU := from.PNMinMemory&structs.MemPerCPU != 0

	fromOffset, toOffset, newOffset := -1, -1, -1
	for i := range s.nodes {
		fromUsed := fromResrcs.NodeBitmap.Check(uint(i))
		if fromUsed {
			fromOffset++
		}
		toUsed := toResrcs.NodeBitmap.Check(uint(i))
		if toUsed {
			toOffset++
		}
		if !fromUsed && !toUsed {
			continue
		}
		newOffset++

		if fromUsed {
			// Merge the "from" job's allocation and leave it with
			// no CPUs or memory on the node.
			newResrcs.CPUs[newOffset] += fromResrcs.CPUs[fromOffset]
			fromResrcs.CPUs[fromOffset] = 0
			newResrcs.MemoryAllocated[newOffset] +=
				fromResrcs.MemoryAllocated[fromOffset]
			fromResrcs.MemoryAllocated[fromOffset] = 0
			if toUsed && to.Exclusive() {
				// Both jobs lived here; the merged job counts
				// exclusivity once.
				if st.nodes[i].ExclusiveCnt > 0 {
					st.nodes[i].ExclusiveCnt--
				} else {
					s.logger.Error("exclusive count underflow for node",
						"node", s.nodes[i].Name)
				}
			}
		}
		if toUsed {
			newResrcs.CPUs[newOffset] += toResrcs.CPUs[toOffset]
			newResrcs.CPUsUsed[newOffset] += toResrcs.CPUsUsed[toOffset]
			if !fromUsed || fromPerCPU {
				// Node allocated by one job, or memory tracked
				// per CPU: the memory claims simply add up.
				newResrcs.MemoryAllocated[newOffset] +=
					toResrcs.MemoryAllocated[toOffset]
			} else {
				// Memory allocated per node and both jobs
				// occupied the node: the merged job counts once,
				// so release the duplicate claim.
				if st.nodes[i].AllocMemory >= toResrcs.MemoryAllocated[toOffset] {
					st.nodes[i].AllocMemory -=
						toResrcs.MemoryAllocated[toOffset]
				} else {
					st.nodes[i].AllocMemory = 0
					s.logger.Error("memory underflow for node",
						"node", s.nodes[i].Name)
				}
			}
			newResrcs.MemoryUsed[newOffset] += toResrcs.MemoryUsed[toOffset]
		}
	}
	newResrcs.BuildCPUArray()

	// Swap data: "new" replaces "to" and "from" is cleared.
	to.Resources = newResrcs
	to.TotalCPUs += from.TotalCPUs
	to.CPUCnt += from.CPUCnt
	to.MinCPUs = to.TotalCPUs
	from.TotalCPUs = 0
	fromResrcs.NCPUs = 0
	from.MinCPUs = 0

	from.NodeCnt = 0
	fromResrcs.NHosts = 0
	to.NodeCnt = uint32(newResrcs.NHosts)

	if to.NodeBitmap != nil && from.NodeBitmap != nil {
		to.NodeBitmap.Or(from.NodeBitmap)
		from.NodeBitmap.Clear()
	}
	fromResrcs.NodeBitmap.Clear()

	to.Nodes = newResrcs.Nodes
	from.Nodes = ""
	fromResrcs.Nodes = ""

	return nil
}

// buildJobResources builds the job's resources layout from the nodes chosen
// for it and its memory request.
func (s *Selector) buildJobResources(job *structs.Job, bitmap structs.Bitmap) {
	memCPU, memNode := s.memoryRequest(job)

	nodeCnt := bitmap.Count()
	resrcs := structs.NewJobResources(nodeCnt)
	resrcs.NodeBitmap = bitmap.Copy()
	resrcs.Nodes = structs.NodeNames(s.nodes, bitmap)
	resrcs.NCPUs = job.TotalCPUs

	totalCPUs := uint32(0)
	offset := 0
	for i := range s.nodes {
		if !bitmap.Check(uint(i)) {
			continue
		}
		nodeCPUs := s.totalCPUs(i)
		resrcs.CPUs[offset] = nodeCPUs
		totalCPUs += uint32(nodeCPUs)

		if memNode != 0 {
			resrcs.MemoryAllocated[offset] = memNode
		} else if memCPU != 0 {
			resrcs.MemoryAllocated[offset] = memCPU * uint32(nodeCPUs)
		}
		offset++
	}
	resrcs.BuildCPUArray()

	if resrcs.NCPUs != totalCPUs {
		s.logger.Error("resources cpu count mismatch",
			"job_id", job.ID, "ncpus", resrcs.NCPUs, "total", totalCPUs)
	}
	job.Resources = resrcs
}
