// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package selector

import "github.com/hashicorp/cluster-select/structs"

// countBitmap sets the bits of out that correspond to bits of in whose nodes
// can accept the job under the given per-partition caps, clears the rest and
// returns the count of set bits.
//
// A node qualifies when its generic resources can cover the job with at least
// the node's full CPU count, the job's memory fits beside current
// allocations, no exclusive job holds the node, and the partition job counts
// summed across the node stay within runCap and totCap. In test-only mode
// only the generic-resource check applies, against total resources.
func (s *Selector) countBitmap(st *State, job *structs.Job,
	in, out structs.Bitmap, runCap, totCap int, mode structs.SelectMode) int {

	var memCPU, memNode uint32
	useTotal := true
	if mode != structs.ModeTestOnly {
		useTotal = false
		memCPU, memNode = s.memoryRequest(job)
	}

	count := 0
	for i := range s.nodes {
		if !in.Check(uint(i)) {
			out.Unset(uint(i))
			continue
		}

		node := s.nodes[i]
		cpuCnt := s.totalCPUs(i)

		gresState := st.nodes[i].Gres
		if gresState == nil {
			gresState = node.Gres
		}
		gresCPUs := s.gres.JobTest(job, gresState, useTotal)
		if gresCPUs != NoGresLimit && gresCPUs < uint32(cpuCnt) {
			out.Unset(uint(i))
			continue
		}

		if mode == structs.ModeTestOnly {
			// No need to test other resources
			out.Set(uint(i))
			count++
			continue
		}

		if memCPU != 0 || memNode != 0 {
			jobMem := memNode
			if memCPU != 0 {
				jobMem = memCPU * uint32(cpuCnt)
			}
			if st.nodes[i].AllocMemory+jobMem > s.realMemory(i) {
				out.Unset(uint(i))
				continue
			}
		}

		if st.nodes[i].ExclusiveCnt != 0 {
			// already reserved by some exclusive job
			out.Unset(uint(i))
			continue
		}

		totalRunJobs, totalJobs := 0, 0
		for _, pcr := range st.nodes[i].Parts {
			totalRunJobs += int(pcr.RunJobCnt)
			totalJobs += int(pcr.TotJobCnt)
		}
		if totalRunJobs <= runCap && totalJobs <= totCap {
			out.Set(uint(i))
			count++
		} else {
			out.Unset(uint(i))
		}
	}
	return count
}
